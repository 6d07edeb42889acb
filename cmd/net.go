package main

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// guessIpAddress takes a base IP address and a partial address string,
// and fills in the missing octets from the base address.
func guessIpAddress(baseAddress net.IP, partialAddr string) (net.IP, error) {
	ip := make(net.IP, len(baseAddress))
	copy(ip, baseAddress)
	octets := strings.Split(partialAddr, ".")
	if len(octets) == 1 && octets[0] == "" {
		return ip, nil
	}
	if len(octets) > len(ip) {
		return net.IP{}, fmt.Errorf("too many octets in %q", partialAddr)
	}
	for i := 0; i < len(octets); i++ {
		var octet byte
		_, err := fmt.Sscanf(octets[i], "%d", &octet)
		if err != nil {
			return net.IP{}, err
		}
		ip[len(ip)-len(octets)+i] = octet
	}
	return ip, nil
}

// isPartialIPv4 reports whether s is at most three dot separated numbers,
// the empty string included.
func isPartialIPv4(s string) bool {
	if s == "" {
		return true
	}
	octets := strings.Split(s, ".")
	if len(octets) > 3 {
		return false
	}
	for _, o := range octets {
		if _, err := strconv.ParseUint(o, 10, 8); err != nil {
			return false
		}
	}
	return true
}

// splitHostPort splits an address into host and port, using defaultPort if no port is specified.
func splitHostPort(addr string, defaultPort int) (string, string, error) {
	ipaddr, port, err := net.SplitHostPort(addr)
	if err != nil {
		addr = addr + ":" + strconv.Itoa(defaultPort)
		ipaddr, port, err = net.SplitHostPort(addr)
		if err != nil {
			return "", "", err
		}
	}
	return ipaddr, port, nil
}

// parsePeers reads the comma separated address list of -peers. The address at
// position i belongs to peer i and defaults to port basePort+i. When host is
// an IPv4 address, entries like "42" or "1.42" are completed from it.
func parsePeers(list, host string, basePort int) (map[int]string, error) {
	base := net.ParseIP(host).To4()
	addresses := make(map[int]string)
	for i, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return nil, fmt.Errorf("peer %d: empty address", i)
		}
		h, port, err := splitHostPort(entry, basePort+i)
		if err != nil {
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}
		if base != nil && isPartialIPv4(h) {
			ip, err := guessIpAddress(base, h)
			if err != nil {
				return nil, fmt.Errorf("peer %d: %w", i, err)
			}
			h = ip.String()
		}
		addresses[i] = net.JoinHostPort(h, port)
	}
	return addresses, nil
}

func certPool(certPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, errors.New("no certificate in PEM data")
	}
	return pool, nil
}
