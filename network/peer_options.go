package network

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"time"
)

// PeerOption configures a Peer in NewPeer.
type PeerOption func(*Peer)

// WithRetry sets the pause between dial rounds and how many rounds are
// attempted before giving up. maxRetries 0 dials until fully connected.
func WithRetry(interval time.Duration, maxRetries int) PeerOption {
	return func(p *Peer) {
		if interval > 0 {
			p.retryInterval = interval
		}
		p.maxRetries = maxRetries
	}
}

func WithDialTimeout(timeout time.Duration) PeerOption {
	return func(p *Peer) {
		p.dialTimeout = timeout
	}
}

func WithLogger(logger *slog.Logger) PeerOption {
	return func(p *Peer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithCertificate enables TLS on every link, presenting cert both as server
// and as client.
func WithCertificate(cert tls.Certificate) PeerOption {
	return func(p *Peer) {
		if p.tlsConfig == nil {
			p.tlsConfig = &tls.Config{}
		}
		p.tlsConfig.Certificates = append(p.tlsConfig.Certificates, cert)
	}
}

// WithLimitedCAs trusts only the certificates in certPool, for both sides of a link.
func WithLimitedCAs(certPool *x509.CertPool) PeerOption {
	return func(p *Peer) {
		if p.tlsConfig == nil {
			p.tlsConfig = &tls.Config{}
		}
		p.tlsConfig.RootCAs = certPool
		p.tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		p.tlsConfig.ClientCAs = certPool
	}
}
