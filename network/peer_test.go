package network

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

type received struct {
	to   int
	from int
	msg  Message
}

// startPeers starts n fully wired peers on random localhost ports. Every
// message they receive is pushed to inbox.
func startPeers(t *testing.T, n int, inbox chan received, opts ...PeerOption) []*Peer {
	t.Helper()
	listeners, addresses := CreateListeners(n)
	peers := make([]*Peer, n)
	for i := 0; i < n; i++ {
		peerOpts := append([]PeerOption{WithRetry(50*time.Millisecond, 0)}, opts...)
		peers[i] = NewPeer(i, addresses, listeners[i], peerOpts...)
	}
	for i, p := range peers {
		i := i
		p.Start(context.Background(), DispatchFunc(func(from int, m Message) {
			inbox <- received{to: i, from: from, msg: m}
		}))
	}
	t.Cleanup(func() {
		for _, p := range peers {
			if err := p.Close(); err != nil {
				t.Error(err)
			}
		}
	})
	return peers
}

// waitFullyConnected blocks until every peer is fully connected.
func waitFullyConnected(t *testing.T, peers []*Peer) {
	t.Helper()
	done := make(chan int, len(peers))
	for _, p := range peers {
		p := p
		p.OnFullyConnected(func() { done <- p.Rank })
	}
	timeout := time.After(10 * time.Second)
	for range peers {
		select {
		case <-done:
		case <-timeout:
			t.Fatal("peers did not fully connect in time")
		}
	}
}

// TestPeersConnect verifies that every peer reaches both connectivity levels
// and sees all the others.
func TestPeersConnect(t *testing.T) {
	n := 4
	peers := startPeers(t, n, make(chan received, 16))
	waitFullyConnected(t, peers)
	for _, p := range peers {
		if !p.IsActive() || !p.IsFullyConnected() {
			t.Fatalf("peer %d: expected active and fully connected", p.Rank)
		}
		if got := p.Connected(); len(got) != n-1 {
			t.Fatalf("peer %d: expected %d connected peers, got %v", p.Rank, n-1, got)
		}
		active, _ := p.ActiveAfter()
		full, _ := p.FullyConnectedAfter()
		if active > full {
			t.Fatalf("peer %d: became active after being fully connected (%v > %v)", p.Rank, active, full)
		}
	}
}

// TestBroadcast verifies that a broadcast reaches every other peer exactly once,
// attributed to the sender.
func TestBroadcast(t *testing.T) {
	n := 5
	root := 3
	inbox := make(chan received, 4*n)
	peers := startPeers(t, n, inbox)
	waitFullyConnected(t, peers)

	if sent := peers[root].Broadcast(Terminate{PeerID: root}); sent != n-1 {
		t.Fatalf("expected broadcast to reach %d peers, reached %d", n-1, sent)
	}
	seen := make(map[int]bool)
	for i := 0; i < n-1; i++ {
		select {
		case r := <-inbox:
			if r.from != root {
				t.Fatalf("peer %d: expected message from %d, got from %d", r.to, root, r.from)
			}
			if r.msg != (Terminate{PeerID: root}) {
				t.Fatalf("peer %d: unexpected message %+v", r.to, r.msg)
			}
			if seen[r.to] {
				t.Fatalf("peer %d received the broadcast twice", r.to)
			}
			seen[r.to] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d peers received the broadcast", len(seen))
		}
	}
	if seen[root] {
		t.Fatal("the root should not receive its own broadcast")
	}
}

// TestSend verifies point to point delivery and the error for unknown targets.
func TestSend(t *testing.T) {
	inbox := make(chan received, 4)
	peers := startPeers(t, 3, inbox)
	waitFullyConnected(t, peers)

	if err := peers[2].Send(0, ConfirmTx{RoundID: 5, PeerID: 2}); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-inbox:
		if r.to != 0 || r.from != 2 {
			t.Fatalf("expected message from 2 to 0, got from %d to %d", r.from, r.to)
		}
		if r.msg != (ConfirmTx{RoundID: 5, PeerID: 2}) {
			t.Fatalf("unexpected message %+v", r.msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
	if err := peers[2].Send(7, Terminate{PeerID: 2}); err == nil {
		t.Fatal("expected error sending to an unknown peer")
	}
}

// TestActiveWithMissingPeer verifies that a peer becomes active but never fully
// connected when one of the others never comes up.
func TestActiveWithMissingPeer(t *testing.T) {
	n := 4
	listeners, addresses := CreateListeners(n)
	if err := listeners[n-1].Close(); err != nil {
		t.Fatal(err)
	}
	fatal := make(chan error, n-1)
	for i := 0; i < n-1; i++ {
		go func(i int) {
			p := NewPeer(i, addresses, listeners[i], WithRetry(20*time.Millisecond, 10), WithDialTimeout(100*time.Millisecond))
			active := make(chan struct{})
			p.OnActive(func() { close(active) })
			p.Start(context.Background(), DispatchFunc(func(int, Message) {}))
			defer p.Close()

			select {
			case <-active:
			case <-time.After(5 * time.Second):
				fatal <- fmt.Errorf("peer %d did not become active", i)
				return
			}
			time.Sleep(500 * time.Millisecond)
			if p.IsFullyConnected() {
				fatal <- fmt.Errorf("peer %d should not be fully connected", i)
				return
			}
			fatal <- nil
		}(i)
	}
	for i := 0; i < n-1; i++ {
		if err := <-fatal; err != nil {
			t.Fatal(err)
		}
	}
}

// TestHandshake verifies that an inbound connection is only accepted after a
// connect message with a known id, and that malformed lines are skipped.
func TestHandshake(t *testing.T) {
	listeners, addresses := CreateListeners(3)
	for _, i := range []int{1, 2} {
		if err := listeners[i].Close(); err != nil {
			t.Fatal(err)
		}
	}
	inbox := make(chan received, 4)
	p := NewPeer(0, addresses, listeners[0], WithRetry(time.Hour, 1), WithDialTimeout(50*time.Millisecond))
	p.Start(context.Background(), DispatchFunc(func(from int, m Message) {
		inbox <- received{to: 0, from: from, msg: m}
	}))
	defer p.Close()

	intruder, err := net.Dial("tcp", addresses[0])
	if err != nil {
		t.Fatal(err)
	}
	defer intruder.Close()
	fmt.Fprintln(intruder, `{"type": "connect", "peer_id": 9}`)
	_ = intruder.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := bufio.NewReader(intruder).ReadByte(); err == nil {
		t.Fatal("connection from an unknown id should be closed")
	}

	conn, err := net.Dial("tcp", addresses[0])
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	fmt.Fprintln(conn, `{"type": "connect", "peer_id": 1}`)
	fmt.Fprintln(conn, `garbage`)
	fmt.Fprintln(conn, ``)
	fmt.Fprintln(conn, `{"type": "status", "peer_id": 1, "connected_peers": [0]}`)
	select {
	case r := <-inbox:
		if r.from != 1 {
			t.Fatalf("expected message from 1, got from %d", r.from)
		}
		status, ok := r.msg.(Status)
		if !ok || status.PeerID != 1 || len(status.ConnectedPeers) != 1 {
			t.Fatalf("unexpected message %+v", r.msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("status message not delivered")
	}
	if got := p.Connected(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected only peer 1 connected, got %v", got)
	}
	if !p.IsActive() {
		t.Fatal("one of two other peers connected should make the peer active")
	}
}

// TestCloseReleasesListener verifies that the address can be bound again after Close.
func TestCloseReleasesListener(t *testing.T) {
	peers := startPeers(t, 2, make(chan received, 4))
	waitFullyConnected(t, peers)
	address := peers[0].Addresses[0]
	if err := peers[0].Close(); err != nil {
		t.Fatal(err)
	}
	if err := peers[0].Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	l, err := net.Listen("tcp", address)
	if err != nil {
		t.Fatalf("listener not released: %v", err)
	}
	l.Close()
}

func TestAddresses(t *testing.T) {
	addresses := Addresses("localhost", 8000, 3)
	expected := map[int]string{0: "localhost:8000", 1: "localhost:8001", 2: "localhost:8002"}
	if len(addresses) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, addresses)
	}
	for k, v := range expected {
		if addresses[k] != v {
			t.Fatalf("expected %v, got %v", expected, addresses)
		}
	}
}
