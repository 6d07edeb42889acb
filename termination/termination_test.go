package termination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/pow-consensus/ledger"
	"github.com/luca-patrignani/pow-consensus/network"
)

type fakeEngine struct {
	mu     sync.Mutex
	halted int
}

func (f *fakeEngine) Halt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halted++
}

type fakePeer struct {
	rank, n int
	mu      sync.Mutex
	active  bool
	full    bool
	sent    []network.Message
}

func (p *fakePeer) Broadcast(m network.Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, m)
	return p.n - 1
}

func (p *fakePeer) messages() []network.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]network.Message(nil), p.sent...)
}

func (p *fakePeer) Connected() []int { return []int{1, 2} }

func (p *fakePeer) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *fakePeer) IsFullyConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.full
}

func (p *fakePeer) GetRank() int      { return p.rank }
func (p *fakePeer) GetPeerCount() int { return p.n }

// shutdownRecorder collects the reasons passed to a ShutdownFunc.
type shutdownRecorder chan string

func (r shutdownRecorder) shutdown(reason string) { r <- reason }

func (r shutdownRecorder) expect(t *testing.T) string {
	t.Helper()
	select {
	case reason := <-r:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not requested")
		return ""
	}
}

func (r shutdownRecorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case reason := <-r:
		t.Fatalf("unexpected shutdown: %s", reason)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChainLength(t *testing.T) {
	engine := &fakeEngine{}
	rec := make(shutdownRecorder, 4)
	c := NewChainLength(5, engine, rec.shutdown, nil)

	for length := 1; length < 5; length++ {
		c.OnCommit(ledger.Block{}, length)
	}
	rec.expectNone(t)
	assert.Equal(t, 0, engine.halted)

	c.OnCommit(ledger.Block{}, 5)
	c.OnCommit(ledger.Block{}, 6)
	assert.Equal(t, "chain length reached", rec.expect(t))
	rec.expectNone(t)
	assert.Equal(t, 1, engine.halted)
}

func TestGossipThreshold(t *testing.T) {
	for n, expected := range map[int]int{3: 2, 4: 2, 5: 3, 6: 4, 9: 6} {
		g := NewGossip(GossipConfig{}, &fakePeer{n: n}, func(string) {})
		assert.Equal(t, expected, g.Threshold(), "threshold of %d peers", n)
	}
}

func TestGossipTerminatesOnStatusQuorum(t *testing.T) {
	peer := &fakePeer{rank: 0, n: 5, active: true, full: true}
	rec := make(shutdownRecorder, 4)
	g := NewGossip(GossipConfig{WaitFullyConnected: true}, peer, rec.shutdown)

	g.HandleStatus(1, network.Status{PeerID: 1})
	g.HandleStatus(1, network.Status{PeerID: 1})
	g.HandleStatus(2, network.Status{PeerID: 2})
	rec.expectNone(t)
	assert.Equal(t, 2, g.Senders())

	g.HandleStatus(3, network.Status{PeerID: 3})
	assert.Equal(t, "status quorum reached", rec.expect(t))
	require.Len(t, peer.messages(), 1)
	assert.Equal(t, network.Terminate{PeerID: 0}, peer.messages()[0])

	g.HandleStatus(4, network.Status{PeerID: 4})
	g.HandleTerminate(4, network.Terminate{PeerID: 4})
	rec.expectNone(t)
	assert.Len(t, peer.messages(), 1)
}

func TestGossipIgnoresStatusWhileInactive(t *testing.T) {
	peer := &fakePeer{n: 4}
	rec := make(shutdownRecorder, 1)
	g := NewGossip(GossipConfig{}, peer, rec.shutdown)

	g.HandleStatus(1, network.Status{PeerID: 1})
	g.HandleStatus(2, network.Status{PeerID: 2})
	assert.Equal(t, 0, g.Senders())
	rec.expectNone(t)
}

func TestGossipWaitsForFullConnectivity(t *testing.T) {
	peer := &fakePeer{n: 3, active: true}
	rec := make(shutdownRecorder, 1)
	g := NewGossip(GossipConfig{WaitFullyConnected: true}, peer, rec.shutdown)

	g.HandleStatus(1, network.Status{PeerID: 1})
	g.HandleStatus(2, network.Status{PeerID: 2})
	rec.expectNone(t)

	peer.mu.Lock()
	peer.full = true
	peer.mu.Unlock()
	g.HandleStatus(2, network.Status{PeerID: 2})
	assert.Equal(t, "status quorum reached", rec.expect(t))
}

func TestGossipTerminateFromAnyone(t *testing.T) {
	peer := &fakePeer{n: 4}
	rec := make(shutdownRecorder, 2)
	g := NewGossip(GossipConfig{}, peer, rec.shutdown)

	g.HandleTerminate(3, network.Terminate{PeerID: 3})
	assert.Equal(t, "terminate received", rec.expect(t))
	assert.Empty(t, peer.messages())
}

func TestGossipRunBroadcastsStatus(t *testing.T) {
	peer := &fakePeer{rank: 2, n: 3, active: true}
	g := NewGossip(GossipConfig{MinInterval: 5 * time.Millisecond, MaxInterval: 15 * time.Millisecond}, peer, func(string) {})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(peer.messages()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	for _, m := range peer.messages() {
		assert.Equal(t, network.Status{PeerID: 2, ConnectedPeers: []int{1, 2}}, m)
	}
}

func TestGossipInterval(t *testing.T) {
	g := NewGossip(GossipConfig{MinInterval: time.Second, MaxInterval: 3 * time.Second}, &fakePeer{n: 3}, func(string) {})
	for i := 0; i < 100; i++ {
		d := g.interval()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}
