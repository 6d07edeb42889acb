package node

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/pow-consensus/config"
	"github.com/luca-patrignani/pow-consensus/network"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(id, n int) config.Config {
	cfg := config.Default()
	cfg.Peer.ID = id
	cfg.Peer.Count = n
	cfg.Network.RetryInterval = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Network.MaxRetries = 0
	cfg.Consensus.TargetZeros = 1
	cfg.Consensus.RoundInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Termination.StatusMin = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Termination.StatusMax = config.Duration{Duration: 50 * time.Millisecond}
	return cfg
}

// startNodes runs one node per configuration, each on a listener of its own.
// ids lists the configurations to start; the listeners of the others are closed.
func startNodes(t *testing.T, cfgs []config.Config, ids ...int) map[int]*Node {
	t.Helper()
	listeners, addresses := network.CreateListeners(len(cfgs))
	started := make(map[int]bool)
	for _, id := range ids {
		started[id] = true
	}
	nodes := make(map[int]*Node)
	for id, cfg := range cfgs {
		if !started[id] {
			require.NoError(t, listeners[id].Close())
			continue
		}
		n, err := New(cfg,
			WithListener(listeners[id]),
			WithAddresses(addresses),
			WithLogger(quiet),
			WithLinger(100*time.Millisecond),
		)
		require.NoError(t, err)
		nodes[id] = n
	}
	for _, n := range nodes {
		n := n
		go func() {
			if err := n.Run(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	t.Cleanup(func() {
		for _, n := range nodes {
			n.Shutdown("test over")
		}
	})
	return nodes
}

func waitDone(t *testing.T, nodes map[int]*Node, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for id, n := range nodes {
		select {
		case <-n.Done():
		case <-deadline:
			t.Fatalf("node %d did not terminate within %s", id, timeout)
		}
	}
}

func allIDs(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func TestChainLengthTermination(t *testing.T) {
	n := 4
	cfgs := make([]config.Config, n)
	for i := range cfgs {
		cfgs[i] = testConfig(i, n)
	}
	nodes := startNodes(t, cfgs, allIDs(n)...)
	waitDone(t, nodes, 20*time.Second)

	tail := nodes[0].Summary().Tail
	for id, node := range nodes {
		s := node.Summary()
		assert.Equal(t, n, s.Length, "node %d", id)
		assert.Equal(t, tail, s.Tail, "node %d", id)
		assert.NoError(t, s.VerifyErr, "node %d", id)
		assert.True(t, node.Engine().Halted(), "node %d", id)
		assert.Positive(t, s.FullyConnectedAfter, "node %d", id)
	}
}

func TestGossipTermination(t *testing.T) {
	n := 3
	cfgs := make([]config.Config, n)
	for i := range cfgs {
		cfgs[i] = testConfig(i, n)
		cfgs[i].Termination.Mode = config.TerminationGossip
	}
	nodes := startNodes(t, cfgs, allIDs(n)...)
	waitDone(t, nodes, 10*time.Second)

	for id, node := range nodes {
		s := node.Summary()
		assert.Contains(t, []string{"status quorum reached", "terminate received"}, s.Reason, "node %d", id)
		assert.NoError(t, s.VerifyErr, "node %d", id)
	}
}

func TestStallWithMissingPeer(t *testing.T) {
	n := 3
	cfgs := make([]config.Config, n)
	for i := range cfgs {
		cfgs[i] = testConfig(i, n)
		cfgs[i].Consensus.StartOn = config.StartOnActive
	}
	nodes := startNodes(t, cfgs, 0, 1)

	require.Eventually(t, func() bool {
		return nodes[0].Peer().IsActive() && nodes[1].Peer().IsActive()
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	for id, node := range nodes {
		assert.Equal(t, 0, node.Engine().ChainLength(), "node %d", id)
		node.Shutdown("stalled")
		assert.Equal(t, "stalled", node.Summary().Reason)
	}
}

func TestBadgerStorage(t *testing.T) {
	n := 2
	cfgs := make([]config.Config, n)
	for i := range cfgs {
		cfgs[i] = testConfig(i, n)
		cfgs[i].Storage.Backend = config.StorageBadger
	}
	cfgs[0].Storage.Dir = t.TempDir()
	nodes := startNodes(t, cfgs, allIDs(n)...)
	waitDone(t, nodes, 20*time.Second)

	for id, node := range nodes {
		s := node.Summary()
		assert.Equal(t, n, s.Length, "node %d", id)
		assert.NoError(t, s.VerifyErr, "node %d", id)
	}
	assert.Equal(t, nodes[0].Summary().Tail, nodes[1].Summary().Tail)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(4, 4)
	_, err := New(cfg, WithLogger(quiet))
	assert.Error(t, err)

	cfg = testConfig(0, 4)
	_, err = New(cfg, WithAddresses(map[int]string{0: "localhost:0"}), WithLogger(quiet))
	assert.Error(t, err)
}

func TestNewReportsPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig(0, 2)
	_, err = New(cfg, WithAddresses(map[int]string{0: l.Addr().String(), 1: "localhost:1"}), WithLogger(quiet))
	assert.Error(t, err)
}

func TestRunAfterShutdown(t *testing.T) {
	listeners, addresses := network.CreateListeners(2)
	defer listeners[1].Close()

	n, err := New(testConfig(0, 2), WithListener(listeners[0]), WithAddresses(addresses), WithLogger(quiet))
	require.NoError(t, err)
	n.Shutdown("never started")
	assert.ErrorIs(t, n.Run(context.Background()), ErrStopped)
	assert.Equal(t, 0, n.Summary().Length)
}

func TestInterrupt(t *testing.T) {
	listeners, addresses := network.CreateListeners(2)
	defer listeners[1].Close()

	n, err := New(testConfig(0, 2), WithListener(listeners[0]), WithAddresses(addresses), WithLogger(quiet))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- n.Run(ctx) }()
	cancel()

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, ReasonInterrupted, n.Summary().Reason)
}

func TestRunIDsAreUnique(t *testing.T) {
	listeners, addresses := network.CreateListeners(2)
	a, err := New(testConfig(0, 2), WithListener(listeners[0]), WithAddresses(addresses), WithLogger(quiet))
	require.NoError(t, err)
	b, err := New(testConfig(1, 2), WithListener(listeners[1]), WithAddresses(addresses), WithLogger(quiet))
	require.NoError(t, err)
	assert.NotEqual(t, a.RunID(), b.RunID())
	a.Shutdown("done")
	b.Shutdown("done")
}
