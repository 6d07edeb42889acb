package termination

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/luca-patrignani/pow-consensus/network"
)

// PeerView is what the gossip detector needs from the connection manager.
// *network.Peer implements it.
type PeerView interface {
	Broadcast(m network.Message) int
	Connected() []int
	IsActive() bool
	IsFullyConnected() bool
	GetRank() int
	GetPeerCount() int
}

type GossipConfig struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	// WaitFullyConnected delays the terminate broadcast until the peer has
	// been fully connected.
	WaitFullyConnected bool
	Logger             *slog.Logger
}

// Gossip is the status-quorum termination detector. It implements
// network.TerminationHandler.
type Gossip struct {
	cfg       GossipConfig
	peer      PeerView
	shutdown  ShutdownFunc
	threshold int
	logger    *slog.Logger

	mu      sync.Mutex
	senders map[int]struct{}
	once    sync.Once
}

func NewGossip(cfg GossipConfig, peer PeerView, shutdown ShutdownFunc) *Gossip {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gossip{
		cfg:       cfg,
		peer:      peer,
		shutdown:  shutdown,
		threshold: 2 * peer.GetPeerCount() / 3,
		logger:    cfg.Logger.With("component", "termination"),
		senders:   make(map[int]struct{}),
	}
}

// Threshold is the number of distinct status senders that triggers termination.
func (g *Gossip) Threshold() int {
	return g.threshold
}

// Run broadcasts a status message after every random interval until ctx is
// cancelled. It is started once the peer is active.
func (g *Gossip) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(g.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		connected := g.peer.Connected()
		sent := g.peer.Broadcast(network.Status{PeerID: g.peer.GetRank(), ConnectedPeers: connected})
		g.logger.Debug("status sent", "peers", sent, "connected", connected)
	}
}

func (g *Gossip) interval() time.Duration {
	spread := g.cfg.MaxInterval - g.cfg.MinInterval
	if spread <= 0 {
		return g.cfg.MinInterval
	}
	return g.cfg.MinInterval + time.Duration(rand.Int63n(int64(spread+1)))
}

// HandleStatus counts the distinct senders of status messages received while
// the peer is active.
func (g *Gossip) HandleStatus(from int, m network.Status) {
	if !g.peer.IsActive() {
		return
	}
	g.mu.Lock()
	g.senders[from] = struct{}{}
	count := len(g.senders)
	g.mu.Unlock()

	g.logger.Debug("status received", "from", from, "senders", count, "threshold", g.threshold)
	if count < g.threshold {
		return
	}
	if g.cfg.WaitFullyConnected && !g.peer.IsFullyConnected() {
		return
	}
	g.once.Do(func() {
		sent := g.peer.Broadcast(network.Terminate{PeerID: g.peer.GetRank()})
		g.logger.Info("status quorum reached, terminating", "senders", count, "peers", sent)
		go g.shutdown("status quorum reached")
	})
}

// HandleTerminate stops the peer on the first terminate message, whoever sent it.
func (g *Gossip) HandleTerminate(from int, m network.Terminate) {
	g.once.Do(func() {
		g.logger.Info("terminate received", "from", from)
		go g.shutdown("terminate received")
	})
}

// Senders returns how many distinct peers sent a counted status message.
func (g *Gossip) Senders() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.senders)
}
