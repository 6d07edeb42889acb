// Package node assembles one consensus peer out of its parts: the connection
// manager, the chain, the consensus engine and the termination detector.
package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/luca-patrignani/pow-consensus/config"
	"github.com/luca-patrignani/pow-consensus/consensus"
	"github.com/luca-patrignani/pow-consensus/ledger"
	"github.com/luca-patrignani/pow-consensus/network"
	"github.com/luca-patrignani/pow-consensus/termination"
)

const (
	defaultLinger = 500 * time.Millisecond

	ReasonInterrupted = "interrupted"
)

var ErrStopped = errors.New("node: already stopped")

// Summary describes a node after shutdown.
type Summary struct {
	ID     int
	RunID  string
	Reason string
	Length int
	Tail   string
	Round  uint64
	Stats  consensus.MiningStats
	// ActiveAfter and FullyConnectedAfter are zero when the state was never reached.
	ActiveAfter         time.Duration
	FullyConnectedAfter time.Duration
	// VerifyErr is the result of the final chain verification.
	VerifyErr error
}

type options struct {
	listener  net.Listener
	addresses map[int]string
	logger    *slog.Logger
	peerOpts  []network.PeerOption
	linger    time.Duration
}

type Option func(*options)

// WithListener makes the node accept on l instead of listening on its
// configured address.
func WithListener(l net.Listener) Option {
	return func(o *options) {
		o.listener = l
	}
}

// WithAddresses replaces the addresses derived from host and base port.
func WithAddresses(addresses map[int]string) Option {
	return func(o *options) {
		o.addresses = addresses
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPeerOptions is applied after the options derived from the configuration.
func WithPeerOptions(opts ...network.PeerOption) Option {
	return func(o *options) {
		o.peerOpts = append(o.peerOpts, opts...)
	}
}

// WithLinger sets how long the links stay open after the engine halts, so
// that a final commit reaches the other peers.
func WithLinger(d time.Duration) Option {
	return func(o *options) {
		o.linger = d
	}
}

type Node struct {
	cfg    config.Config
	runID  uuid.UUID
	logger *slog.Logger
	linger time.Duration

	peer   *network.Peer
	chain  *ledger.Blockchain
	engine *consensus.Engine
	gossip *termination.Gossip
	router network.Router

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	once    sync.Once
	done    chan struct{}
	summary Summary
}

// New builds the node described by cfg. The listening socket is bound here,
// so a port already in use is reported before anything runs.
func New(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node: invalid config: %w", err)
	}
	o := options{logger: slog.Default(), linger: defaultLinger}
	for _, opt := range opts {
		opt(&o)
	}
	id := cfg.Peer.ID
	runID := uuid.New()
	base := o.logger.With("run", runID.String())
	logger := base.With("peer", id)

	addresses := o.addresses
	if addresses == nil {
		addresses = network.Addresses(cfg.Peer.Host, cfg.Peer.BasePort, cfg.Peer.Count)
		addresses[id] = net.JoinHostPort(cfg.Peer.Host, strconv.Itoa(cfg.ListenPort()))
	}
	if len(addresses) != cfg.Peer.Count {
		return nil, fmt.Errorf("node: %d addresses for %d peers", len(addresses), cfg.Peer.Count)
	}
	if _, ok := addresses[id]; !ok {
		return nil, fmt.Errorf("node: no address for peer %d", id)
	}

	tlsOpts, err := tlsOptions(cfg.Network.TLS)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	l := o.listener
	if l == nil {
		l, err = net.Listen("tcp", addresses[id])
		if err != nil {
			return nil, fmt.Errorf("node: listen on %s: %w", addresses[id], err)
		}
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("node: %w", err)
	}
	chain := ledger.NewBlockchain(store)

	peerOpts := []network.PeerOption{
		network.WithRetry(cfg.Network.RetryInterval.Duration, cfg.Network.MaxRetries),
		network.WithDialTimeout(cfg.Network.DialTimeout.Duration),
		network.WithLogger(base),
	}
	peerOpts = append(peerOpts, tlsOpts...)
	peerOpts = append(peerOpts, o.peerOpts...)
	peer := network.NewPeer(id, addresses, l, peerOpts...)

	engine, err := consensus.NewEngine(consensus.Config{
		TargetZeros:      cfg.Consensus.TargetZeros,
		MaxAttempts:      cfg.Consensus.MaxAttempts,
		RandomStartNonce: cfg.Consensus.RandomStartNonce,
		RoundInterval:    cfg.Consensus.RoundInterval.Duration,
		QuorumDivisor:    cfg.Consensus.QuorumDivisor,
		ConfirmCacheSize: cfg.Consensus.ConfirmCacheSize,
		Logger:           logger,
	}, chain, peer)
	if err != nil {
		_ = peer.Close()
		_ = chain.Close()
		return nil, fmt.Errorf("node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:    cfg,
		runID:  runID,
		logger: logger.With("component", "node"),
		linger: o.linger,
		peer:   peer,
		chain:  chain,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	n.router = network.Router{Consensus: engine, Logger: logger}

	switch cfg.Termination.Mode {
	case config.TerminationChainLength:
		detector := termination.NewChainLength(cfg.TerminationLength(), engine, n.Shutdown, logger)
		engine.OnCommit(detector.OnCommit)
	case config.TerminationGossip:
		n.gossip = termination.NewGossip(termination.GossipConfig{
			MinInterval:        cfg.Termination.StatusMin.Duration,
			MaxInterval:        cfg.Termination.StatusMax.Duration,
			WaitFullyConnected: cfg.Termination.WaitFullyConnected,
			Logger:             logger,
		}, peer, n.Shutdown)
		n.router.Termination = n.gossip
	}
	return n, nil
}

func openStore(c config.StorageConfig) (ledger.Store, error) {
	if c.Backend == config.StorageBadger {
		s, err := ledger.OpenBadgerStore(c.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return ledger.NewMemoryStore(), nil
}

// tlsOptions loads the key pair and the trusted certificates. Without CA
// files the peer's own certificate is the only one trusted, which fits a
// network sharing one certificate.
func tlsOptions(c config.TLSConfig) ([]network.PeerOption, error) {
	if !c.Enabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	caFiles := c.CAFiles
	if len(caFiles) == 0 {
		caFiles = []string{c.CertFile}
	}
	pool, err := network.LoadCertPool(caFiles...)
	if err != nil {
		return nil, fmt.Errorf("load trusted certificates: %w", err)
	}
	return []network.PeerOption{network.WithCertificate(cert), network.WithLimitedCAs(pool)}, nil
}

// Run connects to the other peers and takes part in the rounds until the
// termination detector fires, Shutdown is called or ctx is cancelled. It
// returns an error if the final chain fails verification.
func (n *Node) Run(ctx context.Context) error {
	select {
	case <-n.done:
		return ErrStopped
	default:
	}
	if n.running.Swap(true) {
		return errors.New("node: already running")
	}
	n.logger.Info("node starting", "peers", n.cfg.Peer.Count, "address", n.peer.Addresses[n.cfg.Peer.ID],
		"quorum", n.engine.Quorum(), "zeros", n.cfg.Consensus.TargetZeros, "termination", n.cfg.Termination.Mode)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = n.engine.Run(n.ctx)
	}()

	if n.cfg.Consensus.StartOn == config.StartOnActive {
		n.peer.OnActive(n.engine.StartRounds)
	} else {
		n.peer.OnFullyConnected(n.engine.StartRounds)
	}

	if n.gossip != nil {
		active := make(chan struct{})
		n.peer.OnActive(func() { close(active) })
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			select {
			case <-active:
				n.gossip.Run(n.ctx)
			case <-n.ctx.Done():
			}
		}()
	}

	n.peer.Start(n.ctx, n.router)

	go func() {
		select {
		case <-ctx.Done():
			n.Shutdown(ReasonInterrupted)
		case <-n.done:
		}
	}()

	<-n.done
	return n.summary.VerifyErr
}

// Shutdown halts the engine, closes every link, verifies the chain and
// releases the storage. It runs once; later calls wait for the first one.
func (n *Node) Shutdown(reason string) {
	n.once.Do(func() {
		n.logger.Info("shutting down", "reason", reason)
		n.engine.Halt()
		if n.linger > 0 && reason != ReasonInterrupted {
			time.Sleep(n.linger)
		}
		n.cancel()
		if err := n.peer.Close(); err != nil {
			n.logger.Warn("cannot close peer", "error", err)
		}
		n.wg.Wait()

		s := Summary{
			ID:     n.cfg.Peer.ID,
			RunID:  n.runID.String(),
			Reason: reason,
			Length: n.chain.Len(),
			Tail:   n.chain.TailHash(),
			Round:  n.engine.CurrentRound(),
			Stats:  n.engine.Stats(),
		}
		s.ActiveAfter, _ = n.peer.ActiveAfter()
		s.FullyConnectedAfter, _ = n.peer.FullyConnectedAfter()
		if err := n.chain.Verify(n.cfg.Consensus.TargetZeros); err != nil {
			s.VerifyErr = fmt.Errorf("node: chain verification failed: %w", err)
			n.logger.Error("chain verification failed", "error", err)
		} else {
			n.logger.Info("chain verified", "length", s.Length, "tail", s.Tail)
		}
		n.logger.Info("mining statistics", "blocks", s.Stats.Blocks, "mined", s.Stats.Mined,
			"min_attempts", s.Stats.MinAttempts, "max_attempts", s.Stats.MaxAttempts,
			"avg_attempts", s.Stats.AvgAttempts, "total_time", s.Stats.TotalTime,
			"active_after", s.ActiveAfter, "fully_connected_after", s.FullyConnectedAfter)

		if err := n.chain.Close(); err != nil {
			n.logger.Warn("cannot close chain storage", "error", err)
		}
		n.summary = s
		close(n.done)
	})
	<-n.done
}

// Done is closed when the node has shut down.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Summary is only meaningful after Done is closed.
func (n *Node) Summary() Summary {
	<-n.done
	return n.summary
}

func (n *Node) RunID() string {
	return n.runID.String()
}

func (n *Node) Engine() *consensus.Engine {
	return n.engine
}

func (n *Node) Peer() *network.Peer {
	return n.peer
}

// Chain is closed once the node has shut down.
func (n *Node) Chain() *ledger.Blockchain {
	return n.chain
}
