package consensus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/luca-patrignani/pow-consensus/ledger"
	"github.com/luca-patrignani/pow-consensus/pow"
)

const (
	eventBuffer = 256

	// maxEarlyCommits bounds the commits held until the chain catches up.
	maxEarlyCommits = 64
)

// Config holds the consensus parameters of an Engine.
type Config struct {
	TargetZeros      int
	MaxAttempts      uint64
	RandomStartNonce bool
	RoundInterval    time.Duration
	// QuorumDivisor d gives a quorum of N/d + 1 distinct confirmations.
	QuorumDivisor    int
	ConfirmCacheSize int
	Logger           *slog.Logger
}

// Engine drives the round-robin leader protocol of one peer.
//
// All protocol state is owned by the goroutine running Run: inbound messages
// and mining results are queued as events and handled one at a time, so the
// pending, confirmation and committed tables need no locking.
type Engine struct {
	id      int
	n       int
	quorum  int
	chain   *ledger.Blockchain
	network NetworkLayer
	miner   pow.Miner
	tick    time.Duration
	logger  *slog.Logger

	// block hashes this peer already confirmed as a follower
	confirmed *lru.Cache

	events  chan event
	done    chan struct{}
	driving atomic.Bool
	halted  atomic.Bool

	currentRound atomic.Uint64

	pending       map[uint64]ledger.Block
	confirmations map[uint64]map[int]struct{}
	committed     map[uint64]struct{}
	early         map[uint64]ledger.Block
	mining        bool
	miningGen     uint64
	stopMining    func()

	mu        sync.Mutex
	observers []func(b ledger.Block, length int)
	attempts  []uint64
	created   time.Time
}

// NewEngine creates the engine of the peer identified by network.GetRank().
// It does nothing until Run is called, and it only proposes blocks after StartRounds.
func NewEngine(cfg Config, chain *ledger.Blockchain, network NetworkLayer) (*Engine, error) {
	n, id := network.GetPeerCount(), network.GetRank()
	if n < 1 || id < 0 || id >= n {
		return nil, fmt.Errorf("consensus: invalid peer %d of %d", id, n)
	}
	if cfg.QuorumDivisor <= 0 {
		cfg.QuorumDivisor = 3
	}
	if cfg.RoundInterval <= 0 {
		cfg.RoundInterval = time.Second
	}
	if cfg.ConfirmCacheSize <= 0 {
		cfg.ConfirmCacheSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	confirmed, err := lru.New(cfg.ConfirmCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		id:      id,
		n:       n,
		quorum:  computeQuorum(n, cfg.QuorumDivisor),
		chain:   chain,
		network: network,
		miner: pow.Miner{
			TargetZeros: cfg.TargetZeros,
			MaxAttempts: cfg.MaxAttempts,
			RandomStart: cfg.RandomStartNonce,
		},
		tick:          cfg.RoundInterval,
		logger:        cfg.Logger.With("component", "consensus"),
		confirmed:     confirmed,
		events:        make(chan event, eventBuffer),
		done:          make(chan struct{}),
		pending:       make(map[uint64]ledger.Block),
		confirmations: make(map[uint64]map[int]struct{}),
		committed:     make(map[uint64]struct{}),
		early:         make(map[uint64]ledger.Block),
		created:       time.Now(),
	}, nil
}

// computeQuorum returns the number of distinct confirmations a leader needs:
// N/divisor + 1. With the default divisor of 3 this is not a proven Byzantine
// quorum.
func computeQuorum(n, divisor int) int { return n/divisor + 1 }

// IsLeader reports whether this peer authors the block of round.
func (e *Engine) IsLeader(round uint64) bool {
	return e.isLeaderOf(e.id, round)
}

func (e *Engine) Quorum() int {
	return e.quorum
}

func (e *Engine) CurrentRound() uint64 {
	return e.currentRound.Load()
}

func (e *Engine) ChainLength() int {
	return e.chain.Len()
}

// StartRounds enables block proposal: from the next round tick on, the engine
// mines whenever it leads the current round. It does not block.
func (e *Engine) StartRounds() {
	if !e.driving.Swap(true) {
		e.logger.Info("round driving started", "round", e.CurrentRound())
	}
}

// Halt stops all participation: no more mining, and every block is rejected
// with ErrHalted.
func (e *Engine) Halt() {
	if !e.halted.Swap(true) {
		e.logger.Info("engine halted", "chain", e.ChainLength(), "round", e.CurrentRound())
	}
}

func (e *Engine) Halted() bool {
	return e.halted.Load()
}

// OnCommit registers f to be called after every local commit with the new
// block and the chain length. f runs on the engine goroutine and must not block.
func (e *Engine) OnCommit(f func(b ledger.Block, length int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, f)
}

// Stats returns the mining statistics of this peer.
func (e *Engine) Stats() MiningStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	lo, hi, avg := summarize(e.attempts)
	return MiningStats{
		Blocks:      e.chain.Len(),
		Mined:       len(e.attempts),
		MinAttempts: lo,
		MaxAttempts: hi,
		AvgAttempts: avg,
		TotalTime:   time.Since(e.created),
	}
}

func (e *Engine) recordAttempts(attempts uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts = append(e.attempts, attempts)
}

func (e *Engine) notifyCommit(b ledger.Block, length int) {
	e.mu.Lock()
	observers := append([]func(ledger.Block, int){}, e.observers...)
	e.mu.Unlock()
	for _, f := range observers {
		f(b, length)
	}
}
