package termination

import (
	"log/slog"
	"sync"

	"github.com/luca-patrignani/pow-consensus/ledger"
)

// Halter is the part of the consensus engine a detector stops.
type Halter interface {
	Halt()
}

// ShutdownFunc stops the peer. reason ends up in the logs.
type ShutdownFunc func(reason string)

// ChainLength halts the engine and shuts the peer down the first time the
// chain reaches Target blocks. Its OnCommit method is meant to be registered
// with consensus.Engine.OnCommit.
type ChainLength struct {
	target   int
	engine   Halter
	shutdown ShutdownFunc
	logger   *slog.Logger
	once     sync.Once
}

func NewChainLength(target int, engine Halter, shutdown ShutdownFunc, logger *slog.Logger) *ChainLength {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainLength{
		target:   target,
		engine:   engine,
		shutdown: shutdown,
		logger:   logger.With("component", "termination"),
	}
}

func (c *ChainLength) OnCommit(b ledger.Block, length int) {
	if length < c.target {
		return
	}
	c.once.Do(func() {
		c.engine.Halt()
		c.logger.Info("target chain length reached", "length", length, "target", c.target, "tail", b.CurrHash)
		go c.shutdown("chain length reached")
	})
}
