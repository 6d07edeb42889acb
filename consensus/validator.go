package consensus

import (
	"errors"
	"fmt"

	"github.com/luca-patrignani/pow-consensus/ledger"
	"github.com/luca-patrignani/pow-consensus/pow"
)

var (
	ErrHalted         = errors.New("consensus: engine halted")
	ErrRoundCommitted = errors.New("consensus: round already committed")
	ErrStaleRound     = errors.New("consensus: round older than current round")
	ErrLeaderMismatch = errors.New("consensus: leader does not own the round")
	ErrProofOfWork    = errors.New("consensus: insufficient proof of work")
	ErrHashMismatch   = errors.New("consensus: hash does not match block content")

	ErrSequence = ledger.ErrSequence
	ErrPrevHash = ledger.ErrPrevHash
)

// verify checks that b can be appended to the local chain right now: the
// engine is running, the round is open and not stale, the leader owns the
// round, b extends the tail, and its hash is both correct and hard enough.
func (e *Engine) verify(b ledger.Block) error {
	if e.halted.Load() {
		return ErrHalted
	}
	if _, ok := e.committed[b.RoundID]; ok {
		return fmt.Errorf("%w: %d", ErrRoundCommitted, b.RoundID)
	}
	if current := e.currentRound.Load(); b.RoundID < current {
		return fmt.Errorf("%w: round %d, current %d", ErrStaleRound, b.RoundID, current)
	}
	if !e.isLeaderOf(b.LeaderID, b.RoundID) {
		return fmt.Errorf("%w: peer %d, round %d", ErrLeaderMismatch, b.LeaderID, b.RoundID)
	}
	if err := e.chain.CheckLink(b); err != nil {
		return err
	}
	if !pow.MeetsTarget(b.CurrHash, e.miner.TargetZeros) {
		return fmt.Errorf("%w: %s", ErrProofOfWork, b.CurrHash)
	}
	if expected := b.ComputeHash(); b.CurrHash != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, expected, b.CurrHash)
	}
	return nil
}

func (e *Engine) isLeaderOf(peer int, round uint64) bool {
	return peer >= 0 && round%uint64(e.n) == uint64(peer)
}
