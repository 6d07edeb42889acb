package consensus

import (
	"context"
	"errors"
	"time"

	"github.com/luca-patrignani/pow-consensus/ledger"
	"github.com/luca-patrignani/pow-consensus/network"
	"github.com/luca-patrignani/pow-consensus/pow"
)

// Run handles events and round ticks until ctx is cancelled. In-flight mining
// is abandoned on return. Run must be called once.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer e.abandonMining()

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.events:
			e.handle(ev)
		case <-ticker.C:
			e.driveRound(ctx)
		}
	}
}

// HandleAddTx queues a block proposal. It blocks while the event queue is full.
func (e *Engine) HandleAddTx(from int, m network.AddTx) {
	e.enqueue(event{from: from, msg: m})
}

// HandleConfirmTx queues a follower confirmation.
func (e *Engine) HandleConfirmTx(from int, m network.ConfirmTx) {
	e.enqueue(event{from: from, msg: m})
}

// HandleCommitTx queues a committed block.
func (e *Engine) HandleCommitTx(from int, m network.CommitTx) {
	e.enqueue(event{from: from, msg: m})
}

func (e *Engine) enqueue(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *Engine) handle(ev event) {
	if ev.mined != nil {
		e.onMined(*ev.mined)
		return
	}
	switch m := ev.msg.(type) {
	case network.AddTx:
		e.onAddTx(ev.from, m)
	case network.ConfirmTx:
		e.onConfirmTx(ev.from, m)
	case network.CommitTx:
		e.onCommitTx(m.Block)
	}
	e.drainEarly()
}

// driveRound runs on every tick. If this peer leads the current round it
// re-broadcasts the pending block, or starts mining one.
func (e *Engine) driveRound(ctx context.Context) {
	if e.halted.Load() || !e.driving.Load() {
		return
	}
	round := e.currentRound.Load()
	if !e.IsLeader(round) {
		return
	}
	if _, ok := e.committed[round]; ok {
		return
	}
	if b, ok := e.pending[round]; ok {
		if b.LeaderID == e.id && e.chain.CheckLink(b) == nil {
			sent := e.network.Broadcast(network.AddTx{Block: b})
			e.logger.Debug("re-broadcasting pending block", "round", round, "peers", sent,
				"confirmations", len(e.confirmations[round]))
			return
		}
		delete(e.pending, round)
	}
	if e.mining {
		return
	}
	e.startMining(ctx, ledger.NewCandidate(e.chain.Len(), e.chain.TailHash(), round, e.id))
}

func (e *Engine) startMining(ctx context.Context, candidate ledger.Block) {
	ctx, cancel := context.WithCancel(ctx)
	e.miningGen++
	gen := e.miningGen
	e.mining = true
	e.stopMining = cancel
	e.logger.Debug("mining", "round", candidate.RoundID, "sequence", candidate.Sequence, "zeros", e.miner.TargetZeros)
	go func() {
		res, err := e.miner.Mine(ctx, candidate.Header())
		e.enqueue(event{mined: &mined{gen: gen, block: candidate, result: res, err: err}})
	}()
}

func (e *Engine) abandonMining() {
	if e.stopMining != nil {
		e.stopMining()
		e.stopMining = nil
	}
	e.mining = false
}

func (e *Engine) onMined(m mined) {
	if m.gen != e.miningGen {
		return
	}
	e.abandonMining()
	if errors.Is(m.err, pow.ErrExhausted) {
		e.logger.Warn("mining exhausted, retrying next round tick", "round", m.block.RoundID, "attempts", m.result.Attempts)
		return
	}
	if m.err != nil {
		return
	}
	e.recordAttempts(m.result.Attempts)

	b := m.block
	b.Seal(m.result)
	if err := e.verify(b); err != nil {
		e.logger.Debug("discarding mined block", "round", b.RoundID, "error", err)
		return
	}
	e.pending[b.RoundID] = b
	if e.confirmations[b.RoundID] == nil {
		e.confirmations[b.RoundID] = make(map[int]struct{})
	}
	sent := e.network.Broadcast(network.AddTx{Block: b})
	e.logger.Info("block mined", "round", b.RoundID, "sequence", b.Sequence, "hash", b.CurrHash,
		"attempts", m.result.Attempts, "peers", sent)
}

// onAddTx is the follower path: a valid proposal is recorded as pending and
// confirmed to its leader, once per block hash.
func (e *Engine) onAddTx(from int, m network.AddTx) {
	b := m.Block
	if b.LeaderID == e.id || e.confirmed.Contains(b.CurrHash) {
		return
	}
	if err := e.verify(b); err != nil {
		e.logger.Debug("rejecting proposal", "from", from, "round", b.RoundID, "error", err)
		return
	}
	e.pending[b.RoundID] = b
	confirm := network.ConfirmTx{RoundID: b.RoundID, PeerID: e.id}
	if err := e.network.Send(b.LeaderID, confirm); err != nil {
		e.logger.Debug("cannot confirm proposal", "leader", b.LeaderID, "round", b.RoundID, "error", err)
		return
	}
	e.confirmed.Add(b.CurrHash, struct{}{})
	e.logger.Debug("confirmed proposal", "leader", b.LeaderID, "round", b.RoundID)
}

// onConfirmTx is the leader aggregation path. Confirmations are attributed to
// the link they arrived on.
func (e *Engine) onConfirmTx(from int, m network.ConfirmTx) {
	round := m.RoundID
	if e.halted.Load() || from == e.id || m.PeerID != from {
		return
	}
	if !e.IsLeader(round) || round != e.currentRound.Load() {
		return
	}
	if _, ok := e.committed[round]; ok {
		return
	}
	b, ok := e.pending[round]
	if !ok || b.LeaderID != e.id {
		return
	}
	set := e.confirmations[round]
	if set == nil {
		set = make(map[int]struct{})
		e.confirmations[round] = set
	}
	set[from] = struct{}{}
	e.logger.Debug("confirmation received", "from", from, "round", round, "confirmations", len(set), "quorum", e.quorum)
	if len(set) < e.quorum {
		return
	}
	sent := e.network.Broadcast(network.CommitTx{Block: b})
	e.logger.Info("quorum reached", "round", round, "confirmations", len(set), "peers", sent)
	e.commit(b)
}

// onCommitTx commits b, or holds it when it is ahead of the local tail.
// Commits of consecutive rounds come from different leaders over different
// links, so the later one can arrive first.
func (e *Engine) onCommitTx(b ledger.Block) {
	if e.commit(b) {
		return
	}
	if e.halted.Load() || b.Sequence <= uint64(e.chain.Len()) || len(e.early) >= maxEarlyCommits {
		return
	}
	if !e.isLeaderOf(b.LeaderID, b.RoundID) || b.CheckProofOfWork(e.miner.TargetZeros) != nil {
		return
	}
	e.early[b.Sequence] = b
	e.logger.Debug("holding early commit", "round", b.RoundID, "sequence", b.Sequence, "chain", e.chain.Len())
}

// drainEarly commits the held blocks that now extend the tail.
func (e *Engine) drainEarly() {
	for len(e.early) > 0 {
		length := uint64(e.chain.Len())
		for seq := range e.early {
			if seq < length {
				delete(e.early, seq)
			}
		}
		b, ok := e.early[length]
		if !ok {
			return
		}
		delete(e.early, length)
		e.commit(b)
	}
}

// commit re-verifies b and appends it to the chain. It returns false, with no
// effect, when b is invalid or its round is already committed.
func (e *Engine) commit(b ledger.Block) bool {
	if err := e.verify(b); err != nil {
		e.logger.Debug("rejecting commit", "round", b.RoundID, "error", err)
		return false
	}
	if err := e.chain.Append(b); err != nil {
		e.logger.Warn("cannot append block", "round", b.RoundID, "error", err)
		return false
	}
	e.committed[b.RoundID] = struct{}{}
	delete(e.pending, b.RoundID)
	delete(e.confirmations, b.RoundID)
	if next := b.RoundID + 1; next > e.currentRound.Load() {
		e.currentRound.Store(next)
	}
	// a block being mined no longer extends the tail
	e.abandonMining()

	length := e.chain.Len()
	e.logger.Info("block committed", "round", b.RoundID, "sequence", b.Sequence, "leader", b.LeaderID,
		"hash", b.CurrHash, "chain", length)
	e.notifyCommit(b, length)
	return true
}
