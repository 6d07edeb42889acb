package consensus

import (
	"time"

	"github.com/luca-patrignani/pow-consensus/ledger"
	"github.com/luca-patrignani/pow-consensus/network"
	"github.com/luca-patrignani/pow-consensus/pow"
)

// event is the unit of work of the engine loop: an inbound message or the
// outcome of a mining attempt.
type event struct {
	from  int
	msg   network.Message
	mined *mined
}

type mined struct {
	gen    uint64
	block  ledger.Block
	result pow.Result
	err    error
}

// MiningStats summarises the work of one peer.
type MiningStats struct {
	// Blocks is the length of the local chain.
	Blocks int
	// Mined is how many blocks this peer sealed, committed or not.
	Mined       int
	MinAttempts uint64
	MaxAttempts uint64
	AvgAttempts float64
	// TotalTime is the time elapsed since the engine was created.
	TotalTime time.Duration
}

func summarize(attempts []uint64) (lo, hi uint64, avg float64) {
	if len(attempts) == 0 {
		return 0, 0, 0
	}
	lo, hi = attempts[0], attempts[0]
	var sum float64
	for _, a := range attempts {
		lo = min(lo, a)
		hi = max(hi, a)
		sum += float64(a)
	}
	return lo, hi, sum / float64(len(attempts))
}
