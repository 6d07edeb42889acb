package ledger

import (
	"fmt"
	"strings"
	"time"

	"go.dedis.ch/kyber/v4/suites"

	"github.com/luca-patrignani/pow-consensus/pow"
)

// GenesisHash is the prev hash of the block at sequence 0.
var GenesisHash = strings.Repeat("0", 64)

// PayloadSize is the length of the random token carried by every block.
const PayloadSize = 64

const payloadAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Block is one committed position of the chain. It is immutable once sealed:
// CurrHash is the digest of every field except Timestamp.
type Block struct {
	Sequence  uint64  `json:"sequence"`
	Payload   string  `json:"payload"`
	Nonce     uint64  `json:"nonce"`
	PrevHash  string  `json:"prev_hash"`
	CurrHash  string  `json:"curr_hash"`
	LeaderID  int     `json:"leader_id"`
	RoundID   uint64  `json:"round_id"`
	Timestamp float64 `json:"timestamp"` // unix seconds, advisory only
}

// Header returns the hashed fields of b.
func (b Block) Header() pow.Header {
	return pow.Header{
		Sequence: b.Sequence,
		Payload:  b.Payload,
		PrevHash: b.PrevHash,
		RoundID:  b.RoundID,
		LeaderID: b.LeaderID,
	}
}

// ComputeHash recomputes the digest of b with its own nonce.
func (b Block) ComputeHash() string {
	return pow.Digest(b.Header(), b.Nonce)
}

// CheckProofOfWork verifies that CurrHash has the required leading zeros and
// matches the recomputed digest.
func (b Block) CheckProofOfWork(zeros int) error {
	if !pow.MeetsTarget(b.CurrHash, zeros) {
		return fmt.Errorf("%w: %s has fewer than %d leading zeros", ErrProofOfWork, b.CurrHash, zeros)
	}
	if expected := b.ComputeHash(); b.CurrHash != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrHash, expected, b.CurrHash)
	}
	return nil
}

// Time returns the advisory creation time.
func (b Block) Time() time.Time {
	sec := int64(b.Timestamp)
	nsec := int64((b.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Seal stores the mining result into b.
func (b *Block) Seal(res pow.Result) {
	b.Nonce = res.Nonce
	b.CurrHash = res.Hash
}

// NewCandidate builds the unsealed block that extends a chain whose tail hash
// is prevHash and whose length is length.
func NewCandidate(length int, prevHash string, roundID uint64, leaderID int) Block {
	return Block{
		Sequence:  uint64(length),
		Payload:   NewPayload(),
		PrevHash:  prevHash,
		LeaderID:  leaderID,
		RoundID:   roundID,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// NewPayload returns a random alphanumeric token of PayloadSize characters.
func NewPayload() string {
	buf := make([]byte, PayloadSize)
	suites.MustFind("Ed25519").RandomStream().XORKeyStream(buf, buf)
	for i, c := range buf {
		buf[i] = payloadAlphabet[int(c)%len(payloadAlphabet)]
	}
	return string(buf)
}
