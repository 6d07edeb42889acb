package pow

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.dedis.ch/kyber/v4/suites"
)

// ErrExhausted is returned by Mine when the attempt ceiling is reached
// without finding a nonce that satisfies the target.
var ErrExhausted = errors.New("pow: attempt ceiling reached")

// defaultCheckEvery is how many attempts are made between two context checks.
const defaultCheckEvery = 4096

// Header holds the fields of a block that are covered by the digest,
// except the nonce.
type Header struct {
	Sequence uint64
	Payload  string
	PrevHash string
	RoundID  uint64
	LeaderID int
}

// Digest returns the hex encoded SHA256 of the header fields and the nonce,
// rendered in the order sequence, payload, nonce, prev hash, round, leader.
func Digest(h Header, nonce uint64) string {
	data := fmt.Sprintf("%d%s%d%s%d%d",
		h.Sequence,
		h.Payload,
		nonce,
		h.PrevHash,
		h.RoundID,
		h.LeaderID,
	)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// MeetsTarget reports whether hash starts with at least zeros '0' characters.
func MeetsTarget(hash string, zeros int) bool {
	if zeros <= 0 {
		return true
	}
	return strings.HasPrefix(hash, strings.Repeat("0", zeros))
}

// Result is the outcome of a successful mining run.
type Result struct {
	Nonce    uint64
	Hash     string
	Attempts uint64
}

// Miner searches for a nonce whose digest has TargetZeros leading zero hex digits.
//
// MaxAttempts bounds the search, zero means unbounded. When RandomStart is set
// the search starts from a random nonce and wraps around the uint64 space.
// CheckEvery is the number of attempts between two checks of the context,
// zero selects a default.
type Miner struct {
	TargetZeros int
	MaxAttempts uint64
	RandomStart bool
	CheckEvery  uint64
}

// Mine runs the nonce search for h. It returns ErrExhausted when MaxAttempts
// is reached and ctx.Err() when ctx is cancelled first.
func (m Miner) Mine(ctx context.Context, h Header) (Result, error) {
	checkEvery := m.CheckEvery
	if checkEvery == 0 {
		checkEvery = defaultCheckEvery
	}
	var nonce uint64
	if m.RandomStart {
		nonce = randomNonce()
	}
	var attempts uint64
	for {
		if attempts%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return Result{Attempts: attempts}, err
			}
		}
		if m.MaxAttempts > 0 && attempts >= m.MaxAttempts {
			return Result{Attempts: attempts}, ErrExhausted
		}
		attempts++
		hash := Digest(h, nonce)
		if MeetsTarget(hash, m.TargetZeros) {
			return Result{Nonce: nonce, Hash: hash, Attempts: attempts}, nil
		}
		nonce++
	}
}

// Expected returns the expected number of attempts for the given target.
func Expected(zeros int) float64 {
	e := 1.0
	for i := 0; i < zeros; i++ {
		e *= 16
	}
	return e
}

func randomNonce() uint64 {
	var buf [8]byte
	suites.MustFind("Ed25519").RandomStream().XORKeyStream(buf[:], buf[:])
	return binary.BigEndian.Uint64(buf[:])
}
