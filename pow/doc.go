// Package pow implements the proof-of-work primitive used to seal blocks.
//
// A block is sealed when the SHA256 digest of its fields and a nonce, written
// in hexadecimal, starts with a given number of '0' digits. The expected number
// of attempts for t zeros is 16^t, so the target directly controls how long a
// leader spends mining before it can propose.
//
// Mining is CPU bound. Miner.Mine checks its context every CheckEvery attempts
// so a caller can abandon a search that is no longer useful.
package pow
