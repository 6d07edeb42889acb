// Package ledger implements the block model and the append-only chain each
// peer commits blocks to.
//
// # Core Components
//
// Block: one chain position, sealed by proof of work. Its hash covers the
// sequence, payload, nonce, prev hash, round and leader; the timestamp is
// advisory and not hashed.
//
// Blockchain: an append-only sequence of blocks with hash chaining. The first
// block links to GenesisHash, every other block to the hash of its predecessor.
//
// Store: where blocks live. MemoryStore keeps them in a slice, BadgerStore in a
// badger database (in memory, or in a directory that is emptied at open). The
// chain is never reloaded across restarts.
//
// # Security Properties
//
// The chain provides:
//   - Tamper detection: changing any hashed field breaks the hash or the link
//   - Verifiability: Verify re-checks every link, hash and proof of work
//
// It provides no signatures: authorship is the bare leader id in the block.
package ledger
