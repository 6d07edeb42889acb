package ledger

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrSequence    = errors.New("ledger: unexpected sequence")
	ErrPrevHash    = errors.New("ledger: prev hash does not match chain tail")
	ErrHash        = errors.New("ledger: hash does not match block content")
	ErrProofOfWork = errors.New("ledger: insufficient proof of work")
	ErrNotFound    = errors.New("ledger: block not found")
)

// Blockchain is an append-only chain of sealed blocks on top of a Store.
// It is safe for concurrent use.
type Blockchain struct {
	mu    sync.RWMutex
	store Store
	tail  *Block
}

// NewBlockchain creates an empty chain backed by store.
// A nil store selects a MemoryStore.
func NewBlockchain(store Store) *Blockchain {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Blockchain{store: store}
}

// Len returns the number of blocks in the chain.
func (bc *Blockchain) Len() int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.store.Len()
}

// Tail returns the last block of the chain, false if the chain is empty.
func (bc *Blockchain) Tail() (Block, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.tail == nil {
		return Block{}, false
	}
	return *bc.tail, true
}

// TailHash returns the hash a new block must link to.
func (bc *Blockchain) TailHash() string {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.tailHash()
}

func (bc *Blockchain) tailHash() string {
	if bc.tail == nil {
		return GenesisHash
	}
	return bc.tail.CurrHash
}

// CheckLink verifies that b extends the current tail: its sequence equals the
// chain length and its prev hash equals the tail hash (GenesisHash when empty).
func (bc *Blockchain) CheckLink(b Block) error {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.checkLink(b)
}

func (bc *Blockchain) checkLink(b Block) error {
	if length := bc.store.Len(); b.Sequence != uint64(length) {
		return fmt.Errorf("%w: expected %d, got %d", ErrSequence, length, b.Sequence)
	}
	if expected := bc.tailHash(); b.PrevHash != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrPrevHash, expected, b.PrevHash)
	}
	return nil
}

// Append validates b against the tail and the content hash, then stores it.
// Proof of work is the caller's concern since the target is a consensus parameter.
func (bc *Blockchain) Append(b Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if err := bc.checkLink(b); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}
	if expected := b.ComputeHash(); b.CurrHash != expected {
		return fmt.Errorf("invalid block: %w: expected %s, got %s", ErrHash, expected, b.CurrHash)
	}
	if err := bc.store.Put(b); err != nil {
		return err
	}
	bc.tail = &b
	return nil
}

// GetByIndex retrieves a block by its sequence.
func (bc *Blockchain) GetByIndex(index int) (Block, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	if index < 0 || index >= bc.store.Len() {
		return Block{}, fmt.Errorf("%w: index %d out of range", ErrNotFound, index)
	}
	return bc.store.Get(uint64(index))
}

// Blocks returns a copy of the whole chain.
func (bc *Blockchain) Blocks() ([]Block, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	n := bc.store.Len()
	blocks := make([]Block, 0, n)
	for i := 0; i < n; i++ {
		b, err := bc.store.Get(uint64(i))
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// Verify validates the integrity of the entire chain: the genesis link, the
// sequence and prev hash linkage of every block, and each block's hash and
// proof of work against targetZeros.
func (bc *Blockchain) Verify(targetZeros int) error {
	blocks, err := bc.Blocks()
	if err != nil {
		return err
	}
	prevHash := GenesisHash
	for i, b := range blocks {
		if b.Sequence != uint64(i) {
			return fmt.Errorf("block %d invalid: %w: got %d", i, ErrSequence, b.Sequence)
		}
		if b.PrevHash != prevHash {
			return fmt.Errorf("block %d invalid: %w", i, ErrPrevHash)
		}
		if err := b.CheckProofOfWork(targetZeros); err != nil {
			return fmt.Errorf("block %d invalid: %w", i, err)
		}
		prevHash = b.CurrHash
	}
	return nil
}

// Close releases the underlying store.
func (bc *Blockchain) Close() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.store.Close()
}
