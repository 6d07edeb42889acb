package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v2"
)

// Store is the backing storage of a Blockchain. Blocks are stored by sequence
// and never rewritten. Linkage checks are done by the Blockchain, not the store.
type Store interface {
	Put(b Block) error
	Get(seq uint64) (Block, error)
	Len() int
	Close() error
}

// MemoryStore keeps the chain in a slice.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks []Block
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make([]Block, 0)}
}

func (s *MemoryStore) Put(b Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Sequence != uint64(len(s.blocks)) {
		return fmt.Errorf("%w: store has %d blocks, got sequence %d", ErrSequence, len(s.blocks), b.Sequence)
	}
	s.blocks = append(s.blocks, b)
	return nil
}

func (s *MemoryStore) Get(seq uint64) (Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq >= uint64(len(s.blocks)) {
		return Block{}, fmt.Errorf("%w: %d", ErrNotFound, seq)
	}
	return s.blocks[seq], nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

func (s *MemoryStore) Close() error { return nil }

// BadgerStore keeps the chain in a badger database under keys
// "block/" followed by the big endian sequence.
type BadgerStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	length int
}

// OpenBadgerStore opens a badger store in dir, or in memory when dir is empty.
// Any content already present in dir is dropped: the chain always starts empty.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	if err := db.DropAll(); err != nil {
		return nil, fmt.Errorf("reset badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func blockKey(seq uint64) []byte {
	key := make([]byte, 6+8)
	copy(key, "block/")
	binary.BigEndian.PutUint64(key[6:], seq)
	return key
}

func (s *BadgerStore) Put(b Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Sequence != uint64(s.length) {
		return fmt.Errorf("%w: store has %d blocks, got sequence %d", ErrSequence, s.length, b.Sequence)
	}
	value, err := json.Marshal(b)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(b.Sequence), value)
	})
	if err != nil {
		return fmt.Errorf("store block %d: %w", b.Sequence, err)
	}
	s.length++
	return nil
}

func (s *BadgerStore) Get(seq uint64) (Block, error) {
	var b Block
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(seq))
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(value, &b)
	})
	if err == badger.ErrKeyNotFound {
		return Block{}, fmt.Errorf("%w: %d", ErrNotFound, seq)
	}
	if err != nil {
		return Block{}, fmt.Errorf("load block %d: %w", seq, err)
	}
	return b, nil
}

func (s *BadgerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
