package oplog

import (
	"fmt"
	"sync"

	"github.com/cuemby/durawasm/pkg/types"
)

// MemStore is an in-memory Store used by unit tests so the durability
// wrapper and replay engine can be exercised without touching disk,
// mirroring how the test suite swaps the storage layer for
// fakes in integration tests.
type MemStore struct {
	mu         sync.Mutex
	entries    []Entry
	closed     bool
	maxEntries int // 0 = unbounded
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

// NewMemStoreWithLimit builds a MemStore that returns types.ErrOplogFull
// once it holds maxEntries entries, for exercising storage-exhaustion
// handling without a real on-disk ceiling.
func NewMemStoreWithLimit(maxEntries int) *MemStore {
	return &MemStore{maxEntries: maxEntries}
}

func (s *MemStore) Append(entry Entry) (types.OplogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("oplog: store closed")
	}
	if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		return 0, types.ErrOplogFull
	}
	entry.Index = types.OplogIndex(len(s.entries) + 1)
	entry.SchemaVersion = CurrentSchemaVersion
	s.entries = append(s.entries, entry)
	return entry.Index, nil
}

func (s *MemStore) Read(index types.OplogIndex) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 1 || int(index) > len(s.entries) {
		return Entry{}, fmt.Errorf("%w: index %d", types.ErrNotFound, index)
	}
	return s.entries[index-1], nil
}

func (s *MemStore) Scan(from, to types.OplogIndex) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from < 1 {
		from = 1
	}
	last := types.OplogIndex(len(s.entries))
	if to > last {
		to = last
	}
	var out []Entry
	for i := from; i <= to; i++ {
		out = append(out, s.entries[i-1])
	}
	return out, nil
}

func (s *MemStore) TruncateTo(index types.OplogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(index) < len(s.entries) {
		s.entries = s.entries[:index]
	}
	return nil
}

func (s *MemStore) LastIndex() types.OplogIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.OplogIndex(len(s.entries))
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
