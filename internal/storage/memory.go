package storage

import (
	"context"
	"sync"
	"time"

	"github.com/igwedaniel/ledgerwatch/internal/types"
)

type memoryKey struct {
	network types.Network
	number  uint64
}

type memoryEntry struct {
	record  types.BlockRecord
	expires time.Time
}

// InMemoryStorage is a BlockCache kept in process memory. A zero ttl keeps
// entries forever.
type InMemoryStorage struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[memoryKey]memoryEntry
}

func NewInMemoryStorage(ttl time.Duration) *InMemoryStorage {
	return &InMemoryStorage{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[memoryKey]memoryEntry),
	}
}

func (m *InMemoryStorage) SetBlock(ctx context.Context, record *types.BlockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{record: *record}
	entry.record.Transactions = append([]types.Transaction(nil), record.Transactions...)
	if m.ttl > 0 {
		entry.expires = m.now().Add(m.ttl)
	}
	m.entries[memoryKey{record.Network, record.Block.Number}] = entry
	return nil
}

func (m *InMemoryStorage) GetBlock(ctx context.Context, network types.Network, number uint64) (*types.BlockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey{network, number}
	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if !entry.expires.IsZero() && !m.now().Before(entry.expires) {
		delete(m.entries, key)
		return nil, ErrCacheMiss
	}

	record := entry.record
	record.Transactions = append([]types.Transaction(nil), entry.record.Transactions...)
	return &record, nil
}

func (m *InMemoryStorage) DeleteBlock(ctx context.Context, network types.Network, number uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, memoryKey{network, number})
	return nil
}

// Len returns the number of entries, expired ones included
func (m *InMemoryStorage) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *InMemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (m *InMemoryStorage) Close() error {
	return nil
}
