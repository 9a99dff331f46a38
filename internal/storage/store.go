package storage

import (
	"errors"
	"slices"
	"sync"

	"github.com/dreamware/rendersync/internal/codec"
)

// ErrKeyNotFound is returned when a cache key has no stored delivery.
var ErrKeyNotFound = errors.New("key not found")

// Store holds marshalled delivery results by cache key.
// All implementations must be safe for concurrent access.
type Store interface {
	// Get returns a copy of the buffer stored under key, or ErrKeyNotFound.
	Get(key string) (codec.Buffer, error)

	// Put stores a copy of buf under key, replacing any previous value.
	Put(key string, buf codec.Buffer) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns the stored keys in sorted order.
	Keys() []string

	// Purge drops every entry.
	Purge()

	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys   int    // Number of keys
	Bytes  int    // Total payload bytes of all stored buffers
	Hits   uint64 // Successful Gets
	Misses uint64 // Gets that found nothing
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]codec.Buffer
	hits   uint64
	misses uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]codec.Buffer),
	}
}

// clone copies buf so the store never shares storage with a caller.
func clone(buf codec.Buffer) codec.Buffer {
	return codec.Buffer{
		Data:    slices.Clone(buf.Data),
		Lengths: slices.Clone(buf.Lengths),
		Offsets: slices.Clone(buf.Offsets),
	}
}

func (m *MemoryStore) Get(key string) (codec.Buffer, error) {
	// the hit counters are written, so a read lock is not enough
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, exists := m.data[key]
	if !exists {
		m.misses++
		return codec.Buffer{}, ErrKeyNotFound
	}
	m.hits++
	return clone(buf), nil
}

func (m *MemoryStore) Put(key string, buf codec.Buffer) error {
	if err := buf.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = clone(buf)
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func (m *MemoryStore) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.data)
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, buf := range m.data {
		totalBytes += buf.Len()
	}

	return StoreStats{
		Keys:   len(m.data),
		Bytes:  totalBytes,
		Hits:   m.hits,
		Misses: m.misses,
	}
}
