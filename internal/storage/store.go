package storage

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrKeyNotFound is returned when a key doesn't exist in the store
	ErrKeyNotFound = errors.New("key not found")

	// ErrExists is returned by Create when the key is already present
	ErrExists = errors.New("key already exists")

	// ErrInvalidKey is returned for keys that cannot be mapped to a storage location
	ErrInvalidKey = errors.New("invalid storage key")
)

// Store defines the interface for the key-value storage collaborator.
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Has reports whether the key is present
	Has(key string) (bool, error)

	// Read retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Read(key string) ([]byte, error)

	// Write stores a value with the given key
	// Overwrites any existing value for the key
	Write(key string, value []byte) error

	// Create stores a value only if the key is absent
	// Returns ErrExists if another writer got there first
	Create(key string, value []byte) error

	// Delete removes a key-value pair
	// No error if key doesn't exist
	Delete(key string) error

	// List returns all keys in the store
	// Order is not guaranteed
	List() ([]string, error)

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys   int    `json:"keys"`   // Number of keys
	Bytes  int    `json:"bytes"`  // Total size of all values in bytes
	Reads  uint64 `json:"reads"`  // Successful reads since creation
	Writes uint64 `json:"writes"` // Successful writes and creates since creation
}

// counters tracks operation counts shared by the Store implementations
type counters struct {
	reads  atomic.Uint64
	writes atomic.Uint64
}

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	data map[string][]byte // Key-value storage
	ops  counters
	mu   sync.RWMutex // Protects concurrent access
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Has reports whether the key is present
func (m *MemoryStore) Has(key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.data[key]
	return exists, nil
}

// Read retrieves a value by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Read(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	m.ops.reads.Add(1)

	// Return a copy to prevent external modification
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Write stores a value with the given key
// Makes a copy of the value to prevent external modification
func (m *MemoryStore) Write(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(key, value)
	return nil
}

// Create stores a value only if the key is absent
func (m *MemoryStore) Create(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; exists {
		return ErrExists
	}
	m.put(key, value)
	return nil
}

// put must be called with mu held
func (m *MemoryStore) put(key string, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	m.ops.writes.Add(1)
}

// Delete removes a key-value pair
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// List returns all keys in the store
// Returns a copy of the keys to prevent external modification
func (m *MemoryStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys, nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Keys:   len(m.data),
		Bytes:  totalBytes,
		Reads:  m.ops.reads.Load(),
		Writes: m.ops.writes.Load(),
	}
}
