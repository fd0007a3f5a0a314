package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestMemoryStore tests the in-memory store implementation
func TestMemoryStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()

		// List should return empty slice
		keys, err := store.List()
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(keys) != 0 {
			t.Errorf("Expected empty store, got %d keys", len(keys))
		}

		// Read should return ErrKeyNotFound
		_, err = store.Read("nonexistent")
		if err != ErrKeyNotFound {
			t.Errorf("Expected ErrKeyNotFound, got %v", err)
		}

		has, err := store.Has("nonexistent")
		if err != nil || has {
			t.Errorf("Expected Has=false, got %v (%v)", has, err)
		}
	})

	t.Run("write and read values", func(t *testing.T) {
		store := NewMemoryStore()

		if err := store.Write("key1", []byte("value1")); err != nil {
			t.Fatalf("Failed to write value: %v", err)
		}

		value, err := store.Read("key1")
		if err != nil {
			t.Fatalf("Failed to read value: %v", err)
		}
		if !bytes.Equal(value, []byte("value1")) {
			t.Errorf("Expected 'value1', got %s", string(value))
		}

		has, _ := store.Has("key1")
		if !has {
			t.Error("Expected Has=true after write")
		}
	})

	t.Run("overwrite existing key", func(t *testing.T) {
		store := NewMemoryStore()

		store.Write("key1", []byte("value1"))
		if err := store.Write("key1", []byte("value2")); err != nil {
			t.Fatalf("Failed to overwrite value: %v", err)
		}

		value, _ := store.Read("key1")
		if !bytes.Equal(value, []byte("value2")) {
			t.Errorf("Expected 'value2', got %s", string(value))
		}
	})

	t.Run("create only once", func(t *testing.T) {
		store := NewMemoryStore()

		if err := store.Create("key1", []byte("first")); err != nil {
			t.Fatalf("First create failed: %v", err)
		}
		if err := store.Create("key1", []byte("second")); err != ErrExists {
			t.Errorf("Expected ErrExists, got %v", err)
		}

		value, _ := store.Read("key1")
		if !bytes.Equal(value, []byte("first")) {
			t.Errorf("Create must not overwrite, got %s", string(value))
		}
		if w := store.Stats().Writes; w != 1 {
			t.Errorf("Expected 1 write, got %d", w)
		}
	})

	t.Run("returned values are copies", func(t *testing.T) {
		store := NewMemoryStore()
		in := []byte("abc")
		store.Write("k", in)
		in[0] = 'x'

		out, _ := store.Read("k")
		out[1] = 'y'

		again, _ := store.Read("k")
		if string(again) != "abc" {
			t.Errorf("Store value was mutated externally: %s", again)
		}
	})

	t.Run("delete values", func(t *testing.T) {
		store := NewMemoryStore()
		store.Write("key1", []byte("value1"))

		if err := store.Delete("key1"); err != nil {
			t.Fatalf("Failed to delete value: %v", err)
		}
		if _, err := store.Read("key1"); err != ErrKeyNotFound {
			t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
		}

		// Delete non-existent key should not error
		if err := store.Delete("nonexistent"); err != nil {
			t.Errorf("Delete of non-existent key should not error, got %v", err)
		}
	})
}

// TestMemoryStoreConcurrency tests thread-safe concurrent access
func TestMemoryStoreConcurrency(t *testing.T) {
	t.Run("concurrent writes", func(t *testing.T) {
		store := NewMemoryStore()

		numGoroutines := 50
		numOps := 100

		var wg sync.WaitGroup
		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func(id int) {
				defer wg.Done()
				for j := 0; j < numOps; j++ {
					key := fmt.Sprintf("goroutine-%d-key-%d", id, j)
					if err := store.Write(key, []byte("v")); err != nil {
						t.Errorf("Failed to write: %v", err)
					}
				}
			}(i)
		}
		wg.Wait()

		keys, _ := store.List()
		if len(keys) != numGoroutines*numOps {
			t.Errorf("Expected %d keys, got %d", numGoroutines*numOps, len(keys))
		}
	})

	t.Run("racing creates have one winner", func(t *testing.T) {
		store := NewMemoryStore()

		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				err := store.Create("contested", []byte(fmt.Sprintf("writer-%d", id)))
				if err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				} else if err != ErrExists {
					t.Errorf("Unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		if winners != 1 {
			t.Errorf("Expected exactly one winner, got %d", winners)
		}
	})

	t.Run("concurrent mixed operations", func(t *testing.T) {
		store := NewMemoryStore()

		var wg sync.WaitGroup
		numGoroutines := 20
		wg.Add(numGoroutines * 3)
		for i := 0; i < numGoroutines; i++ {
			go func(id int) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					store.Write(fmt.Sprintf("key-%d", j), []byte(fmt.Sprintf("writer-%d", id)))
				}
			}(i)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					store.Read(fmt.Sprintf("key-%d", j))
				}
			}()
			go func() {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					store.List()
					store.Stats()
					time.Sleep(time.Microsecond)
				}
			}()
		}
		wg.Wait()

		if err := store.Write("final-key", []byte("final-value")); err != nil {
			t.Errorf("Store not functional after concurrent ops: %v", err)
		}
	})
}

// TestStoreInterface verifies both implementations satisfy Store
func TestStoreInterface(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
	var _ Store = (*FileStore)(nil)

	fileStore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	for name, store := range map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	} {
		t.Run(name, func(t *testing.T) {
			if err := store.Write("interface/key", []byte("interface-value")); err != nil {
				t.Fatalf("Interface Write failed: %v", err)
			}

			value, err := store.Read("interface/key")
			if err != nil {
				t.Fatalf("Interface Read failed: %v", err)
			}
			if !bytes.Equal(value, []byte("interface-value")) {
				t.Error("Interface Read returned wrong value")
			}

			if err := store.Create("interface/key", []byte("x")); !errors.Is(err, ErrExists) {
				t.Errorf("Expected ErrExists, got %v", err)
			}

			keys, err := store.List()
			if err != nil || len(keys) != 1 || keys[0] != "interface/key" {
				t.Errorf("Interface List returned %v (%v)", keys, err)
			}

			if err := store.Delete("interface/key"); err != nil {
				t.Fatalf("Interface Delete failed: %v", err)
			}
			if has, _ := store.Has("interface/key"); has {
				t.Error("Key still present after delete")
			}
		})
	}
}

// TestMemoryStoreStats tests the statistics functionality
func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()

	stats := store.Stats()
	if stats.Keys != 0 || stats.Bytes != 0 {
		t.Errorf("Initial stats should be zero, got keys=%d bytes=%d", stats.Keys, stats.Bytes)
	}

	store.Write("key1", []byte("value1"))   // 6 bytes
	store.Write("key2", []byte("value22"))  // 7 bytes
	store.Write("key3", []byte("value333")) // 8 bytes
	store.Read("key1")
	store.Read("missing")

	stats = store.Stats()
	if stats.Keys != 3 {
		t.Errorf("Expected 3 keys, got %d", stats.Keys)
	}
	if stats.Bytes != 21 {
		t.Errorf("Expected 21 bytes, got %d", stats.Bytes)
	}
	if stats.Writes != 3 || stats.Reads != 1 {
		t.Errorf("Expected 3 writes and 1 read, got %d/%d", stats.Writes, stats.Reads)
	}

	store.Delete("key2")
	stats = store.Stats()
	if stats.Keys != 2 || stats.Bytes != 14 {
		t.Errorf("Expected 2 keys/14 bytes after delete, got %d/%d", stats.Keys, stats.Bytes)
	}
}
