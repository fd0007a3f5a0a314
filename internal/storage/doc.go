// Package storage defines the storage collaborator Meridian's persistent caches
// write through, with an in-memory and a file-system implementation.
//
// # Overview
//
// The content-addressed cache keeps large derived values on durable storage so
// a restarted worker does not recompute them. It needs very little from the
// backend: test for a key, read it, and write it exactly once. The Store
// interface captures that surface plus the housekeeping operations the node's
// admin endpoints use.
//
//	┌─────────────────────────────────────┐
//	│     cache.ContentStore / node       │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│           storage.Store             │
//	│  Has · Read · Write · Create · List │
//	└─────────────────────────────────────┘
//	         │                   │
//	         ▼                   ▼
//	┌────────────────┐  ┌────────────────┐
//	│  MemoryStore   │  │   FileStore    │
//	│  (tests, dev)  │  │ (one file/key) │
//	└────────────────┘  └────────────────┘
//
// # Write Semantics
//
// Write replaces a value. Create stores a value only if the key is absent and
// returns ErrExists otherwise. Content-addressed callers use Create: their keys
// are derived from the value, so losing a race to another writer is harmless
// and ErrExists is treated as success.
//
// FileStore writes every value to a temporary file in the destination
// directory first. Write renames it into place; Create hard-links it, which
// fails atomically when the name already exists. A crash mid-write leaves at
// most a stray ".tmp-*" file, never a truncated value.
//
// # Keys
//
// FileStore keys are slash-separated relative paths. Absolute paths, ".."
// segments, backslashes and non-canonical forms are rejected with
// ErrInvalidKey so a key can never address a file outside the root.
//
// # Concurrency
//
// Both implementations are safe for concurrent use. MemoryStore guards its map
// with a sync.RWMutex and copies values in and out. FileStore relies on the
// file system's rename and link atomicity and holds no locks.
//
// # Statistics
//
// Stats reports key count, total bytes, and the number of successful reads and
// writes since the store was created. The write counter is what tests use to
// prove content-addressed writes happen once.
package storage
