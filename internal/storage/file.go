package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// tempPrefix marks in-flight writes so List can skip them
const tempPrefix = ".tmp-"

// FileStore implements Store with one file per key under a root directory.
//
// Keys may contain forward slashes; each segment becomes a directory and
// parent directories are created on demand. Writes go to a temporary file in
// the target directory first and are then moved into place, so readers never
// observe a partially written value.
type FileStore struct {
	root string
	ops  counters
}

// NewFileStore creates a store rooted at dir, creating it if necessary
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", dir, err)
	}
	return &FileStore{root: dir}, nil
}

// Root returns the directory the store writes to
func (f *FileStore) Root() string {
	return f.root
}

// path maps a key to a file below root, rejecting keys that would escape it
func (f *FileStore) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean != key || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.HasPrefix(path.Base(clean), tempPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.root, filepath.FromSlash(clean)), nil
}

// Has reports whether the key is present
func (f *FileStore) Has(key string) (bool, error) {
	p, err := f.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Read retrieves a value by key
func (f *FileStore) Read(key string) ([]byte, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	f.ops.reads.Add(1)
	return data, nil
}

// Write stores a value, replacing any existing one atomically
func (f *FileStore) Write(key string, value []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	tmp, err := f.writeTemp(p, value)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", key, err)
	}
	f.ops.writes.Add(1)
	return nil
}

// Create stores a value only if the key is absent.
//
// The value is written to a temporary file which is then hard-linked to the
// final name. Linking fails if the name exists, which makes racing first
// writers safe: exactly one wins and the others get ErrExists.
func (f *FileStore) Create(key string, value []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	tmp, err := f.writeTemp(p, value)
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, p); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("create %s: %w", key, err)
	}
	f.ops.writes.Add(1)
	return nil
}

// writeTemp writes value to a fresh temporary file next to target
func (f *FileStore) writeTemp(target string, value []byte) (string, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// Delete removes a key-value pair
// No error if key doesn't exist (idempotent)
func (f *FileStore) Delete(key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns all keys in the store using forward slashes as separators
func (f *FileStore) List() ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", f.root, err)
	}
	return keys, nil
}

// Stats walks the root directory to count keys and bytes
func (f *FileStore) Stats() StoreStats {
	stats := StoreStats{
		Reads:  f.ops.reads.Load(),
		Writes: f.ops.writes.Load(),
	}
	_ = filepath.WalkDir(f.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stats.Keys++
		stats.Bytes += int(info.Size())
		return nil
	})
	return stats
}
