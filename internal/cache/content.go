package cache

import (
	_ "crypto/sha256" // registers the digest algorithm
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"

	"github.com/dreamware/meridian/internal/storage"
)

const (
	// DefaultInlineThreshold is the serialized size below which values are
	// returned as their own key.
	DefaultInlineThreshold = 128

	// DefaultMemoryEntries bounds the in-memory mirror of stored values.
	DefaultMemoryEntries = 1024

	// keySeparator splits the length prefix from the digest in stored keys.
	// JSON scalars never contain it, which keeps the two key forms apart.
	keySeparator = 'z'
)

var (
	// ErrCorrupt is returned when a stored key is missing from storage or its
	// content does not match its digest.
	ErrCorrupt = errors.New("content store corrupt")

	// ErrInvalidKey is returned for keys that are neither inline values nor
	// well-formed content digests.
	ErrInvalidKey = errors.New("invalid content key")

	storedKeyPattern = regexp.MustCompile(`^[0-9]+z[0-9a-f]+$`)
)

// ContentOptions configures a ContentStore.
type ContentOptions struct {
	// Name labels the store in logs and metrics.
	Name string
	// Prefix is prepended to keys when addressing the backing store,
	// letting several content stores share one storage root.
	Prefix string
	// Logger for the store.
	Logger logr.Logger
	// InlineThreshold is the serialized length below which values are inlined.
	InlineThreshold int
	// MemoryEntries bounds the in-memory mirror.
	MemoryEntries int
}

// ContentStore is a two-tier content-addressed cache.
//
// Values whose JSON form is shorter than the inline threshold are never
// stored: Add returns the JSON text itself as the key and Get decodes it
// without any I/O. Larger values are keyed by their length and SHA-256
// digest, written to the backing store at most once, and mirrored in a
// bounded LRU.
type ContentStore[T any] struct {
	store     storage.Store
	memory    *lru.Cache[string, T]
	logger    logr.Logger
	name      string
	prefix    string
	threshold int
}

// NewContentStore returns a ContentStore writing through to store.
func NewContentStore[T any](store storage.Store, opts ContentOptions) (*ContentStore[T], error) {
	if store == nil {
		return nil, errors.New("content store requires a backing store")
	}
	if opts.InlineThreshold <= 0 {
		opts.InlineThreshold = DefaultInlineThreshold
	}
	if opts.MemoryEntries <= 0 {
		opts.MemoryEntries = DefaultMemoryEntries
	}
	if opts.Name == "" {
		opts.Name = "content"
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}

	memory, err := lru.New[string, T](opts.MemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("create memory tier: %w", err)
	}

	return &ContentStore[T]{
		store:     store,
		memory:    memory,
		logger:    opts.Logger,
		name:      opts.Name,
		prefix:    opts.Prefix,
		threshold: opts.InlineThreshold,
	}, nil
}

// Key computes the key Add would return for item without storing anything.
func (c *ContentStore[T]) Key(item T) (string, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	return c.keyFor(data), nil
}

func (c *ContentStore[T]) keyFor(data []byte) string {
	if len(data) < c.threshold {
		return string(data)
	}
	return strconv.Itoa(len(data)) + string(keySeparator) + digest.FromBytes(data).Encoded()
}

// Add stores item and returns its key.
//
// Short values come back inline. Long values are written to storage only if
// absent; a concurrent writer winning the race is not an error because the
// content behind a key never differs.
func (c *ContentStore[T]) Add(item T) (string, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}

	key := c.keyFor(data)
	if len(data) < c.threshold {
		return key, nil
	}

	has, err := c.store.Has(c.prefix + key)
	if err != nil {
		return "", fmt.Errorf("check %s: %w", key, err)
	}
	if !has {
		err := c.store.Create(c.prefix+key, data)
		switch {
		case err == nil:
			StorageWriteCounterTotal.WithLabelValues(c.name).Inc()
			c.logger.V(1).Info("stored content", "cache", c.name, "key", key, "bytes", len(data))
		case errors.Is(err, storage.ErrExists):
			c.logger.V(1).Info("content already stored by another writer", "cache", c.name, "key", key)
		default:
			return "", fmt.Errorf("store %s: %w", key, err)
		}
	}

	var stored T
	if err := json.Unmarshal(data, &stored); err != nil {
		return "", fmt.Errorf("deserialize %s: %w", key, err)
	}
	c.memory.Add(key, stored)
	return key, nil
}

// IsInline reports whether key carries its value rather than addressing
// storage.
func IsInline(key string) bool {
	if key == "" {
		return false
	}
	switch key[0] {
	case '{', '[', '"':
		return true
	}
	return !strings.ContainsRune(key, keySeparator)
}

// Get returns the value behind key.
//
// A stored key that storage does not know is reported as ErrCorrupt: keys
// are only handed out after a successful write, so a miss means lost or
// mismatched data rather than an ordinary absence.
func (c *ContentStore[T]) Get(key string) (T, error) {
	var zero T

	if IsInline(key) {
		var v T
		if err := json.Unmarshal([]byte(key), &v); err != nil {
			return zero, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		LookupCounterTotal.WithLabelValues(c.name, outcomeInline).Inc()
		return v, nil
	}

	if v, ok := c.memory.Get(key); ok {
		LookupCounterTotal.WithLabelValues(c.name, outcomeMemory).Inc()
		return v, nil
	}

	// The key doubles as a storage path segment.
	size, d, err := parseStoredKey(key)
	if err != nil {
		return zero, err
	}

	data, err := c.store.Read(c.prefix + key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return zero, fmt.Errorf("%w: %s missing from storage", ErrCorrupt, key)
	}
	if err != nil {
		return zero, fmt.Errorf("read %s: %w", key, err)
	}
	if err := verify(key, size, d, data); err != nil {
		return zero, err
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, fmt.Errorf("%w: decode %s: %w", ErrCorrupt, key, err)
	}
	LookupCounterTotal.WithLabelValues(c.name, outcomeStorage).Inc()
	c.memory.Add(key, v)
	return v, nil
}

// Contains reports whether Get would succeed for key without decoding it.
func (c *ContentStore[T]) Contains(key string) (bool, error) {
	if IsInline(key) {
		return json.Valid([]byte(key)), nil
	}
	if c.memory.Contains(key) {
		return true, nil
	}
	if _, _, err := parseStoredKey(key); err != nil {
		return false, err
	}
	return c.store.Has(c.prefix + key)
}

// Len returns the number of values in the memory tier.
func (c *ContentStore[T]) Len() int {
	return c.memory.Len()
}

// parseStoredKey splits a stored key into its length prefix and digest.
func parseStoredKey(key string) (int, digest.Digest, error) {
	if !storedKeyPattern.MatchString(key) {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	sep := strings.IndexRune(key, keySeparator)
	size, err := strconv.Atoi(key[:sep])
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	d := digest.NewDigestFromEncoded(digest.SHA256, key[sep+1:])
	if err := d.Validate(); err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return size, d, nil
}

// verify checks data against the length and digest encoded in its key.
func verify(key string, size int, d digest.Digest, data []byte) error {
	if size != len(data) {
		return fmt.Errorf("%w: %s has %d bytes", ErrCorrupt, key, len(data))
	}
	verifier := d.Verifier()
	if _, err := verifier.Write(data); err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: %s digest mismatch", ErrCorrupt, key)
	}
	return nil
}
