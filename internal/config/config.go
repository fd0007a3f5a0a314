// Package config loads process configuration from a TOML file and the
// environment. Environment variables win over the file, and the file wins
// over the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dreamware/meridian/internal/cache"
	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/logging"
)

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// StorageConfig selects the storage backend. An empty Dir keeps
// everything in memory.
type StorageConfig struct {
	Dir string `toml:"dir"`
}

// ClusterConfig tunes ring construction and fan-out.
type ClusterConfig struct {
	Rings       []string `toml:"rings"`
	Services    []string `toml:"services"`
	StopPoints  int      `toml:"stop_points"`
	Concurrency int      `toml:"concurrency"`
}

// CacheConfig bounds the resource and geometry caches.
type CacheConfig struct {
	HitTTL          time.Duration `toml:"hit_ttl"`
	MissTTL         time.Duration `toml:"miss_ttl"`
	Size            int           `toml:"size"`
	InlineThreshold int           `toml:"inline_threshold"`
}

// Node is the worker node configuration.
type Node struct {
	ID            string        `toml:"id"`
	Listen        string        `toml:"listen"`
	Addr          string        `toml:"addr"`
	DiscoveryAddr string        `toml:"discovery_addr"`
	Storage       StorageConfig `toml:"storage"`
	Log           LogConfig     `toml:"log"`
	Cluster       ClusterConfig `toml:"cluster"`
	Cache         CacheConfig   `toml:"cache"`
}

// Discovery is the discovery service configuration.
type Discovery struct {
	Listen            string        `toml:"listen"`
	HealthInterval    time.Duration `toml:"health_interval"`
	RepublishInterval time.Duration `toml:"republish_interval"`
	MaxFailures       int           `toml:"max_failures"`
	Log               LogConfig     `toml:"log"`
}

// DefaultNode returns the node defaults.
func DefaultNode() Node {
	return Node{
		Listen: ":8081",
		Addr:   "http://127.0.0.1:8081",
		Log:    LogConfig{Level: "info", Format: "text"},
		Cluster: ClusterConfig{
			Rings:       []string{cluster.RingServers, cluster.RingImport, cluster.RingSearch},
			Services:    []string{cluster.RingServers},
			Concurrency: 16,
		},
		Cache: CacheConfig{
			HitTTL:          10 * time.Minute,
			MissTTL:         30 * time.Second,
			Size:            4096,
			InlineThreshold: cache.DefaultInlineThreshold,
		},
	}
}

// DefaultDiscovery returns the discovery defaults.
func DefaultDiscovery() Discovery {
	return Discovery{
		Listen:            ":8080",
		HealthInterval:    10 * time.Second,
		RepublishInterval: 30 * time.Second,
		MaxFailures:       3,
		Log:               LogConfig{Level: "info", Format: "text"},
	}
}

// LoadNode reads the node configuration from path (optional) and the
// environment.
func LoadNode(path string) (Node, error) {
	cfg := DefaultNode()
	if err := decodeFile(path, &cfg); err != nil {
		return Node{}, err
	}

	cfg.ID = getenv("NODE_ID", cfg.ID)
	cfg.Listen = getenv("NODE_LISTEN", cfg.Listen)
	cfg.Addr = getenv("NODE_ADDR", cfg.Addr)
	cfg.DiscoveryAddr = getenv("DISCOVERY_ADDR", cfg.DiscoveryAddr)
	cfg.Storage.Dir = getenv("STORAGE_DIR", cfg.Storage.Dir)
	cfg.Log.Level = getenv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenv("LOG_FORMAT", cfg.Log.Format)

	return cfg, cfg.Validate()
}

// Validate reports every problem with the node configuration.
func (c Node) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("node id is required (NODE_ID)"))
	}
	if c.Addr == "" {
		errs = append(errs, errors.New("node addr is required (NODE_ADDR)"))
	}
	if c.Cache.MissTTL >= c.Cache.HitTTL {
		errs = append(errs, fmt.Errorf("cache miss_ttl %s must be shorter than hit_ttl %s", c.Cache.MissTTL, c.Cache.HitTTL))
	}
	if c.Cache.InlineThreshold < 0 {
		errs = append(errs, fmt.Errorf("cache inline_threshold must not be negative: %d", c.Cache.InlineThreshold))
	}
	errs = append(errs, c.Log.validate())
	return errors.Join(errs...)
}

// LoadDiscovery reads the discovery configuration from path (optional) and
// the environment.
func LoadDiscovery(path string) (Discovery, error) {
	cfg := DefaultDiscovery()
	if err := decodeFile(path, &cfg); err != nil {
		return Discovery{}, err
	}

	cfg.Listen = getenv("DISCOVERY_LISTEN", cfg.Listen)
	cfg.Log.Level = getenv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenv("LOG_FORMAT", cfg.Log.Format)
	if v := os.Getenv("HEALTH_MAX_FAILURES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Discovery{}, fmt.Errorf("HEALTH_MAX_FAILURES: %w", err)
		}
		cfg.MaxFailures = n
	}

	return cfg, cfg.Validate()
}

// Validate reports every problem with the discovery configuration.
func (c Discovery) Validate() error {
	var errs []error
	if c.HealthInterval <= 0 {
		errs = append(errs, fmt.Errorf("health_interval must be positive: %s", c.HealthInterval))
	}
	if c.MaxFailures <= 0 {
		errs = append(errs, fmt.Errorf("max_failures must be positive: %d", c.MaxFailures))
	}
	errs = append(errs, c.Log.validate())
	return errors.Join(errs...)
}

func (l LogConfig) validate() error {
	if _, err := logging.ParseLevel(l.Level); err != nil {
		return err
	}
	switch l.Format {
	case "", "text", "json":
		return nil
	default:
		return fmt.Errorf("invalid log format: %s", l.Format)
	}
}

func decodeFile(path string, v any) error {
	if path == "" {
		return nil
	}
	md, err := toml.DecodeFile(path, v)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("read config %s: unknown keys %v", path, undecoded)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
