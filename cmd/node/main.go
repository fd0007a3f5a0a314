// Command node runs a Meridian worker node.
//
// A node serves the resources it owns from the local engine, proxies the
// rest to their owners and keeps its ring view current from the membership
// messages pushed by the discovery service.
//
//	┌──────────────────────────────────────────┐
//	│                  Node                    │
//	├──────────────────────────────────────────┤
//	│  /api/v1/Resource/*   resources          │
//	│  /api/v1/Geometry/*   geometry store     │
//	│  /api/v1/Cluster/*    cluster index      │
//	│  /cluster/membership  membership feed    │
//	│  /health /info /metrics                  │
//	└──────────────────────────────────────────┘
//
// Configuration comes from --config (TOML) and the environment:
//   - NODE_ID: unique node identifier (required)
//   - NODE_LISTEN: listen address (default ":8081")
//   - NODE_ADDR: public address other nodes use (default "http://127.0.0.1:8081")
//   - DISCOVERY_ADDR: discovery service URL; without it the node runs alone
//   - STORAGE_DIR: storage directory; without it storage is in memory
//   - LOG_LEVEL, LOG_FORMAT
//
// Example:
//
//	NODE_ID=node-1 NODE_ADDR=http://localhost:8081 \
//	DISCOVERY_ADDR=http://localhost:8080 STORAGE_DIR=/tmp/node-1 \
//	./node
//
//	STORAGE_DIR=/tmp/node-1 ./node dataset put elevation.json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/config"
	"github.com/dreamware/meridian/internal/logging"
	"github.com/dreamware/meridian/internal/node"
	"github.com/dreamware/meridian/internal/processing"
	"github.com/dreamware/meridian/internal/storage"
)

const (
	registerAttempts = 10
	registerDelay    = 400 * time.Millisecond
	shutdownTimeout  = 5 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "node",
		Short:        "Run a Meridian worker node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadNode(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML configuration file")
	cmd.AddCommand(newDatasetCmd(&configPath))
	return cmd
}

func newDatasetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Manage datasets in the node's storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "put FILE...",
		Short: "Store dataset documents so the node can serve them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := os.Getenv("STORAGE_DIR")
			if *configPath != "" {
				cfg, err := config.LoadNode(*configPath)
				if err != nil {
					return err
				}
				dir = cfg.Storage.Dir
			}
			if dir == "" {
				return errors.New("a storage directory is required (STORAGE_DIR or storage.dir)")
			}
			store, err := storage.NewFileStore(dir)
			if err != nil {
				return err
			}
			return putDatasets(processing.NewCatalog(store), args, cmd.OutOrStdout())
		},
	})
	return cmd
}

func putDatasets(catalog *processing.Catalog, files []string, out io.Writer) error {
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		var d processing.Dataset
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", file, err)
		}
		if err := catalog.Put(d); err != nil {
			return fmt.Errorf("store %s: %w", file, err)
		}
		fmt.Fprintf(out, "stored %s (%d cells)\n", d.Metadata.ID, len(d.Cells))
	}
	return nil
}

func run(ctx context.Context, cfg config.Node, stderr io.Writer) error {
	logger, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	logger = logger.With("node", cfg.ID)
	ctx = logging.IntoContext(ctx, logger)

	svc, err := newService(cfg, logging.Logr(logger))
	if err != nil {
		return err
	}
	go svc.Run(ctx)

	s := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc.Handler(logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "listen", cfg.Listen, "public", cfg.Addr)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if cfg.DiscoveryAddr != "" {
		info := cluster.NodeInfo{ID: cfg.ID, Addr: cfg.Addr, Services: cfg.Cluster.Services}
		if err := register(ctx, cfg.DiscoveryAddr, info, registerAttempts, registerDelay); err != nil {
			shutdown(s, logger)
			return err
		}
	} else {
		logger.Warn("no discovery service configured; running as a single node")
	}

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	shutdown(s, logger)
	logger.Info("node stopped")
	return nil
}

func shutdown(s *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
}

// newService wires storage, the catalog engine and the cluster view into a
// node.Service.
func newService(cfg config.Node, logger logr.Logger) (*node.Service, error) {
	var store storage.Store
	if cfg.Storage.Dir != "" {
		fs, err := storage.NewFileStore(cfg.Storage.Dir)
		if err != nil {
			return nil, err
		}
		store = fs
	} else {
		store = storage.NewMemoryStore()
	}

	client := &http.Client{}
	c := cluster.New(cluster.Options{
		Client:      client,
		Logger:      logger.WithName("cluster"),
		Addresses:   []string{cfg.Addr},
		Rings:       cfg.Cluster.Rings,
		StopPoints:  cfg.Cluster.StopPoints,
		Concurrency: cfg.Cluster.Concurrency,
	})

	return node.New(node.Options{
		Cluster:         c,
		Engine:          processing.NewCatalog(store),
		Store:           store,
		Client:          client,
		Logger:          logger,
		ID:              cfg.ID,
		Self:            cfg.Addr,
		HitTTL:          cfg.Cache.HitTTL,
		MissTTL:         cfg.Cache.MissTTL,
		CacheSize:       cfg.Cache.Size,
		InlineThreshold: cfg.Cache.InlineThreshold,
	})
}

// register announces the node to the discovery service, retrying while it
// comes up.
func register(ctx context.Context, discovery string, info cluster.NodeInfo, attempts int, delay time.Duration) error {
	logger := slogcontext.FromCtx(ctx)
	body := cluster.RegisterRequest{Node: info}
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = cluster.PostJSON(ctx, discovery+"/register", body, nil)
		if lastErr == nil {
			logger.Info("registered with discovery", "discovery", discovery)
			return nil
		}
		logger.Warn("register retry", "attempt", i+1, "err", lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("register with discovery %s: %w", discovery, lastErr)
}
