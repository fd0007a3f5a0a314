// Command discovery runs the Meridian discovery service.
//
// Nodes register here on startup. The service health-checks every node,
// evicts nodes that stop answering and pushes the resulting membership to
// all remaining nodes, which rebuild their hash rings from it.
//
// Configuration comes from --config (TOML) and the environment:
//   - DISCOVERY_LISTEN: listen address (default ":8080")
//   - HEALTH_MAX_FAILURES: failed checks before a node is evicted (default 3)
//   - LOG_LEVEL, LOG_FORMAT
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/meridian/internal/config"
	"github.com/dreamware/meridian/internal/discovery"
	"github.com/dreamware/meridian/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "discovery",
		Short:        "Run the Meridian discovery service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDiscovery(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a TOML configuration file")
	return cmd
}

func run(ctx context.Context, cfg config.Discovery, stderr io.Writer) error {
	logger, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	srv := discovery.NewServer(discovery.Options{
		Logger:            logging.Logr(logger),
		HealthInterval:    cfg.HealthInterval,
		RepublishInterval: cfg.RepublishInterval,
		MaxFailures:       cfg.MaxFailures,
	})
	go srv.Run(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("discovery listening", "listen", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	logger.Info("discovery stopped")
	return nil
}
