// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/engine/backend"
	"github.com/tombee/relay/internal/engine/backend/memory"
	"github.com/tombee/relay/internal/engine/backend/sqlite"
	"github.com/tombee/relay/internal/engine/processor"
	"github.com/tombee/relay/internal/engine/queue"
	"github.com/tombee/relay/internal/engine/steprun"
	"github.com/tombee/relay/internal/engine/stream"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/tracing"
)

func newServeCommand(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow engine until interrupted",
		Long: `Start the message processor and serve the registered workflows and
steps. SIGINT or SIGTERM stops intake and drains in-flight messages before
exiting. The config file is watched and reloaded where settings permit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	return cmd
}

func runServe(cmd *cobra.Command, opts Options) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return &ExitError{Code: ExitBadConfig, Message: "load config", Cause: err}
	}

	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format)})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := tracing.NewProvider(ctx, cfg.Tracing, opts.Version)
	if err != nil {
		return &ExitError{Code: ExitBadConfig, Message: "initialize tracing", Cause: err}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", log.Error(err))
		}
	}()

	store, streams, closeBackend, err := buildBackend(cfg)
	if err != nil {
		return &ExitError{Code: ExitBadConfig, Message: "open backend", Cause: err}
	}
	defer func() {
		if err := closeBackend(); err != nil {
			logger.Warn("backend close failed", log.Error(err))
		}
	}()

	bus := queue.NewMemoryQueue(queue.WithMaxAge(cfg.Queue.MaxAge))
	defer bus.Close()

	collector := metrics.NewCollector()
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics endpoint listening", log.String("addr", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", log.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	executor := steprun.NewExecutor(store, streams, opts.Steps, logger)
	proc := processor.New(cfg.Processor, store, bus, streams, opts.Workflows, executor, logger,
		processor.WithTracer(provider.Tracer()),
		processor.WithMetrics(collector),
	)

	// Reload what can change at runtime. Backend and queue changes need a
	// restart; log settings apply immediately.
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = "relay.yaml"
	}
	go watchConfig(ctx, configPath, cfg, logger)

	logger.Info("relay serving",
		log.String("version", opts.Version),
		log.String("backend", cfg.Backend.Type),
		slog.Any("workflows", opts.Workflows.Names()),
		slog.Any("steps", opts.Steps.Names()),
	)

	if err := proc.Run(ctx); err != nil {
		return &ExitError{Code: ExitFailure, Message: "processor stopped", Cause: err}
	}
	logger.Info("relay stopped")
	return nil
}

// buildBackend constructs the configured storage and streamer pair. The
// sqlite backend serves both roles; the memory backend pairs with a memory
// streamer.
func buildBackend(cfg *config.Config) (backend.Storage, stream.Streamer, func() error, error) {
	switch cfg.Backend.Type {
	case config.BackendSQLite:
		db, err := sqlite.New(sqlite.Config{
			Path: cfg.Backend.SQLite.Path,
			WAL:  cfg.Backend.SQLite.WAL,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return db, db, db.Close, nil
	default:
		return memory.New(), stream.NewMemoryStreamer(), func() error { return nil }, nil
	}
}

// watchConfig applies hot-reloadable settings when the config file changes.
func watchConfig(ctx context.Context, path string, current *config.Config, logger *slog.Logger) {
	err := config.Watch(ctx, path, func(next *config.Config) {
		if next.Log != current.Log {
			slog.SetDefault(log.New(&log.Config{Level: next.Log.Level, Format: log.Format(next.Log.Format)}))
			logger.Info("log configuration reloaded",
				log.String("level", next.Log.Level),
				log.String("format", next.Log.Format))
		}
		if next.Backend != current.Backend || next.Queue != current.Queue {
			logger.Warn("backend and queue changes take effect on restart")
		}
		current = next
	})
	if err != nil && ctx.Err() == nil {
		logger.Warn("config watch failed", log.Error(err))
	}
}
