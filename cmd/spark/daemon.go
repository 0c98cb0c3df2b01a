package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veritas/spark/internal/config"
	"github.com/veritas/spark/internal/logging"
	"github.com/veritas/spark/internal/metrics"
	"github.com/veritas/spark/internal/modelstore"
	"github.com/veritas/spark/internal/observability"
	"github.com/veritas/spark/internal/runtime"
)

func daemonCmd() *cobra.Command {
	var (
		socketPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the SPARK inference daemon",
		Long:  "Run SPARK as a daemon, listening on a local socket for authenticated IPC inference requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("socket") {
				cfg.Runtime.SocketPath = socketPath
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}
			if cfg.Session.SharedSecret == "" {
				return fmt.Errorf("daemon: session.shared_secret must be set in the config file")
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), cfg.Observability.Tracing); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			var store *modelstore.Store
			if cfg.ModelStore.Enabled {
				var err error
				store, err = modelstore.New(context.Background(), cfg.ModelStore.StoreConfig())
				if err != nil {
					return fmt.Errorf("init model store: %w", err)
				}
			}

			rt := runtime.New(runtime.Config{
				SocketPath:         cfg.Runtime.SocketPath,
				SharedSecret:       cfg.Session.SharedSecret,
				SessionTimeout:     cfg.Session.SessionTimeout,
				DenylistRedisAddr:  cfg.Session.DenylistRedisAddr,
				MaxPending:         cfg.Queue.MaxPending,
				Workers:            cfg.Runtime.Workers,
				Pool:               cfg.Pool,
				Stream:             cfg.Stream,
				Backend:            cfg.Backend,
				MaxFrameSize:       cfg.Conn.MaxFrameSize,
				MaxProtocolVersion: cfg.Conn.MaxProtocolVersion,
				ShutdownTimeout:    cfg.Runtime.ShutdownTimeout,
				ModelStore:         store,
				HealthGRPCAddr:     cfg.Runtime.HealthGRPCAddr,
			})

			if cfg.Runtime.ModelRegistry != "" {
				entries, err := config.LoadModelRegistry(cfg.Runtime.ModelRegistry)
				if err != nil {
					return fmt.Errorf("load model registry: %w", err)
				}
				for _, entry := range entries {
					if !entry.Warm {
						continue
					}
					ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
					err := rt.PreloadModel(ctx, entry.ModelID, entry.Source, config.ModelTier(entry.Tier))
					cancel()
					if err != nil {
						logging.Op().Error("failed to preload model", "model_id", entry.ModelID, "error", err)
						continue
					}
					logging.Op().Info("preloaded model", "model_id", entry.ModelID, "tier", entry.Tier)
				}
			}

			if err := rt.Start(); err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout+5*time.Second)
			defer cancel()
			result := rt.Shutdown(ctx)
			logging.Op().Info("daemon stopped", "outcome", string(result.Outcome))
			return nil
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "Unix socket path to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level")

	return cmd
}
