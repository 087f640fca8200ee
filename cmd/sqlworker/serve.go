package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/sqlworker/client"
	"github.com/tomyedwab/sqlworker/config"
	"github.com/tomyedwab/sqlworker/engine"
	"github.com/tomyedwab/sqlworker/observability"
	"github.com/tomyedwab/sqlworker/snapshot"
	"github.com/tomyedwab/sqlworker/transport"
	"github.com/tomyedwab/sqlworker/worker"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	*rootOptions
	Stdio      bool
	HTTPAddr   string
	NATSURL    string
	Restore    bool
	SaveOnExit bool
	Name       string
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker and its transports",
		Long: `Run the worker and the configured transports until interrupted.

With --stdio, requests are read one JSON object per line from stdin and
responses written to stdout; logs then go to stderr. The command exits
when stdin is closed.

Example:
  sqlworker serve --http-addr :8080
  sqlworker serve --stdio --restore --save-on-exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Stdio, "stdio", false, "serve requests on stdin/stdout")
	cmd.Flags().StringVar(&opts.HTTPAddr, "http-addr", "", "serve HTTP on this address")
	cmd.Flags().StringVar(&opts.NATSURL, "nats-url", "", "serve requests from this NATS server")
	cmd.Flags().BoolVar(&opts.Restore, "restore", false, "open the latest saved snapshot on start")
	cmd.Flags().BoolVar(&opts.SaveOnExit, "save-on-exit", false, "export and save a snapshot on shutdown")
	cmd.Flags().StringVar(&opts.Name, "name", "", "snapshot name (defaults to SQLWORKER_SNAPSHOT_NAME)")

	return cmd
}

func (o *serveOptions) apply(cfg *config.Config) {
	if o.Stdio {
		cfg.Transport.Stdio.Enabled = true
	}
	if o.HTTPAddr != "" {
		cfg.Transport.HTTP.Enabled = true
		cfg.Transport.HTTP.Addr = o.HTTPAddr
	}
	if o.NATSURL != "" {
		cfg.Transport.NATS.Enabled = true
		cfg.Transport.NATS.URL = o.NATSURL
	}
	if o.Name != "" {
		cfg.Snapshot.Name = o.Name
	}
}

func runServe(ctx context.Context, cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if (opts.Restore || opts.SaveOnExit) && cfg.Snapshot.Backend == config.BackendNone {
		return fmt.Errorf("--restore and --save-on-exit need a snapshot backend (SQLWORKER_SNAPSHOT_BACKEND)")
	}

	// Stdout carries responses when stdio is enabled.
	logOut := cmd.OutOrStdout()
	if cfg.Transport.Stdio.Enabled {
		logOut = cmd.ErrOrStderr()
	}
	logger := setupLogger(cfg.Log, logOut)
	slog.SetDefault(logger)

	logger.Info("Starting sqlworker",
		"log_level", cfg.Log.Level,
		"stdio", cfg.Transport.Stdio.Enabled,
		"http", cfg.Transport.HTTP.Enabled,
		"nats", cfg.Transport.NATS.Enabled,
		"snapshot_backend", cfg.Snapshot.Backend,
	)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Metrics
	var (
		obs     *observability.Module
		metrics *observability.Metrics
	)
	if cfg.Metrics.Enabled {
		obs, err = observability.New(cfg.Metrics.ServiceName)
		if err != nil {
			return fmt.Errorf("failed to set up metrics: %w", err)
		}
		defer obs.Shutdown(context.Background())
		metrics, err = observability.NewMetrics(obs.Meter())
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	// 2. Loader and worker
	loader := engine.NewLoader(engine.LoaderOptions{
		Logger:         logger,
		RetryOnFailure: cfg.Engine.RetryOnFailure,
		OnLoaded:       metrics.RecordLoad,
	})
	w, err := worker.New(worker.Config{
		Loader:     loader,
		LoadConfig: cfg.Engine.LoadConfig(),
		Logger:     logger,
		QueueSize:  cfg.Worker.QueueSize,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go func() {
		if err := w.Run(workerCtx); err != nil {
			logger.Error("Worker stopped", "error", err)
		}
	}()
	local := client.New(client.Local{Worker: w})

	// 3. Snapshots
	store, err := openStore(ctx, cfg.Snapshot, logger)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	if store != nil {
		defer store.Close()
	}
	if opts.Restore {
		if err := restore(ctx, store, local, cfg.Snapshot.Name, logger); err != nil {
			return err
		}
	}

	// 4. Transports
	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	start := func(name string, serve func(context.Context) error, wait bool) {
		if wait {
			wg.Add(1)
		}
		go func() {
			if wait {
				defer wg.Done()
			}
			err := serve(ctx)
			if err != nil {
				err = fmt.Errorf("%s transport: %w", name, err)
			}
			errCh <- err
		}()
	}

	if cfg.Transport.HTTP.Enabled {
		httpCfg := cfg.Transport.HTTP.TransportConfig()
		httpCfg.Logger = logger
		httpCfg.Metrics = metrics
		if obs != nil {
			httpCfg.MetricsHandler = obs.MetricsHandler()
		}
		start("http", transport.NewHTTPServer(w, httpCfg).ListenAndServe, true)
	}
	if cfg.Transport.NATS.Enabled {
		natsCfg := cfg.Transport.NATS.TransportConfig()
		conn, err := transport.ConnectNATS(natsCfg, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		start("nats", transport.NewNATSServer(conn, w, natsCfg, logger, metrics).Serve, true)
	}
	if cfg.Transport.Stdio.Enabled {
		stdio := transport.NewStdio(w, transport.StdioConfig{
			In:           cmd.InOrStdin(),
			Out:          cmd.OutOrStdout(),
			Logger:       logger,
			MaxLineBytes: cfg.Transport.Stdio.MaxLineBytes,
		})
		// A blocked stdin read cannot be interrupted, so shutdown does not
		// wait for stdio.
		start("stdio", stdio.Serve, false)
	}

	// 5. Wait for a signal or for a transport to finish
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("Transport failed", "error", runErr)
		}
	}
	stop()
	wg.Wait()

	// 6. Save and stop
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if opts.SaveOnExit {
		if err := save(shutdownCtx, store, local, cfg.Snapshot, metrics, logger); err != nil {
			logger.Error("Failed to save snapshot", "error", err)
			runErr = errors.Join(runErr, err)
		}
	}

	stopWorker()
	<-w.Done()
	logger.Info("sqlworker stopped")
	return runErr
}

func restore(ctx context.Context, store snapshot.Store, c *client.Client, name string, logger *slog.Logger) error {
	snap, data, err := store.Latest(ctx, name)
	if errors.Is(err, snapshot.ErrNotFound) {
		logger.Info("No snapshot to restore, starting empty", "name", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := c.Open(ctx, data); err != nil {
		return fmt.Errorf("failed to open snapshot %s: %w", snap.ID, err)
	}
	logger.Info("Restored snapshot", "id", snap.ID, "name", name, "size_bytes", snap.Size)
	return nil
}

func save(ctx context.Context, store snapshot.Store, c *client.Client, cfg config.SnapshotConfig, metrics *observability.Metrics, logger *slog.Logger) error {
	data, err := c.Export(ctx)
	if errors.Is(err, engine.ErrState) {
		logger.Info("No database open, nothing to save")
		return nil
	}
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	snap, err := store.Save(ctx, cfg.Name, data)
	if err != nil {
		return err
	}
	metrics.RecordSnapshot(ctx, cfg.Backend, len(data))
	logger.Info("Saved snapshot on exit", "id", snap.ID, "name", snap.Name)
	return nil
}
