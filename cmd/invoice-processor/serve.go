package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/invoice-processor/pkg/broker"
	"github.com/zoff-tech/invoice-processor/pkg/config"
	"github.com/zoff-tech/invoice-processor/pkg/controlplane"
	"github.com/zoff-tech/invoice-processor/pkg/processor"
	"github.com/zoff-tech/invoice-processor/pkg/store"
	"github.com/zoff-tech/invoice-processor/pkg/telemetry"
	"github.com/zoff-tech/invoice-processor/pkg/watcher"
)

const shutdownTimeout = 10 * time.Second

// listen is replaced in tests to learn the bound address.
var listen = func(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, config watcher and control plane",
		Example: `  invoice-processor serve --config ./config.yaml
  INVOICE_MAX_RETRIES=3 invoice-processor serve -c /etc/invoice-processor/config.json -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	configs, err := config.NewStore(config.FileLoader(opts.configPath))
	if err != nil {
		return err
	}
	cfg := configs.Current()
	slog.Info("config loaded",
		"path", opts.configPath,
		"store_type", cfg.StoreType,
		"interval_seconds", cfg.IntervalSeconds,
		"max_retries", cfg.MaxRetries)

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Error("error shutting down telemetry", "error", err)
		}
	}()

	publisher, err := broker.NewPublisher(ctx, cfg.Broker)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Error("error closing broker", "error", err)
		}
	}()

	gateways := store.NewGatewayCache()
	defer func() {
		if err := gateways.Close(); err != nil {
			slog.Error("error closing invoice store", "error", err)
		}
	}()

	engine := processor.NewEngine(
		processor.RandomPolicy(cfg.SuccessRate),
		&processor.StatsStore{},
		processor.WithPublisher(publisher),
	)
	scheduler := processor.NewScheduler(engine, configs, gateways)
	// every replacement of the settings starts a cycle right away
	configs.Subscribe(func(config.Settings) { scheduler.Rearm() })

	w, err := watcher.New(opts.configPath, cfg.Watcher.SettleDelay, configs.Reload)
	if err != nil {
		return err
	}

	ln, err := listen(cfg.HTTP.Addr)
	if err != nil {
		w.Close()
		return fmt.Errorf("control plane: listen on %s: %w", cfg.HTTP.Addr, err)
	}
	server := &http.Server{
		Handler:           controlplane.NewServer(configs, engine),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("control plane listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control plane: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		// a running cycle finishes before the scheduler reports stopped
		scheduler.Stop()
		if err := w.Close(); err != nil {
			slog.Warn("error closing config watcher", "error", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("stopped", "last_stats", engine.Stats())
	return nil
}
