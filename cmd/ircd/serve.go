package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/go-ircd/internal/config"
	"github.com/joeycumines/go-ircd/internal/logging"
	"github.com/joeycumines/go-ircd/internal/server"
	enginemetrics "github.com/joeycumines/go-ircd/observability/prometheus"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	snapshotInterval       = 5 * time.Second
	metricsShutdownTimeout = 5 * time.Second
	engineName             = "main"
)

// ServeOptions are the flags of the serve command.
type ServeOptions struct {
	*RootOptions
	LogLevel string
}

// NewServeCommand runs the daemon until interrupted. SIGHUP reloads the
// configuration file.
func NewServeCommand(root *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if opts.LogLevel != "" {
				cfg.Log.Level = opts.LogLevel
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, opts.ConfigPath, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "override log.level from the configuration")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, configPath string, cmd *cobra.Command) error {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logLevel := logging.NewLevel(level)
	logger := logging.New(cmd.ErrOrStderr(), logLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := enginemetrics.NewMetricsExporter(cfg.Metrics.Namespace, reg, enginemetrics.ExporterOptions{Engine: engineName})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	srv, err := server.New(cfg, server.Options{
		Logger:     logger,
		LogLevel:   logLevel,
		Metrics:    exporter,
		ConfigPath: configPath,
	})
	if err != nil {
		return err
	}

	poller, err := enginemetrics.NewSnapshotPoller(cfg.Metrics.Namespace, reg, snapshotInterval)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	poller.AddEngine(engineName, srv.Engine())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// the other members follow the server
		defer cancel()
		return srv.Run(ctx)
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				logger.Info().Log("SIGHUP received, reloading configuration")
				srv.Reload()
			}
		}
	})

	if cfg.Metrics.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("metrics: %w", err)
		}
		g.Go(func() error {
			return serveMetrics(ctx, ln, reg, logger)
		})

		poller.Start(ctx)
		defer poller.Stop()
	}

	return g.Wait()
}

// serveMetrics serves /metrics on ln until ctx is done.
func serveMetrics(ctx context.Context, ln net.Listener, reg *prometheus.Registry, logger *logiface.Logger[logiface.Event]) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()

	logging.Component(logger, "metrics").Info().Stringer("addr", ln.Addr()).Log("metrics endpoint listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}
