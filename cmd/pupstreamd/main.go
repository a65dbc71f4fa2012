// Command pupstreamd hosts subscription dispatchers against a configured backend.
//
// Usage:
//
//	pupstreamd -config pupstream.yaml
//
// Settings come from the YAML file and PUPSTREAM_* environment variables, e.g.
//
//	PUPSTREAM_BACKEND=sqlite PUPSTREAM_PATH=events.db pupstreamd
//
// Every subscription declared in the configuration is created if missing and
// dispatched to a listener that logs each event. The process stops on SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/backend"
	"github.com/getpup/pupstream/es/config"
	"github.com/getpup/pupstream/es/subscription"
	pupstream "github.com/getpup/pupstream/pkg"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("pupstreamd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath  = fs.String("config", "", "Path to a YAML configuration file")
		showVersion = fs.Bool("version", false, "Print the version and exit")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintln(stdout, pupstream.Version())
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := config.FromEnv(&cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log, stderr)
	esLogger := es.NewSlogLogger(logger)

	tel, err := setupTelemetry(ctx, cfg.Telemetry, stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	b, err := backend.Open(ctx, cfg.Store, esLogger)
	if err != nil {
		return err
	}
	defer b.Close()

	logger.Info("backend opened", "backend", b.Name, "version", pupstream.Version())

	defs := make([]subscription.Definition, 0, len(cfg.Subscriptions))
	for _, s := range cfg.Subscriptions {
		defs = append(defs, subscription.Definition{
			ID:      es.NewSubscriptionID(s.ID),
			Stream:  es.NewStreamID(s.Stream),
			Factory: logListener(logger),
		})
	}

	mc := subscription.DefaultManagerConfig()
	mc.Workers = cfg.Dispatcher.Workers
	mc.Dispatcher.Logger = esLogger
	mc.Dispatcher.BatchSize = cfg.Dispatcher.BatchSize
	mc.Dispatcher.WatchTimeout = cfg.Dispatcher.WatchTimeout
	mc.Dispatcher.ErrorBackoff = cfg.Dispatcher.ErrorBackoff
	mc.Dispatcher.TracerProvider = tel.tracerProvider
	mc.Dispatcher.MeterProvider = tel.meterProvider

	manager := subscription.NewManager(b.Events, b.Subscriptions, defs, mc)
	err = manager.Run(ctx)
	if ctx.Err() != nil && es.IsCancellation(err) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// logListener builds listeners that record every delivered event.
func logListener(logger *slog.Logger) subscription.ListenerFactory {
	return func(_ context.Context, id es.SubscriptionID) (subscription.Listener, error) {
		l := logger.With("subscription", id.String())
		return subscription.ListenerFunc(func(ctx context.Context, event es.RecordedEvent) error {
			l.InfoContext(ctx, "event",
				"stream", event.StreamID.String(),
				"type", event.EventType,
				"index", event.Metadata.Index,
				"sequence", event.Metadata.Sequence,
				"event_id", event.Metadata.EventID.String())
			return nil
		}), nil
	}
}
