package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
)

// savepoint names the per-event savepoint taken inside database-backed claims.
const savepoint = "pupstream_event"

const (
	// DefaultBatchSize is the number of events read per dispatch cycle.
	DefaultBatchSize = 100

	// DefaultWatchTimeout bounds a single SubscriptionTx.Watch call.
	DefaultWatchTimeout = time.Minute

	// DefaultErrorBackoff is the pause after a failed cycle.
	DefaultErrorBackoff = time.Second
)

var errEmptyBatch = errors.New("claimed subscription has no readable events")

// ListenerError reports a listener that rejected an event before any progress was made.
type ListenerError struct {
	Err          error
	Subscription es.SubscriptionID
	Position     es.StreamPosition
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener for %q failed at position %s: %v", e.Subscription, e.Position, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// Config configures a Dispatcher.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// TracerProvider and MeterProvider default to the otel globals
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	// Name identifies the dispatcher in logs and runner errors
	Name string

	// BatchSize is the maximum number of events delivered per cycle
	BatchSize int

	// WatchTimeout bounds how long a cycle waits for a subscription to fall behind
	WatchTimeout time.Duration

	// ErrorBackoff is the pause after a cycle that failed without progress
	ErrorBackoff time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Name:         "dispatcher",
		BatchSize:    DefaultBatchSize,
		WatchTimeout: DefaultWatchTimeout,
		ErrorBackoff: DefaultErrorBackoff,
	}
}

func (c Config) normalized() Config {
	if c.Name == "" {
		c.Name = "dispatcher"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WatchTimeout <= 0 {
		c.WatchTimeout = DefaultWatchTimeout
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	return c
}

// Dispatcher claims subscriptions and feeds their new events to listeners.
// Any number of dispatchers may share a SubscriptionStore.
type Dispatcher struct {
	events    store.EventStore
	subs      store.SubscriptionStore
	registry  *Registry
	telemetry *telemetry
	config    Config
}

// NewDispatcher creates a dispatcher. A nil registry delivers every event to NoopListener.
func NewDispatcher(events store.EventStore, subs store.SubscriptionStore, registry *Registry, config Config) (*Dispatcher, error) {
	config = config.normalized()
	if registry == nil {
		registry = NewRegistry()
	}
	tel, err := newTelemetry(config.TracerProvider, config.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher telemetry: %w", err)
	}
	return &Dispatcher{
		events:    events,
		subs:      subs,
		registry:  registry,
		telemetry: tel,
		config:    config,
	}, nil
}

// Name returns the configured name.
func (d *Dispatcher) Name() string {
	return d.config.Name
}

// Run dispatches until ctx is cancelled, then returns ctx.Err().
// Store and listener failures are logged and followed by ErrorBackoff; they never end the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.config.Logger != nil {
		d.config.Logger.Info(ctx, "dispatcher started", "dispatcher", d.config.Name)
		defer d.config.Logger.Info(context.WithoutCancel(ctx), "dispatcher stopped", "dispatcher", d.config.Name)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := d.RunOnce(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var lerr *ListenerError
		if !errors.As(err, &lerr) && d.config.Logger != nil {
			d.config.Logger.Error(ctx, "dispatch cycle failed", "dispatcher", d.config.Name, "error", err)
		}
		if err := sleep(ctx, d.config.ErrorBackoff); err != nil {
			return err
		}
	}
}

// RunOnce runs a single cycle: claim, read, deliver, checkpoint.
// It reports whether a subscription was claimed. A watch timeout returns (false, nil).
// A listener failure commits the progress made before it. When the first event of the
// batch fails the position is rewritten unchanged, which stamps ProcessedAt and moves the
// subscription behind the others in claim order, and a *ListenerError is returned.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	tx, err := d.subs.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin subscription transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after Commit is a no-op

	claimed, err := tx.Watch(ctx, d.config.WatchTimeout)
	if err != nil {
		return false, fmt.Errorf("failed to watch subscriptions: %w", err)
	}
	if claimed == nil {
		return false, nil
	}

	attrs := []attribute.KeyValue{
		attribute.String("subscription.id", claimed.SubscriptionID.String()),
		attribute.String("stream.id", claimed.StreamID.String()),
	}
	ctx, span := d.telemetry.tracer.Start(ctx, "pupstream.dispatch",
		trace.WithAttributes(attrs...),
		trace.WithAttributes(
			attribute.Int64("subscription.position", claimed.Position.Int64()),
			attribute.Int64("stream.tail", claimed.Tail.Int64()),
		),
	)
	defer span.End()
	d.telemetry.cycles.Add(ctx, 1, metric.WithAttributes(attrs...))

	last, accepted, err := d.deliver(ctx, tx, claimed, attrs)
	var lerr *ListenerError
	failed := errors.As(err, &lerr)
	if !accepted && failed {
		last = claimed.Position
	}
	if accepted || failed {
		if uerr := tx.Update(context.WithoutCancel(ctx), claimed.SubscriptionID, last); uerr != nil {
			span.RecordError(uerr)
			span.SetStatus(codes.Error, uerr.Error())
			return true, fmt.Errorf("failed to checkpoint subscription: %w", uerr)
		}
		if cerr := tx.Commit(); cerr != nil {
			span.RecordError(cerr)
			span.SetStatus(codes.Error, cerr.Error())
			return true, fmt.Errorf("failed to commit subscription: %w", cerr)
		}
		span.SetAttributes(attribute.Int64("subscription.checkpoint", last.Int64()))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if es.IsCancellation(err) && ctx.Err() != nil {
			return true, ctx.Err()
		}
		if failed && accepted {
			return true, nil
		}
		return true, err
	}
	return true, nil
}

// deliver hands the batch after the claimed position to the listener. It returns the
// position of the last accepted event and whether any event was accepted.
//
// When tx wraps a database transaction each event runs under a savepoint, so writes
// from a failed Handle are undone and the rest commit with the checkpoint.
func (d *Dispatcher) deliver(ctx context.Context, tx store.SubscriptionTx, claimed *store.WatchSubscriptionResult, attrs []attribute.KeyValue) (es.StreamPosition, bool, error) {
	var db es.DBTX
	if holder, ok := tx.(store.TxHolder); ok {
		db = holder.DBTX()
		ctx = withTx(ctx, db)
	}

	listener, err := d.registry.Resolve(ctx, claimed.SubscriptionID)
	if err != nil {
		return 0, false, err
	}

	events, err := d.events.Read(ctx, claimed.StreamID, claimed.Position.Next(), es.Forward, d.config.BatchSize)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read %q: %w", claimed.StreamID, err)
	}
	if len(events) == 0 {
		return 0, false, errEmptyBatch
	}

	var last es.StreamPosition
	var accepted bool
	for i := range events {
		position := events[i].Position(claimed.StreamID)

		if db != nil {
			if _, err := db.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
				return 0, false, fmt.Errorf("failed to set savepoint: %w", err)
			}
		}

		start := time.Now()
		herr := listener.Handle(ctx, events[i])
		d.telemetry.handlerDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))

		if herr != nil {
			d.telemetry.failed.Add(ctx, 1, metric.WithAttributes(attrs...))
			if db != nil {
				if _, err := db.ExecContext(context.WithoutCancel(ctx), "ROLLBACK TO SAVEPOINT "+savepoint); err != nil {
					// nothing from this batch may commit
					return 0, false, fmt.Errorf("failed to roll back to savepoint: %w", err)
				}
			}
			if es.IsCancellation(herr) && ctx.Err() != nil {
				return last, accepted, ctx.Err()
			}
			if d.config.Logger != nil {
				d.config.Logger.Error(ctx, "listener failed",
					"dispatcher", d.config.Name,
					"subscription", claimed.SubscriptionID.String(),
					"position", position.Int64(),
					"error", herr)
			}
			return last, accepted, &ListenerError{
				Err:          herr,
				Subscription: claimed.SubscriptionID,
				Position:     position,
			}
		}

		d.telemetry.delivered.Add(ctx, 1, metric.WithAttributes(attrs...))
		last, accepted = position, true
	}

	if d.config.Logger != nil {
		d.config.Logger.Debug(ctx, "batch delivered",
			"dispatcher", d.config.Name,
			"subscription", claimed.SubscriptionID.String(),
			"count", len(events),
			"position", last.Int64())
	}
	return last, accepted, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
