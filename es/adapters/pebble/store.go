// Package pebble provides a Pebble adapter for event streaming.
//
// Streams, events and subscriptions live in a single Pebble keyspace. Writes are
// serialized by an in-process mutex and committed as one synced batch, so a Store
// must be the only writer of its keyspace.
package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
	"github.com/getpup/pupstream/internal/notify"
)

const backendName = "pebble"

// StoreConfig contains configuration for the Pebble stores.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// Clock stamps CreatedAt and ProcessedAt. Defaults to es.SystemClock.
	Clock es.Clock

	// KeyPrefix namespaces every key, so several stores can share one database
	KeyPrefix string

	// PollInterval paces SubscriptionTx.Watch
	PollInterval time.Duration
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Clock:        es.SystemClock{},
		PollInterval: store.DefaultPollInterval,
	}
}

// StoreOption is a functional option for configuring a store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(clock es.Clock) StoreOption {
	return func(c *StoreConfig) {
		c.Clock = clock
	}
}

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) StoreOption {
	return func(c *StoreConfig) {
		c.KeyPrefix = prefix
	}
}

// WithPollInterval sets how often SubscriptionTx.Watch re-checks for work.
func WithPollInterval(d time.Duration) StoreOption {
	return func(c *StoreConfig) {
		c.PollInterval = d
	}
}

// NewStoreConfig starts from DefaultStoreConfig and applies opts.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

func (c StoreConfig) normalized() StoreConfig {
	if c.Clock == nil {
		c.Clock = es.SystemClock{}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = store.DefaultPollInterval
	}
	return c
}

type streamMeta struct {
	CreatedAt    time.Time  `json:"createdAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
	LastIndex    int64      `json:"lastIndex"`
	LastSequence int64      `json:"lastSequence"`
	Deleted      bool       `json:"deleted"`
}

type storedEvent struct {
	CreatedAt  time.Time         `json:"createdAt"`
	Extensions map[string]string `json:"ext,omitempty"`
	EventType  string            `json:"type"`
	Data       []byte            `json:"data,omitempty"`
	Sequence   int64             `json:"seq"`
	TraceID    uuid.NullUUID     `json:"traceId"`
	EventID    uuid.UUID         `json:"eventId"`
}

// We don't store the sequence in the pointer, it is already in the key.
type globalRef struct {
	Stream string `json:"stream"`
	Index  int64  `json:"index"`
}

// Store is a Pebble-backed event store.
type Store struct {
	db     *pebble.DB
	config StoreConfig
	keys   keys
	// mu makes the read-then-write in Write atomic
	mu     sync.Mutex
	notify notify.Broadcaster
}

var _ store.EventStore = (*Store)(nil)

// NewStore creates an event store on an open database. The caller owns db.
func NewStore(db *pebble.DB, config StoreConfig) *Store {
	config = config.normalized()
	return &Store{
		db:     db,
		config: config,
		keys:   newKeys(config.KeyPrefix),
	}
}

// Open opens (or creates) a Pebble database at dir.
func Open(dir string) (*pebble.DB, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, es.WrapStoreError(backendName, "open", err)
	}
	return db, nil
}

// Write implements store.EventStore.
func (s *Store) Write(ctx context.Context, stream es.StreamID, events []es.Event, expected es.StreamState) (store.WriteResult, error) {
	if err := store.ValidateWrite(stream, events); err != nil {
		return store.WriteResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.WriteResult{}, err
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "write starting",
			"stream", stream.String(),
			"event_count", len(events),
			"expected_state", expected.String())
	}

	s.mu.Lock()
	result, err := s.write(ctx, stream, events, expected)
	s.mu.Unlock()
	if err != nil {
		return store.WriteResult{}, es.WrapStoreError(backendName, "write", err)
	}

	s.notify.Broadcast()

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "events written",
			"stream", stream.String(),
			"event_count", len(events),
			"last_index", result.LastIndex,
			"last_sequence", result.LastSequence)
	}
	return result, nil
}

func (s *Store) write(ctx context.Context, stream es.StreamID, events []es.Event, expected es.StreamState) (store.WriteResult, error) {
	name := stream.String()
	meta, exists, err := s.getMeta(name)
	if err != nil {
		return store.WriteResult{}, err
	}
	lastIndex := int64(-1)
	if exists {
		if meta.Deleted {
			return store.WriteResult{}, &es.StreamDeletedError{Stream: stream}
		}
		lastIndex = meta.LastIndex
	}

	if !expected.Check(lastIndex, exists) {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "stream state check failed",
				"stream", name,
				"expected_state", expected.String(),
				"last_index", lastIndex)
		}
		return store.WriteResult{}, &es.StreamStateError{Stream: stream, Expected: expected, Actual: lastIndex}
	}

	head, err := s.getHead()
	if err != nil {
		return store.WriteResult{}, err
	}

	now := s.config.Clock.Now()
	if !exists {
		meta = streamMeta{CreatedAt: now}
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for i := range events {
		e := events[i].Clone()
		index := lastIndex + 1 + int64(i)
		sequence := head + 1 + int64(i)
		if e.Metadata.EventID == uuid.Nil {
			e.Metadata.EventID = uuid.New()
		}

		value, err := json.Marshal(storedEvent{
			CreatedAt:  now,
			Extensions: e.Metadata.Extensions,
			EventType:  e.EventType,
			Data:       e.Data,
			Sequence:   sequence,
			TraceID:    e.Metadata.TraceID,
			EventID:    e.Metadata.EventID,
		})
		if err != nil {
			return store.WriteResult{}, fmt.Errorf("marshal event %d: %w", i, err)
		}
		if err := batch.Set(s.keys.event(name, index), value, nil); err != nil {
			return store.WriteResult{}, fmt.Errorf("add event %d to batch: %w", i, err)
		}

		ref, err := json.Marshal(globalRef{Stream: name, Index: index})
		if err != nil {
			return store.WriteResult{}, fmt.Errorf("marshal global ref %d: %w", i, err)
		}
		if err := batch.Set(s.keys.global(sequence), ref, nil); err != nil {
			return store.WriteResult{}, fmt.Errorf("add global ref %d to batch: %w", i, err)
		}
	}

	n := int64(len(events))
	meta.LastIndex = lastIndex + n
	meta.LastSequence = head + n
	metaValue, err := json.Marshal(meta)
	if err != nil {
		return store.WriteResult{}, fmt.Errorf("marshal stream metadata: %w", err)
	}
	if err := batch.Set(s.keys.stream(name), metaValue, nil); err != nil {
		return store.WriteResult{}, fmt.Errorf("add stream metadata to batch: %w", err)
	}
	if err := batch.Set(s.keys.head(), encodeUint64(head+n), nil); err != nil {
		return store.WriteResult{}, fmt.Errorf("add head to batch: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return store.WriteResult{}, fmt.Errorf("commit batch: %w", err)
	}

	return store.WriteResult{
		FirstIndex:    lastIndex + 1,
		LastIndex:     meta.LastIndex,
		FirstSequence: head + 1,
		LastSequence:  meta.LastSequence,
	}, nil
}

func (s *Store) getHead() (int64, error) {
	value, closer, err := s.db.Get(s.keys.head())
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get head: %w", err)
	}
	defer closer.Close()
	return decodeUint64(value)
}

func (s *Store) getMeta(name string) (streamMeta, bool, error) {
	var meta streamMeta
	value, closer, err := s.db.Get(s.keys.stream(name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return meta, false, nil
		}
		return meta, false, fmt.Errorf("get stream %q: %w", name, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(value, &meta); err != nil {
		return meta, false, fmt.Errorf("unmarshal stream %q: %w", name, err)
	}
	return meta, true, nil
}

func (s *Store) getEvent(name string, index int64) (es.RecordedEvent, error) {
	value, closer, err := s.db.Get(s.keys.event(name, index))
	if err != nil {
		return es.RecordedEvent{}, fmt.Errorf("get event %s/%d: %w", name, index, err)
	}
	defer closer.Close()
	return decodeEvent(name, index, value)
}

func decodeEvent(name string, index int64, value []byte) (es.RecordedEvent, error) {
	var stored storedEvent
	if err := json.Unmarshal(value, &stored); err != nil {
		return es.RecordedEvent{}, fmt.Errorf("unmarshal event %s/%d: %w", name, index, err)
	}
	return es.RecordedEvent{
		StreamID: es.NewStreamID(name),
		Event: es.Event{
			EventType: stored.EventType,
			Data:      stored.Data,
			Metadata: es.Metadata{
				CreatedAt:  stored.CreatedAt,
				Extensions: stored.Extensions,
				Index:      index,
				Sequence:   stored.Sequence,
				TraceID:    stored.TraceID,
				EventID:    stored.EventID,
			},
		},
	}, nil
}

// Read implements store.EventStore.
func (s *Store) Read(ctx context.Context, stream es.StreamID, from es.StreamPosition, direction es.Direction, maxCount int) ([]es.RecordedEvent, error) {
	r, err := store.NormalizeRead(stream, from, direction, maxCount)
	if err != nil {
		return nil, err
	}

	var out []es.RecordedEvent
	if stream.IsWildcard() {
		out, err = s.readWildcard(ctx, stream, r)
	} else {
		out, err = s.readStream(ctx, stream, r)
	}
	if err != nil {
		return nil, es.WrapStoreError(backendName, "read", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "events read",
			"stream", stream.String(),
			"from", from.String(),
			"direction", direction.String(),
			"count", len(out))
	}
	return out, nil
}

func (s *Store) readStream(ctx context.Context, stream es.StreamID, r store.ReadRange) ([]es.RecordedEvent, error) {
	name := stream.String()
	meta, exists, err := s.getMeta(name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &es.StreamNotFoundError{Stream: stream}
	}
	if meta.Deleted {
		return nil, &es.StreamDeletedError{Stream: stream}
	}

	prefix := s.keys.eventPrefix(name)
	opts := &pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)}
	if r.Direction == es.Forward {
		opts.LowerBound = s.keys.event(name, r.From)
	} else if !r.FromEnd && r.From < meta.LastIndex {
		opts.UpperBound = s.keys.event(name, r.From+1)
	}

	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	out := []es.RecordedEvent{}
	valid := iter.First()
	step := iter.Next
	if r.Direction == es.Backward {
		valid = iter.Last()
		step = iter.Prev
	}
	for ; valid && len(out) < r.Limit; valid = step() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := iter.Key()
		index, err := decodeUint64(key[len(key)-uint64Size:])
		if err != nil {
			return nil, err
		}
		e, err := decodeEvent(name, index, iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return out, nil
}

func (s *Store) readWildcard(ctx context.Context, stream es.StreamID, r store.ReadRange) ([]es.RecordedEvent, error) {
	prefix := s.keys.globalPrefix()
	opts := &pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)}
	if r.Direction == es.Forward {
		opts.LowerBound = s.keys.global(max(r.From, 1))
	} else if !r.FromEnd {
		opts.UpperBound = s.keys.global(r.From + 1)
	}

	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	deleted := make(map[string]bool)
	out := []es.RecordedEvent{}
	valid := iter.First()
	step := iter.Next
	if r.Direction == es.Backward {
		valid = iter.Last()
		step = iter.Prev
	}
	for ; valid && len(out) < r.Limit; valid = step() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var ref globalRef
		if err := json.Unmarshal(iter.Value(), &ref); err != nil {
			return nil, fmt.Errorf("unmarshal global ref: %w", err)
		}
		if !stream.Matches(ref.Stream) {
			continue
		}
		gone, seen := deleted[ref.Stream]
		if !seen {
			meta, _, err := s.getMeta(ref.Stream)
			if err != nil {
				return nil, err
			}
			gone = meta.Deleted
			deleted[ref.Stream] = gone
		}
		if gone {
			continue
		}
		e, err := s.getEvent(ref.Stream, ref.Index)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return out, nil
}

// Watch implements store.EventStore. Appends from this process wake the waiter directly.
func (s *Store) Watch(ctx context.Context, stream es.StreamID, from es.StreamPosition, timeout time.Duration) (*store.WatchEventResult, error) {
	if stream.IsZero() {
		return nil, es.ErrEmptyID
	}

	if from.IsEnd() {
		tail, err := s.tail(stream)
		if err != nil {
			return nil, es.WrapStoreError(backendName, "watch", err)
		}
		from = es.StreamPosition(tail)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		wait := s.notify.Wait()

		tail, err := s.tail(stream)
		if err != nil {
			return nil, es.WrapStoreError(backendName, "watch", err)
		}
		if tail >= 0 && es.StreamPosition(tail) > from {
			return &store.WatchEventResult{Position: es.StreamPosition(tail)}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wait:
		}
	}
}

// tail returns the last index of an exact stream or the highest sequence among the
// streams a wildcard matches; -1 when there is nothing.
func (s *Store) tail(stream es.StreamID) (int64, error) {
	if !stream.IsWildcard() {
		meta, exists, err := s.getMeta(stream.String())
		if err != nil || !exists {
			return -1, err
		}
		if meta.Deleted {
			return -1, &es.StreamDeletedError{Stream: stream}
		}
		return meta.LastIndex, nil
	}

	lower := s.keys.streamPrefix()
	upper := prefixEnd(lower)
	if stream.Kind() == es.KindPrefix {
		lower = s.keys.stream(stream.Body())
		upper = prefixEnd(lower)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return -1, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	tail := int64(-1)
	for iter.First(); iter.Valid(); iter.Next() {
		if !stream.Matches(s.keys.streamName(iter.Key())) {
			continue
		}
		var meta streamMeta
		if err := json.Unmarshal(iter.Value(), &meta); err != nil {
			return -1, fmt.Errorf("unmarshal stream metadata: %w", err)
		}
		if !meta.Deleted && meta.LastSequence > tail {
			tail = meta.LastSequence
		}
	}
	if err := iter.Error(); err != nil {
		return -1, fmt.Errorf("iterator error: %w", err)
	}
	return tail, nil
}

// Delete implements store.EventStore. Events stay on disk; the stream is only tombstoned.
func (s *Store) Delete(ctx context.Context, stream es.StreamID) error {
	if err := store.ValidateStream(stream); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := stream.String()
	meta, exists, err := s.getMeta(name)
	if err != nil {
		return es.WrapStoreError(backendName, "delete", err)
	}
	if !exists {
		return &es.StreamNotFoundError{Stream: stream}
	}
	if meta.Deleted {
		return &es.StreamDeletedError{Stream: stream}
	}

	now := s.config.Clock.Now()
	meta.Deleted = true
	meta.DeletedAt = &now
	value, err := json.Marshal(meta)
	if err != nil {
		return es.WrapStoreError(backendName, "delete", err)
	}
	if err := s.db.Set(s.keys.stream(name), value, pebble.Sync); err != nil {
		return es.WrapStoreError(backendName, "delete", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "stream deleted", "stream", name)
	}
	return nil
}
