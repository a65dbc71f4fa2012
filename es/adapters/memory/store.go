package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
	"github.com/getpup/pupstream/internal/notify"
)

type streamState struct {
	id           es.StreamID
	events       []es.RecordedEvent
	lastSequence int64
	deleted      bool
}

func (st *streamState) lastIndex() int64 {
	return int64(len(st.events)) - 1
}

// logEntry points from a global sequence back to the event in its stream.
type logEntry struct {
	stream *streamState
	index  int64
}

// Store is an in-memory event store. Writes are serialized by a single mutex.
type Store struct {
	config  StoreConfig
	mu      sync.RWMutex
	streams map[string]*streamState
	// log[i] holds the event with sequence i+1
	log    []logEntry
	notify notify.Broadcaster
}

var _ store.EventStore = (*Store)(nil)

// NewStore creates a new in-memory event store.
func NewStore(config StoreConfig) *Store {
	return &Store{
		config:  config.normalized(),
		streams: make(map[string]*streamState),
	}
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
	st := s.streams[stream.String()]
	exists := st != nil
	lastIndex := int64(-1)
	if exists {
		if st.deleted {
			s.mu.Unlock()
			return store.WriteResult{}, &es.StreamDeletedError{Stream: stream}
		}
		lastIndex = st.lastIndex()
	}

	if !expected.Check(lastIndex, exists) {
		s.mu.Unlock()
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "stream state check failed",
				"stream", stream.String(),
				"expected_state", expected.String(),
				"last_index", lastIndex)
		}
		return store.WriteResult{}, &es.StreamStateError{Stream: stream, Expected: expected, Actual: lastIndex}
	}

	if !exists {
		st = &streamState{id: stream}
		s.streams[stream.String()] = st
	}

	now := s.config.Clock.Now()
	result := store.WriteResult{
		FirstIndex:    lastIndex + 1,
		FirstSequence: int64(len(s.log)) + 1,
	}
	for i := range events {
		rec := es.RecordedEvent{StreamID: stream, Event: events[i].Clone()}
		rec.Metadata.Index = lastIndex + 1 + int64(i)
		rec.Metadata.Sequence = int64(len(s.log)) + 1
		rec.Metadata.CreatedAt = now
		if rec.Metadata.EventID == uuid.Nil {
			rec.Metadata.EventID = uuid.New()
		}
		st.events = append(st.events, rec)
		st.lastSequence = rec.Metadata.Sequence
		s.log = append(s.log, logEntry{stream: st, index: rec.Metadata.Index})
	}
	result.LastIndex = st.lastIndex()
	result.LastSequence = st.lastSequence
	s.mu.Unlock()

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

// Read implements store.EventStore.
func (s *Store) Read(ctx context.Context, stream es.StreamID, from es.StreamPosition, direction es.Direction, maxCount int) ([]es.RecordedEvent, error) {
	r, err := store.NormalizeRead(stream, from, direction, maxCount)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []es.RecordedEvent
	if stream.IsWildcard() {
		out = s.readWildcard(stream, r)
	} else {
		st := s.streams[stream.String()]
		if st == nil {
			return nil, &es.StreamNotFoundError{Stream: stream}
		}
		if st.deleted {
			return nil, &es.StreamDeletedError{Stream: stream}
		}
		out = readStream(st, r)
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

func readStream(st *streamState, r store.ReadRange) []es.RecordedEvent {
	out := make([]es.RecordedEvent, 0, min(r.Limit, len(st.events)))
	if r.Direction == es.Forward {
		for i := r.From; i < int64(len(st.events)) && len(out) < r.Limit; i++ {
			out = append(out, cloneRecorded(st.events[i]))
		}
		return out
	}

	start := st.lastIndex()
	if !r.FromEnd && r.From < start {
		start = r.From
	}
	for i := start; i >= 0 && len(out) < r.Limit; i-- {
		out = append(out, cloneRecorded(st.events[i]))
	}
	return out
}

func (s *Store) readWildcard(stream es.StreamID, r store.ReadRange) []es.RecordedEvent {
	out := []es.RecordedEvent{}
	visit := func(seq int64) {
		entry := s.log[seq-1]
		if entry.stream.deleted || !stream.Matches(entry.stream.id.String()) {
			return
		}
		out = append(out, cloneRecorded(entry.stream.events[entry.index]))
	}

	if r.Direction == es.Forward {
		for seq := max(r.From, 1); seq <= int64(len(s.log)) && len(out) < r.Limit; seq++ {
			visit(seq)
		}
		return out
	}

	start := int64(len(s.log))
	if !r.FromEnd && r.From < start {
		start = r.From
	}
	for seq := start; seq >= 1 && len(out) < r.Limit; seq-- {
		visit(seq)
	}
	return out
}

func cloneRecorded(e es.RecordedEvent) es.RecordedEvent {
	return es.RecordedEvent{StreamID: e.StreamID, Event: e.Event.Clone()}
}

// Watch implements store.EventStore. It blocks on an append notification rather than polling.
func (s *Store) Watch(ctx context.Context, stream es.StreamID, from es.StreamPosition, timeout time.Duration) (*store.WatchEventResult, error) {
	if stream.IsZero() {
		return nil, es.ErrEmptyID
	}

	if from.IsEnd() {
		s.mu.RLock()
		tail, err := s.tail(stream)
		s.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		from = es.StreamPosition(tail)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		wait := s.notify.Wait()

		s.mu.RLock()
		tail, err := s.tail(stream)
		s.mu.RUnlock()
		if err != nil {
			return nil, err
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
// streams a wildcard matches; -1 when there is nothing. Callers hold s.mu.
func (s *Store) tail(stream es.StreamID) (int64, error) {
	if !stream.IsWildcard() {
		st := s.streams[stream.String()]
		if st == nil {
			return -1, nil
		}
		if st.deleted {
			return -1, &es.StreamDeletedError{Stream: stream}
		}
		return st.lastIndex(), nil
	}

	tail := int64(-1)
	for _, st := range s.streams {
		if st.deleted || !stream.Matches(st.id.String()) {
			continue
		}
		if st.lastSequence > tail {
			tail = st.lastSequence
		}
	}
	return tail, nil
}

// Delete implements store.EventStore.
func (s *Store) Delete(ctx context.Context, stream es.StreamID) error {
	if err := store.ValidateStream(stream); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streams[stream.String()]
	if st == nil {
		return &es.StreamNotFoundError{Stream: stream}
	}
	if st.deleted {
		return &es.StreamDeletedError{Stream: stream}
	}
	st.deleted = true

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "stream deleted", "stream", stream.String())
	}
	return nil
}
