package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
	"github.com/getpup/pupstream/internal/sqlutil"
)

const eventColumns = `e.sequence, e.stream_index, e.event_id, e.event_type, e.created_at,
		e.data, e.trace_id, e.metadata, s.stream_id`

// Store is a PostgreSQL-backed event store implementation.
type Store struct {
	db     *sql.DB
	config StoreConfig
	t      tables
}

var _ store.EventStore = (*Store)(nil)

// NewStore creates a new PostgreSQL event store with the given configuration.
// The schema must exist; see the migrations package.
func NewStore(db *sql.DB, config StoreConfig) *Store {
	config = config.normalized()
	return &Store{
		db:     db,
		config: config,
		t:      config.tables(),
	}
}

func beginReadCommitted(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	return db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

// Write implements store.EventStore. It runs WriteInTx in its own transaction.
func (s *Store) Write(ctx context.Context, stream es.StreamID, events []es.Event, expected es.StreamState) (store.WriteResult, error) {
	if err := store.ValidateWrite(stream, events); err != nil {
		return store.WriteResult{}, err
	}

	tx, err := beginReadCommitted(ctx, s.db)
	if err != nil {
		return store.WriteResult{}, es.WrapStoreError(backendName, "write", fmt.Errorf("failed to begin transaction: %w", err))
	}
	//nolint:errcheck // Rollback after Commit is a no-op
	defer tx.Rollback()

	result, err := s.WriteInTx(ctx, tx, stream, events, expected)
	if err != nil {
		return store.WriteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.WriteResult{}, es.WrapStoreError(backendName, "write", fmt.Errorf("failed to commit: %w", err))
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "events written",
			"stream", stream.String(),
			"event_count", len(events),
			"last_index", result.LastIndex,
			"last_sequence", result.LastSequence)
	}
	return result, nil
}

// WriteInTx appends events within a caller-owned transaction.
// The caller controls commit and rollback; locks on the stream and heads rows are
// held until then, so keep the transaction short.
func (s *Store) WriteInTx(ctx context.Context, tx es.DBTX, stream es.StreamID, events []es.Event, expected es.StreamState) (store.WriteResult, error) {
	if err := store.ValidateWrite(stream, events); err != nil {
		return store.WriteResult{}, err
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "write starting",
			"stream", stream.String(),
			"event_count", len(events),
			"expected_state", expected.String())
	}

	result, err := s.write(ctx, tx, stream, events, expected)
	return result, es.WrapStoreError(backendName, "write", err)
}

//nolint:gocyclo // the state check and its logging dominate
func (s *Store) write(ctx context.Context, tx es.DBTX, stream es.StreamID, events []es.Event, expected es.StreamState) (store.WriteResult, error) {
	now := s.config.Clock.Now()

	// Make sure the stream row exists so there is something to lock.
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (stream_id, created_at) VALUES ($1, $2)
		ON CONFLICT (stream_id) DO NOTHING
	`, s.t.streams), stream.String(), now)
	if err != nil {
		return store.WriteResult{}, fmt.Errorf("failed to create stream: %w", err)
	}

	var (
		ref       int64
		lastIndex int64
		deleted   bool
	)
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, last_index, deleted FROM %s WHERE stream_id = $1 FOR UPDATE
	`, s.t.streams), stream.String()).Scan(&ref, &lastIndex, &deleted)
	if err != nil {
		return store.WriteResult{}, fmt.Errorf("failed to lock stream: %w", err)
	}
	if deleted {
		return store.WriteResult{}, &es.StreamDeletedError{Stream: stream}
	}

	if !expected.Check(lastIndex, lastIndex >= 0) {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "stream state check failed",
				"stream", stream.String(),
				"expected_state", expected.String(),
				"last_index", lastIndex)
		}
		return store.WriteResult{}, &es.StreamStateError{Stream: stream, Expected: expected, Actual: lastIndex}
	}

	n := int64(len(events))
	var lastSequence int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE %s SET last_sequence = last_sequence + $1 WHERE id = 1 RETURNING last_sequence
	`, s.t.heads), n).Scan(&lastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return store.WriteResult{}, fmt.Errorf("heads row missing from %s, apply migrations first", s.t.heads)
	}
	if err != nil {
		return store.WriteResult{}, fmt.Errorf("failed to allocate sequences: %w", err)
	}

	result := store.WriteResult{
		FirstIndex:    lastIndex + 1,
		LastIndex:     lastIndex + n,
		FirstSequence: lastSequence - n + 1,
		LastSequence:  lastSequence,
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			sequence, stream_ref, stream_index, event_id, event_type,
			created_at, data, trace_id, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.t.events)

	for i := range events {
		event := &events[i]
		eventID := event.Metadata.EventID
		if eventID == uuid.Nil {
			eventID = uuid.New()
		}
		metadata, err := sqlutil.EncodeExtensions(event.Metadata.Extensions)
		if err != nil {
			return store.WriteResult{}, err
		}

		_, err = tx.ExecContext(ctx, insertQuery,
			result.FirstSequence+int64(i),
			ref,
			result.FirstIndex+int64(i),
			eventID,
			event.EventType,
			now,
			event.Data,
			event.Metadata.TraceID,
			metadata,
		)
		if err != nil {
			if IsUniqueViolation(err) {
				return store.WriteResult{}, fmt.Errorf("event %d: duplicate event id %s: %w", i, eventID, err)
			}
			return store.WriteResult{}, fmt.Errorf("failed to insert event %d: %w", i, err)
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET last_index = $2, last_sequence = $3 WHERE id = $1
	`, s.t.streams), ref, result.LastIndex, result.LastSequence)
	if err != nil {
		return store.WriteResult{}, fmt.Errorf("failed to update stream head: %w", err)
	}

	return result, nil
}

// Read implements store.EventStore.
func (s *Store) Read(ctx context.Context, stream es.StreamID, from es.StreamPosition, direction es.Direction, maxCount int) ([]es.RecordedEvent, error) {
	return s.ReadInTx(ctx, s.db, stream, from, direction, maxCount)
}

// ReadInTx reads events through tx, so a caller can read its own uncommitted writes.
func (s *Store) ReadInTx(ctx context.Context, tx es.DBTX, stream es.StreamID, from es.StreamPosition, direction es.Direction, maxCount int) ([]es.RecordedEvent, error) {
	r, err := store.NormalizeRead(stream, from, direction, maxCount)
	if err != nil {
		return nil, err
	}

	var out []es.RecordedEvent
	if stream.IsWildcard() {
		out, err = s.readWildcard(ctx, tx, stream, r)
	} else {
		out, err = s.readStream(ctx, tx, stream, r)
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

func (s *Store) readStream(ctx context.Context, tx es.DBTX, stream es.StreamID, r store.ReadRange) ([]es.RecordedEvent, error) {
	var (
		ref       int64
		lastIndex int64
		deleted   bool
	)
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, last_index, deleted FROM %s WHERE stream_id = $1
	`, s.t.streams), stream.String()).Scan(&ref, &lastIndex, &deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && lastIndex < 0) {
		return nil, &es.StreamNotFoundError{Stream: stream}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query stream: %w", err)
	}
	if deleted {
		return nil, &es.StreamDeletedError{Stream: stream}
	}

	var query string
	var args []any
	if r.Direction == es.Forward {
		query = fmt.Sprintf(`
			SELECT %s
			FROM %s e JOIN %s s ON s.id = e.stream_ref
			WHERE e.stream_ref = $1 AND e.stream_index >= $2
			ORDER BY e.stream_index ASC
			LIMIT $3
		`, eventColumns, s.t.events, s.t.streams)
		args = []any{ref, r.From, r.Limit}
	} else {
		bound := lastIndex
		if !r.FromEnd && r.From < bound {
			bound = r.From
		}
		query = fmt.Sprintf(`
			SELECT %s
			FROM %s e JOIN %s s ON s.id = e.stream_ref
			WHERE e.stream_ref = $1 AND e.stream_index <= $2
			ORDER BY e.stream_index DESC
			LIMIT $3
		`, eventColumns, s.t.events, s.t.streams)
		args = []any{ref, bound, r.Limit}
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) readWildcard(ctx context.Context, tx es.DBTX, stream es.StreamID, r store.ReadRange) ([]es.RecordedEvent, error) {
	args := sqlutil.Args{Numbered: true}
	match := matchClause("s.stream_id", stream.Kind(), stream.Body(), &args)

	var bound, order string
	if r.Direction == es.Forward {
		bound = "e.sequence >= " + args.Add(r.From)
		order = "ASC"
	} else {
		if !r.FromEnd {
			bound = "e.sequence <= " + args.Add(r.From)
		}
		order = "DESC"
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s e JOIN %s s ON s.id = e.stream_ref
		%s
		ORDER BY e.sequence %s
		LIMIT %s
	`, eventColumns, s.t.events, s.t.streams,
		sqlutil.Where("s.deleted = FALSE", match, bound),
		order, args.Add(r.Limit))

	rows, err := tx.QueryContext(ctx, query, args.Values()...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]es.RecordedEvent, error) {
	defer rows.Close()

	events := []es.RecordedEvent{}
	for rows.Next() {
		var (
			e        es.RecordedEvent
			streamID string
			metadata sql.NullString
		)
		err := rows.Scan(
			&e.Metadata.Sequence,
			&e.Metadata.Index,
			&e.Metadata.EventID,
			&e.EventType,
			&e.Metadata.CreatedAt,
			&e.Data,
			&e.Metadata.TraceID,
			&metadata,
			&streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.StreamID = es.NewStreamID(streamID)
		if e.Metadata.Extensions, err = sqlutil.DecodeExtensions(metadata); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

// Watch implements store.EventStore by polling the stream heads.
func (s *Store) Watch(ctx context.Context, stream es.StreamID, from es.StreamPosition, timeout time.Duration) (*store.WatchEventResult, error) {
	if stream.IsZero() {
		return nil, es.ErrEmptyID
	}

	if from.IsEnd() {
		tail, err := s.tail(ctx, stream)
		if err != nil {
			return nil, es.WrapStoreError(backendName, "watch", err)
		}
		from = es.StreamPosition(tail)
	}

	var result *store.WatchEventResult
	_, err := store.Poll(ctx, s.config.PollInterval, timeout, func(ctx context.Context) (bool, error) {
		tail, err := s.tail(ctx, stream)
		if err != nil {
			return false, err
		}
		if tail >= 0 && es.StreamPosition(tail) > from {
			result = &store.WatchEventResult{Position: es.StreamPosition(tail)}
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, es.WrapStoreError(backendName, "watch", err)
	}
	return result, nil
}

// tail returns the last index of an exact stream or the highest sequence among the
// streams a wildcard matches; -1 when there is nothing.
func (s *Store) tail(ctx context.Context, stream es.StreamID) (int64, error) {
	if !stream.IsWildcard() {
		var (
			lastIndex int64
			deleted   bool
		)
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT last_index, deleted FROM %s WHERE stream_id = $1
		`, s.t.streams), stream.String()).Scan(&lastIndex, &deleted)
		if errors.Is(err, sql.ErrNoRows) {
			return -1, nil
		}
		if err != nil {
			return -1, fmt.Errorf("failed to query stream: %w", err)
		}
		if deleted {
			return -1, &es.StreamDeletedError{Stream: stream}
		}
		return lastIndex, nil
	}

	args := sqlutil.Args{Numbered: true}
	match := matchClause("stream_id", stream.Kind(), stream.Body(), &args)
	var tail int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(MAX(last_sequence), -1) FROM %s %s
	`, s.t.streams, sqlutil.Where("deleted = FALSE", "last_index >= 0", match)), args.Values()...).Scan(&tail)
	if err != nil {
		return -1, fmt.Errorf("failed to query tail: %w", err)
	}
	return tail, nil
}

// Delete implements store.EventStore. The stream is tombstoned; its events stay in place.
func (s *Store) Delete(ctx context.Context, stream es.StreamID) error {
	if err := store.ValidateStream(stream); err != nil {
		return err
	}

	tx, err := beginReadCommitted(ctx, s.db)
	if err != nil {
		return es.WrapStoreError(backendName, "delete", fmt.Errorf("failed to begin transaction: %w", err))
	}
	//nolint:errcheck // Rollback after Commit is a no-op
	defer tx.Rollback()

	var (
		ref       int64
		lastIndex int64
		deleted   bool
	)
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, last_index, deleted FROM %s WHERE stream_id = $1 FOR UPDATE
	`, s.t.streams), stream.String()).Scan(&ref, &lastIndex, &deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && lastIndex < 0) {
		return &es.StreamNotFoundError{Stream: stream}
	}
	if err != nil {
		return es.WrapStoreError(backendName, "delete", fmt.Errorf("failed to lock stream: %w", err))
	}
	if deleted {
		return &es.StreamDeletedError{Stream: stream}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET deleted = TRUE, deleted_at = $2 WHERE id = $1
	`, s.t.streams), ref, s.config.Clock.Now())
	if err != nil {
		return es.WrapStoreError(backendName, "delete", fmt.Errorf("failed to tombstone stream: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return es.WrapStoreError(backendName, "delete", fmt.Errorf("failed to commit: %w", err))
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "stream deleted", "stream", stream.String())
	}
	return nil
}
