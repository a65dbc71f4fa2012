package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
	"github.com/getpup/pupstream/internal/sqlutil"
)

// SubscriptionStore is a PostgreSQL-backed subscription store.
type SubscriptionStore struct {
	db     *sql.DB
	config StoreConfig
	t      tables
}

var _ store.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore creates a subscription store over the tables described by config.
func NewSubscriptionStore(db *sql.DB, config StoreConfig) *SubscriptionStore {
	config = config.normalized()
	return &SubscriptionStore{
		db:     db,
		config: config,
		t:      config.tables(),
	}
}

// Create implements store.SubscriptionStore.
func (s *SubscriptionStore) Create(ctx context.Context, id es.SubscriptionID, stream es.StreamID, failIfExists bool) error {
	if err := store.ValidateSubscription(id); err != nil {
		return err
	}
	if stream.IsZero() {
		return es.ErrEmptyID
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (subscription_id, stream_id, stream_kind, stream_body, position, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subscription_id) DO NOTHING
	`, s.t.subscriptions),
		id.String(), stream.String(), int16(stream.Kind()), stream.Body(), int64(es.Start), s.config.Clock.Now())
	if err != nil {
		return es.WrapStoreError(backendName, "create subscription", fmt.Errorf("failed to insert subscription: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return es.WrapStoreError(backendName, "create subscription", err)
	}
	if n == 0 {
		if failIfExists {
			return es.WrapStoreError(backendName, "create subscription", store.ErrSubscriptionExists)
		}
		return nil
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "subscription created",
			"subscription", id.String(),
			"stream", stream.String())
	}
	return nil
}

// Delete implements store.SubscriptionStore.
func (s *SubscriptionStore) Delete(ctx context.Context, id es.SubscriptionID) error {
	if id.IsZero() {
		return es.ErrEmptyID
	}

	args := sqlutil.Args{Numbered: true}
	match := matchClause("subscription_id", id.Kind(), id.Body(), &args)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s %s`, s.t.subscriptions, sqlutil.Where(match)), args.Values()...)
	if err != nil {
		return es.WrapStoreError(backendName, "delete subscription", fmt.Errorf("failed to delete subscription: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return es.WrapStoreError(backendName, "delete subscription", err)
	}
	if n == 0 && !id.IsWildcard() {
		return &es.SubscriptionNotFoundError{Subscription: id}
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "subscriptions deleted", "filter", id.String(), "count", n)
	}
	return nil
}

// Update implements store.SubscriptionStore.
func (s *SubscriptionStore) Update(ctx context.Context, id es.SubscriptionID, position es.StreamPosition) error {
	if err := store.ValidateSubscription(id); err != nil {
		return err
	}
	return s.checkpoint(ctx, s.db, id, position)
}

func (s *SubscriptionStore) checkpoint(ctx context.Context, tx es.DBTX, id es.SubscriptionID, position es.StreamPosition) error {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET position = $2, processed_at = $3 WHERE subscription_id = $1
	`, s.t.subscriptions), id.String(), int64(position), s.config.Clock.Now())
	if err != nil {
		return es.WrapStoreError(backendName, "update subscription", fmt.Errorf("failed to update subscription: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return es.WrapStoreError(backendName, "update subscription", err)
	}
	if n == 0 {
		return &es.SubscriptionNotFoundError{Subscription: id}
	}
	return nil
}

const subscriptionColumns = `subscription_id, stream_id, position, created_at, processed_at`

func scanSubscription(row interface{ Scan(...any) error }) (store.Subscription, error) {
	var (
		sub         store.Subscription
		id, stream  string
		position    int64
		processedAt sql.NullTime
	)
	if err := row.Scan(&id, &stream, &position, &sub.CreatedAt, &processedAt); err != nil {
		return store.Subscription{}, err
	}
	sub.ID = es.NewSubscriptionID(id)
	sub.StreamID = es.NewStreamID(stream)
	sub.Position = es.StreamPosition(position)
	if processedAt.Valid {
		t := processedAt.Time
		sub.ProcessedAt = &t
	}
	return sub, nil
}

// Get implements store.SubscriptionStore.
func (s *SubscriptionStore) Get(ctx context.Context, id es.SubscriptionID) (store.Subscription, error) {
	if err := store.ValidateSubscription(id); err != nil {
		return store.Subscription{}, err
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE subscription_id = $1
	`, subscriptionColumns, s.t.subscriptions), id.String())
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Subscription{}, &es.SubscriptionNotFoundError{Subscription: id}
	}
	if err != nil {
		return store.Subscription{}, es.WrapStoreError(backendName, "get subscription", fmt.Errorf("failed to query subscription: %w", err))
	}
	return sub, nil
}

// List implements store.SubscriptionStore.
func (s *SubscriptionStore) List(ctx context.Context, filter es.SubscriptionID) ([]store.Subscription, error) {
	if filter.IsZero() {
		return nil, es.ErrEmptyID
	}

	args := sqlutil.Args{Numbered: true}
	match := matchClause("subscription_id", filter.Kind(), filter.Body(), &args)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s %s ORDER BY subscription_id COLLATE "C"
	`, subscriptionColumns, s.t.subscriptions, sqlutil.Where(match)), args.Values()...)
	if err != nil {
		return nil, es.WrapStoreError(backendName, "list subscriptions", fmt.Errorf("failed to query subscriptions: %w", err))
	}
	defer rows.Close()

	subs := []store.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, es.WrapStoreError(backendName, "list subscriptions", fmt.Errorf("failed to scan subscription: %w", err))
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, es.WrapStoreError(backendName, "list subscriptions", fmt.Errorf("rows error: %w", err))
	}
	return subs, nil
}

// Reset implements store.SubscriptionStore.
func (s *SubscriptionStore) Reset(ctx context.Context, id es.SubscriptionID) error {
	if err := store.ValidateSubscription(id); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET position = $2, processed_at = NULL WHERE subscription_id = $1
	`, s.t.subscriptions), id.String(), int64(es.Start))
	if err != nil {
		return es.WrapStoreError(backendName, "reset subscription", fmt.Errorf("failed to reset subscription: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return es.WrapStoreError(backendName, "reset subscription", err)
	}
	if n == 0 {
		return &es.SubscriptionNotFoundError{Subscription: id}
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "subscription reset", "subscription", id.String())
	}
	return nil
}

// Begin implements store.SubscriptionStore. The transaction outlives cancellation of
// ctx so a checkpoint can still be committed during shutdown; callers must always
// Commit or Rollback.
func (s *SubscriptionStore) Begin(ctx context.Context) (store.SubscriptionTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := beginReadCommitted(context.WithoutCancel(ctx), s.db)
	if err != nil {
		return nil, es.WrapStoreError(backendName, "begin", fmt.Errorf("failed to begin transaction: %w", err))
	}
	return &subscriptionTx{s: s, tx: tx}, nil
}

// claimQuery selects the next subscription behind its target and locks it.
// Rows locked by other transactions are skipped, so concurrent watchers never
// claim the same subscription.
func (s *SubscriptionStore) claimQuery() string {
	return fmt.Sprintf(`
		SELECT sub.subscription_id, sub.stream_id, sub.position, t.tail
		FROM %[1]s sub
		CROSS JOIN LATERAL (
			SELECT CASE sub.stream_kind
				WHEN %[3]d THEN COALESCE((
					SELECT CASE WHEN st.deleted THEN -1 ELSE st.last_index END
					FROM %[2]s st WHERE st.stream_id = sub.stream_id
				), -1)
				ELSE COALESCE((
					SELECT MAX(st.last_sequence)
					FROM %[2]s st
					WHERE st.deleted = FALSE AND st.last_index >= 0 AND (
						sub.stream_kind = %[4]d
						OR (sub.stream_kind = %[5]d AND left(st.stream_id, length(sub.stream_body)) = sub.stream_body)
						OR (sub.stream_kind = %[6]d AND right(st.stream_id, length(sub.stream_body)) = sub.stream_body)
					)
				), -1)
			END AS tail
		) t
		WHERE t.tail > sub.position
		ORDER BY sub.processed_at ASC NULLS FIRST, t.tail DESC, sub.subscription_id COLLATE "C"
		LIMIT 1
		FOR UPDATE OF sub SKIP LOCKED
	`, s.t.subscriptions, s.t.streams,
		es.KindExact, es.KindAll, es.KindPrefix, es.KindSuffix)
}

type subscriptionTx struct {
	s  *SubscriptionStore
	tx *sql.Tx

	mu      sync.Mutex
	claimed bool
	done    bool
}

var _ store.TxHolder = (*subscriptionTx)(nil)

// DBTX implements store.TxHolder.
func (t *subscriptionTx) DBTX() es.DBTX {
	return t.tx
}

// Watch implements store.SubscriptionTx.
func (t *subscriptionTx) Watch(ctx context.Context, timeout time.Duration) (*store.WatchSubscriptionResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, store.ErrTxDone
	}
	if t.claimed {
		return nil, store.ErrAlreadyWatching
	}

	query := t.s.claimQuery()
	var result *store.WatchSubscriptionResult
	_, err := store.Poll(ctx, t.s.config.PollInterval, timeout, func(ctx context.Context) (bool, error) {
		var (
			id, stream     string
			position, tail int64
		)
		err := t.tx.QueryRowContext(ctx, query).Scan(&id, &stream, &position, &tail)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to claim subscription: %w", err)
		}
		result = &store.WatchSubscriptionResult{
			SubscriptionID: es.NewSubscriptionID(id),
			StreamID:       es.NewStreamID(stream),
			Position:       es.StreamPosition(position),
			Tail:           es.StreamPosition(tail),
		}
		return true, nil
	})
	if err != nil {
		return nil, es.WrapStoreError(backendName, "watch subscriptions", err)
	}
	if result != nil {
		t.claimed = true
		if t.s.config.Logger != nil {
			t.s.config.Logger.Debug(ctx, "subscription claimed",
				"subscription", result.SubscriptionID.String(),
				"position", result.Position.String(),
				"tail", result.Tail.String())
		}
	}
	return result, nil
}

// Update implements store.SubscriptionTx.
func (t *subscriptionTx) Update(ctx context.Context, id es.SubscriptionID, position es.StreamPosition) error {
	if err := store.ValidateSubscription(id); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	return t.s.checkpoint(ctx, t.tx, id, position)
}

// Commit implements store.SubscriptionTx.
func (t *subscriptionTx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return es.WrapStoreError(backendName, "commit subscription", fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// Rollback implements store.SubscriptionTx. It is a no-op after Commit.
func (t *subscriptionTx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return es.WrapStoreError(backendName, "rollback subscription", err)
	}
	return nil
}
