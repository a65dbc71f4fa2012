package mysql

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

// SubscriptionStore is a MySQL-backed subscription store.
type SubscriptionStore struct {
	db     *sql.DB
	config StoreConfig
}

var _ store.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore creates a subscription store over the tables described by config.
func NewSubscriptionStore(db *sql.DB, config StoreConfig) *SubscriptionStore {
	return &SubscriptionStore{
		db:     db,
		config: config.normalized(),
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

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (subscription_id, stream_id, stream_kind, stream_body, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.config.SubscriptionsTable),
		id.String(), stream.String(), int16(stream.Kind()), stream.Body(), int64(es.Start), s.config.Clock.Now())
	if IsUniqueViolation(err) {
		if failIfExists {
			return es.WrapStoreError(backendName, "create subscription", store.ErrSubscriptionExists)
		}
		return nil
	}
	if err != nil {
		return es.WrapStoreError(backendName, "create subscription", fmt.Errorf("failed to insert subscription: %w", err))
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

	var args sqlutil.Args
	match := matchClause("subscription_id", id.Kind(), id.Body(), &args)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s %s`, s.config.SubscriptionsTable, sqlutil.Where(match)), args.Values()...)
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

// checkpoint writes a new position. RowsAffected counts matched rows only when the
// values change, so existence is checked separately when nothing was updated.
func (s *SubscriptionStore) checkpoint(ctx context.Context, tx es.DBTX, id es.SubscriptionID, position es.StreamPosition) error {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET position = ?, processed_at = ? WHERE subscription_id = ?
	`, s.config.SubscriptionsTable), int64(position), s.config.Clock.Now(), id.String())
	if err != nil {
		return es.WrapStoreError(backendName, "update subscription", fmt.Errorf("failed to update subscription: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return es.WrapStoreError(backendName, "update subscription", err)
	}
	if n > 0 {
		return nil
	}
	return s.mustExist(ctx, tx, id, "update subscription")
}

func (s *SubscriptionStore) mustExist(ctx context.Context, tx es.DBTX, id es.SubscriptionID, op string) error {
	var one int
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT 1 FROM %s WHERE subscription_id = ?
	`, s.config.SubscriptionsTable), id.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return &es.SubscriptionNotFoundError{Subscription: id}
	}
	return es.WrapStoreError(backendName, op, err)
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
		SELECT %s FROM %s WHERE subscription_id = ?
	`, subscriptionColumns, s.config.SubscriptionsTable), id.String())
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

	var args sqlutil.Args
	match := matchClause("subscription_id", filter.Kind(), filter.Body(), &args)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s %s ORDER BY subscription_id
	`, subscriptionColumns, s.config.SubscriptionsTable, sqlutil.Where(match)), args.Values()...)
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
		UPDATE %s SET position = ?, processed_at = NULL WHERE subscription_id = ?
	`, s.config.SubscriptionsTable), int64(es.Start), id.String())
	if err != nil {
		return es.WrapStoreError(backendName, "reset subscription", fmt.Errorf("failed to reset subscription: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return es.WrapStoreError(backendName, "reset subscription", err)
	}
	if n == 0 {
		if err := s.mustExist(ctx, s.db, id, "reset subscription"); err != nil {
			return err
		}
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

// candidatesQuery lists subscriptions behind their target in watch order, without locking.
func (s *SubscriptionStore) candidatesQuery() string {
	return fmt.Sprintf(`
		SELECT c.subscription_id, c.stream_id, c.position, c.tail
		FROM (
			SELECT sub.subscription_id, sub.stream_id, sub.position, sub.processed_at,
				CASE sub.stream_kind
					WHEN %[3]d THEN COALESCE((
						SELECT IF(st.deleted, -1, st.last_index)
						FROM %[2]s st WHERE st.stream_id = sub.stream_id
					), -1)
					ELSE COALESCE((
						SELECT MAX(st.last_sequence)
						FROM %[2]s st
						WHERE st.deleted = FALSE AND st.last_index >= 0 AND (
							sub.stream_kind = %[4]d
							OR (sub.stream_kind = %[5]d AND LEFT(st.stream_id, CHAR_LENGTH(sub.stream_body)) = sub.stream_body)
							OR (sub.stream_kind = %[6]d AND RIGHT(st.stream_id, CHAR_LENGTH(sub.stream_body)) = sub.stream_body)
						)
					), -1)
				END AS tail
			FROM %[1]s sub
		) c
		WHERE c.tail > c.position
		ORDER BY c.processed_at IS NULL DESC, c.processed_at ASC, c.tail DESC, c.subscription_id
		LIMIT %[7]d
	`, s.config.SubscriptionsTable, s.config.StreamsTable,
		es.KindExact, es.KindAll, es.KindPrefix, es.KindSuffix, s.config.ClaimBatch)
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
//
// InnoDB locks every row a sorted locking read examines, so candidates are read
// without locks and then claimed one at a time. The position guard skips rows that
// were checkpointed since the candidate read.
func (t *subscriptionTx) Watch(ctx context.Context, timeout time.Duration) (*store.WatchSubscriptionResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, store.ErrTxDone
	}
	if t.claimed {
		return nil, store.ErrAlreadyWatching
	}

	candidates := t.s.candidatesQuery()
	lock := fmt.Sprintf(`
		SELECT 1 FROM %s WHERE subscription_id = ? AND position = ? FOR UPDATE SKIP LOCKED
	`, t.s.config.SubscriptionsTable)

	var result *store.WatchSubscriptionResult
	_, err := store.Poll(ctx, t.s.config.PollInterval, timeout, func(ctx context.Context) (bool, error) {
		cands, err := t.candidates(ctx, candidates)
		if err != nil {
			return false, err
		}
		for _, c := range cands {
			var one int
			err := t.tx.QueryRowContext(ctx, lock, c.SubscriptionID.String(), int64(c.Position)).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return false, fmt.Errorf("failed to claim subscription: %w", err)
			}
			result = &c
			return true, nil
		}
		return false, nil
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

func (t *subscriptionTx) candidates(ctx context.Context, query string) ([]store.WatchSubscriptionResult, error) {
	rows, err := t.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var out []store.WatchSubscriptionResult
	for rows.Next() {
		var (
			id, stream     string
			position, tail int64
		)
		if err := rows.Scan(&id, &stream, &position, &tail); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, store.WatchSubscriptionResult{
			SubscriptionID: es.NewSubscriptionID(id),
			StreamID:       es.NewStreamID(stream),
			Position:       es.StreamPosition(position),
			Tail:           es.StreamPosition(tail),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
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
