package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
	"github.com/getpup/pupstream/internal/claim"
	"github.com/getpup/pupstream/internal/sqlutil"
)

// SubscriptionStore is a SQLite-backed subscription store. Claims live in process
// memory; checkpoints are written on Commit.
type SubscriptionStore struct {
	db     *sql.DB
	config StoreConfig
	claims *claim.Set
}

var _ store.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore creates a subscription store over the tables described by config.
func NewSubscriptionStore(db *sql.DB, config StoreConfig) *SubscriptionStore {
	return &SubscriptionStore{
		db:     db,
		config: config.normalized(),
		claims: claim.NewSet(),
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
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id) DO NOTHING
	`, s.config.SubscriptionsTable),
		id.String(), stream.String(), int16(stream.Kind()), stream.Body(), int64(es.Start), formatTime(s.config.Clock.Now()))
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
	found, err := s.checkpoint(ctx, s.db, id, position)
	if err != nil {
		return es.WrapStoreError(backendName, "update subscription", err)
	}
	if !found {
		return &es.SubscriptionNotFoundError{Subscription: id}
	}
	return nil
}

func (s *SubscriptionStore) checkpoint(ctx context.Context, tx es.DBTX, id es.SubscriptionID, position es.StreamPosition) (bool, error) {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET position = ?, processed_at = ? WHERE subscription_id = ?
	`, s.config.SubscriptionsTable), int64(position), formatTime(s.config.Clock.Now()), id.String())
	if err != nil {
		return false, fmt.Errorf("failed to update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const subscriptionColumns = `subscription_id, stream_id, position, created_at, processed_at`

func scanSubscription(row interface{ Scan(...any) error }) (store.Subscription, error) {
	var (
		sub         store.Subscription
		id, stream  string
		position    int64
		createdAt   string
		processedAt sql.NullString
	)
	if err := row.Scan(&id, &stream, &position, &createdAt, &processedAt); err != nil {
		return store.Subscription{}, err
	}
	sub.ID = es.NewSubscriptionID(id)
	sub.StreamID = es.NewStreamID(stream)
	sub.Position = es.StreamPosition(position)

	var err error
	if sub.CreatedAt, err = parseTime(createdAt); err != nil {
		return store.Subscription{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if processedAt.Valid {
		t, err := parseTime(processedAt.String)
		if err != nil {
			return store.Subscription{}, fmt.Errorf("failed to parse processed_at: %w", err)
		}
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
		return &es.SubscriptionNotFoundError{Subscription: id}
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "subscription reset", "subscription", id.String())
	}
	return nil
}

// Begin implements store.SubscriptionStore.
func (s *SubscriptionStore) Begin(ctx context.Context) (store.SubscriptionTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return claim.NewTx(ctx, s.claims, txBackend{s}, s.config.PollInterval), nil
}

type txBackend struct {
	s *SubscriptionStore
}

func (b txBackend) candidatesQuery() string {
	return fmt.Sprintf(`
		SELECT sub.subscription_id, sub.stream_id, sub.position, sub.processed_at,
			CASE sub.stream_kind
				WHEN %[3]d THEN COALESCE((
					SELECT CASE WHEN st.deleted THEN -1 ELSE st.last_index END
					FROM %[2]s st WHERE st.stream_id = sub.stream_id
				), -1)
				ELSE COALESCE((
					SELECT MAX(st.last_sequence)
					FROM %[2]s st
					WHERE st.deleted = 0 AND st.last_index >= 0 AND (
						sub.stream_kind = %[4]d
						OR (sub.stream_kind = %[5]d AND substr(st.stream_id, 1, length(sub.stream_body)) = sub.stream_body)
						OR (sub.stream_kind = %[6]d AND substr(st.stream_id, -length(sub.stream_body)) = sub.stream_body)
					)
				), -1)
			END AS tail
		FROM %[1]s sub
	`, b.s.config.SubscriptionsTable, b.s.config.StreamsTable,
		es.KindExact, es.KindAll, es.KindPrefix, es.KindSuffix)
}

func (b txBackend) Candidates(ctx context.Context) ([]claim.Candidate, error) {
	rows, err := b.s.db.QueryContext(ctx, b.candidatesQuery())
	if err != nil {
		return nil, es.WrapStoreError(backendName, "watch subscriptions", fmt.Errorf("failed to query candidates: %w", err))
	}
	defer rows.Close()

	var cands []claim.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, es.WrapStoreError(backendName, "watch subscriptions", err)
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, es.WrapStoreError(backendName, "watch subscriptions", fmt.Errorf("rows error: %w", err))
	}
	return cands, nil
}

func (b txBackend) Current(ctx context.Context, id es.SubscriptionID) (claim.Candidate, bool, error) {
	row := b.s.db.QueryRowContext(ctx, b.candidatesQuery()+` WHERE sub.subscription_id = ?`, id.String())
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return claim.Candidate{}, false, nil
	}
	if err != nil {
		return claim.Candidate{}, false, es.WrapStoreError(backendName, "watch subscriptions", err)
	}
	return c, true, nil
}

func scanCandidate(row interface{ Scan(dest ...any) error }) (claim.Candidate, error) {
	var (
		id, stream     string
		position, tail int64
		processedAt    sql.NullString
	)
	if err := row.Scan(&id, &stream, &position, &processedAt, &tail); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return claim.Candidate{}, err
		}
		return claim.Candidate{}, fmt.Errorf("failed to scan candidate: %w", err)
	}
	c := claim.Candidate{
		ID:       es.NewSubscriptionID(id),
		Stream:   es.NewStreamID(stream),
		Position: es.StreamPosition(position),
		Tail:     es.StreamPosition(tail),
	}
	if processedAt.Valid {
		t, err := parseTime(processedAt.String)
		if err != nil {
			return claim.Candidate{}, fmt.Errorf("failed to parse processed_at: %w", err)
		}
		c.ProcessedAt = &t
	}
	return c, nil
}

func (b txBackend) Exists(ctx context.Context, id es.SubscriptionID) (bool, error) {
	var one int
	err := b.s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT 1 FROM %s WHERE subscription_id = ?
	`, b.s.config.SubscriptionsTable), id.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, es.WrapStoreError(backendName, "update subscription", err)
	}
	return true, nil
}

func (b txBackend) Apply(ctx context.Context, updates []claim.Update) error {
	tx, err := b.s.db.BeginTx(ctx, nil)
	if err != nil {
		return es.WrapStoreError(backendName, "commit subscription", fmt.Errorf("failed to begin transaction: %w", err))
	}
	//nolint:errcheck // Rollback after Commit is a no-op
	defer tx.Rollback()

	for _, u := range updates {
		if _, err := b.s.checkpoint(ctx, tx, u.ID, u.Position); err != nil {
			return es.WrapStoreError(backendName, "commit subscription", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return es.WrapStoreError(backendName, "commit subscription", fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}
