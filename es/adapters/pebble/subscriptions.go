package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
	"github.com/getpup/pupstream/internal/claim"
)

type subscriptionRecord struct {
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	ID          string     `json:"id"`
	Stream      string     `json:"stream"`
	Position    int64      `json:"position"`
}

func (r subscriptionRecord) toSubscription() store.Subscription {
	return store.Subscription{
		CreatedAt:   r.CreatedAt,
		ProcessedAt: r.ProcessedAt,
		ID:          es.NewSubscriptionID(r.ID),
		StreamID:    es.NewStreamID(r.Stream),
		Position:    es.StreamPosition(r.Position),
	}
}

// SubscriptionStore keeps subscription records in the same keyspace as a Store.
type SubscriptionStore struct {
	events *Store
	config StoreConfig
	keys   keys
	claims *claim.Set
	// mu serializes read-modify-write cycles on subscription records
	mu sync.Mutex
}

var _ store.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore creates a subscription store sharing the database of events.
func NewSubscriptionStore(events *Store, config StoreConfig) *SubscriptionStore {
	config = config.normalized()
	return &SubscriptionStore{
		events: events,
		config: config,
		keys:   newKeys(config.KeyPrefix),
		claims: claim.NewSet(),
	}
}

func (s *SubscriptionStore) get(id string) (subscriptionRecord, bool, error) {
	var rec subscriptionRecord
	value, closer, err := s.events.db.Get(s.keys.subscription(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return rec, false, nil
		}
		return rec, false, fmt.Errorf("get subscription %q: %w", id, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(value, &rec); err != nil {
		return rec, false, fmt.Errorf("unmarshal subscription %q: %w", id, err)
	}
	return rec, true, nil
}

func (s *SubscriptionStore) put(w pebble.Writer, rec subscriptionRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal subscription %q: %w", rec.ID, err)
	}
	return w.Set(s.keys.subscription(rec.ID), value, pebble.Sync)
}

func (s *SubscriptionStore) scan(ctx context.Context, filter es.SubscriptionID) ([]subscriptionRecord, error) {
	lower := s.keys.subscriptionPrefix()
	if filter.Kind() == es.KindPrefix {
		lower = s.keys.subscription(filter.Body())
	}
	iter, err := s.events.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(lower)})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var out []subscriptionRecord
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec subscriptionRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal subscription: %w", err)
		}
		if filter.Matches(rec.ID) {
			out = append(out, rec)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return out, nil
}

// Create implements store.SubscriptionStore.
func (s *SubscriptionStore) Create(ctx context.Context, id es.SubscriptionID, stream es.StreamID, failIfExists bool) error {
	if err := store.ValidateSubscription(id); err != nil {
		return err
	}
	if stream.IsZero() {
		return es.ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists, err := s.get(id.String())
	if err != nil {
		return es.WrapStoreError(backendName, "create subscription", err)
	}
	if exists {
		if failIfExists {
			return es.WrapStoreError(backendName, "create subscription", store.ErrSubscriptionExists)
		}
		return nil
	}

	rec := subscriptionRecord{
		CreatedAt: s.config.Clock.Now(),
		ID:        id.String(),
		Stream:    stream.String(),
		Position:  int64(es.Start),
	}
	if err := s.put(s.events.db, rec); err != nil {
		return es.WrapStoreError(backendName, "create subscription", err)
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if !id.IsWildcard() {
		_, exists, err := s.get(id.String())
		if err != nil {
			return es.WrapStoreError(backendName, "delete subscription", err)
		}
		if !exists {
			return &es.SubscriptionNotFoundError{Subscription: id}
		}
		if err := s.events.db.Delete(s.keys.subscription(id.String()), pebble.Sync); err != nil {
			return es.WrapStoreError(backendName, "delete subscription", err)
		}
		return nil
	}

	recs, err := s.scan(ctx, id)
	if err != nil {
		return es.WrapStoreError(backendName, "delete subscription", err)
	}
	batch := s.events.db.NewBatch()
	defer batch.Close()
	for _, rec := range recs {
		if err := batch.Delete(s.keys.subscription(rec.ID), nil); err != nil {
			return es.WrapStoreError(backendName, "delete subscription", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return es.WrapStoreError(backendName, "delete subscription", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "subscriptions deleted", "filter", id.String(), "count", len(recs))
	}
	return nil
}

// Update implements store.SubscriptionStore.
func (s *SubscriptionStore) Update(_ context.Context, id es.SubscriptionID, position es.StreamPosition) error {
	if err := store.ValidateSubscription(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found, err := s.checkpoint(s.events.db, id.String(), position)
	if err != nil {
		return es.WrapStoreError(backendName, "update subscription", err)
	}
	if !found {
		return &es.SubscriptionNotFoundError{Subscription: id}
	}
	return nil
}

// checkpoint writes a new position through w. Callers hold s.mu.
func (s *SubscriptionStore) checkpoint(w pebble.Writer, id string, position es.StreamPosition) (bool, error) {
	rec, exists, err := s.get(id)
	if err != nil || !exists {
		return false, err
	}
	now := s.config.Clock.Now()
	rec.Position = int64(position)
	rec.ProcessedAt = &now
	return true, s.put(w, rec)
}

// Get implements store.SubscriptionStore.
func (s *SubscriptionStore) Get(_ context.Context, id es.SubscriptionID) (store.Subscription, error) {
	if err := store.ValidateSubscription(id); err != nil {
		return store.Subscription{}, err
	}
	rec, exists, err := s.get(id.String())
	if err != nil {
		return store.Subscription{}, es.WrapStoreError(backendName, "get subscription", err)
	}
	if !exists {
		return store.Subscription{}, &es.SubscriptionNotFoundError{Subscription: id}
	}
	return rec.toSubscription(), nil
}

// List implements store.SubscriptionStore. Keys sort by id, so no extra ordering is needed.
func (s *SubscriptionStore) List(ctx context.Context, filter es.SubscriptionID) ([]store.Subscription, error) {
	if filter.IsZero() {
		return nil, es.ErrEmptyID
	}
	recs, err := s.scan(ctx, filter)
	if err != nil {
		return nil, es.WrapStoreError(backendName, "list subscriptions", err)
	}
	out := make([]store.Subscription, len(recs))
	for i := range recs {
		out[i] = recs[i].toSubscription()
	}
	return out, nil
}

// Reset implements store.SubscriptionStore.
func (s *SubscriptionStore) Reset(ctx context.Context, id es.SubscriptionID) error {
	if err := store.ValidateSubscription(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists, err := s.get(id.String())
	if err != nil {
		return es.WrapStoreError(backendName, "reset subscription", err)
	}
	if !exists {
		return &es.SubscriptionNotFoundError{Subscription: id}
	}
	rec.Position = int64(es.Start)
	rec.ProcessedAt = nil
	if err := s.put(s.events.db, rec); err != nil {
		return es.WrapStoreError(backendName, "reset subscription", err)
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

func (b txBackend) Candidates(ctx context.Context) ([]claim.Candidate, error) {
	recs, err := b.s.scan(ctx, es.AllSubscriptions)
	if err != nil {
		return nil, es.WrapStoreError(backendName, "watch subscriptions", err)
	}

	tails := make(map[string]int64)
	cands := make([]claim.Candidate, 0, len(recs))
	for _, rec := range recs {
		tail, ok := tails[rec.Stream]
		if !ok {
			tail, err = b.s.events.tail(es.NewStreamID(rec.Stream))
			if errors.Is(err, es.ErrStreamDeleted) {
				tail, err = -1, nil
			}
			if err != nil {
				return nil, es.WrapStoreError(backendName, "watch subscriptions", err)
			}
			tails[rec.Stream] = tail
		}
		sub := rec.toSubscription()
		cands = append(cands, claim.Candidate{
			ProcessedAt: sub.ProcessedAt,
			ID:          sub.ID,
			Stream:      sub.StreamID,
			Position:    sub.Position,
			Tail:        es.StreamPosition(tail),
		})
	}
	return cands, nil
}

func (b txBackend) Current(_ context.Context, id es.SubscriptionID) (claim.Candidate, bool, error) {
	rec, exists, err := b.s.get(id.String())
	if err != nil {
		return claim.Candidate{}, false, es.WrapStoreError(backendName, "watch subscriptions", err)
	}
	if !exists {
		return claim.Candidate{}, false, nil
	}
	tail, err := b.s.events.tail(es.NewStreamID(rec.Stream))
	if errors.Is(err, es.ErrStreamDeleted) {
		tail, err = -1, nil
	}
	if err != nil {
		return claim.Candidate{}, false, es.WrapStoreError(backendName, "watch subscriptions", err)
	}
	sub := rec.toSubscription()
	return claim.Candidate{
		ProcessedAt: sub.ProcessedAt,
		ID:          sub.ID,
		Stream:      sub.StreamID,
		Position:    sub.Position,
		Tail:        es.StreamPosition(tail),
	}, true, nil
}

func (b txBackend) Exists(_ context.Context, id es.SubscriptionID) (bool, error) {
	_, exists, err := b.s.get(id.String())
	if err != nil {
		return false, es.WrapStoreError(backendName, "update subscription", err)
	}
	return exists, nil
}

func (b txBackend) Apply(_ context.Context, updates []claim.Update) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	batch := b.s.events.db.NewBatch()
	defer batch.Close()
	for _, u := range updates {
		if _, err := b.s.checkpoint(batch, u.ID.String(), u.Position); err != nil {
			return es.WrapStoreError(backendName, "commit subscription", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return es.WrapStoreError(backendName, "commit subscription", err)
	}
	return nil
}
