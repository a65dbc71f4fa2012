package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
	"github.com/getpup/pupstream/internal/claim"
)

// SubscriptionStore keeps subscriptions next to an in-memory Store.
type SubscriptionStore struct {
	events *Store
	config StoreConfig
	claims *claim.Set

	mu   sync.RWMutex
	subs map[string]*store.Subscription
}

var _ store.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore creates a subscription store whose tails come from events.
func NewSubscriptionStore(events *Store, config StoreConfig) *SubscriptionStore {
	return &SubscriptionStore{
		events: events,
		config: config.normalized(),
		claims: claim.NewSet(),
		subs:   make(map[string]*store.Subscription),
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[id.String()]; ok {
		if failIfExists {
			return es.WrapStoreError(backendName, "create subscription", store.ErrSubscriptionExists)
		}
		return nil
	}
	s.subs[id.String()] = &store.Subscription{
		ID:        id,
		StreamID:  stream,
		Position:  es.Start,
		CreatedAt: s.config.Clock.Now(),
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
		if _, ok := s.subs[id.String()]; !ok {
			return &es.SubscriptionNotFoundError{Subscription: id}
		}
		delete(s.subs, id.String())
		return nil
	}

	deleted := 0
	for name := range s.subs {
		if id.Matches(name) {
			delete(s.subs, name)
			deleted++
		}
	}
	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "subscriptions deleted", "filter", id.String(), "count", deleted)
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

	sub, ok := s.subs[id.String()]
	if !ok {
		return &es.SubscriptionNotFoundError{Subscription: id}
	}
	s.checkpoint(sub, position)
	return nil
}

func (s *SubscriptionStore) checkpoint(sub *store.Subscription, position es.StreamPosition) {
	now := s.config.Clock.Now()
	sub.Position = position
	sub.ProcessedAt = &now
}

// Get implements store.SubscriptionStore.
func (s *SubscriptionStore) Get(_ context.Context, id es.SubscriptionID) (store.Subscription, error) {
	if err := store.ValidateSubscription(id); err != nil {
		return store.Subscription{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id.String()]
	if !ok {
		return store.Subscription{}, &es.SubscriptionNotFoundError{Subscription: id}
	}
	return copySubscription(sub), nil
}

// List implements store.SubscriptionStore.
func (s *SubscriptionStore) List(_ context.Context, filter es.SubscriptionID) ([]store.Subscription, error) {
	if filter.IsZero() {
		return nil, es.ErrEmptyID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Subscription, 0, len(s.subs))
	for name, sub := range s.subs {
		if filter.Matches(name) {
			out = append(out, copySubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out, nil
}

// Reset implements store.SubscriptionStore.
func (s *SubscriptionStore) Reset(ctx context.Context, id es.SubscriptionID) error {
	if err := store.ValidateSubscription(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id.String()]
	if !ok {
		return &es.SubscriptionNotFoundError{Subscription: id}
	}
	sub.Position = es.Start
	sub.ProcessedAt = nil

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

func copySubscription(sub *store.Subscription) store.Subscription {
	out := *sub
	if sub.ProcessedAt != nil {
		t := *sub.ProcessedAt
		out.ProcessedAt = &t
	}
	return out
}

type txBackend struct {
	s *SubscriptionStore
}

func (b txBackend) Candidates(ctx context.Context) ([]claim.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	b.s.events.mu.RLock()
	defer b.s.events.mu.RUnlock()

	cands := make([]claim.Candidate, 0, len(b.s.subs))
	for _, sub := range b.s.subs {
		cands = append(cands, b.candidate(sub))
	}
	return cands, nil
}

func (b txBackend) Current(ctx context.Context, id es.SubscriptionID) (claim.Candidate, bool, error) {
	if err := ctx.Err(); err != nil {
		return claim.Candidate{}, false, err
	}

	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	b.s.events.mu.RLock()
	defer b.s.events.mu.RUnlock()

	sub, ok := b.s.subs[id.String()]
	if !ok {
		return claim.Candidate{}, false, nil
	}
	return b.candidate(sub), true, nil
}

// candidate pairs sub with its tail. Callers hold both read locks.
func (b txBackend) candidate(sub *store.Subscription) claim.Candidate {
	tail, err := b.s.events.tail(sub.StreamID)
	if err != nil {
		// tombstoned streams have nothing left to deliver
		tail = -1
	}
	return claim.Candidate{
		ID:          sub.ID,
		Stream:      sub.StreamID,
		Position:    sub.Position,
		ProcessedAt: sub.ProcessedAt,
		Tail:        es.StreamPosition(tail),
	}
}

func (b txBackend) Exists(_ context.Context, id es.SubscriptionID) (bool, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	_, ok := b.s.subs[id.String()]
	return ok, nil
}

func (b txBackend) Apply(_ context.Context, updates []claim.Update) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	for _, u := range updates {
		if sub, ok := b.s.subs[u.ID.String()]; ok {
			b.s.checkpoint(sub, u.Position)
		}
	}
	return nil
}
