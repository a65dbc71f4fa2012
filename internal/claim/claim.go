// Package claim implements subscription claims for stores that run in a single process.
//
// Embedded backends cannot hold a row lock across a listener call, so a claim is an
// entry in an in-process Set and the checkpoint is buffered until Commit.
package claim

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
)

// Set holds the ids of subscriptions claimed by open transactions.
type Set struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewSet returns an empty claim set.
func NewSet() *Set {
	return &Set{held: make(map[string]struct{})}
}

// TryAcquire claims id. It returns false if another transaction holds it.
func (s *Set) TryAcquire(id es.SubscriptionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[id.String()]; ok {
		return false
	}
	s.held[id.String()] = struct{}{}
	return true
}

// Release drops the claim on id.
func (s *Set) Release(id es.SubscriptionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, id.String())
}

// Held reports whether id is currently claimed.
func (s *Set) Held(id es.SubscriptionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[id.String()]
	return ok
}

// Candidate is a subscription together with the tail of the stream it watches.
type Candidate struct {
	ProcessedAt *time.Time
	ID          es.SubscriptionID
	Stream      es.StreamID
	Position    es.StreamPosition
	Tail        es.StreamPosition
}

// Eligible reports whether the subscription is behind its target.
func (c Candidate) Eligible() bool {
	return c.Tail >= 0 && c.Tail > c.Position
}

// Order sorts candidates the way Watch visits them: never processed first, then
// oldest checkpoint, then the target with the highest tail, then by id.
func Order(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		switch {
		case a.ProcessedAt == nil && b.ProcessedAt != nil:
			return true
		case a.ProcessedAt != nil && b.ProcessedAt == nil:
			return false
		case a.ProcessedAt != nil && !a.ProcessedAt.Equal(*b.ProcessedAt):
			return a.ProcessedAt.Before(*b.ProcessedAt)
		case a.Tail != b.Tail:
			return a.Tail > b.Tail
		default:
			return a.ID.Compare(b.ID) < 0
		}
	})
}

// Pick claims the first eligible candidate in watch order. After a claim is taken
// the row is read again through backend: cands may predate a checkpoint committed by
// a transaction that released the row since, and claiming from that snapshot would
// redeliver events. Rows whose position moved or that are no longer eligible are
// released and skipped.
func Pick(ctx context.Context, set *Set, backend Backend, cands []Candidate) (Candidate, bool, error) {
	Order(cands)
	for _, c := range cands {
		if !c.Eligible() {
			continue
		}
		if !set.TryAcquire(c.ID) {
			continue
		}
		current, ok, err := backend.Current(ctx, c.ID)
		if err != nil {
			set.Release(c.ID)
			return Candidate{}, false, err
		}
		if !ok || current.Position != c.Position || !current.Eligible() {
			set.Release(c.ID)
			continue
		}
		return current, true, nil
	}
	return Candidate{}, false, nil
}

// Backend is the storage side of an in-process subscription transaction.
type Backend interface {
	// Candidates returns every subscription with its target's current tail.
	Candidates(ctx context.Context) ([]Candidate, error)

	// Current returns one subscription with its target's current tail.
	// It reports false if the row no longer exists.
	Current(ctx context.Context, id es.SubscriptionID) (Candidate, bool, error)

	// Exists reports whether the subscription row exists.
	Exists(ctx context.Context, id es.SubscriptionID) (bool, error)

	// Apply checkpoints the subscriptions. Rows deleted in the meantime are skipped.
	Apply(ctx context.Context, updates []Update) error
}

// Update is a buffered checkpoint.
type Update struct {
	ID       es.SubscriptionID
	Position es.StreamPosition
}

// Tx implements store.SubscriptionTx on top of a Set and a Backend.
type Tx struct {
	ctx          context.Context
	set          *Set
	backend      Backend
	pollInterval time.Duration

	mu      sync.Mutex
	claimed *es.SubscriptionID
	pending []Update
	done    bool
}

var _ store.SubscriptionTx = (*Tx)(nil)

// NewTx starts a transaction. ctx bounds Commit, minus its cancellation, so a
// checkpoint taken just before shutdown is still persisted.
func NewTx(ctx context.Context, set *Set, backend Backend, pollInterval time.Duration) *Tx {
	return &Tx{
		ctx:          context.WithoutCancel(ctx),
		set:          set,
		backend:      backend,
		pollInterval: pollInterval,
	}
}

// Watch implements store.SubscriptionTx.
func (t *Tx) Watch(ctx context.Context, timeout time.Duration) (*store.WatchSubscriptionResult, error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil, store.ErrTxDone
	}
	if t.claimed != nil {
		t.mu.Unlock()
		return nil, store.ErrAlreadyWatching
	}
	t.mu.Unlock()

	var picked Candidate
	found, err := store.Poll(ctx, t.pollInterval, timeout, func(ctx context.Context) (bool, error) {
		cands, err := t.backend.Candidates(ctx)
		if err != nil {
			return false, err
		}
		c, ok, err := Pick(ctx, t.set, t.backend, cands)
		if err != nil {
			return false, err
		}
		if ok {
			picked = c
		}
		return ok, nil
	})
	if err != nil || !found {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		// Rolled back from another goroutine while polling.
		t.set.Release(picked.ID)
		return nil, store.ErrTxDone
	}
	id := picked.ID
	t.claimed = &id

	return &store.WatchSubscriptionResult{
		SubscriptionID: picked.ID,
		StreamID:       picked.Stream,
		Position:       picked.Position,
		Tail:           picked.Tail,
	}, nil
}

// Update implements store.SubscriptionTx.
func (t *Tx) Update(ctx context.Context, id es.SubscriptionID, position es.StreamPosition) error {
	if err := store.ValidateSubscription(id); err != nil {
		return err
	}
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done {
		return store.ErrTxDone
	}

	exists, err := t.backend.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return &es.SubscriptionNotFoundError{Subscription: id}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	for i := range t.pending {
		if t.pending[i].ID == id {
			t.pending[i].Position = position
			return nil
		}
	}
	t.pending = append(t.pending, Update{ID: id, Position: position})
	return nil
}

// Commit implements store.SubscriptionTx.
func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	defer t.release()

	if len(t.pending) == 0 {
		return nil
	}
	return t.backend.Apply(t.ctx, t.pending)
}

// Rollback implements store.SubscriptionTx. It is a no-op after Commit.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.pending = nil
	t.release()
	return nil
}

func (t *Tx) release() {
	if t.claimed != nil {
		t.set.Release(*t.claimed)
		t.claimed = nil
	}
}
