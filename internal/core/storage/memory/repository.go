package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aevon-lab/funnel-tracker/internal/core/storage"
)

type entryKey struct {
	store storage.Store
	owner string
	key   string
}

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// Repository is an in-memory AttributionRepository and EventJournal.
// Useful for testing and single-instance development.
type Repository struct {
	mu      sync.RWMutex
	entries map[entryKey]entry
	journal []*storage.JournalEntry
	seq     int64
	now     func() time.Time
}

var (
	_ storage.AttributionRepository = (*Repository)(nil)
	_ storage.EventJournal          = (*Repository)(nil)
)

// NewRepository creates an empty in-memory repository.
func NewRepository() *Repository {
	return &Repository{
		entries: make(map[entryKey]entry),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for expiry checks.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

func (r *Repository) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return r.now().Add(ttl)
}

func checkStore(store storage.Store) error {
	if !store.Valid() {
		return fmt.Errorf("unknown store %q", store)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, store storage.Store, owner, key string) (string, error) {
	if err := checkStore(store); err != nil {
		return "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[entryKey{store, owner, key}]
	if !ok || !e.live(r.now()) {
		return "", storage.ErrNotFound
	}
	return e.value, nil
}

func (r *Repository) GetAll(ctx context.Context, store storage.Store, owner string) (map[string]string, error) {
	if err := checkStore(store); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make(map[string]string)
	for k, e := range r.entries {
		if k.store == store && k.owner == owner && e.live(now) {
			out[k.key] = e.value
		}
	}
	return out, nil
}

func (r *Repository) Set(ctx context.Context, store storage.Store, owner, key, value string, ttl time.Duration) error {
	if err := checkStore(store); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[entryKey{store, owner, key}] = entry{value: value, expiresAt: r.expiry(ttl)}
	return nil
}

func (r *Repository) SetIfAbsent(ctx context.Context, store storage.Store, owner, key, value string, ttl time.Duration) (string, bool, error) {
	if err := checkStore(store); err != nil {
		return "", false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := entryKey{store, owner, key}
	if e, ok := r.entries[k]; ok && e.live(r.now()) {
		return e.value, false, nil
	}

	r.entries[k] = entry{value: value, expiresAt: r.expiry(ttl)}
	return value, true, nil
}

func (r *Repository) Merge(ctx context.Context, store storage.Store, owner string, values map[string]string, ttl time.Duration) error {
	if err := checkStore(store); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expiresAt := r.expiry(ttl)
	for key, value := range values {
		if value == "" {
			continue
		}
		r.entries[entryKey{store, owner, key}] = entry{value: value, expiresAt: expiresAt}
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error { return nil }

func (r *Repository) Close() error { return nil }

// Record appends a journal entry, rejecting a second entry for the same (event_id, sink).
func (r *Repository) Record(ctx context.Context, je *storage.JournalEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.journal {
		if existing.Event.EventID == je.Event.EventID && existing.Sink == je.Sink {
			return storage.ErrDuplicate
		}
	}

	r.seq++
	je.Seq = r.seq

	// Store a copy to prevent external modification
	copy := *je
	r.journal = append(r.journal, &copy)
	return nil
}

func (r *Repository) ListByVisitor(ctx context.Context, externalID string, start, end time.Time, limit int) ([]*storage.JournalEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*storage.JournalEntry
	for _, je := range r.journal {
		if je.Event.UserData.ExternalID != externalID {
			continue
		}
		if je.RecordedAt.Before(start) || !je.RecordedAt.Before(end) {
			continue
		}
		copy := *je
		out = append(out, &copy)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SweepExpired drops entries whose ttl has elapsed.
func (r *Repository) SweepExpired(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var n int64
	for k, e := range r.entries {
		if !e.live(now) {
			delete(r.entries, k)
			n++
		}
	}
	return n, nil
}
