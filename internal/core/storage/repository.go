package storage

import (
	"context"
	"errors"
	"time"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
)

// ErrNotFound is returned when a key is absent or its retention has elapsed.
var ErrNotFound = errors.New("key not found")

// ErrDuplicate is returned when a journal entry for (event_id, sink) already exists.
var ErrDuplicate = errors.New("journal entry already exists")

// Store names one of the three visitor-scoped key-value stores.
type Store string

const (
	// StoreIdentity mirrors identity cookies (pixel browser/click ids) per visitor.
	StoreIdentity Store = "identity"
	// StoreAttribution holds captured campaign parameters per visitor.
	StoreAttribution Store = "attribution"
	// StoreSession holds ephemeral per-session facts (client ip, one-shot guards, quiz counter).
	StoreSession Store = "session"
)

// Valid reports whether s is one of the known stores.
func (s Store) Valid() bool {
	return s == StoreIdentity || s == StoreAttribution || s == StoreSession
}

// AttributionRepository abstracts the visitor-scoped stores so tests can run on memory.
//
// owner is the visitor id for identity/attribution and the session id for session.
// A ttl of zero means the entry never expires. Expired entries behave as absent.
type AttributionRepository interface {
	Get(ctx context.Context, store Store, owner, key string) (string, error)
	GetAll(ctx context.Context, store Store, owner string) (map[string]string, error)
	Set(ctx context.Context, store Store, owner, key, value string, ttl time.Duration) error

	// SetIfAbsent stores value only when key is absent and returns the value now held.
	// created is true when this call wrote it.
	SetIfAbsent(ctx context.Context, store Store, owner, key, value string, ttl time.Duration) (current string, created bool, err error)

	// Merge writes every non-empty value, leaving keys that are not in values untouched.
	Merge(ctx context.Context, store Store, owner string, values map[string]string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// JournalEntry records the outcome of delivering one event to one sink.
type JournalEntry struct {
	Event      v1.TrackedEvent
	Sink       string
	Success    bool
	Error      string
	RecordedAt time.Time

	// Seq is assigned by the backing store and orders entries.
	Seq int64
}

// EventJournal keeps an audit trail of dispatched events.
type EventJournal interface {
	Record(ctx context.Context, entry *JournalEntry) error
	ListByVisitor(ctx context.Context, externalID string, start, end time.Time, limit int) ([]*JournalEntry, error)
}
