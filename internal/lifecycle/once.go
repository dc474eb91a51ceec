package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
	"github.com/aevon-lab/funnel-tracker/internal/core/storage"
)

// OnceState is the per-session state of a one-time event.
type OnceState int

const (
	NotSent OnceState = iota
	Sent
)

func (s OnceState) String() string {
	if s == Sent {
		return "sent"
	}
	return "not_sent"
}

// OnceGuard holds the NotSent -> Sent machine of one-time events in the session store.
// Sent is terminal for the session's lifetime.
type OnceGuard struct {
	repo storage.AttributionRepository
	ttl  time.Duration
}

func NewOnceGuard(repo storage.AttributionRepository, sessionTTL time.Duration) *OnceGuard {
	return &OnceGuard{repo: repo, ttl: sessionTTL}
}

func onceKey(name v1.EventName) string {
	return "once:" + string(name)
}

// State reports whether name was already sent in the session.
func (g *OnceGuard) State(ctx context.Context, sessionID string, name v1.EventName) (OnceState, error) {
	_, err := g.repo.Get(ctx, storage.StoreSession, sessionID, onceKey(name))
	if errors.Is(err, storage.ErrNotFound) {
		return NotSent, nil
	}
	if err != nil {
		return NotSent, fmt.Errorf("failed to read %s guard: %w", name, err)
	}
	return Sent, nil
}

// Claim moves name from NotSent to Sent. It returns true only for the caller that
// made the transition, so at most one caller per session fires the event.
func (g *OnceGuard) Claim(ctx context.Context, sessionID string, name v1.EventName) (bool, error) {
	_, created, err := g.repo.SetIfAbsent(ctx, storage.StoreSession, sessionID, onceKey(name), Sent.String(), g.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to claim %s guard: %w", name, err)
	}
	return created, nil
}
