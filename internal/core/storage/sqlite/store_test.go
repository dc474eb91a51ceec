package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
	"github.com/aevon-lab/funnel-tracker/internal/core/storage"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, clock *time.Time) *Store {
	t.Helper()

	// Shared-cache in-memory database, unique per test.
	store, err := New(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store.WithClock(func() time.Time { return *clock })
}

func TestStore_SetIfAbsentFirstWriterWins(t *testing.T) {
	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)
	ctx := context.Background()

	got, created, err := store.SetIfAbsent(ctx, storage.StoreIdentity, "v-1", "_fbp", "fb.1.1.1111111111", time.Hour)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "fb.1.1.1111111111", got)

	got, created, err = store.SetIfAbsent(ctx, storage.StoreIdentity, "v-1", "_fbp", "fb.1.2.2222222222", time.Hour)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "fb.1.1.1111111111", got)
}

func TestStore_SetIfAbsentReplacesExpired(t *testing.T) {
	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)
	ctx := context.Background()

	_, _, err := store.SetIfAbsent(ctx, storage.StoreSession, "s-1", "once:HomePageView", "sent", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)

	_, err = store.Get(ctx, storage.StoreSession, "s-1", "once:HomePageView")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, created, err := store.SetIfAbsent(ctx, storage.StoreSession, "s-1", "once:HomePageView", "sent", time.Minute)
	require.NoError(t, err)
	require.True(t, created)
}

func TestStore_MergeKeepsAbsentKeys(t *testing.T) {
	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)
	ctx := context.Background()

	require.NoError(t, store.Merge(ctx, storage.StoreAttribution, "v-1", map[string]string{
		"ad_id":       "fb",
		"adset_id":    "ad1",
		"campaign_id": "launch",
	}, 0))
	require.NoError(t, store.Merge(ctx, storage.StoreAttribution, "v-1", map[string]string{
		"ad_id":       "ig",
		"campaign_id": "",
	}, 0))

	all, err := store.GetAll(ctx, storage.StoreAttribution, "v-1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"ad_id":       "ig",
		"adset_id":    "ad1",
		"campaign_id": "launch",
	}, all)
}

func TestStore_SweepExpired(t *testing.T) {
	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, storage.StoreSession, "s-1", "client_ip_address", "203.0.113.7", time.Minute))
	require.NoError(t, store.Set(ctx, storage.StoreAttribution, "v-1", "ad_id", "fb", 0))

	now = now.Add(time.Hour)

	n, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	v, err := store.Get(ctx, storage.StoreAttribution, "v-1", "ad_id")
	require.NoError(t, err)
	require.Equal(t, "fb", v)
}

func TestStore_Journal(t *testing.T) {
	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)
	ctx := context.Background()

	evt := v1.TrackedEvent{
		EventName:      v1.EventQuizStep,
		EventID:        "QuizStep.v-1.1770552000000",
		EventTime:      1770552000,
		UserData:       v1.UserData{ExternalID: "v-1"},
		CustomData:     v1.QuizStepData{Step: 1, Question: "Quantos quilos você deseja perder?", Answer: "De 6 a 10 kg"},
		EventSourceURL: "https://funnel.example.com/quiz",
		ActionSource:   v1.ActionSourceWebsite,
	}

	first := &storage.JournalEntry{Event: evt, Sink: "webhook", Success: true, RecordedAt: now}
	require.NoError(t, store.Record(ctx, first))
	require.NotZero(t, first.Seq)

	dup := &storage.JournalEntry{Event: evt, Sink: "webhook", RecordedAt: now}
	require.ErrorIs(t, store.Record(ctx, dup), storage.ErrDuplicate)

	failed := &storage.JournalEntry{Event: evt, Sink: "broker", Error: "channel closed", RecordedAt: now.Add(time.Second)}
	require.NoError(t, store.Record(ctx, failed))

	entries, err := store.ListByVisitor(ctx, "v-1", now, now.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "webhook", entries[0].Sink)
	require.True(t, entries[0].Success)
	require.Equal(t, evt.CustomData, entries[0].Event.CustomData)
	require.Equal(t, "channel closed", entries[1].Error)
	require.True(t, entries[1].RecordedAt.Equal(now.Add(time.Second)))

	entries, err = store.ListByVisitor(ctx, "v-1", now, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
