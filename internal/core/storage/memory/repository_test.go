package memory

import (
	"context"
	"testing"
	"time"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
	"github.com/aevon-lab/funnel-tracker/internal/core/storage"
	"github.com/stretchr/testify/require"
)

func TestRepository_SetIfAbsentFirstWriterWins(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	got, created, err := repo.SetIfAbsent(ctx, storage.StoreIdentity, "v-1", "_fbp", "fb.1.1.111", 0)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "fb.1.1.111", got)

	got, created, err = repo.SetIfAbsent(ctx, storage.StoreIdentity, "v-1", "_fbp", "fb.1.2.222", 0)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "fb.1.1.111", got)
}

func TestRepository_MergeKeepsAbsentKeys(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	require.NoError(t, repo.Merge(ctx, storage.StoreAttribution, "v-1", map[string]string{
		"ad_id":       "fb",
		"adset_id":    "ad1",
		"campaign_id": "launch",
	}, 0))

	require.NoError(t, repo.Merge(ctx, storage.StoreAttribution, "v-1", map[string]string{
		"ad_id":       "ig",
		"adset_id":    "",
		"campaign_id": "",
	}, 0))

	all, err := repo.GetAll(ctx, storage.StoreAttribution, "v-1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"ad_id":       "ig",
		"adset_id":    "ad1",
		"campaign_id": "launch",
	}, all)
}

func TestRepository_ExpiredEntriesAreAbsent(t *testing.T) {
	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	repo := NewRepository().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, storage.StoreSession, "s-1", "client_ip_address", "203.0.113.7", time.Hour))

	v, err := repo.Get(ctx, storage.StoreSession, "s-1", "client_ip_address")
	require.NoError(t, err)
	require.Equal(t, "203.0.113.7", v)

	now = now.Add(2 * time.Hour)
	_, err = repo.Get(ctx, storage.StoreSession, "s-1", "client_ip_address")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// An expired entry no longer blocks SetIfAbsent.
	_, created, err := repo.SetIfAbsent(ctx, storage.StoreSession, "s-1", "client_ip_address", "198.51.100.1", time.Hour)
	require.NoError(t, err)
	require.True(t, created)
}

func TestRepository_StoresAreIsolated(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, storage.StoreAttribution, "v-1", "ad_id", "fb", 0))

	_, err := repo.Get(ctx, storage.StoreSession, "v-1", "ad_id")
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = repo.Set(ctx, storage.Store("cookies"), "v-1", "ad_id", "fb", 0)
	require.Error(t, err)
}

func TestRepository_Journal(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	at := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)

	entry := func(id, visitor, sink string, offset time.Duration) *storage.JournalEntry {
		return &storage.JournalEntry{
			Event: v1.TrackedEvent{
				EventName: v1.EventPageView,
				EventID:   id,
				UserData:  v1.UserData{ExternalID: visitor},
			},
			Sink:       sink,
			Success:    true,
			RecordedAt: at.Add(offset),
		}
	}

	require.NoError(t, repo.Record(ctx, entry("e-1", "v-1", "webhook", 0)))
	require.NoError(t, repo.Record(ctx, entry("e-1", "v-1", "broker", time.Second)))
	require.NoError(t, repo.Record(ctx, entry("e-2", "v-2", "webhook", time.Second)))
	require.ErrorIs(t, repo.Record(ctx, entry("e-1", "v-1", "webhook", 0)), storage.ErrDuplicate)

	list, err := repo.ListByVisitor(ctx, "v-1", at, at.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "webhook", list[0].Sink)
	require.Equal(t, "broker", list[1].Sink)
	require.Less(t, list[0].Seq, list[1].Seq)
}
