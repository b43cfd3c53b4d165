package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

func TestProgressStoreTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewProgressStore()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return now }

	got, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, store.Set(ctx, "k", tracker.Progress{Total: 4, Processed: 1}, time.Minute))
	got, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, 4, got.Total)

	now = now.Add(time.Minute)
	got, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Len(t, store.History("k"), 1)
}

func TestProgressStoreDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewProgressStore()
	require.NoError(t, store.Set(ctx, "k", tracker.Progress{}, 0))
	require.NoError(t, store.Delete(ctx, "k"))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDataStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewDataStore()
	store.AddEntity(tracker.Entity{ID: "e2", Name: "Second"})
	store.AddEntity(tracker.Entity{ID: "e1", Name: "RedApp", OwnerID: "o1"},
		tracker.TrackedItem{ID: "b", ExternalRef: "n-b"},
		tracker.TrackedItem{ID: "a", ExternalRef: "n-a"},
	)

	entities, err := store.ListEntities(ctx)
	require.NoError(t, err)
	require.Equal(t, "e2", entities[0].ID)
	require.Equal(t, "e1", entities[1].ID)

	items, err := store.ListItems(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "a", items[0].ID)
	require.Equal(t, "e1", items[0].EntityID)

	require.NoError(t, store.UpdateItemMetrics(ctx, "a", tracker.Metrics{Likes: 3}))
	it, _ := store.Item("a")
	require.Equal(t, int64(3), it.Metrics.Likes)
	require.ErrorIs(t, store.UpdateItemMetrics(ctx, "zz", tracker.Metrics{}), tracker.ErrNotFound)

	store.HideEntity("e1")
	e, err := store.GetEntity(ctx, "e1")
	require.NoError(t, err)
	require.Nil(t, e)
	e, err = store.GetEntity(ctx, "e2")
	require.NoError(t, err)
	require.Equal(t, "Second", e.Name)
}
