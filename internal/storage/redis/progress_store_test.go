package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

func setupStore(t *testing.T) (*ProgressStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestProgressStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, mr := setupStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	got, err := store.Get(ctx, "notewatch:update")
	require.NoError(t, err)
	require.Nil(t, got)

	want := tracker.Progress{
		RunID:       "run-1",
		LoginState:  tracker.LoginAuthenticated,
		UpdateState: tracker.UpdateUpdating,
		Total:       5,
		Processed:   2,
		Failed:      1,
		StartedAt:   &started,
	}
	require.NoError(t, store.Set(ctx, "notewatch:update", want, time.Hour))
	require.True(t, mr.Exists("notewatch:update"))
	require.Equal(t, time.Hour, mr.TTL("notewatch:update"))

	got, err = store.Get(ctx, "notewatch:update")
	require.NoError(t, err)
	require.Equal(t, want.RunID, got.RunID)
	require.Equal(t, want.UpdateState, got.UpdateState)
	require.Equal(t, 3, got.Done())
	require.True(t, started.Equal(*got.StartedAt))
}

func TestProgressStoreExpires(t *testing.T) {
	t.Parallel()

	store, mr := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "notewatch:login", tracker.Progress{LoginState: tracker.LoginFailed}, time.Minute))

	mr.FastForward(2 * time.Minute)
	got, err := store.Get(ctx, "notewatch:login")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestProgressStoreDelete(t *testing.T) {
	t.Parallel()

	store, mr := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", tracker.Progress{}, 0))
	require.NoError(t, store.Delete(ctx, "k"))
	require.False(t, mr.Exists("k"))
	require.NoError(t, store.Delete(ctx, "k"))
}

func TestProgressStoreErrors(t *testing.T) {
	t.Parallel()

	store, mr := setupStore(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("bad", "{not json"))
	_, err := store.Get(ctx, "bad")
	require.Error(t, err)
	require.False(t, tracker.IsSystemic(err))

	mr.Close()
	err = store.Set(ctx, "k", tracker.Progress{}, time.Minute)
	require.True(t, tracker.IsSystemic(err))
}

func TestConnectValidates(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{})
	require.Error(t, err)
	_, err = Connect(context.Background(), Config{URL: "://bad"})
	require.Error(t, err)

	mr := miniredis.RunT(t)
	store, err := Connect(context.Background(), Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())
}
