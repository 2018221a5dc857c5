package options

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	var db = sqlx.MustOpen("sqlite3", ":memory:")
	t.Cleanup(func() { db.Close() })
	var store = NewStore(db)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func TestSetGetDelete(t *testing.T) {
	var ctx = context.Background()
	var store = testStore(t)

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Set(ctx, "site_url", "https://example.test", 0))
	value, found, err := store.Get(ctx, "site_url")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "https://example.test", value)

	// Set replaces rather than duplicating.
	require.NoError(t, store.Set(ctx, "site_url", "https://other.test", 0))
	value, _, err = store.Get(ctx, "site_url")
	require.NoError(t, err)
	require.Equal(t, "https://other.test", value)

	require.NoError(t, store.Delete(ctx, "site_url"))
	_, found, err = store.Get(ctx, "site_url")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Delete(ctx, "site_url")) // absent, still fine
}

func TestExpiry(t *testing.T) {
	var ctx = context.Background()
	var store = testStore(t)

	require.NoError(t, store.Set(ctx, "stale", "x", -time.Minute))
	_, found, err := store.Get(ctx, "stale")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Set(ctx, "fresh", "y", time.Hour))
	_, found, err = store.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, found)
}

func TestLease(t *testing.T) {
	var ctx = context.Background()
	var store = testStore(t)

	token, ok, err := store.Acquire(ctx, "send_queries_lock", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	// Second acquisition of a held lease fails.
	_, ok, err = store.Acquire(ctx, "send_queries_lock", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// Release with a bogus token does not clear the lease.
	require.ErrorIs(t, store.Release(ctx, "send_queries_lock", "nope"), ErrNotHeld)
	_, ok, err = store.Acquire(ctx, "send_queries_lock", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Release(ctx, "send_queries_lock", token))
	_, ok, err = store.Acquire(ctx, "send_queries_lock", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExpiredLeaseCanBeReacquired(t *testing.T) {
	var ctx = context.Background()
	var store = testStore(t)

	_, ok, err := store.Acquire(ctx, "lock", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.Acquire(ctx, "lock", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
