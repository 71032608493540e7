package dbutil_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/learningequality/morango/pkg/identity"
	"github.com/learningequality/morango/private/dbutil"
)

func openIdentitySchemaDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, dbutil.Migrate(context.Background(), db))
	return db
}

func TestIdentityStoreCurrentDatabaseIDReportsNotFoundWhenEmpty(t *testing.T) {
	store := &dbutil.IdentityStore{DB: openIdentitySchemaDB(t)}
	_, ok, err := store.CurrentDatabaseID(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIdentityStoreCreateDatabaseIDDemotesThePreviousCurrent(t *testing.T) {
	ctx := context.Background()
	store := &dbutil.IdentityStore{DB: openIdentitySchemaDB(t)}

	first := identity.DatabaseID{ID: "db-1", Current: true}
	require.NoError(t, store.CreateDatabaseID(ctx, first))

	got, ok, err := store.CurrentDatabaseID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "db-1", got.ID)

	second := identity.DatabaseID{ID: "db-2", Current: true}
	require.NoError(t, store.CreateDatabaseID(ctx, second))

	got, ok, err = store.CurrentDatabaseID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "db-2", got.ID, "creating a new database id must demote the old current one")
}

func TestIdentityStoreGetInstanceIDReportsNotFoundWhenMissing(t *testing.T) {
	store := &dbutil.IdentityStore{DB: openIdentitySchemaDB(t)}
	_, ok, err := store.GetInstanceID(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIdentityStoreUpsertAndGetInstanceIDRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := &dbutil.IdentityStore{DB: openIdentitySchemaDB(t)}

	instance := identity.InstanceID{
		ID: "inst-1", Platform: "linux", Hostname: "host-a",
		DatabaseID: "db-1", Counter: 4, Current: true,
	}
	require.NoError(t, store.UpsertInstanceID(ctx, instance))

	got, ok, err := store.GetInstanceID(ctx, "inst-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, instance.Hostname, got.Hostname)
	require.Equal(t, instance.Counter, got.Counter)

	instance.Hostname = "host-b"
	require.NoError(t, store.UpsertInstanceID(ctx, instance))

	got, ok, err = store.GetInstanceID(ctx, "inst-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "host-b", got.Hostname, "a second upsert must replace the row, not duplicate it")
}

func TestIdentityStoreIncrementInstanceCounterIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := &dbutil.IdentityStore{DB: openIdentitySchemaDB(t)}

	require.NoError(t, store.UpsertInstanceID(ctx, identity.InstanceID{ID: "inst-1", DatabaseID: "db-1", Counter: 0}))

	first, err := store.IncrementInstanceCounter(ctx, "inst-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, first)

	second, err := store.IncrementInstanceCounter(ctx, "inst-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, second)
}
