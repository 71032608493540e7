package testprofile_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/learningequality/morango/internal/testprofile"
	"github.com/learningequality/morango/pkg/identity"
	"github.com/learningequality/morango/pkg/pkcrypto"
	"github.com/learningequality/morango/pkg/serialize"
	"github.com/learningequality/morango/pkg/store"
	"github.com/learningequality/morango/private/dbutil/sqliteutil"
)

const schema = `
CREATE TABLE store (
	id text PRIMARY KEY,
	profile text NOT NULL,
	serialized text NOT NULL DEFAULT '',
	conflicting_serialized_data text NOT NULL DEFAULT '',
	deleted integer NOT NULL DEFAULT 0,
	hard_deleted integer NOT NULL DEFAULT 0,
	last_saved_instance text NOT NULL,
	last_saved_counter integer NOT NULL,
	partition text NOT NULL,
	source_id text NOT NULL,
	model_name text NOT NULL,
	_self_ref_fk text NOT NULL DEFAULT '',
	dirty_bit integer NOT NULL DEFAULT 0,
	deserialization_error text NOT NULL DEFAULT '',
	last_transfer_session_id text
);
CREATE TABLE record_max_counter (
	instance_id text NOT NULL,
	counter integer NOT NULL,
	store_model_id text NOT NULL
);
CREATE TABLE deleted_models (id text PRIMARY KEY, profile text NOT NULL);
CREATE TABLE hard_deleted_models (id text PRIMARY KEY, profile text NOT NULL);
CREATE TABLE database_max_counter (
	instance_id text NOT NULL,
	partition text NOT NULL,
	counter integer NOT NULL,
	PRIMARY KEY (instance_id, partition)
);
`

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(schema)
	require.NoError(t, err)
	return db
}

// TestRoundTripsFacilityAndDatasetThroughStore drives a Facility and a
// child Dataset through Serializer into the Store, then through
// Deserializer into a second, independent AppStore - the shape of one
// instance's local edits landing on another after a sync.
func TestRoundTripsFacilityAndDatasetThroughStore(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	repo := &store.SQLRepository{DB: db, Queries: sqliteutil.Queries{}}
	idStore := &memoryIdentityStore{instances: map[string]identity.InstanceID{}}

	source := testprofile.NewAppStore()
	facility := source.CreateFacility("facility.abc", "fac-1", "Springfield Elementary")
	source.CreateDataset("facility.abc", "set-1", "fac-1", "", "Root Unit")
	source.CreateDataset("facility.abc", "set-2", "fac-1", "set-1", "Child Lesson")

	serializer := &serialize.Serializer{
		Store: repo, Registry: source.Registry(), App: source,
		Identity: idStore, DatabaseID: "db-1",
		System: identity.SystemInfo{Platform: "linux", Hostname: "source"},
	}
	require.NoError(t, serializer.Run(ctx, testprofile.Profile, nil))

	var storeCount int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM store`).Scan(&storeCount))
	require.Equal(t, 3, storeCount)

	dest := testprofile.NewAppStore()
	deserializer := &serialize.Deserializer{Store: repo, Registry: dest.Registry()}
	require.NoError(t, deserializer.Run(ctx, testprofile.Profile, nil))

	gotFacility, ok := dest.Facility(facilityStoreID(facility))
	require.True(t, ok)
	require.Equal(t, "Springfield Elementary", gotFacility.Name)

	gotChild, ok := dest.Dataset(datasetStoreID("facility.abc", "set-2"))
	require.True(t, ok)
	require.Equal(t, "Child Lesson", gotChild.Title)
	require.NotEmpty(t, gotChild.ParentID)

	// every row landed clean: nothing should still be marked dirty.
	var dirtyCount int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM store WHERE dirty_bit = 1`).Scan(&dirtyCount))
	require.Zero(t, dirtyCount)
}

// TestRetitleReserializesOnlyTheChangedDataset confirms a single local
// mutation produces exactly one dirty row for the next serialize pass,
// not a full resweep of every instance ever created.
func TestRetitleReserializesOnlyTheChangedDataset(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	repo := &store.SQLRepository{DB: db, Queries: sqliteutil.Queries{}}
	idStore := &memoryIdentityStore{instances: map[string]identity.InstanceID{}}

	source := testprofile.NewAppStore()
	source.CreateFacility("facility.abc", "fac-1", "Springfield Elementary")
	unit := source.CreateDataset("facility.abc", "set-1", "fac-1", "", "Root Unit")

	serializer := &serialize.Serializer{
		Store: repo, Registry: source.Registry(), App: source,
		Identity: idStore, DatabaseID: "db-1",
		System: identity.SystemInfo{Platform: "linux", Hostname: "source"},
	}
	require.NoError(t, serializer.Run(ctx, testprofile.Profile, nil))

	source.Retitle(unit, "Renamed Unit")
	dirty, err := source.DirtyInstances(ctx, testprofile.Profile, "dataset", nil)
	require.NoError(t, err)
	require.Len(t, dirty, 1)

	require.NoError(t, serializer.Run(ctx, testprofile.Profile, nil))
	var serialized string
	require.NoError(t, db.QueryRow(`SELECT serialized FROM store WHERE model_name = 'dataset'`).Scan(&serialized))
	require.Contains(t, serialized, "Renamed Unit")
}

func facilityStoreID(f *testprofile.Facility) string {
	return pkcrypto.ContentUUID(f.Partition, f.SourceID, "facility")
}

func datasetStoreID(partition, sourceID string) string {
	return pkcrypto.ContentUUID(partition, sourceID, "dataset")
}

type memoryIdentityStore struct {
	instances map[string]identity.InstanceID
}

func (m *memoryIdentityStore) CurrentDatabaseID(ctx context.Context) (identity.DatabaseID, bool, error) {
	return identity.DatabaseID{}, false, nil
}
func (m *memoryIdentityStore) CreateDatabaseID(ctx context.Context, id identity.DatabaseID) error {
	return nil
}
func (m *memoryIdentityStore) GetInstanceID(ctx context.Context, id string) (identity.InstanceID, bool, error) {
	i, ok := m.instances[id]
	return i, ok, nil
}
func (m *memoryIdentityStore) UpsertInstanceID(ctx context.Context, instance identity.InstanceID) error {
	m.instances[instance.ID] = instance
	return nil
}
func (m *memoryIdentityStore) IncrementInstanceCounter(ctx context.Context, id string) (int64, error) {
	i := m.instances[id]
	i.Counter++
	m.instances[id] = i
	return i.Counter, nil
}
