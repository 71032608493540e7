package serialize_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/learningequality/morango/pkg/identity"
	"github.com/learningequality/morango/pkg/serialize"
	"github.com/learningequality/morango/pkg/store"
	"github.com/learningequality/morango/pkg/syncable"
)

// fakeRepo is an in-memory store.Repository, kept deliberately simple -
// enough to exercise the Serializer/Deserializer merge logic without
// pulling in a real database for every test.
type fakeRepo struct {
	records map[string]store.Record
	rmc     map[string]map[string]int64
	deleted []store.DeletedModel
	hard    []store.HardDeletedModel
	dmc     map[string]map[string]int64 // partition -> instance -> counter

	syncSessions     map[string]store.SyncSession
	transferSessions map[string]store.TransferSession
	bufferCount      map[string]int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		records: map[string]store.Record{},
		rmc:     map[string]map[string]int64{},
		dmc:     map[string]map[string]int64{},
	}
}

func (f *fakeRepo) GetRecord(ctx context.Context, id string) (store.Record, bool, error) {
	r, ok := f.records[id]
	return r, ok, nil
}

func (f *fakeRepo) GetRecords(ctx context.Context, ids []string) (map[string]store.Record, error) {
	out := map[string]store.Record{}
	for _, id := range ids {
		if r, ok := f.records[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (f *fakeRepo) UpsertRecord(ctx context.Context, rec store.Record) error {
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeRepo) RecordMaxCounters(ctx context.Context, storeID string) (map[string]int64, error) {
	out := map[string]int64{}
	for k, v := range f.rmc[storeID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRepo) SetRecordMaxCounter(ctx context.Context, storeID, instanceID string, counter int64) error {
	if f.rmc[storeID] == nil {
		f.rmc[storeID] = map[string]int64{}
	}
	f.rmc[storeID][instanceID] = counter
	return nil
}

func (f *fakeRepo) DrainDeletedModels(ctx context.Context, profile string) ([]store.DeletedModel, error) {
	var out []store.DeletedModel
	var keep []store.DeletedModel
	for _, d := range f.deleted {
		if d.Profile == profile {
			out = append(out, d)
		} else {
			keep = append(keep, d)
		}
	}
	f.deleted = keep
	return out, nil
}

func (f *fakeRepo) DrainHardDeletedModels(ctx context.Context, profile string) ([]store.HardDeletedModel, error) {
	var out []store.HardDeletedModel
	var keep []store.HardDeletedModel
	for _, h := range f.hard {
		if h.Profile == profile {
			out = append(out, h)
		} else {
			keep = append(keep, h)
		}
	}
	f.hard = keep
	return out, nil
}

func (f *fakeRepo) DirtyRecords(ctx context.Context, profile, modelName string, partitionPrefixes []string) ([]store.Record, error) {
	var out []store.Record
	for _, r := range f.records {
		if r.Profile != profile || r.ModelName != modelName || !r.DirtyBit {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRepo) ClearDirtyBit(ctx context.Context, id string) error {
	r := f.records[id]
	r.DirtyBit = false
	r.DeserializationError = ""
	f.records[id] = r
	return nil
}

func (f *fakeRepo) SetDeserializationError(ctx context.Context, id, message string) error {
	r := f.records[id]
	r.DeserializationError = message
	f.records[id] = r
	return nil
}

func (f *fakeRepo) UpdateFSICs(ctx context.Context, fsic map[string]int64, partitions []string) error {
	for _, p := range partitions {
		if f.dmc[p] == nil {
			f.dmc[p] = map[string]int64{}
		}
		for instance, counter := range fsic {
			if existing, ok := f.dmc[p][instance]; !ok || counter > existing {
				f.dmc[p][instance] = counter
			}
		}
	}
	return nil
}

func (f *fakeRepo) FilterMaxCounters(ctx context.Context, partitions []string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, p := range partitions {
		for instance, counter := range f.dmc[p] {
			out[instance] = counter
		}
	}
	return out, nil
}

func (f *fakeRepo) GetSyncSession(ctx context.Context, id string) (store.SyncSession, bool, error) {
	s, ok := f.syncSessions[id]
	return s, ok, nil
}

func (f *fakeRepo) UpsertSyncSession(ctx context.Context, s store.SyncSession) error {
	if f.syncSessions == nil {
		f.syncSessions = map[string]store.SyncSession{}
	}
	f.syncSessions[s.ID] = s
	return nil
}

func (f *fakeRepo) GetTransferSession(ctx context.Context, id string) (store.TransferSession, bool, error) {
	t, ok := f.transferSessions[id]
	return t, ok, nil
}

func (f *fakeRepo) UpsertTransferSession(ctx context.Context, t store.TransferSession) error {
	if f.transferSessions == nil {
		f.transferSessions = map[string]store.TransferSession{}
	}
	f.transferSessions[t.ID] = t
	return nil
}

func (f *fakeRepo) CountBufferedRecords(ctx context.Context, transferSessionID string) (int64, error) {
	return f.bufferCount[transferSessionID], nil
}

func (f *fakeRepo) DeleteBufferedRecords(ctx context.Context, transferSessionID string) error {
	delete(f.bufferCount, transferSessionID)
	return nil
}

func (f *fakeRepo) InsertBufferRecords(ctx context.Context, records []store.BufferRecord, rmcbs []store.RecordMaxCounterBuffer) error {
	for _, rec := range records {
		f.bufferCount[rec.TransferSessionID]++
	}
	return nil
}

func (f *fakeRepo) ListBufferRecords(ctx context.Context, transferSessionID string, offset, limit int) ([]store.BufferRecord, error) {
	return nil, nil
}

func (f *fakeRepo) ListRecordMaxCounterBuffers(ctx context.Context, transferSessionID string) ([]store.RecordMaxCounterBuffer, error) {
	return nil, nil
}

func (f *fakeRepo) ListActiveSyncSessions(ctx context.Context) ([]store.SyncSession, error) {
	var out []store.SyncSession
	for _, s := range f.syncSessions {
		if s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListActiveTransferSessionsOlderThan(ctx context.Context, syncSessionID string, cutoff time.Time) ([]store.TransferSession, error) {
	var out []store.TransferSession
	for _, t := range f.transferSessions {
		if t.SyncSessionID == syncSessionID && t.Active && t.LastActivityTimestamp.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRepo) CountActiveTransferSessions(ctx context.Context, syncSessionID string) (int64, error) {
	var n int64
	for _, t := range f.transferSessions {
		if t.SyncSessionID == syncSessionID && t.Active {
			n++
		}
	}
	return n, nil
}

// fakeIdentityStore backs identity.CurrentAndIncrement with a single,
// always-current instance, counting up from zero.
type fakeIdentityStore struct {
	instances map[string]identity.InstanceID
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{instances: map[string]identity.InstanceID{}}
}

func (f *fakeIdentityStore) CurrentDatabaseID(ctx context.Context) (identity.DatabaseID, bool, error) {
	return identity.DatabaseID{}, false, nil
}
func (f *fakeIdentityStore) CreateDatabaseID(ctx context.Context, id identity.DatabaseID) error {
	return nil
}
func (f *fakeIdentityStore) GetInstanceID(ctx context.Context, id string) (identity.InstanceID, bool, error) {
	i, ok := f.instances[id]
	return i, ok, nil
}
func (f *fakeIdentityStore) UpsertInstanceID(ctx context.Context, instance identity.InstanceID) error {
	f.instances[instance.ID] = instance
	return nil
}
func (f *fakeIdentityStore) IncrementInstanceCounter(ctx context.Context, id string) (int64, error) {
	i := f.instances[id]
	i.Counter++
	f.instances[id] = i
	return i.Counter, nil
}

// fakeInstance is a minimal syncable.Instance double standing in for a host
// application model.
type fakeInstance struct {
	fields      map[string]any
	fks         map[string]string
	selfRefFK   string
	saved       bool
	savedDel    bool
	savedHard   bool
	validateErr error
}

func (f *fakeInstance) Serialize() (map[string]any, error) { return f.fields, nil }
func (f *fakeInstance) Deserialize(fields map[string]any) error {
	f.fields = fields
	return nil
}
func (f *fakeInstance) Validate(ctx context.Context) error   { return f.validateErr }
func (f *fakeInstance) ForeignKeys() map[string]string       { return f.fks }
func (f *fakeInstance) SelfReferentialFK() string            { return f.selfRefFK }
func (f *fakeInstance) Save(ctx context.Context, deleted, hardDeleted bool) error {
	f.saved = true
	f.savedDel = deleted
	f.savedHard = hardDeleted
	return nil
}

func newRegistry(t *testing.T) *syncable.Registry {
	t.Helper()
	r := syncable.NewRegistry()
	require.NoError(t, r.Register(syncable.Descriptor{
		Profile: "facilitysync", ModelName: "widget",
		New: func() syncable.Instance { return &fakeInstance{} },
	}))
	return r
}

func TestSerializerCreatesNewStoreRowForFirstTimeInstance(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	app := &stubAppSource{
		dirty: map[string][]serialize.AppInstance{
			"widget": {{Partition: "facility.1", SourceID: "src-1", Instance: &fakeInstance{fields: map[string]any{"name": "a"}}}},
		},
	}
	s := &serialize.Serializer{
		Store: repo, Registry: newRegistry(t), App: app,
		Identity: newFakeIdentityStore(), DatabaseID: "db-1",
		System: identity.SystemInfo{Platform: "linux", Hostname: "h"},
	}

	require.NoError(t, s.Run(ctx, "facilitysync", nil))
	require.Len(t, repo.records, 1)
	for _, rec := range repo.records {
		require.JSONEq(t, `{"name":"a"}`, rec.Serialized)
		require.Equal(t, int64(1), rec.LastSavedCounter)
	}
	require.Len(t, app.cleared, 1)
}

func TestSerializerPrependsConflictWhenExistingRowIsDirty(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	app := &stubAppSource{
		dirty: map[string][]serialize.AppInstance{
			"widget": {{Partition: "facility.1", SourceID: "src-1", Instance: &fakeInstance{fields: map[string]any{"name": "b"}}}},
		},
	}
	s := &serialize.Serializer{
		Store: repo, Registry: newRegistry(t), App: app,
		Identity: newFakeIdentityStore(), DatabaseID: "db-1",
		System: identity.SystemInfo{Platform: "linux", Hostname: "h"},
	}
	// seed a dirty existing row with the same content-addressed id the
	// serializer will compute for this partition/source/model
	require.NoError(t, s.Run(ctx, "facilitysync", nil))
	var id string
	for k, rec := range repo.records {
		id = k
		rec.DirtyBit = true
		rec.Serialized = `{"name":"old"}`
		repo.records[k] = rec
	}

	app.dirty["widget"] = []serialize.AppInstance{{Partition: "facility.1", SourceID: "src-1", Instance: &fakeInstance{fields: map[string]any{"name": "new"}}}}
	require.NoError(t, s.Run(ctx, "facilitysync", nil))

	rec := repo.records[id]
	require.Contains(t, rec.ConflictingSerializedData, `"name":"old"`)
	require.JSONEq(t, `{"name":"new"}`, rec.Serialized)
}

func TestSerializerDrainsDeletedModels(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	repo.records["rec-1"] = store.Record{ID: "rec-1", Profile: "facilitysync", Serialized: "{}"}
	repo.deleted = []store.DeletedModel{{ID: "rec-1", Profile: "facilitysync"}}

	s := &serialize.Serializer{
		Store: repo, Registry: newRegistry(t), App: &stubAppSource{},
		Identity: newFakeIdentityStore(), DatabaseID: "db-1",
	}
	require.NoError(t, s.Run(ctx, "facilitysync", nil))
	require.True(t, repo.records["rec-1"].Deleted)
	require.Empty(t, repo.deleted)
}

func TestSerializerDrainsHardDeletedModels(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	repo.records["rec-1"] = store.Record{ID: "rec-1", Profile: "facilitysync", Serialized: `{"a":1}`}
	repo.hard = []store.HardDeletedModel{{ID: "rec-1", Profile: "facilitysync"}}

	s := &serialize.Serializer{
		Store: repo, Registry: newRegistry(t), App: &stubAppSource{},
		Identity: newFakeIdentityStore(), DatabaseID: "db-1",
	}
	require.NoError(t, s.Run(ctx, "facilitysync", nil))
	require.True(t, repo.records["rec-1"].HardDeleted)
	require.Equal(t, "{}", repo.records["rec-1"].Serialized)
	require.Empty(t, repo.records["rec-1"].ConflictingSerializedData)
}

type stubAppSource struct {
	dirty   map[string][]serialize.AppInstance
	cleared []string
}

func (s *stubAppSource) DirtyInstances(ctx context.Context, profile, modelName string, partitionPrefixes []string) ([]serialize.AppInstance, error) {
	return s.dirty[modelName], nil
}

func (s *stubAppSource) ClearDirtyBit(ctx context.Context, profile, modelName string, storeIDs []string) error {
	s.cleared = append(s.cleared, storeIDs...)
	delete(s.dirty, modelName)
	return nil
}
