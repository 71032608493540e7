package morangohttp_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/learningequality/morango/pkg/identity"
	"github.com/learningequality/morango/pkg/morangocert"
	"github.com/learningequality/morango/pkg/morangohttp"
	"github.com/learningequality/morango/pkg/pkcrypto"
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
CREATE TABLE buffer (
	model_uuid text NOT NULL,
	serialized text NOT NULL DEFAULT '',
	deleted integer NOT NULL DEFAULT 0,
	last_saved_instance text NOT NULL,
	last_saved_counter integer NOT NULL,
	hard_deleted integer NOT NULL DEFAULT 0,
	model_name text NOT NULL DEFAULT '',
	profile text NOT NULL,
	partition text NOT NULL,
	source_id text NOT NULL DEFAULT '',
	conflicting_serialized_data text NOT NULL DEFAULT '',
	_self_ref_fk text NOT NULL DEFAULT '',
	transfer_session_id text NOT NULL
);
CREATE TABLE record_max_counter (
	instance_id text NOT NULL,
	counter integer NOT NULL,
	store_model_id text NOT NULL
);
CREATE TABLE record_max_counter_buffer (
	instance_id text NOT NULL,
	counter integer NOT NULL,
	model_uuid text NOT NULL,
	transfer_session_id text NOT NULL
);
CREATE TABLE deleted_models (id text PRIMARY KEY, profile text NOT NULL);
CREATE TABLE hard_deleted_models (id text PRIMARY KEY, profile text NOT NULL);
CREATE TABLE database_max_counter (
	instance_id text NOT NULL,
	partition text NOT NULL,
	counter integer NOT NULL,
	PRIMARY KEY (instance_id, partition)
);
CREATE TABLE sync_session (
	id text PRIMARY KEY,
	profile text NOT NULL,
	is_server integer NOT NULL DEFAULT 0,
	client_certificate_id text NOT NULL DEFAULT '',
	server_certificate_id text NOT NULL DEFAULT '',
	connection_kind text NOT NULL DEFAULT '',
	connection_path text NOT NULL DEFAULT '',
	client_ip text NOT NULL DEFAULT '',
	server_ip text NOT NULL DEFAULT '',
	client_instance_json text NOT NULL DEFAULT '',
	server_instance_json text NOT NULL DEFAULT '',
	extra_fields_json text NOT NULL DEFAULT '',
	start_timestamp timestamp NOT NULL,
	last_activity_timestamp timestamp NOT NULL,
	active integer NOT NULL DEFAULT 1,
	process_id text NOT NULL DEFAULT ''
);
CREATE TABLE transfer_session (
	id text PRIMARY KEY,
	sync_session_id text NOT NULL,
	filter text NOT NULL DEFAULT '',
	push integer NOT NULL DEFAULT 0,
	active integer NOT NULL DEFAULT 1,
	records_transferred integer NOT NULL DEFAULT 0,
	records_total integer NOT NULL DEFAULT 0,
	bytes_sent integer NOT NULL DEFAULT 0,
	bytes_received integer NOT NULL DEFAULT 0,
	client_fsic text NOT NULL DEFAULT '',
	server_fsic text NOT NULL DEFAULT '',
	stage integer NOT NULL DEFAULT 0,
	stage_status integer NOT NULL DEFAULT 0,
	start_timestamp timestamp NOT NULL,
	last_activity_timestamp timestamp NOT NULL
);
`

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(schema)
	require.NoError(t, err)
	return db
}

type fakeIdentityStore struct {
	instance identity.InstanceID
}

func (f *fakeIdentityStore) CurrentDatabaseID(ctx context.Context) (identity.DatabaseID, bool, error) {
	return identity.DatabaseID{ID: "server-db", Current: true}, true, nil
}
func (f *fakeIdentityStore) CreateDatabaseID(ctx context.Context, id identity.DatabaseID) error {
	return nil
}
func (f *fakeIdentityStore) GetInstanceID(ctx context.Context, id string) (identity.InstanceID, bool, error) {
	if f.instance.ID == id {
		return f.instance, true, nil
	}
	return identity.InstanceID{}, false, nil
}
func (f *fakeIdentityStore) UpsertInstanceID(ctx context.Context, instance identity.InstanceID) error {
	f.instance = instance
	return nil
}
func (f *fakeIdentityStore) IncrementInstanceCounter(ctx context.Context, id string) (int64, error) {
	f.instance.Counter++
	return f.instance.Counter, nil
}

type fakeCertStore struct {
	certs map[string]*morangocert.Certificate
}

func newFakeCertStore() *fakeCertStore { return &fakeCertStore{certs: map[string]*morangocert.Certificate{}} }

func (s *fakeCertStore) Get(ctx context.Context, id string) (*morangocert.Certificate, bool, error) {
	c, ok := s.certs[id]
	return c, ok, nil
}

func (s *fakeCertStore) Save(ctx context.Context, cert *morangocert.Certificate) error {
	s.certs[cert.ID] = cert
	return nil
}

type fakeNonceRepo struct {
	nonces map[string]morangocert.Nonce
}

func newFakeNonceRepo() *fakeNonceRepo { return &fakeNonceRepo{nonces: map[string]morangocert.Nonce{}} }

func (r *fakeNonceRepo) Create(ctx context.Context, nonce morangocert.Nonce) error {
	r.nonces[nonce.ID] = nonce
	return nil
}
func (r *fakeNonceRepo) Get(ctx context.Context, id string) (morangocert.Nonce, bool, error) {
	n, ok := r.nonces[id]
	return n, ok, nil
}
func (r *fakeNonceRepo) Delete(ctx context.Context, id string) error {
	delete(r.nonces, id)
	return nil
}

func facilityScopeDef() morangocert.ScopeDefinition {
	return morangocert.ScopeDefinition{
		ID:                      "facility",
		Profile:                 "facilitysync",
		Version:                 1,
		PrimaryScopeParamKey:    "facility_id",
		ReadWriteFilterTemplate: "${facility_id}",
	}
}

// newTestServer wires a Server backed by a fresh in-memory sqlite
// database and in-memory certificate/nonce stores, returning it along
// with its server and client root certificates so a test can drive a
// push or pull against it the way a real NetworkSyncConnection would.
func newTestServer(t *testing.T) (*httptest.Server, *morangocert.Certificate, *morangocert.Certificate, *morangocert.StaticScopeDefinitions, store.Repository) {
	t.Helper()
	ctx := context.Background()
	db := openTestDB(t)
	repo := &store.SQLRepository{DB: db, Queries: sqliteutil.Queries{}}

	scopeDefs := morangocert.NewStaticScopeDefinitions([]morangocert.ScopeDefinition{facilityScopeDef()})
	serverCert, err := morangocert.GenerateRoot(ctx, scopeDefs, "facility", "", nil)
	require.NoError(t, err)
	clientCert, err := morangocert.GenerateRoot(ctx, scopeDefs, "facility", "", nil)
	require.NoError(t, err)

	certs := newFakeCertStore()
	require.NoError(t, certs.Save(ctx, serverCert))
	require.NoError(t, certs.Save(ctx, clientCert))

	deps := morangohttp.Deps{
		Certificates: certs,
		ScopeDefs:    scopeDefs,
		Nonces:       newFakeNonceRepo(),
		Store:        repo,
		DB:           db,
		Queries:      sqliteutil.Queries{},
		Identity:     &fakeIdentityStore{},
		DatabaseID:   "server-db",
		System:       identity.SystemInfo{Hostname: "server-host"},
		Capabilities: map[string]bool{morangohttp.CapabilityGzipBufferPost: true},
	}
	srv := httptest.NewServer(morangohttp.NewServer(deps))
	t.Cleanup(srv.Close)
	return srv, serverCert, clientCert, scopeDefs, repo
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestInfoReportsCapabilities(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/morango/v1/morangoinfo/")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info morangohttp.InfoResponse
	decodeJSON(t, resp, &info)
	require.NotEmpty(t, info.InstanceHash)
	require.Contains(t, info.Capabilities, morangohttp.CapabilityGzipBufferPost)
}

func TestPushFlowMergesBufferedRecordIntoServerStore(t *testing.T) {
	srv, serverCert, clientCert, _, repo := newTestServer(t)
	ctx := context.Background()
	base := srv.URL + "/api/morango/v1"

	resp, err := http.Post(base+"/nonces/", "application/json", nil)
	require.NoError(t, err)
	var nonceResp morangohttp.NonceResponse
	decodeJSON(t, resp, &nonceResp)

	syncSessionID := "sync-1"
	message := nonceResp.ID + ":" + syncSessionID
	signature, err := pkcrypto.Sign(clientCert.PrivateKey, []byte(message))
	require.NoError(t, err)

	resp = postJSON(t, base+"/syncsessions/", morangohttp.CreateSyncSessionRequest{
		ID:                  syncSessionID,
		ServerCertificateID: serverCert.ID,
		ClientCertificateID: clientCert.ID,
		Profile:             "facilitysync",
		Nonce:               nonceResp.ID,
		Signature:           signature,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sessWire morangohttp.SyncSessionWire
	decodeJSON(t, resp, &sessWire)
	require.NoError(t, serverCert.Verify(message, sessWire.Signature))

	transferSessionID := "ts-1"
	resp = postJSON(t, base+"/transfersessions/", morangohttp.CreateTransferSessionRequest{
		ID:            transferSessionID,
		SyncSessionID: syncSessionID,
		Filter:        clientCert.ID,
		Push:          true,
		ClientFSIC:    "{}",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	record := morangohttp.BufferRecordWire{
		Profile:           "facilitysync",
		Serialized:        `{"a":1}`,
		LastSavedInstance: "client-inst",
		LastSavedCounter:  1,
		Partition:         clientCert.ID,
		SourceID:          "src-1",
		ModelName:         "item",
		ModelUUID:         "row-1",
		TransferSession:   transferSessionID,
		RMCBList: []morangohttp.RMCBufferEntryWire{
			{InstanceID: "client-inst", Counter: 1, TransferSession: transferSessionID, ModelUUID: "row-1"},
		},
	}
	resp = postJSON(t, base+"/buffers/", []morangohttp.BufferRecordWire{record})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, base+"/transfersessions/"+transferSessionID+"/", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	stored, ok, err := repo.GetRecord(ctx, "row-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"a":1}`, stored.Serialized)
	require.Equal(t, "client-inst", stored.LastSavedInstance)

	rmc, err := repo.RecordMaxCounters(ctx, "row-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), rmc["client-inst"])

	ts, ok, err := repo.GetTransferSession(ctx, transferSessionID)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, ts.Active)
	require.Equal(t, int64(1), ts.RecordsTransferred)
}

func TestPullFlowQueuesServerDataForClientToPage(t *testing.T) {
	srv, serverCert, clientCert, _, repo := newTestServer(t)
	ctx := context.Background()
	base := srv.URL + "/api/morango/v1"

	now := time.Now()
	require.NoError(t, repo.UpsertRecord(ctx, store.Record{
		ID: "row-2", Profile: "facilitysync", Serialized: `{"b":2}`,
		LastSavedInstance: "server-inst", LastSavedCounter: 1,
		Partition: clientCert.ID, SourceID: "src-2", ModelName: "item",
	}))
	require.NoError(t, repo.SetRecordMaxCounter(ctx, "row-2", "server-inst", 1))
	require.NoError(t, repo.UpdateFSICs(ctx, map[string]int64{"server-inst": 1}, []string{clientCert.ID}))

	resp, err := http.Post(base+"/nonces/", "application/json", nil)
	require.NoError(t, err)
	var nonceResp morangohttp.NonceResponse
	decodeJSON(t, resp, &nonceResp)

	syncSessionID := "sync-2"
	message := nonceResp.ID + ":" + syncSessionID
	signature, err := pkcrypto.Sign(clientCert.PrivateKey, []byte(message))
	require.NoError(t, err)
	resp = postJSON(t, base+"/syncsessions/", morangohttp.CreateSyncSessionRequest{
		ID: syncSessionID, ServerCertificateID: serverCert.ID, ClientCertificateID: clientCert.ID,
		Profile: "facilitysync", Nonce: nonceResp.ID, Signature: signature,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = now

	transferSessionID := "ts-2"
	resp = postJSON(t, base+"/transfersessions/", morangohttp.CreateTransferSessionRequest{
		ID: transferSessionID, SyncSessionID: syncSessionID, Filter: clientCert.ID, Push: false, ClientFSIC: "{}",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tsWire morangohttp.TransferSessionWire
	decodeJSON(t, resp, &tsWire)
	require.Equal(t, int64(1), tsWire.RecordsTotal)

	resp, err = http.Get(base + "/buffers/?transfer_session_id=" + transferSessionID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var records []morangohttp.BufferRecordWire
	decodeJSON(t, resp, &records)
	require.Len(t, records, 1)
	require.Equal(t, "row-2", records[0].ModelUUID)
	require.Len(t, records[0].RMCBList, 1)
	require.Equal(t, "server-inst", records[0].RMCBList[0].InstanceID)
}
