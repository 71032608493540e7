package morangohttp

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/learningequality/morango/pkg/identity"
	"github.com/learningequality/morango/pkg/morangocert"
	"github.com/learningequality/morango/pkg/morangoerrs"
	"github.com/learningequality/morango/pkg/pkcrypto"
	"github.com/learningequality/morango/pkg/session"
	"github.com/learningequality/morango/pkg/store"
	"github.com/learningequality/morango/private/dbutil"
)

// ClientDeps bundles the local persistence a SyncClient reads and writes
// while driving a sync against a remote Server, the client-side mirror of
// Deps. Registry must carry both the local transfer middleware
// (transfer.RegisterLocal) and the network middleware
// (transfer.RegisterNetwork) - InitiatePush/InitiatePull drive both halves
// of the transfer through the one Controller built on it.
type ClientDeps struct {
	Certificates morangocert.CertificateStore
	ScopeDefs    morangocert.ScopeDefinitionStore
	Store        store.Repository
	DB           *sql.DB
	Queries      dbutil.DialectQueries
	Registry     *session.Registry

	Identity   identity.Store
	DatabaseID string
	System     identity.SystemInfo

	Log *zap.Logger
}

// NetworkSyncConnection is an HTTP client for one remote morango instance's
// API, the Go counterpart of NetworkSyncConnection in the original: it
// discovers the peer's capabilities up front and retries transient
// failures with exponential backoff, the same resilience the original
// gets from requests' Retry adapter.
type NetworkSyncConnection struct {
	baseURL      string
	httpClient   *http.Client
	capabilities map[string]bool
	log          *zap.Logger

	maxRetries  int
	minInterval time.Duration
	maxInterval time.Duration
}

// NewNetworkSyncConnection dials baseURL's morangoinfo/ endpoint to learn
// its capabilities before returning, exactly as the original's constructor
// eagerly populates self.capabilities.
func NewNetworkSyncConnection(ctx context.Context, baseURL string, log *zap.Logger) (*NetworkSyncConnection, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn := &NetworkSyncConnection{
		baseURL:     strings.TrimRight(baseURL, "/") + "/",
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         log,
		maxRetries:  7,
		minInterval: 300 * time.Millisecond,
		maxInterval: 40 * time.Second,
	}
	info, err := conn.info(ctx)
	if err != nil {
		return nil, err
	}
	conn.capabilities = ParseCapabilities(strings.Join(info.Capabilities, " "))
	return conn, nil
}

func (c *NetworkSyncConnection) endpoint(parts ...string) string {
	return c.baseURL + "api/morango/v1/" + strings.Join(parts, "/")
}

// retryable reports whether status deserves another attempt: connection
// failures reach here as a nil response, and every 5xx is considered
// transient; 4xx is the peer telling us the request itself is bad, so
// retrying it would just fail the same way again.
func retryable(status int) bool {
	return status == 0 || status >= 500
}

// request sends one HTTP request, retrying transient failures with
// exponential backoff up to maxRetries times.
func (c *NetworkSyncConnection) request(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, []byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.minInterval
	bo.MaxInterval = c.maxInterval

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, nil, Error.Wrap(err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.log.Debug("sync request failed, retrying", zap.String("url", url), zap.Error(err))
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if retryable(resp.StatusCode) {
			lastErr = morangoerrs.Base.New("%s %s: status %d: %s", method, url, resp.StatusCode, string(raw))
			c.log.Debug("sync request returned a transient error, retrying", zap.String("url", url), zap.Int("status", resp.StatusCode))
			continue
		}
		return resp, raw, nil
	}
	return nil, nil, Error.Wrap(fmt.Errorf("exhausted retries: %w", lastErr))
}

func (c *NetworkSyncConnection) getJSON(ctx context.Context, url string, out any) error {
	_, raw, err := c.request(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return err
	}
	if out != nil {
		return Error.Wrap(json.Unmarshal(raw, out))
	}
	return nil
}

func (c *NetworkSyncConnection) postJSON(ctx context.Context, url string, body, out any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	resp, respRaw, err := c.request(ctx, http.MethodPost, url, raw, map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return nil, err
	}
	if out != nil && len(respRaw) > 0 {
		if err := json.Unmarshal(respRaw, out); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return resp, nil
}

func (c *NetworkSyncConnection) patchJSON(ctx context.Context, url string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return Error.Wrap(err)
	}
	_, respRaw, err := c.request(ctx, http.MethodPatch, url, raw, map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return err
	}
	if out != nil && len(respRaw) > 0 {
		return Error.Wrap(json.Unmarshal(respRaw, out))
	}
	return nil
}

func (c *NetworkSyncConnection) delete(ctx context.Context, url string) error {
	_, _, err := c.request(ctx, http.MethodDelete, url, nil, nil)
	return err
}

func (c *NetworkSyncConnection) info(ctx context.Context) (InfoResponse, error) {
	var info InfoResponse
	if err := c.getJSON(ctx, c.endpoint("morangoinfo")+"/", &info); err != nil {
		return InfoResponse{}, err
	}
	return info, nil
}

func (c *NetworkSyncConnection) certificateChain(ctx context.Context, query url.Values) ([]*morangocert.Certificate, error) {
	var wire []CertificateWire
	u := c.endpoint("certificates") + "/?" + query.Encode()
	if err := c.getJSON(ctx, u, &wire); err != nil {
		return nil, err
	}
	out := make([]*morangocert.Certificate, 0, len(wire))
	for _, w := range wire {
		cert, err := morangocert.Deserialize(w.Serialized, w.Signature)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, nil
}

// FetchCertificateChain fetches the ancestry of the certificate identified
// by certID, root first, the same shape CreateSyncSession resolves
// internally - exported so a caller bootstrapping a session from nothing
// but a known certificate id (a CLI, say) can resolve and save the chain
// itself before it has any certificate of its own on file.
func (c *NetworkSyncConnection) FetchCertificateChain(ctx context.Context, certID string) ([]*morangocert.Certificate, error) {
	return c.certificateChain(ctx, url.Values{"ancestors_of": {certID}})
}

func (c *NetworkSyncConnection) nonce(ctx context.Context) (string, error) {
	var resp NonceResponse
	if _, err := c.postJSON(ctx, c.endpoint("nonces")+"/", struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CertificateSigningRequest asks the remote peer to sign a new child
// certificate under parentCert, Basic-authenticated the same way the
// original's certificate_signing_request passes userargs/password through.
func (c *NetworkSyncConnection) CertificateSigningRequest(ctx context.Context, parentCert *morangocert.Certificate, scopeDefinitionID string, scopeParams map[string]string, username, password string) (*morangocert.Certificate, error) {
	scopeParamsJSON, err := json.Marshal(scopeParams)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	key, err := pkcrypto.GenerateKey()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	pubPEM, err := pkcrypto.PublicKeyPEMString(pkcrypto.PublicKeyFromPrivate(key))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	csrBody, err := json.Marshal(CertificateSigningRequest{
		Parent:          parentCert.ID,
		Profile:         parentCert.Profile,
		ScopeDefinition: scopeDefinitionID,
		ScopeVersion:    parentCert.ScopeVersion,
		ScopeParamsJSON: string(scopeParamsJSON),
		PublicKeyString: pubPEM,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("certificates")+"/", bytes.NewReader(csrBody))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(username, password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, morangoerrs.Base.New("certificate signing request rejected: status %d: %s", resp.StatusCode, string(raw))
	}

	var wire CertificateWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, Error.Wrap(err)
	}
	cert, err := morangocert.Deserialize(wire.Serialized, wire.Signature)
	if err != nil {
		return nil, err
	}
	cert.PrivateKey = key
	return cert, nil
}

// PushCertificateChain uploads local's chain up to and including a freshly
// minted leaf scoped under scopeDefinitionID, gated on the server
// advertising allow_certificate_pushing — the client-initiated counterpart
// of CertificateSigningRequest, for peers that can't reach a CA endpoint.
func (c *NetworkSyncConnection) PushCertificateChain(ctx context.Context, ancestry []*morangocert.Certificate, scopeDefinitionID string, scopeParams map[string]string) (*morangocert.Certificate, error) {
	if !c.capabilities[CapabilityAllowCertificatePushing] {
		return nil, morangoerrs.Base.New("server does not allow certificate pushing")
	}
	var keyResp []PublicKeyResponse
	if err := c.getJSON(ctx, c.endpoint("publickey")+"/", &keyResp); err != nil {
		return nil, err
	}
	if len(keyResp) == 0 {
		return nil, morangoerrs.Base.New("server returned no shared public key")
	}

	nonce, err := c.nonce(ctx)
	if err != nil {
		return nil, err
	}
	parent := ancestry[len(ancestry)-1]
	leaf := &morangocert.Certificate{
		ParentID:          parent.ID,
		Profile:           parent.Profile,
		Salt:              nonce,
		ScopeDefinitionID: scopeDefinitionID,
		ScopeVersion:      parent.ScopeVersion,
		ScopeParams:       scopeParams,
		PublicKeyPEM:      keyResp[0].PublicKey,
	}
	leaf.ID = leaf.CalculateUUID()
	if err := parent.SignChild(leaf); err != nil {
		return nil, err
	}

	wireChain := make([]CertificateWire, 0, len(ancestry)+1)
	for _, cert := range ancestry {
		wireChain = append(wireChain, toWire(cert))
	}
	wireChain = append(wireChain, toWire(leaf))

	resp, err := c.postJSON(ctx, c.endpoint("certificatechain")+"/", wireChain, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, morangoerrs.Base.New("certificate chain push rejected: status %d", resp.StatusCode)
	}
	return leaf, nil
}

// SyncClient drives a push or pull against one remote connection, mirroring
// the original's SyncClient one-transfer-session-at-a-time state machine.
// It also implements session.NetworkConnection: InitiatePush/InitiatePull
// attach it to a NetworkSessionContext and let a session.Controller drive
// both halves of the transfer, rather than calling the wire methods
// imperatively themselves.
type SyncClient struct {
	conn *NetworkSyncConnection
	deps ClientDeps

	syncSessionID          string
	clientCert, serverCert *morangocert.Certificate

	lastTransferSessionID string
	chunkSize             int
}

// CreateSyncSession performs the nonce-signed handshake described in
// spec.md §4.1: fetching the server's certificate chain if not already
// held locally, minting and signing a nonce, and verifying the server's
// reciprocal signature before trusting the session.
func CreateSyncSession(ctx context.Context, conn *NetworkSyncConnection, deps ClientDeps, clientCert, serverCert *morangocert.Certificate, chunkSize int) (*SyncClient, error) {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if _, ok, err := deps.Certificates.Get(ctx, serverCert.ID); err != nil {
		return nil, Error.Wrap(err)
	} else if !ok {
		chain, err := conn.certificateChain(ctx, url.Values{"ancestors_of": {serverCert.ID}})
		if err != nil {
			return nil, err
		}
		if _, err := morangocert.SaveChain(ctx, deps.Certificates, deps.ScopeDefs, chain, serverCert.ID); err != nil {
			return nil, err
		}
	}

	nonce, err := conn.nonce(ctx)
	if err != nil {
		return nil, err
	}

	sessionID := pkcrypto.RandomHexID()
	message := nonce + ":" + sessionID
	signature, err := pkcrypto.Sign(clientCert.PrivateKey, []byte(message))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	dbID, err := identity.CurrentOrCreateDatabaseID(ctx, deps.Identity)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	instance, err := identity.CurrentAndIncrement(ctx, deps.Identity, dbID.ID, deps.System)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	instanceJSON, _ := json.Marshal(instance)

	var sessResp SyncSessionWire
	if _, err := conn.postJSON(ctx, conn.endpoint("syncsessions")+"/", CreateSyncSessionRequest{
		ID:                  sessionID,
		ServerCertificateID: serverCert.ID,
		ClientCertificateID: clientCert.ID,
		Profile:             clientCert.Profile,
		ConnectionPath:      conn.baseURL,
		ClientInstanceJSON:  string(instanceJSON),
		Nonce:               nonce,
		Signature:           signature,
	}, &sessResp); err != nil {
		return nil, err
	}
	if err := serverCert.Verify(message, sessResp.Signature); err != nil {
		return nil, morangoerrs.ErrCertificateSignatureInvalid.Wrap(err)
	}

	now := time.Now()
	local := store.SyncSession{
		ID: sessionID, Profile: clientCert.Profile, IsServer: false,
		ClientCertificateID: clientCert.ID, ServerCertificateID: serverCert.ID,
		ConnectionKind: "network", ConnectionPath: conn.baseURL,
		ClientInstanceJSON: string(instanceJSON), ServerInstanceJSON: sessResp.ServerInstanceJSON,
		StartTimestamp: now, LastActivityTimestamp: now, Active: true,
	}
	if err := deps.Store.UpsertSyncSession(ctx, local); err != nil {
		return nil, Error.Wrap(err)
	}

	return &SyncClient{
		conn: conn, deps: deps,
		syncSessionID: sessionID,
		clientCert:    clientCert, serverCert: serverCert,
		chunkSize: chunkSize,
	}, nil
}

// InitiatePush drives a push transfer to completion: serialize, queue,
// report records_total, push in chunks, drop the local buffer, close the
// session - the same sequence the original's initiate_push runs, now
// expressed as a composite LocalSessionContext+NetworkSessionContext
// walked by a session.Controller instead of called imperatively.
func (sc *SyncClient) InitiatePush(ctx context.Context, filter morangocert.Filter) error {
	return sc.initiate(ctx, true, filter)
}

// InitiatePull drives a pull transfer to completion: request the peer
// queue data matching filter, page it into the local buffer, dequeue it
// into the store, and update this database's FSIC - the original's
// initiate_pull, driven the same composite way as InitiatePush.
func (sc *SyncClient) InitiatePull(ctx context.Context, filter morangocert.Filter) error {
	return sc.initiate(ctx, false, filter)
}

func (sc *SyncClient) initiate(ctx context.Context, push bool, filter morangocert.Filter) error {
	id := pkcrypto.RandomHexID()
	sc.lastTransferSessionID = id

	lctx, err := session.NewLocalSessionContext(ctx, sc.deps.Store, id, push, false, filter, sc.conn.capabilities)
	if err != nil {
		return Error.Wrap(err)
	}
	lctx.SetSyncSessionID(sc.syncSessionID)

	nctx := session.NewNetworkSessionContext(sc.syncSessionID, id, push, filter, sc.conn.capabilities)
	nctx.SetConnection(sc)

	composite := session.NewCompositeSessionContext(lctx, nctx)
	controller := session.NewController(sc.deps.Registry, sc.log())
	status, err := controller.ProceedToAndWaitFor(ctx, composite, session.StageCleanup, sc.conn.maxInterval)
	if err != nil {
		return err
	}
	if status == session.StatusErrored {
		if cerr := composite.Err(); cerr != nil {
			return cerr
		}
		return morangoerrs.Base.New("sync transfer %q errored", id)
	}
	return nil
}

func (sc *SyncClient) log() *zap.Logger {
	if sc.deps.Log == nil {
		return zap.NewNop()
	}
	return sc.deps.Log
}

// CreateTransferSession implements session.NetworkConnection.
func (sc *SyncClient) CreateTransferSession(ctx context.Context, id, syncSessionID string, filter morangocert.Filter, push bool, clientFSIC string, recordsTotal int64) (session.RemoteTransferInfo, error) {
	req := CreateTransferSessionRequest{
		ID: id, SyncSessionID: syncSessionID, Filter: strings.Join([]string(filter), " "),
		Push: push, ClientFSIC: clientFSIC,
	}
	if push {
		req.RecordsTotal = recordsTotal
	}
	var resp TransferSessionWire
	if _, err := sc.conn.postJSON(ctx, sc.conn.endpoint("transfersessions")+"/", req, &resp); err != nil {
		return session.RemoteTransferInfo{}, err
	}
	return fromTransferSessionWire(resp), nil
}

// GetTransferSession implements session.NetworkConnection.
func (sc *SyncClient) GetTransferSession(ctx context.Context, id string) (session.RemoteTransferInfo, error) {
	var resp TransferSessionWire
	if err := sc.conn.getJSON(ctx, sc.conn.endpoint("transfersessions", id)+"/", &resp); err != nil {
		return session.RemoteTransferInfo{}, err
	}
	return fromTransferSessionWire(resp), nil
}

// ReportRecordsTotal implements session.NetworkConnection.
func (sc *SyncClient) ReportRecordsTotal(ctx context.Context, id string, total int64) (session.RemoteTransferInfo, error) {
	var resp TransferSessionWire
	if err := sc.conn.patchJSON(ctx, sc.conn.endpoint("transfersessions", id)+"/", UpdateTransferSessionRequest{RecordsTotal: &total}, &resp); err != nil {
		return session.RemoteTransferInfo{}, err
	}
	return fromTransferSessionWire(resp), nil
}

// AdvanceRemoteStage implements session.NetworkConnection.
func (sc *SyncClient) AdvanceRemoteStage(ctx context.Context, id string, stage session.Stage, recordsTotal *int64) (session.RemoteTransferInfo, error) {
	stageInt := int(stage)
	var resp TransferSessionWire
	if err := sc.conn.patchJSON(ctx, sc.conn.endpoint("transfersessions", id)+"/", UpdateTransferSessionRequest{TransferStage: &stageInt, RecordsTotal: recordsTotal}, &resp); err != nil {
		return session.RemoteTransferInfo{}, err
	}
	return fromTransferSessionWire(resp), nil
}

// CloseTransferSession implements session.NetworkConnection.
func (sc *SyncClient) CloseTransferSession(ctx context.Context, id string) error {
	return sc.conn.delete(ctx, sc.conn.endpoint("transfersessions", id)+"/")
}

// ChunkSize implements session.NetworkConnection.
func (sc *SyncClient) ChunkSize() int { return sc.chunkSize }

// fromTransferSessionWire converts a transfersessions/ response into the
// shape pkg/session drives its NetworkSessionContext stage logic from.
func fromTransferSessionWire(w TransferSessionWire) session.RemoteTransferInfo {
	return session.RemoteTransferInfo{
		ID: w.ID, ServerFSIC: w.ServerFSIC, ClientFSIC: w.ClientFSIC,
		RecordsTotal: w.RecordsTotal, RecordsTransferred: w.RecordsTransferred,
		Stage: session.Stage(w.TransferStage), StageStatus: session.Status(w.TransferStageStatus),
	}
}

// CloseSyncSession closes the remote session and marks the local mirror
// inactive. The transfer session must already be closed, same precondition
// the original enforces.
func (sc *SyncClient) CloseSyncSession(ctx context.Context) error {
	if sc.lastTransferSessionID != "" {
		ts, ok, err := sc.deps.Store.GetTransferSession(ctx, sc.lastTransferSessionID)
		if err != nil {
			return Error.Wrap(err)
		}
		if ok && ts.Active {
			return morangoerrs.Base.New("transfer session must be closed before closing sync session")
		}
	}
	if err := sc.conn.delete(ctx, sc.conn.endpoint("syncsessions", sc.syncSessionID)+"/"); err != nil {
		return err
	}
	sess, ok, err := sc.deps.Store.GetSyncSession(ctx, sc.syncSessionID)
	if err != nil {
		return Error.Wrap(err)
	}
	if ok {
		sess.Active = false
		if err := sc.deps.Store.UpsertSyncSession(ctx, sess); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// PushChunk implements session.NetworkConnection: it pages up to
// ChunkSize records starting at offset from the local outgoing buffer to
// the peer, the Go analogue of _push_records' Paginator loop applied to
// one page instead of the whole buffer.
func (sc *SyncClient) PushChunk(ctx context.Context, transferSessionID string, offset int) (int, error) {
	rows, err := sc.deps.Store.ListBufferRecords(ctx, transferSessionID, offset, sc.chunkSize)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	rmcbs, err := sc.deps.Store.ListRecordMaxCounterBuffers(ctx, transferSessionID)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	wire := make([]BufferRecordWire, 0, len(rows))
	for _, rec := range rows {
		wire = append(wire, toBufferWire(rec, rmcbs))
	}
	if err := sc.postBufferChunk(ctx, wire); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// postBufferChunk sends one chunk of buffer rows, gzip-compressing the
// body when both peers advertise gzip_buffer_post, mirroring
// _push_record_chunk's capability check.
func (sc *SyncClient) postBufferChunk(ctx context.Context, wire []BufferRecordWire) error {
	raw, err := json.Marshal(wire)
	if err != nil {
		return Error.Wrap(err)
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if sc.conn.capabilities[CapabilityGzipBufferPost] {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(raw); err != nil {
			return Error.Wrap(err)
		}
		if err := gz.Close(); err != nil {
			return Error.Wrap(err)
		}
		raw = buf.Bytes()
		headers["Content-Type"] = "application/gzip"
		headers["Content-Encoding"] = "gzip"
	}
	_, _, err = sc.conn.request(ctx, http.MethodPost, sc.conn.endpoint("buffers")+"/", raw, headers)
	return err
}

// PullChunk implements session.NetworkConnection: it fetches up to
// ChunkSize records starting at offset from the peer's outgoing buffer
// and inserts them into the local incoming buffer, the Go analogue of
// _pull_records applied to one page instead of the whole transfer.
func (sc *SyncClient) PullChunk(ctx context.Context, transferSessionID string, offset int) (int, error) {
	q := url.Values{
		"transfer_session_id": {transferSessionID},
		"limit":               {strconv.Itoa(sc.chunkSize)},
		"offset":              {strconv.Itoa(offset)},
	}
	var wire []BufferRecordWire
	if err := sc.conn.getJSON(ctx, sc.conn.endpoint("buffers")+"/?"+q.Encode(), &wire); err != nil {
		return 0, err
	}
	if len(wire) == 0 {
		return 0, nil
	}
	for _, w := range wire {
		if w.TransferSession != transferSessionID {
			return 0, morangoerrs.Base.New("pulled record targets transfer session %q, expected %q", w.TransferSession, transferSessionID)
		}
	}

	records := make([]store.BufferRecord, 0, len(wire))
	var rmcbs []store.RecordMaxCounterBuffer
	for _, w := range wire {
		rec, recRmcbs := fromBufferWire(w)
		records = append(records, rec)
		rmcbs = append(rmcbs, recRmcbs...)
	}
	if err := sc.deps.Store.InsertBufferRecords(ctx, records, rmcbs); err != nil {
		return 0, Error.Wrap(err)
	}
	return len(wire), nil
}
