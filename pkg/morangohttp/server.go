package morangohttp

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/learningequality/morango/pkg/fsic"
	"github.com/learningequality/morango/pkg/identity"
	"github.com/learningequality/morango/pkg/morangocert"
	"github.com/learningequality/morango/pkg/morangoerrs"
	"github.com/learningequality/morango/pkg/pkcrypto"
	"github.com/learningequality/morango/pkg/session"
	"github.com/learningequality/morango/pkg/store"
	"github.com/learningequality/morango/private/dbutil"
)

// Error is the error class for the morangohttp package.
var Error = errs.Class("morangohttp")

// CertificateSigner authorizes a certificate-signing request: given the
// Basic-auth credentials a client presented and the scope it's
// requesting, it reports whether the request may be granted. A nil
// Signer rejects every signing request, the same as having no morango
// users configured.
type CertificateSigner func(ctx context.Context, username, password, scopeDefinitionID string, scopeParams map[string]string) (bool, error)

// Deps bundles everything the HTTP API needs to serve one morango
// instance's certificates, sessions, and buffer.
type Deps struct {
	Certificates morangocert.CertificateStore
	ScopeDefs    morangocert.ScopeDefinitionStore
	Nonces       morangocert.NonceRepository
	Store        store.Repository
	DB           *sql.DB
	Queries      dbutil.DialectQueries

	Identity   identity.Store
	DatabaseID string
	System     identity.SystemInfo

	Capabilities    map[string]bool
	SharedPublicKey string
	Signer          CertificateSigner

	// Registry drives the async_operations path: when a transfersessions/
	// PATCH names a transfer_stage, the server builds a LocalSessionContext
	// for its own side of that transfer and runs Registry's middleware up
	// to that stage, the same way pkg/transfer's local operations do for a
	// sync this instance initiated itself.
	Registry *session.Registry

	Log *zap.Logger
}

// Server serves the morango HTTP API described in spec.md §6.1 over a
// gorilla/mux router. The buffer upload endpoint accepts a gzip-compressed
// push body the same way the original does, and gziphandler compresses
// that endpoint's responses.
type Server struct {
	deps   Deps
	router *mux.Router
}

// NewServer builds a Server and registers its routes under
// /api/morango/v1/.
func NewServer(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	s := &Server{deps: deps, router: mux.NewRouter()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/morango/v1").Subrouter()

	api.HandleFunc("/morangoinfo/", s.handleInfo).Methods(http.MethodGet)
	api.HandleFunc("/publickey/", s.handlePublicKey).Methods(http.MethodGet)
	api.HandleFunc("/nonces/", s.handleCreateNonce).Methods(http.MethodPost)
	api.HandleFunc("/certificates/", s.handleListCertificates).Methods(http.MethodGet)
	api.HandleFunc("/certificates/", s.handleCreateCertificate).Methods(http.MethodPost)
	api.HandleFunc("/certificatechain/", s.handlePushCertificateChain).Methods(http.MethodPost)
	api.HandleFunc("/syncsessions/", s.handleCreateSyncSession).Methods(http.MethodPost)
	api.HandleFunc("/syncsessions/{id}/", s.handleCloseSyncSession).Methods(http.MethodDelete)
	api.HandleFunc("/transfersessions/", s.handleCreateTransferSession).Methods(http.MethodPost)
	api.HandleFunc("/transfersessions/{id}/", s.handleGetTransferSession).Methods(http.MethodGet)
	api.HandleFunc("/transfersessions/{id}/", s.handleUpdateTransferSession).Methods(http.MethodPatch)
	api.HandleFunc("/transfersessions/{id}/", s.handleCloseTransferSession).Methods(http.MethodDelete)

	api.Handle("/buffers/", gziphandler.GzipHandler(http.HandlerFunc(s.handlePushBuffer))).Methods(http.MethodPost)
	api.HandleFunc("/buffers/", s.handlePullBuffer).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func splitFilter(s string) morangocert.Filter {
	return morangocert.Filter(strings.Fields(s))
}

// handleInfo serves morangoinfo/: this instance's identity hash and the
// capabilities it supports. The client intersects this against its own
// set; the server doesn't need to inspect the client's header here.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbID, err := identity.CurrentOrCreateDatabaseID(ctx, s.deps.Identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	instance, err := identity.CurrentAndIncrement(ctx, s.deps.Identity, dbID.ID, s.deps.System)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}

	var caps []string
	for name, on := range s.deps.Capabilities {
		if on {
			caps = append(caps, name)
		}
	}
	writeJSON(w, http.StatusOK, InfoResponse{InstanceHash: instance.ID, Capabilities: caps})
}

// handlePublicKey serves publickey/, gated on allow_certificate_pushing:
// a client wanting to push a new certificate to this server signs it
// against the key this endpoint hands back.
func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Capabilities[CapabilityAllowCertificatePushing] {
		writeError(w, http.StatusForbidden, morangoerrs.Base.New("certificate pushing is not allowed on this server"))
		return
	}
	writeJSON(w, http.StatusOK, []PublicKeyResponse{{PublicKey: s.deps.SharedPublicKey}})
}

func (s *Server) handleCreateNonce(w http.ResponseWriter, r *http.Request) {
	nonce, err := morangocert.Mint(r.Context(), s.deps.Nonces, r.RemoteAddr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	writeJSON(w, http.StatusCreated, NonceResponse{ID: nonce.ID})
}

func toWire(c *morangocert.Certificate) CertificateWire {
	scopeParams, _ := json.Marshal(c.ScopeParams)
	return CertificateWire{
		ID:          c.ID,
		ParentID:    c.ParentID,
		Profile:     c.Profile,
		Serialized:  c.Serialized,
		Signature:   c.Signature,
		ScopeDefID:  c.ScopeDefinitionID,
		ScopeVer:    c.ScopeVersion,
		ScopeParams: string(scopeParams),
		PublicKey:   c.PublicKeyPEM,
	}
}

// handleListCertificates serves certificates/ GET. The original supports
// primary_partition/ancestors_of/profile query filtering over a
// parent-child tree; this store only exposes single-record lookup, so
// ancestors_of walks ParentID by hand and primary_partition is treated
// as a direct id lookup, the common single-hop case every sync uses.
func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var chain []*morangocert.Certificate

	switch {
	case r.URL.Query().Get("ancestors_of") != "":
		id := r.URL.Query().Get("ancestors_of")
		cur, ok, err := s.deps.Certificates.Get(ctx, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, Error.Wrap(err))
			return
		}
		for ok {
			chain = append([]*morangocert.Certificate{cur}, chain...)
			if cur.ParentID == "" {
				break
			}
			cur, ok, err = s.deps.Certificates.Get(ctx, cur.ParentID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, Error.Wrap(err))
				return
			}
		}
	case r.URL.Query().Get("primary_partition") != "":
		id := r.URL.Query().Get("primary_partition")
		if cur, ok, err := s.deps.Certificates.Get(ctx, id); err != nil {
			writeError(w, http.StatusInternalServerError, Error.Wrap(err))
			return
		} else if ok {
			chain = append(chain, cur)
		}
	}

	out := make([]CertificateWire, 0, len(chain))
	for _, c := range chain {
		out = append(out, toWire(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateCertificate serves certificates/ POST: a Basic-authenticated
// certificate-signing request. The named parent certificate signs the
// new child, the same handoff SignChild performs for a local requester.
func (s *Server) handleCreateCertificate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username, password, ok := r.BasicAuth()
	if !ok || s.deps.Signer == nil {
		writeError(w, http.StatusUnauthorized, morangoerrs.Base.New("certificate signing requires Basic auth credentials"))
		return
	}

	var req CertificateSigningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	var scopeParams map[string]string
	if req.ScopeParamsJSON != "" {
		if err := json.Unmarshal([]byte(req.ScopeParamsJSON), &scopeParams); err != nil {
			writeError(w, http.StatusBadRequest, Error.Wrap(err))
			return
		}
	}

	allowed, err := s.deps.Signer(ctx, username, password, req.ScopeDefinition, scopeParams)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, morangoerrs.Base.New("not permitted to request this certificate scope"))
		return
	}

	parent, ok, err := s.deps.Certificates.Get(ctx, req.Parent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	if !ok || !parent.HasPrivateKey() {
		writeError(w, http.StatusBadRequest, morangoerrs.Base.New("requested parent certificate does not exist"))
		return
	}

	nonce, err := morangocert.Mint(ctx, s.deps.Nonces, r.RemoteAddr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	child := &morangocert.Certificate{
		ParentID:          req.Parent,
		Profile:           req.Profile,
		Salt:              nonce.ID,
		ScopeDefinitionID: req.ScopeDefinition,
		ScopeVersion:      req.ScopeVersion,
		ScopeParams:       scopeParams,
		PublicKeyPEM:      req.PublicKeyString,
	}
	child.ID = child.CalculateUUID()
	if err := parent.SignChild(child); err != nil {
		writeError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	if err := child.Check(ctx, parent, s.deps.ScopeDefs); err != nil {
		writeError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	if err := s.deps.Certificates.Save(ctx, child); err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	writeJSON(w, http.StatusCreated, toWire(child))
}

// handlePushCertificateChain serves certificatechain/ POST: a client
// uploads a root-to-leaf chain to be validated and persisted, the same
// recursive bottom-up validation SaveChain performs locally.
func (s *Server) handlePushCertificateChain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var wireChain []CertificateWire
	if err := json.NewDecoder(r.Body).Decode(&wireChain); err != nil {
		writeError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	chain := make([]*morangocert.Certificate, 0, len(wireChain))
	for _, wc := range wireChain {
		cert, err := morangocert.Deserialize(wc.Serialized, wc.Signature)
		if err != nil {
			writeError(w, http.StatusBadRequest, Error.Wrap(err))
			return
		}
		chain = append(chain, cert)
	}
	if _, err := morangocert.SaveChain(ctx, s.deps.Certificates, s.deps.ScopeDefs, chain, ""); err != nil {
		writeError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleCreateSyncSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateSyncSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}

	localCert, ok, err := s.deps.Certificates.Get(ctx, req.ServerCertificateID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	remoteCert, ok2, err := s.deps.Certificates.Get(ctx, req.ClientCertificateID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	if !ok || !ok2 {
		writeError(w, http.StatusBadRequest, morangoerrs.Base.New("requested certificate does not exist"))
		return
	}
	if !localCert.HasPrivateKey() {
		writeError(w, http.StatusBadRequest, morangoerrs.Base.New("server does not hold the private key for its own certificate"))
		return
	}
	if localCert.Profile != remoteCert.Profile {
		writeError(w, http.StatusBadRequest, morangoerrs.Base.New("certificates must both be associated with the same profile"))
		return
	}

	if err := morangocert.Use(ctx, s.deps.Nonces, req.Nonce); err != nil {
		writeError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	message := req.Nonce + ":" + req.ID
	if err := remoteCert.Verify(message, req.Signature); err != nil {
		writeError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}

	dbID, err := identity.CurrentOrCreateDatabaseID(ctx, s.deps.Identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	instance, err := identity.CurrentAndIncrement(ctx, s.deps.Identity, dbID.ID, s.deps.System)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	instanceJSON, _ := json.Marshal(instance)

	now := time.Now()
	sess := store.SyncSession{
		ID:                    req.ID,
		Profile:               localCert.Profile,
		IsServer:              true,
		ClientCertificateID:   req.ClientCertificateID,
		ServerCertificateID:   req.ServerCertificateID,
		ConnectionKind:        "network",
		ConnectionPath:        req.ConnectionPath,
		ClientIP:              req.ClientIP,
		ServerIP:              req.ServerIP,
		ClientInstanceJSON:    req.ClientInstanceJSON,
		ServerInstanceJSON:    string(instanceJSON),
		StartTimestamp:        now,
		LastActivityTimestamp: now,
		Active:                true,
	}
	if err := s.deps.Store.UpsertSyncSession(ctx, sess); err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}

	signature, err := pkcrypto.Sign(localCert.PrivateKey, []byte(message))
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	writeJSON(w, http.StatusCreated, SyncSessionWire{ID: sess.ID, Signature: signature, ServerInstanceJSON: sess.ServerInstanceJSON})
}

func (s *Server) handleCloseSyncSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	sess, ok, err := s.deps.Store.GetSyncSession(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	if ok {
		sess.Active = false
		if err := s.deps.Store.UpsertSyncSession(ctx, sess); err != nil {
			writeError(w, http.StatusInternalServerError, Error.Wrap(err))
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateTransferSession serves transfersessions/ POST. Scope
// containment (requested filter vs. the client certificate's permitted
// scope) is validated here, the same check TransferSessionViewSet.create
// performs before allowing a push (is the filter a subset of what the
// client may write) or a pull (is it a subset of what it may read).
func (s *Server) handleCreateTransferSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateTransferSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}

	syncSession, ok, err := s.deps.Store.GetSyncSession(ctx, req.SyncSessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	if !ok || !syncSession.Active {
		writeError(w, http.StatusBadRequest, morangoerrs.Base.New("requested sync session does not exist or is no longer active"))
		return
	}

	remoteCert, ok, err := s.deps.Certificates.Get(ctx, syncSession.ClientCertificateID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, morangoerrs.Base.New("sync session's client certificate no longer exists"))
		return
	}
	scopeDef, ok, err := s.deps.ScopeDefs.Get(ctx, remoteCert.ScopeDefinitionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, morangoerrs.Base.New("unknown scope definition %q", remoteCert.ScopeDefinitionID))
		return
	}
	remoteScope := scopeDef.GetScope(remoteCert.ScopeParams)
	requested := splitFilter(req.Filter)
	permitted := remoteScope.WriteFilter
	if !req.Push {
		permitted = remoteScope.ReadFilter
	}
	if !morangocert.Subset(requested, permitted) {
		writeError(w, http.StatusForbidden, morangoerrs.Base.New("requested filter is not a subset of the certificate's permitted scope"))
		return
	}

	partitions := partitionPrefixes(requested)
	serverFSICMap, err := s.deps.Store.FilterMaxCounters(ctx, partitions)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	serverFSICJSON, _ := json.Marshal(serverFSICMap)

	now := time.Now()
	ts := store.TransferSession{
		ID:                    req.ID,
		SyncSessionID:         req.SyncSessionID,
		Filter:                req.Filter,
		Push:                  req.Push,
		Active:                true,
		ClientFSIC:            req.ClientFSIC,
		ServerFSIC:            string(serverFSICJSON),
		StartTimestamp:        now,
		LastActivityTimestamp: now,
	}

	if req.Push {
		ts.RecordsTotal = req.RecordsTotal
	} else {
		var clientFSIC fsic.FlatFSIC
		if req.ClientFSIC != "" {
			if err := json.Unmarshal([]byte(req.ClientFSIC), &clientFSIC); err != nil {
				writeError(w, http.StatusBadRequest, Error.Wrap(err))
				return
			}
		}
		diff := fsic.QueueingCalc(serverFSICMap, clientFSIC)
		if len(diff) > 0 {
			tx, err := s.deps.DB.BeginTx(ctx, nil)
			if err != nil {
				writeError(w, http.StatusInternalServerError, Error.Wrap(err))
				return
			}
			if err := dbutil.Queue(ctx, tx, syncSession.Profile, partitions, diff, ts.ID); err != nil {
				_ = tx.Rollback()
				writeError(w, http.StatusInternalServerError, Error.Wrap(err))
				return
			}
			if err := tx.Commit(); err != nil {
				writeError(w, http.StatusInternalServerError, Error.Wrap(err))
				return
			}
		}
		total, err := s.deps.Store.CountBufferedRecords(ctx, ts.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, Error.Wrap(err))
			return
		}
		ts.RecordsTotal = total
	}

	if err := s.deps.Store.UpsertTransferSession(ctx, ts); err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	writeJSON(w, http.StatusCreated, toTransferSessionWire(ts))
}

// handleGetTransferSession serves transfersessions/{id} GET: a read-only
// report of this side's TransferSession row, the Go counterpart of
// get_transfer_session - used by a peer that only wants to know what this
// instance currently believes, without asking it to do anything.
func (s *Server) handleGetTransferSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	ts, ok, err := s.deps.Store.GetTransferSession(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, morangoerrs.Base.New("transfer session %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, toTransferSessionWire(ts))
}

// handleUpdateTransferSession serves transfersessions/{id} PATCH. A plain
// records_total/records_transferred update just records what the peer
// reported, the same for every remote. A transfer_stage field additionally
// asks this instance to run its own middleware registry - built from this
// instance's own LocalSessionContext - up to that stage before responding,
// the async_operations counterpart of remote_proceed_to: the whole point
// of that capability is that the remote does real work on request instead
// of folding it into session create/close.
func (s *Server) handleUpdateTransferSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	ts, ok, err := s.deps.Store.GetTransferSession(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, morangoerrs.Base.New("transfer session %q not found", id))
		return
	}
	var req UpdateTransferSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	if req.RecordsTotal != nil {
		ts.RecordsTotal = *req.RecordsTotal
	}
	if req.RecordsTransferred != nil {
		ts.RecordsTransferred = *req.RecordsTransferred
	}
	ts.LastActivityTimestamp = time.Now()
	if err := s.deps.Store.UpsertTransferSession(ctx, ts); err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}

	if req.TransferStage != nil {
		if s.deps.Registry == nil {
			writeError(w, http.StatusNotImplemented, morangoerrs.Base.New("this instance does not support async_operations"))
			return
		}
		lctx, err := session.NewLocalSessionContext(ctx, s.deps.Store, id, ts.Push, true, splitFilter(ts.Filter), nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, Error.Wrap(err))
			return
		}
		controller := session.NewController(s.deps.Registry, s.deps.Log)
		if _, err := controller.ProceedTo(ctx, lctx, session.Stage(*req.TransferStage)); err != nil {
			writeError(w, http.StatusInternalServerError, Error.Wrap(err))
			return
		}
		ts, ok, err = s.deps.Store.GetTransferSession(ctx, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, Error.Wrap(err))
			return
		}
		if !ok {
			writeError(w, http.StatusInternalServerError, morangoerrs.Base.New("transfer session %q vanished mid-update", id))
			return
		}
	}

	writeJSON(w, http.StatusOK, toTransferSessionWire(ts))
}

func toTransferSessionWire(ts store.TransferSession) TransferSessionWire {
	return TransferSessionWire{
		ID: ts.ID, ServerFSIC: ts.ServerFSIC, ClientFSIC: ts.ClientFSIC,
		RecordsTotal: ts.RecordsTotal, RecordsTransferred: ts.RecordsTransferred,
		TransferStage: ts.Stage, TransferStageStatus: ts.StageStatus,
	}
}

// handleCloseTransferSession serves transfersessions/{id} DELETE: closing
// a push merges what was buffered into this store and folds the client's
// reported FSIC into our DatabaseMaxCounter (this server was the
// receiver); closing a pull just drops the buffer this server queued as
// producer, since the client already pulled what it needed.
func (s *Server) handleCloseTransferSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	ts, ok, err := s.deps.Store.GetTransferSession(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if ts.Push && ts.RecordsTransferred > 0 {
		current, err := identity.CurrentAndIncrement(ctx, s.deps.Identity, s.deps.DatabaseID, s.deps.System)
		if err != nil {
			writeError(w, http.StatusInternalServerError, Error.Wrap(err))
			return
		}
		tx, err := s.deps.DB.BeginTx(ctx, nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, Error.Wrap(err))
			return
		}
		cur := dbutil.CurrentInstance{ID: current.ID, Counter: current.Counter}
		if err := dbutil.Dequeue(ctx, tx, s.deps.Queries, cur, ts.ID); err != nil {
			_ = tx.Rollback()
			writeError(w, http.StatusInternalServerError, Error.Wrap(err))
			return
		}
		if err := tx.Commit(); err != nil {
			writeError(w, http.StatusInternalServerError, Error.Wrap(err))
			return
		}

		var clientFSIC fsic.FlatFSIC
		_ = json.Unmarshal([]byte(ts.ClientFSIC), &clientFSIC)
		if err := s.deps.Store.UpdateFSICs(ctx, clientFSIC, partitionPrefixes(splitFilter(ts.Filter))); err != nil {
			writeError(w, http.StatusInternalServerError, Error.Wrap(err))
			return
		}
	}
	if !ts.Push {
		if err := s.deps.Store.DeleteBufferedRecords(ctx, ts.ID); err != nil {
			writeError(w, http.StatusInternalServerError, Error.Wrap(err))
			return
		}
	}

	ts.Active = false
	if err := s.deps.Store.UpsertTransferSession(ctx, ts); err != nil {
		writeError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func partitionPrefixes(f morangocert.Filter) []string {
	return []string(f)
}
