package session

import (
	"context"
	"strings"

	"github.com/zeebo/errs"

	"github.com/learningequality/morango/pkg/morangocert"
	"github.com/learningequality/morango/pkg/store"
)

// Error is the error class for the session package.
var Error = errs.Class("session")

// Context carries everything a middleware operation needs to act on one
// transfer: which stage it's at, which direction it's moving, and the
// filter it's scoped to. Implementations decide where that state actually
// lives - a database row for a local transfer, an HTTP round trip for a
// network one.
type Context interface {
	Stage() Stage
	StageStatus() Status
	Filter() morangocert.Filter
	IsPush() bool
	IsServer() bool

	// IsReceiver reports whether this side of the transfer is on the
	// receiving end: a server handling a push, or a client performing a
	// pull. IsProducer is its complement.
	IsReceiver() bool
	IsProducer() bool

	TransferSessionID() string
	SyncSessionID() string

	HasCapability(name string) bool

	// Capabilities returns a copy of this Context's effective capability
	// set, for callers that need to enumerate it (e.g. reducing to State)
	// rather than just probe a single name via HasCapability.
	Capabilities() map[string]bool

	Err() error

	// UpdateState advances stage/status (and optionally records an error),
	// persisting the change wherever this Context keeps its state.
	UpdateState(ctx context.Context, stage Stage, status Status, err error) error
}

// base holds the fields every Context implementation shares; stage/status
// are left to the embedding type since a local transfer reads them off a
// persisted TransferSession while a network transfer only has them in
// memory for the round trip it's driving.
type base struct {
	syncSessionID     string
	transferSessionID string
	filter            morangocert.Filter
	isPush            bool
	isServer          bool
	capabilities      map[string]bool
	err               error
}

func (b *base) Filter() morangocert.Filter { return b.filter }
func (b *base) IsPush() bool               { return b.isPush }
func (b *base) IsReceiver() bool           { return b.isPush == b.isServer }
func (b *base) IsProducer() bool           { return !b.IsReceiver() }
func (b *base) TransferSessionID() string  { return b.transferSessionID }
func (b *base) SyncSessionID() string      { return b.syncSessionID }
func (b *base) Err() error                 { return b.err }

func (b *base) HasCapability(name string) bool {
	return b.capabilities[name]
}

// Capabilities returns a copy of this context's capability set.
func (b *base) Capabilities() map[string]bool {
	out := make(map[string]bool, len(b.capabilities))
	for k, v := range b.capabilities {
		out[k] = v
	}
	return out
}

// State is the reducible, serializable form of a Context: everything
// needed to rebuild it from scratch, the Go counterpart of the original's
// Context.__getstate__/__setstate__. A Controller can be stopped at any
// suspension point between middleware calls, its Context reduced to a
// State and persisted (e.g. alongside the owning process), and later
// restored to resume proceed_to from exactly where it left off.
type State struct {
	SyncSessionID     string
	TransferSessionID string
	Filter            morangocert.Filter
	IsPush            bool
	IsServer          bool
	Stage             Stage
	StageStatus       Status
	Capabilities      map[string]bool
	Error             string
}

// reduce captures the fields common to every Context implementation.
func reduce(c Context) State {
	var errStr string
	if c.Err() != nil {
		errStr = c.Err().Error()
	}
	return State{
		SyncSessionID:     c.SyncSessionID(),
		TransferSessionID: c.TransferSessionID(),
		Filter:            c.Filter(),
		IsPush:            c.IsPush(),
		IsServer:          c.IsServer(),
		Stage:             c.Stage(),
		StageStatus:       c.StageStatus(),
		Capabilities:      c.Capabilities(),
		Error:             errStr,
	}
}

// FilterString renders a State's filter the same space-joined way the
// wire protocol and the store expect it, for callers persisting State
// as a flat row rather than structured JSON.
func (s State) FilterString() string {
	return strings.Join([]string(s.Filter), " ")
}

// ParseFilterString is the inverse of FilterString.
func ParseFilterString(raw string) morangocert.Filter {
	return morangocert.Filter(strings.Fields(raw))
}

// LocalSessionContext operates on a transfer whose TransferSession lives in
// this process's own database - the normal case for everything except a
// network peer driving this instance's side of the wire protocol.
type LocalSessionContext struct {
	base

	Store store.Repository

	stage       Stage
	stageStatus Status
}

// NewLocalSessionContext loads stage/status from the persisted
// TransferSession (if one already exists) and wraps it in a Context.
func NewLocalSessionContext(ctx context.Context, st store.Repository, transferSessionID string, isPush, isServer bool, filter morangocert.Filter, capabilities map[string]bool) (*LocalSessionContext, error) {
	c := &LocalSessionContext{
		base: base{
			transferSessionID: transferSessionID,
			isPush:            isPush,
			isServer:          isServer,
			filter:            filter,
			capabilities:      capabilities,
		},
		stage:       StageInitializing,
		stageStatus: StatusPending,
	}
	if transferSessionID == "" {
		return c, nil
	}
	ts, ok, err := st.GetTransferSession(ctx, transferSessionID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if ok {
		c.base.syncSessionID = ts.SyncSessionID
		c.stage = Stage(ts.Stage)
		c.stageStatus = Status(ts.StageStatus)
	}
	return c, nil
}

// SetSyncSessionID sets this context's sync session id when none was
// loaded from a persisted TransferSession; an id already loaded from the
// row is kept. Needed when
// building a LocalSessionContext for a transfer session id that has no
// persisted row yet - NewInitializeOperation's create-if-missing branch
// stamps the new row's sync_session_id from this Context, so a caller
// starting a brand new local transfer (rather than resuming one the store
// already knows about) must supply it explicitly.
func (c *LocalSessionContext) SetSyncSessionID(id string) {
	if c.base.syncSessionID == "" {
		c.base.syncSessionID = id
	}
}

func (c *LocalSessionContext) Stage() Stage        { return c.stage }
func (c *LocalSessionContext) StageStatus() Status { return c.stageStatus }
func (c *LocalSessionContext) IsServer() bool      { return c.isServer }

// UpdateState re-reads the TransferSession row before applying the new
// stage/status, mirroring the original's refresh_from_db - a concurrent
// writer (e.g. the peer's own request handler) may have already moved the
// stage forward.
func (c *LocalSessionContext) UpdateState(ctx context.Context, stage Stage, status Status, err error) error {
	if err != nil {
		c.base.err = err
	}
	if c.transferSessionID == "" {
		c.stage = stage
		c.stageStatus = status
		return nil
	}

	ts, ok, gerr := c.Store.GetTransferSession(ctx, c.transferSessionID)
	if gerr != nil {
		return Error.Wrap(gerr)
	}
	if !ok {
		return Error.New("transfer session %q not found", c.transferSessionID)
	}
	ts.Stage = int(stage)
	ts.StageStatus = int(status)
	if uerr := c.Store.UpsertTransferSession(ctx, ts); uerr != nil {
		return Error.Wrap(uerr)
	}
	c.stage = stage
	c.stageStatus = status
	return nil
}

// State reduces this Context to its serializable form.
func (c *LocalSessionContext) State() State { return reduce(c) }

// RestoreLocalSessionContext rebuilds a LocalSessionContext from a
// previously reduced State, re-reading the TransferSession row so stage
// and status reflect whatever happened while this Context wasn't in
// memory - the Go counterpart of __setstate__, which re-fetches
// transfer_session by id rather than trusting the pickled stage/status.
func RestoreLocalSessionContext(ctx context.Context, st store.Repository, isServer bool, s State) (*LocalSessionContext, error) {
	c, err := NewLocalSessionContext(ctx, st, s.TransferSessionID, s.IsPush, isServer, s.Filter, s.Capabilities)
	if err != nil {
		return nil, err
	}
	if c.base.syncSessionID == "" {
		c.base.syncSessionID = s.SyncSessionID
	}
	if s.Error != "" {
		c.base.err = Error.New("%s", s.Error)
	}
	return c, nil
}

// NetworkSessionContext drives a transfer happening on a remote peer: the
// authoritative TransferSession lives on that peer's database, so stage and
// status are only ever held in memory here, updated by whatever the peer's
// API response reports.
type NetworkSessionContext struct {
	base
	stage       Stage
	stageStatus Status
	conn        NetworkConnection
	remote      RemoteTransferInfo
}

// NewNetworkSessionContext starts a network-driven transfer at the
// initializing stage; callers update it as the remote peer reports
// progress back.
func NewNetworkSessionContext(syncSessionID, transferSessionID string, isPush bool, filter morangocert.Filter, capabilities map[string]bool) *NetworkSessionContext {
	return &NetworkSessionContext{
		base: base{
			syncSessionID:     syncSessionID,
			transferSessionID: transferSessionID,
			isPush:            isPush,
			filter:            filter,
			capabilities:      capabilities,
		},
		stage:       StageInitializing,
		stageStatus: StatusPending,
	}
}

func (c *NetworkSessionContext) Stage() Stage        { return c.stage }
func (c *NetworkSessionContext) StageStatus() Status { return c.stageStatus }
func (c *NetworkSessionContext) IsServer() bool      { return false }

func (c *NetworkSessionContext) UpdateState(ctx context.Context, stage Stage, status Status, err error) error {
	c.stage = stage
	c.stageStatus = status
	if err != nil {
		c.base.err = err
	}
	return nil
}

// State reduces this Context to its serializable form.
func (c *NetworkSessionContext) State() State { return reduce(c) }

// RestoreNetworkSessionContext rebuilds a NetworkSessionContext from a
// previously reduced State. Unlike the local case there's no row to
// re-read - the remote's own TransferSession is the authority - so
// stage/status are restored as-is and the next ProceedTo simply re-asks
// the remote what it thinks happened.
func RestoreNetworkSessionContext(s State) *NetworkSessionContext {
	c := NewNetworkSessionContext(s.SyncSessionID, s.TransferSessionID, s.IsPush, s.Filter, s.Capabilities)
	c.stage = s.Stage
	c.stageStatus = s.StageStatus
	if s.Error != "" {
		c.base.err = Error.New("%s", s.Error)
	}
	return c
}
