package session

import (
	"context"

	"github.com/learningequality/morango/pkg/morangocert"
)

// CapabilityAsyncOperations is the wire capability token (matching
// pkg/morangohttp's own constant of the same name) that gates which family
// of Network middleware a NetworkSessionContext dispatches to: its absence
// selects the Legacy* operations, which fold several stages into one
// request/response the way every morango peer has always understood;
// its presence selects the Network* operations, which drive the remote
// through its stage machine one PATCH at a time. Grounded on
// NetworkLegacyNoOpMixin and the capability gating in operations.py.
const CapabilityAsyncOperations = "async_operations"

// RemoteTransferInfo is what a NetworkConnection reports back about the
// peer's own TransferSession row - the Go shape of the dict
// get_transfer_session/update_transfer_session return in the original.
type RemoteTransferInfo struct {
	ID                 string
	ServerFSIC         string
	ClientFSIC         string
	RecordsTotal       int64
	RecordsTransferred int64
	Stage              Stage
	StageStatus        Status
}

// NetworkConnection is the remote peer surface a NetworkSessionContext
// drives, the Go counterpart of the connection object the original's
// NetworkSessionContext carries (context.connection in operations.py).
// Concretely implemented by pkg/morangohttp's SyncClient, which already
// owns the HTTP plumbing (retries, gzip, capability negotiation) this
// interface rides on top of.
type NetworkConnection interface {
	// CreateTransferSession issues the transfersessions/ POST. recordsTotal
	// is only meaningful (and only sent) for a push; a pull's total is
	// whatever the remote reports back, computed from its own queue.
	CreateTransferSession(ctx context.Context, id, syncSessionID string, filter morangocert.Filter, push bool, clientFSIC string, recordsTotal int64) (RemoteTransferInfo, error)

	// AdvanceRemoteStage is the Go counterpart of remote_proceed_to: it
	// PATCHes transfer_stage (and, where known, records_total) so the
	// remote's own middleware registry performs that stage itself, then
	// reports back what the remote now believes its stage/status is.
	AdvanceRemoteStage(ctx context.Context, id string, stage Stage, recordsTotal *int64) (RemoteTransferInfo, error)

	// GetTransferSession re-reads the remote's row without asking it to do
	// any work, the Go counterpart of get_transfer_session.
	GetTransferSession(ctx context.Context, id string) (RemoteTransferInfo, error)

	// ReportRecordsTotal PATCHes records_total alone, informing the remote
	// how many records a push will carry without asking it to execute any
	// stage - the same plain update_transfer_session call the original
	// issues after queuing, independent of the legacy/async split.
	ReportRecordsTotal(ctx context.Context, id string, total int64) (RemoteTransferInfo, error)

	CloseTransferSession(ctx context.Context, id string) error

	// PushChunk sends up to ChunkSize records, starting at offset, from the
	// local outgoing buffer to the remote's buffers/ endpoint. It reports
	// how many records were sent so the caller can advance its own
	// records_transferred count.
	PushChunk(ctx context.Context, transferSessionID string, offset int) (sent int, err error)

	// PullChunk fetches up to ChunkSize records, starting at offset, from
	// the remote's buffers/ endpoint and inserts them into the local
	// incoming buffer. It reports how many records were received.
	PullChunk(ctx context.Context, transferSessionID string, offset int) (received int, err error)

	ChunkSize() int
}

// Connection returns the NetworkConnection this context drives its remote
// side through, or nil if none has been attached yet.
func (c *NetworkSessionContext) Connection() NetworkConnection { return c.conn }

// SetConnection attaches the NetworkConnection a NetworkSessionContext
// drives. Kept separate from the constructor since a context can be built
// (e.g. via RestoreNetworkSessionContext) before its connection is
// re-dialed.
func (c *NetworkSessionContext) SetConnection(conn NetworkConnection) {
	c.conn = conn
}

// RemoteInfo returns the last RemoteTransferInfo this context learned about
// its peer's TransferSession row, cached so later stages (Transferring, in
// particular) don't have to re-fetch it.
func (c *NetworkSessionContext) RemoteInfo() RemoteTransferInfo { return c.remote }

// SetRemoteInfo caches info as what this context currently believes about
// the remote's TransferSession row.
func (c *NetworkSessionContext) SetRemoteInfo(info RemoteTransferInfo) { c.remote = info }
