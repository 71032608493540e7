package transfer

import (
	"context"
	"encoding/json"

	"github.com/learningequality/morango/pkg/session"
	"github.com/learningequality/morango/pkg/store"
)

// NetworkDeps bundles what a Network* operation needs to read about the
// local half of a transfer (the id and its row are shared with the
// LocalSessionContext sitting alongside a NetworkSessionContext in the same
// CompositeSessionContext); the wire work itself goes through whatever
// session.NetworkConnection was attached to the NetworkSessionContext.
type NetworkDeps struct {
	Store store.Repository
}

// RegisterNetwork populates reg with every Network*/Legacy* middleware,
// mirroring RegisterLocal's per-stage shape. Both the legacy and the async
// variant of a stage are registered where they differ; Registry.Dispatch
// picks whichever one's capability check matches, exactly the way
// Producer/Receiver pairs are picked by role.
func RegisterNetwork(reg *session.Registry, deps NetworkDeps) {
	reg.Register(NewNetworkInitializeOperation(deps))

	reg.Register(NewLegacyNetworkSerializeOperation())
	reg.Register(NewNetworkSerializeOperation())

	reg.Register(NewNetworkProducerQueueOperation(deps))
	reg.Register(NewLegacyNetworkReceiverQueueOperation(deps))
	reg.Register(NewNetworkReceiverQueueOperation(deps))

	reg.Register(NewNetworkTransferOperation(deps))

	reg.Register(NewLegacyNetworkDequeueOperation())
	reg.Register(NewNetworkDequeueOperation())

	reg.Register(NewLegacyNetworkDeserializeOperation())
	reg.Register(NewNetworkDeserializeOperation())

	reg.Register(NewNetworkCleanupOperation())
}

// remoteStatus reports the Status a RemoteTransferInfo implies for the
// stage we just asked the remote to run, the Go counterpart of
// remote_proceed_to's "already past it counts as done" rule: a remote that
// reports a later stage than requested, or Completed for this one, is done;
// anything else means try again later.
func remoteStatus(requested session.Stage, info session.RemoteTransferInfo) session.Status {
	if info.Stage > requested || (info.Stage == requested && info.StageStatus == session.StatusCompleted) {
		return session.StatusCompleted
	}
	if info.StageStatus == session.StatusErrored {
		return session.StatusErrored
	}
	return session.StatusPending
}

func networkContext(sctx session.Context) (*session.NetworkSessionContext, error) {
	nctx, ok := sctx.(*session.NetworkSessionContext)
	if !ok {
		return nil, session.ErrUnhandled
	}
	if nctx.Connection() == nil {
		return nil, Error.New("network session %q has no connection attached", nctx.TransferSessionID())
	}
	return nctx, nil
}

// NewNetworkInitializeOperation creates the remote's TransferSession if it
// doesn't already know about this transfer, or just re-fetches it if it
// does - the network counterpart of NewInitializeOperation's
// create-if-missing idempotence. Grounded on operations.py's
// NetworkInitializeOperation / LegacyNetworkInitializeOperation, which
// don't differ in what they send (create_transfer_session always carries
// client_fsic; records_total, unknown this early for a push, follows later
// from the Queue stage).
func NewNetworkInitializeOperation(deps NetworkDeps) session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageInitializing, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		nctx, err := networkContext(sctx)
		if err != nil {
			return session.StatusErrored, err
		}
		conn := nctx.Connection()

		if info, gerr := conn.GetTransferSession(ctx, nctx.TransferSessionID()); gerr == nil && info.ID != "" {
			nctx.SetRemoteInfo(info)
			return session.StatusCompleted, deps.writeRemoteFSIC(ctx, nctx.TransferSessionID(), info.ServerFSIC)
		}

		clientFSIC, ferr := deps.localClientFSIC(ctx, nctx)
		if ferr != nil {
			return session.StatusErrored, ferr
		}
		info, cerr := conn.CreateTransferSession(ctx, nctx.TransferSessionID(), nctx.SyncSessionID(), nctx.Filter(), nctx.IsPush(), clientFSIC, 0)
		if cerr != nil {
			return session.StatusErrored, Error.Wrap(cerr)
		}
		nctx.SetRemoteInfo(info)
		if werr := deps.writeRemoteFSIC(ctx, nctx.TransferSessionID(), info.ServerFSIC); werr != nil {
			return session.StatusErrored, werr
		}
		return session.StatusCompleted, nil
	}}
}

func (d NetworkDeps) localClientFSIC(ctx context.Context, nctx *session.NetworkSessionContext) (string, error) {
	fsicMap, err := d.Store.FilterMaxCounters(ctx, partitionPrefixes(nctx.Filter()))
	if err != nil {
		return "", Error.Wrap(err)
	}
	encoded, err := json.Marshal(fsicMap)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return string(encoded), nil
}

// writeRemoteFSIC stamps the remote's reported FSIC onto the local
// TransferSession row's server_fsic field (this side is always the client
// in a NetworkSessionContext-driven sync), the write-back the original's
// imperative create_transfer_session call did inline.
func (d NetworkDeps) writeRemoteFSIC(ctx context.Context, id, serverFSIC string) error {
	ts, ok, err := d.Store.GetTransferSession(ctx, id)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		return Error.New("transfer session %q not initialized", id)
	}
	ts.ServerFSIC = serverFSIC
	return Error.Wrap(d.Store.UpsertTransferSession(ctx, ts))
}

// writeRemoteRecordsTotal stamps a pull's remote-reported records_total
// onto the local row, the write-back the original's create_transfer_session
// call did inline for a pull (a push's records_total instead flows the
// other way, from the local Queue stage out to the remote).
func (d NetworkDeps) writeRemoteRecordsTotal(ctx context.Context, id string, total int64) error {
	ts, ok, err := d.Store.GetTransferSession(ctx, id)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		return Error.New("transfer session %q not initialized", id)
	}
	ts.RecordsTotal = total
	return Error.Wrap(d.Store.UpsertTransferSession(ctx, ts))
}

// NewLegacyNetworkSerializeOperation declines the async capability: a
// legacy remote already stamped its FSIC into the response to
// create_transfer_session, so there's nothing left to do here. Grounded on
// NetworkLegacyNoOpMixin.
func NewLegacyNetworkSerializeOperation() session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageSerializing, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		nctx, err := networkContext(sctx)
		if err != nil {
			return session.StatusErrored, err
		}
		if nctx.HasCapability(session.CapabilityAsyncOperations) {
			return session.StatusErrored, session.ErrUnhandled
		}
		return session.StatusCompleted, nil
	}}
}

// NewNetworkSerializeOperation asks an async-capable remote to run its own
// Serialize stage, refreshing whatever FSIC it stamps as a result.
// Grounded on operations.py's NetworkSerializeOperation, which calls
// remote_proceed_to(context, SERIALIZING).
func NewNetworkSerializeOperation() session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageSerializing, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		nctx, err := networkContext(sctx)
		if err != nil {
			return session.StatusErrored, err
		}
		if !nctx.HasCapability(session.CapabilityAsyncOperations) {
			return session.StatusErrored, session.ErrUnhandled
		}
		info, aerr := nctx.Connection().AdvanceRemoteStage(ctx, nctx.TransferSessionID(), session.StageSerializing, nil)
		if aerr != nil {
			return session.StatusErrored, Error.Wrap(aerr)
		}
		nctx.SetRemoteInfo(info)
		return remoteStatus(session.StageSerializing, info), nil
	}}
}

// NewNetworkProducerQueueOperation reports this side's freshly computed
// records_total to the remote once the local Queue operation (dispatched
// to the LocalSessionContext sibling earlier in this same stage) has
// written it - the network counterpart of a push's ProducerQueueOperation.
// Grounded on initiate_push's update_transfer_session(records_total=...)
// call, which the original issues the same way whether or not the remote
// advertises async_operations.
func NewNetworkProducerQueueOperation(deps NetworkDeps) session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageQueuing, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		nctx, err := networkContext(sctx)
		if err != nil {
			return session.StatusErrored, err
		}
		if !nctx.IsProducer() {
			return session.StatusErrored, session.ErrUnhandled
		}

		ts, ok, gerr := deps.Store.GetTransferSession(ctx, nctx.TransferSessionID())
		if gerr != nil {
			return session.StatusErrored, Error.Wrap(gerr)
		}
		if !ok {
			return session.StatusErrored, Error.New("transfer session %q not initialized", nctx.TransferSessionID())
		}

		info, rerr := nctx.Connection().ReportRecordsTotal(ctx, nctx.TransferSessionID(), ts.RecordsTotal)
		if rerr != nil {
			return session.StatusErrored, Error.Wrap(rerr)
		}
		nctx.SetRemoteInfo(info)
		return session.StatusCompleted, nil
	}}
}

// NewLegacyNetworkReceiverQueueOperation declines the async capability: a
// legacy remote already queued its diff and computed records_total as part
// of create_transfer_session, so this just caches what it reported.
func NewLegacyNetworkReceiverQueueOperation(deps NetworkDeps) session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageQueuing, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		nctx, err := networkContext(sctx)
		if err != nil {
			return session.StatusErrored, err
		}
		if !nctx.IsReceiver() || nctx.HasCapability(session.CapabilityAsyncOperations) {
			return session.StatusErrored, session.ErrUnhandled
		}
		info, gerr := nctx.Connection().GetTransferSession(ctx, nctx.TransferSessionID())
		if gerr != nil {
			return session.StatusErrored, Error.Wrap(gerr)
		}
		nctx.SetRemoteInfo(info)
		return session.StatusCompleted, deps.writeRemoteRecordsTotal(ctx, nctx.TransferSessionID(), info.RecordsTotal)
	}}
}

// NewNetworkReceiverQueueOperation asks an async-capable remote to run its
// own Queue stage (computing records_total from its own FSIC diff), the
// network counterpart of a pull's ReceiverQueueOperation. Grounded on
// operations.py's NetworkQueueOperation.
func NewNetworkReceiverQueueOperation(deps NetworkDeps) session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageQueuing, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		nctx, err := networkContext(sctx)
		if err != nil {
			return session.StatusErrored, err
		}
		if !nctx.IsReceiver() || !nctx.HasCapability(session.CapabilityAsyncOperations) {
			return session.StatusErrored, session.ErrUnhandled
		}
		info, aerr := nctx.Connection().AdvanceRemoteStage(ctx, nctx.TransferSessionID(), session.StageQueuing, nil)
		if aerr != nil {
			return session.StatusErrored, Error.Wrap(aerr)
		}
		nctx.SetRemoteInfo(info)
		status := remoteStatus(session.StageQueuing, info)
		if status == session.StatusCompleted {
			if werr := deps.writeRemoteRecordsTotal(ctx, nctx.TransferSessionID(), info.RecordsTotal); werr != nil {
				return session.StatusErrored, werr
			}
		}
		return status, nil
	}}
}

// NewNetworkTransferOperation pages records across the wire chunkSize rows
// at a time - PushChunk when the local side produced them, PullChunk when
// it's waiting to receive them - advancing the shared TransferSession row's
// records_transferred exactly as the buffers/ handlers do server-side.
// Grounded on operations.py's NetworkPushTransferOperation /
// NetworkPullTransferOperation, which don't differ by legacy/async: the
// buffers/ endpoint is the same wire call either way.
func NewNetworkTransferOperation(deps NetworkDeps) session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageTransferring, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		nctx, err := networkContext(sctx)
		if err != nil {
			return session.StatusErrored, err
		}

		ts, ok, gerr := deps.Store.GetTransferSession(ctx, nctx.TransferSessionID())
		if gerr != nil {
			return session.StatusErrored, Error.Wrap(gerr)
		}
		if !ok {
			return session.StatusErrored, Error.New("transfer session %q not initialized", nctx.TransferSessionID())
		}
		if ts.RecordsTotal == 0 || ts.RecordsTransferred >= ts.RecordsTotal {
			return session.StatusCompleted, nil
		}

		var n int
		var terr error
		if nctx.IsProducer() {
			n, terr = nctx.Connection().PushChunk(ctx, ts.ID, int(ts.RecordsTransferred))
		} else {
			n, terr = nctx.Connection().PullChunk(ctx, ts.ID, int(ts.RecordsTransferred))
		}
		if terr != nil {
			return session.StatusErrored, Error.Wrap(terr)
		}

		ts.RecordsTransferred += int64(n)
		if ts.RecordsTransferred > ts.RecordsTotal {
			ts.RecordsTransferred = ts.RecordsTotal
		}
		if uerr := deps.Store.UpsertTransferSession(ctx, ts); uerr != nil {
			return session.StatusErrored, Error.Wrap(uerr)
		}
		if ts.RecordsTransferred >= ts.RecordsTotal {
			return session.StatusCompleted, nil
		}
		return session.StatusPending, nil
	}}
}

// NewLegacyNetworkDequeueOperation declines the async capability: a legacy
// remote dequeues its own buffer as part of closing the transfer session,
// so there's nothing to do at this stage.
func NewLegacyNetworkDequeueOperation() session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageDequeuing, Fn: legacyNoOp(session.StageDequeuing)}
}

// NewNetworkDequeueOperation asks an async-capable remote to run its own
// Dequeue stage rather than waiting for it to happen implicitly at close.
func NewNetworkDequeueOperation() session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageDequeuing, Fn: networkAdvance(session.StageDequeuing)}
}

// NewLegacyNetworkDeserializeOperation declines the async capability: a
// legacy remote deserializes newly dequeued rows as part of closing the
// transfer session.
func NewLegacyNetworkDeserializeOperation() session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageDeserializing, Fn: legacyNoOp(session.StageDeserializing)}
}

// NewNetworkDeserializeOperation asks an async-capable remote to run its
// own Deserialize stage explicitly.
func NewNetworkDeserializeOperation() session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageDeserializing, Fn: networkAdvance(session.StageDeserializing)}
}

// legacyNoOp builds the Fn for a Legacy* stage operation that declines
// whenever the remote advertises async_operations, completing immediately
// otherwise since the legacy remote already folded this stage's work into
// a surrounding request.
func legacyNoOp(stage session.Stage) func(context.Context, session.Context) (session.Status, error) {
	return func(ctx context.Context, sctx session.Context) (session.Status, error) {
		nctx, err := networkContext(sctx)
		if err != nil {
			return session.StatusErrored, err
		}
		if nctx.HasCapability(session.CapabilityAsyncOperations) {
			return session.StatusErrored, session.ErrUnhandled
		}
		return session.StatusCompleted, nil
	}
}

// networkAdvance builds the Fn for a Network* stage operation that only
// claims the stage when the remote advertises async_operations, driving it
// with a single AdvanceRemoteStage PATCH.
func networkAdvance(stage session.Stage) func(context.Context, session.Context) (session.Status, error) {
	return func(ctx context.Context, sctx session.Context) (session.Status, error) {
		nctx, err := networkContext(sctx)
		if err != nil {
			return session.StatusErrored, err
		}
		if !nctx.HasCapability(session.CapabilityAsyncOperations) {
			return session.StatusErrored, session.ErrUnhandled
		}
		info, aerr := nctx.Connection().AdvanceRemoteStage(ctx, nctx.TransferSessionID(), stage, nil)
		if aerr != nil {
			return session.StatusErrored, Error.Wrap(aerr)
		}
		nctx.SetRemoteInfo(info)
		return remoteStatus(stage, info), nil
	}
}

// NewNetworkCleanupOperation closes the remote's TransferSession, the
// network counterpart of NewCleanupOperation and the one stage every
// remote - legacy or async - performs the same way: close_transfer_session
// folds in whatever dequeue/deserialize work a legacy remote still owed.
func NewNetworkCleanupOperation() session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageCleanup, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		nctx, err := networkContext(sctx)
		if err != nil {
			return session.StatusErrored, err
		}
		if cerr := nctx.Connection().CloseTransferSession(ctx, nctx.TransferSessionID()); cerr != nil {
			return session.StatusErrored, Error.Wrap(cerr)
		}
		return session.StatusCompleted, nil
	}}
}
