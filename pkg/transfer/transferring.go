package transfer

import (
	"context"

	"github.com/learningequality/morango/pkg/session"
)

// NewTransferringProducerOperation handles the TRANSFERRING stage for a
// local context producing data during a pull: the buffers/ GET handler
// pages the outgoing buffer out and advances records_transferred as it
// goes, so this operation only has to report whether that count has
// caught up with records_total yet. Grounded on operations.py's
// PullProducerOperation, whose records_transferred it reads off the
// incoming request; here the buffers/ handler has already folded the
// equivalent count onto the row before this stage is ever dispatched.
func NewTransferringProducerOperation(deps Deps) session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageTransferring, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		lctx, ok := sctx.(*session.LocalSessionContext)
		if !ok || !lctx.IsProducer() {
			return session.StatusErrored, session.ErrUnhandled
		}
		return transferringStatus(ctx, deps, lctx)
	}}
}

// NewTransferringReceiverOperation handles the TRANSFERRING stage for a
// local context receiving data during a push: the buffers/ POST handler
// has already validated and persisted each pushed chunk and advanced
// records_transferred, so this operation only needs to check whether the
// full count has arrived. Grounded on operations.py's
// PushReceiverOperation, whose validate_and_create_buffer_data it calls
// directly against the request body; here that persistence already
// happened in Server.handlePushBuffer before this stage is dispatched.
func NewTransferringReceiverOperation(deps Deps) session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageTransferring, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		lctx, ok := sctx.(*session.LocalSessionContext)
		if !ok || !lctx.IsReceiver() {
			return session.StatusErrored, session.ErrUnhandled
		}
		return transferringStatus(ctx, deps, lctx)
	}}
}

func transferringStatus(ctx context.Context, deps Deps, lctx *session.LocalSessionContext) (session.Status, error) {
	ts, ok, err := deps.Store.GetTransferSession(ctx, lctx.TransferSessionID())
	if err != nil {
		return session.StatusErrored, Error.Wrap(err)
	}
	if !ok {
		return session.StatusErrored, Error.New("transfer session %q not initialized", lctx.TransferSessionID())
	}
	if ts.RecordsTotal == 0 || ts.RecordsTransferred >= ts.RecordsTotal {
		return session.StatusCompleted, nil
	}
	return session.StatusPending, nil
}
