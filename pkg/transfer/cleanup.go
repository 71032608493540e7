package transfer

import (
	"context"

	"github.com/learningequality/morango/pkg/session"
)

// NewCleanupOperation marks the transfer session inactive and, for a
// producer, drops whatever it queued into the outgoing buffer now that
// the peer has it.
func NewCleanupOperation(deps Deps) session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageCleanup, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		lctx, ok := sctx.(*session.LocalSessionContext)
		if !ok {
			return session.StatusErrored, session.ErrUnhandled
		}

		ts, exists, err := deps.Store.GetTransferSession(ctx, lctx.TransferSessionID())
		if err != nil {
			return session.StatusErrored, Error.Wrap(err)
		}
		if !exists {
			return session.StatusErrored, Error.New("transfer session %q not initialized", lctx.TransferSessionID())
		}

		if lctx.IsProducer() {
			if err := deps.Store.DeleteBufferedRecords(ctx, ts.ID); err != nil {
				return session.StatusErrored, Error.Wrap(err)
			}
		}

		ts.Active = false
		if err := deps.Store.UpsertTransferSession(ctx, ts); err != nil {
			return session.StatusErrored, Error.Wrap(err)
		}
		return session.StatusCompleted, nil
	}}
}
