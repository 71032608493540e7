package transfer

import (
	"context"

	"github.com/learningequality/morango/pkg/identity"
	"github.com/learningequality/morango/pkg/session"
	"github.com/learningequality/morango/private/dbutil"
)

// NewProducerDequeueOperation is a no-op: a producer has nothing to merge
// in, only data to hand off.
func NewProducerDequeueOperation() session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageDequeuing, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		lctx, ok := sctx.(*session.LocalSessionContext)
		if !ok || !lctx.IsProducer() {
			return session.StatusErrored, session.ErrUnhandled
		}
		return session.StatusCompleted, nil
	}}
}

// NewReceiverDequeueOperation merges whatever the transfer session
// received into the Store and record_max_counter tables, skipped
// entirely if nothing was ever transferred.
func NewReceiverDequeueOperation(deps Deps) session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageDequeuing, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		lctx, ok := sctx.(*session.LocalSessionContext)
		if !ok || !lctx.IsReceiver() {
			return session.StatusErrored, session.ErrUnhandled
		}

		ts, exists, err := deps.Store.GetTransferSession(ctx, lctx.TransferSessionID())
		if err != nil {
			return session.StatusErrored, Error.Wrap(err)
		}
		if !exists {
			return session.StatusErrored, Error.New("transfer session %q not initialized", lctx.TransferSessionID())
		}

		if ts.RecordsTransferred <= 0 {
			return session.StatusCompleted, nil
		}

		current, err := identity.CurrentAndIncrement(ctx, deps.Identity, deps.DatabaseID, deps.System)
		if err != nil {
			return session.StatusErrored, Error.Wrap(err)
		}

		tx, err := deps.DB.BeginTx(ctx, nil)
		if err != nil {
			return session.StatusErrored, Error.Wrap(err)
		}
		cur := dbutil.CurrentInstance{ID: current.ID, Counter: current.Counter}
		if err := dbutil.Dequeue(ctx, tx, deps.Queries, cur, ts.ID); err != nil {
			_ = tx.Rollback()
			return session.StatusErrored, Error.Wrap(err)
		}
		if err := tx.Commit(); err != nil {
			return session.StatusErrored, Error.Wrap(err)
		}

		return session.StatusCompleted, nil
	}}
}
