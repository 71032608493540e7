package transfer

import (
	"context"
	"time"

	"github.com/learningequality/morango/pkg/session"
	"github.com/learningequality/morango/pkg/store"
)

// NewInitializeOperation creates the TransferSession row for a local
// context's transfer session id if one doesn't already exist, or leaves it
// alone if it does - the same create-if-missing idempotence the original's
// InitializeOperation gets from querying for an existing active session
// before building a new one.
//
// Unlike the original, which searches for any still-active session
// matching (push, sync_session_id), this expects the caller to have
// already assigned a transfer session id to the LocalSessionContext (the
// server's request handler, or a fresh uuid for a new local push/pull) -
// simpler, since "resume this specific id" and "start a new one" are
// distinguished by the caller rather than by a lookup query.
func NewInitializeOperation(deps Deps) session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageInitializing, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		lctx, ok := sctx.(*session.LocalSessionContext)
		if !ok {
			return session.StatusErrored, session.ErrUnhandled
		}
		if lctx.TransferSessionID() == "" {
			return session.StatusErrored, Error.New("local transfer session requires a transfer session id before it can be initialized")
		}

		_, exists, err := deps.Store.GetTransferSession(ctx, lctx.TransferSessionID())
		if err != nil {
			return session.StatusErrored, Error.Wrap(err)
		}
		if exists {
			return session.StatusCompleted, nil
		}

		now := time.Now()
		ts := store.TransferSession{
			ID:                    lctx.TransferSessionID(),
			SyncSessionID:         lctx.SyncSessionID(),
			Filter:                filterString(lctx.Filter()),
			Push:                  lctx.IsPush(),
			Active:                true,
			Stage:                 int(session.StageInitializing),
			StageStatus:           int(session.StatusPending),
			StartTimestamp:        now,
			LastActivityTimestamp: now,
		}
		if err := deps.Store.UpsertTransferSession(ctx, ts); err != nil {
			return session.StatusErrored, Error.Wrap(err)
		}
		return session.StatusCompleted, nil
	}}
}
