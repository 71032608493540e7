package transfer

import (
	"context"
	"encoding/json"

	"github.com/learningequality/morango/pkg/session"
)

// NewSerializeOperation serializes this instance's own dirty app data into
// the Store (when it is producing data and the host is configured to
// serialize before queuing), then stamps this side's FSIC onto the
// transfer session - client_fsic if this is the client, server_fsic if
// this is the server. The peer's side of the FSIC is filled in by whatever
// carries the wire request to this instance (pkg/morangohttp), not by this
// operation.
func NewSerializeOperation(deps Deps) session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageSerializing, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
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

		profile, err := deps.profileForSyncSession(ctx, ts.SyncSessionID)
		if err != nil {
			return session.StatusErrored, err
		}
		if lctx.IsProducer() && deps.SerializeBeforeQueuing {
			if err := deps.serializer().Run(ctx, profile, partitionPrefixes(lctx.Filter())); err != nil {
				return session.StatusErrored, Error.Wrap(err)
			}
		}

		fsic, err := deps.Store.FilterMaxCounters(ctx, partitionPrefixes(lctx.Filter()))
		if err != nil {
			return session.StatusErrored, Error.Wrap(err)
		}
		encoded, err := json.Marshal(fsic)
		if err != nil {
			return session.StatusErrored, Error.Wrap(err)
		}

		if lctx.IsServer() {
			ts.ServerFSIC = string(encoded)
		} else {
			ts.ClientFSIC = string(encoded)
		}
		if err := deps.Store.UpsertTransferSession(ctx, ts); err != nil {
			return session.StatusErrored, Error.Wrap(err)
		}
		return session.StatusCompleted, nil
	}}
}
