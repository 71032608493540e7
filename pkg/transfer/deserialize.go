package transfer

import (
	"context"

	"github.com/learningequality/morango/pkg/fsic"
	"github.com/learningequality/morango/pkg/session"
)

// NewProducerDeserializeOperation is a no-op: a producer never needs to
// fold received data back into the host application, because it never
// receives any.
func NewProducerDeserializeOperation() session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageDeserializing, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		lctx, ok := sctx.(*session.LocalSessionContext)
		if !ok || !lctx.IsProducer() {
			return session.StatusErrored, session.ErrUnhandled
		}
		return session.StatusCompleted, nil
	}}
}

// NewReceiverDeserializeOperation folds newly dequeued Store rows back
// into the host application (re-serializing the host's own dirty rows
// first, to surface any merge conflict rather than silently overwrite
// it), then folds the peer's reported FSIC into this database's
// DatabaseMaxCounter so the next transfer's queuing sees it.
func NewReceiverDeserializeOperation(deps Deps) session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageDeserializing, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
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

		if deps.DeserializeAfterDequeuing && ts.RecordsTransferred > 0 {
			profile, err := deps.profileForSyncSession(ctx, ts.SyncSessionID)
			if err != nil {
				return session.StatusErrored, err
			}
			if err := deps.serializer().Run(ctx, profile, partitionPrefixes(lctx.Filter())); err != nil {
				return session.StatusErrored, Error.Wrap(err)
			}
			if err := deps.deserializer().Run(ctx, profile, partitionPrefixes(lctx.Filter())); err != nil {
				return session.StatusErrored, Error.Wrap(err)
			}
		}

		if lctx.IsReceiver() {
			raw := ts.ServerFSIC
			if lctx.IsServer() {
				raw = ts.ClientFSIC
			}
			var peerFSIC fsic.FlatFSIC
			if err := unmarshalFSIC(raw, &peerFSIC); err != nil {
				return session.StatusErrored, err
			}
			if err := deps.Store.UpdateFSICs(ctx, peerFSIC, partitionPrefixes(lctx.Filter())); err != nil {
				return session.StatusErrored, Error.Wrap(err)
			}
		}

		return session.StatusCompleted, nil
	}}
}
