package transfer

import (
	"context"
	"encoding/json"

	"github.com/learningequality/morango/pkg/fsic"
	"github.com/learningequality/morango/pkg/session"
	"github.com/learningequality/morango/private/dbutil"
)

// NewProducerQueueOperation copies whatever the other side doesn't
// already have - by FSIC diff - from the Store into the outgoing buffer,
// then stamps records_total with how many rows ended up queued.
func NewProducerQueueOperation(deps Deps) session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageQueuing, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		lctx, ok := sctx.(*session.LocalSessionContext)
		if !ok || !lctx.IsProducer() {
			return session.StatusErrored, session.ErrUnhandled
		}

		ts, exists, err := deps.Store.GetTransferSession(ctx, lctx.TransferSessionID())
		if err != nil {
			return session.StatusErrored, Error.Wrap(err)
		}
		if !exists {
			return session.StatusErrored, Error.New("transfer session %q not initialized", lctx.TransferSessionID())
		}

		var clientFSIC, serverFSIC fsic.FlatFSIC
		if err := unmarshalFSIC(ts.ClientFSIC, &clientFSIC); err != nil {
			return session.StatusErrored, err
		}
		if err := unmarshalFSIC(ts.ServerFSIC, &serverFSIC); err != nil {
			return session.StatusErrored, err
		}

		var diff map[string]int64
		if ts.Push {
			diff = fsic.QueueingCalc(clientFSIC, serverFSIC)
		} else {
			diff = fsic.QueueingCalc(serverFSIC, clientFSIC)
		}

		profile, err := deps.profileForSyncSession(ctx, ts.SyncSessionID)
		if err != nil {
			return session.StatusErrored, err
		}

		if len(diff) > 0 {
			tx, err := deps.DB.BeginTx(ctx, nil)
			if err != nil {
				return session.StatusErrored, Error.Wrap(err)
			}
			if err := dbutil.Queue(ctx, tx, profile, partitionPrefixes(lctx.Filter()), diff, ts.ID); err != nil {
				_ = tx.Rollback()
				return session.StatusErrored, Error.Wrap(err)
			}
			if err := tx.Commit(); err != nil {
				return session.StatusErrored, Error.Wrap(err)
			}
		}

		total, err := deps.Store.CountBufferedRecords(ctx, ts.ID)
		if err != nil {
			return session.StatusErrored, Error.Wrap(err)
		}
		ts.RecordsTotal = total
		if err := deps.Store.UpsertTransferSession(ctx, ts); err != nil {
			return session.StatusErrored, Error.Wrap(err)
		}
		return session.StatusCompleted, nil
	}}
}

// NewReceiverQueueOperation is a no-op: the receiving side of a transfer
// has nothing of its own to queue.
func NewReceiverQueueOperation() session.Middleware {
	return session.MiddlewareFunc{StageValue: session.StageQueuing, Fn: func(ctx context.Context, sctx session.Context) (session.Status, error) {
		lctx, ok := sctx.(*session.LocalSessionContext)
		if !ok || !lctx.IsReceiver() {
			return session.StatusErrored, session.ErrUnhandled
		}
		return session.StatusCompleted, nil
	}}
}

func unmarshalFSIC(raw string, out *fsic.FlatFSIC) error {
	if raw == "" {
		*out = fsic.FlatFSIC{}
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return Error.Wrap(err)
	}
	if *out == nil {
		*out = fsic.FlatFSIC{}
	}
	return nil
}
