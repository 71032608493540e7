package dbutil

import (
	"context"
	"database/sql"
)

// Table names shared by every dialect. pkg/store owns the column
// definitions; dbutil only needs the names to build its SQL.
const (
	TableStore               = "store"
	TableBuffer              = "buffer"
	TableRecordMaxCounter    = "record_max_counter"
	TableRecordMaxCounterBuf = "record_max_counter_buffer"
)

// CurrentInstance is the (id, counter) pair the dequeue step stamps onto
// merge-conflict rows as the new last_saved_by of record.
type CurrentInstance struct {
	ID      string
	Counter int64
}

// DialectQueries supplies the handful of dequeue steps whose SQL differs
// between SQLite's REPLACE INTO and Postgres's INSERT ... ON CONFLICT.
// sqliteutil and pgutil each provide one implementation.
type DialectQueries interface {
	MergeConflictBuffer(ctx context.Context, tx *sql.Tx, current CurrentInstance, transferSessionID string) error
	MergeConflictRMCB(ctx context.Context, tx *sql.Tx, transferSessionID string) error
	UpdateRMCsLastSavedBy(ctx context.Context, tx *sql.Tx, current CurrentInstance, transferSessionID string) error
	InsertRemainingBuffer(ctx context.Context, tx *sql.Tx, transferSessionID string) error
	InsertRemainingRMCB(ctx context.Context, tx *sql.Tx, transferSessionID string) error
}

// Dequeue merges the rows a transfer session buffered into the store and
// record_max_counter tables, in the exact incremental order the original
// implementation relies on: each step's DELETEs and INSERTs are scoped so
// that later steps only see what earlier steps left behind.
//
// Unlike the implementation this is ported from, every statement here is
// parameterized rather than building the transfer session id into the SQL
// text, since transferSessionID ultimately derives from network input.
func Dequeue(ctx context.Context, tx *sql.Tx, q DialectQueries, current CurrentInstance, transferSessionID string) error {
	steps := []func() error{
		func() error { return deleteReverseFastForwardRMCB(ctx, tx, transferSessionID) },
		func() error { return deleteReverseFastForwardBuffer(ctx, tx, transferSessionID) },
		func() error { return q.MergeConflictBuffer(ctx, tx, current, transferSessionID) },
		func() error { return q.MergeConflictRMCB(ctx, tx, transferSessionID) },
		func() error { return q.UpdateRMCsLastSavedBy(ctx, tx, current, transferSessionID) },
		func() error { return deleteMergeConflictRMCB(ctx, tx, transferSessionID) },
		func() error { return deleteMergeConflictBuffer(ctx, tx, transferSessionID) },
		func() error { return q.InsertRemainingBuffer(ctx, tx, transferSessionID) },
		func() error { return q.InsertRemainingRMCB(ctx, tx, transferSessionID) },
		func() error { return deleteRemainingRMCB(ctx, tx, transferSessionID) },
		func() error { return deleteRemainingBuffer(ctx, tx, transferSessionID) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// deleteReverseFastForwardRMCB drops buffered RMC rows whose counter is
// already reflected in the store's record_max_counter - i.e. the store is
// at least as new as what the peer sent.
func deleteReverseFastForwardRMCB(ctx context.Context, tx *sql.Tx, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM `+TableRecordMaxCounterBuf+`
		WHERE model_uuid IN (
			SELECT rmcb.model_uuid
			FROM `+TableStore+` AS store, `+TableBuffer+` AS buffer,
			     `+TableRecordMaxCounter+` AS rmc, `+TableRecordMaxCounterBuf+` AS rmcb
			WHERE store.id = buffer.model_uuid
			  AND store.id = rmc.store_model_id
			  AND store.id = rmcb.model_uuid
			  AND buffer.last_saved_instance = rmc.instance_id
			  AND buffer.last_saved_counter <= rmc.counter
			  AND rmcb.transfer_session_id = ?
			  AND buffer.transfer_session_id = ?
		)`, transferSessionID, transferSessionID)
	return err
}

// deleteReverseFastForwardBuffer drops buffered store rows superseded by
// data the store already has.
func deleteReverseFastForwardBuffer(ctx context.Context, tx *sql.Tx, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM `+TableBuffer+`
		WHERE model_uuid IN (
			SELECT buffer.model_uuid
			FROM `+TableStore+` AS store, `+TableBuffer+` AS buffer, `+TableRecordMaxCounter+` AS rmc
			WHERE store.id = buffer.model_uuid
			  AND rmc.store_model_id = buffer.model_uuid
			  AND buffer.last_saved_instance = rmc.instance_id
			  AND buffer.last_saved_counter <= rmc.counter
			  AND buffer.transfer_session_id = ?
		)`, transferSessionID)
	return err
}

// deleteMergeConflictBuffer removes buffer rows that were merge-conflict
// resolved into the store by MergeConflictBuffer, excluding fast-forwards
// which were never merged in the first place.
func deleteMergeConflictBuffer(ctx context.Context, tx *sql.Tx, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM `+TableBuffer+`
		WHERE EXISTS (
			SELECT 1 FROM `+TableStore+` AS store
			WHERE store.id = `+TableBuffer+`.model_uuid
			  AND `+TableBuffer+`.transfer_session_id = ?
			  AND NOT EXISTS (
			      SELECT 1 FROM `+TableRecordMaxCounterBuf+` AS rmcb
			      WHERE store.id = rmcb.model_uuid
			        AND store.last_saved_instance = rmcb.instance_id
			        AND store.last_saved_counter <= rmcb.counter
			        AND rmcb.transfer_session_id = ?
			  )
		)`, transferSessionID, transferSessionID)
	return err
}

// deleteMergeConflictRMCB removes buffered RMC rows already folded into
// record_max_counter by MergeConflictRMCB.
func deleteMergeConflictRMCB(ctx context.Context, tx *sql.Tx, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM `+TableRecordMaxCounterBuf+`
		WHERE EXISTS (
			SELECT 1 FROM `+TableStore+` AS store, `+TableRecordMaxCounter+` AS rmc
			WHERE store.id = `+TableRecordMaxCounterBuf+`.model_uuid
			  AND store.id = rmc.store_model_id
			  AND `+TableRecordMaxCounterBuf+`.instance_id = rmc.instance_id
			  AND `+TableRecordMaxCounterBuf+`.transfer_session_id = ?
			  AND NOT EXISTS (
			      SELECT 1 FROM `+TableRecordMaxCounterBuf+` AS rmcb2
			      WHERE store.id = rmcb2.model_uuid
			        AND store.last_saved_instance = rmcb2.instance_id
			        AND store.last_saved_counter <= rmcb2.counter
			        AND rmcb2.transfer_session_id = ?
			  )
		)`, transferSessionID, transferSessionID)
	return err
}

// deleteRemainingRMCB clears whatever this transfer session left in the
// RMC buffer once every row has been dispositioned.
func deleteRemainingRMCB(ctx context.Context, tx *sql.Tx, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM `+TableRecordMaxCounterBuf+` WHERE transfer_session_id = ?`, transferSessionID)
	return err
}

// deleteRemainingBuffer clears whatever this transfer session left in the
// buffer once every row has been dispositioned.
func deleteRemainingBuffer(ctx context.Context, tx *sql.Tx, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM `+TableBuffer+` WHERE transfer_session_id = ?`, transferSessionID)
	return err
}
