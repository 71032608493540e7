// Package sqliteutil supplies the SQLite-flavored half of dbutil's dequeue
// pipeline: REPLACE INTO-based upserts, and the no-op advisory locker that
// relies on SQLite's own transaction-level writer serialization instead.
package sqliteutil

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"

	"github.com/learningequality/morango/private/dbutil"
)

// Error is the error class for the sqliteutil package.
var Error = errs.Class("sqliteutil")

// MaxVariables is SQLite's default SQLITE_MAX_VARIABLE_NUMBER. Bulk
// inserts chunk themselves to stay under it.
const MaxVariables = 999

// Queries implements dbutil.DialectQueries for SQLite using REPLACE INTO,
// which SQLite treats as "delete any conflicting row, then insert" and so
// doubles as the upsert primitive every dequeue merge step needs.
type Queries struct{}

var _ dbutil.DialectQueries = Queries{}

// MergeConflictBuffer folds a buffered row that conflicts with a store row
// already touched locally into the store, concatenating the two
// serializations so neither side's conflicting edits are silently lost.
func (Queries) MergeConflictBuffer(ctx context.Context, tx *sql.Tx, current dbutil.CurrentInstance, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `
		REPLACE INTO `+dbutil.TableStore+` (
			id, serialized, deleted, last_saved_instance, last_saved_counter, hard_deleted,
			model_name, profile, partition, source_id, conflicting_serialized_data,
			dirty_bit, _self_ref_fk, deserialization_error, last_transfer_session_id
		)
		SELECT
			store.id,
			CASE buffer.hard_deleted WHEN 1 THEN '' ELSE store.serialized END,
			store.deleted OR buffer.deleted,
			?,
			?,
			store.hard_deleted OR buffer.hard_deleted,
			store.model_name, store.profile, store.partition, store.source_id,
			CASE buffer.hard_deleted WHEN 1 THEN '' ELSE buffer.serialized || char(10) || store.conflicting_serialized_data END,
			1, store._self_ref_fk, '', ?
		FROM `+dbutil.TableBuffer+` AS buffer, `+dbutil.TableStore+` AS store
		WHERE store.id = buffer.model_uuid
		  AND buffer.transfer_session_id = ?
		  AND NOT EXISTS (
		      SELECT 1 FROM `+dbutil.TableRecordMaxCounterBuf+` AS rmcb2
		      WHERE store.id = rmcb2.model_uuid
		        AND store.last_saved_instance = rmcb2.instance_id
		        AND store.last_saved_counter <= rmcb2.counter
		        AND rmcb2.transfer_session_id = ?
		  )`, current.ID, current.Counter, transferSessionID, transferSessionID, transferSessionID)
	return Error.Wrap(err)
}

// MergeConflictRMCB folds the peer's buffered record-max-counter rows into
// record_max_counter wherever the buffered counter is strictly ahead of
// what's recorded locally, excluding fast-forwards already resolved.
func (Queries) MergeConflictRMCB(ctx context.Context, tx *sql.Tx, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `
		REPLACE INTO `+dbutil.TableRecordMaxCounter+` (instance_id, counter, store_model_id)
		SELECT rmcb.instance_id, rmcb.counter, rmcb.model_uuid
		FROM `+dbutil.TableRecordMaxCounterBuf+` AS rmcb, `+dbutil.TableStore+` AS store,
		     `+dbutil.TableRecordMaxCounter+` AS rmc, `+dbutil.TableBuffer+` AS buffer
		WHERE store.id = rmcb.model_uuid
		  AND store.id = rmc.store_model_id
		  AND store.id = buffer.model_uuid
		  AND rmcb.instance_id = rmc.instance_id
		  AND rmcb.counter > rmc.counter
		  AND rmcb.transfer_session_id = ?
		  AND NOT EXISTS (
		      SELECT 1 FROM `+dbutil.TableRecordMaxCounterBuf+` AS rmcb2
		      WHERE store.id = rmcb2.model_uuid
		        AND store.last_saved_instance = rmcb2.instance_id
		        AND store.last_saved_counter <= rmcb2.counter
		        AND rmcb2.transfer_session_id = ?
		  )`, transferSessionID, transferSessionID)
	return Error.Wrap(err)
}

// UpdateRMCsLastSavedBy stamps the local instance's own counter onto every
// store row that was just merge-conflict resolved, so the resolution
// itself is attributed to this instance on the next sync.
func (Queries) UpdateRMCsLastSavedBy(ctx context.Context, tx *sql.Tx, current dbutil.CurrentInstance, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `
		REPLACE INTO `+dbutil.TableRecordMaxCounter+` (instance_id, counter, store_model_id)
		SELECT ?, ?, store.id
		FROM `+dbutil.TableStore+` AS store, `+dbutil.TableBuffer+` AS buffer
		WHERE store.id = buffer.model_uuid
		  AND buffer.transfer_session_id = ?
		  AND NOT EXISTS (
		      SELECT 1 FROM `+dbutil.TableRecordMaxCounterBuf+` AS rmcb2
		      WHERE store.id = rmcb2.model_uuid
		        AND store.last_saved_instance = rmcb2.instance_id
		        AND store.last_saved_counter <= rmcb2.counter
		        AND rmcb2.transfer_session_id = ?
		  )`, current.ID, current.Counter, transferSessionID, transferSessionID)
	return Error.Wrap(err)
}

// InsertRemainingBuffer inserts whatever this transfer session's buffer
// still holds - rows that neither fast-forwarded nor conflicted - directly
// into the store as new or cleanly-updated records.
func (Queries) InsertRemainingBuffer(ctx context.Context, tx *sql.Tx, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `
		REPLACE INTO `+dbutil.TableStore+` (
			id, serialized, deleted, last_saved_instance, last_saved_counter, hard_deleted,
			model_name, profile, partition, source_id, conflicting_serialized_data,
			dirty_bit, _self_ref_fk, deserialization_error, last_transfer_session_id
		)
		SELECT
			buffer.model_uuid, buffer.serialized, buffer.deleted, buffer.last_saved_instance,
			buffer.last_saved_counter, buffer.hard_deleted, buffer.model_name, buffer.profile,
			buffer.partition, buffer.source_id, buffer.conflicting_serialized_data, 1,
			buffer._self_ref_fk, '', ?
		FROM `+dbutil.TableBuffer+` AS buffer
		WHERE buffer.transfer_session_id = ?`, transferSessionID, transferSessionID)
	return Error.Wrap(err)
}

// InsertRemainingRMCB inserts whatever this transfer session's RMC buffer
// still holds directly into record_max_counter.
func (Queries) InsertRemainingRMCB(ctx context.Context, tx *sql.Tx, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `
		REPLACE INTO `+dbutil.TableRecordMaxCounter+` (instance_id, counter, store_model_id)
		SELECT rmcb.instance_id, rmcb.counter, rmcb.model_uuid
		FROM `+dbutil.TableRecordMaxCounterBuf+` AS rmcb
		WHERE rmcb.transfer_session_id = ?`, transferSessionID)
	return Error.Wrap(err)
}

// AdvisoryLocker is SQLite's lock implementation: a no-op, since SQLite
// already serializes writers within a single transaction and morango never
// opens more than one write connection against a given SQLite file.
type AdvisoryLocker struct{}

var _ dbutil.AdvisoryLocker = AdvisoryLocker{}

// Lock is a no-op for SQLite.
func (AdvisoryLocker) Lock(ctx context.Context, conn *sql.Conn, partition string) error { return nil }

// Unlock is a no-op for SQLite.
func (AdvisoryLocker) Unlock(ctx context.Context, conn *sql.Conn, partition string) error {
	return nil
}
