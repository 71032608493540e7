// Package pgutil supplies the Postgres-flavored half of dbutil's dequeue
// pipeline: INSERT ... ON CONFLICT DO UPDATE upserts, and an advisory
// locker built on pg_advisory_lock keyed by a partition's checksum.
package pgutil

import (
	"context"
	"database/sql"
	"hash/crc32"

	"github.com/zeebo/errs"

	"github.com/learningequality/morango/private/dbutil"
)

// Error is the error class for the pgutil package.
var Error = errs.Class("pgutil")

// Queries implements dbutil.DialectQueries for Postgres using
// INSERT ... ON CONFLICT, Postgres's native upsert.
type Queries struct{}

var _ dbutil.DialectQueries = Queries{}

// MergeConflictBuffer folds a buffered row that conflicts with a store row
// already touched locally into the store, concatenating the two
// serializations so neither side's conflicting edits are silently lost.
func (Queries) MergeConflictBuffer(ctx context.Context, tx *sql.Tx, current dbutil.CurrentInstance, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+dbutil.TableStore+` (
			id, serialized, deleted, last_saved_instance, last_saved_counter, hard_deleted,
			model_name, profile, partition, source_id, conflicting_serialized_data,
			dirty_bit, _self_ref_fk, deserialization_error, last_transfer_session_id
		)
		SELECT
			store.id,
			CASE buffer.hard_deleted WHEN true THEN '' ELSE store.serialized END,
			store.deleted OR buffer.deleted,
			$1,
			$2,
			store.hard_deleted OR buffer.hard_deleted,
			store.model_name, store.profile, store.partition, store.source_id,
			CASE buffer.hard_deleted WHEN true THEN '' ELSE buffer.serialized || chr(10) || store.conflicting_serialized_data END,
			true, store._self_ref_fk, '', $3
		FROM `+dbutil.TableBuffer+` AS buffer, `+dbutil.TableStore+` AS store
		WHERE store.id = buffer.model_uuid
		  AND buffer.transfer_session_id = $3
		  AND NOT EXISTS (
		      SELECT 1 FROM `+dbutil.TableRecordMaxCounterBuf+` AS rmcb2
		      WHERE store.id = rmcb2.model_uuid
		        AND store.last_saved_instance = rmcb2.instance_id
		        AND store.last_saved_counter <= rmcb2.counter
		        AND rmcb2.transfer_session_id = $3
		  )
		ON CONFLICT (id) DO UPDATE SET
			serialized = EXCLUDED.serialized,
			deleted = EXCLUDED.deleted,
			last_saved_instance = EXCLUDED.last_saved_instance,
			last_saved_counter = EXCLUDED.last_saved_counter,
			hard_deleted = EXCLUDED.hard_deleted,
			conflicting_serialized_data = EXCLUDED.conflicting_serialized_data,
			dirty_bit = EXCLUDED.dirty_bit,
			deserialization_error = EXCLUDED.deserialization_error,
			last_transfer_session_id = EXCLUDED.last_transfer_session_id`,
		current.ID, current.Counter, transferSessionID)
	return Error.Wrap(err)
}

// MergeConflictRMCB folds the peer's buffered record-max-counter rows into
// record_max_counter wherever the buffered counter is strictly ahead of
// what's recorded locally, excluding fast-forwards already resolved.
func (Queries) MergeConflictRMCB(ctx context.Context, tx *sql.Tx, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+dbutil.TableRecordMaxCounter+` (instance_id, counter, store_model_id)
		SELECT rmcb.instance_id, rmcb.counter, rmcb.model_uuid
		FROM `+dbutil.TableRecordMaxCounterBuf+` AS rmcb, `+dbutil.TableStore+` AS store,
		     `+dbutil.TableRecordMaxCounter+` AS rmc, `+dbutil.TableBuffer+` AS buffer
		WHERE store.id = rmcb.model_uuid
		  AND store.id = rmc.store_model_id
		  AND store.id = buffer.model_uuid
		  AND rmcb.instance_id = rmc.instance_id
		  AND rmcb.counter > rmc.counter
		  AND rmcb.transfer_session_id = $1
		  AND NOT EXISTS (
		      SELECT 1 FROM `+dbutil.TableRecordMaxCounterBuf+` AS rmcb2
		      WHERE store.id = rmcb2.model_uuid
		        AND store.last_saved_instance = rmcb2.instance_id
		        AND store.last_saved_counter <= rmcb2.counter
		        AND rmcb2.transfer_session_id = $1
		  )
		ON CONFLICT (instance_id, store_model_id) DO UPDATE SET counter = EXCLUDED.counter`, transferSessionID)
	return Error.Wrap(err)
}

// UpdateRMCsLastSavedBy stamps the local instance's own counter onto every
// store row that was just merge-conflict resolved, so the resolution
// itself is attributed to this instance on the next sync.
func (Queries) UpdateRMCsLastSavedBy(ctx context.Context, tx *sql.Tx, current dbutil.CurrentInstance, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+dbutil.TableRecordMaxCounter+` (instance_id, counter, store_model_id)
		SELECT $1, $2, store.id
		FROM `+dbutil.TableStore+` AS store, `+dbutil.TableBuffer+` AS buffer
		WHERE store.id = buffer.model_uuid
		  AND buffer.transfer_session_id = $3
		  AND NOT EXISTS (
		      SELECT 1 FROM `+dbutil.TableRecordMaxCounterBuf+` AS rmcb2
		      WHERE store.id = rmcb2.model_uuid
		        AND store.last_saved_instance = rmcb2.instance_id
		        AND store.last_saved_counter <= rmcb2.counter
		        AND rmcb2.transfer_session_id = $3
		  )
		ON CONFLICT (instance_id, store_model_id) DO UPDATE SET counter = EXCLUDED.counter`,
		current.ID, current.Counter, transferSessionID)
	return Error.Wrap(err)
}

// InsertRemainingBuffer inserts whatever this transfer session's buffer
// still holds - rows that neither fast-forwarded nor conflicted - directly
// into the store as new or cleanly-updated records.
func (Queries) InsertRemainingBuffer(ctx context.Context, tx *sql.Tx, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+dbutil.TableStore+` (
			id, serialized, deleted, last_saved_instance, last_saved_counter, hard_deleted,
			model_name, profile, partition, source_id, conflicting_serialized_data,
			dirty_bit, _self_ref_fk, deserialization_error, last_transfer_session_id
		)
		SELECT
			buffer.model_uuid, buffer.serialized, buffer.deleted, buffer.last_saved_instance,
			buffer.last_saved_counter, buffer.hard_deleted, buffer.model_name, buffer.profile,
			buffer.partition, buffer.source_id, buffer.conflicting_serialized_data, true,
			buffer._self_ref_fk, '', $1
		FROM `+dbutil.TableBuffer+` AS buffer
		WHERE buffer.transfer_session_id = $1
		ON CONFLICT (id) DO UPDATE SET
			serialized = EXCLUDED.serialized,
			deleted = EXCLUDED.deleted,
			last_saved_instance = EXCLUDED.last_saved_instance,
			last_saved_counter = EXCLUDED.last_saved_counter,
			hard_deleted = EXCLUDED.hard_deleted,
			conflicting_serialized_data = EXCLUDED.conflicting_serialized_data,
			dirty_bit = EXCLUDED.dirty_bit,
			deserialization_error = EXCLUDED.deserialization_error,
			last_transfer_session_id = EXCLUDED.last_transfer_session_id`, transferSessionID)
	return Error.Wrap(err)
}

// InsertRemainingRMCB inserts whatever this transfer session's RMC buffer
// still holds directly into record_max_counter.
func (Queries) InsertRemainingRMCB(ctx context.Context, tx *sql.Tx, transferSessionID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+dbutil.TableRecordMaxCounter+` (instance_id, counter, store_model_id)
		SELECT rmcb.instance_id, rmcb.counter, rmcb.model_uuid
		FROM `+dbutil.TableRecordMaxCounterBuf+` AS rmcb
		WHERE rmcb.transfer_session_id = $1
		ON CONFLICT (instance_id, store_model_id) DO UPDATE SET counter = EXCLUDED.counter`, transferSessionID)
	return Error.Wrap(err)
}

// AdvisoryLocker locks a partition by hashing the partition string down to
// the 32-bit key pg_advisory_lock expects. The lock is exclusive; locks on
// different partitions use different keys and do not conflict.
type AdvisoryLocker struct{}

var _ dbutil.AdvisoryLocker = AdvisoryLocker{}

// Lock blocks until it holds the session-level advisory lock for this
// partition's checksum.
func (AdvisoryLocker) Lock(ctx context.Context, conn *sql.Conn, partition string) error {
	_, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, partitionLockKey(partition))
	return Error.Wrap(err)
}

// Unlock releases the session-level advisory lock for this partition's
// checksum.
func (AdvisoryLocker) Unlock(ctx context.Context, conn *sql.Conn, partition string) error {
	_, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, partitionLockKey(partition))
	return Error.Wrap(err)
}

// partitionLockKey hashes a partition prefix into the int32 key space
// pg_advisory_lock operates on. An empty partition (queue/dequeue across
// all partitions) locks key 0.
func partitionLockKey(partition string) int32 {
	if partition == "" {
		return 0
	}
	return int32(crc32.ChecksumIEEE([]byte(partition)))
}
