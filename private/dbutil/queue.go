package dbutil

import (
	"context"
	"database/sql"
	"strings"
)

// QueueChunkSize caps how many (instance, counter) pairs go into a single
// INSERT ... SELECT's WHERE clause; each chunk runs as its own statement.
const QueueChunkSize = 200

// SQLUnionMax caps how many chunks one FSIC diff may span. Beyond this the
// diff is considered too large to queue in one pass. Chunks are not
// UNIONed; it only bounds MaxQueueableCounters.
const SQLUnionMax = 500

// MaxQueueableCounters is the largest FSIC diff Queue will accept.
const MaxQueueableCounters = QueueChunkSize * SQLUnionMax

// InstanceCounter is one entry of a queuing FSIC diff: the rows to queue
// are whatever this instance last saved above this counter.
type InstanceCounter struct {
	Instance string
	Counter  int64
}

// Queue copies store rows matching profile, the given partition prefixes,
// and the FSIC diff's (instance, counter) pairs into the buffer and
// record_max_counter_buffer tables for the given transfer session, so they
// can be pushed or pulled to a peer.
//
// Unlike the implementation this is ported from, which builds the FSIC
// pairs and partition prefixes directly into the SQL text, every value
// here is bound as a query parameter.
func Queue(ctx context.Context, tx *sql.Tx, profile string, partitionPrefixes []string, diff map[string]int64, transferSessionID string) error {
	if len(diff) == 0 {
		return nil
	}
	if len(diff) > MaxQueueableCounters {
		return Error.New("limit of %d instance counters exceeded with %d", MaxQueueableCounters, len(diff))
	}

	pairs := make([]InstanceCounter, 0, len(diff))
	for instance, counter := range diff {
		pairs = append(pairs, InstanceCounter{Instance: instance, Counter: counter})
	}

	for start := 0; start < len(pairs); start += QueueChunkSize {
		end := start + QueueChunkSize
		if end > len(pairs) {
			end = len(pairs)
		}
		chunk := pairs[start:end]

		where, args := buildQueueWhere(profile, partitionPrefixes, chunk)
		args = append(args, transferSessionID)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO `+TableBuffer+` (
				model_uuid, serialized, deleted, last_saved_instance, last_saved_counter,
				hard_deleted, model_name, profile, partition, source_id, conflicting_serialized_data,
				_self_ref_fk, transfer_session_id
			)
			SELECT
				id, serialized, deleted, last_saved_instance, last_saved_counter,
				hard_deleted, model_name, profile, partition, source_id, conflicting_serialized_data,
				_self_ref_fk, ?
			FROM `+TableStore+` WHERE `+where, args...); err != nil {
			return Error.Wrap(err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO `+TableRecordMaxCounterBuf+` (instance_id, counter, model_uuid, transfer_session_id)
			SELECT rmc.instance_id, rmc.counter, rmc.store_model_id, ?
			FROM `+TableRecordMaxCounter+` AS rmc
			INNER JOIN `+TableBuffer+` AS buffer ON rmc.store_model_id = buffer.model_uuid
			WHERE buffer.transfer_session_id = ?`, transferSessionID, transferSessionID); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// buildQueueWhere renders "profile = ? AND (partition LIKE ? OR ...) AND
// ((last_saved_instance = ? AND last_saved_counter > ?) OR ...)" alongside
// its bind arguments, in that order.
func buildQueueWhere(profile string, partitionPrefixes []string, chunk []InstanceCounter) (string, []any) {
	var clauses []string
	var args []any

	clauses = append(clauses, "profile = ?")
	args = append(args, profile)

	if len(partitionPrefixes) > 0 {
		var partClauses []string
		for _, prefix := range partitionPrefixes {
			partClauses = append(partClauses, "partition LIKE ?")
			args = append(args, prefix+"%")
		}
		clauses = append(clauses, "("+strings.Join(partClauses, " OR ")+")")
	}

	var counterClauses []string
	for _, pair := range chunk {
		counterClauses = append(counterClauses, "(last_saved_instance = ? AND last_saved_counter > ?)")
		args = append(args, pair.Instance, pair.Counter)
	}
	if len(counterClauses) > 0 {
		clauses = append(clauses, "("+strings.Join(counterClauses, " OR ")+")")
	}

	return strings.Join(clauses, " AND "), args
}
