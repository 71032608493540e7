package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"

	"github.com/learningequality/morango/private/dbutil"
)

// Error is the error class for the store package.
var Error = errs.Class("store")

// Repository is the SQL-backed persistence layer for every type in this
// package. Serializer/Deserializer/transfer operations depend on this
// interface rather than on *sql.DB directly, so they can be exercised
// against a fake in tests.
type Repository interface {
	GetRecord(ctx context.Context, id string) (Record, bool, error)
	GetRecords(ctx context.Context, ids []string) (map[string]Record, error)
	UpsertRecord(ctx context.Context, rec Record) error

	RecordMaxCounters(ctx context.Context, storeID string) (map[string]int64, error)
	SetRecordMaxCounter(ctx context.Context, storeID, instanceID string, counter int64) error

	DrainDeletedModels(ctx context.Context, profile string) ([]DeletedModel, error)
	DrainHardDeletedModels(ctx context.Context, profile string) ([]HardDeletedModel, error)

	DirtyRecords(ctx context.Context, profile, modelName string, partitionPrefixes []string) ([]Record, error)
	ClearDirtyBit(ctx context.Context, id string) error
	SetDeserializationError(ctx context.Context, id, message string) error

	UpdateFSICs(ctx context.Context, fsic map[string]int64, partitions []string) error
	FilterMaxCounters(ctx context.Context, partitions []string) (map[string]int64, error)

	GetSyncSession(ctx context.Context, id string) (SyncSession, bool, error)
	UpsertSyncSession(ctx context.Context, s SyncSession) error

	GetTransferSession(ctx context.Context, id string) (TransferSession, bool, error)
	UpsertTransferSession(ctx context.Context, t TransferSession) error

	CountBufferedRecords(ctx context.Context, transferSessionID string) (int64, error)
	DeleteBufferedRecords(ctx context.Context, transferSessionID string) error

	InsertBufferRecords(ctx context.Context, records []BufferRecord, rmcbs []RecordMaxCounterBuffer) error
	ListBufferRecords(ctx context.Context, transferSessionID string, offset, limit int) ([]BufferRecord, error)
	ListRecordMaxCounterBuffers(ctx context.Context, transferSessionID string) ([]RecordMaxCounterBuffer, error)

	ListActiveSyncSessions(ctx context.Context) ([]SyncSession, error)
	ListActiveTransferSessionsOlderThan(ctx context.Context, syncSessionID string, cutoff time.Time) ([]TransferSession, error)
	CountActiveTransferSessions(ctx context.Context, syncSessionID string) (int64, error)
}

// SQLRepository implements Repository directly against database/sql,
// dispatching dialect-specific upserts to the given dbutil.DialectQueries.
type SQLRepository struct {
	DB      *sql.DB
	Queries dbutil.DialectQueries
}

var _ Repository = (*SQLRepository)(nil)

// GetRecord fetches a single Store row by its content-addressed id.
func (r *SQLRepository) GetRecord(ctx context.Context, id string) (Record, bool, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, profile, serialized, conflicting_serialized_data, deleted, hard_deleted,
		       last_saved_instance, last_saved_counter, partition, source_id, model_name,
		       _self_ref_fk, dirty_bit, deserialization_error, last_transfer_session_id
		FROM `+dbutil.TableStore+` WHERE id = ?`, id)

	var rec Record
	var lastTransferSessionID sql.NullString
	err := row.Scan(&rec.ID, &rec.Profile, &rec.Serialized, &rec.ConflictingSerializedData,
		&rec.Deleted, &rec.HardDeleted, &rec.LastSavedInstance, &rec.LastSavedCounter,
		&rec.Partition, &rec.SourceID, &rec.ModelName, &rec.SelfRefFK, &rec.DirtyBit,
		&rec.DeserializationError, &lastTransferSessionID)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, Error.Wrap(err)
	}
	rec.LastTransferSessionID = lastTransferSessionID.String
	return rec, true, nil
}

// GetRecords fetches Store rows by id, one GetRecord call per id; ids with
// no row are left out of the returned map.
func (r *SQLRepository) GetRecords(ctx context.Context, ids []string) (map[string]Record, error) {
	out := make(map[string]Record, len(ids))
	for _, id := range ids {
		rec, ok, err := r.GetRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = rec
		}
	}
	return out, nil
}

// UpsertRecord inserts or replaces a Store row.
func (r *SQLRepository) UpsertRecord(ctx context.Context, rec Record) error {
	_, err := r.DB.ExecContext(ctx, `
		REPLACE INTO `+dbutil.TableStore+` (
			id, profile, serialized, conflicting_serialized_data, deleted, hard_deleted,
			last_saved_instance, last_saved_counter, partition, source_id, model_name,
			_self_ref_fk, dirty_bit, deserialization_error, last_transfer_session_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Profile, rec.Serialized, rec.ConflictingSerializedData, rec.Deleted, rec.HardDeleted,
		rec.LastSavedInstance, rec.LastSavedCounter, rec.Partition, rec.SourceID, rec.ModelName,
		rec.SelfRefFK, rec.DirtyBit, rec.DeserializationError, rec.LastTransferSessionID)
	return Error.Wrap(err)
}

// RecordMaxCounters returns this record's full vector clock, keyed by
// instance id.
func (r *SQLRepository) RecordMaxCounters(ctx context.Context, storeID string) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT instance_id, counter FROM `+dbutil.TableRecordMaxCounter+` WHERE store_model_id = ?`, storeID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var instanceID string
		var counter int64
		if err := rows.Scan(&instanceID, &counter); err != nil {
			return nil, Error.Wrap(err)
		}
		out[instanceID] = counter
	}
	return out, Error.Wrap(rows.Err())
}

// SetRecordMaxCounter upserts a single RMC entry.
func (r *SQLRepository) SetRecordMaxCounter(ctx context.Context, storeID, instanceID string, counter int64) error {
	_, err := r.DB.ExecContext(ctx, `
		REPLACE INTO `+dbutil.TableRecordMaxCounter+` (instance_id, counter, store_model_id)
		VALUES (?, ?, ?)`, instanceID, counter, storeID)
	return Error.Wrap(err)
}

// DrainDeletedModels returns and clears every pending soft-delete for a
// profile, so the serializer can mark the corresponding Store rows deleted
// exactly once.
func (r *SQLRepository) DrainDeletedModels(ctx context.Context, profile string) ([]DeletedModel, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, profile FROM deleted_models WHERE profile = ?`, profile)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var out []DeletedModel
	for rows.Next() {
		var m DeletedModel
		if err := rows.Scan(&m.ID, &m.Profile); err != nil {
			rows.Close()
			return nil, Error.Wrap(err)
		}
		out = append(out, m)
	}
	rows.Close()
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM deleted_models WHERE profile = ?`, profile); err != nil {
		return nil, Error.Wrap(err)
	}
	return out, nil
}

// DrainHardDeletedModels is DrainDeletedModels' hard-delete counterpart.
func (r *SQLRepository) DrainHardDeletedModels(ctx context.Context, profile string) ([]HardDeletedModel, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, profile FROM hard_deleted_models WHERE profile = ?`, profile)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var out []HardDeletedModel
	for rows.Next() {
		var m HardDeletedModel
		if err := rows.Scan(&m.ID, &m.Profile); err != nil {
			rows.Close()
			return nil, Error.Wrap(err)
		}
		out = append(out, m)
	}
	rows.Close()
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM hard_deleted_models WHERE profile = ?`, profile); err != nil {
		return nil, Error.Wrap(err)
	}
	return out, nil
}

// DirtyRecords returns every dirty Store row for a profile/model, scoped
// to the given partition prefixes (no prefixes means no partition
// restriction), for the deserializer to walk in dependency order.
func (r *SQLRepository) DirtyRecords(ctx context.Context, profile, modelName string, partitionPrefixes []string) ([]Record, error) {
	query := `
		SELECT id, profile, serialized, conflicting_serialized_data, deleted, hard_deleted,
		       last_saved_instance, last_saved_counter, partition, source_id, model_name,
		       _self_ref_fk, dirty_bit, deserialization_error, last_transfer_session_id
		FROM ` + dbutil.TableStore + `
		WHERE profile = ? AND model_name = ? AND dirty_bit = 1`
	args := []any{profile, modelName}

	if len(partitionPrefixes) > 0 {
		query += " AND ("
		for i, prefix := range partitionPrefixes {
			if i > 0 {
				query += " OR "
			}
			query += "partition LIKE ?"
			args = append(args, prefix+"%")
		}
		query += ")"
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var lastTransferSessionID sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Profile, &rec.Serialized, &rec.ConflictingSerializedData,
			&rec.Deleted, &rec.HardDeleted, &rec.LastSavedInstance, &rec.LastSavedCounter,
			&rec.Partition, &rec.SourceID, &rec.ModelName, &rec.SelfRefFK, &rec.DirtyBit,
			&rec.DeserializationError, &lastTransferSessionID); err != nil {
			return nil, Error.Wrap(err)
		}
		rec.LastTransferSessionID = lastTransferSessionID.String
		out = append(out, rec)
	}
	return out, Error.Wrap(rows.Err())
}

// ClearDirtyBit marks a Store row as deserialized.
func (r *SQLRepository) ClearDirtyBit(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE `+dbutil.TableStore+` SET dirty_bit = 0, deserialization_error = '' WHERE id = ?`, id)
	return Error.Wrap(err)
}

// SetDeserializationError leaves a Store row dirty but records why its
// last deserialization attempt failed, instead of returning a Go error -
// the spec treats this as recoverable per-row state, not a fatal failure.
func (r *SQLRepository) SetDeserializationError(ctx context.Context, id, message string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE `+dbutil.TableStore+` SET deserialization_error = ? WHERE id = ?`, message, id)
	return Error.Wrap(err)
}

// UpdateFSICs folds an incoming FSIC into this database's DatabaseMaxCounter
// rows for the given partitions. An incoming counter is written to every
// given partition when the instance is missing from FilterMaxCounters for
// those partitions or its counter there is lower; since that value is the
// minimum across the partitions, a partition holding a higher counter can
// be lowered by the write.
func (r *SQLRepository) UpdateFSICs(ctx context.Context, fsic map[string]int64, partitions []string) error {
	internal, err := r.FilterMaxCounters(ctx, partitions)
	if err != nil {
		return err
	}

	updated := map[string]int64{}
	for instance, counter := range fsic {
		if existing, ok := internal[instance]; ok {
			if counter > existing {
				updated[instance] = counter
			}
		} else {
			updated[instance] = counter
		}
	}

	for instance, counter := range updated {
		for _, partition := range partitions {
			if _, err := r.DB.ExecContext(ctx, `
				REPLACE INTO database_max_counter (instance_id, partition, counter)
				VALUES (?, ?, ?)`, instance, partition, counter); err != nil {
				return Error.Wrap(err)
			}
		}
	}
	return nil
}

// FilterMaxCounters computes, per instance, the minimum of its
// DatabaseMaxCounter entries across every given partition - the FSIC this
// database can honestly advertise for that filter, since an instance only
// counts if it has contributed to all of the filter's partitions.
func (r *SQLRepository) FilterMaxCounters(ctx context.Context, partitions []string) (map[string]int64, error) {
	if len(partitions) == 0 {
		return map[string]int64{}, nil
	}

	perPartitionMax := map[string]map[string]int64{} // instance -> partition -> max counter
	for _, partition := range partitions {
		rows, err := r.DB.QueryContext(ctx, `
			SELECT instance_id, MAX(counter) FROM database_max_counter
			WHERE ? LIKE partition || '%'
			GROUP BY instance_id`, partition)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		for rows.Next() {
			var instance string
			var counter int64
			if err := rows.Scan(&instance, &counter); err != nil {
				rows.Close()
				return nil, Error.Wrap(err)
			}
			if perPartitionMax[instance] == nil {
				perPartitionMax[instance] = map[string]int64{}
			}
			if existing, ok := perPartitionMax[instance][partition]; !ok || counter > existing {
				perPartitionMax[instance][partition] = counter
			}
		}
		rows.Close()
	}

	out := map[string]int64{}
	for instance, byPartition := range perPartitionMax {
		if len(byPartition) != len(partitions) {
			continue // instance must have contributed to every partition in the filter
		}
		min := int64(-1)
		for _, counter := range byPartition {
			if min == -1 || counter < min {
				min = counter
			}
		}
		out[instance] = min
	}
	return out, nil
}

// GetSyncSession fetches a SyncSession by id.
func (r *SQLRepository) GetSyncSession(ctx context.Context, id string) (SyncSession, bool, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, profile, is_server, client_certificate_id, server_certificate_id,
		       connection_kind, connection_path, client_ip, server_ip,
		       client_instance_json, server_instance_json, extra_fields_json,
		       start_timestamp, last_activity_timestamp, active, process_id
		FROM sync_session WHERE id = ?`, id)

	var s SyncSession
	err := row.Scan(&s.ID, &s.Profile, &s.IsServer, &s.ClientCertificateID, &s.ServerCertificateID,
		&s.ConnectionKind, &s.ConnectionPath, &s.ClientIP, &s.ServerIP,
		&s.ClientInstanceJSON, &s.ServerInstanceJSON, &s.ExtraFieldsJSON,
		&s.StartTimestamp, &s.LastActivityTimestamp, &s.Active, &s.ProcessID)
	if err == sql.ErrNoRows {
		return SyncSession{}, false, nil
	}
	if err != nil {
		return SyncSession{}, false, Error.Wrap(err)
	}
	return s, true, nil
}

// UpsertSyncSession inserts or replaces a SyncSession row.
func (r *SQLRepository) UpsertSyncSession(ctx context.Context, s SyncSession) error {
	_, err := r.DB.ExecContext(ctx, `
		REPLACE INTO sync_session (
			id, profile, is_server, client_certificate_id, server_certificate_id,
			connection_kind, connection_path, client_ip, server_ip,
			client_instance_json, server_instance_json, extra_fields_json,
			start_timestamp, last_activity_timestamp, active, process_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Profile, s.IsServer, s.ClientCertificateID, s.ServerCertificateID,
		s.ConnectionKind, s.ConnectionPath, s.ClientIP, s.ServerIP,
		s.ClientInstanceJSON, s.ServerInstanceJSON, s.ExtraFieldsJSON,
		s.StartTimestamp, s.LastActivityTimestamp, s.Active, s.ProcessID)
	return Error.Wrap(err)
}

// GetTransferSession fetches a TransferSession by id.
func (r *SQLRepository) GetTransferSession(ctx context.Context, id string) (TransferSession, bool, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, sync_session_id, filter, push, active,
		       records_transferred, records_total, bytes_sent, bytes_received,
		       client_fsic, server_fsic, stage, stage_status,
		       start_timestamp, last_activity_timestamp
		FROM transfer_session WHERE id = ?`, id)

	var t TransferSession
	err := row.Scan(&t.ID, &t.SyncSessionID, &t.Filter, &t.Push, &t.Active,
		&t.RecordsTransferred, &t.RecordsTotal, &t.BytesSent, &t.BytesReceived,
		&t.ClientFSIC, &t.ServerFSIC, &t.Stage, &t.StageStatus,
		&t.StartTimestamp, &t.LastActivityTimestamp)
	if err == sql.ErrNoRows {
		return TransferSession{}, false, nil
	}
	if err != nil {
		return TransferSession{}, false, Error.Wrap(err)
	}
	return t, true, nil
}

// UpsertTransferSession inserts or replaces a TransferSession row.
func (r *SQLRepository) UpsertTransferSession(ctx context.Context, t TransferSession) error {
	_, err := r.DB.ExecContext(ctx, `
		REPLACE INTO transfer_session (
			id, sync_session_id, filter, push, active,
			records_transferred, records_total, bytes_sent, bytes_received,
			client_fsic, server_fsic, stage, stage_status,
			start_timestamp, last_activity_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SyncSessionID, t.Filter, t.Push, t.Active,
		t.RecordsTransferred, t.RecordsTotal, t.BytesSent, t.BytesReceived,
		t.ClientFSIC, t.ServerFSIC, t.Stage, t.StageStatus,
		t.StartTimestamp, t.LastActivityTimestamp)
	return Error.Wrap(err)
}

// CountBufferedRecords reports how many rows a transfer session has queued
// into the outgoing buffer, used to stamp records_total after queuing.
func (r *SQLRepository) CountBufferedRecords(ctx context.Context, transferSessionID string) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+dbutil.TableBuffer+` WHERE transfer_session_id = ?`, transferSessionID).Scan(&n)
	return n, Error.Wrap(err)
}

// DeleteBufferedRecords drops whatever a transfer session left in the
// outgoing buffer and its RMC buffer, once the transfer is done with them.
func (r *SQLRepository) DeleteBufferedRecords(ctx context.Context, transferSessionID string) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM `+dbutil.TableRecordMaxCounterBuf+` WHERE transfer_session_id = ?`, transferSessionID); err != nil {
		return Error.Wrap(err)
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM `+dbutil.TableBuffer+` WHERE transfer_session_id = ?`, transferSessionID); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// InsertBufferRecords appends rows a peer handed over the wire into the
// buffer and record_max_counter_buffer tables, the receiving half of what
// Queue does locally when a producer queues its own dirty data.
func (r *SQLRepository) InsertBufferRecords(ctx context.Context, records []BufferRecord, rmcbs []RecordMaxCounterBuffer) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, `
			REPLACE INTO `+dbutil.TableBuffer+` (
				model_uuid, serialized, deleted, last_saved_instance, last_saved_counter,
				hard_deleted, model_name, profile, partition, source_id,
				conflicting_serialized_data, _self_ref_fk, transfer_session_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ModelUUID, rec.Serialized, rec.Deleted, rec.LastSavedInstance, rec.LastSavedCounter,
			rec.HardDeleted, rec.ModelName, rec.Profile, rec.Partition, rec.SourceID,
			rec.ConflictingSerializedData, rec.SelfRefFK, rec.TransferSessionID); err != nil {
			_ = tx.Rollback()
			return Error.Wrap(err)
		}
	}
	for _, rmcb := range rmcbs {
		if _, err := tx.ExecContext(ctx, `
			REPLACE INTO `+dbutil.TableRecordMaxCounterBuf+` (instance_id, counter, transfer_session_id, model_uuid)
			VALUES (?, ?, ?, ?)`,
			rmcb.InstanceID, rmcb.Counter, rmcb.TransferSessionID, rmcb.ModelUUID); err != nil {
			_ = tx.Rollback()
			return Error.Wrap(err)
		}
	}
	return Error.Wrap(tx.Commit())
}

// ListBufferRecords pages through a transfer session's outgoing buffer in
// model_uuid order, the order a client's repeated GET buffers/ calls walk
// a producer's queued rows in.
func (r *SQLRepository) ListBufferRecords(ctx context.Context, transferSessionID string, offset, limit int) ([]BufferRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT model_uuid, serialized, deleted, last_saved_instance, last_saved_counter,
		       hard_deleted, model_name, profile, partition, source_id,
		       conflicting_serialized_data, _self_ref_fk, transfer_session_id
		FROM `+dbutil.TableBuffer+`
		WHERE transfer_session_id = ?
		ORDER BY model_uuid
		LIMIT ? OFFSET ?`, transferSessionID, limit, offset)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var out []BufferRecord
	for rows.Next() {
		var rec BufferRecord
		if err := rows.Scan(&rec.ModelUUID, &rec.Serialized, &rec.Deleted, &rec.LastSavedInstance, &rec.LastSavedCounter,
			&rec.HardDeleted, &rec.ModelName, &rec.Profile, &rec.Partition, &rec.SourceID,
			&rec.ConflictingSerializedData, &rec.SelfRefFK, &rec.TransferSessionID); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, rec)
	}
	return out, Error.Wrap(rows.Err())
}

// ListRecordMaxCounterBuffers returns every RMC buffer entry queued for a
// transfer session, nested onto their BufferRecord by ModelUUID when
// serialized over the wire.
func (r *SQLRepository) ListRecordMaxCounterBuffers(ctx context.Context, transferSessionID string) ([]RecordMaxCounterBuffer, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT instance_id, counter, transfer_session_id, model_uuid
		FROM `+dbutil.TableRecordMaxCounterBuf+`
		WHERE transfer_session_id = ?`, transferSessionID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var out []RecordMaxCounterBuffer
	for rows.Next() {
		var rmcb RecordMaxCounterBuffer
		if err := rows.Scan(&rmcb.InstanceID, &rmcb.Counter, &rmcb.TransferSessionID, &rmcb.ModelUUID); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, rmcb)
	}
	return out, Error.Wrap(rows.Err())
}

func scanSyncSessions(rows *sql.Rows) ([]SyncSession, error) {
	defer rows.Close()
	var out []SyncSession
	for rows.Next() {
		var s SyncSession
		if err := rows.Scan(&s.ID, &s.Profile, &s.IsServer, &s.ClientCertificateID, &s.ServerCertificateID,
			&s.ConnectionKind, &s.ConnectionPath, &s.ClientIP, &s.ServerIP,
			&s.ClientInstanceJSON, &s.ServerInstanceJSON, &s.ExtraFieldsJSON,
			&s.StartTimestamp, &s.LastActivityTimestamp, &s.Active, &s.ProcessID); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, s)
	}
	return out, Error.Wrap(rows.Err())
}

// ListActiveSyncSessions returns every still-active SyncSession, the full
// candidate set a stale-session sweep considers for its member transfer
// sessions' own staleness, independent of whether the sync session itself
// has had recent activity.
func (r *SQLRepository) ListActiveSyncSessions(ctx context.Context) ([]SyncSession, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, profile, is_server, client_certificate_id, server_certificate_id,
		       connection_kind, connection_path, client_ip, server_ip,
		       client_instance_json, server_instance_json, extra_fields_json,
		       start_timestamp, last_activity_timestamp, active, process_id
		FROM sync_session
		WHERE active = 1`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return scanSyncSessions(rows)
}


// ListActiveTransferSessionsOlderThan returns a SyncSession's still-active
// TransferSessions whose last activity predates cutoff.
func (r *SQLRepository) ListActiveTransferSessionsOlderThan(ctx context.Context, syncSessionID string, cutoff time.Time) ([]TransferSession, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, sync_session_id, filter, push, active,
		       records_transferred, records_total, bytes_sent, bytes_received,
		       client_fsic, server_fsic, stage, stage_status,
		       start_timestamp, last_activity_timestamp
		FROM transfer_session
		WHERE sync_session_id = ? AND active = 1 AND last_activity_timestamp < ?`, syncSessionID, cutoff)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var out []TransferSession
	for rows.Next() {
		var t TransferSession
		if err := rows.Scan(&t.ID, &t.SyncSessionID, &t.Filter, &t.Push, &t.Active,
			&t.RecordsTransferred, &t.RecordsTotal, &t.BytesSent, &t.BytesReceived,
			&t.ClientFSIC, &t.ServerFSIC, &t.Stage, &t.StageStatus,
			&t.StartTimestamp, &t.LastActivityTimestamp); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, t)
	}
	return out, Error.Wrap(rows.Err())
}

// CountActiveTransferSessions reports how many of a SyncSession's
// TransferSessions are still active, the check a stale-session sweep uses
// to decide whether the SyncSession itself may also be closed.
func (r *SQLRepository) CountActiveTransferSessions(ctx context.Context, syncSessionID string) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transfer_session WHERE sync_session_id = ? AND active = 1`, syncSessionID).Scan(&n)
	return n, Error.Wrap(err)
}
