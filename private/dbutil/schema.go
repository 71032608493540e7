package dbutil

import (
	"context"
	"database/sql"
)

// SQLiteSchema creates every table pkg/store, pkg/identity, and
// pkg/morangocert's SQL-backed implementations read and write, for a
// single-file morango database. It stands in for the original's Django
// migrations and storj's versioned private/migrate.Create: a single
// idempotent DDL script rather than a tracked migration history, since
// this module ships no prior schema version that a migration would need
// to step through.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS store (
	id text PRIMARY KEY,
	profile text NOT NULL,
	serialized text NOT NULL DEFAULT '',
	conflicting_serialized_data text NOT NULL DEFAULT '',
	deleted integer NOT NULL DEFAULT 0,
	hard_deleted integer NOT NULL DEFAULT 0,
	last_saved_instance text NOT NULL,
	last_saved_counter integer NOT NULL,
	partition text NOT NULL,
	source_id text NOT NULL,
	model_name text NOT NULL,
	_self_ref_fk text NOT NULL DEFAULT '',
	dirty_bit integer NOT NULL DEFAULT 0,
	deserialization_error text NOT NULL DEFAULT '',
	last_transfer_session_id text
);
CREATE TABLE IF NOT EXISTS buffer (
	model_uuid text NOT NULL,
	serialized text NOT NULL DEFAULT '',
	deleted integer NOT NULL DEFAULT 0,
	last_saved_instance text NOT NULL,
	last_saved_counter integer NOT NULL,
	hard_deleted integer NOT NULL DEFAULT 0,
	model_name text NOT NULL DEFAULT '',
	profile text NOT NULL,
	partition text NOT NULL,
	source_id text NOT NULL DEFAULT '',
	conflicting_serialized_data text NOT NULL DEFAULT '',
	_self_ref_fk text NOT NULL DEFAULT '',
	transfer_session_id text NOT NULL
);
CREATE TABLE IF NOT EXISTS record_max_counter (
	instance_id text NOT NULL,
	counter integer NOT NULL,
	store_model_id text NOT NULL,
	UNIQUE (instance_id, store_model_id)
);
CREATE TABLE IF NOT EXISTS record_max_counter_buffer (
	instance_id text NOT NULL,
	counter integer NOT NULL,
	model_uuid text NOT NULL,
	transfer_session_id text NOT NULL
);
CREATE TABLE IF NOT EXISTS deleted_models (id text PRIMARY KEY, profile text NOT NULL);
CREATE TABLE IF NOT EXISTS hard_deleted_models (id text PRIMARY KEY, profile text NOT NULL);
CREATE TABLE IF NOT EXISTS database_max_counter (
	instance_id text NOT NULL,
	partition text NOT NULL,
	counter integer NOT NULL,
	PRIMARY KEY (instance_id, partition)
);
CREATE TABLE IF NOT EXISTS sync_session (
	id text PRIMARY KEY,
	profile text NOT NULL,
	is_server integer NOT NULL DEFAULT 0,
	client_certificate_id text NOT NULL DEFAULT '',
	server_certificate_id text NOT NULL DEFAULT '',
	connection_kind text NOT NULL DEFAULT '',
	connection_path text NOT NULL DEFAULT '',
	client_ip text NOT NULL DEFAULT '',
	server_ip text NOT NULL DEFAULT '',
	client_instance_json text NOT NULL DEFAULT '',
	server_instance_json text NOT NULL DEFAULT '',
	extra_fields_json text NOT NULL DEFAULT '',
	start_timestamp timestamp NOT NULL,
	last_activity_timestamp timestamp NOT NULL,
	active integer NOT NULL DEFAULT 1,
	process_id text NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS transfer_session (
	id text PRIMARY KEY,
	sync_session_id text NOT NULL,
	filter text NOT NULL DEFAULT '',
	push integer NOT NULL DEFAULT 0,
	active integer NOT NULL DEFAULT 1,
	records_transferred integer NOT NULL DEFAULT 0,
	records_total integer NOT NULL DEFAULT 0,
	bytes_sent integer NOT NULL DEFAULT 0,
	bytes_received integer NOT NULL DEFAULT 0,
	client_fsic text NOT NULL DEFAULT '',
	server_fsic text NOT NULL DEFAULT '',
	stage integer NOT NULL DEFAULT 0,
	stage_status integer NOT NULL DEFAULT 0,
	start_timestamp timestamp NOT NULL,
	last_activity_timestamp timestamp NOT NULL
);
CREATE TABLE IF NOT EXISTS certificate (
	id text PRIMARY KEY,
	parent_id text NOT NULL DEFAULT '',
	profile text NOT NULL,
	serialized text NOT NULL,
	signature text NOT NULL,
	private_key_pem text NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS nonce (
	id text PRIMARY KEY,
	timestamp timestamp NOT NULL,
	ip text NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS database_id (
	id text PRIMARY KEY,
	current integer NOT NULL DEFAULT 0,
	date_generated timestamp NOT NULL,
	initial_instance_id text NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS instance_id (
	id text PRIMARY KEY,
	platform text NOT NULL DEFAULT '',
	hostname text NOT NULL DEFAULT '',
	sys_version text NOT NULL DEFAULT '',
	node_id text NOT NULL DEFAULT '',
	database_id text NOT NULL,
	database_path text NOT NULL DEFAULT '',
	counter integer NOT NULL DEFAULT 0,
	current integer NOT NULL DEFAULT 0
);
`

// Migrate applies SQLiteSchema to db. Safe to call on every process start:
// every statement is a CREATE TABLE IF NOT EXISTS, so an already-migrated
// database is left untouched.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, SQLiteSchema)
	return Error.Wrap(err)
}
