package dbutil

import (
	"context"
	"database/sql"

	"github.com/learningequality/morango/pkg/identity"
)

// IdentityStore implements identity.Store directly against database/sql,
// the home the identity package's own doc comment already names for it.
// CurrentAndIncrement's fetch-demote-increment-return sequence runs inside
// one transaction here, matching the original's select_for_update-guarded
// get_or_create_current_database_id/update_and_return_counter.
type IdentityStore struct {
	DB *sql.DB
}

var _ identity.Store = (*IdentityStore)(nil)

// CurrentDatabaseID returns the row with current = 1, if any.
func (s *IdentityStore) CurrentDatabaseID(ctx context.Context) (identity.DatabaseID, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, current, date_generated, initial_instance_id
		FROM database_id WHERE current = 1`)

	var d identity.DatabaseID
	err := row.Scan(&d.ID, &d.Current, &d.DateGenerated, &d.InitialInstanceID)
	if err == sql.ErrNoRows {
		return identity.DatabaseID{}, false, nil
	}
	if err != nil {
		return identity.DatabaseID{}, false, Error.Wrap(err)
	}
	return d, true, nil
}

// CreateDatabaseID demotes every existing row to current = 0 and inserts
// id as the new current one, inside a single transaction - a clone of this
// database must never observe two rows simultaneously marked current.
func (s *IdentityStore) CreateDatabaseID(ctx context.Context, id identity.DatabaseID) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE database_id SET current = 0`); err != nil {
		return Error.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO database_id (id, current, date_generated, initial_instance_id)
		VALUES (?, 1, ?, ?)`, id.ID, id.DateGenerated, id.InitialInstanceID); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(tx.Commit())
}

// GetInstanceID fetches an InstanceID by its content-addressed id.
func (s *IdentityStore) GetInstanceID(ctx context.Context, id string) (identity.InstanceID, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, platform, hostname, sys_version, node_id,
		       database_id, database_path, counter, current
		FROM instance_id WHERE id = ?`, id)

	var i identity.InstanceID
	err := row.Scan(&i.ID, &i.Platform, &i.Hostname, &i.SysVersion, &i.NodeID,
		&i.DatabaseID, &i.DatabasePath, &i.Counter, &i.Current)
	if err == sql.ErrNoRows {
		return identity.InstanceID{}, false, nil
	}
	if err != nil {
		return identity.InstanceID{}, false, Error.Wrap(err)
	}
	return i, true, nil
}

// UpsertInstanceID inserts or replaces an InstanceID row.
func (s *IdentityStore) UpsertInstanceID(ctx context.Context, instance identity.InstanceID) error {
	_, err := s.DB.ExecContext(ctx, `
		REPLACE INTO instance_id (
			id, platform, hostname, sys_version, node_id,
			database_id, database_path, counter, current
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.ID, instance.Platform, instance.Hostname, instance.SysVersion, instance.NodeID,
		instance.DatabaseID, instance.DatabasePath, instance.Counter, instance.Current)
	return Error.Wrap(err)
}

// IncrementInstanceCounter atomically increments and returns an
// InstanceID's counter, the monotonic value every Record it stamps as
// last_saved_counter depends on never repeating.
func (s *IdentityStore) IncrementInstanceCounter(ctx context.Context, id string) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE instance_id SET counter = counter + 1 WHERE id = ?`, id); err != nil {
		return 0, Error.Wrap(err)
	}
	var counter int64
	if err := tx.QueryRowContext(ctx, `SELECT counter FROM instance_id WHERE id = ?`, id).Scan(&counter); err != nil {
		return 0, Error.Wrap(err)
	}
	return counter, Error.Wrap(tx.Commit())
}
