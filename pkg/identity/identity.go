// Package identity tracks the two ids every morango instance needs before
// it can serialize anything: a DatabaseID (identifies this physical
// database, regenerated whenever it's cloned) and an InstanceID (identifies
// this running process on this machine, carrying the monotonic counter
// that timestamps every record a Serializer writes).
package identity

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/learningequality/morango/pkg/pkcrypto"
)

// Error is the error class for the identity package.
var Error = errs.Class("identity")

// DatabaseID identifies one physical database. At most one row is ever
// "current" at a time; creating a new one demotes all others.
type DatabaseID struct {
	ID                string
	Current           bool
	DateGenerated     time.Time
	InitialInstanceID string
}

// InstanceID identifies a running morango process against a specific
// DatabaseID and a set of system properties (platform, hostname, node id).
// If those properties change, a new InstanceID is generated — the ID
// itself is content-addressed so the same system always reproduces the
// same id.
type InstanceID struct {
	ID           string
	Platform     string
	Hostname     string
	SysVersion   string
	NodeID       string
	DatabaseID   string
	DatabasePath string
	Counter      int64
	Current      bool
}

// SystemInfo carries the properties used to derive an InstanceID. It is
// supplied by the caller (the embedding application) rather than probed
// internally, so that tests can pin deterministic values.
type SystemInfo struct {
	Platform     string
	Hostname     string
	SysVersion   string
	NodeID       string
	DatabasePath string
}

func deriveInstanceID(databaseID string, info SystemInfo) string {
	return pkcrypto.ContentUUID(databaseID, info.Platform, info.Hostname, info.NodeID, info.DatabasePath)
}

// Store is the persistence boundary for DatabaseID/InstanceID rows. The
// SQL-backed implementation lives in private/dbutil; this package only
// describes the contract and the fetch-demote-increment-return sequence
// that must run atomically against it.
type Store interface {
	CurrentDatabaseID(ctx context.Context) (DatabaseID, bool, error)
	CreateDatabaseID(ctx context.Context, id DatabaseID) error
	GetInstanceID(ctx context.Context, id string) (InstanceID, bool, error)
	UpsertInstanceID(ctx context.Context, instance InstanceID) error
	IncrementInstanceCounter(ctx context.Context, id string) (int64, error)
}

// CurrentOrCreateDatabaseID returns the current DatabaseID, generating and
// persisting a fresh one (with a random, non-content-addressed id) if none
// exists yet.
func CurrentOrCreateDatabaseID(ctx context.Context, store Store) (DatabaseID, error) {
	current, ok, err := store.CurrentDatabaseID(ctx)
	if err != nil {
		return DatabaseID{}, Error.Wrap(err)
	}
	if ok {
		return current, nil
	}
	fresh := DatabaseID{
		ID:            pkcrypto.RandomHexID(),
		Current:       true,
		DateGenerated: time.Now(),
	}
	if err := store.CreateDatabaseID(ctx, fresh); err != nil {
		return DatabaseID{}, Error.Wrap(err)
	}
	return fresh, nil
}

// CurrentAndIncrement returns the InstanceID for this system, creating it
// if the system properties have never been seen before, and atomically
// increments its counter. Store implementations must run the lookup,
// upsert, and increment inside a single transaction (per spec.md §4.2) so
// that concurrent callers never observe or assign the same counter value.
func CurrentAndIncrement(ctx context.Context, store Store, databaseID string, info SystemInfo) (InstanceID, error) {
	id := deriveInstanceID(databaseID, info)

	instance, ok, err := store.GetInstanceID(ctx, id)
	if err != nil {
		return InstanceID{}, Error.Wrap(err)
	}
	if !ok {
		instance = InstanceID{
			ID:           id,
			Platform:     info.Platform,
			Hostname:     info.Hostname,
			SysVersion:   info.SysVersion,
			NodeID:       info.NodeID,
			DatabaseID:   databaseID,
			DatabasePath: info.DatabasePath,
			Current:      true,
		}
		if err := store.UpsertInstanceID(ctx, instance); err != nil {
			return InstanceID{}, Error.Wrap(err)
		}
	}

	counter, err := store.IncrementInstanceCounter(ctx, id)
	if err != nil {
		return InstanceID{}, Error.Wrap(err)
	}
	instance.Counter = counter
	return instance, nil
}
