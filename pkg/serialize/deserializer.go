package serialize

import (
	"context"
	"encoding/json"

	"github.com/learningequality/morango/pkg/store"
	"github.com/learningequality/morango/pkg/syncable"
)

const (
	errParentDirty   = "Parent is dirty; could not deserialize."
	errParentMissing = "Parent does not exist in Store; could not deserialize."
)

// Deserializer copies dirty Store rows back into the host application,
// grounded on original_source/morango/sync/operations.py's
// `_deserialize_from_store`. Models with a self-referential foreign key are
// deserialized in waves, parents before children, since a child can only be
// validated once its parent already exists in the app; every other model is
// deserialized in a single pass.
type Deserializer struct {
	Store    store.Repository
	Registry *syncable.Registry

	// SkipErroring, when true, leaves a row dirty with its
	// DeserializationError recorded instead of failing the whole run when
	// Validate/Save reports an error that isn't explained by a missing or
	// dirty parent.
	SkipErroring bool
}

// Run deserializes every dirty Store row of every model registered for
// profile, in dependency order, scoped to partitionPrefixes.
func (d *Deserializer) Run(ctx context.Context, profile string, partitionPrefixes []string) error {
	for _, modelName := range d.Registry.ModelsInDependencyOrder(profile) {
		desc, ok := d.Registry.Get(profile, modelName)
		if !ok {
			continue
		}
		rows, err := d.Store.DirtyRecords(ctx, profile, modelName, partitionPrefixes)
		if err != nil {
			return Error.Wrap(err)
		}
		if len(rows) == 0 {
			continue
		}

		if hasSelfRefFK(rows) {
			if err := d.deserializeWaves(ctx, desc, rows); err != nil {
				return err
			}
		} else {
			if err := d.deserializeBulk(ctx, desc, rows); err != nil {
				return err
			}
		}
	}
	return nil
}

// hasSelfRefFK reports whether any row in a model's dirty set names a
// self-referential parent - a model either always has one or never does,
// but checking the rows sidesteps needing that as separate Descriptor state.
func hasSelfRefFK(rows []store.Record) bool {
	for _, r := range rows {
		if r.SelfRefFK != "" {
			return true
		}
	}
	return false
}

// deserializeBulk is the non-self-referential path: every dirty row is
// independent, so all of them are attempted in one pass.
func (d *Deserializer) deserializeBulk(ctx context.Context, desc syncable.Descriptor, rows []store.Record) error {
	for _, rec := range rows {
		if err := d.deserializeOne(ctx, desc, rec); err != nil {
			return err
		}
	}
	return nil
}

// deserializeWaves repeatedly deserializes rows whose parent is either
// absent (a root) or already clean, moving newly-clean rows into the clean
// set each round, until a round makes no progress. Anything still dirty at
// that point is stamped with the exact reason it could not be reached.
func (d *Deserializer) deserializeWaves(ctx context.Context, desc syncable.Descriptor, rows []store.Record) error {
	dirty := map[string]store.Record{}
	for _, r := range rows {
		dirty[r.ID] = r
	}
	clean := map[string]bool{}

	for {
		progressed := false
		for id, rec := range dirty {
			if rec.SelfRefFK != "" && !clean[rec.SelfRefFK] {
				if _, stillPending := dirty[rec.SelfRefFK]; stillPending {
					continue // parent hasn't been attempted yet this round
				}
				parent, ok, err := d.Store.GetRecord(ctx, rec.SelfRefFK)
				if err != nil {
					return Error.Wrap(err)
				}
				if !ok || parent.DirtyBit {
					continue // parent missing or still dirty; handled by the final sweep once progress stalls
				}
			}

			if err := d.deserializeOne(ctx, desc, rec); err != nil {
				return err
			}
			delete(dirty, id)
			progressed = true

			// A row only becomes a clean parent once its own dirty bit is
			// actually cleared - a genuine validation failure absorbed via
			// SkipErroring still leaves it dirty, and must not unblock
			// children waiting on it.
			after, ok, err := d.Store.GetRecord(ctx, id)
			if err != nil {
				return Error.Wrap(err)
			}
			if ok && !after.DirtyBit {
				clean[id] = true
			}
		}
		if !progressed || len(dirty) == 0 {
			break
		}
	}

	for id, rec := range dirty {
		if rec.SelfRefFK == "" {
			continue
		}
		if _, stillDirty := dirty[rec.SelfRefFK]; stillDirty {
			if err := d.Store.SetDeserializationError(ctx, id, errParentDirty); err != nil {
				return Error.Wrap(err)
			}
			continue
		}
		_, ok, err := d.Store.GetRecord(ctx, rec.SelfRefFK)
		if err != nil {
			return Error.Wrap(err)
		}
		if !ok {
			if err := d.Store.SetDeserializationError(ctx, id, errParentMissing); err != nil {
				return Error.Wrap(err)
			}
			continue
		}
		if err := d.Store.SetDeserializationError(ctx, id, errParentDirty); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// deserializeOne deserializes and saves a single Store row into the app. A
// Validate failure that's explained by a deleted foreign-key parent
// propagates the deletion into the app instead of being treated as an
// error, matching the original's FK-probing fallback.
func (d *Deserializer) deserializeOne(ctx context.Context, desc syncable.Descriptor, rec store.Record) error {
	var fields map[string]any
	if rec.Serialized != "" {
		if err := json.Unmarshal([]byte(rec.Serialized), &fields); err != nil {
			return Error.Wrap(err)
		}
	}

	instance := desc.New()
	if err := instance.Deserialize(fields); err != nil {
		return Error.Wrap(err)
	}

	if err := instance.Validate(ctx); err != nil {
		deleted, hardDeleted, explained, ferr := d.explainByDeletedParent(ctx, instance)
		if ferr != nil {
			return ferr
		}
		if !explained {
			if d.SkipErroring {
				return Error.Wrap(d.Store.SetDeserializationError(ctx, rec.ID, err.Error()))
			}
			return Error.Wrap(err)
		}
		if err := instance.Save(ctx, deleted, hardDeleted); err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(d.Store.ClearDirtyBit(ctx, rec.ID))
	}

	if err := instance.Save(ctx, rec.Deleted, rec.HardDeleted); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(d.Store.ClearDirtyBit(ctx, rec.ID))
}

// explainByDeletedParent checks whether a failed instance's foreign keys
// point at a Store row that's been deleted or hard-deleted, in which case
// the validation failure is expected (the parent is gone) rather than a
// real data problem, and the deletion should propagate onto this instance.
// A foreign key with no matching Store row at all does not explain the
// failure - it falls through to the genuine validation error, exactly as
// the original's `except Store.DoesNotExist: pass` does.
func (d *Deserializer) explainByDeletedParent(ctx context.Context, instance syncable.Instance) (deleted, hardDeleted, explained bool, err error) {
	for _, parentID := range instance.ForeignKeys() {
		if parentID == "" {
			continue
		}
		parent, ok, err := d.Store.GetRecord(ctx, parentID)
		if err != nil {
			return false, false, false, Error.Wrap(err)
		}
		if ok && (parent.Deleted || parent.HardDeleted) {
			return parent.Deleted, parent.HardDeleted, true, nil
		}
	}
	return false, false, false, nil
}
