// Package serialize moves data between the host application's own models
// and the Store: Serializer copies dirty app rows into Store/RecordMaxCounter
// rows, and Deserializer copies dirty Store rows (typically just received
// over a transfer) back out into the host application.
//
// Morango never touches the host application's schema directly - Serialize
// merely asks each syncable.Instance to hand back its fields as a map, and
// AppSource enumerates which instances are dirty. The host application owns
// everything on the other side of that boundary.
package serialize

import (
	"context"
	"encoding/json"

	"github.com/zeebo/errs"

	"github.com/learningequality/morango/pkg/identity"
	"github.com/learningequality/morango/pkg/pkcrypto"
	"github.com/learningequality/morango/pkg/store"
	"github.com/learningequality/morango/pkg/syncable"
)

// Error is the error class for the serialize package.
var Error = errs.Class("serialize")

// AppInstance is one dirty row of a host application model, as handed back
// by AppSource for the Serializer to fold into the Store.
type AppInstance struct {
	Partition string
	SourceID  string
	SelfRefFK string
	Instance  syncable.Instance

	modelName string
}

// StoreID returns this instance's content-addressed Store row id, the same
// formula used everywhere else a Store id is derived.
func (a AppInstance) StoreID() string {
	return pkcrypto.ContentUUID(a.Partition, a.SourceID, a.ModelName())
}

// ModelName is filled in by the Serializer from the syncable.Descriptor it
// is currently walking - callers constructing an AppInstance by hand outside
// of that loop should leave it unset and let Serializer assign it.
func (a AppInstance) ModelName() string { return a.modelName }

// AppSource is the host application's side of the serialization boundary:
// it enumerates dirty instances of a model and clears their dirty bit once
// Serializer has folded them into the Store.
type AppSource interface {
	DirtyInstances(ctx context.Context, profile, modelName string, partitionPrefixes []string) ([]AppInstance, error)
	ClearDirtyBit(ctx context.Context, profile, modelName string, storeIDs []string) error
}

// Serializer copies dirty app-model rows into the Store, grounded on
// original_source/morango/sync/operations.py's `_serialize_into_store`.
type Serializer struct {
	Store      store.Repository
	Registry   *syncable.Registry
	App        AppSource
	Identity   identity.Store
	DatabaseID string
	System     identity.SystemInfo
}

// Run serializes every dirty instance of every model registered for
// profile, scoped to partitionPrefixes (nil/empty means the whole profile),
// then drains the DeletedModels/HardDeletedModels sets and folds the
// current instance's counter into the profile's DatabaseMaxCounter.
func (s *Serializer) Run(ctx context.Context, profile string, partitionPrefixes []string) error {
	current, err := identity.CurrentAndIncrement(ctx, s.Identity, s.DatabaseID, s.System)
	if err != nil {
		return Error.Wrap(err)
	}

	for _, modelName := range s.Registry.ModelsInDependencyOrder(profile) {
		if err := s.serializeModel(ctx, profile, modelName, partitionPrefixes, current); err != nil {
			return Error.Wrap(err)
		}
	}

	if err := s.drainDeleted(ctx, profile, current); err != nil {
		return Error.Wrap(err)
	}
	if err := s.drainHardDeleted(ctx, profile); err != nil {
		return Error.Wrap(err)
	}

	partitions := partitionPrefixes
	if len(partitions) == 0 {
		partitions = []string{""}
	}
	if err := s.Store.UpdateFSICs(ctx, map[string]int64{current.ID: current.Counter}, partitions); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func (s *Serializer) serializeModel(ctx context.Context, profile, modelName string, partitionPrefixes []string, current identity.InstanceID) error {
	dirty, err := s.App.DirtyInstances(ctx, profile, modelName, partitionPrefixes)
	if err != nil {
		return Error.Wrap(err)
	}
	if len(dirty) == 0 {
		return nil
	}

	cleared := make([]string, 0, len(dirty))
	for _, ai := range dirty {
		ai.modelName = modelName
		id, err := s.mergeIntoStore(ctx, profile, ai, current)
		if err != nil {
			return err
		}
		cleared = append(cleared, id)
	}
	return Error.Wrap(s.App.ClearDirtyBit(ctx, profile, modelName, cleared))
}

// mergeIntoStore folds a single dirty app instance into its Store row,
// creating the row if this is the first time the instance has ever been
// serialized. When the existing Store row is itself dirty (its own
// serialized form was never deserialized into the app - a local edit raced
// a pending deserialization), its previous payload is prepended onto
// conflicting_serialized_data instead of being silently overwritten, as
// `_serialize_into_store` does.
func (s *Serializer) mergeIntoStore(ctx context.Context, profile string, ai AppInstance, current identity.InstanceID) (string, error) {
	fields, err := ai.Instance.Serialize()
	if err != nil {
		return "", Error.Wrap(err)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", Error.Wrap(err)
	}

	id := ai.StoreID()
	existing, ok, err := s.Store.GetRecord(ctx, id)
	if err != nil {
		return "", Error.Wrap(err)
	}

	rec := store.Record{
		ID:                id,
		Profile:           profile,
		Partition:         ai.Partition,
		SourceID:          ai.SourceID,
		ModelName:         ai.ModelName(),
		SelfRefFK:         ai.SelfRefFK,
		LastSavedInstance: current.ID,
		LastSavedCounter:  current.Counter,
	}

	if ok {
		rec = existing
		merged := map[string]any{}
		if existing.Serialized != "" {
			if err := json.Unmarshal([]byte(existing.Serialized), &merged); err != nil {
				return "", Error.Wrap(err)
			}
		}
		for k, v := range fields {
			merged[k] = v
		}
		mergedPayload, err := json.Marshal(merged)
		if err != nil {
			return "", Error.Wrap(err)
		}
		if existing.DirtyBit {
			rec.ConflictingSerializedData = existing.Serialized + "\n" + existing.ConflictingSerializedData
		}
		rec.Serialized = string(mergedPayload)
		rec.Deleted = false
		rec.HardDeleted = false
		rec.LastSavedInstance = current.ID
		rec.LastSavedCounter = current.Counter
		rec.LastTransferSessionID = ""
	} else {
		rec.Serialized = string(payload)
	}

	if err := s.Store.UpsertRecord(ctx, rec); err != nil {
		return "", Error.Wrap(err)
	}
	if err := s.Store.SetRecordMaxCounter(ctx, id, current.ID, current.Counter); err != nil {
		return "", Error.Wrap(err)
	}
	return id, nil
}

func (s *Serializer) drainDeleted(ctx context.Context, profile string, current identity.InstanceID) error {
	deleted, err := s.Store.DrainDeletedModels(ctx, profile)
	if err != nil {
		return err
	}
	for _, d := range deleted {
		rec, ok, err := s.Store.GetRecord(ctx, d.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		rec.Deleted = true
		rec.DirtyBit = false
		rec.LastSavedInstance = current.ID
		rec.LastSavedCounter = current.Counter
		if err := s.Store.UpsertRecord(ctx, rec); err != nil {
			return err
		}
		if err := s.Store.SetRecordMaxCounter(ctx, d.ID, current.ID, current.Counter); err != nil {
			return err
		}
	}
	return nil
}

func (s *Serializer) drainHardDeleted(ctx context.Context, profile string) error {
	hard, err := s.Store.DrainHardDeletedModels(ctx, profile)
	if err != nil {
		return err
	}
	for _, h := range hard {
		rec, ok, err := s.Store.GetRecord(ctx, h.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		rec.HardDeleted = true
		rec.Serialized = "{}"
		rec.ConflictingSerializedData = ""
		if err := s.Store.UpsertRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
