// Package testprofile is a small, complete syncable application: two models
// (Facility, the root of a tree, and Dataset, which both belongs to a
// Facility and can nest under another Dataset) wired through the real
// pkg/syncable and pkg/serialize boundaries. It exists for end-to-end tests
// and cmd/morango's demo commands to exercise against, the way
// internal/testplanet stands in for a running storage node network rather
// than a fake of one.
package testprofile

import (
	"context"
	"strings"
	"sync"

	"github.com/zeebo/errs"

	"github.com/learningequality/morango/pkg/pkcrypto"
	"github.com/learningequality/morango/pkg/serialize"
	"github.com/learningequality/morango/pkg/syncable"
)

// Profile is the sync profile name this package's models are registered
// under.
const Profile = "testprofile"

// Error is the error class for the testprofile package.
var Error = errs.Class("testprofile")

const (
	modelFacility = "facility"
	modelDataset  = "dataset"
)

// Facility is the tree root: every Dataset belongs to exactly one.
type Facility struct {
	Partition string
	SourceID  string
	Name      string

	deleted     bool
	hardDeleted bool

	app *AppStore
}

var _ syncable.Instance = (*Facility)(nil)

func (f *Facility) Serialize() (map[string]any, error) {
	return map[string]any{
		"partition": f.Partition,
		"source_id": f.SourceID,
		"name":      f.Name,
	}, nil
}

func (f *Facility) Deserialize(fields map[string]any) error {
	f.Partition, _ = fields["partition"].(string)
	f.SourceID, _ = fields["source_id"].(string)
	f.Name, _ = fields["name"].(string)
	return nil
}

func (f *Facility) Validate(ctx context.Context) error {
	if f.Name == "" {
		return Error.New("facility %q: name is required", f.SourceID)
	}
	return nil
}

func (f *Facility) ForeignKeys() map[string]string { return nil }
func (f *Facility) SelfReferentialFK() string      { return "" }

func (f *Facility) Save(ctx context.Context, deleted, hardDeleted bool) error {
	f.deleted, f.hardDeleted = deleted, hardDeleted
	f.app.put(modelFacility, f.storeID(), f)
	return nil
}

func (f *Facility) storeID() string {
	return pkcrypto.ContentUUID(f.Partition, f.SourceID, modelFacility)
}

// Dataset belongs to a Facility and may nest under another Dataset,
// exercising the deserializer's parent-before-child wave ordering.
type Dataset struct {
	Partition  string
	SourceID   string
	FacilityID string // SourceID of the owning Facility
	ParentID   string // SourceID of the parent Dataset, or "" for a top-level one
	Title      string

	deleted     bool
	hardDeleted bool

	app *AppStore
}

var _ syncable.Instance = (*Dataset)(nil)

func (d *Dataset) Serialize() (map[string]any, error) {
	return map[string]any{
		"partition":   d.Partition,
		"source_id":   d.SourceID,
		"facility_id": d.FacilityID,
		"parent_id":   d.ParentID,
		"title":       d.Title,
	}, nil
}

func (d *Dataset) Deserialize(fields map[string]any) error {
	d.Partition, _ = fields["partition"].(string)
	d.SourceID, _ = fields["source_id"].(string)
	d.FacilityID, _ = fields["facility_id"].(string)
	d.ParentID, _ = fields["parent_id"].(string)
	d.Title, _ = fields["title"].(string)
	return nil
}

func (d *Dataset) Validate(ctx context.Context) error {
	if d.Title == "" {
		return Error.New("dataset %q: title is required", d.SourceID)
	}
	if d.FacilityID == "" {
		return Error.New("dataset %q: facility_id is required", d.SourceID)
	}
	return nil
}

func (d *Dataset) ForeignKeys() map[string]string {
	return map[string]string{
		"facility_id": pkcrypto.ContentUUID(d.Partition, d.FacilityID, modelFacility),
	}
}

func (d *Dataset) SelfReferentialFK() string {
	if d.ParentID == "" {
		return ""
	}
	return pkcrypto.ContentUUID(d.Partition, d.ParentID, modelDataset)
}

func (d *Dataset) Save(ctx context.Context, deleted, hardDeleted bool) error {
	d.deleted, d.hardDeleted = deleted, hardDeleted
	d.app.put(modelDataset, d.storeID(), d)
	return nil
}

func (d *Dataset) storeID() string {
	return pkcrypto.ContentUUID(d.Partition, d.SourceID, modelDataset)
}

// AppStore is the in-memory host application: it owns every Facility and
// Dataset instance, keyed by the same content-addressed Store id the
// Serializer would compute for them, and tracks which ones have local edits
// pending serialization. It implements serialize.AppSource directly rather
// than through a second adapter type, the way a small host application
// would wire its own models in.
type AppStore struct {
	mu sync.Mutex

	facilities map[string]*Facility
	datasets   map[string]*Dataset

	dirty map[string]map[string]bool // model name -> store id -> pending
}

var _ serialize.AppSource = (*AppStore)(nil)

// NewAppStore returns an empty AppStore.
func NewAppStore() *AppStore {
	return &AppStore{
		facilities: map[string]*Facility{},
		datasets:   map[string]*Dataset{},
		dirty: map[string]map[string]bool{
			modelFacility: {},
			modelDataset:  {},
		},
	}
}

// Registry returns a syncable.Registry with Facility and Dataset
// registered for Profile, Dataset depending on Facility, ready to hand to
// a pkg/serialize.Serializer/Deserializer.
func (as *AppStore) Registry() *syncable.Registry {
	r := syncable.NewRegistry()
	_ = r.Register(syncable.Descriptor{
		Profile:   Profile,
		ModelName: modelFacility,
		New:       func() syncable.Instance { return &Facility{app: as} },
	})
	_ = r.Register(syncable.Descriptor{
		Profile:      Profile,
		ModelName:    modelDataset,
		Dependencies: []string{modelFacility},
		New:          func() syncable.Instance { return &Dataset{app: as} },
	})
	return r
}

func (as *AppStore) put(modelName, storeID string, value any) {
	as.mu.Lock()
	defer as.mu.Unlock()
	switch modelName {
	case modelFacility:
		as.facilities[storeID] = value.(*Facility)
	case modelDataset:
		as.datasets[storeID] = value.(*Dataset)
	}
}

// CreateFacility adds a new Facility to the app and marks it dirty, the
// way a host application's own save hook would after a local edit.
func (as *AppStore) CreateFacility(partition, sourceID, name string) *Facility {
	f := &Facility{Partition: partition, SourceID: sourceID, Name: name, app: as}
	as.mu.Lock()
	as.facilities[f.storeID()] = f
	as.dirty[modelFacility][f.storeID()] = true
	as.mu.Unlock()
	return f
}

// CreateDataset adds a new Dataset to the app and marks it dirty.
// parentSourceID may be "" for a top-level dataset.
func (as *AppStore) CreateDataset(partition, sourceID, facilitySourceID, parentSourceID, title string) *Dataset {
	d := &Dataset{
		Partition: partition, SourceID: sourceID,
		FacilityID: facilitySourceID, ParentID: parentSourceID,
		Title: title, app: as,
	}
	as.mu.Lock()
	as.datasets[d.storeID()] = d
	as.dirty[modelDataset][d.storeID()] = true
	as.mu.Unlock()
	return d
}

// Retitle changes a Dataset's title and marks it dirty again.
func (as *AppStore) Retitle(d *Dataset, title string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	d.Title = title
	as.dirty[modelDataset][d.storeID()] = true
}

// Facility looks up a Facility by its content-addressed Store id.
func (as *AppStore) Facility(storeID string) (*Facility, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	f, ok := as.facilities[storeID]
	return f, ok
}

// Dataset looks up a Dataset by its content-addressed Store id.
func (as *AppStore) Dataset(storeID string) (*Dataset, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	d, ok := as.datasets[storeID]
	return d, ok
}

// DirtyInstances implements serialize.AppSource.
func (as *AppStore) DirtyInstances(ctx context.Context, profile, modelName string, partitionPrefixes []string) ([]serialize.AppInstance, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	var out []serialize.AppInstance
	for storeID := range as.dirty[modelName] {
		switch modelName {
		case modelFacility:
			f, ok := as.facilities[storeID]
			if !ok || !matchesPartition(f.Partition, partitionPrefixes) {
				continue
			}
			out = append(out, serialize.AppInstance{Partition: f.Partition, SourceID: f.SourceID, Instance: f})
		case modelDataset:
			d, ok := as.datasets[storeID]
			if !ok || !matchesPartition(d.Partition, partitionPrefixes) {
				continue
			}
			out = append(out, serialize.AppInstance{Partition: d.Partition, SourceID: d.SourceID, SelfRefFK: d.SelfReferentialFK(), Instance: d})
		}
	}
	return out, nil
}

// ClearDirtyBit implements serialize.AppSource.
func (as *AppStore) ClearDirtyBit(ctx context.Context, profile, modelName string, storeIDs []string) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, id := range storeIDs {
		delete(as.dirty[modelName], id)
	}
	return nil
}

func matchesPartition(partition string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(partition, p) {
			return true
		}
	}
	return false
}
