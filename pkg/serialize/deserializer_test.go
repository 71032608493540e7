package serialize_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/learningequality/morango/pkg/serialize"
	"github.com/learningequality/morango/pkg/store"
	"github.com/learningequality/morango/pkg/syncable"
)

func TestDeserializerSavesCleanRowsAndClearsDirtyBit(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	repo.records["rec-1"] = store.Record{
		ID: "rec-1", Profile: "facilitysync", ModelName: "widget",
		Serialized: `{"name":"a"}`, DirtyBit: true,
	}

	var saved *fakeInstance
	reg := syncable.NewRegistry()
	require.NoError(t, reg.Register(syncable.Descriptor{
		Profile: "facilitysync", ModelName: "widget",
		New: func() syncable.Instance {
			saved = &fakeInstance{}
			return saved
		},
	}))

	d := &serialize.Deserializer{Store: repo, Registry: reg}
	require.NoError(t, d.Run(ctx, "facilitysync", nil))

	require.True(t, saved.saved)
	require.False(t, repo.records["rec-1"].DirtyBit)
}

func TestDeserializerWavesOrderSelfReferentialParentsBeforeChildren(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	repo.records["root"] = store.Record{
		ID: "root", Profile: "facilitysync", ModelName: "tree",
		Serialized: `{"_id":"root"}`, DirtyBit: true,
	}
	repo.records["child"] = store.Record{
		ID: "child", Profile: "facilitysync", ModelName: "tree",
		Serialized: `{"_id":"child"}`, DirtyBit: true, SelfRefFK: "root",
	}

	var order []string
	reg := syncable.NewRegistry()
	require.NoError(t, reg.Register(syncable.Descriptor{
		Profile: "facilitysync", ModelName: "tree",
		New: func() syncable.Instance {
			return &orderTrackingInstance{order: &order}
		},
	}))

	d := &serialize.Deserializer{Store: repo, Registry: reg}
	require.NoError(t, d.Run(ctx, "facilitysync", nil))

	require.Equal(t, []string{"root", "child"}, order)
	require.False(t, repo.records["root"].DirtyBit)
	require.False(t, repo.records["child"].DirtyBit)
}

func TestDeserializerStampsParentMissingWhenSelfRefParentNeverExisted(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	repo.records["child"] = store.Record{
		ID: "child", Profile: "facilitysync", ModelName: "tree",
		Serialized: `{}`, DirtyBit: true, SelfRefFK: "ghost-parent",
	}

	reg := syncable.NewRegistry()
	require.NoError(t, reg.Register(syncable.Descriptor{
		Profile: "facilitysync", ModelName: "tree",
		New: func() syncable.Instance { return &fakeInstance{} },
	}))

	d := &serialize.Deserializer{Store: repo, Registry: reg}
	require.NoError(t, d.Run(ctx, "facilitysync", nil))

	require.True(t, repo.records["child"].DirtyBit)
	require.Equal(t, "Parent does not exist in Store; could not deserialize.", repo.records["child"].DeserializationError)
}

func TestDeserializerStampsParentDirtyWhenSelfRefParentNeverClears(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	repo.records["root"] = store.Record{
		ID: "root", Profile: "facilitysync", ModelName: "tree",
		Serialized: `{}`, DirtyBit: true,
	}
	repo.records["child"] = store.Record{
		ID: "child", Profile: "facilitysync", ModelName: "tree",
		Serialized: `{}`, DirtyBit: true, SelfRefFK: "root",
	}

	reg := syncable.NewRegistry()
	require.NoError(t, reg.Register(syncable.Descriptor{
		Profile: "facilitysync", ModelName: "tree",
		New: func() syncable.Instance {
			return &fakeInstance{validateErr: errors.New("always fails")}
		},
	}))

	d := &serialize.Deserializer{Store: repo, Registry: reg, SkipErroring: true}
	require.NoError(t, d.Run(ctx, "facilitysync", nil))

	require.True(t, repo.records["root"].DirtyBit)
	require.True(t, repo.records["child"].DirtyBit)
	require.Equal(t, "Parent is dirty; could not deserialize.", repo.records["child"].DeserializationError)
}

func TestDeserializerPropagatesDeletionWhenForeignKeyParentWasDeleted(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	repo.records["parent"] = store.Record{ID: "parent", Profile: "facilitysync", ModelName: "widget", Deleted: true}
	repo.records["child"] = store.Record{
		ID: "child", Profile: "facilitysync", ModelName: "widget",
		Serialized: `{}`, DirtyBit: true,
	}

	var saved *fakeInstance
	reg := syncable.NewRegistry()
	require.NoError(t, reg.Register(syncable.Descriptor{
		Profile: "facilitysync", ModelName: "widget",
		New: func() syncable.Instance {
			saved = &fakeInstance{
				validateErr: errors.New("fk violation"),
				fks:         map[string]string{"parent_id": "parent"},
			}
			return saved
		},
	}))

	d := &serialize.Deserializer{Store: repo, Registry: reg}
	require.NoError(t, d.Run(ctx, "facilitysync", nil))

	require.True(t, saved.saved)
	require.True(t, saved.savedDel)
	require.False(t, repo.records["child"].DirtyBit)
}

// orderTrackingInstance records the Store id it was constructed for (via
// the fields it deserializes) so the wave test can assert parent-before-
// child ordering without depending on map iteration order elsewhere.
type orderTrackingInstance struct {
	order *[]string
	id    string
}

func (o *orderTrackingInstance) Serialize() (map[string]any, error) { return map[string]any{}, nil }
func (o *orderTrackingInstance) Deserialize(fields map[string]any) error {
	if v, ok := fields["_id"]; ok {
		o.id, _ = v.(string)
	}
	return nil
}
func (o *orderTrackingInstance) Validate(ctx context.Context) error { return nil }
func (o *orderTrackingInstance) ForeignKeys() map[string]string     { return nil }
func (o *orderTrackingInstance) SelfReferentialFK() string          { return "" }
func (o *orderTrackingInstance) Save(ctx context.Context, deleted, hardDeleted bool) error {
	*o.order = append(*o.order, o.id)
	return nil
}
