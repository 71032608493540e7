package morangocert_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learningequality/morango/pkg/morangocert"
)

type memoryCertStore struct {
	certs map[string]*morangocert.Certificate
}

func newMemoryCertStore() *memoryCertStore {
	return &memoryCertStore{certs: map[string]*morangocert.Certificate{}}
}

func (s *memoryCertStore) Get(ctx context.Context, id string) (*morangocert.Certificate, bool, error) {
	c, ok := s.certs[id]
	return c, ok, nil
}

func (s *memoryCertStore) Save(ctx context.Context, cert *morangocert.Certificate) error {
	s.certs[cert.ID] = cert
	return nil
}

func facilityScopeDef() morangocert.ScopeDefinition {
	return morangocert.ScopeDefinition{
		ID:                      "facility",
		Profile:                 "facilitysync",
		Version:                 1,
		PrimaryScopeParamKey:    "facility_id",
		ReadWriteFilterTemplate: "${facility_id}",
	}
}

func userScopeDef() morangocert.ScopeDefinition {
	return morangocert.ScopeDefinition{
		ID:                      "single-user",
		Profile:                 "facilitysync",
		Version:                 1,
		ReadWriteFilterTemplate: "${facility_id}.user.${user_id}",
	}
}

func TestGenerateRootProducesSelfSignedCertificate(t *testing.T) {
	ctx := context.Background()
	defs := morangocert.NewStaticScopeDefinitions([]morangocert.ScopeDefinition{facilityScopeDef()})

	root, err := morangocert.GenerateRoot(ctx, defs, "facility", "", nil)
	require.NoError(t, err)

	assert.NoError(t, root.Check(ctx, nil, defs))
}

func TestGenerateRootRejectsScopeDefinitionWithoutPrimaryKey(t *testing.T) {
	ctx := context.Background()
	defs := morangocert.NewStaticScopeDefinitions([]morangocert.ScopeDefinition{{ID: "no-primary"}})

	_, err := morangocert.GenerateRoot(ctx, defs, "no-primary", "", nil)
	assert.Error(t, err)
}

func TestSignChildAndCheckAcceptsValidChild(t *testing.T) {
	ctx := context.Background()
	defs := morangocert.NewStaticScopeDefinitions([]morangocert.ScopeDefinition{facilityScopeDef(), userScopeDef()})

	root, err := morangocert.GenerateRoot(ctx, defs, "facility", "", nil)
	require.NoError(t, err)

	child := &morangocert.Certificate{
		ParentID:          root.ID,
		Profile:           root.Profile,
		ScopeDefinitionID: "single-user",
		ScopeVersion:      1,
		ScopeParams:       map[string]string{"facility_id": root.ID, "user_id": "42"},
		PublicKeyPEM:      root.PublicKeyPEM,
	}
	child.ID = child.CalculateUUID()
	require.NoError(t, root.SignChild(child))

	assert.NoError(t, child.Check(ctx, root, defs))
}

func TestCheckRejectsChildScopeNotSubsetOfParent(t *testing.T) {
	ctx := context.Background()
	defs := morangocert.NewStaticScopeDefinitions([]morangocert.ScopeDefinition{facilityScopeDef(), userScopeDef()})

	root, err := morangocert.GenerateRoot(ctx, defs, "facility", "", nil)
	require.NoError(t, err)

	child := &morangocert.Certificate{
		ParentID:          root.ID,
		Profile:           root.Profile,
		ScopeDefinitionID: "single-user",
		ScopeVersion:      1,
		ScopeParams:       map[string]string{"facility_id": "some-other-facility", "user_id": "42"},
		PublicKeyPEM:      root.PublicKeyPEM,
	}
	child.ID = child.CalculateUUID()
	require.NoError(t, root.SignChild(child))

	assert.Error(t, child.Check(ctx, root, defs))
}

func TestCheckRejectsTamperedSignature(t *testing.T) {
	ctx := context.Background()
	defs := morangocert.NewStaticScopeDefinitions([]morangocert.ScopeDefinition{facilityScopeDef()})

	root, err := morangocert.GenerateRoot(ctx, defs, "facility", "", nil)
	require.NoError(t, err)

	root.Signature = "tampered"
	assert.Error(t, root.Check(ctx, nil, defs))
}

func TestSaveChainRecursesBottomUpAndPersistsOnce(t *testing.T) {
	ctx := context.Background()
	defs := morangocert.NewStaticScopeDefinitions([]morangocert.ScopeDefinition{facilityScopeDef(), userScopeDef()})
	store := newMemoryCertStore()

	root, err := morangocert.GenerateRoot(ctx, defs, "facility", "", nil)
	require.NoError(t, err)

	child := &morangocert.Certificate{
		ParentID:          root.ID,
		Profile:           root.Profile,
		ScopeDefinitionID: "single-user",
		ScopeVersion:      1,
		ScopeParams:       map[string]string{"facility_id": root.ID, "user_id": "7"},
		PublicKeyPEM:      root.PublicKeyPEM,
		Salt:              "child",
	}
	child.ID = child.CalculateUUID()
	require.NoError(t, root.SignChild(child))

	saved, err := morangocert.SaveChain(ctx, store, defs, []*morangocert.Certificate{root, child}, child.ID)
	require.NoError(t, err)
	assert.Equal(t, child.ID, saved.ID)

	_, ok, err := store.Get(ctx, root.ID)
	require.NoError(t, err)
	assert.True(t, ok, "root certificate must have been saved while recursing up the chain")
}

func TestSaveChainRejectsMismatchedExpectedID(t *testing.T) {
	ctx := context.Background()
	defs := morangocert.NewStaticScopeDefinitions([]morangocert.ScopeDefinition{facilityScopeDef()})
	store := newMemoryCertStore()

	root, err := morangocert.GenerateRoot(ctx, defs, "facility", "", nil)
	require.NoError(t, err)

	_, err = morangocert.SaveChain(ctx, store, defs, []*morangocert.Certificate{root}, "not-the-real-id")
	assert.Error(t, err)
}
