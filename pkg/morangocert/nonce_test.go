package morangocert_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learningequality/morango/pkg/morangocert"
)

type memoryNonceRepo struct {
	nonces map[string]morangocert.Nonce
}

func newMemoryNonceRepo() *memoryNonceRepo {
	return &memoryNonceRepo{nonces: map[string]morangocert.Nonce{}}
}

func (r *memoryNonceRepo) Create(ctx context.Context, nonce morangocert.Nonce) error {
	r.nonces[nonce.ID] = nonce
	return nil
}

func (r *memoryNonceRepo) Get(ctx context.Context, id string) (morangocert.Nonce, bool, error) {
	n, ok := r.nonces[id]
	return n, ok, nil
}

func (r *memoryNonceRepo) Delete(ctx context.Context, id string) error {
	delete(r.nonces, id)
	return nil
}

func TestMintAndUseHappyPath(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryNonceRepo()

	nonce, err := morangocert.Mint(ctx, repo, "203.0.113.5")
	require.NoError(t, err)

	assert.NoError(t, morangocert.Use(ctx, repo, nonce.ID))
}

func TestUseIsSingleUse(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryNonceRepo()

	nonce, err := morangocert.Mint(ctx, repo, "")
	require.NoError(t, err)
	require.NoError(t, morangocert.Use(ctx, repo, nonce.ID))

	err = morangocert.Use(ctx, repo, nonce.ID)
	assert.Error(t, err, "a nonce must not be usable twice")
}

func TestUseRejectsUnknownNonce(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryNonceRepo()

	err := morangocert.Use(ctx, repo, "does-not-exist")
	assert.Error(t, err)
}

func TestUseRejectsExpiredNonce(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryNonceRepo()

	nonce := morangocert.Nonce{ID: "expired-nonce", Timestamp: time.Now().Add(-90 * time.Second)}
	require.NoError(t, repo.Create(ctx, nonce))

	err := morangocert.Use(ctx, repo, nonce.ID)
	assert.Error(t, err)

	_, ok, err := repo.Get(ctx, nonce.ID)
	require.NoError(t, err)
	assert.False(t, ok, "expired nonce must be deleted even though it was rejected")
}
