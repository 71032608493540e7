package morangocert

import (
	"context"
	"time"

	"github.com/learningequality/morango/pkg/morangoerrs"
	"github.com/learningequality/morango/pkg/pkcrypto"
)

// nonceTTL is the window, after minting, during which a nonce can be
// consumed exactly once.
const nonceTTL = 60 * time.Second

// Nonce is a single-use value a client signs to prove possession of a
// certificate's private key during the sync-session handshake.
type Nonce struct {
	ID        string
	Timestamp time.Time
	IP        string
}

// NonceRepository is the persistence boundary for minted nonces. The
// SQL-backed implementation must run Get+Delete inside one transaction so
// that two concurrent Use calls for the same nonce can't both succeed.
type NonceRepository interface {
	Create(ctx context.Context, nonce Nonce) error
	Get(ctx context.Context, id string) (Nonce, bool, error)
	Delete(ctx context.Context, id string) error
}

// Mint creates and persists a new nonce.
func Mint(ctx context.Context, repo NonceRepository, ip string) (Nonce, error) {
	nonce := Nonce{ID: pkcrypto.RandomHexID(), Timestamp: time.Now(), IP: ip}
	if err := repo.Create(ctx, nonce); err != nil {
		return Nonce{}, morangoerrs.Base.Wrap(err)
	}
	return nonce, nil
}

// Use consumes a nonce: it must exist and be within its TTL, and is
// deleted whether or not it was still valid, so a given nonce id can
// never be presented twice.
func Use(ctx context.Context, repo NonceRepository, id string) error {
	nonce, ok, err := repo.Get(ctx, id)
	if err != nil {
		return morangoerrs.Base.Wrap(err)
	}
	if !ok {
		return morangoerrs.ErrNonceDoesNotExist.New("nonce %s does not exist", id)
	}

	age := time.Since(nonce.Timestamp)
	if !(age > 0 && age < nonceTTL) {
		if err := repo.Delete(ctx, id); err != nil {
			return morangoerrs.Base.Wrap(err)
		}
		return morangoerrs.ErrNonceExpired.New("nonce %s expired", id)
	}

	if err := repo.Delete(ctx, id); err != nil {
		return morangoerrs.Base.Wrap(err)
	}
	return nil
}
