package pkcrypto

import (
	"crypto/rand"

	"github.com/zeebo/errs"
)

// ErrSalt is returned for invalid GenerateSalt input.
var ErrSalt = errs.Class("pkcrypto salt")

// GenerateSalt returns size bytes of cryptographically random salt. Sizes
// below 8 bytes are rejected as too weak to be useful.
func GenerateSalt(size uint32) ([]byte, error) {
	if size < 8 {
		return nil, ErrSalt.New("salt size %d is too small, must be at least 8 bytes", size)
	}
	salt := make([]byte, size)
	if _, err := rand.Read(salt); err != nil {
		return nil, ErrSalt.Wrap(err)
	}
	return salt, nil
}
