// Package pkcrypto provides the RSA signing, key-encoding, and
// content-addressing primitives the rest of the module builds on: every
// record id, certificate id, and instance id in morango is derived from
// ContentUUID, and every certificate signature runs through Sign/Verify.
package pkcrypto

import (
	"crypto/rand"
	"crypto/rsa"

	"github.com/zeebo/errs"
)

// Error is the error class for all pkcrypto failures.
var Error = errs.Class("pkcrypto")

// KeyBits is the RSA modulus size used for every generated keypair.
const KeyBits = 2048

// GenerateKey returns a new RSA-2048 private key.
func GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return key, nil
}

// PublicKeyFromPrivate returns the public half of an RSA private key.
func PublicKeyFromPrivate(key *rsa.PrivateKey) *rsa.PublicKey {
	return &key.PublicKey
}
