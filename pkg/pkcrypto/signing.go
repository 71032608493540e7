package pkcrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
)

// Sign hashes message with SHA-256 and signs it with RSASSA-PKCS1-v1_5,
// returning the signature as newline-free standard base64, matching the
// wire format every certificate and nonce response in the protocol uses.
func Sign(key *rsa.PrivateKey, message []byte) (string, error) {
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", Error.Wrap(err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64-encoded RSASSA-PKCS1-v1_5 signature over the
// SHA-256 digest of message. It returns a non-nil error for any mismatch
// or malformed input.
func Verify(pub *rsa.PublicKey, message []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return Error.Wrap(err)
	}
	digest := sha256.Sum256(message)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return Error.Wrap(err)
	}
	return nil
}
