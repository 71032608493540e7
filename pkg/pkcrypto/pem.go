package pkcrypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
)

// pkcs8Header is the fixed ASN.1 prefix every RSA-2048 SubjectPublicKeyInfo
// base64-encodes to. Older morango peers store public keys without it, so
// it is stripped on the way out and tolerated (added back) on the way in.
const pkcs8Header = "MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8A"

// PublicKeyPEMString encodes pub as a newline-free, header-stripped base64
// blob: no "-----BEGIN"/"-----END" fence, no embedded PKCS#8 prefix.
func PublicKeyPEMString(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", Error.Wrap(err)
	}
	block := stripPEMFence(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	block = strings.TrimPrefix(block, pkcs8Header)
	return block, nil
}

// ParsePublicKeyPEMString reverses PublicKeyPEMString: it re-adds the
// PKCS#8 prefix if missing, re-wraps in a PEM fence, and parses.
func ParsePublicKeyPEMString(s string) (*rsa.PublicKey, error) {
	s = stripPEMFence(s)
	if !strings.HasPrefix(s, pkcs8Header) {
		s = pkcs8Header + s
	}
	block, _ := pem.Decode([]byte(addPEMFence(s, "PUBLIC KEY")))
	if block == nil {
		return nil, Error.New("invalid public key PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, Error.New("key is not an RSA public key")
	}
	return pub, nil
}

// PrivateKeyPEMString encodes key as a full PKCS#1 PEM block, fences
// included — private keys are not stripped down like public keys are.
func PrivateKeyPEMString(key *rsa.PrivateKey) string {
	der := x509.MarshalPKCS1PrivateKey(key)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
}

// ParsePrivateKeyPEMString parses a PKCS#1 RSA private key, tolerating
// input with or without PEM fences.
func ParsePrivateKeyPEMString(s string) (*rsa.PrivateKey, error) {
	fenced := s
	if !strings.Contains(s, "-----BEGIN") {
		fenced = addPEMFence(s, "RSA PRIVATE KEY")
	}
	block, _ := pem.Decode([]byte(fenced))
	if block == nil {
		return nil, Error.New("invalid private key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return key, nil
}

func stripPEMFence(s string) string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(string(s)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "")
}

func addPEMFence(key, header string) string {
	return "-----BEGIN " + header + "-----\n" + key + "\n-----END " + header + "-----"
}
