package pkcrypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// ContentUUID derives a deterministic 32-character lowercase hex id from
// parts: empty parts are dropped, the remainder is joined with "::" and
// hashed with SHA-256, and the first 16 bytes of the digest are hex
// encoded. Every content-addressed id in the system (Store.ID,
// Certificate.ID, InstanceID.ID) is produced this way, so two peers that
// derive the same logical record always agree on its id without needing
// to exchange it.
func ContentUUID(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	digest := sha256.Sum256([]byte(strings.Join(nonEmpty, "::")))
	return hex.EncodeToString(digest[:16])
}

// RandomHexID returns a 32-character lowercase hex id with no content
// relationship to anything else, for identifiers like DatabaseID and
// Nonce that must simply be unique, not reproducible.
func RandomHexID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}
