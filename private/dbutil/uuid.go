package dbutil

import "github.com/google/uuid"

// BytesToUUID converts a 16-byte slice read back from a driver value into
// a uuid.UUID, rejecting anything that isn't exactly 16 bytes.
func BytesToUUID(b []byte) (uuid.UUID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.UUID{}, Error.Wrap(err)
	}
	return id, nil
}
