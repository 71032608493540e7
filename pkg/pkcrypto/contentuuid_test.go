package pkcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentUUIDIsDeterministic(t *testing.T) {
	a := ContentUUID("profile", "partition.1", "source-id")
	b := ContentUUID("profile", "partition.1", "source-id")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestContentUUIDDropsEmptyParts(t *testing.T) {
	withEmpty := ContentUUID("profile", "", "source-id")
	withoutEmpty := ContentUUID("profile", "source-id")
	assert.Equal(t, withoutEmpty, withEmpty)
}

func TestContentUUIDDiffersByInput(t *testing.T) {
	a := ContentUUID("profile", "partition.1", "source-id")
	b := ContentUUID("profile", "partition.2", "source-id")
	assert.NotEqual(t, a, b)
}

func TestRandomHexIDIsUnpredictable(t *testing.T) {
	a := RandomHexID()
	b := RandomHexID()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
