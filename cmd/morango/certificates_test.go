package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyValuesSplitsOnFirstEquals(t *testing.T) {
	out, err := parseKeyValues([]string{"facility=abc123", "note=has=an=equals"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"facility": "abc123",
		"note":     "has=an=equals",
	}, out)
}

func TestParseKeyValuesRejectsMissingEquals(t *testing.T) {
	_, err := parseKeyValues([]string{"notakeyvalue"})
	require.Error(t, err)
}

func TestParseKeyValuesEmptyInput(t *testing.T) {
	out, err := parseKeyValues(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
