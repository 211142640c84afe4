package netif

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const missing = "bwbridge-test-nonexistent0"

func TestNames(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)

	for _, name := range names {
		assert.NotEmpty(t, name)
	}
}

func TestExists(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)

	for _, name := range names {
		ok, err := Exists(name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}

	ok, err := Exists(missing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCounters_UnknownInterface(t *testing.T) {
	_, _, err := Counters(missing)

	assert.ErrorIs(t, err, ErrNotFound)
}
