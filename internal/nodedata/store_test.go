// Copyright 2024 The Lumino Node Authors

package nodedata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOnEmptyDataDirReportsNoCachedID(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	id, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, id)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(42))

	reopened, err := Open(dir)
	require.NoError(t, err)
	id, ok, err := reopened.Load()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 42, id)
}
