// Copyright 2024 The Lumino Node Authors

package commitreveal

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawProducesMatchingCommitment(t *testing.T) {
	s := New()
	require.False(t, s.HasSecret())

	commitment, err := s.Draw()
	require.NoError(t, err)
	require.True(t, s.HasSecret())

	secret := s.Secret()
	assert.Equal(t, crypto.Keccak256Hash(secret[:]), commitment)
	assert.Equal(t, commitment, s.Commitment())
}

func TestDrawDiscardsPriorSecret(t *testing.T) {
	s := New()
	_, err := s.Draw()
	require.NoError(t, err)
	first := s.Secret()

	_, err = s.Draw()
	require.NoError(t, err)
	second := s.Secret()

	assert.NotEqual(t, first, second)
}

func TestClear(t *testing.T) {
	s := New()
	_, err := s.Draw()
	require.NoError(t, err)

	s.Clear()
	assert.False(t, s.HasSecret())
}
