// Copyright 2024 The Lumino Node Authors

// Package commitreveal generates and holds the per-epoch secret used in the
// ledger's commit-reveal randomness protocol. It holds at most one
// (secret, commitment) pair, and is owned exclusively by the Protocol
// Driver — no locking is required.
package commitreveal

import (
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Store holds the current epoch's (secret, commitment) pair between a
// COMMIT action and the matching REVEAL action.
type Store struct {
	secret     *[32]byte
	commitment common.Hash
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Draw generates a fresh 32-byte CSPRNG secret and its commitment
// (keccak256 of the secret, the ledger-designated hash function),
// discarding any previously held pair. A stale secret must never survive
// into a new epoch's COMMIT, since revealing it later would reveal the
// wrong epoch's randomness.
func (s *Store) Draw() (common.Hash, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return common.Hash{}, fmt.Errorf("commitreveal: draw secret: %w", err)
	}
	commitment := crypto.Keccak256Hash(secret[:])

	s.secret = &secret
	s.commitment = commitment
	return commitment, nil
}

// HasSecret reports whether a secret is currently held, i.e. a COMMIT has
// been submitted for this epoch and the matching REVEAL has not yet
// succeeded.
func (s *Store) HasSecret() bool {
	return s.secret != nil
}

// Secret returns the held secret. Callers must check HasSecret first.
func (s *Store) Secret() [32]byte {
	if s.secret == nil {
		return [32]byte{}
	}
	return *s.secret
}

// Commitment returns the commitment for the currently held secret.
func (s *Store) Commitment() common.Hash {
	return s.commitment
}

// Clear discards the held secret, e.g. after a successful REVEAL.
func (s *Store) Clear() {
	s.secret = nil
	s.commitment = common.Hash{}
}
