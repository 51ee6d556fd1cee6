// Copyright 2024 The Lumino Node Authors

// Package nodedata persists the single piece of state the node keeps across
// restarts: its ledger-assigned node id. Once written this value never
// changes and the file is never deleted by the node.
package nodedata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const fileName = "node_data.json"

type payload struct {
	NodeID int64 `json:"node_id"`
}

// Store guards writes to node_data.json with a file lock so that two node
// processes sharing a data directory never interleave their writes. The lock
// is held only inside Save, not across Load and registration: two processes
// that both find no cached id each register, and the later Save replaces the
// earlier id. The node writes node_data.json at most once per lifetime.
type Store struct {
	path string
	lock *flock.Flock
}

// Open creates dataDir if needed and returns a Store bound to
// <dataDir>/node_data.json.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("nodedata: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, fileName)
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Load reads the cached node id. It returns (0, false, nil) if no node id
// has been persisted yet.
func (s *Store) Load() (int64, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("nodedata: read: %w", err)
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, false, fmt.Errorf("nodedata: decode: %w", err)
	}
	return p.NodeID, p.NodeID != 0, nil
}

// Save writes nodeID to disk under an exclusive file lock. Callers are
// expected (per the registration invariant) to call this at most once per
// node identity; Save itself does not enforce that — ensureRegistered in
// cmd/lumino-node does, by only calling it when Load reported no cached id.
func (s *Store) Save(nodeID int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("nodedata: acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("nodedata: another node process holds the lock on %s", s.path)
	}
	defer s.lock.Unlock()

	data, err := json.MarshalIndent(payload{NodeID: nodeID}, "", "  ")
	if err != nil {
		return fmt.Errorf("nodedata: encode: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("nodedata: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("nodedata: rename temp file: %w", err)
	}
	return nil
}
