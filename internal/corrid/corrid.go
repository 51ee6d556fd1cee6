// Copyright 2024 The Lumino Node Authors

// Package corrid generates short correlation IDs. The Protocol Driver draws
// one per dispatched phase action and attaches it to the log line announcing
// that dispatch; the phase handlers' own log lines do not carry it. Purely a
// logging convenience — it carries no protocol meaning.
package corrid

import "github.com/google/uuid"

// New returns a fresh correlation id, shortened to the first 8 hex
// characters for log readability.
func New() string {
	id := uuid.New().String()
	return id[:8]
}
