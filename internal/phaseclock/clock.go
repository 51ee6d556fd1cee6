// Copyright 2024 The Lumino Node Authors

// Package phaseclock watches the ledger's epoch/phase state and surfaces
// phase transitions to the Protocol Driver. It never tries to compensate
// for a missed transition: if the ledger reports two phases' worth of
// movement between polls, whatever action would have run for the skipped
// phase simply never runs.
package phaseclock

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/luminolabs/node/internal/ledger"
)

// maxPollInterval bounds the delay NextPollDelay returns between polls, even
// when the ledger reports a large time_left, so the clock stays responsive to context
// cancellation and to the ledger catching up after a stall.
const maxPollInterval = 2 * time.Second

// Clock polls a ledger.Client for epoch state and reports phase
// transitions. The zero value is not usable; construct with New.
type Clock struct {
	client ledger.Client

	haveLast bool
	last     ledger.Phase
}

// New returns a Clock that has not yet observed any phase.
func New(client ledger.Client) *Clock {
	return &Clock{client: client}
}

// Observation is one poll's result.
type Observation struct {
	Phase        ledger.Phase
	TimeLeft     int64
	Transitioned bool // true iff Phase differs from the previously observed phase
}

// Observe blocks until the next epoch-state poll completes (respecting
// ctx), then returns it. Callers drive their own loop; Observe does not
// sleep internally beyond the single RPC round trip.
func (c *Clock) Observe(ctx context.Context) (Observation, error) {
	state, err := c.client.GetEpochState(ctx)
	if err != nil {
		return Observation{}, err
	}

	log.Debug("Observed epoch state", "phase", state.Phase, "timeLeft", state.TimeLeft)

	obs := Observation{Phase: state.Phase, TimeLeft: state.TimeLeft}
	if !c.haveLast || state.Phase != c.last {
		obs.Transitioned = c.haveLast // the very first observation is a baseline, not a transition
		if obs.Transitioned {
			log.Info("Phase transition", "from", c.last, "to", state.Phase)
		}
		c.haveLast = true
		c.last = state.Phase
	}
	return obs, nil
}

// NextPollDelay returns how long to wait before the next Observe call,
// given the time_left the ledger most recently reported: min(timeLeft, 2s),
// floored at a small positive duration so a timeLeft of 0 does not spin.
func NextPollDelay(timeLeft int64) time.Duration {
	d := time.Duration(timeLeft) * time.Second
	if d <= 0 {
		return 100 * time.Millisecond
	}
	if d > maxPollInterval {
		return maxPollInterval
	}
	return d
}

// Run polls in a loop, invoking onObservation for every Observe result,
// until ctx is done. The Protocol Driver does not use Run: it calls Observe
// directly so it can interleave phase-action execution with polling on its
// own terms.
func (c *Clock) Run(ctx context.Context, onObservation func(Observation)) error {
	for {
		obs, err := c.Observe(ctx)
		if err != nil {
			return err
		}
		onObservation(obs)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(NextPollDelay(obs.TimeLeft)):
		}
	}
}
