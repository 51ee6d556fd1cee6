// Copyright 2024 The Lumino Node Authors

package phaseclock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminolabs/node/internal/ledger/simfacade"
)

func TestFirstObservationIsNotATransition(t *testing.T) {
	sim := simfacade.New()
	c := New(sim)

	obs, err := c.Observe(context.Background())
	require.NoError(t, err)
	assert.False(t, obs.Transitioned)
}

func TestSubsequentSamePhaseIsNotATransition(t *testing.T) {
	sim := simfacade.New()
	c := New(sim)

	_, err := c.Observe(context.Background())
	require.NoError(t, err)

	obs, err := c.Observe(context.Background())
	require.NoError(t, err)
	assert.False(t, obs.Transitioned)
}

func TestPhaseChangeIsReportedAsATransition(t *testing.T) {
	sim := simfacade.New()
	c := New(sim)

	_, err := c.Observe(context.Background())
	require.NoError(t, err)

	sim.AdvancePhase()

	obs, err := c.Observe(context.Background())
	require.NoError(t, err)
	assert.True(t, obs.Transitioned)
}

func TestNextPollDelayCapsAtTwoSeconds(t *testing.T) {
	assert.Equal(t, 2*time.Second, NextPollDelay(30))
	assert.Equal(t, 1*time.Second, NextPollDelay(1))
	assert.Equal(t, 100*time.Millisecond, NextPollDelay(0))
}
