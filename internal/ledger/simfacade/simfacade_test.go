// Copyright 2024 The Lumino Node Authors

package simfacade

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminolabs/node/internal/ledger"
)

func TestRegisterNodeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := New()

	first, err := b.RegisterNode(ctx, 10)
	require.NoError(t, err)
	assert.NotZero(t, first.NodeID)

	second, err := b.RegisterNode(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, first.NodeID, second.NodeID)
}

func TestDepositStakeFailsOnInsufficientTokenBalance(t *testing.T) {
	ctx := context.Background()
	b := New()

	err := b.DepositStake(ctx, big.NewInt(1))
	require.Error(t, err)

	var ce *ledger.ContractError
	assert.ErrorAs(t, err, &ce)
}

func TestDepositStakeMovesTokensIntoStake(t *testing.T) {
	ctx := context.Background()
	b := New()

	b.Credit(b.Self(), big.NewInt(100))
	require.NoError(t, b.DepositStake(ctx, big.NewInt(60)))

	tokens, err := b.GetTokenBalance(ctx, b.Self())
	require.NoError(t, err)
	assert.EqualValues(t, 40, tokens.Int64())

	stake, err := b.GetStakeBalance(ctx, b.Self())
	require.NoError(t, err)
	assert.EqualValues(t, 60, stake.Int64())
}

func TestGetNodeInfoUnknownNodeIsAContractError(t *testing.T) {
	ctx := context.Background()
	b := New()

	_, err := b.GetNodeInfo(ctx, 999)
	require.Error(t, err)
	var ce *ledger.ContractError
	assert.ErrorAs(t, err, &ce)
}

func TestAdvancePhaseWrapsEpochOnDispute(t *testing.T) {
	ctx := context.Background()
	b := New()

	epoch0, _ := b.GetCurrentEpoch(ctx)
	for i := 0; i < 5; i++ {
		b.AdvancePhase()
	}
	state, err := b.GetEpochState(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.PhaseDispute, state.Phase)

	b.AdvancePhase()
	state, err = b.GetEpochState(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.PhaseCommit, state.Phase)

	epoch1, _ := b.GetCurrentEpoch(ctx)
	assert.Equal(t, epoch0+1, epoch1)
}

func TestProcessEventsDrainsWithoutError(t *testing.T) {
	ctx := context.Background()
	b := New()
	_, err := b.RegisterNode(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, b.ProcessEvents(ctx))
	require.NoError(t, b.ProcessEvents(ctx))
}
