// Copyright 2024 The Lumino Node Authors

package driver

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminolabs/node/internal/jobrunner"
	"github.com/luminolabs/node/internal/ledger"
	"github.com/luminolabs/node/internal/ledger/simfacade"
)

func wei(n int64) *big.Int {
	base := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(n), base)
}

// writeStubRunner returns a shell script that mimics a successful training
// run: it writes .token-count then .finished into the result directory its
// --user_id/--job_id arguments describe.
func writeStubRunner(t *testing.T, root string) string {
	t.Helper()
	script := filepath.Join(root, "stub-runner.sh")
	body := `#!/bin/sh
set -e
submitter=""
job_id=""
while [ $# -gt 0 ]; do
  case "$1" in
    --user_id) submitter="$2"; shift 2;;
    --job_id) job_id="$2"; shift 2;;
    *) shift;;
  esac
done
dir="` + filepath.Join(root, ".results") + `/$submitter/$job_id"
mkdir -p "$dir"
echo "600000" > "$dir/.token-count"
touch "$dir/.finished"
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

// primeFirstEpoch drives d through one full skipped epoch — can_begin
// stays false until the first observed DISPUTE — so the next epoch's
// actions actually dispatch.
func primeFirstEpoch(t *testing.T, ctx context.Context, sim *simfacade.Backend, d *Driver) {
	t.Helper()
	for i := 0; i < 5; i++ {
		sim.AdvancePhase()
		_, done, err := d.tick(ctx)
		require.NoError(t, err)
		require.False(t, done)
	}
	require.True(t, d.canBegin)
}

// TestCleanSingleEpochRunSettlesLeaderJob exercises a clean run with every
// phase gate enabled and one job assigned to the leader, bounded to one
// DISPUTE-phase completion.
func TestCleanSingleEpochRunSettlesLeaderJob(t *testing.T) {
	ctx := context.Background()
	sim := simfacade.New()

	receipt, err := sim.RegisterNode(ctx, 10)
	require.NoError(t, err)
	jobID := sim.SubmitJob("submitter-1", "llm_llama3_1_8b", `{"prompt":"Test job"}`)

	root := t.TempDir()
	runner := jobrunner.New(sim, root)
	runner.ScriptName = writeStubRunner(t, root)

	d := New(sim, receipt.NodeID, runner, ParseTestMode("1111111"))
	primeFirstEpoch(t, ctx, sim, d)

	for _, want := range []ledger.Phase{ledger.PhaseCommit, ledger.PhaseReveal, ledger.PhaseElect, ledger.PhaseExecute} {
		sim.AdvancePhase()
		obs, done, err := d.tick(ctx)
		require.NoError(t, err)
		require.False(t, done)
		assert.Equal(t, want, obs.Phase)
	}

	sim.AdvancePhase() // -> CONFIRM
	_, done, err := d.tick(ctx)
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, ledger.JobComplete, sim.JobStatus(jobID))

	sim.AdvancePhase() // -> DISPUTE
	_, done, err = d.tick(ctx)
	require.NoError(t, err)
	assert.True(t, done, "bounded 1-epoch test mode should exit after this DISPUTE")
}

// TestLeaderSkippingExecuteIsPenalized covers EXECUTE gated off, so
// start_assignment_round is never called even though this node is the
// elected leader; the ledger applies the leader-not-executed penalty at
// DISPUTE.
func TestLeaderSkippingExecuteIsPenalized(t *testing.T) {
	ctx := context.Background()
	sim := simfacade.New()

	receipt, err := sim.RegisterNode(ctx, 10)
	require.NoError(t, err)

	sim.Credit(sim.Self(), wei(100))
	require.NoError(t, sim.DepositStake(ctx, wei(50)))

	d := New(sim, receipt.NodeID, jobrunner.New(sim, ""), ParseTestMode("1110111"))
	primeFirstEpoch(t, ctx, sim, d)

	for _, ph := range []ledger.Phase{ledger.PhaseCommit, ledger.PhaseReveal, ledger.PhaseElect, ledger.PhaseExecute, ledger.PhaseConfirm} {
		sim.AdvancePhase()
		_, done, err := d.tick(ctx)
		require.NoError(t, err)
		require.False(t, done)
		_ = ph
	}

	before, err := sim.GetStakeBalance(ctx, sim.Self())
	require.NoError(t, err)

	sim.AdvancePhase() // -> DISPUTE
	_, done, err := d.tick(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	after, err := sim.GetStakeBalance(ctx, sim.Self())
	require.NoError(t, err)

	wantDelta := new(big.Int).Sub(simfacade.DisputerReward, simfacade.LeaderNotExecutedPenalty)
	gotDelta := new(big.Int).Sub(after, before)
	assert.Equal(t, 0, wantDelta.Cmp(gotDelta), "want delta %s, got %s", wantDelta, gotDelta)
}

// TestSkippingConfirmIsPenalized covers CONFIRM gated off so an assigned
// job is never confirmed; the ledger applies the job-not-confirmed penalty
// at DISPUTE.
func TestSkippingConfirmIsPenalized(t *testing.T) {
	ctx := context.Background()
	sim := simfacade.New()

	receipt, err := sim.RegisterNode(ctx, 10)
	require.NoError(t, err)
	sim.SubmitJob("submitter-1", "llm_llama3_1_8b", `{"prompt":"Test job"}`)

	sim.Credit(sim.Self(), wei(100))
	require.NoError(t, sim.DepositStake(ctx, wei(50)))

	d := New(sim, receipt.NodeID, jobrunner.New(sim, ""), ParseTestMode("1111011"))
	primeFirstEpoch(t, ctx, sim, d)

	for _, ph := range []ledger.Phase{ledger.PhaseCommit, ledger.PhaseReveal, ledger.PhaseElect, ledger.PhaseExecute, ledger.PhaseConfirm} {
		sim.AdvancePhase()
		_, done, err := d.tick(ctx)
		require.NoError(t, err)
		require.False(t, done)
		_ = ph
	}

	before, err := sim.GetStakeBalance(ctx, sim.Self())
	require.NoError(t, err)

	sim.AdvancePhase() // -> DISPUTE
	_, done, err := d.tick(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	after, err := sim.GetStakeBalance(ctx, sim.Self())
	require.NoError(t, err)

	wantDelta := new(big.Int).Sub(
		new(big.Int).Add(simfacade.DisputerReward, simfacade.LeaderReward),
		simfacade.JobNotConfirmedPenalty,
	)
	gotDelta := new(big.Int).Sub(after, before)
	assert.Equal(t, 0, wantDelta.Cmp(gotDelta), "want delta %s, got %s", wantDelta, gotDelta)
}

// TestGetJobsByNodeEmptyIsANoOp covers the boundary behaviour where an
// empty job list makes CONFIRM a no-op, not an error.
func TestGetJobsByNodeEmptyIsANoOp(t *testing.T) {
	ctx := context.Background()
	sim := simfacade.New()
	receipt, err := sim.RegisterNode(ctx, 10)
	require.NoError(t, err)

	d := New(sim, receipt.NodeID, jobrunner.New(sim, ""), ParseTestMode("1111111"))
	require.NoError(t, d.handleConfirm(ctx))
}
