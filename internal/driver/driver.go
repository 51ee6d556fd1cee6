// Copyright 2024 The Lumino Node Authors

// Package driver implements the Protocol Driver: the single cooperative
// control loop that watches the Phase Clock and dispatches exactly one
// protocol action per observed phase transition.
package driver

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/luminolabs/node/internal/commitreveal"
	"github.com/luminolabs/node/internal/corrid"
	"github.com/luminolabs/node/internal/jobrunner"
	"github.com/luminolabs/node/internal/ledger"
	"github.com/luminolabs/node/internal/phaseclock"
)

// fatalBackoff is how long the main loop sleeps after an unhandled error
// outside test mode, to avoid hot-looping against a persistently failing
// facade.
const fatalBackoff = 5 * time.Second

// exitGracePause is how long the loop waits after its final process_events
// drain before returning, in bounded test-mode runs.
const exitGracePause = 3 * time.Second

// Driver owns the only mutable protocol state in the process: the node's
// identity, its leadership flag for the current epoch, and the in-flight
// commit-reveal secret.
type Driver struct {
	client ledger.Client
	clock  *phaseclock.Clock
	secret *commitreveal.Store
	runner *jobrunner.Runner

	nodeID   int64
	testMode TestMode

	canBegin     bool
	isLeader     bool
	disputeCount int
}

// New returns a Driver for the given node identity. client, runner and the
// commit-reveal store are all driven sequentially by Run; none of them need
// their own synchronization.
func New(client ledger.Client, nodeID int64, runner *jobrunner.Runner, testMode TestMode) *Driver {
	return &Driver{
		client:   client,
		clock:    phaseclock.New(client),
		secret:   commitreveal.New(),
		runner:   runner,
		nodeID:   nodeID,
		testMode: testMode,
	}
}

// Run loops until ctx is cancelled or, in a bounded test-mode run, until the
// configured number of DISPUTE phases have completed.
func (d *Driver) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		obs, done, err := d.tick(ctx)
		if err != nil {
			if d.testMode.Active() {
				return err
			}
			log.Error("Unhandled driver error, backing off",
				"phase", obs.Phase, "isLeader", d.isLeader,
				"hasSecret", d.secret.HasSecret(), "hasCommitment", d.secret.Commitment() != (common.Hash{}),
				"error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fatalBackoff):
			}
			continue
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(phaseclock.NextPollDelay(obs.TimeLeft)):
		}
	}
}

// tick performs one observe-dispatch-drain cycle. done is true iff the
// driver should stop after this call (bounded test mode reaching its
// target epoch count).
func (d *Driver) tick(ctx context.Context) (phaseclock.Observation, bool, error) {
	obs, err := d.clock.Observe(ctx)
	if err != nil {
		return obs, false, err
	}

	canBeginBefore := d.canBegin

	if obs.Transitioned {
		if err := d.dispatch(ctx, obs.Phase); err != nil {
			return obs, false, err
		}
	}

	if err := d.client.ProcessEvents(ctx); err != nil {
		log.Warn("process_events failed", "error", err)
	}

	if obs.Transitioned && obs.Phase == ledger.PhaseDispute && canBeginBefore {
		d.disputeCount++
		if k, bounded := d.testMode.Bounded(); bounded && d.disputeCount >= k {
			_ = d.client.ProcessEvents(ctx)
			select {
			case <-ctx.Done():
			case <-time.After(exitGracePause):
			}
			return obs, true, nil
		}
	}

	return obs, false, nil
}

// dispatch runs the action for phase p, honouring can_begin gating and the
// test-mode phase mask.
func (d *Driver) dispatch(ctx context.Context, p ledger.Phase) error {
	if !d.canBegin {
		if p == ledger.PhaseDispute {
			d.canBegin = true
		}
		log.Debug("Skipping phase action before first observed DISPUTE", "phase", p)
		return nil
	}

	if !d.testMode.Gate(int(p)) {
		log.Debug("Phase action disabled by test mode", "phase", p)
		return nil
	}

	id := corrid.New()
	log.Info("Dispatching phase action", "phase", p, "corrID", id)

	switch p {
	case ledger.PhaseCommit:
		return d.handleCommit(ctx)
	case ledger.PhaseReveal:
		return d.handleReveal(ctx)
	case ledger.PhaseElect:
		return d.handleElect(ctx)
	case ledger.PhaseExecute:
		return d.handleExecute(ctx)
	case ledger.PhaseConfirm:
		return d.handleConfirm(ctx)
	case ledger.PhaseDispute:
		return d.handleDispute(ctx)
	default:
		return nil
	}
}

func (d *Driver) handleCommit(ctx context.Context) error {
	commitment, err := d.secret.Draw()
	if err != nil {
		return err
	}
	return d.client.SubmitCommitment(ctx, d.nodeID, commitment)
}

func (d *Driver) handleReveal(ctx context.Context) error {
	if !d.secret.HasSecret() {
		log.Info("No secret present, skipping reveal")
		return nil
	}
	secret := d.secret.Secret()
	if err := d.client.RevealSecret(ctx, d.nodeID, secret); err != nil {
		return err
	}
	d.secret.Clear()
	return nil
}

func (d *Driver) handleElect(ctx context.Context) error {
	return d.client.ElectLeader(ctx)
}

func (d *Driver) handleExecute(ctx context.Context) error {
	leader, err := d.client.GetCurrentLeader(ctx)
	if err != nil {
		return err
	}
	d.isLeader = leader == d.nodeID
	if !d.isLeader {
		return nil
	}
	return d.client.StartAssignmentRound(ctx)
}

// handleConfirm confirms, executes and settles every job this node sees
// with status ASSIGNED. A failure on one job is logged and does not stop
// the iteration over the rest.
func (d *Driver) handleConfirm(ctx context.Context) error {
	jobs, err := d.client.GetJobsByNode(ctx, d.nodeID)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if job.Status != ledger.JobAssigned {
			continue
		}
		d.confirmAndExecute(ctx, job)
	}
	return nil
}

func (d *Driver) confirmAndExecute(ctx context.Context, job ledger.Job) {
	if err := d.client.ConfirmJob(ctx, job.ID); err != nil {
		log.Error("confirm_job failed", "job", job.ID, "error", err)
		return
	}

	if err := d.runner.Execute(ctx, job.ID, job.BaseModelName, job.ArgsJSON, job.Submitter); err != nil {
		if failErr := d.client.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			log.Error("fail_job failed", "job", job.ID, "error", failErr)
		}
		return
	}

	if err := d.client.CompleteJob(ctx, job.ID); err != nil {
		log.Error("complete_job failed", "job", job.ID, "error", err)
		return
	}
	if err := d.client.ProcessJobPayment(ctx, job.ID); err != nil {
		log.Error("process_job_payment failed", "job", job.ID, "error", err)
	}
}

func (d *Driver) handleDispute(ctx context.Context) error {
	return d.client.ProcessIncentives(ctx)
}
