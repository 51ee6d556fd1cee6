// Copyright 2024 The Lumino Node Authors

// Package jobrunner drives the external training-job subprocess for one
// assigned job at a time. It is invoked synchronously from inside the
// CONFIRM phase handler and blocks for the job's full duration — the
// Protocol Driver accepts that suspension rather than running jobs
// concurrently with phase dispatch.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"

	"github.com/luminolabs/node/internal/ledger"
)

const (
	tokenCountFile = ".token-count"
	finishedFile   = ".finished"

	simulatedTokenCount = 600000

	pollInterval = 1 * time.Second
)

// simulatedSleep is the delay executeSimulated waits out, split as
// documented on executeSimulated. A var, not a const, so tests can shrink it.
var simulatedSleep = 5 * time.Second

// Runner executes one training job at a time and reports its progress and
// outcome back to the ledger.
type Runner struct {
	// PipelineRoot is the pipeline-zen checkout to run the job in. Empty
	// selects simulation mode.
	PipelineRoot string

	// ScriptName is the runner entry point invoked as a subprocess; exposed
	// for tests to substitute a stub script.
	ScriptName string

	ledgerClient ledger.Client
}

// New returns a Runner backed by client for reporting token counts.
func New(client ledger.Client, pipelineRoot string) *Runner {
	return &Runner{
		PipelineRoot: pipelineRoot,
		ScriptName:   "torchtunewrapper",
		ledgerClient: client,
	}
}

// ExecutionError carries the human-readable reason a job failed, suitable
// for passing straight to the ledger's fail_job call.
type ExecutionError struct {
	Reason string
}

func (e *ExecutionError) Error() string { return e.Reason }

func executionErrorf(format string, args ...interface{}) error {
	return &ExecutionError{Reason: fmt.Sprintf(format, args...)}
}

// Execute runs job jobID for submitter, using baseModel and argsJSON to
// configure the run. It returns nil on success, and ctx.Err() if ctx is done
// before the run finishes. Any other error is an *ExecutionError whose Reason
// is ready to hand to the ledger's fail_job.
func (r *Runner) Execute(ctx context.Context, jobID int64, baseModel, argsJSON, submitter string) error {
	if r.PipelineRoot == "" {
		return r.executeSimulated(ctx, jobID)
	}
	return r.executeReal(ctx, jobID, baseModel, argsJSON, submitter)
}

// executeSimulated exists so the protocol machinery can be exercised in
// integration tests without an ML stack. It reports its token count
// partway through the simulated delay rather than only at the very end, so
// callers observe set_token_count_for_job strictly before the job is
// marked complete.
func (r *Runner) executeSimulated(ctx context.Context, jobID int64) error {
	log.Info("Executing job (simulated)", "job", jobID)

	select {
	case <-time.After(simulatedSleep / 3):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := r.ledgerClient.SetTokenCountForJob(ctx, jobID, simulatedTokenCount); err != nil {
		log.Error("Failed to report simulated token count", "job", jobID, "error", err)
	}

	select {
	case <-time.After(simulatedSleep - simulatedSleep/3):
	case <-ctx.Done():
		return ctx.Err()
	}

	log.Info("Simulated job execution complete", "job", jobID)
	return nil
}

func (r *Runner) executeReal(ctx context.Context, jobID int64, baseModel, argsJSON, submitter string) error {
	args, err := parseTrainingArgs(argsJSON)
	if err != nil {
		return &ExecutionError{Reason: err.Error()}
	}

	gpus, err := numGPUs(baseModel, args.useLoRA())
	if err != nil {
		return &ExecutionError{Reason: err.Error()}
	}

	resultDir := filepath.Join(r.PipelineRoot, ".results", submitter, strconv.FormatInt(jobID, 10))
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return executionErrorf("creating result directory: %v", err)
	}

	cmd := exec.CommandContext(ctx, r.ScriptName,
		"--job_config_name", baseModel,
		"--job_id", strconv.FormatInt(jobID, 10),
		"--user_id", submitter,
		"--dataset_id", args.DatasetID,
		"--batch_size", strconv.Itoa(args.batchSize()),
		"--shuffle", boolFlag(args.shuffle()),
		"--num_epochs", strconv.Itoa(args.numEpochs()),
		"--use_lora", boolFlag(args.useLoRA()),
		"--use_qlora", boolFlag(args.useQLoRA()),
		"--lr", args.lr(),
		"--seed", args.Seed,
		"--num_gpus", strconv.Itoa(gpus),
	)
	cmd.Dir = r.PipelineRoot
	cmd.Env = append(os.Environ(), "PZ_ENV=cpnode")

	if err := cmd.Start(); err != nil {
		return executionErrorf("spawning runner: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	err = r.tailProgress(ctx, jobID, resultDir, waitErr)
	if ctx.Err() != nil {
		_ = cmd.Process.Kill()
		return ctx.Err()
	}
	if err != nil {
		log.Warn("Runner process exited with error", "job", jobID, "error", err)
	}

	if _, err := os.Stat(filepath.Join(resultDir, finishedFile)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return executionErrorf("runner exited without writing %s", finishedFile)
		}
		return executionErrorf("checking completion marker: %v", err)
	}
	return nil
}

// tailProgress polls (and, opportunistically, watches) resultDir for the
// token-count side-channel file until either the subprocess represented by
// done has exited or ctx is done, returning the error done delivered (or
// ctx.Err() on the latter). The 1s poll alone is sufficient for
// correctness; the fsnotify watch only shaves latency off the common case.
func (r *Runner) tailProgress(ctx context.Context, jobID int64, resultDir string, done <-chan error) error {
	reported := false
	tokenPath := filepath.Join(resultDir, tokenCountFile)

	check := func() {
		if reported {
			return
		}
		data, err := os.ReadFile(tokenPath)
		if err != nil {
			return
		}
		count, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			log.Warn("Malformed token count, will retry", "job", jobID, "content", string(data))
			return
		}
		if err := r.ledgerClient.SetTokenCountForJob(ctx, jobID, count); err != nil {
			log.Error("Failed to report token count", "job", jobID, "error", err)
			return
		}
		reported = true
	}

	watcher, watchEvents := r.startWatch(resultDir)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			check()
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		case <-watchEvents:
			check()
		}
	}
}

// startWatch returns a best-effort fsnotify watcher on dir and a channel
// that fires on any write/create event in it. If the watcher cannot be
// created (e.g. unsupported filesystem), it returns a nil watcher and a
// channel that never fires — the poll ticker in tailProgress remains the
// sole, sufficient mechanism.
func (r *Runner) startWatch(dir string) (*fsnotify.Watcher, <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug("fsnotify unavailable, relying on poll interval", "error", err)
		return nil, nil
	}
	if err := watcher.Add(dir); err != nil {
		log.Debug("fsnotify watch failed, relying on poll interval", "error", err, "dir", dir)
		watcher.Close()
		return nil, nil
	}

	events := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					select {
					case events <- struct{}{}:
					default:
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return watcher, events
}
