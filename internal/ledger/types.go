// Copyright 2024 The Lumino Node Authors

// Package ledger defines the node's view of the coordinating ledger: the
// typed operations it needs, the data it reads back, and the error shape a
// mutation reports when it did not apply. It intentionally knows nothing
// about how those operations reach the chain — ABI encoding, signing, and
// nonce management belong to whatever sits behind the Client interface.
package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Phase is one of the six stages a ledger epoch cycles through, in order.
type Phase int

const (
	PhaseCommit Phase = iota
	PhaseReveal
	PhaseElect
	PhaseExecute
	PhaseConfirm
	PhaseDispute
)

var phaseNames = [...]string{"COMMIT", "REVEAL", "ELECT", "EXECUTE", "CONFIRM", "DISPUTE"}

func (p Phase) String() string {
	if p < PhaseCommit || p > PhaseDispute {
		return fmt.Sprintf("UNKNOWN(%d)", int(p))
	}
	return phaseNames[p]
}

// Next returns the phase that follows p, wrapping DISPUTE back to COMMIT.
func (p Phase) Next() Phase {
	return (p + 1) % (PhaseDispute + 1)
}

// EpochState is the ledger's current position within its epoch cycle.
type EpochState struct {
	Phase     Phase
	TimeLeft  int64 // seconds remaining in Phase
}

// JobStatus mirrors the ledger's job lifecycle states. The node only acts on
// JobAssigned; other values are observed and otherwise ignored.
type JobStatus int

const (
	JobNew JobStatus = iota
	JobAssigned
	JobConfirmed
	JobComplete
	JobFailed
)

// Job is the node's view of one training job as reported by the ledger.
type Job struct {
	ID            int64
	Status        JobStatus
	BaseModelName string
	ArgsJSON      string
	Submitter     string
}

// NodeInfo is the ledger's record for a registered node.
type NodeInfo struct {
	Owner   common.Address
	NodeID  int64
	Active  bool
}

// ContractError signals that a mutating call did not commit on the ledger —
// either the contract itself rejected it, or a transient I/O failure (RPC
// timeout, connection reset) prevented the call from reaching it. The node
// never distinguishes the two: both are recovered identically by logging
// and continuing.
type ContractError struct {
	Op  string
	Err error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *ContractError) Unwrap() error { return e.Err }

// NewContractError wraps err as a ContractError attributed to op. Returns
// nil if err is nil, so call sites can write `return NewContractError(...)`
// directly from the tail of a function.
func NewContractError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ContractError{Op: op, Err: err}
}

// RegistrationReceipt is returned by RegisterNode once the transaction
// commits; NodeID is read back from the ledger's NodeRegistered event.
type RegistrationReceipt struct {
	NodeID int64
}

// Client is the set of operations the Node Agent depends on. Any
// implementation — a real JSON-RPC facade or an in-memory simulator — must
// satisfy two requirements: every mutating method either commits or
// returns a *ContractError, never anything in between; and ProcessEvents
// never blocks waiting on new events, it only drains what has already
// arrived.
type Client interface {
	// Self is the address this client transacts as.
	Self() common.Address

	// Reads
	GetStakeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	GetTokenBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	GetCurrentEpoch(ctx context.Context) (uint64, error)
	GetEpochState(ctx context.Context) (EpochState, error)
	GetCurrentLeader(ctx context.Context) (int64, error)
	GetJobsByNode(ctx context.Context, nodeID int64) ([]Job, error)
	GetNodeInfo(ctx context.Context, nodeID int64) (NodeInfo, error)

	// Mutations
	ApproveTokenSpending(ctx context.Context, spender common.Address, amount *big.Int) error
	DepositStake(ctx context.Context, amount *big.Int) error
	RegisterNode(ctx context.Context, computeRating int64) (RegistrationReceipt, error)
	SubmitCommitment(ctx context.Context, nodeID int64, commitment common.Hash) error
	RevealSecret(ctx context.Context, nodeID int64, secret [32]byte) error
	ElectLeader(ctx context.Context) error
	StartAssignmentRound(ctx context.Context) error
	ConfirmJob(ctx context.Context, jobID int64) error
	SetTokenCountForJob(ctx context.Context, jobID int64, count int64) error
	CompleteJob(ctx context.Context, jobID int64) error
	FailJob(ctx context.Context, jobID int64, reason string) error
	ProcessJobPayment(ctx context.Context, jobID int64) error
	ProcessIncentives(ctx context.Context) error

	// Event stream
	SetupEventFilters(ctx context.Context) error
	ProcessEvents(ctx context.Context) error
}
