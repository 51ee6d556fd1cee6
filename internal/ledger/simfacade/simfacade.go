// Copyright 2024 The Lumino Node Authors

// Package simfacade is an in-memory ledger simulator implementing
// ledger.Client. It is used whenever no RPC endpoint is configured (test
// mode without a real chain) and directly by unit tests elsewhere in this
// repository. It reproduces the ledger's reward/penalty bookkeeping for a
// single node across commit-reveal, leader duty, and job confirmation.
package simfacade

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/luminolabs/node/internal/ledger"
)

// Reward and penalty constants, in wei (10^18 base units).
var (
	LeaderReward             = weiOf(5)
	JobAvailabilityReward    = weiOf(1)
	DisputerReward           = weiOf(0.5)
	LeaderNotExecutedPenalty = weiOf(15)
	JobNotConfirmedPenalty   = weiOf(10)
)

// MaxPenaltiesBeforeSlash is the number of accumulated penalties at which a
// node's full stake is zeroed.
const MaxPenaltiesBeforeSlash = 10

func weiOf(tokens float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(tokens), big.NewFloat(1e18))
	i, _ := f.Int(nil)
	return i
}

type account struct {
	tokenBalance *big.Int
	stakeBalance *big.Int
	penalties    int
}

type node struct {
	id      int64
	owner   common.Address
	active  bool
}

// Backend is the mutable state the simulator advances; exported so
// integration tests can drive epoch/phase transitions explicitly.
type Backend struct {
	mu sync.Mutex

	epoch int64
	phase ledger.Phase

	nextNodeID int64
	nodesByID  map[int64]*node
	nodesByOwner map[common.Address]*node

	accounts map[common.Address]*account

	leader         int64 // node id, 0 if none
	leaderDutyDone bool

	nextJobID int64
	jobs      map[int64]*ledger.Job
	jobOwner  map[int64]int64 // job id -> assigned node id

	events []string

	sf singleflight.Group
}

// New returns a simulator primed at epoch 0, phase COMMIT.
func New() *Backend {
	return &Backend{
		nextNodeID:   1,
		nodesByID:    make(map[int64]*node),
		nodesByOwner: make(map[common.Address]*node),
		accounts:     make(map[common.Address]*account),
		nextJobID:    1,
		jobs:         make(map[int64]*ledger.Job),
		jobOwner:     make(map[int64]int64),
	}
}

var _ ledger.Client = (*Backend)(nil)

// Self returns the address this simulator acts as — the only identity it
// drives, useful for test assertions on balances.
func (b *Backend) Self() common.Address { return defaultSigner }

func (b *Backend) acct(addr common.Address) *account {
	a, ok := b.accounts[addr]
	if !ok {
		a = &account{tokenBalance: big.NewInt(0), stakeBalance: big.NewInt(0)}
		b.accounts[addr] = a
	}
	return a
}

// Credit adds tokens to addr's spendable token balance, e.g. to fund a node
// or job submitter in a test fixture.
func (b *Backend) Credit(addr common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acct(addr).tokenBalance.Add(b.acct(addr).tokenBalance, amount)
}

// SubmitJob adds a NEW job as an external submitter would, returning its id.
func (b *Backend) SubmitJob(submitter, baseModel, argsJSON string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextJobID
	b.nextJobID++
	b.jobs[id] = &ledger.Job{
		ID:            id,
		Status:        ledger.JobNew,
		BaseModelName: baseModel,
		ArgsJSON:      argsJSON,
		Submitter:     submitter,
	}
	return id
}

// AssignJob marks job jobID ASSIGNED to nodeID, as the leader's
// start_assignment_round would.
func (b *Backend) AssignJob(jobID, nodeID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if j, ok := b.jobs[jobID]; ok {
		j.Status = ledger.JobAssigned
		b.jobOwner[jobID] = nodeID
	}
}

// JobStatus returns the current status of jobID, for test assertions.
func (b *Backend) JobStatus(jobID int64) ledger.JobStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jobs[jobID].Status
}

// AdvancePhase moves the simulated epoch state to the next phase, wrapping
// the epoch counter on DISPUTE->COMMIT exactly as the real ledger does.
func (b *Backend) AdvancePhase() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == ledger.PhaseDispute {
		b.epoch++
		b.leaderDutyDone = false
	}
	b.phase = b.phase.Next()
}

// ---- ledger.Client ----

func (b *Backend) GetStakeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.acct(addr).stakeBalance), nil
}

func (b *Backend) GetTokenBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.acct(addr).tokenBalance), nil
}

func (b *Backend) GetCurrentEpoch(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(b.epoch), nil
}

func (b *Backend) GetEpochState(ctx context.Context) (ledger.EpochState, error) {
	v, err, _ := b.sf.Do("epoch-state", func() (interface{}, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		return ledger.EpochState{Phase: b.phase, TimeLeft: 0}, nil
	})
	if err != nil {
		return ledger.EpochState{}, err
	}
	return v.(ledger.EpochState), nil
}

func (b *Backend) GetCurrentLeader(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leader, nil
}

func (b *Backend) GetJobsByNode(ctx context.Context, nodeID int64) ([]ledger.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ledger.Job
	for jobID, owner := range b.jobOwner {
		if owner == nodeID {
			out = append(out, *b.jobs[jobID])
		}
	}
	return out, nil
}

func (b *Backend) GetNodeInfo(ctx context.Context, nodeID int64) (ledger.NodeInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodesByID[nodeID]
	if !ok {
		return ledger.NodeInfo{}, ledger.NewContractError("GetNodeInfo", fmt.Errorf("unknown node %d", nodeID))
	}
	return ledger.NodeInfo{Owner: n.owner, NodeID: n.id, Active: n.active}, nil
}

func (b *Backend) ApproveTokenSpending(ctx context.Context, spender common.Address, amount *big.Int) error {
	// Allowance bookkeeping is not modeled; approval always succeeds, as it
	// would against a real ERC20-style token with sufficient balance.
	return nil
}

func (b *Backend) DepositStake(ctx context.Context, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.acct(defaultSigner)
	if acct.tokenBalance.Cmp(amount) < 0 {
		return ledger.NewContractError("DepositStake", fmt.Errorf("insufficient token balance"))
	}
	acct.tokenBalance.Sub(acct.tokenBalance, amount)
	acct.stakeBalance.Add(acct.stakeBalance, amount)
	return nil
}

func (b *Backend) RegisterNode(ctx context.Context, computeRating int64) (ledger.RegistrationReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.nodesByOwner[defaultSigner]; ok {
		return ledger.RegistrationReceipt{NodeID: existing.id}, nil
	}

	id := b.nextNodeID
	b.nextNodeID++
	n := &node{id: id, owner: defaultSigner, active: true}
	b.nodesByID[id] = n
	b.nodesByOwner[defaultSigner] = n
	b.events = append(b.events, fmt.Sprintf("NodeRegistered(nodeId=%d)", id))
	return ledger.RegistrationReceipt{NodeID: id}, nil
}

func (b *Backend) SubmitCommitment(ctx context.Context, nodeID int64, commitment common.Hash) error {
	return nil
}

func (b *Backend) RevealSecret(ctx context.Context, nodeID int64, secret [32]byte) error {
	return nil
}

func (b *Backend) ElectLeader(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.leader == 0 {
		for id := range b.nodesByID {
			b.leader = id
			break
		}
	}
	return nil
}

func (b *Backend) StartAssignmentRound(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaderDutyDone = true
	self := defaultSignerNodeID(b)
	for id, j := range b.jobs {
		if j.Status == ledger.JobNew {
			j.Status = ledger.JobAssigned
			b.jobOwner[id] = self
		}
	}
	return nil
}

func (b *Backend) ConfirmJob(ctx context.Context, jobID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobID]
	if !ok {
		return ledger.NewContractError("ConfirmJob", fmt.Errorf("unknown job %d", jobID))
	}
	j.Status = ledger.JobConfirmed
	return nil
}

func (b *Backend) SetTokenCountForJob(ctx context.Context, jobID int64, count int64) error {
	return nil
}

func (b *Backend) CompleteJob(ctx context.Context, jobID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobID]
	if !ok {
		return ledger.NewContractError("CompleteJob", fmt.Errorf("unknown job %d", jobID))
	}
	j.Status = ledger.JobComplete
	return nil
}

func (b *Backend) FailJob(ctx context.Context, jobID int64, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobID]
	if !ok {
		return ledger.NewContractError("FailJob", fmt.Errorf("unknown job %d", jobID))
	}
	j.Status = ledger.JobFailed
	b.events = append(b.events, fmt.Sprintf("JobFailed(id=%d, reason=%s)", jobID, reason))
	return nil
}

func (b *Backend) ProcessJobPayment(ctx context.Context, jobID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acct(defaultSigner).stakeBalance.Add(b.acct(defaultSigner).stakeBalance, JobAvailabilityReward)
	return nil
}

// ProcessIncentives applies the per-epoch reward/penalty adjustments a
// DISPUTE-phase caller would trigger: a flat disputer reward, the leader
// reward or penalty depending on whether start_assignment_round was called
// this epoch, and a penalty for any job assigned to this node that was
// never confirmed. Accumulating MaxPenaltiesBeforeSlash penalties zeroes the
// stake balance entirely.
func (b *Backend) ProcessIncentives(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	self := defaultSignerNodeID(b)
	acct := b.acct(defaultSigner)
	acct.stakeBalance.Add(acct.stakeBalance, DisputerReward)

	if b.leader == self {
		if b.leaderDutyDone {
			acct.stakeBalance.Add(acct.stakeBalance, LeaderReward)
		} else {
			acct.stakeBalance.Sub(acct.stakeBalance, LeaderNotExecutedPenalty)
			acct.penalties++
		}
	}

	for jobID, owner := range b.jobOwner {
		if owner != self {
			continue
		}
		if j, ok := b.jobs[jobID]; ok && j.Status == ledger.JobAssigned {
			acct.stakeBalance.Sub(acct.stakeBalance, JobNotConfirmedPenalty)
			acct.penalties++
		}
	}

	if acct.stakeBalance.Sign() < 0 {
		acct.stakeBalance.SetInt64(0)
	}
	if acct.penalties >= MaxPenaltiesBeforeSlash {
		acct.stakeBalance.SetInt64(0)
	}
	return nil
}

func defaultSignerNodeID(b *Backend) int64 {
	if n, ok := b.nodesByOwner[defaultSigner]; ok {
		return n.id
	}
	return 0
}

func (b *Backend) SetupEventFilters(ctx context.Context) error {
	return nil
}

func (b *Backend) ProcessEvents(ctx context.Context) error {
	_, err, _ := b.sf.Do("process-events", func() (interface{}, error) {
		b.mu.Lock()
		pending := b.events
		b.events = nil
		b.mu.Unlock()
		for _, e := range pending {
			_ = e // a real facade would hand this to the logging sink
		}
		return nil, nil
	})
	return err
}

// defaultSigner is the single simulated node identity this backend acts as —
// unit tests and test-mode runs drive exactly one node against it, so a
// fixed address keeps the simulator simple (spec's facade boundary hides
// signing/address management from the core entirely).
var defaultSigner = common.HexToAddress("0x00000000000000000000000000000000000001")
