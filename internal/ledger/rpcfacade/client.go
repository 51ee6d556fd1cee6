// Copyright 2024 The Lumino Node Authors

// Package rpcfacade implements ledger.Client against a live JSON-RPC
// endpoint. It is an opaque typed RPC facade: the core never touches ABI
// encoding, transaction signing, or nonce management directly, it only
// calls named methods and gets back typed results. Those concerns live on
// the other side of the wire, behind whatever service is listening at
// RPC_URL.
package rpcfacade

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/singleflight"

	"github.com/luminolabs/node/internal/ledger"
)

// eventCacheBytes bounds the event-dedup cache: the facade must not hand
// the driver the same on-chain event twice across a ProcessEvents poll
// boundary. 1 MiB easily covers the handful of event IDs a single node
// epoch produces.
const eventCacheBytes = 1 << 20

// Client calls a JSON-RPC endpoint exposing the ledger's contract surface
// as plain remote-procedure methods in the "lumino" namespace.
type Client struct {
	rpc     *rpc.Client
	self    common.Address
	ownKey  *ecdsa.PrivateKey
	nodeID  int64 // 0 until RegisterNode succeeds on this client

	seenEvents *fastcache.Cache
	sf         singleflight.Group
}

// Dial connects to rpcURL and derives the node's own address from
// privateKeyHex. The private key is used only for self-identification in
// balance-read calls — it is never used here to sign a transaction;
// signing happens entirely on the other side of the RPC boundary.
func Dial(ctx context.Context, rpcURL, privateKeyHex string) (*Client, error) {
	rc, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("rpcfacade: dial %s: %w", rpcURL, err)
	}

	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("rpcfacade: parsing node private key: %w", err)
	}

	return &Client{
		rpc:        rc,
		self:       crypto.PubkeyToAddress(key.PublicKey),
		ownKey:     key,
		seenEvents: fastcache.New(eventCacheBytes),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.rpc.Close() }

// Self returns the address this client identifies itself as.
func (c *Client) Self() common.Address { return c.self }

var _ ledger.Client = (*Client)(nil)

func (c *Client) call(ctx context.Context, out interface{}, method string, args ...interface{}) error {
	if err := c.rpc.CallContext(ctx, out, method, args...); err != nil {
		return ledger.NewContractError(method, err)
	}
	return nil
}

func (c *Client) GetStakeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var result hexBig
	if err := c.call(ctx, &result, "lumino_getStakeBalance", addr); err != nil {
		return nil, err
	}
	return result.Int(), nil
}

func (c *Client) GetTokenBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var result hexBig
	if err := c.call(ctx, &result, "lumino_getTokenBalance", addr); err != nil {
		return nil, err
	}
	return result.Int(), nil
}

func (c *Client) GetCurrentEpoch(ctx context.Context) (uint64, error) {
	var result uint64
	err := c.call(ctx, &result, "lumino_getCurrentEpoch")
	return result, err
}

// GetEpochState is the Phase Clock's hot path, polled every main-loop tick
// (at most 2s apart); singleflight collapses overlapping calls down to one in-flight
// RPC if a caller is slow to return.
func (c *Client) GetEpochState(ctx context.Context) (ledger.EpochState, error) {
	v, err, _ := c.sf.Do("epoch-state", func() (interface{}, error) {
		var result struct {
			Phase    uint8 `json:"phase"`
			TimeLeft int64 `json:"timeLeft"`
		}
		if err := c.call(ctx, &result, "lumino_getEpochState"); err != nil {
			return nil, err
		}
		return ledger.EpochState{Phase: ledger.Phase(result.Phase), TimeLeft: result.TimeLeft}, nil
	})
	if err != nil {
		return ledger.EpochState{}, err
	}
	return v.(ledger.EpochState), nil
}

func (c *Client) GetCurrentLeader(ctx context.Context) (int64, error) {
	var result int64
	err := c.call(ctx, &result, "lumino_getCurrentLeader")
	return result, err
}

func (c *Client) GetJobsByNode(ctx context.Context, nodeID int64) ([]ledger.Job, error) {
	var result []ledger.Job
	err := c.call(ctx, &result, "lumino_getJobsByNode", nodeID)
	return result, err
}

func (c *Client) GetNodeInfo(ctx context.Context, nodeID int64) (ledger.NodeInfo, error) {
	var result ledger.NodeInfo
	err := c.call(ctx, &result, "lumino_getNodeInfo", nodeID)
	return result, err
}

func (c *Client) ApproveTokenSpending(ctx context.Context, spender common.Address, amount *big.Int) error {
	return c.call(ctx, nil, "lumino_approveTokenSpending", c.self, spender, (*hexBig)(amount))
}

func (c *Client) DepositStake(ctx context.Context, amount *big.Int) error {
	return c.call(ctx, nil, "lumino_depositStake", c.self, (*hexBig)(amount))
}

func (c *Client) RegisterNode(ctx context.Context, computeRating int64) (ledger.RegistrationReceipt, error) {
	var result struct {
		NodeID int64 `json:"nodeId"`
	}
	if err := c.call(ctx, &result, "lumino_registerNode", c.self, computeRating); err != nil {
		return ledger.RegistrationReceipt{}, err
	}
	c.nodeID = result.NodeID
	return ledger.RegistrationReceipt{NodeID: result.NodeID}, nil
}

func (c *Client) SubmitCommitment(ctx context.Context, nodeID int64, commitment common.Hash) error {
	return c.call(ctx, nil, "lumino_submitCommitment", nodeID, commitment)
}

func (c *Client) RevealSecret(ctx context.Context, nodeID int64, secret [32]byte) error {
	return c.call(ctx, nil, "lumino_revealSecret", nodeID, common.BytesToHash(secret[:]))
}

func (c *Client) ElectLeader(ctx context.Context) error {
	return c.call(ctx, nil, "lumino_electLeader")
}

func (c *Client) StartAssignmentRound(ctx context.Context) error {
	return c.call(ctx, nil, "lumino_startAssignmentRound")
}

func (c *Client) ConfirmJob(ctx context.Context, jobID int64) error {
	return c.call(ctx, nil, "lumino_confirmJob", jobID)
}

func (c *Client) SetTokenCountForJob(ctx context.Context, jobID int64, count int64) error {
	return c.call(ctx, nil, "lumino_setTokenCountForJob", jobID, count)
}

func (c *Client) CompleteJob(ctx context.Context, jobID int64) error {
	return c.call(ctx, nil, "lumino_completeJob", jobID)
}

func (c *Client) FailJob(ctx context.Context, jobID int64, reason string) error {
	return c.call(ctx, nil, "lumino_failJob", jobID, reason)
}

func (c *Client) ProcessJobPayment(ctx context.Context, jobID int64) error {
	return c.call(ctx, nil, "lumino_processJobPayment", jobID)
}

func (c *Client) ProcessIncentives(ctx context.Context) error {
	return c.call(ctx, nil, "lumino_processIncentives")
}

func (c *Client) SetupEventFilters(ctx context.Context) error {
	return c.call(ctx, nil, "lumino_setupEventFilters", c.self)
}

// ProcessEvents fetches events since the last poll and filters out any this
// client has already surfaced, keyed by the facade-assigned event id.
// singleflight prevents two overlapping drains (e.g. a slow facade response
// straddling two driver ticks) from double-delivering the same batch.
func (c *Client) ProcessEvents(ctx context.Context) error {
	_, err, _ := c.sf.Do("process-events", func() (interface{}, error) {
		var events []struct {
			ID  string `json:"id"`
			Log string `json:"log"`
		}
		if err := c.call(ctx, &events, "lumino_pollEvents", c.self); err != nil {
			return nil, err
		}
		for _, e := range events {
			key := []byte(e.ID)
			if c.seenEvents.Has(key) {
				continue
			}
			c.seenEvents.Set(key, nil)
			log.Info("Ledger event", "event", e.Log)
		}
		return nil, nil
	})
	return err
}

// hexBig marshals/unmarshals a *big.Int the way go-ethereum's hexutil.Big
// does — as a 0x-prefixed hex string — so wei-scale amounts survive the
// JSON-RPC boundary without precision loss.
type hexBig big.Int

func (h *hexBig) Int() *big.Int { return (*big.Int)(h) }

func (h hexBig) MarshalText() ([]byte, error) {
	b := (big.Int)(h)
	return []byte("0x" + b.Text(16)), nil
}

func (h *hexBig) UnmarshalText(text []byte) error {
	s := string(text)
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return fmt.Errorf("rpcfacade: invalid hex big integer %q", string(text))
	}
	*h = hexBig(*b)
	return nil
}
