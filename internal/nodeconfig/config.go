// Copyright 2024 The Lumino Node Authors

// Package nodeconfig reads the node's entire configuration from the
// environment exactly once at startup, into one startup struct. Nothing
// downstream of FromCLI touches the environment again.
package nodeconfig

import (
	"fmt"
	"math/big"

	"github.com/urfave/cli/v2"
)

// ContractAddresses holds the per-contract address environment variables.
// The facade treats these as opaque strings — it never parses or ABI-binds
// them itself.
type ContractAddresses struct {
	LuminoToken     string
	AccessManager   string
	WhitelistManager string
	NodeManager     string
	IncentiveManager string
	NodeEscrow      string
	LeaderManager   string
	JobManager      string
	EpochManager    string
	JobEscrow       string
}

// Config is the node's complete startup configuration.
type Config struct {
	RPCURL           string
	NodePrivateKey   string
	Contracts        ContractAddresses
	ContractsDir     string
	NodeDataDir      string
	PipelineZenDir   string // empty => simulation mode
	ComputeRating    int64
	TestMode         string // empty => not under test
}

// StakePerRating is the wei-per-compute-rating-unit stake requirement: one
// token (10^18 base units) per rating point.
var StakePerRating = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// RequiredStake returns the stake a node must hold to register at the given
// compute rating.
func RequiredStake(computeRating int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(computeRating), StakePerRating)
}

// Flags is the urfave/cli flag set that populates a Config. Every flag binds
// to an environment variable via EnvVars, so the config can be supplied
// purely through the process environment with no flags on the command
// line. The binary has no sub-commands; it is single-purpose.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "rpc-url", EnvVars: []string{"RPC_URL"}, Value: "http://localhost:8545"},
		&cli.StringFlag{Name: "node-private-key", EnvVars: []string{"NODE_PRIVATE_KEY"}},
		&cli.StringFlag{Name: "lumino-token-address", EnvVars: []string{"LUMINO_TOKEN_ADDRESS"}},
		&cli.StringFlag{Name: "access-manager-address", EnvVars: []string{"ACCESS_MANAGER_ADDRESS"}},
		&cli.StringFlag{Name: "whitelist-manager-address", EnvVars: []string{"WHITELIST_MANAGER_ADDRESS"}},
		&cli.StringFlag{Name: "node-manager-address", EnvVars: []string{"NODE_MANAGER_ADDRESS"}},
		&cli.StringFlag{Name: "incentive-manager-address", EnvVars: []string{"INCENTIVE_MANAGER_ADDRESS"}},
		&cli.StringFlag{Name: "node-escrow-address", EnvVars: []string{"NODE_ESCROW_ADDRESS"}},
		&cli.StringFlag{Name: "leader-manager-address", EnvVars: []string{"LEADER_MANAGER_ADDRESS"}},
		&cli.StringFlag{Name: "job-manager-address", EnvVars: []string{"JOB_MANAGER_ADDRESS"}},
		&cli.StringFlag{Name: "epoch-manager-address", EnvVars: []string{"EPOCH_MANAGER_ADDRESS"}},
		&cli.StringFlag{Name: "job-escrow-address", EnvVars: []string{"JOB_ESCROW_ADDRESS"}},
		&cli.StringFlag{Name: "contracts-dir", EnvVars: []string{"CONTRACTS_DIR"}, Value: "../contracts/src"},
		&cli.StringFlag{Name: "node-data-dir", EnvVars: []string{"NODE_DATA_DIR"}, Value: "cache/node_client"},
		&cli.StringFlag{Name: "pipeline-zen-dir", EnvVars: []string{"PIPELINE_ZEN_DIR"}},
		&cli.Int64Flag{Name: "compute-rating", EnvVars: []string{"COMPUTE_RATING"}, Value: 10},
		&cli.StringFlag{Name: "test-mode", EnvVars: []string{"TEST_MODE"}},
	}
}

// FromCLI builds a Config from a populated cli.Context, validating the
// handful of values the node cannot run without.
func FromCLI(c *cli.Context) (*Config, error) {
	cfg := &Config{
		RPCURL:         c.String("rpc-url"),
		NodePrivateKey: c.String("node-private-key"),
		Contracts: ContractAddresses{
			LuminoToken:      c.String("lumino-token-address"),
			AccessManager:    c.String("access-manager-address"),
			WhitelistManager: c.String("whitelist-manager-address"),
			NodeManager:      c.String("node-manager-address"),
			IncentiveManager: c.String("incentive-manager-address"),
			NodeEscrow:       c.String("node-escrow-address"),
			LeaderManager:    c.String("leader-manager-address"),
			JobManager:       c.String("job-manager-address"),
			EpochManager:     c.String("epoch-manager-address"),
			JobEscrow:        c.String("job-escrow-address"),
		},
		ContractsDir:   c.String("contracts-dir"),
		NodeDataDir:    c.String("node-data-dir"),
		PipelineZenDir: c.String("pipeline-zen-dir"),
		ComputeRating:  c.Int64("compute-rating"),
		TestMode:       c.String("test-mode"),
	}

	if cfg.NodePrivateKey == "" {
		return nil, fmt.Errorf("NODE_PRIVATE_KEY is required")
	}
	return cfg, nil
}
