// Copyright 2024 The Lumino Node Authors
// Lumino Node Agent - Main Entry Point

package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/luminolabs/node/internal/driver"
	"github.com/luminolabs/node/internal/jobrunner"
	"github.com/luminolabs/node/internal/ledger"
	"github.com/luminolabs/node/internal/ledger/rpcfacade"
	"github.com/luminolabs/node/internal/ledger/simfacade"
	"github.com/luminolabs/node/internal/nodeconfig"
	"github.com/luminolabs/node/internal/nodedata"
)

func main() {
	app := &cli.App{
		Name:   "lumino-node",
		Usage:  "compute-provider node agent for the Lumino training marketplace",
		Flags:  nodeconfig.Flags(),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Crit("lumino-node exited", "error", err)
	}
}

func run(c *cli.Context) error {
	cfg, err := nodeconfig.FromCLI(c)
	if err != nil {
		return err
	}

	setupLogging(cfg.NodeDataDir)

	log.Info("Lumino Node Agent starting",
		"rpcURL", cfg.RPCURL, "computeRating", cfg.ComputeRating,
		"pipelineZenDir", cfg.PipelineZenDir, "testMode", cfg.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, closeClient, err := dialLedger(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to ledger facade: %w", err)
	}
	defer closeClient()

	store, err := nodedata.Open(cfg.NodeDataDir)
	if err != nil {
		return fmt.Errorf("opening node data store: %w", err)
	}

	nodeID, err := ensureRegistered(ctx, client, store, cfg)
	if err != nil {
		return fmt.Errorf("registration: %w", err)
	}
	log.Info("Node identity established", "nodeId", nodeID)

	runner := jobrunner.New(client, cfg.PipelineZenDir)
	d := driver.New(client, nodeID, runner, driver.ParseTestMode(cfg.TestMode))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Received shutdown signal")
		cancel()
	}()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("driver stopped: %w", err)
	}
	log.Info("Lumino Node Agent stopped")
	return nil
}

// setupLogging combines a human-readable terminal handler with a rotating
// file handler under dataDir/lumino_node.log, so log output goes to both a
// file and stderr.
func setupLogging(dataDir string) {
	fileWriter := &lumberjack.Logger{
		Filename:   filepath.Join(dataDir, "lumino_node.log"),
		MaxSize:    50, // MiB
		MaxBackups: 5,
		MaxAge:     30, // days
	}

	glogger := log.NewGlogHandler(log.MultiHandler(
		log.NewTerminalHandler(os.Stderr, true),
		log.NewTerminalHandler(fileWriter, false),
	))
	glogger.Verbosity(log.LvlInfo)
	log.SetDefault(log.NewLogger(glogger))
}

// dialLedger picks the real JSON-RPC facade when the RPC URL is non-empty,
// and the in-memory simulator when it is empty, whether or not test mode is
// on. It does not check that a configured endpoint is reachable.
func dialLedger(ctx context.Context, cfg *nodeconfig.Config) (ledger.Client, func(), error) {
	if cfg.RPCURL == "" {
		log.Warn("No RPC_URL configured, running against the in-memory ledger simulator")
		return simfacade.New(), func() {}, nil
	}

	client, err := rpcfacade.Dial(ctx, cfg.RPCURL, cfg.NodePrivateKey)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

// ensureRegistered loads a cached node id if present; otherwise it funds
// and registers a new node identity and persists it. A cached node id is
// never re-registered.
func ensureRegistered(ctx context.Context, client ledger.Client, store *nodedata.Store, cfg *nodeconfig.Config) (int64, error) {
	if id, ok, err := store.Load(); err != nil {
		return 0, err
	} else if ok {
		log.Info("Using cached node identity", "nodeId", id)
		return id, nil
	}

	requiredStake := nodeconfig.RequiredStake(cfg.ComputeRating)

	currentStake, err := client.GetStakeBalance(ctx, client.Self())
	if err != nil {
		return 0, fmt.Errorf("get_stake_balance: %w", err)
	}

	if currentStake.Cmp(requiredStake) < 0 {
		shortfall := new(big.Int).Sub(requiredStake, currentStake)
		log.Info("Insufficient stake, depositing shortfall", "currentStake", currentStake, "requiredStake", requiredStake, "shortfall", shortfall)

		escrow := common.HexToAddress(cfg.Contracts.NodeEscrow)
		if err := client.ApproveTokenSpending(ctx, escrow, shortfall); err != nil {
			return 0, fmt.Errorf("approve_token_spending: %w", err)
		}
		if err := client.DepositStake(ctx, shortfall); err != nil {
			return 0, fmt.Errorf("deposit_stake: %w", err)
		}
	}

	receipt, err := client.RegisterNode(ctx, cfg.ComputeRating)
	if err != nil {
		return 0, fmt.Errorf("register_node: %w", err)
	}
	if receipt.NodeID == 0 {
		return 0, fmt.Errorf("register_node returned a zero node id")
	}

	if err := store.Save(receipt.NodeID); err != nil {
		return 0, fmt.Errorf("persisting node id: %w", err)
	}
	return receipt.NodeID, nil
}
