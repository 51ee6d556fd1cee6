// Copyright 2024 The Lumino Node Authors

package rpcfacade

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminolabs/node/internal/ledger"
)

// stubLedger is a minimal in-process JSON-RPC service standing in for the
// facade the node talks to, exercising the wire shapes Client expects.
type stubLedger struct {
	epoch uint64
	stake *hexBig
}

func (s *stubLedger) GetCurrentEpoch() uint64 { return s.epoch }

func (s *stubLedger) GetStakeBalance(addr common.Address) *hexBig { return s.stake }

func (s *stubLedger) GetEpochState() struct {
	Phase    uint8 `json:"phase"`
	TimeLeft int64 `json:"timeLeft"`
} {
	return struct {
		Phase    uint8 `json:"phase"`
		TimeLeft int64 `json:"timeLeft"`
	}{Phase: 2, TimeLeft: 5}
}

func newTestClient(t *testing.T, svc interface{}) *Client {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("lumino", svc))

	rc := rpc.DialInProc(server)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	return &Client{
		rpc:    rc,
		self:   crypto.PubkeyToAddress(key.PublicKey),
		ownKey: key,
	}
}

func TestGetCurrentEpoch(t *testing.T) {
	c := newTestClient(t, &stubLedger{epoch: 7})
	defer c.Close()

	got, err := c.GetCurrentEpoch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got)
}

func TestGetStakeBalanceRoundTripsBigWeiValues(t *testing.T) {
	want := new(big.Int)
	want.SetString("123456789012345678901234", 10)
	c := newTestClient(t, &stubLedger{stake: (*hexBig)(want)})
	defer c.Close()

	got, err := c.GetStakeBalance(context.Background(), common.Address{})
	require.NoError(t, err)
	assert.Equal(t, 0, want.Cmp(got))
}

func TestGetEpochStateDecodesPhaseAndTimeLeft(t *testing.T) {
	c := newTestClient(t, &stubLedger{epoch: 1})
	defer c.Close()

	state, err := c.GetEpochState(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, state.Phase)
	assert.Equal(t, int64(5), state.TimeLeft)
}

func TestUnknownMethodIsWrappedAsContractError(t *testing.T) {
	c := newTestClient(t, &stubLedger{})
	defer c.Close()

	err := c.ElectLeader(context.Background())
	require.Error(t, err)
	var ce *ledger.ContractError
	assert.ErrorAs(t, err, &ce)
}
