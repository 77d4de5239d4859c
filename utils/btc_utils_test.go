package utils_test

import (
	"testing"

	"github.com/babylonlabs-io/simple-staking-sub003/utils"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// p2tr script: OP_1 <32 bytes>
var p2trScript = append([]byte{0x51, 0x20}, make([]byte, 32)...)

func TestIsDustOutput(t *testing.T) {
	// 330 sat is the well known p2tr dust limit at 1 sat/vB relay fee
	require.True(t, utils.IsDustOutput(329, p2trScript, mempool.DefaultMinRelayTxFee))
	require.False(t, utils.IsDustOutput(330, p2trScript, mempool.DefaultMinRelayTxFee))
	require.False(t, utils.IsDustOutput(btcutil.SatoshiPerBitcoin, p2trScript, 0))
}

func TestCheckTransaction(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(10000, p2trScript))
	require.NoError(t, utils.CheckTransaction(tx))

	tx.AddTxOut(wire.NewTxOut(100, p2trScript))
	require.Error(t, utils.CheckTransaction(tx))
}

func TestGetBtcNetworkParams(t *testing.T) {
	params, err := utils.GetBtcNetworkParams("signet")
	require.NoError(t, err)
	require.Equal(t, "signet", params.Name)

	_, err = utils.GetBtcNetworkParams("unknown")
	require.Error(t, err)
}
