package types_test

import (
	"testing"

	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/stretchr/testify/require"
)

func TestParseBackends(t *testing.T) {
	mode, err := types.NewFeeEstimationMode("Mempool")
	require.NoError(t, err)
	require.Equal(t, types.MempoolFeeEstimation, mode)
	require.Equal(t, "mempool", mode.String())

	node, err := types.NewNodeBackend("btcd")
	require.NoError(t, err)
	require.Equal(t, types.BtcdNodeBackend, node)

	wallet, err := types.NewWalletBackend("bitcoind")
	require.NoError(t, err)
	require.Equal(t, types.BitcoindWalletBackend, wallet)

	_, err = types.NewWalletBackend("electrum")
	require.ErrorContains(t, err, "bitcoind, btcwallet")

	require.Equal(t, "unknown(7)", types.FeeEstimationMode(7).String())
}
