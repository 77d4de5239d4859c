package staking_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/babylonlabs-io/babylon/testutil/datagen"
	"github.com/babylonlabs-io/simple-staking-sub003/staking"
	"github.com/babylonlabs-io/simple-staking-sub003/walletcontroller"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func p2wpkhUtxo(t *testing.T, r *rand.Rand, amount btcutil.Amount) walletcontroller.Utxo {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(datagen.GenRandomByteArray(r, 20), &chaincfg.SimNetParams)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return walletcontroller.Utxo{
		Amount:   amount,
		OutPoint: wire.OutPoint{Hash: datagen.GenRandomBtcdHash(r), Index: 0},
		PkScript: pkScript,
		Address:  addr.EncodeAddress(),
	}
}

func TestIsDust(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	u := p2wpkhUtxo(t, r, 0)

	// p2wpkh dust limit at the default relay fee is 294 sats
	require.True(t, staking.IsDust(293, u.PkScript, 0))
	require.False(t, staking.IsDust(294, u.PkScript, 0))

	// higher relay fee raises the threshold
	require.True(t, staking.IsDust(294, u.PkScript, 10_000))
}

func TestClassifyUTXOs(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	utxos := []walletcontroller.Utxo{
		p2wpkhUtxo(t, r, 100),
		p2wpkhUtxo(t, r, 10_000),
		p2wpkhUtxo(t, r, 1),
		p2wpkhUtxo(t, r, 50_000),
	}

	spendable, dust := staking.ClassifyUTXOs(utxos, 0)
	require.Len(t, spendable, 2)
	require.Len(t, dust, 2)
	require.Equal(t, btcutil.Amount(60_000), staking.SpendableBalance(utxos, 0))

	spendable, dust = staking.ClassifyUTXOs(nil, 0)
	require.Empty(t, spendable)
	require.Empty(t, dust)
}
