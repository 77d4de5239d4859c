package walletcontroller

import (
	"encoding/hex"
	"math/rand"
	"testing"
	"time"

	"github.com/babylonlabs-io/babylon/testutil/datagen"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func p2wpkhScript(t *testing.T, r *rand.Rand) []byte {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(datagen.GenRandomByteArray(r, 20)).
		Script()
	require.NoError(t, err)
	return script
}

func genUtxo(t *testing.T, r *rand.Rand, amount btcutil.Amount) Utxo {
	hash := datagen.GenRandomBtcdHash(r)
	return Utxo{
		Amount:   amount,
		OutPoint: *wire.NewOutPoint(&hash, r.Uint32()%10),
		PkScript: p2wpkhScript(t, r),
	}
}

func sumOutputs(tx *wire.MsgTx) int64 {
	var s int64
	for _, out := range tx.TxOut {
		s += out.Value
	}
	return s
}

func TestBuildTxAddsChange(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	changeScript := p2wpkhScript(t, r)

	utxos := []Utxo{genUtxo(t, r, 100_000)}
	outputs := []*wire.TxOut{wire.NewTxOut(50_000, p2wpkhScript(t, r))}

	tx, err := buildTxFromOutputs(utxos, outputs, 1000, changeScript)
	require.NoError(t, err)
	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxOut, 2)
	require.Equal(t, changeScript, tx.TxOut[1].PkScript)

	fee := 100_000 - sumOutputs(tx)
	require.Positive(t, fee)
	// one p2wpkh input with two outputs stays well below 200 vbytes
	require.Less(t, fee, int64(200))
}

func TestBuildTxDropsDustChange(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	changeScript := p2wpkhScript(t, r)

	utxos := []Utxo{genUtxo(t, r, 50_000)}
	outputs := []*wire.TxOut{wire.NewTxOut(49_700, p2wpkhScript(t, r))}

	tx, err := buildTxFromOutputs(utxos, outputs, 1000, changeScript)
	require.NoError(t, err)
	require.Len(t, tx.TxOut, 1)
	require.Equal(t, int64(49_700), tx.TxOut[0].Value)
}

func TestBuildTxInsufficientFunds(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	changeScript := p2wpkhScript(t, r)

	utxos := []Utxo{genUtxo(t, r, 1_000), genUtxo(t, r, 2_000)}
	outputs := []*wire.TxOut{wire.NewTxOut(5_000, p2wpkhScript(t, r))}

	_, err := buildTxFromOutputs(utxos, outputs, 1000, changeScript)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = buildTxFromOutputs(nil, outputs, 1000, changeScript)
	require.ErrorIs(t, err, ErrNoSpendableOutputs)
}

func TestLargestFirstSelection(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	changeScript := p2wpkhScript(t, r)

	small := genUtxo(t, r, 10_000)
	medium := genUtxo(t, r, 60_000)
	large := genUtxo(t, r, 500_000)
	utxos := []Utxo{small, large, medium}

	SortLargestFirst(utxos)
	require.Equal(t, large.OutPoint, utxos[0].OutPoint)
	require.Equal(t, medium.OutPoint, utxos[1].OutPoint)
	require.Equal(t, small.OutPoint, utxos[2].OutPoint)

	outputs := []*wire.TxOut{wire.NewTxOut(200_000, p2wpkhScript(t, r))}
	tx, err := buildTxFromOutputs(utxos, outputs, 2000, changeScript)
	require.NoError(t, err)
	require.Len(t, tx.TxIn, 1)
	require.Equal(t, large.OutPoint, tx.TxIn[0].PreviousOutPoint)

	outputs = []*wire.TxOut{wire.NewTxOut(540_000, p2wpkhScript(t, r))}
	tx, err = buildTxFromOutputs(utxos, outputs, 2000, changeScript)
	require.NoError(t, err)
	require.Len(t, tx.TxIn, 2)
}

func TestFundTransactionHonoursFilter(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	changeAddr, err := datagen.GenRandomBTCAddress(r, &chaincfg.SimNetParams)
	require.NoError(t, err)

	reserved := genUtxo(t, r, 1_000_000)
	free := genUtxo(t, r, 300_000)
	utxos := []Utxo{reserved, free}
	outputs := []*wire.TxOut{wire.NewTxOut(100_000, p2wpkhScript(t, r))}

	tx, err := FundTransaction(utxos, outputs, 2000, changeAddr, nil)
	require.NoError(t, err)
	require.Equal(t, reserved.OutPoint, tx.TxIn[0].PreviousOutPoint)

	skipReserved := func(u Utxo) bool { return u.OutPoint != reserved.OutPoint }
	tx, err = FundTransaction(utxos, outputs, 2000, changeAddr, skipReserved)
	require.NoError(t, err)
	require.Len(t, tx.TxIn, 1)
	require.Equal(t, free.OutPoint, tx.TxIn[0].PreviousOutPoint)

	changeScript, err := txscript.PayToAddrScript(changeAddr)
	require.NoError(t, err)
	require.Equal(t, changeScript, tx.TxOut[len(tx.TxOut)-1].PkScript)

	// the filter never mutates the caller's slice
	require.Equal(t, reserved.OutPoint, utxos[0].OutPoint)

	outputs = []*wire.TxOut{wire.NewTxOut(500_000, p2wpkhScript(t, r))}
	_, err = FundTransaction(utxos, outputs, 2000, changeAddr, skipReserved)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestResultsToUtxos(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	hash := datagen.GenRandomBtcdHash(r)
	script := p2wpkhScript(t, r)

	results := []btcjson.ListUnspentResult{
		{
			TxID:         hash.String(),
			Vout:         1,
			Amount:       0.001,
			ScriptPubKey: hex.EncodeToString(script),
			Spendable:    true,
		},
		{
			TxID:         hash.String(),
			Vout:         2,
			Amount:       0.5,
			ScriptPubKey: hex.EncodeToString(script),
			Spendable:    false,
		},
	}

	utxos, err := resultsToUtxos(results, true)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, btcutil.Amount(100_000), utxos[0].Amount)
	require.Equal(t, uint32(1), utxos[0].OutPoint.Index)
	require.Equal(t, script, utxos[0].PkScript)

	utxos, err = resultsToUtxos(results, false)
	require.NoError(t, err)
	require.Len(t, utxos, 2)

	results[0].TxID = "not a hash"
	_, err = resultsToUtxos(results, true)
	require.Error(t, err)
}

func TestExtractPubKeyFromDescriptor(t *testing.T) {
	key, err := extractPubKeyFromDescriptor("tr([7a3c8b2f/86'/1'/0'/0/1]a0b1c2)#abcd")
	require.NoError(t, err)
	require.Equal(t, "a0b1c2", key)

	_, err = extractPubKeyFromDescriptor("wpkh(a0b1c2)")
	require.Error(t, err)
}

func TestRpcHostURL(t *testing.T) {
	require.Equal(t, "127.0.0.1:18443/wallet/w1", rpcHostURL("127.0.0.1:18443", "w1"))
	require.Equal(t, "127.0.0.1:18443", rpcHostURL("127.0.0.1:18443", ""))
}
