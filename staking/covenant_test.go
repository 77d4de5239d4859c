package staking

import (
	"bytes"
	"testing"

	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"
)

func genKeys(t *testing.T, n int) ([]*btcec.PrivateKey, []*btcec.PublicKey) {
	privs := make([]*btcec.PrivateKey, n)
	pubs := make([]*btcec.PublicKey, n)
	for i := range privs {
		k, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		privs[i], pubs[i] = k, k.PubKey()
	}
	return privs, pubs
}

func TestCovenantWitnessSigs(t *testing.T) {
	privs, pubs := genKeys(t, 3)
	msg := chainhash.HashB([]byte("unbonding"))

	received := make([]cl.CovenantSignatureInfo, len(privs))
	for i, k := range privs {
		sig, err := schnorr.Sign(k, msg)
		require.NoError(t, err)
		received[i] = cl.CovenantSignatureInfo{Signature: sig, PubKey: k.PubKey()}
	}

	sigs, err := covenantWitnessSigs(pubs, 2, received)
	require.NoError(t, err)
	require.Len(t, sigs, 3)

	ordered := witnessOrder(pubs)
	for i := 1; i < len(ordered); i++ {
		require.Equal(t, 1, bytes.Compare(schnorr.SerializePubKey(ordered[i-1]), schnorr.SerializePubKey(ordered[i])))
	}

	present := 0
	for i, sig := range sigs {
		if sig == nil {
			continue
		}
		present++
		require.True(t, sig.Verify(msg, ordered[i]))
	}
	require.Equal(t, 2, present)

	_, err = covenantWitnessSigs(pubs, 3, received[:2])
	require.Error(t, err)
}

func TestHaveDuplicates(t *testing.T) {
	_, pubs := genKeys(t, 2)
	require.False(t, haveDuplicates(pubs))
	require.False(t, haveDuplicates(append(pubs, nil, nil)))
	require.True(t, haveDuplicates(append(pubs, pubs[0])))
}

func TestWithdrawalSpendTx(t *testing.T) {
	dest := append([]byte{0x51, 0x20}, make([]byte, 32)...)
	funding := wire.NewMsgTx(2)
	funding.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, 0), nil, nil))
	funding.AddTxOut(wire.NewTxOut(50_000, dest))

	src := &withdrawalSource{fundingTx: funding, lockTime: 150}

	info, err := src.buildSpendTx(dest, chainfee.SatPerKVByte(2000))
	require.NoError(t, err)
	require.Equal(t, uint32(150), info.spendStakeTx.TxIn[0].Sequence)
	require.Equal(t, funding.TxHash(), info.spendStakeTx.TxIn[0].PreviousOutPoint.Hash)
	require.Positive(t, int64(info.calculatedFee))
	require.Equal(t, 50_000-int64(info.calculatedFee), info.spendStakeTx.TxOut[0].Value)

	// fee eats the output
	_, err = src.buildSpendTx(dest, chainfee.SatPerKVByte(10_000_000))
	require.Error(t, err)
}
