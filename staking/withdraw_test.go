package staking_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"math/rand"
	"testing"
	"time"

	"github.com/babylonlabs-io/babylon/btcstaking"
	"github.com/babylonlabs-io/babylon/testutil/datagen"
	"github.com/babylonlabs-io/simple-staking-sub003/staking"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingapi"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func txHex(t *testing.T, tx *wire.MsgTx) string {
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return hex.EncodeToString(buf.Bytes())
}

func TestWithdrawSlashingChangeUsesDelegationUnbondingTime(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	ta := newFlowTestApp(t)
	params := ta.babylon.ClientParams

	stakerAddr := ta.wallet.newStakerAddress(t)
	stakerPk, err := ta.wallet.AddressPublicKey(stakerAddr)
	require.NoError(t, err)
	fpPk := randomPk(t, r)

	const (
		stakingTime   = 1000
		stakingAmount = 100_000
		// registered under params older than the ones in force now
		unbondingTime = 150
	)
	require.NotEqual(t, uint16(unbondingTime), params.UnbondingTime)

	stakingInfo, err := btcstaking.BuildStakingInfo(
		stakerPk, []*btcec.PublicKey{fpPk}, params.CovenantPks, params.CovenantQuorum,
		stakingTime, stakingAmount, &chaincfg.SimNetParams,
	)
	require.NoError(t, err)

	stakingTx := wire.NewMsgTx(2)
	fundingHash := datagen.GenRandomBtcdHash(r)
	stakingTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&fundingHash, 0), nil, nil))
	stakingTx.AddTxOut(stakingInfo.StakingOutput)
	stakingTxHash := stakingTx.TxHash()

	change, err := btcstaking.BuildRelativeTimelockTaprootScript(stakerPk, unbondingTime, &chaincfg.SimNetParams)
	require.NoError(t, err)

	slashingTx := wire.NewMsgTx(2)
	slashingTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&stakingTxHash, 0), nil, nil))
	slashingTx.AddTxOut(wire.NewTxOut(10_000, params.SlashingPkScript))
	slashingTx.AddTxOut(wire.NewTxOut(89_000, change.PkScript))

	ta.api.put(&stakingapi.Delegation{
		StakingTxHashHex:          stakingTxHash.String(),
		StakerBtcPkHex:            staking.EncodeSchnorrPkToHexString(stakerPk),
		FinalityProviderBtcPksHex: []string{staking.EncodeSchnorrPkToHexString(fpPk)},
		State:                     types.DelegationStateTimelockSlashingWithdrawable.String(),
		DelegationStaking: stakingapi.DelegationStaking{
			StakingTxHex:    txHex(t, stakingTx),
			StakingTimelock: stakingTime,
			StakingAmount:   stakingAmount,
			StartHeight:     120,
			Slashing:        stakingapi.DelegationSlashing{SlashingTxHex: txHex(t, slashingTx)},
		},
		DelegationUnbonding: stakingapi.DelegationUnbonding{UnbondingTimelock: unbondingTime},
	})

	txHash, err := ta.app.Withdraw(context.Background(), &stakingTxHash)
	require.NoError(t, err)

	sent := ta.wallet.sentTxs()
	require.Len(t, sent, 1)
	withdrawal := sent[0]
	require.Equal(t, *txHash, withdrawal.TxHash())
	require.Equal(t, uint32(unbondingTime), withdrawal.TxIn[0].Sequence)
	requireValidWitnesses(t, withdrawal, map[wire.OutPoint]*wire.TxOut{
		withdrawal.TxIn[0].PreviousOutPoint: slashingTx.TxOut[1],
	})

	require.Equal(t,
		types.DelegationStateIntermediateTimelockSlashingWithdrawalSubmitted,
		localState(t, ta.store, stakingTxHash),
	)
}
