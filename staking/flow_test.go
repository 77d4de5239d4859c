package staking_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/babylonlabs-io/babylon/btcstaking"
	btcstypes "github.com/babylonlabs-io/babylon/x/btcstaking/types"
	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/babylonlabs-io/simple-staking-sub003/staking"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingcfg"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// newFlowTestApp starts an app whose background loops never tick, so every
// state change comes from the flow under test.
func newFlowTestApp(t *testing.T) *testApp {
	return newCustomTestApp(t, true, testAppOptions{
		configure: func(cfg *stakingcfg.Config) {
			cfg.StakingConfig.VerificationPollInterval = time.Hour
			cfg.StakingConfig.VerificationTimeout = 5 * time.Second
		},
	})
}

// walletStakingInput delegates from a funded wallet address to the finality
// provider babylon knows.
func walletStakingInput(t *testing.T, r *rand.Rand, ta *testApp) *staking.StakingInput {
	addr := ta.wallet.newStakerAddress(t)
	ta.wallet.fund(t, r, addr, 1_000_000)

	fpPk := ta.babylon.ActiveFinalityProvider.BtcPk

	input := validInput(t, r)
	input.StakerAddress = addr
	input.FinalityProviderPks = []*btcec.PublicKey{&fpPk}
	return input
}

func (w *fakeWallet) fundingOutputs() map[wire.OutPoint]*wire.TxOut {
	w.mu.Lock()
	defer w.mu.Unlock()

	outs := make(map[wire.OutPoint]*wire.TxOut)
	for hash, tx := range w.txs {
		for i, out := range tx.TxOut {
			outs[*wire.NewOutPoint(&hash, uint32(i))] = out
		}
	}
	return outs
}

// requireValidWitnesses runs the script engine over every input of tx.
func requireValidWitnesses(t *testing.T, tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut) {
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, in := range tx.TxIn {
		prevOut, ok := prevOuts[in.PreviousOutPoint]
		require.True(t, ok, "unknown input %s", in.PreviousOutPoint)

		vm, err := txscript.NewEngine(
			prevOut.PkScript, tx, i, txscript.StandardVerifyFlags, nil, sigHashes, prevOut.Value, fetcher,
		)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d", i)
	}
}

func stepsOf(sm *staking.StepMachine) []staking.StakingStep {
	var steps []staking.StakingStep
	for _, c := range sm.History() {
		steps = append(steps, c.To)
	}
	return steps
}

func TestCreateEOIRegistersDelegation(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	ta := newFlowTestApp(t)
	input := walletStakingInput(t, r, ta)

	sm := staking.NewStepMachine(staking.FlowStaking)
	res, err := ta.app.CreateEOI(context.Background(), input, staking.WithStepMachine(sm))
	require.NoError(t, err)
	require.Equal(t, stakingSteps[:6], stepsOf(sm))

	require.Equal(t, types.DelegationStateIntermediatePendingVerification, res.State)
	require.Equal(t, res.StakingTxHash, res.StakingTx.TxHash())
	require.Equal(t, int64(input.Amount), res.StakingTx.TxOut[res.StakingOutputIdx].Value)
	require.Greater(t, res.Fee, btcutil.Amount(0))
	for _, in := range res.StakingTx.TxIn {
		require.Empty(t, in.Witness)
	}
	require.Len(t, res.UnbondingTx.TxIn, 1)
	require.Equal(t,
		*wire.NewOutPoint(&res.StakingTxHash, res.StakingOutputIdx),
		res.UnbondingTx.TxIn[0].PreviousOutPoint,
	)

	stored, err := ta.store.GetDelegation(&res.StakingTxHash)
	require.NoError(t, err)
	require.Equal(t, types.DelegationStateIntermediatePendingVerification, stored.State)
	require.Equal(t, input.StakerAddress.EncodeAddress(), stored.StakerAddress)
	require.Equal(t, res.UnbondingTx.TxHash(), stored.UnbondingTx.TxHash())

	select {
	case msg := <-ta.babylon.SentMessages:
		createMsg, ok := msg.(*btcstypes.MsgCreateBTCDelegation)
		require.True(t, ok)
		require.Equal(t, uint32(input.StakingTimeBlocks), createMsg.StakingTime)
		require.Equal(t, int64(input.Amount), createMsg.StakingValue)
		require.Nil(t, createMsg.StakingTxInclusionProof)
	case <-time.After(time.Second):
		t.Fatal("delegation was not sent to babylon")
	}

	// the funding output stays reserved for the registered staking tx
	_, err = ta.app.EstimateStakingFee(input)
	require.True(t, staking.IsWalletError(err))
}

func TestStakingFlowBroadcastsSignedTx(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	ta := newFlowTestApp(t)
	input := walletStakingInput(t, r, ta)

	ctx := context.Background()
	sm := staking.NewStepMachine(staking.FlowStaking)

	res, err := ta.app.CreateEOI(ctx, input, staking.WithStepMachine(sm))
	require.NoError(t, err)

	ta.babylon.SetDelegation(res.StakingTxHash, &cl.DelegationInfo{
		Status:           cl.BabylonStatusVerified,
		CovenantSigCount: 1,
	})

	require.NoError(t, ta.app.WaitForVerification(ctx, &res.StakingTxHash, staking.WithStepMachine(sm)))
	require.Equal(t, staking.StepVerified, sm.Current())
	require.Equal(t, types.DelegationStateVerified, localState(t, ta.store, res.StakingTxHash))

	txHash, err := ta.app.SubmitStakingTx(ctx, &res.StakingTxHash, staking.WithStepMachine(sm))
	require.NoError(t, err)
	require.Equal(t, res.StakingTxHash, *txHash)
	require.Equal(t, stakingSteps, stepsOf(sm))

	stored, err := ta.store.GetDelegation(&res.StakingTxHash)
	require.NoError(t, err)
	require.Equal(t, types.DelegationStateIntermediatePendingBtcConfirmation, stored.State)
	require.NotNil(t, stored.SubmittedTxHash)
	require.Equal(t, res.StakingTxHash, *stored.SubmittedTxHash)

	sent := ta.wallet.sentTxs()
	require.Len(t, sent, 1)
	require.Equal(t, res.StakingTxHash, sent[0].TxHash())
	requireValidWitnesses(t, sent[0], ta.wallet.fundingOutputs())
}

func TestUnbondBroadcastsCovenantSignedTx(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	ta := newFlowTestApp(t)
	input := walletStakingInput(t, r, ta)

	ctx := context.Background()
	res, err := ta.app.CreateEOI(ctx, input)
	require.NoError(t, err)

	ta.babylon.SetDelegation(res.StakingTxHash, &cl.DelegationInfo{Status: cl.BabylonStatusVerified})
	require.NoError(t, ta.app.WaitForVerification(ctx, &res.StakingTxHash))
	_, err = ta.app.SubmitStakingTx(ctx, &res.StakingTxHash)
	require.NoError(t, err)

	require.NoError(t, ta.store.SetDelegationState(&res.StakingTxHash, types.DelegationStateActive))

	stored, err := ta.store.GetDelegation(&res.StakingTxHash)
	require.NoError(t, err)

	params := ta.babylon.ClientParams
	stakingInfo, err := btcstaking.BuildStakingInfo(
		stored.StakerPk,
		stored.FinalityProviderPks,
		params.CovenantPks,
		params.CovenantQuorum,
		stored.StakingTime,
		stored.StakingAmount,
		&chaincfg.SimNetParams,
	)
	require.NoError(t, err)
	unbondingPath, err := stakingInfo.UnbondingPathSpendInfo()
	require.NoError(t, err)

	stakingOutput := res.StakingTx.TxOut[res.StakingOutputIdx]
	covenantKey := ta.babylon.CovenantPrivKeys[0]
	covenantSig, err := btcstaking.SignTxWithOneScriptSpendInputFromTapLeaf(
		res.UnbondingTx, stakingOutput, covenantKey, unbondingPath.RevealedLeaf,
	)
	require.NoError(t, err)

	ta.babylon.SetDelegation(res.StakingTxHash, &cl.DelegationInfo{
		Status: cl.BabylonStatusActive,
		Active: true,
		UndelegationInfo: &cl.UndelegationInfo{
			CovenantUnbondingSignatures: []cl.CovenantSignatureInfo{{
				Signature: covenantSig,
				PubKey:    covenantKey.PubKey(),
			}},
			UnbondingTransaction: res.UnbondingTx,
			UnbondingTime:        params.UnbondingTime,
		},
	})

	txHash, err := ta.app.Unbond(ctx, &res.StakingTxHash)
	require.NoError(t, err)
	require.Equal(t, res.UnbondingTx.TxHash(), *txHash)

	stored, err = ta.store.GetDelegation(&res.StakingTxHash)
	require.NoError(t, err)
	require.Equal(t, types.DelegationStateIntermediateUnbondingSubmitted, stored.State)
	require.Equal(t, *txHash, *stored.SubmittedTxHash)

	sent := ta.wallet.sentTxs()
	require.Len(t, sent, 2)
	unbondingTx := sent[1]
	require.Equal(t, *txHash, unbondingTx.TxHash())
	requireValidWitnesses(t, unbondingTx, map[wire.OutPoint]*wire.TxOut{
		unbondingTx.TxIn[0].PreviousOutPoint: stakingOutput,
	})

	// a second unbonding of the same delegation is rejected locally
	_, err = ta.app.Unbond(ctx, &res.StakingTxHash)
	require.ErrorIs(t, err, staking.ErrDelegationNotActive)
}
