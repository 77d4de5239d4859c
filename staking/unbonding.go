package staking

import (
	"context"
	"errors"
	"fmt"

	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"
)

// unbondingCovenantData returns the unbonding transaction with the covenant
// signatures collected for it. Babylon is asked first, the staking api is
// used when babylon is unreachable.
func (app *App) unbondingCovenantData(rd *resolvedDelegation) (*wire.MsgTx, []cl.CovenantSignatureInfo, error) {
	di, err := app.babylonClient.QueryBTCDelegation(&rd.stakingTxHash)
	if err == nil && di.UndelegationInfo != nil && len(di.UndelegationInfo.CovenantUnbondingSignatures) > 0 {
		unbondingTx := rd.unbondingTx
		if unbondingTx == nil {
			unbondingTx = di.UndelegationInfo.UnbondingTransaction
		}
		return unbondingTx, di.UndelegationInfo.CovenantUnbondingSignatures, nil
	}

	if err != nil {
		app.logger.WithFields(logrus.Fields{
			"stakingTxHash": rd.stakingTxHash,
			"err":           err,
		}).Warn("Failed to get covenant signatures from babylon, trying staking api")
	}

	if rd.lookup.api == nil {
		if err == nil {
			err = errors.New("no covenant unbonding signatures")
		}
		return nil, nil, err
	}

	sigs, parseErr := parseAPICovenantSigs(rd.lookup.api.DelegationUnbonding.CovenantUnbondingSignatures)
	if parseErr != nil {
		return nil, nil, parseErr
	}

	return rd.unbondingTx, sigs, nil
}

// Unbond spends the staking output of an active delegation through the
// unbonding path before its staking time expires.
func (app *App) Unbond(ctx context.Context, stakingTxHash *chainhash.Hash) (*chainhash.Hash, error) {
	fail := func(msg string, err error) (*chainhash.Hash, error) {
		ce := categorize(msg, err)
		app.logger.WithFields(logrus.Fields{
			"stakingTxHash": stakingTxHash,
			"err":           ce,
		}).Error("Unbonding failed")
		return nil, ce
	}

	if err := app.checkNotStopped(); err != nil {
		return fail("staking app stopped", err)
	}

	rd, err := app.resolveDelegation(ctx, stakingTxHash)
	if err != nil {
		return fail("failed to resolve delegation", err)
	}

	if rd.state != types.DelegationStateActive {
		return fail("cannot unbond", NewValidationError(
			fmt.Sprintf("delegation %s is in state %s", stakingTxHash, rd.state),
			ErrDelegationNotActive,
		))
	}

	unbondingTx, covenantSigs, err := app.unbondingCovenantData(rd)
	if err != nil {
		return fail("failed to get covenant unbonding signatures", err)
	}

	if unbondingTx == nil || len(unbondingTx.TxIn) != 1 {
		return fail("cannot unbond", errors.New("delegation has no valid unbonding transaction"))
	}

	if unbondingTx.TxIn[0].PreviousOutPoint != *wire.NewOutPoint(stakingTxHash, rd.txs.outputIdx) {
		return fail("cannot unbond", errors.New("unbonding transaction does not spend the staking output"))
	}

	spendInfo, err := buildUnbondingSpendInfo(rd.txs, rd.params, app.network)
	if err != nil {
		return fail("failed to build unbonding path", err)
	}

	stakerSig, err := app.stakerSignature(
		unbondingTx,
		rd.txs.stakingOutput(),
		rd.stakerAddress,
		&spendInfo.RevealedLeaf,
		&spendInfo.ControlBlock,
	)
	if err != nil {
		return fail("failed to sign unbonding transaction", err)
	}

	witnessSigs, err := covenantWitnessSigs(
		rd.params.CovenantPks,
		rd.params.CovenantQuorum,
		covenantSigs,
	)
	if err != nil {
		return fail("cannot unbond", err)
	}

	witness, err := spendInfo.CreateUnbondingPathWitness(witnessSigs, stakerSig)
	if err != nil {
		return fail("failed to build unbonding witness", err)
	}

	signedTx := unbondingTx.Copy()
	signedTx.TxIn[0].Witness = witness

	app.logTx(signedTx, "unbonding", "Broadcasting signed tx")

	txHash, err := app.wc.SendRawTransaction(signedTx, true)
	if err != nil {
		return fail("failed to broadcast unbonding transaction", err)
	}

	app.m.SubmittedTxCounter.WithLabelValues("unbonding").Inc()

	rd.unbondingTx = unbondingTx
	if err := app.recordSubmittedTx(rd, types.DelegationStateIntermediateUnbondingSubmitted, *txHash); err != nil {
		app.reportCriticalError(*stakingTxHash, err, "failed to record broadcast unbonding transaction")
	} else {
		app.m.DelegationStateChanges.WithLabelValues(
			types.DelegationStateIntermediateUnbondingSubmitted.String(),
		).Inc()
	}

	app.logger.WithFields(logrus.Fields{
		"stakingTxHash":   stakingTxHash,
		"unbondingTxHash": txHash,
	}).Info("Unbonding transaction broadcast")

	return txHash, nil
}
