package staking

import (
	"context"
	"fmt"

	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"
)

// withdrawalSourceFor picks the timelocked output a withdrawable delegation
// can spend.
func (app *App) withdrawalSourceFor(rd *resolvedDelegation) (*withdrawalSource, error) {
	switch rd.state {
	case types.DelegationStateTimelockWithdrawable:
		return stakingTimelockSource(rd.txs, rd.params, app.network)

	case types.DelegationStateEarlyUnbondingWithdrawable:
		return unbondingTimelockSource(rd.txs, rd.unbondingTx, rd.unbondingTime, rd.params, app.network)

	case types.DelegationStateTimelockSlashingWithdrawable,
		types.DelegationStateEarlyUnbondingSlashingWithdrawable:
		if rd.lookup.api == nil {
			return nil, fmt.Errorf("%w: slashing transaction unknown", ErrNothingToWithdraw)
		}

		slashingTxHex := rd.lookup.api.DelegationStaking.Slashing.SlashingTxHex
		if rd.state == types.DelegationStateEarlyUnbondingSlashingWithdrawable {
			slashingTxHex = rd.lookup.api.DelegationUnbonding.Slashing.UnbondingSlashingTxHex
		}

		slashingTx, err := decodeTxHex(slashingTxHex)
		if err != nil || slashingTx == nil {
			return nil, fmt.Errorf("%w: invalid slashing transaction", ErrNothingToWithdraw)
		}

		// the change output is locked for the unbonding time the delegation
		// was registered with, falling back to params at the staking height
		return slashingChangeSource(rd.txs.stakerPk, slashingTx, rd.unbondingTime, app.network)

	default:
		return nil, fmt.Errorf("%w: state %s", ErrNothingToWithdraw, rd.state)
	}
}

// Withdraw sends the funds of a withdrawable delegation back to the staker
// address.
func (app *App) Withdraw(ctx context.Context, stakingTxHash *chainhash.Hash) (*chainhash.Hash, error) {
	fail := func(msg string, err error) (*chainhash.Hash, error) {
		ce := categorize(msg, err)
		app.logger.WithFields(logrus.Fields{
			"stakingTxHash": stakingTxHash,
			"err":           ce,
		}).Error("Withdrawal failed")
		return nil, ce
	}

	if err := app.checkNotStopped(); err != nil {
		return fail("staking app stopped", err)
	}

	rd, err := app.resolveDelegation(ctx, stakingTxHash)
	if err != nil {
		return fail("failed to resolve delegation", err)
	}

	submittedState, err := withdrawalSubmittedState(rd.state)
	if err != nil {
		return fail("cannot withdraw", NewValidationError(stakingTxHash.String(), err))
	}

	source, err := app.withdrawalSourceFor(rd)
	if err != nil {
		return fail("cannot withdraw", NewValidationError(stakingTxHash.String(), err))
	}

	destScript, err := txscript.PayToAddrScript(rd.stakerAddress)
	if err != nil {
		return fail("failed to build withdrawal output", err)
	}

	spendInfo, err := source.buildSpendTx(destScript, app.feeEstimator.EstimateFeePerKb())
	if err != nil {
		return fail("failed to build withdrawal transaction", NewValidationError("withdrawal transaction", err))
	}

	si := spendInfo.fundingOutputSpendInfo
	res, err := app.signScriptSpend(
		spendInfo.spendStakeTx,
		spendInfo.fundingOutput,
		rd.stakerAddress,
		&si.RevealedLeaf,
		&si.ControlBlock,
	)
	if err != nil {
		return fail("failed to sign withdrawal transaction", err)
	}

	var witness wire.TxWitness
	switch {
	case res.FullInputWitness != nil:
		witness = res.FullInputWitness
	case res.Signature != nil:
		witness, err = si.CreateTimeLockPathWitness(res.Signature)
		if err != nil {
			return fail("failed to build withdrawal witness", err)
		}
	default:
		return fail("failed to sign withdrawal transaction", NewWalletError("wallet returned no signature", nil))
	}

	signedTx := spendInfo.spendStakeTx
	signedTx.TxIn[0].Witness = witness

	app.logTx(signedTx, "withdrawal", "Broadcasting signed tx")

	txHash, err := app.wc.SendRawTransaction(signedTx, true)
	if err != nil {
		return fail("failed to broadcast withdrawal transaction", err)
	}

	app.m.SubmittedTxCounter.WithLabelValues("withdrawal").Inc()

	if err := app.recordSubmittedTx(rd, submittedState, *txHash); err != nil {
		app.reportCriticalError(*stakingTxHash, err, "failed to record broadcast withdrawal transaction")
	} else {
		app.m.DelegationStateChanges.WithLabelValues(submittedState.String()).Inc()
	}

	app.logger.WithFields(logrus.Fields{
		"stakingTxHash":    stakingTxHash,
		"withdrawalTxHash": txHash,
		"fee":              spendInfo.calculatedFee,
	}).Info("Withdrawal transaction broadcast")

	return txHash, nil
}
