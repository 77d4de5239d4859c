package staking

import (
	"context"
	"fmt"

	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"
)

// checkInputsUnspent fails when any input of the staking transaction was
// spent since the delegation was registered on babylon.
func (app *App) checkInputsUnspent(tx *wire.MsgTx) error {
	for _, in := range tx.TxIn {
		spent, err := app.wc.OutputSpent(&in.PreviousOutPoint.Hash, in.PreviousOutPoint.Index)
		if err != nil {
			return fmt.Errorf("failed to check staking input %s: %w", in.PreviousOutPoint, err)
		}
		if spent {
			return fmt.Errorf("%w: %s", ErrStakingInputsSpent, in.PreviousOutPoint)
		}
	}
	return nil
}

// SubmitStakingTx signs the staking transaction of a verified delegation and
// broadcasts it to btc.
func (app *App) SubmitStakingTx(ctx context.Context, stakingTxHash *chainhash.Hash, opts ...FlowOption) (*chainhash.Hash, error) {
	sm := newFlowOptions(FlowStaking, opts).sm

	fail := func(msg string, err error) (*chainhash.Hash, error) {
		ce := categorize(msg, err)
		cancelFlow(sm, ce)
		app.logger.WithFields(logrus.Fields{
			"stakingTxHash": stakingTxHash,
			"err":           ce,
		}).Error("Submitting staking transaction failed")
		return nil, ce
	}

	if err := app.checkNotStopped(); err != nil {
		return fail("staking app stopped", err)
	}

	rd, err := app.resolveDelegation(ctx, stakingTxHash)
	if err != nil {
		return fail("failed to resolve delegation", err)
	}

	if rd.state != types.DelegationStateVerified {
		return fail("cannot submit staking transaction", NewValidationError(
			fmt.Sprintf("delegation %s is in state %s", stakingTxHash, rd.state),
			ErrDelegationNotVerified,
		))
	}

	if err := app.checkInputsUnspent(rd.txs.stakingTx); err != nil {
		return fail("cannot submit staking transaction", NewValidationError("staking inputs unavailable", err))
	}

	advanceFlow(sm, StepBTCSign)

	signedTx, err := app.signStakingTxPsbt(rd.txs.stakingTx)
	if err != nil {
		return fail("failed to sign staking transaction", err)
	}

	if signedTx.TxHash() != *stakingTxHash {
		return fail("failed to sign staking transaction",
			fmt.Errorf("signed transaction hash %s does not match %s", signedTx.TxHash(), stakingTxHash))
	}

	app.logTx(signedTx, "staking", "Broadcasting signed tx")

	txHash, err := app.wc.SendRawTransaction(signedTx, true)
	if err != nil {
		return fail("failed to broadcast staking transaction", err)
	}

	app.m.SubmittedTxCounter.WithLabelValues("staking").Inc()
	advanceFlow(sm, StepBTCSent)

	if err := app.recordSubmittedTx(rd, types.DelegationStateIntermediatePendingBtcConfirmation, *txHash); err != nil {
		// the tx is out, the api will report the delegation anyway
		app.reportCriticalError(*stakingTxHash, err, "failed to record broadcast staking transaction")
	} else {
		app.m.DelegationStateChanges.WithLabelValues(
			types.DelegationStateIntermediatePendingBtcConfirmation.String(),
		).Inc()
	}

	app.logger.WithFields(logrus.Fields{
		"stakingTxHash": txHash,
	}).Info("Staking transaction broadcast")

	advanceFlow(sm, StepFeedbackSuccess)
	return txHash, nil
}
