package staking

import (
	"bytes"
	"errors"
	"fmt"

	btcstaking "github.com/babylonlabs-io/babylon/btcstaking"
	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// output index of the staker change in slashing transactions
const slashingChangeOutputIdx = 1

// withdrawalSource is a timelocked output owned by the staker.
type withdrawalSource struct {
	fundingTx *wire.MsgTx
	outputIdx uint32
	lockTime  uint16
	spendInfo *btcstaking.SpendInfo
}

type spendStakeTxInfo struct {
	spendStakeTx           *wire.MsgTx
	fundingOutput          *wire.TxOut
	fundingOutputSpendInfo *btcstaking.SpendInfo
	calculatedFee          btcutil.Amount
}

// stakingTimelockSource is the staking output once its staking time expired.
func stakingTimelockSource(d *delegationTxs, params *cl.StakingParams, net *chaincfg.Params) (*withdrawalSource, error) {
	info, err := d.stakingInfo(params, net)
	if err != nil {
		return nil, err
	}
	path, err := info.TimeLockPathSpendInfo()
	if err != nil {
		return nil, fmt.Errorf("staking timelock path: %w", err)
	}
	return &withdrawalSource{fundingTx: d.stakingTx, outputIdx: d.outputIdx, lockTime: d.stakingTime, spendInfo: path}, nil
}

// unbondingTimelockSource is the single output of a broadcast unbonding tx.
func unbondingTimelockSource(
	d *delegationTxs,
	unbondingTx *wire.MsgTx,
	unbondingTime uint16,
	params *cl.StakingParams,
	net *chaincfg.Params,
) (*withdrawalSource, error) {
	if unbondingTx == nil || len(unbondingTx.TxOut) != 1 {
		return nil, errors.New("delegation has no valid unbonding transaction")
	}
	out := unbondingTx.TxOut[0]

	info, err := d.unbondingInfo(params, unbondingTime, btcutil.Amount(out.Value), net)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(info.UnbondingOutput.PkScript, out.PkScript) {
		return nil, errors.New("unbonding output does not match current babylon parameters")
	}

	path, err := info.TimeLockPathSpendInfo()
	if err != nil {
		return nil, fmt.Errorf("unbonding timelock path: %w", err)
	}
	return &withdrawalSource{fundingTx: unbondingTx, lockTime: unbondingTime, spendInfo: path}, nil
}

// slashingChangeSource is the staker change of a slashing tx, locked for the
// unbonding time of the delegation the slashing tx was built for.
func slashingChangeSource(
	stakerPk *btcec.PublicKey,
	slashingTx *wire.MsgTx,
	lockTime uint16,
	net *chaincfg.Params,
) (*withdrawalSource, error) {
	if slashingTx == nil || len(slashingTx.TxOut) <= slashingChangeOutputIdx {
		return nil, errors.New("slashing transaction has no change output")
	}

	script, err := btcstaking.BuildRelativeTimelockTaprootScript(stakerPk, lockTime, net)
	if err != nil {
		return nil, fmt.Errorf("slashing change script: %w", err)
	}
	if !bytes.Equal(script.PkScript, slashingTx.TxOut[slashingChangeOutputIdx].PkScript) {
		return nil, errors.New("slashing change output is not locked to the staker key")
	}

	return &withdrawalSource{
		fundingTx: slashingTx,
		outputIdx: slashingChangeOutputIdx,
		lockTime:  lockTime,
		spendInfo: script.SpendInfo,
	}, nil
}

// buildSpendTx sends the whole source output minus fee to destScript. The
// input sequence carries the relative timelock.
func (s *withdrawalSource) buildSpendTx(destScript []byte, feeRate chainfee.SatPerKVByte) (*spendStakeTxInfo, error) {
	funding := s.fundingTx.TxOut[s.outputIdx]
	fundingHash := s.fundingTx.TxHash()

	in := wire.NewTxIn(wire.NewOutPoint(&fundingHash, s.outputIdx), nil, nil)
	in.Sequence = uint32(s.lockTime)
	out := wire.NewTxOut(funding.Value, destScript)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(in)
	tx.AddTxOut(out)

	// single taproot input, no change
	vsize := txsizes.EstimateVirtualSize(0, 1, 0, 0, []*wire.TxOut{out}, 0)
	fee := txrules.FeeForSerializeSize(btcutil.Amount(feeRate), vsize)
	if int64(fee) >= funding.Value {
		return nil, fmt.Errorf("fee of %d sat exceeds the %d sat being withdrawn", fee, funding.Value)
	}

	out.Value -= int64(fee)
	if IsDust(btcutil.Amount(out.Value), destScript, 0) {
		return nil, fmt.Errorf("withdrawal output of %d sat is dust after a %d sat fee", out.Value, fee)
	}

	return &spendStakeTxInfo{
		spendStakeTx:           tx,
		fundingOutput:          funding,
		fundingOutputSpendInfo: s.spendInfo,
		calculatedFee:          fee,
	}, nil
}

// withdrawalSubmittedState is the intermediate state entered once the
// withdrawal of a delegation in state s is broadcast.
func withdrawalSubmittedState(s types.DelegationState) (types.DelegationState, error) {
	switch s {
	case types.DelegationStateTimelockWithdrawable:
		return types.DelegationStateIntermediateTimelockWithdrawalSubmitted, nil
	case types.DelegationStateEarlyUnbondingWithdrawable:
		return types.DelegationStateIntermediateEarlyUnbondingWithdrawalSubmitted, nil
	case types.DelegationStateTimelockSlashingWithdrawable:
		return types.DelegationStateIntermediateTimelockSlashingWithdrawalSubmitted, nil
	case types.DelegationStateEarlyUnbondingSlashingWithdrawable:
		return types.DelegationStateIntermediateEarlyUnbondingSlashingWithdrawalSubmitted, nil
	}
	return "", fmt.Errorf("%w: state %s", ErrNothingToWithdraw, s)
}
