package staking

import (
	"fmt"

	btcstaking "github.com/babylonlabs-io/babylon/btcstaking"
	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingdb"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	sdk "github.com/cosmos/cosmos-sdk/types"
)

// delegationTxs identifies the staking output of a delegation and the keys
// its scripts commit to.
type delegationTxs struct {
	stakerPk    *btcec.PublicKey
	fpPks       []*btcec.PublicKey
	stakingTime uint16
	stakingTx   *wire.MsgTx
	outputIdx   uint32
}

func delegationTxsFromStored(d *stakingdb.StoredDelegation) *delegationTxs {
	return &delegationTxs{
		stakerPk:    d.StakerPk,
		fpPks:       d.FinalityProviderPks,
		stakingTime: d.StakingTime,
		stakingTx:   d.StakingTx,
		outputIdx:   d.StakingOutputIdx,
	}
}

func (d *delegationTxs) stakingOutput() *wire.TxOut {
	return d.stakingTx.TxOut[d.outputIdx]
}

func (d *delegationTxs) stakingValue() btcutil.Amount {
	return btcutil.Amount(d.stakingOutput().Value)
}

func (d *delegationTxs) stakingInfo(params *cl.StakingParams, net *chaincfg.Params) (*btcstaking.StakingInfo, error) {
	return buildStakingInfo(d.stakerPk, d.fpPks, params, d.stakingTime, d.stakingValue(), net)
}

func (d *delegationTxs) unbondingInfo(
	params *cl.StakingParams,
	unbondingTime uint16,
	value btcutil.Amount,
	net *chaincfg.Params,
) (*btcstaking.UnbondingInfo, error) {
	info, err := btcstaking.BuildUnbondingInfo(
		d.stakerPk, d.fpPks, params.CovenantPks, params.CovenantQuorum, unbondingTime, value, net,
	)
	if err != nil {
		return nil, fmt.Errorf("building unbonding output: %w", err)
	}
	return info, nil
}

// buildStakingInfo builds the staking output scripts, rejecting dust amounts.
func buildStakingInfo(
	stakerPk *btcec.PublicKey,
	fpPks []*btcec.PublicKey,
	params *cl.StakingParams,
	stakingTime uint16,
	amount btcutil.Amount,
	net *chaincfg.Params,
) (*btcstaking.StakingInfo, error) {
	info, err := btcstaking.BuildStakingInfo(
		stakerPk, fpPks, params.CovenantPks, params.CovenantQuorum, stakingTime, amount, net,
	)
	if err != nil {
		return nil, fmt.Errorf("building staking output: %w", err)
	}
	if IsDust(amount, info.StakingOutput.PkScript, 0) {
		return nil, fmt.Errorf("staking output of %d sat is dust", amount)
	}
	return info, nil
}

// slashingTxForStakingTx builds the slashing tx of the staking output and the
// script path the staker signs it through.
func slashingTxForStakingTx(
	d *delegationTxs,
	params *cl.StakingParams,
	net *chaincfg.Params,
) (*wire.MsgTx, *btcstaking.SpendInfo, error) {
	tx, err := btcstaking.BuildSlashingTxFromStakingTxStrict(
		d.stakingTx,
		d.outputIdx,
		params.SlashingPkScript,
		d.stakerPk,
		params.UnbondingTime,
		int64(getSlashingFee(params.MinSlashingTxFeeSat)),
		params.SlashingRate,
		net,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("building slashing tx: %w", err)
	}

	info, err := d.stakingInfo(params, net)
	if err != nil {
		return nil, nil, err
	}
	path, err := info.SlashingPathSpendInfo()
	if err != nil {
		return nil, nil, fmt.Errorf("staking slashing path: %w", err)
	}
	return tx, path, nil
}

// unbondingTxs is the unbonding tx of a delegation and the slashing tx
// spending its output.
type unbondingTxs struct {
	tx            *wire.MsgTx
	value         btcutil.Amount
	unbondingTime uint16
	slashingTx    *wire.MsgTx
	slashingPath  *btcstaking.SpendInfo
}

// buildUnbondingTxs moves the whole staking output minus the unbonding fee
// into the unbonding output.
func buildUnbondingTxs(d *delegationTxs, params *cl.StakingParams, net *chaincfg.Params) (*unbondingTxs, error) {
	slashingFee := getSlashingFee(params.MinSlashingTxFeeSat)
	value := d.stakingValue() - params.UnbondingFee
	switch {
	case value <= 0:
		return nil, fmt.Errorf("unbonding fee %d sat consumes the %d sat stake", params.UnbondingFee, d.stakingValue())
	case value <= slashingFee:
		return nil, fmt.Errorf("unbonding output of %d sat cannot pay the %d sat slashing fee", value, slashingFee)
	}

	info, err := d.unbondingInfo(params, params.UnbondingTime, value, net)
	if err != nil {
		return nil, err
	}
	if IsDust(value, info.UnbondingOutput.PkScript, 0) {
		return nil, fmt.Errorf("unbonding output of %d sat is dust", value)
	}

	stakingTxHash := d.stakingTx.TxHash()
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&stakingTxHash, d.outputIdx), nil, nil))
	tx.AddTxOut(info.UnbondingOutput)

	slashingTx, err := btcstaking.BuildSlashingTxFromStakingTxStrict(
		tx,
		0,
		params.SlashingPkScript,
		d.stakerPk,
		params.UnbondingTime,
		int64(slashingFee),
		params.SlashingRate,
		net,
	)
	if err != nil {
		return nil, fmt.Errorf("building unbonding slashing tx: %w", err)
	}

	path, err := info.SlashingPathSpendInfo()
	if err != nil {
		return nil, fmt.Errorf("unbonding slashing path: %w", err)
	}

	return &unbondingTxs{
		tx:            tx,
		value:         value,
		unbondingTime: params.UnbondingTime,
		slashingTx:    slashingTx,
		slashingPath:  path,
	}, nil
}

// buildUnbondingSpendInfo is the staking output path the unbonding tx spends.
func buildUnbondingSpendInfo(d *delegationTxs, params *cl.StakingParams, net *chaincfg.Params) (*btcstaking.SpendInfo, error) {
	info, err := d.stakingInfo(params, net)
	if err != nil {
		return nil, err
	}
	path, err := info.UnbondingPathSpendInfo()
	if err != nil {
		return nil, fmt.Errorf("staking unbonding path: %w", err)
	}
	return path, nil
}

// signedDelegation bundles everything babylon needs to register d.
type signedDelegation struct {
	inclusion         *cl.InclusionInfo
	slashingTx        *wire.MsgTx
	slashingSig       *schnorr.Signature
	unbonding         *unbondingTxs
	unbondingSlashSig *schnorr.Signature
	babylonAddr       sdk.AccAddress
	pop               *cl.BabylonPop
}

func (d *delegationTxs) delegationData(s *signedDelegation) *cl.DelegationData {
	return &cl.DelegationData{
		StakingTransaction:      d.stakingTx,
		Inclusion:               s.inclusion,
		StakingTime:             d.stakingTime,
		StakingValue:            d.stakingValue(),
		FinalityProvidersBtcPks: d.fpPks,
		StakerBtcPk:             d.stakerPk,
		SlashingTransaction:     s.slashingTx,
		SlashingTransactionSig:  s.slashingSig,
		BabylonStakerAddr:       s.babylonAddr,
		BabylonPop:              s.pop,
		Ud: &cl.UndelegationData{
			UnbondingTransaction:         s.unbonding.tx,
			UnbondingTxValue:             s.unbonding.value,
			UnbondingTxUnbondingTime:     s.unbonding.unbondingTime,
			SlashUnbondingTransaction:    s.unbonding.slashingTx,
			SlashUnbondingTransactionSig: s.unbondingSlashSig,
		},
	}
}

// checkPreSignedTxs verifies both slashing txs of dg match the outputs they
// spend and carry valid staker signatures.
func checkPreSignedTxs(d *delegationTxs, dg *cl.DelegationData, params *cl.StakingParams, net *chaincfg.Params) error {
	checkSlashing := func(slashingTx, fundingTx *wire.MsgTx, idx uint32) error {
		return btcstaking.CheckSlashingTxMatchFundingTx(
			slashingTx,
			fundingTx,
			idx,
			int64(params.MinSlashingTxFeeSat),
			params.SlashingRate,
			params.SlashingPkScript,
			d.stakerPk,
			params.UnbondingTime,
			net,
		)
	}

	if err := checkSlashing(dg.SlashingTransaction, d.stakingTx, d.outputIdx); err != nil {
		return fmt.Errorf("invalid slashing tx: %w", err)
	}
	stakingInfo, err := d.stakingInfo(params, net)
	if err != nil {
		return err
	}
	slashingPath, err := stakingInfo.SlashingPathSpendInfo()
	if err != nil {
		return err
	}
	err = btcstaking.VerifyTransactionSigWithOutput(
		dg.SlashingTransaction,
		d.stakingOutput(),
		slashingPath.RevealedLeaf.Script,
		d.stakerPk,
		dg.SlashingTransactionSig.Serialize(),
	)
	if err != nil {
		return fmt.Errorf("invalid slashing tx signature: %w", err)
	}

	ud := dg.Ud
	if err := btcstaking.IsSimpleTransfer(ud.UnbondingTransaction); err != nil {
		return fmt.Errorf("invalid unbonding tx: %w", err)
	}
	if d.stakingValue()-btcutil.Amount(ud.UnbondingTransaction.TxOut[0].Value) != params.UnbondingFee {
		return fmt.Errorf("unbonding tx must pay a fee of exactly %d sat", params.UnbondingFee)
	}

	if err := checkSlashing(ud.SlashUnbondingTransaction, ud.UnbondingTransaction, 0); err != nil {
		return fmt.Errorf("invalid unbonding slashing tx: %w", err)
	}
	unbondingInfo, err := d.unbondingInfo(params, ud.UnbondingTxUnbondingTime, ud.UnbondingTxValue, net)
	if err != nil {
		return err
	}
	unbondingSlashingPath, err := unbondingInfo.SlashingPathSpendInfo()
	if err != nil {
		return err
	}
	err = btcstaking.VerifyTransactionSigWithOutput(
		ud.SlashUnbondingTransaction,
		ud.UnbondingTransaction.TxOut[0],
		unbondingSlashingPath.RevealedLeaf.Script,
		d.stakerPk,
		ud.SlashUnbondingTransactionSig.Serialize(),
	)
	if err != nil {
		return fmt.Errorf("invalid unbonding slashing tx signature: %w", err)
	}

	return nil
}
