package staking

import (
	"context"
	"errors"
	"fmt"

	"github.com/babylonlabs-io/networks/parameters/parser"
	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingdb"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/babylonlabs-io/simple-staking-sub003/walletcontroller"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"
)

// phase1Params returns the phase-1 global parameters version active at
// btcHeight.
func (app *App) phase1Params(btcHeight uint32) (*parser.ParsedVersionedGlobalParams, error) {
	path := app.config.StakingConfig.Phase1ParamsPath
	if path == "" {
		return nil, ErrPhase1ParamsMissing
	}

	globalParams, err := parser.NewParsedGlobalParamsFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse phase-1 params %s: %w", path, err)
	}

	p := globalParams.GetVersionedGlobalParamsByHeight(uint64(btcHeight))
	if p == nil {
		return nil, fmt.Errorf("no phase-1 params version active at height %d", btcHeight)
	}

	return p, nil
}

func checkPhase1Bounds(parsed *walletcontroller.Phase1StakingTx, p *parser.ParsedVersionedGlobalParams) error {
	value := btcutil.Amount(parsed.Parsed.StakingOutput.Value)
	if value < p.MinStakingAmount || value > p.MaxStakingAmount {
		return fmt.Errorf("staking amount %d out of phase-1 bounds [%d, %d]",
			value, p.MinStakingAmount, p.MaxStakingAmount)
	}

	stakingTime := parsed.Parsed.OpReturnData.StakingTime
	if stakingTime < p.MinStakingTime || stakingTime > p.MaxStakingTime {
		return fmt.Errorf("staking time %d out of phase-1 bounds [%d, %d]",
			stakingTime, p.MinStakingTime, p.MaxStakingTime)
	}

	return nil
}

// RegisterPhase1Delegation registers on babylon a staking transaction that
// was confirmed on btc before babylon launched.
func (app *App) RegisterPhase1Delegation(
	ctx context.Context,
	stakerAddress btcutil.Address,
	stakingTxHash *chainhash.Hash,
	opts ...FlowOption,
) (*EOIResult, error) {
	sm := newFlowOptions(FlowRegistration, opts).sm

	fail := func(msg string, err error) (*EOIResult, error) {
		ce := categorize(msg, err)
		_ = sm.Cancel(ce)
		app.logger.WithFields(logrus.Fields{
			"stakingTxHash": stakingTxHash,
			"step":          sm.Current(),
			"err":           ce,
		}).Error("Registering phase-1 delegation failed")
		return nil, ce
	}

	if err := app.checkNotStopped(); err != nil {
		return fail("staking app stopped", err)
	}

	if _, err := app.store.GetDelegation(stakingTxHash); err == nil {
		return fail("cannot register delegation", NewValidationError(stakingTxHash.String(), stakingdb.ErrDuplicateDelegation))
	} else if !errors.Is(err, stakingdb.ErrDelegationNotFound) {
		return fail("failed to read local delegation", err)
	}

	_, blk, err := app.BtcTxAndBlock(stakingTxHash)
	if err != nil {
		return fail("staking transaction not found", NewValidationError(stakingTxHash.String(), err))
	}

	p1, err := app.phase1Params(uint32(blk.Height))
	if err != nil {
		return fail("cannot register delegation", NewValidationError("phase-1 params", err))
	}

	parsed, status, err := walletcontroller.ParsePhase1StakingTx(
		app.wc,
		app.network,
		stakingTxHash,
		p1.Tag,
		p1.CovenantPks,
		p1.CovenantQuorum,
	)
	if err != nil {
		return fail("invalid phase-1 staking transaction", NewValidationError(fmt.Sprintf("tx status %s", status), err))
	}

	stakerPk, err := app.wc.AddressPublicKey(stakerAddress)
	if err != nil {
		return fail("failed to get staker public key", NewWalletError("staker address is not controlled by wallet", err))
	}

	if !schnorrKeysEqual(stakerPk, parsed.Parsed.OpReturnData.StakerPublicKey.PubKey) {
		return fail("cannot register delegation", NewValidationError("staker key does not match staking transaction", nil))
	}

	if err := checkPhase1Bounds(parsed, p1); err != nil {
		return fail("cannot register delegation", NewValidationError("phase-1 bounds", err))
	}

	if err := app.screenAddress(ctx, stakerAddress); err != nil {
		return fail("staker address rejected", err)
	}

	fpPks := []*btcec.PublicKey{parsed.Parsed.OpReturnData.FinalityProviderPublicKey.PubKey}
	if err := app.checkFinalityProviders(ctx, fpPks); err != nil {
		return fail("invalid finality provider", err)
	}

	conf := parsed.Confirmation

	btcCheckpointParams, err := app.babylonClient.BTCCheckpointParams()
	if err != nil {
		return fail("failed to get btc checkpoint params", err)
	}

	if err := checkConfirmationDepth(
		app.currentBestBlockHeight.Load(),
		conf.BlockHeight,
		btcCheckpointParams.ConfirmationTimeBlocks,
	); err != nil {
		return fail("staking transaction not deep enough", NewValidationError(stakingTxHash.String(), err))
	}

	params, err := app.babylonClient.ParamsByBtcHeight(conf.BlockHeight)
	if err != nil {
		return fail("failed to get babylon staking params", err)
	}

	inclusionInfo, err := cl.NewInclusionInfo(conf.Block, conf.TxIndex)
	if err != nil {
		return fail("failed to build inclusion proof", err)
	}

	d := &delegationTxs{
		stakerPk:    stakerPk,
		fpPks:       fpPks,
		stakingTime: parsed.Parsed.OpReturnData.StakingTime,
		stakingTx:   conf.Tx,
		outputIdx:   uint32(parsed.Parsed.StakingOutputIdx),
	}

	if err := sm.Advance(StepEOIStakingSlashing); err != nil {
		return fail("cannot start registration flow", err)
	}

	dg, ub, err := app.buildSignedDelegation(d, params, stakerAddress, inclusionInfo, sm)
	if err != nil {
		return fail("failed to build delegation", err)
	}

	if err := sm.Advance(StepEOISendBBN); err != nil {
		return fail("cannot send delegation", err)
	}

	resp, err := app.sendDelegation(ctx, stakingTxHash, dg, btcCheckpointParams.ConfirmationTimeBlocks)
	if err != nil {
		return fail("failed to send delegation to babylon", err)
	}

	stored := &stakingdb.StoredDelegation{
		StakerPk:            stakerPk,
		StakerAddress:       stakerAddress.EncodeAddress(),
		FinalityProviderPks: fpPks,
		StakingAmount:       d.stakingValue(),
		StakingTime:         d.stakingTime,
		StakingOutputIdx:    d.outputIdx,
		StakingTx:           d.stakingTx,
		UnbondingTx:         ub.tx,
		UnbondingTime:       ub.unbondingTime,
		State:               types.DelegationStateIntermediatePendingVerification,
		BabylonTxHash:       resp.TxHash,
		StakingTxHeight:     conf.BlockHeight,
		Phase1:              true,
	}

	if err := app.store.AddDelegation(stored); err != nil {
		app.reportCriticalError(*stakingTxHash, err, "failed to persist registered phase-1 delegation")
		return fail("failed to store delegation", err)
	}

	advanceFlow(sm, StepVerifying)
	app.m.EOICreatedCounter.Inc()

	app.logger.WithFields(logrus.Fields{
		"stakingTxHash": stakingTxHash,
		"stakerAddress": stakerAddress.EncodeAddress(),
		"babylonTxHash": resp.TxHash,
		"height":        conf.BlockHeight,
	}).Info("Phase-1 delegation registered on babylon")

	return &EOIResult{
		StakingTxHash:    *stakingTxHash,
		StakingTx:        d.stakingTx,
		StakingOutputIdx: d.outputIdx,
		UnbondingTx:      ub.tx,
		BabylonTxHash:    resp.TxHash,
		State:            types.DelegationStateIntermediatePendingVerification,
	}, nil
}
