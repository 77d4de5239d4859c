package staking

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"
	bct "github.com/babylonlabs-io/babylon/client/babylonclient"
	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingapi"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingdb"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/babylonlabs-io/simple-staking-sub003/walletcontroller"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"
)

// EOIResult describes a delegation registered on babylon whose staking
// transaction is not broadcast yet.
type EOIResult struct {
	StakingTxHash    chainhash.Hash
	StakingTx        *wire.MsgTx
	StakingOutputIdx uint32
	UnbondingTx      *wire.MsgTx
	BabylonTxHash    string
	// fee paid by the staking transaction
	Fee   btcutil.Amount
	State types.DelegationState
}

type flowOptions struct {
	sm *StepMachine
}

// FlowOption customizes a staking flow.
type FlowOption func(*flowOptions)

// WithStepMachine reports the flow progress on sm instead of a private machine.
func WithStepMachine(sm *StepMachine) FlowOption {
	return func(o *flowOptions) {
		o.sm = sm
	}
}

func newFlowOptions(flow Flow, opts []FlowOption) *flowOptions {
	o := &flowOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.sm == nil {
		o.sm = NewStepMachine(flow)
	}
	return o
}

// placeholder staking output used for size estimation, every taproot output
// has the same size
var estimationStakingScript = append([]byte{txscript.OP_1, txscript.OP_DATA_32}, make([]byte, 32)...)

// reservedOutpoints returns the funding outpoints of local staking txs that
// were not broadcast yet.
func (app *App) reservedOutpoints() (map[wire.OutPoint]struct{}, error) {
	reserved := make(map[wire.OutPoint]struct{})

	err := app.store.ScanDelegations(func(d *stakingdb.StoredDelegation) error {
		switch d.State {
		case types.DelegationStateIntermediatePendingVerification,
			types.DelegationStatePending,
			types.DelegationStateVerified:
		default:
			return nil
		}

		if d.Phase1 {
			return nil
		}

		for _, in := range d.StakingTx.TxIn {
			reserved[in.PreviousOutPoint] = struct{}{}
		}
		return nil
	}, func() {
		reserved = make(map[wire.OutPoint]struct{})
	})
	if err != nil {
		return nil, err
	}

	return reserved, nil
}

// filterUtxoFnGen excludes outputs already committed to a registered but not
// yet broadcast staking transaction.
func (app *App) filterUtxoFnGen() (walletcontroller.UseUtxoFn, error) {
	reserved, err := app.reservedOutpoints()
	if err != nil {
		return nil, err
	}

	return func(utxo walletcontroller.Utxo) bool {
		_, used := reserved[utxo.OutPoint]
		return !used
	}, nil
}

// fundingUtxos lists the wallet outputs a new staking transaction may use.
func (app *App) fundingUtxos() ([]walletcontroller.Utxo, error) {
	utxos, err := app.wc.ListOutputs(true)
	if err != nil {
		return nil, err
	}

	filter, err := app.filterUtxoFnGen()
	if err != nil {
		return nil, err
	}
	filter = nonDustUtxoFilter(dustRelayFee, filter)

	usable := make([]walletcontroller.Utxo, 0, len(utxos))
	for _, u := range utxos {
		if filter(u) {
			usable = append(usable, u)
		}
	}

	return usable, nil
}

// EstimateStakingFee returns the fee of a staking transaction for input
// funded from the usable wallet outputs.
func (app *App) EstimateStakingFee(input *StakingInput) (btcutil.Amount, error) {
	if input.StakerAddress == nil {
		return 0, NewValidationError("staker address is required", nil)
	}

	utxos, err := app.fundingUtxos()
	if err != nil {
		return 0, NewWalletError("failed to list wallet outputs", err)
	}

	return estimateStakingFee(utxos, input)
}

func estimateStakingFee(utxos []walletcontroller.Utxo, input *StakingInput) (btcutil.Amount, error) {
	changeScript, err := txscript.PayToAddrScript(input.StakerAddress)
	if err != nil {
		return 0, NewValidationError("unsupported staker address", err)
	}

	fee, err := walletcontroller.EstimateFee(
		utxos,
		[]*wire.TxOut{wire.NewTxOut(int64(input.Amount), estimationStakingScript)},
		btcutil.Amount(SatPerVByteToKVByte(input.FeeRate)),
		changeScript,
	)
	if err != nil {
		return 0, NewWalletError("cannot fund staking transaction", err)
	}

	return fee, nil
}

// maxFinalityProviders is the lower of the configured limit and the one the
// staking api publishes with the latest params.
func (app *App) maxFinalityProviders(ctx context.Context) uint32 {
	limit := app.config.StakingConfig.MaxFinalityProviders

	info, err := app.api.GetNetworkInfo(ctx)
	if err != nil {
		app.logger.WithError(err).Warn("Network info unavailable, using configured finality provider limit")
		return limit
	}

	latest, err := info.LatestStakingParams()
	if err != nil || latest.MaxFinalityProviders == 0 {
		return limit
	}

	return min(limit, latest.MaxFinalityProviders)
}

// validationContext gathers every limit input is checked against. Missing
// mempool data only disables the fee range check.
func (app *App) validationContext(
	ctx context.Context,
	input *StakingInput,
	params *cl.StakingParams,
) (*ValidationContext, error) {
	vc := &ValidationContext{
		Params:               params,
		MaxFinalityProviders: app.maxFinalityProviders(ctx),
	}

	rates, err := app.FeeRates(ctx)
	if err != nil {
		app.logger.WithError(err).Warn("Fee rates unavailable, skipping fee range check")
	} else {
		vc.FeeRates = rates
	}

	utxos, err := app.fundingUtxos()
	if err != nil {
		return nil, NewWalletError("failed to list wallet outputs", err)
	}
	vc.Balance = SpendableBalance(utxos, dustRelayFee)

	if input.StakerAddress != nil && input.FeeRate >= MinFeeRate {
		fee, err := estimateStakingFee(utxos, input)
		switch {
		case err == nil:
			vc.EstimatedFee = fee
		case errors.Is(err, walletcontroller.ErrInsufficientFunds),
			errors.Is(err, walletcontroller.ErrNoSpendableOutputs):
			vc.Unfundable = true
		default:
			app.logger.WithError(err).Debug("Cannot estimate staking fee")
		}
	}

	return vc, nil
}

// ValidateInput checks input against the current babylon params, fee rates
// and wallet balance without creating anything.
func (app *App) ValidateInput(ctx context.Context, input *StakingInput) error {
	params, err := app.babylonClient.Params()
	if err != nil {
		return NewServerError("failed to get babylon staking params", err)
	}

	vc, err := app.validationContext(ctx, input, params)
	if err != nil {
		return err
	}

	return ValidateStakingInput(vc, input)
}

// checkFinalityProviders makes sure every selected provider can receive
// delegations.
func (app *App) checkFinalityProviders(ctx context.Context, fpPks []*btcec.PublicKey) error {
	for _, pk := range fpPks {
		pkHex := EncodeSchnorrPkToHexString(pk)

		if _, err := app.babylonClient.QueryFinalityProvider(pk); err != nil {
			if errors.Is(err, cl.ErrFinalityProviderDoesNotExist) || errors.Is(err, cl.ErrFinalityProviderIsSlashed) {
				return NewValidationError(fmt.Sprintf("finality provider %s", pkHex), fmt.Errorf("%w: %w", ErrFinalityProviderInvalid, err))
			}
			return NewServerError("failed to query finality provider", err)
		}

		fp, err := app.api.GetFinalityProvider(ctx, pkHex)
		if err != nil {
			if errors.Is(err, stakingapi.ErrFinalityProviderNotFound) {
				// babylon knows the provider, the api has not indexed it yet
				continue
			}
			return NewServerError("failed to get finality provider", err)
		}

		if !fp.IsActive() {
			return NewValidationError(
				fmt.Sprintf("finality provider %s is %s", pkHex, fp.State),
				ErrFinalityProviderInvalid,
			)
		}
	}

	return nil
}

// screenAddress rejects addresses flagged by the staking api. Screening
// outages do not block staking.
func (app *App) screenAddress(ctx context.Context, addr btcutil.Address) error {
	screening, err := app.api.GetAddressScreening(ctx, addr.EncodeAddress())
	if err != nil {
		app.logger.WithFields(logrus.Fields{
			"stakerAddress": addr.EncodeAddress(),
			"err":           err,
		}).Warn("Address screening unavailable")
		return nil
	}

	if screening.IsRisky() {
		return NewValidationError(addr.EncodeAddress(), ErrRiskyAddress)
	}

	return nil
}

// CreateEOI registers a new delegation on babylon before its staking
// transaction is broadcast. The returned delegation waits for covenant
// verification.
func (app *App) CreateEOI(ctx context.Context, input *StakingInput, opts ...FlowOption) (*EOIResult, error) {
	o := newFlowOptions(FlowStaking, opts)
	sm := o.sm

	fail := func(msg string, err error) error {
		ce := categorize(msg, err)
		_ = sm.Cancel(ce)
		app.m.EOIFailedCounter.WithLabelValues(string(ErrorTypeOf(ce))).Inc()
		app.logger.WithFields(logrus.Fields{
			"step": sm.Current(),
			"err":  ce,
		}).Error("Creating delegation failed")
		return ce
	}

	if err := app.checkNotStopped(); err != nil {
		return nil, fail("staking app stopped", err)
	}

	params, open, err := app.NetworkParams(ctx)
	if err != nil {
		return nil, fail("failed to get network params", err)
	}

	if !open {
		return nil, fail("cannot create delegation", NewValidationError("staking closed", ErrStakingClosed))
	}

	if input.StakerAddress == nil {
		return nil, fail("invalid staking input", NewValidationError("staker address is required", nil))
	}

	stakerPk, err := app.wc.AddressPublicKey(input.StakerAddress)
	if err != nil {
		return nil, fail("failed to get staker public key", NewWalletError("staker address is not controlled by wallet", err))
	}

	vc, err := app.validationContext(ctx, input, params)
	if err != nil {
		return nil, fail("failed to prepare validation", err)
	}

	if err := ValidateStakingInput(vc, input); err != nil {
		return nil, fail("invalid staking input", err)
	}

	if err := app.checkFinalityProviders(ctx, input.FinalityProviderPks); err != nil {
		return nil, fail("invalid finality provider", err)
	}

	if err := app.screenAddress(ctx, input.StakerAddress); err != nil {
		return nil, fail("staker address rejected", err)
	}

	reqCtx, cancel := app.withQuit(ctx)
	defer cancel()

	cmd := newEOIRequestCmd(reqCtx, input, stakerPk, params, sm)

	select {
	case app.eoiRequestedCmdChan <- cmd:
	case <-ctx.Done():
		return nil, fail("request cancelled", ctx.Err())
	case <-app.quit:
		return nil, fail("staking app stopped", ErrAppStopped)
	}

	select {
	case reqErr := <-cmd.errChan:
		return nil, fail("failed to create delegation", reqErr)
	case result := <-cmd.successChan:
		app.m.EOICreatedCounter.Inc()
		return result, nil
	case <-app.quit:
		return nil, fail("staking app stopped", ErrAppStopped)
	}
}

// handleEOIRequestCmd runs on the command loop so funding sees every output
// reserved by earlier requests.
func (app *App) handleEOIRequestCmd(cmd *eoiRequestCmd) (*EOIResult, error) {
	input := cmd.input
	params := cmd.params
	sm := cmd.sm

	if err := sm.Advance(StepEOIStakingSlashing); err != nil {
		return nil, NewValidationError("cannot start staking flow", err)
	}

	stakingInfo, err := buildStakingInfo(
		cmd.stakerPk,
		input.FinalityProviderPks,
		params,
		input.StakingTimeBlocks,
		input.Amount,
		app.network,
	)
	if err != nil {
		return nil, NewValidationError("invalid staking output", err)
	}

	filter, err := app.filterUtxoFnGen()
	if err != nil {
		return nil, NewServerError("failed to read reserved outputs", err)
	}

	feeRatePerKb := btcutil.Amount(SatPerVByteToKVByte(input.FeeRate))

	stakingTx, err := app.wc.CreateTransaction(
		[]*wire.TxOut{stakingInfo.StakingOutput},
		feeRatePerKb,
		input.StakerAddress,
		nonDustUtxoFilter(dustRelayFee, filter),
	)
	if err != nil {
		return nil, NewWalletError("failed to build staking transaction", err)
	}

	outputIdx, err := findOutputIdx(stakingTx, stakingInfo.StakingOutput.PkScript)
	if err != nil {
		return nil, NewServerError("funded staking transaction is invalid", err)
	}

	fee, err := app.stakingTxFee(stakingTx)
	if err != nil {
		app.logger.WithError(err).Debug("Could not compute staking tx fee")
	}

	d := &delegationTxs{
		stakerPk:    cmd.stakerPk,
		fpPks:       input.FinalityProviderPks,
		stakingTime: input.StakingTimeBlocks,
		stakingTx:   stakingTx,
		outputIdx:   outputIdx,
	}
	stakingTxHash := stakingTx.TxHash()

	dg, ub, err := app.buildSignedDelegation(d, params, input.StakerAddress, nil, sm)
	if err != nil {
		return nil, err
	}

	if err := sm.Advance(StepEOISendBBN); err != nil {
		return nil, err
	}

	resp, err := app.sendDelegation(cmd.ctx, &stakingTxHash, dg, 0)
	if err != nil {
		return nil, err
	}

	stored := &stakingdb.StoredDelegation{
		StakerPk:            cmd.stakerPk,
		StakerAddress:       input.StakerAddress.EncodeAddress(),
		FinalityProviderPks: input.FinalityProviderPks,
		StakingAmount:       input.Amount,
		StakingTime:         input.StakingTimeBlocks,
		StakingOutputIdx:    outputIdx,
		StakingTx:           stakingTx,
		UnbondingTx:         ub.tx,
		UnbondingTime:       ub.unbondingTime,
		State:               types.DelegationStateIntermediatePendingVerification,
		BabylonTxHash:       resp.TxHash,
	}

	if err := app.store.AddDelegation(stored); err != nil {
		// babylon already has the delegation, losing the local record only
		// loses the unsigned staking tx reservation
		app.reportCriticalError(stakingTxHash, err, "failed to persist registered delegation")
		return nil, NewServerError("failed to store delegation", err)
	}

	if err := sm.Advance(StepVerifying); err != nil {
		return nil, err
	}

	app.logger.WithFields(logrus.Fields{
		"stakingTxHash": stakingTxHash,
		"stakerAddress": input.StakerAddress.EncodeAddress(),
		"babylonTxHash": resp.TxHash,
		"amount":        input.Amount,
	}).Info("Delegation registered on babylon, waiting for covenant verification")

	return &EOIResult{
		StakingTxHash:    stakingTxHash,
		StakingTx:        stakingTx,
		StakingOutputIdx: outputIdx,
		UnbondingTx:      ub.tx,
		BabylonTxHash:    resp.TxHash,
		Fee:              fee,
		State:            types.DelegationStateIntermediatePendingVerification,
	}, nil
}

// buildSignedDelegation signs both slashing transactions of d and the proof
// of possession, advancing sm through the EOI steps. inclusion is nil for
// delegations whose staking tx is not on btc yet.
func (app *App) buildSignedDelegation(
	d *delegationTxs,
	params *cl.StakingParams,
	stakerAddress btcutil.Address,
	inclusion *cl.InclusionInfo,
	sm *StepMachine,
) (*cl.DelegationData, *unbondingTxs, error) {
	signed := &signedDelegation{inclusion: inclusion}

	slashingTx, slashingPath, err := slashingTxForStakingTx(d, params, app.network)
	if err != nil {
		return nil, nil, NewServerError("failed to build slashing transaction", err)
	}
	signed.slashingTx = slashingTx
	signed.slashingSig, err = app.stakerSignature(
		slashingTx, d.stakingOutput(), stakerAddress, &slashingPath.RevealedLeaf, &slashingPath.ControlBlock,
	)
	if err != nil {
		return nil, nil, NewWalletError("failed to sign slashing transaction", err)
	}

	if err := sm.Advance(StepEOIUnbondingSlashing); err != nil {
		return nil, nil, err
	}

	ub, err := buildUnbondingTxs(d, params, app.network)
	if err != nil {
		return nil, nil, NewValidationError("failed to build unbonding transaction", err)
	}
	signed.unbonding = ub
	signed.unbondingSlashSig, err = app.stakerSignature(
		ub.slashingTx, ub.tx.TxOut[0], stakerAddress, &ub.slashingPath.RevealedLeaf, &ub.slashingPath.ControlBlock,
	)
	if err != nil {
		return nil, nil, NewWalletError("failed to sign unbonding slashing transaction", err)
	}

	if err := sm.Advance(StepEOIProofOfPossession); err != nil {
		return nil, nil, err
	}

	signed.babylonAddr, err = app.babylonClient.StakerAddress()
	if err != nil {
		return nil, nil, NewServerError("failed to get babylon staker address", err)
	}
	signed.pop, err = app.unlockAndCreatePop(signed.babylonAddr, stakerAddress, d.stakerPk)
	if err != nil {
		return nil, nil, NewWalletError("failed to create proof of possession", err)
	}

	if err := sm.Advance(StepEOISignBBN); err != nil {
		return nil, nil, err
	}

	dg := d.delegationData(signed)
	if err := checkPreSignedTxs(d, dg, params, app.network); err != nil {
		return nil, nil, NewServerError("pre-signed transactions are invalid", err)
	}
	return dg, ub, nil
}

// sendDelegation sends dg to babylon retrying transient failures. Rejections
// by babylon are returned at once.
func (app *App) sendDelegation(
	ctx context.Context,
	stakingTxHash *chainhash.Hash,
	dg *cl.DelegationData,
	requiredDepth uint32,
) (*bct.RelayerTxResponse, error) {
	var resp *bct.RelayerTxResponse

	err := retry.Do(func() error {
		r, err := app.babylonMsgSender.SendDelegation(ctx, dg, requiredDepth)
		if err != nil {
			if isBabylonRejection(err) || errors.Is(err, cl.ErrMsgSenderStopped) {
				return retry.Unrecoverable(err)
			}
			return err
		}
		resp = r
		return nil
	}, app.babylonRetryOpts(ctx, stakingTxHash, "Failed to send delegation to babylon, retrying")...)

	if err != nil {
		return nil, categorize("failed to send delegation to babylon", err)
	}

	return resp, nil
}

func findOutputIdx(tx *wire.MsgTx, pkScript []byte) (uint32, error) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("transaction %s has no output with the expected script", tx.TxHash())
}

// stakingTxFee returns inputs minus outputs of a transaction funded by the wallet.
func (app *App) stakingTxFee(tx *wire.MsgTx) (btcutil.Amount, error) {
	var in btcutil.Amount
	for _, txIn := range tx.TxIn {
		prev, err := app.wc.Tx(&txIn.PreviousOutPoint.Hash)
		if err != nil {
			return 0, err
		}
		outs := prev.MsgTx().TxOut
		if int(txIn.PreviousOutPoint.Index) >= len(outs) {
			return 0, fmt.Errorf("funding output %s does not exist", txIn.PreviousOutPoint)
		}
		in += btcutil.Amount(outs[txIn.PreviousOutPoint.Index].Value)
	}

	var out btcutil.Amount
	for _, o := range tx.TxOut {
		out += btcutil.Amount(o.Value)
	}

	return in - out, nil
}

// Stake runs the whole staking flow: registration on babylon, waiting for
// covenant verification and broadcasting the staking transaction.
func (app *App) Stake(ctx context.Context, input *StakingInput, opts ...FlowOption) (*chainhash.Hash, error) {
	o := newFlowOptions(FlowStaking, opts)

	eoi, err := app.CreateEOI(ctx, input, WithStepMachine(o.sm))
	if err != nil {
		return nil, err
	}

	if err := app.WaitForVerification(ctx, &eoi.StakingTxHash, WithStepMachine(o.sm)); err != nil {
		return nil, err
	}

	return app.SubmitStakingTx(ctx, &eoi.StakingTxHash, WithStepMachine(o.sm))
}
