package stakingservice

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/babylonlabs-io/simple-staking-sub003/staking"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingapi"
	scfg "github.com/babylonlabs-io/simple-staking-sub003/stakingcfg"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingdb"
	"github.com/babylonlabs-io/simple-staking-sub003/utils"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	rpc "github.com/cometbft/cometbft/rpc/jsonrpc/server"
	rpctypes "github.com/cometbft/cometbft/rpc/jsonrpc/types"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/sirupsen/logrus"
)

// Environment variables holding the credentials every route requires.
const (
	EnvRouteAuthUser = "STAKINGD_USERNAME"
	EnvRouteAuthPwd  = "STAKINGD_PASSWORD"
)

// RoutesMap maps json-rpc method names to handlers.
type RoutesMap map[string]*rpc.RPCFunc

// StakingService exposes the staking app over json-rpc.
type StakingService struct {
	started atomic.Bool

	config *scfg.Config
	app    *staking.App
	logger *logrus.Logger
	db     kvdb.Backend
}

// NewStakingService creates a new staking service instance
func NewStakingService(
	c *scfg.Config,
	app *staking.App,
	l *logrus.Logger,
	db kvdb.Backend,
) *StakingService {
	return &StakingService{
		config: c,
		app:    app,
		logger: l,
		db:     db,
	}
}

func (s *StakingService) health(_ *rpctypes.Context) (*ResultHealth, error) {
	return &ResultHealth{}, nil
}

func (s *StakingService) networkParams(rctx *rpctypes.Context) (*NetworkParamsResponse, error) {
	params, open, err := s.app.NetworkParams(rctx.Context())
	if err != nil {
		return nil, err
	}

	covenantPks := make([]string, len(params.CovenantPks))
	for i, pk := range params.CovenantPks {
		covenantPks[i] = staking.EncodeSchnorrPkToHexString(pk)
	}

	return &NetworkParamsResponse{
		StakingOpen:          open,
		CovenantPksHex:       covenantPks,
		CovenantQuorum:       params.CovenantQuorum,
		MinStakingValue:      int64(params.MinStakingValue),
		MaxStakingValue:      int64(params.MaxStakingValue),
		MinStakingTimeBlocks: params.MinStakingTime,
		MaxStakingTimeBlocks: params.MaxStakingTime,
		UnbondingTimeBlocks:  params.UnbondingTime,
		UnbondingFee:         int64(params.UnbondingFee),
		ConfirmationDepth:    params.ConfirmationTimeBlocks,
	}, nil
}

func (s *StakingService) feeRates(rctx *rpctypes.Context) (*FeeRatesResponse, error) {
	rates, err := s.app.FeeRates(rctx.Context())
	if err != nil {
		return nil, err
	}
	return &FeeRatesResponse{FeeRates: *rates}, nil
}

// stakingInput decodes the rpc arguments shared by every staking route.
func (s *StakingService) stakingInput(
	stakerAddress string,
	stakingAmount int64,
	fpBtcPks []string,
	stakingTimeBlocks int64,
	feeRate int64,
) (*staking.StakingInput, error) {
	stakerAddr, err := btcutil.DecodeAddress(stakerAddress, &s.config.ActiveNetParams)
	if err != nil {
		return nil, staking.NewValidationError("invalid staker address", err)
	}

	fpPks, err := staking.ParseFinalityProviderPks(fpBtcPks)
	if err != nil {
		return nil, staking.NewValidationError("invalid finality provider key", err)
	}

	if stakingAmount < 0 {
		return nil, staking.NewValidationError("staking amount must not be negative", nil)
	}

	if stakingTimeBlocks < 0 {
		return nil, staking.NewValidationError("staking time must not be negative", nil)
	}

	stakingTime, err := staking.ParseStakingTime(uint64(stakingTimeBlocks))
	if err != nil {
		return nil, staking.NewValidationError("invalid staking time", err)
	}

	if feeRate < 0 {
		return nil, staking.NewValidationError("fee rate must not be negative", nil)
	}

	return &staking.StakingInput{
		StakerAddress:       stakerAddr,
		FinalityProviderPks: fpPks,
		Amount:              btcutil.Amount(stakingAmount),
		StakingTimeBlocks:   stakingTime,
		FeeRate:             uint64(feeRate),
	}, nil
}

func (s *StakingService) validateStakingInput(
	rctx *rpctypes.Context,
	stakerAddress string,
	stakingAmount int64,
	fpBtcPks []string,
	stakingTimeBlocks int64,
	feeRate int64,
) (*ValidationResponse, error) {
	input, err := s.stakingInput(stakerAddress, stakingAmount, fpBtcPks, stakingTimeBlocks, feeRate)
	if err != nil {
		return nil, err
	}

	resp := &ValidationResponse{Valid: true}
	if fee, err := s.app.EstimateStakingFee(input); err == nil {
		resp.EstimatedFee = int64(fee)
	}

	err = s.app.ValidateInput(rctx.Context(), input)
	var fieldErrs staking.FieldErrors
	switch {
	case err == nil:
	case errors.As(err, &fieldErrs):
		resp.Valid = false
		resp.Errors = fieldErrs
	default:
		return nil, err
	}

	return resp, nil
}

func eoiToResponse(eoi *staking.EOIResult) (*EOIResponse, error) {
	stakingTx, err := utils.SerializeBtcTransaction(eoi.StakingTx)
	if err != nil {
		return nil, err
	}

	var unbondingHex string
	if eoi.UnbondingTx != nil {
		unbondingTx, err := utils.SerializeBtcTransaction(eoi.UnbondingTx)
		if err != nil {
			return nil, err
		}
		unbondingHex = hex.EncodeToString(unbondingTx)
	}

	return &EOIResponse{
		StakingTxHash:    eoi.StakingTxHash.String(),
		StakingTxHex:     hex.EncodeToString(stakingTx),
		StakingOutputIdx: eoi.StakingOutputIdx,
		UnbondingTxHex:   unbondingHex,
		BabylonTxHash:    eoi.BabylonTxHash,
		Fee:              int64(eoi.Fee),
		State:            eoi.State.String(),
	}, nil
}

// createEOI registers a new delegation on babylon without broadcasting
// the staking transaction.
func (s *StakingService) createEOI(
	rctx *rpctypes.Context,
	stakerAddress string,
	stakingAmount int64,
	fpBtcPks []string,
	stakingTimeBlocks int64,
	feeRate int64,
) (*EOIResponse, error) {
	input, err := s.stakingInput(stakerAddress, stakingAmount, fpBtcPks, stakingTimeBlocks, feeRate)
	if err != nil {
		return nil, err
	}

	eoi, err := s.app.CreateEOI(rctx.Context(), input)
	if err != nil {
		return nil, err
	}

	return eoiToResponse(eoi)
}

// stake runs the whole flow and returns once the staking tx is broadcast.
func (s *StakingService) stake(
	rctx *rpctypes.Context,
	stakerAddress string,
	stakingAmount int64,
	fpBtcPks []string,
	stakingTimeBlocks int64,
	feeRate int64,
) (*ResultTxHash, error) {
	input, err := s.stakingInput(stakerAddress, stakingAmount, fpBtcPks, stakingTimeBlocks, feeRate)
	if err != nil {
		return nil, err
	}

	txHash, err := s.app.Stake(rctx.Context(), input)
	if err != nil {
		return nil, err
	}

	return &ResultTxHash{TxHash: txHash.String()}, nil
}

func (s *StakingService) submitStakingTx(rctx *rpctypes.Context, stakingTxHash string) (*ResultTxHash, error) {
	txHash, err := staking.ParseTxHash(stakingTxHash)
	if err != nil {
		return nil, err
	}

	if err := s.app.WaitForVerification(rctx.Context(), txHash); err != nil {
		return nil, err
	}

	sent, err := s.app.SubmitStakingTx(rctx.Context(), txHash)
	if err != nil {
		return nil, err
	}

	return &ResultTxHash{TxHash: sent.String()}, nil
}

func (s *StakingService) registerPhase1Delegation(
	rctx *rpctypes.Context,
	stakerAddress string,
	stakingTxHash string,
) (*EOIResponse, error) {
	stakerAddr, err := btcutil.DecodeAddress(stakerAddress, &s.config.ActiveNetParams)
	if err != nil {
		return nil, staking.NewValidationError("invalid staker address", err)
	}

	txHash, err := staking.ParseTxHash(stakingTxHash)
	if err != nil {
		return nil, err
	}

	eoi, err := s.app.RegisterPhase1Delegation(rctx.Context(), stakerAddr, txHash)
	if err != nil {
		return nil, err
	}

	return eoiToResponse(eoi)
}

func (s *StakingService) unbond(rctx *rpctypes.Context, stakingTxHash string) (*ResultTxHash, error) {
	return s.spendDelegation(rctx.Context(), stakingTxHash, s.app.Unbond)
}

func (s *StakingService) withdraw(rctx *rpctypes.Context, stakingTxHash string) (*ResultTxHash, error) {
	return s.spendDelegation(rctx.Context(), stakingTxHash, s.app.Withdraw)
}

func (s *StakingService) spendDelegation(
	ctx context.Context,
	stakingTxHash string,
	spend func(context.Context, *chainhash.Hash) (*chainhash.Hash, error),
) (*ResultTxHash, error) {
	txHash, err := staking.ParseTxHash(stakingTxHash)
	if err != nil {
		return nil, err
	}

	sent, err := spend(ctx, txHash)
	if err != nil {
		return nil, err
	}

	return &ResultTxHash{TxHash: sent.String()}, nil
}

func (s *StakingService) delegations(rctx *rpctypes.Context, stakerPk string) (*DelegationsResponse, error) {
	pk, err := staking.ParseSchnorrPk(stakerPk)
	if err != nil {
		return nil, staking.NewValidationError("invalid staker public key", err)
	}

	views, err := s.app.Delegations(rctx.Context(), pk)
	if err != nil {
		return nil, err
	}

	return &DelegationsResponse{Delegations: views}, nil
}

func (s *StakingService) delegation(rctx *rpctypes.Context, stakingTxHash string) (*staking.DelegationView, error) {
	txHash, err := staking.ParseTxHash(stakingTxHash)
	if err != nil {
		return nil, err
	}

	return s.app.Delegation(rctx.Context(), txHash)
}

func (s *StakingService) pendingDelegations(_ *rpctypes.Context, offset, limit *int) (*PendingDelegationsResponse, error) {
	pageParams, err := getPageParams(offset, limit)
	if err != nil {
		return nil, err
	}

	q := stakingdb.DefaultDelegationQuery()
	q.IndexOffset = pageParams.Offset
	q.NumMaxResults = pageParams.Limit

	views, total, err := s.app.PendingDelegations(q)
	if err != nil {
		return nil, err
	}

	return &PendingDelegationsResponse{
		Delegations: views,
		Total:       total,
	}, nil
}

func (s *StakingService) listOutputs(_ *rpctypes.Context) (*OutputsResponse, error) {
	outputs, err := s.app.ListUnspentOutputs()
	if err != nil {
		return nil, err
	}

	spendable, dust := staking.ClassifyUTXOs(outputs, 0)

	outputDetails := make([]OutputDetail, 0, len(outputs))
	var balance btcutil.Amount
	for _, output := range spendable {
		balance += output.Amount
		outputDetails = append(outputDetails, OutputDetail{
			Address: output.Address,
			Amount:  output.Amount.String(),
		})
	}
	for _, output := range dust {
		outputDetails = append(outputDetails, OutputDetail{
			Address: output.Address,
			Amount:  output.Amount.String(),
			Dust:    true,
		})
	}

	return &OutputsResponse{
		Outputs:          outputDetails,
		SpendableBalance: int64(balance),
	}, nil
}

func (s *StakingService) finalityProviders(
	rctx *rpctypes.Context,
	paginationKey string,
	search string,
	sort string,
) (*FinalityProvidersResponse, error) {
	page, err := s.app.FinalityProviders(rctx.Context(), stakingapi.FinalityProviderQuery{
		PaginationKey: paginationKey,
		Search:        search,
		Sort:          sort,
	})
	if err != nil {
		return nil, err
	}

	providers := make([]FinalityProviderInfoResponse, len(page.FinalityProviders))
	for i, fp := range page.FinalityProviders {
		providers[i] = FinalityProviderInfoResponse{
			BtcPublicKey:      fp.BtcPk,
			Moniker:           fp.Description.Moniker,
			State:             fp.State,
			Commission:        fp.Commission,
			ActiveTvl:         fp.ActiveTvl,
			ActiveDelegations: fp.ActiveDelegations,
		}
	}

	return &FinalityProvidersResponse{
		FinalityProviders: providers,
		NextKey:           page.NextKey,
	}, nil
}

func (s *StakingService) stakerStats(rctx *rpctypes.Context, stakerPk string) (*StakerStatsResponse, error) {
	pk, err := staking.ParseSchnorrPk(stakerPk)
	if err != nil {
		return nil, staking.NewValidationError("invalid staker public key", err)
	}

	stats, err := s.app.StakerStats(rctx.Context(), pk)
	if err != nil {
		return nil, err
	}

	return &StakerStatsResponse{
		ActiveTvl:            stats.ActiveTvl,
		ActiveDelegations:    stats.ActiveDelegations,
		UnbondingTvl:         stats.UnbondingTvl,
		UnbondingDelegations: stats.UnbondingDelegations,
		WithdrawableTvl:      stats.WithdrawableTvl,
		SlashedTvl:           stats.SlashedTvl,
	}, nil
}

func (s *StakingService) prices(rctx *rpctypes.Context) (*PricesResponse, error) {
	prices, err := s.app.Prices(rctx.Context())
	if err != nil {
		return nil, err
	}
	return &PricesResponse{Prices: prices}, nil
}

func (s *StakingService) btcTxBlkDetails(_ *rpctypes.Context, txHashStr string) (*BtcTxAndBlockResponse, error) {
	txHash, err := staking.ParseTxHash(txHashStr)
	if err != nil {
		return nil, err
	}

	tx, blk, err := s.app.BtcTxAndBlock(txHash)
	if err != nil {
		return nil, fmt.Errorf("error getting transaction and block: %w", err)
	}

	return &BtcTxAndBlockResponse{
		Tx:  tx,
		Blk: blk,
	}, nil
}

// GetRoutes returns a list of routes this service handles
func (s *StakingService) GetRoutes() RoutesMap {
	stakingArgs := "stakerAddress,stakingAmount,fpBtcPks,stakingTimeBlocks,feeRate"

	return RoutesMap{
		"health": rpc.NewRPCFunc(s.health, ""),
		// network
		"network_params":     rpc.NewRPCFunc(s.networkParams, ""),
		"fee_rates":          rpc.NewRPCFunc(s.feeRates, ""),
		"finality_providers": rpc.NewRPCFunc(s.finalityProviders, "paginationKey,search,sort"),
		"prices":             rpc.NewRPCFunc(s.prices, ""),
		// staking flow
		"validate_staking_input":     rpc.NewRPCFunc(s.validateStakingInput, stakingArgs),
		"create_eoi":                 rpc.NewRPCFunc(s.createEOI, stakingArgs),
		"stake":                      rpc.NewRPCFunc(s.stake, stakingArgs),
		"submit_staking_tx":          rpc.NewRPCFunc(s.submitStakingTx, "stakingTxHash"),
		"register_phase1_delegation": rpc.NewRPCFunc(s.registerPhase1Delegation, "stakerAddress,stakingTxHash"),
		"unbond":                     rpc.NewRPCFunc(s.unbond, "stakingTxHash"),
		"withdraw":                   rpc.NewRPCFunc(s.withdraw, "stakingTxHash"),
		// delegations
		"delegations":         rpc.NewRPCFunc(s.delegations, "stakerPk"),
		"delegation":          rpc.NewRPCFunc(s.delegation, "stakingTxHash"),
		"pending_delegations": rpc.NewRPCFunc(s.pendingDelegations, "offset,limit"),
		"staker_stats":        rpc.NewRPCFunc(s.stakerStats, "stakerPk"),
		// wallet
		"list_outputs":       rpc.NewRPCFunc(s.listOutputs, ""),
		"btc_tx_blk_details": rpc.NewRPCFunc(s.btcTxBlkDetails, "txHashStr"),
	}
}

// ErrorType extracts the error category from a json-rpc error message
// produced by this service.
func ErrorType(msg string) staking.ErrorType {
	for _, t := range []staking.ErrorType{
		staking.ErrorTypeValidation,
		staking.ErrorTypeWallet,
		staking.ErrorTypeServer,
	} {
		if strings.Contains(msg, string(t)+": ") {
			return t
		}
	}
	return staking.ErrorTypeServer
}
