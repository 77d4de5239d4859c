package staking

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingapi"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingdb"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/babylonlabs-io/simple-staking-sub003/utils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// DelegationView is a delegation as shown to the staker, either indexed by
// the staking api or known only locally.
type DelegationView struct {
	StakingTxHashHex       string                `json:"staking_tx_hash_hex"`
	StakerPkHex            string                `json:"staker_pk_hex"`
	FinalityProviderPksHex []string              `json:"finality_provider_pks_hex"`
	StakingAmount          int64                 `json:"staking_amount"`
	StakingTime            uint32                `json:"staking_time"`
	State                  types.DelegationState `json:"state"`
	StakingTxHex           string                `json:"staking_tx_hex"`
	UnbondingTxHex         string                `json:"unbonding_tx_hex,omitempty"`
	StartHeight            uint32                `json:"start_height,omitempty"`
	EndHeight              uint32                `json:"end_height,omitempty"`
	// true when the staking api does not reflect this state yet
	Local         bool   `json:"local"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func viewFromAPI(d *stakingapi.Delegation) DelegationView {
	return DelegationView{
		StakingTxHashHex:       d.StakingTxHashHex,
		StakerPkHex:            d.StakerBtcPkHex,
		FinalityProviderPksHex: d.FinalityProviderBtcPksHex,
		StakingAmount:          d.DelegationStaking.StakingAmount,
		StakingTime:            d.DelegationStaking.StakingTimelock,
		State:                  types.DelegationState(d.State),
		StakingTxHex:           d.DelegationStaking.StakingTxHex,
		UnbondingTxHex:         d.DelegationUnbonding.UnbondingTx,
		StartHeight:            d.DelegationStaking.StartHeight,
		EndHeight:              d.DelegationStaking.EndHeight,
	}
}

func viewFromStored(d *stakingdb.StoredDelegation) DelegationView {
	fps := make([]string, len(d.FinalityProviderPks))
	for i, pk := range d.FinalityProviderPks {
		fps[i] = EncodeSchnorrPkToHexString(pk)
	}

	var unbondingHex string
	if d.UnbondingTx != nil {
		if b, err := utils.SerializeBtcTransaction(d.UnbondingTx); err == nil {
			unbondingHex = hex.EncodeToString(b)
		}
	}

	var stakingHex string
	if b, err := utils.SerializeBtcTransaction(d.StakingTx); err == nil {
		stakingHex = hex.EncodeToString(b)
	}

	return DelegationView{
		StakingTxHashHex:       d.StakingTxHash.String(),
		StakerPkHex:            EncodeSchnorrPkToHexString(d.StakerPk),
		FinalityProviderPksHex: fps,
		StakingAmount:          int64(d.StakingAmount),
		StakingTime:            uint32(d.StakingTime),
		State:                  d.State,
		StakingTxHex:           stakingHex,
		UnbondingTxHex:         unbondingHex,
		StartHeight:            d.StakingTxHeight,
		Local:                  true,
		FailureReason:          d.FailureReason,
	}
}

// apiStateWins reports whether the api record reached or passed the local one.
func apiStateWins(apiState, localState types.DelegationState) bool {
	return apiState.Rank() >= localState.Rank()
}

// MergeDelegations combines the staking api view with the local records.
// An api record wins once it reached or passed the local state, and the
// local record is reported as resolved. Local records the api does not know
// yet are appended after the api records.
func MergeDelegations(
	apiDelegations []stakingapi.Delegation,
	local []stakingdb.StoredDelegation,
) ([]DelegationView, []chainhash.Hash) {
	localByHash := make(map[string]*stakingdb.StoredDelegation, len(local))
	for i := range local {
		localByHash[local[i].StakingTxHash.String()] = &local[i]
	}

	merged := make([]DelegationView, 0, len(apiDelegations)+len(local))
	seen := make(map[string]struct{}, len(apiDelegations))
	var resolved []chainhash.Hash

	for i := range apiDelegations {
		d := &apiDelegations[i]
		seen[d.StakingTxHashHex] = struct{}{}

		l, ok := localByHash[d.StakingTxHashHex]
		if !ok {
			merged = append(merged, viewFromAPI(d))
			continue
		}

		if apiStateWins(types.DelegationState(d.State), l.State) {
			merged = append(merged, viewFromAPI(d))
			resolved = append(resolved, l.StakingTxHash)
			continue
		}

		merged = append(merged, viewFromStored(l))
	}

	for i := range local {
		if _, ok := seen[local[i].StakingTxHash.String()]; ok {
			continue
		}
		merged = append(merged, viewFromStored(&local[i]))
	}

	return merged, resolved
}

// maxLocalDelegations bounds how many local records are merged into a
// listing, local records are pruned long before reaching it
const maxLocalDelegations = 1000

// Delegations returns every delegation of stakerPk, merged with local
// bookkeeping. Local records the api caught up with are removed.
func (app *App) Delegations(ctx context.Context, stakerPk *btcec.PublicKey) ([]DelegationView, error) {
	apiDelegations, err := app.api.GetAllDelegations(ctx, EncodeSchnorrPkToHexString(stakerPk))
	if err != nil {
		return nil, NewServerError("failed to get delegations", err)
	}

	q := stakingdb.DefaultDelegationQuery()
	q.NumMaxResults = maxLocalDelegations
	local, err := app.store.QueryStakerDelegations(stakerPk, q)
	if err != nil {
		return nil, NewServerError("failed to read local delegations", err)
	}

	merged, resolved := MergeDelegations(apiDelegations, local.Delegations)

	for _, h := range resolved {
		utils.PushOrQuit(app.delegationResolvedEvChan, &delegationResolvedEvent{stakingTxHash: h}, app.quit)
	}

	return merged, nil
}

// Delegation returns a single delegation merged with its local record.
func (app *App) Delegation(ctx context.Context, stakingTxHash *chainhash.Hash) (*DelegationView, error) {
	rd, err := app.lookupDelegation(ctx, stakingTxHash)
	if err != nil {
		return nil, err
	}

	var view DelegationView
	if rd.useAPI() {
		view = viewFromAPI(rd.api)
	} else {
		view = viewFromStored(rd.local)
	}

	return &view, nil
}

// PendingDelegations returns a page of local records.
func (app *App) PendingDelegations(q stakingdb.DelegationQuery) ([]DelegationView, uint64, error) {
	res, err := app.store.QueryDelegations(q)
	if err != nil {
		return nil, 0, NewServerError("failed to read local delegations", err)
	}

	views := make([]DelegationView, len(res.Delegations))
	for i := range res.Delegations {
		views[i] = viewFromStored(&res.Delegations[i])
	}

	return views, res.Total, nil
}

// delegationLookup holds both views of one delegation, either may be nil.
type delegationLookup struct {
	local *stakingdb.StoredDelegation
	api   *stakingapi.Delegation
}

func (l *delegationLookup) useAPI() bool {
	if l.api == nil {
		return false
	}
	if l.local == nil {
		return true
	}
	return apiStateWins(types.DelegationState(l.api.State), l.local.State)
}

func (l *delegationLookup) state() types.DelegationState {
	if l.useAPI() {
		return types.DelegationState(l.api.State)
	}
	return l.local.State
}

func (app *App) lookupDelegation(ctx context.Context, stakingTxHash *chainhash.Hash) (*delegationLookup, error) {
	l := &delegationLookup{}

	local, err := app.store.GetDelegation(stakingTxHash)
	switch {
	case err == nil:
		l.local = local
	case errors.Is(err, stakingdb.ErrDelegationNotFound):
	default:
		return nil, NewServerError("failed to read local delegation", err)
	}

	apiDel, err := app.api.GetDelegation(ctx, stakingTxHash.String())
	var apiErr *stakingapi.APIError
	switch {
	case err == nil:
		l.api = apiDel
	case errors.As(err, &apiErr) && apiErr.NotFound():
	case l.local != nil:
		// local record is enough to act on
		app.logger.WithError(err).Warn("Staking api unavailable, using local delegation")
	default:
		return nil, NewServerError("failed to get delegation", err)
	}

	if l.local == nil && l.api == nil {
		return nil, NewValidationError(
			fmt.Sprintf("delegation %s", stakingTxHash),
			stakingdb.ErrDelegationNotFound,
		)
	}

	return l, nil
}

// resolvedDelegation is everything needed to spend outputs of a delegation.
type resolvedDelegation struct {
	stakingTxHash chainhash.Hash
	state         types.DelegationState
	txs           *delegationTxs
	params        *cl.StakingParams
	stakerAddress btcutil.Address
	unbondingTx   *wire.MsgTx
	unbondingTime uint16
	lookup        *delegationLookup
}

func decodeTxHex(txHex string) (*wire.MsgTx, error) {
	if txHex == "" {
		return nil, nil
	}

	b, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, err
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	return &tx, nil
}

// paramsAt returns babylon params valid at the btc height the delegation
// was included at, or the current params before inclusion.
func (app *App) paramsAt(btcHeight uint32) (*cl.StakingParams, error) {
	if btcHeight == 0 {
		return app.babylonClient.Params()
	}
	return app.babylonClient.ParamsByBtcHeight(btcHeight)
}

// resolveDelegation rebuilds the delegation transactions from the freshest
// source, the local record or the staking api.
func (app *App) resolveDelegation(ctx context.Context, stakingTxHash *chainhash.Hash) (*resolvedDelegation, error) {
	l, err := app.lookupDelegation(ctx, stakingTxHash)
	if err != nil {
		return nil, err
	}

	rd := &resolvedDelegation{
		stakingTxHash: *stakingTxHash,
		state:         l.state(),
		lookup:        l,
	}

	if l.useAPI() {
		if err := app.fillFromAPI(rd, l.api); err != nil {
			return nil, err
		}
	} else {
		rd.txs = delegationTxsFromStored(l.local)
		rd.unbondingTx = l.local.UnbondingTx
		rd.unbondingTime = l.local.UnbondingTime

		height := l.local.StakingTxHeight
		if height == 0 && l.api != nil {
			height = l.api.DelegationStaking.StartHeight
		}
		rd.params, err = app.paramsAt(height)
		if err != nil {
			return nil, NewServerError("failed to get babylon staking params", err)
		}
	}

	if l.local != nil && l.local.StakerAddress != "" {
		rd.stakerAddress, err = btcutil.DecodeAddress(l.local.StakerAddress, app.network)
		if err != nil {
			return nil, NewServerError("stored staker address is invalid", err)
		}
	} else {
		rd.stakerAddress, err = app.stakerAddressForPk(rd.txs.stakerPk)
		if err != nil {
			return nil, NewWalletError("staker key is not controlled by wallet", err)
		}
	}

	if rd.unbondingTime == 0 {
		rd.unbondingTime = rd.params.UnbondingTime
	}

	return rd, nil
}

func (app *App) fillFromAPI(rd *resolvedDelegation, d *stakingapi.Delegation) error {
	stakingTx, err := decodeTxHex(d.DelegationStaking.StakingTxHex)
	if err != nil || stakingTx == nil {
		return NewServerError("staking api returned invalid staking transaction", err)
	}

	stakerPk, err := ParseSchnorrPk(d.StakerBtcPkHex)
	if err != nil {
		return NewServerError("staking api returned invalid staker key", err)
	}

	fpPks, err := ParseFinalityProviderPks(d.FinalityProviderBtcPksHex)
	if err != nil {
		return NewServerError("staking api returned invalid finality provider keys", err)
	}

	stakingTime, err := ParseStakingTime(uint64(d.DelegationStaking.StakingTimelock))
	if err != nil {
		return NewServerError("staking api returned invalid staking time", err)
	}

	params, err := app.paramsAt(d.DelegationStaking.StartHeight)
	if err != nil {
		return NewServerError("failed to get babylon staking params", err)
	}

	stakingInfo, err := buildStakingInfo(
		stakerPk,
		fpPks,
		params,
		stakingTime,
		btcutil.Amount(d.DelegationStaking.StakingAmount),
		app.network,
	)
	if err != nil {
		return NewServerError("cannot rebuild staking output", err)
	}

	outputIdx, err := findOutputIdx(stakingTx, stakingInfo.StakingOutput.PkScript)
	if err != nil {
		return NewServerError("staking output does not match babylon params", err)
	}

	unbondingTx, err := decodeTxHex(d.DelegationUnbonding.UnbondingTx)
	if err != nil {
		return NewServerError("staking api returned invalid unbonding transaction", err)
	}

	rd.txs = &delegationTxs{
		stakerPk:    stakerPk,
		fpPks:       fpPks,
		stakingTime: stakingTime,
		stakingTx:   stakingTx,
		outputIdx:   outputIdx,
	}
	rd.params = params
	rd.unbondingTx = unbondingTx
	rd.unbondingTime = uint16(d.DelegationUnbonding.UnbondingTimelock)

	return nil
}

// recordSubmittedTx moves the delegation to an intermediate state after a
// transaction was broadcast, creating a local record when the api was the
// only source.
func (app *App) recordSubmittedTx(
	rd *resolvedDelegation,
	newState types.DelegationState,
	submittedTxHash chainhash.Hash,
) error {
	if rd.lookup.local != nil && types.CanTransition(rd.lookup.local.State, newState) {
		return app.store.SetDelegationTxSubmitted(&rd.stakingTxHash, newState, submittedTxHash)
	}

	if rd.lookup.local != nil {
		if err := app.store.RemoveDelegation(&rd.stakingTxHash); err != nil &&
			!errors.Is(err, stakingdb.ErrDelegationNotFound) {
			return err
		}
	}

	stored := &stakingdb.StoredDelegation{
		StakerPk:            rd.txs.stakerPk,
		StakerAddress:       rd.stakerAddress.EncodeAddress(),
		FinalityProviderPks: rd.txs.fpPks,
		StakingAmount:       rd.txs.stakingValue(),
		StakingTime:         rd.txs.stakingTime,
		StakingOutputIdx:    rd.txs.outputIdx,
		StakingTx:           rd.txs.stakingTx,
		UnbondingTx:         rd.unbondingTx,
		UnbondingTime:       rd.unbondingTime,
		State:               newState,
		SubmittedTxHash:     &submittedTxHash,
	}
	if rd.lookup.api != nil {
		stored.StakingTxHeight = rd.lookup.api.DelegationStaking.StartHeight
	}

	return app.store.AddDelegation(stored)
}
