package stakingapi

import (
	"fmt"
	"net/http"
)

// Finality provider states reported by the staking api.
const (
	FinalityProviderStateActive   = "FINALITY_PROVIDER_STATUS_ACTIVE"
	FinalityProviderStateInactive = "FINALITY_PROVIDER_STATUS_INACTIVE"
	FinalityProviderStateJailed   = "FINALITY_PROVIDER_STATUS_JAILED"
	FinalityProviderStateSlashed  = "FINALITY_PROVIDER_STATUS_SLASHED"
)

// APIError is returned for every non 2xx answer of the staking or mempool api.
type APIError struct {
	Endpoint   string
	StatusCode int
	Code       string `json:"errorCode"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s returned %d (%s): %s", e.Endpoint, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Endpoint, e.StatusCode, msg)
}

// NotFound reports whether the api did not know the requested resource.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// Pagination is attached to every listing response. Empty NextKey means last page.
type Pagination struct {
	NextKey string `json:"next_key"`
}

type dataResponse[T any] struct {
	Data       T          `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// StakingParams is one version of babylon staking parameters.
type StakingParams struct {
	Version                   uint32   `json:"version"`
	CovenantPks               []string `json:"covenant_pks"`
	CovenantQuorum            uint32   `json:"covenant_quorum"`
	MinStakingValueSat        int64    `json:"min_staking_value_sat"`
	MaxStakingValueSat        int64    `json:"max_staking_value_sat"`
	MinStakingTimeBlocks      uint32   `json:"min_staking_time_blocks"`
	MaxStakingTimeBlocks      uint32   `json:"max_staking_time_blocks"`
	SlashingPkScript          string   `json:"slashing_pk_script"`
	MinSlashingTxFeeSat       int64    `json:"min_slashing_tx_fee_sat"`
	SlashingRate              string   `json:"slashing_rate"`
	UnbondingTimeBlocks       uint32   `json:"unbonding_time_blocks"`
	UnbondingFeeSat           int64    `json:"unbonding_fee_sat"`
	MinCommissionRate         string   `json:"min_commission_rate"`
	MaxFinalityProviders      uint32   `json:"max_finality_providers"`
	BtcActivationHeight       uint32   `json:"btc_activation_height"`
	AllowListExpirationHeight uint64   `json:"allow_list_expiration_height"`
}

// CheckpointParams is one version of babylon btc checkpoint parameters.
type CheckpointParams struct {
	Version              uint32 `json:"version"`
	BtcConfirmationDepth uint32 `json:"btc_confirmation_depth"`
}

// NetworkInfo describes whether staking is open and which params are in force.
type NetworkInfo struct {
	StakingStatus struct {
		IsStakingOpen bool `json:"is_staking_open"`
	} `json:"staking_status"`
	Params struct {
		Bbn []StakingParams    `json:"bbn"`
		Btc []CheckpointParams `json:"btc"`
	} `json:"params"`
}

// LatestStakingParams returns the params with the highest version.
func (n *NetworkInfo) LatestStakingParams() (*StakingParams, error) {
	if len(n.Params.Bbn) == 0 {
		return nil, fmt.Errorf("network info contains no staking params")
	}
	latest := &n.Params.Bbn[0]
	for i := range n.Params.Bbn {
		if n.Params.Bbn[i].Version > latest.Version {
			latest = &n.Params.Bbn[i]
		}
	}
	return latest, nil
}

// StakingParamsForHeight returns the latest params activated at or before btcHeight.
func (n *NetworkInfo) StakingParamsForHeight(btcHeight uint32) (*StakingParams, error) {
	var found *StakingParams
	for i := range n.Params.Bbn {
		p := &n.Params.Bbn[i]
		if p.BtcActivationHeight > btcHeight {
			continue
		}
		if found == nil || p.BtcActivationHeight > found.BtcActivationHeight {
			found = p
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no staking params activated at btc height %d", btcHeight)
	}
	return found, nil
}

type FinalityProviderDescription struct {
	Moniker         string `json:"moniker"`
	Identity        string `json:"identity"`
	Website         string `json:"website"`
	SecurityContact string `json:"security_contact"`
	Details         string `json:"details"`
}

type FinalityProvider struct {
	BtcPk             string                      `json:"btc_pk"`
	State             string                      `json:"state"`
	Description       FinalityProviderDescription `json:"description"`
	Commission        string                      `json:"commission"`
	ActiveTvl         int64                       `json:"active_tvl"`
	ActiveDelegations int64                       `json:"active_delegations"`
}

// IsActive reports whether new delegations may be made to the provider.
func (fp *FinalityProvider) IsActive() bool {
	return fp.State == FinalityProviderStateActive
}

// FinalityProviderQuery filters GetFinalityProviders.
type FinalityProviderQuery struct {
	PaginationKey string
	Search        string
	Sort          string
}

type FinalityProvidersPage struct {
	FinalityProviders []FinalityProvider
	NextKey           string
}

type CovenantSignature struct {
	CovenantBtcPkHex string `json:"covenant_btc_pk_hex"`
	SignatureHex     string `json:"signature_hex"`
}

type DelegationSlashing struct {
	SlashingTxHex  string `json:"slashing_tx_hex"`
	SpendingHeight uint32 `json:"spending_height"`
}

type DelegationStaking struct {
	StakingTxHex       string             `json:"staking_tx_hex"`
	StakingTxHashHex   string             `json:"staking_tx_hash_hex"`
	StakingTimelock    uint32             `json:"staking_timelock"`
	StakingAmount      int64              `json:"staking_amount"`
	StartHeight        uint32             `json:"start_height"`
	EndHeight          uint32             `json:"end_height"`
	BbnInceptionHeight int64              `json:"bbn_inception_height"`
	BbnInceptionTime   string             `json:"bbn_inception_time"`
	Slashing           DelegationSlashing `json:"slashing"`
}

type UnbondingSlashing struct {
	UnbondingSlashingTxHex string `json:"unbonding_slashing_tx_hex"`
	SpendingHeight         uint32 `json:"spending_height"`
}

type DelegationUnbonding struct {
	UnbondingTimelock           uint32              `json:"unbonding_timelock"`
	UnbondingTx                 string              `json:"unbonding_tx"`
	CovenantUnbondingSignatures []CovenantSignature `json:"covenant_unbonding_signatures"`
	Slashing                    UnbondingSlashing   `json:"slashing"`
}

// Delegation is a delegation as indexed by the staking api.
type Delegation struct {
	StakingTxHashHex          string              `json:"staking_tx_hash_hex"`
	StakerBtcPkHex            string              `json:"staker_btc_pk_hex"`
	FinalityProviderBtcPksHex []string            `json:"finality_provider_btc_pks_hex"`
	ParamsVersion             uint32              `json:"params_version"`
	DelegationStaking         DelegationStaking   `json:"delegation_staking"`
	DelegationUnbonding       DelegationUnbonding `json:"delegation_unbonding"`
	State                     string              `json:"state"`
}

type DelegationsPage struct {
	Delegations []Delegation
	NextKey     string
}

type StakerStats struct {
	StakerPkHex          string `json:"staker_pk_hex"`
	ActiveTvl            int64  `json:"active_tvl"`
	ActiveDelegations    int64  `json:"active_delegations"`
	UnbondingTvl         int64  `json:"unbonding_tvl"`
	UnbondingDelegations int64  `json:"unbonding_delegations"`
	WithdrawableTvl      int64  `json:"withdrawable_tvl"`
	SlashedTvl           int64  `json:"slashed_tvl"`
}

// AddressScreening is the risk assessment of a btc address.
type AddressScreening struct {
	BtcAddress struct {
		Risk string `json:"risk"`
	} `json:"btc_address"`
}

// IsRisky reports whether the staking api flagged the address.
func (a *AddressScreening) IsRisky() bool {
	switch a.BtcAddress.Risk {
	case "high", "severe":
		return true
	default:
		return false
	}
}

// MempoolFees are recommended fee rates in sat/vB.
type MempoolFees struct {
	FastestFee  uint64 `json:"fastestFee"`
	HalfHourFee uint64 `json:"halfHourFee"`
	HourFee     uint64 `json:"hourFee"`
	EconomyFee  uint64 `json:"economyFee"`
	MinimumFee  uint64 `json:"minimumFee"`
}

type UTXOStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint32 `json:"block_height"`
}

// AddressUTXO is an unspent output as reported by the mempool api.
type AddressUTXO struct {
	TxID   string     `json:"txid"`
	Vout   uint32     `json:"vout"`
	Value  int64      `json:"value"`
	Status UTXOStatus `json:"status"`
}
