package stakingservice

import (
	"github.com/babylonlabs-io/simple-staking-sub003/staking"
	"github.com/btcsuite/btcd/btcjson"
)

// ResultHealth represents the empty response for the health RPC.
type ResultHealth struct{}

// NetworkParamsResponse is the babylon params in force and whether staking
// is open.
type NetworkParamsResponse struct {
	StakingOpen          bool     `json:"staking_open"`
	CovenantPksHex       []string `json:"covenant_pks_hex"`
	CovenantQuorum       uint32   `json:"covenant_quorum"`
	MinStakingValue      int64    `json:"min_staking_value"`
	MaxStakingValue      int64    `json:"max_staking_value"`
	MinStakingTimeBlocks uint16   `json:"min_staking_time_blocks"`
	MaxStakingTimeBlocks uint16   `json:"max_staking_time_blocks"`
	UnbondingTimeBlocks  uint16   `json:"unbonding_time_blocks"`
	UnbondingFee         int64    `json:"unbonding_fee"`
	ConfirmationDepth    uint32   `json:"confirmation_depth"`
}

// FeeRatesResponse holds the selectable fee rates in sat/vB.
type FeeRatesResponse struct {
	staking.FeeRates
}

// ValidationResponse lists every rejected field of a staking input.
type ValidationResponse struct {
	Valid  bool                 `json:"valid"`
	Errors []staking.FieldError `json:"errors,omitempty"`
	// sats, zero when the fee could not be estimated
	EstimatedFee int64 `json:"estimated_fee"`
}

// EOIResponse describes a delegation registered on babylon.
type EOIResponse struct {
	StakingTxHash    string `json:"staking_tx_hash"`
	StakingTxHex     string `json:"staking_tx_hex"`
	StakingOutputIdx uint32 `json:"staking_output_idx"`
	UnbondingTxHex   string `json:"unbonding_tx_hex"`
	BabylonTxHash    string `json:"babylon_tx_hash"`
	Fee              int64  `json:"fee"`
	State            string `json:"state"`
}

// ResultTxHash wraps the hash of a broadcast btc transaction.
type ResultTxHash struct {
	TxHash string `json:"tx_hash"`
}

// DelegationsResponse is a merged list of delegations of one staker.
type DelegationsResponse struct {
	Delegations []staking.DelegationView `json:"delegations"`
}

// PendingDelegationsResponse is a page of local delegation records.
type PendingDelegationsResponse struct {
	Delegations []staking.DelegationView `json:"delegations"`
	Total       uint64                   `json:"total"`
}

// OutputDetail describes a wallet output and its address.
type OutputDetail struct {
	Amount  string `json:"amount"`
	Address string `json:"address"`
	Dust    bool   `json:"dust"`
}

// OutputsResponse contains the wallet outputs and the spendable balance.
type OutputsResponse struct {
	Outputs          []OutputDetail `json:"outputs"`
	SpendableBalance int64          `json:"spendable_balance"`
}

// FinalityProviderInfoResponse is a finality provider listed by the staking api.
type FinalityProviderInfoResponse struct {
	BtcPublicKey      string `json:"btc_pk"`
	Moniker           string `json:"moniker"`
	State             string `json:"state"`
	Commission        string `json:"commission"`
	ActiveTvl         int64  `json:"active_tvl"`
	ActiveDelegations int64  `json:"active_delegations"`
}

// FinalityProvidersResponse is a page of finality providers.
type FinalityProvidersResponse struct {
	FinalityProviders []FinalityProviderInfoResponse `json:"finality_providers"`
	NextKey           string                         `json:"next_key"`
}

// StakerStatsResponse is the staking api totals of a staker.
type StakerStatsResponse struct {
	ActiveTvl            int64 `json:"active_tvl"`
	ActiveDelegations    int64 `json:"active_delegations"`
	UnbondingTvl         int64 `json:"unbonding_tvl"`
	UnbondingDelegations int64 `json:"unbonding_delegations"`
	WithdrawableTvl      int64 `json:"withdrawable_tvl"`
	SlashedTvl           int64 `json:"slashed_tvl"`
}

// PricesResponse holds usd prices keyed by symbol.
type PricesResponse struct {
	Prices map[string]float64 `json:"prices"`
}

// BtcTxAndBlockResponse bundles a BTC transaction with its containing block header.
type BtcTxAndBlockResponse struct {
	Tx  *btcjson.TxRawResult                 `json:"tx"`
	Blk *btcjson.GetBlockHeaderVerboseResult `json:"blk"`
}
