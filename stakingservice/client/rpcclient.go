package client

import (
	"context"
	"net/url"

	"github.com/babylonlabs-io/simple-staking-sub003/staking"
	service "github.com/babylonlabs-io/simple-staking-sub003/stakingservice"
	jsonrpcclient "github.com/cometbft/cometbft/rpc/jsonrpc/client"
)

// StakingServiceJSONRPCClient calls the staking daemon json-rpc routes.
type StakingServiceJSONRPCClient struct {
	client *jsonrpcclient.Client
}

// StakingArgs are the arguments of the staking routes.
type StakingArgs struct {
	StakerAddress     string
	StakingAmount     int64
	FpBtcPks          []string
	StakingTimeBlocks int64
	// sat/vB
	FeeRate int64
}

func (a *StakingArgs) params() map[string]interface{} {
	return map[string]interface{}{
		"stakerAddress":     a.StakerAddress,
		"stakingAmount":     a.StakingAmount,
		"fpBtcPks":          a.FpBtcPks,
		"stakingTimeBlocks": a.StakingTimeBlocks,
		"feeRate":           a.FeeRate,
	}
}

func NewStakingServiceJSONRPCClient(remoteAddress string) (*StakingServiceJSONRPCClient, error) {
	client, err := jsonrpcclient.New(remoteAddress)
	if err != nil {
		return nil, err
	}

	return &StakingServiceJSONRPCClient{
		client: client,
	}, nil
}

// AddressWithBasicAuth embeds the credentials in remoteAddress, the json-rpc
// client sends them as basic auth with every call.
func AddressWithBasicAuth(remoteAddress, user, pwd string) (string, error) {
	u, err := url.Parse(remoteAddress)
	if err != nil {
		return "", err
	}
	u.User = url.UserPassword(user, pwd)
	return u.String(), nil
}

func call[T any](ctx context.Context, c *StakingServiceJSONRPCClient, method string, params map[string]interface{}) (*T, error) {
	result := new(T)
	if params == nil {
		params = map[string]interface{}{}
	}
	if _, err := c.client.Call(ctx, method, params, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *StakingServiceJSONRPCClient) Health(ctx context.Context) (*service.ResultHealth, error) {
	return call[service.ResultHealth](ctx, c, "health", nil)
}

func (c *StakingServiceJSONRPCClient) NetworkParams(ctx context.Context) (*service.NetworkParamsResponse, error) {
	return call[service.NetworkParamsResponse](ctx, c, "network_params", nil)
}

func (c *StakingServiceJSONRPCClient) FeeRates(ctx context.Context) (*service.FeeRatesResponse, error) {
	return call[service.FeeRatesResponse](ctx, c, "fee_rates", nil)
}

func (c *StakingServiceJSONRPCClient) Prices(ctx context.Context) (*service.PricesResponse, error) {
	return call[service.PricesResponse](ctx, c, "prices", nil)
}

func (c *StakingServiceJSONRPCClient) FinalityProviders(
	ctx context.Context,
	paginationKey, search, sort string,
) (*service.FinalityProvidersResponse, error) {
	return call[service.FinalityProvidersResponse](ctx, c, "finality_providers", map[string]interface{}{
		"paginationKey": paginationKey,
		"search":        search,
		"sort":          sort,
	})
}

func (c *StakingServiceJSONRPCClient) ValidateStakingInput(ctx context.Context, args *StakingArgs) (*service.ValidationResponse, error) {
	return call[service.ValidationResponse](ctx, c, "validate_staking_input", args.params())
}

func (c *StakingServiceJSONRPCClient) CreateEOI(ctx context.Context, args *StakingArgs) (*service.EOIResponse, error) {
	return call[service.EOIResponse](ctx, c, "create_eoi", args.params())
}

func (c *StakingServiceJSONRPCClient) Stake(ctx context.Context, args *StakingArgs) (*service.ResultTxHash, error) {
	return call[service.ResultTxHash](ctx, c, "stake", args.params())
}

func (c *StakingServiceJSONRPCClient) SubmitStakingTx(ctx context.Context, stakingTxHash string) (*service.ResultTxHash, error) {
	return call[service.ResultTxHash](ctx, c, "submit_staking_tx", map[string]interface{}{
		"stakingTxHash": stakingTxHash,
	})
}

func (c *StakingServiceJSONRPCClient) RegisterPhase1Delegation(
	ctx context.Context,
	stakerAddress, stakingTxHash string,
) (*service.EOIResponse, error) {
	return call[service.EOIResponse](ctx, c, "register_phase1_delegation", map[string]interface{}{
		"stakerAddress": stakerAddress,
		"stakingTxHash": stakingTxHash,
	})
}

func (c *StakingServiceJSONRPCClient) Unbond(ctx context.Context, stakingTxHash string) (*service.ResultTxHash, error) {
	return call[service.ResultTxHash](ctx, c, "unbond", map[string]interface{}{
		"stakingTxHash": stakingTxHash,
	})
}

func (c *StakingServiceJSONRPCClient) Withdraw(ctx context.Context, stakingTxHash string) (*service.ResultTxHash, error) {
	return call[service.ResultTxHash](ctx, c, "withdraw", map[string]interface{}{
		"stakingTxHash": stakingTxHash,
	})
}

func (c *StakingServiceJSONRPCClient) Delegations(ctx context.Context, stakerPk string) (*service.DelegationsResponse, error) {
	return call[service.DelegationsResponse](ctx, c, "delegations", map[string]interface{}{
		"stakerPk": stakerPk,
	})
}

func (c *StakingServiceJSONRPCClient) Delegation(ctx context.Context, stakingTxHash string) (*staking.DelegationView, error) {
	return call[staking.DelegationView](ctx, c, "delegation", map[string]interface{}{
		"stakingTxHash": stakingTxHash,
	})
}

func (c *StakingServiceJSONRPCClient) PendingDelegations(ctx context.Context, offset, limit *int) (*service.PendingDelegationsResponse, error) {
	params := make(map[string]interface{})

	if limit != nil {
		params["limit"] = limit
	}

	if offset != nil {
		params["offset"] = offset
	}

	return call[service.PendingDelegationsResponse](ctx, c, "pending_delegations", params)
}

func (c *StakingServiceJSONRPCClient) StakerStats(ctx context.Context, stakerPk string) (*service.StakerStatsResponse, error) {
	return call[service.StakerStatsResponse](ctx, c, "staker_stats", map[string]interface{}{
		"stakerPk": stakerPk,
	})
}

func (c *StakingServiceJSONRPCClient) ListOutputs(ctx context.Context) (*service.OutputsResponse, error) {
	return call[service.OutputsResponse](ctx, c, "list_outputs", nil)
}

func (c *StakingServiceJSONRPCClient) BtcTxDetails(ctx context.Context, txHash string) (*service.BtcTxAndBlockResponse, error) {
	return call[service.BtcTxAndBlockResponse](ctx, c, "btc_tx_blk_details", map[string]interface{}{
		"txHashStr": txHash,
	})
}
