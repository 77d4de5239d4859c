// Package stakingapi is a client of the babylon staking api and of the
// mempool api used for fee estimates and utxo lookups.
package stakingapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingcfg"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	networkInfoPath       = "/v2/network-info"
	finalityProvidersPath = "/v2/finality-providers"
	delegationsPath       = "/v2/delegations"
	delegationPath        = "/v2/delegation"
	stakerStatsPath       = "/v2/staker/stats"
	pricesPath            = "/v2/prices"
	addressScreeningPath  = "/address/screening"

	retryWaitTime = 500 * time.Millisecond

	// upper bound of pages fetched when listing every delegation of a staker
	maxDelegationPages = 100
)

var (
	ErrFinalityProviderNotFound = errors.New("finality provider not found in staking api")
)

// StakingAPI is the subset of the staking api the staking flow depends on.
type StakingAPI interface {
	GetNetworkInfo(ctx context.Context) (*NetworkInfo, error)
	GetFinalityProviders(ctx context.Context, q FinalityProviderQuery) (*FinalityProvidersPage, error)
	GetFinalityProvider(ctx context.Context, fpPkHex string) (*FinalityProvider, error)
	GetDelegations(ctx context.Context, stakerPkHex string, paginationKey string) (*DelegationsPage, error)
	GetAllDelegations(ctx context.Context, stakerPkHex string) ([]Delegation, error)
	GetDelegation(ctx context.Context, stakingTxHashHex string) (*Delegation, error)
	GetStakerStats(ctx context.Context, stakerPkHex string) (*StakerStats, error)
	GetPrices(ctx context.Context) (map[string]float64, error)
	GetAddressScreening(ctx context.Context, btcAddress string) (*AddressScreening, error)
}

type restClient struct {
	http   *resty.Client
	cache  *bigcache.BigCache
	logger *logrus.Logger
}

func newRestClient(
	baseURL string,
	cfg *stakingcfg.StakingAPIConfig,
	cache *bigcache.BigCache,
	logger *logrus.Logger,
) *restClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(retryWaitTime).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})

	return &restClient{
		http:   httpClient,
		cache:  cache,
		logger: logger,
	}
}

func cacheKey(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

// get returns the raw body of a successful response. Cacheable responses are
// served from cache until their ttl expires.
func (c *restClient) get(ctx context.Context, path string, params url.Values, cacheable bool) ([]byte, error) {
	key := cacheKey(path, params)

	if cacheable && c.cache != nil {
		if body, err := c.cache.Get(key); err == nil {
			return body, nil
		}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		Get(path)
	if err != nil {
		return nil, errors.Wrapf(err, "request to %s failed", path)
	}

	if resp.IsError() {
		apiErr := &APIError{
			Endpoint:   path,
			StatusCode: resp.StatusCode(),
		}
		// body is optional, keep status only when it is not json
		_ = json.Unmarshal(resp.Body(), apiErr)

		c.logger.WithFields(logrus.Fields{
			"endpoint":   path,
			"statusCode": resp.StatusCode(),
			"errorCode":  apiErr.Code,
		}).Debug("Api request returned error")

		return nil, apiErr
	}

	body := resp.Body()

	if cacheable && c.cache != nil {
		if err := c.cache.Set(key, body); err != nil {
			c.logger.WithFields(logrus.Fields{
				"endpoint": path,
				"err":      err,
			}).Warn("Failed to cache api response")
		}
	}

	return body, nil
}

func getJSON[T any](ctx context.Context, c *restClient, path string, params url.Values, cacheable bool) (*T, error) {
	body, err := c.get(ctx, path, params, cacheable)
	if err != nil {
		return nil, err
	}

	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.WithMessagef(err, "failed to decode response of %s", path)
	}

	return &out, nil
}

// Client talks to the staking api.
type Client struct {
	*restClient
}

var _ StakingAPI = (*Client)(nil)

// NewCache creates the response cache shared by api clients.
func NewCache(ctx context.Context, ttl time.Duration) (*bigcache.BigCache, error) {
	cacheCfg := bigcache.DefaultConfig(ttl)
	cacheCfg.Shards = 16
	cacheCfg.MaxEntriesInWindow = 1024
	cacheCfg.CleanWindow = ttl
	cacheCfg.Verbose = false

	cache, err := bigcache.New(ctx, cacheCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create api cache")
	}

	return cache, nil
}

func NewClient(
	cfg *stakingcfg.StakingAPIConfig,
	cache *bigcache.BigCache,
	logger *logrus.Logger,
) *Client {
	return &Client{
		restClient: newRestClient(cfg.URL, cfg, cache, logger),
	}
}

// GetNetworkInfo returns staking status and every version of staking params.
func (c *Client) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	resp, err := getJSON[dataResponse[NetworkInfo]](ctx, c.restClient, networkInfoPath, nil, true)
	if err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

func (c *Client) GetFinalityProviders(ctx context.Context, q FinalityProviderQuery) (*FinalityProvidersPage, error) {
	params := url.Values{}
	if q.PaginationKey != "" {
		params.Set("pagination_key", q.PaginationKey)
	}
	if q.Search != "" {
		params.Set("search", q.Search)
	}
	if q.Sort != "" {
		params.Set("sort", q.Sort)
	}

	resp, err := getJSON[dataResponse[[]FinalityProvider]](ctx, c.restClient, finalityProvidersPath, params, false)
	if err != nil {
		return nil, err
	}

	return &FinalityProvidersPage{
		FinalityProviders: resp.Data,
		NextKey:           resp.Pagination.NextKey,
	}, nil
}

func (c *Client) GetFinalityProvider(ctx context.Context, fpPkHex string) (*FinalityProvider, error) {
	params := url.Values{}
	params.Set("finality_provider_pk", fpPkHex)

	resp, err := getJSON[dataResponse[[]FinalityProvider]](ctx, c.restClient, finalityProvidersPath, params, false)
	if err != nil {
		return nil, err
	}

	for i := range resp.Data {
		if resp.Data[i].BtcPk == fpPkHex {
			return &resp.Data[i], nil
		}
	}

	return nil, errors.Wrapf(ErrFinalityProviderNotFound, "key %s", fpPkHex)
}

func (c *Client) GetDelegations(ctx context.Context, stakerPkHex string, paginationKey string) (*DelegationsPage, error) {
	params := url.Values{}
	params.Set("staker_pk_hex", stakerPkHex)
	if paginationKey != "" {
		params.Set("pagination_key", paginationKey)
	}

	resp, err := getJSON[dataResponse[[]Delegation]](ctx, c.restClient, delegationsPath, params, false)
	if err != nil {
		return nil, err
	}

	return &DelegationsPage{
		Delegations: resp.Data,
		NextKey:     resp.Pagination.NextKey,
	}, nil
}

// GetAllDelegations follows pagination until the last page.
func (c *Client) GetAllDelegations(ctx context.Context, stakerPkHex string) ([]Delegation, error) {
	var (
		all []Delegation
		key string
	)

	for i := 0; i < maxDelegationPages; i++ {
		page, err := c.GetDelegations(ctx, stakerPkHex, key)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Delegations...)
		if page.NextKey == "" {
			return all, nil
		}
		key = page.NextKey
	}

	return nil, errors.Errorf("staker %s has more than %d pages of delegations", stakerPkHex, maxDelegationPages)
}

func (c *Client) GetDelegation(ctx context.Context, stakingTxHashHex string) (*Delegation, error) {
	params := url.Values{}
	params.Set("staking_tx_hash_hex", stakingTxHashHex)

	resp, err := getJSON[dataResponse[Delegation]](ctx, c.restClient, delegationPath, params, false)
	if err != nil {
		return nil, err
	}

	return &resp.Data, nil
}

func (c *Client) GetStakerStats(ctx context.Context, stakerPkHex string) (*StakerStats, error) {
	params := url.Values{}
	params.Set("staker_pk_hex", stakerPkHex)

	resp, err := getJSON[dataResponse[StakerStats]](ctx, c.restClient, stakerStatsPath, params, false)
	if err != nil {
		return nil, err
	}

	return &resp.Data, nil
}

// GetPrices returns usd prices keyed by symbol.
func (c *Client) GetPrices(ctx context.Context) (map[string]float64, error) {
	resp, err := getJSON[dataResponse[map[string]float64]](ctx, c.restClient, pricesPath, nil, true)
	if err != nil {
		return nil, err
	}

	return resp.Data, nil
}

func (c *Client) GetAddressScreening(ctx context.Context, btcAddress string) (*AddressScreening, error) {
	params := url.Values{}
	params.Set("btc_address", btcAddress)

	resp, err := getJSON[dataResponse[AddressScreening]](ctx, c.restClient, addressScreeningPath, params, false)
	if err != nil {
		return nil, err
	}

	return &resp.Data, nil
}
