package stakingapi

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/allegro/bigcache/v3"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingcfg"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	recommendedFeesPath = "/v1/fees/recommended"
	tipHeightPath       = "/blocks/tip/height"
)

// MempoolAPI serves fee recommendations and chain data from a mempool.space
// compatible api.
type MempoolAPI interface {
	GetNetworkFees(ctx context.Context) (*MempoolFees, error)
	GetTipHeight(ctx context.Context) (uint32, error)
	GetAddressUTXOs(ctx context.Context, address string) ([]AddressUTXO, error)
}

type MempoolClient struct {
	*restClient
}

var _ MempoolAPI = (*MempoolClient)(nil)

func NewMempoolClient(
	cfg *stakingcfg.StakingAPIConfig,
	cache *bigcache.BigCache,
	logger *logrus.Logger,
) *MempoolClient {
	return &MempoolClient{
		restClient: newRestClient(cfg.MempoolURL, cfg, cache, logger),
	}
}

// GetNetworkFees returns recommended fee rates. Responses are cached.
func (c *MempoolClient) GetNetworkFees(ctx context.Context) (*MempoolFees, error) {
	return getJSON[MempoolFees](ctx, c.restClient, recommendedFeesPath, nil, true)
}

// GetTipHeight returns the height of the best known block.
func (c *MempoolClient) GetTipHeight(ctx context.Context) (uint32, error) {
	body, err := c.get(ctx, tipHeightPath, nil, false)
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 32)
	if err != nil {
		return 0, errors.WithMessage(err, "invalid tip height returned by mempool api")
	}

	return uint32(height), nil
}

func (c *MempoolClient) GetAddressUTXOs(ctx context.Context, address string) ([]AddressUTXO, error) {
	path := fmt.Sprintf("/address/%s/utxo", address)

	utxos, err := getJSON[[]AddressUTXO](ctx, c.restClient, path, nil, false)
	if err != nil {
		return nil, err
	}

	return *utxos, nil
}
