package stakingapi_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/babylonlabs-io/simple-staking-sub003/stakingapi"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingcfg"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testAPIConfig(url string) *stakingcfg.StakingAPIConfig {
	return &stakingcfg.StakingAPIConfig{
		URL:        url,
		MempoolURL: url,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		CacheTTL:   time.Minute,
	}
}

func newTestClients(t *testing.T, h http.Handler) (*stakingapi.Client, *stakingapi.MempoolClient) {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cache, err := stakingapi.NewCache(ctx, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	cfg := testAPIConfig(srv.URL)
	logger := logrus.New()
	return stakingapi.NewClient(cfg, cache, logger), stakingapi.NewMempoolClient(cfg, cache, logger)
}

func TestNetworkInfoIsCached(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/network-info", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"data":{"staking_status":{"is_staking_open":true},"params":{"bbn":[
			{"version":0,"btc_activation_height":100,"min_staking_value_sat":10000},
			{"version":1,"btc_activation_height":200,"min_staking_value_sat":50000}],
			"btc":[{"version":0,"btc_confirmation_depth":10}]}}}`)
	})
	client, _ := newTestClients(t, mux)

	info, err := client.GetNetworkInfo(context.Background())
	require.NoError(t, err)
	require.True(t, info.StakingStatus.IsStakingOpen)
	require.Len(t, info.Params.Bbn, 2)

	_, err = client.GetNetworkInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	latest, err := info.LatestStakingParams()
	require.NoError(t, err)
	require.Equal(t, uint32(1), latest.Version)

	p, err := info.StakingParamsForHeight(150)
	require.NoError(t, err)
	require.Equal(t, int64(10000), p.MinStakingValueSat)

	_, err = info.StakingParamsForHeight(99)
	require.Error(t, err)
}

func TestDelegationsFollowPagination(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/delegations", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("staker_pk_hex") != "abcd" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.URL.Query().Get("pagination_key") {
		case "":
			fmt.Fprint(w, `{"data":[{"staking_tx_hash_hex":"01","state":"ACTIVE"}],"pagination":{"next_key":"p2"}}`)
		case "p2":
			fmt.Fprint(w, `{"data":[{"staking_tx_hash_hex":"02","state":"PENDING"}],"pagination":{"next_key":""}}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	client, _ := newTestClients(t, mux)

	dels, err := client.GetAllDelegations(context.Background(), "abcd")
	require.NoError(t, err)
	require.Len(t, dels, 2)
	require.Equal(t, "02", dels[1].StakingTxHashHex)
	require.Equal(t, "PENDING", dels[1].State)
}

func TestAPIErrorMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/delegation", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errorCode":"NOT_FOUND","message":"delegation not found"}`)
	})
	client, _ := newTestClients(t, mux)

	_, err := client.GetDelegation(context.Background(), "ff")
	require.Error(t, err)

	var apiErr *stakingapi.APIError
	require.True(t, errors.As(err, &apiErr))
	require.True(t, apiErr.NotFound())
	require.Equal(t, "NOT_FOUND", apiErr.Code)
	require.Contains(t, apiErr.Error(), "delegation not found")
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/staker/stats", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"data":{"staker_pk_hex":"aa","active_tvl":5000,"active_delegations":1}}`)
	})
	client, _ := newTestClients(t, mux)

	stats, err := client.GetStakerStats(context.Background(), "aa")
	require.NoError(t, err)
	require.Equal(t, int64(5000), stats.ActiveTvl)
	require.Equal(t, int32(2), calls.Load())
}

func TestFinalityProviderLookup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/finality-providers", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("finality_provider_pk") == "aa" {
			fmt.Fprint(w, `{"data":[{"btc_pk":"aa","state":"FINALITY_PROVIDER_STATUS_ACTIVE","description":{"moniker":"fp"}}]}`)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	})
	client, _ := newTestClients(t, mux)

	fp, err := client.GetFinalityProvider(context.Background(), "aa")
	require.NoError(t, err)
	require.True(t, fp.IsActive())
	require.Equal(t, "fp", fp.Description.Moniker)

	_, err = client.GetFinalityProvider(context.Background(), "bb")
	require.ErrorIs(t, err, stakingapi.ErrFinalityProviderNotFound)
}

func TestAddressScreening(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/address/screening", func(w http.ResponseWriter, r *http.Request) {
		risk := "low"
		if r.URL.Query().Get("btc_address") == "bad" {
			risk = "severe"
		}
		fmt.Fprintf(w, `{"data":{"btc_address":{"risk":%q}}}`, risk)
	})
	client, _ := newTestClients(t, mux)

	s, err := client.GetAddressScreening(context.Background(), "good")
	require.NoError(t, err)
	require.False(t, s.IsRisky())

	s, err = client.GetAddressScreening(context.Background(), "bad")
	require.NoError(t, err)
	require.True(t, s.IsRisky())
}

func TestMempoolClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/fees/recommended", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"fastestFee":12,"halfHourFee":8,"hourFee":5,"economyFee":3,"minimumFee":1}`)
	})
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "840000\n")
	})
	mux.HandleFunc("/address/tb1qtest/utxo", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[{"txid":"aa","vout":1,"value":1000,"status":{"confirmed":true,"block_height":10}}]`)
	})
	_, mempool := newTestClients(t, mux)

	fees, err := mempool.GetNetworkFees(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(12), fees.FastestFee)
	require.Equal(t, uint64(5), fees.HourFee)

	tip, err := mempool.GetTipHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(840000), tip)

	utxos, err := mempool.GetAddressUTXOs(context.Background(), "tb1qtest")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.True(t, utxos[0].Status.Confirmed)
}
