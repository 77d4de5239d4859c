package metrics_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/babylonlabs-io/simple-staking-sub003/metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewStakingMetrics()
	metrics.RegisterRuntimeCollectors(m.Registry)
	m.EOICreatedCounter.Inc()
	m.EOIFailedCounter.WithLabelValues("WALLET").Inc()
	m.PendingDelegationsGauge.Set(3)

	srv := httptest.NewServer(metrics.Handler(m.Registry))
	defer srv.Close()

	code, body := get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "staking_eoi_created_total 1")
	require.Contains(t, body, `staking_eoi_failed_total{type="WALLET"} 1`)
	require.Contains(t, body, "staking_pending_delegations 3")
	require.Contains(t, body, "go_goroutines")
}

func TestServeStopsWithContext(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- metrics.Serve(ctx, logrus.New(), "metrics", addr, metrics.Handler(metrics.NewStakingMetrics().Registry))
	}()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
