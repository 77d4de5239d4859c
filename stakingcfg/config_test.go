package stakingcfg_test

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/babylonlabs-io/simple-staking-sub003/stakingcfg"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) stakingcfg.Config {
	dir := t.TempDir()
	cfg := stakingcfg.DefaultConfig()
	cfg.StakingdDir = dir
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.DBConfig.DBPath = filepath.Join(dir, "data")
	return cfg
}

func TestValidateDefaultConfig(t *testing.T) {
	cfg, err := stakingcfg.ValidateConfig(testConfig(t))
	require.NoError(t, err)

	require.Equal(t, "signet", cfg.ActiveNetParams.Name)
	require.Equal(t, types.StaticFeeEstimation, cfg.BtcNodeBackendConfig.EstimationMode)
	require.Equal(t, types.BitcoindWalletBackend, cfg.BtcNodeBackendConfig.ActiveWalletBackend)
	require.Len(t, cfg.RPCListeners, 1)
	require.Equal(t, "127.0.0.1:15812", cfg.RPCListeners[0].String())
	require.EqualValues(t, 2000, cfg.BtcNodeBackendConfig.MinFeeRatePerKvB())
}

func TestValidateConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *stakingcfg.Config)
	}{
		{"unknown network", func(cfg *stakingcfg.Config) { cfg.ChainConfig.Network = "foo" }},
		{"unknown fee mode", func(cfg *stakingcfg.Config) { cfg.BtcNodeBackendConfig.FeeMode = "foo" }},
		{"inverted fee bounds", func(cfg *stakingcfg.Config) {
			cfg.BtcNodeBackendConfig.MinFeeRate = 10
			cfg.BtcNodeBackendConfig.MaxFeeRate = 5
		}},
		{"zero min fee", func(cfg *stakingcfg.Config) { cfg.BtcNodeBackendConfig.MinFeeRate = 0 }},
		{"no api url", func(cfg *stakingcfg.Config) { cfg.StakingAPIConfig.URL = "" }},
		{"timeout below poll interval", func(cfg *stakingcfg.Config) {
			cfg.StakingConfig.VerificationTimeout = time.Second
		}},
		{"bad metrics host", func(cfg *stakingcfg.Config) { cfg.MetricsConfig.Host = "not-an-ip" }},
		{"bad listener", func(cfg *stakingcfg.Config) { cfg.RawRPCListeners = []string{"udp://127.0.0.1:1"} }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)
			_, err := stakingcfg.ValidateConfig(cfg)
			require.Error(t, err)
		})
	}
}

func TestNormalizeAddresses(t *testing.T) {
	addrs, err := stakingcfg.NormalizeAddresses([]string{
		"tcp://127.0.0.1:1000",
		"127.0.0.1:1000",
		"2000",
	}, "15812")
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	require.Equal(t, "127.0.0.1:1000", addrs[0].String())
}

func TestNewRootLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := stakingcfg.NewRootLogger("json", "debug", &buf)
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("stakingTxHash", "abc").Info("hello")
	require.Contains(t, buf.String(), `"stakingTxHash":"abc"`)

	_, err = stakingcfg.NewRootLogger("yaml", "debug", &buf)
	require.Error(t, err)
}

func TestLoadRPCCert(t *testing.T) {
	pem := []byte("-----BEGIN CERTIFICATE-----\nabc\n-----END CERTIFICATE-----\n")

	got, err := stakingcfg.LoadRPCCert(hex.EncodeToString(pem), "")
	require.NoError(t, err)
	require.Equal(t, pem, got)

	path := filepath.Join(t.TempDir(), "rpc.cert")
	require.NoError(t, os.WriteFile(path, pem, 0o600))
	got, err = stakingcfg.LoadRPCCert("", path)
	require.NoError(t, err)
	require.Equal(t, pem, got)

	_, err = stakingcfg.LoadRPCCert("zz", path)
	require.Error(t, err)

	_, err = stakingcfg.LoadRPCCert("", "")
	require.Error(t, err)
}
