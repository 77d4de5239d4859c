package staking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/babylonlabs-io/simple-staking-sub003/stakingapi"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingcfg"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/sirupsen/logrus"
)

const (
	// target confirmation of withdrawals is the next block
	confirmationTarget = 1

	mempoolFeeRequestTimeout = 10 * time.Second
)

// FeeEstimator prices the transactions the daemon builds itself, which are
// withdrawals. Staking and unbonding fees are chosen by the user.
type FeeEstimator interface {
	Start() error
	Stop() error
	EstimateFeePerKb() chainfee.SatPerKVByte
}

// feeBounds is the configured [min, max] range every estimate is clamped to.
type feeBounds struct {
	min, max chainfee.SatPerKVByte
}

func boundsFromConfig(cfg *stakingcfg.BtcNodeBackendConfig) feeBounds {
	return feeBounds{min: cfg.MinFeeRatePerKvB(), max: cfg.MaxFeeRatePerKvB()}
}

func (b feeBounds) clamp(logger *logrus.Logger, estimated chainfee.SatPerKVByte) chainfee.SatPerKVByte {
	rate := min(max(estimated, b.min), b.max)
	if rate != estimated {
		logger.WithFields(logrus.Fields{
			"estimated": estimated,
			"used":      rate,
		}).Debug("Fee estimate outside of configured range")
	}
	return rate
}

type noLifecycle struct{}

func (noLifecycle) Start() error { return nil }
func (noLifecycle) Stop() error  { return nil }

// StaticFeeEstimator always returns the same rate.
type StaticFeeEstimator struct {
	noLifecycle
	rate chainfee.SatPerKVByte
}

func NewStaticBtcFeeEstimator(rate chainfee.SatPerKVByte) *StaticFeeEstimator {
	return &StaticFeeEstimator{rate: rate}
}

func (e *StaticFeeEstimator) EstimateFeePerKb() chainfee.SatPerKVByte { return e.rate }

// NodeFeeEstimator asks the connected btc node.
type NodeFeeEstimator struct {
	estimator chainfee.Estimator
	bounds    feeBounds
	logger    *logrus.Logger
}

func nodeEstimator(cfg *stakingcfg.BtcNodeBackendConfig, maxRate chainfee.SatPerKWeight) (chainfee.Estimator, error) {
	switch cfg.ActiveNodeBackend {
	case types.BitcoindNodeBackend:
		return chainfee.NewBitcoindEstimator(rpcclient.ConnConfig{
			Host:                cfg.Bitcoind.RPCHost,
			User:                cfg.Bitcoind.RPCUser,
			Pass:                cfg.Bitcoind.RPCPass,
			DisableConnectOnNew: true,
			DisableTLS:          true,
			HTTPPostMode:        true,
		}, cfg.Bitcoind.EstimateMode, maxRate)

	case types.BtcdNodeBackend:
		cert, err := stakingcfg.LoadRPCCert(cfg.Btcd.RawRPCCert, cfg.Btcd.RPCCert)
		if err != nil {
			return nil, err
		}
		return chainfee.NewBtcdEstimator(rpcclient.ConnConfig{
			Host:                cfg.Btcd.RPCHost,
			Endpoint:            "ws",
			User:                cfg.Btcd.RPCUser,
			Pass:                cfg.Btcd.RPCPass,
			Certificates:        cert,
			DisableConnectOnNew: true,
		}, maxRate)
	}
	return nil, fmt.Errorf("no fee estimator for node backend %s", cfg.ActiveNodeBackend)
}

func NewNodeFeeEstimator(cfg *stakingcfg.BtcNodeBackendConfig, logger *logrus.Logger) (*NodeFeeEstimator, error) {
	bounds := boundsFromConfig(cfg)
	est, err := nodeEstimator(cfg, bounds.max.FeePerKWeight())
	if err != nil {
		return nil, err
	}
	return &NodeFeeEstimator{estimator: est, bounds: bounds, logger: logger}, nil
}

func (e *NodeFeeEstimator) Start() error { return e.estimator.Start() }
func (e *NodeFeeEstimator) Stop() error  { return e.estimator.Stop() }

// EstimateFeePerKb falls back to the max rate when the node cannot estimate.
func (e *NodeFeeEstimator) EstimateFeePerKb() chainfee.SatPerKVByte {
	fee, err := e.estimator.EstimateFeePerKW(confirmationTarget)
	if err != nil {
		e.logger.WithError(err).WithField("fallback", e.bounds.max).Warn("Btc node fee estimation failed")
		return e.bounds.max
	}
	return e.bounds.clamp(e.logger, fee.FeePerKVByte())
}

// MempoolFeeEstimator uses the default of the mempool derived fee rates and
// remembers the last answer for when the api is down.
type MempoolFeeEstimator struct {
	noLifecycle
	api    stakingapi.MempoolAPI
	bounds feeBounds
	logger *logrus.Logger

	mu   sync.Mutex
	last chainfee.SatPerKVByte
}

func NewMempoolFeeEstimator(api stakingapi.MempoolAPI, minRate, maxRate chainfee.SatPerKVByte, logger *logrus.Logger) *MempoolFeeEstimator {
	return &MempoolFeeEstimator{api: api, bounds: feeBounds{min: minRate, max: maxRate}, logger: logger}
}

func (e *MempoolFeeEstimator) EstimateFeePerKb() chainfee.SatPerKVByte {
	ctx, cancel := context.WithTimeout(context.Background(), mempoolFeeRequestTimeout)
	defer cancel()
	fees, err := e.api.GetNetworkFees(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		if e.last == 0 {
			e.last = e.bounds.max
		}
		e.logger.WithError(err).WithField("fallback", e.last).Warn("Mempool fee rates unavailable")
		return e.last
	}

	e.last = e.bounds.clamp(e.logger, SatPerVByteToKVByte(FeeRatesFromMempool(fees).Default))
	return e.last
}

// NewFeeEstimator builds the estimator selected by the fee mode.
func NewFeeEstimator(
	cfg *stakingcfg.BtcNodeBackendConfig,
	mempool stakingapi.MempoolAPI,
	logger *logrus.Logger,
) (FeeEstimator, error) {
	switch cfg.EstimationMode {
	case types.StaticFeeEstimation:
		return NewStaticBtcFeeEstimator(cfg.MaxFeeRatePerKvB()), nil
	case types.DynamicFeeEstimation:
		est, err := NewNodeFeeEstimator(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("creating node fee estimator: %w", err)
		}
		return est, nil
	case types.MempoolFeeEstimation:
		b := boundsFromConfig(cfg)
		return NewMempoolFeeEstimator(mempool, b.min, b.max, logger), nil
	}
	return nil, fmt.Errorf("unsupported fee estimation mode %s", cfg.EstimationMode)
}
