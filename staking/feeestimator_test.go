package staking_test

import (
	"context"
	"errors"
	"testing"

	"github.com/babylonlabs-io/simple-staking-sub003/staking"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingapi"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type flakyMempool struct {
	fakeMempool
	fees *stakingapi.MempoolFees
	err  error
}

func (m *flakyMempool) GetNetworkFees(context.Context) (*stakingapi.MempoolFees, error) {
	return m.fees, m.err
}

func TestMempoolFeeEstimator(t *testing.T) {
	api := &flakyMempool{err: errors.New("down")}
	est := staking.NewMempoolFeeEstimator(api, chainfee.SatPerKVByte(2000), chainfee.SatPerKVByte(50_000), logrus.New())

	// nothing cached yet
	require.Equal(t, chainfee.SatPerKVByte(50_000), est.EstimateFeePerKb())

	api.fees, api.err = &stakingapi.MempoolFees{FastestFee: 12, HourFee: 3}, nil
	require.Equal(t, chainfee.SatPerKVByte(12_000), est.EstimateFeePerKb())

	api.err = errors.New("down again")
	require.Equal(t, chainfee.SatPerKVByte(12_000), est.EstimateFeePerKb())

	api.fees, api.err = &stakingapi.MempoolFees{FastestFee: 900, HourFee: 3}, nil
	require.Equal(t, chainfee.SatPerKVByte(50_000), est.EstimateFeePerKb())
}

func TestStaticFeeEstimator(t *testing.T) {
	est := staking.NewStaticBtcFeeEstimator(chainfee.SatPerKVByte(3000))
	require.NoError(t, est.Start())
	require.Equal(t, chainfee.SatPerKVByte(3000), est.EstimateFeePerKb())
	require.NoError(t, est.Stop())
}
