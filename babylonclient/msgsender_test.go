package babylonclient

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/babylonlabs-io/babylon/testutil/datagen"
	btcstypes "github.com/babylonlabs-io/babylon/x/btcstaking/types"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestMsgSenderSendsPreApprovalDelegation(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	mock := GetMockClient()
	sender := NewBabylonMsgSender(mock, logrus.New(), 2)
	defer sender.Stop()

	dg := genDelegationData(t, r)
	resp, err := sender.SendDelegation(context.Background(), dg, 10)
	require.NoError(t, err)
	require.Equal(t, uint32(0), resp.Code)

	select {
	case msg := <-mock.SentMessages:
		require.IsType(t, &btcstypes.MsgCreateBTCDelegation{}, msg)
	default:
		t.Fatalf("delegation message was not sent")
	}

	hash := dg.StakingTransaction.TxHash()
	info, err := mock.QueryBTCDelegation(&hash)
	require.NoError(t, err)
	require.Equal(t, BabylonStatusPending, info.Status)
}

func TestMsgSenderWaitsForLightClient(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	mock := GetMockClient()
	mock.SetHeaderDepth(1)
	sender := NewBabylonMsgSender(mock, logrus.New(), 1)
	defer sender.Stop()

	dg := genDelegationData(t, r)
	blockHash := datagen.GenRandomBtcdHash(r)
	dg.Inclusion = &InclusionInfo{BlockHash: &blockHash}

	_, err := sender.SendDelegation(context.Background(), dg, 2)
	require.ErrorIs(t, err, ErrBabylonBtcLightClientNotReady)

	mock.SetHeaderDepth(2)
	_, err = sender.SendDelegation(context.Background(), dg, 2)
	require.NoError(t, err)
}

func TestMsgSenderRejectsAfterStop(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	sender := NewBabylonMsgSender(GetMockClient(), logrus.New(), 1)
	sender.Stop()

	_, err := sender.SendDelegation(context.Background(), genDelegationData(t, r), 0)
	require.ErrorIs(t, err, ErrMsgSenderStopped)
}

func TestMsgSenderHonoursContext(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	sender := NewBabylonMsgSender(GetMockClient(), logrus.New(), 1)
	defer sender.Stop()

	// hold the only slot
	require.NoError(t, sender.sem.Acquire(context.Background(), 1))
	defer sender.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sender.SendDelegation(ctx, genDelegationData(t, r), 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockDelegationNotFound(t *testing.T) {
	mock := GetMockClient()
	_, err := mock.QueryBTCDelegation(&chainhash.Hash{})
	require.ErrorIs(t, err, ErrDelegationNotFound)
}
