package staking_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/babylonlabs-io/babylon/testutil/datagen"
	"github.com/babylonlabs-io/simple-staking-sub003/staking"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingapi"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingdb"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func localDelegation(t *testing.T, r *rand.Rand, state types.DelegationState) stakingdb.StoredDelegation {
	tx := datagen.GenRandomTx(r)
	return stakingdb.StoredDelegation{
		StakingTxHash:       tx.TxHash(),
		StakerPk:            randomPk(t, r),
		FinalityProviderPks: []*btcec.PublicKey{randomPk(t, r)},
		StakingAmount:       100_000,
		StakingTime:         1000,
		StakingTx:           tx,
		State:               state,
	}
}

func apiDelegation(hashHex string, state types.DelegationState) stakingapi.Delegation {
	return stakingapi.Delegation{
		StakingTxHashHex: hashHex,
		State:            state.String(),
	}
}

func TestMergeKeepsLocalUntilApiCatchesUp(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	pendingBtc := localDelegation(t, r, types.DelegationStateIntermediatePendingBtcConfirmation)
	unbonding := localDelegation(t, r, types.DelegationStateIntermediateUnbondingSubmitted)
	onlyLocal := localDelegation(t, r, types.DelegationStateIntermediatePendingVerification)

	api := []stakingapi.Delegation{
		// api still reports verified, local record is further along
		apiDelegation(pendingBtc.StakingTxHash.String(), types.DelegationStateVerified),
		// api caught up with the unbonding
		apiDelegation(unbonding.StakingTxHash.String(), types.DelegationStateEarlyUnbonding),
		apiDelegation(datagen.GenRandomBtcdHash(r).String(), types.DelegationStateActive),
	}

	merged, resolved := staking.MergeDelegations(api, []stakingdb.StoredDelegation{pendingBtc, unbonding, onlyLocal})
	require.Len(t, merged, 4)

	require.Equal(t, types.DelegationStateIntermediatePendingBtcConfirmation, merged[0].State)
	require.True(t, merged[0].Local)

	require.Equal(t, types.DelegationStateEarlyUnbonding, merged[1].State)
	require.False(t, merged[1].Local)

	require.Equal(t, types.DelegationStateActive, merged[2].State)
	require.False(t, merged[2].Local)

	require.Equal(t, onlyLocal.StakingTxHash.String(), merged[3].StakingTxHashHex)
	require.True(t, merged[3].Local)

	require.Len(t, resolved, 1)
	require.Equal(t, unbonding.StakingTxHash, resolved[0])
}

func TestMergeEqualRankResolves(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	verified := localDelegation(t, r, types.DelegationStateVerified)

	merged, resolved := staking.MergeDelegations(
		[]stakingapi.Delegation{apiDelegation(verified.StakingTxHash.String(), types.DelegationStateVerified)},
		[]stakingdb.StoredDelegation{verified},
	)

	require.Len(t, merged, 1)
	require.False(t, merged[0].Local)
	require.Len(t, resolved, 1)
	require.Equal(t, verified.StakingTxHash, resolved[0])
}

func TestMergeEmpty(t *testing.T) {
	merged, resolved := staking.MergeDelegations(nil, nil)
	require.Empty(t, merged)
	require.Empty(t, resolved)
}
