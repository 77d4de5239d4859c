package types_test

import (
	"testing"

	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/stretchr/testify/require"
)

func TestParseDelegationState(t *testing.T) {
	st, err := types.ParseDelegationState("ACTIVE")
	require.NoError(t, err)
	require.Equal(t, types.DelegationStateActive, st)

	st, err = types.ParseDelegationState("INTERMEDIATE_PENDING_VERIFICATION")
	require.NoError(t, err)
	require.True(t, st.IsIntermediate())

	_, err = types.ParseDelegationState("active")
	require.ErrorIs(t, err, types.ErrUnknownDelegationState)
}

func TestDelegationStateTransitions(t *testing.T) {
	tests := []struct {
		name string
		from types.DelegationState
		to   types.DelegationState
		ok   bool
	}{
		{"eoi verified", types.DelegationStateIntermediatePendingVerification, types.DelegationStateVerified, true},
		{"verified staking tx sent", types.DelegationStateVerified, types.DelegationStateIntermediatePendingBtcConfirmation, true},
		{"confirmed", types.DelegationStateIntermediatePendingBtcConfirmation, types.DelegationStateActive, true},
		{"unbond", types.DelegationStateActive, types.DelegationStateIntermediateUnbondingSubmitted, true},
		{"unbonding confirmed", types.DelegationStateIntermediateUnbondingSubmitted, types.DelegationStateEarlyUnbonding, true},
		{"slashed before unbonding confirmed", types.DelegationStateIntermediateUnbondingSubmitted, types.DelegationStateSlashed, true},
		{"unbonding submitted back to active", types.DelegationStateIntermediateUnbondingSubmitted, types.DelegationStateActive, false},
		{"unbonding submitted to timelock unbonding", types.DelegationStateIntermediateUnbondingSubmitted, types.DelegationStateTimelockUnbonding, false},
		{"withdraw early unbonding", types.DelegationStateEarlyUnbondingWithdrawable, types.DelegationStateIntermediateEarlyUnbondingWithdrawalSubmitted, true},
		{"slashing withdrawn", types.DelegationStateIntermediateTimelockSlashingWithdrawalSubmitted, types.DelegationStateTimelockSlashingWithdrawn, true},
		{"same state", types.DelegationStateActive, types.DelegationStateActive, true},
		{"skip verification", types.DelegationStateIntermediatePendingVerification, types.DelegationStateActive, false},
		{"backwards", types.DelegationStateActive, types.DelegationStateVerified, false},
		{"from final", types.DelegationStateTimelockWithdrawn, types.DelegationStateActive, false},
		{"withdraw not withdrawable", types.DelegationStateActive, types.DelegationStateIntermediateTimelockWithdrawalSubmitted, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.ok, types.CanTransition(tc.from, tc.to))
		})
	}
}

func TestDelegationStateRankFollowsTransitions(t *testing.T) {
	states := []types.DelegationState{
		types.DelegationStateIntermediatePendingVerification,
		types.DelegationStatePending,
		types.DelegationStateVerified,
		types.DelegationStateIntermediatePendingBtcConfirmation,
		types.DelegationStateActive,
		types.DelegationStateIntermediateUnbondingSubmitted,
		types.DelegationStateEarlyUnbonding,
		types.DelegationStateEarlyUnbondingWithdrawable,
		types.DelegationStateIntermediateEarlyUnbondingWithdrawalSubmitted,
		types.DelegationStateEarlyUnbondingWithdrawn,
	}

	for _, from := range states {
		for _, to := range states {
			if from != to && types.CanTransition(from, to) {
				require.Greater(t, to.Rank(), from.Rank(), "%s -> %s", from, to)
			}
		}
	}
}

func TestFinalAndWithdrawable(t *testing.T) {
	require.True(t, types.DelegationStateTimelockWithdrawn.IsFinal())
	require.True(t, types.DelegationStateExpanded.IsFinal())
	require.False(t, types.DelegationStateActive.IsFinal())

	require.True(t, types.DelegationStateTimelockSlashingWithdrawable.IsWithdrawable())
	require.False(t, types.DelegationStateSlashed.IsWithdrawable())
}
