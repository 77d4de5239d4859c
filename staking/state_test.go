package staking_test

import (
	"errors"
	"testing"

	"github.com/babylonlabs-io/simple-staking-sub003/staking"
	"github.com/stretchr/testify/require"
)

var stakingSteps = []staking.StakingStep{
	staking.StepEOIStakingSlashing,
	staking.StepEOIUnbondingSlashing,
	staking.StepEOIProofOfPossession,
	staking.StepEOISignBBN,
	staking.StepEOISendBBN,
	staking.StepVerifying,
	staking.StepVerified,
	staking.StepBTCSign,
	staking.StepBTCSent,
	staking.StepFeedbackSuccess,
}

func TestStakingFlowRunsInOrder(t *testing.T) {
	sm := staking.NewStepMachine(staking.FlowStaking)
	require.Equal(t, staking.StepPreview, sm.Current())

	for _, step := range stakingSteps {
		require.True(t, sm.CanMoveTo(step))
		require.NoError(t, sm.Advance(step))
		require.Equal(t, step, sm.Current())
	}

	h := sm.History()
	require.Len(t, h, len(stakingSteps))
	require.Equal(t, staking.StepPreview, h[0].From)
	require.Equal(t, staking.StepFeedbackSuccess, h[len(h)-1].To)
}

func TestStepsCannotBeSkipped(t *testing.T) {
	sm := staking.NewStepMachine(staking.FlowStaking)

	err := sm.Advance(staking.StepVerified)
	require.ErrorIs(t, err, staking.ErrInvalidStepTransition)
	require.Equal(t, staking.StepPreview, sm.Current())

	require.NoError(t, sm.Advance(staking.StepEOIStakingSlashing))
	require.ErrorIs(t, sm.Advance(staking.StepPreview), staking.ErrInvalidStepTransition)
	require.ErrorIs(t, sm.Advance(staking.StepEOIStakingSlashing), staking.ErrInvalidStepTransition)
}

func TestRegistrationFlowSkipsBtcSteps(t *testing.T) {
	sm := staking.NewStepMachine(staking.FlowRegistration)

	for _, step := range stakingSteps[:7] {
		require.NoError(t, sm.Advance(step))
	}

	require.False(t, sm.CanMoveTo(staking.StepBTCSign))
	require.NoError(t, sm.Advance(staking.StepFeedbackSuccess))
}

func TestCancelFromAnyStep(t *testing.T) {
	for i := range stakingSteps[:len(stakingSteps)-1] {
		sm := staking.NewStepMachine(staking.FlowStaking)
		for _, step := range stakingSteps[:i] {
			require.NoError(t, sm.Advance(step))
		}

		cause := errors.New("wallet rejected")
		require.NoError(t, sm.Cancel(cause))
		require.Equal(t, staking.StepFeedbackCancel, sm.Current())

		h := sm.History()
		require.ErrorIs(t, h[len(h)-1].Err, cause)
	}
}

func TestTerminalStepsRejectTransitions(t *testing.T) {
	sm := staking.NewStepMachine(staking.FlowStaking)
	require.NoError(t, sm.Cancel(nil))

	require.ErrorIs(t, sm.Cancel(nil), staking.ErrInvalidStepTransition)
	require.ErrorIs(t, sm.Advance(staking.StepEOIStakingSlashing), staking.ErrInvalidStepTransition)

	sm.Reset()
	require.Equal(t, staking.StepPreview, sm.Current())
	require.Empty(t, sm.History())
	require.NoError(t, sm.Advance(staking.StepEOIStakingSlashing))
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	sm := staking.NewStepMachine(staking.FlowStaking)
	ch, cancel := sm.Subscribe()

	require.NoError(t, sm.Advance(staking.StepEOIStakingSlashing))
	change := <-ch
	require.Equal(t, staking.StepPreview, change.From)
	require.Equal(t, staking.StepEOIStakingSlashing, change.To)

	cancel()
	cancel()

	_, ok := <-ch
	require.False(t, ok)

	// no subscribers left, transitions still succeed
	require.NoError(t, sm.Advance(staking.StepEOIUnbondingSlashing))
}

func TestCancelSubscriptionDuringTransitions(t *testing.T) {
	sm := staking.NewStepMachine(staking.FlowStaking)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			for _, step := range stakingSteps[:3] {
				_ = sm.Advance(step)
			}
			sm.Reset()
		}
	}()

	for i := 0; i < 200; i++ {
		ch, cancel := sm.Subscribe()
		cancel()
		// a cancelled subscription is closed once buffered changes are read
		for range ch {
		}
	}
	<-done

	ch, cancel := sm.Subscribe()
	defer cancel()

	require.NoError(t, sm.Advance(staking.StepEOIStakingSlashing))
	require.NoError(t, sm.Advance(staking.StepEOIUnbondingSlashing))
	require.Equal(t, staking.StepEOIStakingSlashing, (<-ch).To)
	require.Equal(t, staking.StepEOIUnbondingSlashing, (<-ch).To)
}
