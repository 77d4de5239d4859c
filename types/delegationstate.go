// Package types provides common type definitions shared by the staking daemon packages.
// nolint: revive
package types

import (
	"errors"
	"fmt"
)

// DelegationState is the lifecycle state of a BTC delegation. The non intermediate
// values are the ones reported by the staking API, intermediate values only exist
// in the local store while the API catches up with an action taken by the staker.
type DelegationState string

const (
	DelegationStatePending                                               DelegationState = "PENDING"
	DelegationStateVerified                                              DelegationState = "VERIFIED"
	DelegationStateActive                                                DelegationState = "ACTIVE"
	DelegationStateTimelockUnbonding                                     DelegationState = "TIMELOCK_UNBONDING"
	DelegationStateEarlyUnbonding                                        DelegationState = "EARLY_UNBONDING"
	DelegationStateTimelockWithdrawable                                  DelegationState = "TIMELOCK_WITHDRAWABLE"
	DelegationStateEarlyUnbondingWithdrawable                            DelegationState = "EARLY_UNBONDING_WITHDRAWABLE"
	DelegationStateTimelockSlashingWithdrawable                          DelegationState = "TIMELOCK_SLASHING_WITHDRAWABLE"
	DelegationStateEarlyUnbondingSlashingWithdrawable                    DelegationState = "EARLY_UNBONDING_SLASHING_WITHDRAWABLE"
	DelegationStateTimelockWithdrawn                                     DelegationState = "TIMELOCK_WITHDRAWN"
	DelegationStateEarlyUnbondingWithdrawn                               DelegationState = "EARLY_UNBONDING_WITHDRAWN"
	DelegationStateTimelockSlashingWithdrawn                             DelegationState = "TIMELOCK_SLASHING_WITHDRAWN"
	DelegationStateEarlyUnbondingSlashingWithdrawn                       DelegationState = "EARLY_UNBONDING_SLASHING_WITHDRAWN"
	DelegationStateSlashed                                               DelegationState = "SLASHED"
	DelegationStateExpanded                                              DelegationState = "EXPANDED"
	DelegationStateIntermediatePendingVerification                       DelegationState = "INTERMEDIATE_PENDING_VERIFICATION"
	DelegationStateIntermediatePendingBtcConfirmation                    DelegationState = "INTERMEDIATE_PENDING_BTC_CONFIRMATION"
	DelegationStateIntermediateUnbondingSubmitted                        DelegationState = "INTERMEDIATE_UNBONDING_SUBMITTED"
	DelegationStateIntermediateEarlyUnbondingWithdrawalSubmitted         DelegationState = "INTERMEDIATE_EARLY_UNBONDING_WITHDRAWAL_SUBMITTED"
	DelegationStateIntermediateEarlyUnbondingSlashingWithdrawalSubmitted DelegationState = "INTERMEDIATE_EARLY_UNBONDING_SLASHING_WITHDRAWAL_SUBMITTED"
	DelegationStateIntermediateTimelockWithdrawalSubmitted               DelegationState = "INTERMEDIATE_TIMELOCK_WITHDRAWAL_SUBMITTED"
	DelegationStateIntermediateTimelockSlashingWithdrawalSubmitted       DelegationState = "INTERMEDIATE_TIMELOCK_SLASHING_WITHDRAWAL_SUBMITTED"
)

var (
	// ErrUnknownDelegationState is returned when parsing a state string that is not known.
	ErrUnknownDelegationState = errors.New("unknown delegation state")
)

var allDelegationStates = []DelegationState{
	DelegationStatePending,
	DelegationStateVerified,
	DelegationStateActive,
	DelegationStateTimelockUnbonding,
	DelegationStateEarlyUnbonding,
	DelegationStateTimelockWithdrawable,
	DelegationStateEarlyUnbondingWithdrawable,
	DelegationStateTimelockSlashingWithdrawable,
	DelegationStateEarlyUnbondingSlashingWithdrawable,
	DelegationStateTimelockWithdrawn,
	DelegationStateEarlyUnbondingWithdrawn,
	DelegationStateTimelockSlashingWithdrawn,
	DelegationStateEarlyUnbondingSlashingWithdrawn,
	DelegationStateSlashed,
	DelegationStateExpanded,
	DelegationStateIntermediatePendingVerification,
	DelegationStateIntermediatePendingBtcConfirmation,
	DelegationStateIntermediateUnbondingSubmitted,
	DelegationStateIntermediateEarlyUnbondingWithdrawalSubmitted,
	DelegationStateIntermediateEarlyUnbondingSlashingWithdrawalSubmitted,
	DelegationStateIntermediateTimelockWithdrawalSubmitted,
	DelegationStateIntermediateTimelockSlashingWithdrawalSubmitted,
}

// allowed forward moves, anything not listed is rejected
var delegationTransitions = map[DelegationState][]DelegationState{
	DelegationStateIntermediatePendingVerification: {
		DelegationStatePending,
		DelegationStateVerified,
	},
	DelegationStatePending: {
		DelegationStateVerified,
	},
	DelegationStateVerified: {
		DelegationStateIntermediatePendingBtcConfirmation,
		DelegationStateActive,
	},
	DelegationStateIntermediatePendingBtcConfirmation: {
		DelegationStateActive,
	},
	DelegationStateActive: {
		DelegationStateIntermediateUnbondingSubmitted,
		DelegationStateTimelockUnbonding,
		DelegationStateEarlyUnbonding,
		DelegationStateSlashed,
		DelegationStateExpanded,
	},
	DelegationStateIntermediateUnbondingSubmitted: {
		DelegationStateEarlyUnbonding,
		DelegationStateSlashed,
	},
	DelegationStateTimelockUnbonding: {
		DelegationStateTimelockWithdrawable,
		DelegationStateSlashed,
	},
	DelegationStateEarlyUnbonding: {
		DelegationStateEarlyUnbondingWithdrawable,
		DelegationStateSlashed,
	},
	DelegationStateTimelockWithdrawable: {
		DelegationStateIntermediateTimelockWithdrawalSubmitted,
		DelegationStateTimelockWithdrawn,
		DelegationStateSlashed,
	},
	DelegationStateEarlyUnbondingWithdrawable: {
		DelegationStateIntermediateEarlyUnbondingWithdrawalSubmitted,
		DelegationStateEarlyUnbondingWithdrawn,
		DelegationStateSlashed,
	},
	DelegationStateIntermediateTimelockWithdrawalSubmitted: {
		DelegationStateTimelockWithdrawn,
	},
	DelegationStateIntermediateEarlyUnbondingWithdrawalSubmitted: {
		DelegationStateEarlyUnbondingWithdrawn,
	},
	DelegationStateSlashed: {
		DelegationStateTimelockSlashingWithdrawable,
		DelegationStateEarlyUnbondingSlashingWithdrawable,
	},
	DelegationStateTimelockSlashingWithdrawable: {
		DelegationStateIntermediateTimelockSlashingWithdrawalSubmitted,
		DelegationStateTimelockSlashingWithdrawn,
	},
	DelegationStateEarlyUnbondingSlashingWithdrawable: {
		DelegationStateIntermediateEarlyUnbondingSlashingWithdrawalSubmitted,
		DelegationStateEarlyUnbondingSlashingWithdrawn,
	},
	DelegationStateIntermediateTimelockSlashingWithdrawalSubmitted: {
		DelegationStateTimelockSlashingWithdrawn,
	},
	DelegationStateIntermediateEarlyUnbondingSlashingWithdrawalSubmitted: {
		DelegationStateEarlyUnbondingSlashingWithdrawn,
	},
}

// ParseDelegationState converts the string representation used by the staking API
// and the local store into a DelegationState.
func ParseDelegationState(s string) (DelegationState, error) {
	for _, st := range allDelegationStates {
		if string(st) == s {
			return st, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrUnknownDelegationState, s)
}

func (s DelegationState) String() string {
	return string(s)
}

// IsIntermediate reports whether the state only exists locally.
func (s DelegationState) IsIntermediate() bool {
	switch s {
	case DelegationStateIntermediatePendingVerification,
		DelegationStateIntermediatePendingBtcConfirmation,
		DelegationStateIntermediateUnbondingSubmitted,
		DelegationStateIntermediateEarlyUnbondingWithdrawalSubmitted,
		DelegationStateIntermediateEarlyUnbondingSlashingWithdrawalSubmitted,
		DelegationStateIntermediateTimelockWithdrawalSubmitted,
		DelegationStateIntermediateTimelockSlashingWithdrawalSubmitted:
		return true
	default:
		return false
	}
}

// IsWithdrawable reports whether some output of the delegation can be spent back
// to the staker through the timelock path.
func (s DelegationState) IsWithdrawable() bool {
	switch s {
	case DelegationStateTimelockWithdrawable,
		DelegationStateEarlyUnbondingWithdrawable,
		DelegationStateTimelockSlashingWithdrawable,
		DelegationStateEarlyUnbondingSlashingWithdrawable:
		return true
	default:
		return false
	}
}

// IsFinal reports whether no further transition is possible.
func (s DelegationState) IsFinal() bool {
	if s == DelegationStateExpanded {
		return true
	}
	_, ok := delegationTransitions[s]
	return !ok
}

// CanTransition reports whether a delegation in state from may move to state to.
// Staying in the same state is always allowed.
func CanTransition(from, to DelegationState) bool {
	if from == to {
		return true
	}

	for _, next := range delegationTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// Rank orders states along the lifecycle so that a local record can be compared
// with the one reported by the staking API. Higher rank means further along.
func (s DelegationState) Rank() int {
	switch s {
	case DelegationStateIntermediatePendingVerification:
		return 0
	case DelegationStatePending:
		return 1
	case DelegationStateVerified:
		return 2
	case DelegationStateIntermediatePendingBtcConfirmation:
		return 3
	case DelegationStateActive:
		return 4
	case DelegationStateIntermediateUnbondingSubmitted:
		return 5
	case DelegationStateTimelockUnbonding, DelegationStateEarlyUnbonding:
		return 6
	case DelegationStateTimelockWithdrawable, DelegationStateEarlyUnbondingWithdrawable:
		return 7
	case DelegationStateSlashed:
		return 8
	case DelegationStateTimelockSlashingWithdrawable, DelegationStateEarlyUnbondingSlashingWithdrawable:
		return 9
	case DelegationStateIntermediateTimelockWithdrawalSubmitted,
		DelegationStateIntermediateEarlyUnbondingWithdrawalSubmitted,
		DelegationStateIntermediateTimelockSlashingWithdrawalSubmitted,
		DelegationStateIntermediateEarlyUnbondingSlashingWithdrawalSubmitted:
		return 10
	case DelegationStateTimelockWithdrawn,
		DelegationStateEarlyUnbondingWithdrawn,
		DelegationStateTimelockSlashingWithdrawn,
		DelegationStateEarlyUnbondingSlashingWithdrawn,
		DelegationStateExpanded:
		return 11
	default:
		return -1
	}
}
