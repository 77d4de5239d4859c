package stakingdb

import "errors"

var (
	// ErrCorruptedDelegationsDB For some reason, db on disk representation have changed
	ErrCorruptedDelegationsDB = errors.New("delegations db is corrupted")

	// ErrDelegationNotFound The delegation we try to read or update is not found in db
	ErrDelegationNotFound = errors.New("delegation not found")

	// ErrDuplicateDelegation The delegation we try to add already exists in db
	ErrDuplicateDelegation = errors.New("delegation already exists")

	// ErrInvalidStateTransition the requested state does not follow the current one
	ErrInvalidStateTransition = errors.New("invalid delegation state transition")

	ErrInvalidDelegation = errors.New("invalid delegation")
)
