package staking

import (
	"errors"
	"fmt"

	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingapi"
	"github.com/babylonlabs-io/simple-staking-sub003/walletcontroller"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
)

// ErrorType classifies failures reported to the user.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeServer     ErrorType = "SERVER"
	ErrorTypeWallet     ErrorType = "WALLET"
)

var (
	ErrStakingClosed           = errors.New("staking is not open")
	ErrDelegationNotVerified   = errors.New("delegation is not verified")
	ErrDelegationNotActive     = errors.New("delegation is not active")
	ErrNothingToWithdraw       = errors.New("delegation has no withdrawable output")
	ErrVerificationTimeout     = errors.New("timed out waiting for delegation verification")
	ErrHeaderNotDeepEnough     = errors.New("staking transaction is not deep enough")
	ErrFinalityProviderInvalid = errors.New("finality provider cannot receive delegations")
	ErrAppStopped              = errors.New("staking app is shutting down")
	ErrPhase1ParamsMissing     = errors.New("phase-1 global parameters are not configured")
	ErrRiskyAddress            = errors.New("address flagged by screening")
	ErrStakingInputsSpent      = errors.New("staking transaction inputs were already spent")
)

// ClientError is an error categorized for presentation. Cause keeps the
// underlying error for errors.Is and errors.As.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

func NewValidationError(msg string, cause error) *ClientError {
	return &ClientError{Type: ErrorTypeValidation, Message: msg, Cause: cause}
}

func NewServerError(msg string, cause error) *ClientError {
	return &ClientError{Type: ErrorTypeServer, Message: msg, Cause: cause}
}

func NewWalletError(msg string, cause error) *ClientError {
	return &ClientError{Type: ErrorTypeWallet, Message: msg, Cause: cause}
}

// ErrorTypeOf returns the type of the first ClientError in err's chain, or
// ErrorTypeServer when err was never categorized.
func ErrorTypeOf(err error) ErrorType {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeServer
}

func IsValidationError(err error) bool {
	return err != nil && ErrorTypeOf(err) == ErrorTypeValidation
}

func IsWalletError(err error) bool {
	return err != nil && ErrorTypeOf(err) == ErrorTypeWallet
}

// categorize wraps err into a ClientError unless it already is one.
// Wallet failures are recognized by their sentinel errors and rpc error codes.
func categorize(msg string, err error) error {
	if err == nil {
		return nil
	}

	var ce *ClientError
	if errors.As(err, &ce) {
		return err
	}

	var apiErr *stakingapi.APIError
	if errors.As(err, &apiErr) {
		return NewServerError(msg, err)
	}

	if isWalletFailure(err) {
		return NewWalletError(msg, err)
	}

	if isBabylonRejection(err) {
		return NewValidationError(msg, err)
	}

	return NewServerError(msg, err)
}

func isWalletFailure(err error) bool {
	switch {
	case errors.Is(err, walletcontroller.ErrInsufficientFunds),
		errors.Is(err, walletcontroller.ErrNoSpendableOutputs),
		errors.Is(err, walletcontroller.ErrUnsupportedAddress),
		errors.Is(err, walletcontroller.ErrWalletCannotSignAll),
		errors.Is(err, rpcclient.ErrClientShutdown),
		errors.Is(err, rpcclient.ErrClientDisconnect):
		return true
	}

	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}

	switch rpcErr.Code {
	case btcjson.ErrRPCWallet,
		btcjson.ErrRPCWalletInsufficientFunds,
		btcjson.ErrRPCWalletKeypoolRanOut,
		btcjson.ErrRPCWalletUnlockNeeded,
		btcjson.ErrRPCWalletPassphraseIncorrect,
		btcjson.ErrRPCWalletWrongEncState:
		return true
	default:
		return false
	}
}

// babylon errors that mean the submitted data is wrong rather than the node
// being unavailable
func isBabylonRejection(err error) bool {
	return errors.Is(err, cl.ErrInvalidBabylonExecution) ||
		errors.Is(err, cl.ErrFinalityProviderDoesNotExist) ||
		errors.Is(err, cl.ErrFinalityProviderIsSlashed)
}
