package staking

import (
	"errors"
	"fmt"
	"testing"

	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingapi"
	"github.com/babylonlabs-io/simple-staking-sub003/walletcontroller"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/stretchr/testify/require"
)

func TestCategorize(t *testing.T) {
	require.NoError(t, categorize("nothing", nil))

	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"wallet sentinel", fmt.Errorf("funding: %w", walletcontroller.ErrInsufficientFunds), ErrorTypeWallet},
		{"wallet rpc code", &btcjson.RPCError{Code: btcjson.ErrRPCWalletUnlockNeeded, Message: "locked"}, ErrorTypeWallet},
		{"node rpc code", &btcjson.RPCError{Code: btcjson.ErrRPCMisc, Message: "boom"}, ErrorTypeServer},
		{"babylon rejection", fmt.Errorf("send: %w", cl.ErrInvalidBabylonExecution), ErrorTypeValidation},
		{"unknown fp", cl.ErrFinalityProviderDoesNotExist, ErrorTypeValidation},
		{"api failure", &stakingapi.APIError{Endpoint: "/v2/delegations", StatusCode: 500}, ErrorTypeServer},
		{"plain", errors.New("connection reset"), ErrorTypeServer},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := categorize("operation failed", tc.err)
			require.Equal(t, tc.want, ErrorTypeOf(err))
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestCategorizeKeepsExistingType(t *testing.T) {
	orig := NewWalletError("user rejected signing", nil)
	err := categorize("failed to sign", fmt.Errorf("psbt: %w", orig))

	require.Equal(t, ErrorTypeWallet, ErrorTypeOf(err))
	require.True(t, IsWalletError(err))
	require.False(t, IsValidationError(err))
}

func TestClientErrorMessage(t *testing.T) {
	err := NewValidationError("bad amount", ErrStakingClosed)
	require.Equal(t, "VALIDATION: bad amount: staking is not open", err.Error())
	require.ErrorIs(t, err, ErrStakingClosed)

	require.Equal(t, "SERVER: down", NewServerError("down", nil).Error())
	require.Equal(t, ErrorTypeServer, ErrorTypeOf(errors.New("raw")))
}
