package staking_test

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/babylonlabs-io/babylon/testutil/datagen"
	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/babylonlabs-io/simple-staking-sub003/staking"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func testParams() *cl.StakingParams {
	return &cl.StakingParams{
		BTCCheckpointParams: cl.BTCCheckpointParams{
			ConfirmationTimeBlocks:    10,
			FinalizationTimeoutBlocks: 100,
		},
		BtcStakingParams: cl.BtcStakingParams{
			MinSlashingTxFeeSat: 1000,
			UnbondingTime:       1008,
			UnbondingFee:        2000,
			MinStakingTime:      100,
			MaxStakingTime:      64000,
			MinStakingValue:     50_000,
			MaxStakingValue:     5_000_000_000,
		},
	}
}

func randomPk(t *testing.T, r *rand.Rand) *btcec.PublicKey {
	_, pk, err := datagen.GenRandomBTCKeyPair(r)
	require.NoError(t, err)
	return pk
}

func validInput(t *testing.T, r *rand.Rand) *staking.StakingInput {
	addr, err := datagen.GenRandomBTCAddress(r, &chaincfg.SimNetParams)
	require.NoError(t, err)

	return &staking.StakingInput{
		StakerAddress:       addr,
		FinalityProviderPks: []*btcec.PublicKey{randomPk(t, r)},
		Amount:              100_000,
		StakingTimeBlocks:   1000,
		FeeRate:             5,
	}
}

func validContext() *staking.ValidationContext {
	return &staking.ValidationContext{
		Params:   testParams(),
		FeeRates: &staking.FeeRates{Min: 2, Default: 5, Max: 128},
		Balance:  btcutil.Amount(10_000_000),
	}
}

func fieldErrors(t *testing.T, err error) staking.FieldErrors {
	require.Error(t, err)
	require.True(t, staking.IsValidationError(err))

	var fe staking.FieldErrors
	require.True(t, errors.As(err, &fe))
	return fe
}

func hasField(errs staking.FieldErrors, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestValidInputPasses(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	require.NoError(t, staking.ValidateStakingInput(validContext(), validInput(t, r)))
}

func TestValidationBoundsAreInclusive(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	vc := validContext()
	p := vc.Params

	input := validInput(t, r)
	input.Amount = p.MinStakingValue
	input.StakingTimeBlocks = p.MinStakingTime
	input.FeeRate = vc.FeeRates.Min
	require.NoError(t, staking.ValidateStakingInput(vc, input))

	input.StakingTimeBlocks = p.MaxStakingTime
	input.FeeRate = vc.FeeRates.Max
	require.NoError(t, staking.ValidateStakingInput(vc, input))

	vc.Balance = p.MaxStakingValue
	input.Amount = p.MaxStakingValue
	require.NoError(t, staking.ValidateStakingInput(vc, input))
}

func TestValidationCollectsAllFieldErrors(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	vc := validContext()
	p := vc.Params

	input := validInput(t, r)
	input.StakerAddress = nil
	input.FinalityProviderPks = nil
	input.Amount = p.MinStakingValue - 1
	input.StakingTimeBlocks = p.MaxStakingTime + 1
	input.FeeRate = vc.FeeRates.Max + 1

	errs := fieldErrors(t, staking.ValidateStakingInput(vc, input))
	for _, f := range []string{"stakerAddress", "finalityProviders", "amount", "stakingTime", "feeRate"} {
		require.True(t, hasField(errs, f), "missing error for %s", f)
	}
}

func TestValidationFinalityProviders(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	vc := validContext()

	input := validInput(t, r)
	pk := input.FinalityProviderPks[0]
	input.FinalityProviderPks = []*btcec.PublicKey{pk, pk}
	require.True(t, hasField(fieldErrors(t, staking.ValidateStakingInput(vc, input)), "finalityProviders"))

	input.FinalityProviderPks = []*btcec.PublicKey{pk, randomPk(t, r)}
	require.True(t, hasField(fieldErrors(t, staking.ValidateStakingInput(vc, input)), "finalityProviders"))

	vc.MaxFinalityProviders = 2
	require.NoError(t, staking.ValidateStakingInput(vc, input))
}

func TestValidationBalanceIncludesFee(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	vc := validContext()
	input := validInput(t, r)

	vc.Balance = input.Amount + 500
	vc.EstimatedFee = 500
	require.NoError(t, staking.ValidateStakingInput(vc, input))

	vc.EstimatedFee = 501
	errs := fieldErrors(t, staking.ValidateStakingInput(vc, input))
	require.Len(t, errs, 1)
	require.Equal(t, "amount", errs[0].Field)
}

func TestValidationRejectsUnfundableAmount(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	vc := validContext()
	input := validInput(t, r)

	// the fee could not be estimated, so the balance alone looks sufficient
	vc.Balance = input.Amount
	vc.EstimatedFee = 0
	vc.Unfundable = true

	errs := fieldErrors(t, staking.ValidateStakingInput(vc, input))
	require.Len(t, errs, 1)
	require.Equal(t, "amount", errs[0].Field)
}

func TestValidationWithoutMempoolRates(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	vc := validContext()
	vc.FeeRates = nil

	input := validInput(t, r)
	input.FeeRate = 10_000
	require.NoError(t, staking.ValidateStakingInput(vc, input))

	input.FeeRate = 0
	require.True(t, hasField(fieldErrors(t, staking.ValidateStakingInput(vc, input)), "feeRate"))
}

func TestValidationAmountMustCoverSlashingFee(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	vc := validContext()
	vc.Params.MinStakingValue = 1

	input := validInput(t, r)
	input.Amount = 900
	require.True(t, hasField(fieldErrors(t, staking.ValidateStakingInput(vc, input)), "amount"))
}
