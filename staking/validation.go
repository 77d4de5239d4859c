package staking

import (
	"fmt"
	"strings"

	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// slashing tx is around 113 vbytes, at 8 sat/vB this is ~904 sats
	minSlashingFee = btcutil.Amount(1000)

	defaultMaxFinalityProviders = 1
)

// StakingInput is what the user chooses before creating a delegation.
type StakingInput struct {
	StakerAddress       btcutil.Address
	FinalityProviderPks []*btcec.PublicKey
	Amount              btcutil.Amount
	StakingTimeBlocks   uint16
	// sat/vB
	FeeRate uint64
}

// FieldError describes why a single input field was rejected.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors lists every rejected field of an input.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	msgs := make([]string, len(fe))
	for i, e := range fe {
		msgs[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return strings.Join(msgs, "; ")
}

func (fe *FieldErrors) add(field, format string, args ...interface{}) {
	*fe = append(*fe, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidationContext carries the limits an input is checked against.
type ValidationContext struct {
	Params               *cl.StakingParams
	MaxFinalityProviders uint32
	// nil when mempool fee data is unavailable
	FeeRates *FeeRates
	// spendable balance excluding dust
	Balance btcutil.Amount
	// fee of the staking transaction at input.FeeRate, zero when unknown
	EstimatedFee btcutil.Amount
	// set when the spendable outputs cannot pay amount plus fee
	Unfundable bool
}

// getSlashingFee never goes below the internal minimum.
func getSlashingFee(feeFromBabylon btcutil.Amount) btcutil.Amount {
	if feeFromBabylon < minSlashingFee {
		return minSlashingFee
	}
	return feeFromBabylon
}

// ValidateStakingInput checks input against vc. Bounds are inclusive. The
// returned error is a validation ClientError wrapping FieldErrors.
func ValidateStakingInput(vc *ValidationContext, input *StakingInput) error {
	var errs FieldErrors
	params := vc.Params

	maxFps := vc.MaxFinalityProviders
	if maxFps == 0 {
		maxFps = defaultMaxFinalityProviders
	}

	switch {
	case len(input.FinalityProviderPks) == 0:
		errs.add("finalityProviders", "at least one finality provider must be selected")
	case haveDuplicates(input.FinalityProviderPks):
		errs.add("finalityProviders", "duplicate finality provider public keys")
	case len(input.FinalityProviderPks) > int(maxFps):
		errs.add("finalityProviders", "at most %d finality providers can be selected", maxFps)
	}

	for i, pk := range input.FinalityProviderPks {
		if pk == nil {
			errs.add("finalityProviders", "finality provider %d has no public key", i)
		}
	}

	if input.StakerAddress == nil {
		errs.add("stakerAddress", "staker address is required")
	}

	if input.Amount < params.MinStakingValue {
		errs.add("amount", "staking amount %d is below minimum %d", input.Amount, params.MinStakingValue)
	} else if input.Amount > params.MaxStakingValue {
		errs.add("amount", "staking amount %d is above maximum %d", input.Amount, params.MaxStakingValue)
	}

	slashingFee := getSlashingFee(params.MinSlashingTxFeeSat)
	if input.Amount <= slashingFee {
		errs.add("amount", "staking amount %d must be greater than slashing fee %d", input.Amount, slashingFee)
	}

	if input.Amount > params.UnbondingFee && input.Amount-params.UnbondingFee <= slashingFee {
		errs.add("amount", "staking amount %d leaves no value for unbonding after fee %d", input.Amount, params.UnbondingFee)
	}

	if input.StakingTimeBlocks < params.MinStakingTime {
		errs.add("stakingTime", "staking time %d is below minimum %d", input.StakingTimeBlocks, params.MinStakingTime)
	} else if input.StakingTimeBlocks > params.MaxStakingTime {
		errs.add("stakingTime", "staking time %d is above maximum %d", input.StakingTimeBlocks, params.MaxStakingTime)
	}

	if input.FeeRate < MinFeeRate {
		errs.add("feeRate", "fee rate must be at least %d sat/vB", MinFeeRate)
	} else if vc.FeeRates != nil && !vc.FeeRates.Contains(input.FeeRate) {
		errs.add("feeRate", "fee rate %d is outside [%d, %d] sat/vB", input.FeeRate, vc.FeeRates.Min, vc.FeeRates.Max)
	}

	switch {
	case input.Amount+vc.EstimatedFee > vc.Balance:
		errs.add("amount", "staking amount %d plus fee %d exceeds spendable balance %d",
			input.Amount, vc.EstimatedFee, vc.Balance)
	case vc.Unfundable:
		errs.add("amount", "spendable balance %d cannot pay staking amount %d plus fee",
			vc.Balance, input.Amount)
	}

	if len(errs) > 0 {
		return NewValidationError("invalid staking input", errs)
	}

	return nil
}
