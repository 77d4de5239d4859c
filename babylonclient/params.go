package babylonclient

import (
	"fmt"
	"math"

	sdkmath "cosmossdk.io/math"
	btcstypes "github.com/babylonlabs-io/babylon/x/btcstaking/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// BTCCheckpointParams are the btc checkpointing depths babylon requires.
type BTCCheckpointParams struct {
	// k-deep, confirmations before babylon accepts an inclusion proof
	ConfirmationTimeBlocks uint32
	// w-deep
	FinalizationTimeoutBlocks uint32
}

// BtcStakingParams are the staking limits and scripts of one babylon params
// version.
type BtcStakingParams struct {
	CovenantPks      []*btcec.PublicKey
	CovenantQuorum   uint32
	SlashingPkScript []byte
	SlashingRate     sdkmath.LegacyDec

	MinSlashingTxFeeSat btcutil.Amount
	UnbondingTime       uint16
	UnbondingFee        btcutil.Amount

	MinStakingTime  uint16
	MaxStakingTime  uint16
	MinStakingValue btcutil.Amount
	MaxStakingValue btcutil.Amount
}

// StakingParams is everything a delegation is validated and built against.
type StakingParams struct {
	BTCCheckpointParams
	BtcStakingParams
}

func invalidParam(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidValueReceivedFromBabylonNode)
}

func blocksToUint16(name string, blocks uint32) (uint16, error) {
	if blocks > math.MaxUint16 {
		return 0, invalidParam("%s %d does not fit btc timelock", name, blocks)
	}
	return uint16(blocks), nil
}

// parseStakingParams converts babylon params, rejecting values the staking
// scripts cannot express.
func parseStakingParams(p *btcstypes.Params) (*BtcStakingParams, error) {
	if len(p.CovenantPks) == 0 {
		return nil, invalidParam("no covenant keys")
	}
	if p.CovenantQuorum == 0 || int(p.CovenantQuorum) > len(p.CovenantPks) {
		return nil, invalidParam("covenant quorum %d with %d covenant keys", p.CovenantQuorum, len(p.CovenantPks))
	}
	if p.MinStakingValueSat < 0 || p.MaxStakingValueSat < p.MinStakingValueSat {
		return nil, invalidParam("staking value range [%d, %d]", p.MinStakingValueSat, p.MaxStakingValueSat)
	}
	if p.UnbondingFeeSat < 0 {
		return nil, invalidParam("unbonding fee %d", p.UnbondingFeeSat)
	}

	covenantPks := make([]*btcec.PublicKey, 0, len(p.CovenantPks))
	for i := range p.CovenantPks {
		pk, err := p.CovenantPks[i].ToBTCPK()
		if err != nil {
			return nil, invalidParam("covenant key %d: %v", i, err)
		}
		covenantPks = append(covenantPks, pk)
	}

	unbondingTime, err := blocksToUint16("unbonding time", p.UnbondingTimeBlocks)
	if err != nil {
		return nil, err
	}
	minStakingTime, err := blocksToUint16("min staking time", p.MinStakingTimeBlocks)
	if err != nil {
		return nil, err
	}
	maxStakingTime, err := blocksToUint16("max staking time", p.MaxStakingTimeBlocks)
	if err != nil {
		return nil, err
	}

	return &BtcStakingParams{
		CovenantPks:         covenantPks,
		CovenantQuorum:      p.CovenantQuorum,
		SlashingPkScript:    p.SlashingPkScript,
		SlashingRate:        p.SlashingRate,
		MinSlashingTxFeeSat: btcutil.Amount(p.MinSlashingTxFeeSat),
		UnbondingTime:       unbondingTime,
		UnbondingFee:        btcutil.Amount(p.UnbondingFeeSat),
		MinStakingTime:      minStakingTime,
		MaxStakingTime:      maxStakingTime,
		MinStakingValue:     btcutil.Amount(p.MinStakingValueSat),
		MaxStakingValue:     btcutil.Amount(p.MaxStakingValueSat),
	}, nil
}
