package babylonclient

import (
	"math"
	"math/rand"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/babylonlabs-io/babylon/testutil/datagen"
	bbntypes "github.com/babylonlabs-io/babylon/types"
	btcstypes "github.com/babylonlabs-io/babylon/x/btcstaking/types"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

func genParams(t *testing.T, r *rand.Rand, numCovenants int) *btcstypes.Params {
	pks := make([]bbntypes.BIP340PubKey, 0, numCovenants)
	for i := 0; i < numCovenants; i++ {
		_, pk, err := datagen.GenRandomBTCKeyPair(r)
		require.NoError(t, err)
		pks = append(pks, *bbntypes.NewBIP340PubKeyFromBTCPK(pk))
	}

	return &btcstypes.Params{
		CovenantPks:          pks,
		CovenantQuorum:       uint32(numCovenants),
		MinStakingValueSat:   10_000,
		MaxStakingValueSat:   1_000_000,
		MinStakingTimeBlocks: 100,
		MaxStakingTimeBlocks: 1000,
		SlashingPkScript:     datagen.GenRandomByteArray(r, 34),
		MinSlashingTxFeeSat:  1000,
		MinCommissionRate:    sdkmath.LegacyZeroDec(),
		SlashingRate:         sdkmath.LegacyNewDecWithPrec(1, 1),
		UnbondingTimeBlocks:  101,
		UnbondingFeeSat:      500,
	}
}

func TestParseStakingParams(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	p := genParams(t, r, 3)
	parsed, err := parseStakingParams(p)
	require.NoError(t, err)
	require.Len(t, parsed.CovenantPks, 3)
	require.Equal(t, uint32(3), parsed.CovenantQuorum)
	require.Equal(t, btcutil.Amount(10_000), parsed.MinStakingValue)
	require.Equal(t, btcutil.Amount(1_000_000), parsed.MaxStakingValue)
	require.Equal(t, uint16(100), parsed.MinStakingTime)
	require.Equal(t, uint16(1000), parsed.MaxStakingTime)
	require.Equal(t, uint16(101), parsed.UnbondingTime)
	require.Equal(t, btcutil.Amount(500), parsed.UnbondingFee)
	require.Equal(t, btcutil.Amount(1000), parsed.MinSlashingTxFeeSat)
	require.Equal(t, p.SlashingPkScript, parsed.SlashingPkScript)
	require.True(t, parsed.SlashingRate.Equal(sdkmath.LegacyNewDecWithPrec(1, 1)))
}

func TestParseStakingParamsRejectsInvalidValues(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	tests := []struct {
		name   string
		modify func(p *btcstypes.Params)
	}{
		{"no covenants", func(p *btcstypes.Params) { p.CovenantPks = nil }},
		{"zero quorum", func(p *btcstypes.Params) { p.CovenantQuorum = 0 }},
		{"quorum above covenant count", func(p *btcstypes.Params) { p.CovenantQuorum = 4 }},
		{"unbonding time overflow", func(p *btcstypes.Params) { p.UnbondingTimeBlocks = math.MaxUint16 + 1 }},
		{"min staking time overflow", func(p *btcstypes.Params) { p.MinStakingTimeBlocks = math.MaxUint16 + 1 }},
		{"max staking time overflow", func(p *btcstypes.Params) { p.MaxStakingTimeBlocks = math.MaxUint16 + 1 }},
		{"negative min staking value", func(p *btcstypes.Params) { p.MinStakingValueSat = -1 }},
		{"max below min staking value", func(p *btcstypes.Params) { p.MaxStakingValueSat = 9_999 }},
		{"negative unbonding fee", func(p *btcstypes.Params) { p.UnbondingFeeSat = -1 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := genParams(t, r, 3)
			tc.modify(p)
			_, err := parseStakingParams(p)
			require.ErrorIs(t, err, ErrInvalidValueReceivedFromBabylonNode)
		})
	}
}
