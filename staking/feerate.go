package staking

import (
	"github.com/babylonlabs-io/simple-staking-sub003/stakingapi"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// LeastMaxFeeRate is the lowest upper bound offered to users, in sat/vB.
	LeastMaxFeeRate uint64 = 128

	// MinFeeRate is the lowest fee rate nodes relay, in sat/vB.
	MinFeeRate uint64 = 1
)

// FeeRates are the selectable fee rates in sat/vB. Min <= Default <= Max always holds.
type FeeRates struct {
	Min     uint64 `json:"min"`
	Default uint64 `json:"default"`
	Max     uint64 `json:"max"`
}

// FeeRatesFromMempool derives selectable fee rates from mempool recommendations.
// A nil recommendation yields the widest safe range.
func FeeRatesFromMempool(fees *stakingapi.MempoolFees) FeeRates {
	var hourFee, fastestFee uint64
	if fees != nil {
		hourFee = fees.HourFee
		fastestFee = fees.FastestFee
	}

	minRate := max(MinFeeRate, hourFee)
	defaultRate := max(minRate, fastestFee)

	// 2*fastestFee must not wrap around for absurd api values
	doubleFastest := fastestFee
	if fastestFee <= ^uint64(0)/2 {
		doubleFastest = fastestFee * 2
	}

	maxRate := max(defaultRate, doubleFastest, LeastMaxFeeRate)

	return FeeRates{
		Min:     minRate,
		Default: defaultRate,
		Max:     maxRate,
	}
}

// Contains reports whether rate lies within [Min, Max].
func (f FeeRates) Contains(rate uint64) bool {
	return rate >= f.Min && rate <= f.Max
}

// SatPerVByteToKVByte converts a sat/vB rate to the unit used by the wallet.
func SatPerVByteToKVByte(rate uint64) chainfee.SatPerKVByte {
	return chainfee.SatPerKVByte(rate * 1000)
}

// KVByteToSatPerVByte converts a wallet fee rate to sat/vB rounding up.
func KVByteToSatPerVByte(rate chainfee.SatPerKVByte) uint64 {
	return (uint64(rate) + 999) / 1000
}
