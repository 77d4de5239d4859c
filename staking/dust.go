package staking

import (
	"github.com/babylonlabs-io/simple-staking-sub003/utils"
	"github.com/babylonlabs-io/simple-staking-sub003/walletcontroller"
	"github.com/btcsuite/btcd/btcutil"
)

// IsDust reports whether an output of value paying to pkScript is below the
// dust threshold at relayFee (sat/kvB). Zero relayFee uses the node default.
func IsDust(value btcutil.Amount, pkScript []byte, relayFee btcutil.Amount) bool {
	return utils.IsDustOutput(value, pkScript, relayFee)
}

// ClassifyUTXOs splits utxos into outputs worth spending and dust.
func ClassifyUTXOs(
	utxos []walletcontroller.Utxo,
	relayFee btcutil.Amount,
) (spendable []walletcontroller.Utxo, dust []walletcontroller.Utxo) {
	for _, u := range utxos {
		if IsDust(u.Amount, u.PkScript, relayFee) {
			dust = append(dust, u)
			continue
		}
		spendable = append(spendable, u)
	}

	return spendable, dust
}

// SpendableBalance sums the value of the non dust utxos.
func SpendableBalance(utxos []walletcontroller.Utxo, relayFee btcutil.Amount) btcutil.Amount {
	spendable, _ := ClassifyUTXOs(utxos, relayFee)

	var total btcutil.Amount
	for _, u := range spendable {
		total += u.Amount
	}

	return total
}

// nonDustUtxoFilter excludes dust from utxo selection.
func nonDustUtxoFilter(relayFee btcutil.Amount, next walletcontroller.UseUtxoFn) walletcontroller.UseUtxoFn {
	return func(u walletcontroller.Utxo) bool {
		if IsDust(u.Amount, u.PkScript, relayFee) {
			return false
		}
		if next == nil {
			return true
		}
		return next(u)
	}
}
