package walletcontroller

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/babylonlabs-io/simple-staking-sub003/utils"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

type byAmount []Utxo

func (s byAmount) Len() int           { return len(s) }
func (s byAmount) Less(i, j int) bool { return s[i].Amount < s[j].Amount }
func (s byAmount) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// SortLargestFirst orders utxos by descending amount.
func SortLargestFirst(utxos []Utxo) {
	sort.Stable(sort.Reverse(byAmount(utxos)))
}

func resultsToUtxos(results []btcjson.ListUnspentResult, onlySpendable bool) ([]Utxo, error) {
	var utxos []Utxo
	for _, result := range results {
		if onlySpendable && !result.Spendable {
			// skip unspendable outputs
			continue
		}

		amount, err := btcutil.NewAmount(result.Amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %f of output %s:%d: %w", result.Amount, result.TxID, result.Vout, err)
		}

		txHash, err := chainhash.NewHashFromStr(result.TxID)
		if err != nil {
			return nil, err
		}

		pkScript, err := hex.DecodeString(result.ScriptPubKey)
		if err != nil {
			return nil, err
		}

		utxos = append(utxos, Utxo{
			Amount:   amount,
			OutPoint: *wire.NewOutPoint(txHash, result.Vout),
			PkScript: pkScript,
			Address:  result.Address,
		})
	}

	return utxos, nil
}

type inputCounts struct {
	p2pkh, p2tr, p2wpkh, nested int
}

func (c *inputCounts) add(pkScript []byte) {
	switch {
	case txscript.IsPayToTaproot(pkScript):
		c.p2tr++
	case txscript.IsPayToWitnessPubKeyHash(pkScript):
		c.p2wpkh++
	case txscript.IsPayToScriptHash(pkScript):
		// assume nested p2wpkh, which is what wallets create for p2sh
		c.nested++
	default:
		c.p2pkh++
	}
}

// buildTxFromOutputs funds outputs with utxos taken in the given order. A change
// output is added only if it would not be dust, otherwise the remainder is
// left to miners.
func buildTxFromOutputs(
	utxos []Utxo,
	outputs []*wire.TxOut,
	feeRatePerKb btcutil.Amount,
	changeScript []byte,
) (*wire.MsgTx, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("cannot build transaction without outputs")
	}

	if len(utxos) == 0 {
		return nil, ErrNoSpendableOutputs
	}

	var outputsValue btcutil.Amount
	for _, out := range outputs {
		outputsValue += btcutil.Amount(out.Value)
	}

	tx := wire.NewMsgTx(2)
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	var (
		inputValue btcutil.Amount
		counts     inputCounts
	)

	for i := range utxos {
		u := utxos[i]
		tx.AddTxIn(wire.NewTxIn(&u.OutPoint, nil, nil))
		inputValue += u.Amount
		counts.add(u.PkScript)

		sizeWithChange := txsizes.EstimateVirtualSize(
			counts.p2pkh, counts.p2tr, counts.p2wpkh, counts.nested, outputs, len(changeScript),
		)
		feeWithChange := txrules.FeeForSerializeSize(feeRatePerKb, sizeWithChange)

		if inputValue >= outputsValue+feeWithChange {
			change := inputValue - outputsValue - feeWithChange
			if change > 0 && !utils.IsDustOutput(change, changeScript, txrules.DefaultRelayFeePerKb) {
				tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
			}
			return tx, nil
		}

		sizeNoChange := txsizes.EstimateVirtualSize(
			counts.p2pkh, counts.p2tr, counts.p2wpkh, counts.nested, outputs, 0,
		)
		feeNoChange := txrules.FeeForSerializeSize(feeRatePerKb, sizeNoChange)

		if inputValue >= outputsValue+feeNoChange {
			// remainder is too small to pay for its own output
			return tx, nil
		}
	}

	return nil, fmt.Errorf(
		"%w: outputs value %v, available %v", ErrInsufficientFunds, outputsValue, inputValue,
	)
}

// FundTransaction builds an unsigned transaction paying outputs from the utxos
// accepted by useUtxoFn, largest first, sending change to changeAddress.
func FundTransaction(
	utxos []Utxo,
	outputs []*wire.TxOut,
	feeRatePerKb btcutil.Amount,
	changeAddress btcutil.Address,
	useUtxoFn UseUtxoFn,
) (*wire.MsgTx, error) {
	candidates := make([]Utxo, 0, len(utxos))
	for _, u := range utxos {
		if useUtxoFn == nil || useUtxoFn(u) {
			candidates = append(candidates, u)
		}
	}
	SortLargestFirst(candidates)

	changeScript, err := txscript.PayToAddrScript(changeAddress)
	if err != nil {
		return nil, err
	}

	tx, err := buildTxFromOutputs(candidates, outputs, feeRatePerKb, changeScript)
	if err != nil {
		return nil, err
	}
	if err := utils.CheckTransaction(tx); err != nil {
		return nil, fmt.Errorf("funded transaction is invalid: %w", err)
	}
	return tx, nil
}

// EstimateFee returns the fee CreateTransaction would pay funding outputs
// from utxos, largest first.
func EstimateFee(
	utxos []Utxo,
	outputs []*wire.TxOut,
	feeRatePerKb btcutil.Amount,
	changeScript []byte,
) (btcutil.Amount, error) {
	sorted := make([]Utxo, len(utxos))
	copy(sorted, utxos)
	SortLargestFirst(sorted)

	tx, err := buildTxFromOutputs(sorted, outputs, feeRatePerKb, changeScript)
	if err != nil {
		return 0, err
	}

	var in, out btcutil.Amount
	for i := range tx.TxIn {
		in += sorted[i].Amount
	}
	for _, o := range tx.TxOut {
		out += btcutil.Amount(o.Value)
	}

	return in - out, nil
}
