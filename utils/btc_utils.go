// Package utils holds small btc helpers shared by the daemon and the cli.
package utils

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// nodes reject non witness txs smaller than this
const minStrippedTxSize = 65

var networks = map[string]*chaincfg.Params{
	"mainnet":  &chaincfg.MainNetParams,
	"testnet3": &chaincfg.TestNet3Params,
	"signet":   &chaincfg.SigNetParams,
	"regtest":  &chaincfg.RegressionNetParams,
	"simnet":   &chaincfg.SimNetParams,
}

// GetBtcNetworkParams returns chain params by network name.
func GetBtcNetworkParams(network string) (*chaincfg.Params, error) {
	p, ok := networks[network]
	if !ok {
		return nil, fmt.Errorf("unknown btc network %q", network)
	}
	return p, nil
}

// IsDustOutput reports whether nodes relaying at relayFee would reject an
// output of value paying to pkScript. A non positive relayFee means the node
// default.
func IsDustOutput(value btcutil.Amount, pkScript []byte, relayFee btcutil.Amount) bool {
	if relayFee <= 0 {
		relayFee = mempool.DefaultMinRelayTxFee
	}
	return mempool.IsDust(wire.NewTxOut(int64(value), pkScript), relayFee)
}

// CheckTransaction applies the standardness rules a funded tx must pass before
// it is signed: minimum size, no dust outputs and at most one op_return.
func CheckTransaction(tx *wire.MsgTx) error {
	if size := tx.SerializeSizeStripped(); size < minStrippedTxSize {
		return fmt.Errorf("tx of %d bytes is below the minimum of %d", size, minStrippedTxSize)
	}

	opReturns := 0
	for i, out := range tx.TxOut {
		if txscript.GetScriptClass(out.PkScript) == txscript.NullDataTy {
			opReturns++
			continue
		}
		if IsDustOutput(btcutil.Amount(out.Value), out.PkScript, 0) {
			return fmt.Errorf("output %d of %d sat is dust", i, out.Value)
		}
	}
	if opReturns > 1 {
		return errors.New("tx has more than one op_return output")
	}
	return nil
}

// SerializeBtcTransaction encodes tx with witness data.
func SerializeBtcTransaction(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
