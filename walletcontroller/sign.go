package walletcontroller

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/babylonlabs-io/babylon/crypto/bip322"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SignPsbt adds every signature the wallet can produce. The wallet must be
// unlocked.
func (w *RPCWalletController) SignPsbt(packet *psbt.Packet) (*psbt.Packet, error) {
	encoded, err := packet.B64Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding psbt: %w", err)
	}

	sign := true
	res, err := w.Client.WalletProcessPsbt(encoded, &sign, "DEFAULT", nil)
	if err != nil {
		return nil, fmt.Errorf("walletprocesspsbt: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(res.Psbt)
	if err != nil {
		return nil, fmt.Errorf("decoding signed psbt: %w", err)
	}
	return psbt.NewFromRawBytes(bytes.NewReader(raw), false)
}

// SignBip322Signature signs msg with the key of address using the simple
// bip322 scheme. Only p2wpkh and key-path taproot addresses are supported
// and the wallet must be unlocked.
func (w *RPCWalletController) SignBip322Signature(msg []byte, address btcutil.Address) (wire.TxWitness, error) {
	toSpend, err := bip322.GetToSpendTx(msg, address)
	if err != nil {
		return nil, fmt.Errorf("bip322 to_spend tx: %w", err)
	}

	pkScript := toSpend.TxOut[0].PkScript
	if !txscript.IsPayToTaproot(pkScript) && !txscript.IsPayToWitnessPubKeyHash(pkScript) {
		return nil, fmt.Errorf("bip322 signing with %s: %w", address, ErrUnsupportedAddress)
	}

	toSpendHash := toSpend.TxHash()
	zero := float64(0)
	signed, complete, err := w.SignRawTransactionWithWallet2(bip322.GetToSignTx(toSpend), []btcjson.RawTxWitnessInput{{
		Txid:         toSpendHash.String(),
		Vout:         0,
		ScriptPubKey: hex.EncodeToString(pkScript),
		Amount:       &zero,
	}})
	if err != nil {
		return nil, fmt.Errorf("signing bip322 to_sign tx: %w", err)
	}
	if !complete {
		return nil, fmt.Errorf("%s is not controlled by the wallet: %w", address, ErrWalletCannotSignAll)
	}

	return signed.TxIn[0].Witness, nil
}

// SignOneInputTaprootSpendingTransaction signs the only input of the request
// along the script path it describes.
func (w *RPCWalletController) SignOneInputTaprootSpendingTransaction(req *TaprootSigningRequest) (*TaprootSigningResult, error) {
	switch {
	case len(req.TxToSign.TxIn) == 0:
		return nil, errNoInputs
	case len(req.TxToSign.TxIn) > 1:
		return nil, fmt.Errorf("expected one input, got %d", len(req.TxToSign.TxIn))
	case !txscript.IsPayToTaproot(req.FundingOutput.PkScript):
		return nil, fmt.Errorf("funding output is not taproot")
	}

	key, err := w.AddressPublicKey(req.SignerAddress)
	if err != nil {
		return nil, err
	}

	packet, err := NewTaprootScriptSpendPsbt(req, key)
	if err != nil {
		return nil, err
	}

	signed, err := w.SignPsbt(packet)
	if err != nil {
		return nil, err
	}
	return TaprootSigningResultFromPsbt(signed)
}

// NewTaprootScriptSpendPsbt asks the holder of key to sign the first input
// of the request along its script leaf.
func NewTaprootScriptSpendPsbt(req *TaprootSigningRequest, key *btcec.PublicKey) (*psbt.Packet, error) {
	tx := req.TxToSign
	in := tx.TxIn[0]

	packet, err := psbt.New([]*wire.OutPoint{&in.PreviousOutPoint}, tx.TxOut, tx.Version, tx.LockTime, []uint32{in.Sequence})
	if err != nil {
		return nil, fmt.Errorf("creating psbt: %w", err)
	}

	controlBlock, err := req.SpendDescription.ControlBlock.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("serializing control block: %w", err)
	}

	pin := &packet.Inputs[0]
	pin.SighashType = txscript.SigHashDefault
	pin.WitnessUtxo = req.FundingOutput
	pin.Bip32Derivation = []*psbt.Bip32Derivation{{PubKey: key.SerializeCompressed()}}
	pin.TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
		ControlBlock: controlBlock,
		Script:       req.SpendDescription.ScriptLeaf.Script,
		LeafVersion:  req.SpendDescription.ScriptLeaf.LeafVersion,
	}}

	return packet, nil
}

// TaprootSigningResultFromPsbt reads the wallet's contribution to the first
// input. Multi-key leaves yield a bare signature, leaves the wallet can
// satisfy alone yield a finalized witness.
func TaprootSigningResultFromPsbt(signed *psbt.Packet) (*TaprootSigningResult, error) {
	if len(signed.Inputs) == 0 {
		return nil, errNoInputs
	}
	in := signed.Inputs[0]

	if len(in.TaprootScriptSpendSig) == 1 {
		sig, err := schnorr.ParseSignature(in.TaprootScriptSpendSig[0].Signature)
		if err != nil {
			return nil, fmt.Errorf("psbt script spend signature: %w", err)
		}
		return &TaprootSigningResult{Signature: sig}, nil
	}

	if len(in.FinalScriptWitness) > 0 {
		witness, err := bip322.SimpleSigToWitness(in.FinalScriptWitness)
		if err != nil {
			return nil, fmt.Errorf("psbt final witness: %w", err)
		}
		return &TaprootSigningResult{FullInputWitness: witness}, nil
	}

	return nil, fmt.Errorf("psbt carries no signature: %w", ErrWalletCannotSignAll)
}
