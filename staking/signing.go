package staking

import (
	"encoding/hex"
	"errors"
	"fmt"

	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingapi"
	"github.com/babylonlabs-io/simple-staking-sub003/walletcontroller"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/sirupsen/logrus"
)

// seconds the wallet stays unlocked for each signing round
const walletUnlockSeconds = 15

func (app *App) unlockWallet() error {
	if err := app.wc.UnlockWallet(walletUnlockSeconds); err != nil {
		return NewWalletError("failed to unlock wallet", err)
	}
	return nil
}

// signScriptSpend has the wallet sign the single input of tx spending
// fundingOutput through leaf. Depending on the leaf the wallet returns a bare
// signature or a complete witness.
func (app *App) signScriptSpend(
	tx *wire.MsgTx,
	fundingOutput *wire.TxOut,
	signer btcutil.Address,
	leaf *txscript.TapLeaf,
	controlBlock *txscript.ControlBlock,
) (*walletcontroller.TaprootSigningResult, error) {
	if err := app.unlockWallet(); err != nil {
		return nil, err
	}

	res, err := app.wc.SignOneInputTaprootSpendingTransaction(&walletcontroller.TaprootSigningRequest{
		FundingOutput:    fundingOutput,
		TxToSign:         tx,
		SignerAddress:    signer,
		SpendDescription: &walletcontroller.SpendPathDescription{ScriptLeaf: leaf, ControlBlock: controlBlock},
	})
	if err != nil {
		return nil, fmt.Errorf("wallet failed to sign script spend: %w", err)
	}
	return res, nil
}

// stakerSignature returns the bare staker signature over a multi key leaf.
// Wallets never finalize such leaves alone.
func (app *App) stakerSignature(
	txToSign *wire.MsgTx,
	fundingOutput *wire.TxOut,
	signerAddress btcutil.Address,
	leaf *txscript.TapLeaf,
	controlBlock *txscript.ControlBlock,
) (*schnorr.Signature, error) {
	res, err := app.signScriptSpend(txToSign, fundingOutput, signerAddress, leaf, controlBlock)
	if err != nil {
		return nil, err
	}

	if res.Signature == nil {
		return nil, fmt.Errorf("wallet did not return staker signature: %w", walletcontroller.ErrWalletCannotSignAll)
	}

	return res.Signature, nil
}

// signStakingTxPsbt asks the wallet to sign every input of the funded
// staking transaction through a psbt.
func (app *App) signStakingTxPsbt(tx *wire.MsgTx) (*wire.MsgTx, error) {
	if err := app.unlockWallet(); err != nil {
		return nil, err
	}

	packet, err := psbt.NewFromUnsignedTx(unsignedCopy(tx))
	if err != nil {
		return nil, fmt.Errorf("failed to create staking tx psbt: %w", err)
	}

	for i, in := range tx.TxIn {
		prevTx, err := app.wc.Tx(&in.PreviousOutPoint.Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to get funding transaction %s: %w", in.PreviousOutPoint.Hash, err)
		}

		prevOuts := prevTx.MsgTx().TxOut
		if int(in.PreviousOutPoint.Index) >= len(prevOuts) {
			return nil, fmt.Errorf("funding output %s does not exist", in.PreviousOutPoint)
		}

		packet.Inputs[i].WitnessUtxo = prevOuts[in.PreviousOutPoint.Index]
		packet.Inputs[i].SighashType = txscript.SigHashDefault
	}

	signed, err := app.wc.SignPsbt(packet)
	if err != nil {
		return nil, err
	}

	if err := psbt.MaybeFinalizeAll(signed); err != nil {
		app.logTx(tx, "staking", "Wallet could not finalize staking tx")
		return nil, fmt.Errorf("%w: %w", walletcontroller.ErrWalletCannotSignAll, err)
	}

	signedTx, err := psbt.Extract(signed)
	if err != nil {
		return nil, fmt.Errorf("failed to extract signed staking tx: %w", err)
	}

	if len(signedTx.TxIn) == 0 || len(unsignedInputs(signedTx)) > 0 {
		app.logTx(signedTx, "staking", "Wallet could not sign every staking tx input")
		return nil, walletcontroller.ErrWalletCannotSignAll
	}

	return signedTx, nil
}

func unsignedCopy(tx *wire.MsgTx) *wire.MsgTx {
	cp := tx.Copy()
	for _, in := range cp.TxIn {
		in.SignatureScript = nil
		in.Witness = nil
	}
	return cp
}

// unsignedInputs lists inputs carrying neither a witness nor a script sig.
func unsignedInputs(tx *wire.MsgTx) []int {
	var idx []int
	for i, in := range tx.TxIn {
		if len(in.Witness) == 0 && len(in.SignatureScript) == 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

func (app *App) logTx(tx *wire.MsgTx, kind, msg string) {
	outpoints := make([]string, len(tx.TxIn))
	for i, in := range tx.TxIn {
		outpoints[i] = in.PreviousOutPoint.String()
	}
	app.logger.WithFields(logrus.Fields{
		"txType":         kind,
		"txHash":         tx.TxHash(),
		"inputs":         outpoints,
		"unsignedInputs": unsignedInputs(tx),
	}).Debug(msg)
}

// unlockAndCreatePop proves the staker key controls the babylon address
// receiving the rewards.
func (app *App) unlockAndCreatePop(
	babylonAddr sdk.AccAddress,
	stakerAddress btcutil.Address,
	stakerPk *btcec.PublicKey,
) (*cl.BabylonPop, error) {
	if err := app.unlockWallet(); err != nil {
		return nil, err
	}

	return cl.CreateBip322Pop(
		app.wc,
		babylonAddr,
		stakerAddress,
		stakerPk,
		app.network,
	)
}

// parseAPICovenantSigs decodes covenant signatures as indexed by the staking api.
func parseAPICovenantSigs(sigs []stakingapi.CovenantSignature) ([]cl.CovenantSignatureInfo, error) {
	parsed := make([]cl.CovenantSignatureInfo, 0, len(sigs))
	for _, s := range sigs {
		pk, err := ParseSchnorrPk(s.CovenantBtcPkHex)
		if err != nil {
			return nil, fmt.Errorf("invalid covenant public key %s: %w", s.CovenantBtcPkHex, err)
		}

		sigBytes, err := hex.DecodeString(s.SignatureHex)
		if err != nil {
			return nil, fmt.Errorf("invalid covenant signature hex: %w", err)
		}

		sig, err := schnorr.ParseSignature(sigBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid covenant signature: %w", err)
		}

		parsed = append(parsed, cl.CovenantSignatureInfo{
			Signature: sig,
			PubKey:    pk,
		})
	}

	return parsed, nil
}

var errNoWalletKey = errors.New("wallet does not control the staker key")

// stakerAddressForPk finds the wallet address holding pk. Taproot key spend
// and native segwit addresses are tried.
func (app *App) stakerAddressForPk(pk *btcec.PublicKey) (btcutil.Address, error) {
	var candidates []btcutil.Address

	tapKey := txscript.ComputeTaprootKeyNoScript(pk)
	if addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(tapKey), app.network); err == nil {
		candidates = append(candidates, addr)
	}

	if addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pk.SerializeCompressed()), app.network); err == nil {
		candidates = append(candidates, addr)
	}

	for _, addr := range candidates {
		walletPk, err := app.wc.AddressPublicKey(addr)
		if err != nil {
			continue
		}
		if schnorrKeysEqual(walletPk, pk) {
			return addr, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", errNoWalletKey, pubKeyToString(pk))
}

func schnorrKeysEqual(a, b *btcec.PublicKey) bool {
	return pubKeyToString(a) == pubKeyToString(b)
}
