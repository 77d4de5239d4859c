package staking

import (
	"encoding/base64"
	"errors"
	"fmt"

	bbn "github.com/babylonlabs-io/babylon/types"
	btcstypes "github.com/babylonlabs-io/babylon/x/btcstaking/types"
	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/babylonlabs-io/simple-staking-sub003/walletcontroller"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cosmos/cosmos-sdk/crypto/keyring"
	"github.com/cosmos/cosmos-sdk/crypto/keys/secp256k1"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/cosmos/cosmos-sdk/types/tx/signing"
)

// PopResponse links a btc staker address and a babylon address, each signing
// the other.
type PopResponse struct {
	BabyAddress   string `json:"babyAddress"`
	BTCAddress    string `json:"btcAddress"`
	BTCPublicKey  string `json:"btcPublicKey"`
	BTCSignBaby   string `json:"btcSignBaby"`
	BabySignBTC   string `json:"babySignBtc"`
	BabyPublicKey string `json:"babyPublicKey"`
}

// PopCreator signs proofs of possession offline with the btc wallet and the
// local babylon keyring.
type PopCreator struct {
	signer walletcontroller.Signer
	kr     keyring.Keyring
	net    *chaincfg.Params
}

func NewPopCreator(signer walletcontroller.Signer, kr keyring.Keyring, net *chaincfg.Params) *PopCreator {
	return &PopCreator{signer: signer, kr: kr, net: net}
}

// BabylonKey returns the keyring record owning addr. Only secp256k1 keys can
// sign for babylon accounts.
func BabylonKey(kr keyring.Keyring, addr sdk.AccAddress) (*keyring.Record, *secp256k1.PubKey, error) {
	record, err := kr.KeyByAddress(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("babylon key for %s: %w", addr, err)
	}
	pk, err := record.GetPubKey()
	if err != nil {
		return nil, nil, err
	}
	secpPk, ok := pk.(*secp256k1.PubKey)
	if !ok {
		return nil, nil, fmt.Errorf("babylon key %s has unsupported type %s", record.Name, pk.Type())
	}
	return record, secpPk, nil
}

// CreatePop signs the bech32 babylon address with the btc key and the btc
// address with the babylon key.
func (pc *PopCreator) CreatePop(
	btcAddress btcutil.Address,
	babyAddressPrefix string,
	babyAddress sdk.AccAddress,
) (*PopResponse, error) {
	bech32Addr, err := sdk.Bech32ifyAddressBytes(babyAddressPrefix, babyAddress.Bytes())
	if err != nil {
		return nil, err
	}

	btcPk, btcSig, err := pc.btcSignsBabylon(btcAddress, bech32Addr)
	if err != nil {
		return nil, err
	}

	record, babyPk, err := BabylonKey(pc.kr, babyAddress)
	if err != nil {
		return nil, err
	}
	babySig, _, err := pc.kr.Sign(record.Name, []byte(btcAddress.EncodeAddress()), signing.SignMode_SIGN_MODE_DIRECT)
	if err != nil {
		return nil, fmt.Errorf("signing btc address with babylon key: %w", err)
	}

	return &PopResponse{
		BabyAddress:   bech32Addr,
		BTCAddress:    btcAddress.EncodeAddress(),
		BTCPublicKey:  EncodeSchnorrPkToHexString(btcPk),
		BTCSignBaby:   base64.StdEncoding.EncodeToString(btcSig),
		BabySignBTC:   base64.StdEncoding.EncodeToString(babySig),
		BabyPublicKey: base64.StdEncoding.EncodeToString(babyPk.Bytes()),
	}, nil
}

// btcSignsBabylon returns the staker key and its serialized bip322 witness
// over the babylon address.
func (pc *PopCreator) btcSignsBabylon(btcAddress btcutil.Address, babyAddress string) (*btcec.PublicKey, []byte, error) {
	pk, err := pc.signer.AddressPublicKey(btcAddress)
	if err != nil {
		return nil, nil, NewWalletError("btc address is not controlled by wallet", err)
	}

	msg := []byte(babyAddress)
	witness, err := pc.signer.SignBip322Signature(msg, btcAddress)
	if err != nil {
		return nil, nil, NewWalletError("failed to sign babylon address", err)
	}

	pop, err := cl.NewBip322Pop(msg, witness, pk, btcAddress, pc.net)
	if err != nil {
		return nil, nil, err
	}

	var sig btcstypes.BIP322Sig
	if err := sig.Unmarshal(pop.Sig); err != nil {
		return nil, nil, err
	}
	return pk, sig.Sig, nil
}

// ValidatePop checks both signatures of p.
func ValidatePop(p *PopResponse, net *chaincfg.Params) error {
	btcPk, err := ParseSchnorrPk(p.BTCPublicKey)
	if err != nil {
		return fmt.Errorf("invalid btc public key: %w", err)
	}

	btcSig, err := base64.StdEncoding.DecodeString(p.BTCSignBaby)
	if err != nil {
		return fmt.Errorf("invalid btc signature encoding: %w", err)
	}

	btcKeyBytes, err := bbn.NewBIP340PubKeyFromBTCPK(btcPk).Marshal()
	if err != nil {
		return err
	}

	if err := btcstypes.VerifyBIP322SigPop(
		[]byte(p.BabyAddress),
		p.BTCAddress,
		btcSig,
		btcKeyBytes,
		net,
	); err != nil {
		return fmt.Errorf("invalid btc signature over babylon address: %w", err)
	}

	babyPkBytes, err := base64.StdEncoding.DecodeString(p.BabyPublicKey)
	if err != nil {
		return fmt.Errorf("invalid babylon public key encoding: %w", err)
	}

	babySig, err := base64.StdEncoding.DecodeString(p.BabySignBTC)
	if err != nil {
		return fmt.Errorf("invalid babylon signature encoding: %w", err)
	}

	babyPk := &secp256k1.PubKey{Key: babyPkBytes}
	if !babyPk.VerifySignature([]byte(p.BTCAddress), babySig) {
		return errors.New("invalid babylon signature over btc address")
	}

	return nil
}
