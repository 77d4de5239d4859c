package babylonclient

import (
	"errors"
	"fmt"

	"github.com/babylonlabs-io/babylon/crypto/bip322"
	bbn "github.com/babylonlabs-io/babylon/types"
	btcstypes "github.com/babylonlabs-io/babylon/x/btcstaking/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	sdk "github.com/cosmos/cosmos-sdk/types"
)

// BabylonPop proves the btc staker key controls the babylon staker address.
type BabylonPop struct {
	SigType btcstypes.BTCSigType
	Sig     []byte
}

// Bip322Signer signs a message with the key controlling address.
type Bip322Signer interface {
	SignBip322Signature(msg []byte, address btcutil.Address) (wire.TxWitness, error)
}

// NewBip322Pop wraps a bip322 witness over msg, failing if it does not verify
// against btcPk and addr.
func NewBip322Pop(
	msg []byte,
	witness wire.TxWitness,
	btcPk *btcec.PublicKey,
	addr btcutil.Address,
	net *chaincfg.Params,
) (*BabylonPop, error) {
	rawWitness, err := bip322.SerializeWitness(witness)
	if err != nil {
		return nil, fmt.Errorf("serializing bip322 witness: %w", err)
	}
	rawPk, err := bbn.NewBIP340PubKeyFromBTCPK(btcPk).Marshal()
	if err != nil {
		return nil, err
	}
	if err := btcstypes.VerifyBIP322SigPop(msg, addr.EncodeAddress(), rawWitness, rawPk, net); err != nil {
		return nil, fmt.Errorf("bip322 pop does not verify: %w", err)
	}

	sig, err := (&btcstypes.BIP322Sig{Sig: rawWitness, Address: addr.EncodeAddress()}).Marshal()
	if err != nil {
		return nil, err
	}
	return &BabylonPop{SigType: btcstypes.BTCSigType_BIP322, Sig: sig}, nil
}

// CreateBip322Pop has signer sign the bech32 babylon address with the staker
// key. The wallet must be unlocked.
func CreateBip322Pop(
	signer Bip322Signer,
	babylonAddr sdk.AccAddress,
	stakerAddr btcutil.Address,
	stakerPk *btcec.PublicKey,
	net *chaincfg.Params,
) (*BabylonPop, error) {
	msg := []byte(babylonAddr.String())

	witness, err := signer.SignBip322Signature(msg, stakerAddr)
	if err != nil {
		return nil, fmt.Errorf("signing babylon address: %w", err)
	}
	return NewBip322Pop(msg, witness, stakerPk, stakerAddr, net)
}

func (pop *BabylonPop) ToBtcStakingPop() (*btcstypes.ProofOfPossessionBTC, error) {
	if len(pop.Sig) == 0 {
		return nil, errors.New("empty pop signature")
	}
	return &btcstypes.ProofOfPossessionBTC{BtcSigType: pop.SigType, BtcSig: pop.Sig}, nil
}
