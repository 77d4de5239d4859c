package staking_test

import (
	"encoding/base64"
	"testing"

	"github.com/babylonlabs-io/simple-staking-sub003/babylonclient/keyringcontroller"
	"github.com/babylonlabs-io/simple-staking-sub003/staking"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cosmos/cosmos-sdk/crypto/hd"
	"github.com/cosmos/cosmos-sdk/crypto/keyring"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/stretchr/testify/require"
)

func TestBabylonKey(t *testing.T) {
	kr := keyringcontroller.NewInMemory()

	record, _, err := kr.NewMnemonic(
		"staker",
		keyring.English,
		sdk.FullFundraiserPath,
		keyring.DefaultBIP39Passphrase,
		hd.Secp256k1,
	)
	require.NoError(t, err)

	addr, err := record.GetAddress()
	require.NoError(t, err)

	got, pk, err := staking.BabylonKey(kr, addr)
	require.NoError(t, err)
	require.Equal(t, record.Name, got.Name)

	recordPk, err := record.GetPubKey()
	require.NoError(t, err)
	require.Equal(t, recordPk.Bytes(), pk.Bytes())

	_, _, err = staking.BabylonKey(kr, sdk.AccAddress(make([]byte, 20)))
	require.Error(t, err)
}

func TestValidatePopRejectsMalformed(t *testing.T) {
	good := staking.PopResponse{
		BabyAddress:   "bbn1xjz8fs9vkmefdqaxan5kv2d09vmwzru7jhy424",
		BTCAddress:    "bc1qcpty6lpueassw9rhfrvkq6h0ufnhmc2nhgvpcr",
		BTCPublicKey:  "79f71003589158b2579345540b08bbc74974c49dd5e0782e31d0de674540d513",
		BTCSignBaby:   base64.StdEncoding.EncodeToString([]byte("not a witness")),
		BabySignBTC:   base64.StdEncoding.EncodeToString(make([]byte, 64)),
		BabyPublicKey: "Asezdqkvh+kLbuD75DirSwi/QFbJjFe2SquiivMaPS65",
	}

	badPk := good
	badPk.BTCPublicKey = "zz"
	require.Error(t, staking.ValidatePop(&badPk, &chaincfg.MainNetParams))

	badEncoding := good
	badEncoding.BTCSignBaby = "%%%"
	require.Error(t, staking.ValidatePop(&badEncoding, &chaincfg.MainNetParams))

	require.Error(t, staking.ValidatePop(&good, &chaincfg.MainNetParams))
}
