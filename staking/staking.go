package staking

import (
	"encoding/hex"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// EncodeSchnorrPkToHexString serializes pk as the 32 byte x-only hex string
// used by babylon and the staking api.
func EncodeSchnorrPkToHexString(pk *btcec.PublicKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(pk))
}

func ParseSchnorrPk(key string) (*btcec.PublicKey, error) {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return nil, err
	}

	return schnorr.ParsePubKey(keyBytes)
}

// ParseFinalityProviderPks parses hex encoded finality provider keys.
func ParseFinalityProviderPks(keys []string) ([]*btcec.PublicKey, error) {
	pks := make([]*btcec.PublicKey, 0, len(keys))
	for _, k := range keys {
		pk, err := ParseSchnorrPk(k)
		if err != nil {
			return nil, fmt.Errorf("invalid finality provider key %s: %w", k, err)
		}
		pks = append(pks, pk)
	}

	return pks, nil
}

// ParseStakingTime ensures the staking time fits the 16 bit timelock.
func ParseStakingTime(stakingTime uint64) (uint16, error) {
	if stakingTime > math.MaxUint16 {
		return 0, fmt.Errorf("staking time %d is too big", stakingTime)
	}

	return uint16(stakingTime), nil
}

// ParseTxHash parses a hex transaction hash, failing with a validation error.
func ParseTxHash(hashHex string) (*chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(hashHex)
	if err != nil {
		return nil, NewValidationError("invalid staking transaction hash", err)
	}
	return h, nil
}
