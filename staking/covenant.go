package staking

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"

	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

func pubKeyToString(pk *btcec.PublicKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(pk))
}

// haveDuplicates reports whether two keys share an x-only encoding. Nil keys
// are ignored.
func haveDuplicates(pks []*btcec.PublicKey) bool {
	seen := make(map[string]bool, len(pks))
	for _, pk := range pks {
		if pk == nil {
			continue
		}
		k := pubKeyToString(pk)
		if seen[k] {
			return true
		}
		seen[k] = true
	}
	return false
}

// witnessOrder returns pks sorted the way a covenant multisig script consumes
// signatures, descending by x-only encoding.
func witnessOrder(pks []*btcec.PublicKey) []*btcec.PublicKey {
	sorted := slices.Clone(pks)
	slices.SortStableFunc(sorted, func(a, b *btcec.PublicKey) int {
		return bytes.Compare(schnorr.SerializePubKey(b), schnorr.SerializePubKey(a))
	})
	return sorted
}

// covenantWitnessSigs lays out received covenant signatures for the unbonding
// witness: one slot per covenant key in witness order, nil for keys that did
// not sign. Signatures of the first quorum distinct keys are used.
func covenantWitnessSigs(
	covenantPks []*btcec.PublicKey,
	quorum uint32,
	received []cl.CovenantSignatureInfo,
) ([]*schnorr.Signature, error) {
	if uint32(len(received)) < quorum {
		return nil, fmt.Errorf("%d covenant signatures received, quorum is %d", len(received), quorum)
	}

	byKey := make(map[string]*schnorr.Signature, quorum)
	for _, s := range received {
		if uint32(len(byKey)) == quorum {
			break
		}
		byKey[pubKeyToString(s.PubKey)] = s.Signature
	}

	ordered := witnessOrder(covenantPks)
	sigs := make([]*schnorr.Signature, len(ordered))
	for i, pk := range ordered {
		sigs[i] = byKey[pubKeyToString(pk)]
	}
	return sigs, nil
}
