package types

import (
	"fmt"
	"sort"
	"strings"
)

// FeeEstimationMode selects where the daemon takes btc fee rates from.
type FeeEstimationMode int

const (
	StaticFeeEstimation FeeEstimationMode = iota
	DynamicFeeEstimation
	MempoolFeeEstimation
)

// SupportedNodeBackend is the btc node implementation the daemon talks to.
type SupportedNodeBackend int

const (
	BitcoindNodeBackend SupportedNodeBackend = iota
	BtcdNodeBackend
)

// SupportedWalletBackend is the wallet implementation the daemon signs with.
type SupportedWalletBackend int

const (
	BitcoindWalletBackend SupportedWalletBackend = iota
	BtcwalletWalletBackend
)

var (
	feeModeNames = map[string]FeeEstimationMode{
		"static":  StaticFeeEstimation,
		"dynamic": DynamicFeeEstimation,
		"mempool": MempoolFeeEstimation,
	}
	nodeBackendNames = map[string]SupportedNodeBackend{
		"bitcoind": BitcoindNodeBackend,
		"btcd":     BtcdNodeBackend,
	}
	walletBackendNames = map[string]SupportedWalletBackend{
		"bitcoind":  BitcoindWalletBackend,
		"btcwallet": BtcwalletWalletBackend,
	}
)

func lookupName[T comparable](kind string, names map[string]T, name string) (T, error) {
	if v, ok := names[strings.ToLower(name)]; ok {
		return v, nil
	}

	known := make([]string, 0, len(names))
	for k := range names {
		known = append(known, k)
	}
	sort.Strings(known)

	var zero T
	return zero, fmt.Errorf("unknown %s %q, expected one of %s", kind, name, strings.Join(known, ", "))
}

func nameOf[T ~int](names map[string]T, v T) string {
	for k, candidate := range names {
		if candidate == v {
			return k
		}
	}
	return fmt.Sprintf("unknown(%d)", int(v))
}

func NewFeeEstimationMode(mode string) (FeeEstimationMode, error) {
	return lookupName("fee estimation mode", feeModeNames, mode)
}

func NewNodeBackend(backend string) (SupportedNodeBackend, error) {
	return lookupName("node backend", nodeBackendNames, backend)
}

func NewWalletBackend(backend string) (SupportedWalletBackend, error) {
	return lookupName("wallet backend", walletBackendNames, backend)
}

func (m FeeEstimationMode) String() string { return nameOf(feeModeNames, m) }

func (b SupportedNodeBackend) String() string { return nameOf(nodeBackendNames, b) }

func (b SupportedWalletBackend) String() string { return nameOf(walletBackendNames, b) }
