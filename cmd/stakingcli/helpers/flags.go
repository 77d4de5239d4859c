package helpers

import (
	"encoding/json"
	"fmt"
	"os"

	scfg "github.com/babylonlabs-io/simple-staking-sub003/stakingcfg"
)

// Flag names shared by several commands.
const (
	StakingAmountFlag        = "staking-amount"
	StakingTimeBlocksFlag    = "staking-time"
	StakingDaemonAddressFlag = "daemon-address"
	FeeRateFlag              = "fee-rate"
)

var DefaultStakingDaemonAddress = fmt.Sprintf("tcp://127.0.0.1:%d", scfg.DefaultRPCPort)

// PrintRespJSON writes resp to stdout as indented json.
func PrintRespJSON(resp any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "unable to encode response: %v\n", err)
	}
}
