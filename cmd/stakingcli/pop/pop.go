// Package pop holds the offline proof of possession commands. They talk to
// the btc wallet and the local keyring directly, not to the daemon.
package pop

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/babylonlabs-io/simple-staking-sub003/babylonclient/keyringcontroller"
	"github.com/babylonlabs-io/simple-staking-sub003/cmd/stakingcli/helpers"
	"github.com/babylonlabs-io/simple-staking-sub003/staking"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	ut "github.com/babylonlabs-io/simple-staking-sub003/utils"
	"github.com/babylonlabs-io/simple-staking-sub003/walletcontroller"
	"github.com/btcsuite/btcd/btcutil"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/urfave/cli"
)

const (
	networkFlag          = "btc-network"
	walletHostFlag       = "btc-wallet-host"
	walletUserFlag       = "btc-wallet-rpc-user"
	walletPassFlag       = "btc-wallet-rpc-pass"
	walletNameFlag       = "btc-wallet-name"
	walletPassphraseFlag = "btc-wallet-passphrase"
	btcAddressFlag       = "btc-address"
	babyAddressFlag      = "baby-address"
	babyPrefixFlag       = "baby-address-prefix"
	keyringDirFlag       = "keyring-dir"
	keyringBackendFlag   = "keyring-backend"
)

var PopCommands = []cli.Command{
	{
		Name:     "pop",
		Usage:    "Create and check proofs of possession binding a btc key to a babylon key",
		Category: "PoP commands",
		Subcommands: []cli.Command{
			createCmd,
			validateCmd,
		},
	},
}

var networkCliFlag = cli.StringFlag{
	Name:  networkFlag,
	Usage: "Bitcoin network (mainnet, testnet3, signet, regtest, simnet)",
	Value: "signet",
}

var walletFlags = []cli.Flag{
	cli.StringFlag{Name: walletHostFlag, Usage: "Bitcoin wallet rpc host", Value: "127.0.0.1:38332"},
	cli.StringFlag{Name: walletUserFlag, Usage: "Bitcoin wallet rpc user", Value: "user"},
	cli.StringFlag{Name: walletPassFlag, Usage: "Bitcoin wallet rpc password", Value: "pass"},
	cli.StringFlag{Name: walletNameFlag, Usage: "Bitcoin wallet name"},
	cli.StringFlag{Name: walletPassphraseFlag, Usage: "Bitcoin wallet passphrase, empty for unencrypted wallets"},
}

var createCmd = cli.Command{
	Name:      "create",
	ShortName: "c",
	Usage:     "Sign the babylon address with the btc key and the btc address with the babylon key",
	Flags: append([]cli.Flag{
		cli.StringFlag{Name: btcAddressFlag, Usage: "Btc staker address (p2wpkh or bip86 p2tr)", Required: true},
		cli.StringFlag{Name: babyAddressFlag, Usage: "Babylon staker address", Required: true},
		cli.StringFlag{Name: babyPrefixFlag, Usage: "Babylon bech32 prefix", Value: "bbn"},
		cli.StringFlag{Name: keyringDirFlag, Usage: "Directory of the keyring holding the babylon key", Required: true},
		cli.StringFlag{Name: keyringBackendFlag, Usage: "Keyring backend (test, file, os)", Value: "test"},
		networkCliFlag,
	}, walletFlags...),
	Action: createPop,
}

var validateCmd = cli.Command{
	Name:      "validate",
	ShortName: "v",
	Usage:     "stakingcli pop validate [pop.json | -]",
	Flags:     []cli.Flag{networkCliFlag},
	Action:    validatePop,
}

func createPop(c *cli.Context) error {
	net, err := ut.GetBtcNetworkParams(c.String(networkFlag))
	if err != nil {
		return err
	}

	btcAddr, err := btcutil.DecodeAddress(c.String(btcAddressFlag), net)
	if err != nil {
		return fmt.Errorf("btc address: %w", err)
	}

	prefix := c.String(babyPrefixFlag)
	babyAddr, err := sdk.GetFromBech32(c.String(babyAddressFlag), prefix)
	if err != nil {
		return fmt.Errorf("babylon address: %w", err)
	}

	wallet, err := walletcontroller.New(walletcontroller.Config{
		Host:             c.String(walletHostFlag),
		User:             c.String(walletUserFlag),
		Pass:             c.String(walletPassFlag),
		WalletName:       c.String(walletNameFlag),
		WalletPassphrase: c.String(walletPassphraseFlag),
		Backend:          types.BitcoindWalletBackend,
		Net:              net,
	})
	if err != nil {
		return err
	}
	defer wallet.Shutdown()

	kr, err := keyringcontroller.Open(keyringcontroller.Config{
		Dir:     c.String(keyringDirFlag),
		Backend: c.String(keyringBackendFlag),
	}, os.Stdin)
	if err != nil {
		return err
	}

	if err := wallet.UnlockWallet(15); err != nil {
		return fmt.Errorf("unlocking wallet: %w", err)
	}

	resp, err := staking.NewPopCreator(wallet, kr, net).CreatePop(btcAddr, prefix, sdk.AccAddress(babyAddr))
	if err != nil {
		return err
	}

	helpers.PrintRespJSON(resp)
	return nil
}

func validatePop(c *cli.Context) error {
	net, err := ut.GetBtcNetworkParams(c.String(networkFlag))
	if err != nil {
		return err
	}

	path := c.Args().First()
	var raw []byte
	switch path {
	case "":
		return fmt.Errorf("pop file argument is required, use - for stdin")
	case "-":
		raw, err = io.ReadAll(os.Stdin)
	default:
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}

	var p staking.PopResponse
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decoding pop: %w", err)
	}

	if err := staking.ValidatePop(&p, net); err != nil {
		return err
	}

	fmt.Println("proof of possession is valid")
	return nil
}
