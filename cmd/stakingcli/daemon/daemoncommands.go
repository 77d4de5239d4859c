package daemon

import (
	"context"
	"errors"

	"github.com/babylonlabs-io/simple-staking-sub003/cmd"
	"github.com/babylonlabs-io/simple-staking-sub003/cmd/stakingcli/helpers"
	dc "github.com/babylonlabs-io/simple-staking-sub003/stakingservice/client"
	"github.com/urfave/cli"
)

var DaemonCommands = []cli.Command{
	{
		Name:      "daemon",
		ShortName: "dn",
		Usage:     "Commands which require the staking daemon to be running.",
		Category:  "Daemon commands",
		Subcommands: []cli.Command{
			checkDaemonHealthCmd,
			networkParamsCmd,
			feeRatesCmd,
			pricesCmd,
			listOutputsCmd,
			finalityProvidersCmd,
			validateCmd,
			createEOICmd,
			stakeCmd,
			submitStakingTxCmd,
			registerPhase1Cmd,
			unbondCmd,
			withdrawCmd,
			delegationsCmd,
			delegationDetailsCmd,
			pendingDelegationsCmd,
			stakerStatsCmd,
			btcTxDetailsCmd,
		},
	},
}

const (
	offsetFlag                 = "offset"
	limitFlag                  = "limit"
	fpPksFlag                  = "finality-providers-pks"
	stakingTransactionHashFlag = "staking-transaction-hash"
	stakerAddressFlag          = "staker-address"
	stakerPkFlag               = "staker-pk"
	paginationKeyFlag          = "pagination-key"
	searchFlag                 = "search"
	sortFlag                   = "sort"
)

var daemonAddressFlag = cli.StringFlag{
	Name:  helpers.StakingDaemonAddressFlag,
	Usage: "full address of the staking daemon in format tcp:://<host>:<port>",
	Value: helpers.DefaultStakingDaemonAddress,
}

var stakingTxHashFlag = cli.StringFlag{
	Name:     stakingTransactionHashFlag,
	Usage:    "Hash of the staking transaction in bitcoin hex format",
	Required: true,
}

var stakingInputFlags = []cli.Flag{
	daemonAddressFlag,
	cli.StringFlag{
		Name:     stakerAddressFlag,
		Usage:    "BTC address of the staker",
		Required: true,
	},
	cli.Int64Flag{
		Name:     helpers.StakingAmountFlag,
		Usage:    "Staking amount in satoshis",
		Required: true,
	},
	cli.StringSliceFlag{
		Name:     fpPksFlag,
		Usage:    "BTC public keys of the finality providers in hex",
		Required: true,
	},
	cli.Int64Flag{
		Name:     helpers.StakingTimeBlocksFlag,
		Usage:    "Staking time in BTC blocks",
		Required: true,
	},
	cli.Int64Flag{
		Name:  helpers.FeeRateFlag,
		Usage: "Fee rate in sat/vB, the daemon default is used when zero",
	},
}

var pageFlags = []cli.Flag{
	daemonAddressFlag,
	cli.IntFlag{
		Name:  offsetFlag,
		Usage: "offset of the first record to return",
		Value: 0,
	},
	cli.IntFlag{
		Name:  limitFlag,
		Usage: "maximum number of records to return",
		Value: 100,
	},
}

var checkDaemonHealthCmd = cli.Command{
	Name:      "check-health",
	ShortName: "ch",
	Usage:     "Check if the staking daemon is running.",
	Flags:     []cli.Flag{daemonAddressFlag},
	Action:    checkHealth,
}

var networkParamsCmd = cli.Command{
	Name:      "network-params",
	ShortName: "np",
	Usage:     "Display the babylon staking parameters in force.",
	Flags:     []cli.Flag{daemonAddressFlag},
	Action:    networkParams,
}

var feeRatesCmd = cli.Command{
	Name:      "fee-rates",
	ShortName: "fr",
	Usage:     "Display the selectable fee rates in sat/vB.",
	Flags:     []cli.Flag{daemonAddressFlag},
	Action:    feeRates,
}

var pricesCmd = cli.Command{
	Name:   "prices",
	Usage:  "Display usd prices reported by the staking api.",
	Flags:  []cli.Flag{daemonAddressFlag},
	Action: prices,
}

var listOutputsCmd = cli.Command{
	Name:      "list-outputs",
	ShortName: "lo",
	Usage:     "List unspent outputs in connected wallet.",
	Flags:     []cli.Flag{daemonAddressFlag},
	Action:    listOutputs,
}

var finalityProvidersCmd = cli.Command{
	Name:      "finality-providers",
	ShortName: "fp",
	Usage:     "List finality providers known to the staking api",
	Flags: []cli.Flag{
		daemonAddressFlag,
		cli.StringFlag{
			Name:  paginationKeyFlag,
			Usage: "key of the page to return, empty for the first page",
		},
		cli.StringFlag{
			Name:  searchFlag,
			Usage: "filter by moniker or public key",
		},
		cli.StringFlag{
			Name:  sortFlag,
			Usage: "sort order, e.g. active_tvl",
		},
	},
	Action: finalityProviders,
}

var validateCmd = cli.Command{
	Name:      "validate",
	ShortName: "val",
	Usage:     "Validate staking input without building any transaction",
	Flags:     stakingInputFlags,
	Action:    validate,
}

var createEOICmd = cli.Command{
	Name:      "create-eoi",
	ShortName: "eoi",
	Usage:     "Register an expression of interest on babylon without broadcasting the staking transaction",
	Flags:     stakingInputFlags,
	Action:    createEOI,
}

var stakeCmd = cli.Command{
	Name:      "stake",
	ShortName: "st",
	Usage:     "Register the delegation on babylon, wait for verification and broadcast the staking transaction",
	Flags:     stakingInputFlags,
	Action:    stake,
}

var submitStakingTxCmd = cli.Command{
	Name:      "submit-staking-tx",
	ShortName: "sst",
	Usage:     "Broadcast the staking transaction of a verified delegation",
	Flags:     []cli.Flag{daemonAddressFlag, stakingTxHashFlag},
	Action:    submitStakingTx,
}

var registerPhase1Cmd = cli.Command{
	Name:        "register-phase1",
	ShortName:   "rp1",
	Usage:       "Register on babylon a staking transaction confirmed during phase-1",
	Description: "The daemon selects phase-1 global parameters by the inclusion height of the staking transaction",
	Flags: []cli.Flag{
		daemonAddressFlag,
		stakingTxHashFlag,
		cli.StringFlag{
			Name:     stakerAddressFlag,
			Usage:    "BTC address of the staker",
			Required: true,
		},
	},
	Action: registerPhase1,
}

var unbondCmd = cli.Command{
	Name:      "unbond",
	ShortName: "ubd",
	Usage:     "Broadcast the covenant signed unbonding transaction of an active delegation",
	Flags:     []cli.Flag{daemonAddressFlag, stakingTxHashFlag},
	Action:    unbond,
}

var withdrawCmd = cli.Command{
	Name:      "withdraw",
	ShortName: "wd",
	Usage:     "Send the funds of a withdrawable delegation back to the staker address",
	Flags:     []cli.Flag{daemonAddressFlag, stakingTxHashFlag},
	Action:    withdraw,
}

var delegationsCmd = cli.Command{
	Name:      "delegations",
	ShortName: "dels",
	Usage:     "List the delegations of a staker, merging local and indexed records",
	Flags: []cli.Flag{
		daemonAddressFlag,
		cli.StringFlag{
			Name:     stakerPkFlag,
			Usage:    "BTC public key of the staker in hex",
			Required: true,
		},
	},
	Action: delegations,
}

var delegationDetailsCmd = cli.Command{
	Name:      "delegation-details",
	ShortName: "dd",
	Usage:     "Display the delegation with the given staking transaction hash",
	Flags:     []cli.Flag{daemonAddressFlag, stakingTxHashFlag},
	Action:    delegationDetails,
}

var pendingDelegationsCmd = cli.Command{
	Name:      "pending-delegations",
	ShortName: "pd",
	Usage:     "List delegations tracked locally until the staking api reports them",
	Flags:     pageFlags,
	Action:    pendingDelegations,
}

var stakerStatsCmd = cli.Command{
	Name:  "staker-stats",
	Usage: "Display staking totals of a staker",
	Flags: []cli.Flag{
		daemonAddressFlag,
		cli.StringFlag{
			Name:     stakerPkFlag,
			Usage:    "BTC public key of the staker in hex",
			Required: true,
		},
	},
	Action: stakerStats,
}

var btcTxDetailsCmd = cli.Command{
	Name:   "btc-tx-details",
	Usage:  "Display a btc transaction and the header of the block including it",
	Flags:  []cli.Flag{daemonAddressFlag, stakingTxHashFlag},
	Action: btcTxDetails,
}

func newClient(ctx *cli.Context) (*dc.StakingServiceJSONRPCClient, error) {
	daemonAddress := ctx.String(helpers.StakingDaemonAddressFlag)

	user, pwd, err := cmd.BasicAuthFromEnv()
	if err != nil {
		return nil, err
	}

	daemonAddress, err = dc.AddressWithBasicAuth(daemonAddress, user, pwd)
	if err != nil {
		return nil, err
	}

	return dc.NewStakingServiceJSONRPCClient(daemonAddress)
}

func stakingArgs(ctx *cli.Context) *dc.StakingArgs {
	return &dc.StakingArgs{
		StakerAddress:     ctx.String(stakerAddressFlag),
		StakingAmount:     ctx.Int64(helpers.StakingAmountFlag),
		FpBtcPks:          ctx.StringSlice(fpPksFlag),
		StakingTimeBlocks: ctx.Int64(helpers.StakingTimeBlocksFlag),
		FeeRate:           ctx.Int64(helpers.FeeRateFlag),
	}
}

// run creates a client, calls fn and prints its result.
func run(ctx *cli.Context, fn func(context.Context, *dc.StakingServiceJSONRPCClient) (interface{}, error)) error {
	client, err := newClient(ctx)
	if err != nil {
		return err
	}

	result, err := fn(context.Background(), client)
	if err != nil {
		return err
	}

	helpers.PrintRespJSON(result)

	return nil
}

func checkHealth(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.Health(c)
	})
}

func networkParams(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.NetworkParams(c)
	})
}

func feeRates(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.FeeRates(c)
	})
}

func prices(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.Prices(c)
	})
}

func listOutputs(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.ListOutputs(c)
	})
}

func finalityProviders(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.FinalityProviders(c, ctx.String(paginationKeyFlag), ctx.String(searchFlag), ctx.String(sortFlag))
	})
}

func validate(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.ValidateStakingInput(c, stakingArgs(ctx))
	})
}

func createEOI(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.CreateEOI(c, stakingArgs(ctx))
	})
}

func stake(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.Stake(c, stakingArgs(ctx))
	})
}

func submitStakingTx(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.SubmitStakingTx(c, ctx.String(stakingTransactionHashFlag))
	})
}

func registerPhase1(ctx *cli.Context) error {
	stakingTxHash := ctx.String(stakingTransactionHashFlag)
	if len(stakingTxHash) == 0 {
		return errors.New("staking tx hash hex is empty")
	}

	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.RegisterPhase1Delegation(c, ctx.String(stakerAddressFlag), stakingTxHash)
	})
}

func unbond(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.Unbond(c, ctx.String(stakingTransactionHashFlag))
	})
}

func withdraw(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.Withdraw(c, ctx.String(stakingTransactionHashFlag))
	})
}

func delegations(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.Delegations(c, ctx.String(stakerPkFlag))
	})
}

func delegationDetails(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.Delegation(c, ctx.String(stakingTransactionHashFlag))
	})
}

func pendingDelegations(ctx *cli.Context) error {
	offset := ctx.Int(offsetFlag)
	if offset < 0 {
		return cli.NewExitError("Offset must be non-negative", 1)
	}

	limit := ctx.Int(limitFlag)
	if limit < 0 {
		return cli.NewExitError("Limit must be non-negative", 1)
	}

	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.PendingDelegations(c, &offset, &limit)
	})
}

func stakerStats(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.StakerStats(c, ctx.String(stakerPkFlag))
	})
}

func btcTxDetails(ctx *cli.Context) error {
	return run(ctx, func(c context.Context, client *dc.StakingServiceJSONRPCClient) (interface{}, error) {
		return client.BtcTxDetails(c, ctx.String(stakingTransactionHashFlag))
	})
}
