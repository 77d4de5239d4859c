package staking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/babylonlabs-io/simple-staking-sub003/metrics"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingapi"
	scfg "github.com/babylonlabs-io/simple-staking-sub003/stakingcfg"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingdb"
	"github.com/babylonlabs-io/simple-staking-sub003/utils"
	"github.com/babylonlabs-io/simple-staking-sub003/walletcontroller"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

const (
	// babylon submissions are retried for about a minute
	babylonRetryAttempts = 30
	babylonRetryDelay    = 2 * time.Second

	// outputs with lower relay fee rate are treated as dust, zero means the
	// node default
	dustRelayFee = 0
)

// babylonRetryOpts retries at a fixed pace until ctx ends, logging every
// failed attempt against the delegation.
func (app *App) babylonRetryOpts(ctx context.Context, stakingTxHash *chainhash.Hash, what string) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(babylonRetryAttempts),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(babylonRetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			app.logger.WithFields(logrus.Fields{
				"stakingTxHash": stakingTxHash,
				"attempt":       n + 1,
				"maxAttempts":   babylonRetryAttempts,
			}).WithError(err).Warn(what)
		}),
	}
}

// App coordinates the wallet, babylon and the staking api to move
// delegations through their lifecycle. Local bookkeeping of delegations the
// staking api has not caught up with yet lives in the delegation store.
type App struct {
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	quit      chan struct{}
	// cancelled right after quit is closed
	quitCtx    context.Context
	cancelQuit context.CancelFunc

	babylonClient    cl.BabylonClient
	wc               walletcontroller.WalletController
	api              stakingapi.StakingAPI
	mempool          stakingapi.MempoolAPI
	feeEstimator     FeeEstimator
	network          *chaincfg.Params
	config           *scfg.Config
	logger           *logrus.Logger
	store            *stakingdb.DelegationStore
	babylonMsgSender *cl.BabylonMsgSender
	m                *metrics.StakingMetrics

	eoiRequestedCmdChan      chan *eoiRequestCmd
	stateObservedEvChan      chan *delegationStateObservedEvent
	stakingTxConfirmedEvChan chan *stakingTxConfirmedEvent
	delegationResolvedEvChan chan *delegationResolvedEvent
	criticalErrorEvChan      chan *criticalErrorEvent
	currentBestBlockHeight   atomic.Uint32
}

// NewStakingAppFromConfig creates the app and every client it needs from config.
func NewStakingAppFromConfig(
	config *scfg.Config,
	logger *logrus.Logger,
	rpcClientLogger *zap.Logger,
	db kvdb.Backend,
	m *metrics.StakingMetrics,
) (*App, error) {
	walletClient, err := walletcontroller.NewFromStaking(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet controller: %w", err)
	}

	store, err := stakingdb.NewDelegationStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create delegation store: %w", err)
	}

	babylonClient, err := cl.NewBabylonController(config.BabylonConfig, logger, rpcClientLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Babylon controller: %w", err)
	}

	// quit never fires for the cache cleaner, it lives as long as the process
	cache, err := stakingapi.NewCache(context.Background(), config.StakingAPIConfig.CacheTTL)
	if err != nil {
		return nil, err
	}

	apiClient := stakingapi.NewClient(config.StakingAPIConfig, cache, logger)
	mempoolClient := stakingapi.NewMempoolClient(config.StakingAPIConfig, cache, logger)

	feeEstimator, err := NewFeeEstimator(config.BtcNodeBackendConfig, mempoolClient, logger)
	if err != nil {
		return nil, err
	}

	babylonMsgSender := cl.NewBabylonMsgSender(babylonClient, logger, config.StakingConfig.MaxConcurrentTransactions)

	return NewStakingAppFromDeps(
		config,
		logger,
		babylonClient,
		walletClient,
		apiClient,
		mempoolClient,
		feeEstimator,
		store,
		babylonMsgSender,
		m,
	), nil
}

// NewStakingAppFromDeps creates the app from already constructed dependencies.
func NewStakingAppFromDeps(
	config *scfg.Config,
	logger *logrus.Logger,
	babylonClient cl.BabylonClient,
	walletClient walletcontroller.WalletController,
	api stakingapi.StakingAPI,
	mempool stakingapi.MempoolAPI,
	feeEstimator FeeEstimator,
	store *stakingdb.DelegationStore,
	babylonMsgSender *cl.BabylonMsgSender,
	m *metrics.StakingMetrics,
) *App {
	quitCtx, cancelQuit := context.WithCancel(context.Background())

	return &App{
		quitCtx:             quitCtx,
		cancelQuit:          cancelQuit,
		babylonClient:       babylonClient,
		wc:                  walletClient,
		api:                 api,
		mempool:             mempool,
		feeEstimator:        feeEstimator,
		network:             &config.ActiveNetParams,
		config:              config,
		logger:              logger,
		store:               store,
		babylonMsgSender:    babylonMsgSender,
		m:                   m,
		quit:                make(chan struct{}),
		eoiRequestedCmdChan: make(chan *eoiRequestCmd),
		// events produced by the background sync of local delegations
		stateObservedEvChan:      make(chan *delegationStateObservedEvent),
		stakingTxConfirmedEvChan: make(chan *stakingTxConfirmedEvent),
		delegationResolvedEvChan: make(chan *delegationResolvedEvent),
		// critical errors are errors we do not know how to handle, they are
		// logged for the operator to investigate
		criticalErrorEvChan: make(chan *criticalErrorEvent),
	}
}

// Start seeds the btc tip height and launches the background loops.
func (app *App) Start() error {
	var err error
	app.startOnce.Do(func() {
		err = app.start()
	})
	return err
}

func (app *App) start() error {
	if err := app.feeEstimator.Start(); err != nil {
		return fmt.Errorf("starting fee estimator: %w", err)
	}

	height, err := app.wc.BestBlockHeight()
	if err != nil {
		return fmt.Errorf("failed to get best btc block: %w", err)
	}
	app.setBestBlockHeight(height)

	app.wg.Add(4)
	go app.pollBestBlock()
	go app.handleStakingEvents()
	go app.handleStakingCommands()
	go app.syncPendingDelegations()

	app.logger.WithField("btcBlockHeight", height).Info("Staking app started")
	return nil
}

func (app *App) setBestBlockHeight(height uint32) {
	app.currentBestBlockHeight.Store(height)
	app.m.CurrentBtcBlockHeight.Set(float64(height))
}

// pollBestBlock keeps the cached btc tip height current.
func (app *App) pollBestBlock() {
	defer app.wg.Done()

	ticker := time.NewTicker(app.config.StakingConfig.VerificationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			height, err := app.wc.BestBlockHeight()
			if err != nil {
				app.logger.WithError(err).Warn("Failed to poll best btc block")
				continue
			}
			if app.currentBestBlockHeight.Swap(height) != height {
				app.m.CurrentBtcBlockHeight.Set(float64(height))
				app.logger.WithField("btcBlockHeight", height).Debug("New best btc block")
			}
		case <-app.quit:
			return
		}
	}
}

// Stop waits for the background loops and in flight babylon submissions.
func (app *App) Stop() error {
	var err error
	app.stopOnce.Do(func() {
		close(app.quit)
		app.cancelQuit()
		app.wg.Wait()
		app.babylonMsgSender.Stop()
		err = app.feeEstimator.Stop()
		app.logger.Info("Staking app stopped")
	})
	return err
}

func (app *App) reportCriticalError(stakingTxHash chainhash.Hash, err error, info string) {
	utils.PushOrQuit(app.criticalErrorEvChan, &criticalErrorEvent{
		stakingTxHash: stakingTxHash,
		err:           err,
		info:          info,
	}, app.quit)
}

// withQuit derives a context from parent that is also cancelled on shutdown.
func (app *App) withQuit(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(app.quitCtx, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

func (app *App) checkNotStopped() error {
	select {
	case <-app.quit:
		return NewServerError("cannot process request", ErrAppStopped)
	default:
		return nil
	}
}

func (app *App) handleStakingCommands() {
	defer app.wg.Done()

	for {
		select {
		case cmd := <-app.eoiRequestedCmdChan:
			app.logEvent(cmd, "Handling staking command")
			result, err := app.handleEOIRequestCmd(cmd)
			if err != nil {
				utils.PushOrQuit(cmd.errChan, err, app.quit)
				continue
			}
			utils.PushOrQuit(cmd.successChan, result, app.quit)

		case <-app.quit:
			return
		}
	}
}

// handleStakingEvents is the only writer of state discovered in the
// background.
func (app *App) handleStakingEvents() {
	defer app.wg.Done()

	for {
		select {
		case ev := <-app.stateObservedEvChan:
			app.logEvent(ev, "Handling staking event")
			err := app.store.SetDelegationState(&ev.stakingTxHash, ev.state)
			switch {
			case err == nil:
				app.m.DelegationStateChanges.WithLabelValues(ev.state.String()).Inc()
				app.logger.WithFields(ev.logFields()).Info("Delegation state updated")
			case errors.Is(err, stakingdb.ErrDelegationNotFound),
				errors.Is(err, stakingdb.ErrInvalidStateTransition):
				// resolved or advanced by a request in the meantime
				app.logger.WithFields(ev.logFields()).WithError(err).Debug("Ignoring observed delegation state")
			default:
				app.reportCriticalError(ev.stakingTxHash, err, "failed to update delegation state")
			}

		case ev := <-app.stakingTxConfirmedEvChan:
			app.logEvent(ev, "Handling staking event")
			err := app.store.SetStakingTxConfirmed(&ev.stakingTxHash, ev.blockHeight)
			if err != nil && !errors.Is(err, stakingdb.ErrDelegationNotFound) {
				app.reportCriticalError(ev.stakingTxHash, err, "failed to record staking tx confirmation")
			}

		case ev := <-app.delegationResolvedEvChan:
			app.logEvent(ev, "Handling staking event")
			err := app.store.RemoveDelegation(&ev.stakingTxHash)
			if err != nil && !errors.Is(err, stakingdb.ErrDelegationNotFound) {
				app.reportCriticalError(ev.stakingTxHash, err, "failed to remove resolved delegation")
			}

		case ev := <-app.criticalErrorEvChan:
			// shutdown cancels in-flight work
			if errors.Is(ev.err, context.Canceled) {
				continue
			}
			app.logger.WithFields(ev.logFields()).WithError(ev.err).Error("Critical error")

		case <-app.quit:
			return
		}
	}
}

// Wallet returns the wallet controller
func (app *App) Wallet() walletcontroller.WalletController {
	return app.wc
}

// BabylonController returns the babylon client
func (app *App) BabylonController() cl.BabylonClient {
	return app.babylonClient
}

// Store returns the local delegation store
func (app *App) Store() *stakingdb.DelegationStore {
	return app.store
}

// NetworkParams returns the babylon staking params in force and whether the
// staking api accepts new delegations.
func (app *App) NetworkParams(ctx context.Context) (*cl.StakingParams, bool, error) {
	params, err := app.babylonClient.Params()
	if err != nil {
		return nil, false, NewServerError("failed to get babylon staking params", err)
	}

	info, err := app.api.GetNetworkInfo(ctx)
	if err != nil {
		return nil, false, NewServerError("failed to get network info", err)
	}

	return params, info.StakingStatus.IsStakingOpen, nil
}

// FeeRates returns the selectable fee rates in sat/vB.
func (app *App) FeeRates(ctx context.Context) (*FeeRates, error) {
	fees, err := app.mempool.GetNetworkFees(ctx)
	if err != nil {
		return nil, NewServerError("failed to get network fees", err)
	}

	rates := FeeRatesFromMempool(fees)
	return &rates, nil
}

// FinalityProviders returns a page of finality providers from the staking api.
func (app *App) FinalityProviders(
	ctx context.Context,
	q stakingapi.FinalityProviderQuery,
) (*stakingapi.FinalityProvidersPage, error) {
	page, err := app.api.GetFinalityProviders(ctx, q)
	if err != nil {
		return nil, NewServerError("failed to get finality providers", err)
	}
	return page, nil
}

// StakerStats returns the staking api totals of a staker.
func (app *App) StakerStats(ctx context.Context, stakerPk *btcec.PublicKey) (*stakingapi.StakerStats, error) {
	stats, err := app.api.GetStakerStats(ctx, EncodeSchnorrPkToHexString(stakerPk))
	if err != nil {
		return nil, NewServerError("failed to get staker stats", err)
	}
	return stats, nil
}

// Prices returns usd prices keyed by symbol.
func (app *App) Prices(ctx context.Context) (map[string]float64, error) {
	prices, err := app.api.GetPrices(ctx)
	if err != nil {
		return nil, NewServerError("failed to get prices", err)
	}
	return prices, nil
}

// ListUnspentOutputs returns every wallet output, dust included.
func (app *App) ListUnspentOutputs() ([]walletcontroller.Utxo, error) {
	utxos, err := app.wc.ListOutputs(false)
	if err != nil {
		return nil, NewWalletError("failed to list wallet outputs", err)
	}
	return utxos, nil
}

// BtcTxAndBlock returns a wallet transaction with the header of its block.
func (app *App) BtcTxAndBlock(txHash *chainhash.Hash) (*btcjson.TxRawResult, *btcjson.GetBlockHeaderVerboseResult, error) {
	tx, err := app.wc.TxVerbose(txHash)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get transaction verbose: %w", err)
	}

	blockHash, err := chainhash.NewHashFromStr(tx.BlockHash)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse block hash: %w", err)
	}

	blk, err := app.wc.BlockHeaderVerbose(blockHash)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get block header verbose: %w", err)
	}

	return tx, blk, nil
}

func checkConfirmationDepth(tipBlockHeight, txInclusionBlockHeight, confirmationTimeBlocks uint32) error {
	if txInclusionBlockHeight >= tipBlockHeight {
		return fmt.Errorf("inclusion block height: %d should be lower than current tip: %d: %w",
			txInclusionBlockHeight, tipBlockHeight, ErrHeaderNotDeepEnough)
	}
	if (tipBlockHeight - txInclusionBlockHeight) < confirmationTimeBlocks {
		return fmt.Errorf(
			"current tip: %d, tx inclusion height: %d, confirmations needed: %d: %w",
			tipBlockHeight, txInclusionBlockHeight, confirmationTimeBlocks, ErrHeaderNotDeepEnough,
		)
	}
	return nil
}
