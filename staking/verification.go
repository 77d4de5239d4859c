package staking

import (
	"context"
	"errors"
	"time"

	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingapi"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingdb"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/babylonlabs-io/simple-staking-sub003/utils"
	"github.com/babylonlabs-io/simple-staking-sub003/walletcontroller"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"
)

// babylonState maps the babylon status of a delegation to a lifecycle state.
// Only states reached before the staking api indexes a delegation are mapped.
func babylonState(di *cl.DelegationInfo) (types.DelegationState, bool) {
	switch {
	case di.Active || di.Status == cl.BabylonStatusActive:
		return types.DelegationStateActive, true
	case di.Status == cl.BabylonStatusVerified:
		return types.DelegationStateVerified, true
	case di.Status == cl.BabylonStatusPending:
		return types.DelegationStatePending, true
	default:
		return "", false
	}
}

// isVerified reports whether the staking tx hash reached covenant quorum
// according to babylon, or to the staking api when babylon cannot tell.
func (app *App) isVerified(ctx context.Context, stakingTxHash *chainhash.Hash) (bool, error) {
	di, err := app.babylonClient.QueryBTCDelegation(stakingTxHash)
	if err == nil {
		return di.IsVerified(), nil
	}

	app.logger.WithFields(logrus.Fields{
		"stakingTxHash": stakingTxHash,
		"err":           err,
	}).Debug("Babylon query failed, falling back to staking api")

	d, apiErr := app.api.GetDelegation(ctx, stakingTxHash.String())
	if apiErr != nil {
		var e *stakingapi.APIError
		if errors.As(apiErr, &e) && e.NotFound() {
			return false, nil
		}
		return false, errors.Join(err, apiErr)
	}

	state := types.DelegationState(d.State)
	return state.Rank() >= types.DelegationStateVerified.Rank(), nil
}

// WaitForVerification blocks until the covenant committee signed the
// delegation, the verification timeout elapses or ctx is done.
func (app *App) WaitForVerification(ctx context.Context, stakingTxHash *chainhash.Hash, opts ...FlowOption) error {
	sm := newFlowOptions(FlowStaking, opts).sm

	fail := func(msg string, err error) error {
		ce := categorize(msg, err)
		cancelFlow(sm, ce)
		return ce
	}

	if err := app.checkNotStopped(); err != nil {
		return fail("staking app stopped", err)
	}

	local, err := app.store.GetDelegation(stakingTxHash)
	switch {
	case err == nil:
		if local.State.Rank() >= types.DelegationStateVerified.Rank() {
			advanceFlow(sm, StepVerified)
			return nil
		}
	case errors.Is(err, stakingdb.ErrDelegationNotFound):
		local = nil
	default:
		return fail("failed to read local delegation", err)
	}

	ctx, cancelQuit := app.withQuit(ctx)
	defer cancelQuit()

	ctx, cancel := context.WithTimeout(ctx, app.config.StakingConfig.VerificationTimeout)
	defer cancel()

	ticker := time.NewTicker(app.config.StakingConfig.VerificationPollInterval)
	defer ticker.Stop()

	for {
		verified, err := app.isVerified(ctx, stakingTxHash)
		if err != nil {
			app.logger.WithFields(logrus.Fields{
				"stakingTxHash": stakingTxHash,
				"err":           err,
			}).Warn("Failed to check delegation verification")
		}

		if verified {
			return app.onVerified(sm, stakingTxHash, local)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				app.m.VerificationTimeoutCounter.Inc()
				return fail("delegation not verified", ErrVerificationTimeout)
			}
			select {
			case <-app.quit:
				return fail("staking app stopped", ErrAppStopped)
			default:
			}
			return fail("waiting for verification cancelled", ctx.Err())
		}
	}
}

func (app *App) onVerified(sm *StepMachine, stakingTxHash *chainhash.Hash, local *stakingdb.StoredDelegation) error {
	if local != nil {
		err := app.store.SetDelegationState(stakingTxHash, types.DelegationStateVerified)
		switch {
		case err == nil:
			app.m.DelegationStateChanges.WithLabelValues(types.DelegationStateVerified.String()).Inc()
			app.m.VerificationDuration.Observe(time.Since(local.CreatedAt).Seconds())
		case errors.Is(err, stakingdb.ErrInvalidStateTransition),
			errors.Is(err, stakingdb.ErrDelegationNotFound):
			// background sync got there first
		default:
			ce := NewServerError("failed to store verified state", err)
			cancelFlow(sm, ce)
			return ce
		}
	}

	app.logger.WithFields(logrus.Fields{
		"stakingTxHash": stakingTxHash,
	}).Info("Delegation verified by covenant committee")

	advanceFlow(sm, StepVerified)
	return nil
}

// advanceFlow moves sm to step when it is the next one. Flows started
// outside of a wizard keep a fresh machine and are not tracked.
func advanceFlow(sm *StepMachine, step StakingStep) {
	if sm.CanMoveTo(step) {
		_ = sm.Advance(step)
	}
}

func cancelFlow(sm *StepMachine, cause error) {
	if sm.Current() == StepPreview {
		return
	}
	_ = sm.Cancel(cause)
}

// syncPendingDelegations advances local records from what babylon, the btc
// chain and the staking api report.
func (app *App) syncPendingDelegations() {
	defer app.wg.Done()

	ctx, cancel := app.withQuit(context.Background())
	defer cancel()

	ticker := time.NewTicker(app.config.StakingConfig.VerificationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			app.syncOnce(ctx)
		case <-app.quit:
			return
		}
	}
}

func (app *App) syncOnce(ctx context.Context) {
	var local []*stakingdb.StoredDelegation
	err := app.store.ScanDelegations(func(d *stakingdb.StoredDelegation) error {
		local = append(local, d)
		return nil
	}, func() {
		local = nil
	})
	if err != nil {
		app.logger.WithError(err).Error("Failed to scan local delegations")
		return
	}

	pending := 0
	for _, d := range local {
		if d.State.IsIntermediate() {
			pending++
		}
		app.syncDelegation(ctx, d)
	}
	app.m.PendingDelegationsGauge.Set(float64(pending))

	pruned, err := app.store.PruneExpired(app.config.StakingConfig.PendingDelegationMaxAge)
	if err != nil {
		app.logger.WithError(err).Error("Failed to prune expired delegations")
		return
	}

	if len(pruned) > 0 {
		app.m.PrunedDelegationsCounter.Add(float64(len(pruned)))
		app.logger.WithFields(logrus.Fields{
			"count": len(pruned),
		}).Info("Pruned expired local delegations")
	}
}

func (app *App) syncDelegation(ctx context.Context, d *stakingdb.StoredDelegation) {
	hash := d.StakingTxHash

	apiDel, err := app.api.GetDelegation(ctx, hash.String())
	var apiErr *stakingapi.APIError
	switch {
	case err == nil:
		if apiStateWins(types.DelegationState(apiDel.State), d.State) {
			utils.PushOrQuit(app.delegationResolvedEvChan, &delegationResolvedEvent{
				stakingTxHash: hash,
				apiState:      types.DelegationState(apiDel.State),
			}, app.quit)
			return
		}
	case errors.As(err, &apiErr) && apiErr.NotFound():
	default:
		app.logger.WithFields(logrus.Fields{
			"stakingTxHash": hash,
			"err":           err,
		}).Debug("Staking api unavailable during sync")
	}

	switch d.State {
	case types.DelegationStateIntermediatePendingVerification,
		types.DelegationStatePending,
		types.DelegationStateVerified,
		types.DelegationStateIntermediatePendingBtcConfirmation:
		app.syncFromBabylon(d)
	}

	if d.State == types.DelegationStateIntermediatePendingBtcConfirmation && d.StakingTxHeight == 0 {
		app.syncStakingTxConfirmation(d)
	}
}

func (app *App) syncFromBabylon(d *stakingdb.StoredDelegation) {
	di, err := app.babylonClient.QueryBTCDelegation(&d.StakingTxHash)
	if err != nil {
		if !errors.Is(err, cl.ErrDelegationNotFound) {
			app.logger.WithFields(logrus.Fields{
				"stakingTxHash": d.StakingTxHash,
				"err":           err,
			}).Debug("Failed to query delegation on babylon")
		}
		return
	}

	state, ok := babylonState(di)
	if !ok || state.Rank() <= d.State.Rank() || !types.CanTransition(d.State, state) {
		return
	}

	utils.PushOrQuit(app.stateObservedEvChan, &delegationStateObservedEvent{
		stakingTxHash: d.StakingTxHash,
		state:         state,
		source:        "babylon",
	}, app.quit)
}

func (app *App) syncStakingTxConfirmation(d *stakingdb.StoredDelegation) {
	conf, status, err := app.wc.TxDetails(&d.StakingTxHash, d.StakingTx.TxOut[d.StakingOutputIdx].PkScript)
	if err != nil || status != walletcontroller.TxInChain || conf == nil {
		return
	}

	utils.PushOrQuit(app.stakingTxConfirmedEvChan, &stakingTxConfirmedEvent{
		stakingTxHash: d.StakingTxHash,
		blockHeight:   conf.BlockHeight,
	}, app.quit)
}
