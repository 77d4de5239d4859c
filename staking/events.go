package staking

import (
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"
)

// stakingEvent is anything the app loops receive on a channel.
type stakingEvent interface {
	logFields() logrus.Fields
}

var (
	_ stakingEvent = (*delegationStateObservedEvent)(nil)
	_ stakingEvent = (*stakingTxConfirmedEvent)(nil)
	_ stakingEvent = (*delegationResolvedEvent)(nil)
	_ stakingEvent = (*criticalErrorEvent)(nil)
	_ stakingEvent = (*eoiRequestCmd)(nil)
)

// delegationStateObservedEvent carries a state babylon reported ahead of the
// local record.
type delegationStateObservedEvent struct {
	stakingTxHash chainhash.Hash
	state         types.DelegationState
	source        string
}

func (ev *delegationStateObservedEvent) logFields() logrus.Fields {
	return logrus.Fields{"event": "state_observed", "stakingTxHash": ev.stakingTxHash, "state": ev.state, "source": ev.source}
}

type stakingTxConfirmedEvent struct {
	stakingTxHash chainhash.Hash
	blockHeight   uint32
}

func (ev *stakingTxConfirmedEvent) logFields() logrus.Fields {
	return logrus.Fields{"event": "staking_tx_confirmed", "stakingTxHash": ev.stakingTxHash, "height": ev.blockHeight}
}

// delegationResolvedEvent means the staking api indexed the delegation and
// the local record can go.
type delegationResolvedEvent struct {
	stakingTxHash chainhash.Hash
	apiState      types.DelegationState
}

func (ev *delegationResolvedEvent) logFields() logrus.Fields {
	return logrus.Fields{"event": "delegation_resolved", "stakingTxHash": ev.stakingTxHash, "apiState": ev.apiState}
}

type criticalErrorEvent struct {
	stakingTxHash chainhash.Hash
	err           error
	info          string
}

func (ev *criticalErrorEvent) logFields() logrus.Fields {
	return logrus.Fields{"event": "critical_error", "stakingTxHash": ev.stakingTxHash, "info": ev.info}
}

func (app *App) logEvent(ev stakingEvent, msg string) {
	app.logger.WithFields(ev.logFields()).Debug(msg)
}
