package staking

import (
	"context"

	cl "github.com/babylonlabs-io/simple-staking-sub003/babylonclient"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/sirupsen/logrus"
)

// eoiRequestCmd asks the command loop to fund and register a new delegation.
// Commands are handled one at a time so concurrent requests never select the
// same wallet outputs.
type eoiRequestCmd struct {
	ctx         context.Context
	input       *StakingInput
	stakerPk    *btcec.PublicKey
	params      *cl.StakingParams
	sm          *StepMachine
	errChan     chan error
	successChan chan *EOIResult
}

func newEOIRequestCmd(
	ctx context.Context,
	input *StakingInput,
	stakerPk *btcec.PublicKey,
	params *cl.StakingParams,
	sm *StepMachine,
) *eoiRequestCmd {
	return &eoiRequestCmd{
		ctx:         ctx,
		input:       input,
		stakerPk:    stakerPk,
		params:      params,
		sm:          sm,
		errChan:     make(chan error, 1),
		successChan: make(chan *EOIResult, 1),
	}
}

func (req *eoiRequestCmd) logFields() logrus.Fields {
	return logrus.Fields{"event": "eoi_requested", "stakingAmount": req.input.Amount}
}
