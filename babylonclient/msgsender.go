package babylonclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	bct "github.com/babylonlabs-io/babylon/client/babylonclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	ErrBabylonBtcLightClientNotReady = errors.New("babylon btc light client is not ready to receive delegation")
	ErrMsgSenderStopped              = errors.New("babylon msg sender stopped")
)

// BabylonMsgSender sends delegations to babylon with a bounded number of
// transactions in flight. Delegations carrying an inclusion proof are only
// sent once babylon's btc light client has the block deep enough.
type BabylonMsgSender struct {
	cl     BabylonClient
	logger *logrus.Logger
	sem    *semaphore.Weighted

	stopOnce sync.Once
	quit     chan struct{}
	wg       sync.WaitGroup
}

func NewBabylonMsgSender(cl BabylonClient, logger *logrus.Logger, maxInFlight uint32) *BabylonMsgSender {
	if maxInFlight == 0 {
		maxInFlight = 1
	}
	return &BabylonMsgSender{
		cl:     cl,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(maxInFlight)),
		quit:   make(chan struct{}),
	}
}

// Stop cancels waiting senders and waits for in-flight ones to finish.
func (m *BabylonMsgSender) Stop() {
	m.stopOnce.Do(func() {
		close(m.quit)
		m.wg.Wait()
	})
}

func (m *BabylonMsgSender) lightClientReady(dg *DelegationData, requiredDepth uint32) error {
	if dg.Inclusion == nil {
		return nil
	}

	depth, err := m.cl.QueryHeaderDepth(dg.Inclusion.BlockHash)
	switch {
	case errors.Is(err, ErrHeaderNotKnownToBabylon), errors.Is(err, ErrHeaderOnBabylonLCFork):
		return fmt.Errorf("%s: %w", err, ErrBabylonBtcLightClientNotReady)
	case err != nil:
		return err
	case depth < requiredDepth:
		return fmt.Errorf("inclusion block depth %d, need %d: %w", depth, requiredDepth, ErrBabylonBtcLightClientNotReady)
	}
	return nil
}

// SendDelegation blocks until babylon accepts or rejects dg, ctx is done, or
// the sender stops.
func (m *BabylonMsgSender) SendDelegation(
	ctx context.Context,
	dg *DelegationData,
	requiredDepth uint32,
) (*bct.RelayerTxResponse, error) {
	select {
	case <-m.quit:
		return nil, ErrMsgSenderStopped
	default:
	}
	m.wg.Add(1)
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	stakingTxHash := dg.StakingTransaction.TxHash()
	log := m.logger.WithField("stakingTxHash", stakingTxHash)

	if err := m.lightClientReady(dg, requiredDepth); err != nil {
		log.WithError(err).Warn("Delegation not sent to babylon")
		return nil, err
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMsgSenderStopped, err)
	}
	defer m.sem.Release(1)

	resp, err := m.cl.Delegate(ctx, dg)
	if err != nil {
		if resp != nil {
			log = log.WithFields(logrus.Fields{
				"babylonTxHash":    resp.TxHash,
				"babylonErrorCode": resp.Code,
			})
		}
		log.WithError(err).Error("Babylon rejected delegation")
		return nil, fmt.Errorf("delegation %s: %w", stakingTxHash, err)
	}

	log.WithField("babylonTxHash", resp.TxHash).Info("Delegation sent to babylon")
	return resp, nil
}
