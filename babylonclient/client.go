// Package babylonclient talks to the babylon chain: staking params, finality
// providers, delegation status and delegation registration.
package babylonclient

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	bct "github.com/babylonlabs-io/babylon/client/babylonclient"
	bbnclient "github.com/babylonlabs-io/babylon/client/client"
	btclctypes "github.com/babylonlabs-io/babylon/x/btclightclient/types"
	btcstypes "github.com/babylonlabs-io/babylon/x/btcstaking/types"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingcfg"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cosmos/cosmos-sdk/client"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

const (
	queryAttempts   = 5
	queryRetryDelay = 600 * time.Millisecond
)

var (
	ErrInvalidBabylonExecution             = errors.New("message send to babylon was executed with error")
	ErrHeaderNotKnownToBabylon             = errors.New("btc header not known to babylon")
	ErrHeaderOnBabylonLCFork               = errors.New("btc header is on babylon btc light client fork")
	ErrFinalityProviderDoesNotExist        = errors.New("finality provider does not exist")
	ErrFinalityProviderIsSlashed           = errors.New("finality provider is slashed")
	ErrDelegationNotFound                  = errors.New("delegation not found")
	ErrInvalidValueReceivedFromBabylonNode = errors.New("invalid value received from babylon node")
)

// BabylonClient is the part of babylon the staking flows depend on.
type BabylonClient interface {
	BTCCheckpointParams() (*BTCCheckpointParams, error)
	Params() (*StakingParams, error)
	ParamsByBtcHeight(btcHeight uint32) (*StakingParams, error)
	// StakerAddress is the babylon account that signs delegation messages
	// and receives rewards.
	StakerAddress() (sdk.AccAddress, error)
	Delegate(ctx context.Context, dg *DelegationData) (*bct.RelayerTxResponse, error)
	QueryFinalityProvider(btcPubKey *btcec.PublicKey) (*FinalityProviderInfo, error)
	QueryHeaderDepth(headerHash *chainhash.Hash) (uint32, error)
	QueryBTCDelegation(stakingTxHash *chainhash.Hash) (*DelegationInfo, error)
}

// FinalityProviderInfo is a finality provider registered on babylon.
type FinalityProviderInfo struct {
	BabylonAddr sdk.AccAddress
	BtcPk       btcec.PublicKey
}

// BabylonController implements BabylonClient over babylon rpc.
type BabylonController struct {
	bbnClient *bbnclient.Client
	cfg       *stakingcfg.BBNConfig
	logger    *logrus.Logger
}

var _ BabylonClient = (*BabylonController)(nil)

func NewBabylonController(
	cfg *stakingcfg.BBNConfig,
	logger *logrus.Logger,
	clientLogger *zap.Logger,
) (*BabylonController, error) {
	bbnCfg := stakingcfg.BBNConfigToBabylonConfig(cfg)
	if err := bbnCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid babylon config: %w", err)
	}

	bc, err := bbnclient.New(&bbnCfg, clientLogger)
	if err != nil {
		return nil, fmt.Errorf("creating babylon client: %w", err)
	}

	return &BabylonController{bbnClient: bc, cfg: cfg, logger: logger}, nil
}

func (bc *BabylonController) Stop() error {
	return bc.bbnClient.Stop()
}

// retryQuery runs q with a fresh timeout per attempt. q marks errors that
// must not be retried with retry.Unrecoverable.
func retryQuery[T any](bc *BabylonController, what string, q func(ctx context.Context) (T, error)) (T, error) {
	return retry.DoWithData(
		func() (T, error) {
			ctx, cancel := context.WithTimeout(context.Background(), bc.cfg.Timeout)
			defer cancel()
			return q(ctx)
		},
		retry.Attempts(queryAttempts),
		retry.Delay(queryRetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			bc.logger.WithFields(logrus.Fields{
				"query":        what,
				"attempt":      n + 1,
				"max_attempts": queryAttempts,
				"error":        err,
			}).Warn("Babylon query failed")
		}),
	)
}

func (bc *BabylonController) stakingQuery() btcstypes.QueryClient {
	return btcstypes.NewQueryClient(client.Context{Client: bc.bbnClient.RPCClient})
}

func (bc *BabylonController) BTCCheckpointParams() (*BTCCheckpointParams, error) {
	p, err := retryQuery(bc, "btc checkpoint params", func(context.Context) (*BTCCheckpointParams, error) {
		resp, err := bc.bbnClient.BTCCheckpointParams()
		if err != nil {
			return nil, err
		}
		return &BTCCheckpointParams{
			ConfirmationTimeBlocks:    resp.Params.BtcConfirmationDepth,
			FinalizationTimeoutBlocks: resp.Params.CheckpointFinalizationTimeout,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying btc checkpoint params: %w", err)
	}
	return p, nil
}

func (bc *BabylonController) stakingParams(
	what string,
	q func(ctx context.Context) (*btcstypes.Params, error),
) (*StakingParams, error) {
	checkpoint, err := bc.BTCCheckpointParams()
	if err != nil {
		return nil, err
	}

	staking, err := retryQuery(bc, what, func(ctx context.Context) (*BtcStakingParams, error) {
		p, err := q(ctx)
		if err != nil {
			return nil, err
		}
		parsed, err := parseStakingParams(p)
		if err != nil {
			return nil, retry.Unrecoverable(err)
		}
		return parsed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", what, err)
	}

	return &StakingParams{BTCCheckpointParams: *checkpoint, BtcStakingParams: *staking}, nil
}

// Params returns the latest staking params.
func (bc *BabylonController) Params() (*StakingParams, error) {
	return bc.stakingParams("staking params", func(ctx context.Context) (*btcstypes.Params, error) {
		resp, err := bc.stakingQuery().Params(ctx, &btcstypes.QueryParamsRequest{})
		if err != nil {
			return nil, err
		}
		return &resp.Params, nil
	})
}

// ParamsByBtcHeight returns the staking params version active at btcHeight.
func (bc *BabylonController) ParamsByBtcHeight(btcHeight uint32) (*StakingParams, error) {
	return bc.stakingParams("staking params by btc height", func(ctx context.Context) (*btcstypes.Params, error) {
		resp, err := bc.stakingQuery().ParamsByBTCHeight(ctx, &btcstypes.QueryParamsByBTCHeightRequest{BtcHeight: btcHeight})
		if err != nil {
			return nil, err
		}
		return &resp.Params, nil
	})
}

func (bc *BabylonController) StakerAddress() (sdk.AccAddress, error) {
	rec, err := bc.bbnClient.GetKeyring().Key(bc.cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("babylon key %q: %w", bc.cfg.Key, err)
	}
	return rec.GetAddress()
}

// Delegate signs MsgCreateBTCDelegation with the configured key and waits for
// it to be included.
func (bc *BabylonController) Delegate(ctx context.Context, dg *DelegationData) (*bct.RelayerTxResponse, error) {
	msg, err := dg.ToMsg()
	if err != nil {
		return nil, err
	}

	resp, err := bc.bbnClient.ReliablySendMsgs(ctx, []sdk.Msg{msg}, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("sending delegation to babylon: %w", err)
	}
	if resp != nil && resp.Code != 0 {
		return resp, fmt.Errorf("babylon tx %s failed with code %d: %w", resp.TxHash, resp.Code, ErrInvalidBabylonExecution)
	}
	return resp, nil
}

// QueryFinalityProvider fails with ErrFinalityProviderDoesNotExist for unknown
// keys and ErrFinalityProviderIsSlashed for slashed providers.
func (bc *BabylonController) QueryFinalityProvider(btcPubKey *btcec.PublicKey) (*FinalityProviderInfo, error) {
	if btcPubKey == nil {
		return nil, errors.New("nil finality provider key")
	}
	pkHex := hex.EncodeToString(schnorr.SerializePubKey(btcPubKey))

	fp, err := retryQuery(bc, "finality provider", func(ctx context.Context) (*btcstypes.FinalityProviderResponse, error) {
		resp, err := bc.stakingQuery().FinalityProvider(ctx, &btcstypes.QueryFinalityProviderRequest{FpBtcPkHex: pkHex})
		if err != nil {
			if strings.Contains(err.Error(), btcstypes.ErrFpNotFound.Error()) {
				return nil, retry.Unrecoverable(ErrFinalityProviderDoesNotExist)
			}
			return nil, err
		}
		return resp.FinalityProvider, nil
	})
	if err != nil {
		return nil, fmt.Errorf("finality provider %s: %w", pkHex, err)
	}

	if fp.SlashedBabylonHeight > 0 {
		return nil, fmt.Errorf("finality provider %s: %w", pkHex, ErrFinalityProviderIsSlashed)
	}
	addr, err := sdk.AccAddressFromBech32(fp.Addr)
	if err != nil {
		return nil, invalidParam("finality provider address %q", fp.Addr)
	}
	pk, err := fp.BtcPk.ToBTCPK()
	if err != nil {
		return nil, invalidParam("finality provider key %s", pkHex)
	}

	return &FinalityProviderInfo{BabylonAddr: addr, BtcPk: *pk}, nil
}

// QueryHeaderDepth returns how deep headerHash is in babylon's btc light client.
func (bc *BabylonController) QueryHeaderDepth(headerHash *chainhash.Hash) (uint32, error) {
	lc := btclctypes.NewQueryClient(client.Context{Client: bc.bbnClient.RPCClient})

	depth, err := retryQuery(bc, "header depth", func(ctx context.Context) (uint32, error) {
		resp, err := lc.HeaderDepth(ctx, &btclctypes.QueryHeaderDepthRequest{Hash: headerHash.String()})
		if err != nil {
			if strings.Contains(err.Error(), btclctypes.ErrHeaderDoesNotExist.Error()) {
				return 0, retry.Unrecoverable(fmt.Errorf("%s: %w", err, ErrHeaderNotKnownToBabylon))
			}
			return 0, err
		}
		return resp.Depth, nil
	})
	if err != nil {
		return 0, fmt.Errorf("header %s depth: %w", headerHash, err)
	}
	return depth, nil
}

// QueryBTCDelegation fails with ErrDelegationNotFound when babylon does not
// know the staking tx.
func (bc *BabylonController) QueryBTCDelegation(stakingTxHash *chainhash.Hash) (*DelegationInfo, error) {
	del, err := retryQuery(bc, "btc delegation", func(ctx context.Context) (*btcstypes.BTCDelegationResponse, error) {
		resp, err := bc.stakingQuery().BTCDelegation(ctx, &btcstypes.QueryBTCDelegationRequest{
			StakingTxHashHex: stakingTxHash.String(),
		})
		if err != nil {
			if strings.Contains(err.Error(), btcstypes.ErrBTCDelegationNotFound.Error()) {
				return nil, retry.Unrecoverable(ErrDelegationNotFound)
			}
			return nil, err
		}
		if resp.BtcDelegation == nil {
			return nil, retry.Unrecoverable(invalidParam("empty delegation response"))
		}
		return resp.BtcDelegation, nil
	})
	if err != nil {
		return nil, fmt.Errorf("delegation %s: %w", stakingTxHash, err)
	}

	return delegationInfoFromResponse(del)
}
