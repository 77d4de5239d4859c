package babylonclient

import (
	"context"
	"sync"

	sdkmath "cosmossdk.io/math"
	bct "github.com/babylonlabs-io/babylon/client/babylonclient"
	"github.com/babylonlabs-io/babylon/testutil/datagen"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/cosmos/cosmos-sdk/crypto/keys/secp256k1"
	sdk "github.com/cosmos/cosmos-sdk/types"
)

// MockBabylonClient is an in memory BabylonClient. Delegations sent through
// it are recorded as PENDING and can be moved forward with SetDelegation.
type MockBabylonClient struct {
	ClientParams           *StakingParams
	SentMessages           chan sdk.Msg
	ActiveFinalityProvider *FinalityProviderInfo
	CovenantPrivKeys       []*btcec.PrivateKey

	stakerKey *secp256k1.PrivKey

	mu          sync.Mutex
	delegations map[chainhash.Hash]*DelegationInfo
	headerDepth uint32
}

var _ BabylonClient = (*MockBabylonClient)(nil)

func (m *MockBabylonClient) Params() (*StakingParams, error) {
	return m.ClientParams, nil
}

func (m *MockBabylonClient) ParamsByBtcHeight(uint32) (*StakingParams, error) {
	return m.ClientParams, nil
}

func (m *MockBabylonClient) BTCCheckpointParams() (*BTCCheckpointParams, error) {
	cp := m.ClientParams.BTCCheckpointParams
	return &cp, nil
}

func (m *MockBabylonClient) StakerAddress() (sdk.AccAddress, error) {
	return sdk.AccAddress(m.stakerKey.PubKey().Address()), nil
}

// Delegate records the message and registers the delegation as pending.
func (m *MockBabylonClient) Delegate(_ context.Context, dg *DelegationData) (*bct.RelayerTxResponse, error) {
	msg, err := dg.ToMsg()
	if err != nil {
		return nil, err
	}
	m.SentMessages <- msg

	m.SetDelegation(dg.StakingTransaction.TxHash(), &DelegationInfo{Status: BabylonStatusPending})
	return &bct.RelayerTxResponse{TxHash: "mock"}, nil
}

// SetDelegation overrides what babylon reports for the staking tx.
func (m *MockBabylonClient) SetDelegation(stakingTxHash chainhash.Hash, di *DelegationInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delegations[stakingTxHash] = di
}

// SetHeaderDepth sets the depth reported for every header.
func (m *MockBabylonClient) SetHeaderDepth(depth uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headerDepth = depth
}

func (m *MockBabylonClient) QueryFinalityProvider(btcPubKey *btcec.PublicKey) (*FinalityProviderInfo, error) {
	if !m.ActiveFinalityProvider.BtcPk.IsEqual(btcPubKey) {
		return nil, ErrFinalityProviderDoesNotExist
	}
	fp := *m.ActiveFinalityProvider
	return &fp, nil
}

func (m *MockBabylonClient) QueryHeaderDepth(*chainhash.Hash) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headerDepth, nil
}

func (m *MockBabylonClient) QueryBTCDelegation(stakingTxHash *chainhash.Hash) (*DelegationInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	di, ok := m.delegations[*stakingTxHash]
	if !ok {
		return nil, ErrDelegationNotFound
	}
	cp := *di
	return &cp, nil
}

func mustKey() *btcec.PrivateKey {
	k, err := btcec.NewPrivateKey()
	if err != nil {
		panic(err)
	}
	return k
}

// GetMockClient returns a client with one covenant member, one active finality
// provider and simnet-friendly staking limits.
func GetMockClient() *MockBabylonClient {
	covenantKey := mustKey()
	fpKey := mustKey()

	slashingAddr, err := btcutil.NewAddressPubKey(covenantKey.PubKey().SerializeCompressed(), &chaincfg.SimNetParams)
	if err != nil {
		panic(err)
	}
	slashingPkScript, err := txscript.PayToAddrScript(slashingAddr)
	if err != nil {
		panic(err)
	}

	return &MockBabylonClient{
		ClientParams: &StakingParams{
			BTCCheckpointParams: BTCCheckpointParams{
				ConfirmationTimeBlocks:    2,
				FinalizationTimeoutBlocks: 5,
			},
			BtcStakingParams: BtcStakingParams{
				CovenantPks:         []*btcec.PublicKey{covenantKey.PubKey()},
				CovenantQuorum:      1,
				SlashingPkScript:    slashingPkScript,
				SlashingRate:        sdkmath.LegacyNewDecWithPrec(1, 1),
				MinSlashingTxFeeSat: 1000,
				UnbondingTime:       101,
				UnbondingFee:        1000,
				MinStakingTime:      100,
				MaxStakingTime:      60000,
				MinStakingValue:     10_000,
				MaxStakingValue:     10 * btcutil.SatoshiPerBitcoin,
			},
		},
		SentMessages: make(chan sdk.Msg, 16),
		ActiveFinalityProvider: &FinalityProviderInfo{
			BabylonAddr: datagen.GenRandomAccount().GetAddress(),
			BtcPk:       *fpKey.PubKey(),
		},
		CovenantPrivKeys: []*btcec.PrivateKey{covenantKey},
		stakerKey:        secp256k1.GenPrivKey(),
		delegations:      make(map[chainhash.Hash]*DelegationInfo),
		headerDepth:      3,
	}
}
