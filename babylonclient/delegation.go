package babylonclient

import (
	"errors"
	"fmt"
	"math"

	bbntypes "github.com/babylonlabs-io/babylon/types"
	btcctypes "github.com/babylonlabs-io/babylon/x/btccheckpoint/types"
	btcstypes "github.com/babylonlabs-io/babylon/x/btcstaking/types"
	"github.com/babylonlabs-io/simple-staking-sub003/utils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	sdk "github.com/cosmos/cosmos-sdk/types"
)

// Delegation statuses reported by babylon.
const (
	BabylonStatusPending  = "PENDING"
	BabylonStatusVerified = "VERIFIED"
	BabylonStatusActive   = "ACTIVE"
	BabylonStatusUnbonded = "UNBONDED"
	BabylonStatusExpired  = "EXPIRED"
)

// InclusionInfo proves a staking tx is part of a btc block.
type InclusionInfo struct {
	TxIndex   uint32
	Proof     []byte
	BlockHash *chainhash.Hash
}

// NewInclusionInfo builds the merkle proof for the tx at txIdx in block.
func NewInclusionInfo(block *wire.MsgBlock, txIdx uint32) (*InclusionInfo, error) {
	if int(txIdx) >= len(block.Transactions) {
		return nil, fmt.Errorf("tx index %d out of range for block with %d txs", txIdx, len(block.Transactions))
	}

	header := bbntypes.NewBTCHeaderBytesFromBlockHeader(&block.Header)

	txs := make([][]byte, len(block.Transactions))
	for i, tx := range block.Transactions {
		raw, err := utils.SerializeBtcTransaction(tx)
		if err != nil {
			return nil, err
		}
		txs[i] = raw
	}

	spv, err := btcctypes.SpvProofFromHeaderAndTransactions(&header, txs, uint(txIdx))
	if err != nil {
		return nil, fmt.Errorf("building spv proof: %w", err)
	}

	blockHash := block.BlockHash()
	return &InclusionInfo{
		TxIndex:   txIdx,
		Proof:     spv.MerkleNodes,
		BlockHash: &blockHash,
	}, nil
}

func (ii *InclusionInfo) toProof() *btcstypes.InclusionProof {
	hash := bbntypes.NewBTCHeaderHashBytesFromChainhash(ii.BlockHash)
	return btcstypes.NewInclusionProof(
		&btcctypes.TransactionKey{Index: ii.TxIndex, Hash: &hash},
		ii.Proof,
	)
}

// DelegationData is a fully signed delegation ready for babylon.
type DelegationData struct {
	StakingTransaction *wire.MsgTx
	// nil for delegations registered before the staking tx is confirmed
	Inclusion               *InclusionInfo
	StakingTime             uint16
	StakingValue            btcutil.Amount
	FinalityProvidersBtcPks []*btcec.PublicKey
	SlashingTransaction     *wire.MsgTx
	SlashingTransactionSig  *schnorr.Signature
	BabylonStakerAddr       sdk.AccAddress
	StakerBtcPk             *btcec.PublicKey
	BabylonPop              *BabylonPop
	Ud                      *UndelegationData
}

type UndelegationData struct {
	UnbondingTransaction         *wire.MsgTx
	UnbondingTxValue             btcutil.Amount
	UnbondingTxUnbondingTime     uint16
	SlashUnbondingTransaction    *wire.MsgTx
	SlashUnbondingTransactionSig *schnorr.Signature
}

func (dg *DelegationData) check() error {
	switch {
	case dg.StakingTransaction == nil || dg.SlashingTransaction == nil || dg.SlashingTransactionSig == nil:
		return errors.New("missing staking or slashing tx")
	case dg.StakerBtcPk == nil:
		return errors.New("missing staker key")
	case len(dg.FinalityProvidersBtcPks) == 0:
		return errors.New("no finality providers")
	case dg.BabylonPop == nil:
		return errors.New("missing proof of possession")
	case dg.Ud == nil:
		return errors.New("missing unbonding data")
	case dg.Ud.UnbondingTransaction == nil || dg.Ud.SlashUnbondingTransaction == nil || dg.Ud.SlashUnbondingTransactionSig == nil:
		return errors.New("incomplete unbonding data")
	}
	return nil
}

// ToMsg converts the delegation to MsgCreateBTCDelegation.
func (dg *DelegationData) ToMsg() (*btcstypes.MsgCreateBTCDelegation, error) {
	if dg == nil {
		return nil, errors.New("nil delegation data")
	}
	if err := dg.check(); err != nil {
		return nil, fmt.Errorf("invalid delegation data: %w", err)
	}

	stakingTx, err := utils.SerializeBtcTransaction(dg.StakingTransaction)
	if err != nil {
		return nil, fmt.Errorf("serializing staking tx: %w", err)
	}
	unbondingTx, err := utils.SerializeBtcTransaction(dg.Ud.UnbondingTransaction)
	if err != nil {
		return nil, fmt.Errorf("serializing unbonding tx: %w", err)
	}
	slashingTx, err := btcstypes.NewBTCSlashingTxFromMsgTx(dg.SlashingTransaction)
	if err != nil {
		return nil, fmt.Errorf("slashing tx: %w", err)
	}
	unbondingSlashingTx, err := btcstypes.NewBTCSlashingTxFromMsgTx(dg.Ud.SlashUnbondingTransaction)
	if err != nil {
		return nil, fmt.Errorf("unbonding slashing tx: %w", err)
	}
	pop, err := dg.BabylonPop.ToBtcStakingPop()
	if err != nil {
		return nil, err
	}

	fpPks := make([]bbntypes.BIP340PubKey, 0, len(dg.FinalityProvidersBtcPks))
	for _, pk := range dg.FinalityProvidersBtcPks {
		fpPks = append(fpPks, *bbntypes.NewBIP340PubKeyFromBTCPK(pk))
	}

	msg := &btcstypes.MsgCreateBTCDelegation{
		StakerAddr:                    dg.BabylonStakerAddr.String(),
		Pop:                           pop,
		BtcPk:                         bbntypes.NewBIP340PubKeyFromBTCPK(dg.StakerBtcPk),
		FpBtcPkList:                   fpPks,
		StakingTime:                   uint32(dg.StakingTime),
		StakingValue:                  int64(dg.StakingValue),
		StakingTx:                     stakingTx,
		SlashingTx:                    slashingTx,
		DelegatorSlashingSig:          bbntypes.NewBIP340SignatureFromBTCSig(dg.SlashingTransactionSig),
		UnbondingTx:                   unbondingTx,
		UnbondingTime:                 uint32(dg.Ud.UnbondingTxUnbondingTime),
		UnbondingValue:                int64(dg.Ud.UnbondingTxValue),
		UnbondingSlashingTx:           unbondingSlashingTx,
		DelegatorUnbondingSlashingSig: bbntypes.NewBIP340SignatureFromBTCSig(dg.Ud.SlashUnbondingTransactionSig),
	}
	if dg.Inclusion != nil {
		msg.StakingTxInclusionProof = dg.Inclusion.toProof()
	}

	return msg, nil
}

type CovenantSignatureInfo struct {
	Signature *schnorr.Signature
	PubKey    *btcec.PublicKey
}

// UndelegationInfo is babylon's view of the unbonding path of a delegation.
type UndelegationInfo struct {
	CovenantUnbondingSignatures []CovenantSignatureInfo
	UnbondingTransaction        *wire.MsgTx
	UnbondingTime               uint16
}

// DelegationInfo is babylon's view of a delegation.
type DelegationInfo struct {
	Status string
	Active bool
	// covenant members that submitted adaptor signatures
	CovenantSigCount int
	StartHeight      uint32
	EndHeight        uint32
	UndelegationInfo *UndelegationInfo
}

// IsVerified reports whether the covenant quorum signed the delegation.
func (di *DelegationInfo) IsVerified() bool {
	return di.Active || di.Status == BabylonStatusVerified || di.Status == BabylonStatusActive
}

func delegationInfoFromResponse(resp *btcstypes.BTCDelegationResponse) (*DelegationInfo, error) {
	info := &DelegationInfo{
		Status:           resp.StatusDesc,
		Active:           resp.Active,
		CovenantSigCount: len(resp.CovenantSigs),
		StartHeight:      resp.StartHeight,
		EndHeight:        resp.EndHeight,
	}
	if resp.UndelegationResponse == nil {
		return info, nil
	}

	ud, err := undelegationInfoFromResponse(resp.UndelegationResponse, resp.UnbondingTime)
	if err != nil {
		return nil, err
	}
	info.UndelegationInfo = ud
	return info, nil
}

func undelegationInfoFromResponse(resp *btcstypes.BTCUndelegationResponse, unbondingTime uint32) (*UndelegationInfo, error) {
	if unbondingTime > math.MaxUint16 {
		return nil, invalidParam("unbonding time %d", unbondingTime)
	}

	tx, _, err := bbntypes.NewBTCTxFromHex(resp.UnbondingTxHex)
	if err != nil {
		return nil, fmt.Errorf("decoding unbonding tx: %w", err)
	}

	sigs := make([]CovenantSignatureInfo, 0, len(resp.CovenantUnbondingSigList))
	for i, cs := range resp.CovenantUnbondingSigList {
		sig, err := cs.Sig.ToBTCSig()
		if err != nil {
			return nil, fmt.Errorf("covenant signature %d: %w", i, err)
		}
		pk, err := cs.Pk.ToBTCPK()
		if err != nil {
			return nil, fmt.Errorf("covenant key %d: %w", i, err)
		}
		sigs = append(sigs, CovenantSignatureInfo{Signature: sig, PubKey: pk})
	}

	return &UndelegationInfo{
		CovenantUnbondingSignatures: sigs,
		UnbondingTransaction:        tx,
		UnbondingTime:               uint16(unbondingTime),
	}, nil
}
