package walletcontroller

import (
	"errors"
	"fmt"

	staking "github.com/babylonlabs-io/babylon/btcstaking"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	notifier "github.com/lightningnetwork/lnd/chainntnfs"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient funds to build transaction")
	ErrNoSpendableOutputs  = errors.New("wallet has no spendable outputs")
	ErrUnsupportedAddress  = errors.New("address type is not supported")
	ErrTxNotConfirmed      = errors.New("transaction is not confirmed")
	ErrWalletCannotSignAll = errors.New("wallet could not sign all inputs")
)

// TxStatus is where the wallet backend sees a transaction.
type TxStatus int

const (
	TxNotFound TxStatus = iota
	TxInMemPool
	TxInChain
)

var txStatusNames = [...]string{"TxNotFound", "TxInMemPool", "TxInChain"}

func (s TxStatus) String() string {
	if s < 0 || int(s) >= len(txStatusNames) {
		return fmt.Sprintf("TxStatus(%d)", int(s))
	}
	return txStatusNames[s]
}

// Utxo is a wallet output that can fund a transaction.
type Utxo struct {
	Amount   btcutil.Amount
	OutPoint wire.OutPoint
	PkScript []byte
	Address  string
}

type SpendPathDescription struct {
	ControlBlock *txscript.ControlBlock
	ScriptLeaf   *txscript.TapLeaf
}

type TaprootSigningRequest struct {
	FundingOutput    *wire.TxOut
	TxToSign         *wire.MsgTx
	SignerAddress    btcutil.Address
	SpendDescription *SpendPathDescription
}

// TaprootSigningResult contains result of signing taproot spend through bitcoind
// wallet. It will contain either Signature or FullInputWitness, never both.
type TaprootSigningResult struct {
	Signature        *schnorr.Signature
	FullInputWitness wire.TxWitness
}

// UseUtxoFn filters utxos considered when funding a transaction.
type UseUtxoFn func(utxo Utxo) bool

// Signer holds the staker keys. Every signing call requires the wallet to be
// unlocked first.
type Signer interface {
	UnlockWallet(timeoutSecs int64) error
	AddressPublicKey(address btcutil.Address) (*btcec.PublicKey, error)
	// SignPsbt adds every signature the wallet can produce to packet.
	SignPsbt(packet *psbt.Packet) (*psbt.Packet, error)
	SignBip322Signature(msg []byte, address btcutil.Address) (wire.TxWitness, error)
	// SignOneInputTaprootSpendingTransaction signs the single taproot input of
	// req.TxToSign through a script path.
	SignOneInputTaprootSpendingTransaction(req *TaprootSigningRequest) (*TaprootSigningResult, error)
}

// Funder selects wallet outputs and broadcasts the result.
type Funder interface {
	// A nil filter lets every spendable output fund the tx.
	CreateTransaction(
		outputs []*wire.TxOut,
		feeRatePerKb btcutil.Amount,
		changeAddress btcutil.Address,
		filter UseUtxoFn,
	) (*wire.MsgTx, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	ListOutputs(onlySpendable bool) ([]Utxo, error)
}

// ChainReader answers chain queries through the wallet backend node.
type ChainReader interface {
	TxDetails(txHash *chainhash.Hash, pkScript []byte) (*notifier.TxConfirmation, TxStatus, error)
	Tx(txHash *chainhash.Hash) (*btcutil.Tx, error)
	TxVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	BlockHeaderVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
	BestBlockHeight() (uint32, error)
	OutputSpent(txHash *chainhash.Hash, outputIdx uint32) (bool, error)
}

type WalletController interface {
	Signer
	Funder
	ChainReader
}

// Phase1StakingTx is a confirmed phase-1 staking transaction with its
// inclusion data.
type Phase1StakingTx struct {
	Parsed       *staking.ParsedV0StakingTx
	Confirmation *notifier.TxConfirmation
}

// ParsePhase1StakingTx fetches a staking transaction created in phase-1 and
// parses it against the global parameters valid at its inclusion height.
func ParsePhase1StakingTx(
	wc ChainReader,
	btcNetwork *chaincfg.Params,
	stkTxHash *chainhash.Hash,
	tag []byte,
	covenantPks []*btcec.PublicKey,
	covenantQuorum uint32,
) (*Phase1StakingTx, TxStatus, error) {
	stkTx, err := wc.Tx(stkTxHash)
	if err != nil {
		return nil, TxNotFound, err
	}

	parsed, err := staking.ParseV0StakingTx(stkTx.MsgTx(), tag, covenantPks, covenantQuorum, btcNetwork)
	if err != nil {
		return nil, TxNotFound, fmt.Errorf("transaction %s is not a valid phase-1 staking transaction: %w", stkTxHash, err)
	}

	conf, status, err := wc.TxDetails(stkTxHash, parsed.StakingOutput.PkScript)
	if err != nil {
		return nil, TxNotFound, err
	}

	if status != TxInChain || conf == nil || conf.Block == nil {
		return nil, status, fmt.Errorf("staking transaction %s: %w", stkTxHash, ErrTxNotConfirmed)
	}

	return &Phase1StakingTx{
		Parsed:       parsed,
		Confirmation: conf,
	}, status, nil
}
