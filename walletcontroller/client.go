package walletcontroller

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/babylonlabs-io/simple-staking-sub003/stakingcfg"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	notifier "github.com/lightningnetwork/lnd/chainntnfs"
)

// Config describes how to reach the staker's wallet rpc.
type Config struct {
	Host       string
	User       string
	Pass       string
	WalletName string
	// empty for unencrypted wallets
	WalletPassphrase string
	Backend          types.SupportedWalletBackend
	Net              *chaincfg.Params
	// PEM certificate, nil when tls is disabled
	Cert []byte
}

// ConfigFromStaking extracts the wallet rpc settings of the daemon config.
func ConfigFromStaking(cfg *stakingcfg.Config) (Config, error) {
	wc := Config{
		Host:             cfg.WalletRPCConfig.Host,
		User:             cfg.WalletRPCConfig.User,
		Pass:             cfg.WalletRPCConfig.Pass,
		WalletName:       cfg.WalletConfig.WalletName,
		WalletPassphrase: cfg.WalletConfig.WalletPass,
		Backend:          cfg.BtcNodeBackendConfig.ActiveWalletBackend,
		Net:              &cfg.ActiveNetParams,
	}
	if !cfg.WalletRPCConfig.DisableTLS {
		cert, err := stakingcfg.LoadRPCCert(cfg.WalletRPCConfig.RawRPCWalletCert, cfg.WalletRPCConfig.RPCWalletCert)
		if err != nil {
			return Config{}, err
		}
		wc.Cert = cert
	}
	return wc, nil
}

// RPCWalletController is a WalletController backed by bitcoind or btcwallet
// json-rpc.
type RPCWalletController struct {
	*rpcclient.Client
	passphrase string
	backend    types.SupportedWalletBackend
}

var _ WalletController = (*RPCWalletController)(nil)

// New connects lazily, the first rpc call opens the connection.
func New(cfg Config) (*RPCWalletController, error) {
	switch cfg.Backend {
	case types.BitcoindWalletBackend, types.BtcwalletWalletBackend:
	default:
		return nil, fmt.Errorf("unsupported wallet backend %v", cfg.Backend)
	}

	host := cfg.Host
	if cfg.WalletName != "" {
		host += "/wallet/" + cfg.WalletName
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:                host,
		User:                cfg.User,
		Pass:                cfg.Pass,
		DisableTLS:          cfg.Cert == nil,
		Certificates:        cfg.Cert,
		DisableConnectOnNew: true,
		// works for both backends and we need no notifications
		HTTPPostMode: true,
	}, nil)
	if err != nil {
		return nil, err
	}

	return &RPCWalletController{
		Client:     client,
		passphrase: cfg.WalletPassphrase,
		backend:    cfg.Backend,
	}, nil
}

// NewFromStaking builds the wallet controller the daemon is configured with.
func NewFromStaking(cfg *stakingcfg.Config) (*RPCWalletController, error) {
	wc, err := ConfigFromStaking(cfg)
	if err != nil {
		return nil, err
	}
	return New(wc)
}

func (w *RPCWalletController) UnlockWallet(timeoutSecs int64) error {
	if w.passphrase == "" {
		return nil
	}
	return w.WalletPassphrase(w.passphrase, timeoutSecs)
}

// taprootInternalKey parses the key of a descriptor like
// tr([fingerprint/86'/0'/0'/0/1]key)#checksum
func taprootInternalKey(descriptor string) (*btcec.PublicKey, error) {
	start := strings.Index(descriptor, "]")
	end := strings.Index(descriptor, ")")
	if start == -1 || end == -1 || start >= end {
		return nil, fmt.Errorf("malformed descriptor %q", descriptor)
	}

	raw, err := hex.DecodeString(descriptor[start+1 : end])
	if err != nil {
		return nil, fmt.Errorf("descriptor key: %w", err)
	}
	return schnorr.ParsePubKey(raw)
}

// AddressPublicKey supports p2wpkh addresses and bip86 taproot addresses.
func (w *RPCWalletController) AddressPublicKey(address btcutil.Address) (*btcec.PublicKey, error) {
	info, err := w.GetAddressInfo(address.EncodeAddress())
	if err != nil {
		return nil, fmt.Errorf("address info: %w", err)
	}

	if info.PubKey != nil {
		raw, err := hex.DecodeString(*info.PubKey)
		if err != nil {
			return nil, fmt.Errorf("address public key: %w", err)
		}
		return btcec.ParsePubKey(raw)
	}

	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, err
	}
	if !txscript.IsPayToTaproot(pkScript) || info.Descriptor == nil {
		return nil, fmt.Errorf("no public key for %s: %w", address, ErrUnsupportedAddress)
	}

	internalKey, err := taprootInternalKey(*info.Descriptor)
	if err != nil {
		return nil, err
	}

	// only key-path-only outputs reveal the internal key as the staker key
	bip86Script, err := txscript.PayToTaprootScript(txscript.ComputeTaprootKeyNoScript(internalKey))
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(bip86Script, pkScript) {
		return nil, fmt.Errorf("%s is not a bip86 address: %w", address, ErrUnsupportedAddress)
	}

	return internalKey, nil
}

// CreateTransaction funds outputs from wallet utxos accepted by useUtxoFn,
// largest first, sending change to changeAddress.
func (w *RPCWalletController) CreateTransaction(
	outputs []*wire.TxOut,
	feeRatePerKb btcutil.Amount,
	changeAddress btcutil.Address,
	useUtxoFn UseUtxoFn,
) (*wire.MsgTx, error) {
	all, err := w.ListOutputs(true)
	if err != nil {
		return nil, err
	}
	return FundTransaction(all, outputs, feeRatePerKb, changeAddress, useUtxoFn)
}

func (w *RPCWalletController) SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error) {
	return w.Client.SendRawTransaction(tx, allowHighFees)
}

func (w *RPCWalletController) ListOutputs(onlySpendable bool) ([]Utxo, error) {
	unspent, err := w.ListUnspent()
	if err != nil {
		return nil, err
	}
	return resultsToUtxos(unspent, onlySpendable)
}

func (w *RPCWalletController) Tx(txHash *chainhash.Hash) (*btcutil.Tx, error) {
	return w.Client.GetRawTransaction(txHash)
}

func (w *RPCWalletController) TxVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error) {
	return w.Client.GetRawTransactionVerbose(txHash)
}

func (w *RPCWalletController) BlockHeaderVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error) {
	return w.Client.GetBlockHeaderVerbose(blockHash)
}

func (w *RPCWalletController) BestBlockHeight() (uint32, error) {
	height, err := w.Client.GetBlockCount()
	if err != nil {
		return 0, err
	}
	if height < 0 {
		return 0, fmt.Errorf("node returned negative block height %d", height)
	}
	return uint32(height), nil
}

// not-found messages returned by getrawtransaction
var txNotFoundMsg = map[types.SupportedWalletBackend]string{
	types.BitcoindWalletBackend:  "No such mempool or blockchain transaction",
	types.BtcwalletWalletBackend: "No information available about transaction",
}

// TxDetails locates txHash in mempool or chain. The node must run with
// txindex enabled.
func (w *RPCWalletController) TxDetails(txHash *chainhash.Hash, pkScript []byte) (*notifier.TxConfirmation, TxStatus, error) {
	req, err := notifier.NewConfRequest(txHash, pkScript)
	if err != nil {
		return nil, TxNotFound, err
	}

	conf, state, err := notifier.ConfDetailsFromTxIndex(w.Client, req, txNotFoundMsg[w.backend])
	if err != nil {
		return nil, TxNotFound, err
	}

	switch state {
	case notifier.TxFoundMempool:
		return conf, TxInMemPool, nil
	case notifier.TxFoundIndex, notifier.TxFoundManually:
		return conf, TxInChain, nil
	default:
		return conf, TxNotFound, nil
	}
}

// OutputSpent reports whether the output is spent, counting mempool spends.
func (w *RPCWalletController) OutputSpent(txHash *chainhash.Hash, outputIdx uint32) (bool, error) {
	out, err := w.Client.GetTxOut(txHash, outputIdx, true)
	if err != nil {
		return false, err
	}
	return out == nil, nil
}

var errNoInputs = errors.New("transaction has no inputs")
