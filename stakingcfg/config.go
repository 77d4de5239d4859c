package stakingcfg

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bbncfg "github.com/babylonlabs-io/babylon/client/config"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	ut "github.com/babylonlabs-io/simple-staking-sub003/utils"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	rpc "github.com/cometbft/cometbft/rpc/jsonrpc/server"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

const (
	defaultDataDirname     = "data"
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultLogDirname      = "logs"
	defaultLogFilename     = "stakingd.log"
	defaultConfigFileName  = "stakingd.conf"
	DefaultRPCPort         = 15812
	defaultBitcoinNetwork  = "signet"
	defaultWalletHost      = "127.0.0.1:38332"
	defaultStakingAPIURL   = "https://staking-api.testnet.babylonlabs.io"
	defaultMempoolAPIURL   = "https://mempool.space/signet/api"
	defaultFeeMode         = "static"
	defaultMinFeeRate      = 2
	defaultMaxFeeRate      = 1000
	defaultAPITimeout      = 15 * time.Second
	defaultAPIRetries      = 3
	defaultAPICacheTTL     = 60 * time.Second
	defaultPollInterval    = 10 * time.Second
	defaultVerifyTimeout   = 30 * time.Minute
	defaultPendingMaxAge   = 24 * time.Hour
	defaultMaxConcurrentTx = 1
)

var (
	// DefaultStakingdDir is the default home directory of the daemon.
	DefaultStakingdDir = btcutil.AppDataDir("stakingd", false)

	// DefaultConfigFile is the default full path of the daemon config file.
	DefaultConfigFile = filepath.Join(DefaultStakingdDir, defaultConfigFileName)

	defaultDataDir = filepath.Join(DefaultStakingdDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultStakingdDir, defaultLogDirname)

	defaultRPCListen = "127.0.0.1:" + strconv.Itoa(DefaultRPCPort)
)

// WalletConfig selects the wallet used for signing.
type WalletConfig struct {
	WalletName string `long:"wallet-name" description:"name of the wallet to sign Bitcoin transactions"`
	WalletPass string `long:"wallet-passphrase" description:"passphrase to unlock the wallet"`
}

// WalletRPCConfig holds the wallet RPC connection settings.
type WalletRPCConfig struct {
	Host             string `long:"wallet-host" description:"location of the wallet rpc server"`
	User             string `long:"wallet-user" description:"user auth for the wallet rpc server"`
	Pass             string `long:"wallet-pass" description:"password auth for the wallet rpc server"`
	DisableTLS       bool   `long:"noclienttls" description:"disables tls for the wallet rpc client"`
	RPCWalletCert    string `long:"rpc-wallet-cert" description:"File containing the wallet daemon's certificate file"`
	RawRPCWalletCert string `long:"raw-rpc-wallet-cert" description:"The raw bytes of the wallet daemon's PEM-encoded certificate chain which will be used to authenticate the RPC connection."`
}

// ChainConfig holds the Bitcoin network the daemon operates on.
type ChainConfig struct {
	Network string `long:"network" description:"network to run on" choice:"mainnet" choice:"regtest" choice:"testnet3" choice:"simnet" choice:"signet"`
}

// Bitcoind holds bitcoind connection details used by the dynamic fee estimator.
type Bitcoind struct {
	RPCHost      string `long:"rpchost" description:"The daemon's rpc listening address."`
	RPCUser      string `long:"rpcuser" description:"Username for RPC connections"`
	RPCPass      string `long:"rpcpass" default-mask:"-" description:"Password for RPC connections"`
	EstimateMode string `long:"estimatemode" description:"The fee estimate mode. Must be either ECONOMICAL or CONSERVATIVE."`
}

// Btcd holds btcd connection details used by the dynamic fee estimator.
type Btcd struct {
	RPCHost    string `long:"rpchost" description:"The daemon's rpc listening address."`
	RPCUser    string `long:"rpcuser" description:"Username for RPC connections"`
	RPCPass    string `long:"rpcpass" default-mask:"-" description:"Password for RPC connections"`
	RPCCert    string `long:"rpccert" description:"File containing the daemon's certificate file"`
	RawRPCCert string `long:"rawrpccert" description:"The raw bytes of the daemon's PEM-encoded certificate chain which will be used to authenticate the RPC connection."`
}

// BtcNodeBackendConfig configures fee estimation and the node backends.
type BtcNodeBackendConfig struct {
	Nodetype   string    `long:"nodetype" description:"type of node to connect to {bitcoind, btcd}"`
	WalletType string    `long:"wallettype" description:"type of wallet to connect to {bitcoind, btcwallet}"`
	FeeMode    string    `long:"feemode" description:"fee mode to use for fee estimation {static, dynamic, mempool}"`
	MinFeeRate uint64    `long:"minfeerate" description:"minimum fee rate to use for fee estimation in sat/vbyte."`
	MaxFeeRate uint64    `long:"maxfeerate" description:"maximum fee rate to use for fee estimation in sat/vbyte."`
	Bitcoind   *Bitcoind `group:"bitcoind" namespace:"bitcoind"`
	Btcd       *Btcd     `group:"btcd" namespace:"btcd"`

	ActiveNodeBackend   types.SupportedNodeBackend
	ActiveWalletBackend types.SupportedWalletBackend
	EstimationMode      types.FeeEstimationMode
}

// BBNConfig holds the Babylon chain client settings.
type BBNConfig struct {
	Key            string        `long:"key" description:"name of the key to sign transactions with"`
	ChainID        string        `long:"chain-id" description:"chain id of the chain to connect to"`
	RPCAddr        string        `long:"rpc-address" description:"address of the rpc server to connect to"`
	GRPCAddr       string        `long:"grpc-address" description:"address of the grpc server to connect to"`
	AccountPrefix  string        `long:"acc-prefix" description:"account prefix to use for addresses"`
	KeyringBackend string        `long:"keyring-type" description:"type of keyring to use"`
	GasAdjustment  float64       `long:"gas-adjustment" description:"adjustment factor when using gas estimation"`
	GasPrices      string        `long:"gas-prices" description:"comma separated minimum gas prices to accept for transactions"`
	KeyDirectory   string        `long:"key-dir" description:"directory to store keys in"`
	Debug          bool          `long:"debug" description:"flag to print debug output"`
	Timeout        time.Duration `long:"timeout" description:"client timeout when doing queries"`
	BlockTimeout   time.Duration `long:"block-timeout" description:"block timeout when waiting for block events"`
	OutputFormat   string        `long:"output-format" description:"default output when printint responses"`
	SignModeStr    string        `long:"sign-mode" description:"sign mode to use"`
}

// DefaultBBNConfig returns the Babylon client defaults.
func DefaultBBNConfig() BBNConfig {
	dc := bbncfg.DefaultBabylonConfig()
	return BBNConfig{
		Key:            dc.Key,
		ChainID:        dc.ChainID,
		RPCAddr:        dc.RPCAddr,
		GRPCAddr:       dc.GRPCAddr,
		AccountPrefix:  dc.AccountPrefix,
		KeyringBackend: dc.KeyringBackend,
		GasAdjustment:  dc.GasAdjustment,
		GasPrices:      dc.GasPrices,
		KeyDirectory:   dc.KeyDirectory,
		Debug:          dc.Debug,
		Timeout:        dc.Timeout,
		BlockTimeout:   dc.BlockTimeout,
		OutputFormat:   dc.OutputFormat,
		SignModeStr:    dc.SignModeStr,
	}
}

// BBNConfigToBabylonConfig converts the flags config into the Babylon SDK config.
func BBNConfigToBabylonConfig(bbnConfig *BBNConfig) bbncfg.BabylonConfig {
	return bbncfg.BabylonConfig{
		Key:            bbnConfig.Key,
		ChainID:        bbnConfig.ChainID,
		RPCAddr:        bbnConfig.RPCAddr,
		GRPCAddr:       bbnConfig.GRPCAddr,
		AccountPrefix:  bbnConfig.AccountPrefix,
		KeyringBackend: bbnConfig.KeyringBackend,
		GasAdjustment:  bbnConfig.GasAdjustment,
		GasPrices:      bbnConfig.GasPrices,
		KeyDirectory:   bbnConfig.KeyDirectory,
		Debug:          bbnConfig.Debug,
		Timeout:        bbnConfig.Timeout,
		BlockTimeout:   bbnConfig.BlockTimeout,
		OutputFormat:   bbnConfig.OutputFormat,
		SignModeStr:    bbnConfig.SignModeStr,
	}
}

// StakingAPIConfig holds the REST endpoints the daemon reads from.
type StakingAPIConfig struct {
	URL        string        `long:"url" description:"base url of the staking api"`
	MempoolURL string        `long:"mempool-url" description:"base url of the mempool api used for fee rates and utxos"`
	Timeout    time.Duration `long:"timeout" description:"timeout of a single api request"`
	MaxRetries int           `long:"max-retries" description:"number of retries of a failed api request"`
	CacheTTL   time.Duration `long:"cache-ttl" description:"how long network parameters and prices are cached"`
}

// Validate checks the api settings.
func (c *StakingAPIConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("staking api url must be set")
	}
	if c.MempoolURL == "" {
		return fmt.Errorf("mempool api url must be set")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("staking api timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("staking api retries must be non negative")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	return nil
}

// StakingConfig controls the staking flow.
type StakingConfig struct {
	VerificationPollInterval  time.Duration `long:"verification-poll-interval" description:"how often pending delegations are checked for covenant verification"`
	VerificationTimeout       time.Duration `long:"verification-timeout" description:"how long to wait for a delegation to become verified"`
	PendingDelegationMaxAge   time.Duration `long:"pending-max-age" description:"local intermediate delegations older than this are pruned"`
	MaxConcurrentTransactions uint32        `long:"max-concurrent-transactions" description:"maximum concurrent delegations sent to babylon"`
	MaxFinalityProviders      uint32        `long:"max-finality-providers" description:"maximum number of finality providers per delegation"`
	Phase1ParamsPath          string        `long:"phase1-params-path" description:"path to the phase-1 global parameters json, needed to register phase-1 delegations"`
}

// Validate checks the staking settings.
func (c *StakingConfig) Validate() error {
	if c.VerificationPollInterval <= 0 {
		return fmt.Errorf("verification poll interval must be positive")
	}
	if c.VerificationTimeout < c.VerificationPollInterval {
		return fmt.Errorf("verification timeout must not be lower than poll interval")
	}
	if c.PendingDelegationMaxAge <= 0 {
		return fmt.Errorf("pending delegation max age must be positive")
	}
	if c.MaxConcurrentTransactions == 0 {
		return fmt.Errorf("max concurrent transactions must be positive")
	}
	if c.MaxFinalityProviders == 0 {
		return fmt.Errorf("max finality providers must be positive")
	}
	return nil
}

// JSONRPCServerConfig holds the JSON-RPC server limits.
type JSONRPCServerConfig struct {
	MaxOpenConnections int           `long:"max-open-connections" description:"maximum number of simultaneous connections"`
	ReadTimeout        time.Duration `long:"read-timeout" description:"read timeout of the rpc server"`
	WriteTimeout       time.Duration `long:"write-timeout" description:"write timeout of the rpc server"`
	MaxBodyBytes       int64         `long:"max-body-bytes" description:"maximum size of request body"`
	MaxHeaderBytes     int           `long:"max-header-bytes" description:"maximum size of request header"`
}

// DefaultJSONRPCServerConfig derives the defaults from cometbft.
func DefaultJSONRPCServerConfig() *JSONRPCServerConfig {
	def := rpc.DefaultConfig()
	return &JSONRPCServerConfig{
		MaxOpenConnections: def.MaxOpenConnections,
		ReadTimeout:        def.ReadTimeout,
		WriteTimeout:       def.WriteTimeout,
		MaxBodyBytes:       def.MaxBodyBytes,
		MaxHeaderBytes:     def.MaxHeaderBytes,
	}
}

// Config returns the cometbft server config.
func (c *JSONRPCServerConfig) Config() *rpc.Config {
	return &rpc.Config{
		MaxOpenConnections: c.MaxOpenConnections,
		ReadTimeout:        c.ReadTimeout,
		WriteTimeout:       c.WriteTimeout,
		MaxBodyBytes:       c.MaxBodyBytes,
		MaxHeaderBytes:     c.MaxHeaderBytes,
	}
}

// Config is the root daemon configuration.
type Config struct {
	DebugLevel  string `long:"debuglevel" description:"Logging level for all subsystems" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal"`
	LogFormat   string `long:"logformat" description:"Log output format" choice:"auto" choice:"json" choice:"text"`
	StakingdDir string `long:"stakingddir" description:"The base directory that contains the daemon's data, logs, configuration file, etc."`
	ConfigFile  string `long:"configfile" description:"Path to configuration file"`
	DataDir     string `long:"datadir" description:"The directory to store the daemon's data within"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	CPUProfile  string `long:"cpuprofile" description:"If set, write CPU profile to the specified file"`
	Profile     string `long:"profile" description:"Serve pprof on the given host:port"`
	DumpCfg     bool   `long:"dumpcfg" description:"If config file does not exist, create it with current settings"`

	WalletConfig *WalletConfig `group:"walletconfig" namespace:"walletconfig"`

	WalletRPCConfig *WalletRPCConfig `group:"walletrpcconfig" namespace:"walletrpcconfig"`

	ChainConfig *ChainConfig `group:"chain" namespace:"chain"`

	BtcNodeBackendConfig *BtcNodeBackendConfig `group:"btcnodebackend" namespace:"btcnodebackend"`

	BabylonConfig *BBNConfig `group:"babylon" namespace:"babylon"`

	StakingAPIConfig *StakingAPIConfig `group:"stakingapi" namespace:"stakingapi"`

	StakingConfig *StakingConfig `group:"staking" namespace:"staking"`

	DBConfig *DBConfig `group:"dbconfig" namespace:"dbconfig"`

	MetricsConfig *MetricsConfig `group:"metricsconfig" namespace:"metricsconfig"`

	JSONRPCServerConfig *JSONRPCServerConfig `group:"jsonrpcserverconfig" namespace:"jsonrpcserverconfig"`

	RawRPCListeners []string `long:"rpclisten" description:"Add an interface/port/socket to listen for RPC connections"`

	ActiveNetParams chaincfg.Params

	RPCListeners []net.Addr
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	bbnConfig := DefaultBBNConfig()
	dbConfig := DefaultDBConfig()
	metricsConfig := DefaultMetricsConfig()

	return Config{
		ChainConfig: &ChainConfig{
			Network: defaultBitcoinNetwork,
		},
		WalletConfig: &WalletConfig{
			WalletName: "wallet",
			WalletPass: "",
		},
		WalletRPCConfig: &WalletRPCConfig{
			Host:       defaultWalletHost,
			User:       "rpcuser",
			Pass:       "rpcpass",
			DisableTLS: true,
		},
		BtcNodeBackendConfig: &BtcNodeBackendConfig{
			Nodetype:   "bitcoind",
			WalletType: "bitcoind",
			FeeMode:    defaultFeeMode,
			MinFeeRate: defaultMinFeeRate,
			MaxFeeRate: defaultMaxFeeRate,
			Bitcoind: &Bitcoind{
				RPCHost:      defaultWalletHost,
				EstimateMode: "CONSERVATIVE",
			},
			Btcd: &Btcd{},
		},
		BabylonConfig: &bbnConfig,
		StakingAPIConfig: &StakingAPIConfig{
			URL:        defaultStakingAPIURL,
			MempoolURL: defaultMempoolAPIURL,
			Timeout:    defaultAPITimeout,
			MaxRetries: defaultAPIRetries,
			CacheTTL:   defaultAPICacheTTL,
		},
		StakingConfig: &StakingConfig{
			VerificationPollInterval:  defaultPollInterval,
			VerificationTimeout:       defaultVerifyTimeout,
			PendingDelegationMaxAge:   defaultPendingMaxAge,
			MaxConcurrentTransactions: defaultMaxConcurrentTx,
			MaxFinalityProviders:      1,
		},
		DebugLevel:          defaultLogLevel,
		LogFormat:           defaultLogFormat,
		StakingdDir:         DefaultStakingdDir,
		ConfigFile:          DefaultConfigFile,
		DataDir:             defaultDataDir,
		LogDir:              defaultLogDir,
		DBConfig:            &dbConfig,
		MetricsConfig:       &metricsConfig,
		JSONRPCServerConfig: DefaultJSONRPCServerConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, *logrus.Logger, *zap.Logger, error) {
	defaultCfg := DefaultConfig()

	preCfg := defaultCfg
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, nil, nil, err
	}

	configFileDir := CleanAndExpandPath(preCfg.StakingdDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultStakingdDir && configFilePath == DefaultConfigFile {
		configFilePath = filepath.Join(configFileDir, defaultConfigFileName)
	}

	if err := os.MkdirAll(configFileDir, 0700); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create config dir %s: %w", configFileDir, err)
	}

	cfg := preCfg
	fileParser := flags.NewParser(&cfg, flags.Default)
	var configFileError error
	err := flags.NewIniParser(fileParser).ParseFile(configFilePath)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, nil, nil, err
		}

		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	flagParser := flags.NewParser(&cfg, flags.Default)
	if _, err := flagParser.Parse(); err != nil {
		return nil, nil, nil, err
	}

	if configFileError != nil && cfg.DumpCfg {
		if err := flags.NewIniParser(flagParser).WriteFile(configFilePath, flags.IniIncludeDefaults); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to write default config to %s: %w", configFilePath, err)
		}
	}

	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) || flagsErr.Type != flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		return nil, nil, nil, err
	}

	cfgLogger, err := NewRootLogger(cleanCfg.LogFormat, cleanCfg.DebugLevel, os.Stdout)
	if err != nil {
		return nil, nil, nil, err
	}

	zapLogger, err := NewZapLogger(cleanCfg.LogFormat, cleanCfg.DebugLevel)
	if err != nil {
		return nil, nil, nil, err
	}

	if configFileError != nil {
		cfgLogger.Warnf("%v", configFileError)
	}

	return cleanCfg, cfgLogger, zapLogger, nil
}

// ValidateConfig fills derived fields and checks that the config is usable.
func ValidateConfig(cfg Config) (*Config, error) {
	if err := os.MkdirAll(cfg.StakingdDir, 0700); err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) && os.IsExist(err) {
			link, lerr := os.Readlink(pathErr.Path)
			if lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, pathErr.Path, link)
			}
		}

		return nil, fmt.Errorf("failed to create stakingd directory '%s': %w", cfg.StakingdDir, err)
	}

	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	cfg.DBConfig.DBPath = CleanAndExpandPath(cfg.DBConfig.DBPath)
	cfg.StakingConfig.Phase1ParamsPath = CleanAndExpandPath(cfg.StakingConfig.Phase1ParamsPath)

	params, err := ut.GetBtcNetworkParams(cfg.ChainConfig.Network)
	if err != nil {
		return nil, err
	}
	cfg.ActiveNetParams = *params

	nodeBackend, err := types.NewNodeBackend(cfg.BtcNodeBackendConfig.Nodetype)
	if err != nil {
		return nil, err
	}
	cfg.BtcNodeBackendConfig.ActiveNodeBackend = nodeBackend

	walletBackend, err := types.NewWalletBackend(cfg.BtcNodeBackendConfig.WalletType)
	if err != nil {
		return nil, err
	}
	cfg.BtcNodeBackendConfig.ActiveWalletBackend = walletBackend

	feeMode, err := types.NewFeeEstimationMode(cfg.BtcNodeBackendConfig.FeeMode)
	if err != nil {
		return nil, err
	}
	cfg.BtcNodeBackendConfig.EstimationMode = feeMode

	if cfg.BtcNodeBackendConfig.MinFeeRate == 0 {
		return nil, fmt.Errorf("minfeerate must be positive")
	}
	if cfg.BtcNodeBackendConfig.MaxFeeRate < cfg.BtcNodeBackendConfig.MinFeeRate {
		return nil, fmt.Errorf("maxfeerate %d must not be lower than minfeerate %d",
			cfg.BtcNodeBackendConfig.MaxFeeRate, cfg.BtcNodeBackendConfig.MinFeeRate)
	}

	if err := cfg.StakingAPIConfig.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.StakingConfig.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.DBConfig.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.MetricsConfig.Validate(); err != nil {
		return nil, err
	}

	if _, err := logrus.ParseLevel(cfg.DebugLevel); err != nil {
		return nil, err
	}

	if len(cfg.RawRPCListeners) == 0 {
		cfg.RawRPCListeners = append(cfg.RawRPCListeners, defaultRPCListen)
	}

	cfg.RPCListeners, err = NormalizeAddresses(cfg.RawRPCListeners, strconv.Itoa(DefaultRPCPort))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MinFeeRatePerKvB returns the configured lower fee bound in sat/kvB.
func (c *BtcNodeBackendConfig) MinFeeRatePerKvB() chainfee.SatPerKVByte {
	return chainfee.SatPerKVByte(c.MinFeeRate * 1000)
}

// MaxFeeRatePerKvB returns the configured upper fee bound in sat/kvB.
func (c *BtcNodeBackendConfig) MaxFeeRatePerKvB() chainfee.SatPerKVByte {
	return chainfee.SatPerKVByte(c.MaxFeeRate * 1000)
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
