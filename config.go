// Package utwallet wires the payment input resolver, the settlement rails
// and the channel lifecycle into one orchestrator consumed by the UI layer.
package utwallet

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/ulrichard/utwallet/eventlog"
	"github.com/ulrichard/utwallet/lnclient"
	"github.com/ulrichard/utwallet/rates"
)

const (
	// DefaultAppName is the name used for the data directory.
	DefaultAppName = "utwallet"

	// defaultConfigFilename is the default configuration file name.
	defaultConfigFilename = "utwallet.conf"

	// defaultSeedFilename is the default seed file name inside the data
	// directory.
	defaultSeedFilename = "wallet.seed"

	// defaultNetwork is the network used when none is configured.
	defaultNetwork = "mainnet"

	// defaultCurrency is the fiat currency of the balance display.
	defaultCurrency = "CHF"

	// defaultChannelPollInterval is how often pending channel
	// transitions are reconciled against the node.
	defaultChannelPollInterval = 30 * time.Second

	// defaultChannelOpenTimeout is how long a pending open may go
	// unobserved before it is considered failed.
	defaultChannelOpenTimeout = 30 * time.Minute

	// defaultDebugLevel is the default logging verbosity.
	defaultDebugLevel = "info"

	// defaultLndRPCHost is the gRPC endpoint of the node collaborator.
	defaultLndRPCHost = "localhost:10009"

	// DefaultPeerAddr is the channel peer used when the user supplies
	// none.
	DefaultPeerAddr = "03a46be38d068c2bc5af3fc13da840790ed5643f3d6d27e5" +
		"e34d67ed2aec16ce67@158.181.114.196:9735"
)

// defaultEsploraServers are the chain backends tried in order.
var defaultEsploraServers = []string{
	"https://blockstream.info/api",
	"https://esplora.blockeng.ch/api",
	"https://esplora2.blockeng.ch/api",
}

// DefaultDataDir is the default directory for wallet data.
var DefaultDataDir = btcutil.AppDataDir(DefaultAppName, false)

// Config holds the runtime configuration of the wallet core.
type Config struct {
	ShowVersion bool `long:"version" short:"V" description:"Display version information and exit"`

	ConfigFile string `long:"configfile" short:"C" description:"Path to configuration file"`
	DataDir    string `long:"datadir" short:"b" description:"The directory to store wallet data within"`

	Network string `long:"network" description:"The bitcoin network to operate on" choice:"mainnet" choice:"testnet" choice:"regtest"`

	EsploraServers []string `long:"esploraserver" description:"Esplora API base URL; may be specified multiple times, tried in order"`

	LndRPCHost      string `long:"lnd.rpchost" description:"The host:port of the node's gRPC interface"`
	LndTLSCertPath  string `long:"lnd.tlscertpath" description:"Path to the node's TLS certificate"`
	LndMacaroonPath string `long:"lnd.macaroonpath" description:"Path to the node macaroon"`

	DefaultPeer string `long:"defaultpeer" description:"Channel peer (pubkey@host:port) used when opening without an explicit target"`

	Currency   string        `long:"currency" description:"Fiat currency of the balance display"`
	RateAPIKey string        `long:"rateapikey" description:"CoinMarketCap API key for exchange rate queries"`
	RateTTL    time.Duration `long:"ratettl" description:"How long a fetched exchange rate stays fresh"`

	ChannelPollInterval time.Duration `long:"channelpollinterval" description:"Interval for reconciling pending channel transitions"`
	ChannelOpenTimeout  time.Duration `long:"channelopentimeout" description:"How long a pending channel open may go unobserved before giving up"`

	EventLogCapacity int `long:"eventlogcapacity" description:"Number of node events retained for display"`

	DebugLevel string `long:"debuglevel" short:"d" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	// ActiveNetParams are the chain parameters resolved from Network.
	ActiveNetParams *chaincfg.Params

	// PeerAddr is the parsed DefaultPeer.
	PeerAddr *lnclient.NodeAddr

	// SeedFile is the resolved seed file path inside DataDir.
	SeedFile string
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		ConfigFile: filepath.Join(
			DefaultDataDir, defaultConfigFilename,
		),
		DataDir:             DefaultDataDir,
		Network:             defaultNetwork,
		EsploraServers:      defaultEsploraServers,
		LndRPCHost:          defaultLndRPCHost,
		DefaultPeer:         DefaultPeerAddr,
		Currency:            defaultCurrency,
		RateTTL:             rates.DefaultTTL,
		ChannelPollInterval: defaultChannelPollInterval,
		ChannelOpenTimeout:  defaultChannelOpenTimeout,
		EventLogCapacity:    eventlog.DefaultCapacity,
		DebugLevel:          defaultDebugLevel,
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified
//     options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative
	// config file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(
		&preCfg, args,
	); err != nil {
		return nil, err
	}

	// Load the configuration file, ignoring a missing file at the
	// default location.
	cfg := DefaultConfig()
	configFile := CleanAndExpandPath(preCfg.ConfigFile)

	fileParser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(fileParser).ParseFile(configFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("unable to parse config "+
				"file: %w", err)
		}

		if configFile != CleanAndExpandPath(
			DefaultConfig().ConfigFile,
		) {

			return nil, fmt.Errorf("config file %s does not "+
				"exist", configFile)
		}
	}

	// Parse the command line again, so flags override the file.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	return ValidateConfig(&cfg)
}

// ValidateConfig expands paths, resolves the network parameters and checks
// the configured values for consistency.
func ValidateConfig(cfg *Config) (*Config, error) {
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LndTLSCertPath = CleanAndExpandPath(cfg.LndTLSCertPath)
	cfg.LndMacaroonPath = CleanAndExpandPath(cfg.LndMacaroonPath)
	cfg.SeedFile = filepath.Join(cfg.DataDir, defaultSeedFilename)

	switch cfg.Network {
	case "mainnet":
		cfg.ActiveNetParams = &chaincfg.MainNetParams
	case "testnet":
		cfg.ActiveNetParams = &chaincfg.TestNet3Params
	case "regtest":
		cfg.ActiveNetParams = &chaincfg.RegressionNetParams
	default:
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}

	if len(cfg.EsploraServers) == 0 {
		return nil, fmt.Errorf("at least one esplora server is " +
			"required")
	}

	if cfg.EventLogCapacity <= 0 {
		return nil, fmt.Errorf("event log capacity must be positive")
	}

	if cfg.DefaultPeer != "" {
		peer, err := lnclient.ParseNodeAddr(cfg.DefaultPeer)
		if err != nil {
			return nil, fmt.Errorf("invalid default peer: %w",
				err)
		}
		cfg.PeerAddr = peer
	}

	if err := ParseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, err
	}

	return cfg, nil
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
//
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
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

	// NOTE: The os.ExpandEnv doesn't work with Windows-style
	// %VARIABLE%, but the variables can still be expanded via POSIX
	// style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
