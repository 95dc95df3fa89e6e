// Package config loads the node's runtime configuration (§6.4) from flags,
// environment variables, and an optional config file, in that order of
// precedence. Grounded on the teacher's simulator config loader
// (cmd/simulator/config, invoked from cmd/simulator/main/main.go as
// BuildFlagSet/BuildViper/BuildConfig), rebuilt here for the node's own
// option set. cmd/tce-node parses this pflag set directly; its urfave/cli
// app only dispatches the admin subcommands.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Flag keys, exported so cmd/tce-node can refer to the same viper keys.
const (
	DataDirKey               = "data-dir"
	HTTPAddrKey              = "http-addr"
	PeerAddrKey              = "peer-addr"
	LogLevelKey              = "log-level"
	GenesisPathKey           = "genesis"
	SigningKeyKey            = "signing-key"
	DBTypeKey                = "db-type"
	EchoThresholdKey         = "echo-threshold"
	ReadyThresholdKey        = "ready-threshold"
	DeliveryThresholdKey     = "delivery-threshold"
	CommandChannelSizeKey    = "command-channel-size"
	MaxBufferSizeKey         = "max-buffer-size"
	MaxTasksKey              = "max-tasks"
	SyncIntervalSecondsKey   = "sync-interval-seconds"
	SyncLimitPerSubnetKey    = "sync-limit-per-subnet"
	NetworkBootstrapTimeoutKey = "network-bootstrap-timeout-seconds"
	MetricsNamespaceKey      = "metrics-namespace"
)

// Defaults per §6.4. Threshold defaults are 0, meaning "derive from the
// validator set size via validator.DefaultThresholds" rather than a fixed
// override; an explicit positive value pins the threshold regardless of N.
const (
	DefaultCommandChannelSize        = 2048
	DefaultMaxBufferSize             = 256
	DefaultMaxTasks                  = 4096
	DefaultSyncIntervalSeconds       = 10
	DefaultSyncLimitPerSubnet        = 100
	DefaultNetworkBootstrapTimeoutS  = 30
	DefaultHTTPAddr                  = "127.0.0.1:9650"
	DefaultPeerAddr                  = "127.0.0.1:9651"
	DefaultLogLevel                  = "info"
	DefaultMetricsNamespace          = "tce"
	DefaultDBType                    = "memdb"
)

// Config is the fully-resolved node configuration.
type Config struct {
	DataDir  string
	HTTPAddr string
	PeerAddr string
	LogLevel string

	// GenesisPath names the genesis file declaring the epoch-0 validator set
	// and peer directory (§6.4).
	GenesisPath string

	// SigningKey is an operator-supplied hex-encoded secp256k1 private key.
	// Empty means generate a fresh key at startup (see DESIGN.md,
	// configuration decisions).
	SigningKey string

	// DBType selects the store's durability backend: "memdb" for an
	// in-memory store that does not survive a restart, or a disk-backed
	// driver name accepted by github.com/luxfi/database/factory (e.g.
	// "pebbledb", "leveldb", "badgerdb") to persist under DataDir.
	DBType string

	// EchoThreshold, ReadyThreshold, DeliveryThreshold override the
	// validator-count-derived defaults when positive (§4.8, §6.4).
	EchoThreshold     int
	ReadyThreshold    int
	DeliveryThreshold int

	CommandChannelSize int
	MaxBufferSize      int
	MaxTasks           int

	SyncInterval       time.Duration
	SyncLimitPerSubnet int

	NetworkBootstrapTimeout time.Duration

	MetricsNamespace string
}

// BuildFlagSet declares every recognized option as a pflag, mirroring the
// teacher's BuildFlagSet (cmd/simulator/config).
func BuildFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("tce-node", pflag.ContinueOnError)

	fs.String(DataDirKey, "", "directory for persisted node state")
	fs.String(HTTPAddrKey, DefaultHTTPAddr, "address the public API listens on")
	fs.String(PeerAddrKey, DefaultPeerAddr, "address the peer transport (gossip + synchronization RPC) listens on")
	fs.String(LogLevelKey, DefaultLogLevel, "log level (debug, info, warn, error)")
	fs.String("config-file", "", "optional path to a YAML/JSON config file")
	fs.String(GenesisPathKey, "", "path to the genesis file declaring the epoch-0 validator set")
	fs.String(SigningKeyKey, "", "hex-encoded secp256k1 signing key (generated if unset)")
	fs.String(DBTypeKey, DefaultDBType, "store durability backend: memdb, pebbledb, leveldb, badgerdb")

	fs.Int(EchoThresholdKey, 0, "override the ECHO threshold (0 = derive from validator count)")
	fs.Int(ReadyThresholdKey, 0, "override the READY-echo threshold (0 = derive from validator count)")
	fs.Int(DeliveryThresholdKey, 0, "override the READY-deliver threshold (0 = derive from validator count)")

	fs.Int(CommandChannelSizeKey, DefaultCommandChannelSize, "public submission command channel size")
	fs.Int(MaxBufferSizeKey, DefaultMaxBufferSize, "per-certificate inbound vote buffer size")
	fs.Int(MaxTasksKey, DefaultMaxTasks, "maximum concurrent broadcast tasks")

	fs.Int(SyncIntervalSecondsKey, DefaultSyncIntervalSeconds, "synchronizer tick interval, in seconds")
	fs.Int(SyncLimitPerSubnetKey, DefaultSyncLimitPerSubnet, "maximum proofs returned per source subnet in a checkpoint diff")

	fs.Int(NetworkBootstrapTimeoutKey, DefaultNetworkBootstrapTimeoutS, "network bootstrap timeout, in seconds")

	fs.String(MetricsNamespaceKey, DefaultMetricsNamespace, "Prometheus metric namespace prefix")

	return fs
}

// BuildViper binds fs to a fresh viper instance, then parses args against
// it, so that flags take precedence over a config file, which in turn takes
// precedence over the compiled-in defaults already registered on fs.
func BuildViper(fs *pflag.FlagSet, args []string) (*viper.Viper, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("tce")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	if cfgFile := v.GetString("config-file"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", cfgFile, err)
		}
	}

	return v, nil
}

// BuildConfig reads every recognized key off v into a Config, validating
// the options that must be positive.
func BuildConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DataDir:  v.GetString(DataDirKey),
		HTTPAddr: v.GetString(HTTPAddrKey),
		PeerAddr: v.GetString(PeerAddrKey),
		LogLevel: v.GetString(LogLevelKey),

		GenesisPath: v.GetString(GenesisPathKey),
		SigningKey:  v.GetString(SigningKeyKey),
		DBType:      v.GetString(DBTypeKey),

		EchoThreshold:     v.GetInt(EchoThresholdKey),
		ReadyThreshold:    v.GetInt(ReadyThresholdKey),
		DeliveryThreshold: v.GetInt(DeliveryThresholdKey),

		CommandChannelSize: v.GetInt(CommandChannelSizeKey),
		MaxBufferSize:      v.GetInt(MaxBufferSizeKey),
		MaxTasks:           v.GetInt(MaxTasksKey),

		SyncInterval:       time.Duration(v.GetInt(SyncIntervalSecondsKey)) * time.Second,
		SyncLimitPerSubnet: v.GetInt(SyncLimitPerSubnetKey),

		NetworkBootstrapTimeout: time.Duration(v.GetInt(NetworkBootstrapTimeoutKey)) * time.Second,

		MetricsNamespace: v.GetString(MetricsNamespaceKey),
	}

	if cfg.GenesisPath == "" {
		return nil, fmt.Errorf("%s is required", GenesisPathKey)
	}
	if cfg.CommandChannelSize <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %d", CommandChannelSizeKey, cfg.CommandChannelSize)
	}
	if cfg.MaxBufferSize <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %d", MaxBufferSizeKey, cfg.MaxBufferSize)
	}
	if cfg.MaxTasks <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %d", MaxTasksKey, cfg.MaxTasks)
	}
	if cfg.SyncInterval <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %d", SyncIntervalSecondsKey, v.GetInt(SyncIntervalSecondsKey))
	}
	if cfg.SyncLimitPerSubnet <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %d", SyncLimitPerSubnetKey, cfg.SyncLimitPerSubnet)
	}

	return cfg, nil
}
