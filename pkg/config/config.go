// Package config provides a reusable loader for nanod configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tundak/nano-node-sub001/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a node. It is the shape
// Load reads from a default.yaml under cmd/nanod/config or config; the
// repository ships no such file.
type Config struct {
	Network struct {
		// Name selects one of the baked-in genesis/constant sets: "live",
		// "beta" or "test" (spec.md §4.12/genesis.go's Network type).
		Name           string   `mapstructure:"name" json:"name"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Bootstrap struct {
		MinConnections int  `mapstructure:"min_connections" json:"min_connections"`
		MaxConnections int  `mapstructure:"max_connections" json:"max_connections"`
		LazyEnabled    bool `mapstructure:"lazy_enabled" json:"lazy_enabled"`
		WalletEnabled  bool `mapstructure:"wallet_enabled" json:"wallet_enabled"`
	} `mapstructure:"bootstrap" json:"bootstrap"`

	Wallet struct {
		WalletDir     string `mapstructure:"wallet_dir" json:"wallet_dir"`
		WorkWatcherMS int    `mapstructure:"work_watcher_ms" json:"work_watcher_ms"`
	} `mapstructure:"wallet" json:"wallet"`

	Work struct {
		Threads       int      `mapstructure:"threads" json:"threads"`
		PeerEndpoints []string `mapstructure:"peer_endpoints" json:"peer_endpoints"`
	} `mapstructure:"work" json:"work"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
		Prune  bool   `mapstructure:"prune" json:"prune"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Metrics struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Observers struct {
		// CallbackURL, if set, receives one JSON POST per cemented block.
		CallbackURL string `mapstructure:"callback_url" json:"callback_url"`
		// StreamListenAddr, if set, serves a chunked /confirmations feed.
		StreamListenAddr string `mapstructure:"stream_listen_addr" json:"stream_listen_addr"`
		Workers          int    `mapstructure:"workers" json:"workers"`
	} `mapstructure:"observers" json:"observers"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	// Best-effort: a missing .env file is the common case outside local dev
	// and is not an error condition.
	_ = godotenv.Load()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/nanod/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the NANOD_ENV environment variable,
// falling back to defaults tuned for the "test" network when no config file
// is present (e.g. a first run with no cmd/nanod/config directory yet).
func LoadFromEnv() (*Config, error) {
	cfg, err := Load(utils.EnvOrDefault("NANOD_ENV", ""))
	if err != nil {
		return defaultConfig(), nil
	}
	return cfg, nil
}

// defaultConfig returns baked-in defaults matching spec.md's stated constants
// (bootstrap connection pool bounds, rep crawler dust filter inputs live in
// core/genesis.go instead since they are consensus-critical, not operator
// tunable).
func defaultConfig() *Config {
	var c Config
	c.Network.Name = "test"
	c.Network.MaxPeers = utils.EnvOrDefaultInt("NANOD_MAX_PEERS", 256)
	c.Network.ListenAddr = utils.EnvOrDefault("NANOD_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/0")
	c.Network.DiscoveryTag = utils.EnvOrDefault("NANOD_DISCOVERY_TAG", "nanod-test")
	c.Bootstrap.MinConnections = utils.EnvOrDefaultInt("NANOD_BOOTSTRAP_MIN_CONN", 4)
	c.Bootstrap.MaxConnections = utils.EnvOrDefaultInt("NANOD_BOOTSTRAP_MAX_CONN", 64)
	c.Bootstrap.LazyEnabled = true
	c.Bootstrap.WalletEnabled = true
	c.Wallet.WalletDir = utils.EnvOrDefault("NANOD_WALLET_DIR", "wallets")
	c.Wallet.WorkWatcherMS = utils.EnvOrDefaultInt("NANOD_WORK_WATCHER_MS", 5000)
	c.Work.Threads = utils.EnvOrDefaultInt("NANOD_WORK_THREADS", 1)
	c.Storage.DBPath = utils.EnvOrDefault("NANOD_DB_PATH", "data.ldb")
	c.Storage.Prune = false
	c.Logging.Level = utils.EnvOrDefault("NANOD_LOG_LEVEL", "info")
	c.Metrics.ListenAddr = utils.EnvOrDefault("NANOD_METRICS_ADDR", "127.0.0.1:9090")
	c.Observers.CallbackURL = utils.EnvOrDefault("NANOD_OBSERVER_CALLBACK_URL", "")
	c.Observers.StreamListenAddr = utils.EnvOrDefault("NANOD_OBSERVER_STREAM_ADDR", "")
	c.Observers.Workers = utils.EnvOrDefaultInt("NANOD_OBSERVER_WORKERS", 4)
	return &c
}
