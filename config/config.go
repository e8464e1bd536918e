// Package config handles node configuration.
//
// Configuration is split into two categories:
//   - Network parameters: consensus-critical, identical on every node (Params)
//   - Node settings: runtime options that may differ per node (Config)
package config

import (
	"os"
	"path/filepath"
	"time"
)

// NetworkType identifies the network a node joins.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Regtest NetworkType = "regtest"
)

// Config holds node-specific runtime configuration.
type Config struct {
	ConfigFile string      `yaml:"-" short:"C" long:"config" description:"Path to YAML configuration file"`
	Network    NetworkType `yaml:"network" long:"network" description:"Network to join {mainnet, testnet, regtest}"`
	DataDir    string      `yaml:"data_dir" short:"b" long:"datadir" description:"Directory to store data"`
	MemDB      bool        `yaml:"mem_db" long:"memdb" description:"Keep all state in memory (nothing is persisted)"`

	P2P     P2PConfig     `yaml:"p2p" group:"P2P" namespace:"p2p"`
	Chain   ChainConfig   `yaml:"chain" group:"Chain" namespace:"chain"`
	Penalty PenaltyConfig `yaml:"penalty" group:"Penalty" namespace:"penalty"`
	Log     LogConfig     `yaml:"log" group:"Logging" namespace:"log"`
	Metrics MetricsConfig `yaml:"metrics" group:"Metrics" namespace:"metrics"`
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `yaml:"enabled" long:"enabled" description:"Enable networking"`
	ListenAddr string   `yaml:"listen" long:"listen" description:"Listen address"`
	Port       int      `yaml:"port" long:"port" description:"Listen port"`
	Seeds      []string `yaml:"seeds" long:"seed" description:"Seed peer multiaddr (repeatable)"`
	MaxPeers   int      `yaml:"max_peers" long:"maxpeers" description:"Maximum connected peers"`
	NoDiscover bool     `yaml:"no_discover" long:"nodiscover" description:"Disable mDNS discovery on the local network"`
	ClearBans  bool     `yaml:"-" long:"clearbans" description:"Remove all persisted bans on startup"`
}

// ChainConfig tunes chain selection. None of these affect consensus.
type ChainConfig struct {
	RetentionWindow  uint64        `yaml:"retention_window" long:"retention" description:"Blocks below tip height minus this value are pruned from the index"`
	PruneInterval    time.Duration `yaml:"prune_interval" long:"pruneinterval" description:"How often the header index is pruned"`
	PartialWorkers   int           `yaml:"partial_workers" long:"partialworkers" description:"Concurrent partial validations"`
	BodyCacheSize    int           `yaml:"body_cache_size" long:"bodycache" description:"Number of fetched bodies kept in memory"`
	BodyRequestRate  float64       `yaml:"body_request_rate" long:"bodyrate" description:"Body requests per second sent to peers"`
	BodyRequestBurst int           `yaml:"body_request_burst" long:"bodyburst" description:"Body request burst size"`
	FetchRetryMin    time.Duration `yaml:"fetch_retry_min" long:"fetchretrymin" description:"Initial retry delay for store reads"`
	FetchRetryMax    time.Duration `yaml:"fetch_retry_max" long:"fetchretrymax" description:"Maximum retry delay for store reads"`
	FetchRetryTotal  time.Duration `yaml:"fetch_retry_total" long:"fetchretrytotal" description:"Give up on a store read after this long"`
}

// PenaltyConfig controls how misbehaving peers are punished.
type PenaltyConfig struct {
	HeaderBan    time.Duration `yaml:"header_ban" long:"headerban" description:"Ban for headers or bodies failing partial validation"`
	FullBan      time.Duration `yaml:"full_ban" long:"fullban" description:"Ban for blocks failing full validation"`
	OffenseBan   time.Duration `yaml:"offense_ban" long:"offenseban" description:"Ban once accumulated offense score crosses the threshold"`
	BanThreshold int           `yaml:"ban_threshold" long:"banthreshold" description:"Offense score that triggers a ban"`
	QueueSize    int           `yaml:"queue_size" long:"queuesize" description:"Buffered ban decisions"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level" long:"level" description:"Log level {trace, debug, info, warn, error}"`
	JSON       bool   `yaml:"json" long:"json" description:"Log in JSON"`
	File       string `yaml:"file" long:"file" description:"Rotating log file path"`
	MaxSizeMB  int    `yaml:"max_size_mb" long:"maxsize" description:"Rotate after this many megabytes"`
	MaxBackups int    `yaml:"max_backups" long:"maxbackups" description:"Rotated files to keep"`
	MaxAgeDays int    `yaml:"max_age_days" long:"maxage" description:"Days to keep rotated files"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" long:"enabled" description:"Serve Prometheus metrics"`
	Addr    string `yaml:"addr" long:"addr" description:"Metrics listen address"`
}

// DefaultDataDir returns the default data directory (~/.klingnet).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet"
	}
	return filepath.Join(home, ".klingnet")
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// DBDir returns the Badger database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.ChainDataDir(), "db")
}

// Params returns the network parameters for the configured network.
func (c *Config) Params() *Params {
	return ParamsFor(c.Network)
}
