package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       30303,
			MaxPeers:   50,
			Seeds:      []string{},
		},
		Chain: ChainConfig{
			RetentionWindow:  2880,
			PruneInterval:    10 * time.Minute,
			PartialWorkers:   4,
			BodyCacheSize:    256,
			BodyRequestRate:  20,
			BodyRequestBurst: 40,
			FetchRetryMin:    50 * time.Millisecond,
			FetchRetryMax:    2 * time.Second,
			FetchRetryTotal:  15 * time.Second,
		},
		Penalty: PenaltyConfig{
			HeaderBan:    time.Hour,
			FullBan:      24 * time.Hour,
			OffenseBan:   24 * time.Hour,
			BanThreshold: 100,
			QueueSize:    64,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9390",
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30304
	cfg.Metrics.Addr = "127.0.0.1:9391"
	return cfg
}

// DefaultRegtest returns a configuration for local single-machine testing.
func DefaultRegtest() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Regtest
	cfg.P2P.Port = 30305
	cfg.Chain.RetentionWindow = 100
	cfg.Penalty.HeaderBan = time.Minute
	cfg.Penalty.FullBan = 10 * time.Minute
	cfg.Metrics.Addr = "127.0.0.1:9392"
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	case Regtest:
		return DefaultRegtest()
	default:
		return DefaultMainnet()
	}
}
