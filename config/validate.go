package config

import "fmt"

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch cfg.Network {
	case Mainnet, Testnet, Regtest:
	default:
		return fmt.Errorf("network must be %q, %q or %q", Mainnet, Testnet, Regtest)
	}
	if cfg.DataDir == "" && !cfg.MemDB {
		return fmt.Errorf("datadir is required unless memdb is set")
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.Chain.PartialWorkers < 1 {
		return fmt.Errorf("chain.partialworkers must be at least 1")
	}
	if cfg.Chain.BodyCacheSize < 1 {
		return fmt.Errorf("chain.bodycache must be at least 1")
	}
	if cfg.Chain.BodyRequestRate <= 0 || cfg.Chain.BodyRequestBurst < 1 {
		return fmt.Errorf("chain.bodyrate and chain.bodyburst must be positive")
	}
	if cfg.Chain.FetchRetryMin <= 0 || cfg.Chain.FetchRetryMax < cfg.Chain.FetchRetryMin {
		return fmt.Errorf("chain.fetchretrymin must be positive and not above chain.fetchretrymax")
	}
	if cfg.Penalty.HeaderBan <= 0 || cfg.Penalty.FullBan <= 0 || cfg.Penalty.OffenseBan <= 0 {
		return fmt.Errorf("penalty ban durations must be positive")
	}
	if cfg.Penalty.FullBan < cfg.Penalty.HeaderBan {
		return fmt.Errorf("penalty.fullban must not be shorter than penalty.headerban")
	}
	if cfg.Penalty.BanThreshold < 1 {
		return fmt.Errorf("penalty.banthreshold must be at least 1")
	}
	return nil
}
