// Package config binds the process configuration surface (spec.md §6)
// via viper, with defaults matching the spec and overrides from a config
// file, environment variables, and flags, in that ascending precedence.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved process configuration.
type Config struct {
	// Connection strings and endpoints.
	RedisAddr    string
	SQLitePath   string
	NodeRPCURL   string
	ExplorerURL  string
	ExplorerKey  string
	LogLevel     string
	LogProd      bool

	// Cache TTLs.
	BalanceCacheTTL     time.Duration
	TxQueryCacheTTL     time.Duration
	TxCountCacheTTL     time.Duration
	AddressInfoCacheTTL time.Duration

	// Upstream timeouts.
	RPCTimeout      time.Duration
	ExplorerTimeout time.Duration

	// Gap scheduler / worker pool.
	WorkerConcurrency   int
	MaxBlocksPerJob     int
	MaxTxPerBatch       int
	JobRetryAttempts    int
	JobRetryBackoffBase time.Duration

	// Rate limiter.
	RateLimitTokensPerSec  float64
	RateLimitMaxConcurrent int64
}

// setDefaults installs spec.md §6's documented defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("sqlite_path", "txindex.db")
	v.SetDefault("node_rpc_url", "")
	v.SetDefault("explorer_url", "")
	v.SetDefault("explorer_key", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_prod", false)

	v.SetDefault("balance_cache_ttl", 30)
	v.SetDefault("tx_query_cache_ttl", 300)
	v.SetDefault("txcount_cache_ttl", 300)
	v.SetDefault("address_info_cache_ttl", 604800)

	v.SetDefault("rpc_timeout", 10000)
	v.SetDefault("explorer_timeout", 5000)

	v.SetDefault("worker_concurrency", 2)
	v.SetDefault("max_blocks_per_job", 5000)
	v.SetDefault("max_tx_per_batch", 5000)
	v.SetDefault("job_retry_attempts", 3)
	v.SetDefault("job_retry_backoff_base_ms", 2000)

	v.SetDefault("rate_limit_tokens_per_sec", 5)
	v.SetDefault("rate_limit_max_concurrent", 1)
}

// Load builds a *viper.Viper bound to configPath (if non-empty), the
// TXINDEX_-prefixed environment, and spec.md §6's defaults, then resolves
// it into a Config. Flags, when the caller binds them onto v before
// calling Load, take precedence over both.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("txindex")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return &Config{
		RedisAddr:   v.GetString("redis_addr"),
		SQLitePath:  v.GetString("sqlite_path"),
		NodeRPCURL:  v.GetString("node_rpc_url"),
		ExplorerURL: v.GetString("explorer_url"),
		ExplorerKey: v.GetString("explorer_key"),
		LogLevel:    v.GetString("log_level"),
		LogProd:     v.GetBool("log_prod"),

		BalanceCacheTTL:     time.Duration(v.GetInt64("balance_cache_ttl")) * time.Second,
		TxQueryCacheTTL:     time.Duration(v.GetInt64("tx_query_cache_ttl")) * time.Second,
		TxCountCacheTTL:     time.Duration(v.GetInt64("txcount_cache_ttl")) * time.Second,
		AddressInfoCacheTTL: time.Duration(v.GetInt64("address_info_cache_ttl")) * time.Second,

		RPCTimeout:      time.Duration(v.GetInt64("rpc_timeout")) * time.Millisecond,
		ExplorerTimeout: time.Duration(v.GetInt64("explorer_timeout")) * time.Millisecond,

		WorkerConcurrency:   v.GetInt("worker_concurrency"),
		MaxBlocksPerJob:     v.GetInt("max_blocks_per_job"),
		MaxTxPerBatch:       v.GetInt("max_tx_per_batch"),
		JobRetryAttempts:    v.GetInt("job_retry_attempts"),
		JobRetryBackoffBase: time.Duration(v.GetInt64("job_retry_backoff_base_ms")) * time.Millisecond,

		RateLimitTokensPerSec:  v.GetFloat64("rate_limit_tokens_per_sec"),
		RateLimitMaxConcurrent: v.GetInt64("rate_limit_max_concurrent"),
	}, nil
}
