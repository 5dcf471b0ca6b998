package config_test

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metodievmartin/evm-txindex/internal/config"
)

func TestLoad_DefaultsMatchSpec(t *testing.T) {
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.BalanceCacheTTL)
	assert.Equal(t, 300*time.Second, cfg.TxQueryCacheTTL)
	assert.Equal(t, 300*time.Second, cfg.TxCountCacheTTL)
	assert.Equal(t, 604800*time.Second, cfg.AddressInfoCacheTTL)
	assert.Equal(t, 10000*time.Millisecond, cfg.RPCTimeout)
	assert.Equal(t, 5000*time.Millisecond, cfg.ExplorerTimeout)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, 5000, cfg.MaxBlocksPerJob)
	assert.Equal(t, 5000, cfg.MaxTxPerBatch)
	assert.Equal(t, 3, cfg.JobRetryAttempts)
	assert.Equal(t, 2000*time.Millisecond, cfg.JobRetryBackoffBase)
	assert.Equal(t, float64(5), cfg.RateLimitTokensPerSec)
	assert.Equal(t, int64(1), cfg.RateLimitMaxConcurrent)
}

func TestLoad_EnvironmentOverridesDefault(t *testing.T) {
	t.Setenv("TXINDEX_BALANCE_CACHE_TTL", "60")

	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.BalanceCacheTTL)
}
