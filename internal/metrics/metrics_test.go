package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metodievmartin/evm-txindex/internal/metrics"
)

func TestMetrics_CollectorsRegisterCleanly(t *testing.T) {
	m := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(m.GapJobsCompleted))
	for _, c := range m.Collectors()[1:] {
		require.NoError(t, reg.Register(c))
	}

	m.GapJobsCompleted.Inc()
	m.CacheHits.WithLabelValues("balance").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
