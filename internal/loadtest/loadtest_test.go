package loadtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRun_Small(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	res, err := Run(context.Background(), Config{
		Tills:         3,
		WritesPerTill: 5,
		Dir:           t.TempDir(),
		Timeout:       30 * time.Second,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Tills)
	assert.Equal(t, 15, res.Writes)
	assert.Equal(t, 15, res.Upload.Samples)
	assert.LessOrEqual(t, res.Upload.Min, res.Upload.P50)
	assert.LessOrEqual(t, res.Upload.P99, res.Upload.Max)
	assert.Positive(t, res.Converged)
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 1; i <= 100; i++ {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	assert.Equal(t, 100, stats.Samples)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 51*time.Millisecond, stats.P50)
	assert.Equal(t, 96*time.Millisecond, stats.P95)
	assert.Equal(t, 100*time.Millisecond, stats.P99)
	assert.Equal(t, 50500*time.Microsecond, stats.Mean)
}

func TestComputeLatencyStats_Empty(t *testing.T) {
	assert.Equal(t, LatencyStats{}, computeLatencyStats(nil))
}
