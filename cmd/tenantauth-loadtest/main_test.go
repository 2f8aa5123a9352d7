package main

import (
	"errors"
	mrand "math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPercentileOnSortedSamples(t *testing.T) {
	samples := make([]time.Duration, 100)
	for i := range samples {
		samples[i] = time.Duration(i+1) * time.Millisecond
	}
	require.Equal(t, time.Millisecond, percentile(samples, 0))
	require.Equal(t, 50*time.Millisecond, percentile(samples, 50))
	require.Equal(t, 99*time.Millisecond, percentile(samples, 99))
	require.Equal(t, 100*time.Millisecond, percentile(samples, 100))
	require.Zero(t, percentile(nil, 50))
}

func TestRunPhaseCountsEveryOp(t *testing.T) {
	var calls int
	stats := runPhase(40, 1, func(*mrand.Rand) error {
		calls++
		if calls%4 == 0 {
			return errors.New("boom")
		}
		return nil
	})
	require.Equal(t, 40, stats.ops)
	require.EqualValues(t, 10, stats.failures)
}

func TestBuildEngineSeedsTenants(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	client, cleanup, err := redisClient("")
	require.NoError(t, err)
	defer cleanup()

	engine, tenants, err := buildEngine(client, 3, 6)
	require.NoError(t, err)
	defer engine.Close()
	require.Len(t, tenants, 3)
	require.Equal(t, "t002", tenants[2].ID)
}
