package pool

import (
	"context"
	"testing"
	"time"

	"github.com/murmurhq/feedcore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gateConfig() config.PoolConfig {
	return config.PoolConfig{
		MaxConcurrentQueries: 4,
		PerRelayConcurrency:  2,
		RatePerSecond:        1000,
		Burst:                1000,
	}
}

func TestGlobalGateCapsConcurrency(t *testing.T) {
	g := newGates(gateConfig())

	for i := 0; i < 4; i++ {
		require.NoError(t, g.acquireGlobal(context.Background()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, g.acquireGlobal(ctx))

	g.releaseGlobal()
	require.NoError(t, g.acquireGlobal(context.Background()))
}

func TestPerRelayGateCapsConcurrency(t *testing.T) {
	g := newGates(gateConfig())

	require.NoError(t, g.acquireRelay(context.Background(), "wss://a"))
	require.NoError(t, g.acquireRelay(context.Background(), "wss://a"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, g.acquireRelay(ctx, "wss://a"))

	// A different relay has its own budget.
	require.NoError(t, g.acquireRelay(context.Background(), "wss://b"))
}

func TestRateLimiterThrottlesAfterBurst(t *testing.T) {
	cfg := gateConfig()
	cfg.RatePerSecond = 50
	cfg.Burst = 2
	g := newGates(cfg)

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, g.waitRate(context.Background(), "wss://a"))
	}
	elapsed := time.Since(start)

	// Two requests ride the burst; two wait for tokens at 20ms each.
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestBackoffDelayJitterAndCap(t *testing.T) {
	base := 100 * time.Millisecond
	max := 400 * time.Millisecond

	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(base, max, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.7))
		assert.LessOrEqual(t, d, time.Duration(float64(max)*1.3))
	}
}

func TestValidateRelayURL(t *testing.T) {
	assert.NoError(t, validateRelayURL("wss://relay.damus.io", false))
	assert.Error(t, validateRelayURL("https://relay.damus.io", false))
	assert.Error(t, validateRelayURL("wss://abcdef.onion", false))
	assert.Error(t, validateRelayURL("ws://relay.damus.io", false))

	assert.Error(t, validateRelayURL("ws://127.0.0.1:8080", false))
	assert.NoError(t, validateRelayURL("ws://127.0.0.1:8080", true))
	assert.NoError(t, validateRelayURL("ws://localhost:8080", true))
}
