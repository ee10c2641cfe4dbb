package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbeddedDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, int64(4), cfg.Pool.MaxConcurrentQueries)
	assert.Equal(t, int64(2), cfg.Pool.PerRelayConcurrency)
	assert.Equal(t, 10.0, cfg.Pool.RatePerSecond)
	assert.Equal(t, 20, cfg.Pool.Burst)
	assert.Equal(t, 3, cfg.Pool.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Pool.BackoffBase)
	assert.Equal(t, 2*time.Minute, cfg.Pool.Cooldown)
	assert.Equal(t, 8192, cfg.Pool.DedupMaxTracked)

	assert.Equal(t, 5*time.Minute, cfg.Cache.ProfileTTL)
	assert.Equal(t, time.Hour, cfg.Cache.RelayInfoTTL)

	assert.Equal(t, 100.0, cfg.Ranking.Engagement.Zap)
	assert.Equal(t, 3.0, cfg.Ranking.Social.SecondDegree)
	assert.Equal(t, 0.5, cfg.Ranking.FeedMix.SecondDegree)
	assert.InDelta(t, 1.0,
		cfg.Ranking.FeedMix.SecondDegree+cfg.Ranking.FeedMix.OutOfNetwork+cfg.Ranking.FeedMix.FirstDegree,
		0.001)

	assert.NotEmpty(t, cfg.Relays.Default)
	assert.False(t, cfg.Relays.AllowLocalhost)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
pool:
  MAX_CONCURRENT_QUERIES: 8
  RATE_PER_SECOND: 25
relays:
  DEFAULT:
    - wss://relay.example.com
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(8), cfg.Pool.MaxConcurrentQueries)
	assert.Equal(t, 25.0, cfg.Pool.RatePerSecond)
	assert.Equal(t, []string{"wss://relay.example.com"}, cfg.Relays.Default)
	// Untouched values keep their defaults.
	assert.Equal(t, 20, cfg.Pool.Burst)
}

func TestLoadRejectsInvalidRelayURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
relays:
  DEFAULT:
    - http://not-a-relay.example.com
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	_, err := Load(path, nil)
	assert.Error(t, err)
}

func TestLoadRejectsUnreasonableDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
pool:
  COOLDOWN: 48h
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	_, err := Load(path, nil)
	assert.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml", nil)
	assert.Error(t, err)
}
