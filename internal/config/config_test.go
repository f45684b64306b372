package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/pricing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CART_USER_ID", "u1")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "u1", cfg.UserID)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.LocalStore)
	assert.Equal(t, "memory", cfg.Remote)
	assert.Equal(t, 500*time.Millisecond, cfg.SyncDebounce)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 5*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, int64(10), cfg.MaxQuantity)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CART_USER_ID", "u1")
	t.Setenv("CART_REMOTE", "postgres")
	t.Setenv("CART_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CART_SYNC_INTERVAL", "1m")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Remote)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, time.Minute, cfg.SyncInterval)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing user", func(t *testing.T) {
		t.Setenv("CART_USER_ID", "")
		require.NoError(t, os.Unsetenv("CART_USER_ID"))
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("unknown remote", func(t *testing.T) {
		t.Setenv("CART_USER_ID", "u1")
		t.Setenv("CART_REMOTE", "dynamo")
		_, err := Load()
		assert.ErrorContains(t, err, "unknown remote")
	})
	t.Run("unknown local store", func(t *testing.T) {
		t.Setenv("CART_USER_ID", "u1")
		t.Setenv("CART_LOCAL_STORE", "leveldb")
		_, err := Load()
		assert.ErrorContains(t, err, "unknown local store")
	})
}

func TestRules(t *testing.T) {
	empty, err := Config{}.Rules()
	require.NoError(t, err)
	assert.Equal(t, pricing.Rules{}, empty)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tax:\n  rate_bps: 800\n"), 0o600))
	rules, err := Config{PricingRules: path}.Rules()
	require.NoError(t, err)
	assert.Equal(t, pricing.BasisPoints(800), rules.Tax.Rate)

	_, err = Config{PricingRules: filepath.Join(t.TempDir(), "missing.yaml")}.Rules()
	assert.Error(t, err)
}
