package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "main", cfg.Session.Network)
	assert.True(t, cfg.Session.FetchTransactionHistory)
	assert.Equal(t, time.Second, cfg.Monitoring.StatsInterval)
	assert.Equal(t, 1000, cfg.Ethereum.HistoryBlocks)
	assert.Equal(t, 10*time.Minute, cfg.Redis.BlockTTL)
	assert.Equal(t, []string{"http://localhost:8545"}, cfg.Ethereum.RPCURLs)
	assert.Empty(t, cfg.RabbitMQ.URL)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := []byte(`
session:
  network: test
  fetch_transaction_history: false
ethereum:
  history_blocks: 50
  retry_delay: 500ms
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.yaml"), yaml, 0o644))
	chdir(t, dir)

	t.Setenv("ETH_RPC_URLS", "http://a:8545,http://b:8545")
	t.Setenv("LEDGER_NETWORK", "dev")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Session.Network)
	assert.False(t, cfg.Session.FetchTransactionHistory)
	assert.Equal(t, 50, cfg.Ethereum.HistoryBlocks)
	assert.Equal(t, 500*time.Millisecond, cfg.Ethereum.RetryDelay)
	assert.Equal(t, []string{"http://a:8545", "http://b:8545"}, cfg.Ethereum.RPCURLs)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsUnboundedHistoryWindow(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("ethereum:\n  history_blocks: 0\n"), 0o644))
	chdir(t, dir)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history_blocks")
}
