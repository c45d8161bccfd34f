package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8545", cfg.Network.RPCURL)
	assert.Equal(t, 5*time.Minute, cfg.Network.ConfirmTimeout)
	assert.Equal(t, "local", cfg.Signer.Type)
	assert.Equal(t, "file", cfg.Registry.Backend)
	assert.Equal(t, 1, cfg.Executor.Concurrency)
	assert.Equal(t, 3, cfg.Executor.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Executor.MaxBackoff)
	assert.Equal(t, int64(5000), cfg.Topology.PoolShare)
	assert.Equal(t, int64(1000), cfg.Topology.BcpShare)

	require.Len(t, cfg.Topology.Currencies, 3)
	assert.Equal(t, CurrencyConfig{Symbol: "AVAX", Native: true}, cfg.Topology.Currencies[0])
	assert.Equal(t, "MIM", cfg.Topology.Currencies[2].Symbol)

	require.Len(t, cfg.Topology.Products, 2)
	assert.Equal(t, "ETH-USD", cfg.Topology.Products[0].ID)
	assert.Equal(t, "0.1", cfg.Topology.Products[0].Fee)
	assert.Equal(t, "V2", cfg.Topology.Extension.Suffix)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
network:
  rpc_url: https://api.avax.network/ext/bc/C/rpc
  chain_id: 43114
executor:
  concurrency: 4
  op_timeout: 2m
registry:
  backend: postgres
  name: avax-mainnet
externals:
  bcp: "0x1000000000000000000000000000000000000001"
topology:
  currencies:
    - symbol: AVAX
      native: true
  products:
    - id: SOL-USD
      max_leverage: "20"
      liquidation_threshold: "80"
      fee: "0.1"
      interest: "16"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(43114), cfg.Network.ChainID)
	assert.Equal(t, 4, cfg.Executor.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Executor.OpTimeout)
	assert.Equal(t, "postgres", cfg.Registry.Backend)
	assert.Equal(t, "avax-mainnet", cfg.Registry.Name)
	assert.Equal(t, "0x1000000000000000000000000000000000000001", cfg.Externals["bcp"])
	require.Len(t, cfg.Topology.Currencies, 1)
	require.Len(t, cfg.Topology.Products, 1)
	assert.Equal(t, "SOL-USD", cfg.Topology.Products[0].ID)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DEPLOYER_NETWORK_RPC_URL", "http://node:8545")
	t.Setenv("DEPLOYER_SIGNER_PRIVATE_KEY", "abc123")
	t.Setenv("AVAX_DARK_ORACLE_ADDR", "0x2000000000000000000000000000000000000002")
	t.Setenv("DEPLOYER_EXTERNALS_TOKEN_DAI", "0x3000000000000000000000000000000000000003")

	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "http://node:8545", cfg.Network.RPCURL)
	assert.Equal(t, "abc123", cfg.Signer.PrivateKey)
	assert.Equal(t, "0x2000000000000000000000000000000000000002", cfg.Externals["dark_oracle"])
	assert.Equal(t, "0x3000000000000000000000000000000000000003", cfg.Externals["token_dai"])
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown registry backend", "registry:\n  backend: s3\n"},
		{"zero concurrency", "executor:\n  concurrency: 0\n"},
		{"backoff bounds inverted", "executor:\n  initial_backoff: 1m\n  max_backoff: 1s\n"},
		{"bad external address", "externals:\n  bcp: nope\n"},
		{"share above 100%", "topology:\n  pool_share: 20000\n"},
		{"bad log format", "log:\n  format: xml\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestDatabaseConfig_DSNAndURL(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "reg", SSLMode: "disable"}

	assert.Equal(t, "host=db port=5432 user=u password=p dbname=reg sslmode=disable", c.DSN())
	assert.Equal(t, "postgres://u:p@db:5432/reg?sslmode=disable", c.URL())
	assert.Equal(t, "cache:6379", RedisConfig{Host: "cache", Port: 6379}.Addr())
}
