package cmd

import (
	"bytes"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bchip17/co/internal/config"
	"github.com/bchip17/co/internal/descriptor"
	"github.com/bchip17/co/internal/orchestrator"
)

const testConfig = `
topology:
  currencies:
    - symbol: AVAX
      native: true
    - symbol: USDC
  products:
    - id: ETH-USD
      max_leverage: "50"
      liquidation_threshold: "80"
      fee: "0.1"
      interest: "16"
  extension:
    suffix: V3
    currencies:
      - symbol: USDC
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))
	return path
}

func TestRender(t *testing.T) {
	path := writeConfig(t)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"render", "--config", path, "--mode", "extend"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		cfgFile = ""
	})
	require.NoError(t, rootCmd.Execute())

	set, err := descriptor.Parse(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"poolUSDCV3", "poolRewardsUSDCV3"}, set.Names())
	assert.Equal(t, []string{"router", "token_usdc"}, set.Externals)
}

func TestDescriptorSet(t *testing.T) {
	cfgFile = writeConfig(t)
	t.Cleanup(func() { cfgFile = "" })
	cfg, err := loadConfig()
	require.NoError(t, err)

	set, err := descriptorSet(cfg, orchestrator.ModeBootstrap, "")
	require.NoError(t, err)
	assert.Len(t, set.Resources, 5+2*3)

	_, err = descriptorSet(cfg, orchestrator.ModeBootstrap, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewSigner(t *testing.T) {
	chainID := big.NewInt(31337)

	_, err := newSigner(config.SignerConfig{Type: "local"}, chainID)
	assert.ErrorContains(t, err, "private_key")

	s, err := newSigner(config.SignerConfig{
		Type:       "local",
		PrivateKey: "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	}, chainID)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	_, err = newSigner(config.SignerConfig{Type: "remote", Endpoint: "http://localhost:8555"}, chainID)
	assert.ErrorContains(t, err, "signer.address")

	s, err = newSigner(config.SignerConfig{
		Type:     "remote",
		Endpoint: "http://localhost:8555",
		Address:  "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
	}, chainID)
	require.NoError(t, err)
	assert.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", s.Address().Hex())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
