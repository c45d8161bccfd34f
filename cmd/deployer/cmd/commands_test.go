package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bchip17/co/internal/orchestrator"
	"github.com/bchip17/co/internal/pkg/ulid"
	"github.com/bchip17/co/internal/registry"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		cfgFile = ""
		jsonOut = false
		exitCode = orchestrator.ExitClean
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFileConfig(t *testing.T, registryPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := testConfig + "registry:\n  backend: file\n  path: " + registryPath + "\nlease:\n  backend: none\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestStatus_ShowsBoundNetwork(t *testing.T) {
	ctx := context.Background()
	regPath := filepath.Join(t.TempDir(), "registry.json")
	reg, err := registry.NewFileRegistry(regPath)
	require.NoError(t, err)
	require.NoError(t, reg.BindNetwork(ctx, "43114"))
	require.NoError(t, reg.Put(ctx, registry.Entry{
		Name:    "router",
		Kind:    "Router",
		Address: "0x1000000000000000000000000000000000000001",
		Status:  registry.StatusCreated,
	}))

	out, err := execute(t, "status", "--config", writeFileConfig(t, regPath))
	require.NoError(t, err)
	assert.Contains(t, out, "Network 43114")
	assert.Contains(t, out, "router")
	assert.Contains(t, out, "0x1000000000000000000000000000000000000001")
}

func TestStatus_EmptyRegistry(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "registry.json")
	out, err := execute(t, "status", "--config", writeFileConfig(t, regPath))
	require.NoError(t, err)
	assert.NotContains(t, out, "Network")
	assert.Contains(t, out, "Registry is empty")
}

func TestReport_PrintsSavedRun(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	report := &orchestrator.RunReport{
		RunID:      ulid.NewFromTime(at),
		Mode:       orchestrator.ModeBootstrap,
		Network:    "43114",
		Outcome:    orchestrator.OutcomeMismatches,
		StartedAt:  at,
		FinishedAt: at.Add(90 * time.Second),
	}
	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, writeReport(path, report))

	out, err := execute(t, "report", path)
	require.NoError(t, err)
	assert.Contains(t, out, report.RunID)
	assert.Contains(t, out, "Started 2025-06-01T09:30:00Z, took 1m30s")
	assert.Equal(t, orchestrator.ExitMismatches, exitCode)
}

func TestMigrate_NeedsPostgres(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "registry.json")
	_, err := execute(t, "migrate", "down", "--config", writeFileConfig(t, regPath))
	assert.ErrorContains(t, err, "postgres registry backend")

	_, err = execute(t, "migrate")
	assert.Error(t, err)
}
