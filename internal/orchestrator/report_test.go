package orchestrator

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bchip17/co/internal/binding"
	"github.com/bchip17/co/internal/chain/chaintest"
	"github.com/bchip17/co/internal/pkg/ulid"
	"github.com/bchip17/co/internal/registry"
)

func TestRunID_CarriesStartTime(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	o := New(chaintest.NewSimulatedClient(1337), registry.NewMemoryRegistry(), binding.Externals{"token_a": tokenA}, testConfig())
	o.now = func() time.Time { return at }

	report, err := o.Bootstrap(context.Background(), scenarioA())
	require.NoError(t, err)

	started, err := ulid.Time(report.RunID)
	require.NoError(t, err)
	assert.True(t, at.Equal(started), "run id time %s", started)
	assert.True(t, at.Equal(report.StartedAt))
}

func TestReadReport(t *testing.T) {
	o := New(chaintest.NewSimulatedClient(1337), registry.NewMemoryRegistry(), binding.Externals{"token_a": tokenA}, testConfig())
	report, err := o.Bootstrap(context.Background(), scenarioA())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.WriteJSON(&buf))

	got, err := ReadReport(&buf)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, got.RunID)
	assert.Equal(t, OutcomeClean, got.Outcome)
	assert.Len(t, got.Entries, 3)

	t.Run("start time from run id", func(t *testing.T) {
		at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
		doc := `{"runId":"` + ulid.NewFromTime(at) + `","mode":"validate","outcome":"clean"}`
		got, err := ReadReport(strings.NewReader(doc))
		require.NoError(t, err)
		assert.True(t, at.Equal(got.StartedAt))
	})

	t.Run("bad run id", func(t *testing.T) {
		_, err := ReadReport(strings.NewReader(`{"runId":"nope","outcome":"clean"}`))
		assert.ErrorContains(t, err, "bad run id")
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ReadReport(strings.NewReader("run finished"))
		assert.Error(t, err)
	})
}
