package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bchip17/co/internal/binding"
	"github.com/bchip17/co/internal/chain/chaintest"
	"github.com/bchip17/co/internal/registry"
)

// countingLease records renewals and fails them with renewErr.
type countingLease struct {
	mu       sync.Mutex
	renewals int
	released bool
	renewErr error
}

func (l *countingLease) Acquire(context.Context) error { return nil }

func (l *countingLease) Renew(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renewals++
	return l.renewErr
}

func (l *countingLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	return nil
}

func (l *countingLease) Owner() string      { return "me" }
func (l *countingLease) TTL() time.Duration { return time.Hour }

func (l *countingLease) counts() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewals, l.released
}

func TestHoldLease_RenewsUntilReleased(t *testing.T) {
	lease := &countingLease{}
	cfg := testConfig()
	cfg.Lease = lease
	cfg.LeaseRenewal = time.Millisecond
	o := New(chaintest.NewSimulatedClient(1337), registry.NewMemoryRegistry(), nil, cfg)

	ctx, release, err := o.holdLease(context.Background(), slog.Default())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, _ := lease.counts()
		return n >= 3
	}, time.Second, time.Millisecond)
	assert.NoError(t, ctx.Err())

	release()
	n, released := lease.counts()
	assert.True(t, released)
	time.Sleep(5 * time.Millisecond)
	after, _ := lease.counts()
	assert.Equal(t, n, after, "no renewals after release")
}

func TestHoldLease_LostLeaseStopsRun(t *testing.T) {
	lease := &countingLease{renewErr: registry.ErrLeaseLost}
	cfg := testConfig()
	cfg.Lease = lease
	cfg.LeaseRenewal = time.Millisecond
	o := New(chaintest.NewSimulatedClient(1337), registry.NewMemoryRegistry(), nil, cfg)

	ctx, release, err := o.holdLease(context.Background(), slog.Default())
	require.NoError(t, err)
	defer release()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context still live after the lease was lost")
	}
	assert.ErrorIs(t, context.Cause(ctx), registry.ErrLeaseLost)

	err = leaseCause(ctx, context.Canceled)
	assert.ErrorIs(t, err, registry.ErrLeaseLost)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindLease, errorKind(err))
}

func TestHoldLease_TransientRenewFailureKeepsRunning(t *testing.T) {
	lease := &countingLease{renewErr: errors.New("connection reset")}
	cfg := testConfig()
	cfg.Lease = lease
	cfg.LeaseRenewal = time.Millisecond
	o := New(chaintest.NewSimulatedClient(1337), registry.NewMemoryRegistry(), nil, cfg)

	ctx, release, err := o.holdLease(context.Background(), slog.Default())
	require.NoError(t, err)
	defer release()

	require.Eventually(t, func() bool {
		n, _ := lease.counts()
		return n >= 2
	}, time.Second, time.Millisecond)
	assert.NoError(t, ctx.Err())
}

func TestValidate_LeaseHeld(t *testing.T) {
	sim := chaintest.NewSimulatedClient(1337)
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()

	_, err := New(sim, reg, binding.Externals{"token_a": tokenA}, testConfig()).Bootstrap(ctx, scenarioA())
	require.NoError(t, err)
	before, err := reg.All(ctx)
	require.NoError(t, err)
	calls := len(sim.Calls())

	path := filepath.Join(t.TempDir(), "registry.json.lease")
	other := registry.NewFileLease(path, "other-operator", time.Hour)
	require.NoError(t, other.Acquire(ctx))

	cfg := testConfig()
	cfg.Lease = registry.NewFileLease(path, registry.NewOwnerID(), time.Hour)
	report, err := New(sim, reg, binding.Externals{"token_a": tokenA}, cfg).Validate(ctx, scenarioA())
	assert.ErrorIs(t, err, registry.ErrLeaseHeld)
	assert.Equal(t, KindLease, report.Error.Kind)

	after, err := reg.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, sim.Calls(), calls)
}

func TestRun_NetworkBoundOnlyUnderLease(t *testing.T) {
	dir := t.TempDir()
	reg, err := registry.NewFileRegistry(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)
	ctx := context.Background()

	path := filepath.Join(dir, "registry.json.lease")
	other := registry.NewFileLease(path, "other-operator", time.Hour)
	require.NoError(t, other.Acquire(ctx))

	cfg := testConfig()
	cfg.Lease = registry.NewFileLease(path, registry.NewOwnerID(), time.Hour)
	sim := chaintest.NewSimulatedClient(1337)
	o := New(sim, reg, binding.Externals{"token_a": tokenA}, cfg)

	_, err = o.Bootstrap(ctx, scenarioA())
	require.ErrorIs(t, err, registry.ErrLeaseHeld)
	network, err := reg.BoundNetwork(ctx)
	require.NoError(t, err)
	assert.Empty(t, network)

	require.NoError(t, other.Release(ctx))
	_, err = o.Bootstrap(ctx, scenarioA())
	require.NoError(t, err)
	network, err = reg.BoundNetwork(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1337", network)
}
