package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bchip17/co/internal/binding"
	"github.com/bchip17/co/internal/chain/chaintest"
	"github.com/bchip17/co/internal/descriptor"
	"github.com/bchip17/co/internal/registry"
	"github.com/bchip17/co/internal/resolver"
)

// MockRegistry is a mock implementation of registry.Registry
type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) Get(ctx context.Context, name string) (registry.Entry, bool, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(registry.Entry), args.Bool(1), args.Error(2)
}

func (m *MockRegistry) Put(ctx context.Context, e registry.Entry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockRegistry) All(ctx context.Context) ([]registry.Entry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]registry.Entry), args.Error(1)
}

func withStatus(s registry.Status) any {
	return mock.MatchedBy(func(e registry.Entry) bool { return e.Status == s })
}

func TestExecute_PersistFailureStopsRun(t *testing.T) {
	set := &descriptor.Set{
		Name:      "single",
		Resources: []descriptor.Resource{{Name: "router", Kind: "Router"}},
	}
	plan, err := resolver.Resolve(set)
	require.NoError(t, err)

	reg := new(MockRegistry)
	reg.On("Get", mock.Anything, "router").Return(registry.Entry{}, false, nil).Once()
	reg.On("Put", mock.Anything, withStatus(registry.StatusPending)).Return(nil).Once()
	reg.On("Put", mock.Anything, withStatus(registry.StatusCreated)).
		Return(fmt.Errorf("%w: disk full", registry.ErrPersist)).Once()

	sim := chaintest.NewSimulatedClient(1337)
	exec := New(sim, reg, binding.Externals{}, Config{Retry: fastRetry(0)})

	err = exec.Execute(context.Background(), plan)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "router", se.Name)
	assert.Equal(t, resolver.PhaseCreate, se.Phase)
	assert.ErrorIs(t, err, registry.ErrPersist)

	// the router exists on chain, but configure never ran
	assert.Equal(t, 1, creates(sim.Calls(), "Router"))
	reg.AssertExpectations(t)
}

func TestExecute_RegistryReadFailure(t *testing.T) {
	set := &descriptor.Set{
		Name:      "single",
		Resources: []descriptor.Resource{{Name: "router", Kind: "Router"}},
	}
	plan, err := resolver.Resolve(set)
	require.NoError(t, err)

	reg := new(MockRegistry)
	reg.On("Get", mock.Anything, "router").
		Return(registry.Entry{}, false, fmt.Errorf("%w: bad json", registry.ErrCorrupted))

	sim := chaintest.NewSimulatedClient(1337)
	exec := New(sim, reg, binding.Externals{}, Config{Retry: fastRetry(0)})

	err = exec.Execute(context.Background(), plan)
	assert.ErrorIs(t, err, registry.ErrCorrupted)
	assert.Empty(t, sim.Calls())
	reg.AssertNotCalled(t, "Put", mock.Anything, mock.Anything)
}
