package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bchip17/co/internal/chain"
)

func fastPolicy(retries int) Policy {
	return Policy{
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func classed(class error) error {
	return &chain.CallError{Op: "call", Kind: "Router", Method: "setPool", Class: class, Err: errors.New("boom")}
}

func TestDo_RetriesTransient(t *testing.T) {
	for _, class := range []error{chain.ErrNetwork, chain.ErrTimeout} {
		t.Run(class.Error(), func(t *testing.T) {
			calls := 0
			got, err := Do(context.Background(), fastPolicy(3), "call", func(context.Context) (int, error) {
				calls++
				if calls < 3 {
					return 0, classed(class)
				}
				return 42, nil
			})
			require.NoError(t, err)
			assert.Equal(t, 42, got)
			assert.Equal(t, 3, calls)
		})
	}
}

func TestDo_StructuralNotRetried(t *testing.T) {
	for _, class := range []error{chain.ErrReverted, chain.ErrInvalidArguments} {
		t.Run(class.Error(), func(t *testing.T) {
			calls := 0
			err := Run(context.Background(), fastPolicy(5), "call", func(context.Context) error {
				calls++
				return classed(class)
			})
			assert.ErrorIs(t, err, class)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(2), "call", func(context.Context) error {
		calls++
		return classed(chain.ErrNetwork)
	})
	assert.ErrorIs(t, err, chain.ErrNetwork)
	assert.Equal(t, 3, calls)
}

func TestDo_ZeroRetries(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(0), "call", func(context.Context) error {
		calls++
		return classed(chain.ErrTimeout)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Run(ctx, fastPolicy(10), "call", func(context.Context) error {
		calls++
		cancel()
		return classed(chain.ErrNetwork)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_OpTimeout(t *testing.T) {
	p := fastPolicy(1)
	p.OpTimeout = 5 * time.Millisecond

	calls := 0
	err := Run(context.Background(), p, "call", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return fmt.Errorf("%w: %v", chain.ErrTimeout, ctx.Err())
	})
	assert.ErrorIs(t, err, chain.ErrTimeout)
	assert.Equal(t, 2, calls)
}
