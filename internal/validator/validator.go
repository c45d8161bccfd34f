// Package validator reads deployed wiring back from the chain and compares
// it with what the descriptor set declares.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bchip17/co/internal/binding"
	"github.com/bchip17/co/internal/chain"
	"github.com/bchip17/co/internal/descriptor"
	"github.com/bchip17/co/internal/metrics"
	"github.com/bchip17/co/internal/registry"
	"github.com/bchip17/co/internal/retry"
)

// Mismatch is a wiring check whose observed value differs from the
// expected one.
type Mismatch struct {
	Resource string `json:"resource"`
	Field    string `json:"field"`
	Target   string `json:"target"`
	Expected string `json:"expected"`
	Observed string `json:"observed"`
}

// String renders the mismatch on one line.
func (m Mismatch) String() string {
	return fmt.Sprintf("%s.%s: expected %s, observed %s", m.Resource, m.Field, m.Expected, m.Observed)
}

// Validator checks configured resources.
type Validator struct {
	client chain.Client
	reg    registry.Registry
	binder *binding.Binder
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Validator.
func New(client chain.Client, reg registry.Registry, externals binding.Externals, policy retry.Policy, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}
	return &Validator{
		client: client,
		reg:    reg,
		binder: binding.New(reg, externals),
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// Validate runs every verify clause of the resources of set that are
// Configured or Verified. Configured resources without mismatches are
// promoted to Verified. Only reads are sent to the chain.
func (v *Validator) Validate(ctx context.Context, set *descriptor.Set) ([]Mismatch, error) {
	var all []Mismatch

	for i := range set.Resources {
		res := &set.Resources[i]

		entry, ok, err := v.reg.Get(ctx, res.Name)
		if err != nil {
			return all, fmt.Errorf("read registry entry %s: %w", res.Name, err)
		}
		if !ok || !entry.Status.AtLeast(registry.StatusConfigured) {
			v.logger.Debug("validation skipped", slog.String("name", res.Name))
			continue
		}

		found, err := v.check(ctx, set, res, common.HexToAddress(entry.Address))
		if err != nil {
			return all, fmt.Errorf("validate %s: %w", res.Name, err)
		}
		all = append(all, found...)

		for _, m := range found {
			v.logger.Warn("wiring mismatch",
				slog.String("name", m.Resource),
				slog.String("field", m.Field),
				slog.String("expected", m.Expected),
				slog.String("observed", m.Observed),
			)
		}

		if len(found) == 0 && entry.Status == registry.StatusConfigured {
			entry.Status = registry.StatusVerified
			entry.UpdatedAt = v.now().UTC()
			if err := v.reg.Put(ctx, entry); err != nil {
				return all, fmt.Errorf("record verified %s: %w", res.Name, err)
			}
			v.logger.Info("resource verified", slog.String("name", res.Name), slog.String("address", entry.Address))
		}
	}

	metrics.CountMismatches(len(all))
	return all, nil
}

func (v *Validator) check(ctx context.Context, set *descriptor.Set, res *descriptor.Resource, self common.Address) ([]Mismatch, error) {
	var out []Mismatch

	for _, a := range res.Actions {
		if len(a.Verify) == 0 {
			continue
		}
		target, kind, err := v.binder.Target(ctx, set, res, self, a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.Method, err)
		}

		for _, c := range a.Verify {
			args, err := v.binder.ResolveAll(ctx, c.Args, self)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", c.Label(), err)
			}
			expected, err := v.binder.Resolve(ctx, c.Expect, self)
			if err != nil {
				return nil, fmt.Errorf("%s: expected value: %w", c.Label(), err)
			}

			observed, err := retry.Do(ctx, v.policy, "read", func(ctx context.Context) (any, error) {
				r, err := v.client.Read(ctx, target, kind, c.Method, args)
				metrics.ObserveChainOp("read", opClass(err))
				return r, err
			})
			if err != nil {
				return nil, fmt.Errorf("%s: %w", c.Label(), err)
			}

			if !chain.EqualValues(expected, observed) {
				out = append(out, Mismatch{
					Resource: res.Name,
					Field:    c.Label(),
					Target:   target.Hex(),
					Expected: chain.FormatValue(expected),
					Observed: chain.FormatValue(observed),
				})
			}
		}
	}
	return out, nil
}

func opClass(err error) string {
	if err == nil {
		return "ok"
	}
	return chain.ClassName(err)
}
