// Package executor drives the steps of a plan against a chain client,
// recording progress in the registry after every step so an interrupted run
// resumes where it stopped.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/bchip17/co/internal/binding"
	"github.com/bchip17/co/internal/chain"
	"github.com/bchip17/co/internal/metrics"
	"github.com/bchip17/co/internal/registry"
	"github.com/bchip17/co/internal/resolver"
	"github.com/bchip17/co/internal/retry"
)

// Config configures an Executor.
type Config struct {
	// Concurrency bounds the number of steps in flight (default: 1, strict
	// plan order).
	Concurrency int
	Retry       retry.Policy
	Logger      *slog.Logger
}

// Executor applies plans.
type Executor struct {
	client chain.Client
	reg    registry.Registry
	binder *binding.Binder
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Executor.
func New(client chain.Client, reg registry.Registry, externals binding.Externals, cfg Config) *Executor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = cfg.Logger
	}
	return &Executor{
		client: client,
		reg:    reg,
		binder: binding.New(reg, externals),
		cfg:    cfg,
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// Execute runs every step of plan that the registry does not already
// record as done. It returns a *StepError for the first failed step.
func (e *Executor) Execute(ctx context.Context, plan *resolver.Plan) error {
	e.logger.Info("executing plan",
		slog.Int("steps", plan.Len()),
		slog.Int("concurrency", e.cfg.Concurrency),
	)

	if e.cfg.Concurrency == 1 || plan.Len() < 2 {
		return e.executeSequential(ctx, plan)
	}
	return e.executeConcurrent(ctx, plan)
}

func (e *Executor) executeSequential(ctx context.Context, plan *resolver.Plan) error {
	for _, step := range plan.Steps() {
		if err := ctx.Err(); err != nil {
			return &StepError{Name: step.Name(), Index: step.Index, Phase: step.Phase, Err: err}
		}
		if err := e.runStep(ctx, plan, step); err != nil {
			return err
		}
	}
	return nil
}

// executeConcurrent dispatches steps whose dependencies have completed to a
// fixed pool of workers. A failure stops new steps from starting; steps in
// flight finish so the registry stays consistent.
func (e *Executor) executeConcurrent(ctx context.Context, plan *resolver.Plan) error {
	steps := plan.Steps()
	n := len(steps)

	remaining := make([]int, n)
	dependents := make([][]int, n)
	ready := make(chan int, n)
	for _, s := range steps {
		remaining[s.Index] = len(s.Deps)
		for _, d := range s.Deps {
			dependents[d] = append(dependents[d], s.Index)
		}
	}
	for _, s := range steps {
		if remaining[s.Index] == 0 {
			ready <- s.Index
		}
	}

	var (
		mu        sync.Mutex
		completed int
		done      = make([]bool, n)
	)

	workers := min(e.cfg.Concurrency, n)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case i, ok := <-ready:
					if !ok {
						return nil
					}
					if gctx.Err() != nil {
						return nil
					}
					if err := e.runStep(ctx, plan, steps[i]); err != nil {
						return err
					}

					mu.Lock()
					completed++
					done[i] = true
					for _, d := range dependents[i] {
						remaining[d]--
						if remaining[d] == 0 {
							ready <- d
						}
					}
					if completed == n {
						close(ready)
					}
					mu.Unlock()
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if completed < n {
		// cancelled without a step error: report the first step not run
		for _, s := range steps {
			if !done[s.Index] {
				return &StepError{Name: s.Name(), Index: s.Index, Phase: s.Phase, Err: ctx.Err()}
			}
		}
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, plan *resolver.Plan, step resolver.Step) error {
	start := e.now()

	var (
		skipped bool
		err     error
	)
	switch step.Phase {
	case resolver.PhaseCreate:
		skipped, err = e.create(ctx, step)
	case resolver.PhaseConfigure:
		skipped, err = e.configure(ctx, plan, step)
	default:
		err = fmt.Errorf("unknown phase %q", step.Phase)
	}

	outcome := metrics.OutcomeDone
	switch {
	case err != nil:
		outcome = metrics.OutcomeFailed
	case skipped:
		outcome = metrics.OutcomeSkipped
	}
	metrics.ObserveStep(string(step.Phase), outcome, time.Since(start))

	if err != nil {
		e.logger.Error("step failed",
			slog.Int("step", step.Index),
			slog.String("phase", string(step.Phase)),
			slog.String("name", step.Name()),
			slog.String("class", chain.ClassName(err)),
			slog.String("error", err.Error()),
		)
		return &StepError{Name: step.Name(), Index: step.Index, Phase: step.Phase, Err: err}
	}
	return nil
}

type creation struct {
	addr    common.Address
	receipt *chain.Receipt
	adopted bool
}

// create records the resource as Created, submitting a creation only when
// neither the registry nor the chain shows an earlier one.
func (e *Executor) create(ctx context.Context, step resolver.Step) (bool, error) {
	res := step.Resource

	entry, ok, err := e.reg.Get(ctx, res.Name)
	if err != nil {
		return false, fmt.Errorf("read registry: %w", err)
	}
	if ok && entry.Status.AtLeast(registry.StatusCreated) {
		if entry.Kind != "" && entry.Kind != res.Kind {
			e.logger.Warn("recorded kind differs from descriptor",
				slog.String("name", res.Name),
				slog.String("recorded", entry.Kind),
				slog.String("kind", res.Kind),
			)
		}
		e.logger.Debug("create skipped", slog.String("name", res.Name), slog.String("status", string(entry.Status)))
		return true, nil
	}

	args, err := e.binder.ResolveAll(ctx, res.Args, common.Address{})
	if err != nil {
		return false, fmt.Errorf("resolve constructor args: %w", err)
	}

	tracker, _ := e.client.(chain.CreationTracker)

	// A creation recorded by an interrupted run, or by a failed attempt of
	// this one, is settled before anything new is submitted.
	var pending *chain.PendingCreation
	if ok && entry.PredictedAddress != "" && entry.PendingNonce != nil {
		pending = &chain.PendingCreation{
			Address: common.HexToAddress(entry.PredictedAddress),
			Nonce:   *entry.PendingNonce,
			TxHash:  entry.TxHash,
		}
	}
	record := func(ctx context.Context) func(chain.PendingCreation) error {
		return func(p chain.PendingCreation) error {
			pending = &p
			nonce := p.Nonce
			return e.reg.Put(ctx, registry.Entry{
				Name:             res.Name,
				Kind:             res.Kind,
				Status:           registry.StatusPending,
				PredictedAddress: p.Address.Hex(),
				PendingNonce:     &nonce,
				TxHash:           p.TxHash,
				UpdatedAt:        e.now().UTC(),
			})
		}
	}

	c, err := retry.Do(ctx, e.cfg.Retry, "create", func(ctx context.Context) (creation, error) {
		if tracker == nil {
			addr, receipt, err := e.client.CreateResource(ctx, res.Kind, args)
			metrics.ObserveChainOp("create", opClass(err))
			return creation{addr: addr, receipt: receipt}, err
		}

		if pending != nil {
			addr, receipt, err := tracker.ResumeCreation(ctx, res.Kind, args, *pending, record(ctx))
			metrics.ObserveChainOp("resume", opClass(err))
			if !errors.Is(err, chain.ErrCreationLost) {
				return creation{addr: addr, receipt: receipt, adopted: true}, err
			}
			e.logger.Warn("recorded creation was lost, submitting a new one",
				slog.String("name", res.Name),
				slog.String("predicted", pending.Address.Hex()),
				slog.Uint64("nonce", pending.Nonce),
			)
			pending = nil
		}

		addr, receipt, err := tracker.CreateTracked(ctx, res.Kind, args, record(ctx))
		metrics.ObserveChainOp("create", opClass(err))
		return creation{addr: addr, receipt: receipt}, err
	})
	if err != nil {
		return false, err
	}

	created := registry.Entry{
		Name:      res.Name,
		Kind:      res.Kind,
		Address:   c.addr.Hex(),
		Status:    registry.StatusCreated,
		UpdatedAt: e.now().UTC(),
	}
	if c.receipt != nil {
		created.TxHash = c.receipt.TxHash
	}
	// The resource exists on chain now; record it even if ctx was cancelled.
	if err := e.reg.Put(context.WithoutCancel(ctx), created); err != nil {
		return false, fmt.Errorf("record created address %s: %w", created.Address, err)
	}

	if c.adopted {
		e.logger.Warn("adopted resource from a recorded creation",
			slog.String("name", res.Name),
			slog.String("address", created.Address),
		)
	} else {
		e.logger.Info("resource created",
			slog.Int("step", step.Index),
			slog.String("name", res.Name),
			slog.String("kind", res.Kind),
			slog.String("address", created.Address),
		)
	}
	return false, nil
}

// configure runs the post-actions of a created resource, resuming after the
// last action the registry records as done.
func (e *Executor) configure(ctx context.Context, plan *resolver.Plan, step resolver.Step) (bool, error) {
	res := step.Resource

	entry, err := e.binder.Entry(ctx, res.Name)
	if err != nil {
		return false, err
	}
	if entry.Status.AtLeast(registry.StatusConfigured) {
		e.logger.Debug("configure skipped", slog.String("name", res.Name), slog.String("status", string(entry.Status)))
		return true, nil
	}

	self := common.HexToAddress(entry.Address)
	for i := entry.ActionsDone; i < len(res.Actions); i++ {
		a := res.Actions[i]

		target, kind, err := e.binder.Target(ctx, plan.Set(), res, self, a)
		if err != nil {
			return false, fmt.Errorf("action %d %s: %w", i, a.Method, err)
		}
		args, err := e.binder.ResolveAll(ctx, a.Args, self)
		if err != nil {
			return false, fmt.Errorf("action %d %s: %w", i, a.Method, err)
		}

		receipt, err := retry.Do(ctx, e.cfg.Retry, "call", func(ctx context.Context) (*chain.Receipt, error) {
			r, err := e.client.Call(ctx, target, kind, a.Method, args)
			metrics.ObserveChainOp("call", opClass(err))
			return r, err
		})
		if err != nil {
			return false, fmt.Errorf("action %d %s: %w", i, a.Method, err)
		}

		entry.ActionsDone = i + 1
		entry.UpdatedAt = e.now().UTC()
		if receipt != nil {
			entry.TxHash = receipt.TxHash
		}
		if err := e.reg.Put(context.WithoutCancel(ctx), entry); err != nil {
			return false, fmt.Errorf("record action %d %s: %w", i, a.Method, err)
		}

		e.logger.Info("action applied",
			slog.String("name", res.Name),
			slog.String("method", a.Method),
			slog.String("target", target.Hex()),
		)
	}

	entry.Status = registry.StatusConfigured
	entry.UpdatedAt = e.now().UTC()
	if err := e.reg.Put(context.WithoutCancel(ctx), entry); err != nil {
		return false, fmt.Errorf("record configured: %w", err)
	}
	return false, nil
}

func opClass(err error) string {
	if err == nil {
		return "ok"
	}
	return chain.ClassName(err)
}
