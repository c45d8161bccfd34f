// Package orchestrator runs bootstrap and extension deployments: it plans a
// descriptor set, applies it through the executor under a run lease and
// validates the resulting wiring.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bchip17/co/internal/binding"
	"github.com/bchip17/co/internal/chain"
	"github.com/bchip17/co/internal/descriptor"
	"github.com/bchip17/co/internal/executor"
	"github.com/bchip17/co/internal/metrics"
	"github.com/bchip17/co/internal/pkg/ulid"
	"github.com/bchip17/co/internal/pkg/units"
	"github.com/bchip17/co/internal/registry"
	"github.com/bchip17/co/internal/resolver"
	"github.com/bchip17/co/internal/validator"
)

// ErrInsufficientFunds is returned when the deploying account has no
// balance.
var ErrInsufficientFunds = errors.New("orchestrator: deployer account has no balance")

// Config configures an Orchestrator.
type Config struct {
	Executor executor.Config
	// Lease guards the registry for the duration of a run (default: none).
	Lease registry.Lease
	// LeaseRenewal is how often a held lease is renewed (default: a third
	// of its TTL).
	LeaseRenewal time.Duration
	Logger       *slog.Logger
}

// Orchestrator drives runs against one chain and registry.
type Orchestrator struct {
	client    chain.Client
	reg       registry.Registry
	externals binding.Externals
	lease     registry.Lease
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Orchestrator.
func New(client chain.Client, reg registry.Registry, externals binding.Externals, cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Executor.Logger == nil {
		cfg.Executor.Logger = cfg.Logger
	}
	if cfg.Lease == nil {
		cfg.Lease = registry.NopLease{}
	}
	return &Orchestrator{
		client:    client,
		reg:       reg,
		externals: externals,
		lease:     cfg.Lease,
		cfg:       cfg,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// Bootstrap deploys set from scratch. Resources already recorded are
// skipped, so a failed bootstrap is resumed by running it again.
func (o *Orchestrator) Bootstrap(ctx context.Context, set *descriptor.Set) (*RunReport, error) {
	return o.run(ctx, ModeBootstrap, set)
}

// Extend deploys set next to the resources already in the registry. Refs
// may name recorded resources, and external slots left unbound fall back to
// the recorded resource of the same name.
func (o *Orchestrator) Extend(ctx context.Context, set *descriptor.Set) (*RunReport, error) {
	return o.run(ctx, ModeExtend, set)
}

// Validate checks the wiring of set without changing the chain.
func (o *Orchestrator) Validate(ctx context.Context, set *descriptor.Set) (*RunReport, error) {
	report := o.newReport(ModeValidate)

	externals, err := o.bindExternals(ctx, set)
	if err != nil {
		return o.abort(ctx, report, err)
	}

	// Validation records Verified, so it holds the lease like a run does.
	runCtx, release, err := o.holdLease(ctx, o.logger)
	if err != nil {
		return o.abort(ctx, report, err)
	}
	defer release()

	if network, err := o.client.Network(runCtx); err == nil {
		report.Network = network.String()
	}

	mismatches, err := validator.New(o.client, o.reg, externals, o.cfg.Executor.Retry, o.logger).Validate(runCtx, set)
	report.Mismatches = mismatches
	if err != nil {
		return o.abort(ctx, report, leaseCause(runCtx, err))
	}
	return o.finish(ctx, report), nil
}

// Plan resolves set for mode without touching the chain.
func (o *Orchestrator) Plan(ctx context.Context, mode Mode, set *descriptor.Set) (*resolver.Plan, error) {
	var existing []string
	if mode == ModeExtend {
		names, err := registry.Names(ctx, o.reg, registry.StatusCreated)
		if err != nil {
			return nil, fmt.Errorf("read registry: %w", err)
		}
		existing = names
	}
	return resolver.Resolve(set, existing...)
}

// DryRun lists the calls a run of set would make.
func (o *Orchestrator) DryRun(ctx context.Context, mode Mode, set *descriptor.Set) ([]executor.PlannedCall, error) {
	plan, err := o.Plan(ctx, mode, set)
	if err != nil {
		return nil, err
	}
	externals, err := o.bindExternals(ctx, set)
	if err != nil {
		return nil, err
	}
	return executor.New(o.client, o.reg, externals, o.cfg.Executor).DryRun(ctx, plan)
}

func (o *Orchestrator) run(ctx context.Context, mode Mode, set *descriptor.Set) (*RunReport, error) {
	report := o.newReport(mode)
	logger := o.logger.With(slog.String("run_id", report.RunID), slog.String("mode", string(mode)))
	logger.Info("run started", slog.Int("resources", len(set.Resources)))

	// Configuration errors surface before any chain interaction.
	plan, err := o.Plan(ctx, mode, set)
	if err != nil {
		return o.abort(ctx, report, err)
	}
	externals, err := o.bindExternals(ctx, set)
	if err != nil {
		return o.abort(ctx, report, err)
	}

	runCtx, release, err := o.holdLease(ctx, logger)
	if err != nil {
		return o.abort(ctx, report, err)
	}
	defer release()

	network, err := o.preflight(runCtx, logger)
	report.Network = network
	if err != nil {
		return o.abort(ctx, report, err)
	}

	exec := executor.New(o.client, o.reg, externals, o.cfg.Executor)
	if err := exec.Execute(runCtx, plan); err != nil {
		return o.abort(ctx, report, leaseCause(runCtx, err))
	}

	mismatches, err := validator.New(o.client, o.reg, externals, o.cfg.Executor.Retry, logger).Validate(runCtx, set)
	report.Mismatches = mismatches
	if err != nil {
		return o.abort(ctx, report, leaseCause(runCtx, fmt.Errorf("validate: %w", err)))
	}

	report = o.finish(ctx, report)
	logger.Info("run finished",
		slog.String("outcome", string(report.Outcome)),
		slog.Int("mismatches", len(report.Mismatches)),
	)
	return report, nil
}

// holdLease acquires the run lease and renews it in the background until
// release is called. Losing the lease cancels the returned context.
func (o *Orchestrator) holdLease(ctx context.Context, logger *slog.Logger) (context.Context, func(), error) {
	if err := o.lease.Acquire(ctx); err != nil {
		return ctx, nil, fmt.Errorf("acquire run lease: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		o.renewLease(runCtx, stop, cancel, logger)
	}()

	release := func() {
		close(stop)
		<-stopped
		cancel(nil)
		if err := o.lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release run lease", slog.String("error", err.Error()))
		}
	}
	return runCtx, release, nil
}

func (o *Orchestrator) renewLease(ctx context.Context, stop <-chan struct{}, cancel context.CancelCauseFunc, logger *slog.Logger) {
	interval := o.cfg.LeaseRenewal
	if interval <= 0 {
		interval = o.lease.TTL() / 3
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := o.lease.Renew(ctx)
			switch {
			case err == nil:
				logger.Debug("run lease renewed")
			case errors.Is(err, registry.ErrLeaseLost):
				logger.Error("run lease lost, stopping")
				cancel(err)
				return
			default:
				logger.Warn("failed to renew run lease", slog.String("error", err.Error()))
			}
		}
	}
}

// leaseCause attributes err to a lost lease when that is what stopped ctx.
func leaseCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, registry.ErrLeaseLost) && !errors.Is(err, registry.ErrLeaseLost) {
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}

// bindExternals checks that every slot declared by set has an address.
func (o *Orchestrator) bindExternals(ctx context.Context, set *descriptor.Set) (binding.Externals, error) {
	out := make(binding.Externals, len(o.externals))
	for k, v := range o.externals {
		out[k] = v
	}

	missing := out.Missing(set.Externals)
	var unbound []string
	for _, slot := range missing {
		e, ok, err := o.reg.Get(ctx, slot)
		if err != nil {
			return nil, fmt.Errorf("read registry: %w", err)
		}
		if ok && e.Status.AtLeast(registry.StatusCreated) {
			out[slot] = common.HexToAddress(e.Address)
			continue
		}
		unbound = append(unbound, slot)
	}
	if len(unbound) > 0 {
		return nil, fmt.Errorf("%w: %s", descriptor.ErrUnboundExternal, strings.Join(unbound, ", "))
	}
	return out, nil
}

// preflight logs the account and network, binds the registry to the
// network and refuses to run without funds.
func (o *Orchestrator) preflight(ctx context.Context, logger *slog.Logger) (string, error) {
	chainID, err := o.client.Network(ctx)
	if err != nil {
		return "", fmt.Errorf("read network: %w", err)
	}
	network := chainID.String()

	if binder, ok := o.reg.(registry.NetworkBinder); ok {
		if err := binder.BindNetwork(ctx, network); err != nil {
			return network, err
		}
	}

	balance, err := o.client.Balance(ctx)
	if err != nil {
		return network, fmt.Errorf("read balance: %w", err)
	}
	logger.Info("preflight",
		slog.String("network", network),
		slog.String("account", o.client.Account().Hex()),
		slog.String("balance", units.FormatUnits(balance, 18)),
	)
	if balance.Sign() <= 0 {
		return network, fmt.Errorf("%w: %s", ErrInsufficientFunds, o.client.Account().Hex())
	}
	return network, nil
}

func (o *Orchestrator) newReport(mode Mode) *RunReport {
	started := o.now().UTC()
	return &RunReport{
		RunID:      ulid.NewFromTime(started),
		Mode:       mode,
		StartedAt:  started,
		Mismatches: []validator.Mismatch{},
	}
}

// abort completes report for a failed run. The registry keeps the progress
// of every step that completed.
func (o *Orchestrator) abort(ctx context.Context, report *RunReport, err error) (*RunReport, error) {
	report.Outcome = OutcomeAborted
	report.Error = newRunError(err)
	o.fillEntries(ctx, report)
	report.FinishedAt = o.now().UTC()
	metrics.ObserveRun(string(report.Mode), string(report.Outcome))

	o.logger.Error("run aborted",
		slog.String("run_id", report.RunID),
		slog.String("kind", report.Error.Kind),
		slog.String("error", err.Error()),
	)
	return report, err
}

func (o *Orchestrator) finish(ctx context.Context, report *RunReport) *RunReport {
	report.Outcome = OutcomeClean
	if len(report.Mismatches) > 0 {
		report.Outcome = OutcomeMismatches
	}
	o.fillEntries(ctx, report)
	report.FinishedAt = o.now().UTC()
	metrics.ObserveRun(string(report.Mode), string(report.Outcome))
	return report
}

func (o *Orchestrator) fillEntries(ctx context.Context, report *RunReport) {
	entries, err := o.reg.All(context.WithoutCancel(ctx))
	if err != nil {
		o.logger.Warn("failed to read registry for report", slog.String("error", err.Error()))
		return
	}
	report.Entries = entries

	counts := make(map[registry.Status]int)
	for _, e := range entries {
		counts[e.Status]++
	}
	for _, s := range []registry.Status{registry.StatusPending, registry.StatusCreated, registry.StatusConfigured, registry.StatusVerified} {
		metrics.SetResources(string(s), counts[s])
	}
}
