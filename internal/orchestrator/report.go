package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bchip17/co/internal/chain"
	"github.com/bchip17/co/internal/descriptor"
	"github.com/bchip17/co/internal/executor"
	"github.com/bchip17/co/internal/pkg/ulid"
	"github.com/bchip17/co/internal/registry"
	"github.com/bchip17/co/internal/resolver"
	"github.com/bchip17/co/internal/validator"
)

// Mode names the kind of run.
type Mode string

const (
	ModeBootstrap Mode = "bootstrap"
	ModeExtend    Mode = "extend"
	ModeValidate  Mode = "validate"
)

// Outcome is the result of a run.
type Outcome string

const (
	OutcomeClean      Outcome = "clean"
	OutcomeMismatches Outcome = "completed_with_mismatches"
	OutcomeAborted    Outcome = "aborted"
)

// Exit codes of the CLI per outcome.
const (
	ExitClean      = 0
	ExitAborted    = 1
	ExitMismatches = 2
)

// Error kinds in run reports besides the chain error classes.
const (
	KindConfiguration = "configuration"
	KindPreflight     = "preflight"
	KindLease         = "lease"
	KindRegistry      = "registry"
	KindCancelled     = "cancelled"
)

// RunError describes why a run aborted.
type RunError struct {
	Name    string `json:"name,omitempty"`
	Step    *int   `json:"step,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RunReport is the outcome of one run, rebuilt from the registry when the
// run ends.
type RunReport struct {
	RunID      string               `json:"runId"`
	Mode       Mode                 `json:"mode"`
	Network    string               `json:"network,omitempty"`
	Outcome    Outcome              `json:"outcome"`
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt time.Time            `json:"finishedAt"`
	Entries    []registry.Entry     `json:"entries"`
	Mismatches []validator.Mismatch `json:"mismatches"`
	Error      *RunError            `json:"error,omitempty"`
}

// ExitCode maps the outcome to a process exit code.
func (r *RunReport) ExitCode() int {
	switch r.Outcome {
	case OutcomeClean:
		return ExitClean
	case OutcomeMismatches:
		return ExitMismatches
	default:
		return ExitAborted
	}
}

// WriteJSON writes the report as indented JSON.
func (r *RunReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// ReadReport decodes a report written by WriteJSON. Reports without a
// start time take it from the run id.
func ReadReport(r io.Reader) (*RunReport, error) {
	var report RunReport
	if err := json.NewDecoder(r).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode run report: %w", err)
	}
	if !ulid.IsValid(report.RunID) {
		return nil, fmt.Errorf("decode run report: bad run id %q", report.RunID)
	}
	if report.StartedAt.IsZero() {
		started, err := ulid.Time(report.RunID)
		if err != nil {
			return nil, fmt.Errorf("decode run report: %w", err)
		}
		report.StartedAt = started.UTC()
	}
	return &report, nil
}

func newRunError(err error) *RunError {
	re := &RunError{Kind: errorKind(err), Message: err.Error()}

	var stepErr *executor.StepError
	if errors.As(err, &stepErr) {
		re.Name = stepErr.Name
		step := stepErr.Index
		re.Step = &step
	}
	return re
}

func errorKind(err error) string {
	var (
		dup   *descriptor.DuplicateNameError
		inv   *descriptor.InvalidDescriptorError
		ref   *resolver.UnknownReferenceError
		cycle *resolver.CycleDetectedError
	)
	switch {
	case errors.As(err, &dup), errors.As(err, &inv), errors.As(err, &ref), errors.As(err, &cycle),
		errors.Is(err, descriptor.ErrUnboundExternal):
		return KindConfiguration
	case errors.Is(err, registry.ErrLeaseHeld), errors.Is(err, registry.ErrLeaseLost):
		return KindLease
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, registry.ErrNetworkMismatch):
		return KindPreflight
	case errors.Is(err, registry.ErrInvalidEntry), errors.Is(err, registry.ErrStatusRegression),
		errors.Is(err, registry.ErrAddressImmutable), errors.Is(err, registry.ErrPersist), errors.Is(err, registry.ErrCorrupted):
		return KindRegistry
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return chain.ClassName(err)
}
