package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/bchip17/co/internal/descriptor"
	"github.com/bchip17/co/internal/registry"
	"github.com/bchip17/co/internal/resolver"
)

// PlannedCall is one operation a run would perform.
type PlannedCall struct {
	Step   int            `json:"step"`
	Phase  resolver.Phase `json:"phase"`
	Name   string         `json:"name"`
	Op     string         `json:"op"` // create, call or skip
	Kind   string         `json:"kind,omitempty"`
	Target string         `json:"target,omitempty"`
	Method string         `json:"method,omitempty"`
	Args   []string       `json:"args,omitempty"`
}

// String renders the call on one line.
func (c PlannedCall) String() string {
	switch c.Op {
	case "skip":
		return fmt.Sprintf("%3d  skip    %s(%s)", c.Step, c.Phase, c.Name)
	case "create":
		return fmt.Sprintf("%3d  create  %s = new %s(%s)", c.Step, c.Name, c.Kind, strings.Join(c.Args, ", "))
	default:
		return fmt.Sprintf("%3d  call    %s.%s(%s)", c.Step, c.Target, c.Method, strings.Join(c.Args, ", "))
	}
}

// DryRun lists the operations Execute would perform given the current
// registry. Nothing is sent to the chain.
func (e *Executor) DryRun(ctx context.Context, plan *resolver.Plan) ([]PlannedCall, error) {
	var out []PlannedCall

	for _, step := range plan.Steps() {
		res := step.Resource
		entry, ok, err := e.reg.Get(ctx, res.Name)
		if err != nil {
			return nil, fmt.Errorf("read registry: %w", err)
		}

		switch step.Phase {
		case resolver.PhaseCreate:
			if ok && entry.Status.AtLeast(registry.StatusCreated) {
				out = append(out, PlannedCall{Step: step.Index, Phase: step.Phase, Name: res.Name, Op: "skip"})
				continue
			}
			args := make([]string, len(res.Args))
			for i, v := range res.Args {
				args[i] = e.binder.Describe(ctx, v, res.Name)
			}
			out = append(out, PlannedCall{
				Step: step.Index, Phase: step.Phase, Name: res.Name,
				Op: "create", Kind: res.Kind, Args: args,
			})

		case resolver.PhaseConfigure:
			if ok && entry.Status.AtLeast(registry.StatusConfigured) {
				out = append(out, PlannedCall{Step: step.Index, Phase: step.Phase, Name: res.Name, Op: "skip"})
				continue
			}
			from := 0
			if ok {
				from = entry.ActionsDone
			}
			for i := from; i < len(res.Actions); i++ {
				a := res.Actions[i]
				target := e.binder.Describe(ctx, descriptor.SelfRef(), res.Name)
				if a.Target != nil {
					target = e.binder.Describe(ctx, *a.Target, res.Name)
				}
				args := make([]string, len(a.Args))
				for j, v := range a.Args {
					args[j] = e.binder.Describe(ctx, v, res.Name)
				}
				out = append(out, PlannedCall{
					Step: step.Index, Phase: step.Phase, Name: res.Name,
					Op: "call", Target: target, Method: a.Method, Args: args,
				})
			}
		}
	}
	return out, nil
}
