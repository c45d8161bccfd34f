package executor

import (
	"fmt"

	"github.com/bchip17/co/internal/resolver"
)

// StepError reports the plan step a run aborted at.
type StepError struct {
	Name  string
	Index int
	Phase resolver.Phase
	Err   error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %d %s(%s): %v", e.Index, e.Phase, e.Name, e.Err)
}

// Unwrap implements the errors.Unwrap interface for error chaining.
func (e *StepError) Unwrap() error {
	return e.Err
}
