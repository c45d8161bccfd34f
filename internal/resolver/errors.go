package resolver

import (
	"fmt"
	"strings"

	"github.com/bchip17/co/internal/descriptor"
)

// UnknownReferenceError is returned when a value names a resource or an
// external slot that is not declared.
type UnknownReferenceError struct {
	From string
	Ref  string
	// External is true when Ref is an external slot.
	External bool
}

// Error implements the error interface.
func (e *UnknownReferenceError) Error() string {
	if e.External {
		return fmt.Sprintf("resource %q references undeclared external slot %q", e.From, e.Ref)
	}
	return fmt.Sprintf("resource %q references unknown resource %q", e.From, e.Ref)
}

// Is reports configuration errors.
func (e *UnknownReferenceError) Is(target error) bool {
	return target == descriptor.ErrConfiguration
}

// CycleDetectedError names the resources on a dependency cycle. The first
// and last element of Path are the same resource.
type CycleDetectedError struct {
	Phase Phase
	Path  []string
}

// Error implements the error interface.
func (e *CycleDetectedError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle detected"
	}
	return fmt.Sprintf("dependency cycle detected (%s): %s", e.Phase, strings.Join(e.Path, " -> "))
}

// Is reports configuration errors.
func (e *CycleDetectedError) Is(target error) bool {
	return target == descriptor.ErrConfiguration
}
