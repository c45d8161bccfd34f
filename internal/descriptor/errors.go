package descriptor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration is matched by every error that is detected before any
// chain interaction. Runs failing with it have no side effects.
var ErrConfiguration = errors.New("descriptor: configuration error")

// Sentinel errors - Descriptors
var (
	ErrEmptySet        = errors.New("descriptor: set has no resources")
	ErrInvalidValue    = errors.New("descriptor: value must set exactly one of lit, ref, external, self, list")
	ErrUnboundExternal = errors.New("descriptor: external slot has no address")
)

// DuplicateNameError is returned when two resources share a logical name.
type DuplicateNameError struct {
	Name string
}

// Error implements the error interface.
func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate resource name %q", e.Name)
}

// Is reports configuration errors.
func (e *DuplicateNameError) Is(target error) bool {
	return target == ErrConfiguration
}

// InvalidDescriptorError collects field-level problems of one resource.
type InvalidDescriptorError struct {
	Resource string
	Problems []string
}

// Error implements the error interface.
func (e *InvalidDescriptorError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("invalid descriptor set: %s", strings.Join(e.Problems, "; "))
	}
	return fmt.Sprintf("invalid descriptor %q: %s", e.Resource, strings.Join(e.Problems, "; "))
}

// Is reports configuration errors.
func (e *InvalidDescriptorError) Is(target error) bool {
	return target == ErrConfiguration
}
