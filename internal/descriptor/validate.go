package descriptor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	structValid  *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		structValid = validator.New(validator.WithRequiredStructEnabled())
	})
	return structValid
}

// Validate checks the shape of a set: required fields, well-formed values
// and unique names. Reference resolution is left to the resolver.
func Validate(s *Set) error {
	if s == nil || len(s.Resources) == 0 {
		return &InvalidDescriptorError{Problems: []string{ErrEmptySet.Error()}}
	}

	seen := make(map[string]bool, len(s.Resources))
	for i := range s.Resources {
		r := &s.Resources[i]
		if err := validateResource(r); err != nil {
			return err
		}
		if seen[r.Name] {
			return &DuplicateNameError{Name: r.Name}
		}
		seen[r.Name] = true
	}
	return nil
}

func validateResource(r *Resource) error {
	var problems []string

	if err := structValidator().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	for i, v := range r.Args {
		problems = append(problems, checkValue(fmt.Sprintf("args[%d]", i), v)...)
	}
	for i, a := range r.Actions {
		prefix := fmt.Sprintf("actions[%d]", i)
		if a.Target != nil {
			switch a.Target.Type() {
			case ValueRef, ValueExternal, ValueSelf:
			default:
				problems = append(problems, prefix+".target must be ref, external or self")
			}
			if a.Target.Type() == ValueExternal && a.TargetKind == "" {
				problems = append(problems, prefix+".targetKind is required for external targets")
			}
		}
		for j, v := range a.Args {
			problems = append(problems, checkValue(fmt.Sprintf("%s.args[%d]", prefix, j), v)...)
		}
		for j, c := range a.Verify {
			cp := fmt.Sprintf("%s.verify[%d]", prefix, j)
			for k, v := range c.Args {
				problems = append(problems, checkValue(fmt.Sprintf("%s.args[%d]", cp, k), v)...)
			}
			problems = append(problems, checkValue(cp+".expect", c.Expect)...)
		}
	}
	for _, dep := range r.ConfigureAfter {
		if dep == r.Name {
			problems = append(problems, "configureAfter cannot name the resource itself")
		}
	}

	if len(problems) > 0 {
		return &InvalidDescriptorError{Resource: r.Name, Problems: problems}
	}
	return nil
}

func checkValue(path string, v Value) []string {
	if v.Type() == ValueInvalid {
		return []string{fmt.Sprintf("%s: %s", path, ErrInvalidValue.Error())}
	}
	var out []string
	for i, item := range v.List {
		out = append(out, checkValue(fmt.Sprintf("%s[%d]", path, i), item)...)
	}
	return out
}
