// Package resolver turns a descriptor set into an execution plan.
//
// Every resource contributes two nodes, create and configure. Constructor
// references order creations; post-action references and configureAfter
// order configurations. The sort is a depth-first traversal in declaration
// order, so equal inputs always yield the same plan.
package resolver

import (
	"github.com/bchip17/co/internal/descriptor"
)

type node struct {
	res   int
	phase Phase
}

type visitState uint8

const (
	unvisited visitState = iota
	visiting
	visited
)

type sorter struct {
	set   *descriptor.Set
	index map[string]int
	state map[node]visitState
	stack []node
	order []node
}

// Resolve builds the plan for set. existing names resources that are
// already deployed outside the set (extension runs); references to them are
// accepted and add no ordering constraint.
func Resolve(set *descriptor.Set, existing ...string) (*Plan, error) {
	if err := descriptor.Validate(set); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(set.Resources))
	for i, r := range set.Resources {
		index[r.Name] = i
	}
	known := make(map[string]bool, len(existing))
	for _, name := range existing {
		known[name] = true
	}

	if err := checkReferences(set, index, known); err != nil {
		return nil, err
	}

	s := &sorter{
		set:   set,
		index: index,
		state: make(map[node]visitState, 2*len(set.Resources)),
	}
	for i := range set.Resources {
		if err := s.visit(node{res: i, phase: PhaseCreate}); err != nil {
			return nil, err
		}
	}
	for i := range set.Resources {
		if err := s.visit(node{res: i, phase: PhaseConfigure}); err != nil {
			return nil, err
		}
	}

	return s.plan(known), nil
}

func checkReferences(set *descriptor.Set, index map[string]int, existing map[string]bool) error {
	for i := range set.Resources {
		r := &set.Resources[i]

		for _, ref := range append(r.ArgRefs(), r.ActionRefs()...) {
			if _, ok := index[ref]; !ok && !existing[ref] {
				return &UnknownReferenceError{From: r.Name, Ref: ref}
			}
		}
		for _, ref := range r.ConfigureAfter {
			if _, ok := index[ref]; !ok && !existing[ref] {
				return &UnknownReferenceError{From: r.Name, Ref: ref}
			}
		}
		for _, slot := range externalsOf(r) {
			if !set.HasExternal(slot) {
				return &UnknownReferenceError{From: r.Name, Ref: slot, External: true}
			}
		}
	}
	return nil
}

func externalsOf(r *descriptor.Resource) []string {
	var out []string
	for _, v := range r.Args {
		out = append(out, v.Externals()...)
	}
	for _, a := range r.Actions {
		if a.Target != nil {
			out = append(out, a.Target.Externals()...)
		}
		for _, v := range a.Args {
			out = append(out, v.Externals()...)
		}
		for _, c := range a.Verify {
			for _, v := range c.Args {
				out = append(out, v.Externals()...)
			}
			out = append(out, c.Expect.Externals()...)
		}
	}
	return out
}

// deps returns the direct dependencies of n in declaration order.
func (s *sorter) deps(n node) []node {
	r := &s.set.Resources[n.res]
	seen := make(map[node]bool)
	var out []node
	add := func(d node) {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}

	switch n.phase {
	case PhaseCreate:
		for _, ref := range r.ArgRefs() {
			if i, ok := s.index[ref]; ok {
				add(node{res: i, phase: PhaseCreate})
			}
		}
	case PhaseConfigure:
		add(node{res: n.res, phase: PhaseCreate})
		for _, ref := range r.ActionRefs() {
			if i, ok := s.index[ref]; ok {
				add(node{res: i, phase: PhaseCreate})
			}
		}
		for _, ref := range r.ConfigureAfter {
			if i, ok := s.index[ref]; ok {
				add(node{res: i, phase: PhaseConfigure})
			}
		}
	}
	return out
}

func (s *sorter) visit(n node) error {
	switch s.state[n] {
	case visited:
		return nil
	case visiting:
		return s.cycle(n)
	}

	s.state[n] = visiting
	s.stack = append(s.stack, n)
	for _, d := range s.deps(n) {
		if err := s.visit(d); err != nil {
			return err
		}
	}
	s.stack = s.stack[:len(s.stack)-1]
	s.state[n] = visited
	s.order = append(s.order, n)
	return nil
}

func (s *sorter) cycle(n node) error {
	start := 0
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i] == n {
			start = i
			break
		}
	}
	path := make([]string, 0, len(s.stack)-start+1)
	for _, m := range s.stack[start:] {
		path = append(path, s.set.Resources[m.res].Name)
	}
	path = append(path, s.set.Resources[n.res].Name)
	return &CycleDetectedError{Phase: n.phase, Path: path}
}

func (s *sorter) plan(existing map[string]bool) *Plan {
	pos := make(map[node]int, len(s.order))
	for i, n := range s.order {
		pos[n] = i
	}

	steps := make([]Step, len(s.order))
	for i, n := range s.order {
		deps := s.deps(n)
		idx := make([]int, len(deps))
		for j, d := range deps {
			idx[j] = pos[d]
		}
		steps[i] = Step{
			Index:    i,
			Phase:    n.phase,
			Resource: &s.set.Resources[n.res],
			Deps:     idx,
		}
	}

	names := make([]string, 0, len(existing))
	for name := range existing {
		if _, inSet := s.index[name]; !inSet {
			names = append(names, name)
		}
	}

	return &Plan{set: s.set, steps: steps, existing: names}
}
