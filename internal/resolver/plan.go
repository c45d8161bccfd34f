package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bchip17/co/internal/descriptor"
)

// Phase is the lifecycle step a plan step performs.
type Phase string

const (
	PhaseCreate    Phase = "create"
	PhaseConfigure Phase = "configure"
)

// Step is one unit of work of a plan.
type Step struct {
	Index    int
	Phase    Phase
	Resource *descriptor.Resource
	// Deps holds the indices of the steps that must complete first. Every
	// index is lower than Index.
	Deps []int
}

// Name returns the logical name of the step's resource.
func (s Step) Name() string {
	return s.Resource.Name
}

// String renders the step as "create(router)".
func (s Step) String() string {
	return fmt.Sprintf("%s(%s)", s.Phase, s.Resource.Name)
}

// Plan is an immutable, topologically ordered list of steps.
type Plan struct {
	set      *descriptor.Set
	steps    []Step
	existing []string
}

// Set returns the descriptor set the plan was built from.
func (p *Plan) Set() *descriptor.Set {
	return p.set
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.steps)
}

// Step returns the step at index i.
func (p *Plan) Step(i int) Step {
	return p.steps[i]
}

// Steps returns a copy of all steps in execution order.
func (p *Plan) Steps() []Step {
	out := make([]Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// Existing returns the already-deployed resource names the plan was
// resolved against that are not part of the set, sorted.
func (p *Plan) Existing() []string {
	out := append([]string(nil), p.existing...)
	sort.Strings(out)
	return out
}

// Order returns resource names in creation order.
func (p *Plan) Order() []string {
	var out []string
	for _, s := range p.steps {
		if s.Phase == PhaseCreate {
			out = append(out, s.Resource.Name)
		}
	}
	return out
}

// Layers groups steps by depth: every step of layer n depends only on
// steps of earlier layers, so the steps of one layer are independent.
func (p *Plan) Layers() [][]Step {
	depth := make([]int, len(p.steps))
	maxDepth := -1
	for i, s := range p.steps {
		d := 0
		for _, dep := range s.Deps {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[i] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	layers := make([][]Step, maxDepth+1)
	for i, s := range p.steps {
		layers[depth[i]] = append(layers[depth[i]], s)
	}
	return layers
}

// DOT exports the plan graph in Graphviz format. Edges point from a step
// to the steps that wait for it.
func (p *Plan) DOT() string {
	var b strings.Builder
	b.WriteString("digraph plan {\n")
	b.WriteString("  rankdir=LR;\n")
	for _, s := range p.steps {
		b.WriteString(fmt.Sprintf("  n%d [label=\"%s\\n(%s)\"];\n", s.Index, escapeLabel(s.String()), escapeLabel(s.Resource.Kind)))
	}
	for _, s := range p.steps {
		for _, d := range s.Deps {
			b.WriteString(fmt.Sprintf("  n%d -> n%d;\n", d, s.Index))
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Mermaid exports the plan graph as Mermaid flowchart text.
func (p *Plan) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	for _, s := range p.steps {
		b.WriteString(fmt.Sprintf("    n%d[\"%s<br/>(%s)\"]\n", s.Index, escapeLabel(s.String()), escapeLabel(s.Resource.Kind)))
	}
	for _, s := range p.steps {
		for _, d := range s.Deps {
			b.WriteString(fmt.Sprintf("    n%d --> n%d\n", d, s.Index))
		}
	}
	return b.String()
}

func escapeLabel(s string) string {
	return strings.ReplaceAll(s, "\"", "\\\"")
}
