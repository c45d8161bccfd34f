// Package descriptor defines the declarative set of on-chain resources to
// create and wire. A set is pure data: the resolver turns it into a plan and
// the executor carries the plan out.
package descriptor

import "fmt"

// ValueType identifies which variant of a Value is populated.
type ValueType int

const (
	ValueInvalid ValueType = iota
	ValueLiteral
	ValueRef
	ValueExternal
	ValueSelf
	ValueList
)

// String returns the YAML key of the variant.
func (t ValueType) String() string {
	switch t {
	case ValueLiteral:
		return "lit"
	case ValueRef:
		return "ref"
	case ValueExternal:
		return "external"
	case ValueSelf:
		return "self"
	case ValueList:
		return "list"
	default:
		return "invalid"
	}
}

// Value is an argument of a constructor, a post-action or a verification.
// Exactly one field is set.
type Value struct {
	// Lit is a literal typed by the ABI at call time (number, string,
	// bool, hex bytes, bytes32 label or a list of those).
	Lit any `yaml:"lit,omitempty" json:"lit,omitempty"`
	// Ref names another resource; it resolves to that resource's address.
	Ref string `yaml:"ref,omitempty" json:"ref,omitempty"`
	// External names an operator-supplied address slot.
	External string `yaml:"external,omitempty" json:"external,omitempty"`
	// Self resolves to the address of the resource that owns the value.
	Self bool `yaml:"self,omitempty" json:"self,omitempty"`
	// List groups values, e.g. the currency list of a router.
	List []Value `yaml:"list,omitempty" json:"list,omitempty"`
}

// Literal returns a literal value.
func Literal(v any) Value { return Value{Lit: v} }

// RefTo returns a reference to another resource.
func RefTo(name string) Value { return Value{Ref: name} }

// ExternalSlot returns a reference to an operator-supplied address.
func ExternalSlot(slot string) Value { return Value{External: slot} }

// SelfRef returns a reference to the owning resource.
func SelfRef() Value { return Value{Self: true} }

// ListOf groups values into a list.
func ListOf(vs ...Value) Value {
	if vs == nil {
		vs = []Value{}
	}
	return Value{List: vs}
}

// Type reports which variant is set, or ValueInvalid when zero or several are.
func (v Value) Type() ValueType {
	n := 0
	t := ValueInvalid
	if v.Lit != nil {
		n++
		t = ValueLiteral
	}
	if v.Ref != "" {
		n++
		t = ValueRef
	}
	if v.External != "" {
		n++
		t = ValueExternal
	}
	if v.Self {
		n++
		t = ValueSelf
	}
	if v.List != nil {
		n++
		t = ValueList
	}
	if n != 1 {
		return ValueInvalid
	}
	return t
}

// String renders the value for logs and dry-run output.
func (v Value) String() string {
	switch v.Type() {
	case ValueLiteral:
		return fmt.Sprintf("%v", v.Lit)
	case ValueRef:
		return "<" + v.Ref + ">"
	case ValueExternal:
		return "$" + v.External
	case ValueSelf:
		return "<self>"
	case ValueList:
		s := "["
		for i, item := range v.List {
			if i > 0 {
				s += ", "
			}
			s += item.String()
		}
		return s + "]"
	default:
		return "<invalid>"
	}
}

// Refs returns every resource name referenced by the value, in order.
func (v Value) Refs() []string {
	switch v.Type() {
	case ValueRef:
		return []string{v.Ref}
	case ValueList:
		var out []string
		for _, item := range v.List {
			out = append(out, item.Refs()...)
		}
		return out
	default:
		return nil
	}
}

// Externals returns every external slot referenced by the value, in order.
func (v Value) Externals() []string {
	switch v.Type() {
	case ValueExternal:
		return []string{v.External}
	case ValueList:
		var out []string
		for _, item := range v.List {
			out = append(out, item.Externals()...)
		}
		return out
	default:
		return nil
	}
}

// Check reads a field back from a deployed resource and compares it with
// an expected value.
type Check struct {
	// Field labels the check in mismatch reports. Defaults to Method.
	Field  string  `yaml:"field,omitempty" json:"field,omitempty"`
	Method string  `yaml:"method" json:"method" validate:"required"`
	Args   []Value `yaml:"args,omitempty" json:"args,omitempty"`
	Expect Value   `yaml:"expect" json:"expect"`
}

// Label returns the field name used in reports.
func (c Check) Label() string {
	if c.Field != "" {
		return c.Field
	}
	return c.Method
}

// Action is a post-creation call. It targets the owning resource unless
// Target is set, which allows wiring calls on another (possibly external)
// resource to be tracked by the resource they introduce.
type Action struct {
	Method string `yaml:"method" json:"method" validate:"required"`
	Target *Value `yaml:"target,omitempty" json:"target,omitempty"`
	// TargetKind names the artifact of the target when it is not a resource
	// of the set.
	TargetKind string  `yaml:"targetKind,omitempty" json:"targetKind,omitempty"`
	Args       []Value `yaml:"args,omitempty" json:"args,omitempty"`
	Verify     []Check `yaml:"verify,omitempty" json:"verify,omitempty" validate:"dive"`
}

// Resource describes one on-chain component.
type Resource struct {
	Name string `yaml:"name" json:"name" validate:"required,max=64"`
	// Kind names the compiled artifact the resource is created from.
	Kind    string   `yaml:"kind" json:"kind" validate:"required"`
	Args    []Value  `yaml:"args,omitempty" json:"args,omitempty"`
	Actions []Action `yaml:"actions,omitempty" json:"actions,omitempty" validate:"dive"`
	// ConfigureAfter lists resources whose configuration must complete
	// before this resource is configured.
	ConfigureAfter []string `yaml:"configureAfter,omitempty" json:"configureAfter,omitempty"`
}

// ActionRefs returns the resources referenced by post-actions, including
// their targets and verification arguments.
func (r *Resource) ActionRefs() []string {
	var out []string
	for _, a := range r.Actions {
		if a.Target != nil {
			out = append(out, a.Target.Refs()...)
		}
		for _, v := range a.Args {
			out = append(out, v.Refs()...)
		}
		for _, c := range a.Verify {
			for _, v := range c.Args {
				out = append(out, v.Refs()...)
			}
			out = append(out, c.Expect.Refs()...)
		}
	}
	return out
}

// ArgRefs returns the resources referenced by constructor arguments.
func (r *Resource) ArgRefs() []string {
	var out []string
	for _, v := range r.Args {
		out = append(out, v.Refs()...)
	}
	return out
}

// Set is an ordered collection of resources. Declaration order is the
// tie-break of the resolver.
type Set struct {
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Externals declares the operator-supplied address slots the set uses.
	Externals []string   `yaml:"externals,omitempty" json:"externals,omitempty"`
	Resources []Resource `yaml:"resources" json:"resources" validate:"dive"`
}

// Lookup returns the resource with the given name.
func (s *Set) Lookup(name string) (*Resource, bool) {
	for i := range s.Resources {
		if s.Resources[i].Name == name {
			return &s.Resources[i], true
		}
	}
	return nil, false
}

// Names returns resource names in declaration order.
func (s *Set) Names() []string {
	out := make([]string, len(s.Resources))
	for i, r := range s.Resources {
		out[i] = r.Name
	}
	return out
}

// HasExternal reports whether slot is declared.
func (s *Set) HasExternal(slot string) bool {
	for _, e := range s.Externals {
		if e == slot {
			return true
		}
	}
	return false
}
