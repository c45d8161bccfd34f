// Package binding turns descriptor values into chain arguments by looking
// up deployed addresses in the registry and operator-supplied addresses in
// the external set.
package binding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bchip17/co/internal/chain"
	"github.com/bchip17/co/internal/descriptor"
	"github.com/bchip17/co/internal/registry"
)

// ErrNotCreated is returned when a reference names a resource that has no
// recorded address yet.
var ErrNotCreated = errors.New("binding: referenced resource is not created")

// Externals maps slot names to operator-supplied addresses.
type Externals map[string]common.Address

// ParseExternals validates hex addresses keyed by slot.
func ParseExternals(m map[string]string) (Externals, error) {
	out := make(Externals, len(m))
	var bad []string
	for slot, addr := range m {
		if !common.IsHexAddress(addr) {
			bad = append(bad, slot)
			continue
		}
		out[slot] = common.HexToAddress(addr)
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, fmt.Errorf("external slots with invalid addresses: %s", strings.Join(bad, ", "))
	}
	return out, nil
}

// Lookup returns the address bound to slot. Slots are matched exactly,
// then case-insensitively with "." and "_" treated alike, since config
// keys arrive lowercased.
func (e Externals) Lookup(slot string) (common.Address, bool) {
	if addr, ok := e[slot]; ok {
		return addr, true
	}
	want := normalizeSlot(slot)
	for k, addr := range e {
		if normalizeSlot(k) == want {
			return addr, true
		}
	}
	return common.Address{}, false
}

// Missing returns the slots that have no address, sorted.
func (e Externals) Missing(slots []string) []string {
	var out []string
	for _, s := range slots {
		if _, ok := e.Lookup(s); !ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func normalizeSlot(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), ".", "_")
}

// Binder resolves values against a registry and an external set.
type Binder struct {
	reg       registry.Registry
	externals Externals
}

// New creates a Binder.
func New(reg registry.Registry, externals Externals) *Binder {
	if externals == nil {
		externals = Externals{}
	}
	return &Binder{reg: reg, externals: externals}
}

// Externals returns the external set.
func (b *Binder) Externals() Externals {
	return b.externals
}

// Entry returns the registry entry of a created resource.
func (b *Binder) Entry(ctx context.Context, name string) (registry.Entry, error) {
	e, ok, err := b.reg.Get(ctx, name)
	if err != nil {
		return registry.Entry{}, fmt.Errorf("read registry entry %s: %w", name, err)
	}
	if !ok || !e.Status.AtLeast(registry.StatusCreated) {
		return registry.Entry{}, fmt.Errorf("%w: %s", ErrNotCreated, name)
	}
	return e, nil
}

// Resolve returns the chain argument for v. self is the address of the
// resource owning the value and may be zero during creation.
func (b *Binder) Resolve(ctx context.Context, v descriptor.Value, self common.Address) (any, error) {
	switch v.Type() {
	case descriptor.ValueLiteral:
		return v.Lit, nil
	case descriptor.ValueRef:
		e, err := b.Entry(ctx, v.Ref)
		if err != nil {
			return nil, err
		}
		return common.HexToAddress(e.Address), nil
	case descriptor.ValueExternal:
		addr, ok := b.externals.Lookup(v.External)
		if !ok {
			return nil, fmt.Errorf("%w: %s", descriptor.ErrUnboundExternal, v.External)
		}
		return addr, nil
	case descriptor.ValueSelf:
		if self == (common.Address{}) {
			return nil, fmt.Errorf("%w: self reference before creation", ErrNotCreated)
		}
		return self, nil
	case descriptor.ValueList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			r, err := b.Resolve(ctx, item, self)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return nil, descriptor.ErrInvalidValue
	}
}

// ResolveAll resolves vs in order.
func (b *Binder) ResolveAll(ctx context.Context, vs []descriptor.Value, self common.Address) ([]any, error) {
	out := make([]any, len(vs))
	for i, v := range vs {
		r, err := b.Resolve(ctx, v, self)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// Target returns the address and kind an action of owner is sent to.
func (b *Binder) Target(ctx context.Context, set *descriptor.Set, owner *descriptor.Resource, self common.Address, a descriptor.Action) (common.Address, string, error) {
	if a.Target == nil || a.Target.Type() == descriptor.ValueSelf {
		return self, owner.Kind, nil
	}

	resolved, err := b.Resolve(ctx, *a.Target, self)
	if err != nil {
		return common.Address{}, "", fmt.Errorf("target: %w", err)
	}
	addr, ok := resolved.(common.Address)
	if !ok {
		return common.Address{}, "", fmt.Errorf("target of %s is not an address", a.Method)
	}

	if a.TargetKind != "" {
		return addr, a.TargetKind, nil
	}
	if a.Target.Ref != "" {
		if r, ok := set.Lookup(a.Target.Ref); ok {
			return addr, r.Kind, nil
		}
		if e, err := b.Entry(ctx, a.Target.Ref); err == nil && e.Kind != "" {
			return addr, e.Kind, nil
		}
	}
	return common.Address{}, "", fmt.Errorf("kind of target of %s is unknown", a.Method)
}

// Describe renders v for dry-run output without requiring references to be
// created. Unknown addresses render as <name>.
func (b *Binder) Describe(ctx context.Context, v descriptor.Value, selfName string) string {
	switch v.Type() {
	case descriptor.ValueRef:
		if e, err := b.Entry(ctx, v.Ref); err == nil {
			return common.HexToAddress(e.Address).Hex()
		}
		return "<" + v.Ref + ">"
	case descriptor.ValueExternal:
		if addr, ok := b.externals.Lookup(v.External); ok {
			return addr.Hex()
		}
		return "<unbound " + v.External + ">"
	case descriptor.ValueSelf:
		return b.Describe(ctx, descriptor.RefTo(selfName), selfName)
	case descriptor.ValueList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = b.Describe(ctx, item, selfName)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case descriptor.ValueLiteral:
		return chain.FormatValue(v.Lit)
	default:
		return "<invalid>"
	}
}
