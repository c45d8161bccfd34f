package binding

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bchip17/co/internal/descriptor"
	"github.com/bchip17/co/internal/registry"
)

var (
	routerAddr = common.HexToAddress("0x1000000000000000000000000000000000000001")
	poolAddr   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	usdcAddr   = common.HexToAddress("0x5425890298aed601595a70AB815c96711a31Bc65")
)

func newBinder(t *testing.T) *Binder {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Put(ctx, registry.Entry{Name: "router", Kind: "Router", Address: routerAddr.Hex(), Status: registry.StatusVerified}))
	require.NoError(t, reg.Put(ctx, registry.Entry{Name: "poolA", Kind: "Pool", Status: registry.StatusPending}))

	ext, err := ParseExternals(map[string]string{"token_usdc": usdcAddr.Hex()})
	require.NoError(t, err)
	return New(reg, ext)
}

func TestParseExternals(t *testing.T) {
	_, err := ParseExternals(map[string]string{"b": "nope", "a": "0x12"})
	assert.ErrorContains(t, err, "a, b")
}

func TestExternals_Lookup(t *testing.T) {
	ext := Externals{"token_usdc": usdcAddr}

	for _, slot := range []string{"token_usdc", "token.USDC", "TOKEN_USDC"} {
		addr, ok := ext.Lookup(slot)
		assert.True(t, ok, slot)
		assert.Equal(t, usdcAddr, addr)
	}
	_, ok := ext.Lookup("token.MIM")
	assert.False(t, ok)
	assert.Equal(t, []string{"router", "token.MIM"}, ext.Missing([]string{"token.MIM", "token.USDC", "router"}))
}

func TestResolve(t *testing.T) {
	b := newBinder(t)
	ctx := context.Background()
	self := poolAddr

	got, err := b.Resolve(ctx, descriptor.RefTo("router"), self)
	require.NoError(t, err)
	assert.Equal(t, routerAddr, got)

	got, err = b.Resolve(ctx, descriptor.ExternalSlot("token.USDC"), self)
	require.NoError(t, err)
	assert.Equal(t, usdcAddr, got)

	got, err = b.Resolve(ctx, descriptor.SelfRef(), self)
	require.NoError(t, err)
	assert.Equal(t, poolAddr, got)

	got, err = b.Resolve(ctx, descriptor.ListOf(descriptor.RefTo("router"), descriptor.Literal(5)), self)
	require.NoError(t, err)
	assert.Equal(t, []any{routerAddr, 5}, got)

	_, err = b.Resolve(ctx, descriptor.RefTo("poolA"), self)
	assert.ErrorIs(t, err, ErrNotCreated)

	_, err = b.Resolve(ctx, descriptor.ExternalSlot("token.MIM"), self)
	assert.ErrorIs(t, err, descriptor.ErrUnboundExternal)

	_, err = b.Resolve(ctx, descriptor.SelfRef(), common.Address{})
	assert.ErrorIs(t, err, ErrNotCreated)

	_, err = b.Resolve(ctx, descriptor.Value{}, self)
	assert.ErrorIs(t, err, descriptor.ErrInvalidValue)
}

func TestTarget(t *testing.T) {
	b := newBinder(t)
	ctx := context.Background()
	set := &descriptor.Set{Resources: []descriptor.Resource{{Name: "poolB", Kind: "Pool"}}}
	owner := &set.Resources[0]

	addr, kind, err := b.Target(ctx, set, owner, poolAddr, descriptor.Action{Method: "setRouter"})
	require.NoError(t, err)
	assert.Equal(t, poolAddr, addr)
	assert.Equal(t, "Pool", kind)

	// existing resource outside the set: kind comes from the registry
	ref := descriptor.RefTo("router")
	addr, kind, err = b.Target(ctx, set, owner, poolAddr, descriptor.Action{Method: "setPool", Target: &ref})
	require.NoError(t, err)
	assert.Equal(t, routerAddr, addr)
	assert.Equal(t, "Router", kind)

	ext := descriptor.ExternalSlot("token_usdc")
	_, _, err = b.Target(ctx, set, owner, poolAddr, descriptor.Action{Method: "approve", Target: &ext})
	assert.Error(t, err)

	addr, kind, err = b.Target(ctx, set, owner, poolAddr, descriptor.Action{Method: "approve", Target: &ext, TargetKind: "ERC20"})
	require.NoError(t, err)
	assert.Equal(t, usdcAddr, addr)
	assert.Equal(t, "ERC20", kind)
}

func TestDescribe(t *testing.T) {
	b := newBinder(t)
	ctx := context.Background()

	assert.Equal(t, routerAddr.Hex(), b.Describe(ctx, descriptor.RefTo("router"), "poolB"))
	assert.Equal(t, "<poolA>", b.Describe(ctx, descriptor.RefTo("poolA"), "poolB"))
	assert.Equal(t, "<poolB>", b.Describe(ctx, descriptor.SelfRef(), "poolB"))
	assert.Equal(t, "<unbound x>", b.Describe(ctx, descriptor.ExternalSlot("x"), "poolB"))
	assert.Equal(t, "[5000, "+usdcAddr.Hex()+"]",
		b.Describe(ctx, descriptor.ListOf(descriptor.Literal(5000), descriptor.ExternalSlot("token_usdc")), "poolB"))
}
