// Package topology generates the descriptor sets of the trading system: a
// full bootstrap deployment and the extension that attaches new pools to a
// running router.
package topology

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bchip17/co/internal/config"
	"github.com/bchip17/co/internal/descriptor"
	"github.com/bchip17/co/internal/pkg/units"
)

// External slots read by the generated sets.
const (
	SlotBCP        = "bcp"
	SlotDarkOracle = "dark_oracle"
	SlotRouter     = "router"
)

// ZeroAddress identifies the native currency.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Artifact kinds.
const (
	KindRouter   = "Router"
	KindTrading  = "Trading"
	KindOracle   = "Oracle"
	KindTreasury = "Treasury"
	KindPool     = "Pool"
	KindPoolBCP  = "PoolBCP"
	KindRewards  = "Rewards"
)

// Logical names of the singleton components.
const (
	NameRouter   = "router"
	NameTrading  = "trading"
	NameOracle   = "oracle"
	NameTreasury = "treasury"
	NamePoolBCP  = "poolBCP"
)

// ErrNoCurrencies is returned for a topology without currencies.
var ErrNoCurrencies = errors.New("topology: no currencies configured")

// TokenSlot returns the external slot holding the token of symbol.
func TokenSlot(symbol string) string {
	return "token_" + strings.ToLower(symbol)
}

// PoolName returns the logical name of the pool for symbol.
func PoolName(symbol, suffix string) string {
	return "pool" + strings.ToUpper(symbol) + suffix
}

// PoolRewardsName returns the logical name of the pool rewards for symbol.
func PoolRewardsName(symbol, suffix string) string {
	return "poolRewards" + strings.ToUpper(symbol) + suffix
}

// BcpRewardsName returns the logical name of the BCP rewards for symbol.
func BcpRewardsName(symbol string) string {
	return "bcpRewards" + strings.ToUpper(symbol)
}

type currency struct {
	symbol string
	value  descriptor.Value
	slot   string
}

func currencies(cfg []config.CurrencyConfig) ([]currency, error) {
	if len(cfg) == 0 {
		return nil, ErrNoCurrencies
	}
	seen := make(map[string]bool, len(cfg))
	out := make([]currency, 0, len(cfg))
	for _, c := range cfg {
		sym := strings.ToUpper(c.Symbol)
		if sym == "" {
			return nil, fmt.Errorf("topology: currency without symbol")
		}
		if seen[sym] {
			return nil, fmt.Errorf("topology: duplicate currency %s", sym)
		}
		seen[sym] = true

		cur := currency{symbol: sym}
		if c.Native {
			cur.value = descriptor.Literal(ZeroAddress)
		} else {
			cur.slot = TokenSlot(sym)
			cur.value = descriptor.ExternalSlot(cur.slot)
		}
		out = append(out, cur)
	}
	return out, nil
}

func linkRouter(router descriptor.Value) descriptor.Action {
	return descriptor.Action{
		Method: "setRouter",
		Args:   []descriptor.Value{router},
		Verify: []descriptor.Check{{Method: "router", Expect: router}},
	}
}

// keyed builds method(currency, value) with a getter check when getter is
// not empty.
func keyed(method, getter string, cur currency, v descriptor.Value) descriptor.Action {
	a := descriptor.Action{
		Method: method,
		Args:   []descriptor.Value{cur.value, v},
	}
	if getter != "" {
		a.Verify = []descriptor.Check{{
			Field:  fmt.Sprintf("%s(%s)", getter, cur.symbol),
			Method: getter,
			Args:   []descriptor.Value{cur.value},
			Expect: v,
		}}
	}
	return a
}

// Bootstrap returns the full deployment: Router, Trading, Oracle, Treasury,
// the BCP pool, and a pool with pool and BCP rewards per currency.
func Bootstrap(cfg config.TopologyConfig) (*descriptor.Set, error) {
	curs, err := currencies(cfg.Currencies)
	if err != nil {
		return nil, err
	}

	products := make([]descriptor.Action, 0, len(cfg.Products))
	for _, p := range cfg.Products {
		a, err := addProduct(p)
		if err != nil {
			return nil, err
		}
		products = append(products, a)
	}

	router := descriptor.RefTo(NameRouter)
	set := &descriptor.Set{
		Name:      "bootstrap",
		Externals: []string{SlotBCP, SlotDarkOracle},
	}
	for _, c := range curs {
		if c.slot != "" {
			set.Externals = append(set.Externals, c.slot)
		}
	}

	contracts := []struct{ field, name string }{
		{"treasury", NameTreasury},
		{"trading", NameTrading},
		{"poolBCP", NamePoolBCP},
		{"oracle", NameOracle},
	}
	setContracts := descriptor.Action{Method: "setContracts"}
	for _, c := range contracts {
		setContracts.Args = append(setContracts.Args, descriptor.RefTo(c.name))
		setContracts.Verify = append(setContracts.Verify, descriptor.Check{Method: c.field, Expect: descriptor.RefTo(c.name)})
	}
	darkOracle := descriptor.ExternalSlot(SlotDarkOracle)
	setContracts.Args = append(setContracts.Args, darkOracle)
	setContracts.Verify = append(setContracts.Verify, descriptor.Check{Method: "darkOracle", Expect: darkOracle})

	routerActions := []descriptor.Action{setContracts}
	for _, c := range curs {
		routerActions = append(routerActions, keyed("setPool", "getPool", c, descriptor.RefTo(PoolName(c.symbol, ""))))
	}
	for _, c := range curs {
		routerActions = append(routerActions, keyed("setPoolShare", "", c, descriptor.Literal(cfg.PoolShare)))
	}
	for _, c := range curs {
		routerActions = append(routerActions, keyed("setBcpShare", "", c, descriptor.Literal(cfg.BcpShare)))
	}
	for _, c := range curs {
		routerActions = append(routerActions, keyed("setPoolRewards", "getPoolRewards", c, descriptor.RefTo(PoolRewardsName(c.symbol, ""))))
	}
	for _, c := range curs {
		routerActions = append(routerActions, keyed("setBcpRewards", "getBcpRewards", c, descriptor.RefTo(BcpRewardsName(c.symbol))))
	}
	list := make([]descriptor.Value, len(curs))
	for i, c := range curs {
		list[i] = c.value
	}
	routerActions = append(routerActions, descriptor.Action{
		Method: "setCurrencies",
		Args:   []descriptor.Value{descriptor.ListOf(list...)},
	})

	// Components are linked once the router knows all of them, since
	// setRouter pulls the router's contract list.
	component := func(name, kind string, args []descriptor.Value, extra ...descriptor.Action) descriptor.Resource {
		return descriptor.Resource{
			Name:           name,
			Kind:           kind,
			Args:           args,
			Actions:        append([]descriptor.Action{linkRouter(router)}, extra...),
			ConfigureAfter: []string{NameRouter},
		}
	}

	set.Resources = append(set.Resources,
		descriptor.Resource{Name: NameRouter, Kind: KindRouter, Actions: routerActions},
		component(NameTrading, KindTrading, nil, products...),
		component(NameOracle, KindOracle, nil),
		component(NameTreasury, KindTreasury, nil),
		component(NamePoolBCP, KindPoolBCP, []descriptor.Value{descriptor.ExternalSlot(SlotBCP)}),
	)
	for _, c := range curs {
		set.Resources = append(set.Resources, component(PoolName(c.symbol, ""), KindPool, []descriptor.Value{c.value}))
	}
	for _, c := range curs {
		set.Resources = append(set.Resources, component(PoolRewardsName(c.symbol, ""), KindRewards,
			[]descriptor.Value{descriptor.RefTo(PoolName(c.symbol, "")), c.value}))
	}
	for _, c := range curs {
		set.Resources = append(set.Resources, component(BcpRewardsName(c.symbol), KindRewards,
			[]descriptor.Value{descriptor.RefTo(NamePoolBCP), c.value}))
	}
	return set, nil
}

// Extension returns the pools and pool rewards of cfg.Extension attached to
// the router bound to the router slot. The router calls are tracked by the
// resource they introduce, so a rerun skips them once it is configured.
func Extension(cfg config.TopologyConfig) (*descriptor.Set, error) {
	curs, err := currencies(cfg.Extension.Currencies)
	if err != nil {
		return nil, err
	}

	router := descriptor.ExternalSlot(SlotRouter)
	self := descriptor.SelfRef()
	onRouter := func(a descriptor.Action) descriptor.Action {
		a.Target = &router
		a.TargetKind = KindRouter
		return a
	}

	set := &descriptor.Set{
		Name:      "extension",
		Externals: []string{SlotRouter},
	}
	for _, c := range curs {
		if c.slot != "" {
			set.Externals = append(set.Externals, c.slot)
		}
	}

	suffix := cfg.Extension.Suffix
	for _, c := range curs {
		set.Resources = append(set.Resources, descriptor.Resource{
			Name: PoolName(c.symbol, suffix),
			Kind: KindPool,
			Args: []descriptor.Value{c.value},
			Actions: []descriptor.Action{
				onRouter(keyed("setPool", "getPool", c, self)),
				linkRouter(router),
			},
		})
	}
	for _, c := range curs {
		pool := PoolName(c.symbol, suffix)
		set.Resources = append(set.Resources, descriptor.Resource{
			Name: PoolRewardsName(c.symbol, suffix),
			Kind: KindRewards,
			Args: []descriptor.Value{descriptor.RefTo(pool), c.value},
			Actions: []descriptor.Action{
				onRouter(keyed("setPoolRewards", "getPoolRewards", c, self)),
				linkRouter(router),
			},
			// The router must know the pool before its rewards link.
			ConfigureAfter: []string{pool},
		})
	}
	return set, nil
}

// addProduct encodes a product listing: leverage with 8 decimals, the
// liquidation threshold and interest in hundredths, the fee in ten
// thousandths.
func addProduct(p config.ProductConfig) (descriptor.Action, error) {
	fields := []struct {
		name     string
		value    string
		decimals int
	}{
		{"max_leverage", p.MaxLeverage, 8},
		{"liquidation_threshold", p.LiquidationThreshold, 2},
		{"fee", p.Fee, 4},
		{"interest", p.Interest, 2},
	}

	params := make([]descriptor.Value, len(fields))
	for i, f := range fields {
		n, err := units.ParseUnits(f.value, f.decimals)
		if err != nil {
			return descriptor.Action{}, fmt.Errorf("topology: product %s %s: %w", p.ID, f.name, err)
		}
		if n.Sign() < 0 {
			return descriptor.Action{}, fmt.Errorf("topology: product %s %s is negative", p.ID, f.name)
		}
		params[i] = descriptor.Literal(n.String())
	}

	return descriptor.Action{
		Method: "addProduct",
		Args:   []descriptor.Value{descriptor.Literal(p.ID), descriptor.ListOf(params...)},
	}, nil
}
