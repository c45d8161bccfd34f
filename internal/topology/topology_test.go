package topology

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bchip17/co/internal/binding"
	"github.com/bchip17/co/internal/chain/chaintest"
	"github.com/bchip17/co/internal/config"
	"github.com/bchip17/co/internal/descriptor"
	"github.com/bchip17/co/internal/executor"
	"github.com/bchip17/co/internal/registry"
	"github.com/bchip17/co/internal/resolver"
	"github.com/bchip17/co/internal/retry"
	"github.com/bchip17/co/internal/validator"
)

func avalanche() config.TopologyConfig {
	return config.TopologyConfig{
		Currencies: []config.CurrencyConfig{
			{Symbol: "AVAX", Native: true},
			{Symbol: "USDC"},
			{Symbol: "MIM"},
		},
		PoolShare: 5000,
		BcpShare:  1000,
		Products: []config.ProductConfig{
			{ID: "ETH-USD", MaxLeverage: "50", LiquidationThreshold: "80", Fee: "0.1", Interest: "16"},
			{ID: "BTC-USD", MaxLeverage: "50", LiquidationThreshold: "80", Fee: "0.1", Interest: "16"},
		},
		Extension: config.ExtensionConfig{
			Currencies: []config.CurrencyConfig{{Symbol: "ETH", Native: true}, {Symbol: "USDC"}},
			Suffix:     "V2",
		},
	}
}

func externals() binding.Externals {
	return binding.Externals{
		SlotBCP:        common.HexToAddress("0xB000000000000000000000000000000000000001"),
		SlotDarkOracle: common.HexToAddress("0xD000000000000000000000000000000000000002"),
		"token_usdc":   common.HexToAddress("0xA7D7079b0FEaD91F3e65f86E8915Cb59c1a4C664"),
		"token_mim":    common.HexToAddress("0x130966628846BFd36ff31a822705796e8cb8C18D"),
	}
}

func TestBootstrap_Shape(t *testing.T) {
	set, err := Bootstrap(avalanche())
	require.NoError(t, err)

	assert.Equal(t, []string{"bcp", "dark_oracle", "token_usdc", "token_mim"}, set.Externals)
	assert.Equal(t, []string{
		"router", "trading", "oracle", "treasury", "poolBCP",
		"poolAVAX", "poolUSDC", "poolMIM",
		"poolRewardsAVAX", "poolRewardsUSDC", "poolRewardsMIM",
		"bcpRewardsAVAX", "bcpRewardsUSDC", "bcpRewardsMIM",
	}, set.Names())

	router, ok := set.Lookup(NameRouter)
	require.True(t, ok)
	// setContracts, 5 keyed setters per currency, setCurrencies
	require.Len(t, router.Actions, 1+5*3+1)
	assert.Equal(t, "setContracts", router.Actions[0].Method)
	assert.Len(t, router.Actions[0].Args, 5)
	assert.Equal(t, "setPool", router.Actions[1].Method)
	assert.Equal(t, descriptor.Literal(ZeroAddress), router.Actions[1].Args[0])
	assert.Equal(t, "setCurrencies", router.Actions[16].Method)

	trading, ok := set.Lookup(NameTrading)
	require.True(t, ok)
	require.Len(t, trading.Actions, 3)
	assert.Equal(t, "setRouter", trading.Actions[0].Method)
	assert.Equal(t, []string{NameRouter}, trading.ConfigureAfter)

	product := trading.Actions[1]
	assert.Equal(t, "addProduct", product.Method)
	assert.Equal(t, descriptor.Literal("ETH-USD"), product.Args[0])
	assert.Equal(t, descriptor.ListOf(
		descriptor.Literal("5000000000"),
		descriptor.Literal("8000"),
		descriptor.Literal("1000"),
		descriptor.Literal("1600"),
	), product.Args[1])

	rewards, ok := set.Lookup("bcpRewardsUSDC")
	require.True(t, ok)
	assert.Equal(t, []descriptor.Value{descriptor.RefTo(NamePoolBCP), descriptor.ExternalSlot("token_usdc")}, rewards.Args)
}

func TestBootstrap_Plan(t *testing.T) {
	set, err := Bootstrap(avalanche())
	require.NoError(t, err)
	plan, err := resolver.Resolve(set)
	require.NoError(t, err)

	assert.Equal(t, 2*len(set.Resources), plan.Len())
	pos := make(map[string]int)
	for _, s := range plan.Steps() {
		pos[string(s.Phase)+":"+s.Name()] = s.Index
	}
	assert.Less(t, pos["configure:router"], pos["configure:trading"])
	assert.Less(t, pos["create:poolUSDC"], pos["create:poolRewardsUSDC"])
	assert.Less(t, pos["create:bcpRewardsMIM"], pos["configure:router"])
}

func TestBootstrap_Errors(t *testing.T) {
	t.Run("no currencies", func(t *testing.T) {
		_, err := Bootstrap(config.TopologyConfig{})
		assert.ErrorIs(t, err, ErrNoCurrencies)
	})
	t.Run("duplicate currency", func(t *testing.T) {
		cfg := avalanche()
		cfg.Currencies = append(cfg.Currencies, config.CurrencyConfig{Symbol: "usdc"})
		_, err := Bootstrap(cfg)
		assert.ErrorContains(t, err, "duplicate currency USDC")
	})
	t.Run("fee precision", func(t *testing.T) {
		cfg := avalanche()
		cfg.Products[0].Fee = "0.00001"
		_, err := Bootstrap(cfg)
		assert.ErrorContains(t, err, "fee")
	})
}

func TestExtension_Shape(t *testing.T) {
	set, err := Extension(avalanche())
	require.NoError(t, err)

	assert.Equal(t, []string{SlotRouter, "token_usdc"}, set.Externals)
	assert.Equal(t, []string{"poolETHV2", "poolUSDCV2", "poolRewardsETHV2", "poolRewardsUSDCV2"}, set.Names())

	pool, ok := set.Lookup("poolUSDCV2")
	require.True(t, ok)
	require.Len(t, pool.Actions, 2)
	setPool := pool.Actions[0]
	assert.Equal(t, "setPool", setPool.Method)
	require.NotNil(t, setPool.Target)
	assert.Equal(t, descriptor.ExternalSlot(SlotRouter), *setPool.Target)
	assert.Equal(t, KindRouter, setPool.TargetKind)
	assert.Equal(t, descriptor.SelfRef(), setPool.Args[1])

	_, err = resolver.Resolve(set)
	require.NoError(t, err)
}

// deploySimulated runs set against sim and validates it.
func deploySimulated(t *testing.T, sim *chaintest.SimulatedClient, reg registry.Registry, set *descriptor.Set, ext binding.Externals) []validator.Mismatch {
	t.Helper()
	ctx := context.Background()
	policy := retry.Policy{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	plan, err := resolver.Resolve(set)
	require.NoError(t, err)
	require.NoError(t, executor.New(sim, reg, ext, executor.Config{Retry: policy}).Execute(ctx, plan))

	mismatches, err := validator.New(sim, reg, ext, policy, nil).Validate(ctx, set)
	require.NoError(t, err)
	return mismatches
}

func TestBootstrapAndExtend_Simulated(t *testing.T) {
	sim := chaintest.NewSimulatedClient(43114)
	sim.MapSetter("setContracts", "treasury", "trading", "poolBCP", "oracle", "darkOracle")
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()

	set, err := Bootstrap(avalanche())
	require.NoError(t, err)
	assert.Empty(t, deploySimulated(t, sim, reg, set, externals()))

	entries, err := reg.All(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 14)
	for _, e := range entries {
		assert.Equal(t, registry.StatusVerified, e.Status, e.Name)
	}

	router, _, err := reg.Get(ctx, NameRouter)
	require.NoError(t, err)
	routerAddr := common.HexToAddress(router.Address)
	poolAVAX, _, err := reg.Get(ctx, "poolAVAX")
	require.NoError(t, err)

	ext := externals()
	ext[SlotRouter] = routerAddr
	extension, err := Extension(avalanche())
	require.NoError(t, err)
	assert.Empty(t, deploySimulated(t, sim, reg, extension, ext))

	poolETH, _, err := reg.Get(ctx, "poolETHV2")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusVerified, poolETH.Status)

	// The native currency is keyed by the zero address on the router, so
	// the new pool replaces the AVAX pool in that slot.
	got, err := sim.Read(ctx, routerAddr, KindRouter, "getPool", []any{ZeroAddress})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(poolETH.Address), got)
	assert.NotEqual(t, poolAVAX.Address, poolETH.Address)

	again, _, err := reg.Get(ctx, "poolAVAX")
	require.NoError(t, err)
	assert.Equal(t, poolAVAX, again)
}
