package txplan

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangekeeper/apm/internal/chain"
	"github.com/rangekeeper/apm/internal/tickmath"
	"github.com/rangekeeper/apm/internal/types"
)

func builderForTest(harvest common.Address) *Builder {
	cfg := types.PoolConfig{
		Token0:      types.Token{Symbol: "TOKA", Decimals: 6},
		Token1:      types.Token{Symbol: "TOKB", Decimals: 6},
		TickSpacing: 200,
	}
	params := types.Parameters{
		PositionID:           7,
		RangeWidthPct:        20,
		SlippageTolerancePct: 5,
		SettleWait:           time.Millisecond,
		HarvestAddress:       harvest,
	}
	return New(cfg, params)
}

func planForTest(t *testing.T) (*types.RebalancePlan, types.Position, types.PoolState) {
	t.Helper()
	sqrtPrice, err := tickmath.SqrtPriceAtTick(0)
	require.NoError(t, err)

	plan := &types.RebalancePlan{
		NewTickLower:    -2000,
		NewTickUpper:    2000,
		SwapDirection:   types.SwapOneForZero,
		SwapAmountIn:    big.NewInt(500_000_000),
		SwapEstimateOut: big.NewInt(500_000_000),
		TargetRatio0:    0.5,
		PostSwapAmounts: types.TokenAmounts{
			Amount0: big.NewInt(1_000_000_000),
			Amount1: big.NewInt(1_000_000_000),
		},
		NewLiquidity: big.NewInt(10_000_000_000),
	}
	position := types.Position{
		ID:        7,
		TickLower: -4000,
		TickUpper: 0,
		Liquidity: big.NewInt(9_000_000_000),
	}
	pool := types.PoolState{SqrtPriceX96: sqrtPrice, Tick: 0, TickSpacing: 200}
	return plan, position, pool
}

func actionTypes(batch []types.Action) []types.ActionType {
	out := make([]types.ActionType, len(batch))
	for i, a := range batch {
		out[i] = a.Type
	}
	return out
}

func TestBuildRejectsZeroLiquidityPlan(t *testing.T) {
	b := builderForTest(common.Address{})
	plan, position, pool := planForTest(t)
	plan.NewLiquidity = new(big.Int)

	_, err := b.Build(plan, position, pool, types.ZeroAmounts(), chain.Capabilities{})
	assert.ErrorIs(t, err, ErrNothingToMint)
}

func TestBuildSequentialWhenAtomicUnsupported(t *testing.T) {
	b := builderForTest(common.Address{})
	plan, position, pool := planForTest(t)

	set, err := b.Build(plan, position, pool, types.ZeroAmounts(), chain.Capabilities{AtomicBatch: false})
	require.NoError(t, err)
	assert.Equal(t, types.EncodingSequential, set.Encoding)
	require.Len(t, set.Batches, 3)
	assert.Equal(t, []types.ActionType{types.ActionWithdraw}, actionTypes(set.Batches[0]))
	assert.Equal(t, []types.ActionType{types.ActionSwap}, actionTypes(set.Batches[1]))
	assert.Equal(t, []types.ActionType{types.ActionMint}, actionTypes(set.Batches[2]))

	// Swap and mint must be repriced from fresh state before submission;
	// the withdraw runs as planned.
	assert.False(t, set.Batches[0][0].RepriceBefore)
	assert.True(t, set.Batches[1][0].RepriceBefore)
	assert.True(t, set.Batches[2][0].RepriceBefore)
}

func TestBuildSequentialFallbackWhenWalletTooSmall(t *testing.T) {
	b := builderForTest(common.Address{})
	plan, position, pool := planForTest(t)
	// The old position is tiny: its withdrawal plus an empty wallet cannot
	// fund the planned mint, so the netted batch would pull more than the
	// wallet could settle.
	position.Liquidity = big.NewInt(1000)

	set, err := b.Build(plan, position, pool, types.ZeroAmounts(), chain.Capabilities{AtomicBatch: true})
	require.NoError(t, err)
	assert.Equal(t, types.EncodingSequential, set.Encoding)
}

func TestBuildAtomicWhenFunded(t *testing.T) {
	b := builderForTest(common.Address{})
	plan, position, pool := planForTest(t)
	wallet := types.TokenAmounts{
		Amount0: big.NewInt(100_000_000_000),
		Amount1: big.NewInt(100_000_000_000),
	}

	set, err := b.Build(plan, position, pool, wallet, chain.Capabilities{AtomicBatch: true})
	require.NoError(t, err)
	assert.Equal(t, types.EncodingAtomic, set.Encoding)
	require.Len(t, set.Batches, 1)
	assert.Equal(t, []types.ActionType{
		types.ActionWithdraw,
		types.ActionSwap,
		types.ActionMint,
		types.ActionSettle,
		types.ActionSettle,
	}, actionTypes(set.Batches[0]))

	// Both sides of the flash-accounting balance are settled.
	assert.Equal(t, 0, set.Batches[0][3].SettleToken)
	assert.Equal(t, 1, set.Batches[0][4].SettleToken)
}

func TestBuildOmitsSwapWhenPlanHasNone(t *testing.T) {
	b := builderForTest(common.Address{})
	plan, position, pool := planForTest(t)
	plan.SwapDirection = types.SwapNone
	plan.SwapAmountIn = new(big.Int)

	set, err := b.Build(plan, position, pool, types.ZeroAmounts(), chain.Capabilities{})
	require.NoError(t, err)
	require.Len(t, set.Batches, 2)
	assert.Equal(t, []types.ActionType{types.ActionWithdraw}, actionTypes(set.Batches[0]))
	assert.Equal(t, []types.ActionType{types.ActionMint}, actionTypes(set.Batches[1]))
}

func TestBuildOmitsWithdrawForEmptyPosition(t *testing.T) {
	b := builderForTest(common.Address{})
	plan, position, pool := planForTest(t)
	position.Liquidity = new(big.Int)

	set, err := b.Build(plan, position, pool, types.ZeroAmounts(), chain.Capabilities{})
	require.NoError(t, err)
	for _, batch := range set.Batches {
		for _, action := range batch {
			assert.NotEqual(t, types.ActionWithdraw, action.Type)
		}
	}
}

func TestBuildAppendsSweepForHarvestAddress(t *testing.T) {
	harvest := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	b := builderForTest(harvest)
	plan, position, pool := planForTest(t)

	set, err := b.Build(plan, position, pool, types.ZeroAmounts(), chain.Capabilities{})
	require.NoError(t, err)
	last := set.Batches[len(set.Batches)-1]
	require.Len(t, last, 1)
	assert.Equal(t, types.ActionSweep, last[0].Type)
	assert.Equal(t, harvest, last[0].SweepTo)
}

func TestSlippageBuffers(t *testing.T) {
	// 5% down on a received amount, 5% up (ceiling) on a spent amount.
	assert.Equal(t, int64(950), BufferDown(big.NewInt(1000), 5).Int64())
	assert.Equal(t, int64(1050), BufferUp(big.NewInt(1000), 5).Int64())
	assert.Equal(t, int64(0), BufferDown(nil, 5).Int64())

	// Rounding never hands out more than the expectation allows.
	assert.Equal(t, int64(0), BufferDown(big.NewInt(1), 5).Int64())
	assert.Equal(t, int64(2), BufferUp(big.NewInt(1), 5).Int64())
}

func TestGuardsCarrySlippage(t *testing.T) {
	b := builderForTest(common.Address{})
	plan, position, pool := planForTest(t)

	set, err := b.Build(plan, position, pool, types.ZeroAmounts(), chain.Capabilities{})
	require.NoError(t, err)

	swap := set.Batches[1][0]
	assert.Equal(t, int64(475_000_000), swap.MinSwapOut.Int64())

	mint := set.Batches[2][0]
	assert.Equal(t, int64(1_050_000_000), mint.MaxAmountsIn.Amount0.Int64())
	assert.Equal(t, int64(1_050_000_000), mint.MaxAmountsIn.Amount1.Int64())
}
