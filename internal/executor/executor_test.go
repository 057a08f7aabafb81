package executor

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangekeeper/apm/internal/chain"
	"github.com/rangekeeper/apm/internal/planner"
	"github.com/rangekeeper/apm/internal/tickmath"
	"github.com/rangekeeper/apm/internal/types"
)

type fakeReader struct {
	pool      types.PoolState
	wallets   []types.TokenAmounts // consumed per WalletBalances call, last repeats
	positions map[uint64]types.Position
	owner     common.Address
	walletIdx int
}

func (f *fakeReader) PoolState(context.Context) (types.PoolState, error) { return f.pool, nil }

func (f *fakeReader) Position(_ context.Context, id uint64) (types.Position, error) {
	return f.positions[id], nil
}

func (f *fakeReader) PositionOwner(context.Context, uint64) (common.Address, error) {
	return f.owner, nil
}

func (f *fakeReader) WalletBalances(context.Context) (types.TokenAmounts, error) {
	if len(f.wallets) == 0 {
		return types.ZeroAmounts(), nil
	}
	w := f.wallets[f.walletIdx]
	if f.walletIdx < len(f.wallets)-1 {
		f.walletIdx++
	}
	return w, nil
}

func (f *fakeReader) FeesOwed(context.Context, uint64) (types.TokenAmounts, error) {
	return types.ZeroAmounts(), nil
}

type fakeSubmitter struct {
	reader    *fakeReader
	caps      chain.Capabilities
	failTypes map[types.ActionType]error
	submitted [][]types.Action
	nextID    uint64
	omitLog   bool // confirmed mint without the PositionMinted log
}

func (f *fakeSubmitter) Capabilities() chain.Capabilities { return f.caps }

func (f *fakeSubmitter) Submit(_ context.Context, batch []types.Action) (chain.Receipt, error) {
	f.submitted = append(f.submitted, batch)
	for _, action := range batch {
		if err, ok := f.failTypes[action.Type]; ok {
			return chain.Receipt{}, err
		}
	}
	receipt := chain.Receipt{
		TxHash:  common.BigToHash(big.NewInt(int64(len(f.submitted)))),
		GasUsed: 210_000,
	}
	for _, action := range batch {
		if action.Type != types.ActionMint {
			continue
		}
		id := f.nextID
		f.reader.positions[id] = types.Position{
			ID:        id,
			TickLower: action.TickLower,
			TickUpper: action.TickUpper,
			Liquidity: big.NewInt(1_000_000),
		}
		if !f.omitLog {
			receipt.Logs = append(receipt.Logs, chain.Log{
				Topics: []common.Hash{chain.PositionMintedTopic, common.BigToHash(big.NewInt(int64(id)))},
			})
		}
	}
	return receipt, nil
}

type stubPrices struct{}

func (stubPrices) USDPrice(_ context.Context, _ types.Token) (float64, error) { return 1, nil }

func poolAt(t *testing.T, tick int32) types.PoolState {
	t.Helper()
	sqrtPrice, err := tickmath.SqrtPriceAtTick(tick)
	require.NoError(t, err)
	return types.PoolState{SqrtPriceX96: sqrtPrice, Tick: tick, TickSpacing: 200, ObservedAt: time.Now()}
}

func testConfig() (types.PoolConfig, types.Parameters) {
	cfg := types.PoolConfig{
		Token0:      types.Token{Symbol: "TOKA", Decimals: 6},
		Token1:      types.Token{Symbol: "TOKB", Decimals: 6},
		TickSpacing: 200,
	}
	params := types.Parameters{
		PositionID:            7,
		RangeWidthPct:         20,
		DriftThresholdPct:     75,
		SlippageTolerancePct:  5,
		MaterialityFloorUSD:   0.01,
		RepriceThresholdTicks: 50,
		SettleWait:            0,
	}
	return cfg, params
}

func coordinatorForTest(t *testing.T, reader *fakeReader, submitter *fakeSubmitter) *Coordinator {
	t.Helper()
	cfg, params := testConfig()
	c := New(cfg, params, reader, submitter, planner.New(cfg, params, stubPrices{}))
	c.backoff = chain.BackoffPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func sequentialSet(withSwap bool) (types.ActionSet, *types.RebalancePlan) {
	plan := &types.RebalancePlan{
		NewTickLower:    -2000,
		NewTickUpper:    2000,
		SwapDirection:   types.SwapOneForZero,
		SwapAmountIn:    big.NewInt(500_000_000),
		SwapEstimateOut: big.NewInt(500_000_000),
		PostSwapAmounts: types.TokenAmounts{
			Amount0: big.NewInt(1_000_000_000),
			Amount1: big.NewInt(1_000_000_000),
		},
		NewLiquidity: big.NewInt(10_000_000_000),
	}
	batches := [][]types.Action{
		{{Type: types.ActionWithdraw, PositionID: 7, Liquidity: big.NewInt(9_000_000_000), MinAmountsOut: types.ZeroAmounts()}},
	}
	if withSwap {
		batches = append(batches, []types.Action{{
			Type: types.ActionSwap, SwapAmountIn: plan.SwapAmountIn, MinSwapOut: big.NewInt(1), RepriceBefore: true,
		}})
	}
	batches = append(batches, []types.Action{{
		Type: types.ActionMint, TickLower: -2000, TickUpper: 2000,
		Liquidity: plan.NewLiquidity, MaxAmountsIn: plan.PostSwapAmounts, RepriceBefore: true,
	}})
	return types.ActionSet{Encoding: types.EncodingSequential, Batches: batches}, plan
}

func atomicSet() (types.ActionSet, *types.RebalancePlan) {
	seq, plan := sequentialSet(true)
	batch := []types.Action{}
	for _, b := range seq.Batches {
		batch = append(batch, b...)
	}
	batch = append(batch,
		types.Action{Type: types.ActionSettle, SettleToken: 0},
		types.Action{Type: types.ActionSettle, SettleToken: 1},
	)
	return types.ActionSet{Encoding: types.EncodingAtomic, Batches: [][]types.Action{batch}}, plan
}

func TestAtomicSuccess(t *testing.T) {
	reader := &fakeReader{pool: poolAt(t, 0), positions: map[uint64]types.Position{}}
	submitter := &fakeSubmitter{reader: reader, nextID: 42}
	c := coordinatorForTest(t, reader, submitter)
	set, plan := atomicSet()

	out, err := c.Execute(context.Background(), set, plan, reader.pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), out.NewPositionID)
	assert.False(t, out.Degraded)
	require.Len(t, out.Steps, 1)
	assert.True(t, out.Steps[0].Succeeded)
	assert.Len(t, submitter.submitted, 1, "atomic plan is exactly one transaction")
}

func TestAtomicRevertLeavesOldPosition(t *testing.T) {
	reader := &fakeReader{pool: poolAt(t, 0), positions: map[uint64]types.Position{}}
	submitter := &fakeSubmitter{
		reader:    reader,
		nextID:    42,
		failTypes: map[types.ActionType]error{types.ActionWithdraw: chain.ErrReverted},
	}
	c := coordinatorForTest(t, reader, submitter)
	set, plan := atomicSet()

	out, err := c.Execute(context.Background(), set, plan, reader.pool)
	require.Error(t, err)
	assert.Equal(t, types.FailureRevert, out.Failure)
	assert.Zero(t, out.NewPositionID)
	assert.Len(t, submitter.submitted, 1, "nothing is retried after an atomic revert")
}

func TestSubmitFailuresKeepTheirClass(t *testing.T) {
	// An ownership or rate-limit error surfaced by the submitter must not be
	// reported as an on-chain revert.
	reader := &fakeReader{pool: poolAt(t, 0), positions: map[uint64]types.Position{}}
	submitter := &fakeSubmitter{
		reader:    reader,
		nextID:    42,
		failTypes: map[types.ActionType]error{types.ActionWithdraw: chain.ErrNotOwner},
	}
	c := coordinatorForTest(t, reader, submitter)

	set, plan := atomicSet()
	out, err := c.Execute(context.Background(), set, plan, reader.pool)
	require.ErrorIs(t, err, chain.ErrNotOwner)
	assert.Equal(t, types.FailureOwnership, out.Failure)

	submitter.failTypes = map[types.ActionType]error{types.ActionWithdraw: chain.ErrRateLimited}
	set, plan = sequentialSet(true)
	out, err = c.Execute(context.Background(), set, plan, reader.pool)
	require.ErrorIs(t, err, chain.ErrRateLimited)
	assert.Equal(t, types.FailureTransient, out.Failure)
	assert.Zero(t, out.NewPositionID)
}

func TestAtomicMissingPositionIDNeedsReconcile(t *testing.T) {
	reader := &fakeReader{pool: poolAt(t, 0), positions: map[uint64]types.Position{}}
	submitter := &fakeSubmitter{reader: reader, nextID: 42, omitLog: true}
	c := coordinatorForTest(t, reader, submitter)
	set, plan := atomicSet()

	out, err := c.Execute(context.Background(), set, plan, reader.pool)
	require.ErrorIs(t, err, chain.ErrNoPositionID)
	assert.Equal(t, types.FailureReconcile, out.Failure)
}

func TestSequentialHappyPath(t *testing.T) {
	reader := &fakeReader{
		pool:      poolAt(t, 0),
		positions: map[uint64]types.Position{},
		wallets: []types.TokenAmounts{
			// Post-withdraw: everything in token1, so the repriced swap
			// still sells token1.
			{Amount0: new(big.Int), Amount1: big.NewInt(2_000_000_000)},
			// Post-swap: balanced, ready to mint.
			{Amount0: big.NewInt(1_000_000_000), Amount1: big.NewInt(1_000_000_000)},
		},
	}
	submitter := &fakeSubmitter{reader: reader, nextID: 42}
	c := coordinatorForTest(t, reader, submitter)
	set, plan := sequentialSet(true)

	out, err := c.Execute(context.Background(), set, plan, reader.pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), out.NewPositionID)
	assert.False(t, out.Degraded)
	require.Len(t, submitter.submitted, 3)
	assert.Equal(t, types.ActionWithdraw, submitter.submitted[0][0].Type)
	assert.Equal(t, types.ActionSwap, submitter.submitted[1][0].Type)
	assert.Equal(t, types.ActionMint, submitter.submitted[2][0].Type)

	// The repriced swap sells the surplus token1.
	assert.False(t, submitter.submitted[1][0].ZeroForOne)

	// The repriced mint never asks for more than the wallet holds.
	mint := submitter.submitted[2][0]
	assert.LessOrEqual(t, mint.MaxAmountsIn.Amount0.Int64(), int64(1_000_000_000))
	assert.LessOrEqual(t, mint.MaxAmountsIn.Amount1.Int64(), int64(1_000_000_000))
	assert.Positive(t, mint.Liquidity.Sign())
}

func TestSequentialWithdrawFailureAbortsEverything(t *testing.T) {
	reader := &fakeReader{pool: poolAt(t, 0), positions: map[uint64]types.Position{}}
	submitter := &fakeSubmitter{
		reader:    reader,
		nextID:    42,
		failTypes: map[types.ActionType]error{types.ActionWithdraw: chain.ErrReverted},
	}
	c := coordinatorForTest(t, reader, submitter)
	set, plan := sequentialSet(true)

	out, err := c.Execute(context.Background(), set, plan, reader.pool)
	require.ErrorIs(t, err, chain.ErrReverted)
	assert.Equal(t, types.FailureRevert, out.Failure)
	assert.Len(t, submitter.submitted, 1, "nothing may run after a failed withdraw")
	assert.Zero(t, out.NewPositionID)
}

func TestSequentialSwapRevertDegradesMint(t *testing.T) {
	reader := &fakeReader{
		pool:      poolAt(t, 0),
		positions: map[uint64]types.Position{},
		wallets: []types.TokenAmounts{
			// Lopsided after the withdraw. The swap that would fix it fails,
			// so the mint runs at this ratio.
			{Amount0: big.NewInt(200_000_000), Amount1: big.NewInt(2_000_000_000)},
		},
	}
	submitter := &fakeSubmitter{
		reader:    reader,
		nextID:    42,
		failTypes: map[types.ActionType]error{types.ActionSwap: chain.ErrReverted},
	}
	c := coordinatorForTest(t, reader, submitter)
	set, plan := sequentialSet(true)

	out, err := c.Execute(context.Background(), set, plan, reader.pool)
	require.NoError(t, err, "a failed swap degrades the mint, it does not fail the run")
	assert.True(t, out.Degraded)
	assert.Equal(t, uint64(42), out.NewPositionID)

	// withdraw, failed swap, mint
	require.Len(t, submitter.submitted, 3)
	assert.Equal(t, types.ActionMint, submitter.submitted[2][0].Type)
}

func TestSequentialRepriceAdoptsNewRangeOnBigMove(t *testing.T) {
	// Planned at tick 0, but by swap time the pool reads tick 500, past the
	// 50-tick reprice threshold: the mint must use a range centered on 500.
	reader := &fakeReader{
		pool:      poolAt(t, 500),
		positions: map[uint64]types.Position{},
		wallets: []types.TokenAmounts{
			{Amount0: new(big.Int), Amount1: big.NewInt(2_000_000_000)},
			{Amount0: big.NewInt(1_000_000_000), Amount1: big.NewInt(1_000_000_000)},
		},
	}
	submitter := &fakeSubmitter{reader: reader, nextID: 43}
	c := coordinatorForTest(t, reader, submitter)
	set, plan := sequentialSet(true)

	plannedPool := poolAt(t, 0)
	out, err := c.Execute(context.Background(), set, plan, plannedPool)
	require.NoError(t, err)

	wantLower, wantUpper, err := planner.CenteredRange(500, 20, 200)
	require.NoError(t, err)
	mint := submitter.submitted[len(submitter.submitted)-1][0]
	assert.Equal(t, wantLower, mint.TickLower)
	assert.Equal(t, wantUpper, mint.TickUpper)
	assert.Equal(t, mint.TickLower, reader.positions[out.NewPositionID].TickLower)
}

func TestSequentialSmallMoveKeepsPlannedRange(t *testing.T) {
	reader := &fakeReader{
		pool:      poolAt(t, 20), // under the 50-tick threshold
		positions: map[uint64]types.Position{},
		wallets: []types.TokenAmounts{
			{Amount0: big.NewInt(1_000_000_000), Amount1: big.NewInt(1_000_000_000)},
		},
	}
	submitter := &fakeSubmitter{reader: reader, nextID: 44}
	c := coordinatorForTest(t, reader, submitter)
	set, plan := sequentialSet(true)

	_, err := c.Execute(context.Background(), set, plan, poolAt(t, 0))
	require.NoError(t, err)

	mint := submitter.submitted[len(submitter.submitted)-1][0]
	assert.Equal(t, int32(-2000), mint.TickLower)
	assert.Equal(t, int32(2000), mint.TickUpper)
}

func TestSequentialSkipsSwapWhenNoLongerNeeded(t *testing.T) {
	reader := &fakeReader{
		pool:      poolAt(t, 0),
		positions: map[uint64]types.Position{},
		wallets: []types.TokenAmounts{
			// Close enough to the target ratio that the residual imbalance
			// sits under the materiality floor: the repriced plan wants no
			// swap.
			{Amount0: big.NewInt(1_000_000), Amount1: big.NewInt(1_000_000)},
		},
	}
	submitter := &fakeSubmitter{reader: reader, nextID: 45}
	c := coordinatorForTest(t, reader, submitter)
	set, plan := sequentialSet(true)

	out, err := c.Execute(context.Background(), set, plan, reader.pool)
	require.NoError(t, err)
	assert.False(t, out.Degraded, "dropping an unnecessary swap is not a degradation")
	require.Len(t, submitter.submitted, 2)
	assert.Equal(t, types.ActionWithdraw, submitter.submitted[0][0].Type)
	assert.Equal(t, types.ActionMint, submitter.submitted[1][0].Type)
}

func TestSequentialSweepFailureIsDegradedNotFatal(t *testing.T) {
	reader := &fakeReader{
		pool:      poolAt(t, 0),
		positions: map[uint64]types.Position{},
		wallets: []types.TokenAmounts{
			{Amount0: big.NewInt(1_000_000_000), Amount1: big.NewInt(1_000_000_000)},
		},
	}
	submitter := &fakeSubmitter{
		reader:    reader,
		nextID:    46,
		failTypes: map[types.ActionType]error{types.ActionSweep: chain.ErrReverted},
	}
	c := coordinatorForTest(t, reader, submitter)
	set, plan := sequentialSet(false)
	set.Batches = append(set.Batches, []types.Action{{
		Type: types.ActionSweep, SweepTo: common.HexToAddress("0xaa"),
	}})

	out, err := c.Execute(context.Background(), set, plan, reader.pool)
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Equal(t, uint64(46), out.NewPositionID)
}
