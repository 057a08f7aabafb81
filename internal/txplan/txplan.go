// Package txplan encodes a rebalance plan into an ordered set of submittable
// action batches. It picks between the atomic encoding (one netted
// transaction, when the venue supports flash-accounting batches and the
// wallet can cover the worst-case net funding) and the sequential encoding
// (withdraw, swap, mint as separate transactions with repricing between
// them).
package txplan

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/rangekeeper/apm/internal/chain"
	"github.com/rangekeeper/apm/internal/liquidity"
	"github.com/rangekeeper/apm/internal/logger"
	"github.com/rangekeeper/apm/internal/tickmath"
	"github.com/rangekeeper/apm/internal/types"
)

var (
	// ErrNothingToMint means the plan carries zero new liquidity, so there
	// is no position to open and no sensible transaction to build.
	ErrNothingToMint = errors.New("plan has zero new liquidity")
)

// Builder encodes rebalance plans for one pool.
type Builder struct {
	cfg    types.PoolConfig
	params types.Parameters
	logger zerolog.Logger
}

// New returns a builder bound to one pool configuration.
func New(cfg types.PoolConfig, params types.Parameters) *Builder {
	return &Builder{
		cfg:    cfg,
		params: params,
		logger: logger.GetForComponent("txplan_builder"),
	}
}

// Build encodes the plan. The atomic encoding is chosen only when the venue
// declares batch support AND the wallet's current balances cover the
// worst-case net token delta of the netted transaction; it is never attempted
// speculatively. Everything else uses the sequential encoding.
func (b *Builder) Build(plan *types.RebalancePlan, position types.Position, pool types.PoolState, wallet types.TokenAmounts, caps chain.Capabilities) (types.ActionSet, error) {
	if plan.NewLiquidity == nil || plan.NewLiquidity.Sign() == 0 {
		return types.ActionSet{}, ErrNothingToMint
	}

	withdrawOut, err := b.expectedWithdraw(position, pool)
	if err != nil {
		return types.ActionSet{}, err
	}

	if caps.AtomicBatch {
		ok, err := b.atomicFeasible(plan, pool, wallet, withdrawOut)
		if err != nil {
			return types.ActionSet{}, err
		}
		if ok {
			set := b.buildAtomic(plan, position, withdrawOut)
			b.logger.Info().
				Int("actions", len(set.Batches[0])).
				Msg("Encoded atomic rebalance transaction")
			return set, nil
		}
		b.logger.Warn().Msg("Atomic batch supported but wallet cannot cover worst-case net delta, falling back to sequential encoding")
	}

	set := b.buildSequential(plan, position, withdrawOut)
	b.logger.Info().
		Int("transactions", len(set.Batches)).
		Msg("Encoded sequential rebalance transactions")
	return set, nil
}

// expectedWithdraw estimates the token amounts a full withdrawal of the
// position recovers at the current price. Zero liquidity recovers nothing.
func (b *Builder) expectedWithdraw(position types.Position, pool types.PoolState) (types.TokenAmounts, error) {
	if position.Liquidity == nil || position.Liquidity.Sign() == 0 {
		return types.ZeroAmounts(), nil
	}
	sqrtLower, err := tickmath.SqrtPriceAtTick(position.TickLower)
	if err != nil {
		return types.ZeroAmounts(), fmt.Errorf("position lower tick: %w", err)
	}
	sqrtUpper, err := tickmath.SqrtPriceAtTick(position.TickUpper)
	if err != nil {
		return types.ZeroAmounts(), fmt.Errorf("position upper tick: %w", err)
	}
	return liquidity.AmountsForLiquidity(position.Liquidity, pool.SqrtPriceX96, sqrtLower, sqrtUpper), nil
}

// atomicFeasible checks that, per token, the discounted mint does not need
// more than the wallet plus the guaranteed floor of the withdraw and swap
// legs provide. Receive legs are shrunk by the slippage buffer; the mint
// itself is sized under plan (see buildAtomic) so the buffer has room.
func (b *Builder) atomicFeasible(plan *types.RebalancePlan, pool types.PoolState, wallet types.TokenAmounts, withdrawOut types.TokenAmounts) (bool, error) {
	sqrtLower, err := tickmath.SqrtPriceAtTick(plan.NewTickLower)
	if err != nil {
		return false, fmt.Errorf("plan lower tick: %w", err)
	}
	sqrtUpper, err := tickmath.SqrtPriceAtTick(plan.NewTickUpper)
	if err != nil {
		return false, fmt.Errorf("plan upper tick: %w", err)
	}

	slip := b.params.SlippageTolerancePct
	mintNeed := liquidity.AmountsForLiquidity(b.atomicMintLiquidity(plan), pool.SqrtPriceX96, sqrtLower, sqrtUpper)

	avail0 := new(big.Int).Add(wallet.Amount0, BufferDown(withdrawOut.Amount0, slip))
	avail1 := new(big.Int).Add(wallet.Amount1, BufferDown(withdrawOut.Amount1, slip))

	switch plan.SwapDirection {
	case types.SwapZeroForOne:
		avail0.Sub(avail0, plan.SwapAmountIn)
		avail1.Add(avail1, BufferDown(plan.SwapEstimateOut, slip))
	case types.SwapOneForZero:
		avail1.Sub(avail1, plan.SwapAmountIn)
		avail0.Add(avail0, BufferDown(plan.SwapEstimateOut, slip))
	}

	return avail0.Cmp(mintNeed.Amount0) >= 0 && avail1.Cmp(mintNeed.Amount1) >= 0, nil
}

// atomicMintLiquidity discounts the planned liquidity by the slippage
// tolerance. Minting the full plan would leave no room for the swap and
// withdraw legs to come in light; the shortfall settles back to the wallet
// instead of reverting the batch.
func (b *Builder) atomicMintLiquidity(plan *types.RebalancePlan) *big.Int {
	return BufferDown(plan.NewLiquidity, b.params.SlippageTolerancePct)
}

// buildAtomic produces the single netted batch: withdraw, swap, mint, then
// settle both tokens so the flash-accounting balance nets to the wallet.
func (b *Builder) buildAtomic(plan *types.RebalancePlan, position types.Position, withdrawOut types.TokenAmounts) types.ActionSet {
	slip := b.params.SlippageTolerancePct
	batch := make([]types.Action, 0, 6)

	if position.Liquidity != nil && position.Liquidity.Sign() > 0 {
		batch = append(batch, types.Action{
			Type:       types.ActionWithdraw,
			PositionID: position.ID,
			Liquidity:  new(big.Int).Set(position.Liquidity),
			MinAmountsOut: types.TokenAmounts{
				Amount0: BufferDown(withdrawOut.Amount0, slip),
				Amount1: BufferDown(withdrawOut.Amount1, slip),
			},
		})
	}

	if swap := b.swapAction(plan); swap != nil {
		batch = append(batch, *swap)
	}

	batch = append(batch, types.Action{
		Type:      types.ActionMint,
		TickLower: plan.NewTickLower,
		TickUpper: plan.NewTickUpper,
		Liquidity: b.atomicMintLiquidity(plan),
		MaxAmountsIn: types.TokenAmounts{
			Amount0: BufferUp(plan.PostSwapAmounts.Amount0, slip),
			Amount1: BufferUp(plan.PostSwapAmounts.Amount1, slip),
		},
	})

	batch = append(batch,
		types.Action{Type: types.ActionSettle, SettleToken: 0},
		types.Action{Type: types.ActionSettle, SettleToken: 1},
	)

	return types.ActionSet{Encoding: types.EncodingAtomic, Batches: [][]types.Action{batch}}
}

// buildSequential produces one batch per transaction: withdraw first, then a
// swap and a mint that are both repriced from fresh state and actual
// balances just before submission. An optional sweep closes the sequence.
func (b *Builder) buildSequential(plan *types.RebalancePlan, position types.Position, withdrawOut types.TokenAmounts) types.ActionSet {
	slip := b.params.SlippageTolerancePct
	batches := make([][]types.Action, 0, 4)

	if position.Liquidity != nil && position.Liquidity.Sign() > 0 {
		batches = append(batches, []types.Action{{
			Type:       types.ActionWithdraw,
			PositionID: position.ID,
			Liquidity:  new(big.Int).Set(position.Liquidity),
			MinAmountsOut: types.TokenAmounts{
				Amount0: BufferDown(withdrawOut.Amount0, slip),
				Amount1: BufferDown(withdrawOut.Amount1, slip),
			},
		}})
	}

	if swap := b.swapAction(plan); swap != nil {
		swap.RepriceBefore = true
		batches = append(batches, []types.Action{*swap})
	}

	batches = append(batches, []types.Action{{
		Type:      types.ActionMint,
		TickLower: plan.NewTickLower,
		TickUpper: plan.NewTickUpper,
		Liquidity: new(big.Int).Set(plan.NewLiquidity),
		MaxAmountsIn: types.TokenAmounts{
			Amount0: BufferUp(plan.PostSwapAmounts.Amount0, slip),
			Amount1: BufferUp(plan.PostSwapAmounts.Amount1, slip),
		},
		RepriceBefore: true,
	}})

	if b.params.HarvestAddress != (common.Address{}) {
		batches = append(batches, []types.Action{{
			Type:    types.ActionSweep,
			SweepTo: b.params.HarvestAddress,
		}})
	}

	return types.ActionSet{Encoding: types.EncodingSequential, Batches: batches}
}

// swapAction returns the plan's swap as an action, or nil when the plan
// needs no swap.
func (b *Builder) swapAction(plan *types.RebalancePlan) *types.Action {
	if plan.SwapDirection == types.SwapNone || plan.SwapAmountIn == nil || plan.SwapAmountIn.Sign() == 0 {
		return nil
	}
	return &types.Action{
		Type:         types.ActionSwap,
		ZeroForOne:   plan.SwapDirection == types.SwapZeroForOne,
		SwapAmountIn: new(big.Int).Set(plan.SwapAmountIn),
		MinSwapOut:   BufferDown(plan.SwapEstimateOut, b.params.SlippageTolerancePct),
	}
}

// BufferDown shrinks an expected amount by the slippage tolerance, flooring.
// Used on everything we receive.
func BufferDown(amount *big.Int, slippagePct float64) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	bps := big.NewInt(10000 - int64(slippagePct*100))
	out := new(big.Int).Mul(amount, bps)
	return out.Quo(out, big.NewInt(10000))
}

// BufferUp grows an expected amount by the slippage tolerance, rounding up.
// Used on everything we spend.
func BufferUp(amount *big.Int, slippagePct float64) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	bps := big.NewInt(10000 + int64(slippagePct*100))
	out := new(big.Int).Mul(amount, bps)
	out.Add(out, big.NewInt(9999))
	return out.Quo(out, big.NewInt(10000))
}
