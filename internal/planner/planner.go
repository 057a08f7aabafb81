// Package planner turns a drift trigger into a rebalance plan: a new tick
// range centered on the current price, the optimal token ratio for that
// range, and the minimal swap needed to reach the ratio from current
// holdings.
package planner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/rs/zerolog"

	"github.com/rangekeeper/apm/internal/chain"
	"github.com/rangekeeper/apm/internal/liquidity"
	"github.com/rangekeeper/apm/internal/logger"
	"github.com/rangekeeper/apm/internal/tickmath"
	"github.com/rangekeeper/apm/internal/types"
	"github.com/rangekeeper/apm/internal/utils"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidRange    = errors.New("rounding collapsed the new range")
	ErrNoPriceData     = errors.New("token price unavailable or zero")
	ErrInvalidHoldings = errors.New("holdings contain invalid amounts")
)

// ratioProbeLiquidity is the unit liquidity used to estimate a new range's
// per-unit token requirements. The ratio only needs the proportion between
// the two per-unit amounts, so any sufficiently large probe works; accuracy
// under extreme price skew is bounded by integer flooring at the probe size.
var ratioProbeLiquidity = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Planner computes rebalance plans for one pool. Prices come from the
// injected source; a missing or zero price is a hard stop, never a guess.
type Planner struct {
	cfg    types.PoolConfig
	params types.Parameters
	prices chain.PriceSource
	logger zerolog.Logger
}

// New returns a planner bound to one pool configuration.
func New(cfg types.PoolConfig, params types.Parameters, prices chain.PriceSource) *Planner {
	return &Planner{
		cfg:    cfg,
		params: params,
		prices: prices,
		logger: logger.GetForComponent("rebalance_planner"),
	}
}

// BuildPlan produces a rebalance plan from a fresh pool snapshot and the
// total holdings available for the new position (wallet balances plus the
// amounts a full withdrawal of the old position is expected to recover).
func (p *Planner) BuildPlan(ctx context.Context, pool types.PoolState, holdings types.TokenAmounts) (*types.RebalancePlan, error) {
	if holdings.Amount0 == nil || holdings.Amount1 == nil ||
		holdings.Amount0.Sign() < 0 || holdings.Amount1.Sign() < 0 {
		return nil, ErrInvalidHoldings
	}

	newLower, newUpper, err := CenteredRange(pool.Tick, p.params.RangeWidthPct, pool.TickSpacing)
	if err != nil {
		return nil, err
	}

	price0, price1, err := p.tokenPrices(ctx)
	if err != nil {
		return nil, err
	}

	ratio0, err := OptimalRatio0(pool.SqrtPriceX96, newLower, newUpper, price0, price1, p.cfg.Token0.Decimals, p.cfg.Token1.Decimals)
	if err != nil {
		return nil, err
	}

	plan := &types.RebalancePlan{
		NewTickLower: newLower,
		NewTickUpper: newUpper,
		TargetRatio0: ratio0,
	}

	swap, err := SwapToRatio(holdings, ratio0, price0, price1,
		p.cfg.Token0.Decimals, p.cfg.Token1.Decimals, p.params.MaterialityFloorUSD)
	if err != nil {
		return nil, err
	}
	plan.SwapDirection = swap.Direction
	plan.SwapAmountIn = swap.AmountIn
	plan.SwapEstimateOut = swap.EstimateOut
	plan.PostSwapAmounts = swap.PostSwap

	sqrtLower, err := tickmath.SqrtPriceAtTick(newLower)
	if err != nil {
		return nil, err
	}
	sqrtUpper, err := tickmath.SqrtPriceAtTick(newUpper)
	if err != nil {
		return nil, err
	}
	plan.NewLiquidity = liquidity.LiquidityForAmounts(
		pool.SqrtPriceX96, sqrtLower, sqrtUpper, swap.PostSwap.Amount0, swap.PostSwap.Amount1)

	p.logger.Info().
		Int32("newTickLower", newLower).
		Int32("newTickUpper", newUpper).
		Float64("targetRatio0", ratio0).
		Str("swapDirection", string(plan.SwapDirection)).
		Str("newLiquidity", plan.NewLiquidity.String()).
		Msg("Rebalance plan computed")

	return plan, nil
}

// tokenPrices fetches both USD prices and refuses to proceed on missing or
// zero data rather than risk a ratio that burns the position in a bad swap.
func (p *Planner) tokenPrices(ctx context.Context) (float64, float64, error) {
	price0, err := p.prices.USDPrice(ctx, p.cfg.Token0)
	if err != nil {
		return 0, 0, errors.Join(ErrNoPriceData, fmt.Errorf("token0 %s: %w", p.cfg.Token0.Symbol, err))
	}
	price1, err := p.prices.USDPrice(ctx, p.cfg.Token1)
	if err != nil {
		return 0, 0, errors.Join(ErrNoPriceData, fmt.Errorf("token1 %s: %w", p.cfg.Token1.Symbol, err))
	}
	if price0 <= 0 || math.IsNaN(price0) || math.IsInf(price0, 0) {
		return 0, 0, errors.Join(ErrNoPriceData, fmt.Errorf("token0 %s price is %f", p.cfg.Token0.Symbol, price0))
	}
	if price1 <= 0 || math.IsNaN(price1) || math.IsInf(price1, 0) {
		return 0, 0, errors.Join(ErrNoPriceData, fmt.Errorf("token1 %s price is %f", p.cfg.Token1.Symbol, price1))
	}
	return price0, price1, nil
}

// CenteredRange computes a new tick range centered on the current tick. The
// half-width is the tick equivalent of a ±widthPct price move, rounded
// outward (floor lower, ceil upper) to multiples of spacing and clamped to
// the protocol tick bounds.
func CenteredRange(tick int32, widthPct float64, spacing int32) (int32, int32, error) {
	if spacing <= 0 {
		return 0, 0, fmt.Errorf("%w: tick spacing %d", ErrInvalidRange, spacing)
	}

	offset := int32(math.Ceil(tickmath.TicksForPriceChangePct(widthPct)))
	lower := tickmath.FloorToSpacing(tick-offset, spacing)
	upper := tickmath.CeilToSpacing(tick+offset, spacing)

	if minAligned := tickmath.CeilToSpacing(tickmath.MinTick, spacing); lower < minAligned {
		lower = minAligned
	}
	if maxAligned := tickmath.FloorToSpacing(tickmath.MaxTick, spacing); upper > maxAligned {
		upper = maxAligned
	}

	if lower >= upper {
		return 0, 0, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, lower, upper)
	}
	return lower, upper, nil
}

// OptimalRatio0 returns the fraction of total position value that should be
// held as token0 for the given range at the given price. It prices the two
// per-unit token requirements of a probe liquidity over the range; below the
// range this is 1 (all token0), above it 0.
func OptimalRatio0(sqrtPriceX96 *big.Int, tickLower, tickUpper int32, price0, price1 float64, decimals0, decimals1 int) (float64, error) {
	sqrtLower, err := tickmath.SqrtPriceAtTick(tickLower)
	if err != nil {
		return 0, err
	}
	sqrtUpper, err := tickmath.SqrtPriceAtTick(tickUpper)
	if err != nil {
		return 0, err
	}

	perUnit := liquidity.AmountsForLiquidity(ratioProbeLiquidity, sqrtPriceX96, sqrtLower, sqrtUpper)

	value0, err := valueUSD(perUnit.Amount0, decimals0, price0)
	if err != nil {
		return 0, err
	}
	value1, err := valueUSD(perUnit.Amount1, decimals1, price1)
	if err != nil {
		return 0, err
	}

	total := value0 + value1
	if total <= 0 {
		return 0, fmt.Errorf("%w: probe liquidity prices to zero value", ErrInvalidRange)
	}
	return value0 / total, nil
}

// SwapQuote is the minimal swap that moves holdings to a target ratio.
type SwapQuote struct {
	Direction   types.SwapDirection
	AmountIn    *big.Int
	EstimateOut *big.Int
	PostSwap    types.TokenAmounts
}

// SwapToRatio computes the swap needed so that token0 holds ratio0 of total
// value. Imbalances below floorUSD are left alone: a dust-sized swap costs
// more in fees than it fixes.
func SwapToRatio(holdings types.TokenAmounts, ratio0, price0, price1 float64, decimals0, decimals1 int, floorUSD float64) (SwapQuote, error) {
	quote := SwapQuote{
		Direction:   types.SwapNone,
		AmountIn:    new(big.Int),
		EstimateOut: new(big.Int),
		PostSwap: types.TokenAmounts{
			Amount0: new(big.Int).Set(holdings.Amount0),
			Amount1: new(big.Int).Set(holdings.Amount1),
		},
	}

	value0, err := valueUSD(holdings.Amount0, decimals0, price0)
	if err != nil {
		return quote, err
	}
	value1, err := valueUSD(holdings.Amount1, decimals1, price1)
	if err != nil {
		return quote, err
	}

	deltaUSD := ratio0*(value0+value1) - value0
	if math.Abs(deltaUSD) < floorUSD {
		return quote, nil
	}

	if deltaUSD > 0 {
		// Short on token0: sell token1.
		amountIn, err := utils.FloatToAmount(deltaUSD/price1, decimals1)
		if err != nil {
			return quote, err
		}
		if amountIn.Cmp(holdings.Amount1) > 0 {
			amountIn = new(big.Int).Set(holdings.Amount1)
		}
		// Estimate the output from what actually goes in, so a capped input
		// cannot overstate the post-swap holdings.
		inQty, err := utils.AmountToFloat(amountIn, decimals1)
		if err != nil {
			return quote, err
		}
		estimateOut, err := utils.FloatToAmount(inQty*price1/price0, decimals0)
		if err != nil {
			return quote, err
		}
		quote.Direction = types.SwapOneForZero
		quote.AmountIn = amountIn
		quote.EstimateOut = estimateOut
		quote.PostSwap.Amount0.Add(quote.PostSwap.Amount0, estimateOut)
		quote.PostSwap.Amount1.Sub(quote.PostSwap.Amount1, amountIn)
	} else {
		// Long on token0: sell token0.
		amountIn, err := utils.FloatToAmount(-deltaUSD/price0, decimals0)
		if err != nil {
			return quote, err
		}
		if amountIn.Cmp(holdings.Amount0) > 0 {
			amountIn = new(big.Int).Set(holdings.Amount0)
		}
		inQty, err := utils.AmountToFloat(amountIn, decimals0)
		if err != nil {
			return quote, err
		}
		estimateOut, err := utils.FloatToAmount(inQty*price0/price1, decimals1)
		if err != nil {
			return quote, err
		}
		quote.Direction = types.SwapZeroForOne
		quote.AmountIn = amountIn
		quote.EstimateOut = estimateOut
		quote.PostSwap.Amount0.Sub(quote.PostSwap.Amount0, amountIn)
		quote.PostSwap.Amount1.Add(quote.PostSwap.Amount1, estimateOut)
	}

	if quote.PostSwap.Amount0.Sign() < 0 {
		quote.PostSwap.Amount0.SetInt64(0)
	}
	if quote.PostSwap.Amount1.Sign() < 0 {
		quote.PostSwap.Amount1.SetInt64(0)
	}
	return quote, nil
}

func valueUSD(amount *big.Int, decimals int, price float64) (float64, error) {
	qty, err := utils.AmountToFloat(amount, decimals)
	if err != nil {
		return 0, err
	}
	return qty * price, nil
}
