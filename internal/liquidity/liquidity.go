// Package liquidity implements the concentrated-liquidity invariant math:
// liquidity from token amounts and token amounts from liquidity, over a
// Q64.96 sqrt price range. All results round down so a computed withdrawal
// never overestimates what a position can actually redeem.
package liquidity

import (
	"math/big"

	"github.com/rangekeeper/apm/internal/types"
)

var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

// mulDiv computes a*b/den with full intermediate precision, flooring.
func mulDiv(a, b, den *big.Int) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(a, b), den)
}

// orderBounds returns the range bounds sorted ascending.
func orderBounds(sqrtA, sqrtB *big.Int) (*big.Int, *big.Int) {
	if sqrtA.Cmp(sqrtB) > 0 {
		return sqrtB, sqrtA
	}
	return sqrtA, sqrtB
}

func liquidityForAmount0(sqrtA, sqrtB, amount0 *big.Int) *big.Int {
	sqrtA, sqrtB = orderBounds(sqrtA, sqrtB)
	intermediate := mulDiv(sqrtA, sqrtB, q96)
	return mulDiv(amount0, intermediate, new(big.Int).Sub(sqrtB, sqrtA))
}

func liquidityForAmount1(sqrtA, sqrtB, amount1 *big.Int) *big.Int {
	sqrtA, sqrtB = orderBounds(sqrtA, sqrtB)
	return mulDiv(amount1, q96, new(big.Int).Sub(sqrtB, sqrtA))
}

// LiquidityForAmounts returns the maximum liquidity the given token amounts
// can fund over [sqrtLower, sqrtUpper] at the current sqrt price. The binding
// constraint depends on where the price sits relative to the range: below it
// only token0 matters, above it only token1, inside it the minimum of both.
// Degenerate ranges and zero amounts yield zero. Bounds given out of order
// are swapped.
func LiquidityForAmounts(sqrtPrice, sqrtLower, sqrtUpper, amount0, amount1 *big.Int) *big.Int {
	sqrtLower, sqrtUpper = orderBounds(sqrtLower, sqrtUpper)
	if sqrtLower.Cmp(sqrtUpper) == 0 {
		return new(big.Int)
	}
	if amount0 == nil {
		amount0 = new(big.Int)
	}
	if amount1 == nil {
		amount1 = new(big.Int)
	}

	switch {
	case sqrtPrice.Cmp(sqrtLower) <= 0:
		return liquidityForAmount0(sqrtLower, sqrtUpper, amount0)
	case sqrtPrice.Cmp(sqrtUpper) < 0:
		liquidity0 := liquidityForAmount0(sqrtPrice, sqrtUpper, amount0)
		liquidity1 := liquidityForAmount1(sqrtLower, sqrtPrice, amount1)
		if liquidity0.Cmp(liquidity1) < 0 {
			return liquidity0
		}
		return liquidity1
	default:
		return liquidityForAmount1(sqrtLower, sqrtUpper, amount1)
	}
}

func amount0ForLiquidity(sqrtA, sqrtB, liq *big.Int) *big.Int {
	sqrtA, sqrtB = orderBounds(sqrtA, sqrtB)
	numerator := new(big.Int).Lsh(liq, 96)
	diff := new(big.Int).Sub(sqrtB, sqrtA)
	return new(big.Int).Div(mulDiv(numerator, diff, sqrtB), sqrtA)
}

func amount1ForLiquidity(sqrtA, sqrtB, liq *big.Int) *big.Int {
	sqrtA, sqrtB = orderBounds(sqrtA, sqrtB)
	return mulDiv(liq, new(big.Int).Sub(sqrtB, sqrtA), q96)
}

// AmountsForLiquidity is the inverse of LiquidityForAmounts: the token
// amounts a position of the given liquidity holds over [sqrtLower,
// sqrtUpper] at the current sqrt price. Used to estimate what a withdrawal
// recovers. Results round down and are never negative; zero liquidity or a
// degenerate range yields zero amounts.
func AmountsForLiquidity(liq, sqrtPrice, sqrtLower, sqrtUpper *big.Int) types.TokenAmounts {
	amounts := types.ZeroAmounts()
	sqrtLower, sqrtUpper = orderBounds(sqrtLower, sqrtUpper)
	if liq == nil || liq.Sign() <= 0 || sqrtLower.Cmp(sqrtUpper) == 0 {
		return amounts
	}

	switch {
	case sqrtPrice.Cmp(sqrtLower) <= 0:
		amounts.Amount0 = amount0ForLiquidity(sqrtLower, sqrtUpper, liq)
	case sqrtPrice.Cmp(sqrtUpper) < 0:
		amounts.Amount0 = amount0ForLiquidity(sqrtPrice, sqrtUpper, liq)
		amounts.Amount1 = amount1ForLiquidity(sqrtLower, sqrtPrice, liq)
	default:
		amounts.Amount1 = amount1ForLiquidity(sqrtLower, sqrtUpper, liq)
	}
	return amounts
}
