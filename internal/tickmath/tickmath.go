// Package tickmath converts between a pool's discrete tick index and its
// Q64.96 square-root price representation (price = 1.0001^tick). All on-chain
// amounts are computed over big.Int; floating point appears only in the
// reporting helpers at the bottom of this file.
package tickmath

import (
	"errors"
	"math"
	"math/big"
)

const (
	// MinTick and MaxTick are the protocol bounds of the tick domain.
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var (
	ErrTickOutOfBounds      = errors.New("tick out of bounds")
	ErrSqrtPriceOutOfBounds = errors.New("sqrt price out of bounds")

	// MinSqrtPriceX96 is the sqrt price at MinTick.
	MinSqrtPriceX96 = big.NewInt(4295128739)
	// MaxSqrtPriceX96 is the sqrt price at MaxTick.
	MaxSqrtPriceX96 = hexBig("fffd8963efd1fc6a506488495d951d5263988d26")

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	q32Mask    = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 32), big.NewInt(1))

	// sqrt(1.0001^-2^i) * 2^128 for i = 0..19, used by repeated squaring.
	magicFactors = []*big.Int{
		hexBig("fffcb933bd6fad37aa2d162d1a594001"),
		hexBig("fff97272373d413259a46990580e213a"),
		hexBig("fff2e50f5f656932ef12357cf3c7fdcc"),
		hexBig("ffe5caca7e10e4e61c3624eaa0941cd0"),
		hexBig("ffcb9843d60f6159c9db58835c926644"),
		hexBig("ff973b41fa98c081472e6896dfb254c0"),
		hexBig("ff2ea16466c96a3843ec78b326b52861"),
		hexBig("fe5dee046a99a2a811c461f1969c3053"),
		hexBig("fcbe86c7900a88aedcffc83b479aa3a4"),
		hexBig("f987a7253ac413176f2b074cf7815e54"),
		hexBig("f3392b0822b70005940c7a398e4b70f3"),
		hexBig("e7159475a2c29b7443b29c7fa6e889d9"),
		hexBig("d097f3bdfd2022b8845ad8f792aa5825"),
		hexBig("a9f746462d870fdf8a65dc1f90e061e5"),
		hexBig("70d869a156d2a1b890bb3df62baf32f7"),
		hexBig("31be135f97d08fd981231505542fcfa6"),
		hexBig("9aa508b5b7a84e1c677de54f3e99bc9"),
		hexBig("5d6af8dedb81196699c329225ee604"),
		hexBig("2216e584f5fa1ea926041bedfe98"),
		hexBig("48a170391f7dc42444e8fa2"),
	}

	q128 = new(big.Int).Lsh(big.NewInt(1), 128)
)

func hexBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("tickmath: bad hex constant " + s)
	}
	return n
}

// mulShift multiplies two 256-bit values and right-shifts the product by 128.
func mulShift(a, b *big.Int) *big.Int {
	return new(big.Int).Rsh(new(big.Int).Mul(a, b), 128)
}

// SqrtPriceAtTick returns sqrt(1.0001^tick) * 2^96. Strictly increasing in
// tick. Ticks outside [MinTick, MaxTick] fail with ErrTickOutOfBounds.
func SqrtPriceAtTick(tick int32) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, ErrTickOutOfBounds
	}

	absTick := uint32(tick)
	if tick < 0 {
		absTick = uint32(-int64(tick))
	}

	ratio := new(big.Int).Set(q128)
	if absTick&1 != 0 {
		ratio = new(big.Int).Set(magicFactors[0])
	}
	for i := 1; i < len(magicFactors); i++ {
		if absTick&(1<<uint(i)) != 0 {
			ratio = mulShift(ratio, magicFactors[i])
		}
	}

	// The factor table encodes negative exponents; positive ticks take the
	// reciprocal.
	if tick > 0 {
		ratio = new(big.Int).Div(maxUint256, ratio)
	}

	// Q128 -> Q96, rounding up so the inverse always rounds consistently.
	sqrtPrice := new(big.Int).Rsh(ratio, 32)
	if new(big.Int).And(ratio, q32Mask).Sign() != 0 {
		sqrtPrice.Add(sqrtPrice, big.NewInt(1))
	}
	return sqrtPrice, nil
}

// TickAtSqrtPrice returns the greatest tick whose sqrt price is less than or
// equal to the input, so round-tripping SqrtPriceAtTick recovers the tick
// exactly. Inputs outside [MinSqrtPriceX96, MaxSqrtPriceX96) fail with
// ErrSqrtPriceOutOfBounds.
func TickAtSqrtPrice(sqrtPriceX96 *big.Int) (int32, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Cmp(MinSqrtPriceX96) < 0 || sqrtPriceX96.Cmp(MaxSqrtPriceX96) >= 0 {
		return 0, ErrSqrtPriceOutOfBounds
	}

	lo, hi := MinTick, MaxTick
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		sqrtAtMid, err := SqrtPriceAtTick(mid)
		if err != nil {
			return 0, err
		}
		if sqrtAtMid.Cmp(sqrtPriceX96) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// FloorToSpacing rounds a tick down to the nearest multiple of spacing.
func FloorToSpacing(tick, spacing int32) int32 {
	q := tick / spacing
	if tick%spacing != 0 && tick < 0 {
		q--
	}
	return q * spacing
}

// CeilToSpacing rounds a tick up to the nearest multiple of spacing.
func CeilToSpacing(tick, spacing int32) int32 {
	q := tick / spacing
	if tick%spacing != 0 && tick > 0 {
		q++
	}
	return q * spacing
}

// Reporting helpers. Floating point only; never used for on-chain amounts.

// PriceAtTick returns 1.0001^tick as a float for human-readable output.
func PriceAtTick(tick int32) float64 {
	return math.Pow(1.0001, float64(tick))
}

// PriceFromSqrtPriceX96 converts a Q64.96 sqrt price to a float price.
func PriceFromSqrtPriceX96(sqrtPriceX96 *big.Int) float64 {
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(sqrtPriceX96),
		new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 96)),
	).Float64()
	return f * f
}

// TicksForPriceChangePct returns how many ticks correspond to a relative
// price move of pct percent (e.g. 20 -> ~1823.2 ticks).
func TicksForPriceChangePct(pct float64) float64 {
	return math.Log1p(pct/100) / math.Log(1.0001)
}
