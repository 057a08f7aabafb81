package tickmath

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSqrtPriceAtTickKnownValues(t *testing.T) {
	q96 := new(big.Int).Lsh(big.NewInt(1), 96)

	got, err := SqrtPriceAtTick(0)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(q96), "tick 0 must map to exactly 2^96")

	got, err = SqrtPriceAtTick(MinTick)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(MinSqrtPriceX96))

	got, err = SqrtPriceAtTick(MaxTick)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(MaxSqrtPriceX96))
}

func TestSqrtPriceAtTickBounds(t *testing.T) {
	_, err := SqrtPriceAtTick(MinTick - 1)
	assert.ErrorIs(t, err, ErrTickOutOfBounds)

	_, err = SqrtPriceAtTick(MaxTick + 1)
	assert.ErrorIs(t, err, ErrTickOutOfBounds)
}

func TestSqrtPriceAtTickMonotonic(t *testing.T) {
	ticks := []int32{
		MinTick, -500000, -120000, -50001, -200, -1, 0, 1, 199, 200,
		50001, 100000, 110200, 120000, 500000, MaxTick,
	}
	prev, err := SqrtPriceAtTick(ticks[0])
	require.NoError(t, err)
	for _, tick := range ticks[1:] {
		cur, err := SqrtPriceAtTick(tick)
		require.NoError(t, err)
		assert.Equal(t, 1, cur.Cmp(prev), "sqrt price must strictly increase at tick %d", tick)
		prev = cur
	}
}

func TestTickSqrtPriceRoundTrip(t *testing.T) {
	ticks := []int32{
		MinTick, -887271, -123456, -10000, -199, -1, 0, 1, 200,
		10000, 100000, 110200, 119000, 123456, 887271,
	}
	for _, tick := range ticks {
		sqrtPrice, err := SqrtPriceAtTick(tick)
		require.NoError(t, err)
		back, err := TickAtSqrtPrice(sqrtPrice)
		require.NoError(t, err)
		assert.Equal(t, tick, back, "round trip must recover tick %d exactly", tick)
	}
}

func TestTickAtSqrtPriceFloors(t *testing.T) {
	// A sqrt price strictly between two ticks resolves to the lower one.
	at100, err := SqrtPriceAtTick(100)
	require.NoError(t, err)
	at101, err := SqrtPriceAtTick(101)
	require.NoError(t, err)

	between := new(big.Int).Add(at100, new(big.Int).Rsh(new(big.Int).Sub(at101, at100), 1))
	tick, err := TickAtSqrtPrice(between)
	require.NoError(t, err)
	assert.Equal(t, int32(100), tick)
}

func TestTickAtSqrtPriceBounds(t *testing.T) {
	_, err := TickAtSqrtPrice(new(big.Int).Sub(MinSqrtPriceX96, big.NewInt(1)))
	assert.ErrorIs(t, err, ErrSqrtPriceOutOfBounds)

	_, err = TickAtSqrtPrice(MaxSqrtPriceX96)
	assert.ErrorIs(t, err, ErrSqrtPriceOutOfBounds)

	_, err = TickAtSqrtPrice(nil)
	assert.ErrorIs(t, err, ErrSqrtPriceOutOfBounds)
}

func TestFloorCeilToSpacing(t *testing.T) {
	assert.Equal(t, int32(100000), FloorToSpacing(100150, 200))
	assert.Equal(t, int32(100200), CeilToSpacing(100150, 200))
	assert.Equal(t, int32(100200), FloorToSpacing(100200, 200))
	assert.Equal(t, int32(100200), CeilToSpacing(100200, 200))

	assert.Equal(t, int32(-400), FloorToSpacing(-250, 200))
	assert.Equal(t, int32(-200), CeilToSpacing(-250, 200))
	assert.Equal(t, int32(-200), FloorToSpacing(-200, 200))
	assert.Equal(t, int32(-200), CeilToSpacing(-200, 200))
}

func TestTicksForPriceChangePct(t *testing.T) {
	// A +20% price move is just over 1823 ticks.
	ticks := TicksForPriceChangePct(20)
	assert.InDelta(t, 1823.2, ticks, 0.5)
}

func TestPriceFromSqrtPriceX96(t *testing.T) {
	sqrtPrice, err := SqrtPriceAtTick(0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, PriceFromSqrtPriceX96(sqrtPrice), 1e-9)

	sqrtPrice, err = SqrtPriceAtTick(6932) // ~doubling of price
	require.NoError(t, err)
	assert.InDelta(t, 2.0, PriceFromSqrtPriceX96(sqrtPrice), 0.001)
}
