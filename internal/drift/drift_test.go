package drift

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangekeeper/apm/internal/types"
)

func poolAt(tick int32) types.PoolState {
	return types.PoolState{
		SqrtPriceX96: big.NewInt(0),
		Tick:         tick,
		TickSpacing:  200,
		ObservedAt:   time.Now(),
	}
}

func position() types.Position {
	return types.Position{
		ID:        42,
		TickLower: 100000,
		TickUpper: 120000,
		Liquidity: big.NewInt(1e18),
	}
}

func TestComputeCenterAndEdges(t *testing.T) {
	report, err := Compute(110000, 100000, 120000)
	require.NoError(t, err)
	assert.Zero(t, report.DriftPct, "midpoint has zero drift")

	report, err = Compute(100000, 100000, 120000)
	require.NoError(t, err)
	assert.Equal(t, 100.0, report.DriftPct)
	assert.Equal(t, types.DriftTowardLower, report.Direction)

	report, err = Compute(120000, 100000, 120000)
	require.NoError(t, err)
	assert.Equal(t, 100.0, report.DriftPct)
	assert.Equal(t, types.DriftTowardUpper, report.Direction)

	report, err = Compute(125000, 100000, 120000)
	require.NoError(t, err)
	assert.Greater(t, report.DriftPct, 100.0, "beyond a bound drift exceeds 100")
}

func TestComputeMonotonic(t *testing.T) {
	prev := -1.0
	for _, tick := range []int32{110000, 111000, 113000, 116000, 119000, 120000, 123000} {
		report, err := Compute(tick, 100000, 120000)
		require.NoError(t, err)
		assert.Greater(t, report.DriftPct, prev, "drift must increase with distance from center")
		prev = report.DriftPct
	}
}

func TestComputeRejectsInvalidRange(t *testing.T) {
	_, err := Compute(0, 200, 200)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = Compute(0, 400, 200)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

// Tick 110200 in [100000, 120000] is ~2% drift, Centered.
func TestClassifyCentered(t *testing.T) {
	report, err := Classify(poolAt(110200), position(), 75, false)
	require.NoError(t, err)
	assert.Equal(t, types.StateCentered, report.State)
	assert.InDelta(t, 2.0, report.DriftPct, 1e-9)
	assert.Equal(t, types.DriftTowardUpper, report.Direction)
}

// Tick 119000 is ~90% drift, past the 75 threshold.
func TestClassifyDrifting(t *testing.T) {
	report, err := Classify(poolAt(119000), position(), 75, false)
	require.NoError(t, err)
	assert.Equal(t, types.StateDrifting, report.State)
	assert.InDelta(t, 90.0, report.DriftPct, 1e-9)
}

func TestClassifyOutOfRange(t *testing.T) {
	report, err := Classify(poolAt(99800), position(), 75, false)
	require.NoError(t, err)
	assert.Equal(t, types.StateOutOfRange, report.State)
	assert.Equal(t, types.DriftTowardLower, report.Direction)

	// Upper bound is exclusive: tick == tickUpper is already out of range.
	report, err = Classify(poolAt(120000), position(), 75, false)
	require.NoError(t, err)
	assert.Equal(t, types.StateOutOfRange, report.State)
}

func TestClassifyDisabledWins(t *testing.T) {
	report, err := Classify(poolAt(125000), position(), 75, true)
	require.NoError(t, err)
	assert.Equal(t, types.StateDisabled, report.State)
}
