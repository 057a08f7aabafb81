// Package drift classifies a position against the pool's current tick. The
// classification is stateless: it is recomputed from a fresh snapshot on
// every invocation, always against the position's existing range, never a
// proposed one.
package drift

import (
	"errors"

	"github.com/rangekeeper/apm/internal/types"
)

var ErrInvalidRange = errors.New("position range is invalid")

// Compute returns the drift report for a position at the given tick:
// 0 when the tick equals the range midpoint, 100 at either bound, above 100
// outside the range. Monotonically increasing in distance from center.
func Compute(tick, tickLower, tickUpper int32) (types.DriftReport, error) {
	if tickLower >= tickUpper {
		return types.DriftReport{}, ErrInvalidRange
	}

	center := (float64(tickLower) + float64(tickUpper)) / 2
	halfWidth := (float64(tickUpper) - float64(tickLower)) / 2

	offset := float64(tick) - center
	direction := types.DriftTowardUpper
	if offset < 0 {
		direction = types.DriftTowardLower
		offset = -offset
	}

	return types.DriftReport{
		DriftPct:  offset / halfWidth * 100,
		Direction: direction,
	}, nil
}

// Classify computes drift and assigns the position state. disabled reflects
// an external monitoring switch and short-circuits everything else. An
// out-of-range tick triggers immediately regardless of threshold; a drift
// beyond thresholdPct while still in range triggers preemptively.
func Classify(pool types.PoolState, position types.Position, thresholdPct float64, disabled bool) (types.DriftReport, error) {
	report, err := Compute(pool.Tick, position.TickLower, position.TickUpper)
	if err != nil {
		return types.DriftReport{}, err
	}

	switch {
	case disabled:
		report.State = types.StateDisabled
	case !position.InRange(pool.Tick):
		report.State = types.StateOutOfRange
	case report.DriftPct > thresholdPct:
		report.State = types.StateDrifting
	default:
		report.State = types.StateCentered
	}
	return report, nil
}
