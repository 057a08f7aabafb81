package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Parameters are the recognized invocation options for one managed position.
// Defaults live in internal/config.
type Parameters struct {
	// PositionID is the identifier of the managed position.
	PositionID uint64

	// RangeWidthPct is the target half-width of a new range as a relative
	// price move in percent (±20 means the range spans -20%..+20% around the
	// current price before rounding outward to the tick spacing).
	RangeWidthPct float64

	// DriftThresholdPct triggers a preemptive rebalance once drift from the
	// range center exceeds this percentage of the half-width.
	DriftThresholdPct float64

	// SlippageTolerancePct widens maximum-amount and minimum-amount guards
	// on every submitted action.
	SlippageTolerancePct float64

	// MaterialityFloorUSD is the smallest imbalance worth swapping for.
	// Imbalances below it are left alone rather than burned on fees.
	MaterialityFloorUSD float64

	// RepriceThresholdTicks forces a re-derivation of range and ratio when
	// the tick moved at least this much between planning and the mint step.
	RepriceThresholdTicks int32

	// SettleWait is the pause between sequential-plan steps so balances can
	// propagate before they are re-read. A correctness wait, not tuning.
	SettleWait time.Duration

	// DryRun computes and reports the plan without submitting anything.
	DryRun bool

	// Disabled turns position monitoring off; every run becomes a no-op.
	Disabled bool

	// HarvestAddress, when non-zero, receives token remainders after a
	// completed sequence.
	HarvestAddress common.Address
}
