/*

This file contains the default invocation parameters for the position
manager. They are used for anything not overridden by environment variables.

*/

package config

import (
	"time"

	"github.com/rangekeeper/apm/internal/types"
)

// DefaultParameters is the baseline configuration for a managed position.
var DefaultParameters = types.Parameters{
	RangeWidthPct: 20.0, // New ranges span ±20% around the current price.
	// Wide enough to sit through ordinary volatility without churning,
	// narrow enough to keep the capital efficiency that justifies a
	// concentrated position in the first place.

	DriftThresholdPct: 75.0, // Rebalance preemptively at 75% of the half-width.
	// Waiting for the price to actually leave the range means earning
	// nothing while it is outside. Acting at 75% keeps the position earning
	// through the move at the cost of occasionally rebalancing early.

	SlippageTolerancePct: 5.0, // Guard amounts widened by 5%.
	// Rebalances only fire after material price movement, so the guards
	// must absorb continued movement between planning and landing.

	MaterialityFloorUSD: 0.01, // Skip swaps below one cent of imbalance.
	// A dust-sized swap costs more in fees than the imbalance it fixes.

	RepriceThresholdTicks: 50, // Re-derive range and ratio if the tick moved
	// this much between planning and the mint step, instead of minting a
	// position that is already off-center when it lands.

	SettleWait: 5 * time.Second, // Pause between sequential steps so the
	// node reflects the previous step's balance changes before re-reading.
}
