/*

This file contains the drift report, rebalance plan and action set types that
flow between the drift engine, the planner and the transaction-plan builder.

*/

package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PositionState classifies a monitored position on each invocation. The
// classification is recomputed fresh from a live snapshot; it is not a
// persistent state machine.
type PositionState string

const (
	StateDisabled   PositionState = "DISABLED"     // monitoring turned off externally
	StateCentered   PositionState = "CENTERED"     // drift within threshold, no action
	StateDrifting   PositionState = "DRIFTING"     // in range but past threshold, preemptive rebalance
	StateOutOfRange PositionState = "OUT_OF_RANGE" // tick left the range, immediate rebalance
)

// DriftDirection indicates which bound the price has moved toward.
type DriftDirection string

const (
	DriftTowardLower DriftDirection = "lower"
	DriftTowardUpper DriftDirection = "upper"
)

// DriftReport describes how far the current price sits from the position's
// range center, as a percentage of the half-width. 0 means centered, 100
// means at an edge, above 100 means already outside the range.
type DriftReport struct {
	DriftPct  float64        `json:"drift_pct"`
	Direction DriftDirection `json:"direction"`
	State     PositionState  `json:"state"`
}

// SwapDirection identifies which token is sold in a swap.
type SwapDirection string

const (
	SwapNone       SwapDirection = "NONE"         // imbalance below materiality floor
	SwapZeroForOne SwapDirection = "ZERO_FOR_ONE" // sell token0, receive token1
	SwapOneForZero SwapDirection = "ONE_FOR_ZERO" // sell token1, receive token0
)

// RebalancePlan is the planner's proposal for re-centering a position.
// Transient: computed fresh each run, never persisted.
type RebalancePlan struct {
	NewTickLower    int32         `json:"new_tick_lower"`
	NewTickUpper    int32         `json:"new_tick_upper"`
	SwapDirection   SwapDirection `json:"swap_direction"`
	SwapAmountIn    *big.Int      `json:"swap_amount_in"`    // input token, smallest units
	SwapEstimateOut *big.Int      `json:"swap_estimate_out"` // planner estimate, guards use slippage buffer
	TargetRatio0    float64       `json:"target_ratio0"`     // fraction of value held as token0
	PostSwapAmounts TokenAmounts  `json:"post_swap_amounts"` // estimated holdings after swap
	NewLiquidity    *big.Int      `json:"new_liquidity"`     // estimated, re-derived from post-swap amounts
}

// ActionType defines the atomic sub-actions a plan is encoded into.
type ActionType string

const (
	ActionWithdraw ActionType = "WITHDRAW" // burn liquidity, credit owed tokens
	ActionSwap     ActionType = "SWAP"     // swap to the target ratio
	ActionMint     ActionType = "MINT"     // open the new position
	ActionDeposit  ActionType = "DEPOSIT"  // add liquidity to an existing position
	ActionCollect  ActionType = "COLLECT"  // claim accrued fees to the wallet
	ActionSettle   ActionType = "SETTLE"   // net one token's flash-accounting balance
	ActionSweep    ActionType = "SWEEP"    // send token remainders to the harvest address
)

// Action is a single executable sub-action. Only the fields relevant to its
// Type are populated.
type Action struct {
	Type ActionType `json:"type"`

	// WITHDRAW / DEPOSIT / COLLECT
	PositionID    uint64       `json:"position_id,omitempty"`
	Liquidity     *big.Int     `json:"liquidity,omitempty"`       // liquidity to burn or add
	MinAmountsOut TokenAmounts `json:"min_amounts_out,omitempty"` // withdraw guards after slippage buffer

	// MINT / DEPOSIT
	TickLower    int32        `json:"tick_lower,omitempty"`
	TickUpper    int32        `json:"tick_upper,omitempty"`
	MaxAmountsIn TokenAmounts `json:"max_amounts_in,omitempty"` // mint guards after slippage buffer

	// SWAP
	ZeroForOne   bool     `json:"zero_for_one,omitempty"`
	SwapAmountIn *big.Int `json:"swap_amount_in,omitempty"`
	MinSwapOut   *big.Int `json:"min_swap_out,omitempty"`

	// SETTLE
	SettleToken int `json:"settle_token,omitempty"` // 0 or 1

	// SWEEP
	SweepTo common.Address `json:"sweep_to,omitempty"`

	// RepriceBefore marks sequential steps whose amounts must be recomputed
	// from a fresh snapshot and actual balances before submission.
	RepriceBefore bool `json:"reprice_before,omitempty"`
}

// PlanEncoding names the two transaction-plan encodings.
type PlanEncoding string

const (
	EncodingAtomic     PlanEncoding = "ATOMIC"     // one netted multi-action transaction
	EncodingSequential PlanEncoding = "SEQUENTIAL" // withdraw, swap, mint as separate transactions
)

// ActionSet is an ordered transaction plan. An atomic plan has exactly one
// batch; a sequential plan has one batch per transaction, submitted in order
// with re-pricing between steps.
type ActionSet struct {
	Encoding PlanEncoding `json:"encoding"`
	Batches  [][]Action   `json:"batches"`
}
