/*

This file contains the pool and position types which carry all the on-chain
state needed for drift classification and rebalance planning.

*/

package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Token describes one side of a pool pair.
type Token struct {
	Symbol   string         `json:"symbol"`   // e.g., "WETH"
	Address  common.Address `json:"address"`  // ERC-20 contract address
	Decimals int            `json:"decimals"` // e.g., 18
}

// PoolConfig identifies the pool a position lives in. It is passed explicitly
// into every component; there is no process-wide pool state.
type PoolConfig struct {
	PoolAddress common.Address `json:"pool_address"`
	Token0      Token          `json:"token0"`
	Token1      Token          `json:"token1"`
	TickSpacing int32          `json:"tick_spacing"` // range boundaries must be multiples of this
	FeePPM      uint32         `json:"fee_ppm"`      // pool fee in parts per million
}

// PoolState is an immutable snapshot of the pool's current price. It is
// refreshed before every decision and again before committing a transaction
// plan, since the price may have moved in between.
type PoolState struct {
	SqrtPriceX96 *big.Int  `json:"sqrt_price_x96"` // Q64.96 square-root price
	Tick         int32     `json:"tick"`
	TickSpacing  int32     `json:"tick_spacing"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Position is a single concentrated-liquidity position. Created by a mint,
// destroyed by a full withdraw (liquidity zero, identifier retired).
type Position struct {
	ID        uint64   `json:"id"`
	TickLower int32    `json:"tick_lower"`
	TickUpper int32    `json:"tick_upper"`
	Liquidity *big.Int `json:"liquidity"` // non-negative
}

// InRange reports whether the given tick sits inside the position's range.
func (p Position) InRange(tick int32) bool {
	return tick >= p.TickLower && tick < p.TickUpper
}

// TokenAmounts is a pair of token quantities in each token's smallest unit.
// Amounts are always non-negative.
type TokenAmounts struct {
	Amount0 *big.Int `json:"amount0"`
	Amount1 *big.Int `json:"amount1"`
}

// ZeroAmounts returns a TokenAmounts with both sides set to zero.
func ZeroAmounts() TokenAmounts {
	return TokenAmounts{Amount0: new(big.Int), Amount1: new(big.Int)}
}

// Add returns the element-wise sum of two amount pairs.
func (t TokenAmounts) Add(other TokenAmounts) TokenAmounts {
	return TokenAmounts{
		Amount0: new(big.Int).Add(t.Amount0, other.Amount0),
		Amount1: new(big.Int).Add(t.Amount1, other.Amount1),
	}
}

// IsZero reports whether both amounts are zero or nil.
func (t TokenAmounts) IsZero() bool {
	zero0 := t.Amount0 == nil || t.Amount0.Sign() == 0
	zero1 := t.Amount1 == nil || t.Amount1.Sign() == 0
	return zero0 && zero1
}
