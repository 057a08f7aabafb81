// Package chain defines the collaborator boundary toward the node: reading
// fresh pool/position snapshots, pricing tokens for valuation, and
// submitting encoded action sets. Implementations own all RPC plumbing;
// everything above this package is deterministic.
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rangekeeper/apm/internal/types"
)

// Log is one receipt log entry, used to extract the new position identifier
// after a mint.
type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    []byte         `json:"data"`
}

// Receipt is the confirmation of one submitted transaction.
type Receipt struct {
	TxHash  common.Hash `json:"tx_hash"`
	GasUsed uint64      `json:"gas_used"`
	Logs    []Log       `json:"logs"`
}

// Capabilities describes what the venue supports. The transaction-plan
// builder consults this explicitly instead of attempting an atomic plan and
// reacting to a revert.
type Capabilities struct {
	// AtomicBatch is true when the venue composes multiple actions in one
	// transaction and nets token movements via flash accounting.
	AtomicBatch bool
}

// Reader supplies fresh chain state. Every decision re-reads through this
// interface; snapshots are never cached across steps.
type Reader interface {
	// PoolState returns the pool's current sqrt price, tick and spacing.
	PoolState(ctx context.Context) (types.PoolState, error)

	// Position returns the position's range and remaining liquidity.
	Position(ctx context.Context, id uint64) (types.Position, error)

	// PositionOwner returns the wallet that owns the position.
	PositionOwner(ctx context.Context, id uint64) (common.Address, error)

	// WalletBalances returns the managing wallet's spendable token amounts.
	WalletBalances(ctx context.Context) (types.TokenAmounts, error)

	// FeesOwed returns the fees accrued to the position but not collected.
	FeesOwed(ctx context.Context, id uint64) (types.TokenAmounts, error)
}

// PriceSource supplies off-chain USD prices for ratio valuation. A missing
// or zero price must be treated as a hard stop by callers.
type PriceSource interface {
	USDPrice(ctx context.Context, token types.Token) (float64, error)
}

// Submitter encodes and broadcasts one batch of actions as a single
// transaction and waits for confirmation. Submissions are never retried
// blindly: a transaction may have landed even when the call errored.
type Submitter interface {
	Capabilities() Capabilities
	Submit(ctx context.Context, batch []types.Action) (Receipt, error)
}

// PositionMintedTopic is the receipt log topic announcing a freshly minted
// position; topic index 1 carries the identifier.
var PositionMintedTopic = crypto.Keccak256Hash([]byte("PositionMinted(uint256,int24,int24,uint128)"))

// ExtractPositionID scans a receipt for the mint log and returns the new
// position identifier. Failure to locate it is fatal for the run: funds are
// on-chain but the caller must reconcile manually.
func ExtractPositionID(receipt Receipt) (uint64, error) {
	for i := len(receipt.Logs) - 1; i >= 0; i-- {
		entry := receipt.Logs[i]
		if len(entry.Topics) >= 2 && entry.Topics[0] == PositionMintedTopic {
			return entry.Topics[1].Big().Uint64(), nil
		}
	}
	return 0, ErrNoPositionID
}
