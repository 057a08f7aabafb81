package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RunPath names the branch a run took after drift classification.
type RunPath string

const (
	PathNoOp      RunPath = "NO_OP"
	PathCompound  RunPath = "COMPOUND"
	PathRebalance RunPath = "REBALANCE"
	PathRecover   RunPath = "RECOVER"
)

// FailureClass tags a failed run with its place in the error taxonomy.
type FailureClass string

const (
	FailureNone         FailureClass = ""
	FailureTransient    FailureClass = "TRANSIENT"
	FailureInvalidInput FailureClass = "INVALID_INPUT"
	FailureRevert       FailureClass = "ON_CHAIN_REVERT"
	FailureOwnership    FailureClass = "OWNERSHIP"
	FailureReconcile    FailureClass = "NEEDS_RECONCILE" // funds on-chain, position id not found
)

// StepResult records the outcome of one submitted transaction so that, on a
// partial failure, what succeeded is reported distinctly from what failed.
type StepResult struct {
	Name      string      `json:"name"` // e.g., "withdraw", "swap", "mint"
	TxHash    common.Hash `json:"tx_hash"`
	GasUsed   uint64      `json:"gas_used"`
	Succeeded bool        `json:"succeeded"`
	Degraded  bool        `json:"degraded,omitempty"` // step skipped or weakened, sequence continued
	Message   string      `json:"message,omitempty"`
}

// RunReport is the structured result of one manager invocation: pre-state,
// computed drift, the triggered path, the chosen encoding and, on success,
// the new position identifier with per-step transaction references.
type RunReport struct {
	RunID      string    `json:"run_id"`
	RunNumber  int       `json:"run_number"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Pre-state
	PoolStateBefore PoolState `json:"pool_state_before"`
	PositionBefore  Position  `json:"position_before"`
	WalletBefore    TokenAmounts `json:"wallet_before"`

	Drift    DriftReport  `json:"drift"`
	Path     RunPath      `json:"path"`
	Encoding PlanEncoding `json:"encoding,omitempty"`
	Plan     *RebalancePlan `json:"plan,omitempty"`
	DryRun   bool         `json:"dry_run"`

	Steps         []StepResult `json:"steps,omitempty"`
	NewPositionID uint64       `json:"new_position_id,omitempty"`
	Degraded      bool         `json:"degraded"`

	Failure      FailureClass `json:"failure,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}
