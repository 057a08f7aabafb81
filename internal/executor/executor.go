// Package executor submits encoded action sets and owns the safety rules
// around partial completion: sequential steps are repriced from fresh state
// before submission, a failed withdraw aborts the whole sequence, a failed
// swap degrades into a mint at the wrong ratio rather than stranding the
// withdrawn funds, and a confirmed mint whose receipt carries no position
// identifier is reported for manual reconciliation instead of being guessed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/rangekeeper/apm/internal/chain"
	"github.com/rangekeeper/apm/internal/liquidity"
	"github.com/rangekeeper/apm/internal/logger"
	"github.com/rangekeeper/apm/internal/planner"
	"github.com/rangekeeper/apm/internal/tickmath"
	"github.com/rangekeeper/apm/internal/txplan"
	"github.com/rangekeeper/apm/internal/types"
)

var (
	// ErrMintedEmpty means the new position confirmed but reads back with
	// zero liquidity. Manual reconciliation is required.
	ErrMintedEmpty = errors.New("minted position has zero liquidity")

	// ErrNothingToMint means repricing left no funds to open a position
	// with. The withdrawn balances stay in the wallet.
	ErrNothingToMint = errors.New("repriced mint has zero liquidity")
)

// Outcome is the execution half of a run report: per-step results, the new
// position identifier when a mint landed, and the failure classification
// when it did not.
type Outcome struct {
	Steps         []types.StepResult
	NewPositionID uint64
	Degraded      bool
	Failure       types.FailureClass
}

// Coordinator drives one action set to completion against the chain
// boundary. It never retries submissions; only idempotent reads go through
// the backoff policy.
type Coordinator struct {
	cfg       types.PoolConfig
	params    types.Parameters
	reader    chain.Reader
	submitter chain.Submitter
	planner   *planner.Planner
	backoff   chain.BackoffPolicy
	logger    zerolog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a coordinator for one pool.
func New(cfg types.PoolConfig, params types.Parameters, reader chain.Reader, submitter chain.Submitter, pln *planner.Planner) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		params:    params,
		reader:    reader,
		submitter: submitter,
		planner:   pln,
		backoff:   chain.DefaultBackoffPolicy(),
		logger:    logger.GetForComponent("execution_coordinator"),
		sleep:     sleepCtx,
	}
}

// Execute submits the action set. plan and pool are the snapshot the set was
// encoded from; sequential steps use them to decide how stale they have
// become. The returned Outcome is valid even when err is non-nil: it records
// what landed before the failure.
func (c *Coordinator) Execute(ctx context.Context, set types.ActionSet, plan *types.RebalancePlan, pool types.PoolState) (Outcome, error) {
	switch set.Encoding {
	case types.EncodingAtomic:
		return c.executeAtomic(ctx, set)
	case types.EncodingSequential:
		return c.executeSequential(ctx, set, plan, pool)
	default:
		return Outcome{Failure: types.FailureInvalidInput}, fmt.Errorf("unknown plan encoding %q", set.Encoding)
	}
}

// executeAtomic submits the single netted batch. All-or-nothing: a revert
// leaves the old position untouched.
func (c *Coordinator) executeAtomic(ctx context.Context, set types.ActionSet) (Outcome, error) {
	out := Outcome{}

	receipt, err := c.submitter.Submit(ctx, set.Batches[0])
	if err != nil {
		out.Steps = append(out.Steps, types.StepResult{Name: "atomic_rebalance", Message: err.Error()})
		out.Failure = classifyFailure(err)
		return out, fmt.Errorf("atomic rebalance: %w", err)
	}
	out.Steps = append(out.Steps, types.StepResult{
		Name:      "atomic_rebalance",
		TxHash:    receipt.TxHash,
		GasUsed:   receipt.GasUsed,
		Succeeded: true,
	})

	newID, err := chain.ExtractPositionID(receipt)
	if err != nil {
		out.Failure = types.FailureReconcile
		return out, fmt.Errorf("atomic rebalance confirmed in %s: %w", receipt.TxHash, err)
	}
	out.NewPositionID = newID

	if err := c.verifyMinted(ctx, newID); err != nil {
		out.Failure = types.FailureReconcile
		return out, err
	}

	c.logger.Info().
		Uint64("newPositionID", newID).
		Str("txHash", receipt.TxHash.Hex()).
		Msg("Atomic rebalance confirmed")
	return out, nil
}

// executeSequential walks the batches in order. The ordering rules are
// strict: nothing mints until the withdraw confirmed, a failed withdraw
// aborts everything, and a failed swap downgrades the mint instead of
// leaving the withdrawn funds idle in the wallet.
func (c *Coordinator) executeSequential(ctx context.Context, set types.ActionSet, plan *types.RebalancePlan, pool types.PoolState) (Outcome, error) {
	out := Outcome{}
	plannedTick := pool.Tick

	// Mint parameters mutate as the sequence reprices. Sets without a mint
	// (fee compounding, sweeps) carry no plan.
	var mintLower, mintUpper int32
	if plan != nil {
		mintLower, mintUpper = plan.NewTickLower, plan.NewTickUpper
	}

	for _, batch := range set.Batches {
		action := batch[0]
		switch action.Type {

		case types.ActionWithdraw:
			receipt, err := c.submitter.Submit(ctx, batch)
			if err != nil {
				out.Steps = append(out.Steps, types.StepResult{Name: "withdraw", Message: err.Error()})
				out.Failure = classifyFailure(err)
				return out, fmt.Errorf("withdraw: %w", err)
			}
			out.Steps = append(out.Steps, types.StepResult{
				Name: "withdraw", TxHash: receipt.TxHash, GasUsed: receipt.GasUsed, Succeeded: true,
			})

		case types.ActionSwap:
			repriced, skip, degraded := c.repriceSwap(ctx, plannedTick, &mintLower, &mintUpper)
			if skip {
				if degraded {
					out.Degraded = true
				}
				out.Steps = append(out.Steps, types.StepResult{
					Name: "swap", Degraded: degraded, Message: "swap skipped after repricing",
				})
				continue
			}
			receipt, err := c.submitter.Submit(ctx, []types.Action{repriced})
			if err != nil {
				// The withdraw already landed. Minting at the wrong ratio
				// beats leaving everything in the wallet.
				out.Degraded = true
				out.Steps = append(out.Steps, types.StepResult{
					Name: "swap", Degraded: true, Message: fmt.Sprintf("swap failed, minting degraded: %v", err),
				})
				c.logger.Warn().Err(err).Msg("Swap step failed, continuing to a degraded mint")
				continue
			}
			out.Steps = append(out.Steps, types.StepResult{
				Name: "swap", TxHash: receipt.TxHash, GasUsed: receipt.GasUsed, Succeeded: true,
			})

		case types.ActionMint:
			repriced, err := c.repriceMint(ctx, mintLower, mintUpper)
			if err != nil {
				out.Steps = append(out.Steps, types.StepResult{Name: "mint", Message: err.Error()})
				out.Failure = classifyFailure(err)
				return out, fmt.Errorf("mint repricing: %w", err)
			}
			receipt, err := c.submitter.Submit(ctx, []types.Action{repriced})
			if err != nil {
				out.Steps = append(out.Steps, types.StepResult{Name: "mint", Message: err.Error()})
				out.Failure = types.FailureRevert
				return out, fmt.Errorf("mint: %w", err)
			}
			out.Steps = append(out.Steps, types.StepResult{
				Name: "mint", TxHash: receipt.TxHash, GasUsed: receipt.GasUsed, Succeeded: true,
			})

			newID, err := chain.ExtractPositionID(receipt)
			if err != nil {
				out.Failure = types.FailureReconcile
				return out, fmt.Errorf("mint confirmed in %s: %w", receipt.TxHash, err)
			}
			out.NewPositionID = newID
			if err := c.verifyMinted(ctx, newID); err != nil {
				out.Failure = types.FailureReconcile
				return out, err
			}

		case types.ActionCollect, types.ActionDeposit:
			name := "collect"
			if action.Type == types.ActionDeposit {
				name = "deposit"
			}
			receipt, err := c.submitter.Submit(ctx, batch)
			if err != nil {
				out.Steps = append(out.Steps, types.StepResult{Name: name, Message: err.Error()})
				out.Failure = types.FailureRevert
				return out, fmt.Errorf("%s: %w", name, err)
			}
			out.Steps = append(out.Steps, types.StepResult{
				Name: name, TxHash: receipt.TxHash, GasUsed: receipt.GasUsed, Succeeded: true,
			})

		case types.ActionSweep:
			receipt, err := c.submitter.Submit(ctx, batch)
			if err != nil {
				// The position is already open; a failed dust sweep is not
				// worth failing the run over.
				out.Degraded = true
				out.Steps = append(out.Steps, types.StepResult{
					Name: "sweep", Degraded: true, Message: err.Error(),
				})
				c.logger.Warn().Err(err).Msg("Dust sweep failed, remainders stay in the wallet")
				continue
			}
			out.Steps = append(out.Steps, types.StepResult{
				Name: "sweep", TxHash: receipt.TxHash, GasUsed: receipt.GasUsed, Succeeded: true,
			})

		default:
			out.Failure = types.FailureInvalidInput
			return out, fmt.Errorf("sequential plan contains unsupported action %q", action.Type)
		}
	}

	c.logger.Info().
		Uint64("newPositionID", out.NewPositionID).
		Bool("degraded", out.Degraded).
		Msg("Sequential plan completed")
	return out, nil
}

// repriceSwap recomputes the swap from a fresh snapshot and the wallet's
// actual post-withdraw balances. When the price moved far enough to
// invalidate the planned range, the new range replaces the pending mint's.
// skip is true when the swap is not submitted: cleanly when the fresh plan
// needs none, degraded when repricing itself failed and the safe move is
// minting at current balances.
func (c *Coordinator) repriceSwap(ctx context.Context, plannedTick int32, mintLower, mintUpper *int32) (action types.Action, skip, degraded bool) {
	fresh, wallet, err := c.freshState(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not reprice swap, skipping it")
		return types.Action{}, true, true
	}

	newPlan, err := c.planner.BuildPlan(ctx, fresh, wallet)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not rebuild plan while repricing swap, skipping it")
		return types.Action{}, true, true
	}

	if moved := fresh.Tick - plannedTick; moved >= c.params.RepriceThresholdTicks || -moved >= c.params.RepriceThresholdTicks {
		c.logger.Info().
			Int32("plannedTick", plannedTick).
			Int32("currentTick", fresh.Tick).
			Msg("Price moved past the reprice threshold, adopting re-derived range")
		*mintLower = newPlan.NewTickLower
		*mintUpper = newPlan.NewTickUpper
	}

	if newPlan.SwapDirection == types.SwapNone {
		return types.Action{}, true, false
	}
	return types.Action{
		Type:         types.ActionSwap,
		ZeroForOne:   newPlan.SwapDirection == types.SwapZeroForOne,
		SwapAmountIn: newPlan.SwapAmountIn,
		MinSwapOut:   txplan.BufferDown(newPlan.SwapEstimateOut, c.params.SlippageTolerancePct),
	}, false, false
}

// repriceMint rebuilds the mint from the wallet's actual balances so the
// transaction never asks for more than is there. The target range is
// whatever repriceSwap settled on.
func (c *Coordinator) repriceMint(ctx context.Context, mintLower, mintUpper int32) (types.Action, error) {
	fresh, wallet, err := c.freshState(ctx)
	if err != nil {
		return types.Action{}, err
	}

	sqrtLower, err := tickmath.SqrtPriceAtTick(mintLower)
	if err != nil {
		return types.Action{}, err
	}
	sqrtUpper, err := tickmath.SqrtPriceAtTick(mintUpper)
	if err != nil {
		return types.Action{}, err
	}

	mintable := liquidity.LiquidityForAmounts(fresh.SqrtPriceX96, sqrtLower, sqrtUpper, wallet.Amount0, wallet.Amount1)
	if mintable.Sign() == 0 {
		return types.Action{}, ErrNothingToMint
	}

	return types.Action{
		Type:      types.ActionMint,
		TickLower: mintLower,
		TickUpper: mintUpper,
		Liquidity: mintable,
		MaxAmountsIn: types.TokenAmounts{
			Amount0: new(big.Int).Set(wallet.Amount0),
			Amount1: new(big.Int).Set(wallet.Amount1),
		},
	}, nil
}

// freshState waits for balances to settle, then re-reads the pool snapshot
// and wallet balances through the backoff policy.
func (c *Coordinator) freshState(ctx context.Context) (types.PoolState, types.TokenAmounts, error) {
	if err := c.sleep(ctx, c.params.SettleWait); err != nil {
		return types.PoolState{}, types.TokenAmounts{}, err
	}

	var pool types.PoolState
	err := c.backoff.Do(ctx, "pool_state", func() error {
		var err error
		pool, err = c.reader.PoolState(ctx)
		return err
	})
	if err != nil {
		return types.PoolState{}, types.TokenAmounts{}, fmt.Errorf("refreshing pool state: %w", err)
	}

	var wallet types.TokenAmounts
	err = c.backoff.Do(ctx, "wallet_balances", func() error {
		var err error
		wallet, err = c.reader.WalletBalances(ctx)
		return err
	})
	if err != nil {
		return types.PoolState{}, types.TokenAmounts{}, fmt.Errorf("refreshing wallet balances: %w", err)
	}
	return pool, wallet, nil
}

// verifyMinted confirms the new position reads back with liquidity.
func (c *Coordinator) verifyMinted(ctx context.Context, id uint64) error {
	var position types.Position
	err := c.backoff.Do(ctx, "verify_minted", func() error {
		var err error
		position, err = c.reader.Position(ctx, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("verifying position %d: %w", id, err)
	}
	if position.Liquidity == nil || position.Liquidity.Sign() == 0 {
		return fmt.Errorf("position %d: %w", id, ErrMintedEmpty)
	}
	return nil
}

// classifyFailure maps an execution error to its failure class.
func classifyFailure(err error) types.FailureClass {
	switch {
	case chain.IsRetryable(err):
		return types.FailureTransient
	case errors.Is(err, chain.ErrReverted):
		return types.FailureRevert
	case errors.Is(err, chain.ErrNotOwner):
		return types.FailureOwnership
	case errors.Is(err, chain.ErrNoPositionID), errors.Is(err, ErrMintedEmpty):
		return types.FailureReconcile
	default:
		return types.FailureInvalidInput
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
