// Package engine ties the pipeline together: read fresh state, classify
// drift, and route the run down one of four paths. A centered position with
// material uncollected fees compounds them; a drifting or out-of-range
// position is rebalanced; a position with no liquidity left is recovered by
// minting a new one from the wallet; everything else is a no-op. Every run
// produces a structured report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rangekeeper/apm/internal/chain"
	"github.com/rangekeeper/apm/internal/drift"
	"github.com/rangekeeper/apm/internal/executor"
	"github.com/rangekeeper/apm/internal/liquidity"
	"github.com/rangekeeper/apm/internal/logger"
	"github.com/rangekeeper/apm/internal/planner"
	"github.com/rangekeeper/apm/internal/tickmath"
	"github.com/rangekeeper/apm/internal/txplan"
	"github.com/rangekeeper/apm/internal/types"
	"github.com/rangekeeper/apm/internal/utils"
)

// ErrNotOwner is re-exported for callers that only import the engine.
var ErrNotOwner = chain.ErrNotOwner

// ReportSink persists run reports. A nil sink disables persistence; the
// engine then numbers runs in memory only.
type ReportSink interface {
	NextRunNumber() (int, error)
	Save(report types.RunReport) (int64, error)
}

// Config holds the dependencies for creating an engine instance.
type Config struct {
	Pool      types.PoolConfig
	Params    types.Parameters
	Wallet    common.Address
	Reader    chain.Reader
	Submitter chain.Submitter
	Prices    chain.PriceSource
	Reports   ReportSink // optional
}

func validateConfig(cfg Config) error {
	if cfg.Reader == nil {
		return fmt.Errorf("chain reader cannot be nil")
	}
	if cfg.Submitter == nil {
		return fmt.Errorf("chain submitter cannot be nil")
	}
	if cfg.Prices == nil {
		return fmt.Errorf("price source cannot be nil")
	}
	if cfg.Wallet == (common.Address{}) {
		return fmt.Errorf("wallet address cannot be zero")
	}
	if cfg.Params.PositionID == 0 {
		return fmt.Errorf("position id cannot be zero")
	}
	return nil
}

// Engine is the autonomous position manager for one pool position.
type Engine struct {
	cfg         types.PoolConfig
	params      types.Parameters
	wallet      common.Address
	reader      chain.Reader
	submitter   chain.Submitter
	prices      chain.PriceSource
	planner     *planner.Planner
	builder     *txplan.Builder
	coordinator *executor.Coordinator
	reports     ReportSink
	backoff     chain.BackoffPolicy
	logger      zerolog.Logger

	runCount int
}

// New creates an engine instance with dependency injection.
func New(cfg Config) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("engine configuration validation failed: %w", err)
	}

	pln := planner.New(cfg.Pool, cfg.Params, cfg.Prices)
	return &Engine{
		cfg:         cfg.Pool,
		params:      cfg.Params,
		wallet:      cfg.Wallet,
		reader:      cfg.Reader,
		submitter:   cfg.Submitter,
		prices:      cfg.Prices,
		planner:     pln,
		builder:     txplan.New(cfg.Pool, cfg.Params),
		coordinator: executor.New(cfg.Pool, cfg.Params, cfg.Reader, cfg.Submitter, pln),
		reports:     cfg.Reports,
		backoff:     chain.DefaultBackoffPolicy(),
		logger:      logger.GetForComponent("engine_core"),
	}, nil
}

// RunLoop runs the manager on a fixed interval until the context is
// cancelled. The first run starts immediately. Run errors are logged and the
// loop continues; every run stands alone.
func (e *Engine) RunLoop(ctx context.Context, interval time.Duration) {
	e.logger.Info().
		Dur("interval", interval).
		Msg("Starting manager loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if report, err := e.Run(ctx); err != nil {
			e.logger.Error().
				Err(err).
				Str("runID", report.RunID).
				Str("failure", string(report.Failure)).
				Msg("Run failed")
		} else {
			e.logger.Info().
				Str("runID", report.RunID).
				Str("path", string(report.Path)).
				Msg("Run completed")
		}

		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Manager loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// Run performs one full manager invocation and returns its report. The
// report is always populated, also on failure, and is persisted to the sink
// before returning.
func (e *Engine) Run(ctx context.Context) (*types.RunReport, error) {
	report := &types.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		DryRun:    e.params.DryRun,
	}
	report.RunNumber = e.nextRunNumber()

	err := e.run(ctx, report)
	report.FinishedAt = time.Now().UTC()
	if err != nil {
		report.ErrorMessage = err.Error()
		if report.Failure == types.FailureNone {
			report.Failure = classify(err)
		}
	}
	e.persist(report)
	return report, err
}

func (e *Engine) run(ctx context.Context, report *types.RunReport) error {
	pool, position, wallet, err := e.readState(ctx)
	if err != nil {
		return err
	}
	report.PoolStateBefore = pool
	report.PositionBefore = position
	report.WalletBefore = wallet

	if position.Liquidity == nil || position.Liquidity.Sign() == 0 {
		// The disabled switch covers recovery too: an emptied position is
		// left alone until monitoring is turned back on.
		if e.params.Disabled {
			report.Drift = types.DriftReport{State: types.StateDisabled}
			report.Path = types.PathNoOp
			e.logger.Info().Msg("Manager disabled, leaving empty position alone")
			return nil
		}
		report.Path = types.PathRecover
		return e.recover(ctx, report, pool, wallet)
	}

	driftReport, err := drift.Classify(pool, position, e.params.DriftThresholdPct, e.params.Disabled)
	if err != nil {
		return err
	}
	report.Drift = driftReport

	e.logger.Info().
		Str("state", string(driftReport.State)).
		Float64("driftPct", driftReport.DriftPct).
		Int32("tick", pool.Tick).
		Msg("Position classified")

	switch driftReport.State {
	case types.StateDisabled:
		report.Path = types.PathNoOp
		return nil
	case types.StateCentered:
		return e.maybeCompound(ctx, report, pool, position)
	case types.StateDrifting, types.StateOutOfRange:
		report.Path = types.PathRebalance
		return e.rebalance(ctx, report, pool, position, wallet)
	default:
		return fmt.Errorf("unknown position state %q", driftReport.State)
	}
}

// rebalance plans and executes a full re-centering of the position.
func (e *Engine) rebalance(ctx context.Context, report *types.RunReport, pool types.PoolState, position types.Position, wallet types.TokenAmounts) error {
	if err := e.verifyOwnership(ctx, position.ID); err != nil {
		report.Failure = types.FailureOwnership
		return err
	}

	holdings, err := e.totalHoldings(ctx, pool, position, wallet)
	if err != nil {
		return err
	}

	plan, err := e.planner.BuildPlan(ctx, pool, holdings)
	if err != nil {
		return err
	}

	// The pool may have moved while planning. Re-read before committing and
	// re-derive once when the plan went stale.
	fresh, err := e.readPool(ctx)
	if err != nil {
		return err
	}
	if moved := fresh.Tick - pool.Tick; moved >= e.params.RepriceThresholdTicks || -moved >= e.params.RepriceThresholdTicks {
		e.logger.Info().
			Int32("plannedTick", pool.Tick).
			Int32("currentTick", fresh.Tick).
			Msg("Pool moved during planning, re-deriving plan")
		pool = fresh
		if plan, err = e.planner.BuildPlan(ctx, pool, holdings); err != nil {
			return err
		}
	}
	report.Plan = plan

	set, err := e.builder.Build(plan, position, pool, wallet, e.submitter.Capabilities())
	if err != nil {
		return err
	}
	report.Encoding = set.Encoding

	if e.params.DryRun {
		e.logger.Info().
			Str("encoding", string(set.Encoding)).
			Msg("Dry run, plan computed but not submitted")
		return nil
	}

	outcome, err := e.coordinator.Execute(ctx, set, plan, pool)
	report.Steps = outcome.Steps
	report.NewPositionID = outcome.NewPositionID
	report.Degraded = outcome.Degraded
	report.Failure = outcome.Failure
	return err
}

// recover opens a fresh centered position from wallet balances when the
// managed position no longer holds liquidity.
func (e *Engine) recover(ctx context.Context, report *types.RunReport, pool types.PoolState, wallet types.TokenAmounts) error {
	if wallet.IsZero() {
		return fmt.Errorf("position %d has no liquidity and the wallet is empty, nothing to recover", e.params.PositionID)
	}

	plan, err := e.planner.BuildPlan(ctx, pool, wallet)
	if err != nil {
		return err
	}
	report.Plan = plan

	set, err := e.builder.Build(plan, types.Position{}, pool, wallet, e.submitter.Capabilities())
	if err != nil {
		return err
	}
	report.Encoding = set.Encoding

	if e.params.DryRun {
		return nil
	}

	outcome, err := e.coordinator.Execute(ctx, set, plan, pool)
	report.Steps = outcome.Steps
	report.NewPositionID = outcome.NewPositionID
	report.Degraded = outcome.Degraded
	report.Failure = outcome.Failure
	return err
}

// maybeCompound collects and re-deposits accrued fees when the position is
// centered and the fees are worth the gas. Otherwise the run is a no-op.
func (e *Engine) maybeCompound(ctx context.Context, report *types.RunReport, pool types.PoolState, position types.Position) error {
	fees, err := e.readFees(ctx, position.ID)
	if err != nil {
		return err
	}

	material, err := e.feesMaterial(ctx, fees)
	if err != nil {
		return err
	}
	if !material {
		report.Path = types.PathNoOp
		return nil
	}

	report.Path = types.PathCompound
	if e.params.DryRun {
		return nil
	}

	if err := e.verifyOwnership(ctx, position.ID); err != nil {
		report.Failure = types.FailureOwnership
		return err
	}

	deposit, err := e.depositAction(pool, position, fees)
	if err != nil {
		return err
	}
	batches := [][]types.Action{
		{{Type: types.ActionCollect, PositionID: position.ID}},
	}
	if deposit != nil {
		batches = append(batches, []types.Action{*deposit})
	}
	set := types.ActionSet{Encoding: types.EncodingSequential, Batches: batches}

	outcome, err := e.coordinator.Execute(ctx, set, nil, pool)
	report.Steps = outcome.Steps
	report.Degraded = outcome.Degraded
	report.Failure = outcome.Failure
	return err
}

// depositAction sizes the fee re-deposit against the position's existing
// range. Returns nil when the fees cannot form liquidity there, in which
// case they are simply collected to the wallet.
func (e *Engine) depositAction(pool types.PoolState, position types.Position, fees types.TokenAmounts) (*types.Action, error) {
	sqrtLower, err := tickmath.SqrtPriceAtTick(position.TickLower)
	if err != nil {
		return nil, err
	}
	sqrtUpper, err := tickmath.SqrtPriceAtTick(position.TickUpper)
	if err != nil {
		return nil, err
	}
	addable := liquidity.LiquidityForAmounts(pool.SqrtPriceX96, sqrtLower, sqrtUpper, fees.Amount0, fees.Amount1)
	if addable.Sign() == 0 {
		return nil, nil
	}
	return &types.Action{
		Type:       types.ActionDeposit,
		PositionID: position.ID,
		TickLower:  position.TickLower,
		TickUpper:  position.TickUpper,
		Liquidity:  addable,
		MaxAmountsIn: types.TokenAmounts{
			Amount0: new(big.Int).Set(fees.Amount0),
			Amount1: new(big.Int).Set(fees.Amount1),
		},
	}, nil
}

// feesMaterial values the uncollected fees and compares them to the
// materiality floor. Pricing failures fall back to not compounding rather
// than failing an otherwise healthy run.
func (e *Engine) feesMaterial(ctx context.Context, fees types.TokenAmounts) (bool, error) {
	if fees.IsZero() {
		return false, nil
	}
	price0, err := e.prices.USDPrice(ctx, e.cfg.Token0)
	if err != nil {
		e.logger.Warn().Err(err).Msg("No token0 price for fee valuation, skipping compounding")
		return false, nil
	}
	price1, err := e.prices.USDPrice(ctx, e.cfg.Token1)
	if err != nil {
		e.logger.Warn().Err(err).Msg("No token1 price for fee valuation, skipping compounding")
		return false, nil
	}
	value, err := amountsUSD(fees, e.cfg, price0, price1)
	if err != nil {
		return false, err
	}
	return value >= e.params.MaterialityFloorUSD, nil
}

// totalHoldings is everything available to the new position: wallet
// balances, what a full withdrawal recovers, and uncollected fees.
func (e *Engine) totalHoldings(ctx context.Context, pool types.PoolState, position types.Position, wallet types.TokenAmounts) (types.TokenAmounts, error) {
	sqrtLower, err := tickmath.SqrtPriceAtTick(position.TickLower)
	if err != nil {
		return types.TokenAmounts{}, err
	}
	sqrtUpper, err := tickmath.SqrtPriceAtTick(position.TickUpper)
	if err != nil {
		return types.TokenAmounts{}, err
	}
	inPosition := liquidity.AmountsForLiquidity(position.Liquidity, pool.SqrtPriceX96, sqrtLower, sqrtUpper)

	fees, err := e.readFees(ctx, position.ID)
	if err != nil {
		return types.TokenAmounts{}, err
	}
	return wallet.Add(inPosition).Add(fees), nil
}

// verifyOwnership confirms the managing wallet still owns the position.
// Any mismatch is fatal: the position may have been transferred.
func (e *Engine) verifyOwnership(ctx context.Context, id uint64) error {
	var owner common.Address
	err := e.backoff.Do(ctx, "position_owner", func() error {
		var err error
		owner, err = e.reader.PositionOwner(ctx, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("reading owner of position %d: %w", id, err)
	}
	if owner != e.wallet {
		return fmt.Errorf("position %d owned by %s, not %s: %w", id, owner.Hex(), e.wallet.Hex(), chain.ErrNotOwner)
	}
	return nil
}

// readState reads the pool snapshot, the managed position and the wallet
// balances through the backoff policy.
func (e *Engine) readState(ctx context.Context) (types.PoolState, types.Position, types.TokenAmounts, error) {
	pool, err := e.readPool(ctx)
	if err != nil {
		return types.PoolState{}, types.Position{}, types.TokenAmounts{}, err
	}

	var position types.Position
	err = e.backoff.Do(ctx, "position", func() error {
		var err error
		position, err = e.reader.Position(ctx, e.params.PositionID)
		return err
	})
	if err != nil {
		return types.PoolState{}, types.Position{}, types.TokenAmounts{}, fmt.Errorf("reading position %d: %w", e.params.PositionID, err)
	}

	var wallet types.TokenAmounts
	err = e.backoff.Do(ctx, "wallet_balances", func() error {
		var err error
		wallet, err = e.reader.WalletBalances(ctx)
		return err
	})
	if err != nil {
		return types.PoolState{}, types.Position{}, types.TokenAmounts{}, fmt.Errorf("reading wallet balances: %w", err)
	}
	return pool, position, wallet, nil
}

func (e *Engine) readPool(ctx context.Context) (types.PoolState, error) {
	var pool types.PoolState
	err := e.backoff.Do(ctx, "pool_state", func() error {
		var err error
		pool, err = e.reader.PoolState(ctx)
		return err
	})
	if err != nil {
		return types.PoolState{}, fmt.Errorf("reading pool state: %w", err)
	}
	return pool, nil
}

func (e *Engine) readFees(ctx context.Context, id uint64) (types.TokenAmounts, error) {
	var fees types.TokenAmounts
	err := e.backoff.Do(ctx, "fees_owed", func() error {
		var err error
		fees, err = e.reader.FeesOwed(ctx, id)
		return err
	})
	if err != nil {
		return types.TokenAmounts{}, fmt.Errorf("reading fees owed: %w", err)
	}
	return fees, nil
}

func (e *Engine) nextRunNumber() int {
	if e.reports != nil {
		if n, err := e.reports.NextRunNumber(); err == nil {
			return n
		} else {
			e.logger.Error().Err(err).Msg("Could not fetch run number, falling back to in-memory counter")
		}
	}
	e.runCount++
	return e.runCount
}

func (e *Engine) persist(report *types.RunReport) {
	if e.reports == nil {
		return
	}
	if _, err := e.reports.Save(*report); err != nil {
		e.logger.Error().Err(err).Str("runID", report.RunID).Msg("Failed to persist run report")
	}
}

// classify maps run errors that the executor did not already classify.
func classify(err error) types.FailureClass {
	switch {
	case chain.IsRetryable(err):
		return types.FailureTransient
	case errors.Is(err, chain.ErrNotOwner):
		return types.FailureOwnership
	case errors.Is(err, chain.ErrReverted):
		return types.FailureRevert
	case errors.Is(err, chain.ErrNoPositionID), errors.Is(err, executor.ErrMintedEmpty):
		return types.FailureReconcile
	default:
		return types.FailureInvalidInput
	}
}

func amountsUSD(amounts types.TokenAmounts, cfg types.PoolConfig, price0, price1 float64) (float64, error) {
	qty0, err := utils.AmountToFloat(amounts.Amount0, cfg.Token0.Decimals)
	if err != nil {
		return 0, err
	}
	qty1, err := utils.AmountToFloat(amounts.Amount1, cfg.Token1.Decimals)
	if err != nil {
		return 0, err
	}
	return qty0*price0 + qty1*price1, nil
}
