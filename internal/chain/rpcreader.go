/*
This file implements the Reader interface over a JSON-RPC node via
eth_call. Every method issues a fresh call; nothing is cached, because the
whole pipeline assumes reads reflect the chain at decision time.

Transient node failures are classified into ErrNodeTimeout/ErrRateLimited so
the retry policy can distinguish them from genuine contract errors.
*/

package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/rangekeeper/apm/internal/logger"
	"github.com/rangekeeper/apm/internal/types"
)

const poolABIJSON = `[
	{"name":"slot0","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[
		{"name":"sqrtPriceX96","type":"uint160"},
		{"name":"tick","type":"int24"},
		{"name":"observationIndex","type":"uint16"},
		{"name":"observationCardinality","type":"uint16"},
		{"name":"observationCardinalityNext","type":"uint16"},
		{"name":"feeProtocol","type":"uint8"},
		{"name":"unlocked","type":"bool"}]},
	{"name":"tickSpacing","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"int24"}]}
]`

const managerABIJSON = `[
	{"name":"positions","type":"function","stateMutability":"view",
	 "inputs":[{"name":"tokenId","type":"uint256"}],
	 "outputs":[
		{"name":"tickLower","type":"int24"},
		{"name":"tickUpper","type":"int24"},
		{"name":"liquidity","type":"uint128"},
		{"name":"tokensOwed0","type":"uint128"},
		{"name":"tokensOwed1","type":"uint128"}]},
	{"name":"ownerOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"tokenId","type":"uint256"}],
	 "outputs":[{"name":"","type":"address"}]}
]`

const erc20ABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	poolABI    = mustParseABI(poolABIJSON)
	managerABI = mustParseABI(managerABIJSON)
	erc20ABI   = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parsing embedded ABI: %v", err))
	}
	return parsed
}

// RPCReader reads pool, position and wallet state from a node. It satisfies
// Reader but never submits anything.
type RPCReader struct {
	eth     *ethclient.Client
	pool    types.PoolConfig
	manager common.Address
	wallet  common.Address
	logger  zerolog.Logger
}

// DialReader connects to the node at rpcURL and returns a reader bound to
// one pool, one position manager and one wallet.
func DialReader(ctx context.Context, rpcURL string, pool types.PoolConfig, manager, wallet common.Address) (*RPCReader, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing rpc node: %w", err)
	}
	return &RPCReader{
		eth:     ethclient.NewClient(rpcClient),
		pool:    pool,
		manager: manager,
		wallet:  wallet,
		logger:  logger.GetForComponent("rpc_reader"),
	}, nil
}

// Close releases the underlying RPC connection.
func (r *RPCReader) Close() {
	r.eth.Close()
}

// PoolState reads slot0 from the pool contract.
func (r *RPCReader) PoolState(ctx context.Context) (types.PoolState, error) {
	out, err := r.call(ctx, r.pool.PoolAddress, poolABI, "slot0")
	if err != nil {
		return types.PoolState{}, fmt.Errorf("reading slot0: %w", err)
	}
	sqrtPriceX96, ok := out[0].(*big.Int)
	if !ok || sqrtPriceX96.Sign() <= 0 {
		return types.PoolState{}, fmt.Errorf("slot0 returned invalid sqrt price")
	}
	tick, ok := out[1].(*big.Int)
	if !ok {
		return types.PoolState{}, fmt.Errorf("slot0 returned invalid tick")
	}

	spacing := r.pool.TickSpacing
	if spacing == 0 {
		spacingOut, err := r.call(ctx, r.pool.PoolAddress, poolABI, "tickSpacing")
		if err != nil {
			return types.PoolState{}, fmt.Errorf("reading tick spacing: %w", err)
		}
		spacing = int32(spacingOut[0].(*big.Int).Int64())
	}

	return types.PoolState{
		SqrtPriceX96: new(big.Int).Set(sqrtPriceX96),
		Tick:         int32(tick.Int64()),
		TickSpacing:  spacing,
		ObservedAt:   time.Now().UTC(),
	}, nil
}

// Position reads the range and remaining liquidity for one position.
func (r *RPCReader) Position(ctx context.Context, id uint64) (types.Position, error) {
	out, err := r.positions(ctx, id)
	if err != nil {
		return types.Position{}, err
	}
	return types.Position{
		ID:        id,
		TickLower: int32(out[0].(*big.Int).Int64()),
		TickUpper: int32(out[1].(*big.Int).Int64()),
		Liquidity: new(big.Int).Set(out[2].(*big.Int)),
	}, nil
}

// PositionOwner returns the current owner of the position token.
func (r *RPCReader) PositionOwner(ctx context.Context, id uint64) (common.Address, error) {
	out, err := r.call(ctx, r.manager, managerABI, "ownerOf", new(big.Int).SetUint64(id))
	if err != nil {
		return common.Address{}, fmt.Errorf("reading owner of position %d: %w", id, err)
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ownerOf returned unexpected type")
	}
	return owner, nil
}

// WalletBalances reads ERC-20 balances of both pool tokens for the wallet.
func (r *RPCReader) WalletBalances(ctx context.Context) (types.TokenAmounts, error) {
	amount0, err := r.balanceOf(ctx, r.pool.Token0)
	if err != nil {
		return types.TokenAmounts{}, err
	}
	amount1, err := r.balanceOf(ctx, r.pool.Token1)
	if err != nil {
		return types.TokenAmounts{}, err
	}
	return types.TokenAmounts{Amount0: amount0, Amount1: amount1}, nil
}

// FeesOwed reads the uncollected fees credited to the position.
func (r *RPCReader) FeesOwed(ctx context.Context, id uint64) (types.TokenAmounts, error) {
	out, err := r.positions(ctx, id)
	if err != nil {
		return types.TokenAmounts{}, err
	}
	return types.TokenAmounts{
		Amount0: new(big.Int).Set(out[3].(*big.Int)),
		Amount1: new(big.Int).Set(out[4].(*big.Int)),
	}, nil
}

func (r *RPCReader) positions(ctx context.Context, id uint64) ([]interface{}, error) {
	out, err := r.call(ctx, r.manager, managerABI, "positions", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, fmt.Errorf("reading position %d: %w", id, err)
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("positions returned %d values, want 5", len(out))
	}
	return out, nil
}

func (r *RPCReader) balanceOf(ctx context.Context, token types.Token) (*big.Int, error) {
	out, err := r.call(ctx, token.Address, erc20ABI, "balanceOf", r.wallet)
	if err != nil {
		return nil, fmt.Errorf("reading %s balance: %w", token.Symbol, err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf %s returned unexpected type", token.Symbol)
	}
	return balance, nil
}

func (r *RPCReader) call(ctx context.Context, target common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}
	raw, err := r.eth.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, nil)
	if err != nil {
		return nil, classifyNodeErr(err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", method, err)
	}
	return out, nil
}

func classifyNodeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrNodeTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return fmt.Errorf("%w: %v", ErrNodeTimeout, err)
	}
	return err
}

// ErrSubmissionsDisabled is returned by NopSubmitter for any submission
// attempt. It exists so observe-mode runs fail loudly if a non-dry-run path
// is ever reached.
var ErrSubmissionsDisabled = errors.New("transaction submission is disabled in this mode")

// NopSubmitter is a Submitter that refuses every submission. Used in
// observe mode, where the engine is forced into dry runs and should never
// reach Submit.
type NopSubmitter struct{}

func (NopSubmitter) Capabilities() Capabilities {
	return Capabilities{AtomicBatch: false}
}

func (NopSubmitter) Submit(ctx context.Context, batch []types.Action) (Receipt, error) {
	return Receipt{}, ErrSubmissionsDisabled
}
