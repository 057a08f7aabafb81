package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/rangekeeper/apm/internal/types"
)

// Application configuration loaded from environment variables at startup by
// LoadConfig. Pool identity is returned as an explicit PoolConfig value and
// passed into every component; nothing here mutates after startup.
var (
	// NodeRPC is the JSON-RPC endpoint of the chain node.
	NodeRPC string

	// WalletAddress is the address that owns the managed position.
	WalletAddress common.Address

	// ManagerAddress is the position manager contract holding the position
	// tokens.
	ManagerAddress common.Address
)

// LoadConfig loads the required environment variables and builds the
// PoolConfig for the managed pool. All variables are required unless noted.
func LoadConfig() (types.PoolConfig, error) {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error
	var cfg types.PoolConfig

	NodeRPC, err = getEnv("NODE_RPC")
	if err != nil {
		return cfg, err
	}

	walletHex, err := getEnv("WALLET_ADDRESS")
	if err != nil {
		return cfg, err
	}
	WalletAddress, err = getEnvAddress(walletHex, "WALLET_ADDRESS")
	if err != nil {
		return cfg, err
	}

	managerHex, err := getEnv("POSITION_MANAGER_ADDRESS")
	if err != nil {
		return cfg, err
	}
	ManagerAddress, err = getEnvAddress(managerHex, "POSITION_MANAGER_ADDRESS")
	if err != nil {
		return cfg, err
	}

	poolHex, err := getEnv("POOL_ADDRESS")
	if err != nil {
		return cfg, err
	}
	cfg.PoolAddress, err = getEnvAddress(poolHex, "POOL_ADDRESS")
	if err != nil {
		return cfg, err
	}

	cfg.Token0, err = loadToken("TOKEN0")
	if err != nil {
		return cfg, err
	}
	cfg.Token1, err = loadToken("TOKEN1")
	if err != nil {
		return cfg, err
	}

	tickSpacing, err := getEnvAsInt64("POOL_TICK_SPACING")
	if err != nil {
		return cfg, err
	}
	if tickSpacing <= 0 {
		return cfg, errors.New("POOL_TICK_SPACING must be positive")
	}
	cfg.TickSpacing = int32(tickSpacing)

	feePPM, err := getEnvAsInt64("POOL_FEE_PPM")
	if err != nil {
		return cfg, err
	}
	cfg.FeePPM = uint32(feePPM)

	log.Debug().
		Str("pool", cfg.PoolAddress.Hex()).
		Str("token0", cfg.Token0.Symbol).
		Str("token1", cfg.Token1.Symbol).
		Int32("tickSpacing", cfg.TickSpacing).
		Msg("Configuration loaded successfully.")

	return cfg, nil
}

// LoadParameters reads the invocation parameters, falling back to
// DefaultParameters for anything unset.
func LoadParameters() (types.Parameters, error) {
	params := DefaultParameters

	positionID, err := getEnvAsUint64("APM_POSITION_ID")
	if err != nil {
		return params, err
	}
	params.PositionID = positionID

	if v, ok := os.LookupEnv("APM_RANGE_WIDTH_PCT"); ok {
		params.RangeWidthPct, err = parseFloat(v, "APM_RANGE_WIDTH_PCT")
		if err != nil {
			return params, err
		}
	}
	if v, ok := os.LookupEnv("APM_DRIFT_THRESHOLD_PCT"); ok {
		params.DriftThresholdPct, err = parseFloat(v, "APM_DRIFT_THRESHOLD_PCT")
		if err != nil {
			return params, err
		}
	}
	if v, ok := os.LookupEnv("APM_SLIPPAGE_PCT"); ok {
		params.SlippageTolerancePct, err = parseFloat(v, "APM_SLIPPAGE_PCT")
		if err != nil {
			return params, err
		}
	}
	if v, ok := os.LookupEnv("APM_DRY_RUN"); ok {
		params.DryRun = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := os.LookupEnv("APM_DISABLED"); ok {
		params.Disabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := os.LookupEnv("APM_HARVEST_ADDRESS"); ok && v != "" {
		params.HarvestAddress, err = getEnvAddress(v, "APM_HARVEST_ADDRESS")
		if err != nil {
			return params, err
		}
	}

	if params.RangeWidthPct <= 0 || params.RangeWidthPct >= 100 {
		return params, errors.New("range width percent must be in (0, 100)")
	}
	if params.DriftThresholdPct <= 0 || params.DriftThresholdPct > 100 {
		return params, errors.New("drift threshold percent must be in (0, 100]")
	}
	if params.SlippageTolerancePct < 0 || params.SlippageTolerancePct > 100 {
		return params, errors.New("slippage tolerance percent must be in [0, 100]")
	}

	return params, nil
}

func loadToken(prefix string) (types.Token, error) {
	var token types.Token
	var err error

	token.Symbol, err = getEnv(prefix + "_SYMBOL")
	if err != nil {
		return token, err
	}

	addrHex, err := getEnv(prefix + "_ADDRESS")
	if err != nil {
		return token, err
	}
	token.Address, err = getEnvAddress(addrHex, prefix+"_ADDRESS")
	if err != nil {
		return token, err
	}

	decimals, err := getEnvAsInt64(prefix + "_DECIMALS")
	if err != nil {
		return token, err
	}
	if decimals < 0 || decimals > 18 {
		return token, errors.New(prefix + "_DECIMALS must be between 0 and 18")
	}
	token.Decimals = int(decimals)

	return token, nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

func getEnvAsInt64(key string) (int64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int64, got: " + valueStr)
	}
	return value, nil
}

func getEnvAddress(value, key string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, errors.New("environment variable " + key + " must be a hex address, got: " + value)
	}
	return common.HexToAddress(value), nil
}

func parseFloat(value, key string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid float64, got: " + value)
	}
	return f, nil
}
