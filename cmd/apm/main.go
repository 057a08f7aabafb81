package main

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rangekeeper/apm/internal/chain"
	"github.com/rangekeeper/apm/internal/config"
	"github.com/rangekeeper/apm/internal/engine"
	"github.com/rangekeeper/apm/internal/logger"
	"github.com/rangekeeper/apm/internal/prices"
	"github.com/rangekeeper/apm/internal/state"
	"github.com/rangekeeper/apm/internal/web"
)

const (
	LOOP_INTERVAL = 10 * time.Minute
)

// main is the entry point for the APM system.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	// Load configuration from environment variables
	pool, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(os.Getenv("LOG_LEVEL"))
	log.Info().Msg("APM Core Logic Starting...")

	params, err := config.LoadParameters()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load invocation parameters")
	}

	// Initialize Database Connection (run report persistence)
	dbCfg := state.DBConfig{
		Host: os.Getenv("DB_HOST"), Port: mustAtoi(os.Getenv("DB_PORT"), 5432),
		User: os.Getenv("DB_USER"), Password: os.Getenv("DB_PASSWORD"),
		DBName: os.Getenv("DB_NAME"), SSLMode: os.Getenv("DB_SSLMODE"),
	}
	if err := state.InitDB(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer state.CloseDB()
	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	// --- Start Web Server ---
	webPort := os.Getenv("WEB_PORT")
	if webPort == "" {
		webPort = "8080"
	}

	webServer := web.NewWebServer(webPort)
	go func() {
		log.Info().Str("port", webPort).Str("url", "http://localhost:"+webPort).Msg("Starting APM report server")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed to start")
		}
	}()

	ctx := context.Background()

	// Connect to the chain node
	reader, err := chain.DialReader(ctx, config.NodeRPC, pool, config.ManagerAddress, config.WalletAddress)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to chain node")
	}
	defer reader.Close()
	log.Info().Str("endpoint", config.NodeRPC).Msg("Chain node connected")

	priceClient := prices.NewClient(os.Getenv("CRYPTOCOMPARE_API"))

	// --- 2. Submitter Selection (with Safety Switch) ---
	var submitter chain.Submitter
	apmMode := os.Getenv("APM_MODE")

	switch apmMode {
	case "observe":
		log.Warn().Msg("Initializing APM in OBSERVE mode. Plans are computed and reported but never submitted.")
		params.DryRun = true
		submitter = chain.NopSubmitter{}
	case "live":
		log.Fatal().Msg("APM_MODE=live requires a signing submitter, which this build does not include. Set APM_MODE=observe.")
	default:
		log.Fatal().Msg("APM_MODE is not set. Halting to prevent accidental execution. Set APM_MODE=observe to run read-only.")
	}

	// --- 3. Create Engine Instance with Dependency Injection ---
	engineConfig := engine.Config{
		Pool:      pool,
		Params:    params,
		Wallet:    config.WalletAddress,
		Reader:    reader,
		Submitter: submitter,
		Prices:    priceClient,
		Reports:   state.ReportStore{},
	}

	mgr, err := engine.New(engineConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine instance")
	}

	log.Info().
		Uint64("positionID", params.PositionID).
		Str("pool", pool.PoolAddress.Hex()).
		Msg("Engine instance created successfully")

	// --- 4. Run ---
	if isTruthy(os.Getenv("APM_ONCE")) {
		report, err := mgr.Run(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Run failed")
		}
		log.Info().
			Str("path", string(report.Path)).
			Bool("degraded", report.Degraded).
			Msg("Run complete")
		return
	}

	log.Info().Str("interval", LOOP_INTERVAL.String()).Msg("Starting APM main loop")
	mgr.RunLoop(ctx, LOOP_INTERVAL)
}

// Helper to convert string to int with a default value
func mustAtoi(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}

func isTruthy(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
