package config

import (
	"time"

	"github.com/joho/godotenv"
)

// ExecutionConfig holds every tunable the execution core's components
// read. It is loaded separately from Config so the decomposer binary and
// tests don't need the Alpaca secrets Load requires, while reusing the
// same getEnv*-with-fallback idiom.
type ExecutionConfig struct {
	// Equity deployment and phase guard.
	EquityDeploymentPct     float64 // Environment: EQUITY_DEPLOYMENT_PCT
	SellFailureThresholdUSD float64 // Environment: SELL_FAILURE_THRESHOLD_USD
	MaxSellRetries          int     // Environment: MAX_SELL_RETRIES
	SellRetryDelaySec       int     // Environment: SELL_RETRY_DELAY_SECONDS

	// Walk-the-book.
	StepWaitSec          int       // Environment: STEP_WAIT_SECONDS
	MarketOrderWaitSec   int       // Environment: MARKET_ORDER_WAIT_SECONDS
	WalkPriceSteps       []float64 // fixed at 0.50, 0.75, 0.95; not read from the environment

	// Almgren-Chriss.
	RiskAversion         float64 // Environment: AC_RISK_AVERSION
	Volatility           float64 // Environment: AC_VOLATILITY
	TempImpact           float64 // Environment: AC_TEMP_IMPACT
	NumSlices            int     // Environment: AC_NUM_SLICES
	TotalTimeSec         int     // Environment: AC_TOTAL_TIME_SECONDS
	SliceWaitSec         int     // Environment: AC_SLICE_WAIT_SECONDS
	MarketOrderFallback  bool    // Environment: AC_MARKET_ORDER_FALLBACK

	// Time-aware.
	TickIntervalMinutes   int     // Environment: TICK_INTERVAL_MINUTES
	AuctionParticipation  bool    // Environment: AUCTION_PARTICIPATION
	AuctionReserveFrac    float64 // Environment: AUCTION_RESERVE_FRACTION
	AuctionCutoffTime     string  // Environment: AUCTION_CUTOFF_TIME (HH:MM)
	MaxSpreadBps          int     // Environment: MAX_SPREAD_BPS
	HaltBehaviour         string  // Environment: HALT_BEHAVIOUR (pause|cancel|continue)

	// Quote pipeline.
	StreamingTimeoutMs    int // Environment: STREAMING_TIMEOUT_MS
	QuoteFreshnessSec     int // Environment: QUOTE_FRESHNESS_SECONDS

	// Validator.
	SettlementWaitSec          int     // Environment: SETTLEMENT_WAIT_SECONDS
	SettlementTimeoutSec       int     // Environment: SETTLEMENT_TIMEOUT_SECONDS
	FractionalTolerance        float64 // Environment: FRACTIONAL_TOLERANCE
	PreExecutionSellTolerancePct float64 // Environment: PRE_EXECUTION_SELL_TOLERANCE_PCT

	// Run-record TTLs.
	RunTTLHours  int // Environment: RUN_TTL_HOURS
	ExecTTLHours int // Environment: EXEC_TTL_HOURS
}

// LoadExecutionConfig populates an ExecutionConfig from the environment
// (reading .env the same way Load() does) with built-in defaults.
func LoadExecutionConfig() *ExecutionConfig {
	_ = godotenv.Load() // best-effort; missing .env is not fatal for this binary

	return &ExecutionConfig{
		EquityDeploymentPct:     getEnvAsFloat64("EQUITY_DEPLOYMENT_PCT", 0.95),
		SellFailureThresholdUSD: getEnvAsFloat64("SELL_FAILURE_THRESHOLD_USD", 500.0),
		MaxSellRetries:          getEnvAsInt("MAX_SELL_RETRIES", 2),
		SellRetryDelaySec:       getEnvAsInt("SELL_RETRY_DELAY_SECONDS", 5),

		StepWaitSec:        getEnvAsInt("STEP_WAIT_SECONDS", 10),
		MarketOrderWaitSec: getEnvAsInt("MARKET_ORDER_WAIT_SECONDS", 30),
		WalkPriceSteps:     []float64{0.50, 0.75, 0.95},

		RiskAversion:        getEnvAsFloat64("AC_RISK_AVERSION", 0.5),
		Volatility:          getEnvAsFloat64("AC_VOLATILITY", 0.02),
		TempImpact:          getEnvAsFloat64("AC_TEMP_IMPACT", 0.001),
		NumSlices:           getEnvAsInt("AC_NUM_SLICES", 5),
		TotalTimeSec:        getEnvAsInt("AC_TOTAL_TIME_SECONDS", 300),
		SliceWaitSec:        getEnvAsInt("AC_SLICE_WAIT_SECONDS", 30),
		MarketOrderFallback: getEnvAsBool("AC_MARKET_ORDER_FALLBACK", true),

		TickIntervalMinutes:  getEnvAsInt("TICK_INTERVAL_MINUTES", 10),
		AuctionParticipation: getEnvAsBool("AUCTION_PARTICIPATION", true),
		AuctionReserveFrac:   getEnvAsFloat64("AUCTION_RESERVE_FRACTION", 0.30),
		AuctionCutoffTime:    getEnv("AUCTION_CUTOFF_TIME", "15:50"),
		MaxSpreadBps:         getEnvAsInt("MAX_SPREAD_BPS", 50),
		HaltBehaviour:        getEnv("HALT_BEHAVIOUR", "pause"),

		StreamingTimeoutMs: getEnvAsInt("STREAMING_TIMEOUT_MS", 5000),
		QuoteFreshnessSec:  getEnvAsInt("QUOTE_FRESHNESS_SECONDS", 10),

		SettlementWaitSec:            getEnvAsInt("SETTLEMENT_WAIT_SECONDS", 5),
		SettlementTimeoutSec:         getEnvAsInt("SETTLEMENT_TIMEOUT_SECONDS", 30),
		FractionalTolerance:          getEnvAsFloat64("FRACTIONAL_TOLERANCE", 0.001),
		PreExecutionSellTolerancePct: getEnvAsFloat64("PRE_EXECUTION_SELL_TOLERANCE_PCT", 0.01),

		RunTTLHours:  getEnvAsInt("RUN_TTL_HOURS", 24),
		ExecTTLHours: getEnvAsInt("EXEC_TTL_HOURS", 7*24),
	}
}

func (c *ExecutionConfig) StepWait() time.Duration        { return time.Duration(c.StepWaitSec) * time.Second }
func (c *ExecutionConfig) MarketOrderWait() time.Duration { return time.Duration(c.MarketOrderWaitSec) * time.Second }
func (c *ExecutionConfig) SliceWait() time.Duration       { return time.Duration(c.SliceWaitSec) * time.Second }
func (c *ExecutionConfig) TotalTime() time.Duration       { return time.Duration(c.TotalTimeSec) * time.Second }
func (c *ExecutionConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMinutes) * time.Minute
}
func (c *ExecutionConfig) StreamingTimeout() time.Duration {
	return time.Duration(c.StreamingTimeoutMs) * time.Millisecond
}
func (c *ExecutionConfig) QuoteFreshness() time.Duration {
	return time.Duration(c.QuoteFreshnessSec) * time.Second
}
func (c *ExecutionConfig) SettlementWait() time.Duration {
	return time.Duration(c.SettlementWaitSec) * time.Second
}
func (c *ExecutionConfig) SettlementTimeout() time.Duration {
	return time.Duration(c.SettlementTimeoutSec) * time.Second
}
func (c *ExecutionConfig) RunTTL() time.Duration  { return time.Duration(c.RunTTLHours) * time.Hour }
func (c *ExecutionConfig) ExecTTL() time.Duration { return time.Duration(c.ExecTTLHours) * time.Hour }
