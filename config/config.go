package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
)

// SignalParams holds the breakout signal engine parameters.
type SignalParams struct {
	N             int     // Support/resistance lookback bars (excluding current)
	ATRLen        int     // ATR averaging length
	K             int     // ROC lookback
	Eps           float64 // Relative level-breach epsilon
	MAtr          float64 // Breakout size threshold as a multiple of ATR
	RocMin        float64 // Minimum ROC for momentum confirmation
	EMAPeriod     int     // EMA period for the slope check
	NeedTwoCloses bool    // Require the previous bar to have breached the level too
	VolMult       float64 // Volume filter multiplier (0 disables)
}

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Trading Parameters
	Symbol     string
	QuoteAsset string
	Leverage   int
	BetSize    float64 // Quote amount risked per trade (budget = BetSize * Leverage)
	EntryMode  domain.TradeMode
	ExitMode   domain.TradeMode
	Variant    domain.BotVariant

	// Watcher Parameters
	CheckInterval time.Duration // Signal check cadence, whole minutes
	CheckOffset   time.Duration // Offset past the minute boundary
	BufferPct     float64       // Asymmetric trigger buffer percentage

	// Signal Parameters
	Signal SignalParams

	// Exit Parameters
	TakeProfitPct       float64
	MinQuoteBalance     float64
	LiquidationCooldown time.Duration

	// Notification
	TelegramToken  string
	TelegramChatID string

	// Signaling channel
	SignalingListenAddr string

	// Database
	DBPath string

	// Monitoring
	MetricsListenAddr string

	// Logging
	LogLevel string

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// cooldownPattern accepts durations of the form "2h", "1h30m" or "45m".
var cooldownPattern = regexp.MustCompile(`^(?:(\d+)h(?:(\d+)m)?|(\d+)m)$`)

// ParseCooldown parses a liquidation cooldown string.
func ParseCooldown(s string) (time.Duration, error) {
	m := cooldownPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("cooldown %q must match \\d+h(\\d+m)? or \\d+m", s)
	}
	var d time.Duration
	if m[1] != "" {
		h, _ := strconv.Atoi(m[1])
		d += time.Duration(h) * time.Hour
		if m[2] != "" {
			min, _ := strconv.Atoi(m[2])
			d += time.Duration(min) * time.Minute
		}
	} else {
		min, _ := strconv.Atoi(m[3])
		d = time.Duration(min) * time.Minute
	}
	return d, nil
}

func parseTradeMode(s string) (domain.TradeMode, error) {
	switch domain.TradeMode(strings.ToLower(s)) {
	case domain.ModeAgainst:
		return domain.ModeAgainst, nil
	case domain.ModeFollow:
		return domain.ModeFollow, nil
	}
	return "", fmt.Errorf("mode %q must be %q or %q", s, domain.ModeAgainst, domain.ModeFollow)
}

func parseVariant(s string) (domain.BotVariant, error) {
	switch domain.BotVariant(strings.ToLower(s)) {
	case domain.VariantBreakout:
		return domain.VariantBreakout, nil
	case domain.VariantAITrend:
		return domain.VariantAITrend, nil
	case domain.VariantCombo:
		return domain.VariantCombo, nil
	}
	return "", fmt.Errorf("variant %q must be one of breakout, aitrend, combo", s)
}

// LoadConfig loads configuration from environment variables (.env file).
// Any malformed or missing required setting is fatal at startup, before
// any trading activity begins.
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Trading Parameters
	cfg.Symbol = getEnv("SYMBOL", "BTCUSDT")
	if cfg.Symbol == "" {
		errs = append(errs, "SYMBOL must be set")
	}
	cfg.QuoteAsset = getEnv("QUOTE_ASSET", "USDT")

	cfg.Leverage, err = getEnvAsIntRequired("LEVERAGE", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LEVERAGE: %v", err))
	} else if cfg.Leverage <= 0 {
		errs = append(errs, "LEVERAGE must be positive")
	}

	cfg.BetSize, err = getEnvAsFloatRequired("BET_SIZE", 50.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BET_SIZE: %v", err))
	} else if cfg.BetSize <= 0 {
		errs = append(errs, "BET_SIZE must be positive")
	}

	if cfg.EntryMode, err = parseTradeMode(getEnv("ENTRY_MODE", string(domain.ModeFollow))); err != nil {
		errs = append(errs, fmt.Sprintf("invalid ENTRY_MODE: %v", err))
	}
	if cfg.ExitMode, err = parseTradeMode(getEnv("EXIT_MODE", string(domain.ModeFollow))); err != nil {
		errs = append(errs, fmt.Sprintf("invalid EXIT_MODE: %v", err))
	}
	if cfg.Variant, err = parseVariant(getEnv("BOT_VARIANT", string(domain.VariantBreakout))); err != nil {
		errs = append(errs, fmt.Sprintf("invalid BOT_VARIANT: %v", err))
	}

	// Watcher Parameters
	checkIntervalMin := getEnvAsInt("CHECK_INTERVAL_MIN", 5)
	if checkIntervalMin <= 0 {
		errs = append(errs, "CHECK_INTERVAL_MIN must be positive")
	}
	cfg.CheckInterval = time.Duration(checkIntervalMin) * time.Minute

	checkOffsetSec := getEnvAsInt("CHECK_OFFSET_SECONDS", 3)
	if checkOffsetSec < 0 || checkOffsetSec >= 60 {
		errs = append(errs, "CHECK_OFFSET_SECONDS must be in [0, 60)")
	}
	cfg.CheckOffset = time.Duration(checkOffsetSec) * time.Second

	cfg.BufferPct, err = getEnvAsFloatRequired("BUFFER_PCT", 0.05)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BUFFER_PCT: %v", err))
	} else if cfg.BufferPct < 0 {
		errs = append(errs, "BUFFER_PCT cannot be negative")
	}

	// Signal Parameters (defaults mirror the breakout strategy tuning)
	cfg.Signal.N = getEnvAsInt("SIGNAL_N", 10)
	cfg.Signal.ATRLen = getEnvAsInt("SIGNAL_ATR_LEN", 14)
	cfg.Signal.K = getEnvAsInt("SIGNAL_K", 3)
	cfg.Signal.Eps = getEnvAsFloat("SIGNAL_EPS", 0.0005)
	cfg.Signal.MAtr = getEnvAsFloat("SIGNAL_M_ATR", 0.25)
	cfg.Signal.RocMin = getEnvAsFloat("SIGNAL_ROC_MIN", 0.001)
	cfg.Signal.EMAPeriod = getEnvAsInt("SIGNAL_EMA_PERIOD", 20)
	cfg.Signal.NeedTwoCloses = getEnvAsBool("SIGNAL_NEED_TWO_CLOSES", false)
	cfg.Signal.VolMult = getEnvAsFloat("SIGNAL_VOL_MULT", 0)

	if cfg.Signal.N <= 0 || cfg.Signal.ATRLen <= 0 || cfg.Signal.K <= 0 || cfg.Signal.EMAPeriod <= 0 {
		errs = append(errs, "signal periods (N, ATR_LEN, K, EMA_PERIOD) must be positive")
	}
	if cfg.Signal.Eps < 0 || cfg.Signal.MAtr < 0 || cfg.Signal.VolMult < 0 {
		errs = append(errs, "signal thresholds (EPS, M_ATR, VOL_MULT) cannot be negative")
	}

	// Exit Parameters
	cfg.TakeProfitPct, err = getEnvAsFloatRequired("TAKE_PROFIT_PCT", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TAKE_PROFIT_PCT: %v", err))
	} else if cfg.TakeProfitPct <= 0 {
		errs = append(errs, "TAKE_PROFIT_PCT must be positive")
	}

	cfg.MinQuoteBalance, err = getEnvAsFloatRequired("MIN_QUOTE_BALANCE", 10.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_QUOTE_BALANCE: %v", err))
	} else if cfg.MinQuoteBalance < 0 {
		errs = append(errs, "MIN_QUOTE_BALANCE cannot be negative")
	}

	cooldownStr := getEnv("LIQUIDATION_COOLDOWN", "4h")
	cfg.LiquidationCooldown, err = ParseCooldown(cooldownStr)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LIQUIDATION_COOLDOWN: %v", err))
	}

	// Notification
	cfg.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")
	if cfg.TelegramToken != "" && cfg.TelegramChatID == "" {
		errs = append(errs, "TELEGRAM_CHAT_ID must be set when TELEGRAM_BOT_TOKEN is set")
	}

	// Signaling channel (empty disables the websocket server)
	cfg.SignalingListenAddr = getEnv("SIGNALING_LISTEN_ADDR", "")

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/bitbot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Monitoring (empty disables the metrics endpoint)
	cfg.MetricsListenAddr = getEnv("METRICS_LISTEN_ADDR", "")

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
