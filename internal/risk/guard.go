package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
	"github.com/thuanavasosoft/bitbot-sub001/internal/ports"
)

// Config holds pre-trade validation limits.
type Config struct {
	MaxLeverage     int     // Hard cap on configured leverage
	MaxBetSize      float64 // 0 disables the cap
	MinQuoteBalance float64 // Minimum free quote balance to keep trading
}

// Guard validates that a new trading cycle can start safely.
// It runs before the lifecycle machine leaves Starting; a rejection there
// is fatal because trading cannot proceed on bad premises.
type Guard struct {
	cfg    Config
	logger ports.Logger
}

// New creates a risk guard.
func New(cfg Config, logger ports.Logger) (*Guard, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for risk guard")
	}
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = 125
	}
	return &Guard{cfg: cfg, logger: logger}, nil
}

// ValidateStart checks bet size, leverage, and free balance before a cycle.
func (g *Guard) ValidateStart(ctx context.Context, betSize float64, leverage int, freeBalance float64) error {
	if betSize <= 0 {
		return fmt.Errorf("bet size must be positive, got %f", betSize)
	}
	if g.cfg.MaxBetSize > 0 && betSize > g.cfg.MaxBetSize {
		return fmt.Errorf("bet size %f exceeds maximum allowed %f", betSize, g.cfg.MaxBetSize)
	}
	if leverage <= 0 || leverage > g.cfg.MaxLeverage {
		return fmt.Errorf("leverage %d outside allowed range [1, %d]", leverage, g.cfg.MaxLeverage)
	}

	required := betSize
	if g.cfg.MinQuoteBalance > required {
		required = g.cfg.MinQuoteBalance
	}
	if freeBalance < required {
		return fmt.Errorf("free balance %.4f below required %.4f: %w", freeBalance, required, ports.ErrInsufficientFunds)
	}

	g.logger.Debug(ctx, "Pre-trade checks passed", map[string]interface{}{
		"betSize":     betSize,
		"leverage":    leverage,
		"freeBalance": freeBalance,
	})
	return nil
}

// CooldownRemaining returns how long the bot must keep sleeping after a
// liquidation, or zero when trading may resume.
func (g *Guard) CooldownRemaining(state *domain.BotRunState, now time.Time) time.Duration {
	if state.LiquidationCooldownUntil.IsZero() || !now.Before(state.LiquidationCooldownUntil) {
		return 0
	}
	return state.LiquidationCooldownUntil.Sub(now)
}
