package ports

import (
	"context"

	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
)

// TradeRepository is the write-through journal of completed round-trips.
// Run state is never read back from it; it exists for reporting and audit.
type TradeRepository interface {
	// CreateTrade saves a new trade record and returns its assigned ID.
	CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error)
	// FindBySymbol retrieves the most recent trades for a given symbol, up to a limit.
	FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error)
	// TotalPNL sums realized PnL over all journaled trades for the symbol.
	TotalPNL(ctx context.Context, symbol string) (float64, error)
}
