package domain

import "time"

// Trade represents a completed round-trip, as persisted in the journal.
type Trade struct {
	ID          int64       // Journal id (from DB)
	PositionID  string      // Exchange position id this trade closed
	Symbol      string      // Trading symbol
	Side        PositionSide
	EntryPrice  float64
	ExitPrice   float64
	Quantity    float64
	Leverage    int
	PNL         float64 // Realized PnL reported by the exchange
	FeeEstimate float64 // Implied fee/slippage (realizedPnl - balanceDelta)
	EntryTime   time.Time
	ExitTime    time.Time
	CloseReason CloseReason
	Liquidated  bool
}

// TradeMetrics is the last-trade accounting snapshot, overwritten on each
// resolution and exposed read-only to reporting.
type TradeMetrics struct {
	ClosedPositionID string
	GrossPnl         float64 // Realized PnL as reported
	BalanceDelta     float64 // Actual quote balance movement
	FeeEstimate      float64 // GrossPnl - BalanceDelta
	NetPnl           float64 // GrossPnl - FeeEstimate
}
