package domain

import "time"

// PnLHistoryLimit bounds the retained per-trade profit totals.
const PnLHistoryLimit = 500

// BotRunState is the run-level state shared by the lifecycle machine and
// the accountant. It is initialized once at process start and mutated only
// from the single event loop; it is never persisted.
type BotRunState struct {
	State              BotState
	CurrActivePosition *Position

	StartBalance          float64
	CurrentBalance        float64
	TotalCalculatedProfit float64
	AccumulatedSlippage   float64 // Signed; negative is good
	NumberOfTrades        int     // Increments on open and on close

	LastTrade  TradeMetrics
	PnLHistory []float64 // Rolling totals, bounded by PnLHistoryLimit

	LastEntryTime    time.Time
	LastExitTime     time.Time
	LastSRUpdateTime time.Time

	LiquidationCooldownUntil time.Time
	Sleeping                 bool
}

// AppendPnL records a new running total, trimming history to the limit.
func (s *BotRunState) AppendPnL(total float64) {
	s.PnLHistory = append(s.PnLHistory, total)
	if len(s.PnLHistory) > PnLHistoryLimit {
		s.PnLHistory = s.PnLHistory[len(s.PnLHistory)-PnLHistoryLimit:]
	}
}
