package pnl

import (
	"context"
	"fmt"
	"math"

	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
	"github.com/thuanavasosoft/bitbot-sub001/internal/ports"
)

// Accountant computes per-trade accounting and maintains the run totals.
// All mutation happens from the lifecycle machine's single event loop.
type Accountant struct {
	quoteAsset string
	logger     ports.Logger
	trading    ports.TradingPort
	state      *domain.BotRunState
}

// New creates an accountant bound to the shared run state.
func New(quoteAsset string, logger ports.Logger, trading ports.TradingPort, state *domain.BotRunState) (*Accountant, error) {
	if logger == nil || trading == nil || state == nil {
		return nil, fmt.Errorf("missing required dependencies for accountant")
	}
	if quoteAsset == "" {
		return nil, fmt.Errorf("quote asset is required")
	}
	return &Accountant{quoteAsset: quoteAsset, logger: logger, trading: trading, state: state}, nil
}

// FreeBalance fetches the current free quote balance from the exchange.
func (a *Accountant) FreeBalance(ctx context.Context) (float64, error) {
	balances, err := a.trading.GetBalances(ctx)
	if err != nil {
		return 0, fmt.Errorf("balance fetch failed: %w", err)
	}
	for _, b := range balances {
		if b.Asset == a.quoteAsset {
			return b.Free, nil
		}
	}
	return 0, fmt.Errorf("asset %s: %w", a.quoteAsset, ports.ErrNotFound)
}

// HandlePnL settles a completed round-trip: refreshes the quote balance,
// derives the implied fee from the gap between reported PnL and actual
// balance movement, and folds the result into the run totals.
//
// The running total accumulates realizedPnl - feeImpact (i.e. the balance
// delta), so the displayed figure stays reconcilable with actual wallet
// movement rather than the naive sum of reported PnLs. The implied fee
// conflates trading fees with funding payments and any other
// balance-affecting event; it is a known approximation, not an identity.
func (a *Accountant) HandlePnL(ctx context.Context, realizedPnl float64, isLiquidated bool) (domain.TradeMetrics, error) {
	newBalance, err := a.FreeBalance(ctx)
	if err != nil {
		return domain.TradeMetrics{}, err
	}

	balanceDelta := newBalance - a.state.CurrentBalance
	feeImpact := realizedPnl - balanceDelta
	netPnl := realizedPnl - feeImpact

	a.state.CurrentBalance = newBalance
	a.state.TotalCalculatedProfit += netPnl
	a.state.AppendPnL(a.state.TotalCalculatedProfit)

	metrics := domain.TradeMetrics{
		GrossPnl:     realizedPnl,
		BalanceDelta: balanceDelta,
		FeeEstimate:  feeImpact,
		NetPnl:       netPnl,
	}
	if a.state.CurrActivePosition != nil {
		metrics.ClosedPositionID = a.state.CurrActivePosition.ID
	}
	a.state.LastTrade = metrics

	a.logger.Info(ctx, "Trade settled", map[string]interface{}{
		"realizedPnl":  realizedPnl,
		"balanceDelta": balanceDelta,
		"feeEstimate":  feeImpact,
		"totalProfit":  a.state.TotalCalculatedProfit,
		"liquidated":   isLiquidated,
	})
	return metrics, nil
}

// RecordSlippage folds one fill into the running slippage accumulator.
// Fills worse than the reference level add their absolute value; better
// fills subtract it, so a negative running figure means net good fills.
// Returns the signed contribution.
func (a *Accountant) RecordSlippage(side domain.PositionSide, entering bool, reference, fill float64) float64 {
	diff := fill - reference
	// A higher fill hurts long entries and short exits; mirror otherwise.
	worse := diff > 0
	if side == domain.Short {
		worse = !worse
	}
	if !entering {
		worse = !worse
	}

	contribution := math.Abs(diff)
	if !worse {
		contribution = -contribution
	}
	a.state.AccumulatedSlippage += contribution
	return contribution
}
