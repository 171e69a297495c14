package pnl

import (
	"fmt"
	"sort"
	"time"

	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
)

// Performance summarizes journaled round-trips for reporting.
type Performance struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	Liquidations  int
	WinRate       float64
	TotalPNL      float64
	TotalFees     float64
	AverageWin    float64
	AverageLoss   float64
	ProfitFactor  float64
	MaxDrawdown   float64 // Largest peak-to-trough drop in cumulative PnL
	AvgDuration   time.Duration
}

// Summarize computes performance over journaled trades. Trades are processed
// in exit-time order; the slice is not mutated.
func Summarize(trades []*domain.Trade) Performance {
	var perf Performance
	if len(trades) == 0 {
		return perf
	}

	ordered := append([]*domain.Trade(nil), trades...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ExitTime.Before(ordered[j].ExitTime)
	})

	var grossWin, grossLoss float64
	var cum, peak, maxDD float64
	var totalDuration time.Duration

	for _, tr := range ordered {
		perf.TotalTrades++
		if tr.Liquidated {
			perf.Liquidations++
		}
		net := tr.PNL - tr.FeeEstimate
		if net > 0 {
			perf.WinningTrades++
			grossWin += net
		} else {
			perf.LosingTrades++
			grossLoss -= net
		}
		perf.TotalPNL += net
		perf.TotalFees += tr.FeeEstimate
		totalDuration += tr.ExitTime.Sub(tr.EntryTime)

		cum += net
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}

	perf.WinRate = float64(perf.WinningTrades) / float64(perf.TotalTrades)
	if perf.WinningTrades > 0 {
		perf.AverageWin = grossWin / float64(perf.WinningTrades)
	}
	if perf.LosingTrades > 0 {
		perf.AverageLoss = -grossLoss / float64(perf.LosingTrades)
	}
	if grossLoss > 0 {
		perf.ProfitFactor = grossWin / grossLoss
	}
	perf.MaxDrawdown = maxDD
	perf.AvgDuration = totalDuration / time.Duration(perf.TotalTrades)
	return perf
}

// Report renders the summary as a human-readable notification message.
func (p Performance) Report(symbol string) string {
	if p.TotalTrades == 0 {
		return fmt.Sprintf("%s: no completed trades yet", symbol)
	}
	return fmt.Sprintf(
		"%s: %d trades (%d liq), win rate %.1f%%, net PnL %.4f, fees %.4f, profit factor %.2f, max drawdown %.4f, avg hold %s",
		symbol, p.TotalTrades, p.Liquidations, p.WinRate*100, p.TotalPNL, p.TotalFees,
		p.ProfitFactor, p.MaxDrawdown, p.AvgDuration.Round(time.Second),
	)
}
