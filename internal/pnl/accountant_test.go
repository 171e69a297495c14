package pnl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thuanavasosoft/bitbot-sub001/internal/adapters/logger"
	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
	"github.com/thuanavasosoft/bitbot-sub001/internal/ports"
)

type mockTrading struct {
	freeBalance float64
	balancesErr error
}

func (m *mockTrading) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	return nil, nil
}

func (m *mockTrading) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	return nil, nil
}

func (m *mockTrading) GetPositionsHistory(ctx context.Context, symbol, positionID string) ([]*domain.Position, error) {
	return nil, nil
}

func (m *mockTrading) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *mockTrading) GetBalances(ctx context.Context) ([]ports.BalanceInfo, error) {
	if m.balancesErr != nil {
		return nil, m.balancesErr
	}
	return []ports.BalanceInfo{
		{Asset: "BTC", Free: 0.5},
		{Asset: "USDT", Free: m.freeBalance},
	}, nil
}

func (m *mockTrading) HookOrderListener(cb func(ports.OrderUpdate)) (ports.Unhook, error) {
	return func() {}, nil
}

func newTestAccountant(t *testing.T, trading *mockTrading, state *domain.BotRunState) *Accountant {
	t.Helper()
	a, err := New("USDT", logger.NewNop(), trading, state)
	require.NoError(t, err)
	return a
}

func TestHandlePnL_TracksBalanceConsistentTotal(t *testing.T) {
	trading := &mockTrading{freeBalance: 1000}
	state := &domain.BotRunState{CurrentBalance: 1000}
	a := newTestAccountant(t, trading, state)

	// Trade 1: reported +10, wallet actually moved +9.2 (0.8 implied fee).
	trading.freeBalance = 1009.2
	m, err := a.HandlePnL(context.Background(), 10, false)
	require.NoError(t, err)
	assert.InDelta(t, 9.2, m.BalanceDelta, 1e-9)
	assert.InDelta(t, 0.8, m.FeeEstimate, 1e-9)
	assert.InDelta(t, 9.2, m.NetPnl, 1e-9)
	assert.InDelta(t, 9.2, state.TotalCalculatedProfit, 1e-9)

	// Trade 2: reported -5, wallet moved -5.6.
	trading.freeBalance = 1003.6
	m, err = a.HandlePnL(context.Background(), -5, true)
	require.NoError(t, err)
	assert.InDelta(t, -5.6, m.BalanceDelta, 1e-9)
	assert.InDelta(t, 0.6, m.FeeEstimate, 1e-9)

	// Reconciliation property: total equals sum(realizedPnl) - sum(feeImpact),
	// which is exactly the total wallet movement.
	assert.InDelta(t, 3.6, state.TotalCalculatedProfit, 1e-9)
	assert.InDelta(t, 1003.6, state.CurrentBalance, 1e-9)
	assert.Equal(t, []float64{9.2, 3.6}, state.PnLHistory)
	assert.Equal(t, m, state.LastTrade)
}

func TestHandlePnL_BalanceErrorPropagates(t *testing.T) {
	trading := &mockTrading{balancesErr: ports.ErrExchangeUnavailable}
	state := &domain.BotRunState{}
	a := newTestAccountant(t, trading, state)

	_, err := a.HandlePnL(context.Background(), 10, false)
	assert.ErrorIs(t, err, ports.ErrExchangeUnavailable)
	assert.Zero(t, state.TotalCalculatedProfit)
	assert.Empty(t, state.PnLHistory)
}

func TestPnLHistoryIsBounded(t *testing.T) {
	state := &domain.BotRunState{}
	for i := 0; i < domain.PnLHistoryLimit+50; i++ {
		state.AppendPnL(float64(i))
	}
	assert.Len(t, state.PnLHistory, domain.PnLHistoryLimit)
	assert.Equal(t, 50.0, state.PnLHistory[0])
	assert.Equal(t, float64(domain.PnLHistoryLimit+49), state.PnLHistory[len(state.PnLHistory)-1])
}

func TestRecordSlippage_NegativeIsGood(t *testing.T) {
	state := &domain.BotRunState{}
	a := newTestAccountant(t, &mockTrading{}, state)

	// Long entry filled above the trigger: bad, adds.
	got := a.RecordSlippage(domain.Long, true, 100.0, 100.4)
	assert.InDelta(t, 0.4, got, 1e-9)
	// Long entry filled below the trigger: good, subtracts.
	got = a.RecordSlippage(domain.Long, true, 100.0, 99.9)
	assert.InDelta(t, -0.1, got, 1e-9)
	assert.InDelta(t, 0.3, state.AccumulatedSlippage, 1e-9)

	// Short entry filled below the trigger: bad.
	got = a.RecordSlippage(domain.Short, true, 100.0, 99.8)
	assert.InDelta(t, 0.2, got, 1e-9)
	// Long exit filled below the reference: bad.
	got = a.RecordSlippage(domain.Long, false, 100.0, 99.5)
	assert.InDelta(t, 0.5, got, 1e-9)
	// Short exit filled below the reference: good.
	got = a.RecordSlippage(domain.Short, false, 100.0, 99.5)
	assert.InDelta(t, -0.5, got, 1e-9)
	assert.InDelta(t, 0.5, state.AccumulatedSlippage, 1e-9)
}

func TestSummarize(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	trades := []*domain.Trade{
		{PNL: 10, FeeEstimate: 1, EntryTime: base, ExitTime: base.Add(10 * time.Minute)},
		{PNL: -4, FeeEstimate: 1, EntryTime: base.Add(time.Hour), ExitTime: base.Add(time.Hour + 20*time.Minute)},
		{PNL: 6, FeeEstimate: 1, EntryTime: base.Add(2 * time.Hour), ExitTime: base.Add(2*time.Hour + 30*time.Minute), Liquidated: false},
		{PNL: -8, FeeEstimate: 0, EntryTime: base.Add(3 * time.Hour), ExitTime: base.Add(3*time.Hour + 20*time.Minute), Liquidated: true},
	}

	perf := Summarize(trades)
	assert.Equal(t, 4, perf.TotalTrades)
	assert.Equal(t, 2, perf.WinningTrades)
	assert.Equal(t, 2, perf.LosingTrades)
	assert.Equal(t, 1, perf.Liquidations)
	assert.InDelta(t, 0.5, perf.WinRate, 1e-9)
	// Net per trade: +9, -5, +5, -8 => total +1.
	assert.InDelta(t, 1.0, perf.TotalPNL, 1e-9)
	assert.InDelta(t, 3.0, perf.TotalFees, 1e-9)
	assert.InDelta(t, 7.0, perf.AverageWin, 1e-9)
	assert.InDelta(t, -6.5, perf.AverageLoss, 1e-9)
	// Peak after trade 1 is 9; trough after trade 4 is 1 => drawdown 8.
	assert.InDelta(t, 8.0, perf.MaxDrawdown, 1e-9)
	assert.Equal(t, 20*time.Minute, perf.AvgDuration)

	assert.NotEmpty(t, perf.Report("BTCUSDT"))
	assert.NotEmpty(t, Performance{}.Report("BTCUSDT"))
}
