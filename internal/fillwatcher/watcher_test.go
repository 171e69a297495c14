package fillwatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thuanavasosoft/bitbot-sub001/internal/adapters/logger"
	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
	"github.com/thuanavasosoft/bitbot-sub001/internal/ports"
)

type mockTrading struct {
	mu           sync.Mutex
	orderCb      func(ports.OrderUpdate)
	unhooked     bool
	position     *domain.Position
	positionErr  error
	posCalls     int
	posAfter     int // Return position only after this many polls
	history      []*domain.Position
	historyErr   error
	historyCalls int
}

func (m *mockTrading) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	return &ports.OrderAck{OrderID: 1, ClientOrderID: req.ClientOrderID}, nil
}

func (m *mockTrading) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posCalls++
	if m.positionErr != nil {
		return nil, m.positionErr
	}
	if m.posCalls <= m.posAfter {
		return nil, nil
	}
	return m.position, nil
}

func (m *mockTrading) GetPositionsHistory(ctx context.Context, symbol, positionID string) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyCalls++
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.history, nil
}

func (m *mockTrading) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *mockTrading) GetBalances(ctx context.Context) ([]ports.BalanceInfo, error) {
	return nil, nil
}

func (m *mockTrading) HookOrderListener(cb func(ports.OrderUpdate)) (ports.Unhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderCb = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.unhooked = true
	}, nil
}

func (m *mockTrading) emit(u ports.OrderUpdate) {
	m.mu.Lock()
	cb := m.orderCb
	m.mu.Unlock()
	if cb != nil {
		cb(u)
	}
}

func newTestWatcher(t *testing.T, trading *mockTrading) *Watcher {
	t.Helper()
	w, err := New(Config{
		Symbol:       "BTCUSDT",
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  3,
	}, logger.NewNop(), trading)
	require.NoError(t, err)
	return w
}

func TestWaitForFill_ResolvesFromOrderStream(t *testing.T) {
	trading := &mockTrading{posAfter: 1000} // Polling never resolves
	w := newTestWatcher(t, trading)

	filledAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	go func() {
		time.Sleep(2 * time.Millisecond)
		trading.emit(ports.OrderUpdate{ClientOrderID: "other", Status: "FILLED", ExecutionPrice: 99})
		trading.emit(ports.OrderUpdate{ClientOrderID: "ord-1", Status: "NEW"})
		trading.emit(ports.OrderUpdate{ClientOrderID: "ord-1", Status: "FILLED", ExecutionPrice: 50123.5, UpdateTime: filledAt})
	}()

	fill, err := w.WaitForFill(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, 50123.5, fill.ExecutionPrice)
	assert.Equal(t, filledAt, fill.UpdateTime)

	trading.mu.Lock()
	defer trading.mu.Unlock()
	assert.True(t, trading.unhooked, "order listener must be released once resolved")
}

func TestWaitForFill_ResolvesFromPollingFallback(t *testing.T) {
	trading := &mockTrading{
		posAfter: 1,
		position: &domain.Position{
			ID:       "p-1",
			Symbol:   "BTCUSDT",
			Status:   domain.StatusOpen,
			AvgPrice: 50100,
		},
	}
	w := newTestWatcher(t, trading)

	fill, err := w.WaitForFill(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, 50100.0, fill.ExecutionPrice)
}

func TestWaitForFill_ExhaustsAttempts(t *testing.T) {
	trading := &mockTrading{posAfter: 1000}
	w := newTestWatcher(t, trading)

	_, err := w.WaitForFill(context.Background(), "ord-1")
	assert.ErrorIs(t, err, ports.ErrFillNotConfirmed)
}

func TestWaitForFill_ContextCanceled(t *testing.T) {
	trading := &mockTrading{posAfter: 1000}
	w := newTestWatcher(t, trading)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.WaitForFill(ctx, "ord-1")
	assert.ErrorIs(t, err, ports.ErrContextCanceled)
}

func TestWaitForClose_ResolvesOnAuthoritativeRecord(t *testing.T) {
	closed := &domain.Position{
		ID:         "p-1",
		Symbol:     "BTCUSDT",
		Status:     domain.StatusClosed,
		ClosePrice: 49000,
	}
	trading := &mockTrading{history: []*domain.Position{
		{ID: "p-0", Status: domain.StatusClosed},
		closed,
	}}
	w := newTestWatcher(t, trading)

	got, err := w.WaitForClose(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, closed, got)
}

func TestWaitForClose_ToleratesPollErrorsThenResolves(t *testing.T) {
	trading := &mockTrading{historyErr: ports.ErrExchangeUnavailable}
	w := newTestWatcher(t, trading)

	go func() {
		time.Sleep(6 * time.Millisecond)
		trading.mu.Lock()
		trading.historyErr = nil
		trading.history = []*domain.Position{{ID: "p-1", Status: domain.StatusClosed, ClosePrice: 48000}}
		trading.mu.Unlock()
	}()

	got, err := w.WaitForClose(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, 48000.0, got.ClosePrice)
}

// An open record in the history must not count as close confirmation.
func TestWaitForClose_IgnoresOpenRecords(t *testing.T) {
	trading := &mockTrading{history: []*domain.Position{{ID: "p-1", Status: domain.StatusOpen}}}
	w := newTestWatcher(t, trading)

	_, err := w.WaitForClose(context.Background(), "p-1")
	assert.ErrorIs(t, err, ports.ErrCloseNotConfirmed)
	trading.mu.Lock()
	defer trading.mu.Unlock()
	assert.Equal(t, 3, trading.historyCalls, "every attempt in the budget must be used")
}
