package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
	"github.com/thuanavasosoft/bitbot-sub001/internal/fillwatcher"
	"github.com/thuanavasosoft/bitbot-sub001/internal/pnl"
	"github.com/thuanavasosoft/bitbot-sub001/internal/ports"
	"github.com/thuanavasosoft/bitbot-sub001/internal/risk"
	"github.com/thuanavasosoft/bitbot-sub001/internal/trendwatcher"
)

type noopLogger struct{}

func (noopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (noopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Error(ctx context.Context, msg string, fields ...map[string]interface{}) {}

type fakeTrend struct {
	mu     sync.Mutex
	subs   map[int]trendwatcher.Callback
	nextID int
	snap   *domain.SignalSnapshot
	lvls   *domain.TriggerLevels
}

func newFakeTrend() *fakeTrend {
	return &fakeTrend{subs: make(map[int]trendwatcher.Callback)}
}

func (f *fakeTrend) Hook(cb trendwatcher.Callback) ports.Unhook {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subs[id] = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeTrend) Last() (*domain.SignalSnapshot, *domain.TriggerLevels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.lvls
}

func (f *fakeTrend) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeTrend) publish(sig domain.Signal, long, short float64, at time.Time) {
	snap := domain.SignalSnapshot{Signal: sig, EvaluatedAt: at}
	lvls := domain.TriggerLevels{Long: long, Short: short, UpdatedAt: at}
	f.mu.Lock()
	f.snap, f.lvls = &snap, &lvls
	cbs := make([]trendwatcher.Callback, 0, len(f.subs))
	for _, cb := range f.subs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(snap, lvls)
	}
}

type fakeMarket struct {
	mu     sync.Mutex
	subs   map[int]func(float64)
	nextID int
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{subs: make(map[int]func(float64))}
}

func (f *fakeMarket) GetCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]*domain.Candle, error) {
	return nil, nil
}
func (f *fakeMarket) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, ports.ErrNotFound
}
func (f *fakeMarket) PricePrecision(ctx context.Context, symbol string) (int, error) { return 2, nil }

func (f *fakeMarket) HookPriceListener(symbol string, cb func(price float64)) (ports.Unhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subs[id] = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}, nil
}

func (f *fakeMarket) HookPriceListenerWithTimestamp(symbol string, cb func(price float64, at time.Time)) (ports.Unhook, error) {
	return func() {}, nil
}

func (f *fakeMarket) emit(price float64) {
	f.mu.Lock()
	cbs := make([]func(float64), 0, len(f.subs))
	for _, cb := range f.subs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(price)
	}
}

func (f *fakeMarket) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// fakeExchange simulates the trading port for full lifecycle runs. Entry
// orders open a position immediately; reduce-only orders close it, append
// the authoritative record to history, and settle the wallet.
type fakeExchange struct {
	t *testing.T

	mu           sync.Mutex
	balance      float64
	leverage     int
	openPos      *domain.Position
	history      []*domain.Position
	entryOrders  int
	closeOrders  int
	posSeq       int
	realizedPnl  float64 // Reported on each close
	balanceDelta float64 // Actual wallet movement on each close
	liqPrice     float64
	suppressFill bool // Leave the position invisible after entry orders
	noCloseRecs  bool // Never produce closed records (liquidation ghost)
}

func newFakeExchange(t *testing.T) *fakeExchange {
	return &fakeExchange{t: t, balance: 1000, realizedPnl: 5, balanceDelta: 4.8, liqPrice: 90}
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.ReduceOnly {
		f.closeOrders++
		if f.openPos == nil {
			f.t.Error("close order placed with no open position")
			return &ports.OrderAck{ClientOrderID: req.ClientOrderID}, nil
		}
		if !f.noCloseRecs {
			closed := *f.openPos
			closed.Status = domain.StatusClosed
			closed.ClosePrice = f.openPos.AvgPrice * 1.011
			closed.RealizedPnl = f.realizedPnl
			closed.UpdateTime = time.Now()
			f.history = append(f.history, &closed)
			f.balance += f.balanceDelta
		}
		f.openPos = nil
		return &ports.OrderAck{ClientOrderID: req.ClientOrderID}, nil
	}

	f.entryOrders++
	if f.openPos != nil {
		f.t.Errorf("second entry order while position %s is open", f.openPos.ID)
	}
	f.posSeq++
	side := domain.Long
	if req.Side == domain.Sell {
		side = domain.Short
	}
	f.openPos = &domain.Position{
		ID:               fmt.Sprintf("pos-%d", f.posSeq),
		Symbol:           req.Symbol,
		Side:             side,
		Size:             req.Quantity,
		AvgPrice:         100.3,
		Leverage:         f.leverage,
		LiquidationPrice: f.liqPrice,
		CreateTime:       time.Now(),
		UpdateTime:       time.Now(),
		Status:           domain.StatusOpen,
	}
	return &ports.OrderAck{OrderID: int64(f.posSeq), ClientOrderID: req.ClientOrderID}, nil
}

func (f *fakeExchange) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openPos == nil || f.suppressFill {
		return nil, nil
	}
	p := *f.openPos
	return &p, nil
}

func (f *fakeExchange) GetPositionsHistory(ctx context.Context, symbol, positionID string) ([]*domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Position, len(f.history))
	copy(out, f.history)
	return out, nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage = leverage
	return nil
}

func (f *fakeExchange) GetBalances(ctx context.Context) ([]ports.BalanceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []ports.BalanceInfo{{Asset: "USDT", Free: f.balance, Total: f.balance}}, nil
}

func (f *fakeExchange) HookOrderListener(cb func(ports.OrderUpdate)) (ports.Unhook, error) {
	return func() {}, nil
}

func (f *fakeExchange) counts() (entries, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entryOrders, f.closeOrders
}

func (f *fakeExchange) hasOpenPosition() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openPos != nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeNotifier) QueueMessage(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, text)
}

func (f *fakeNotifier) contains(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

type fakeSignaling struct {
	mu      sync.Mutex
	clients int
	msgs    []ports.SignalMessage
}

func (f *fakeSignaling) Broadcast(msg ports.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSignaling) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients
}

func (f *fakeSignaling) setClients(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients = n
}

type harness struct {
	machine  *Machine
	exchange *fakeExchange
	market   *fakeMarket
	trend    *fakeTrend
	notifier *fakeNotifier
	state    *domain.BotRunState
}

func newHarness(t *testing.T, mutate func(cfg *Config, d *Deps)) *harness {
	t.Helper()
	exchange := newFakeExchange(t)
	market := newFakeMarket()
	trend := newFakeTrend()
	notifier := &fakeNotifier{}
	state := &domain.BotRunState{}
	logger := noopLogger{}

	fills, err := fillwatcher.New(fillwatcher.Config{
		Symbol:       "BTCUSDT",
		PollInterval: 2 * time.Millisecond,
		MaxAttempts:  5,
	}, logger, exchange)
	require.NoError(t, err)

	accountant, err := pnl.New("USDT", logger, exchange, state)
	require.NoError(t, err)

	guard, err := risk.New(risk.Config{MaxLeverage: 125, MinQuoteBalance: 10}, logger)
	require.NoError(t, err)

	cfg := Config{
		Symbol:                "BTCUSDT",
		Variant:               domain.VariantBreakout,
		EntryMode:             domain.ModeFollow,
		ExitMode:              domain.ModeFollow,
		Leverage:              10,
		BetSize:               50,
		TakeProfitPct:         0.01,
		LiquidationCooldown:   time.Hour,
		SetupRetryAttempts:    2,
		SetupRetryDelay:       time.Millisecond,
		SignalingPollInterval: time.Millisecond,
	}
	deps := Deps{
		Logger:     logger,
		Market:     market,
		Trading:    exchange,
		Notifier:   notifier,
		Trend:      trend,
		Fills:      fills,
		Accountant: accountant,
		Guard:      guard,
		State:      state,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	machine, err := New(cfg, deps)
	require.NoError(t, err)
	return &harness{machine: machine, exchange: exchange, market: market, trend: trend, notifier: notifier, state: state}
}

func TestTransitionTable(t *testing.T) {
	next, err := Transition(domain.StateStarting, EventStartDone)
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaitForEntry, next)

	next, err = Transition(domain.StateWaitForEntry, EventEntered)
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaitForResolve, next)

	next, err = Transition(domain.StateWaitForResolve, EventResolved)
	require.NoError(t, err)
	assert.Equal(t, domain.StateStarting, next)

	_, err = Transition(domain.StateStarting, EventResolved)
	assert.Error(t, err)
	_, err = Transition(domain.StateWaitForEntry, EventStartDone)
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t, nil)
	base := h.machine.cfg

	cfg := base
	cfg.BetSize = 0
	_, err := New(cfg, h.machine.d)
	assert.Error(t, err)

	cfg = base
	cfg.Symbol = ""
	_, err = New(cfg, h.machine.d)
	assert.Error(t, err)

	d := h.machine.d
	d.Trading = nil
	_, err = New(base, d)
	assert.Error(t, err)
}

// A continuous pump feeding fresh levels and prices drives the machine
// through complete round trips: entries never overlap and the trade count
// advances by exactly two per cycle.
func TestRun_RoundTrips(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.machine.Run(ctx) }()

	const rounds = 3
	pumpCtx, stopPump := context.WithCancel(context.Background())
	defer stopPump()
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case <-ticker.C:
				h.trend.publish(domain.SignalUp, 100.2, 99.8, time.Now())
				_, closes := h.exchange.counts()
				if h.exchange.hasOpenPosition() {
					h.market.emit(101.4) // Above the 1% take profit from 100.3
				} else if closes < rounds {
					h.market.emit(100.3) // Above the long trigger
				}
			}
		}
	}()

	require.Eventually(t, func() bool {
		_, closes := h.exchange.counts()
		return closes >= rounds && !h.exchange.hasOpenPosition()
	}, 5*time.Second, time.Millisecond)
	stopPump()
	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	entries, closes := h.exchange.counts()
	assert.GreaterOrEqual(t, entries, rounds)
	assert.Equal(t, entries, closes, "every entry must be resolved")
	assert.Nil(t, h.state.CurrActivePosition)
	assert.Equal(t, entries*2, h.state.NumberOfTrades, "two trades per round trip")

	// Reported 5.0 per close against a 4.8 wallet delta nets 4.8 per trade.
	assert.InDelta(t, 4.8*float64(closes), h.state.TotalCalculatedProfit, 1e-9)
	require.Len(t, h.state.PnLHistory, closes)
	assert.InDelta(t, 4.8, h.state.PnLHistory[0], 1e-9)
}

func TestEntryIgnoresStaleLevels(t *testing.T) {
	staleAt := time.Now()
	h := newHarness(t, nil)
	h.state.LastExitTime = staleAt

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.machine.Run(ctx) }()

	require.Eventually(t, func() bool { return h.market.listenerCount() == 1 }, time.Second, time.Millisecond)

	// Levels evaluated at (not after) the last exit are pre-exit data.
	h.trend.publish(domain.SignalUp, 100.2, 99.8, staleAt)
	h.market.emit(100.5)
	time.Sleep(50 * time.Millisecond)
	entries, _ := h.exchange.counts()
	assert.Zero(t, entries, "stale levels must not trigger an entry")

	h.trend.publish(domain.SignalUp, 100.2, 99.8, staleAt.Add(time.Second))
	h.market.emit(100.5)
	require.Eventually(t, func() bool {
		entries, _ := h.exchange.counts()
		return entries == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestExitRequiresPostEntrySignal(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.machine.Run(ctx) }()

	// Drive one entry.
	require.Eventually(t, func() bool { return h.market.listenerCount() == 1 }, time.Second, time.Millisecond)
	preEntry := time.Now()
	h.trend.publish(domain.SignalUp, 100.2, 99.8, preEntry)
	h.market.emit(100.3)
	require.Eventually(t, func() bool { return h.exchange.hasOpenPosition() }, time.Second, time.Millisecond)

	// Wait for the resolve listener to be hooked.
	require.Eventually(t, func() bool {
		return h.exchange.hasOpenPosition() && h.market.listenerCount() == 1
	}, time.Second, time.Millisecond)

	// A breach on pre-entry levels must not close the position.
	h.trend.publish(domain.SignalUp, 100.2, 99.8, preEntry)
	h.market.emit(99.0)
	time.Sleep(50 * time.Millisecond)
	_, closes := h.exchange.counts()
	assert.Zero(t, closes, "pre-entry levels must not trigger an exit")

	// A fresh post-entry snapshot with the same breach does close it.
	h.trend.publish(domain.SignalUp, 100.2, 99.8, time.Now().Add(time.Second))
	h.market.emit(99.0)
	require.Eventually(t, func() bool {
		_, closes := h.exchange.counts()
		return closes == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestLiquidationUnconfirmedIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.exchange.noCloseRecs = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.machine.Run(ctx) }()

	require.Eventually(t, func() bool { return h.market.listenerCount() == 1 }, time.Second, time.Millisecond)
	h.trend.publish(domain.SignalUp, 100.2, 99.8, time.Now())
	h.market.emit(100.3)
	require.Eventually(t, func() bool {
		return h.exchange.hasOpenPosition() && h.market.listenerCount() == 1
	}, time.Second, time.Millisecond)

	// Price crosses the liquidation level but the exchange never produces
	// a closed record: the machine must terminate, not guess a PnL.
	h.market.emit(85.0)

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not terminate on unconfirmed liquidation")
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrCloseNotConfirmed)

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	require.NotEmpty(t, h.notifier.msgs)
	assert.Contains(t, h.notifier.msgs[len(h.notifier.msgs)-1], "stopping")
}

func TestLiquidationSetsCooldown(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.machine.Run(ctx) }()

	require.Eventually(t, func() bool { return h.market.listenerCount() == 1 }, time.Second, time.Millisecond)
	h.trend.publish(domain.SignalUp, 100.2, 99.8, time.Now())
	h.market.emit(100.3)
	require.Eventually(t, func() bool {
		return h.exchange.hasOpenPosition() && h.market.listenerCount() == 1
	}, time.Second, time.Millisecond)

	// Make the authoritative liquidation record appear in history.
	h.exchange.mu.Lock()
	liquidated := *h.exchange.openPos
	liquidated.Status = domain.StatusClosed
	liquidated.ClosePrice = h.exchange.liqPrice
	liquidated.RealizedPnl = -50
	liquidated.UpdateTime = time.Now()
	h.exchange.history = append(h.exchange.history, &liquidated)
	h.exchange.openPos = nil
	h.exchange.balance -= 50
	h.exchange.mu.Unlock()

	h.market.emit(85.0)

	require.Eventually(t, func() bool { return h.notifier.contains("sleeping") }, 2*time.Second, time.Millisecond)

	cancel()
	<-done
	assert.True(t, h.state.LiquidationCooldownUntil.After(time.Now()))
	_, closes := h.exchange.counts()
	assert.Zero(t, closes, "a liquidation is resolved without a close order")
	assert.Equal(t, 2, h.state.NumberOfTrades)
}

func TestResolveWaitsForSignalingClient(t *testing.T) {
	signaling := &fakeSignaling{}
	h := newHarness(t, func(cfg *Config, d *Deps) {
		d.Signaling = signaling
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.machine.Run(ctx) }()

	require.Eventually(t, func() bool { return h.market.listenerCount() == 1 }, time.Second, time.Millisecond)
	h.trend.publish(domain.SignalUp, 100.2, 99.8, time.Now())
	h.market.emit(100.3)
	require.Eventually(t, func() bool {
		return h.exchange.hasOpenPosition() && h.market.listenerCount() == 1
	}, time.Second, time.Millisecond)

	h.market.emit(101.4)
	time.Sleep(50 * time.Millisecond)
	_, closes := h.exchange.counts()
	assert.Zero(t, closes, "resolve must block until a signaling client connects")

	signaling.setClients(1)
	require.Eventually(t, func() bool {
		_, closes := h.exchange.counts()
		return closes == 1
	}, time.Second, time.Millisecond)

	signaling.mu.Lock()
	defer signaling.mu.Unlock()
	require.Len(t, signaling.msgs, 2)
	assert.Equal(t, ports.SignalOpenLong, signaling.msgs[0].Type)
	assert.InDelta(t, 500.0, signaling.msgs[0].Budget, 1e-9)
	assert.Equal(t, ports.SignalClosePosition, signaling.msgs[1].Type)

	cancel()
	<-done
}

func TestAITrendVariantEntersOnFlip(t *testing.T) {
	h := newHarness(t, func(cfg *Config, d *Deps) {
		cfg.Variant = domain.VariantAITrend
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.machine.Run(ctx) }()

	// No price trigger is hooked for the AI-trend variant; the trend
	// subscription appearing marks the entry state.
	require.Eventually(t, func() bool { return h.trend.subCount() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, h.market.listenerCount())

	h.trend.publish(domain.SignalDown, 100.2, 99.8, time.Now())
	require.Eventually(t, func() bool { return h.exchange.hasOpenPosition() }, time.Second, time.Millisecond)

	h.exchange.mu.Lock()
	side := h.exchange.openPos.Side
	h.exchange.mu.Unlock()
	assert.Equal(t, domain.Short, side, "follow mode opens short on a Down flip")

	cancel()
	<-done
}
