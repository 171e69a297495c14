package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
	"github.com/thuanavasosoft/bitbot-sub001/internal/fillwatcher"
	"github.com/thuanavasosoft/bitbot-sub001/internal/monitoring"
	"github.com/thuanavasosoft/bitbot-sub001/internal/pnl"
	"github.com/thuanavasosoft/bitbot-sub001/internal/ports"
	"github.com/thuanavasosoft/bitbot-sub001/internal/risk"
	"github.com/thuanavasosoft/bitbot-sub001/internal/trendwatcher"
)

// Event is an internal transition trigger emitted when a state's work
// completes. There is no external supervisor forcing transitions.
type Event string

const (
	EventStartDone Event = "start-done"
	EventEntered   Event = "entered"
	EventResolved  Event = "resolved"
)

// Transition maps a state and an event to the next state. It is a pure
// function so the cycle shape can be verified without wiring an exchange.
func Transition(s domain.BotState, e Event) (domain.BotState, error) {
	switch {
	case s == domain.StateStarting && e == EventStartDone:
		return domain.StateWaitForEntry, nil
	case s == domain.StateWaitForEntry && e == EventEntered:
		return domain.StateWaitForResolve, nil
	case s == domain.StateWaitForResolve && e == EventResolved:
		return domain.StateStarting, nil
	}
	return s, fmt.Errorf("no transition from state %q on event %q", s, e)
}

const quantityPrecision = 3

// Config holds the lifecycle machine parameters.
type Config struct {
	Symbol              string
	Variant             domain.BotVariant
	EntryMode           domain.TradeMode
	ExitMode            domain.TradeMode
	Leverage            int
	BetSize             float64 // Quote margin per trade; budget = BetSize * Leverage
	TakeProfitPct       float64 // Relative to entry price, e.g. 0.01 for 1%
	LiquidationCooldown time.Duration

	// Retry policy for setup and settlement steps. Exhaustion is fatal.
	SetupRetryAttempts int           // Default 10
	SetupRetryDelay    time.Duration // Default 5s

	// SignalingPollInterval is how often the machine re-checks for a
	// connected signaling client before a resolve may proceed. Default 1s.
	SignalingPollInterval time.Duration
}

// TrendSource feeds signal snapshots and trigger levels to the machine.
// Satisfied by *trendwatcher.Watcher.
type TrendSource interface {
	Hook(cb trendwatcher.Callback) ports.Unhook
	Last() (*domain.SignalSnapshot, *domain.TriggerLevels)
}

// Deps are the injected collaborators. Signaling, Journal and Metrics are
// optional; everything else is required.
type Deps struct {
	Logger     ports.Logger
	Market     ports.MarketDataPort
	Trading    ports.TradingPort
	Notifier   ports.Notifier
	Trend      TrendSource
	Fills      *fillwatcher.Watcher
	Accountant *pnl.Accountant
	Guard      *risk.Guard
	State      *domain.BotRunState

	Signaling ports.SignalingChannel
	Journal   ports.TradeRepository
	Metrics   *monitoring.Metrics
}

// Machine drives the position lifecycle: Starting -> WaitForEntry ->
// WaitForResolve and back. Each state's work runs to completion before the
// next state is entered, and every subscription made by a state is unhooked
// before the machine acts on a trigger, so at most one trigger ever acts on
// a given transition.
type Machine struct {
	cfg Config
	d   Deps

	// levels and lastSignal are written by watcher callbacks arriving on
	// adapter goroutines and read by price-tick handlers. Everything else
	// on BotRunState is mutated only from the Run loop.
	mu         sync.Mutex
	levels     *domain.TriggerLevels
	lastSignal domain.Signal

	startedNotified bool
	now             func() time.Time
}

// New validates dependencies and creates a lifecycle machine.
func New(cfg Config, d Deps) (*Machine, error) {
	if cfg.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if cfg.BetSize <= 0 {
		return nil, errors.New("bet size must be positive")
	}
	if cfg.Leverage <= 0 {
		return nil, errors.New("leverage must be positive")
	}
	if cfg.TakeProfitPct <= 0 {
		return nil, errors.New("take profit percentage must be positive")
	}
	if d.Logger == nil || d.Market == nil || d.Trading == nil || d.Notifier == nil ||
		d.Trend == nil || d.Fills == nil || d.Accountant == nil ||
		d.Guard == nil || d.State == nil {
		return nil, errors.New("logger, market, trading, notifier, trend, fills, accountant, guard and state are required")
	}
	if cfg.SetupRetryAttempts <= 0 {
		cfg.SetupRetryAttempts = 10
	}
	if cfg.SetupRetryDelay <= 0 {
		cfg.SetupRetryDelay = 5 * time.Second
	}
	if cfg.SignalingPollInterval <= 0 {
		cfg.SignalingPollInterval = time.Second
	}
	return &Machine{cfg: cfg, d: d, lastSignal: domain.SignalKangaroo, now: time.Now}, nil
}

// Run executes the lifecycle until the context is canceled or a fatal
// condition is hit. Any non-cancellation error returned here is fatal: it
// has already been logged and pushed through the notifier, and the caller
// is expected to terminate the process.
func (m *Machine) Run(ctx context.Context) error {
	m.d.State.State = domain.StateStarting
	for {
		if m.d.Metrics != nil {
			m.d.Metrics.SetState(m.d.State.State)
		}

		var (
			ev  Event
			err error
		)
		switch m.d.State.State {
		case domain.StateStarting:
			ev, err = m.runStarting(ctx)
		case domain.StateWaitForEntry:
			ev, err = m.runWaitForEntry(ctx)
		case domain.StateWaitForResolve:
			ev, err = m.runWaitForResolve(ctx)
		default:
			err = fmt.Errorf("unknown state %q", m.d.State.State)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ports.ErrContextCanceled) {
				return err
			}
			return m.fatal(ctx, err)
		}

		next, err := Transition(m.d.State.State, ev)
		if err != nil {
			return m.fatal(ctx, err)
		}
		m.d.State.State = next
	}
}

// fatal logs the error and pushes a human-readable message through the
// notifier so the operator is never left wondering why the bot stopped.
func (m *Machine) fatal(ctx context.Context, err error) error {
	m.d.Logger.Error(ctx, "Fatal lifecycle error, terminating", map[string]interface{}{
		"symbol": m.cfg.Symbol,
		"state":  string(m.d.State.State),
		"error":  err.Error(),
	})
	m.d.Notifier.QueueMessage(fmt.Sprintf("🛑 %s bot stopping: %v", m.cfg.Symbol, err))
	return fmt.Errorf("lifecycle terminated in state %s: %w", m.d.State.State, err)
}

// withRetry runs fn with bounded attempts and fixed backoff.
func (m *Machine) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.SetupRetryAttempts; attempt++ {
		if err := fn(ctx); err != nil {
			lastErr = err
			m.d.Logger.Warn(ctx, "Step failed, will retry", map[string]interface{}{
				"op":      op,
				"attempt": attempt,
				"error":   err.Error(),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.SetupRetryDelay):
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, m.cfg.SetupRetryAttempts, lastErr)
}

func (m *Machine) runStarting(ctx context.Context) (Event, error) {
	if remaining := m.d.Guard.CooldownRemaining(m.d.State, m.now()); remaining > 0 {
		m.d.State.Sleeping = true
		m.d.Logger.Info(ctx, "Liquidation cooldown active, sleeping", map[string]interface{}{
			"symbol":    m.cfg.Symbol,
			"remaining": remaining.String(),
		})
		m.d.Notifier.QueueMessage(fmt.Sprintf("😴 %s sleeping for %s after liquidation", m.cfg.Symbol, remaining.Round(time.Second)))
		select {
		case <-ctx.Done():
			m.d.State.Sleeping = false
			return "", ctx.Err()
		case <-time.After(remaining):
		}
		m.d.State.Sleeping = false
	}

	var balance float64
	err := m.withRetry(ctx, "refresh balance", func(ctx context.Context) error {
		var err error
		balance, err = m.d.Accountant.FreeBalance(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	if err := m.d.Guard.ValidateStart(ctx, m.cfg.BetSize, m.cfg.Leverage, balance); err != nil {
		return "", err
	}

	if m.d.State.StartBalance == 0 {
		m.d.State.StartBalance = balance
	}
	m.d.State.CurrentBalance = balance
	if m.d.Metrics != nil {
		m.d.Metrics.SetQuoteBalance(balance)
	}

	err = m.withRetry(ctx, "set leverage", func(ctx context.Context) error {
		return m.d.Trading.SetLeverage(ctx, m.cfg.Symbol, m.cfg.Leverage)
	})
	if err != nil {
		return "", err
	}

	m.d.Logger.Info(ctx, "Cycle ready", map[string]interface{}{
		"symbol":   m.cfg.Symbol,
		"balance":  balance,
		"leverage": m.cfg.Leverage,
		"variant":  string(m.cfg.Variant),
	})
	if !m.startedNotified {
		m.startedNotified = true
		m.d.Notifier.QueueMessage(fmt.Sprintf("🤖 %s bot started (%s, x%d, bet %.2f)",
			m.cfg.Symbol, m.cfg.Variant, m.cfg.Leverage, m.cfg.BetSize))
	}
	return EventStartDone, nil
}

// entryTrigger is the first entry condition to fire.
type entryTrigger struct {
	side      domain.PositionSide
	price     float64
	reference float64 // Trigger level crossed, for slippage accounting
	reason    string
}

// resolveTrigger is the first exit condition to fire.
type resolveTrigger struct {
	reason    domain.CloseReason
	price     float64
	reference float64
}

// observeSnapshot records a fresh watcher snapshot. Levels older than the
// given floor are stale leftovers from before the last transition and are
// discarded, so triggers never act on pre-exit (or pre-entry) data.
func (m *Machine) observeSnapshot(snap domain.SignalSnapshot, lvls domain.TriggerLevels, notBefore time.Time) {
	if !lvls.UpdatedAt.After(notBefore) {
		return
	}
	m.mu.Lock()
	l := lvls
	m.levels = &l
	if snap.Signal != domain.SignalKangaroo {
		m.lastSignal = snap.Signal
	}
	m.d.State.LastSRUpdateTime = lvls.UpdatedAt
	m.mu.Unlock()
	if m.d.Metrics != nil {
		m.d.Metrics.SignalCheckCompleted()
	}
}

// freshLevels returns the current trigger levels if they were observed
// strictly after the floor, nil otherwise.
func (m *Machine) freshLevels(notBefore time.Time) *domain.TriggerLevels {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil || !m.levels.UpdatedAt.After(notBefore) {
		return nil
	}
	l := *m.levels
	return &l
}

func (m *Machine) currentSignal() domain.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSignal
}

// sideFor maps a breakout direction to a position side under a trade mode.
func sideFor(up bool, mode domain.TradeMode) domain.PositionSide {
	side := domain.Long
	if !up {
		side = domain.Short
	}
	if mode == domain.ModeAgainst {
		side = side.Opposite()
	}
	return side
}

func (m *Machine) runWaitForEntry(ctx context.Context) (Event, error) {
	sinceExit := m.d.State.LastExitTime

	m.mu.Lock()
	m.levels = nil
	m.mu.Unlock()

	trig := make(chan entryTrigger, 1)
	fire := func(t entryTrigger) {
		select {
		case trig <- t:
		default:
		}
	}

	var unhooks []ports.Unhook
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			for _, u := range unhooks {
				u()
			}
		})
	}
	defer teardown()

	// Seed from the last completed check, if it postdates the last exit.
	if snap, lvls := m.d.Trend.Last(); snap != nil && lvls != nil {
		m.observeSnapshot(*snap, *lvls, sinceExit)
	}

	prevSignal := m.currentSignal()
	unhookTrend := m.d.Trend.Hook(func(snap domain.SignalSnapshot, lvls domain.TriggerLevels) {
		m.observeSnapshot(snap, lvls, sinceExit)
		if m.cfg.Variant != domain.VariantAITrend {
			return
		}
		// Trend-flip entry: enter when the classification changes to a
		// fresh directional signal.
		if !lvls.UpdatedAt.After(sinceExit) || snap.Signal == domain.SignalKangaroo || snap.Signal == prevSignal {
			return
		}
		prevSignal = snap.Signal
		ref := lvls.Long
		if snap.Signal == domain.SignalDown {
			ref = lvls.Short
		}
		// The trigger level stands in for the price until the fill reports
		// the real execution price.
		fire(entryTrigger{
			side:      sideFor(snap.Signal == domain.SignalUp, m.cfg.EntryMode),
			price:     ref,
			reference: ref,
			reason:    "trend flip " + string(snap.Signal),
		})
	})
	unhooks = append(unhooks, unhookTrend)

	if m.cfg.Variant == domain.VariantBreakout || m.cfg.Variant == domain.VariantCombo {
		unhookPrice, err := m.d.Market.HookPriceListener(m.cfg.Symbol, func(price float64) {
			lvls := m.freshLevels(sinceExit)
			if lvls == nil {
				return
			}
			var up bool
			switch {
			case price >= lvls.Long:
				up = true
			case price <= lvls.Short:
				up = false
			default:
				return
			}
			if m.cfg.Variant == domain.VariantCombo {
				// Combo gates the price trigger on signal agreement.
				sig := m.currentSignal()
				if (up && sig != domain.SignalUp) || (!up && sig != domain.SignalDown) {
					return
				}
			}
			ref := lvls.Short
			if up {
				ref = lvls.Long
			}
			fire(entryTrigger{
				side:      sideFor(up, m.cfg.EntryMode),
				price:     price,
				reference: ref,
				reason:    fmt.Sprintf("trigger cross at %.2f", ref),
			})
		})
		if err != nil {
			return "", fmt.Errorf("hooking price listener: %w", err)
		}
		unhooks = append(unhooks, unhookPrice)
	}

	var t entryTrigger
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case t = <-trig:
	}
	// The first trigger removes every competing listener before acting.
	teardown()

	return m.enterPosition(ctx, t)
}

func (m *Machine) enterPosition(ctx context.Context, t entryTrigger) (Event, error) {
	budget := m.cfg.BetSize * float64(m.cfg.Leverage)
	qty := floorTo(budget/t.price, quantityPrecision)
	if qty <= 0 {
		return "", fmt.Errorf("budget %.2f too small for quantity at price %.2f", budget, t.price)
	}

	m.d.Logger.Info(ctx, "Entry triggered", map[string]interface{}{
		"symbol": m.cfg.Symbol,
		"side":   string(t.side),
		"price":  t.price,
		"qty":    qty,
		"reason": t.reason,
	})

	if m.d.Signaling != nil {
		msgType := ports.SignalOpenLong
		if t.side == domain.Short {
			msgType = ports.SignalOpenShort
		}
		if err := m.d.Signaling.Broadcast(ports.SignalMessage{Type: msgType, Budget: budget}); err != nil {
			m.d.Logger.Warn(ctx, "Signaling broadcast failed", map[string]interface{}{"error": err.Error()})
		}
	}

	clientOrderID := fmt.Sprintf("bb-%s-%d", strings.ToLower(m.cfg.Symbol), m.now().UnixNano())
	// No retry here: resubmitting after an ambiguous failure could open a
	// second position, which is worse than halting.
	_, err := m.d.Trading.PlaceOrder(ctx, ports.OrderRequest{
		Symbol:        m.cfg.Symbol,
		Side:          domain.OrderSideFor(t.side),
		Type:          "MARKET",
		Quantity:      qty,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return "", fmt.Errorf("placing entry order: %w", err)
	}

	fill, err := m.d.Fills.WaitForFill(ctx, clientOrderID)
	if err != nil {
		return "", fmt.Errorf("confirming entry fill: %w", err)
	}

	pos := m.resolveOpenPosition(ctx, t.side, qty, fill)
	contribution := m.d.Accountant.RecordSlippage(t.side, true, t.reference, fill.ExecutionPrice)
	if m.d.Metrics != nil {
		m.d.Metrics.SetSlippage(m.d.State.AccumulatedSlippage)
		m.d.Metrics.RecordTrade("entry")
	}

	entryTime := fill.UpdateTime
	if entryTime.IsZero() {
		entryTime = m.now()
	}
	m.d.State.CurrActivePosition = pos
	m.d.State.LastEntryTime = entryTime
	m.d.State.NumberOfTrades++

	m.d.Notifier.QueueMessage(fmt.Sprintf("📈 %s opened %s %.3f @ %.2f (slippage %+.4f)",
		m.cfg.Symbol, t.side, qty, fill.ExecutionPrice, contribution))
	return EventEntered, nil
}

// resolveOpenPosition fetches the authoritative open position, falling back
// to a locally synthesized one when the exchange lags behind the fill.
func (m *Machine) resolveOpenPosition(ctx context.Context, side domain.PositionSide, qty float64, fill *fillwatcher.Fill) *domain.Position {
	for attempt := 0; attempt < 3; attempt++ {
		pos, err := m.d.Trading.GetPosition(ctx, m.cfg.Symbol)
		if err == nil && pos != nil && pos.IsOpen() {
			return pos
		}
		if err != nil {
			m.d.Logger.Warn(ctx, "Fetching open position failed", map[string]interface{}{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return m.synthesizePosition(side, qty, fill)
		case <-time.After(time.Second):
		}
	}
	m.d.Logger.Warn(ctx, "Open position not visible yet, using fill data", map[string]interface{}{
		"symbol": m.cfg.Symbol,
	})
	return m.synthesizePosition(side, qty, fill)
}

// synthesizePosition builds a position record from the confirmed fill. The
// symbol doubles as the id, matching how one-way-mode exchanges identify
// positions, so a later close lookup still resolves.
func (m *Machine) synthesizePosition(side domain.PositionSide, qty float64, fill *fillwatcher.Fill) *domain.Position {
	return &domain.Position{
		ID:         m.cfg.Symbol,
		Symbol:     m.cfg.Symbol,
		Side:       side,
		Size:       qty,
		AvgPrice:   fill.ExecutionPrice,
		Leverage:   m.cfg.Leverage,
		CreateTime: fill.UpdateTime,
		Status:     domain.StatusOpen,
	}
}

func (m *Machine) runWaitForResolve(ctx context.Context) (Event, error) {
	pos := m.d.State.CurrActivePosition
	if pos == nil {
		return "", errors.New("entered WaitForResolve without an active position")
	}
	sinceEntry := m.d.State.LastEntryTime

	tpLevel := pos.AvgPrice * (1 + m.cfg.TakeProfitPct)
	if pos.Side == domain.Short {
		tpLevel = pos.AvgPrice * (1 - m.cfg.TakeProfitPct)
	}

	trig := make(chan resolveTrigger, 1)
	fire := func(t resolveTrigger) {
		select {
		case trig <- t:
		default:
		}
	}

	var unhooks []ports.Unhook
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			for _, u := range unhooks {
				u()
			}
		})
	}
	defer teardown()

	expectedSignal := domain.SignalUp
	if sideFor(true, m.cfg.EntryMode) != pos.Side {
		expectedSignal = domain.SignalDown
	}
	unhookTrend := m.d.Trend.Hook(func(snap domain.SignalSnapshot, lvls domain.TriggerLevels) {
		m.observeSnapshot(snap, lvls, sinceEntry)
		if m.cfg.Variant != domain.VariantAITrend {
			return
		}
		// A fresh post-entry classification against the position closes it.
		if !lvls.UpdatedAt.After(sinceEntry) || snap.Signal == domain.SignalKangaroo || snap.Signal == expectedSignal {
			return
		}
		ref := lvls.Short
		if snap.Signal == domain.SignalUp {
			ref = lvls.Long
		}
		fire(resolveTrigger{reason: domain.CloseReasonTrendFlip, price: ref, reference: ref})
	})
	unhooks = append(unhooks, unhookTrend)

	unhookPrice, err := m.d.Market.HookPriceListener(m.cfg.Symbol, func(price float64) {
		// Take profit needs no signal at all.
		if (pos.Side == domain.Long && price >= tpLevel) || (pos.Side == domain.Short && price <= tpLevel) {
			fire(resolveTrigger{reason: domain.CloseReasonTakeProfit, price: price, reference: tpLevel})
			return
		}

		// Liquidation suspicion: necessary but not sufficient; the
		// authoritative closed record is demanded before declaring it.
		if pos.LiquidationPrice > 0 {
			if (pos.Side == domain.Long && price <= pos.LiquidationPrice) ||
				(pos.Side == domain.Short && price >= pos.LiquidationPrice) {
				fire(resolveTrigger{reason: domain.CloseReasonLiquidation, price: price})
				return
			}
		}

		// Level-breach exit requires levels observed strictly after entry,
		// so a position never exits on the same snapshot it entered on.
		lvls := m.freshLevels(sinceEntry)
		if lvls == nil {
			return
		}
		var breach bool
		var ref float64
		if m.cfg.ExitMode == domain.ModeFollow {
			// Opposing trigger breach.
			if pos.Side == domain.Long {
				breach, ref = price <= lvls.Short, lvls.Short
			} else {
				breach, ref = price >= lvls.Long, lvls.Long
			}
		} else {
			// Entry-side trigger recrossed adversely.
			if pos.Side == domain.Long {
				breach, ref = price <= lvls.Long, lvls.Long
			} else {
				breach, ref = price >= lvls.Short, lvls.Short
			}
		}
		if breach {
			fire(resolveTrigger{reason: domain.CloseReasonLevelBreach, price: price, reference: ref})
		}
	})
	if err != nil {
		return "", fmt.Errorf("hooking price listener: %w", err)
	}
	unhooks = append(unhooks, unhookPrice)

	var t resolveTrigger
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case t = <-trig:
	}
	teardown()

	return m.resolvePosition(ctx, pos, t)
}

func (m *Machine) resolvePosition(ctx context.Context, pos *domain.Position, t resolveTrigger) (Event, error) {
	m.d.Logger.Info(ctx, "Resolve triggered", map[string]interface{}{
		"symbol": m.cfg.Symbol,
		"reason": string(t.reason),
		"price":  t.price,
	})

	liquidated := t.reason == domain.CloseReasonLiquidation
	var closed *domain.Position
	var err error

	if liquidated {
		// The price feed crossing the liquidation level is only a
		// suspicion. Poll history for the exchange's closed record; if it
		// never appears the machine must halt rather than guess a PnL.
		closed, err = m.d.Fills.WaitForClose(ctx, pos.ID)
		if err != nil {
			return "", fmt.Errorf("confirming liquidation of %s: %w", pos.ID, err)
		}
		m.d.State.LiquidationCooldownUntil = m.now().Add(m.cfg.LiquidationCooldown)
		m.d.Notifier.QueueMessage(fmt.Sprintf("💥 %s %s position liquidated @ %.2f, cooling down %s",
			m.cfg.Symbol, pos.Side, closed.ClosePrice, m.cfg.LiquidationCooldown))
	} else {
		if err := m.awaitSignalingClient(ctx); err != nil {
			return "", err
		}
		if m.d.Signaling != nil {
			if err := m.d.Signaling.Broadcast(ports.SignalMessage{Type: ports.SignalClosePosition}); err != nil {
				m.d.Logger.Warn(ctx, "Signaling broadcast failed", map[string]interface{}{"error": err.Error()})
			}
		}

		clientOrderID := fmt.Sprintf("bb-close-%s-%d", strings.ToLower(m.cfg.Symbol), m.now().UnixNano())
		_, err = m.d.Trading.PlaceOrder(ctx, ports.OrderRequest{
			Symbol:        m.cfg.Symbol,
			Side:          domain.OrderSideFor(pos.Side.Opposite()),
			Type:          "MARKET",
			Quantity:      pos.Size,
			ClientOrderID: clientOrderID,
			ReduceOnly:    true,
		})
		if err != nil {
			return "", fmt.Errorf("placing close order: %w", err)
		}
		closed, err = m.d.Fills.WaitForClose(ctx, pos.ID)
		if err != nil {
			return "", fmt.Errorf("confirming close of %s: %w", pos.ID, err)
		}
	}

	if t.reference > 0 && closed.ClosePrice > 0 {
		m.d.Accountant.RecordSlippage(pos.Side, false, t.reference, closed.ClosePrice)
	}

	var metrics domain.TradeMetrics
	err = m.withRetry(ctx, "settle pnl", func(ctx context.Context) error {
		var err error
		metrics, err = m.d.Accountant.HandlePnL(ctx, closed.RealizedPnl, liquidated)
		return err
	})
	if err != nil {
		return "", err
	}

	exitTime := closed.UpdateTime
	if exitTime.IsZero() {
		exitTime = m.now()
	}

	if m.d.Journal != nil {
		trade := &domain.Trade{
			PositionID:  pos.ID,
			Symbol:      m.cfg.Symbol,
			Side:        pos.Side,
			EntryPrice:  pos.AvgPrice,
			ExitPrice:   closed.ClosePrice,
			Quantity:    pos.Size,
			Leverage:    pos.Leverage,
			PNL:         closed.RealizedPnl,
			FeeEstimate: metrics.FeeEstimate,
			EntryTime:   m.d.State.LastEntryTime,
			ExitTime:    exitTime,
			CloseReason: t.reason,
			Liquidated:  liquidated,
		}
		if _, err := m.d.Journal.CreateTrade(ctx, trade); err != nil {
			m.d.Logger.Warn(ctx, "Journaling trade failed", map[string]interface{}{
				"positionID": pos.ID,
				"error":      err.Error(),
			})
		}
	}

	if m.d.Metrics != nil {
		m.d.Metrics.RecordTrade("exit")
		m.d.Metrics.RecordSettlement(metrics, liquidated)
		m.d.Metrics.SetCalculatedProfit(m.d.State.TotalCalculatedProfit)
		m.d.Metrics.SetQuoteBalance(m.d.State.CurrentBalance)
		m.d.Metrics.SetSlippage(m.d.State.AccumulatedSlippage)
		m.d.Metrics.ObserveTradeDuration(exitTime.Sub(m.d.State.LastEntryTime))
	}

	m.d.State.CurrActivePosition = nil
	m.d.State.LastExitTime = exitTime
	m.d.State.NumberOfTrades++

	m.d.Notifier.QueueMessage(fmt.Sprintf("📉 %s closed %s @ %.2f (%s) pnl %.4f net %.4f total %.4f",
		m.cfg.Symbol, pos.Side, closed.ClosePrice, t.reason, closed.RealizedPnl, metrics.NetPnl, m.d.State.TotalCalculatedProfit))
	return EventResolved, nil
}

// awaitSignalingClient blocks until at least one signaling client is
// connected, polling every SignalingPollInterval. A nil channel disables
// the gate entirely.
func (m *Machine) awaitSignalingClient(ctx context.Context) error {
	if m.d.Signaling == nil {
		return nil
	}
	for {
		n := m.d.Signaling.ClientCount()
		if m.d.Metrics != nil {
			m.d.Metrics.SetSignalingClients(n)
		}
		if n > 0 {
			return nil
		}
		m.d.Logger.Debug(ctx, "Waiting for a signaling client before resolving", nil)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.SignalingPollInterval):
		}
	}
}

func floorTo(v float64, precision int) float64 {
	p := math.Pow10(precision)
	return math.Floor(v*p) / p
}
