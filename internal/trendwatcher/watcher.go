package trendwatcher

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
	"github.com/thuanavasosoft/bitbot-sub001/internal/ports"
	"github.com/thuanavasosoft/bitbot-sub001/internal/signal"
)

// unfinishedBarWindow is how recently a bar may have opened before it is
// treated as incomplete and dropped from the evaluation window.
const unfinishedBarWindow = 60 * time.Second

// lookbackSlack is extra bars fetched beyond the engine minimum so the
// unfinished-bar filter cannot starve the window.
const lookbackSlack = 5

// Callback receives a signal snapshot and the trigger levels derived from it.
type Callback func(snap domain.SignalSnapshot, levels domain.TriggerLevels)

// Config holds the watcher tuning.
type Config struct {
	Symbol         string
	CandleInterval string        // Exchange candle resolution, e.g. "1m"
	CheckInterval  time.Duration // Check cadence, whole minutes
	CheckOffset    time.Duration // Offset past the interval boundary
	BufferPct      float64       // Asymmetric trigger buffer, in percent
	Params         signal.Params
}

// Watcher maintains a rolling breakout signal view over live candles and
// notifies subscribers once per check interval. Iteration failures are
// reported and skipped; they never stop the loop.
type Watcher struct {
	cfg    Config
	logger ports.Logger
	market ports.MarketDataPort

	mu        sync.Mutex
	subs      map[int]Callback
	nextSubID int
	precision int
	hasPrec   bool
	lastSnap  *domain.SignalSnapshot
	lastLvls  *domain.TriggerLevels
}

// New creates a watcher. CheckInterval must be a positive whole number of minutes.
func New(cfg Config, logger ports.Logger, market ports.MarketDataPort) (*Watcher, error) {
	if logger == nil || market == nil {
		return nil, fmt.Errorf("missing required dependencies for trend watcher")
	}
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if cfg.CheckInterval < time.Minute || cfg.CheckInterval%time.Minute != 0 {
		return nil, fmt.Errorf("check interval must be a positive whole number of minutes")
	}
	if cfg.CheckOffset < 0 || cfg.CheckOffset >= time.Minute {
		return nil, fmt.Errorf("check offset must be in [0, 1m)")
	}
	if cfg.CandleInterval == "" {
		cfg.CandleInterval = "1m"
	}
	return &Watcher{
		cfg:    cfg,
		logger: logger,
		market: market,
		subs:   make(map[int]Callback),
	}, nil
}

// Hook subscribes to signal snapshots. Callers are expected to keep a single
// active subscription and unhook before re-subscribing, though multiple
// subscribers are technically supported.
func (w *Watcher) Hook(cb Callback) ports.Unhook {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSubID
	w.nextSubID++
	w.subs[id] = cb
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, id)
	}
}

// Last returns the most recent snapshot and trigger levels, or nil before
// the first successful check.
func (w *Watcher) Last() (*domain.SignalSnapshot, *domain.TriggerLevels) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSnap, w.lastLvls
}

// Run drives the check loop until the context is canceled. Checks align to
// wall-clock interval boundaries plus the configured offset, so concurrent
// bots on one host stay synchronized and intervals never drift.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info(ctx, "Trend watcher started", map[string]interface{}{
		"symbol":   w.cfg.Symbol,
		"interval": w.cfg.CheckInterval.String(),
		"offset":   w.cfg.CheckOffset.String(),
	})
	for {
		wait := w.untilNextCheck(time.Now())
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "Trend watcher stopped")
			return
		case <-time.After(wait):
		}

		if err := w.CheckNow(ctx); err != nil {
			// Never fatal: skip this interval and try the next one.
			w.logger.Warn(ctx, "Signal check failed, skipping interval", map[string]interface{}{
				"symbol": w.cfg.Symbol,
				"error":  err.Error(),
			})
		}
	}
}

// untilNextCheck returns the sleep before the next aligned check.
func (w *Watcher) untilNextCheck(now time.Time) time.Duration {
	boundary := now.Truncate(w.cfg.CheckInterval).Add(w.cfg.CheckInterval)
	next := boundary.Add(w.cfg.CheckOffset)
	// If the offset already passed within this interval, take the next one.
	if cur := boundary.Add(-w.cfg.CheckInterval).Add(w.cfg.CheckOffset); cur.After(now) {
		next = cur
	}
	return next.Sub(now)
}

// CheckNow runs one signal evaluation immediately and notifies subscribers
// on success. Exposed for the lifecycle machine and for tests.
func (w *Watcher) CheckNow(ctx context.Context) error {
	now := time.Now()
	lookback := time.Duration(w.cfg.Params.MinBars()+lookbackSlack) * time.Minute
	candles, err := w.market.GetCandles(ctx, w.cfg.Symbol, w.cfg.CandleInterval, now.Add(-lookback-unfinishedBarWindow), now)
	if err != nil {
		return fmt.Errorf("candle fetch failed: %w", err)
	}

	// Drop any bar opened within the last 60s as unfinished.
	cutoff := now.Add(-unfinishedBarWindow)
	finished := candles[:0]
	for _, c := range candles {
		if c.OpenTime.Before(cutoff) {
			finished = append(finished, c)
		}
	}

	if len(finished) < w.cfg.Params.MinBars() {
		w.logger.Warn(ctx, "Not enough finished candles for signal calculation", map[string]interface{}{
			"symbol":    w.cfg.Symbol,
			"available": len(finished),
			"required":  w.cfg.Params.MinBars(),
		})
		return ports.ErrInsufficientData
	}

	snap := signal.CalculateBreakoutSignal(finished, w.cfg.Params)
	if !snap.Ready() {
		return ports.ErrInsufficientData
	}

	levels, err := w.triggerLevels(ctx, snap)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.lastSnap = &snap
	w.lastLvls = &levels
	cbs := make([]Callback, 0, len(w.subs))
	for _, cb := range w.subs {
		cbs = append(cbs, cb)
	}
	w.mu.Unlock()

	w.logger.Debug(ctx, "Signal snapshot", map[string]interface{}{
		"symbol":      w.cfg.Symbol,
		"signal":      string(snap.Signal),
		"support":     *snap.Support,
		"resistance":  *snap.Resistance,
		"atr":         *snap.ATR,
		"longTrigger": levels.Long,
		"shortTrig":   levels.Short,
	})

	for _, cb := range cbs {
		cb(snap, levels)
	}
	return nil
}

// triggerLevels applies the asymmetric buffer to raw support/resistance and
// rounds each trigger toward the side least favorable to a worse fill:
// the long trigger rounds down, the short trigger rounds up.
func (w *Watcher) triggerLevels(ctx context.Context, snap domain.SignalSnapshot) (domain.TriggerLevels, error) {
	prec, err := w.pricePrecision(ctx)
	if err != nil {
		return domain.TriggerLevels{}, fmt.Errorf("price precision lookup failed: %w", err)
	}

	long := *snap.Resistance * (1 - w.cfg.BufferPct/100)
	short := *snap.Support * (1 + w.cfg.BufferPct/100)
	return domain.TriggerLevels{
		Long:      roundDown(long, prec),
		Short:     roundUp(short, prec),
		UpdatedAt: snap.EvaluatedAt,
	}, nil
}

// pricePrecision caches the instrument precision after the first lookup.
func (w *Watcher) pricePrecision(ctx context.Context) (int, error) {
	w.mu.Lock()
	if w.hasPrec {
		p := w.precision
		w.mu.Unlock()
		return p, nil
	}
	w.mu.Unlock()

	p, err := w.market.PricePrecision(ctx, w.cfg.Symbol)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	w.precision = p
	w.hasPrec = true
	w.mu.Unlock()
	return p, nil
}

func roundDown(v float64, precision int) float64 {
	pow := math.Pow10(precision)
	return math.Floor(v*pow) / pow
}

func roundUp(v float64, precision int) float64 {
	pow := math.Pow10(precision)
	return math.Ceil(v*pow) / pow
}
