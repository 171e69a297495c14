package fillwatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
	"github.com/thuanavasosoft/bitbot-sub001/internal/ports"
)

// Fill is a confirmed order execution.
type Fill struct {
	ExecutionPrice float64
	UpdateTime     time.Time
}

// Config holds the confirmation retry budget. Both the fill wait and the
// close wait are bounded: exhausting them surfaces an explicit error
// instead of hanging, and callers treat that as fatal for the cycle.
type Config struct {
	Symbol       string
	PollInterval time.Duration // Default 5s
	MaxAttempts  int           // Default 10
}

// Watcher resolves submitted orders to confirmed fills and close
// instructions to authoritative closed-position records.
type Watcher struct {
	cfg     Config
	logger  ports.Logger
	trading ports.TradingPort
}

// New creates a fill watcher.
func New(cfg Config, logger ports.Logger, trading ports.TradingPort) (*Watcher, error) {
	if logger == nil || trading == nil {
		return nil, fmt.Errorf("missing required dependencies for fill watcher")
	}
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Watcher{cfg: cfg, logger: logger, trading: trading}, nil
}

// WaitForFill blocks until the order identified by clientOrderID is
// confirmed filled. The order-update stream is the primary path; position
// polling is the fallback for adapters that only expose fills over REST.
// Whichever signal arrives first resolves the wait.
func (w *Watcher) WaitForFill(ctx context.Context, clientOrderID string) (*Fill, error) {
	fillCh := make(chan Fill, 1)
	unhook, err := w.trading.HookOrderListener(func(u ports.OrderUpdate) {
		if u.ClientOrderID != clientOrderID || !u.Filled() {
			return
		}
		select {
		case fillCh <- Fill{ExecutionPrice: u.ExecutionPrice, UpdateTime: u.UpdateTime}:
		default:
		}
	})
	if err != nil {
		// Polling alone can still confirm the fill.
		w.logger.Warn(ctx, "Order stream unavailable, falling back to polling only", map[string]interface{}{
			"clientOrderID": clientOrderID,
			"error":         err.Error(),
		})
		unhook = func() {}
	}
	defer unhook()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < w.cfg.MaxAttempts; {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fill wait aborted: %w: %w", ports.ErrContextCanceled, ctx.Err())
		case f := <-fillCh:
			w.logger.Info(ctx, "Fill confirmed via order stream", map[string]interface{}{
				"clientOrderID": clientOrderID,
				"price":         f.ExecutionPrice,
			})
			return &f, nil
		case <-ticker.C:
			attempt++
			if f := w.pollOpenPosition(ctx); f != nil {
				w.logger.Info(ctx, "Fill confirmed via position polling", map[string]interface{}{
					"clientOrderID": clientOrderID,
					"price":         f.ExecutionPrice,
					"attempt":       attempt,
				})
				return f, nil
			}
		}
	}
	return nil, fmt.Errorf("order %s: %w", clientOrderID, ports.ErrFillNotConfirmed)
}

// pollOpenPosition checks whether an open position with a fill price exists.
func (w *Watcher) pollOpenPosition(ctx context.Context) *Fill {
	pos, err := w.trading.GetPosition(ctx, w.cfg.Symbol)
	if err != nil {
		w.logger.Debug(ctx, "Position poll failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if pos == nil || !pos.IsOpen() || pos.AvgPrice <= 0 {
		return nil
	}
	return &Fill{ExecutionPrice: pos.AvgPrice, UpdateTime: pos.UpdateTime}
}

// WaitForClose polls the positions history until the exchange's
// authoritative closed record for positionID appears. A live price crossing
// the liquidation price is necessary but not sufficient proof of a close;
// only the history record is final.
func (w *Watcher) WaitForClose(ctx context.Context, positionID string) (*domain.Position, error) {
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		closed, err := w.pollClosed(ctx, positionID)
		if err != nil {
			w.logger.Warn(ctx, "Positions history poll failed", map[string]interface{}{
				"positionID": positionID,
				"attempt":    attempt,
				"error":      err.Error(),
			})
		} else if closed != nil {
			w.logger.Info(ctx, "Close confirmed", map[string]interface{}{
				"positionID": positionID,
				"closePrice": closed.ClosePrice,
				"attempt":    attempt,
			})
			return closed, nil
		}

		if attempt == w.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("close wait aborted: %w: %w", ports.ErrContextCanceled, ctx.Err())
		case <-time.After(w.cfg.PollInterval):
		}
	}
	return nil, fmt.Errorf("position %s: %w", positionID, ports.ErrCloseNotConfirmed)
}

func (w *Watcher) pollClosed(ctx context.Context, positionID string) (*domain.Position, error) {
	history, err := w.trading.GetPositionsHistory(ctx, w.cfg.Symbol, positionID)
	if err != nil {
		return nil, err
	}
	for _, p := range history {
		if p.ID == positionID && p.Status == domain.StatusClosed {
			return p, nil
		}
	}
	return nil, nil
}
