package ports

import (
	"context"
	"time"

	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
)

// Unhook cancels a subscription. Every hook returns one, and every state's
// teardown is responsible for invoking outstanding unhooks before the
// lifecycle machine advances.
type Unhook func()

// MarketDataPort provides candles and live prices for one exchange.
type MarketDataPort interface {
	// GetCandles retrieves closed candles for the symbol in [start, end).
	GetCandles(ctx context.Context, symbol string, interval string, start, end time.Time) ([]*domain.Candle, error)

	// GetMarkPrice retrieves the current mark price for a given symbol.
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	// PricePrecision returns the number of decimal places in the symbol's
	// price tick, used to round trigger levels.
	PricePrecision(ctx context.Context, symbol string) (int, error)

	// HookPriceListener subscribes to live price ticks.
	HookPriceListener(symbol string, cb func(price float64)) (Unhook, error)

	// HookPriceListenerWithTimestamp subscribes to live price ticks carrying
	// the exchange event time.
	HookPriceListenerWithTimestamp(symbol string, cb func(price float64, at time.Time)) (Unhook, error)
}

// OrderRequest describes an order to be placed.
type OrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Type          string // "MARKET" only in this core
	Quantity      float64
	ClientOrderID string
	ReduceOnly    bool
}

// OrderAck is the exchange's acknowledgement of a submitted order.
// An ack is not a fill; fills are confirmed separately.
type OrderAck struct {
	OrderID       int64
	ClientOrderID string
}

// OrderUpdate is one event from the order-update stream.
type OrderUpdate struct {
	ClientOrderID  string
	Symbol         string
	Status         string // e.g. NEW, PARTIALLY_FILLED, FILLED, CANCELED
	ExecutionPrice float64
	FilledQty      float64
	UpdateTime     time.Time
}

// Filled reports whether the update carries a completed fill.
func (u OrderUpdate) Filled() bool {
	return u.Status == "FILLED" && u.ExecutionPrice > 0
}

// BalanceInfo is one asset balance on the futures wallet.
type BalanceInfo struct {
	Asset     string
	Free      float64
	Total     float64
	UpdatedAt time.Time
}

// TradingPort places orders and reads account/position state.
type TradingPort interface {
	// PlaceOrder submits an order and returns the exchange acknowledgement.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)

	// GetPosition retrieves the currently open position for the symbol.
	// Returns nil, nil when no position is open.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// GetPositionsHistory retrieves recently closed positions for the symbol,
	// newest first. positionID filters to a single position when non-empty.
	GetPositionsHistory(ctx context.Context, symbol string, positionID string) ([]*domain.Position, error)

	// SetLeverage sets the leverage for a specific symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// GetBalances retrieves all futures wallet balances.
	GetBalances(ctx context.Context) ([]BalanceInfo, error)

	// HookOrderListener subscribes to the order-update stream.
	HookOrderListener(cb func(OrderUpdate)) (Unhook, error)
}
