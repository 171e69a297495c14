package domain

import "time"

// Position represents a perpetual-futures position as reported by the exchange.
// The lifecycle machine guarantees at most one open position per bot instance;
// the exchange does not enforce this.
type Position struct {
	ID               string         // Exchange position id
	Symbol           string         // Trading symbol (e.g., "BTCUSDT")
	Side             PositionSide   // long or short
	Size             float64        // Position size in base asset
	AvgPrice         float64        // Average entry price
	Leverage         int            // Leverage used
	LiquidationPrice float64        // Exchange-estimated liquidation price
	Notional         float64        // Position value in quote asset
	CreateTime       time.Time      // When the position was opened
	UpdateTime       time.Time      // Last exchange update
	RealizedPnl      float64        // Realized PnL (set on close)
	UnrealizedPnl    float64        // Mark-to-market PnL while open
	ClosePrice       float64        // Exit price (0 while open)
	Status           PositionStatus // open or closed
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}
