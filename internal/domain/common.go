package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// PositionSide represents the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// OrderSideFor returns the order side that opens a position on the given side.
func OrderSideFor(side PositionSide) OrderSide {
	if side == Short {
		return Sell
	}
	return Buy
}

// Opposite returns the position side mirrored.
func (s PositionSide) Opposite() PositionSide {
	if s == Long {
		return Short
	}
	return Long
}

// BotState is a state of the position lifecycle machine.
type BotState string

const (
	StateStarting       BotState = "Starting"
	StateWaitForEntry   BotState = "WaitForEntry"
	StateWaitForResolve BotState = "WaitForResolve"
)

// TradeMode selects whether the bot trades against or with a breakout signal.
type TradeMode string

const (
	ModeAgainst TradeMode = "against"
	ModeFollow  TradeMode = "follow"
)

// BotVariant selects the strategy wiring.
type BotVariant string

const (
	VariantBreakout BotVariant = "breakout"
	VariantAITrend  BotVariant = "aitrend"
	VariantCombo    BotVariant = "combo"
)

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonTakeProfit  CloseReason = "TP"
	CloseReasonLevelBreach CloseReason = "LEVEL_BREACH"
	CloseReasonTrendFlip   CloseReason = "TREND_FLIP"
	CloseReasonLiquidation CloseReason = "Liquidation"
	CloseReasonManual      CloseReason = "MANUAL"
	CloseReasonUnknown     CloseReason = "Unknown"
)

// PositionStatus represents the status of a trading position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)
