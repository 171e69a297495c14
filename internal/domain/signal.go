package domain

import "time"

// Signal is the breakout classification produced by the signal engine.
type Signal string

const (
	SignalUp       Signal = "Up"
	SignalDown     Signal = "Down"
	SignalKangaroo Signal = "Kangaroo"
)

// SignalSnapshot is the result of one breakout evaluation over a candle window.
// Metric pointers are nil when the window was too short to evaluate;
// in that case Signal is always SignalKangaroo.
type SignalSnapshot struct {
	Signal      Signal
	Support     *float64 // Min low over the window, excluding the current bar
	Resistance  *float64 // Max high over the window, excluding the current bar
	ATR         *float64
	ROC         *float64
	Slope       *float64
	EvaluatedAt time.Time
}

// Ready reports whether the snapshot carries computed metrics.
func (s SignalSnapshot) Ready() bool {
	return s.Support != nil && s.Resistance != nil && s.ATR != nil
}

// TriggerLevels are entry trigger prices derived from support/resistance by
// an asymmetric buffer, rounded toward the conservative side at the
// instrument's price precision.
type TriggerLevels struct {
	Long      float64   // Trigger for opening a long (resistance reduced)
	Short     float64   // Trigger for opening a short (support increased)
	UpdatedAt time.Time // When the underlying snapshot was evaluated
}
