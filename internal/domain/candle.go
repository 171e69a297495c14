package domain

import "time"

// Candle represents a single OHLC candlestick.
// Closed candles are immutable; a trailing candle built from live ticks
// may be appended by callers and mutated until its interval ends.
type Candle struct {
	OpenTime  time.Time // Start time of the interval
	CloseTime time.Time // End time of the interval
	Symbol    string    // Trading symbol
	Interval  string    // Candle interval (e.g., "1m", "5m")
	Open      float64   // Opening price
	High      float64   // Highest price
	Low       float64   // Lowest price
	Close     float64   // Closing price
	Volume    float64   // Trading volume (0 when the feed has none)
	IsFinal   bool      // Whether this candle is closed
}
