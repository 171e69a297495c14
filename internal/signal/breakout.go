package signal

import (
	"math"
	"sort"

	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
)

// momentumMedianLen is how many prior True Range values feed the median
// used by the momentum confirmation.
const momentumMedianLen = 10

// volumeAvgLen is the averaging window for the optional volume filter.
const volumeAvgLen = 20

// Params holds the breakout detection tuning.
type Params struct {
	N             int     // Support/resistance lookback bars, excluding the current bar
	ATRLen        int     // ATR simple-mean length
	K             int     // ROC lookback
	Eps           float64 // Relative level-breach epsilon
	MAtr          float64 // Minimum breakout excess as a multiple of ATR
	RocMin        float64 // Minimum ROC for momentum confirmation
	EMAPeriod     int     // EMA period for the slope confirmation
	NeedTwoCloses bool    // Require the previous bar to have already breached the level
	VolMult       float64 // Volume filter multiplier; 0 disables the filter
}

// MinBars returns the smallest candle window the engine can evaluate.
// ROC needs K+1 closes, support/resistance need N bars before the current one,
// and the two-closes filter needs one more bar for the shifted level window.
func (p Params) MinBars() int {
	min := p.N + 1
	if p.NeedTwoCloses {
		min = p.N + 2
	}
	if p.ATRLen > min {
		min = p.ATRLen
	}
	if p.K+1 > min {
		min = p.K + 1
	}
	if p.EMAPeriod > min {
		min = p.EMAPeriod
	}
	return min
}

// CalculateBreakoutSignal classifies the current bar as a breakout Up, Down,
// or Kangaroo over a trailing candle window. Pure and deterministic: the same
// window and params always produce the same snapshot.
//
// A window shorter than MinBars yields Kangaroo with nil metrics; this is a
// deliberate "insufficient data" result, not an error.
func CalculateBreakoutSignal(candles []*domain.Candle, p Params) domain.SignalSnapshot {
	last := len(candles) - 1
	if len(candles) < p.MinBars() {
		snap := domain.SignalSnapshot{Signal: domain.SignalKangaroo}
		if last >= 0 {
			snap.EvaluatedAt = candles[last].CloseTime
		}
		return snap
	}

	tr := trueRanges(candles)
	atr := mean(tr[len(tr)-p.ATRLen:])

	// Support/resistance are extrema over the N bars preceding the current
	// one; the current bar never moves its own breakout levels.
	support := math.Inf(1)
	resistance := math.Inf(-1)
	for i := last - p.N; i < last; i++ {
		if candles[i].Low < support {
			support = candles[i].Low
		}
		if candles[i].High > resistance {
			resistance = candles[i].High
		}
	}

	curr := candles[last]
	roc := curr.Close/candles[last-p.K].Close - 1
	slope := emaSlope(candles, p.EMAPeriod)

	momentum := roc > p.RocMin || slope > 0 || tr[last] > medianPrior(tr)

	// The two-closes filter checks the previous bar against the levels that
	// were current when it closed, i.e. a window shifted back by one bar.
	// Checking it against today's levels would be vacuous: a bar's close
	// can never exceed a resistance that includes its own high.
	prevUp, prevDown := true, true
	if p.NeedTwoCloses {
		prevSupport := math.Inf(1)
		prevResistance := math.Inf(-1)
		for i := last - 1 - p.N; i < last-1; i++ {
			if candles[i].Low < prevSupport {
				prevSupport = candles[i].Low
			}
			if candles[i].High > prevResistance {
				prevResistance = candles[i].High
			}
		}
		prevUp = breachUp(candles[last-1].Close, prevResistance, p.Eps)
		prevDown = breachDown(candles[last-1].Close, prevSupport, p.Eps)
	}

	sig := domain.SignalKangaroo
	if p.volumeOK(candles) {
		// Up is evaluated first; with support < resistance both directions
		// cannot legitimately fire on the same bar.
		switch {
		case breachUp(curr.Close, resistance, p.Eps) &&
			curr.Close-resistance > p.MAtr*atr &&
			momentum && prevUp:
			sig = domain.SignalUp
		case breachDown(curr.Close, support, p.Eps) &&
			support-curr.Close > p.MAtr*atr &&
			momentum && prevDown:
			sig = domain.SignalDown
		}
	}

	return domain.SignalSnapshot{
		Signal:      sig,
		Support:     &support,
		Resistance:  &resistance,
		ATR:         &atr,
		ROC:         &roc,
		Slope:       &slope,
		EvaluatedAt: curr.CloseTime,
	}
}

func breachUp(close, resistance, eps float64) bool {
	return close > resistance*(1+eps)
}

func breachDown(close, support, eps float64) bool {
	return close < support*(1-eps)
}

// trueRanges computes the True Range per bar. Bar 0 has no previous close
// and uses its own high-low range.
func trueRanges(candles []*domain.Candle) []float64 {
	tr := make([]float64, len(candles))
	for i, c := range candles {
		if i == 0 {
			tr[i] = c.High - c.Low
			continue
		}
		prevClose := candles[i-1].Close
		tr[i] = math.Max(c.High-c.Low,
			math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
	}
	return tr
}

// emaSlope computes the difference between the last two values of an EMA
// over the whole window, seeded with the first close.
func emaSlope(candles []*domain.Candle, period int) float64 {
	multiplier := 2.0 / float64(period+1)
	ema := candles[0].Close
	prev := ema
	for i := 1; i < len(candles); i++ {
		prev = ema
		ema = (candles[i].Close-ema)*multiplier + ema
	}
	return ema - prev
}

// medianPrior returns the median of up to momentumMedianLen True Range
// values preceding the current bar.
func medianPrior(tr []float64) float64 {
	end := len(tr) - 1
	start := end - momentumMedianLen
	if start < 0 {
		start = 0
	}
	prior := append([]float64(nil), tr[start:end]...)
	if len(prior) == 0 {
		return 0
	}
	sort.Float64s(prior)
	mid := len(prior) / 2
	if len(prior)%2 == 0 {
		return (prior[mid-1] + prior[mid]) / 2
	}
	return prior[mid]
}

// volumeOK applies the optional volume filter: the current bar's volume must
// exceed VolMult times the average volume of the bars preceding it. The
// filter only engages when volume data actually exists in the window.
func (p Params) volumeOK(candles []*domain.Candle) bool {
	if p.VolMult <= 0 {
		return true
	}
	last := len(candles) - 1
	start := last - volumeAvgLen
	if start < 0 {
		start = 0
	}
	var sum float64
	var n int
	for _, c := range candles[start:last] {
		sum += c.Volume
		n++
	}
	if n == 0 || sum == 0 {
		return true // No volume data on this feed
	}
	return candles[last].Volume > p.VolMult*(sum/float64(n))
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
