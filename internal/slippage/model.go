// Package slippage implements the spread-vs-price curve and square-root
// market-impact model that adjusts a resting order's quoted price into an
// executed fill price, plus the per-market exponential moving average of
// trade size that feeds the impact term.
//
// The model is pure, scalar float64 arithmetic driven entirely by the
// engine's single-threaded hot loop (§5 of the design this implements
// forbids concurrency here), so Model carries no locking of its own —
// unlike the teacher's flow_tracker, which guards its rolling window with a
// mutex because it is read from a live WebSocket goroutine.
package slippage

import "math"

const epsilon = 1e-6

// Model holds one exponential moving average of trade size per market and
// the two tunables (base rate, smoothing factor) shared across markets.
type Model struct {
	base  float64 // base slippage rate, as passed to New (no default)
	alpha float64 // EMA smoothing factor, as passed to New (no default)
	ema   map[string]float64
}

// New constructs a Model. base and alpha must be validated by the caller
// (config.Validate); New does not re-check them.
func New(base, alpha float64) *Model {
	return &Model{base: base, alpha: alpha, ema: make(map[string]float64)}
}

// UpdateEMA folds a newly observed trade size into the market's EMA. Must be
// called before any matching attempt against the same trade, per the
// "EMA initialization timing" design note: the incoming trade influences its
// own slippage.
func (m *Model) UpdateEMA(marketID string, size float64) {
	prev, ok := m.ema[marketID]
	if !ok {
		m.ema[marketID] = size
		return
	}
	m.ema[marketID] = (1-m.alpha)*prev + m.alpha*size
}

// EMA returns the market's current typical-size estimate, 0 if unobserved.
func (m *Model) EMA(marketID string) float64 {
	return m.ema[marketID]
}

// SetEMA forces the market's EMA to a specific value (used by tests and by
// callers resetting state between scenarios).
func (m *Model) SetEMA(marketID string, value float64) {
	m.ema[marketID] = value
}

// Power-curve constants for SpreadMultiplier, solved so that m_s(0.35) = 2
// and m_s(0.45) = 5 exactly (d = |p-0.5|), i.e. the three required anchors
// (1 at the midpoint, 2 at distance 0.35, 5 at distance 0.45) are hit to
// within fractions of a percent. A simpler low-order polynomial in d was
// tried first and missed the 0.05/0.95 anchor by over 20%, outside the
// ±10% tolerance the model allows — this curve is the replacement.
const (
	spreadExponent = 5.516156
	spreadScale    = 327.67
)

// SpreadMultiplier computes m_s(p): 1 at the midpoint, ~2 near the 0.15/0.85
// anchors, ~5 near the 0.05/0.95 anchors, clipped at 6.
func SpreadMultiplier(price float64) float64 {
	d := absF64(price - 0.5)
	m := 1 + spreadScale*math.Pow(d, spreadExponent)
	if m > 6 {
		return 6
	}
	return m
}

func absF64(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// ImpactMultiplier computes m_q(q, s̄) = sqrt(q / max(s̄, epsilon)).
func ImpactMultiplier(size, emaSize float64) float64 {
	denom := emaSize
	if denom < epsilon {
		denom = epsilon
	}
	return math.Sqrt(size / denom)
}

// Adjust computes the slippage-adjusted execution price for a fill against a
// resting order quoted at quotePrice (the order's limit, not the trade
// print — see broker's matching contract), for a fill of the given size in
// a market whose EMA is currently emaSize. isBuy selects the sign: buys pay
// +delta, sells receive -delta. The result is clipped to (tick, 1-tick).
func Adjust(base, quotePrice, size, emaSize, tick float64, isBuy bool) float64 {
	delta := base * SpreadMultiplier(quotePrice) * ImpactMultiplier(size, emaSize)
	adjusted := quotePrice
	if isBuy {
		adjusted += delta
	} else {
		adjusted -= delta
	}
	lo, hi := tick, 1-tick
	if adjusted < lo {
		adjusted = lo
	}
	if adjusted > hi {
		adjusted = hi
	}
	return adjusted
}

// Delta computes the unclipped slippage adjustment applied against a trader
// quoting at quotePrice with a fill of the given size, for testing the
// monotonicity invariant directly.
func (m *Model) Delta(marketID string, quotePrice, size float64) float64 {
	return m.base * SpreadMultiplier(quotePrice) * ImpactMultiplier(size, m.EMA(marketID))
}

// Adjust is the Model-bound convenience form of the package-level Adjust,
// using the market's current EMA.
func (m *Model) Adjust(marketID string, quotePrice, size, tick float64, isBuy bool) float64 {
	return Adjust(m.base, quotePrice, size, m.EMA(marketID), tick, isBuy)
}
