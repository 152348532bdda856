package strategy

import "math"

// ToxicityMetrics are the adverse-selection indicators FlowTracker derives
// from a market's recent fills.
type ToxicityMetrics struct {
	DirectionalImbalance float64 // [0, 1]: share of fills in the dominant direction
	FillVelocity         float64 // fills per simulated minute
	ToxicityScore        float64 // [0, 1]: composite score
	IsAverse             bool    // true if flow looks adversely selective
}

type flowFill struct {
	timestamp int64 // ms, event time
	buy       bool
}

// FlowTracker watches a market's recent fills in a rolling event-time window
// to detect toxic flow: fills that consistently land on one side, the
// signature of a quote getting picked off just ahead of a price move. It is
// a per-market, single-threaded component (the engine's hot loop, not a
// live goroutine), so unlike its teacher counterpart it carries no lock and
// advances strictly on event timestamps rather than wall-clock time.
type FlowTracker struct {
	windowMillis      int64
	cooldownMillis    int64
	toxicityThreshold float64
	maxSpreadMultiple float64

	fills []flowFill

	lastToxicTime int64
	everToxic     bool
}

// NewFlowTracker constructs a tracker. window and cooldown are given in
// milliseconds to match the engine's event timestamps.
func NewFlowTracker(windowMillis, cooldownMillis int64, toxicityThreshold, maxSpreadMultiple float64) *FlowTracker {
	return &FlowTracker{
		windowMillis:      windowMillis,
		cooldownMillis:    cooldownMillis,
		toxicityThreshold: toxicityThreshold,
		maxSpreadMultiple: maxSpreadMultiple,
	}
}

// AddFill records a fill at the given event timestamp and evicts entries
// that have aged out of the window.
func (ft *FlowTracker) AddFill(timestamp int64, buy bool) {
	ft.fills = append(ft.fills, flowFill{timestamp: timestamp, buy: buy})
	ft.evictStale(timestamp)
}

func (ft *FlowTracker) evictStale(now int64) {
	cutoff := now - ft.windowMillis
	idx := 0
	for idx < len(ft.fills) && ft.fills[idx].timestamp <= cutoff {
		idx++
	}
	if idx > 0 {
		ft.fills = ft.fills[idx:]
	}
}

// CalculateToxicity computes adverse-selection metrics as of now, after
// evicting fills that have aged out of the window.
func (ft *FlowTracker) CalculateToxicity(now int64) ToxicityMetrics {
	ft.evictStale(now)

	if len(ft.fills) == 0 {
		return ToxicityMetrics{}
	}

	var buyCount, sellCount int
	for _, f := range ft.fills {
		if f.buy {
			buyCount++
		} else {
			sellCount++
		}
	}
	total := len(ft.fills)
	dominant := math.Max(float64(buyCount), float64(sellCount))
	directionalImbalance := dominant / float64(total)

	if total < 2 {
		return ToxicityMetrics{
			DirectionalImbalance: directionalImbalance,
			ToxicityScore:        directionalImbalance * 0.6,
			IsAverse:             directionalImbalance > ft.toxicityThreshold,
		}
	}

	windowMinutes := float64(ft.windowMillis) / 60000.0
	fillVelocity := float64(total) / windowMinutes

	// Normalize velocity: 3+ fills/minute reads as maximally toxic; aggressive
	// for a prediction market, but the teacher's own calibration.
	velocityFactor := math.Min(fillVelocity/3.0, 1.0)

	toxicityScore := 0.6*directionalImbalance + 0.4*velocityFactor

	return ToxicityMetrics{
		DirectionalImbalance: directionalImbalance,
		FillVelocity:         fillVelocity,
		ToxicityScore:        toxicityScore,
		IsAverse:             toxicityScore > ft.toxicityThreshold,
	}
}

// GetSpreadMultiplier returns the spread widening factor to apply at event
// time now: 1.0 under normal flow, scaling up to maxSpreadMultiple while
// toxic or within the cooldown period after toxicity was last observed.
func (ft *FlowTracker) GetSpreadMultiplier(now int64) float64 {
	metrics := ft.CalculateToxicity(now)

	if metrics.IsAverse {
		ft.lastToxicTime = now
		ft.everToxic = true
	}

	if !ft.everToxic {
		return 1.0
	}

	inCooldown := now-ft.lastToxicTime < ft.cooldownMillis
	if !metrics.IsAverse && !inCooldown {
		return 1.0
	}

	if metrics.ToxicityScore < ft.toxicityThreshold {
		timeSinceToxic := float64(now - ft.lastToxicTime)
		cooldownProgress := math.Min(timeSinceToxic/float64(ft.cooldownMillis), 1.0)
		return 1.0 + (ft.maxSpreadMultiple-1.0)*(1.0-cooldownProgress)
	}

	normalizedScore := (metrics.ToxicityScore - ft.toxicityThreshold) / (1.0 - ft.toxicityThreshold)
	return 1.0 + (ft.maxSpreadMultiple-1.0)*math.Min(normalizedScore*2.0, 1.0)
}

// FillCount reports how many fills currently sit inside the rolling window.
func (ft *FlowTracker) FillCount() int {
	return len(ft.fills)
}
