// Package risk enforces portfolio-level exposure and drawdown limits across
// all markets active in a run.
//
// Unlike the teacher's risk.Manager — which ran as a standalone goroutine,
// fed PositionReports over a channel from each market's live quoting loop,
// and signaled kills back to the engine over a second channel — Limiter is
// called synchronously from the engine's own hot loop. A backtest has one
// goroutine and one clock; there is nothing for a channel to decouple here.
//
// Limits enforced, evaluated on every trade the engine processes:
//
//   - Per-market exposure: caps USD exposure in any single market
//   - Global exposure:     caps total USD exposure across all markets
//   - Daily loss:          kills the run's remaining quoting if realized+
//     unrealized P&L breaches a threshold
//   - Rapid price movement: kills a market if its mid price moves more than
//     KillSwitchDropPct within KillSwitchWindowSec seconds
//
// A breach activates the kill switch for CooldownAfterKill, reported by
// IsKillSwitchActive and Snapshot. RemainingBudget does not consult it and
// the strategy adapter does not consult the Limiter, so new orders are still
// accepted while the kill switch is active.
package risk

import (
	"fmt"
	"log/slog"

	"backtest-engine/internal/config"
)

// PositionReport summarizes one market's state at a point in the replay,
// submitted to Evaluate after every trade the engine processes.
type PositionReport struct {
	MarketID      string
	YesQty        float64
	NoQty         float64
	MidPrice      float64
	ExposureUSD   float64
	UnrealizedPnL float64
	RealizedPnL   float64
	Timestamp     int64 // unix millis, matches backtest.TradeEvent.Timestamp
}

// KillSignal reports a limit breach. An empty MarketID means every open
// order in every market must be canceled; otherwise only MarketID's orders.
type KillSignal struct {
	MarketID string
	Reason   string
}

type priceAnchor struct {
	price     float64
	timestamp int64
}

// Limiter enforces risk limits across all active markets in a run.
type Limiter struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	positions        map[string]PositionReport
	totalExposure    float64
	totalRealizedPnL float64
	killSwitchActive bool
	killSwitchUntil  int64 // unix millis
	priceAnchors     map[string]priceAnchor
}

// NewLimiter creates a risk limiter. Callers should only construct one when
// cfg.Enabled is true: Evaluate does not check cfg.Enabled, so zero limits
// would fire kills. The engine constructs no Limiter when risk limits are off.
func NewLimiter(cfg config.RiskConfig, logger *slog.Logger) *Limiter {
	return &Limiter{
		cfg:          cfg,
		logger:       logger.With("component", "risk"),
		positions:    make(map[string]PositionReport),
		priceAnchors: make(map[string]priceAnchor),
	}
}

// RemoveMarket drops a closed market's tracked state.
func (l *Limiter) RemoveMarket(marketID string) {
	delete(l.positions, marketID)
	delete(l.priceAnchors, marketID)
}

// IsKillSwitchActive reports whether the kill switch is engaged as of now,
// clearing it first if the cooldown has elapsed.
func (l *Limiter) IsKillSwitchActive(now int64) bool {
	if !l.killSwitchActive {
		return false
	}
	if now >= l.killSwitchUntil {
		l.killSwitchActive = false
		l.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// RemainingBudget returns the additional USD exposure the given market may
// take on: the minimum of per-market and global headroom, floored at 0.
func (l *Limiter) RemainingBudget(marketID string) float64 {
	var currentExposure float64
	if pos, ok := l.positions[marketID]; ok {
		currentExposure = pos.ExposureUSD
	}

	perMarket := l.cfg.MaxPositionPerMarket - currentExposure
	global := l.cfg.MaxGlobalExposure - l.totalExposure

	remaining := perMarket
	if global < remaining {
		remaining = global
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot reports aggregate risk metrics, for the replay server.
type Snapshot struct {
	GlobalExposure       float64
	MaxGlobalExposure    float64
	ExposurePct          float64
	KillSwitchActive     bool
	TotalRealizedPnL     float64
	TotalUnrealizedPnL   float64
	MaxPositionPerMarket float64
	MaxDailyLoss         float64
	MaxMarketsActive     int
	CurrentMarketsActive int
}

func (l *Limiter) Snapshot() Snapshot {
	var totalUnrealizedPnL float64
	for _, pos := range l.positions {
		totalUnrealizedPnL += pos.UnrealizedPnL
	}

	var exposurePct float64
	if l.cfg.MaxGlobalExposure > 0 {
		exposurePct = (l.totalExposure / l.cfg.MaxGlobalExposure) * 100
	}

	return Snapshot{
		GlobalExposure:       l.totalExposure,
		MaxGlobalExposure:    l.cfg.MaxGlobalExposure,
		ExposurePct:          exposurePct,
		KillSwitchActive:     l.killSwitchActive,
		TotalRealizedPnL:     l.totalRealizedPnL,
		TotalUnrealizedPnL:   totalUnrealizedPnL,
		MaxPositionPerMarket: l.cfg.MaxPositionPerMarket,
		MaxDailyLoss:         l.cfg.MaxDailyLoss,
		MaxMarketsActive:     l.cfg.MaxMarketsActive,
		CurrentMarketsActive: len(l.positions),
	}
}

// Evaluate folds report into the limiter's running totals and checks every
// limit, returning the first breach found (per-market, then global exposure,
// then daily loss, then price movement) or nil if none fired.
func (l *Limiter) Evaluate(report PositionReport) *KillSignal {
	l.positions[report.MarketID] = report

	l.totalExposure = 0
	l.totalRealizedPnL = 0
	var totalUnrealizedPnL float64
	for _, pos := range l.positions {
		l.totalExposure += pos.ExposureUSD
		l.totalRealizedPnL += pos.RealizedPnL
		totalUnrealizedPnL += pos.UnrealizedPnL
	}

	if report.ExposureUSD > l.cfg.MaxPositionPerMarket {
		return l.kill(report.MarketID, "per-market position limit breached", report.Timestamp)
	}
	if l.totalExposure > l.cfg.MaxGlobalExposure {
		return l.kill("", "global exposure limit breached", report.Timestamp)
	}
	if totalPnL := l.totalRealizedPnL + totalUnrealizedPnL; totalPnL < -l.cfg.MaxDailyLoss {
		return l.kill("", "max daily loss breached", report.Timestamp)
	}
	if sig := l.checkPriceMovement(report); sig != nil {
		return sig
	}
	return nil
}

// checkPriceMovement detects rapid price swings using a rolling anchor: if
// the anchor is missing or older than KillSwitchWindowSec, it resets to the
// current price instead of firing.
func (l *Limiter) checkPriceMovement(report PositionReport) *KillSignal {
	windowMillis := int64(l.cfg.KillSwitchWindowSec) * 1000

	anchor, ok := l.priceAnchors[report.MarketID]
	if !ok || report.Timestamp-anchor.timestamp > windowMillis {
		l.priceAnchors[report.MarketID] = priceAnchor{price: report.MidPrice, timestamp: report.Timestamp}
		return nil
	}

	if anchor.price == 0 {
		return nil
	}

	pctChange := (report.MidPrice - anchor.price) / anchor.price
	if pctChange < 0 {
		pctChange = -pctChange
	}

	if pctChange > l.cfg.KillSwitchDropPct {
		return l.kill(report.MarketID, fmt.Sprintf(
			"rapid price movement: %.1f%% in %ds", pctChange*100, l.cfg.KillSwitchWindowSec), report.Timestamp)
	}
	return nil
}

func (l *Limiter) kill(marketID, reason string, now int64) *KillSignal {
	l.killSwitchActive = true
	l.killSwitchUntil = now + l.cfg.CooldownAfterKill.Milliseconds()

	l.logger.Error("risk kill switch triggered", "market", marketID, "reason", reason)

	return &KillSignal{MarketID: marketID, Reason: reason}
}
