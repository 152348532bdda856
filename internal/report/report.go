// Package report computes RunMetrics from a completed RunResult and formats
// them for persistence and CLI display. The engine's own arithmetic stays
// on float64 throughout (see internal/slippage, internal/portfolio); this
// package is the one boundary where values are converted to
// shopspring/decimal for an exact, locale-stable string representation —
// a backtest's reported P&L should never print with float binary noise.
package report

import (
	"math"

	"github.com/shopspring/decimal"

	"backtest-engine/pkg/backtest"
)

// Compute derives aggregate performance metrics from a finished run.
// It reads only Final, Snapshots and Fills; the engine itself tracks no
// running totals purely for reporting's sake.
func Compute(result *backtest.RunResult, initialCash float64) backtest.RunMetrics {
	m := backtest.RunMetrics{
		InitialCash: initialCash,
		FillCount:   len(result.Fills),
	}

	m.FinalEquity = result.Final.Equity
	m.RealizedPnL = result.Final.RealizedPnL
	m.UnrealizedPnL = m.FinalEquity - initialCash - m.RealizedPnL
	if initialCash != 0 {
		m.TotalReturnPct = (m.FinalEquity - initialCash) / initialCash * 100
	}

	m.MaxDrawdownPct = maxDrawdownPct(result.Snapshots)
	m.SharpeRatio = sharpeRatio(result.Snapshots)
	m.WinRate = winRate(result.Fills)
	m.AvgSlippage = avgSlippage(result.Fills)

	return m
}

// maxDrawdownPct is the largest peak-to-trough decline in equity across the
// snapshot series, as a percentage of the running peak.
func maxDrawdownPct(snapshots []backtest.Snapshot) float64 {
	if len(snapshots) == 0 {
		return 0
	}
	peak := snapshots[0].Equity
	maxDD := 0.0
	for _, s := range snapshots {
		if s.Equity > peak {
			peak = s.Equity
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - s.Equity) / peak * 100
		if dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// sharpeRatio is a Sharpe-style ratio (mean / stddev, unannualized) over
// the per-snapshot simple returns of equity.
func sharpeRatio(snapshots []backtest.Snapshot) float64 {
	if len(snapshots) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(snapshots)-1)
	for i := 1; i < len(snapshots); i++ {
		prev := snapshots[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, (snapshots[i].Equity-prev)/prev)
	}
	if len(returns) == 0 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sqDiff float64
	for _, r := range returns {
		d := r - mean
		sqDiff += d * d
	}
	stddev := math.Sqrt(sqDiff / float64(len(returns)))
	if stddev == 0 {
		return 0
	}
	return mean / stddev
}

// winRate is the fraction of fills that closed (reduced) an existing
// position at a price favorable to its average cost. A fill on the
// opposite side of the market's current Position isn't observable from
// Fills alone across a full run, so this approximates by pairing
// consecutive opposite-side fills within the same market — sufficient for
// a reported summary statistic, not an exact round-trip ledger.
func winRate(fills []backtest.Fill) float64 {
	type lastOpen struct {
		side  backtest.Side
		price float64
		ok    bool
	}
	last := make(map[string]lastOpen)

	var closes, wins int
	for _, f := range fills {
		key := f.MarketID + ":" + string(yesLeg(f.Side))
		prior, seen := last[key]
		if !seen || !prior.ok || prior.side == f.Side {
			last[key] = lastOpen{side: f.Side, price: f.Price, ok: true}
			continue
		}
		closes++
		if isProfitableClose(prior.side, prior.price, f.Price) {
			wins++
		}
		delete(last, key)
	}
	if closes == 0 {
		return 0
	}
	return float64(wins) / float64(closes)
}

func yesLeg(s backtest.Side) backtest.Side {
	if s.IsYesLeg() {
		return backtest.BuyYes
	}
	return backtest.BuyNo
}

func isProfitableClose(openSide backtest.Side, openPrice, closePrice float64) bool {
	if openSide.IsBuy() {
		return closePrice > openPrice
	}
	return closePrice < openPrice
}

// avgSlippage is the mean absolute distance between a fill's execution
// price and the resting order's own limit price.
func avgSlippage(fills []backtest.Fill) float64 {
	if len(fills) == 0 {
		return 0
	}
	var sum float64
	for _, f := range fills {
		sum += math.Abs(f.Price - f.LimitPrice)
	}
	return sum / float64(len(fills))
}

// FormatUSD renders a float64 dollar amount as an exact, locale-stable
// decimal string (two places), for the CLI summary and persisted report —
// the one place in this codebase floats are converted to decimal.Decimal.
func FormatUSD(v float64) string {
	return decimal.NewFromFloat(v).Round(2).StringFixed(2)
}

// Summary is the human-readable rendering of RunMetrics the CLI prints on
// completion and the store persists alongside the raw RunResult.
type Summary struct {
	InitialCash    string `json:"initial_cash"`
	FinalEquity    string `json:"final_equity"`
	TotalReturnPct string `json:"total_return_pct"`
	RealizedPnL    string `json:"realized_pnl"`
	UnrealizedPnL  string `json:"unrealized_pnl"`
	MaxDrawdownPct string `json:"max_drawdown_pct"`
	SharpeRatio    string `json:"sharpe_ratio"`
	FillCount      int    `json:"fill_count"`
	WinRate        string `json:"win_rate"`
	AvgSlippage    string `json:"avg_slippage"`
}

// Render converts RunMetrics to its Summary (decimal-formatted) form.
func Render(m backtest.RunMetrics) Summary {
	pct := func(v float64) string { return decimal.NewFromFloat(v).Round(4).StringFixed(4) }
	return Summary{
		InitialCash:    FormatUSD(m.InitialCash),
		FinalEquity:    FormatUSD(m.FinalEquity),
		TotalReturnPct: pct(m.TotalReturnPct),
		RealizedPnL:    FormatUSD(m.RealizedPnL),
		UnrealizedPnL:  FormatUSD(m.UnrealizedPnL),
		MaxDrawdownPct: pct(m.MaxDrawdownPct),
		SharpeRatio:    pct(m.SharpeRatio),
		FillCount:      m.FillCount,
		WinRate:        pct(m.WinRate * 100),
		AvgSlippage:    pct(m.AvgSlippage),
	}
}
