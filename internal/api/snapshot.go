package api

import (
	"time"

	"backtest-engine/internal/risk"
	"backtest-engine/pkg/backtest"
)

// RunProvider exposes the live state of an in-progress or completed
// backtest to the replay server. *engine.Engine satisfies this directly.
type RunProvider interface {
	CurrentSnapshot() backtest.Snapshot
	AccountingResidual() float64
	EventsProcessed() int
	RiskSnapshot() risk.Snapshot
}

// BuildSnapshot aggregates a provider's current state into a RunSnapshot.
// finished is set by the caller once Engine.Run has returned.
func BuildSnapshot(provider RunProvider, finished bool) RunSnapshot {
	return RunSnapshot{
		Timestamp:          time.Now(),
		Snapshot:           provider.CurrentSnapshot(),
		AccountingResidual: provider.AccountingResidual(),
		EventsProcessed:    provider.EventsProcessed(),
		Risk:               provider.RiskSnapshot(),
		Finished:           finished,
	}
}
