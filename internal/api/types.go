package api

import (
	"time"

	"backtest-engine/internal/risk"
	"backtest-engine/pkg/backtest"
)

// RunSnapshot is the complete state the replay server reports while a
// backtest executes or after it finishes.
type RunSnapshot struct {
	Timestamp          time.Time         `json:"timestamp"`
	Snapshot           backtest.Snapshot `json:"snapshot"`
	AccountingResidual float64           `json:"accounting_residual"`
	EventsProcessed    int               `json:"events_processed"`
	Risk               risk.Snapshot     `json:"risk"`
	Finished           bool              `json:"finished"`
}
