package api

import "backtest-engine/pkg/backtest"

// ReplayFrame is the wire shape sent to every WebSocket client, wrapping a
// backtest.LogEvent with a monotonically increasing sequence number so a
// reconnecting client can detect gaps. Seq resets to 1 for every Hub —
// one per run.
type ReplayFrame struct {
	Seq   int64             `json:"seq"`
	Event backtest.LogEvent `json:"event"`
}
