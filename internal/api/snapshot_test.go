package api

import (
	"testing"

	"backtest-engine/internal/risk"
	"backtest-engine/pkg/backtest"
)

type fakeProvider struct {
	snap     backtest.Snapshot
	residual float64
	events   int
}

func (f fakeProvider) CurrentSnapshot() backtest.Snapshot { return f.snap }
func (f fakeProvider) AccountingResidual() float64        { return f.residual }
func (f fakeProvider) EventsProcessed() int               { return f.events }
func (f fakeProvider) RiskSnapshot() risk.Snapshot         { return risk.Snapshot{} }

func TestBuildSnapshot(t *testing.T) {
	t.Parallel()
	provider := fakeProvider{
		snap:     backtest.Snapshot{Timestamp: 42, Equity: 10500},
		residual: 1e-9,
		events:   17,
	}

	snap := BuildSnapshot(provider, false)

	if snap.Snapshot.Equity != 10500 {
		t.Errorf("Snapshot.Equity = %v, want 10500", snap.Snapshot.Equity)
	}
	if snap.EventsProcessed != 17 {
		t.Errorf("EventsProcessed = %v, want 17", snap.EventsProcessed)
	}
	if snap.Finished {
		t.Error("Finished = true, want false")
	}
	if snap.Timestamp.IsZero() {
		t.Error("Timestamp was not set")
	}
}

func TestBuildSnapshotFinished(t *testing.T) {
	t.Parallel()
	snap := BuildSnapshot(fakeProvider{}, true)
	if !snap.Finished {
		t.Error("Finished = false, want true")
	}
}
