package store

import (
	"testing"

	"backtest-engine/pkg/backtest"
)

func testResult() *backtest.RunResult {
	return &backtest.RunResult{
		Final: backtest.Snapshot{Timestamp: 100, Cash: 9500, Equity: 10500, RealizedPnL: 500},
		Fills: []backtest.Fill{
			{OrderID: 1, MarketID: "M", Side: backtest.BuyYes, Quantity: 10, Price: 0.52, LimitPrice: 0.50, Timestamp: 10},
		},
	}
}

func testMetrics() backtest.RunMetrics {
	return backtest.RunMetrics{
		InitialCash: 10000,
		FinalEquity: 10500,
		FillCount:   1,
	}
}

func TestSaveAndLoadRun(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	result := testResult()
	metrics := testMetrics()

	if err := s.SaveRun("run-1", result, metrics); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	rec, err := s.LoadRun("run-1")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if rec == nil {
		t.Fatal("LoadRun returned nil")
	}
	if rec.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", rec.RunID)
	}
	if rec.Result.Final.Equity != 10500 {
		t.Errorf("Final.Equity = %v, want 10500", rec.Result.Final.Equity)
	}
	if len(rec.Result.Fills) != 1 {
		t.Fatalf("Fills = %d, want 1", len(rec.Result.Fills))
	}
	if rec.Summary.FinalEquity != "10500.00" {
		t.Errorf("Summary.FinalEquity = %q, want 10500.00", rec.Summary.FinalEquity)
	}
}

func TestLoadRunMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	rec, err := s.LoadRun("nonexistent")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil for missing run, got %+v", rec)
	}
}

func TestSaveRunOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SaveRun("run-1", testResult(), backtest.RunMetrics{FinalEquity: 1000})
	_ = s.SaveRun("run-1", testResult(), backtest.RunMetrics{FinalEquity: 2000})

	rec, err := s.LoadRun("run-1")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if rec.Metrics.FinalEquity != 2000 {
		t.Errorf("FinalEquity = %v, want 2000 (latest save)", rec.Metrics.FinalEquity)
	}
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SaveRun("run-b", testResult(), testMetrics())
	_ = s.SaveRun("run-a", testResult(), testMetrics())

	ids, err := s.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(ids) != 2 || ids[0] != "run-a" || ids[1] != "run-b" {
		t.Errorf("ListRuns = %v, want sorted [run-a run-b]", ids)
	}
}
