// Package feed provides minimal, in-repo implementations of the
// backtest.Feed contract — an in-memory feed for tests and small runs, and
// a bare CSV loader for local historical data. Parquet/column-store
// ingestion and live capture are external collaborators this package does
// not attempt to replace.
package feed

import "backtest-engine/pkg/backtest"

// Memory is a Feed backed entirely by in-memory slices, typically built by
// tests or by a caller that already has markets/trades loaded some other
// way. Trades must already be timestamp-sorted; Memory does not sort them.
type Memory struct {
	markets []backtest.Market
	trades  []backtest.TradeEvent
}

// NewMemory constructs a Memory feed from the given markets and
// timestamp-sorted trades.
func NewMemory(markets []backtest.Market, trades []backtest.TradeEvent) *Memory {
	return &Memory{markets: markets, trades: trades}
}

func (m *Memory) Markets() ([]backtest.Market, error) {
	out := make([]backtest.Market, len(m.markets))
	copy(out, m.markets)
	return out, nil
}

func (m *Memory) Trades() (backtest.TradeIterator, error) {
	i := 0
	return func() (backtest.TradeEvent, bool, error) {
		if i >= len(m.trades) {
			return backtest.TradeEvent{}, false, nil
		}
		t := m.trades[i]
		i++
		return t, true, nil
	}, nil
}

func (m *Memory) TradeCount() int64 {
	return int64(len(m.trades))
}
