// Package strategy provides the engine-facing StrategyAPI adapter and a
// reference Strategy implementation, QuotingStrategy — an inventory-skew
// quoting strategy with toxic-flow spread widening, ported from the
// original live Avellaneda-Stoikov market maker onto the broker/portfolio
// contracts instead of a REST client and WebSocket feed.
package strategy

import (
	"backtest-engine/internal/broker"
	"backtest-engine/internal/portfolio"
	"backtest-engine/pkg/backtest"
)

// Adapter implements backtest.StrategyAPI over a live Broker and Portfolio.
// The engine owns one Adapter per run and calls SetClock before each
// callback it fires, so order placement always carries the timestamp of
// the event currently being processed.
type Adapter struct {
	broker  *broker.Broker
	port    *portfolio.Portfolio
	markets map[string]backtest.Market
	clock   int64
}

// NewAdapter constructs an Adapter. markets is shared with the engine's own
// market registry; the Adapter only reads it.
func NewAdapter(b *broker.Broker, p *portfolio.Portfolio, markets map[string]backtest.Market) *Adapter {
	return &Adapter{broker: b, port: p, markets: markets}
}

// SetClock records the timestamp of the event about to be processed. Must
// be called before any Strategy hook that might place an order.
func (a *Adapter) SetClock(ts int64) { a.clock = ts }

func (a *Adapter) BuyYes(marketID string, price, quantity float64) (uint64, error) {
	return a.broker.Place(marketID, backtest.BuyYes, price, quantity, a.clock)
}

func (a *Adapter) SellYes(marketID string, price, quantity float64) (uint64, error) {
	return a.broker.Place(marketID, backtest.SellYes, price, quantity, a.clock)
}

func (a *Adapter) BuyNo(marketID string, price, quantity float64) (uint64, error) {
	return a.broker.Place(marketID, backtest.BuyNo, price, quantity, a.clock)
}

func (a *Adapter) SellNo(marketID string, price, quantity float64) (uint64, error) {
	return a.broker.Place(marketID, backtest.SellNo, price, quantity, a.clock)
}

func (a *Adapter) CancelOrder(orderID uint64) error { return a.broker.Cancel(orderID) }

func (a *Adapter) CancelAll(marketID string) error { return a.broker.CancelAll(marketID) }

func (a *Adapter) Portfolio() backtest.Snapshot { return a.port.Snapshot(a.clock) }

func (a *Adapter) OpenOrders(marketID string) []backtest.Order { return a.broker.OpenOrders(marketID) }

func (a *Adapter) Market(marketID string) (backtest.Market, bool) {
	m, ok := a.markets[marketID]
	return m, ok
}
