package strategy

import (
	"testing"

	"backtest-engine/internal/broker"
	"backtest-engine/internal/portfolio"
	"backtest-engine/internal/slippage"
	"backtest-engine/pkg/backtest"
)

// harness wires a real Broker+Portfolio+Adapter, the way the engine will,
// so QuotingStrategy is exercised against its actual collaborators rather
// than a hand-rolled fake.
type harness struct {
	t        *testing.T
	broker   *broker.Broker
	port     *portfolio.Portfolio
	adapter  *Adapter
	strategy *QuotingStrategy
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	port := portfolio.New(10_000, false)
	slip := slippage.New(0.005, 0.05)
	b := broker.New(slip, false, port.LegQuantity)
	market := backtest.Market{ID: "M", Platform: backtest.Kalshi, OpenTime: 0, CloseTime: 1_000_000}
	b.RegisterMarket(market)

	markets := map[string]backtest.Market{"M": market}
	adapter := NewAdapter(b, port, markets)

	cfg := DefaultQuotingConfig()
	cfg.OrderSizeUSD = 5
	cfg.MinOrderSize = 1
	s := NewQuotingStrategy(cfg)
	s.Initialize(adapter)
	s.OnMarketOpen(market)

	return &harness{t: t, broker: b, port: port, adapter: adapter, strategy: s}
}

// sendTrade runs one tape event through the broker, applies any resulting
// fills to the portfolio, fires OnFill for each, then OnTrade — the same
// order the engine's event loop documents.
func (h *harness) sendTrade(trade backtest.TradeEvent) []broker.Match {
	h.adapter.SetClock(trade.Timestamp)
	matches := h.broker.Match(trade)
	for _, m := range matches {
		fill := backtest.Fill{
			OrderID:   m.Order.ID,
			MarketID:  trade.MarketID,
			Side:      m.Order.Side,
			Quantity:  m.Quantity,
			Price:     m.Price,
			Timestamp: trade.Timestamp,
		}
		if err := h.port.ApplyFill(fill); err != nil {
			h.t.Fatalf("ApplyFill: %v", err)
		}
		h.strategy.OnFill(fill)
	}
	h.port.ObserveTradePrice(trade.MarketID, trade.Price)
	h.strategy.OnTrade(trade)
	return matches
}

func TestQuotingStrategyPlacesInitialQuotes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.sendTrade(backtest.TradeEvent{MarketID: "M", Timestamp: 1, Price: 0.50, Size: 1, Taker: backtest.TakerBoughtYes})

	open := h.adapter.OpenOrders("M")
	if len(open) != 2 {
		t.Fatalf("expected a bid and an ask resting after the first trade, got %d: %+v", len(open), open)
	}

	var sawBid, sawAsk bool
	for _, o := range open {
		if o.Side == backtest.BuyYes {
			sawBid = true
			if o.Price >= 0.50 {
				t.Errorf("bid price %v should sit below mid 0.50", o.Price)
			}
		}
		if o.Side == backtest.SellYes {
			sawAsk = true
			if o.Price <= 0.50 {
				t.Errorf("ask price %v should sit above mid 0.50", o.Price)
			}
		}
	}
	if !sawBid || !sawAsk {
		t.Fatalf("expected both a bid and an ask, bid=%v ask=%v", sawBid, sawAsk)
	}
}

func TestQuotingStrategyRequotesOnMidMove(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.sendTrade(backtest.TradeEvent{MarketID: "M", Timestamp: 1, Price: 0.50, Size: 1, Taker: backtest.TakerBoughtYes})
	firstBidID := h.strategy.states["M"].bidID

	// A sharply different mid should trigger a replace, not a no-op keep.
	h.sendTrade(backtest.TradeEvent{MarketID: "M", Timestamp: 2, Price: 0.80, Size: 1, Taker: backtest.TakerBoughtYes})
	secondBidID := h.strategy.states["M"].bidID

	if firstBidID == secondBidID {
		t.Error("expected the bid to be replaced after a large mid move")
	}

	open := h.adapter.OpenOrders("M")
	for _, o := range open {
		if o.Side == backtest.BuyYes && o.Price >= 0.80 {
			t.Errorf("bid price %v should sit below the new mid 0.80", o.Price)
		}
	}
}

func TestQuotingStrategyClearsStateOnMarketClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.sendTrade(backtest.TradeEvent{MarketID: "M", Timestamp: 1, Price: 0.50, Size: 1, Taker: backtest.TakerBoughtYes})
	if _, ok := h.strategy.states["M"]; !ok {
		t.Fatal("expected market state to exist after trading")
	}

	h.strategy.OnMarketClose(backtest.Market{ID: "M"})
	if _, ok := h.strategy.states["M"]; ok {
		t.Error("expected market state to be cleared on close")
	}
}

func TestNetDeltaBalancedAndSkewed(t *testing.T) {
	t.Parallel()

	if d := netDelta(backtest.Position{}); d != 0 {
		t.Errorf("flat position netDelta = %v, want 0", d)
	}
	if d := netDelta(backtest.Position{YesQty: 10}); d != 1 {
		t.Errorf("all-YES netDelta = %v, want 1", d)
	}
	if d := netDelta(backtest.Position{NoQty: 10}); d != -1 {
		t.Errorf("all-NO netDelta = %v, want -1", d)
	}
	if d := netDelta(backtest.Position{YesQty: 3, NoQty: 1}); d != 0.5 {
		t.Errorf("3:1 YES:NO netDelta = %v, want 0.5", d)
	}
}
