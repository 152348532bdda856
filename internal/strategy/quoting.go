package strategy

import (
	"math"

	"backtest-engine/pkg/backtest"
)

// QuotingConfig configures QuotingStrategy. Window/cooldown fields are
// milliseconds, matching the engine's event timestamps rather than
// wall-clock durations.
type QuotingConfig struct {
	Gamma            float64 // risk aversion
	Sigma            float64 // assumed volatility
	K                float64 // order arrival intensity
	T                float64 // time horizon
	DefaultSpreadBps float64
	OrderSizeUSD     float64
	MinOrderSize     float64

	FlowWindowMillis        int64
	FlowToxicityThreshold   float64
	FlowCooldownMillis      int64
	FlowMaxSpreadMultiplier float64
}

// DefaultQuotingConfig returns the reference strategy's documented defaults.
func DefaultQuotingConfig() QuotingConfig {
	return QuotingConfig{
		Gamma:                   0.1,
		Sigma:                   0.02,
		K:                       1.5,
		T:                       1.0,
		DefaultSpreadBps:        200,
		OrderSizeUSD:            50,
		MinOrderSize:            1,
		FlowWindowMillis:        60_000,
		FlowToxicityThreshold:   0.6,
		FlowCooldownMillis:      120_000,
		FlowMaxSpreadMultiplier: 3.0,
	}
}

type quoteState struct {
	tracker *FlowTracker
	mid     float64
	hasMid  bool
	bidID   uint64
	askID   uint64
}

// QuotingStrategy is the bundled reference Strategy implementation: an
// Avellaneda-Stoikov inventory-skew quoter on the YES leg, widened under
// toxic flow, ported from the teacher's live maker.go/inventory.go/
// flow_tracker.go. Where the teacher requotes on a wall-clock ticker, this
// requotes on every trade event for the affected market — a replay has no
// clock besides the tape itself.
type QuotingStrategy struct {
	cfg    QuotingConfig
	api    backtest.StrategyAPI
	states map[string]*quoteState
}

// NewQuotingStrategy constructs a QuotingStrategy with the given config.
func NewQuotingStrategy(cfg QuotingConfig) *QuotingStrategy {
	return &QuotingStrategy{cfg: cfg, states: make(map[string]*quoteState)}
}

func (s *QuotingStrategy) Initialize(api backtest.StrategyAPI) {
	s.api = api
}

func (s *QuotingStrategy) state(marketID string) *quoteState {
	st, ok := s.states[marketID]
	if !ok {
		st = &quoteState{
			tracker: NewFlowTracker(s.cfg.FlowWindowMillis, s.cfg.FlowCooldownMillis,
				s.cfg.FlowToxicityThreshold, s.cfg.FlowMaxSpreadMultiplier),
		}
		s.states[marketID] = st
	}
	return st
}

func (s *QuotingStrategy) OnMarketOpen(market backtest.Market) {
	s.state(market.ID)
}

func (s *QuotingStrategy) OnFill(fill backtest.Fill) {
	st := s.state(fill.MarketID)
	st.tracker.AddFill(fill.Timestamp, fill.Side.IsBuy())
}

func (s *QuotingStrategy) OnTrade(trade backtest.TradeEvent) {
	st := s.state(trade.MarketID)
	st.mid = trade.Price
	st.hasMid = true
	s.requote(trade.MarketID, trade.Timestamp)
}

// OnMarketClose drops this market's tracking state. The engine has already
// auto-canceled every resting order for the market before this fires, so
// any order ids this strategy was tracking are already stale.
func (s *QuotingStrategy) OnMarketClose(market backtest.Market) {
	delete(s.states, market.ID)
}

func (s *QuotingStrategy) OnMarketResolve(market backtest.Market, outcome backtest.Resolution) {
	delete(s.states, market.ID)
}

func (s *QuotingStrategy) Finalize() {}

func (s *QuotingStrategy) requote(marketID string, now int64) {
	st := s.states[marketID]
	if !st.hasMid {
		return
	}
	market, ok := s.api.Market(marketID)
	if !ok {
		return
	}
	tick := market.TickSize()

	snap := s.api.Portfolio()
	q := netDelta(snap.Positions[marketID])

	bidPrice, bidSize, askPrice, askSize := s.computeQuotes(st, q, tick, now)

	s.reconcileSide(marketID, backtest.BuyYes, &st.bidID, bidPrice, bidSize, tick)
	s.reconcileSide(marketID, backtest.SellYes, &st.askID, askPrice, askSize, tick)
}

// computeQuotes implements the Avellaneda-Stoikov model for a binary
// contract, widened by the flow tracker's toxicity multiplier:
//
//	reservation = mid - q*gamma*sigma^2*T
//	spread      = gamma*sigma^2*T + (2/gamma)*ln(1+gamma/k)
//	bid         = reservation - spread/2, ask = reservation + spread/2
func (s *QuotingStrategy) computeQuotes(st *quoteState, q, tick float64, now int64) (bidPrice, bidSize, askPrice, askSize float64) {
	cfg := s.cfg
	mid := st.mid
	flowMultiplier := st.tracker.GetSpreadMultiplier(now)

	minSpread := (cfg.DefaultSpreadBps / 10000.0) * flowMultiplier

	reservation := mid - q*cfg.Gamma*cfg.Sigma*cfg.Sigma*cfg.T
	optSpread := cfg.Gamma*cfg.Sigma*cfg.Sigma*cfg.T + (2.0/cfg.Gamma)*math.Log(1+cfg.Gamma/cfg.K)
	optSpread *= flowMultiplier

	bidRaw := reservation - optSpread/2
	askRaw := reservation + optSpread/2
	if (askRaw - bidRaw) < minSpread {
		bidRaw = reservation - minSpread/2
		askRaw = reservation + minSpread/2
	}

	bidRaw = clampQuote(bidRaw, tick, 1-tick)
	askRaw = clampQuote(askRaw, tick, 1-tick)
	if bidRaw >= askRaw {
		bidRaw = askRaw - tick
	}
	if bidRaw < tick {
		bidRaw = tick
	}

	bidPrice = roundToTick(bidRaw, tick, math.Floor)
	askPrice = roundToTick(askRaw, tick, math.Ceil)
	if bidPrice >= askPrice {
		askPrice = bidPrice + tick
	}

	absQ := math.Abs(q)
	sizeFactor := 1.0 - 0.5*absQ
	baseSize := cfg.OrderSizeUSD / mid
	bidSize = math.Max(baseSize*sizeFactor, cfg.MinOrderSize)
	askSize = math.Max(baseSize*sizeFactor, cfg.MinOrderSize)
	return
}

// reconcileSide keeps a single resting order (bid or ask) in line with a
// freshly computed target: if an order is already resting within one tick
// of price and within 10% of size, it is left alone; otherwise it is
// canceled and replaced.
func (s *QuotingStrategy) reconcileSide(marketID string, side backtest.Side, orderID *uint64, price, size, tick float64) {
	if price <= 0 || price >= 1 || size < s.cfg.MinOrderSize {
		if *orderID != 0 {
			_ = s.api.CancelOrder(*orderID)
			*orderID = 0
		}
		return
	}

	if *orderID != 0 {
		existing, ok := findOrder(s.api.OpenOrders(marketID), *orderID)
		if !ok {
			*orderID = 0 // already filled or canceled elsewhere
		} else if math.Abs(existing.Price-price) <= tick && math.Abs(existing.Remaining-size)/size <= 0.10 {
			return
		} else {
			_ = s.api.CancelOrder(*orderID)
			*orderID = 0
		}
	}

	var id uint64
	var err error
	switch side {
	case backtest.BuyYes:
		id, err = s.api.BuyYes(marketID, price, size)
	case backtest.SellYes:
		id, err = s.api.SellYes(marketID, price, size)
	}
	if err == nil {
		*orderID = id
	}
}

func findOrder(orders []backtest.Order, id uint64) (backtest.Order, bool) {
	for _, o := range orders {
		if o.ID == id {
			return o, true
		}
	}
	return backtest.Order{}, false
}

// netDelta returns inventory skew in [-1, 1]: +1 fully long YES, -1 fully
// long NO, 0 balanced — the "q" term in the reservation-price formula.
func netDelta(pos backtest.Position) float64 {
	total := pos.YesQty + pos.NoQty
	if total == 0 {
		return 0
	}
	return (pos.YesQty - pos.NoQty) / total
}

func clampQuote(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundToTick(v, tick float64, round func(float64) float64) float64 {
	return round(v/tick) * tick
}
