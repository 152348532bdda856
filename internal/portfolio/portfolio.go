// Package portfolio tracks cash, open YES/NO positions, realized P&L, and
// resolution payouts for a single backtest run.
//
// Unlike the teacher's strategy.Inventory — which guards its position with
// a sync.RWMutex because it is read from the live WebSocket goroutine and
// written from the quoting loop concurrently — Portfolio carries no lock.
// The engine's hot loop is single-threaded and cooperative by design; adding
// a mutex here would only hide a concurrency bug the rest of the engine
// must not have.
package portfolio

import (
	"math"

	"backtest-engine/pkg/backtest"
)

// Portfolio is the mutable ledger the engine drives. Zero value is not
// usable; construct with New.
type Portfolio struct {
	cash             float64
	initialCash      float64
	allowShort       bool
	realizedPnL      float64
	realizedPnLByMkt map[string]float64 // per-market share of realizedPnL, for internal/risk
	positions        map[string]*backtest.Position
	lastYesPx        map[string]float64 // last observed YES price per market, for mark-to-market
	fills            []backtest.Fill
}

// New constructs a Portfolio with the given starting cash.
func New(initialCash float64, allowShort bool) *Portfolio {
	return &Portfolio{
		cash:             initialCash,
		initialCash:      initialCash,
		allowShort:       allowShort,
		positions:        make(map[string]*backtest.Position),
		lastYesPx:        make(map[string]float64),
		realizedPnLByMkt: make(map[string]float64),
	}
}

func (p *Portfolio) position(marketID string) *backtest.Position {
	pos, ok := p.positions[marketID]
	if !ok {
		pos = &backtest.Position{MarketID: marketID}
		p.positions[marketID] = pos
	}
	return pos
}

// ObserveTradePrice records the last-seen YES trade price for a market, used
// by MarkToMarket when no explicit price map entry is supplied.
func (p *Portfolio) ObserveTradePrice(marketID string, yesPrice float64) {
	p.lastYesPx[marketID] = yesPrice
}

// LastYesPrice returns the last observed YES trade price for a market, or 0
// if none has been recorded yet.
func (p *Portfolio) LastYesPrice(marketID string) float64 {
	return p.lastYesPx[marketID]
}

// ApplyFill mutates cash and the relevant leg of the market's Position,
// updating average cost on an adding fill or realizing P&L on a reducing
// one, per the average-cost algorithm in the component design. It returns
// ShortDisallowed if applying the fill would cross a leg through zero while
// shorting is disabled — the caller (the broker) is responsible for never
// producing such a fill by splitting or rejecting the order that requested it.
func (p *Portfolio) ApplyFill(fill backtest.Fill) error {
	pos := p.position(fill.MarketID)

	var qty, avg *float64
	if fill.Side.IsYesLeg() {
		qty, avg = &pos.YesQty, &pos.YesAvg
	} else {
		qty, avg = &pos.NoQty, &pos.NoAvg
	}

	delta := fill.Quantity
	if !fill.Side.IsBuy() {
		delta = -delta
	}
	newQty := *qty + delta

	if !p.allowShort && newQty < -1e-9 {
		return backtest.NewError(backtest.ShortDisallowed, fill.MarketID, fill.OrderID,
			"fill would cross position through zero into a short leg")
	}
	if signOf(*qty) != 0 && signOf(newQty) != 0 && signOf(*qty) != signOf(newQty) {
		return backtest.NewError(backtest.AccountingViolation, fill.MarketID, fill.OrderID,
			"fill crossed a position through zero in one step; broker must split or reject")
	}

	growing := math.Abs(newQty) > math.Abs(*qty)
	if growing {
		totalCost := *avg*math.Abs(*qty) + fill.Price*fill.Quantity
		*avg = totalCost / math.Abs(newQty)
	} else {
		realized := fill.Quantity * (fill.Price - *avg) * float64(signOf(*qty))
		p.realizedPnL += realized
		p.realizedPnLByMkt[fill.MarketID] += realized
		if newQty == 0 {
			*avg = 0
		}
	}
	*qty = newQty

	if fill.Side.IsBuy() {
		p.cash -= fill.Price * fill.Quantity
	} else {
		p.cash += fill.Price * fill.Quantity
	}

	p.fills = append(p.fills, fill)
	return nil
}

func signOf(x float64) int {
	switch {
	case x > 1e-9:
		return 1
	case x < -1e-9:
		return -1
	default:
		return 0
	}
}

// ResolveMarket settles every nonzero leg of the market's position against
// the terminal outcome: the winning leg pays 1.0 per contract, the losing
// leg pays 0. Cash is credited and the position is cleared. Resolving a
// market with no position is a no-op.
func (p *Portfolio) ResolveMarket(marketID string, outcome backtest.Resolution) {
	pos, ok := p.positions[marketID]
	if !ok {
		return
	}

	yesPayout := 0.0
	if outcome == backtest.ResolvedYes {
		yesPayout = 1.0
	}
	noPayout := 0.0
	if outcome == backtest.ResolvedNo {
		noPayout = 1.0
	}

	p.realizedPnL += pos.YesQty*(yesPayout-pos.YesAvg) + pos.NoQty*(noPayout-pos.NoAvg)
	p.cash += pos.YesQty*yesPayout + pos.NoQty*noPayout

	delete(p.positions, marketID)
	delete(p.lastYesPx, marketID)
}

// MarkToMarket computes equity using priceMap's YES prices where present,
// falling back to the last trade price observed for that market. NO is
// valued as (1 - YES). It does not mutate Portfolio state.
func (p *Portfolio) MarkToMarket(timestamp int64, priceMap map[string]float64) backtest.Snapshot {
	equity := p.cash
	positions := make(map[string]backtest.Position, len(p.positions))

	for marketID, pos := range p.positions {
		yesPx, ok := priceMap[marketID]
		if !ok {
			yesPx = p.lastYesPx[marketID]
		}
		equity += pos.YesQty*yesPx + pos.NoQty*(1-yesPx)
		positions[marketID] = *pos
	}

	return backtest.Snapshot{
		Timestamp:   timestamp,
		Cash:        p.cash,
		Equity:      equity,
		RealizedPnL: p.realizedPnL,
		Positions:   positions,
	}
}

// Snapshot is MarkToMarket using only previously observed trade prices.
func (p *Portfolio) Snapshot(timestamp int64) backtest.Snapshot {
	return p.MarkToMarket(timestamp, nil)
}

// Fills returns the ordered log of fills applied so far. Callers must not
// mutate the returned slice.
func (p *Portfolio) Fills() []backtest.Fill {
	return p.fills
}

// LegQuantity returns the current signed quantity held on the leg side
// trades (YesQty for BuyYes/SellYes, NoQty for BuyNo/SellNo), with no
// allocation for a market with no position yet. Intended as the broker's
// PositionQuery callback.
func (p *Portfolio) LegQuantity(marketID string, side backtest.Side) float64 {
	pos, ok := p.positions[marketID]
	if !ok {
		return 0
	}
	if side.IsYesLeg() {
		return pos.YesQty
	}
	return pos.NoQty
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash() float64 { return p.cash }

// RealizedPnL returns the running realized P&L.
func (p *Portfolio) RealizedPnL() float64 { return p.realizedPnL }

// RealizedPnLByMarket returns the cumulative realized P&L booked against a
// single market's legs, for internal/risk's per-market daily-loss check.
func (p *Portfolio) RealizedPnLByMarket(marketID string) float64 {
	return p.realizedPnLByMkt[marketID]
}

// MarketExposure returns a market's current USD exposure (absolute notional
// of both legs at the last observed YES price) and its mark-to-market
// unrealized P&L against average cost.
func (p *Portfolio) MarketExposure(marketID string) (exposureUSD, unrealizedPnL float64) {
	pos, ok := p.positions[marketID]
	if !ok {
		return 0, 0
	}
	yesPx := p.lastYesPx[marketID]
	noPx := 1 - yesPx

	exposureUSD = math.Abs(pos.YesQty*yesPx) + math.Abs(pos.NoQty*noPx)
	unrealizedPnL = pos.YesQty*(yesPx-pos.YesAvg) + pos.NoQty*(noPx-pos.NoAvg)
	return exposureUSD, unrealizedPnL
}

// AccountingResidual checks the accounting identity from the data model:
// cash + Σ mark-to-market + Σ pending resolution payouts should equal
// initial_cash + realized_pnl + unrealized_pnl. Resolved markets pay out
// into cash immediately and are cleared, so the "pending payouts" term is
// always zero here; substituting unrealized_pnl = Σ(mtm - cost_basis) and
// simplifying algebraically leaves the equivalent, cheaper-to-check form
// this function returns: cash - initial_cash - realized_pnl + Σ cost_basis.
// Should be within 1e-6 of zero at every snapshot.
func (p *Portfolio) AccountingResidual() float64 {
	costBasis := 0.0
	for _, pos := range p.positions {
		costBasis += pos.YesQty*pos.YesAvg + pos.NoQty*pos.NoAvg
	}
	return p.cash - p.initialCash - p.realizedPnL + costBasis
}
