// Package broker implements the resting-order book per market and the
// taker-side matching rule that decides whether an incoming historical
// trade fills any of a strategy's resting limit orders.
//
// There is no live order book to mirror here — unlike the teacher's
// market.Book, which shadows a real CLOB's book from WebSocket snapshots,
// Broker *is* the book: it owns every resting order a strategy has placed
// and is the sole source of truth for what can fill. Grounded on the
// general price-time-priority discipline every matching-engine example in
// the retrieval pack uses (sequencing separated from matching so results
// are reproducible), adapted here to two ladders per market instead of a
// full multi-level L2 book, since only the taker side — never the full
// counterparty depth — is available from a historical trade tape.
package broker

import (
	"math"
	"sort"

	"backtest-engine/internal/slippage"
	"backtest-engine/pkg/backtest"
)

// PositionQuery reports a market's current signed quantity on the leg the
// given side trades, so the broker can avoid crossing a position through
// zero within a single fill (§4.2: "broker must split or reject") — a single
// Match is never allowed to flip a leg's sign, regardless of whether
// shorting is enabled; only whether the resulting short may stand differs.
type PositionQuery func(marketID string, side backtest.Side) float64

// Match is one resting order's participation in a single trade's matching
// pass: the order that was hit, how much of it filled, and at what
// slippage-adjusted price.
type Match struct {
	Order    *backtest.Order
	Quantity float64
	Price    float64
}

type marketBook struct {
	market *backtest.Market
	bids   []*backtest.Order // BuyYes + SellNo, sorted by EffectivePrice descending
	asks   []*backtest.Order // SellYes + BuyNo, sorted by EffectivePrice ascending
}

// maxClosedOrderHistory bounds how many filled/canceled orders b.orders
// retains once they leave the ladders. A resting order is never evicted;
// only this closed-order history is capped, oldest first, so a long run
// with heavy order churn (a requoting strategy cancels and replaces on
// every few trades) does not grow b.orders for the life of the run.
const maxClosedOrderHistory = 10_000

// Broker owns every market's resting-order ladders.
type Broker struct {
	books        map[string]*marketBook
	orders       map[uint64]*backtest.Order
	closedOrders []uint64 // ids of closed orders still kept in orders, oldest first; the oldest is evicted once maxClosedOrderHistory is exceeded
	nextID       uint64
	slip         *slippage.Model
	allowShort   bool
	lookupQty    PositionQuery
}

// New constructs a Broker. lookupQty must reflect the portfolio's current
// position for a market/side at the moment it is called; the engine wires
// this to its Portfolio.
func New(slip *slippage.Model, allowShort bool, lookupQty PositionQuery) *Broker {
	return &Broker{
		books:      make(map[string]*marketBook),
		orders:     make(map[uint64]*backtest.Order),
		slip:       slip,
		allowShort: allowShort,
		lookupQty:  lookupQty,
	}
}

// recordClosed tracks an order that just left the Open status, evicting the
// oldest tracked closed order from b.orders once the bounded history fills.
func (b *Broker) recordClosed(orderID uint64) {
	b.closedOrders = append(b.closedOrders, orderID)
	if len(b.closedOrders) > maxClosedOrderHistory {
		evict := b.closedOrders[0]
		b.closedOrders = b.closedOrders[1:]
		delete(b.orders, evict)
	}
}

// RegisterMarket makes a market known to the broker so orders can be placed
// against it. Must be called before any Place/trade for that market.
func (b *Broker) RegisterMarket(m backtest.Market) {
	b.books[m.ID] = &marketBook{market: &m}
}

// SetResolution updates the broker's record of a market's terminal outcome,
// so subsequent Place calls correctly reject as MarketNotTradable.
func (b *Broker) SetResolution(marketID string, r backtest.Resolution) {
	if book, ok := b.books[marketID]; ok {
		book.market.Resolution = r
	}
}

// effectivePrice maps an order's own-leg limit price onto a common YES-price
// scale so bids (BuyYes, SellNo) and asks (SellYes, BuyNo) can be ranked and
// matched against a YES-denominated trade price with one rule each.
func effectivePrice(o *backtest.Order) float64 {
	if o.Side.IsYesLeg() {
		return o.Price
	}
	return 1 - o.Price
}

// Place validates and inserts a new resting order, returning its id.
func (b *Broker) Place(marketID string, side backtest.Side, price, quantity float64, timestamp int64) (uint64, error) {
	book, ok := b.books[marketID]
	if !ok {
		return 0, backtest.NewError(backtest.UnknownMarket, marketID, 0, "place: market not registered")
	}
	if book.market.Resolution != backtest.Unresolved || timestamp >= book.market.CloseTime {
		return 0, backtest.NewError(backtest.MarketNotTradable, marketID, 0, "place: market closed or resolved")
	}
	if quantity <= 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return 0, backtest.NewError(backtest.InvalidQuantity, marketID, 0, "place: quantity must be positive and finite")
	}
	if !book.market.ValidPrice(price) {
		return 0, backtest.NewError(backtest.InvalidPrice, marketID, 0, "place: price outside (0,1) or off tick grid")
	}

	b.nextID++
	order := &backtest.Order{
		ID:        b.nextID,
		MarketID:  marketID,
		Side:      side,
		Price:     price,
		Remaining: quantity,
		Placed:    timestamp,
		Status:    backtest.Open,
	}
	b.orders[order.ID] = order
	b.insert(book, order)
	return order.ID, nil
}

func (b *Broker) insert(book *marketBook, order *backtest.Order) {
	if order.Side == backtest.BuyYes || order.Side == backtest.SellNo {
		book.bids = append(book.bids, order)
		sort.SliceStable(book.bids, func(i, j int) bool {
			return effectivePrice(book.bids[i]) > effectivePrice(book.bids[j])
		})
	} else {
		book.asks = append(book.asks, order)
		sort.SliceStable(book.asks, func(i, j int) bool {
			return effectivePrice(book.asks[i]) < effectivePrice(book.asks[j])
		})
	}
}

// Cancel marks an order Canceled and removes it from its ladder if still
// resting. Idempotent: a second cancel on the same id returns OrderNotActive
// without altering state.
func (b *Broker) Cancel(orderID uint64) error {
	order, ok := b.orders[orderID]
	if !ok || order.Status != backtest.Open {
		return backtest.NewError(backtest.OrderNotActive, "", orderID, "cancel: order is not resting")
	}
	order.Status = backtest.Canceled
	b.removeFromLadder(order)
	b.recordClosed(order.ID)
	return nil
}

// CancelAll cancels every open order in a market, or across all markets if
// marketID is empty. Runs in O(open orders): it walks each affected
// market's resting-order ladders directly — which hold exactly the
// currently-open orders, trimmed on every fill and cancel — rather than
// b.orders, which retains a bounded history of closed orders alongside
// every still-open one.
func (b *Broker) CancelAll(marketID string) error {
	if marketID != "" {
		book, ok := b.books[marketID]
		if !ok {
			return backtest.NewError(backtest.UnknownMarket, marketID, 0, "cancel_all: market not registered")
		}
		b.cancelBook(book)
		return nil
	}
	for _, book := range b.books {
		b.cancelBook(book)
	}
	return nil
}

// cancelBook marks every resting order in a single market's ladders
// Canceled and empties the ladders.
func (b *Broker) cancelBook(book *marketBook) {
	for _, o := range book.bids {
		o.Status = backtest.Canceled
		b.recordClosed(o.ID)
	}
	for _, o := range book.asks {
		o.Status = backtest.Canceled
		b.recordClosed(o.ID)
	}
	book.bids = book.bids[:0]
	book.asks = book.asks[:0]
}

func (b *Broker) removeFromLadder(order *backtest.Order) {
	book, ok := b.books[order.MarketID]
	if !ok {
		return
	}
	book.bids = removeOrder(book.bids, order.ID)
	book.asks = removeOrder(book.asks, order.ID)
}

func removeOrder(orders []*backtest.Order, id uint64) []*backtest.Order {
	for i, o := range orders {
		if o.ID == id {
			return append(orders[:i], orders[i+1:]...)
		}
	}
	return orders
}

// OrderByID returns a snapshot of an order regardless of its status, for
// diagnostics and tests. The zero value and ok=false mean either no such
// order was ever placed, or it closed long enough ago to have fallen out of
// the bounded closed-order history (see maxClosedOrderHistory).
func (b *Broker) OrderByID(orderID uint64) (backtest.Order, bool) {
	o, ok := b.orders[orderID]
	if !ok {
		return backtest.Order{}, false
	}
	return *o, true
}

// OpenOrders returns every resting order in a market, or across all markets
// if marketID is empty. Callers must not mutate the returned orders. Reads
// the ladders directly, same as CancelAll, so it costs O(open orders) rather
// than O(every order ever placed).
func (b *Broker) OpenOrders(marketID string) []backtest.Order {
	if marketID != "" {
		book, ok := b.books[marketID]
		if !ok {
			return nil
		}
		return snapshotBook(book)
	}
	var out []backtest.Order
	for _, book := range b.books {
		out = append(out, snapshotBook(book)...)
	}
	return out
}

func snapshotBook(book *marketBook) []backtest.Order {
	out := make([]backtest.Order, 0, len(book.bids)+len(book.asks))
	for _, o := range book.bids {
		out = append(out, *o)
	}
	for _, o := range book.asks {
		out = append(out, *o)
	}
	return out
}

const epsilon = 1e-9

// deltaForQty signs a fill quantity by the side's direction: positive for a
// buy (adds to the leg), negative for a sell (reduces it).
func deltaForQty(side backtest.Side, qty float64) float64 {
	if side.IsBuy() {
		return qty
	}
	return -qty
}

// signOf mirrors portfolio's own zero-tolerant sign helper: the two packages
// must agree on what counts as "crossed zero" or a fill the broker considers
// safely split could still trip portfolio.ApplyFill's fatal check.
func signOf(x float64) int {
	switch {
	case x > epsilon:
		return 1
	case x < -epsilon:
		return -1
	default:
		return 0
	}
}

// Match walks the ladder opposite the trade's taker side and returns every
// fill it produces, mutating matched orders' Remaining/Status in place. A
// fill that would carry a leg through zero into the opposite sign is never
// returned as a single Match — per §4.2 it is always split into a match that
// closes the existing leg to exactly zero and, when shorting is enabled, a
// second match on the same order that opens the new leg; when shorting is
// disabled the opening portion is rejected outright rather than split.
// Updating the market's slippage EMA is NOT performed here — callers must
// call the slippage model's UpdateEMA before Match, per the
// EMA-initialization-timing design note.
func (b *Broker) Match(trade backtest.TradeEvent) []Match {
	book, ok := b.books[trade.MarketID]
	if !ok {
		return nil
	}

	var ladder []*backtest.Order
	if trade.Taker == backtest.TakerBoughtNo {
		ladder = book.bids
	} else {
		ladder = book.asks
	}

	remaining := trade.Size
	tick := book.market.TickSize()
	running := make(map[backtest.Side]float64)

	var matches []Match
	var filledIDs []uint64

	for _, order := range ladder {
		if remaining <= epsilon {
			break
		}
		if !eligible(order, trade) {
			break // ladder is priority-sorted: once ineligible, all further orders are too
		}

		qty := math.Min(order.Remaining, remaining)

		current, seen := running[order.Side]
		if !seen {
			current = b.lookupQty(order.MarketID, order.Side)
		}
		newQty := current + deltaForQty(order.Side, qty)

		if !b.allowShort && !order.Side.IsBuy() && current <= epsilon && newQty < -epsilon {
			// Shorting disabled and the leg is already flat: a sell fills
			// nothing rather than opening a short from zero.
			continue
		}

		// crossingQty is the portion of qty that would carry the leg through
		// the opposite sign from its current one.
		var crossingQty float64
		if signOf(current) != 0 && signOf(newQty) != 0 && signOf(current) != signOf(newQty) {
			crossingQty = math.Abs(newQty)
		}
		if crossingQty > epsilon && !b.allowShort {
			// Split-or-reject, shorting disabled: reject the opening
			// portion, closing the leg to exactly zero and no further.
			qty -= crossingQty
			crossingQty = 0
		}
		if qty <= epsilon {
			continue
		}

		price := b.slip.Adjust(trade.MarketID, order.Price, qty, tick, order.Side.IsBuy())
		closingQty := qty - crossingQty
		if crossingQty > epsilon {
			// Split-or-reject, shorting enabled: close the existing leg to
			// exactly zero, then open the new opposite-sign leg as a second
			// match against the same order, each fresh-averaged on its own
			// side of zero. portfolio.ApplyFill treats a single fill that
			// flips a leg's sign as a fatal accounting violation, so this
			// split is required, not optional, whenever shorting is on.
			matches = append(matches, Match{Order: order, Quantity: closingQty, Price: price})
			matches = append(matches, Match{Order: order, Quantity: crossingQty, Price: price})
		} else {
			matches = append(matches, Match{Order: order, Quantity: qty, Price: price})
		}
		running[order.Side] = current + deltaForQty(order.Side, qty)

		order.Remaining -= qty
		remaining -= qty
		if order.Remaining <= epsilon {
			order.Status = backtest.Filled
			filledIDs = append(filledIDs, order.ID)
		}
	}

	for _, id := range filledIDs {
		b.removeFromLadder(b.orders[id])
		b.recordClosed(id)
	}

	return matches
}

// eligible reports whether a resting order's limit is compatible with the
// incoming trade's price, using the effective-price rule that unifies the
// BuyYes/SellNo and SellYes/BuyNo symmetric cases (§4.4 point 3).
func eligible(order *backtest.Order, trade backtest.TradeEvent) bool {
	if trade.Taker == backtest.TakerBoughtNo {
		return trade.Price <= effectivePrice(order)
	}
	return trade.Price >= effectivePrice(order)
}
