package engine

import (
	"sort"

	"backtest-engine/pkg/backtest"
)

// eventClass orders events sharing an identical timestamp: market_open <
// trade < market_close, per the ordering guarantee in the component design.
// Resolution has no class of its own — a Market carries no resolve
// timestamp distinct from CloseTime, so a resolved market's payout and
// on_market_resolve hook are folded into its close event (see
// Engine.processClose).
type eventClass int

const (
	classOpen eventClass = iota
	classTrade
	classClose
)

// lifecycleEvent is a market open or close, derived once from Feed.Markets()
// at the start of a run — unlike trades, the full set is known upfront.
type lifecycleEvent struct {
	timestamp int64
	class     eventClass
	market    backtest.Market
}

// mergedEvent is one item off the merged stream: exactly one of market or
// trade is meaningful, selected by class.
type mergedEvent struct {
	timestamp int64
	class     eventClass
	market    backtest.Market
	trade     backtest.TradeEvent
}

func (ev mergedEvent) marketID() string {
	if ev.class == classTrade {
		return ev.trade.MarketID
	}
	return ev.market.ID
}

// mergedSource walks the statically known, pre-sorted lifecycle events
// alongside the feed's lazy trade iterator, yielding whichever comes first
// in the documented tie-break order. Building the lifecycle list upfront
// (rather than deriving it incrementally) is safe because Feed.Markets is
// itself read once, in full, before any trade is pulled.
type mergedSource struct {
	lifecycle []lifecycleEvent
	li        int

	tradeIter backtest.TradeIterator
	pending   backtest.TradeEvent
	pendingOK bool
	loaded    bool
}

func newMergedSource(markets []backtest.Market, feed backtest.Feed) (*mergedSource, error) {
	lifecycle := make([]lifecycleEvent, 0, len(markets)*2)
	for _, m := range markets {
		lifecycle = append(lifecycle, lifecycleEvent{timestamp: m.OpenTime, class: classOpen, market: m})
		lifecycle = append(lifecycle, lifecycleEvent{timestamp: m.CloseTime, class: classClose, market: m})
	}
	sort.SliceStable(lifecycle, func(i, j int) bool {
		if lifecycle[i].timestamp != lifecycle[j].timestamp {
			return lifecycle[i].timestamp < lifecycle[j].timestamp
		}
		return lifecycle[i].class < lifecycle[j].class
	})

	iter, err := feed.Trades()
	if err != nil {
		return nil, err
	}
	return &mergedSource{lifecycle: lifecycle, tradeIter: iter}, nil
}

// next returns the earliest not-yet-emitted event across both sources, or
// ok=false once both are exhausted.
func (s *mergedSource) next() (mergedEvent, bool, error) {
	if !s.loaded {
		t, ok, err := s.tradeIter()
		if err != nil {
			return mergedEvent{}, false, err
		}
		s.pending, s.pendingOK, s.loaded = t, ok, true
	}

	haveLifecycle := s.li < len(s.lifecycle)
	haveTrade := s.pendingOK

	if !haveLifecycle && !haveTrade {
		return mergedEvent{}, false, nil
	}

	if haveLifecycle && (!haveTrade || lifecycleFirst(s.lifecycle[s.li], s.pending)) {
		lc := s.lifecycle[s.li]
		s.li++
		return mergedEvent{timestamp: lc.timestamp, class: lc.class, market: lc.market}, true, nil
	}

	trade := s.pending
	s.loaded = false
	return mergedEvent{timestamp: trade.Timestamp, class: classTrade, trade: trade}, true, nil
}

// lifecycleFirst reports whether lc must be emitted before trade: earlier
// timestamp, or identical timestamp and a lower class (open(0) < trade(1) <
// close(2)).
func lifecycleFirst(lc lifecycleEvent, trade backtest.TradeEvent) bool {
	if lc.timestamp != trade.Timestamp {
		return lc.timestamp < trade.Timestamp
	}
	return lc.class < classTrade
}
