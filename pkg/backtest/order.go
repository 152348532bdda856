package backtest

// Order is a resting limit order on the broker's book. It is in the resting
// book iff Status == Open && Remaining > 0; any other combination means it
// has already been fully dealt with.
type Order struct {
	ID        uint64
	MarketID  string
	Side      Side
	Price     float64 // limit price, in (0,1)
	Remaining float64 // quantity still resting
	Placed    int64   // placement timestamp, unix ms
	Status    OrderStatus
}

// Fill is the record of a single match between a resting Order and an
// incoming TradeEvent. Price is the slippage-adjusted execution price, not
// the order's limit and not the raw trade print. LimitPrice carries the
// resting order's own limit price alongside it, so a report can compute
// per-fill slippage without re-querying the broker after the run ends.
type Fill struct {
	OrderID    uint64
	MarketID   string
	Side       Side
	Quantity   float64
	Price      float64
	LimitPrice float64
	Timestamp  int64
}
