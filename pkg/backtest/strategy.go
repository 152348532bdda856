package backtest

// Strategy is the callback surface the engine drives. Hooks fire in the
// exact order documented on each method below; a strategy implementation
// must not retain and mutate any view it is handed (portfolio snapshots,
// market metadata) — treat them as copies.
type Strategy interface {
	// Initialize fires once before the first event, with the API the
	// strategy will use for the rest of the run.
	Initialize(api StrategyAPI)

	// OnMarketOpen fires at each market's open timestamp.
	OnMarketOpen(market Market)

	// OnFill fires immediately after a fill is applied to the portfolio,
	// before OnTrade for the same trade event.
	OnFill(fill Fill)

	// OnTrade fires after broker matching and portfolio application for
	// every trade event, whether or not it produced any fills.
	OnTrade(trade TradeEvent)

	// OnMarketClose fires at a market's close timestamp. All of that
	// market's open orders are auto-canceled immediately before this fires.
	OnMarketClose(market Market)

	// OnMarketResolve fires after the portfolio's resolution payout for
	// this market has been applied.
	OnMarketResolve(market Market, outcome Resolution)

	// Finalize fires once after the last event.
	Finalize()
}

// StrategyAPI is the narrow, validated surface a Strategy uses to act: place
// or cancel orders and read current state. Implementations must make
// placement/cancellation take effect immediately in broker state, per the
// reentrancy rule — an order placed during a callback cannot fill against
// the trade event currently being processed, only subsequent ones.
type StrategyAPI interface {
	BuyYes(marketID string, price, quantity float64) (orderID uint64, err error)
	SellYes(marketID string, price, quantity float64) (orderID uint64, err error)
	BuyNo(marketID string, price, quantity float64) (orderID uint64, err error)
	SellNo(marketID string, price, quantity float64) (orderID uint64, err error)

	CancelOrder(orderID uint64) error
	CancelAll(marketID string) error // marketID == "" cancels across all markets

	Portfolio() Snapshot
	OpenOrders(marketID string) []Order // marketID == "" returns all markets
	Market(marketID string) (Market, bool)
}
