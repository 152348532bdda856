package backtest

// Feed is the abstract historical-data source the engine pulls from. A feed
// is read once, front to back, and is not restartable. Parquet/column-store
// ingestion, live WebSocket capture, and any other proprietary loader are
// external collaborators that need only satisfy this contract; none of that
// machinery lives in this module (see internal/feed for minimal, in-repo
// reference implementations used by tests and small local runs).
type Feed interface {
	// Markets returns every market that will appear in Trades, read once at
	// startup before the first event is pulled.
	Markets() ([]Market, error)

	// Trades returns a lazy, timestamp-sorted sequence of trade events. The
	// returned iterator function yields one event per call and reports false
	// once exhausted or on error.
	Trades() (TradeIterator, error)

	// TradeCount reports the number of trades the feed expects to yield, for
	// progress reporting. It may be approximate (e.g. -1 if unknown).
	TradeCount() int64
}

// TradeIterator pulls the next trade event lazily. It returns ok=false once
// the sequence is exhausted; a non-nil error indicates the feed failed
// before exhaustion.
type TradeIterator func() (event TradeEvent, ok bool, err error)
