package feed

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"backtest-engine/pkg/backtest"
)

// CSV is a minimal reference Feed reading two plain CSV files: one listing
// markets, one listing timestamp-sorted trades. It is a reference loader
// for local runs and tests, not a replacement for a platform-specific
// ingestion pipeline.
//
// markets.csv columns: id,platform,open_time,close_time,resolution
// trades.csv columns:  market_id,timestamp,price,size,taker_side
type CSV struct {
	marketsPath string
	tradesPath  string
	tradeCount  int64 // always -1: rows are never counted
}

// NewCSV constructs a CSV feed over the given file paths. TradeCount
// reports -1 (unknown); neither NewCSV nor Trades counts the rows.
func NewCSV(marketsPath, tradesPath string) *CSV {
	return &CSV{marketsPath: marketsPath, tradesPath: tradesPath, tradeCount: -1}
}

func (c *CSV) Markets() ([]backtest.Market, error) {
	f, err := os.Open(c.marketsPath)
	if err != nil {
		return nil, fmt.Errorf("open markets file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var markets []backtest.Market
	for i, row := range rows[1:] { // skip header
		m, err := parseMarketRow(row)
		if err != nil {
			return nil, fmt.Errorf("markets.csv row %d: %w", i+2, err)
		}
		markets = append(markets, m)
	}
	return markets, nil
}

func parseMarketRow(row []string) (backtest.Market, error) {
	if len(row) < 5 {
		return backtest.Market{}, fmt.Errorf("expected 5 columns, got %d", len(row))
	}
	openTime, err := strconv.ParseInt(row[2], 10, 64)
	if err != nil {
		return backtest.Market{}, fmt.Errorf("open_time: %w", err)
	}
	closeTime, err := strconv.ParseInt(row[3], 10, 64)
	if err != nil {
		return backtest.Market{}, fmt.Errorf("close_time: %w", err)
	}
	return backtest.Market{
		ID:         row[0],
		Platform:   backtest.Platform(row[1]),
		OpenTime:   openTime,
		CloseTime:  closeTime,
		Resolution: parseResolution(row[4]),
	}, nil
}

// parseResolution maps the CSV's human-readable "unresolved" literal onto
// Resolution's zero value, since Unresolved is deliberately "" rather than
// "unresolved" (so a Market{} built without setting the field defaults to
// unresolved instead of silently parsing as a resolved-with-empty-outcome
// market elsewhere in the engine).
func parseResolution(s string) backtest.Resolution {
	if s == "unresolved" {
		return backtest.Unresolved
	}
	return backtest.Resolution(s)
}

// Trades opens the trades file and returns a lazy row-by-row iterator. The
// underlying file is closed automatically once the iterator is exhausted or
// returns an error; a caller that abandons iteration early should not rely
// on that and may leak the descriptor, matching the pull-model contract
// that a feed is read once, front to back.
func (c *CSV) Trades() (backtest.TradeIterator, error) {
	f, err := os.Open(c.tradesPath)
	if err != nil {
		return nil, fmt.Errorf("open trades file: %w", err)
	}

	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil { // header
		f.Close()
		return nil, fmt.Errorf("read trades header: %w", err)
	}

	lineNum := 1
	return func() (backtest.TradeEvent, bool, error) {
		row, err := r.Read()
		if err == io.EOF {
			f.Close()
			return backtest.TradeEvent{}, false, nil
		}
		if err != nil {
			f.Close()
			return backtest.TradeEvent{}, false, fmt.Errorf("read trades row %d: %w", lineNum, err)
		}
		lineNum++
		event, err := parseTradeRow(row)
		if err != nil {
			f.Close()
			return backtest.TradeEvent{}, false, fmt.Errorf("trades.csv row %d: %w", lineNum, err)
		}
		return event, true, nil
	}, nil
}

func parseTradeRow(row []string) (backtest.TradeEvent, error) {
	if len(row) < 5 {
		return backtest.TradeEvent{}, fmt.Errorf("expected 5 columns, got %d", len(row))
	}
	timestamp, err := strconv.ParseInt(row[1], 10, 64)
	if err != nil {
		return backtest.TradeEvent{}, fmt.Errorf("timestamp: %w", err)
	}
	price, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return backtest.TradeEvent{}, fmt.Errorf("price: %w", err)
	}
	size, err := strconv.ParseFloat(row[3], 64)
	if err != nil {
		return backtest.TradeEvent{}, fmt.Errorf("size: %w", err)
	}
	return backtest.TradeEvent{
		MarketID:  row[0],
		Timestamp: timestamp,
		Price:     price,
		Size:      size,
		Taker:     backtest.TakerSide(row[4]),
	}, nil
}

// TradeCount returns -1: the CSV feed does not pre-scan the file to count
// rows, since that would defeat the lazy/pull-model contract for large
// files. Callers wanting an exact count may scan tradesPath themselves.
func (c *CSV) TradeCount() int64 {
	return c.tradeCount
}
