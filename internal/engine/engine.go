// Package engine drives one backtest run end to end: it merges a feed's
// market lifecycle events with its trade tape into a single strictly
// time-ordered stream, and for each event calls the broker, the portfolio,
// and the strategy in the documented order.
//
// Unlike the teacher's engine.Engine — which owns a fleet of goroutines, one
// per live market plus WebSocket dispatchers, coordinated through channels
// and a sync.WaitGroup — this Engine is a single hot loop with no
// concurrency of its own. A historical tape has no need for a scanner or a
// risk-manager kill channel; it has an iterator and a stop signal checked
// once per event.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"backtest-engine/internal/broker"
	"backtest-engine/internal/config"
	"backtest-engine/internal/metrics"
	"backtest-engine/internal/portfolio"
	"backtest-engine/internal/risk"
	"backtest-engine/internal/slippage"
	"backtest-engine/internal/strategy"
	"backtest-engine/pkg/backtest"
)

// accountingTolerance bounds the accounting-identity residual Portfolio must
// stay within at every snapshot (invariant 2 of the component design).
const accountingTolerance = 1e-6

// Config holds the knobs the engine itself needs, independent of which feed
// or strategy it is driving. The run-level YAML schema (internal/config)
// maps onto this plus a Feed and a Strategy.
type Config struct {
	InitialCash  float64
	AllowShort   bool
	SlippageBase float64 // base slippage rate, used as given (no default; 0 means no slippage)
	SlippageEMA  float64 // EMA smoothing alpha, used as given (no default)

	// SnapshotInterval is the number of processed events between sampled
	// snapshots. 0 means every event.
	SnapshotInterval int

	// EventLog, if non-nil, receives one JSON object per line for every
	// trade, fill, lifecycle, and snapshot event the run produces.
	EventLog io.Writer

	// EventSink, if non-nil, is called with every event record in addition
	// to (and independent of) EventLog — the replay server's live WebSocket
	// broadcast hooks in here rather than tailing the written file.
	EventSink func(backtest.LogEvent)

	// Risk configures the synchronous portfolio risk limiter. Zero value
	// (Enabled: false) disables risk limiting entirely.
	Risk config.RiskConfig
}

// Engine runs one backtest: a Feed supplies markets and a trade tape, a
// Strategy reacts to them through a StrategyAPI backed by a live
// Broker/Portfolio pair.
type Engine struct {
	cfg    Config
	feed   backtest.Feed
	strat  backtest.Strategy
	logger *slog.Logger

	port    *portfolio.Portfolio
	slip    *slippage.Model
	broker  *broker.Broker
	adapter *strategy.Adapter
	risk    *risk.Limiter

	markets map[string]backtest.Market

	eventCount int
	snapshots  []backtest.Snapshot

	lastTimestamp int64
	haveLast      bool
}

// New wires a Broker and a Portfolio for this run and returns an Engine
// ready to Run. It does not touch the feed until Run is called.
func New(cfg Config, feed backtest.Feed, strat backtest.Strategy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	port := portfolio.New(cfg.InitialCash, cfg.AllowShort)
	slip := slippage.New(cfg.SlippageBase, cfg.SlippageEMA)
	br := broker.New(slip, cfg.AllowShort, port.LegQuantity)

	var limiter *risk.Limiter
	if cfg.Risk.Enabled {
		limiter = risk.NewLimiter(cfg.Risk, logger)
	}

	return &Engine{
		cfg:    cfg,
		feed:   feed,
		strat:  strat,
		logger: logger.With("component", "engine"),
		port:   port,
		slip:   slip,
		broker: br,
		risk:   limiter,
	}
}

// Run executes the full backtest, pulling events from the feed until it is
// exhausted or ctx is canceled. Cancellation is checked once per event and
// always leaves the engine's state consistent — no event is half-applied.
func (e *Engine) Run(ctx context.Context) (*backtest.RunResult, error) {
	markets, err := e.feed.Markets()
	if err != nil {
		return nil, fmt.Errorf("engine: load markets: %w", err)
	}

	e.markets = make(map[string]backtest.Market, len(markets))
	for _, m := range markets {
		e.markets[m.ID] = m
		e.broker.RegisterMarket(m)
	}

	e.adapter = strategy.NewAdapter(e.broker, e.port, e.markets)
	e.strat.Initialize(e.adapter)

	source, err := newMergedSource(markets, e.feed)
	if err != nil {
		return nil, fmt.Errorf("engine: load trades: %w", err)
	}

	e.logger.Info("run starting", "markets", len(markets))

loop:
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("run stopped early", "reason", ctx.Err())
			break loop
		default:
		}

		ev, ok, err := source.next()
		if err != nil {
			return nil, fmt.Errorf("engine: read trade stream: %w", err)
		}
		if !ok {
			break loop
		}

		if e.haveLast && ev.timestamp < e.lastTimestamp {
			return nil, backtest.NewError(backtest.FeedOrderViolation, ev.marketID(), 0,
				fmt.Sprintf("event at %d precedes last processed event at %d", ev.timestamp, e.lastTimestamp))
		}
		e.lastTimestamp = ev.timestamp
		e.haveLast = true

		if err := e.dispatch(ev); err != nil {
			return nil, err
		}
	}

	e.strat.Finalize()
	e.logger.Info("run finished", "events", e.eventCount, "fills", len(e.port.Fills()))

	return &backtest.RunResult{
		Final:     e.port.Snapshot(e.lastTimestamp),
		Fills:     e.port.Fills(),
		Snapshots: e.snapshots,
	}, nil
}

func (e *Engine) dispatch(ev mergedEvent) error {
	switch ev.class {
	case classOpen:
		metrics.EventsProcessed.WithLabelValues("open").Inc()
		return e.processOpen(ev.market)
	case classTrade:
		metrics.EventsProcessed.WithLabelValues("trade").Inc()
		return e.processTrade(ev.trade)
	case classClose:
		metrics.EventsProcessed.WithLabelValues("close").Inc()
		return e.processClose(ev.market)
	default:
		return fmt.Errorf("engine: unknown event class %d", ev.class)
	}
}

// processTrade implements the per-tick algorithm: update the slippage EMA,
// match against resting orders, apply and announce each fill, sample a
// snapshot if due, then announce the trade itself.
func (e *Engine) processTrade(trade backtest.TradeEvent) error {
	if _, ok := e.markets[trade.MarketID]; !ok {
		return backtest.NewError(backtest.UnknownMarket, trade.MarketID, 0, "trade references a market the feed never listed")
	}

	e.slip.UpdateEMA(trade.MarketID, trade.Size)

	matches := e.broker.Match(trade)
	for _, m := range matches {
		fill := backtest.Fill{
			OrderID:    m.Order.ID,
			MarketID:   trade.MarketID,
			Side:       m.Order.Side,
			Quantity:   m.Quantity,
			Price:      m.Price,
			LimitPrice: m.Order.Price,
			Timestamp:  trade.Timestamp,
		}
		if err := e.port.ApplyFill(fill); err != nil {
			if fatal(err) {
				return err
			}
			var btErr *backtest.Error
			if errors.As(err, &btErr) && btErr.Kind == backtest.ShortDisallowed {
				metrics.ShortDisallowed.WithLabelValues(fill.MarketID).Inc()
			}
			e.logger.Error("fill rejected", "order", fill.OrderID, "market", fill.MarketID, "error", err)
			continue
		}
		metrics.Fills.WithLabelValues(fill.MarketID).Inc()
		e.logEvent(backtest.EventFill, fill)
		e.adapter.SetClock(trade.Timestamp)
		e.strat.OnFill(fill)
	}

	e.port.ObserveTradePrice(trade.MarketID, trade.Price)

	if e.risk != nil {
		if err := e.checkRisk(trade.MarketID, trade.Timestamp); err != nil {
			return err
		}
	}

	if err := e.tick(trade.Timestamp); err != nil {
		return err
	}

	e.logEvent(backtest.EventTrade, trade)
	e.adapter.SetClock(trade.Timestamp)
	e.strat.OnTrade(trade)
	return nil
}

// checkRisk folds the traded market's current exposure into the risk
// limiter and, on a breach, cancels the affected orders immediately — a
// market-scoped breach cancels only that market's resting orders, a global
// breach cancels every open order in every market.
func (e *Engine) checkRisk(marketID string, timestamp int64) error {
	exposureUSD, unrealizedPnL := e.port.MarketExposure(marketID)

	sig := e.risk.Evaluate(risk.PositionReport{
		MarketID:      marketID,
		MidPrice:      e.port.LastYesPrice(marketID),
		ExposureUSD:   exposureUSD,
		UnrealizedPnL: unrealizedPnL,
		RealizedPnL:   e.port.RealizedPnLByMarket(marketID),
		Timestamp:     timestamp,
	})
	if sig == nil {
		return nil
	}

	metrics.RiskKills.WithLabelValues(sig.MarketID).Inc()
	e.logEvent(backtest.EventRiskKill, *sig)

	if sig.MarketID != "" {
		return e.broker.CancelAll(sig.MarketID)
	}
	for id := range e.markets {
		if err := e.broker.CancelAll(id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) processOpen(market backtest.Market) error {
	e.logEvent(backtest.EventOpen, market)
	e.adapter.SetClock(market.OpenTime)
	e.strat.OnMarketOpen(market)
	return e.tick(market.OpenTime)
}

// processClose handles a market's close timestamp. Per the documented S5
// scenario, when a market closes already resolved, every state mutation
// (auto-cancel, resolution payout) happens before either strategy hook
// fires, and the hooks themselves fire in close-then-resolve order: this
// Engine has no independent resolve timestamp (Market carries only
// OpenTime/CloseTime/Resolution), so resolution always lands at CloseTime,
// never a separate later tick.
func (e *Engine) processClose(market backtest.Market) error {
	if err := e.broker.CancelAll(market.ID); err != nil {
		return err
	}
	if e.risk != nil {
		e.risk.RemoveMarket(market.ID)
	}

	resolved := market.Resolution != backtest.Unresolved
	if resolved {
		e.port.ResolveMarket(market.ID, market.Resolution)
	}

	e.logEvent(backtest.EventClose, market)
	e.adapter.SetClock(market.CloseTime)
	e.strat.OnMarketClose(market)

	if resolved {
		e.logEvent(backtest.EventResolve, resolvePayload{MarketID: market.ID, Outcome: market.Resolution})
		e.adapter.SetClock(market.CloseTime)
		e.strat.OnMarketResolve(market, market.Resolution)
	}

	return e.tick(market.CloseTime)
}

type resolvePayload struct {
	MarketID string              `json:"market_id"`
	Outcome  backtest.Resolution `json:"outcome"`
}

// tick advances the event counter and, if a sampling boundary is crossed,
// snapshots the portfolio and checks the accounting identity.
func (e *Engine) tick(timestamp int64) error {
	e.eventCount++
	if e.cfg.SnapshotInterval > 0 && e.eventCount%e.cfg.SnapshotInterval != 0 {
		return nil
	}

	residual := e.port.AccountingResidual()
	if math.Abs(residual) > accountingTolerance {
		return backtest.NewError(backtest.AccountingViolation, "", 0,
			fmt.Sprintf("accounting residual %.9f exceeds tolerance at t=%d", residual, timestamp))
	}

	snap := e.port.Snapshot(timestamp)
	e.snapshots = append(e.snapshots, snap)
	e.logEvent(backtest.EventSnapshot, snap)
	metrics.ObserveSnapshot(snap.Equity, residual)
	return nil
}

func (e *Engine) logEvent(kind backtest.EventKind, payload any) {
	rec := backtest.LogEvent{Timestamp: e.lastTimestamp, Kind: kind, Payload: payload}

	if e.cfg.EventSink != nil {
		e.cfg.EventSink(rec)
	}

	if e.cfg.EventLog == nil {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		e.logger.Error("marshal event log record", "kind", kind, "error", err)
		return
	}
	b = append(b, '\n')
	if _, err := e.cfg.EventLog.Write(b); err != nil {
		e.logger.Error("write event log record", "kind", kind, "error", err)
	}
}

// Broker exposes the live order book, for diagnostics, tests, and a future
// replay server reading open interest mid-run.
func (e *Engine) Broker() *broker.Broker { return e.broker }

// Portfolio exposes the live ledger, for the same reasons as Broker.
func (e *Engine) Portfolio() *portfolio.Portfolio { return e.port }

// Slippage exposes the live slippage model, chiefly so tests can seed a
// market's EMA before Run without threading it through Config.
func (e *Engine) Slippage() *slippage.Model { return e.slip }

// EventsProcessed returns the count of events dispatched so far, for a
// replay server reporting run progress while a backtest is still running.
func (e *Engine) EventsProcessed() int { return e.eventCount }

// CurrentSnapshot returns the most recently sampled portfolio snapshot, or
// the zero Snapshot before the first one is taken.
func (e *Engine) CurrentSnapshot() backtest.Snapshot {
	if len(e.snapshots) == 0 {
		return backtest.Snapshot{}
	}
	return e.snapshots[len(e.snapshots)-1]
}

// AccountingResidual reports the portfolio's live accounting identity
// residual, independent of the sampling interval tick uses.
func (e *Engine) AccountingResidual() float64 { return e.port.AccountingResidual() }

// RiskSnapshot reports the risk limiter's current aggregate state, for the
// replay server. Returns the zero Snapshot when risk limiting is disabled.
func (e *Engine) RiskSnapshot() risk.Snapshot {
	if e.risk == nil {
		return risk.Snapshot{}
	}
	return e.risk.Snapshot()
}

// SetEventSink wires the replay server's broadcast hook in after New but
// before Run, so a caller can hand the engine to api.NewServer (which needs
// a RunProvider) without a construction-order cycle.
func (e *Engine) SetEventSink(sink func(backtest.LogEvent)) { e.cfg.EventSink = sink }

// fatal reports whether err must abort the run rather than being logged and
// skipped. A *backtest.Error carries its own Kind.Fatal() verdict; any other
// error (a bug, not a modeled condition) is treated as fatal too.
func fatal(err error) bool {
	var btErr *backtest.Error
	if errors.As(err, &btErr) {
		return btErr.Kind.Fatal()
	}
	return true
}
