// Backtest engine — replays a historical tape of binary-prediction-market
// trades against a Strategy and reports the resulting portfolio P&L.
//
// Architecture:
//
//	main.go                 — entry point: loads config, wires feed/strategy/store, runs, reports
//	internal/engine         — merges market lifecycle + trade tape into one ordered stream, drives the run
//	internal/broker         — taker-side order matching against resting limit orders
//	internal/portfolio      — average-cost position accounting, resolution payouts
//	internal/slippage       — spread/impact model applied at fill time
//	internal/feed           — CSV and in-memory Feed implementations
//	internal/strategy       — StrategyAPI adapter + the bundled reference quoting strategy
//	internal/report         — aggregate performance metrics, decimal-formatted summary
//	internal/store          — crash-safe JSON persistence of completed runs
//	internal/api            — replay server: snapshot/metrics/WebSocket event stream
//	internal/metrics        — Prometheus collectors updated as the run progresses
//
// How it is used:
//
//	A caller supplies a Feed (historical markets + trades) and a Strategy
//	(the bundled QuotingStrategy or a custom implementation of
//	pkg/backtest.Strategy). The engine replays every event in strict
//	timestamp order, calling the strategy's hooks as fills and lifecycle
//	events occur, then reports a RunMetrics summary once the tape is
//	exhausted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backtest-engine/internal/api"
	"backtest-engine/internal/config"
	"backtest-engine/internal/engine"
	"backtest-engine/internal/feed"
	"backtest-engine/internal/metrics"
	"backtest-engine/internal/report"
	"backtest-engine/internal/store"
	"backtest-engine/internal/strategy"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	f := feed.NewCSV(cfg.Feed.MarketsPath, cfg.Feed.TradesPath)

	strat := strategy.NewQuotingStrategy(strategy.QuotingConfig{
		Gamma:                   cfg.Strategy.Gamma,
		Sigma:                   cfg.Strategy.Sigma,
		K:                       cfg.Strategy.K,
		T:                       cfg.Strategy.T,
		DefaultSpreadBps:        float64(cfg.Strategy.DefaultSpreadBps),
		OrderSizeUSD:            cfg.Strategy.OrderSizeUSD,
		MinOrderSize:            1,
		FlowWindowMillis:        cfg.Strategy.FlowWindow.Milliseconds(),
		FlowToxicityThreshold:   cfg.Strategy.FlowToxicityThreshold,
		FlowCooldownMillis:      cfg.Strategy.FlowCooldownPeriod.Milliseconds(),
		FlowMaxSpreadMultiplier: cfg.Strategy.FlowMaxSpreadMultiplier,
	})

	eventLog, err := openEventLog(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open event log", "error", err)
		os.Exit(1)
	}
	defer eventLog.Close()

	eng := engine.New(engine.Config{
		InitialCash:      cfg.Run.InitialCash,
		AllowShort:       cfg.Run.AllowShort,
		SlippageBase:     cfg.Run.BaseSlippage,
		SlippageEMA:      cfg.Run.EMAAlpha,
		SnapshotInterval: cfg.Run.SnapshotInterval,
		EventLog:         eventLog,
		Risk:             cfg.Risk,
	}, f, strat, logger)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, logger)
		eng.SetEventSink(apiServer.EventSink())
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("replay server failed", "error", err)
			}
		}()
		logger.Info("replay server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	logger.Info("run starting",
		"initial_cash", cfg.Run.InitialCash,
		"allow_short", cfg.Run.AllowShort,
		"markets_path", cfg.Feed.MarketsPath,
		"trades_path", cfg.Feed.TradesPath,
	)

	started := time.Now()
	result, err := eng.Run(ctx)
	metrics.RunDurationSeconds.Observe(time.Since(started).Seconds())
	if apiServer != nil {
		apiServer.MarkFinished()
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop replay server", "error", err)
		}
	}
	if err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
	result.EventLogPath = eventLog.Name()

	runMetrics := report.Compute(result, cfg.Run.InitialCash)
	summary := report.Render(runMetrics)

	logger.Info("run finished",
		"final_equity", summary.FinalEquity,
		"total_return_pct", summary.TotalReturnPct,
		"max_drawdown_pct", summary.MaxDrawdownPct,
		"sharpe_ratio", summary.SharpeRatio,
		"fill_count", summary.FillCount,
		"win_rate", summary.WinRate,
	)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open run store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	runID := fmt.Sprintf("%d", result.Final.Timestamp)
	if err := st.SaveRun(runID, result, runMetrics); err != nil {
		logger.Error("failed to persist run", "error", err)
		os.Exit(1)
	}
	logger.Info("run persisted", "run_id", runID, "dir", cfg.Store.DataDir)
}

func openEventLog(dataDir string) (*os.File, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return os.Create(dataDir + "/events.jsonl")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
