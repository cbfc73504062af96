// Command rebalance_worker is the single-process deployment of the trade
// execution core: it hosts the in-memory trade queue, the stateless
// trade-worker drain loop, the time-aware tick engine, the stuck-run
// reconciliation sweep, and the Prometheus metrics endpoint. With -plan it
// also decomposes a rebalance plan file at startup, so one invocation
// carries a rebalance from plan to filled orders.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"rebalance_core/internal/broker/alpacabroker"
	"rebalance_core/internal/config"
	"rebalance_core/internal/decomposer"
	"rebalance_core/internal/events"
	"rebalance_core/internal/execution/almgren"
	"rebalance_core/internal/execution/timeaware"
	"rebalance_core/internal/execution/walkbook"
	"rebalance_core/internal/lifecycle"
	"rebalance_core/internal/logger"
	"rebalance_core/internal/models"
	"rebalance_core/internal/notifications"
	"rebalance_core/internal/queue/memqueue"
	"rebalance_core/internal/quotes"
	"rebalance_core/internal/runstore/sqlstore"
	"rebalance_core/internal/worker"
)

func main() {
	planPath := flag.String("plan", "", "optional rebalance plan JSON to decompose and execute")
	flag.Parse()

	cfg := config.Load()
	execCfg := config.LoadExecutionConfig()
	logger.SetupStructured(cfg.LogFile, cfg.MaxLogSizeMB, cfg.MaxLogBackups, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlstore.Open(cfg.StorePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.StorePath).Msg("failed to open run store")
	}
	defer store.Close()

	b := alpacabroker.New()
	q := memqueue.New(time.Duration(cfg.VisibilityTimeoutSec) * time.Second)

	cache := quotes.NewMemoryStreamCache()
	pipeline := quotes.New(b, cache, quotes.Config{
		StreamingTimeout:      execCfg.StreamingTimeout(),
		StreamingPollInterval: 100 * time.Millisecond,
		QuoteFreshness:        execCfg.QuoteFreshness(),
	})
	streamer := quotes.NewAlpacaStreamer(cache)
	defer streamer.Close()

	bus := events.New()
	bus.Subscribe(events.LogObserver{})
	if cfg.NotificationsEnabled {
		bus.Subscribe(notifications.NewTelegramNotifier())
	}

	dispatcher := lifecycle.NewDispatcher()

	strategies := map[models.ExecutionPolicy]worker.Strategy{
		models.PolicyWalkTheBook: walkbook.New(b, walkbook.Config{
			PriceSteps:      execCfg.WalkPriceSteps,
			StepWait:        execCfg.StepWait(),
			MarketOrderWait: execCfg.MarketOrderWait(),
			MinPrice:        decimal.NewFromFloat(0.01),
			MarketFallback:  true,
		}, dispatcher),
		models.PolicyAlmgrenChriss: almgren.New(b, almgren.Config{
			RiskAversion:        execCfg.RiskAversion,
			Volatility:          execCfg.Volatility,
			TempImpact:          execCfg.TempImpact,
			NumSlices:           execCfg.NumSlices,
			TotalTime:           execCfg.TotalTime(),
			SliceWait:           execCfg.SliceWait(),
			MarketOrderFallback: execCfg.MarketOrderFallback,
		}),
		models.PolicyTimeAware: timeaware.NewHandoff(store, execCfg.ExecTTL()),
	}

	w := worker.New(b, store, q, pipeline, strategies, bus, worker.Config{
		SellFailureThresholdUSD: decimal.NewFromFloat(execCfg.SellFailureThresholdUSD),
	})

	engine := newTickEngine(b, store, pipeline, cfg, execCfg)

	go serveMetrics(cfg.MetricsAddr)

	if *planPath != "" {
		plan, err := loadPlan(*planPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *planPath).Msg("failed to load plan")
		}
		symbols := planSymbols(plan)
		if err := streamer.Subscribe(ctx, symbols); err != nil {
			log.Warn().Err(err).Msg("quote stream subscription failed, REST fallback only")
		}

		d := &decomposer.Decomposer{
			Queue:               q,
			RunStore:            store,
			EquityDeploymentPct: execCfg.EquityDeploymentPct,
			RunTTL:              execCfg.RunTTL(),
		}
		equity := fetchEquity(ctx, b)
		res, err := d.DecomposeAndEnqueue(ctx, plan, cfg.StrategyID, equity)
		if err != nil {
			log.Fatal().Err(err).Msg("plan decomposition failed")
		}
		log.Info().Str("run_id", res.RunID).Int("enqueued", res.EnqueuedCount).Msg("plan decomposed")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return drainLoop(ctx, cfg, q, w) })
	g.Go(func() error { return tickLoop(ctx, execCfg.TickInterval(), engine) })
	g.Go(func() error { return reconcileLoop(ctx, cfg, w) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("worker process exiting on error")
	}
	log.Info().Msg("worker process stopped")
}

func newTickEngine(b *alpacabroker.Provider, store *sqlstore.Store, pipeline *quotes.Pipeline, cfg *config.Config, execCfg *config.ExecutionConfig) *timeaware.Engine {
	engineCfg := timeaware.DefaultEngineConfig()
	engineCfg.AuctionParticipation = execCfg.AuctionParticipation
	engineCfg.AuctionReserveFraction = execCfg.AuctionReserveFrac
	engineCfg.MaxSpreadBps = execCfg.MaxSpreadBps
	engineCfg.HaltBehaviour = execCfg.HaltBehaviour
	if cutoff, err := timeaware.ParseClockMinute(execCfg.AuctionCutoffTime); err == nil {
		engineCfg.AuctionCutoffMinute = cutoff
	} else {
		log.Warn().Err(err).Str("value", execCfg.AuctionCutoffTime).Msg("bad auction cutoff time, using default")
	}

	engine := timeaware.NewEngine(b, store, pipeline, engineCfg)
	if cfg.PhasePolicyPath != "" {
		windows, err := timeaware.LoadPhasePolicy(cfg.PhasePolicyPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.PhasePolicyPath).Msg("failed to load phase policy")
		}
		engine.Policy = windows
	}
	return engine
}

// drainLoop pulls batches off the queue and hands each message to the
// worker. Handler errors nack the message so the transport redelivers it
// per its visibility timeout.
func drainLoop(ctx context.Context, cfg *config.Config, q *memqueue.Queue, w *worker.Worker) error {
	interval := time.Duration(cfg.WorkerPollIntervalMs) * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}

		batch, err := q.ReceiveBatch(ctx, cfg.WorkerBatchSize)
		if err != nil {
			log.Error().Err(err).Msg("receive batch failed")
			continue
		}

		for _, msg := range batch {
			if err := w.Handle(ctx, msg.Body); err != nil {
				log.Error().Err(err).Str("trade_id", msg.Body.TradeID).Msg("trade handling failed, nacking for redelivery")
				if nackErr := q.Nack(ctx, msg); nackErr != nil {
					log.Error().Err(nackErr).Str("trade_id", msg.Body.TradeID).Msg("nack failed")
				}
				continue
			}
			if err := q.Ack(ctx, msg); err != nil {
				log.Error().Err(err).Str("trade_id", msg.Body.TradeID).Msg("ack failed")
			}
			w.FinalizeRunIfDone(ctx, msg.Body.RunID)
		}
	}
}

func tickLoop(ctx context.Context, interval time.Duration, engine *timeaware.Engine) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := engine.Tick(ctx)
			if err != nil {
				log.Error().Err(err).Msg("time-aware tick failed")
				continue
			}
			if n > 0 {
				log.Info().Int("executions", n).Msg("time-aware tick processed")
			}
		}
	}
}

func reconcileLoop(ctx context.Context, cfg *config.Config, w *worker.Worker) error {
	ticker := time.NewTicker(time.Duration(cfg.ReconcileIntervalMins) * time.Minute)
	defer ticker.Stop()
	stuckAge := time.Duration(cfg.StuckRunAgeMins) * time.Minute
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.ReconcileStuckRuns(ctx, stuckAge)
			if err != nil {
				log.Error().Err(err).Msg("stuck-run reconciliation failed")
				continue
			}
			if n > 0 {
				log.Info().Int("reenqueued", n).Msg("stuck-run sweep re-enqueued buy trades")
			}
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics endpoint failed")
	}
}

func loadPlan(path string) (models.RebalancePlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.RebalancePlan{}, err
	}
	var plan models.RebalancePlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return models.RebalancePlan{}, err
	}
	return plan, nil
}

func planSymbols(plan models.RebalancePlan) []string {
	seen := make(map[string]bool)
	var out []string
	for _, item := range plan.Items {
		if item.Action == models.ActionHold || seen[item.Symbol] {
			continue
		}
		seen[item.Symbol] = true
		out = append(out, item.Symbol)
	}
	return out
}

// fetchEquity reads live account equity for the deployment limit; a
// failure falls back to the plan's own portfolio value.
func fetchEquity(ctx context.Context, b *alpacabroker.Provider) decimal.Decimal {
	acct, err := b.GetAccount(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("account fetch failed, deriving equity limit from plan value")
		return decimal.Zero
	}
	return acct.Equity
}
