// Command rebalance_decomposer is a one-shot plan inspection tool: it
// decomposes a rebalance plan file the same way the worker does at
// startup and prints the derived trades, phase split, and equity limit
// without placing orders. Useful for validating a plan before handing it
// to rebalance_worker, and for exercising the decomposer against a
// throwaway store in CI. In a distributed deployment the decomposer runs
// inside the scheduler process feeding the real transport.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"rebalance_core/internal/config"
	"rebalance_core/internal/decomposer"
	"rebalance_core/internal/models"
	"rebalance_core/internal/queue/memqueue"
	"rebalance_core/internal/runstore/sqlstore"
)

func main() {
	planPath := flag.String("plan", "", "rebalance plan JSON file (required)")
	storePath := flag.String("store", ":memory:", "sqlite store path; default is a throwaway in-memory store")
	equity := flag.String("equity", "", "account equity override for the deployment limit (decimal USD)")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "usage: rebalance_decomposer -plan plan.json [-store rebalance.db] [-equity 100000]")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*planPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *planPath).Msg("failed to read plan")
	}
	var plan models.RebalancePlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		log.Fatal().Err(err).Str("path", *planPath).Msg("failed to parse plan")
	}

	execCfg := config.LoadExecutionConfig()

	store, err := sqlstore.Open(*storePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *storePath).Msg("failed to open store")
	}
	defer store.Close()

	q := memqueue.New(5 * time.Minute)

	d := &decomposer.Decomposer{
		Queue:               q,
		RunStore:            store,
		EquityDeploymentPct: execCfg.EquityDeploymentPct,
		RunTTL:              execCfg.RunTTL(),
	}

	equityOverride := decimal.Zero
	if *equity != "" {
		equityOverride, err = decimal.NewFromString(*equity)
		if err != nil {
			log.Fatal().Err(err).Str("value", *equity).Msg("bad equity override")
		}
	}

	ctx := context.Background()
	res, err := d.DecomposeAndEnqueue(ctx, plan, "preview", equityOverride)
	if err != nil {
		log.Fatal().Err(err).Msg("decomposition failed")
	}

	run, err := store.GetRun(ctx, res.RunID)
	if err != nil {
		log.Fatal().Err(err).Str("run_id", res.RunID).Msg("failed to read back run")
	}

	fmt.Printf("run %s: %d trades (%d SELL, %d BUY), status %s\n",
		run.RunID, run.TotalTrades, run.SellTotal, run.BuyTotal, run.Status)
	fmt.Printf("equity deployment limit: $%s\n", run.MaxEquityLimitUSD.StringFixed(2))
	fmt.Printf("enqueued now: %d (SELL phase first; BUYs held until sells settle, or enqueued at once when there are no SELLs)\n", res.EnqueuedCount)

	for _, tradeID := range run.TradeIDs {
		trade, err := store.GetTrade(ctx, run.RunID, tradeID)
		if err != nil {
			log.Warn().Err(err).Str("trade_id", tradeID).Msg("failed to read back trade")
			continue
		}
		fmt.Printf("  seq %4d  %-4s %-6s $%s\n",
			trade.SequenceNumber, trade.Action, trade.Symbol, trade.TradeAmount.StringFixed(2))
	}
}
