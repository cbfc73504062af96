package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"rebalance_core/internal/models"
	"rebalance_core/internal/queue"
)

// FinalizeRunIfDone marks a run COMPLETED once every trade has reached a
// terminal state. Called by the drain loop after each handled message; a
// lost conditional write just means another worker finalized first.
func (w *Worker) FinalizeRunIfDone(ctx context.Context, runID string) {
	run, err := w.RunStore.GetRun(ctx, runID)
	if err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("finalize: failed to read run")
		return
	}
	if run.CompletedTrades < run.TotalTrades || run.Status == models.RunFailed {
		return
	}
	if err := w.RunStore.MarkRunCompleted(ctx, runID); err != nil {
		log.Debug().Err(err).Str("run_id", runID).Msg("finalize: run already finalized")
	}
}

// ReconcileStuckRuns sweeps for runs that crashed between
// TransitionToBuyPhase succeeding and its BUY messages actually reaching
// the queue. It
// is run on a timer by the process entrypoint, not per-trade, since a
// single worker invocation has no way to detect a peer's crash.
func (w *Worker) ReconcileStuckRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	stuck, err := w.RunStore.FindStuckRuns(ctx, olderThan)
	if err != nil {
		return 0, err
	}

	reenqueued := 0
	for _, run := range stuck {
		if run.CurrentPhase != models.PhaseBuy || run.BuyTradesPending {
			continue
		}
		buys, err := w.RunStore.GetPendingBuyTrades(ctx, run.RunID)
		if err != nil {
			log.Error().Err(err).Str("run_id", run.RunID).Msg("reconcile: failed to read pending buy trades")
			continue
		}
		if len(buys) == 0 {
			continue
		}
		for _, m := range buys {
			attrs := queue.Attributes{"phase": string(m.Phase), "run_id": m.RunID}
			if err := w.Queue.Send(ctx, m, m.RunID, m.TradeID, attrs); err != nil {
				log.Error().Err(err).Str("run_id", run.RunID).Str("trade_id", m.TradeID).Msg("reconcile: re-enqueue failed")
				continue
			}
			reenqueued++
		}
		if err := w.RunStore.MarkBuyTradesPending(ctx, run.RunID, buys); err != nil {
			log.Error().Err(err).Str("run_id", run.RunID).Msg("reconcile: failed to mark buy trades pending")
		}
	}
	return reenqueued, nil
}
