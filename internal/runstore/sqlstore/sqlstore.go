// Package sqlstore is the modernc.org/sqlite-backed RunStore: a thin
// wrapper over database/sql, hand-written SQL with ON CONFLICT upserts
// and conditional UPDATE ... WHERE clauses instead of an ORM, and
// tx.Begin/Rollback/Commit for the read-modify-write updates
// (MarkTradeCompleted, RecordBuySuccess). CreateTrade's trade insert and
// its run trade_ids append are two separate statements.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"rebalance_core/internal/models"
	"rebalance_core/internal/runstore"
)

// Store is a SQLite-backed RunStore + PendingExecutionStore.
type Store struct {
	db *sql.DB
}

var _ runstore.RunStore = (*Store)(nil)

// Open opens (creating if necessary) the sqlite database at path and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: serialize writers
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		total_trades INTEGER NOT NULL DEFAULT 0,
		completed_trades INTEGER NOT NULL DEFAULT 0,
		succeeded_trades INTEGER NOT NULL DEFAULT 0,
		failed_trades INTEGER NOT NULL DEFAULT 0,
		sell_total INTEGER NOT NULL DEFAULT 0,
		sell_completed INTEGER NOT NULL DEFAULT 0,
		buy_total INTEGER NOT NULL DEFAULT 0,
		buy_completed INTEGER NOT NULL DEFAULT 0,
		sell_failed_amount TEXT NOT NULL DEFAULT '0',
		sell_succeeded_amount TEXT NOT NULL DEFAULT '0',
		max_equity_limit_usd TEXT NOT NULL DEFAULT '0',
		cumulative_buy_succeeded_value TEXT NOT NULL DEFAULT '0',
		current_phase TEXT NOT NULL,
		status TEXT NOT NULL,
		buy_trades_pending INTEGER NOT NULL DEFAULT 0,
		pending_buy_bodies TEXT NOT NULL DEFAULT '[]',
		trade_ids TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		ttl TEXT
	);

	CREATE TABLE IF NOT EXISTS trades (
		run_id TEXT NOT NULL,
		trade_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		phase TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		trade_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		filled_shares TEXT NOT NULL DEFAULT '0',
		avg_price TEXT NOT NULL DEFAULT '0',
		order_type TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		filled_at TEXT,
		PRIMARY KEY (run_id, trade_id)
	);

	CREATE TABLE IF NOT EXISTS pending_executions (
		execution_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		target_qty TEXT NOT NULL,
		filled_qty TEXT NOT NULL DEFAULT '0',
		avg_fill_price TEXT NOT NULL DEFAULT '0',
		state TEXT NOT NULL,
		current_phase TEXT NOT NULL,
		urgency_score REAL NOT NULL DEFAULT 0,
		child_orders TEXT NOT NULL DEFAULT '[]',
		policy_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		auction_submitted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		ttl TEXT
	);
	`)
	if err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func decStr(d decimal.Decimal) string { return d.String() }

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateRun inserts a new run row. ON CONFLICT DO NOTHING makes a retried
// decompose_and_enqueue call idempotent on RunID.
func (s *Store) CreateRun(ctx context.Context, run models.RunRecord) error {
	tradeIDs, err := json.Marshal(run.TradeIDs)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal trade ids: %w", err)
	}
	bodies, err := json.Marshal(run.PendingBuyBodies)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal pending buy bodies: %w", err)
	}
	now := nowRFC3339()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, plan_id, correlation_id, total_trades, completed_trades,
			succeeded_trades, failed_trades, sell_total, sell_completed,
			buy_total, buy_completed, sell_failed_amount, sell_succeeded_amount,
			max_equity_limit_usd, cumulative_buy_succeeded_value, current_phase,
			status, buy_trades_pending, pending_buy_bodies, trade_ids,
			created_at, updated_at, ttl
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`,
		run.RunID, run.PlanID, run.CorrelationID, run.TotalTrades, run.CompletedTrades,
		run.SucceededTrades, run.FailedTrades, run.SellTotal, run.SellCompleted,
		run.BuyTotal, run.BuyCompleted, decStr(run.SellFailedAmount), decStr(run.SellSucceededAmount),
		decStr(run.MaxEquityLimitUSD), decStr(run.CumulativeBuySucceededValue), string(run.CurrentPhase),
		string(run.Status), boolToInt(run.BuyTradesPending), string(bodies), string(tradeIDs),
		now, now, nullableTime(run.TTL),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: create run %s: %w", run.RunID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return runstore.ErrConflict
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, plan_id, correlation_id, total_trades, completed_trades,
		       succeeded_trades, failed_trades, sell_total, sell_completed,
		       buy_total, buy_completed, sell_failed_amount, sell_succeeded_amount,
		       max_equity_limit_usd, cumulative_buy_succeeded_value, current_phase,
		       status, buy_trades_pending, pending_buy_bodies, trade_ids,
		       created_at, updated_at, ttl
		  FROM runs WHERE run_id = ?
	`, runID)

	var run models.RunRecord
	var currentPhase, status string
	var buyTradesPending int
	var bodiesJSON, tradeIDsJSON string
	var sellFailed, sellSucceeded, maxEquity, cumBuy string
	var createdAt, updatedAt string
	var ttl sql.NullString

	err := row.Scan(
		&run.RunID, &run.PlanID, &run.CorrelationID, &run.TotalTrades, &run.CompletedTrades,
		&run.SucceededTrades, &run.FailedTrades, &run.SellTotal, &run.SellCompleted,
		&run.BuyTotal, &run.BuyCompleted, &sellFailed, &sellSucceeded,
		&maxEquity, &cumBuy, &currentPhase,
		&status, &buyTradesPending, &bodiesJSON, &tradeIDsJSON,
		&createdAt, &updatedAt, &ttl,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RunRecord{}, runstore.ErrNotFound
	}
	if err != nil {
		return models.RunRecord{}, fmt.Errorf("sqlstore: get run %s: %w", runID, err)
	}

	run.SellFailedAmount = parseDec(sellFailed)
	run.SellSucceededAmount = parseDec(sellSucceeded)
	run.MaxEquityLimitUSD = parseDec(maxEquity)
	run.CumulativeBuySucceededValue = parseDec(cumBuy)
	run.CurrentPhase = models.Phase(currentPhase)
	run.Status = models.RunStatus(status)
	run.BuyTradesPending = buyTradesPending != 0
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	run.TTL = parseNullableTime(ttl)
	_ = json.Unmarshal([]byte(bodiesJSON), &run.PendingBuyBodies)
	_ = json.Unmarshal([]byte(tradeIDsJSON), &run.TradeIDs)

	return run, nil
}

func (s *Store) CreateTrade(ctx context.Context, trade models.TradeRecord) error {
	now := nowRFC3339()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (
			run_id, trade_id, symbol, action, phase, sequence_number,
			trade_amount, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, trade_id) DO NOTHING
	`, trade.RunID, trade.TradeID, trade.Symbol, string(trade.Action), string(trade.Phase),
		trade.SequenceNumber, decStr(trade.TradeAmount), string(models.TradePending), now)
	if err != nil {
		return fmt.Errorf("sqlstore: create trade %s/%s: %w", trade.RunID, trade.TradeID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return runstore.ErrConflict
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET trade_ids = (
			SELECT json_group_array(value) FROM (
				SELECT value FROM json_each(trade_ids)
				UNION ALL
				SELECT ? WHERE NOT EXISTS (SELECT 1 FROM json_each(trade_ids) WHERE value = ?)
			)
		), updated_at = ? WHERE run_id = ?
	`, trade.TradeID, trade.TradeID, now, trade.RunID)
	if err != nil {
		return fmt.Errorf("sqlstore: append trade id %s to run %s: %w", trade.TradeID, trade.RunID, err)
	}
	return nil
}

func (s *Store) GetTrade(ctx context.Context, runID, tradeID string) (models.TradeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, trade_id, symbol, action, phase, sequence_number,
		       trade_amount, status, order_id, error_message, filled_shares,
		       avg_price, order_type, created_at, started_at, completed_at, filled_at
		  FROM trades WHERE run_id = ? AND trade_id = ?
	`, runID, tradeID)

	var t models.TradeRecord
	var action, phase, status, tradeAmount, filledShares, avgPrice string
	var createdAt string
	var startedAt, completedAt, filledAt sql.NullString

	err := row.Scan(&t.RunID, &t.TradeID, &t.Symbol, &action, &phase, &t.SequenceNumber,
		&tradeAmount, &status, &t.OrderID, &t.ErrorMessage, &filledShares,
		&avgPrice, &t.Execution.OrderType, &createdAt, &startedAt, &completedAt, &filledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TradeRecord{}, runstore.ErrNotFound
	}
	if err != nil {
		return models.TradeRecord{}, fmt.Errorf("sqlstore: get trade %s/%s: %w", runID, tradeID, err)
	}

	t.Action = models.Action(action)
	t.Phase = models.Phase(phase)
	t.Status = models.TradeStatus(status)
	t.TradeAmount = parseDec(tradeAmount)
	t.Execution.FilledShares = parseDec(filledShares)
	t.Execution.AvgPrice = parseDec(avgPrice)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	t.Execution.FilledAt = parseNullableTime(filledAt)

	return t, nil
}

// MarkTradeStarted conditionally flips PENDING->RUNNING.
func (s *Store) MarkTradeStarted(ctx context.Context, runID, tradeID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET status = ?, started_at = ?
		 WHERE run_id = ? AND trade_id = ? AND status = ?
	`, string(models.TradeRunning), nowRFC3339(), runID, tradeID, string(models.TradePending))
	if err != nil {
		return fmt.Errorf("sqlstore: mark trade started %s/%s: %w", runID, tradeID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return runstore.ErrAlreadyStarted
	}
	return nil
}

// MarkTradeCompleted updates the trade row and the run's counters inside
// one transaction, so a crash between the two writes is impossible.
func (s *Store) MarkTradeCompleted(ctx context.Context, runID, tradeID string, status models.TradeStatus, exec models.ExecutionData, orderID, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin mark trade completed: %w", err)
	}
	defer tx.Rollback()

	now := nowRFC3339()
	res, err := tx.ExecContext(ctx, `
		UPDATE trades SET status = ?, order_id = ?, error_message = ?,
		       filled_shares = ?, avg_price = ?, order_type = ?,
		       completed_at = ?, filled_at = ?
		 WHERE run_id = ? AND trade_id = ? AND status != ? AND status != ?
	`, string(status), orderID, errMsg, decStr(exec.FilledShares), decStr(exec.AvgPrice),
		exec.OrderType, now, nullableTime(exec.FilledAt),
		runID, tradeID, string(models.TradeCompleted), string(models.TradeFailed))
	if err != nil {
		return fmt.Errorf("sqlstore: update trade %s/%s: %w", runID, tradeID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return runstore.ErrConflict
	}

	trade, err := s.getTradeTx(ctx, tx, runID, tradeID)
	if err != nil {
		return err
	}

	succeededDelta, failedDelta := 0, 0
	if status == models.TradeCompleted {
		succeededDelta = 1
	} else {
		failedDelta = 1
	}
	sellCompletedDelta, buyCompletedDelta := 0, 0
	sellFailedDelta, sellSucceededDelta := decimal.Zero, decimal.Zero
	if trade.Phase == models.PhaseSell {
		sellCompletedDelta = 1
		if status == models.TradeCompleted {
			sellSucceededDelta = trade.TradeAmount
		} else {
			sellFailedDelta = trade.TradeAmount
		}
	} else {
		buyCompletedDelta = 1
	}

	// The amount columns are decimal strings; add in decimal inside the
	// same tx rather than through sqlite REAL arithmetic, which would
	// round money.
	var sellFailedCur, sellSucceededCur string
	if err := tx.QueryRowContext(ctx,
		`SELECT sell_failed_amount, sell_succeeded_amount FROM runs WHERE run_id = ?`, runID,
	).Scan(&sellFailedCur, &sellSucceededCur); err != nil {
		return fmt.Errorf("sqlstore: read sell amounts for %s: %w", runID, err)
	}
	sellFailedNext := parseDec(sellFailedCur).Add(sellFailedDelta)
	sellSucceededNext := parseDec(sellSucceededCur).Add(sellSucceededDelta)

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET
			completed_trades = completed_trades + 1,
			succeeded_trades = succeeded_trades + ?,
			failed_trades = failed_trades + ?,
			sell_completed = sell_completed + ?,
			buy_completed = buy_completed + ?,
			sell_failed_amount = ?,
			sell_succeeded_amount = ?,
			updated_at = ?
		 WHERE run_id = ?
	`, succeededDelta, failedDelta, sellCompletedDelta, buyCompletedDelta,
		decStr(sellFailedNext), decStr(sellSucceededNext),
		now, runID)
	if err != nil {
		return fmt.Errorf("sqlstore: update run counters for %s: %w", runID, err)
	}

	return tx.Commit()
}

func (s *Store) getTradeTx(ctx context.Context, tx *sql.Tx, runID, tradeID string) (models.TradeRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT phase, trade_amount FROM trades WHERE run_id = ? AND trade_id = ?`, runID, tradeID)
	var phase, amount string
	if err := row.Scan(&phase, &amount); err != nil {
		return models.TradeRecord{}, fmt.Errorf("sqlstore: re-read trade %s/%s: %w", runID, tradeID, err)
	}
	return models.TradeRecord{Phase: models.Phase(phase), TradeAmount: parseDec(amount)}, nil
}

func (s *Store) IsSellPhaseComplete(ctx context.Context, runID string) (bool, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.IsSellPhaseComplete(), nil
}

// TransitionToBuyPhase is a no-op if the run already left SELL_PHASE, so
// two racing sell-completions calling this concurrently are both safe.
func (s *Store) TransitionToBuyPhase(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET current_phase = ?, status = ?, updated_at = ?
		 WHERE run_id = ? AND current_phase = ?
	`, string(models.PhaseBuy), string(models.RunBuyPhase), nowRFC3339(), runID, string(models.PhaseSell))
	if err != nil {
		return fmt.Errorf("sqlstore: transition to buy phase for %s: %w", runID, err)
	}
	return nil
}

func (s *Store) MarkBuyTradesPending(ctx context.Context, runID string, bodies []models.TradeMessage) error {
	b, err := json.Marshal(bodies)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal pending buy bodies for %s: %w", runID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET pending_buy_bodies = ?, buy_trades_pending = 1, updated_at = ?
		 WHERE run_id = ?
	`, string(b), nowRFC3339(), runID)
	if err != nil {
		return fmt.Errorf("sqlstore: mark buy trades pending for %s: %w", runID, err)
	}
	return nil
}

func (s *Store) GetPendingBuyTrades(ctx context.Context, runID string) ([]models.TradeMessage, error) {
	var bodiesJSON string
	row := s.db.QueryRowContext(ctx, `SELECT pending_buy_bodies FROM runs WHERE run_id = ?`, runID)
	if err := row.Scan(&bodiesJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, runstore.ErrNotFound
		}
		return nil, fmt.Errorf("sqlstore: get pending buy trades for %s: %w", runID, err)
	}
	var out []models.TradeMessage
	if err := json.Unmarshal([]byte(bodiesJSON), &out); err != nil {
		return nil, fmt.Errorf("sqlstore: unmarshal pending buy trades for %s: %w", runID, err)
	}
	return out, nil
}

func (s *Store) CheckEquityCircuitBreaker(ctx context.Context, runID string, proposedAmount decimal.Decimal) (bool, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.MaxEquityLimitUSD.IsZero() {
		return false, nil
	}
	projected := run.CumulativeBuySucceededValue.Add(proposedAmount)
	return projected.GreaterThan(run.MaxEquityLimitUSD), nil
}

func (s *Store) RecordBuySuccess(ctx context.Context, runID string, amount decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin record buy success: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT cumulative_buy_succeeded_value FROM runs WHERE run_id = ?`, runID).Scan(&current); err != nil {
		return fmt.Errorf("sqlstore: read cumulative buy value for %s: %w", runID, err)
	}
	next := parseDec(current).Add(amount)

	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET cumulative_buy_succeeded_value = ?, updated_at = ? WHERE run_id = ?
	`, decStr(next), nowRFC3339(), runID); err != nil {
		return fmt.Errorf("sqlstore: update cumulative buy value for %s: %w", runID, err)
	}
	return tx.Commit()
}

// MarkRunCompleted finalizes a run once its trades have all reached a
// terminal state; it is a conditional no-op otherwise.
func (s *Store) MarkRunCompleted(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = ?
		 WHERE run_id = ? AND completed_trades >= total_trades AND status != ?
	`, string(models.RunCompleted), nowRFC3339(), runID, string(models.RunCompleted))
	if err != nil {
		return fmt.Errorf("sqlstore: mark run completed %s: %w", runID, err)
	}
	return nil
}

// UpdateRunStatus force-sets status, refusing to mutate a run that has
// already reached a terminal status.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = ?
		 WHERE run_id = ? AND status NOT IN (?, ?)
	`, string(status), nowRFC3339(), runID, string(models.RunCompleted), string(models.RunFailed))
	if err != nil {
		return fmt.Errorf("sqlstore: update run status %s: %w", runID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either the run doesn't exist or it's already terminal; the
		// caller treats both as "nothing more to do" rather than an error.
		return nil
	}
	return nil
}

func (s *Store) FindStuckRuns(ctx context.Context, olderThan time.Duration) ([]models.RunRecord, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM runs
		 WHERE status NOT IN (?, ?) AND updated_at < ?
	`, string(models.RunCompleted), string(models.RunFailed), cutoff)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: find stuck runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlstore: scan stuck run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.RunRecord, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
