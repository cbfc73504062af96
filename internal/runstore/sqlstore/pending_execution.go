package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rebalance_core/internal/models"
	"rebalance_core/internal/runstore"
)

func (s *Store) SavePendingExecution(ctx context.Context, pe models.PendingExecution) error {
	children, err := json.Marshal(pe.ChildOrders)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal child orders for %s: %w", pe.ExecutionID, err)
	}
	now := nowRFC3339()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_executions (
			execution_id, symbol, side, target_qty, filled_qty, avg_fill_price,
			state, current_phase, urgency_score, child_orders, policy_id, version,
			notes, auction_submitted, created_at, updated_at, ttl
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			symbol = excluded.symbol, side = excluded.side,
			target_qty = excluded.target_qty, filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price, state = excluded.state,
			current_phase = excluded.current_phase, urgency_score = excluded.urgency_score,
			child_orders = excluded.child_orders, policy_id = excluded.policy_id,
			version = excluded.version, notes = excluded.notes,
			auction_submitted = excluded.auction_submitted, updated_at = excluded.updated_at,
			ttl = excluded.ttl
	`,
		pe.ExecutionID, pe.Symbol, string(pe.Side), decStr(pe.TargetQty), decStr(pe.FilledQty),
		decStr(pe.AvgFillPrice), string(pe.State), string(pe.CurrentPhase), pe.UrgencyScore,
		string(children), pe.PolicyID, pe.Version, pe.Notes, boolToInt(pe.AuctionSubmitted),
		now, now, nullableTime(pe.TTL),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: save pending execution %s: %w", pe.ExecutionID, err)
	}
	return nil
}

func (s *Store) GetPendingExecution(ctx context.Context, executionID string) (models.PendingExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, symbol, side, target_qty, filled_qty, avg_fill_price,
		       state, current_phase, urgency_score, child_orders, policy_id, version,
		       notes, auction_submitted, created_at, updated_at, ttl
		  FROM pending_executions WHERE execution_id = ?
	`, executionID)
	return scanPendingExecution(row)
}

func scanPendingExecution(row *sql.Row) (models.PendingExecution, error) {
	var pe models.PendingExecution
	var side, state, phase, childOrdersJSON string
	var targetQty, filledQty, avgFillPrice string
	var auctionSubmitted int
	var createdAt, updatedAt string
	var ttl sql.NullString

	err := row.Scan(
		&pe.ExecutionID, &pe.Symbol, &side, &targetQty, &filledQty, &avgFillPrice,
		&state, &phase, &pe.UrgencyScore, &childOrdersJSON, &pe.PolicyID, &pe.Version,
		&pe.Notes, &auctionSubmitted, &createdAt, &updatedAt, &ttl,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PendingExecution{}, runstore.ErrNotFound
	}
	if err != nil {
		return models.PendingExecution{}, fmt.Errorf("sqlstore: scan pending execution: %w", err)
	}

	pe.Side = models.Side(side)
	pe.State = models.PendingExecutionState(state)
	pe.CurrentPhase = models.ExecutionPhase(phase)
	pe.TargetQty = parseDec(targetQty)
	pe.FilledQty = parseDec(filledQty)
	pe.AvgFillPrice = parseDec(avgFillPrice)
	pe.AuctionSubmitted = auctionSubmitted != 0
	pe.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	pe.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	pe.TTL = parseNullableTime(ttl)
	_ = json.Unmarshal([]byte(childOrdersJSON), &pe.ChildOrders)

	return pe, nil
}

// UpdatePendingExecution is an optimistic-lock conditional write: it
// succeeds only when the stored version still equals pe.Version-1, i.e.
// nobody else has written this execution since the caller last read it.
func (s *Store) UpdatePendingExecution(ctx context.Context, pe models.PendingExecution) error {
	if pe.Version < 1 {
		return fmt.Errorf("sqlstore: update pending execution %s: version must be >= 1", pe.ExecutionID)
	}
	children, err := json.Marshal(pe.ChildOrders)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal child orders for %s: %w", pe.ExecutionID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_executions SET
			filled_qty = ?, avg_fill_price = ?, state = ?, current_phase = ?,
			urgency_score = ?, child_orders = ?, notes = ?, auction_submitted = ?,
			version = ?, updated_at = ?
		 WHERE execution_id = ? AND version = ?
	`,
		decStr(pe.FilledQty), decStr(pe.AvgFillPrice), string(pe.State), string(pe.CurrentPhase),
		pe.UrgencyScore, string(children), pe.Notes, boolToInt(pe.AuctionSubmitted),
		pe.Version, nowRFC3339(), pe.ExecutionID, pe.Version-1,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: update pending execution %s: %w", pe.ExecutionID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return runstore.ErrConflict
	}
	return nil
}

func (s *Store) ListOpenPendingExecutions(ctx context.Context) ([]models.PendingExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, symbol, side, target_qty, filled_qty, avg_fill_price,
		       state, current_phase, urgency_score, child_orders, policy_id, version,
		       notes, auction_submitted, created_at, updated_at, ttl
		  FROM pending_executions
		 WHERE state NOT IN (?, ?, ?)
	`, string(models.PendingExecCompleted), string(models.PendingExecFailed), string(models.PendingExecCancelled))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list open pending executions: %w", err)
	}
	defer rows.Close()

	var out []models.PendingExecution
	for rows.Next() {
		var pe models.PendingExecution
		var side, state, phase, childOrdersJSON string
		var targetQty, filledQty, avgFillPrice string
		var auctionSubmitted int
		var createdAt, updatedAt string
		var ttl sql.NullString

		if err := rows.Scan(
			&pe.ExecutionID, &pe.Symbol, &side, &targetQty, &filledQty, &avgFillPrice,
			&state, &phase, &pe.UrgencyScore, &childOrdersJSON, &pe.PolicyID, &pe.Version,
			&pe.Notes, &auctionSubmitted, &createdAt, &updatedAt, &ttl,
		); err != nil {
			return nil, fmt.Errorf("sqlstore: scan open pending execution: %w", err)
		}

		pe.Side = models.Side(side)
		pe.State = models.PendingExecutionState(state)
		pe.CurrentPhase = models.ExecutionPhase(phase)
		pe.TargetQty = parseDec(targetQty)
		pe.FilledQty = parseDec(filledQty)
		pe.AvgFillPrice = parseDec(avgFillPrice)
		pe.AuctionSubmitted = auctionSubmitted != 0
		pe.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		pe.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		pe.TTL = parseNullableTime(ttl)
		_ = json.Unmarshal([]byte(childOrdersJSON), &pe.ChildOrders)

		out = append(out, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
