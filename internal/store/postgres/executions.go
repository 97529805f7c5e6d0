package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/warden/internal/metering"
)

// ExecutionStore provides database operations for execution history.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

func dollar(n int) string { return "$" + strconv.Itoa(n) }

func asTimestamp(t time.Time) any { return t }

// BatchInsert writes records in a single multi-row INSERT statement. It is
// a no-op when recs is empty.
func (s *ExecutionStore) BatchInsert(ctx context.Context, recs []metering.ExecutionRecord) error {
	if len(recs) == 0 {
		return nil
	}

	const cols = 15
	args := make([]any, 0, len(recs)*cols)
	rows := make([]string, 0, len(recs))

	for i, rec := range recs {
		base := i * cols
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = dollar(base + j + 1)
		}
		rows = append(rows, "("+strings.Join(ph, ", ")+")")

		attempts, err := json.Marshal(rec.Attempts)
		if err != nil {
			return fmt.Errorf("encoding attempts for %s: %w", rec.ID, err)
		}
		args = append(args,
			rec.ID,
			rec.TenantID,
			rec.AgentType,
			rec.Status,
			rec.ChosenModel,
			rec.ErrorKind,
			rec.ErrorMessage,
			rec.InputTokens,
			rec.OutputTokens,
			rec.TotalCost.String(),
			rec.AttemptCount,
			rec.ShortCircuits,
			attempts,
			rec.DurationMs,
			rec.CreatedAt,
		)
	}

	query := `INSERT INTO executions
		(id, tenant_id, agent_type, status, chosen_model, error_kind, error_message,
		 input_tokens, output_tokens, total_cost, attempt_count, short_circuits,
		 attempts, duration_ms, created_at)
		VALUES ` + strings.Join(rows, ", ")

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting executions: %w", err)
	}
	return nil
}

// Summary returns aggregate figures for executions matching q.
func (s *ExecutionStore) Summary(ctx context.Context, q metering.Query) (*metering.Summary, error) {
	where, args := q.Where(dollar, asTimestamp)

	var cost string
	var sum metering.Summary
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status <> 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_cost), 0)::text,
			COALESCE(SUM(input_tokens + output_tokens), 0),
			COALESCE(AVG(duration_ms), 0)::float8
		FROM executions`+where,
		args...,
	).Scan(&sum.TotalExecutions, &sum.SuccessCount, &sum.ErrorCount, &cost, &sum.TotalTokens, &sum.AvgDurationMs)
	if err != nil {
		return nil, fmt.Errorf("querying execution summary: %w", err)
	}
	if sum.TotalCost, err = parseDecimal(cost); err != nil {
		return nil, err
	}
	return &sum, nil
}

// List returns a page of executions matching q ordered by created_at DESC,
// id DESC, and the cursor of the next page.
func (s *ExecutionStore) List(ctx context.Context, q metering.Query) ([]metering.ExecutionRecord, string, error) {
	limit := q.PageSize()
	where, args := q.Where(dollar, asTimestamp)

	if q.Cursor != "" {
		ts, id, err := metering.DecodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (created_at, id) < (%s, %s)", dollar(len(args)+1), dollar(len(args)+2))
		args = append(args, ts, id)
	}

	query := `SELECT id, tenant_id, agent_type, status, chosen_model, error_kind, error_message,
		input_tokens, output_tokens, total_cost::text, attempt_count, short_circuits,
		attempts, duration_ms, created_at
	FROM executions` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ` + dollar(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var recs []metering.ExecutionRecord
	for rows.Next() {
		var (
			rec      metering.ExecutionRecord
			cost     string
			attempts []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &rec.AgentType, &rec.Status, &rec.ChosenModel,
			&rec.ErrorKind, &rec.ErrorMessage, &rec.InputTokens, &rec.OutputTokens,
			&cost, &rec.AttemptCount, &rec.ShortCircuits, &attempts, &rec.DurationMs, &rec.CreatedAt,
		); err != nil {
			return nil, "", fmt.Errorf("scanning execution row: %w", err)
		}
		if rec.TotalCost, err = parseDecimal(cost); err != nil {
			return nil, "", err
		}
		if err := json.Unmarshal(attempts, &rec.Attempts); err != nil {
			return nil, "", fmt.Errorf("decoding attempts for %s: %w", rec.ID, err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating execution rows: %w", err)
	}

	var next string
	if len(recs) > limit {
		last := recs[limit-1]
		next = metering.EncodeCursor(last.CreatedAt, last.ID)
		recs = recs[:limit]
	}
	return recs, next, nil
}
