package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alecgard/warden/internal/metering"
)

// ExecutionStore persists execution history. created_at is unix
// microseconds so that ordering and cursors compare numerically.
type ExecutionStore struct {
	db *sql.DB
}

func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

func question(int) string { return "?" }

func asMicros(t time.Time) any { return t.UnixMicro() }

func (s *ExecutionStore) BatchInsert(ctx context.Context, recs []metering.ExecutionRecord) error {
	if len(recs) == 0 {
		return nil
	}

	const row = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	rows := make([]string, 0, len(recs))
	args := make([]any, 0, len(recs)*15)
	for _, rec := range recs {
		attempts, err := json.Marshal(rec.Attempts)
		if err != nil {
			return fmt.Errorf("encode attempts for %s: %w", rec.ID, err)
		}
		rows = append(rows, row)
		args = append(args,
			rec.ID, rec.TenantID, rec.AgentType, rec.Status, rec.ChosenModel,
			rec.ErrorKind, rec.ErrorMessage, rec.InputTokens, rec.OutputTokens,
			toNanos(rec.TotalCost), rec.AttemptCount, rec.ShortCircuits,
			string(attempts), rec.DurationMs, rec.CreatedAt.UnixMicro(),
		)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions
		(id, tenant_id, agent_type, status, chosen_model, error_kind, error_message,
		 input_tokens, output_tokens, total_cost, attempt_count, short_circuits,
		 attempts, duration_ms, created_at)
		VALUES `+strings.Join(rows, ", "),
		args...,
	)
	if err != nil {
		return fmt.Errorf("batch insert executions: %w", err)
	}
	return nil
}

func (s *ExecutionStore) Summary(ctx context.Context, q metering.Query) (*metering.Summary, error) {
	where, args := q.Where(question, asMicros)

	var (
		sum  metering.Summary
		cost int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status <> 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_cost), 0),
			COALESCE(SUM(input_tokens + output_tokens), 0),
			COALESCE(AVG(duration_ms), 0.0)
		FROM executions`+where,
		args...,
	).Scan(&sum.TotalExecutions, &sum.SuccessCount, &sum.ErrorCount, &cost, &sum.TotalTokens, &sum.AvgDurationMs)
	if err != nil {
		return nil, fmt.Errorf("execution summary: %w", err)
	}
	sum.TotalCost = fromNanos(cost)
	return &sum, nil
}

func (s *ExecutionStore) List(ctx context.Context, q metering.Query) ([]metering.ExecutionRecord, string, error) {
	limit := q.PageSize()
	where, args := q.Where(question, asMicros)

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
		where += " (created_at, id) < (?, ?)"
		args = append(args, ts.UnixMicro(), id)
	}
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, agent_type, status, chosen_model, error_kind, error_message,
			input_tokens, output_tokens, total_cost, attempt_count, short_circuits,
			attempts, duration_ms, created_at
		FROM executions`+where+` ORDER BY created_at DESC, id DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, "", fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var recs []metering.ExecutionRecord
	for rows.Next() {
		var (
			rec      metering.ExecutionRecord
			cost     int64
			attempts string
			created  int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &rec.AgentType, &rec.Status, &rec.ChosenModel,
			&rec.ErrorKind, &rec.ErrorMessage, &rec.InputTokens, &rec.OutputTokens,
			&cost, &rec.AttemptCount, &rec.ShortCircuits, &attempts, &rec.DurationMs, &created,
		); err != nil {
			return nil, "", fmt.Errorf("scan execution: %w", err)
		}
		rec.TotalCost = fromNanos(cost)
		rec.CreatedAt = time.UnixMicro(created).UTC()
		if err := json.Unmarshal([]byte(attempts), &rec.Attempts); err != nil {
			return nil, "", fmt.Errorf("decode attempts for %s: %w", rec.ID, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate executions: %w", err)
	}

	var next string
	if len(recs) > limit {
		last := recs[limit-1]
		next = metering.EncodeCursor(last.CreatedAt, last.ID)
		recs = recs[:limit]
	}
	return recs, next, nil
}
