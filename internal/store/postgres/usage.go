package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/warden/internal/budget"
)

// UsageStore keeps daily and monthly usage rows in budget_usage.
type UsageStore struct {
	pool *pgxpool.Pool
}

// NewUsageStore creates a usage store backed by the given pool.
func NewUsageStore(pool *pgxpool.Pool) *UsageStore {
	return &UsageStore{pool: pool}
}

const usageColumns = `daily_cost::text, monthly_cost::text, daily_tokens, monthly_tokens,
	daily_executions, monthly_executions, daily_reset_date, monthly_reset_date`

// Usage returns the row for tenantID and agentType with ended windows
// reported as zero. A missing row is all zeros.
func (s *UsageStore) Usage(ctx context.Context, tenantID, agentType string, now time.Time) (budget.Counters, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM budget_usage WHERE tenant_id = $1 AND agent_type = $2`,
		tenantID, agentType,
	)
	c, err := scanCounters(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return budget.Counters{}.Current(now), nil
	}
	if err != nil {
		return budget.Counters{}, fmt.Errorf("getting usage: %w", err)
	}
	return c.Current(now), nil
}

// Add applies d in a single upsert. A window whose reset date is older than
// the current one starts over from d instead of accumulating.
func (s *UsageStore) Add(ctx context.Context, tenantID, agentType string, d budget.Delta, now time.Time) (budget.Counters, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO budget_usage AS u
			(tenant_id, agent_type, daily_cost, monthly_cost, daily_tokens, monthly_tokens,
			 daily_executions, monthly_executions, daily_reset_date, monthly_reset_date)
		 VALUES ($1, $2, $3, $3, $4, $4, $5, $5, $6, $7)
		 ON CONFLICT (tenant_id, agent_type) DO UPDATE SET
			daily_cost = CASE WHEN u.daily_reset_date < EXCLUDED.daily_reset_date
				THEN EXCLUDED.daily_cost ELSE u.daily_cost + EXCLUDED.daily_cost END,
			daily_tokens = CASE WHEN u.daily_reset_date < EXCLUDED.daily_reset_date
				THEN EXCLUDED.daily_tokens ELSE u.daily_tokens + EXCLUDED.daily_tokens END,
			daily_executions = CASE WHEN u.daily_reset_date < EXCLUDED.daily_reset_date
				THEN EXCLUDED.daily_executions ELSE u.daily_executions + EXCLUDED.daily_executions END,
			daily_reset_date = GREATEST(u.daily_reset_date, EXCLUDED.daily_reset_date),
			monthly_cost = CASE WHEN u.monthly_reset_date < EXCLUDED.monthly_reset_date
				THEN EXCLUDED.monthly_cost ELSE u.monthly_cost + EXCLUDED.monthly_cost END,
			monthly_tokens = CASE WHEN u.monthly_reset_date < EXCLUDED.monthly_reset_date
				THEN EXCLUDED.monthly_tokens ELSE u.monthly_tokens + EXCLUDED.monthly_tokens END,
			monthly_executions = CASE WHEN u.monthly_reset_date < EXCLUDED.monthly_reset_date
				THEN EXCLUDED.monthly_executions ELSE u.monthly_executions + EXCLUDED.monthly_executions END,
			monthly_reset_date = GREATEST(u.monthly_reset_date, EXCLUDED.monthly_reset_date)
		 RETURNING `+usageColumns,
		tenantID, agentType, d.Cost.String(), d.Tokens, d.Executions,
		budget.DayStart(now), budget.MonthStart(now),
	)
	c, err := scanCounters(row)
	if err != nil {
		return budget.Counters{}, fmt.Errorf("adding usage: %w", err)
	}
	return c.Current(now), nil
}

func scanCounters(row pgx.Row) (budget.Counters, error) {
	var (
		c              budget.Counters
		daily, monthly string
	)
	err := row.Scan(&daily, &monthly, &c.DailyTokens, &c.MonthlyTokens,
		&c.DailyExecutions, &c.MonthlyExecutions, &c.DailyResetDate, &c.MonthlyResetDate)
	if err != nil {
		return budget.Counters{}, err
	}
	if c.DailyCost, err = parseDecimal(daily); err != nil {
		return budget.Counters{}, err
	}
	if c.MonthlyCost, err = parseDecimal(monthly); err != nil {
		return budget.Counters{}, err
	}
	c.DailyResetDate = c.DailyResetDate.UTC()
	c.MonthlyResetDate = c.MonthlyResetDate.UTC()
	return c, nil
}
