package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/warden/internal/budget"
)

// UsageStore keeps daily and monthly usage rows in budget_usage. Reset
// dates are unix seconds.
type UsageStore struct {
	db *sql.DB
}

func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db}
}

const usageColumns = `daily_cost, monthly_cost, daily_tokens, monthly_tokens,
	daily_executions, monthly_executions, daily_reset_date, monthly_reset_date`

func (s *UsageStore) Usage(ctx context.Context, tenantID, agentType string, now time.Time) (budget.Counters, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM budget_usage WHERE tenant_id = ? AND agent_type = ?`,
		tenantID, agentType,
	)
	c, err := scanCounters(row)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.Counters{}.Current(now), nil
	}
	if err != nil {
		return budget.Counters{}, fmt.Errorf("get usage: %w", err)
	}
	return c.Current(now), nil
}

// Add applies d in one upsert, restarting any window whose stored reset
// date precedes the current one.
func (s *UsageStore) Add(ctx context.Context, tenantID, agentType string, d budget.Delta, now time.Time) (budget.Counters, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO budget_usage AS u
			(tenant_id, agent_type, daily_cost, monthly_cost, daily_tokens, monthly_tokens,
			 daily_executions, monthly_executions, daily_reset_date, monthly_reset_date)
		 VALUES (?1, ?2, ?3, ?3, ?4, ?4, ?5, ?5, ?6, ?7)
		 ON CONFLICT (tenant_id, agent_type) DO UPDATE SET
			daily_cost = CASE WHEN u.daily_reset_date < excluded.daily_reset_date
				THEN excluded.daily_cost ELSE u.daily_cost + excluded.daily_cost END,
			daily_tokens = CASE WHEN u.daily_reset_date < excluded.daily_reset_date
				THEN excluded.daily_tokens ELSE u.daily_tokens + excluded.daily_tokens END,
			daily_executions = CASE WHEN u.daily_reset_date < excluded.daily_reset_date
				THEN excluded.daily_executions ELSE u.daily_executions + excluded.daily_executions END,
			daily_reset_date = MAX(u.daily_reset_date, excluded.daily_reset_date),
			monthly_cost = CASE WHEN u.monthly_reset_date < excluded.monthly_reset_date
				THEN excluded.monthly_cost ELSE u.monthly_cost + excluded.monthly_cost END,
			monthly_tokens = CASE WHEN u.monthly_reset_date < excluded.monthly_reset_date
				THEN excluded.monthly_tokens ELSE u.monthly_tokens + excluded.monthly_tokens END,
			monthly_executions = CASE WHEN u.monthly_reset_date < excluded.monthly_reset_date
				THEN excluded.monthly_executions ELSE u.monthly_executions + excluded.monthly_executions END,
			monthly_reset_date = MAX(u.monthly_reset_date, excluded.monthly_reset_date)
		 RETURNING `+usageColumns,
		tenantID, agentType, toNanos(d.Cost), d.Tokens, d.Executions,
		budget.DayStart(now).Unix(), budget.MonthStart(now).Unix(),
	)
	c, err := scanCounters(row)
	if err != nil {
		return budget.Counters{}, fmt.Errorf("add usage: %w", err)
	}
	return c.Current(now), nil
}

func scanCounters(row scanner) (budget.Counters, error) {
	var (
		c              budget.Counters
		daily, monthly int64
		dayAt, monthAt int64
	)
	err := row.Scan(&daily, &monthly, &c.DailyTokens, &c.MonthlyTokens,
		&c.DailyExecutions, &c.MonthlyExecutions, &dayAt, &monthAt)
	if err != nil {
		return budget.Counters{}, err
	}
	c.DailyCost = fromNanos(daily)
	c.MonthlyCost = fromNanos(monthly)
	c.DailyResetDate = time.Unix(dayAt, 0).UTC()
	c.MonthlyResetDate = time.Unix(monthAt, 0).UTC()
	return c, nil
}
