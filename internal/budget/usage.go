package budget

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Counters are the daily and monthly accumulators of one usage row. The
// reset dates mark the window each accumulator belongs to.
type Counters struct {
	DailyCost         decimal.Decimal `json:"daily_cost"`
	MonthlyCost       decimal.Decimal `json:"monthly_cost"`
	DailyTokens       int64           `json:"daily_tokens"`
	MonthlyTokens     int64           `json:"monthly_tokens"`
	DailyExecutions   int64           `json:"daily_executions"`
	MonthlyExecutions int64           `json:"monthly_executions"`
	DailyResetDate    time.Time       `json:"daily_reset_date"`
	MonthlyResetDate  time.Time       `json:"monthly_reset_date"`
}

// Delta is an increment to a usage row.
type Delta struct {
	Cost       decimal.Decimal
	Tokens     int64
	Executions int64
}

// UsageStore persists usage rows keyed by tenant and agent type. The row
// with an empty agent type holds the tenant-wide totals.
//
// Usage reports accumulators from a window that has already ended as zero.
// Add rolls stale windows over and applies the delta as one atomic step, so
// concurrent increments across a window boundary reset the row exactly once
// and lose nothing.
type UsageStore interface {
	Usage(ctx context.Context, tenantID, agentType string, now time.Time) (Counters, error)
	Add(ctx context.Context, tenantID, agentType string, d Delta, now time.Time) (Counters, error)
}

// DayStart returns the start of the UTC day containing t.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the start of the UTC month containing t.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Current returns c with accumulators from ended windows zeroed and the
// reset dates moved to the windows containing now.
func (c Counters) Current(now time.Time) Counters {
	day, month := DayStart(now), MonthStart(now)
	if c.DailyResetDate.Before(day) {
		c.DailyCost = decimal.Zero
		c.DailyTokens = 0
		c.DailyExecutions = 0
		c.DailyResetDate = day
	}
	if c.MonthlyResetDate.Before(month) {
		c.MonthlyCost = decimal.Zero
		c.MonthlyTokens = 0
		c.MonthlyExecutions = 0
		c.MonthlyResetDate = month
	}
	return c
}

// Add applies d to both windows.
func (c Counters) Add(d Delta) Counters {
	c.DailyCost = c.DailyCost.Add(d.Cost)
	c.MonthlyCost = c.MonthlyCost.Add(d.Cost)
	c.DailyTokens += d.Tokens
	c.MonthlyTokens += d.Tokens
	c.DailyExecutions += d.Executions
	c.MonthlyExecutions += d.Executions
	return c
}

type usageKey struct {
	tenantID  string
	agentType string
}

// MemoryUsageStore is a process-local UsageStore.
type MemoryUsageStore struct {
	mu   sync.Mutex
	rows map[usageKey]Counters
}

func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{rows: make(map[usageKey]Counters)}
}

func (s *MemoryUsageStore) Usage(_ context.Context, tenantID, agentType string, now time.Time) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[usageKey{tenantID, agentType}].Current(now), nil
}

func (s *MemoryUsageStore) Add(_ context.Context, tenantID, agentType string, d Delta, now time.Time) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := usageKey{tenantID, agentType}
	c := s.rows[k].Current(now).Add(d)
	s.rows[k] = c
	return c, nil
}
