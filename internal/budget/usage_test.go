package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCountersCurrent(t *testing.T) {
	c := Counters{
		DailyCost:         decimal.NewFromInt(3),
		MonthlyCost:       decimal.NewFromInt(30),
		DailyTokens:       10,
		MonthlyTokens:     100,
		DailyExecutions:   1,
		MonthlyExecutions: 9,
		DailyResetDate:    DayStart(testEpoch),
		MonthlyResetDate:  MonthStart(testEpoch),
	}

	same := c.Current(testEpoch.Add(time.Hour))
	if !same.DailyCost.Equal(decimal.NewFromInt(3)) || same.MonthlyTokens != 100 {
		t.Errorf("same day must keep counters, got %+v", same)
	}

	nextDay := c.Current(testEpoch.Add(24 * time.Hour))
	if !nextDay.DailyCost.IsZero() || nextDay.DailyTokens != 0 || nextDay.DailyExecutions != 0 {
		t.Errorf("daily counters must reset, got %+v", nextDay)
	}
	if !nextDay.MonthlyCost.Equal(decimal.NewFromInt(30)) {
		t.Errorf("monthly counters must survive a day rollover, got %s", nextDay.MonthlyCost)
	}
	if !nextDay.DailyResetDate.Equal(DayStart(testEpoch.Add(24 * time.Hour))) {
		t.Errorf("unexpected reset date %v", nextDay.DailyResetDate)
	}

	nextMonth := c.Current(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	if !nextMonth.MonthlyCost.IsZero() || nextMonth.MonthlyExecutions != 0 {
		t.Errorf("monthly counters must reset, got %+v", nextMonth)
	}
}

func TestWindowStarts(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	// 2026-03-01 05:00 in UTC+10 is still 2026-02-28 in UTC.
	ts := time.Date(2026, 3, 1, 5, 0, 0, 0, loc)
	if got := DayStart(ts); !got.Equal(time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("DayStart = %v", got)
	}
	if got := MonthStart(ts); !got.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("MonthStart = %v", got)
	}
}

func TestMemoryUsageStore_StaleWindowReadsAsZero(t *testing.T) {
	s := NewMemoryUsageStore()
	ctx := context.Background()
	if _, err := s.Add(ctx, "acme", "", Delta{Cost: decimal.NewFromInt(4), Tokens: 10, Executions: 1}, testEpoch); err != nil {
		t.Fatalf("Add: %v", err)
	}
	c, err := s.Usage(ctx, "acme", "", testEpoch.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if !c.DailyCost.IsZero() {
		t.Errorf("expected zero daily cost, got %s", c.DailyCost)
	}
	if !c.MonthlyCost.Equal(decimal.NewFromInt(4)) {
		t.Errorf("expected monthly cost 4, got %s", c.MonthlyCost)
	}
}

// Concurrent adds straddling midnight must reset the daily window once and
// keep every increment made after the boundary.
func TestMemoryUsageStore_RolloverUnderConcurrency(t *testing.T) {
	s := NewMemoryUsageStore()
	ctx := context.Background()
	before := time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC)
	after := before.Add(2 * time.Second)

	if _, err := s.Add(ctx, "acme", "", Delta{Cost: decimal.NewFromInt(100), Executions: 1}, before); err != nil {
		t.Fatalf("Add: %v", err)
	}

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Add(ctx, "acme", "", Delta{Cost: decimal.NewFromInt(1), Tokens: 2, Executions: 1}, after); err != nil {
				t.Errorf("Add: %v", err)
			}
		}()
	}
	wg.Wait()

	c, err := s.Usage(ctx, "acme", "", after)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if !c.DailyCost.Equal(decimal.NewFromInt(n)) {
		t.Errorf("expected daily cost %d, got %s", n, c.DailyCost)
	}
	if c.DailyExecutions != n || c.DailyTokens != 2*n {
		t.Errorf("expected %d executions and %d tokens, got %d / %d", n, 2*n, c.DailyExecutions, c.DailyTokens)
	}
	if !c.MonthlyCost.Equal(decimal.NewFromInt(100 + n)) {
		t.Errorf("expected monthly cost %d, got %s", 100+n, c.MonthlyCost)
	}
}
