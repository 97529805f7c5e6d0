package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alecgard/warden/internal/alert"
	"github.com/alecgard/warden/internal/cache"
)

var testEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingSink struct {
	mu     sync.Mutex
	events []alert.Event
}

func (r *recordingSink) Notify(_ context.Context, ev alert.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) count(kind alert.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type trackerFixture struct {
	clock   *fakeClock
	usage   *MemoryUsageStore
	sink    *recordingSink
	tracker *Tracker
}

func newTrackerFixture(global Config) *trackerFixture {
	clock := newFakeClock(testEpoch)
	usage := NewMemoryUsageStore()
	sink := &recordingSink{}
	r := NewResolver(ResolverOptions{MultiTenancy: true, Global: global})
	tr := NewTracker(r, usage, cache.NewMemoryStore(clock.Now), sink).WithClock(clock.Now)
	return &trackerFixture{clock: clock, usage: usage, sink: sink, tracker: tr}
}

func (f *trackerFixture) spend(t *testing.T, tenant, agent, cost string, tokens int64) {
	t.Helper()
	err := f.tracker.RecordSpend(context.Background(), SpendInput{
		TenantID:  tenant,
		AgentType: agent,
		Cost:      decimal.RequireFromString(cost),
		Tokens:    tokens,
	})
	if err != nil {
		t.Fatalf("RecordSpend: %v", err)
	}
}

func dailyCap(e Enforcement) Config {
	return Config{
		Enabled:          true,
		Enforcement:      e,
		GlobalDailyCost:  dec("5.0"),
		WarningThreshold: DefaultWarningThreshold,
	}
}

func TestCheck_HardBlocksProjectedOverspend(t *testing.T) {
	f := newTrackerFixture(dailyCap(EnforcementHard))
	f.spend(t, "acme", "support", "4.9", 100)

	res, err := f.tracker.Check(context.Background(), CheckInput{
		AgentType:    "support",
		TenantID:     "acme",
		ProposedCost: decimal.RequireFromString("0.2"),
	})
	var ee *ExceededError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if ee.Limit != LimitGlobalDailyCost || ee.TenantID != "acme" {
		t.Errorf("unexpected error fields: %+v", ee)
	}
	if !ee.Current.Equal(decimal.RequireFromString("4.9")) || !ee.Max.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected 4.9 of 5, got %s of %s", ee.Current, ee.Max)
	}
	if ee.Percent != 102 {
		t.Errorf("expected 102%%, got %v", ee.Percent)
	}
	if res == nil || res.Allowed {
		t.Error("result must be returned and not allowed")
	}
	if f.sink.count(alert.KindBudgetHardCap) != 1 {
		t.Errorf("expected one hard cap alert, got %d", f.sink.count(alert.KindBudgetHardCap))
	}
}

func TestCheck_SoftAllowsAndAlerts(t *testing.T) {
	f := newTrackerFixture(dailyCap(EnforcementSoft))
	f.spend(t, "acme", "support", "4.9", 100)

	res, err := f.tracker.Check(context.Background(), CheckInput{
		AgentType:    "support",
		TenantID:     "acme",
		ProposedCost: decimal.RequireFromString("0.2"),
	})
	if err != nil {
		t.Fatalf("soft enforcement must not fail: %v", err)
	}
	if !res.Allowed {
		t.Error("soft enforcement must allow the call")
	}
	if len(res.Exceeded()) != 1 {
		t.Errorf("expected one exceeded limit, got %d", len(res.Exceeded()))
	}
	if f.sink.count(alert.KindBudgetSoftCap) != 1 {
		t.Errorf("expected one soft cap alert, got %d", f.sink.count(alert.KindBudgetSoftCap))
	}
}

func TestCheck_NoneNeverBlocksOrAlerts(t *testing.T) {
	f := newTrackerFixture(dailyCap(EnforcementNone))
	f.spend(t, "acme", "support", "10", 100)

	res, err := f.tracker.Check(context.Background(), CheckInput{AgentType: "support", TenantID: "acme"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Allowed {
		t.Error("none must allow")
	}
	if len(res.Exceeded()) != 1 {
		t.Error("exceeded limits must still be reported")
	}
	if len(f.sink.events) != 0 {
		t.Errorf("expected no alerts, got %d", len(f.sink.events))
	}
}

func TestCheck_DisabledSkipsEvaluation(t *testing.T) {
	cfg := dailyCap(EnforcementHard)
	cfg.Enabled = false
	f := newTrackerFixture(cfg)
	f.spend(t, "acme", "support", "100", 100)

	res, err := f.tracker.Check(context.Background(), CheckInput{AgentType: "support", TenantID: "acme"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Allowed || len(res.Limits) != 0 {
		t.Errorf("disabled budget must allow without evaluating, got %+v", res)
	}
}

func TestCheck_AtLimitWithoutProposalIsExceeded(t *testing.T) {
	f := newTrackerFixture(dailyCap(EnforcementHard))
	f.spend(t, "acme", "support", "5.0", 0)

	_, err := f.tracker.Check(context.Background(), CheckInput{AgentType: "support", TenantID: "acme"})
	var ee *ExceededError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExceededError at 100%%, got %v", err)
	}
}

func TestCheck_ExecutionLimitCountsTheProposedCall(t *testing.T) {
	f := newTrackerFixture(Config{
		Enabled:          true,
		Enforcement:      EnforcementHard,
		DailyExecutions:  i64(3),
		WarningThreshold: DefaultWarningThreshold,
	})
	ctx := context.Background()
	in := CheckInput{AgentType: "support", TenantID: "acme"}

	for i := 0; i < 3; i++ {
		if _, err := f.tracker.Check(ctx, in); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		f.spend(t, "acme", "support", "0", 0)
	}
	if _, err := f.tracker.Check(ctx, in); err == nil {
		t.Fatal("fourth execution must be blocked")
	}
}

func TestCheck_PerAgentLimitsAreIsolated(t *testing.T) {
	f := newTrackerFixture(Config{
		Enabled:     true,
		Enforcement: EnforcementHard,
		PerAgentDailyCost: map[string]decimal.Decimal{
			"support": decimal.NewFromInt(1),
		},
		WarningThreshold: DefaultWarningThreshold,
	})
	ctx := context.Background()
	f.spend(t, "acme", "support", "1", 10)

	if _, err := f.tracker.Check(ctx, CheckInput{AgentType: "support", TenantID: "acme"}); err == nil {
		t.Error("support must be blocked")
	}
	if _, err := f.tracker.Check(ctx, CheckInput{AgentType: "research", TenantID: "acme"}); err != nil {
		t.Errorf("research has no limit: %v", err)
	}
	if _, err := f.tracker.Check(ctx, CheckInput{AgentType: "support", TenantID: "globex"}); err != nil {
		t.Errorf("other tenant must not be affected: %v", err)
	}
}

func TestCheck_TokenLimits(t *testing.T) {
	f := newTrackerFixture(Config{
		Enabled:          true,
		Enforcement:      EnforcementHard,
		MonthlyTokens:    i64(1000),
		WarningThreshold: DefaultWarningThreshold,
	})
	f.spend(t, "acme", "support", "0", 900)

	_, err := f.tracker.Check(context.Background(), CheckInput{AgentType: "support", TenantID: "acme", ProposedTokens: 50})
	if err != nil {
		t.Fatalf("950 of 1000 must be allowed: %v", err)
	}
	_, err = f.tracker.Check(context.Background(), CheckInput{AgentType: "support", TenantID: "acme", ProposedTokens: 200})
	var ee *ExceededError
	if !errors.As(err, &ee) || ee.Limit != LimitMonthlyTokens {
		t.Fatalf("expected monthly token limit, got %v", err)
	}
}

func TestCheck_WarningFiresOncePerWindow(t *testing.T) {
	f := newTrackerFixture(dailyCap(EnforcementSoft))
	f.spend(t, "acme", "support", "4.2", 0)
	ctx := context.Background()
	in := CheckInput{AgentType: "support", TenantID: "acme"}

	for i := 0; i < 3; i++ {
		res, err := f.tracker.Check(ctx, in)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !res.Limits[0].Warning {
			t.Fatalf("expected warning at 84%%, got %+v", res.Limits[0])
		}
	}
	if got := f.sink.count(alert.KindBudgetWarning); got != 1 {
		t.Errorf("expected 1 warning alert, got %d", got)
	}

	// Next day the usage resets; a new warning needs new spend.
	f.clock.Set(testEpoch.Add(24 * time.Hour))
	f.spend(t, "acme", "support", "4.5", 0)
	if _, err := f.tracker.Check(ctx, in); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got := f.sink.count(alert.KindBudgetWarning); got != 2 {
		t.Errorf("expected a second warning in the new window, got %d", got)
	}
}

func TestCheck_RuntimeOverride(t *testing.T) {
	f := newTrackerFixture(dailyCap(EnforcementSoft))
	f.spend(t, "acme", "support", "6", 0)

	_, err := f.tracker.Check(context.Background(), CheckInput{
		AgentType: "support",
		TenantID:  "acme",
		Override:  &Override{Enforcement: enf(EnforcementHard)},
	})
	if err == nil {
		t.Fatal("runtime hard override must block")
	}
}

func TestStatus(t *testing.T) {
	f := newTrackerFixture(Config{
		Enabled:           true,
		Enforcement:       EnforcementHard,
		GlobalDailyCost:   dec("10"),
		GlobalMonthlyCost: dec("100"),
		DailyTokens:       i64(1000),
		WarningThreshold:  DefaultWarningThreshold,
	})
	f.spend(t, "acme", "support", "2.5", 250)

	res, err := f.tracker.Status(context.Background(), "acme", "support")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !res.Allowed {
		t.Error("expected allowed")
	}
	if len(res.Limits) != 3 {
		t.Fatalf("expected 3 configured limits, got %d", len(res.Limits))
	}
	want := map[string]float64{
		LimitGlobalDailyCost:   25,
		LimitGlobalMonthlyCost: 2.5,
		LimitDailyTokens:       25,
	}
	for _, l := range res.Limits {
		if l.Percent != want[l.Limit] {
			t.Errorf("%s: expected %v%%, got %v%%", l.Limit, want[l.Limit], l.Percent)
		}
	}
	if len(f.sink.events) != 0 {
		t.Error("status must not alert")
	}
}

func TestRecordSpend_WritesTenantAndAgentRows(t *testing.T) {
	f := newTrackerFixture(dailyCap(EnforcementNone))
	f.spend(t, "acme", "support", "1.25", 100)
	f.spend(t, "acme", "research", "0.75", 50)

	ctx := context.Background()
	total, err := f.tracker.Usage(ctx, "acme", "")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if !total.DailyCost.Equal(decimal.NewFromInt(2)) || total.DailyTokens != 150 || total.DailyExecutions != 2 {
		t.Errorf("unexpected tenant totals: %+v", total)
	}
	support, _ := f.tracker.Usage(ctx, "acme", "support")
	if !support.MonthlyCost.Equal(decimal.RequireFromString("1.25")) || support.MonthlyExecutions != 1 {
		t.Errorf("unexpected support totals: %+v", support)
	}
}

type recordingBudgetMetrics struct {
	rejections []string
	spent      float64
}

func (m *recordingBudgetMetrics) IncBudgetRejection(_, limit string) {
	m.rejections = append(m.rejections, limit)
}

func (m *recordingBudgetMetrics) AddSpend(_ string, cost float64, _ int64) {
	m.spent += cost
}

func TestTracker_Metrics(t *testing.T) {
	f := newTrackerFixture(dailyCap(EnforcementHard))
	m := &recordingBudgetMetrics{}
	f.tracker.SetMetrics(m)

	f.spend(t, "acme", "support", "5", 0)
	_, _ = f.tracker.Check(context.Background(), CheckInput{AgentType: "support", TenantID: "acme"})

	if m.spent != 5 {
		t.Errorf("expected 5 spent, got %v", m.spent)
	}
	if len(m.rejections) != 1 || m.rejections[0] != LimitGlobalDailyCost {
		t.Errorf("unexpected rejections %v", m.rejections)
	}
}
