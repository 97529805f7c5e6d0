package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alecgard/warden/internal/alert"
	"github.com/alecgard/warden/internal/cache"
)

// Limit names.
const (
	LimitGlobalDailyCost   = "global_daily_cost"
	LimitGlobalMonthlyCost = "global_monthly_cost"
	LimitAgentDailyCost    = "agent_daily_cost"
	LimitAgentMonthlyCost  = "agent_monthly_cost"
	LimitDailyTokens       = "daily_tokens"
	LimitMonthlyTokens     = "monthly_tokens"
	LimitDailyExecutions   = "daily_executions"
	LimitMonthlyExecutions = "monthly_executions"
)

// Usage windows.
const (
	WindowDaily   = "daily"
	WindowMonthly = "monthly"
)

var hundred = decimal.NewFromInt(100)

// LimitStatus is the state of one configured limit.
type LimitStatus struct {
	Limit     string          `json:"limit"`
	Window    string          `json:"window"`
	Current   decimal.Decimal `json:"current"`
	Proposed  decimal.Decimal `json:"proposed"`
	Projected decimal.Decimal `json:"projected"`
	Max       decimal.Decimal `json:"max"`
	Percent   float64         `json:"percent"`
	Exceeded  bool            `json:"exceeded"`
	Warning   bool            `json:"warning"`
}

// CheckResult is the outcome of a budget check.
type CheckResult struct {
	TenantID    string        `json:"tenant_id,omitempty"`
	AgentType   string        `json:"agent_type"`
	Enabled     bool          `json:"enabled"`
	Enforcement Enforcement   `json:"enforcement"`
	Allowed     bool          `json:"allowed"`
	Limits      []LimitStatus `json:"limits"`
}

// Exceeded returns the limits that are over budget.
func (r *CheckResult) Exceeded() []LimitStatus {
	var out []LimitStatus
	for _, l := range r.Limits {
		if l.Exceeded {
			out = append(out, l)
		}
	}
	return out
}

// ExceededError is returned by Check under hard enforcement.
type ExceededError struct {
	TenantID  string
	AgentType string
	Limit     string
	Current   decimal.Decimal
	Max       decimal.Decimal
	Percent   float64
	Result    *CheckResult
}

func (e *ExceededError) Error() string {
	who := e.AgentType
	if e.TenantID != "" {
		who = e.TenantID + "/" + e.AgentType
	}
	return fmt.Sprintf("budget exceeded for %s: %s at %s of %s (%.1f%%)",
		who, e.Limit, e.Current.String(), e.Max.String(), e.Percent)
}

// CheckInput describes a call about to be made. ProposedCost and
// ProposedTokens are optional estimates; one execution is always proposed.
type CheckInput struct {
	AgentType      string
	TenantID       string
	ProposedCost   decimal.Decimal
	ProposedTokens int64
	Override       *Override
}

// SpendInput is the actual usage of a completed call.
type SpendInput struct {
	AgentType string
	TenantID  string
	Cost      decimal.Decimal
	Tokens    int64
}

// MetricsRecorder is an optional interface for recording budget metrics.
type MetricsRecorder interface {
	IncBudgetRejection(agentType, limit string)
	AddSpend(agentType string, cost float64, tokens int64)
}

// Tracker checks proposed spend against resolved limits and records actual
// spend. Alerts are de-duplicated per tenant, limit and window through the
// counter store.
type Tracker struct {
	resolver *Resolver
	usage    UsageStore
	markers  cache.Store
	alerts   alert.Sink
	metrics  MetricsRecorder
	now      func() time.Time
}

// NewTracker creates a tracker. markers may be nil, in which case every
// check that trips a limit alerts.
func NewTracker(resolver *Resolver, usage UsageStore, markers cache.Store, alerts alert.Sink) *Tracker {
	if alerts == nil {
		alerts = alert.Nop{}
	}
	return &Tracker{
		resolver: resolver,
		usage:    usage,
		markers:  markers,
		alerts:   alerts,
		now:      time.Now,
	}
}

// SetMetrics sets an optional metrics recorder.
func (t *Tracker) SetMetrics(m MetricsRecorder) {
	t.metrics = m
}

// WithClock sets the time source used to pick usage windows.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) Resolver() *Resolver { return t.resolver }

// Check evaluates a proposed call. Under hard enforcement an exceeded limit
// returns the result together with an *ExceededError. Soft enforcement
// alerts and allows the call; none only reports.
func (t *Tracker) Check(ctx context.Context, in CheckInput) (*CheckResult, error) {
	cfg, err := t.resolver.ResolveConfig(ctx, in.TenantID, in.Override)
	if err != nil {
		return nil, err
	}
	res := &CheckResult{
		TenantID:    in.TenantID,
		AgentType:   in.AgentType,
		Enabled:     cfg.Enabled,
		Enforcement: cfg.Enforcement,
		Allowed:     true,
	}
	if !cfg.Enabled {
		return res, nil
	}

	now := t.now()
	proposal := Delta{Cost: in.ProposedCost, Tokens: in.ProposedTokens, Executions: 1}
	res.Limits, err = t.evaluate(ctx, cfg, in.TenantID, in.AgentType, &proposal, now)
	if err != nil {
		return nil, err
	}

	if cfg.Enforcement == EnforcementNone {
		return res, nil
	}

	var first *LimitStatus
	for i := range res.Limits {
		l := &res.Limits[i]
		switch {
		case l.Exceeded:
			if first == nil {
				first = l
			}
			kind := alert.KindBudgetSoftCap
			if cfg.Enforcement == EnforcementHard {
				kind = alert.KindBudgetHardCap
			}
			t.notify(ctx, kind, in.TenantID, in.AgentType, *l, now)
		case l.Warning:
			t.notify(ctx, alert.KindBudgetWarning, in.TenantID, in.AgentType, *l, now)
		}
	}
	if first == nil {
		return res, nil
	}

	if cfg.Enforcement == EnforcementSoft {
		slog.Warn("budget soft cap exceeded",
			"tenant_id", in.TenantID,
			"agent_type", in.AgentType,
			"limit", first.Limit,
			"percent", first.Percent,
		)
		return res, nil
	}

	res.Allowed = false
	if t.metrics != nil {
		t.metrics.IncBudgetRejection(in.AgentType, first.Limit)
	}
	slog.Warn("budget hard cap exceeded, blocking execution",
		"tenant_id", in.TenantID,
		"agent_type", in.AgentType,
		"limit", first.Limit,
		"current", first.Current.String(),
		"max", first.Max.String(),
	)
	return res, &ExceededError{
		TenantID:  in.TenantID,
		AgentType: in.AgentType,
		Limit:     first.Limit,
		Current:   first.Current,
		Max:       first.Max,
		Percent:   first.Percent,
		Result:    res,
	}
}

// Status reports current usage against every configured limit without
// proposing anything and without alerting.
func (t *Tracker) Status(ctx context.Context, tenantID, agentType string) (*CheckResult, error) {
	cfg, err := t.resolver.ResolveConfig(ctx, tenantID, nil)
	if err != nil {
		return nil, err
	}
	res := &CheckResult{
		TenantID:    tenantID,
		AgentType:   agentType,
		Enabled:     cfg.Enabled,
		Enforcement: cfg.Enforcement,
		Allowed:     true,
	}
	res.Limits, err = t.evaluate(ctx, cfg, tenantID, agentType, nil, t.now())
	if err != nil {
		return nil, err
	}
	if cfg.Enabled && cfg.Enforcement == EnforcementHard && len(res.Exceeded()) > 0 {
		res.Allowed = false
	}
	return res, nil
}

// RecordSpend adds a completed call to the tenant-wide and per-agent usage
// rows. Usage is recorded whether or not budgets are enabled.
func (t *Tracker) RecordSpend(ctx context.Context, in SpendInput) error {
	now := t.now()
	d := Delta{Cost: in.Cost, Tokens: in.Tokens, Executions: 1}
	if _, err := t.usage.Add(ctx, in.TenantID, "", d, now); err != nil {
		return fmt.Errorf("recording tenant spend: %w", err)
	}
	if in.AgentType != "" {
		if _, err := t.usage.Add(ctx, in.TenantID, in.AgentType, d, now); err != nil {
			return fmt.Errorf("recording agent spend: %w", err)
		}
	}
	if t.metrics != nil {
		cost, _ := in.Cost.Float64()
		t.metrics.AddSpend(in.AgentType, cost, in.Tokens)
	}
	return nil
}

// Usage returns the current counters of a usage row.
func (t *Tracker) Usage(ctx context.Context, tenantID, agentType string) (Counters, error) {
	return t.usage.Usage(ctx, tenantID, agentType, t.now())
}

func (t *Tracker) evaluate(ctx context.Context, cfg Config, tenantID, agentType string, proposal *Delta, now time.Time) ([]LimitStatus, error) {
	tenant, err := t.usage.Usage(ctx, tenantID, "", now)
	if err != nil {
		return nil, fmt.Errorf("reading tenant usage: %w", err)
	}
	var agent Counters
	_, hasDaily := cfg.PerAgentDailyCost[agentType]
	_, hasMonthly := cfg.PerAgentMonthlyCost[agentType]
	if agentType != "" && (hasDaily || hasMonthly) {
		agent, err = t.usage.Usage(ctx, tenantID, agentType, now)
		if err != nil {
			return nil, fmt.Errorf("reading agent usage: %w", err)
		}
	}

	var p Delta
	if proposal != nil {
		p = *proposal
	}
	tokens := decimal.NewFromInt(p.Tokens)
	execs := decimal.NewFromInt(p.Executions)

	var out []LimitStatus
	add := func(limit, window string, current, proposed decimal.Decimal, ceiling *decimal.Decimal) {
		if ceiling == nil {
			return
		}
		out = append(out, newLimitStatus(limit, window, current, proposed, *ceiling, cfg.WarningThreshold))
	}

	add(LimitGlobalDailyCost, WindowDaily, tenant.DailyCost, p.Cost, cfg.GlobalDailyCost)
	add(LimitGlobalMonthlyCost, WindowMonthly, tenant.MonthlyCost, p.Cost, cfg.GlobalMonthlyCost)
	if v, ok := cfg.PerAgentDailyCost[agentType]; ok && agentType != "" {
		add(LimitAgentDailyCost, WindowDaily, agent.DailyCost, p.Cost, &v)
	}
	if v, ok := cfg.PerAgentMonthlyCost[agentType]; ok && agentType != "" {
		add(LimitAgentMonthlyCost, WindowMonthly, agent.MonthlyCost, p.Cost, &v)
	}
	add(LimitDailyTokens, WindowDaily, decimal.NewFromInt(tenant.DailyTokens), tokens, intLimit(cfg.DailyTokens))
	add(LimitMonthlyTokens, WindowMonthly, decimal.NewFromInt(tenant.MonthlyTokens), tokens, intLimit(cfg.MonthlyTokens))
	add(LimitDailyExecutions, WindowDaily, decimal.NewFromInt(tenant.DailyExecutions), execs, intLimit(cfg.DailyExecutions))
	add(LimitMonthlyExecutions, WindowMonthly, decimal.NewFromInt(tenant.MonthlyExecutions), execs, intLimit(cfg.MonthlyExecutions))
	return out, nil
}

func intLimit(v *int64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := decimal.NewFromInt(*v)
	return &d
}

// newLimitStatus compares usage with a limit. A limit is exceeded once the
// current usage has reached it or the proposal would take usage past it.
func newLimitStatus(limit, window string, current, proposed, ceiling decimal.Decimal, threshold float64) LimitStatus {
	projected := current.Add(proposed)
	ls := LimitStatus{
		Limit:     limit,
		Window:    window,
		Current:   current,
		Proposed:  proposed,
		Projected: projected,
		Max:       ceiling,
	}
	if ceiling.IsZero() {
		ls.Percent = 100
	} else {
		ls.Percent, _ = projected.Div(ceiling).Mul(hundred).Round(2).Float64()
	}
	ls.Exceeded = current.GreaterThanOrEqual(ceiling) || projected.GreaterThan(ceiling)
	ls.Warning = !ls.Exceeded && ls.Percent >= threshold
	return ls
}

// notify sends an alert unless one was already sent for the same tenant,
// limit and window.
func (t *Tracker) notify(ctx context.Context, kind alert.Kind, tenantID, agentType string, l LimitStatus, now time.Time) {
	if t.markers != nil {
		key, ttl := alertMarker(kind, tenantID, agentType, l, now)
		n, err := t.markers.Increment(ctx, key, 1, ttl)
		if err != nil {
			slog.Warn("recording budget alert marker", "key", key, "error", err)
		} else if n > 1 {
			return
		}
	}
	t.alerts.Notify(ctx, alert.New(kind, map[string]any{
		"tenant_id":  tenantID,
		"agent_type": agentType,
		"limit":      l.Limit,
		"window":     l.Window,
		"current":    l.Current.String(),
		"projected":  l.Projected.String(),
		"max":        l.Max.String(),
		"percent":    l.Percent,
	}))
}

// alertMarker returns the counter key for an alert and a TTL lasting until
// the window ends.
func alertMarker(kind alert.Kind, tenantID, agentType string, l LimitStatus, now time.Time) (string, time.Duration) {
	var start, end time.Time
	if l.Window == WindowMonthly {
		start = MonthStart(now)
		end = start.AddDate(0, 1, 0)
	} else {
		start = DayStart(now)
		end = start.AddDate(0, 0, 1)
	}
	parts := []string{"warden", "budget", "alert", string(kind), tenantID, l.Limit, start.Format("2006-01-02")}
	if strings.HasPrefix(l.Limit, "agent_") {
		parts = append(parts, agentType)
	}
	ttl := end.Sub(now)
	if ttl <= 0 {
		ttl = time.Second
	}
	return strings.Join(parts, ":"), ttl
}
