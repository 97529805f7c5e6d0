// Package budget resolves per-tenant spending limits and enforces them
// against daily and monthly usage counters.
package budget

import (
	"errors"
	"fmt"
	"maps"

	"github.com/shopspring/decimal"

	"github.com/alecgard/warden/internal/config"
)

// Enforcement is how a budget reacts to an exceeded limit.
type Enforcement string

const (
	EnforcementNone Enforcement = "none"
	EnforcementSoft Enforcement = "soft"
	EnforcementHard Enforcement = "hard"
)

// ParseEnforcement parses an enforcement mode. The empty string is none.
func ParseEnforcement(s string) (Enforcement, error) {
	switch Enforcement(s) {
	case "", EnforcementNone:
		return EnforcementNone, nil
	case EnforcementSoft, EnforcementHard:
		return Enforcement(s), nil
	default:
		return "", fmt.Errorf("unknown enforcement %q", s)
	}
}

// DefaultWarningThreshold is the usage percentage at which warnings fire.
const DefaultWarningThreshold = 80.0

// Config is a fully resolved budget. A nil limit is unlimited; a missing
// per-agent entry is unlimited for that agent.
type Config struct {
	Enabled             bool                       `json:"enabled"`
	Enforcement         Enforcement                `json:"enforcement"`
	GlobalDailyCost     *decimal.Decimal           `json:"global_daily_cost"`
	GlobalMonthlyCost   *decimal.Decimal           `json:"global_monthly_cost"`
	PerAgentDailyCost   map[string]decimal.Decimal `json:"per_agent_daily_cost"`
	PerAgentMonthlyCost map[string]decimal.Decimal `json:"per_agent_monthly_cost"`
	DailyTokens         *int64                     `json:"daily_tokens"`
	MonthlyTokens       *int64                     `json:"monthly_tokens"`
	DailyExecutions     *int64                     `json:"daily_executions"`
	MonthlyExecutions   *int64                     `json:"monthly_executions"`
	WarningThreshold    float64                    `json:"warning_threshold"`
}

// Override is a partial budget. Nil fields inherit from the next source in
// the resolution chain. Per-agent maps are merged key by key.
type Override struct {
	Enabled             *bool                      `json:"enabled,omitempty"`
	Enforcement         *Enforcement               `json:"enforcement,omitempty"`
	GlobalDailyCost     *decimal.Decimal           `json:"global_daily_cost,omitempty"`
	GlobalMonthlyCost   *decimal.Decimal           `json:"global_monthly_cost,omitempty"`
	PerAgentDailyCost   map[string]decimal.Decimal `json:"per_agent_daily_cost,omitempty"`
	PerAgentMonthlyCost map[string]decimal.Decimal `json:"per_agent_monthly_cost,omitempty"`
	DailyTokens         *int64                     `json:"daily_tokens,omitempty"`
	MonthlyTokens       *int64                     `json:"monthly_tokens,omitempty"`
	DailyExecutions     *int64                     `json:"daily_executions,omitempty"`
	MonthlyExecutions   *int64                     `json:"monthly_executions,omitempty"`
	WarningThreshold    *float64                   `json:"warning_threshold,omitempty"`
}

// Validate rejects negative limits and unknown enforcement modes.
func (o *Override) Validate() error {
	if o == nil {
		return nil
	}
	if o.Enforcement != nil {
		if _, err := ParseEnforcement(string(*o.Enforcement)); err != nil {
			return err
		}
	}
	for name, v := range map[string]*decimal.Decimal{
		"global_daily_cost":   o.GlobalDailyCost,
		"global_monthly_cost": o.GlobalMonthlyCost,
	} {
		if v != nil && v.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	for name, m := range map[string]map[string]decimal.Decimal{
		"per_agent_daily_cost":   o.PerAgentDailyCost,
		"per_agent_monthly_cost": o.PerAgentMonthlyCost,
	} {
		for agent, v := range m {
			if v.IsNegative() {
				return fmt.Errorf("%s.%s must not be negative", name, agent)
			}
		}
	}
	for name, v := range map[string]*int64{
		"daily_tokens":       o.DailyTokens,
		"monthly_tokens":     o.MonthlyTokens,
		"daily_executions":   o.DailyExecutions,
		"monthly_executions": o.MonthlyExecutions,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if t := o.WarningThreshold; t != nil && (*t <= 0 || *t > 100) {
		return errors.New("warning_threshold must be in (0, 100]")
	}
	return nil
}

// apply layers the set fields of o over c.
func (c Config) apply(o *Override) Config {
	if o == nil {
		return c
	}
	if o.Enabled != nil {
		c.Enabled = *o.Enabled
	}
	if o.Enforcement != nil {
		c.Enforcement = *o.Enforcement
	}
	if o.GlobalDailyCost != nil {
		c.GlobalDailyCost = o.GlobalDailyCost
	}
	if o.GlobalMonthlyCost != nil {
		c.GlobalMonthlyCost = o.GlobalMonthlyCost
	}
	c.PerAgentDailyCost = mergeLimits(c.PerAgentDailyCost, o.PerAgentDailyCost)
	c.PerAgentMonthlyCost = mergeLimits(c.PerAgentMonthlyCost, o.PerAgentMonthlyCost)
	if o.DailyTokens != nil {
		c.DailyTokens = o.DailyTokens
	}
	if o.MonthlyTokens != nil {
		c.MonthlyTokens = o.MonthlyTokens
	}
	if o.DailyExecutions != nil {
		c.DailyExecutions = o.DailyExecutions
	}
	if o.MonthlyExecutions != nil {
		c.MonthlyExecutions = o.MonthlyExecutions
	}
	if o.WarningThreshold != nil {
		c.WarningThreshold = *o.WarningThreshold
	}
	return c
}

func mergeLimits(base, over map[string]decimal.Decimal) map[string]decimal.Decimal {
	if len(over) == 0 {
		return base
	}
	out := make(map[string]decimal.Decimal, len(base)+len(over))
	maps.Copy(out, base)
	maps.Copy(out, over)
	return out
}

// FromConfig builds the global budget from the budgets block of the
// configuration file.
func FromConfig(b config.BudgetsConfig) (Config, error) {
	enf, err := ParseEnforcement(b.Enforcement)
	if err != nil {
		return Config{}, fmt.Errorf("budgets: %w", err)
	}
	c := Config{
		Enabled:           b.IsEnabled(),
		Enforcement:       enf,
		GlobalDailyCost:   decimalPtr(b.GlobalDailyCost),
		GlobalMonthlyCost: decimalPtr(b.GlobalMonthlyCost),
		DailyTokens:       b.DailyTokens,
		MonthlyTokens:     b.MonthlyTokens,
		DailyExecutions:   b.DailyExecutions,
		MonthlyExecutions: b.MonthlyExecutions,
		WarningThreshold:  DefaultWarningThreshold,
	}
	if b.WarningThreshold != nil {
		c.WarningThreshold = *b.WarningThreshold
	}
	if len(b.PerAgentDailyCost) > 0 {
		c.PerAgentDailyCost = make(map[string]decimal.Decimal, len(b.PerAgentDailyCost))
		for agent, v := range b.PerAgentDailyCost {
			c.PerAgentDailyCost[agent] = decimal.NewFromFloat(v)
		}
	}
	if len(b.PerAgentMonthlyCost) > 0 {
		c.PerAgentMonthlyCost = make(map[string]decimal.Decimal, len(b.PerAgentMonthlyCost))
		for agent, v := range b.PerAgentMonthlyCost {
			c.PerAgentMonthlyCost[agent] = decimal.NewFromFloat(v)
		}
	}
	return c, nil
}

func decimalPtr(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}
