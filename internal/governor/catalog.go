// Package governor runs agent calls through budget checks and the
// reliability executor, then records spend and execution history.
package governor

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alecgard/warden/internal/breaker"
	"github.com/alecgard/warden/internal/cache"
	"github.com/alecgard/warden/internal/config"
	"github.com/alecgard/warden/internal/reliability"
	"github.com/alecgard/warden/internal/retry"
)

var (
	// ErrUnknownAgent is returned for an agent type with no definition.
	ErrUnknownAgent = errors.New("unknown agent type")
	// ErrNoBreaker is returned when an agent has no circuit breaker configured.
	ErrNoBreaker = errors.New("agent has no circuit breaker")
)

// Agent is an immutable, validated agent definition.
type Agent struct {
	Name         string
	Model        string
	Fallbacks    []string
	Policy       retry.Policy
	TotalTimeout time.Duration
	Breaker      *breaker.Config
}

// Plan builds the execution plan for one call. A non-empty model replaces
// the primary model; fallbacks are kept.
func (a Agent) Plan(tenantID, model string) reliability.Plan {
	primary := a.Model
	if model != "" {
		primary = model
	}
	models := make([]string, 0, 1+len(a.Fallbacks))
	models = append(models, primary)
	models = append(models, a.Fallbacks...)
	return reliability.Plan{
		AgentType:    a.Name,
		TenantID:     tenantID,
		Models:       models,
		Policy:       a.Policy,
		TotalTimeout: a.TotalTimeout,
		Breaker:      a.Breaker,
	}
}

// Catalog holds every configured agent. It is built once at startup.
type Catalog struct {
	agents map[string]Agent
}

// NewCatalog builds agents from cfg, merging each with the defaults block.
func NewCatalog(cfg *config.Config) (*Catalog, error) {
	c := &Catalog{agents: make(map[string]Agent, len(cfg.Agents))}
	for name := range cfg.Agents {
		ac, _ := cfg.Agent(name)
		a, err := buildAgent(name, ac)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		c.agents[name] = a
	}
	return c, nil
}

// NewCatalogFrom builds a catalog from ready agents.
func NewCatalogFrom(agents ...Agent) *Catalog {
	c := &Catalog{agents: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		c.agents[a.Name] = a
	}
	return c
}

// Lookup returns the agent named name.
func (c *Catalog) Lookup(name string) (Agent, error) {
	a, ok := c.agents[name]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return a, nil
}

// Names returns the agent names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.agents))
	for n := range c.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Breaker returns the breaker an execution of agentType would use for model
// and tenantID. It shares state with running executions through store.
func (c *Catalog) Breaker(store cache.Store, agentType, model, tenantID string) (*breaker.Breaker, error) {
	a, err := c.Lookup(agentType)
	if err != nil {
		return nil, err
	}
	if a.Breaker == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoBreaker, agentType)
	}
	key := breaker.Key{AgentType: a.Name, Model: model, TenantID: tenantID}
	return breaker.New(store, key, *a.Breaker, nil), nil
}

func buildAgent(name string, ac config.AgentConfig) (Agent, error) {
	r := ac.ReliabilityConfig
	pc := retry.PolicyConfig{
		Backoff:  retry.Backoff(r.Backoff),
		RetryOn:  r.RetryOn,
		Patterns: r.RetryPatterns,
	}
	if r.MaxRetries != nil {
		pc.MaxAttempts = *r.MaxRetries
	}
	if r.BaseDelay != nil {
		pc.BaseDelay = r.BaseDelay.Duration()
	}
	if r.MaxDelay != nil {
		pc.MaxDelay = r.MaxDelay.Duration()
	}
	policy, err := retry.NewPolicy(pc)
	if err != nil {
		return Agent{}, err
	}

	a := Agent{
		Name:      name,
		Model:     ac.Model,
		Fallbacks: append([]string(nil), r.FallbackModels...),
		Policy:    policy,
	}
	if r.TotalTimeout != nil {
		a.TotalTimeout = r.TotalTimeout.Duration()
	}
	if cb := r.CircuitBreaker; cb != nil {
		a.Breaker = &breaker.Config{
			Errors:   cb.Errors,
			Within:   time.Duration(cb.WithinSeconds) * time.Second,
			Cooldown: time.Duration(cb.CooldownSeconds) * time.Second,
		}
	}

	plan := a.Plan("", "")
	if err := plan.Validate(); err != nil {
		return Agent{}, err
	}
	return a, nil
}
