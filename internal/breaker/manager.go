package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/alecgard/warden/internal/alert"
	"github.com/alecgard/warden/internal/cache"
)

// Manager hands out breakers for one execution: one agent type and tenant,
// any number of models. Breakers are created lazily and cached for the life
// of the manager. A manager without a config is disabled and reports every
// breaker closed.
type Manager struct {
	store     cache.Store
	cfg       *Config
	agentType string
	tenantID  string
	alerts    alert.Sink
	now       func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager creates a manager. cfg nil disables breaking.
func NewManager(store cache.Store, cfg *Config, agentType, tenantID string, alerts alert.Sink) *Manager {
	return &Manager{
		store:     store,
		cfg:       cfg,
		agentType: agentType,
		tenantID:  tenantID,
		alerts:    alerts,
		now:       time.Now,
		breakers:  make(map[string]*Breaker),
	}
}

// Enabled reports whether breakers are configured.
func (m *Manager) Enabled() bool {
	return m.cfg != nil && m.store != nil
}

// For returns the breaker for model, or nil when the manager is disabled.
func (m *Manager) For(model string) *Breaker {
	if !m.Enabled() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[model]
	if !ok {
		b = New(m.store, Key{AgentType: m.agentType, Model: model, TenantID: m.tenantID}, *m.cfg, m.alerts)
		b.now = m.now
		m.breakers[model] = b
	}
	return b
}

// IsOpen reports whether the breaker for model is open.
func (m *Manager) IsOpen(ctx context.Context, model string) (bool, error) {
	b := m.For(model)
	if b == nil {
		return false, nil
	}
	return b.IsOpen(ctx)
}

// RecordFailure records a failure for model. It is a no-op when disabled.
func (m *Manager) RecordFailure(ctx context.Context, model string) (bool, error) {
	b := m.For(model)
	if b == nil {
		return false, nil
	}
	return b.RecordFailure(ctx)
}

// RecordSuccess records a success for model. It is a no-op when disabled.
func (m *Manager) RecordSuccess(ctx context.Context, model string) error {
	b := m.For(model)
	if b == nil {
		return nil
	}
	return b.RecordSuccess(ctx)
}

// WithClock sets the time source used for cooldown deadlines.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}
