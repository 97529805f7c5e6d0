package budget

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTenantNotFound is returned when no budget is stored for a tenant.
var ErrTenantNotFound = errors.New("tenant budget not found")

// TenantBudget is a persisted per-tenant override.
type TenantBudget struct {
	TenantID  string    `json:"tenant_id"`
	Override  Override  `json:"budget"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TenantStore persists tenant overrides. FindTenantBudget returns nil, nil
// for an unknown tenant so it can serve directly as a resolver lookup.
type TenantStore interface {
	TenantLookup
	Set(ctx context.Context, tenantID string, o *Override) (*TenantBudget, error)
	Get(ctx context.Context, tenantID string) (*TenantBudget, error)
	Delete(ctx context.Context, tenantID string) error
	List(ctx context.Context) ([]*TenantBudget, error)
}

// MemoryTenantStore is a process-local TenantStore.
type MemoryTenantStore struct {
	mu   sync.RWMutex
	rows map[string]*TenantBudget
	now  func() time.Time
}

func NewMemoryTenantStore() *MemoryTenantStore {
	return &MemoryTenantStore{rows: make(map[string]*TenantBudget), now: time.Now}
}

func (s *MemoryTenantStore) FindTenantBudget(ctx context.Context, tenantID string) (*Override, error) {
	tb, err := s.Get(ctx, tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o := tb.Override
	return &o, nil
}

func (s *MemoryTenantStore) Set(_ context.Context, tenantID string, o *Override) (*TenantBudget, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	tb := &TenantBudget{TenantID: tenantID, CreatedAt: now, UpdatedAt: now}
	if prev, ok := s.rows[tenantID]; ok {
		tb.CreatedAt = prev.CreatedAt
	}
	if o != nil {
		tb.Override = *o
	}
	s.rows[tenantID] = tb
	cp := *tb
	return &cp, nil
}

func (s *MemoryTenantStore) Get(_ context.Context, tenantID string) (*TenantBudget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tb, ok := s.rows[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *tb
	return &cp, nil
}

func (s *MemoryTenantStore) Delete(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[tenantID]; !ok {
		return ErrTenantNotFound
	}
	delete(s.rows, tenantID)
	return nil
}

func (s *MemoryTenantStore) List(context.Context) ([]*TenantBudget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TenantBudget, 0, len(s.rows))
	for _, tb := range s.rows {
		cp := *tb
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}
