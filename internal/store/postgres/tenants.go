package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/warden/internal/budget"
)

// TenantBudgetStore persists per-tenant budget overrides as JSONB.
type TenantBudgetStore struct {
	pool *pgxpool.Pool
}

// NewTenantBudgetStore creates a store backed by the given pool.
func NewTenantBudgetStore(pool *pgxpool.Pool) *TenantBudgetStore {
	return &TenantBudgetStore{pool: pool}
}

// FindTenantBudget returns the stored override for tenantID, or nil when
// the tenant has none.
func (s *TenantBudgetStore) FindTenantBudget(ctx context.Context, tenantID string) (*budget.Override, error) {
	tb, err := s.Get(ctx, tenantID)
	if errors.Is(err, budget.ErrTenantNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tb.Override, nil
}

// Set upserts the override for tenantID.
func (s *TenantBudgetStore) Set(ctx context.Context, tenantID string, o *budget.Override) (*budget.TenantBudget, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o == nil {
		o = &budget.Override{}
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encoding tenant budget: %w", err)
	}

	var out []byte
	tb := &budget.TenantBudget{}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO tenant_budgets (tenant_id, override)
		 VALUES ($1, $2)
		 ON CONFLICT (tenant_id)
		 DO UPDATE SET override = EXCLUDED.override, updated_at = now()
		 RETURNING tenant_id, override, created_at, updated_at`,
		tenantID, raw,
	).Scan(&tb.TenantID, &out, &tb.CreatedAt, &tb.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upserting tenant budget: %w", err)
	}
	if err := json.Unmarshal(out, &tb.Override); err != nil {
		return nil, fmt.Errorf("decoding tenant budget: %w", err)
	}
	return tb, nil
}

// Get retrieves the override for tenantID.
func (s *TenantBudgetStore) Get(ctx context.Context, tenantID string) (*budget.TenantBudget, error) {
	var raw []byte
	tb := &budget.TenantBudget{}
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, override, created_at, updated_at
		 FROM tenant_budgets WHERE tenant_id = $1`,
		tenantID,
	).Scan(&tb.TenantID, &raw, &tb.CreatedAt, &tb.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, budget.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tenant budget: %w", err)
	}
	if err := json.Unmarshal(raw, &tb.Override); err != nil {
		return nil, fmt.Errorf("decoding tenant budget: %w", err)
	}
	return tb, nil
}

// Delete removes the override for tenantID.
func (s *TenantBudgetStore) Delete(ctx context.Context, tenantID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenant_budgets WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("deleting tenant budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return budget.ErrTenantNotFound
	}
	return nil
}

// List returns every stored override ordered by tenant.
func (s *TenantBudgetStore) List(ctx context.Context) ([]*budget.TenantBudget, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, override, created_at, updated_at
		 FROM tenant_budgets ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing tenant budgets: %w", err)
	}
	defer rows.Close()

	var out []*budget.TenantBudget
	for rows.Next() {
		var raw []byte
		tb := &budget.TenantBudget{}
		if err := rows.Scan(&tb.TenantID, &raw, &tb.CreatedAt, &tb.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning tenant budget row: %w", err)
		}
		if err := json.Unmarshal(raw, &tb.Override); err != nil {
			return nil, fmt.Errorf("decoding tenant budget %s: %w", tb.TenantID, err)
		}
		out = append(out, tb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant budget rows: %w", err)
	}
	return out, nil
}
