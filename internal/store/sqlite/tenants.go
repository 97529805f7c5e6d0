package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/warden/internal/budget"
)

// TenantBudgetStore persists per-tenant budget overrides as JSON text.
type TenantBudgetStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewTenantBudgetStore(db *sql.DB) *TenantBudgetStore {
	return &TenantBudgetStore{db: db, now: time.Now}
}

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

func (s *TenantBudgetStore) Set(ctx context.Context, tenantID string, o *budget.Override) (*budget.TenantBudget, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o == nil {
		o = &budget.Override{}
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode tenant budget: %w", err)
	}
	now := s.now().UTC().UnixMicro()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenant_budgets (tenant_id, override, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET override = excluded.override, updated_at = excluded.updated_at`,
		tenantID, string(raw), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert tenant budget: %w", err)
	}
	return s.Get(ctx, tenantID)
}

func (s *TenantBudgetStore) Get(ctx context.Context, tenantID string) (*budget.TenantBudget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, override, created_at, updated_at FROM tenant_budgets WHERE tenant_id = ?`,
		tenantID,
	)
	tb, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, budget.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant budget: %w", err)
	}
	return tb, nil
}

func (s *TenantBudgetStore) Delete(ctx context.Context, tenantID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenant_budgets WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("delete tenant budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete tenant budget: %w", err)
	}
	if n == 0 {
		return budget.ErrTenantNotFound
	}
	return nil
}

func (s *TenantBudgetStore) List(ctx context.Context) ([]*budget.TenantBudget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, override, created_at, updated_at FROM tenant_budgets ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenant budgets: %w", err)
	}
	defer rows.Close()

	var out []*budget.TenantBudget
	for rows.Next() {
		tb, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant budget: %w", err)
		}
		out = append(out, tb)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(row scanner) (*budget.TenantBudget, error) {
	var (
		tb               budget.TenantBudget
		raw              string
		created, updated int64
	)
	if err := row.Scan(&tb.TenantID, &raw, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &tb.Override); err != nil {
		return nil, fmt.Errorf("decode tenant budget %s: %w", tb.TenantID, err)
	}
	tb.CreatedAt = time.UnixMicro(created).UTC()
	tb.UpdatedAt = time.UnixMicro(updated).UTC()
	return &tb, nil
}
