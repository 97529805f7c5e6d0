package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/warden/internal/auth"
)

// KeyStore persists tenant API keys. Only hashes are stored.
type KeyStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewKeyStore(db *sql.DB) *KeyStore {
	return &KeyStore{db: db, now: time.Now}
}

func (s *KeyStore) CreateKey(ctx context.Context, k *auth.TenantKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_api_keys (id, tenant_id, name, key_prefix, key_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		k.ID, k.TenantID, k.Name, k.Prefix, k.Hash, k.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert tenant key: %w", err)
	}
	return nil
}

func (s *KeyStore) GetByKeyHash(ctx context.Context, hash string) (*auth.TenantKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, key_prefix, key_hash, created_at
		 FROM tenant_api_keys WHERE key_hash = ?`,
		hash,
	)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant key: %w", err)
	}
	return k, nil
}

func (s *KeyStore) ListKeys(ctx context.Context, tenantID string) ([]*auth.TenantKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, key_prefix, key_hash, created_at
		 FROM tenant_api_keys WHERE tenant_id = ? ORDER BY created_at, id`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tenant keys: %w", err)
	}
	defer rows.Close()

	var out []*auth.TenantKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *KeyStore) DeleteKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenant_api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete tenant key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete tenant key: %w", err)
	}
	if n == 0 {
		return auth.ErrKeyNotFound
	}
	return nil
}

func scanKey(row scanner) (*auth.TenantKey, error) {
	var (
		k       auth.TenantKey
		created int64
	)
	if err := row.Scan(&k.ID, &k.TenantID, &k.Name, &k.Prefix, &k.Hash, &created); err != nil {
		return nil, err
	}
	k.CreatedAt = time.UnixMicro(created).UTC()
	return &k, nil
}
