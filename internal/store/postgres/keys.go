package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/warden/internal/auth"
)

// KeyStore persists tenant API keys. Only hashes are stored.
type KeyStore struct {
	pool *pgxpool.Pool
}

// NewKeyStore creates a key store backed by the given pool.
func NewKeyStore(pool *pgxpool.Pool) *KeyStore {
	return &KeyStore{pool: pool}
}

// CreateKey inserts k and fills in its creation time.
func (s *KeyStore) CreateKey(ctx context.Context, k *auth.TenantKey) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tenant_api_keys (id, tenant_id, name, key_prefix, key_hash)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		k.ID, k.TenantID, k.Name, k.Prefix, k.Hash,
	).Scan(&k.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating tenant key: %w", err)
	}
	return nil
}

// GetByKeyHash retrieves a key by its hash, used for authentication.
func (s *KeyStore) GetByKeyHash(ctx context.Context, hash string) (*auth.TenantKey, error) {
	k := &auth.TenantKey{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, key_prefix, key_hash, created_at
		 FROM tenant_api_keys WHERE key_hash = $1`,
		hash,
	).Scan(&k.ID, &k.TenantID, &k.Name, &k.Prefix, &k.Hash, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tenant key by hash: %w", err)
	}
	return k, nil
}

// ListKeys returns the keys issued to tenantID, oldest first.
func (s *KeyStore) ListKeys(ctx context.Context, tenantID string) ([]*auth.TenantKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_prefix, key_hash, created_at
		 FROM tenant_api_keys WHERE tenant_id = $1
		 ORDER BY created_at, id`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing tenant keys: %w", err)
	}
	defer rows.Close()

	var out []*auth.TenantKey
	for rows.Next() {
		k := &auth.TenantKey{}
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.Prefix, &k.Hash, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning tenant key row: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant key rows: %w", err)
	}
	return out, nil
}

// DeleteKey revokes the key with the given id.
func (s *KeyStore) DeleteKey(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenant_api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting tenant key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrKeyNotFound
	}
	return nil
}
