package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrKeyNotFound is returned when no tenant key matches.
var ErrKeyNotFound = errors.New("tenant key not found")

// tenantKeyPrefix marks tenant keys; admin keys start with "warden_".
const tenantKeyPrefix = "wdn_"

// TenantKey is an API key bound to one tenant. Only the hash is stored.
type TenantKey struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Prefix    string    `json:"key_prefix"`
	Hash      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyStore persists tenant keys.
type KeyStore interface {
	CreateKey(ctx context.Context, k *TenantKey) error
	GetByKeyHash(ctx context.Context, hash string) (*TenantKey, error)
	ListKeys(ctx context.Context, tenantID string) ([]*TenantKey, error)
	DeleteKey(ctx context.Context, id string) error
}

// NewTenantKey generates a key for tenantID. The plaintext is returned once
// and never stored.
func NewTenantKey(tenantID, name string) (*TenantKey, string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, "", errors.New("tenant id is required")
	}
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return nil, "", fmt.Errorf("generating random bytes: %w", err)
	}
	plaintext := tenantKeyPrefix + base64.RawURLEncoding.EncodeToString(b)

	k := &TenantKey{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Name:     strings.TrimSpace(name),
		Prefix:   plaintext[:12],
		Hash:     HashKey(plaintext),
	}
	return k, plaintext, nil
}

// MemoryKeyStore is an in-process KeyStore.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*TenantKey // by id
	now  func() time.Time
}

// NewMemoryKeyStore creates an empty store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*TenantKey), now: time.Now}
}

func (s *MemoryKeyStore) CreateKey(_ context.Context, k *TenantKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; ok {
		return fmt.Errorf("creating tenant key: duplicate id %s", k.ID)
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = s.now().UTC()
	}
	c := *k
	s.keys[k.ID] = &c
	return nil
}

func (s *MemoryKeyStore) GetByKeyHash(_ context.Context, hash string) (*TenantKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			c := *k
			return &c, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryKeyStore) ListKeys(_ context.Context, tenantID string) ([]*TenantKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TenantKey
	for _, k := range s.keys {
		if k.TenantID == tenantID {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryKeyStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return ErrKeyNotFound
	}
	delete(s.keys, id)
	return nil
}
