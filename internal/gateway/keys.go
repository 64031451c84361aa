package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/zeebo/blake3"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
)

const (
	keyPrefix    = "isp_"
	keyRandBytes = 24
	prefixLen    = 12
)

var (
	// ErrUnknownKey maps to 401.
	ErrUnknownKey = errors.New("invalid API key")
	// ErrKeyInactive maps to 403.
	ErrKeyInactive = errors.New("API key is inactive, revoked or expired")

	ErrInvalidKeyInput = errors.New("invalid API key request")
)

type KeyStore interface {
	InsertApiKey(ctx context.Context, k *models.ApiKey) error
	GetApiKeyByHash(ctx context.Context, hash string) (*models.ApiKey, error)
	ListApiKeys(ctx context.Context, tenantID int64) ([]models.ApiKey, error)
	RevokeApiKey(ctx context.Context, tenantID, id int64, at time.Time) (*models.ApiKey, error)
	TouchApiKey(ctx context.Context, id int64, at time.Time) error
}

// KeyService issues and verifies tenant API keys. Only a BLAKE3 hash of
// each secret is stored.
type KeyService struct {
	store KeyStore
	cache *expirable.LRU[string, models.ApiKey]
	now   func() time.Time
}

func NewKeyService(s KeyStore, cacheTTL time.Duration) *KeyService {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &KeyService{
		store: s,
		cache: expirable.NewLRU[string, models.ApiKey](4096, nil, cacheTTL),
		now:   time.Now,
	}
}

func HashKey(secret string) string {
	sum := blake3.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

type CreateKeyInput struct {
	Name      string     `json:"name"`
	Scope     string     `json:"scope"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedBy *int64     `json:"-"`
}

// Create issues a key. The returned secret is never stored and cannot be
// recovered later.
func (k *KeyService) Create(ctx context.Context, tenantID int64, in CreateKeyInput) (string, *models.ApiKey, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return "", nil, fmt.Errorf("%w: name is required", ErrInvalidKeyInput)
	}
	if in.Scope == "" {
		in.Scope = models.ScopeReadOnly
	}
	if in.Scope != models.ScopeReadOnly && in.Scope != models.ScopeReadWrite {
		return "", nil, fmt.Errorf("%w: invalid scope %q", ErrInvalidKeyInput, in.Scope)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(k.now()) {
		return "", nil, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidKeyInput)
	}

	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	secret := keyPrefix + hex.EncodeToString(raw)

	key := &models.ApiKey{
		TenantID:  tenantID,
		Name:      in.Name,
		KeyHash:   HashKey(secret),
		KeyPrefix: secret[:prefixLen],
		Scope:     in.Scope,
		IsActive:  true,
		ExpiresAt: in.ExpiresAt,
		CreatedBy: in.CreatedBy,
	}
	if err := k.store.InsertApiKey(ctx, key); err != nil {
		return "", nil, err
	}
	return secret, key, nil
}

func (k *KeyService) List(ctx context.Context, tenantID int64) ([]models.ApiKey, error) {
	return k.store.ListApiKeys(ctx, tenantID)
}

// Revoke deactivates a key and evicts it from this process's cache.
func (k *KeyService) Revoke(ctx context.Context, tenantID, id int64) (*models.ApiKey, error) {
	key, err := k.store.RevokeApiKey(ctx, tenantID, id, k.now())
	if err != nil {
		return nil, err
	}
	k.cache.Remove(key.KeyHash)
	return key, nil
}

// Authenticate resolves a presented secret. Unknown secrets yield
// ErrUnknownKey; known but unusable keys yield ErrKeyInactive with the key.
func (k *KeyService) Authenticate(ctx context.Context, secret string) (*models.ApiKey, error) {
	if !strings.HasPrefix(secret, keyPrefix) {
		return nil, ErrUnknownKey
	}
	hash := HashKey(secret)
	now := k.now()

	key, ok := k.cache.Get(hash)
	if !ok {
		stored, err := k.store.GetApiKeyByHash(ctx, hash)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownKey
		}
		if err != nil {
			return nil, err
		}
		key = *stored
		k.cache.Add(hash, key)
	}

	if !key.Usable(now) {
		return &key, ErrKeyInactive
	}
	if key.LastUsedAt == nil || now.Sub(*key.LastUsedAt) > time.Minute {
		if err := k.store.TouchApiKey(ctx, key.ID, now); err == nil {
			key.LastUsedAt = &now
			k.cache.Add(hash, key)
		}
	}
	return &key, nil
}
