package memstore

import (
	"context"
	"time"

	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
)

func (s *Store) InsertApiKey(ctx context.Context, k *models.ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[k.TenantID]; !ok {
		return store.ErrNotFound
	}
	for _, other := range s.apiKeys {
		if other.KeyHash == k.KeyHash {
			return store.ErrDuplicate
		}
	}
	k.ID = s.nextID()
	k.CreatedAt = s.now()
	s.apiKeys[k.ID] = clone(k)
	return nil
}

func (s *Store) GetApiKeyByHash(ctx context.Context, hash string) (*models.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.KeyHash == hash {
			return clone(k), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListApiKeys(ctx context.Context, tenantID int64) ([]models.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.ApiKey{}
	for _, id := range sortedIDs(s.apiKeys) {
		if k := s.apiKeys[id]; k.TenantID == tenantID {
			out = append(out, *k)
		}
	}
	return out, nil
}

// RevokeApiKey deactivates the key and returns its final state.
func (s *Store) RevokeApiKey(ctx context.Context, tenantID, id int64, at time.Time) (*models.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	k.IsActive = false
	if k.RevokedAt == nil {
		k.RevokedAt = ptr(at)
	}
	return clone(k), nil
}

func (s *Store) TouchApiKey(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		k.LastUsedAt = ptr(at)
	}
	return nil
}

func (s *Store) InsertApiLog(ctx context.Context, l *models.ApiLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.nextID()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	s.apiLogs = append(s.apiLogs, clone(l))
	return nil
}

// ListApiLogs returns the tenant's gateway audit rows newest first.
func (s *Store) ListApiLogs(ctx context.Context, tenantID int64, page store.Page) ([]models.ApiLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := []models.ApiLog{}
	for i := len(s.apiLogs) - 1; i >= 0; i-- {
		l := s.apiLogs[i]
		if l.TenantID != nil && *l.TenantID == tenantID {
			rows = append(rows, *l)
		}
	}
	return window(rows, page), nil
}

// ApiLogs returns every audit row in insertion order, including rows for
// requests that never resolved a tenant.
func (s *Store) ApiLogs() []models.ApiLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ApiLog, 0, len(s.apiLogs))
	for _, l := range s.apiLogs {
		out = append(out, *l)
	}
	return out
}
