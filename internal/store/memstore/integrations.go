package memstore

import (
	"context"
	"time"

	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
)

func (s *Store) GetIntegration(ctx context.Context, tenantID, id int64) (*models.NetworkIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.integrations[id]
	if !ok || in.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	cp := clone(in)
	cp.Config = rawOrEmpty(in.Config)
	return cp, nil
}

func (s *Store) GetEnabledIntegration(ctx context.Context, tenantID int64) (*models.NetworkIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sortedIDs(s.integrations) {
		in := s.integrations[id]
		if in.TenantID == tenantID && in.IsEnabled {
			cp := clone(in)
			cp.Config = rawOrEmpty(in.Config)
			return cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListIntegrations(ctx context.Context, tenantID int64) ([]models.NetworkIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.NetworkIntegration{}
	for _, id := range sortedIDs(s.integrations) {
		if in := s.integrations[id]; in.TenantID == tenantID {
			cp := *in
			cp.Config = rawOrEmpty(in.Config)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *Store) disableOthers(tenantID, keep int64, now time.Time) {
	for _, other := range s.integrations {
		if other.TenantID == tenantID && other.ID != keep && other.IsEnabled {
			other.IsEnabled = false
			other.UpdatedAt = now
		}
	}
}

func (s *Store) SaveIntegration(ctx context.Context, in *models.NetworkIntegration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[in.TenantID]; !ok {
		return store.ErrNotFound
	}
	now := s.now()
	if in.ID == 0 {
		in.ID = s.nextID()
		in.CreatedAt = now
	} else if cur, ok := s.integrations[in.ID]; !ok || cur.TenantID != in.TenantID {
		return store.ErrNotFound
	}
	in.UpdatedAt = now
	in.Config = rawOrEmpty(in.Config)
	if in.IsEnabled {
		s.disableOthers(in.TenantID, in.ID, now)
	}
	s.integrations[in.ID] = clone(in)
	return nil
}

func (s *Store) SetIntegrationEnabled(ctx context.Context, tenantID, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.integrations[id]
	if !ok || in.TenantID != tenantID {
		return store.ErrNotFound
	}
	now := s.now()
	if enabled {
		s.disableOthers(tenantID, id, now)
	}
	in.IsEnabled = enabled
	in.UpdatedAt = now
	return nil
}

func (s *Store) IntegrationInUse(ctx context.Context, tenantID, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.IntegrationID == id {
			return true, nil
		}
	}
	for _, l := range s.logs {
		if l.IntegrationID == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) RetireIntegration(ctx context.Context, tenantID, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.integrations[id]
	if !ok || in.TenantID != tenantID {
		return store.ErrNotFound
	}
	in.IsEnabled = false
	in.RetiredAt = ptr(at)
	in.UpdatedAt = at
	return nil
}

func (s *Store) DeleteIntegration(ctx context.Context, tenantID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.integrations[id]
	if !ok || in.TenantID != tenantID {
		return store.ErrNotFound
	}
	delete(s.integrations, id)
	return nil
}

func (s *Store) RecordIntegrationTest(ctx context.Context, tenantID, id int64, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.integrations[id]
	if !ok || in.TenantID != tenantID {
		return store.ErrNotFound
	}
	in.LastTestedAt = ptr(at)
	in.LastTestStatus = ptr(status)
	return nil
}
