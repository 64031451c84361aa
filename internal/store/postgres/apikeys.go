package postgres

import (
	"context"
	"time"

	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
)

const (
	apiKeyCols = `id, tenant_id, name, key_hash, key_prefix, scope, is_active, expires_at, revoked_at,
		last_used_at, created_by, created_at`
	apiLogCols = `id, request_id, api_key_id, tenant_id, endpoint, method, status_code, latency_ms,
		ip_address, user_agent, error_message, created_at`
)

func (s *Store) InsertApiKey(ctx context.Context, k *models.ApiKey) error {
	err := s.db.GetContext(ctx, k, `
		INSERT INTO api_keys (tenant_id, name, key_hash, key_prefix, scope, is_active, expires_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+apiKeyCols,
		k.TenantID, k.Name, k.KeyHash, k.KeyPrefix, k.Scope, k.IsActive, k.ExpiresAt, k.CreatedBy)
	return mapErr(err)
}

func (s *Store) GetApiKeyByHash(ctx context.Context, hash string) (*models.ApiKey, error) {
	var k models.ApiKey
	if err := s.db.GetContext(ctx, &k, `SELECT `+apiKeyCols+` FROM api_keys WHERE key_hash = $1`, hash); err != nil {
		return nil, mapErr(err)
	}
	return &k, nil
}

func (s *Store) ListApiKeys(ctx context.Context, tenantID int64) ([]models.ApiKey, error) {
	rows := []models.ApiKey{}
	err := s.db.SelectContext(ctx, &rows, `SELECT `+apiKeyCols+` FROM api_keys WHERE tenant_id = $1 ORDER BY id`, tenantID)
	return rows, mapErr(err)
}

// RevokeApiKey deactivates the key and returns its final state.
func (s *Store) RevokeApiKey(ctx context.Context, tenantID, id int64, at time.Time) (*models.ApiKey, error) {
	var k models.ApiKey
	err := s.db.GetContext(ctx, &k, `
		UPDATE api_keys SET is_active = FALSE, revoked_at = COALESCE(revoked_at, $3)
		WHERE id = $1 AND tenant_id = $2
		RETURNING `+apiKeyCols, id, tenantID, at)
	if err != nil {
		return nil, mapErr(err)
	}
	return &k, nil
}

func (s *Store) TouchApiKey(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	return mapErr(err)
}

func (s *Store) InsertApiLog(ctx context.Context, l *models.ApiLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	err := s.db.GetContext(ctx, &l.ID, `
		INSERT INTO api_logs (request_id, api_key_id, tenant_id, endpoint, method, status_code, latency_ms,
			ip_address, user_agent, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		l.RequestID, l.ApiKeyID, l.TenantID, l.Endpoint, l.Method, l.StatusCode, l.LatencyMs,
		l.IPAddress, l.UserAgent, l.ErrorMessage, l.CreatedAt)
	return mapErr(err)
}

// ListApiLogs returns the tenant's gateway audit rows newest first.
func (s *Store) ListApiLogs(ctx context.Context, tenantID int64, page store.Page) ([]models.ApiLog, error) {
	page = page.Normalize()
	rows := []models.ApiLog{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+apiLogCols+` FROM api_logs
		WHERE tenant_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`, tenantID, page.Limit, page.Offset)
	return rows, mapErr(err)
}
