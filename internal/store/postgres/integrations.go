package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"isp-saas.com/netsync/internal/models"
)

const integrationCols = `id, tenant_id, name, provider_type, is_enabled, host, port, username,
	credentials_encrypted, config, sync_mode, last_tested_at, last_test_status, retired_at, created_at, updated_at`

func (s *Store) GetIntegration(ctx context.Context, tenantID, id int64) (*models.NetworkIntegration, error) {
	var in models.NetworkIntegration
	err := s.db.GetContext(ctx, &in, `SELECT `+integrationCols+` FROM network_integrations WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &in, nil
}

func (s *Store) GetEnabledIntegration(ctx context.Context, tenantID int64) (*models.NetworkIntegration, error) {
	var in models.NetworkIntegration
	err := s.db.GetContext(ctx, &in, `SELECT `+integrationCols+` FROM network_integrations WHERE tenant_id = $1 AND is_enabled`, tenantID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &in, nil
}

func (s *Store) ListIntegrations(ctx context.Context, tenantID int64) ([]models.NetworkIntegration, error) {
	rows := []models.NetworkIntegration{}
	err := s.db.SelectContext(ctx, &rows, `SELECT `+integrationCols+` FROM network_integrations WHERE tenant_id = $1 ORDER BY id`, tenantID)
	return rows, mapErr(err)
}

func disableOthers(ctx context.Context, tx *sqlx.Tx, tenantID, keep int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE network_integrations SET is_enabled = FALSE, updated_at = NOW()
		WHERE tenant_id = $1 AND id <> $2 AND is_enabled`, tenantID, keep)
	return mapErr(err)
}

// SaveIntegration inserts (ID == 0) or updates in. Enabling it disables
// every other integration of the tenant in the same transaction.
func (s *Store) SaveIntegration(ctx context.Context, in *models.NetworkIntegration) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if in.IsEnabled {
			if err := disableOthers(ctx, tx, in.TenantID, in.ID); err != nil {
				return err
			}
		}
		if in.ID == 0 {
			err := tx.GetContext(ctx, in, `
				INSERT INTO network_integrations
					(tenant_id, name, provider_type, is_enabled, host, port, username, credentials_encrypted, config, sync_mode)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
				RETURNING `+integrationCols,
				in.TenantID, in.Name, in.ProviderType, in.IsEnabled, in.Host, in.Port, in.Username,
				in.CredentialsEncrypted, jsonText(in.Config), in.SyncMode)
			return mapErr(err)
		}
		err := tx.GetContext(ctx, in, `
			UPDATE network_integrations SET
				name = $3, provider_type = $4, is_enabled = $5, host = $6, port = $7, username = $8,
				credentials_encrypted = $9, config = $10::jsonb, sync_mode = $11, updated_at = NOW()
			WHERE id = $1 AND tenant_id = $2
			RETURNING `+integrationCols,
			in.ID, in.TenantID, in.Name, in.ProviderType, in.IsEnabled, in.Host, in.Port, in.Username,
			in.CredentialsEncrypted, jsonText(in.Config), in.SyncMode)
		return mapErr(err)
	})
}

func (s *Store) SetIntegrationEnabled(ctx context.Context, tenantID, id int64, enabled bool) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if enabled {
			if err := disableOthers(ctx, tx, tenantID, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE network_integrations SET is_enabled = $3, updated_at = NOW()
			WHERE id = $1 AND tenant_id = $2`, id, tenantID, enabled)
		return affected(res, err)
	})
}

// IntegrationInUse reports whether any task or log references the
// integration, in which case it can only be retired.
func (s *Store) IntegrationInUse(ctx context.Context, tenantID, id int64) (bool, error) {
	var used bool
	err := s.db.GetContext(ctx, &used, `
		SELECT EXISTS (SELECT 1 FROM sync_tasks WHERE integration_id = $1 AND tenant_id = $2)
		    OR EXISTS (SELECT 1 FROM sync_logs WHERE integration_id = $1 AND tenant_id = $2)`, id, tenantID)
	return used, mapErr(err)
}

func (s *Store) RetireIntegration(ctx context.Context, tenantID, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE network_integrations SET is_enabled = FALSE, retired_at = $3, updated_at = $3
		WHERE id = $1 AND tenant_id = $2`, id, tenantID, at)
	return affected(res, err)
}

func (s *Store) DeleteIntegration(ctx context.Context, tenantID, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM network_integrations WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return affected(res, err)
}

func (s *Store) RecordIntegrationTest(ctx context.Context, tenantID, id int64, status string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE network_integrations SET last_tested_at = $3, last_test_status = $4
		WHERE id = $1 AND tenant_id = $2`, id, tenantID, at, status)
	return affected(res, err)
}
