package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
)

const (
	taskCols = `id, tenant_id, integration_id, customer_id, action, status, retry_count, max_retries,
		next_attempt_at, started_at, last_error, triggered_by, created_at, updated_at`
	syncLogCols = `id, tenant_id, integration_id, customer_id, task_id, action, status, error_message,
		request_payload, response_payload, triggered_by, started_at, completed_at, duration_ms`

	// openTaskTarget names ux_sync_tasks_open for ON CONFLICT inference.
	openTaskTarget = `(tenant_id, (COALESCE(customer_id, 0)), integration_id, action) WHERE status IN ('pending', 'retrying')`
)

func nextAttempt(t *models.SyncTask) time.Time {
	if t.NextAttemptAt.IsZero() {
		return time.Now()
	}
	return t.NextAttemptAt
}

// EnqueueTask inserts t unless an open task already covers the same work,
// in which case t is overwritten with that task and created is false.
func (s *Store) EnqueueTask(ctx context.Context, t *models.SyncTask) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		err := s.db.GetContext(ctx, t, `
			INSERT INTO sync_tasks (tenant_id, integration_id, customer_id, action, status, retry_count, max_retries, next_attempt_at, triggered_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT `+openTaskTarget+` DO NOTHING
			RETURNING `+taskCols,
			t.TenantID, t.IntegrationID, t.CustomerID, t.Action, t.Status, t.RetryCount, t.MaxRetries, nextAttempt(t), t.TriggeredBy)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, mapErr(err)
		}

		err = s.db.GetContext(ctx, t, `
			SELECT `+taskCols+` FROM sync_tasks
			WHERE tenant_id = $1 AND COALESCE(customer_id, 0) = COALESCE($2::bigint, 0) AND integration_id = $3 AND action = $4
			  AND status IN ('pending', 'retrying')`,
			t.TenantID, t.CustomerID, t.IntegrationID, t.Action)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, mapErr(err)
		}
		// The twin was claimed between the two statements; try again.
	}
	return false, errors.New("enqueue kept racing with concurrent claims")
}

// InsertTask inserts t as given. Open tasks still honour the one-open-task
// index and fail with store.ErrDuplicate.
func (s *Store) InsertTask(ctx context.Context, t *models.SyncTask) error {
	err := s.db.GetContext(ctx, t, `
		INSERT INTO sync_tasks (tenant_id, integration_id, customer_id, action, status, retry_count, max_retries,
			next_attempt_at, started_at, last_error, triggered_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+taskCols,
		t.TenantID, t.IntegrationID, t.CustomerID, t.Action, t.Status, t.RetryCount, t.MaxRetries,
		nextAttempt(t), t.StartedAt, t.LastError, t.TriggeredBy)
	return mapErr(err)
}

func (s *Store) GetTask(ctx context.Context, tenantID, id int64) (*models.SyncTask, error) {
	var t models.SyncTask
	if err := s.db.GetContext(ctx, &t, `SELECT `+taskCols+` FROM sync_tasks WHERE id = $1 AND tenant_id = $2`, id, tenantID); err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

// UpdateTask persists the mutable task fields.
func (s *Store) UpdateTask(ctx context.Context, t *models.SyncTask) error {
	if t.RetryCount > t.MaxRetries {
		return errors.New("retry_count exceeds max_retries")
	}
	err := s.db.GetContext(ctx, &t.UpdatedAt, `
		UPDATE sync_tasks SET
			status = $3, retry_count = $4, next_attempt_at = $5, started_at = $6, last_error = $7, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING updated_at`,
		t.ID, t.TenantID, t.Status, t.RetryCount, t.NextAttemptAt, t.StartedAt, t.LastError)
	return mapErr(err)
}

// ClaimDueTasks moves up to limit due open tasks to in_progress, oldest
// first. SKIP LOCKED lets several workers claim concurrently without
// handing the same task out twice.
func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]models.SyncTask, error) {
	rows := []models.SyncTask{}
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE sync_tasks SET status = 'in_progress', started_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM sync_tasks
			WHERE status IN ('pending', 'retrying') AND next_attempt_at <= $1
			ORDER BY next_attempt_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED)
		RETURNING `+taskCols, now, limitArg(limit))
	if err != nil {
		return nil, mapErr(err)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].NextAttemptAt.Equal(rows[j].NextAttemptAt) {
			return rows[i].NextAttemptAt.Before(rows[j].NextAttemptAt)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows, nil
}

// RequeueStaleTasks returns in_progress tasks started before cutoff to
// pending. A task whose open twin already exists is failed instead.
func (s *Store) RequeueStaleTasks(ctx context.Context, cutoff time.Time) (int, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM sync_tasks
		WHERE status = 'in_progress' AND started_at < $1
		ORDER BY id`, cutoff)
	if err != nil {
		return 0, mapErr(err)
	}

	n := 0
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sync_tasks SET status = 'pending', next_attempt_at = NOW(), started_at = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'in_progress' AND started_at < $2`, id, cutoff)
		if err == nil {
			if k, _ := res.RowsAffected(); k > 0 {
				n++
			}
			continue
		}
		if !errors.Is(mapErr(err), store.ErrDuplicate) {
			return n, mapErr(err)
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE sync_tasks SET status = 'failed', started_at = NULL, updated_at = NOW(),
				last_error = 'abandoned by worker; superseded by pending task'
			WHERE id = $1 AND status = 'in_progress'`, id)
		if err != nil {
			return n, mapErr(err)
		}
	}
	return n, nil
}

func (s *Store) ListTasks(ctx context.Context, tenantID int64, f store.TaskFilter) ([]models.SyncTask, error) {
	w := &where{}
	w.add("tenant_id = ?", tenantID)
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.CustomerID != nil {
		w.add("customer_id = ?", *f.CustomerID)
	}
	rows := []models.SyncTask{}
	err := s.db.SelectContext(ctx, &rows, `SELECT `+taskCols+` FROM sync_tasks`+w.String()+` ORDER BY id DESC`+w.page(f.Page), w.args...)
	return rows, mapErr(err)
}

func (s *Store) InsertSyncLog(ctx context.Context, l *models.SyncLog) error {
	err := s.db.GetContext(ctx, &l.ID, `
		INSERT INTO sync_logs (tenant_id, integration_id, customer_id, task_id, action, status, error_message,
			request_payload, response_payload, triggered_by, started_at, completed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11, $12, $13)
		RETURNING id`,
		l.TenantID, l.IntegrationID, l.CustomerID, l.TaskID, l.Action, l.Status, l.ErrorMessage,
		jsonText(l.RequestPayload), jsonText(l.ResponsePayload), l.TriggeredBy, l.StartedAt, l.CompletedAt, l.DurationMs)
	return mapErr(err)
}

// ListSyncLogs returns logs newest first.
func (s *Store) ListSyncLogs(ctx context.Context, tenantID int64, f store.LogFilter) ([]models.SyncLog, error) {
	w := &where{}
	w.add("tenant_id = ?", tenantID)
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.IntegrationID != nil {
		w.add("integration_id = ?", *f.IntegrationID)
	}
	if f.CustomerID != nil {
		w.add("customer_id = ?", *f.CustomerID)
	}
	rows := []models.SyncLog{}
	err := s.db.SelectContext(ctx, &rows, `SELECT `+syncLogCols+` FROM sync_logs`+w.String()+` ORDER BY id DESC`+w.page(f.Page), w.args...)
	return rows, mapErr(err)
}
