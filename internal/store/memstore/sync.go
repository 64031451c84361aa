package memstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
)

func isOpen(status string) bool {
	return status == models.TaskPending || status == models.TaskRetrying
}

func sameWork(a, b *models.SyncTask) bool {
	return a.LockKey() == b.LockKey() && a.Action == b.Action
}

// openTwin returns another open task for the same triple and action.
func (s *Store) openTwin(t *models.SyncTask) *models.SyncTask {
	for _, other := range s.tasks {
		if other.ID != t.ID && isOpen(other.Status) && sameWork(other, t) {
			return other
		}
	}
	return nil
}

// EnqueueTask inserts t unless an open task already covers the same work,
// in which case t is overwritten with that task and created is false.
func (s *Store) EnqueueTask(ctx context.Context, t *models.SyncTask) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if twin := s.openTwin(t); twin != nil {
		*t = *twin
		return false, nil
	}
	s.insertTask(t)
	return true, nil
}

// InsertTask inserts t as given. Open tasks still honour the one-open-task
// rule and fail with store.ErrDuplicate.
func (s *Store) InsertTask(ctx context.Context, t *models.SyncTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isOpen(t.Status) && s.openTwin(t) != nil {
		return store.ErrDuplicate
	}
	s.insertTask(t)
	return nil
}

func (s *Store) insertTask(t *models.SyncTask) {
	now := s.now()
	t.ID = s.nextID()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.NextAttemptAt.IsZero() {
		t.NextAttemptAt = now
	}
	s.tasks[t.ID] = clone(t)
}

func (s *Store) GetTask(ctx context.Context, tenantID, id int64) (*models.SyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return clone(t), nil
}

// UpdateTask persists the mutable task fields.
func (s *Store) UpdateTask(ctx context.Context, t *models.SyncTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok || cur.TenantID != t.TenantID {
		return store.ErrNotFound
	}
	if t.RetryCount > t.MaxRetries {
		return errors.New("retry_count exceeds max_retries")
	}
	if isOpen(t.Status) && s.openTwin(t) != nil {
		return store.ErrDuplicate
	}
	t.UpdatedAt = s.now()
	cur.Status = t.Status
	cur.RetryCount = t.RetryCount
	cur.NextAttemptAt = t.NextAttemptAt
	cur.StartedAt = clone(t.StartedAt)
	cur.LastError = clone(t.LastError)
	cur.UpdatedAt = t.UpdatedAt
	return nil
}

// ClaimDueTasks moves up to limit due open tasks to in_progress, oldest
// first, and returns them.
func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]models.SyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*models.SyncTask
	for _, t := range s.tasks {
		if isOpen(t.Status) && !t.NextAttemptAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]models.SyncTask, 0, len(due))
	for _, t := range due {
		t.Status = models.TaskInProgress
		t.StartedAt = ptr(now)
		t.UpdatedAt = now
		out = append(out, *t)
	}
	return out, nil
}

// RequeueStaleTasks returns in_progress tasks started before cutoff to
// pending. A task whose open twin already exists is failed instead.
func (s *Store) RequeueStaleTasks(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, id := range sortedIDs(s.tasks) {
		t := s.tasks[id]
		if t.Status != models.TaskInProgress || t.StartedAt == nil || !t.StartedAt.Before(cutoff) {
			continue
		}
		if s.openTwin(t) != nil {
			t.Status = models.TaskFailed
			t.LastError = ptr("abandoned by worker; superseded by pending task")
		} else {
			t.Status = models.TaskPending
			t.NextAttemptAt = now
			n++
		}
		t.StartedAt = nil
		t.UpdatedAt = now
	}
	return n, nil
}

func (s *Store) ListTasks(ctx context.Context, tenantID int64, f store.TaskFilter) ([]models.SyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := sortedIDs(s.tasks)
	rows := []models.SyncTask{}
	for i := len(ids) - 1; i >= 0; i-- {
		t := s.tasks[ids[i]]
		if t.TenantID != tenantID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.CustomerID != nil && (t.CustomerID == nil || *t.CustomerID != *f.CustomerID) {
			continue
		}
		rows = append(rows, *t)
	}
	return window(rows, f.Page), nil
}

func (s *Store) InsertSyncLog(ctx context.Context, l *models.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.nextID()
	cp := clone(l)
	cp.RequestPayload = rawOrEmpty(l.RequestPayload)
	cp.ResponsePayload = rawOrEmpty(l.ResponsePayload)
	s.logs = append(s.logs, cp)
	return nil
}

// ListSyncLogs returns logs newest first.
func (s *Store) ListSyncLogs(ctx context.Context, tenantID int64, f store.LogFilter) ([]models.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := []models.SyncLog{}
	for i := len(s.logs) - 1; i >= 0; i-- {
		l := s.logs[i]
		if l.TenantID != tenantID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.IntegrationID != nil && l.IntegrationID != *f.IntegrationID {
			continue
		}
		if f.CustomerID != nil && (l.CustomerID == nil || *l.CustomerID != *f.CustomerID) {
			continue
		}
		rows = append(rows, *l)
	}
	return window(rows, f.Page), nil
}
