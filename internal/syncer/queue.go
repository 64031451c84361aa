package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"isp-saas.com/netsync/internal/metrics"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
)

type QueueStore interface {
	EnqueueTask(ctx context.Context, t *models.SyncTask) (created bool, err error)
	InsertTask(ctx context.Context, t *models.SyncTask) error
	GetTask(ctx context.Context, tenantID, id int64) (*models.SyncTask, error)
	UpdateTask(ctx context.Context, t *models.SyncTask) error
	ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]models.SyncTask, error)
	RequeueStaleTasks(ctx context.Context, cutoff time.Time) (int, error)
}

// TaskSpec names the work a task performs.
type TaskSpec struct {
	TenantID      int64
	IntegrationID int64
	CustomerID    *int64
	Action        string
	TriggeredBy   string
}

func (s TaskSpec) validate() error {
	if !models.ValidAction(s.Action) {
		return fmt.Errorf("invalid action %q", s.Action)
	}
	if s.CustomerID == nil && s.Action != models.ActionTestConnection {
		return fmt.Errorf("action %s requires a customer", s.Action)
	}
	return nil
}

func (s TaskSpec) task(maxRetries int) *models.SyncTask {
	by := s.TriggeredBy
	if by == "" {
		by = "system"
	}
	return &models.SyncTask{
		TenantID:      s.TenantID,
		IntegrationID: s.IntegrationID,
		CustomerID:    s.CustomerID,
		Action:        s.Action,
		MaxRetries:    maxRetries,
		TriggeredBy:   by,
	}
}

// Queue is the durable backlog of sync work.
type Queue struct {
	store      QueueStore
	maxRetries int
	metrics    *metrics.Collector
	now        func() time.Time
}

func NewQueue(s QueueStore, maxRetries int, m *metrics.Collector) *Queue {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Queue{store: s, maxRetries: maxRetries, metrics: m, now: time.Now}
}

// Enqueue adds a pending task, or returns the open task that already covers
// the same (tenant, customer, integration, action); created reports which.
func (q *Queue) Enqueue(ctx context.Context, spec TaskSpec) (task *models.SyncTask, created bool, err error) {
	if err := spec.validate(); err != nil {
		return nil, false, err
	}
	t := spec.task(q.maxRetries)
	t.Status = models.TaskPending
	t.NextAttemptAt = q.now()
	created, err = q.store.EnqueueTask(ctx, t)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s: %w", spec.Action, err)
	}
	return t, created, nil
}

// Immediate creates a task that is already in_progress so the caller can
// execute it right away without waiting for a worker.
func (q *Queue) Immediate(ctx context.Context, spec TaskSpec) (*models.SyncTask, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	now := q.now()
	t := spec.task(q.maxRetries)
	t.Status = models.TaskInProgress
	t.NextAttemptAt = now
	t.StartedAt = &now
	if err := q.store.InsertTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create %s task: %w", spec.Action, err)
	}
	return t, nil
}

// DequeueBatch claims up to limit due pending/retrying tasks.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]models.SyncTask, error) {
	tasks, err := q.store.ClaimDueTasks(ctx, q.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	q.metrics.RecordClaimed(len(tasks))
	return tasks, nil
}

// Mark persists a status transition.
func (q *Queue) Mark(ctx context.Context, t *models.SyncTask, status string, lastError string) error {
	t.Status = status
	if lastError == "" {
		t.LastError = nil
	} else {
		t.LastError = &lastError
	}
	if status != models.TaskInProgress && status != models.TaskSuccess && status != models.TaskFailed {
		t.StartedAt = nil
	}
	return q.store.UpdateTask(ctx, t)
}

// Release hands a claimed task back without spending a retry. Used when
// another executor holds the same triple. If an open task for the same work
// appeared meanwhile, t is folded into it and marked failed.
func (q *Queue) Release(ctx context.Context, t *models.SyncTask, delay time.Duration) error {
	status := models.TaskPending
	if t.RetryCount > 0 {
		status = models.TaskRetrying
	}
	t.NextAttemptAt = q.now().Add(delay)
	err := q.Mark(ctx, t, status, "")
	if errors.Is(err, store.ErrDuplicate) {
		return q.Mark(ctx, t, models.TaskFailed, "coalesced into pending task")
	}
	return err
}

// SweepStale requeues tasks left in_progress longer than liveness, which is
// what a crashed worker leaves behind.
func (q *Queue) SweepStale(ctx context.Context, liveness time.Duration) (int, error) {
	n, err := q.store.RequeueStaleTasks(ctx, q.now().Add(-liveness))
	if err != nil {
		return 0, fmt.Errorf("sweep stale tasks: %w", err)
	}
	q.metrics.RecordSwept(n)
	return n, nil
}

func (q *Queue) Get(ctx context.Context, tenantID, id int64) (*models.SyncTask, error) {
	return q.store.GetTask(ctx, tenantID, id)
}
