package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"isp-saas.com/netsync/internal/integration"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/pkg/logger"
)

// EnabledSource finds the tenant's active integration.
// *integration.Registry implements it.
type EnabledSource interface {
	GetEnabled(ctx context.Context, tenantID int64) (*models.NetworkIntegration, error)
}

// Service is the entry point for callers outside the worker pool: operator
// actions, payments and the auto-suspend job.
type Service struct {
	queue    *Queue
	executor *Executor
	source   EnabledSource
	logger   *logger.Logger
}

func NewService(q *Queue, e *Executor, src EnabledSource, log *logger.Logger) *Service {
	return &Service{queue: q, executor: e, source: src, logger: log}
}

func (s *Service) Queue() *Queue { return s.queue }

// requeueDelay is how long a task that lost the in-flight race waits before
// a worker picks it up again.
const requeueDelay = 5 * time.Second

// SyncNow creates an immediate task and executes it in the caller's
// goroutine. When the triple is already in flight the task is handed to the
// backlog and ErrTaskInFlight is returned with the task.
func (s *Service) SyncNow(ctx context.Context, spec TaskSpec) (*models.SyncLog, *models.SyncTask, error) {
	task, err := s.queue.Immediate(ctx, spec)
	if err != nil {
		return nil, nil, err
	}
	log, err := s.executor.Execute(ctx, task)
	if errors.Is(err, ErrTaskInFlight) {
		if rerr := s.queue.Release(ctx, task, requeueDelay); rerr != nil {
			return nil, task, fmt.Errorf("requeue task %d: %w", task.ID, rerr)
		}
		return nil, task, err
	}
	return log, task, err
}

// OnStateChange enqueues action for the customer when the tenant's enabled
// integration syncs automatically. It returns nil without error when there
// is nothing to do: no enabled integration, manual sync mode or no network
// identity.
func (s *Service) OnStateChange(ctx context.Context, c *models.Customer, action, triggeredBy string) (*models.SyncTask, error) {
	if c.Username() == "" {
		return nil, nil
	}
	in, err := s.source.GetEnabled(ctx, c.TenantID)
	if errors.Is(err, integration.ErrNoIntegration) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if in.SyncMode == models.SyncModeManual {
		return nil, nil
	}
	customerID := c.ID
	task, created, err := s.queue.Enqueue(ctx, TaskSpec{
		TenantID:      c.TenantID,
		IntegrationID: in.ID,
		CustomerID:    &customerID,
		Action:        action,
		TriggeredBy:   triggeredBy,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Sync task queued",
		"task_id", task.ID,
		"tenant_id", c.TenantID,
		"customer_id", c.ID,
		"action", action,
		"coalesced", !created,
	)
	return task, nil
}

// Retry starts a fresh task with the same target as a failed one. The
// failed task itself stays terminal.
func (s *Service) Retry(ctx context.Context, tenantID, taskID int64, triggeredBy string) (*models.SyncTask, error) {
	old, err := s.queue.Get(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if old.Status != models.TaskFailed {
		return nil, fmt.Errorf("task %d is %s; only failed tasks can be retried", old.ID, old.Status)
	}
	task, _, err := s.queue.Enqueue(ctx, TaskSpec{
		TenantID:      old.TenantID,
		IntegrationID: old.IntegrationID,
		CustomerID:    old.CustomerID,
		Action:        old.Action,
		TriggeredBy:   triggeredBy,
	})
	return task, err
}
