package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"isp-saas.com/netsync/internal/integration"
	"isp-saas.com/netsync/internal/metrics"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
	"isp-saas.com/netsync/pkg/logger"
)

// ErrTaskInFlight means another executor holds the task's
// (tenant, customer, integration) triple.
var ErrTaskInFlight = errors.New("sync already in flight for this customer and integration")

type ExecutorStore interface {
	GetCustomer(ctx context.Context, tenantID, id int64) (*models.Customer, error)
	GetPackage(ctx context.Context, tenantID, id int64) (*models.Package, error)
	InsertSyncLog(ctx context.Context, l *models.SyncLog) error
	UpdateCustomerSync(ctx context.Context, tenantID, customerID int64, at time.Time, status string) error
}

// Resolver turns an integration id into a usable provider.
// *integration.Registry implements it.
type Resolver interface {
	Resolve(ctx context.Context, tenantID, id int64) (*models.NetworkIntegration, error)
	Provider(in *models.NetworkIntegration) (integration.Provider, error)
	CallTimeout() time.Duration
}

type Executor struct {
	store    ExecutorStore
	queue    *Queue
	resolver Resolver
	locker   Locker
	backoff  Backoff
	metrics  *metrics.Collector
	logger   *logger.Logger
	now      func() time.Time
}

func NewExecutor(s ExecutorStore, q *Queue, r Resolver, l Locker, b Backoff, m *metrics.Collector, log *logger.Logger) *Executor {
	if l == nil {
		l = NewMemoryLocker()
	}
	return &Executor{
		store:    s,
		queue:    q,
		resolver: r,
		locker:   l,
		backoff:  b,
		metrics:  m,
		logger:   log,
		now:      time.Now,
	}
}

// attempt is what one execution learned before the task is settled.
type attempt struct {
	provider  string
	result    integration.Result
	retryable bool
}

// targetStatus is the connection status an action brings the router in line
// with. A queued enable or disable whose customer has since moved to another
// status is stale and must not reach the router.
var targetStatus = map[string]string{
	models.ActionEnable:  models.ConnectionActive,
	models.ActionDisable: models.ConnectionSuspended,
}

func configFault(msg string) attempt {
	return attempt{provider: "unknown", result: integration.Result{Message: msg}}
}

// Execute runs one attempt of an in_progress task and settles it: success,
// retrying with backoff, or failed. Every attempt that reaches the
// provider-resolution step writes exactly one SyncLog, returned here.
// Provider failures are reported through the log status, not the error.
func (e *Executor) Execute(ctx context.Context, task *models.SyncTask) (*models.SyncLog, error) {
	key := task.LockKey()
	lockTTL := e.resolver.CallTimeout() + 30*time.Second
	unlock, ok, err := e.locker.TryLock(ctx, lockKey(key), lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metrics.RecordInFlightRejection()
		return nil, ErrTaskInFlight
	}
	defer unlock()

	started := e.now()
	var customer *models.Customer
	att := e.run(ctx, task, &customer)
	completed := e.now()

	log := e.record(task, att, started, completed)
	if err := e.store.InsertSyncLog(ctx, log); err != nil {
		return nil, fmt.Errorf("write sync log for task %d: %w", task.ID, err)
	}

	status := models.TaskFailed
	if att.result.Success {
		status = models.TaskSuccess
	}
	if customer != nil {
		if err := e.store.UpdateCustomerSync(ctx, task.TenantID, customer.ID, completed, status); err != nil {
			e.logger.Warn("Failed to update customer sync status", "customer_id", customer.ID, "error", err)
		}
	}
	e.metrics.RecordSync(att.provider, task.Action, status, completed.Sub(started))

	if err := e.settle(ctx, task, att); err != nil {
		return log, fmt.Errorf("settle task %d: %w", task.ID, err)
	}
	return log, nil
}

func (e *Executor) run(ctx context.Context, task *models.SyncTask, customerOut **models.Customer) attempt {
	in, err := e.resolver.Resolve(ctx, task.TenantID, task.IntegrationID)
	if err != nil {
		if errors.Is(err, integration.ErrUnusable) {
			return configFault(err.Error())
		}
		return attempt{provider: "unknown", result: integration.Result{Message: err.Error()}, retryable: true}
	}

	var username, rateLimit string
	if task.Action != models.ActionTestConnection {
		if task.CustomerID == nil {
			return configFault("task has no customer")
		}
		c, err := e.store.GetCustomer(ctx, task.TenantID, *task.CustomerID)
		if errors.Is(err, store.ErrNotFound) {
			return configFault(fmt.Sprintf("customer %d not found", *task.CustomerID))
		}
		if err != nil {
			return attempt{provider: in.ProviderType, result: integration.Result{Message: err.Error()}, retryable: true}
		}
		*customerOut = c
		if want, ok := targetStatus[task.Action]; ok && c.ConnectionStatus != want {
			a := configFault(fmt.Sprintf("superseded: customer %d is %s", c.ID, c.ConnectionStatus))
			a.provider = in.ProviderType
			return a
		}
		username = c.Username()
		if username == "" {
			a := configFault(fmt.Sprintf("customer %d has no network_username", c.ID))
			a.provider = in.ProviderType
			return a
		}
		if task.Action == models.ActionUpdateSpeed {
			rateLimit, err = e.rateLimit(ctx, c)
			if err != nil {
				a := configFault(err.Error())
				a.provider = in.ProviderType
				return a
			}
		}
	}

	p, err := e.resolver.Provider(in)
	if err != nil {
		a := configFault(fmt.Sprintf("integration %d: %v", in.ID, err))
		a.provider = in.ProviderType
		return a
	}

	callCtx, cancel := context.WithTimeout(ctx, e.resolver.CallTimeout())
	defer cancel()
	res := integration.Dispatch(callCtx, p, task.Action, username, rateLimit)
	return attempt{provider: in.ProviderType, result: res, retryable: !res.Success}
}

// rateLimit renders the customer's package as "{up}M/{down}M".
func (e *Executor) rateLimit(ctx context.Context, c *models.Customer) (string, error) {
	if c.PackageID == nil {
		return "", fmt.Errorf("customer %d has no package", c.ID)
	}
	pkg, err := e.store.GetPackage(ctx, c.TenantID, *c.PackageID)
	if err != nil {
		return "", fmt.Errorf("package %d: %w", *c.PackageID, err)
	}
	return fmt.Sprintf("%dM/%dM", pkg.UploadMbps, pkg.DownloadMbps), nil
}

func snapshot(m map[string]any) json.RawMessage {
	if len(m) == 0 {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func (e *Executor) record(task *models.SyncTask, att attempt, started, completed time.Time) *models.SyncLog {
	l := &models.SyncLog{
		TenantID:        task.TenantID,
		IntegrationID:   task.IntegrationID,
		CustomerID:      task.CustomerID,
		Action:          task.Action,
		Status:          models.TaskSuccess,
		RequestPayload:  snapshot(att.result.Request),
		ResponsePayload: snapshot(att.result.Response),
		TriggeredBy:     task.TriggeredBy,
		StartedAt:       started,
		CompletedAt:     completed,
		DurationMs:      completed.Sub(started).Milliseconds(),
	}
	if task.ID != 0 {
		id := task.ID
		l.TaskID = &id
	}
	if !att.result.Success {
		l.Status = models.TaskFailed
		msg := att.result.Message
		l.ErrorMessage = &msg
	}
	return l
}

func (e *Executor) settle(ctx context.Context, task *models.SyncTask, att attempt) error {
	if att.result.Success {
		return e.queue.Mark(ctx, task, models.TaskSuccess, "")
	}

	msg := att.result.Message
	if !att.retryable || task.RetryCount >= task.MaxRetries {
		e.logger.Warn("Sync task failed",
			"task_id", task.ID,
			"tenant_id", task.TenantID,
			"action", task.Action,
			"retries", task.RetryCount,
			"error", msg,
		)
		return e.queue.Mark(ctx, task, models.TaskFailed, msg)
	}

	task.RetryCount++
	task.NextAttemptAt = e.now().Add(e.backoff.Delay(task.RetryCount))
	err := e.queue.Mark(ctx, task, models.TaskRetrying, msg)
	if errors.Is(err, store.ErrDuplicate) {
		task.RetryCount--
		return e.queue.Mark(ctx, task, models.TaskFailed, msg+" (coalesced into pending task)")
	}
	if err == nil {
		e.logger.Info("Sync task scheduled for retry",
			"task_id", task.ID,
			"retry", task.RetryCount,
			"next_attempt_at", task.NextAttemptAt,
		)
	}
	return err
}
