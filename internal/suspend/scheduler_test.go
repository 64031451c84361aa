package suspend

import (
	"context"
	"sync"
	"testing"
	"time"

	"isp-saas.com/netsync/internal/integration"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
	"isp-saas.com/netsync/internal/store/memstore"
	"isp-saas.com/netsync/internal/syncer"
	"isp-saas.com/netsync/pkg/logger"
)

type router struct {
	mu       sync.Mutex
	disabled []string
	down     bool
}

func (r *router) Type() string { return models.ProviderMikrotik }
func (r *router) Enable(ctx context.Context, u string) integration.Result {
	return integration.Result{Success: true}
}
func (r *router) Disable(ctx context.Context, u string) integration.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return integration.Result{Message: "dial tcp 10.0.0.1:8728: connection refused"}
	}
	r.disabled = append(r.disabled, u)
	return integration.Result{Success: true, Message: "disabled"}
}
func (r *router) UpdateSpeed(ctx context.Context, u, rate string) integration.Result {
	return integration.Result{Success: true}
}
func (r *router) TestConnection(ctx context.Context) integration.Result {
	return integration.Result{Success: true}
}

type env struct {
	store     *memstore.Store
	registry  *integration.Registry
	router    *router
	scheduler *Scheduler
	now       time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := memstore.New()
	sealer, _ := integration.NewSealer(make([]byte, 32))
	reg := integration.NewRegistry(st, sealer, integration.Options{CallTimeout: time.Second})
	rt := &router{}
	reg.Register(models.ProviderMikrotik, func(*models.NetworkIntegration, integration.Credentials, time.Duration) (integration.Provider, error) {
		return rt, nil
	})

	log := logger.NewNop()
	q := syncer.NewQueue(st, 3, nil)
	ex := syncer.NewExecutor(st, q, reg, nil, syncer.DefaultBackoff(), nil, log)
	svc := syncer.NewService(q, ex, reg, log)

	now := time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC)
	sch := NewScheduler(st, reg, svc, nil, log)
	sch.now = func() time.Time { return now }
	return &env{store: st, registry: reg, router: rt, scheduler: sch, now: now}
}

func (e *env) tenant(t *testing.T, days int) *models.Tenant {
	t.Helper()
	tn := &models.Tenant{Name: "ISP", AutoSuspendDays: days}
	if err := e.store.CreateTenant(context.Background(), tn); err != nil {
		t.Fatal(err)
	}
	return tn
}

func (e *env) customer(t *testing.T, tenantID int64, username string) *models.Customer {
	t.Helper()
	c := &models.Customer{TenantID: tenantID, Name: "c", ConnectionStatus: models.ConnectionActive}
	if username != "" {
		c.NetworkUsername = &username
	}
	if err := e.store.CreateCustomer(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func (e *env) bill(t *testing.T, tenantID, customerID int64, status string, daysAgo int) {
	t.Helper()
	b := &models.Bill{TenantID: tenantID, CustomerID: customerID, Amount: 25, Status: status, DueDate: e.now.AddDate(0, 0, -daysAgo)}
	if err := e.store.CreateBill(context.Background(), b); err != nil {
		t.Fatal(err)
	}
}

func (e *env) integration(t *testing.T, tenantID int64) *models.NetworkIntegration {
	t.Helper()
	in, err := e.registry.Upsert(context.Background(), tenantID, integration.UpsertInput{
		Name: "core", ProviderType: models.ProviderMikrotik, Host: "10.0.0.1",
		SyncMode: models.SyncModeScheduled, IsEnabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return in
}

func (e *env) status(t *testing.T, tenantID, customerID int64) string {
	t.Helper()
	c, err := e.store.GetCustomer(context.Background(), tenantID, customerID)
	if err != nil {
		t.Fatal(err)
	}
	return c.ConnectionStatus
}

func TestRunSuspendsOverdueCustomerAndDisables(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tn := e.tenant(t, 7)
	c := e.customer(t, tn.ID, "user123")
	e.bill(t, tn.ID, c.ID, models.BillOverdue, 10)
	e.integration(t, tn.ID)

	sum := e.scheduler.Run(ctx)

	if sum.TenantsProcessed != 1 || sum.TotalSuspended != 1 || sum.TotalSynced != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Tenants[0].SuspendedCount != 1 || len(sum.Tenants[0].Errors) != 0 {
		t.Fatalf("tenant result = %+v", sum.Tenants[0])
	}
	if got := e.status(t, tn.ID, c.ID); got != models.ConnectionSuspended {
		t.Fatalf("status = %s", got)
	}
	if len(e.router.disabled) != 1 || e.router.disabled[0] != "user123" {
		t.Fatalf("router disabled %v", e.router.disabled)
	}
	logs, _ := e.store.ListSyncLogs(ctx, tn.ID, store.LogFilter{})
	if len(logs) != 1 || logs[0].Action != models.ActionDisable || logs[0].Status != models.TaskSuccess {
		t.Fatalf("sync logs = %+v", logs)
	}

	// A second run with nothing new suspends nobody and logs nothing more.
	again := e.scheduler.Run(ctx)
	if again.TotalSuspended != 0 || again.TotalSynced != 0 {
		t.Fatalf("second run = %+v", again)
	}
	logs, _ = e.store.ListSyncLogs(ctx, tn.ID, store.LogFilter{})
	if len(logs) != 1 {
		t.Fatalf("second run wrote %d logs", len(logs)-1)
	}
}

func TestRunRespectsGracePeriod(t *testing.T) {
	e := newEnv(t)
	tn := e.tenant(t, 7)
	recent := e.customer(t, tn.ID, "recent")
	e.bill(t, tn.ID, recent.ID, models.BillOverdue, 3)
	edge := e.customer(t, tn.ID, "edge")
	e.bill(t, tn.ID, edge.ID, models.BillOverdue, 7)
	paid := e.customer(t, tn.ID, "paid")
	e.bill(t, tn.ID, paid.ID, models.BillPaid, 30)

	sum := e.scheduler.Run(context.Background())

	if sum.TotalSuspended != 1 {
		t.Fatalf("suspended %d, want 1", sum.TotalSuspended)
	}
	if e.status(t, tn.ID, edge.ID) != models.ConnectionSuspended {
		t.Error("bill due exactly at the cutoff must suspend")
	}
	if e.status(t, tn.ID, recent.ID) != models.ConnectionActive || e.status(t, tn.ID, paid.ID) != models.ConnectionActive {
		t.Error("customer inside grace period or fully paid was suspended")
	}
	if sum.TotalSynced != 0 {
		t.Errorf("synced %d without an integration", sum.TotalSynced)
	}
}

func TestRunDeduplicatesCustomers(t *testing.T) {
	e := newEnv(t)
	tn := e.tenant(t, 5)
	c := e.customer(t, tn.ID, "multi")
	for _, d := range []int{10, 20, 40} {
		e.bill(t, tn.ID, c.ID, models.BillOverdue, d)
	}
	e.integration(t, tn.ID)

	sum := e.scheduler.Run(context.Background())
	if sum.TotalSuspended != 1 || len(e.router.disabled) != 1 {
		t.Fatalf("suspended=%d disables=%d", sum.TotalSuspended, len(e.router.disabled))
	}
}

func TestRunMarksPastDueBillsOverdue(t *testing.T) {
	e := newEnv(t)
	tn := e.tenant(t, 7)
	c := e.customer(t, tn.ID, "")
	e.bill(t, tn.ID, c.ID, models.BillPending, 12)

	sum := e.scheduler.Run(context.Background())
	if sum.Tenants[0].MarkedOverdue != 1 || sum.TotalSuspended != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestFailedDisableKeepsSuspensionAndQueuesRetry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.router.down = true
	tn := e.tenant(t, 7)
	c := e.customer(t, tn.ID, "user123")
	e.bill(t, tn.ID, c.ID, models.BillOverdue, 10)
	e.integration(t, tn.ID)

	sum := e.scheduler.Run(ctx)
	if sum.TotalSuspended != 1 || sum.TotalSynced != 0 || len(sum.Tenants[0].Errors) != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if e.status(t, tn.ID, c.ID) != models.ConnectionSuspended {
		t.Fatal("suspension rolled back after a network failure")
	}
	tasks, _ := e.store.ListTasks(ctx, tn.ID, store.TaskFilter{})
	if len(tasks) != 1 || tasks[0].Status != models.TaskRetrying || tasks[0].RetryCount != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	off := e.tenant(t, 0)
	a := e.tenant(t, 7)
	b := e.tenant(t, 3)

	ca := e.customer(t, a.ID, "a1")
	e.bill(t, a.ID, ca.ID, models.BillOverdue, 10)
	cb := e.customer(t, b.ID, "b1")
	e.bill(t, b.ID, cb.ID, models.BillOverdue, 10)
	co := e.customer(t, off.ID, "o1")
	e.bill(t, off.ID, co.ID, models.BillOverdue, 100)

	e.integration(t, a.ID)
	e.router.down = true

	sum := e.scheduler.Run(ctx)
	if sum.TenantsProcessed != 2 || sum.TotalSuspended != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if e.status(t, off.ID, co.ID) != models.ConnectionActive {
		t.Fatal("tenant with auto_suspend_days=0 was processed")
	}
	if e.status(t, b.ID, cb.ID) != models.ConnectionSuspended {
		t.Fatal("failure in one tenant blocked another")
	}
}
