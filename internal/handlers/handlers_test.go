package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"isp-saas.com/netsync/internal/gateway"
	"isp-saas.com/netsync/internal/handlers"
	"isp-saas.com/netsync/internal/integration"
	"isp-saas.com/netsync/internal/middleware"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/payments"
	"isp-saas.com/netsync/internal/store"
	"isp-saas.com/netsync/internal/store/memstore"
	"isp-saas.com/netsync/internal/suspend"
	"isp-saas.com/netsync/internal/syncer"
	"isp-saas.com/netsync/pkg/logger"
)

const (
	jwtSecret     = "test-jwt-secret"
	cronSecret    = "test-cron-secret"
	webhookSecret = "test-webhook-secret"
)

type router struct {
	mu    sync.Mutex
	calls []string
}

func (r *router) record(s string) integration.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
	return integration.Result{Success: true, Message: "ok"}
}

func (r *router) Type() string { return models.ProviderMikrotik }
func (r *router) Enable(ctx context.Context, u string) integration.Result {
	return r.record("enable:" + u)
}
func (r *router) Disable(ctx context.Context, u string) integration.Result {
	return r.record("disable:" + u)
}
func (r *router) UpdateSpeed(ctx context.Context, u, rate string) integration.Result {
	return r.record("speed:" + u)
}
func (r *router) TestConnection(ctx context.Context) integration.Result {
	return r.record("test")
}

type env struct {
	store    *memstore.Store
	registry *integration.Registry
	router   *router
	handler  http.Handler
	tenant   *models.Tenant
	owner    string
	staff    string
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

	h := handlers.New(handlers.Deps{
		Store:         st,
		Integrations:  reg,
		Sync:          svc,
		Keys:          gateway.NewKeyService(st, time.Minute),
		Payments:      payments.NewService(st, svc, nil, log),
		Scheduler:     suspend.NewScheduler(st, reg, svc, nil, log),
		Logger:        log,
		JWTSecret:     jwtSecret,
		CronSecret:    cronSecret,
		WebhookSecret: webhookSecret,
	})
	r := mux.NewRouter()
	h.Routes(r, nil)

	tn := &models.Tenant{Name: "Acme ISP", Status: "active"}
	if err := st.CreateTenant(context.Background(), tn); err != nil {
		t.Fatal(err)
	}
	owner, _ := middleware.IssueToken(jwtSecret, 1, tn.ID, "owner@acme.test", middleware.RoleOwner, time.Hour)
	staff, _ := middleware.IssueToken(jwtSecret, 2, tn.ID, "staff@acme.test", middleware.RoleStaff, time.Hour)

	return &env{store: st, registry: reg, router: rt, handler: r, tenant: tn, owner: owner, staff: staff}
}

func (e *env) integration(t *testing.T, mode string) *models.NetworkIntegration {
	t.Helper()
	in, err := e.registry.Upsert(context.Background(), e.tenant.ID, integration.UpsertInput{
		Name: "core", ProviderType: models.ProviderMikrotik, Host: "10.0.0.1",
		SyncMode: mode, IsEnabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return in
}

func (e *env) customer(t *testing.T, status string) *models.Customer {
	t.Helper()
	u := "pppoe-77"
	c := &models.Customer{TenantID: e.tenant.ID, Name: "Jane", ConnectionStatus: status, NetworkUsername: &u}
	if err := e.store.CreateCustomer(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (e *env) do(t *testing.T, method, path, token string, body interface{}, header ...string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.([]byte); ok {
			buf.Write(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, env
}

func TestRegisterAndLogin(t *testing.T) {
	e := newEnv(t)

	reg := map[string]string{"tenant_name": "Fiber Co", "email": "Boss@Fiber.test", "password": "Sup3rSecret"}
	if code, resp := e.do(t, "POST", "/api/auth/register", "", reg); code != http.StatusCreated {
		t.Fatalf("register = %d %s", code, resp.Error)
	}
	if code, _ := e.do(t, "POST", "/api/auth/register", "", reg); code != http.StatusConflict {
		t.Fatalf("duplicate register = %d", code)
	}

	weak := map[string]string{"tenant_name": "Weak", "email": "weak@fiber.test", "password": "short"}
	if code, _ := e.do(t, "POST", "/api/auth/register", "", weak); code != http.StatusBadRequest {
		t.Fatalf("weak password register = %d", code)
	}

	code, resp := e.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "boss@fiber.test", "password": "Sup3rSecret"})
	if code != http.StatusOK {
		t.Fatalf("login = %d %s", code, resp.Error)
	}
	var data struct {
		Token string `json:"token"`
	}
	json.Unmarshal(resp.Data, &data)
	if data.Token == "" {
		t.Fatal("login returned no token")
	}
	if code, _ := e.do(t, "POST", "/api/auth/refresh", data.Token, nil); code != http.StatusOK {
		t.Fatalf("refresh = %d", code)
	}

	if code, _ := e.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "boss@fiber.test", "password": "wrong"}); code != http.StatusUnauthorized {
		t.Fatalf("bad password login = %d", code)
	}
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	e := newEnv(t)

	if code, _ := e.do(t, "GET", "/api/sync/tasks", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	forged, _ := middleware.IssueToken("other-secret", 1, e.tenant.ID, "x@y.z", middleware.RoleOwner, time.Hour)
	if code, _ := e.do(t, "GET", "/api/sync/tasks", forged, nil); code != http.StatusUnauthorized {
		t.Fatalf("forged token = %d", code)
	}
	if code, _ := e.do(t, "GET", "/api/sync/tasks", e.staff, nil); code != http.StatusOK {
		t.Fatalf("staff read = %d", code)
	}
}

func TestOwnerOnlyRoutes(t *testing.T) {
	e := newEnv(t)

	body := map[string]string{"name": "billing export", "scope": models.ScopeReadWrite}
	if code, _ := e.do(t, "POST", "/api/api-keys", e.staff, body); code != http.StatusForbidden {
		t.Fatalf("staff create key = %d", code)
	}
	if code, _ := e.do(t, "PUT", "/api/settings", e.staff, map[string]int{"auto_suspend_days": 5}); code != http.StatusForbidden {
		t.Fatalf("staff update settings = %d", code)
	}

	code, resp := e.do(t, "POST", "/api/api-keys", e.owner, body)
	if code != http.StatusCreated {
		t.Fatalf("owner create key = %d %s", code, resp.Error)
	}
	var created struct {
		Key    string        `json:"key"`
		ApiKey models.ApiKey `json:"api_key"`
	}
	json.Unmarshal(resp.Data, &created)
	if created.Key == "" || created.ApiKey.ID == 0 {
		t.Fatalf("created = %+v", created)
	}

	if code, _ := e.do(t, "POST", "/api/api-keys", e.owner, map[string]string{"name": "x", "scope": "admin"}); code != http.StatusBadRequest {
		t.Fatalf("bad scope = %d", code)
	}

	path := "/api/api-keys/" + strconv.FormatInt(created.ApiKey.ID, 10)
	if code, _ := e.do(t, "DELETE", path, e.owner, nil); code != http.StatusOK {
		t.Fatalf("revoke = %d", code)
	}
}

func TestSettings(t *testing.T) {
	e := newEnv(t)

	if code, _ := e.do(t, "PUT", "/api/settings", e.owner, map[string]int{"auto_suspend_days": -1}); code != http.StatusBadRequest {
		t.Fatalf("negative days = %d", code)
	}
	if code, _ := e.do(t, "PUT", "/api/settings", e.owner, map[string]int{"auto_suspend_days": 10}); code != http.StatusOK {
		t.Fatalf("update = %d", code)
	}
	_, resp := e.do(t, "GET", "/api/settings", e.staff, nil)
	var got struct {
		Days int `json:"auto_suspend_days"`
	}
	json.Unmarshal(resp.Data, &got)
	if got.Days != 10 {
		t.Fatalf("auto_suspend_days = %d", got.Days)
	}
}

func TestManualSync(t *testing.T) {
	e := newEnv(t)
	c := e.customer(t, models.ConnectionSuspended)

	body := map[string]interface{}{"action": "disable", "customer_id": c.ID}
	if code, _ := e.do(t, "POST", "/api/sync", e.owner, body); code != http.StatusBadRequest {
		t.Fatalf("sync without integration = %d", code)
	}

	e.integration(t, models.SyncModeManual)
	if code, _ := e.do(t, "POST", "/api/sync", e.owner, map[string]interface{}{"action": "reboot"}); code != http.StatusBadRequest {
		t.Fatalf("unknown action = %d", code)
	}

	code, resp := e.do(t, "POST", "/api/sync", e.owner, body)
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("sync = %d %+v", code, resp)
	}
	if len(e.router.calls) != 1 || e.router.calls[0] != "disable:pppoe-77" {
		t.Fatalf("router calls = %v", e.router.calls)
	}

	_, logs := e.do(t, "GET", "/api/sync/logs?customer_id="+strconv.FormatInt(c.ID, 10), e.staff, nil)
	var rows []models.SyncLog
	json.Unmarshal(logs.Data, &rows)
	if len(rows) != 1 || rows[0].Status != models.TaskSuccess {
		t.Fatalf("sync logs = %+v", rows)
	}
}

func TestSuspendAndActivateCustomer(t *testing.T) {
	e := newEnv(t)
	e.integration(t, models.SyncModeEventDriven)
	c := e.customer(t, models.ConnectionActive)
	path := "/api/customers/" + strconv.FormatInt(c.ID, 10)

	code, resp := e.do(t, "POST", path+"/suspend", e.staff, nil)
	if code != http.StatusOK {
		t.Fatalf("suspend = %d %s", code, resp.Error)
	}
	var out struct {
		Customer models.Customer  `json:"customer"`
		SyncTask *models.SyncTask `json:"sync_task"`
	}
	json.Unmarshal(resp.Data, &out)
	if out.Customer.ConnectionStatus != models.ConnectionSuspended {
		t.Fatalf("status = %s", out.Customer.ConnectionStatus)
	}
	if out.SyncTask == nil || out.SyncTask.Action != models.ActionDisable {
		t.Fatalf("sync task = %+v", out.SyncTask)
	}

	if code, _ := e.do(t, "POST", path+"/suspend", e.staff, nil); code != http.StatusConflict {
		t.Fatalf("second suspend = %d", code)
	}
	if code, _ := e.do(t, "POST", path+"/activate", e.staff, nil); code != http.StatusOK {
		t.Fatalf("activate = %d", code)
	}
	if code, _ := e.do(t, "POST", "/api/customers/9999/suspend", e.staff, nil); code != http.StatusNotFound {
		t.Fatalf("missing customer = %d", code)
	}

	_, tasks := e.do(t, "GET", "/api/sync/tasks", e.staff, nil)
	var rows []models.SyncTask
	json.Unmarshal(tasks.Data, &rows)
	if len(rows) != 2 {
		t.Fatalf("tasks = %+v", rows)
	}
}

func TestPaymentWebhook(t *testing.T) {
	e := newEnv(t)
	c := e.customer(t, models.ConnectionActive)
	bill := &models.Bill{TenantID: e.tenant.ID, CustomerID: c.ID, Amount: 30, Status: models.BillPending, DueDate: time.Now().AddDate(0, 0, 5)}
	if err := e.store.CreateBill(context.Background(), bill); err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"tenant_id":       e.tenant.ID,
		"customer_id":     c.ID,
		"bill_id":         bill.ID,
		"amount":          30,
		"method":          "mobile_money",
		"transaction_ref": "MM-001",
		"status":          "completed",
	})
	sig := payments.Sign([]byte(webhookSecret), payload)

	if code, _ := e.do(t, "POST", "/api/webhooks/payments", "", payload, handlers.SignatureHeader, "deadbeef"); code != http.StatusUnauthorized {
		t.Fatalf("bad signature = %d", code)
	}
	if code, resp := e.do(t, "POST", "/api/webhooks/payments", "", payload, handlers.SignatureHeader, sig); code != http.StatusCreated {
		t.Fatalf("first delivery = %d %s", code, resp.Error)
	}
	code, resp := e.do(t, "POST", "/api/webhooks/payments", "", payload, handlers.SignatureHeader, sig)
	if code != http.StatusOK {
		t.Fatalf("replay = %d", code)
	}
	var out payments.Outcome
	json.Unmarshal(resp.Data, &out)
	if !out.Duplicate {
		t.Fatal("replay not reported as duplicate")
	}

	got, _ := e.store.GetCustomer(context.Background(), e.tenant.ID, c.ID)
	if got.DueBalance != 0 {
		t.Fatalf("due balance = %v", got.DueBalance)
	}

	pending, _ := json.Marshal(map[string]interface{}{"tenant_id": e.tenant.ID, "customer_id": c.ID, "amount": 5, "transaction_ref": "MM-002", "status": "pending"})
	if code, _ := e.do(t, "POST", "/api/webhooks/payments", "", pending, handlers.SignatureHeader, payments.Sign([]byte(webhookSecret), pending)); code != http.StatusOK {
		t.Fatalf("pending status = %d", code)
	}
	rows, _ := e.store.ListPayments(context.Background(), e.tenant.ID, store.Page{})
	if len(rows) != 1 {
		t.Fatalf("payments = %d", len(rows))
	}
}

func TestAutoSuspendJobNeedsCronSecret(t *testing.T) {
	e := newEnv(t)

	if code, _ := e.do(t, "POST", "/api/jobs/auto-suspend", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no secret = %d", code)
	}
	if code, _ := e.do(t, "POST", "/api/jobs/auto-suspend", "", nil, handlers.CronSecretHeader, "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong secret = %d", code)
	}
	code, resp := e.do(t, "POST", "/api/jobs/auto-suspend", "", nil, handlers.CronSecretHeader, cronSecret)
	if code != http.StatusOK {
		t.Fatalf("cron = %d %s", code, resp.Error)
	}
	var sum suspend.Summary
	json.Unmarshal(resp.Data, &sum)
	if sum.TotalSuspended != 0 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestIntegrationLifecycle(t *testing.T) {
	e := newEnv(t)

	body := map[string]interface{}{
		"name": "core router", "provider_type": models.ProviderMikrotik, "host": "10.0.0.1",
		"port": 8728, "username": "api", "credentials": map[string]string{"password": "pw"},
		"sync_mode": models.SyncModeEventDriven,
	}
	if code, _ := e.do(t, "POST", "/api/integrations", e.staff, body); code != http.StatusForbidden {
		t.Fatalf("staff create = %d", code)
	}
	code, resp := e.do(t, "POST", "/api/integrations", e.owner, body)
	if code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, resp.Error)
	}
	var in models.NetworkIntegration
	json.Unmarshal(resp.Data, &in)
	path := "/api/integrations/" + strconv.FormatInt(in.ID, 10)

	if code, resp := e.do(t, "POST", path+"/test", e.staff, nil); code != http.StatusOK || !resp.Success {
		t.Fatalf("test = %d %+v", code, resp)
	}
	if len(e.router.calls) != 1 || e.router.calls[0] != "test" {
		t.Fatalf("router calls = %v", e.router.calls)
	}

	if code, _ := e.do(t, "POST", path+"/toggle", e.owner, nil); code != http.StatusOK {
		t.Fatalf("toggle = %d", code)
	}
	if code, _ := e.do(t, "DELETE", path, e.owner, nil); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if code, _ := e.do(t, "GET", path, e.staff, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", code)
	}
}
