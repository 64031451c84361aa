package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"isp-saas.com/netsync/internal/gateway"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/payments"
	"isp-saas.com/netsync/internal/store"
	"isp-saas.com/netsync/internal/store/memstore"
	"isp-saas.com/netsync/pkg/logger"
)

type nopNotifier struct{ actions []string }

func (n *nopNotifier) OnStateChange(ctx context.Context, c *models.Customer, action, by string) (*models.SyncTask, error) {
	n.actions = append(n.actions, action)
	return nil, nil
}

type env struct {
	st       *memstore.Store
	keys     *gateway.KeyService
	gw       *gateway.Gateway
	notifier *nopNotifier
	tenant   *models.Tenant
	other    *models.Tenant
	customer *models.Customer
	foreign  *models.Customer
	rw, ro   string
}

func newEnv(t *testing.T, limit int) *env {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	e := &env{st: st, tenant: &models.Tenant{Name: "A"}, other: &models.Tenant{Name: "B"}}
	st.CreateTenant(ctx, e.tenant)
	st.CreateTenant(ctx, e.other)

	e.customer = &models.Customer{TenantID: e.tenant.ID, Name: "alice", ConnectionStatus: models.ConnectionActive}
	e.foreign = &models.Customer{TenantID: e.other.ID, Name: "bob", ConnectionStatus: models.ConnectionActive}
	if err := st.CreateCustomer(ctx, e.customer); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateCustomer(ctx, e.foreign); err != nil {
		t.Fatal(err)
	}

	e.keys = gateway.NewKeyService(st, time.Minute)
	var err error
	if e.rw, _, err = e.keys.Create(ctx, e.tenant.ID, gateway.CreateKeyInput{Name: "rw", Scope: models.ScopeReadWrite}); err != nil {
		t.Fatal(err)
	}
	if e.ro, _, err = e.keys.Create(ctx, e.tenant.ID, gateway.CreateKeyInput{Name: "ro"}); err != nil {
		t.Fatal(err)
	}

	e.notifier = &nopNotifier{}
	pay := payments.NewService(st, e.notifier, nil, logger.NewNop())
	e.gw = gateway.New(e.keys, st, pay, e.notifier, gateway.NewMemoryCounter(),
		gateway.Config{RateLimit: limit, RateWindow: time.Minute}, nil, logger.NewNop())
	return e
}

func (e *env) do(method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(gateway.KeyHeader, key)
	}
	rec := httptest.NewRecorder()
	e.gw.ServeHTTP(rec, req)
	return rec
}

func envelope(t *testing.T, rec *httptest.ResponseRecorder) gateway.Response {
	t.Helper()
	var resp gateway.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body %q is not an envelope: %v", rec.Body.String(), err)
	}
	if resp.Version != gateway.Version {
		t.Fatalf("version = %q", resp.Version)
	}
	return resp
}

func TestAuthentication(t *testing.T) {
	e := newEnv(t, 100)

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing key", "", http.StatusUnauthorized},
		{"wrong prefix", "sk_live_abc", http.StatusUnauthorized},
		{"unknown key", "isp_0000000000000000000000000000000000000000000000", http.StatusUnauthorized},
		{"valid key", e.ro, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(http.MethodGet, "/v1/customers", tt.key, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			resp := envelope(t, rec)
			if resp.Success != (tt.want == http.StatusOK) {
				t.Fatalf("success = %v", resp.Success)
			}
		})
	}

	logs := e.st.ApiLogs()
	if len(logs) != len(tests) {
		t.Fatalf("%d api logs, want %d", len(logs), len(tests))
	}
	if logs[0].TenantID != nil || logs[0].ErrorMessage == nil {
		t.Fatalf("anonymous log = %+v", logs[0])
	}
	if last := logs[len(logs)-1]; last.TenantID == nil || *last.TenantID != e.tenant.ID {
		t.Fatalf("authenticated log = %+v", last)
	}
}

func TestRevokedKeyRejectedImmediately(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()

	if rec := e.do(http.MethodGet, "/v1/customers", e.rw, ""); rec.Code != http.StatusOK {
		t.Fatalf("before revoke: %d", rec.Code)
	}
	keys, _ := e.keys.List(ctx, e.tenant.ID)
	for _, k := range keys {
		if k.Scope == models.ScopeReadWrite {
			if _, err := e.keys.Revoke(ctx, e.tenant.ID, k.ID); err != nil {
				t.Fatal(err)
			}
		}
	}
	if rec := e.do(http.MethodGet, "/v1/customers", e.rw, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("after revoke: %d, want 403", rec.Code)
	}
}

func TestExpiredKeyForbidden(t *testing.T) {
	e := newEnv(t, 100)
	secret := "isp_expired000000000000000000000000000000000000000"
	past := time.Now().Add(-time.Hour)
	err := e.st.InsertApiKey(context.Background(), &models.ApiKey{
		TenantID: e.tenant.ID, Name: "old", KeyHash: gateway.HashKey(secret), KeyPrefix: secret[:12],
		Scope: models.ScopeReadWrite, IsActive: true, ExpiresAt: &past,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec := e.do(http.MethodGet, "/v1/customers", secret, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestReadOnlyKeyCannotMutate(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()

	rec := e.do(http.MethodPost, "/v1/customers", e.ro, `{"name":"mallory"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	rows, _ := e.st.ListCustomers(ctx, e.tenant.ID, store.Page{})
	if len(rows) != 1 {
		t.Fatalf("%d customers after rejected POST, want 1", len(rows))
	}

	if rec := e.do(http.MethodDelete, "/v1/customers/1", e.ro, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("read_only DELETE = %d, want 403", rec.Code)
	}

	rec = e.do(http.MethodPost, "/v1/customers", e.rw, `{"name":"carol","network_username":"carol01"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("read_write POST = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	const limit = 3
	e := newEnv(t, limit)

	var last *httptest.ResponseRecorder
	for i := 0; i < limit+1; i++ {
		last = e.do(http.MethodGet, "/v1/packages", e.ro, "")
		if i < limit && last.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i+1, last.Code)
		}
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("request %d = %d, want 429", limit+1, last.Code)
	}
	if last.Header().Get("Retry-After") == "" || last.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("headers = %v", last.Header())
	}

	var ok, limited int
	for _, l := range e.st.ApiLogs() {
		if l.StatusCode == http.StatusTooManyRequests {
			limited++
		} else {
			ok++
		}
	}
	if ok != limit || limited != 1 {
		t.Fatalf("logs: %d ok, %d limited", ok, limited)
	}

	// The other key has its own window.
	if rec := e.do(http.MethodGet, "/v1/packages", e.rw, ""); rec.Code != http.StatusOK {
		t.Fatalf("second key = %d", rec.Code)
	}
}

func TestRoutingErrors(t *testing.T) {
	e := newEnv(t, 100)

	tests := []struct {
		name, method, path string
		want               int
	}{
		{"unknown resource", http.MethodGet, "/v1/widgets", http.StatusNotFound},
		{"bad id", http.MethodGet, "/v1/customers/abc", http.StatusNotFound},
		{"delete not allowed", http.MethodDelete, "/v1/customers/1", http.StatusMethodNotAllowed},
		{"packages read only", http.MethodPost, "/v1/packages", http.StatusMethodNotAllowed},
		{"cross tenant", http.MethodGet, "/v1/customers/" + itoa(e.foreign.ID), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(tt.method, tt.path, e.rw, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if resp := envelope(t, rec); resp.Success || resp.Error == "" {
				t.Fatalf("envelope = %+v", resp)
			}
		})
	}
	if n := len(e.st.ApiLogs()); n != len(tests) {
		t.Fatalf("%d api logs, want %d", n, len(tests))
	}
}

func TestCustomerAndPaymentResources(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()

	rec := e.do(http.MethodGet, "/v1/customers/"+itoa(e.customer.ID), e.ro, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get customer = %d", rec.Code)
	}

	pkg := &models.Package{TenantID: e.tenant.ID, Name: "fiber", DownloadMbps: 50, UploadMbps: 10, IsActive: true}
	if err := e.st.CreatePackage(ctx, pkg); err != nil {
		t.Fatal(err)
	}
	rec = e.do(http.MethodPatch, "/v1/customers/"+itoa(e.customer.ID), e.rw, `{"package_id":`+itoa(pkg.ID)+`}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch = %d: %s", rec.Code, rec.Body.String())
	}
	if len(e.notifier.actions) != 1 || e.notifier.actions[0] != models.ActionUpdateSpeed {
		t.Fatalf("notifier = %v", e.notifier.actions)
	}

	if rec := e.do(http.MethodPatch, "/v1/customers/"+itoa(e.customer.ID), e.rw, `{"connection_status":"active"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status override = %d, want 400", rec.Code)
	}

	rec = e.do(http.MethodPost, "/v1/bills", e.rw, `{"customer_id":`+itoa(e.customer.ID)+`,"amount":30,"due_date":"2026-01-01"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create bill = %d: %s", rec.Code, rec.Body.String())
	}

	body := `{"customer_id":` + itoa(e.customer.ID) + `,"amount":10,"transaction_ref":"gw-1"}`
	if rec := e.do(http.MethodPost, "/v1/payments", e.rw, body); rec.Code != http.StatusCreated {
		t.Fatalf("first payment = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := e.do(http.MethodPost, "/v1/payments", e.rw, body); rec.Code != http.StatusOK {
		t.Fatalf("replayed payment = %d", rec.Code)
	}
	got, _ := e.st.GetCustomer(ctx, e.tenant.ID, e.customer.ID)
	if got.DueBalance != 20 {
		t.Fatalf("due_balance = %v, want 20", got.DueBalance)
	}

	if rec := e.do(http.MethodPost, "/v1/payments", e.rw, `{"customer_id":`+itoa(e.foreign.ID)+`,"amount":5}`); rec.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant payment = %d, want 404", rec.Code)
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
