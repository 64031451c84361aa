package integration_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"isp-saas.com/netsync/internal/integration"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
	"isp-saas.com/netsync/internal/store/memstore"
)

type leakyProvider struct{ password string }

func (p leakyProvider) Type() string { return models.ProviderMikrotik }
func (p leakyProvider) Enable(ctx context.Context, u string) integration.Result {
	return integration.Result{
		Success:  false,
		Message:  "login failure for api/" + p.password,
		Request:  map[string]any{"user": u, "password": p.password},
		Response: map[string]any{"echo": "pw=" + p.password},
	}
}
func (p leakyProvider) Disable(ctx context.Context, u string) integration.Result { return p.Enable(ctx, u) }
func (p leakyProvider) UpdateSpeed(ctx context.Context, u, r string) integration.Result {
	return p.Enable(ctx, u)
}
func (p leakyProvider) TestConnection(ctx context.Context) integration.Result { return p.Enable(ctx, "") }

func newRegistry(t *testing.T) (*integration.Registry, *memstore.Store, *models.Tenant) {
	t.Helper()
	st := memstore.New()
	tenant := &models.Tenant{Name: "Acme"}
	if err := st.CreateTenant(context.Background(), tenant); err != nil {
		t.Fatal(err)
	}
	sealer, err := integration.NewSealer(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	return integration.NewRegistry(st, sealer, integration.Options{CallTimeout: time.Second}), st, tenant
}

func input(name string, enabled bool) integration.UpsertInput {
	return integration.UpsertInput{
		Name:         name,
		ProviderType: models.ProviderMikrotik,
		Host:         "10.0.0.1",
		Username:     "api",
		Credentials:  integration.Credentials{"password": "hunter2"},
		SyncMode:     models.SyncModeEventDriven,
		IsEnabled:    enabled,
	}
}

func TestOneEnabledIntegrationPerTenant(t *testing.T) {
	reg, _, tenant := newRegistry(t)
	ctx := context.Background()

	if _, err := reg.GetEnabled(ctx, tenant.ID); !errors.Is(err, integration.ErrNoIntegration) {
		t.Fatalf("GetEnabled on empty tenant err = %v", err)
	}

	first, err := reg.Upsert(ctx, tenant.ID, input("primary", true))
	if err != nil {
		t.Fatal(err)
	}
	second, err := reg.Upsert(ctx, tenant.ID, input("backup", true))
	if err != nil {
		t.Fatal(err)
	}

	got, err := reg.GetEnabled(ctx, tenant.ID)
	if err != nil || got.ID != second.ID {
		t.Fatalf("GetEnabled = %v, %v; want %d", got, err, second.ID)
	}
	old, _ := reg.Get(ctx, tenant.ID, first.ID)
	if old.IsEnabled {
		t.Fatal("enabling a second integration left the first enabled")
	}

	toggled, err := reg.ToggleEnabled(ctx, tenant.ID, first.ID)
	if err != nil || !toggled.IsEnabled {
		t.Fatalf("ToggleEnabled = %v, %v", toggled, err)
	}
	list, _ := reg.List(ctx, tenant.ID)
	enabled := 0
	for _, in := range list {
		if in.IsEnabled {
			enabled++
		}
	}
	if enabled != 1 {
		t.Fatalf("%d enabled integrations", enabled)
	}
}

func TestUpsertValidatesAndKeepsCredentials(t *testing.T) {
	reg, st, tenant := newRegistry(t)
	ctx := context.Background()

	bad := input("x", false)
	bad.ProviderType = "juniper"
	if _, err := reg.Upsert(ctx, tenant.ID, bad); err == nil {
		t.Fatal("accepted unknown provider type")
	}

	in, err := reg.Upsert(ctx, tenant.ID, input("core", false))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(in.CredentialsEncrypted, "hunter2") || in.CredentialsEncrypted == "" {
		t.Fatalf("credentials not sealed: %q", in.CredentialsEncrypted)
	}

	update := input("core renamed", false)
	update.ID = in.ID
	update.Credentials = nil
	if _, err := reg.Upsert(ctx, tenant.ID, update); err != nil {
		t.Fatal(err)
	}
	stored, _ := st.GetIntegration(ctx, tenant.ID, in.ID)
	if stored.Name != "core renamed" || stored.CredentialsEncrypted != in.CredentialsEncrypted {
		t.Fatalf("update lost credentials or name: %+v", stored)
	}
}

func TestResolveRejectsDisabled(t *testing.T) {
	reg, _, tenant := newRegistry(t)
	ctx := context.Background()
	in, _ := reg.Upsert(ctx, tenant.ID, input("core", false))

	if _, err := reg.Resolve(ctx, tenant.ID, in.ID); !errors.Is(err, integration.ErrUnusable) {
		t.Fatalf("Resolve(disabled) err = %v", err)
	}
	if _, err := reg.Resolve(ctx, tenant.ID, 9999); !errors.Is(err, integration.ErrUnusable) {
		t.Fatalf("Resolve(missing) err = %v", err)
	}
	if _, err := reg.Resolve(ctx, tenant.ID+1, in.ID); !errors.Is(err, integration.ErrUnusable) {
		t.Fatalf("Resolve(other tenant) err = %v", err)
	}
}

func TestDeleteRetiresWhenReferenced(t *testing.T) {
	reg, st, tenant := newRegistry(t)
	ctx := context.Background()

	unused, _ := reg.Upsert(ctx, tenant.ID, input("spare", false))
	retired, err := reg.Delete(ctx, tenant.ID, unused.ID)
	if err != nil || retired {
		t.Fatalf("Delete(unused) = %v, %v", retired, err)
	}
	if _, err := reg.Get(ctx, tenant.ID, unused.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unused integration still present: %v", err)
	}

	used, _ := reg.Upsert(ctx, tenant.ID, input("core", true))
	if err := st.InsertTask(ctx, &models.SyncTask{
		TenantID: tenant.ID, IntegrationID: used.ID, Action: models.ActionTestConnection,
		Status: models.TaskSuccess, MaxRetries: 3, TriggeredBy: "test",
	}); err != nil {
		t.Fatal(err)
	}
	retired, err = reg.Delete(ctx, tenant.ID, used.ID)
	if err != nil || !retired {
		t.Fatalf("Delete(used) = %v, %v", retired, err)
	}
	got, err := reg.Get(ctx, tenant.ID, used.ID)
	if err != nil || got.IsEnabled || got.RetiredAt == nil {
		t.Fatalf("retired integration = %+v, %v", got, err)
	}
	if _, err := reg.ToggleEnabled(ctx, tenant.ID, used.ID); err == nil {
		t.Fatal("re-enabled a retired integration")
	}
}

func TestProviderRedactsSecrets(t *testing.T) {
	reg, _, tenant := newRegistry(t)
	ctx := context.Background()
	reg.Register(models.ProviderMikrotik, func(in *models.NetworkIntegration, creds integration.Credentials, _ time.Duration) (integration.Provider, error) {
		return leakyProvider{password: creds["password"]}, nil
	})
	in, _ := reg.Upsert(ctx, tenant.ID, input("core", true))

	p, err := reg.Provider(in)
	if err != nil {
		t.Fatal(err)
	}
	r := integration.Dispatch(ctx, p, models.ActionDisable, "user123", "")
	for _, s := range []string{r.Message, r.Request["password"].(string), r.Response["echo"].(string)} {
		if strings.Contains(s, "hunter2") {
			t.Fatalf("secret leaked: %q", s)
		}
	}
	if r.Request["user"] != "user123" {
		t.Errorf("non-secret field altered: %v", r.Request)
	}
}

func TestDispatchUpdateSpeedNeedsRate(t *testing.T) {
	r := integration.Dispatch(context.Background(), leakyProvider{}, models.ActionUpdateSpeed, "user123", "")
	if r.Success {
		t.Fatal("update_speed without a rate must fail")
	}
}
