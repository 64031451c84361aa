package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
)

var (
	// ErrNoIntegration means the tenant has no enabled integration.
	ErrNoIntegration = errors.New("no enabled network integration")
	// ErrUnusable means the integration is missing, disabled or retired.
	ErrUnusable = errors.New("network integration missing or disabled")
)

type Store interface {
	GetIntegration(ctx context.Context, tenantID, id int64) (*models.NetworkIntegration, error)
	GetEnabledIntegration(ctx context.Context, tenantID int64) (*models.NetworkIntegration, error)
	ListIntegrations(ctx context.Context, tenantID int64) ([]models.NetworkIntegration, error)
	// SaveIntegration inserts (ID == 0) or updates in. When in.IsEnabled the
	// tenant's other integrations are disabled in the same transaction.
	SaveIntegration(ctx context.Context, in *models.NetworkIntegration) error
	SetIntegrationEnabled(ctx context.Context, tenantID, id int64, enabled bool) error
	IntegrationInUse(ctx context.Context, tenantID, id int64) (bool, error)
	RetireIntegration(ctx context.Context, tenantID, id int64, at time.Time) error
	DeleteIntegration(ctx context.Context, tenantID, id int64) error
	RecordIntegrationTest(ctx context.Context, tenantID, id int64, status string, at time.Time) error
}

type Options struct {
	CallTimeout time.Duration
	// Rate and Burst bound outbound calls per integration; Rate <= 0 disables.
	Rate  float64
	Burst int
}

// Registry owns per-tenant integration configuration and turns an
// integration row into the provider capability that speaks its protocol.
type Registry struct {
	store     Store
	sealer    *Sealer
	opts      Options
	factories map[string]Factory

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

func NewRegistry(s Store, sealer *Sealer, opts Options) *Registry {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	r := &Registry{
		store:     s,
		sealer:    sealer,
		opts:      opts,
		factories: make(map[string]Factory),
		limiters:  make(map[int64]*rate.Limiter),
	}
	r.Register(models.ProviderMikrotik, NewMikrotik)
	r.Register(models.ProviderRadius, NewRadius)
	r.Register(models.ProviderCustom, NewCustomHTTP)
	return r
}

// Register replaces the factory used for providerType.
func (r *Registry) Register(providerType string, f Factory) {
	r.factories[providerType] = f
}

func (r *Registry) CallTimeout() time.Duration {
	return r.opts.CallTimeout
}

// GetEnabled returns the tenant's single enabled integration.
func (r *Registry) GetEnabled(ctx context.Context, tenantID int64) (*models.NetworkIntegration, error) {
	in, err := r.store.GetEnabledIntegration(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoIntegration
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

// Resolve loads an integration that is allowed to receive sync traffic.
func (r *Registry) Resolve(ctx context.Context, tenantID, id int64) (*models.NetworkIntegration, error) {
	in, err := r.store.GetIntegration(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("integration %d: %w", id, ErrUnusable)
	}
	if err != nil {
		return nil, err
	}
	if !in.Usable() {
		return nil, fmt.Errorf("integration %d is disabled: %w", id, ErrUnusable)
	}
	return in, nil
}

func (r *Registry) Get(ctx context.Context, tenantID, id int64) (*models.NetworkIntegration, error) {
	return r.store.GetIntegration(ctx, tenantID, id)
}

func (r *Registry) List(ctx context.Context, tenantID int64) ([]models.NetworkIntegration, error) {
	return r.store.ListIntegrations(ctx, tenantID)
}

type UpsertInput struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	ProviderType string          `json:"provider_type"`
	Host         string          `json:"host"`
	Port         int             `json:"port"`
	Username     string          `json:"username"`
	Credentials  Credentials     `json:"credentials,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	SyncMode     string          `json:"sync_mode"`
	IsEnabled    bool            `json:"is_enabled"`
}

func (in *UpsertInput) validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Host = strings.TrimSpace(in.Host)
	if in.Name == "" || in.Host == "" {
		return errors.New("name and host are required")
	}
	if !models.ValidProvider(in.ProviderType) {
		return fmt.Errorf("invalid provider_type %q", in.ProviderType)
	}
	if in.SyncMode == "" {
		in.SyncMode = models.SyncModeManual
	}
	if !models.ValidSyncMode(in.SyncMode) {
		return fmt.Errorf("invalid sync_mode %q", in.SyncMode)
	}
	if in.Port < 0 || in.Port > 65535 {
		return fmt.Errorf("invalid port %d", in.Port)
	}
	if len(in.Config) > 0 && !json.Valid(in.Config) {
		return errors.New("config must be valid JSON")
	}
	return nil
}

// Upsert creates or updates an integration. Nil Credentials on update keep
// the stored secret.
func (r *Registry) Upsert(ctx context.Context, tenantID int64, input UpsertInput) (*models.NetworkIntegration, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	in := &models.NetworkIntegration{TenantID: tenantID}
	if input.ID != 0 {
		existing, err := r.store.GetIntegration(ctx, tenantID, input.ID)
		if err != nil {
			return nil, err
		}
		in = existing
	}

	in.Name = input.Name
	in.ProviderType = input.ProviderType
	in.Host = input.Host
	in.Port = input.Port
	in.Username = input.Username
	in.SyncMode = input.SyncMode
	in.IsEnabled = input.IsEnabled
	if len(input.Config) > 0 {
		in.Config = input.Config
	}
	if len(in.Config) == 0 {
		in.Config = json.RawMessage(`{}`)
	}
	if input.Credentials != nil {
		sealed, err := r.sealer.Seal(input.Credentials)
		if err != nil {
			return nil, err
		}
		in.CredentialsEncrypted = sealed
	}
	if in.IsEnabled && in.RetiredAt != nil {
		return nil, errors.New("a retired integration cannot be enabled")
	}

	if err := r.store.SaveIntegration(ctx, in); err != nil {
		return nil, err
	}
	r.forgetLimiter(in.ID)
	return in, nil
}

// ToggleEnabled flips is_enabled. Enabling disables the tenant's others.
// Tasks already queued against a disabled integration fail on their next
// attempt rather than silently succeeding.
func (r *Registry) ToggleEnabled(ctx context.Context, tenantID, id int64) (*models.NetworkIntegration, error) {
	in, err := r.store.GetIntegration(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !in.IsEnabled && in.RetiredAt != nil {
		return nil, errors.New("a retired integration cannot be enabled")
	}
	if err := r.store.SetIntegrationEnabled(ctx, tenantID, id, !in.IsEnabled); err != nil {
		return nil, err
	}
	in.IsEnabled = !in.IsEnabled
	return in, nil
}

// Delete hard-deletes an unused integration. One referenced by tasks or
// logs is soft-disabled instead; retired reports which happened.
func (r *Registry) Delete(ctx context.Context, tenantID, id int64) (retired bool, err error) {
	if _, err := r.store.GetIntegration(ctx, tenantID, id); err != nil {
		return false, err
	}
	inUse, err := r.store.IntegrationInUse(ctx, tenantID, id)
	if err != nil {
		return false, err
	}
	r.forgetLimiter(id)
	if inUse {
		return true, r.store.RetireIntegration(ctx, tenantID, id, time.Now())
	}
	return false, r.store.DeleteIntegration(ctx, tenantID, id)
}

func (r *Registry) RecordTest(ctx context.Context, tenantID, id int64, ok bool) error {
	status := models.TaskFailed
	if ok {
		status = models.TaskSuccess
	}
	return r.store.RecordIntegrationTest(ctx, tenantID, id, status, time.Now())
}

// Provider selects the capability for in.ProviderType and opens its
// credentials. The plaintext lives only inside the returned provider.
func (r *Registry) Provider(in *models.NetworkIntegration) (Provider, error) {
	factory, ok := r.factories[in.ProviderType]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", in.ProviderType)
	}
	var creds Credentials
	if in.CredentialsEncrypted != "" {
		opened, err := r.sealer.Open(in.CredentialsEncrypted)
		if err != nil {
			return nil, fmt.Errorf("integration %d credentials: %w", in.ID, err)
		}
		creds = opened
	}
	p, err := factory(in, creds, r.opts.CallTimeout)
	if err != nil {
		return nil, err
	}

	secrets := make([]string, 0, len(creds))
	for _, v := range creds {
		secrets = append(secrets, v)
	}
	return &guardedProvider{inner: p, limiter: r.limiter(in.ID), secrets: secrets}, nil
}

func (r *Registry) limiter(id int64) *rate.Limiter {
	if r.opts.Rate <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[id]
	if !ok {
		burst := r.opts.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(r.opts.Rate), burst)
		r.limiters[id] = l
	}
	return l
}

func (r *Registry) forgetLimiter(id int64) {
	r.mu.Lock()
	delete(r.limiters, id)
	r.mu.Unlock()
}
