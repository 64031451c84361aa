package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"isp-saas.com/netsync/internal/models"
)

// Result is the uniform outcome every provider reports to the executor.
// Request and Response are snapshots for the sync log; they must never
// carry credentials.
type Result struct {
	Success  bool
	Message  string
	Request  map[string]any
	Response map[string]any
}

func success(msg string, req, resp map[string]any) Result {
	return Result{Success: true, Message: msg, Request: req, Response: resp}
}

func failure(msg string, req, resp map[string]any) Result {
	return Result{Success: false, Message: msg, Request: req, Response: resp}
}

// Provider is the capability a network-control system exposes to the
// executor. One implementation exists per provider type.
type Provider interface {
	Type() string
	Enable(ctx context.Context, username string) Result
	Disable(ctx context.Context, username string) Result
	// UpdateSpeed applies rateLimit in "upload/download" form, e.g. "10M/20M".
	UpdateSpeed(ctx context.Context, username, rateLimit string) Result
	TestConnection(ctx context.Context) Result
}

// Dispatch routes action to the matching provider capability.
func Dispatch(ctx context.Context, p Provider, action, username, rateLimit string) Result {
	switch action {
	case models.ActionEnable:
		return p.Enable(ctx, username)
	case models.ActionDisable:
		return p.Disable(ctx, username)
	case models.ActionUpdateSpeed:
		if rateLimit == "" {
			return failure("customer has no package speed to apply", map[string]any{"username": username}, nil)
		}
		return p.UpdateSpeed(ctx, username, rateLimit)
	case models.ActionTestConnection:
		return p.TestConnection(ctx)
	default:
		return failure(fmt.Sprintf("unsupported action %q", action), nil, nil)
	}
}

// Factory builds a provider from an integration row and its opened
// credentials.
type Factory func(in *models.NetworkIntegration, creds Credentials, timeout time.Duration) (Provider, error)

// decodeConfig unmarshals the integration's JSON config into dst, leaving
// defaults in place when the config is empty.
func decodeConfig(in *models.NetworkIntegration, dst any) error {
	if len(in.Config) == 0 || string(in.Config) == "null" {
		return nil
	}
	if err := json.Unmarshal(in.Config, dst); err != nil {
		return fmt.Errorf("invalid %s config: %w", in.ProviderType, err)
	}
	return nil
}

// guardedProvider throttles calls per integration and scrubs credentials
// from everything a provider returns.
type guardedProvider struct {
	inner   Provider
	limiter *rate.Limiter
	secrets []string
}

func (g *guardedProvider) Type() string { return g.inner.Type() }

func (g *guardedProvider) wait(ctx context.Context) *Result {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		r := failure("provider throttled: "+err.Error(), nil, nil)
		return &r
	}
	return nil
}

func (g *guardedProvider) clean(r Result) Result {
	r.Message = RedactString(r.Message, g.secrets...)
	r.Request = Redact(r.Request, g.secrets...)
	r.Response = Redact(r.Response, g.secrets...)
	return r
}

func (g *guardedProvider) Enable(ctx context.Context, username string) Result {
	if r := g.wait(ctx); r != nil {
		return *r
	}
	return g.clean(g.inner.Enable(ctx, username))
}

func (g *guardedProvider) Disable(ctx context.Context, username string) Result {
	if r := g.wait(ctx); r != nil {
		return *r
	}
	return g.clean(g.inner.Disable(ctx, username))
}

func (g *guardedProvider) UpdateSpeed(ctx context.Context, username, rateLimit string) Result {
	if r := g.wait(ctx); r != nil {
		return *r
	}
	return g.clean(g.inner.UpdateSpeed(ctx, username, rateLimit))
}

func (g *guardedProvider) TestConnection(ctx context.Context) Result {
	if r := g.wait(ctx); r != nil {
		return *r
	}
	return g.clean(g.inner.TestConnection(ctx))
}
