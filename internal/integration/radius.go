package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"isp-saas.com/netsync/internal/models"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
)

const (
	radiusCoAPort  = 3799
	radiusAuthPort = 1812

	vendorMikrotik        = 14988
	mikrotikRateLimitAttr = 8
)

type radiusConfig struct {
	CoAPort      int    `json:"coa_port"`
	AuthPort     int    `json:"auth_port"`
	EnableFilter string `json:"enable_filter"`
}

// Radius applies policy through RFC 5176 dynamic authorization against the
// tenant's NAS or AAA server.
type Radius struct {
	coaAddr  string
	authAddr string
	secret   []byte
	cfg      radiusConfig
	timeout  time.Duration
}

func NewRadius(in *models.NetworkIntegration, creds Credentials, timeout time.Duration) (Provider, error) {
	cfg := radiusConfig{CoAPort: radiusCoAPort, AuthPort: radiusAuthPort, EnableFilter: "active"}
	if err := decodeConfig(in, &cfg); err != nil {
		return nil, err
	}
	if in.Port != 0 {
		cfg.CoAPort = in.Port
	}
	secret := creds["secret"]
	if secret == "" {
		return nil, errors.New("radius integration has no shared secret")
	}
	return &Radius{
		coaAddr:  net.JoinHostPort(in.Host, strconv.Itoa(cfg.CoAPort)),
		authAddr: net.JoinHostPort(in.Host, strconv.Itoa(cfg.AuthPort)),
		secret:   []byte(secret),
		cfg:      cfg,
		timeout:  timeout,
	}, nil
}

func (r *Radius) Type() string { return models.ProviderRadius }

func (r *Radius) exchange(ctx context.Context, p *radius.Packet, addr string) (*radius.Packet, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return radius.Exchange(ctx, p, addr)
}

func (r *Radius) Disable(ctx context.Context, username string) Result {
	req := map[string]any{"nas": r.coaAddr, "code": radius.CodeDisconnectRequest.String(), "user_name": username}
	p := radius.New(radius.CodeDisconnectRequest, r.secret)
	if err := rfc2865.UserName_SetString(p, username); err != nil {
		return failure(err.Error(), req, nil)
	}
	reply, err := r.exchange(ctx, p, r.coaAddr)
	if err != nil {
		return failure("disconnect request: "+err.Error(), req, nil)
	}
	resp := map[string]any{"code": reply.Code.String()}
	if reply.Code != radius.CodeDisconnectACK {
		return failure(fmt.Sprintf("NAS refused disconnect for %s: %s", username, reply.Code), req, resp)
	}
	return success(fmt.Sprintf("session for %s disconnected", username), req, resp)
}

func (r *Radius) Enable(ctx context.Context, username string) Result {
	req := map[string]any{"nas": r.coaAddr, "code": radius.CodeCoARequest.String(), "user_name": username, "filter_id": r.cfg.EnableFilter}
	p := radius.New(radius.CodeCoARequest, r.secret)
	if err := rfc2865.UserName_SetString(p, username); err != nil {
		return failure(err.Error(), req, nil)
	}
	if err := rfc2865.FilterID_SetString(p, r.cfg.EnableFilter); err != nil {
		return failure(err.Error(), req, nil)
	}
	return r.coa(ctx, p, req, fmt.Sprintf("filter %s applied to %s", r.cfg.EnableFilter, username))
}

func (r *Radius) UpdateSpeed(ctx context.Context, username, rateLimit string) Result {
	req := map[string]any{"nas": r.coaAddr, "code": radius.CodeCoARequest.String(), "user_name": username, "rate_limit": rateLimit}
	if len(rateLimit) > 253-2-6 {
		return failure("rate limit too long for a vendor attribute", req, nil)
	}
	p := radius.New(radius.CodeCoARequest, r.secret)
	if err := rfc2865.UserName_SetString(p, username); err != nil {
		return failure(err.Error(), req, nil)
	}
	sub := append([]byte{mikrotikRateLimitAttr, byte(len(rateLimit) + 2)}, rateLimit...)
	vsa, err := radius.NewVendorSpecific(vendorMikrotik, radius.Attribute(sub))
	if err != nil {
		return failure(err.Error(), req, nil)
	}
	p.Add(rfc2865.VendorSpecific_Type, vsa)
	return r.coa(ctx, p, req, fmt.Sprintf("rate limit %s applied to %s", rateLimit, username))
}

func (r *Radius) coa(ctx context.Context, p *radius.Packet, req map[string]any, okMsg string) Result {
	reply, err := r.exchange(ctx, p, r.coaAddr)
	if err != nil {
		return failure("CoA request: "+err.Error(), req, nil)
	}
	resp := map[string]any{"code": reply.Code.String()}
	if reply.Code != radius.CodeCoAACK {
		return failure("NAS refused CoA: "+reply.Code.String(), req, resp)
	}
	return success(okMsg, req, resp)
}

// TestConnection sends Status-Server to the auth port. Any authentic reply
// proves the server is up and shares our secret.
func (r *Radius) TestConnection(ctx context.Context) Result {
	req := map[string]any{"server": r.authAddr, "code": radius.CodeStatusServer.String()}
	p := radius.New(radius.CodeStatusServer, r.secret)
	reply, err := r.exchange(ctx, p, r.authAddr)
	if err != nil {
		return failure("status-server: "+err.Error(), req, nil)
	}
	resp := map[string]any{"code": reply.Code.String()}
	return success("RADIUS server reachable", req, resp)
}
