package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"isp-saas.com/netsync/internal/models"
)

type customConfig struct {
	Scheme   string `json:"scheme"`
	BasePath string `json:"base_path"`
}

// CustomHTTP speaks a small JSON contract to a tenant-operated service:
// POST {base}/{action} with {"username", "rate_limit"} and a bearer token,
// answered by {"success": bool, "message": string}.
type CustomHTTP struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewCustomHTTP(in *models.NetworkIntegration, creds Credentials, timeout time.Duration) (Provider, error) {
	cfg := customConfig{Scheme: "https"}
	if err := decodeConfig(in, &cfg); err != nil {
		return nil, err
	}
	if cfg.Scheme != "http" && cfg.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", cfg.Scheme)
	}
	host := in.Host
	if in.Port != 0 {
		host = net.JoinHostPort(in.Host, strconv.Itoa(in.Port))
	}
	base := strings.TrimRight(cfg.Scheme+"://"+host+"/"+strings.Trim(cfg.BasePath, "/"), "/")
	return &CustomHTTP{
		baseURL: base,
		apiKey:  creds["api_key"],
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (c *CustomHTTP) Type() string { return models.ProviderCustom }

type customReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (c *CustomHTTP) call(ctx context.Context, action string, body map[string]any) Result {
	url := c.baseURL + "/" + action
	req := map[string]any{"url": url, "body": body}

	payload, err := json.Marshal(body)
	if err != nil {
		return failure(err.Error(), req, nil)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return failure(err.Error(), req, nil)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return failure(err.Error(), req, nil)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return failure("read response: "+err.Error(), req, map[string]any{"status": res.StatusCode})
	}
	resp := map[string]any{"status": res.StatusCode}

	var reply customReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		resp["body"] = string(raw)
		if res.StatusCode >= 300 {
			return failure(fmt.Sprintf("provider returned HTTP %d", res.StatusCode), req, resp)
		}
		return failure("provider returned a non-JSON body", req, resp)
	}
	resp["success"] = reply.Success
	resp["message"] = reply.Message

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return failure(fmt.Sprintf("provider returned HTTP %d: %s", res.StatusCode, reply.Message), req, resp)
	}
	if !reply.Success {
		msg := reply.Message
		if msg == "" {
			msg = "provider reported failure"
		}
		return failure(msg, req, resp)
	}
	if reply.Message == "" {
		reply.Message = action + " ok"
	}
	return success(reply.Message, req, resp)
}

func (c *CustomHTTP) Enable(ctx context.Context, username string) Result {
	return c.call(ctx, models.ActionEnable, map[string]any{"username": username})
}

func (c *CustomHTTP) Disable(ctx context.Context, username string) Result {
	return c.call(ctx, models.ActionDisable, map[string]any{"username": username})
}

func (c *CustomHTTP) UpdateSpeed(ctx context.Context, username, rateLimit string) Result {
	return c.call(ctx, models.ActionUpdateSpeed, map[string]any{"username": username, "rate_limit": rateLimit})
}

func (c *CustomHTTP) TestConnection(ctx context.Context) Result {
	return c.call(ctx, models.ActionTestConnection, map[string]any{})
}
