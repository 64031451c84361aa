package integration

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-routeros/routeros"
	"isp-saas.com/netsync/internal/models"
)

const (
	mikrotikAPIPort    = 8728
	mikrotikAPITLSPort = 8729
)

type mikrotikConfig struct {
	UseTLS        bool   `json:"use_tls"`
	SkipTLSVerify bool   `json:"skip_tls_verify"`
	QueuePrefix   string `json:"queue_prefix"`
}

// rosConn is the subset of a RouterOS API session the provider needs.
type rosConn interface {
	Run(words ...string) ([]map[string]string, error)
	Close()
}

type rosDialer func(ctx context.Context, addr, user, password string, cfg mikrotikConfig, timeout time.Duration) (rosConn, error)

// Mikrotik drives PPP secrets and simple queues over the RouterOS API.
type Mikrotik struct {
	addr     string
	user     string
	password string
	cfg      mikrotikConfig
	timeout  time.Duration
	dial     rosDialer
}

func NewMikrotik(in *models.NetworkIntegration, creds Credentials, timeout time.Duration) (Provider, error) {
	var cfg mikrotikConfig
	if err := decodeConfig(in, &cfg); err != nil {
		return nil, err
	}
	port := in.Port
	if port == 0 {
		port = mikrotikAPIPort
		if cfg.UseTLS {
			port = mikrotikAPITLSPort
		}
	}
	return &Mikrotik{
		addr:     net.JoinHostPort(in.Host, strconv.Itoa(port)),
		user:     in.Username,
		password: creds["password"],
		cfg:      cfg,
		timeout:  timeout,
		dial:     dialRouterOS,
	}, nil
}

type routerOSClient struct {
	c *routeros.Client
}

func (r routerOSClient) Run(words ...string) ([]map[string]string, error) {
	reply, err := r.c.Run(words...)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]string, 0, len(reply.Re))
	for _, re := range reply.Re {
		rows = append(rows, re.Map)
	}
	return rows, nil
}

func (r routerOSClient) Close() { r.c.Close() }

func dialRouterOS(ctx context.Context, addr, user, password string, cfg mikrotikConfig, timeout time.Duration) (rosConn, error) {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	var (
		c   *routeros.Client
		err error
	)
	if cfg.UseTLS {
		c, err = routeros.DialTLSTimeout(addr, user, password, &tls.Config{InsecureSkipVerify: cfg.SkipTLSVerify}, timeout)
	} else {
		c, err = routeros.DialTimeout(addr, user, password, timeout)
	}
	if err != nil {
		return nil, err
	}
	return routerOSClient{c: c}, nil
}

func (m *Mikrotik) Type() string { return models.ProviderMikrotik }

// session dials the router and runs fn, abandoning the connection when ctx
// ends first.
func (m *Mikrotik) session(ctx context.Context, fn func(rosConn) (map[string]any, error)) (map[string]any, error) {
	conn, err := m.dial(ctx, m.addr, m.user, m.password, m.cfg, m.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", m.addr, err)
	}

	type outcome struct {
		resp map[string]any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := fn(conn)
		done <- outcome{resp, err}
	}()

	select {
	case out := <-done:
		conn.Close()
		return out.resp, out.err
	case <-ctx.Done():
		conn.Close()
		return nil, fmt.Errorf("routeros call to %s: %w", m.addr, ctx.Err())
	}
}

func findID(conn rosConn, path, name string) (string, error) {
	rows, err := conn.Run(path+"/print", "?name="+name, "=.proplist=.id")
	if err != nil {
		return "", err
	}
	if len(rows) == 0 || rows[0][".id"] == "" {
		return "", fmt.Errorf("%s %q not found", path, name)
	}
	return rows[0][".id"], nil
}

func (m *Mikrotik) setSecretDisabled(ctx context.Context, username string, disabled bool) Result {
	flag := "no"
	if disabled {
		flag = "yes"
	}
	req := map[string]any{"host": m.addr, "command": "/ppp/secret/set", "name": username, "disabled": flag}

	resp, err := m.session(ctx, func(conn rosConn) (map[string]any, error) {
		id, err := findID(conn, "/ppp/secret", username)
		if err != nil {
			return nil, err
		}
		if _, err := conn.Run("/ppp/secret/set", "=.id="+id, "=disabled="+flag); err != nil {
			return nil, err
		}
		out := map[string]any{"secret_id": id}
		if !disabled {
			return out, nil
		}

		// A disabled secret does not drop a session that is already up.
		active, err := conn.Run("/ppp/active/print", "?name="+username, "=.proplist=.id")
		if err != nil {
			return nil, err
		}
		kicked := 0
		for _, row := range active {
			if _, err := conn.Run("/ppp/active/remove", "=.id="+row[".id"]); err != nil {
				return nil, err
			}
			kicked++
		}
		out["sessions_removed"] = kicked
		return out, nil
	})
	if err != nil {
		return failure(err.Error(), req, nil)
	}
	if disabled {
		return success(fmt.Sprintf("PPP secret %s disabled", username), req, resp)
	}
	return success(fmt.Sprintf("PPP secret %s enabled", username), req, resp)
}

func (m *Mikrotik) Enable(ctx context.Context, username string) Result {
	return m.setSecretDisabled(ctx, username, false)
}

func (m *Mikrotik) Disable(ctx context.Context, username string) Result {
	return m.setSecretDisabled(ctx, username, true)
}

func (m *Mikrotik) UpdateSpeed(ctx context.Context, username, rateLimit string) Result {
	queue := m.cfg.QueuePrefix + username
	req := map[string]any{"host": m.addr, "command": "/queue/simple/set", "queue": queue, "max_limit": rateLimit}

	resp, err := m.session(ctx, func(conn rosConn) (map[string]any, error) {
		id, err := findID(conn, "/queue/simple", queue)
		if err != nil {
			return nil, err
		}
		if _, err := conn.Run("/queue/simple/set", "=.id="+id, "=max-limit="+rateLimit); err != nil {
			return nil, err
		}
		return map[string]any{"queue_id": id}, nil
	})
	if err != nil {
		return failure(err.Error(), req, nil)
	}
	return success(fmt.Sprintf("queue %s limited to %s", queue, rateLimit), req, resp)
}

func (m *Mikrotik) TestConnection(ctx context.Context) Result {
	req := map[string]any{"host": m.addr, "command": "/system/identity/print"}
	resp, err := m.session(ctx, func(conn rosConn) (map[string]any, error) {
		rows, err := conn.Run("/system/identity/print")
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, errors.New("empty identity reply")
		}
		return map[string]any{"identity": rows[0]["name"]}, nil
	})
	if err != nil {
		return failure(err.Error(), req, nil)
	}
	return success(fmt.Sprintf("connected to %v", resp["identity"]), req, resp)
}
