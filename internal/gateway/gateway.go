// Package gateway serves the tenant-facing /v1 API. Every request runs the
// same chain: audit, authenticate, authorize, rate limit, dispatch. Each
// terminal response produces exactly one api_logs row.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"isp-saas.com/netsync/internal/metrics"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/payments"
	"isp-saas.com/netsync/internal/store"
	"isp-saas.com/netsync/pkg/logger"
)

const (
	Version   = "v1"
	KeyHeader = "X-API-Key"
)

type Store interface {
	InsertApiLog(ctx context.Context, l *models.ApiLog) error

	ListCustomers(ctx context.Context, tenantID int64, page store.Page) ([]models.Customer, error)
	GetCustomer(ctx context.Context, tenantID, id int64) (*models.Customer, error)
	CreateCustomer(ctx context.Context, c *models.Customer) error
	UpdateCustomer(ctx context.Context, tenantID, id int64, u store.CustomerUpdate) (*models.Customer, error)

	ListBills(ctx context.Context, tenantID int64, f store.BillFilter) ([]models.Bill, error)
	GetBill(ctx context.Context, tenantID, id int64) (*models.Bill, error)
	CreateBill(ctx context.Context, b *models.Bill) error

	ListPayments(ctx context.Context, tenantID int64, page store.Page) ([]models.Payment, error)
	GetPayment(ctx context.Context, tenantID, id int64) (*models.Payment, error)

	ListPackages(ctx context.Context, tenantID int64) ([]models.Package, error)
	GetPackage(ctx context.Context, tenantID, id int64) (*models.Package, error)
}

// Notifier queues network work after a customer change.
type Notifier interface {
	OnStateChange(ctx context.Context, c *models.Customer, action, triggeredBy string) (*models.SyncTask, error)
}

type Config struct {
	RateLimit  int
	RateWindow time.Duration
}

type Gateway struct {
	keys     *KeyService
	store    Store
	payments *payments.Service
	notifier Notifier
	counter  Counter
	cfg      Config
	metrics  *metrics.Collector
	logger   *logger.Logger
	router   *mux.Router
}

func New(keys *KeyService, s Store, pay *payments.Service, n Notifier, c Counter, cfg Config, m *metrics.Collector, log *logger.Logger) *Gateway {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if c == nil {
		c = NewMemoryCounter()
	}
	g := &Gateway{
		keys:     keys,
		store:    s,
		payments: pay,
		notifier: n,
		counter:  c,
		cfg:      cfg,
		metrics:  m,
		logger:   log,
	}
	g.router = g.routes()
	return g
}

// Response is the /v1 envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Version string      `json:"version"`
}

// requestState travels down the chain and back up to the audit step.
type requestState struct {
	key      *models.ApiKey
	resource string
	errMsg   string
}

type stateKey struct{}

func stateFrom(r *http.Request) *requestState {
	st, _ := r.Context().Value(stateKey{}).(*requestState)
	if st == nil {
		return &requestState{}
	}
	return st
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func sendJSON(w http.ResponseWriter, status int, resp Response) {
	resp.Version = Version
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func sendData(w http.ResponseWriter, status int, data interface{}) {
	sendJSON(w, status, Response{Success: true, Data: data})
}

func sendError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	stateFrom(r).errMsg = msg
	sendJSON(w, status, Response{Success: false, Error: msg})
}

// ServeHTTP runs the full chain.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.audit(g.authenticate(g.authorize(g.rateLimit(g.router)))).ServeHTTP(w, r)
}

func (g *Gateway) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		st := &requestState{resource: resourceOf(r.URL.Path)}
		rec := &statusRecorder{ResponseWriter: w}
		requestID := uuid.NewString()
		rec.Header().Set("X-Request-ID", requestID)

		defer func() {
			if p := recover(); p != nil {
				g.logger.Error("Gateway handler panicked", "request_id", requestID, "panic", p)
				if rec.status == 0 {
					st.errMsg = "internal server error"
					sendJSON(rec, http.StatusInternalServerError, Response{Success: false, Error: st.errMsg})
				}
			}
			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			took := time.Since(start)
			g.record(r, st, requestID, rec.status, took)
		}()

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), stateKey{}, st)))
	})
}

func (g *Gateway) record(r *http.Request, st *requestState, requestID string, status int, took time.Duration) {
	entry := &models.ApiLog{
		RequestID:  requestID,
		Endpoint:   r.URL.Path,
		Method:     r.Method,
		StatusCode: status,
		LatencyMs:  took.Milliseconds(),
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
		CreatedAt:  time.Now(),
	}
	if st.key != nil {
		id, tenant := st.key.ID, st.key.TenantID
		entry.ApiKeyID = &id
		entry.TenantID = &tenant
	}
	if st.errMsg != "" {
		msg := st.errMsg
		entry.ErrorMessage = &msg
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := g.store.InsertApiLog(ctx, entry); err != nil {
		g.logger.Error("Failed to write API log", "request_id", requestID, "error", err)
	}
	g.metrics.RecordGateway(st.resource, status, took)
}

func (g *Gateway) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := strings.TrimSpace(r.Header.Get(KeyHeader))
		if secret == "" {
			sendError(w, r, http.StatusUnauthorized, "missing API key")
			return
		}
		key, err := g.keys.Authenticate(r.Context(), secret)
		switch {
		case errors.Is(err, ErrUnknownKey):
			sendError(w, r, http.StatusUnauthorized, err.Error())
			return
		case errors.Is(err, ErrKeyInactive):
			stateFrom(r).key = key
			sendError(w, r, http.StatusForbidden, err.Error())
			return
		case err != nil:
			g.logger.Error("API key lookup failed", "error", err)
			sendError(w, r, http.StatusInternalServerError, "internal server error")
			return
		}
		stateFrom(r).key = key
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := stateFrom(r).key
		if r.Method != http.MethodGet && r.Method != http.MethodHead && key.Scope != models.ScopeReadWrite {
			sendError(w, r, http.StatusForbidden, "API key scope does not allow "+r.Method)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := stateFrom(r).key
		count, resetIn, err := g.counter.Hit(r.Context(), "netsync:ratelimit:key:"+strconv.FormatInt(key.ID, 10), g.cfg.RateWindow)
		if err != nil {
			// Counter outage must not take the API down.
			g.logger.Warn("Rate limit counter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := int64(g.cfg.RateLimit) - count
		if remaining < 0 {
			remaining = 0
		}
		resetSecs := int64((resetIn + time.Second - 1) / time.Second)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(g.cfg.RateLimit))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetSecs, 10))

		if count > int64(g.cfg.RateLimit) {
			w.Header().Set("Retry-After", strconv.FormatInt(resetSecs, 10))
			sendError(w, r, http.StatusTooManyRequests, fmt.Sprintf("rate limit of %d requests per %s exceeded", g.cfg.RateLimit, g.cfg.RateWindow))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func resourceOf(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == Version {
		switch parts[1] {
		case "customers", "bills", "payments", "packages":
			return parts[1]
		}
	}
	return "unknown"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
