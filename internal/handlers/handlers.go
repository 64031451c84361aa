package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"isp-saas.com/netsync/internal/gateway"
	"isp-saas.com/netsync/internal/integration"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/payments"
	"isp-saas.com/netsync/internal/store"
	"isp-saas.com/netsync/internal/suspend"
	"isp-saas.com/netsync/internal/syncer"
	"isp-saas.com/netsync/pkg/logger"
)

// Store is the slice of persistence the operator API reads directly.
type Store interface {
	Ping(ctx context.Context) error

	RegisterTenant(ctx context.Context, t *models.Tenant, owner *models.User) error
	GetTenant(ctx context.Context, id int64) (*models.Tenant, error)
	UpdateTenantSettings(ctx context.Context, id int64, autoSuspendDays int) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)

	GetCustomer(ctx context.Context, tenantID, id int64) (*models.Customer, error)
	TransitionCustomer(ctx context.Context, tenantID, id int64, from, to string) (bool, error)

	ListTasks(ctx context.Context, tenantID int64, f store.TaskFilter) ([]models.SyncTask, error)
	ListSyncLogs(ctx context.Context, tenantID int64, f store.LogFilter) ([]models.SyncLog, error)
	ListApiLogs(ctx context.Context, tenantID int64, page store.Page) ([]models.ApiLog, error)
}

type Deps struct {
	Store        Store
	Integrations *integration.Registry
	Sync         *syncer.Service
	Keys         *gateway.KeyService
	Payments     *payments.Service
	Scheduler    *suspend.Scheduler
	Logger       *logger.Logger

	JWTSecret     string
	CronSecret    string
	WebhookSecret string
	TokenTTL      time.Duration
}

type Handler struct {
	store         Store
	integrations  *integration.Registry
	sync          *syncer.Service
	keys          *gateway.KeyService
	payments      *payments.Service
	scheduler     *suspend.Scheduler
	logger        *logger.Logger
	jwtSecret     string
	cronSecret    string
	webhookSecret string
	tokenTTL      time.Duration
}

func New(d Deps) *Handler {
	if d.TokenTTL <= 0 {
		d.TokenTTL = 24 * time.Hour
	}
	return &Handler{
		store:         d.Store,
		integrations:  d.Integrations,
		sync:          d.Sync,
		keys:          d.Keys,
		payments:      d.Payments,
		scheduler:     d.Scheduler,
		logger:        d.Logger,
		jwtSecret:     d.JWTSecret,
		cronSecret:    d.CronSecret,
		webhookSecret: d.WebhookSecret,
		tokenTTL:      d.TokenTTL,
	}
}

type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// sendStoreError answers with 404 for missing rows and 500 otherwise.
func (h *Handler) sendStoreError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.sendJSON(w, http.StatusNotFound, Response{Success: false, Error: what + " not found"})
		return
	}
	h.logger.Error("Database error", "what", what, "error", err)
	h.sendJSON(w, http.StatusInternalServerError, Response{Success: false, Error: "Database error"})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

func queryInt64(r *http.Request, name string) *int64 {
	v, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func pageOf(r *http.Request) store.Page {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return store.Page{Limit: limit, Offset: offset}.Normalize()
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	if err := h.store.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
	}

	h.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "ISP network sync API is running",
		Data: map[string]interface{}{
			"version":   "1.0.0",
			"timestamp": time.Now().Format(time.RFC3339),
			"database":  dbStatus,
		},
	})
}
