package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"isp-saas.com/netsync/internal/middleware"
)

// Routes mounts the operator API under /api. authLimit wraps the
// unauthenticated login and register endpoints; it may be nil.
func (h *Handler) Routes(r *mux.Router, authLimit func(http.Handler) http.Handler) {
	if authLimit == nil {
		authLimit = func(next http.Handler) http.Handler { return next }
	}

	// ============== PUBLIC ROUTES (No Auth) ==============
	r.HandleFunc("/api/health", h.HealthCheck).Methods("GET")
	r.Handle("/api/auth/login", authLimit(http.HandlerFunc(h.Login))).Methods("POST")
	r.Handle("/api/auth/register", authLimit(http.HandlerFunc(h.Register))).Methods("POST")

	// Signed provider callbacks and the external cron
	r.HandleFunc("/api/webhooks/payments", h.PaymentWebhook).Methods("POST")
	r.HandleFunc("/api/jobs/auto-suspend", h.RunAutoSuspend).Methods("POST")

	// ============== PROTECTED ROUTES (JWT Auth) ==============
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Auth(h.jwtSecret))

	api.HandleFunc("/auth/refresh", h.RefreshToken).Methods("POST")

	// Integrations
	api.HandleFunc("/integrations", h.GetIntegrations).Methods("GET")
	api.HandleFunc("/integrations/{id:[0-9]+}", h.GetIntegration).Methods("GET")
	api.HandleFunc("/integrations/{id:[0-9]+}/test", h.TestIntegration).Methods("POST")

	// Network sync
	api.HandleFunc("/sync", h.ManualSync).Methods("POST")
	api.HandleFunc("/sync/logs", h.GetSyncLogs).Methods("GET")
	api.HandleFunc("/sync/tasks", h.GetSyncTasks).Methods("GET")
	api.HandleFunc("/sync/tasks/{id:[0-9]+}/retry", h.RetryTask).Methods("POST")

	// Customers and payments
	api.HandleFunc("/customers/{id:[0-9]+}/suspend", h.SuspendCustomer).Methods("POST")
	api.HandleFunc("/customers/{id:[0-9]+}/activate", h.ActivateCustomer).Methods("POST")
	api.HandleFunc("/payments", h.RecordPayment).Methods("POST")

	api.HandleFunc("/settings", h.GetSettings).Methods("GET")
	api.HandleFunc("/api-logs", h.GetApiLogs).Methods("GET")

	// ============== OWNER ROUTES ==============
	owner := api.NewRoute().Subrouter()
	owner.Use(middleware.RequireRole(middleware.RoleOwner))

	owner.HandleFunc("/integrations", h.CreateIntegration).Methods("POST")
	owner.HandleFunc("/integrations/{id:[0-9]+}", h.UpdateIntegration).Methods("PUT")
	owner.HandleFunc("/integrations/{id:[0-9]+}", h.DeleteIntegration).Methods("DELETE")
	owner.HandleFunc("/integrations/{id:[0-9]+}/toggle", h.ToggleIntegration).Methods("POST")

	owner.HandleFunc("/api-keys", h.GetApiKeys).Methods("GET")
	owner.HandleFunc("/api-keys", h.CreateApiKey).Methods("POST")
	owner.HandleFunc("/api-keys/{id:[0-9]+}", h.RevokeApiKey).Methods("DELETE")

	owner.HandleFunc("/settings", h.UpdateSettings).Methods("PUT")
}
