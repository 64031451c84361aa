package handlers

import (
	"net/http"

	"isp-saas.com/netsync/internal/middleware"
	"isp-saas.com/netsync/internal/models"
)

func (h *Handler) SuspendCustomer(w http.ResponseWriter, r *http.Request) {
	h.transitionCustomer(w, r, models.ConnectionActive, models.ConnectionSuspended, models.ActionDisable)
}

func (h *Handler) ActivateCustomer(w http.ResponseWriter, r *http.Request) {
	h.transitionCustomer(w, r, "", models.ConnectionActive, models.ActionEnable)
}

// transitionCustomer changes connection_status and queues the matching
// network action according to the integration's sync mode.
func (h *Handler) transitionCustomer(w http.ResponseWriter, r *http.Request, from, to, action string) {
	claims := middleware.GetUserFromContext(r)
	id, ok := pathID(r)
	if !ok {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid customer ID"})
		return
	}

	changed, err := h.store.TransitionCustomer(r.Context(), claims.TenantID, id, from, to)
	if err != nil {
		h.sendStoreError(w, "Customer", err)
		return
	}
	customer, err := h.store.GetCustomer(r.Context(), claims.TenantID, id)
	if err != nil {
		h.sendStoreError(w, "Customer", err)
		return
	}
	if !changed {
		h.sendJSON(w, http.StatusConflict, Response{
			Success: false,
			Error:   "Customer is " + customer.ConnectionStatus,
			Data:    customer,
		})
		return
	}

	task, err := h.sync.OnStateChange(r.Context(), customer, action, triggeredBy(claims))
	if err != nil {
		h.logger.Error("Failed to queue network sync", "customer_id", id, "action", action, "error", err)
	}

	h.logger.Info("Customer status changed", "tenant_id", claims.TenantID, "customer_id", id, "status", to, "user_id", claims.UserID)
	h.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "Customer " + to,
		Data: map[string]interface{}{
			"customer":  customer,
			"sync_task": task,
		},
	})
}
