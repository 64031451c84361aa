package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"isp-saas.com/netsync/internal/integration"
	"isp-saas.com/netsync/internal/middleware"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
	"isp-saas.com/netsync/internal/syncer"
)

type ManualSyncRequest struct {
	Action        string `json:"action"`
	IntegrationID int64  `json:"integration_id"`
	CustomerID    *int64 `json:"customer_id"`
	TriggeredBy   string `json:"triggered_by"`
}

func triggeredBy(claims *middleware.Claims) string {
	return fmt.Sprintf("user:%d", claims.UserID)
}

// ManualSync runs one action synchronously, bypassing the backlog. An
// omitted integration_id means the tenant's enabled integration.
func (h *Handler) ManualSync(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)

	var req ManualSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}
	if !models.ValidAction(req.Action) {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid action"})
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = triggeredBy(claims)
	}

	if req.IntegrationID == 0 {
		in, err := h.integrations.GetEnabled(r.Context(), claims.TenantID)
		if errors.Is(err, integration.ErrNoIntegration) {
			h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "No enabled network integration"})
			return
		}
		if err != nil {
			h.sendStoreError(w, "integration", err)
			return
		}
		req.IntegrationID = in.ID
	}

	log, task, err := h.sync.SyncNow(r.Context(), syncer.TaskSpec{
		TenantID:      claims.TenantID,
		IntegrationID: req.IntegrationID,
		CustomerID:    req.CustomerID,
		Action:        req.Action,
		TriggeredBy:   req.TriggeredBy,
	})
	switch {
	case errors.Is(err, syncer.ErrTaskInFlight):
		h.sendJSON(w, http.StatusConflict, Response{
			Success: false,
			Message: "A sync for this customer is already running; the request was queued",
			Data:    task,
		})
		return
	case err != nil && log == nil:
		h.logger.Error("Manual sync failed", "tenant_id", claims.TenantID, "error", err)
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	case err != nil:
		h.logger.Error("Manual sync could not settle its task", "task_id", task.ID, "error", err)
	}

	if log.Status != models.TaskSuccess {
		msg := "Sync failed"
		if log.ErrorMessage != nil {
			msg = *log.ErrorMessage
		}
		h.sendJSON(w, http.StatusBadGateway, Response{Success: false, Message: msg, Data: log})
		return
	}
	h.sendJSON(w, http.StatusOK, Response{Success: true, Message: "Sync completed", Data: log})
}

func (h *Handler) GetSyncLogs(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)
	f := store.LogFilter{
		CustomerID:    queryInt64(r, "customer_id"),
		IntegrationID: queryInt64(r, "integration_id"),
		Status:        r.URL.Query().Get("status"),
		Page:          pageOf(r),
	}
	rows, err := h.store.ListSyncLogs(r.Context(), claims.TenantID, f)
	if err != nil {
		h.sendStoreError(w, "sync logs", err)
		return
	}
	h.sendJSON(w, http.StatusOK, Response{Success: true, Data: rows})
}

func (h *Handler) GetSyncTasks(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)
	f := store.TaskFilter{
		Status:     r.URL.Query().Get("status"),
		CustomerID: queryInt64(r, "customer_id"),
		Page:       pageOf(r),
	}
	rows, err := h.store.ListTasks(r.Context(), claims.TenantID, f)
	if err != nil {
		h.sendStoreError(w, "sync tasks", err)
		return
	}
	h.sendJSON(w, http.StatusOK, Response{Success: true, Data: rows})
}

// RetryTask queues a fresh task for a failed one.
func (h *Handler) RetryTask(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)
	id, ok := pathID(r)
	if !ok {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid task ID"})
		return
	}
	task, err := h.sync.Retry(r.Context(), claims.TenantID, id, triggeredBy(claims))
	if errors.Is(err, store.ErrNotFound) {
		h.sendJSON(w, http.StatusNotFound, Response{Success: false, Error: "Task not found"})
		return
	}
	if err != nil {
		h.sendJSON(w, http.StatusConflict, Response{Success: false, Error: err.Error()})
		return
	}
	h.sendJSON(w, http.StatusAccepted, Response{Success: true, Message: "Task queued", Data: task})
}
