package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"isp-saas.com/netsync/internal/integration"
	"isp-saas.com/netsync/internal/middleware"
	"isp-saas.com/netsync/internal/store"
)

func (h *Handler) GetIntegrations(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)
	rows, err := h.integrations.List(r.Context(), claims.TenantID)
	if err != nil {
		h.sendStoreError(w, "integrations", err)
		return
	}
	h.sendJSON(w, http.StatusOK, Response{Success: true, Data: rows})
}

func (h *Handler) GetIntegration(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)
	id, ok := pathID(r)
	if !ok {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid integration ID"})
		return
	}
	in, err := h.integrations.Get(r.Context(), claims.TenantID, id)
	if err != nil {
		h.sendStoreError(w, "Integration", err)
		return
	}
	h.sendJSON(w, http.StatusOK, Response{Success: true, Data: in})
}

func (h *Handler) CreateIntegration(w http.ResponseWriter, r *http.Request) {
	h.saveIntegration(w, r, 0)
}

func (h *Handler) UpdateIntegration(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid integration ID"})
		return
	}
	h.saveIntegration(w, r, id)
}

func (h *Handler) saveIntegration(w http.ResponseWriter, r *http.Request, id int64) {
	claims := middleware.GetUserFromContext(r)

	var req integration.UpsertInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}
	req.ID = id

	in, err := h.integrations.Upsert(r.Context(), claims.TenantID, req)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.sendJSON(w, http.StatusNotFound, Response{Success: false, Error: "Integration not found"})
		return
	case errors.Is(err, integration.ErrSealingDisabled):
		h.sendJSON(w, http.StatusServiceUnavailable, Response{Success: false, Error: "Credential encryption key is not configured"})
		return
	case err != nil:
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	}

	status := http.StatusOK
	if id == 0 {
		status = http.StatusCreated
	}
	h.logger.Info("Integration saved", "tenant_id", claims.TenantID, "integration_id", in.ID, "provider", in.ProviderType, "user_id", claims.UserID)
	h.sendJSON(w, status, Response{Success: true, Message: "Integration saved", Data: in})
}

func (h *Handler) ToggleIntegration(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)
	id, ok := pathID(r)
	if !ok {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid integration ID"})
		return
	}
	in, err := h.integrations.ToggleEnabled(r.Context(), claims.TenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		h.sendJSON(w, http.StatusNotFound, Response{Success: false, Error: "Integration not found"})
		return
	}
	if err != nil {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	}
	h.logger.Info("Integration toggled", "tenant_id", claims.TenantID, "integration_id", id, "enabled", in.IsEnabled)
	h.sendJSON(w, http.StatusOK, Response{Success: true, Data: in})
}

func (h *Handler) DeleteIntegration(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)
	id, ok := pathID(r)
	if !ok {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid integration ID"})
		return
	}
	retired, err := h.integrations.Delete(r.Context(), claims.TenantID, id)
	if err != nil {
		h.sendStoreError(w, "Integration", err)
		return
	}
	msg := "Integration deleted"
	if retired {
		msg = "Integration has sync history and was retired instead of deleted"
	}
	h.logger.Info("Integration removed", "tenant_id", claims.TenantID, "integration_id", id, "retired", retired)
	h.sendJSON(w, http.StatusOK, Response{Success: true, Message: msg, Data: map[string]bool{"retired": retired}})
}

// TestIntegration probes the provider directly. It works on disabled
// integrations so staff can check settings before switching over.
func (h *Handler) TestIntegration(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)
	id, ok := pathID(r)
	if !ok {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid integration ID"})
		return
	}
	in, err := h.integrations.Get(r.Context(), claims.TenantID, id)
	if err != nil {
		h.sendStoreError(w, "Integration", err)
		return
	}
	p, err := h.integrations.Provider(in)
	if err != nil {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.integrations.CallTimeout())
	defer cancel()
	res := p.TestConnection(ctx)

	if err := h.integrations.RecordTest(r.Context(), claims.TenantID, id, res.Success); err != nil {
		h.logger.Warn("Failed to record integration test", "integration_id", id, "error", err)
	}
	h.sendJSON(w, http.StatusOK, Response{Success: res.Success, Message: res.Message, Data: res.Response})
}
