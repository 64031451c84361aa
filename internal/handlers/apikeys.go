package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"isp-saas.com/netsync/internal/gateway"
	"isp-saas.com/netsync/internal/middleware"
)

func (h *Handler) GetApiKeys(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)
	keys, err := h.keys.List(r.Context(), claims.TenantID)
	if err != nil {
		h.sendStoreError(w, "API keys", err)
		return
	}
	h.sendJSON(w, http.StatusOK, Response{Success: true, Data: keys})
}

// CreateApiKey returns the plaintext key exactly once.
func (h *Handler) CreateApiKey(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)

	var req gateway.CreateKeyInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}
	userID := claims.UserID
	req.CreatedBy = &userID

	secret, key, err := h.keys.Create(r.Context(), claims.TenantID, req)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidKeyInput) {
			h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: err.Error()})
			return
		}
		h.sendStoreError(w, "API key", err)
		return
	}

	h.logger.Info("API key created", "tenant_id", claims.TenantID, "key_id", key.ID, "scope", key.Scope, "user_id", claims.UserID)
	h.sendJSON(w, http.StatusCreated, Response{
		Success: true,
		Message: "Store this key now; it will not be shown again",
		Data: map[string]interface{}{
			"key":     secret,
			"api_key": key,
		},
	})
}

func (h *Handler) RevokeApiKey(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)
	id, ok := pathID(r)
	if !ok {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid API key ID"})
		return
	}
	key, err := h.keys.Revoke(r.Context(), claims.TenantID, id)
	if err != nil {
		h.sendStoreError(w, "API key", err)
		return
	}
	h.logger.Info("API key revoked", "tenant_id", claims.TenantID, "key_id", id, "user_id", claims.UserID)
	h.sendJSON(w, http.StatusOK, Response{Success: true, Message: "API key revoked", Data: key})
}

func (h *Handler) GetApiLogs(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)
	logs, err := h.store.ListApiLogs(r.Context(), claims.TenantID, pageOf(r))
	if err != nil {
		h.sendStoreError(w, "API logs", err)
		return
	}
	h.sendJSON(w, http.StatusOK, Response{Success: true, Data: logs})
}
