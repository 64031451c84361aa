package handlers

import (
	"encoding/json"
	"net/http"

	"isp-saas.com/netsync/internal/middleware"
)

type SettingsRequest struct {
	AutoSuspendDays *int `json:"auto_suspend_days"`
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)
	tenant, err := h.store.GetTenant(r.Context(), claims.TenantID)
	if err != nil {
		h.sendStoreError(w, "Tenant", err)
		return
	}
	h.sendJSON(w, http.StatusOK, Response{Success: true, Data: map[string]interface{}{
		"auto_suspend_days": tenant.AutoSuspendDays,
	}})
}

// UpdateSettings sets auto_suspend_days; 0 turns auto-suspension off.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)

	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AutoSuspendDays == nil {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "auto_suspend_days is required"})
		return
	}
	days := *req.AutoSuspendDays
	if days < 0 || days > 365 {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "auto_suspend_days must be between 0 and 365"})
		return
	}
	if err := h.store.UpdateTenantSettings(r.Context(), claims.TenantID, days); err != nil {
		h.sendStoreError(w, "Tenant", err)
		return
	}

	h.logger.Info("Tenant settings updated", "tenant_id", claims.TenantID, "auto_suspend_days", days, "user_id", claims.UserID)
	h.sendJSON(w, http.StatusOK, Response{Success: true, Message: "Settings updated", Data: map[string]interface{}{
		"auto_suspend_days": days,
	}})
}
