package handlers

import (
	"crypto/subtle"
	"net/http"
)

const CronSecretHeader = "X-Cron-Secret"

// RunAutoSuspend is the external-cron entry point of the scheduler. It is
// not behind JWT auth; the shared cron secret guards it instead.
func (h *Handler) RunAutoSuspend(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(CronSecretHeader)
	if h.cronSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.cronSecret)) != 1 {
		h.sendJSON(w, http.StatusUnauthorized, Response{Success: false, Error: "Invalid cron secret"})
		return
	}

	summary := h.scheduler.Run(r.Context())
	h.sendJSON(w, http.StatusOK, Response{
		Success: len(summary.Errors) == 0,
		Message: "Auto-suspend run completed",
		Data:    summary,
	})
}
