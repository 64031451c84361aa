package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"isp-saas.com/netsync/internal/middleware"
	"isp-saas.com/netsync/internal/payments"
	"isp-saas.com/netsync/internal/store"
)

const SignatureHeader = "X-Webhook-Signature"

type PaymentWebhook struct {
	TenantID       int64   `json:"tenant_id"`
	CustomerID     int64   `json:"customer_id"`
	BillID         *int64  `json:"bill_id"`
	Amount         float64 `json:"amount"`
	Method         string  `json:"method"`
	TransactionRef string  `json:"transaction_ref"`
	Status         string  `json:"status"`
}

// PaymentWebhook receives provider callbacks. Providers retry until they see
// a 2xx, so replays of an applied reference are answered 200.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}
	if !payments.VerifySignature([]byte(h.webhookSecret), body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("Payment webhook signature rejected", "ip", r.RemoteAddr)
		h.sendJSON(w, http.StatusUnauthorized, Response{Success: false, Error: "Invalid signature"})
		return
	}

	var req PaymentWebhook
	if err := json.Unmarshal(body, &req); err != nil {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}
	if req.Status != "completed" {
		h.sendJSON(w, http.StatusOK, Response{Success: true, Message: "Ignored payment with status " + req.Status})
		return
	}
	if req.TenantID == 0 || req.TransactionRef == "" {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "tenant_id and transaction_ref are required"})
		return
	}

	h.applyPayment(w, r, payments.Input{
		TenantID:       req.TenantID,
		CustomerID:     req.CustomerID,
		BillID:         req.BillID,
		Amount:         req.Amount,
		Method:         req.Method,
		TransactionRef: req.TransactionRef,
		Source:         "webhook",
	})
}

// RecordPayment lets an operator enter a payment taken by hand.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)

	var in payments.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}
	in.TenantID = claims.TenantID
	in.Source = "operator"
	h.applyPayment(w, r, in)
}

func (h *Handler) applyPayment(w http.ResponseWriter, r *http.Request, in payments.Input) {
	out, err := h.payments.Apply(r.Context(), in)
	switch {
	case errors.Is(err, payments.ErrInvalidPayment):
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	case errors.Is(err, store.ErrNotFound):
		h.sendJSON(w, http.StatusNotFound, Response{Success: false, Error: "Customer or bill not found"})
		return
	case err != nil:
		h.sendStoreError(w, "Payment", err)
		return
	}

	if out.Duplicate {
		h.sendJSON(w, http.StatusOK, Response{Success: true, Message: "Payment already processed", Data: out})
		return
	}
	msg := "Payment recorded"
	if out.Reactivated {
		msg = "Payment recorded; customer reactivated"
	}
	h.sendJSON(w, http.StatusCreated, Response{Success: true, Message: msg, Data: out})
}
