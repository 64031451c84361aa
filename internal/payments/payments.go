// Package payments applies customer payments exactly once per provider
// transaction reference and restores service when the debt is cleared.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"isp-saas.com/netsync/internal/metrics"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
	"isp-saas.com/netsync/pkg/logger"
)

var ErrInvalidPayment = errors.New("invalid payment")

type Store interface {
	ApplyPayment(ctx context.Context, p *models.Payment) (*store.PaymentResult, error)
}

// Notifier queues network work after a state change.
// *syncer.Service implements it.
type Notifier interface {
	OnStateChange(ctx context.Context, c *models.Customer, action, triggeredBy string) (*models.SyncTask, error)
}

type Input struct {
	TenantID       int64   `json:"-"`
	CustomerID     int64   `json:"customer_id"`
	BillID         *int64  `json:"bill_id,omitempty"`
	Amount         float64 `json:"amount"`
	Method         string  `json:"method"`
	TransactionRef string  `json:"transaction_ref"`
	// Source labels where the payment came from (webhook, gateway, operator).
	Source string `json:"-"`
}

type Outcome struct {
	Payment     *models.Payment  `json:"payment"`
	Duplicate   bool             `json:"duplicate"`
	Reactivated bool             `json:"reactivated"`
	Settled     []int64          `json:"settled_bills,omitempty"`
	SyncTask    *models.SyncTask `json:"sync_task,omitempty"`
	Customer    *models.Customer `json:"customer"`
}

type Service struct {
	store    Store
	notifier Notifier
	metrics  *metrics.Collector
	logger   *logger.Logger
}

func NewService(s Store, n Notifier, m *metrics.Collector, log *logger.Logger) *Service {
	return &Service{store: s, notifier: n, metrics: m, logger: log}
}

// Apply records the payment. Replaying a transaction reference is a no-op
// success reported through Outcome.Duplicate.
func (s *Service) Apply(ctx context.Context, in Input) (*Outcome, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidPayment)
	}
	if in.CustomerID == 0 {
		return nil, fmt.Errorf("%w: customer_id is required", ErrInvalidPayment)
	}
	method := in.Method
	if method == "" {
		method = "cash"
	}
	p := &models.Payment{
		TenantID:   in.TenantID,
		CustomerID: in.CustomerID,
		BillID:     in.BillID,
		Amount:     in.Amount,
		Method:     method,
	}
	if ref := strings.TrimSpace(in.TransactionRef); ref != "" {
		p.TransactionRef = &ref
	}

	res, err := s.store.ApplyPayment(ctx, p)
	if err != nil {
		return nil, err
	}
	source := in.Source
	if source == "" {
		source = "operator"
	}
	s.metrics.RecordPayment(source, res.Duplicate)

	out := &Outcome{Payment: res.Payment, Duplicate: res.Duplicate, Reactivated: res.Reactivated, Settled: res.Settled, Customer: res.Customer}
	if res.Duplicate {
		s.logger.Info("Duplicate payment ignored", "tenant_id", in.TenantID, "transaction_ref", in.TransactionRef)
		return out, nil
	}

	s.logger.Info("Payment applied",
		"tenant_id", in.TenantID,
		"customer_id", in.CustomerID,
		"amount", in.Amount,
		"settled_bills", len(res.Settled),
		"reactivated", res.Reactivated,
	)
	if res.Reactivated && s.notifier != nil {
		task, err := s.notifier.OnStateChange(ctx, res.Customer, models.ActionEnable, "payment:"+source)
		if err != nil {
			// The payment is committed; the operator can resync by hand.
			s.logger.Error("Failed to queue enable after payment", "customer_id", in.CustomerID, "error", err)
		}
		out.SyncTask = task
	}
	return out, nil
}

// VerifySignature checks a hex HMAC-SHA256 of body under secret.
func VerifySignature(secret, body []byte, signature string) bool {
	if len(secret) == 0 {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign returns the signature VerifySignature accepts.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
