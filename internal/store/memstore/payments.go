package memstore

import (
	"context"
	"sort"

	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
)

// ApplyPayment records p and applies it to the customer and bills as one
// unit. A reference seen before for the tenant changes nothing and reports
// the payment and customer it was first recorded against.
func (s *Store) ApplyPayment(ctx context.Context, p *models.Payment) (*store.PaymentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.TransactionRef != nil {
		for _, existing := range s.payments {
			if existing.TenantID == p.TenantID && existing.TransactionRef != nil && *existing.TransactionRef == *p.TransactionRef {
				return &store.PaymentResult{Payment: clone(existing), Customer: clone(s.customers[existing.CustomerID]), Duplicate: true}, nil
			}
		}
	}

	c, ok := s.customers[p.CustomerID]
	if !ok || c.TenantID != p.TenantID {
		return nil, store.ErrNotFound
	}
	if p.BillID != nil {
		b, ok := s.bills[*p.BillID]
		if !ok || b.TenantID != p.TenantID || b.CustomerID != p.CustomerID {
			return nil, store.ErrNotFound
		}
	}

	now := s.now()
	p.ID = s.nextID()
	p.CreatedAt = now
	s.payments[p.ID] = clone(p)

	c.DueBalance -= p.Amount
	c.UpdatedAt = now

	res := &store.PaymentResult{Payment: clone(p)}
	for _, id := range store.CoveredBills(s.openBills(c.TenantID, c.ID), c.DueBalance) {
		b := s.bills[id]
		b.Status = models.BillPaid
		b.PaidAt = ptr(now)
		res.Settled = append(res.Settled, id)
	}

	if c.ConnectionStatus == models.ConnectionSuspended && c.DueBalance <= 0 && !s.hasOverdue(c.TenantID, c.ID) {
		c.ConnectionStatus = models.ConnectionActive
		res.Reactivated = true
	}
	res.Customer = clone(c)
	return res, nil
}

// openBills lists the customer's unpaid bills, oldest due date first, with
// what remains after the payments that name each one.
func (s *Store) openBills(tenantID, customerID int64) []store.OpenBill {
	var bills []*models.Bill
	for _, b := range s.bills {
		if b.TenantID == tenantID && b.CustomerID == customerID && b.Status != models.BillPaid {
			bills = append(bills, b)
		}
	}
	sort.Slice(bills, func(i, j int) bool {
		if !bills[i].DueDate.Equal(bills[j].DueDate) {
			return bills[i].DueDate.Before(bills[j].DueDate)
		}
		return bills[i].ID < bills[j].ID
	})
	open := make([]store.OpenBill, 0, len(bills))
	for _, b := range bills {
		left := b.Amount
		for _, p := range s.payments {
			if p.BillID != nil && *p.BillID == b.ID {
				left -= p.Amount
			}
		}
		open = append(open, store.OpenBill{ID: b.ID, Outstanding: left})
	}
	return open
}

func (s *Store) hasOverdue(tenantID, customerID int64) bool {
	for _, b := range s.bills {
		if b.TenantID == tenantID && b.CustomerID == customerID && b.Status == models.BillOverdue {
			return true
		}
	}
	return false
}

func (s *Store) GetPayment(ctx context.Context, tenantID, id int64) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return clone(p), nil
}

func (s *Store) ListPayments(ctx context.Context, tenantID int64, page store.Page) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := []models.Payment{}
	for _, id := range sortedIDs(s.payments) {
		if p := s.payments[id]; p.TenantID == tenantID {
			rows = append(rows, *p)
		}
	}
	return window(rows, page), nil
}
