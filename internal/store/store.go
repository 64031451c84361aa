// Package store holds the errors and query shapes shared by every store
// implementation.
package store

import (
	"errors"
	"math"

	"isp-saas.com/netsync/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate reports a unique-key conflict (coalesced task, replayed
	// payment reference, duplicate email).
	ErrDuplicate = errors.New("duplicate")
)

// Page bounds a list query. A zero Limit means DefaultLimit.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type TaskFilter struct {
	Status     string
	CustomerID *int64
	Page
}

type LogFilter struct {
	CustomerID    *int64
	IntegrationID *int64
	Status        string
	Page
}

type BillFilter struct {
	CustomerID *int64
	Status     string
	Page
}

// PaymentResult is what a payment transaction did.
type PaymentResult struct {
	Payment  *models.Payment
	Customer *models.Customer
	// Duplicate is set when the transaction reference was already recorded;
	// nothing was changed.
	Duplicate bool
	// Reactivated is set when the payment cleared the last overdue bill of a
	// suspended customer and the customer was returned to active.
	Reactivated bool
	// Settled lists the bills this payment marked paid.
	Settled []int64
}

// OpenBill is an unpaid bill and what is still owed on it after the
// payments that name it.
type OpenBill struct {
	ID          int64   `db:"id"`
	Outstanding float64 `db:"outstanding"`
}

// settleEpsilon absorbs float rounding in currency sums.
const settleEpsilon = 0.005

// CoveredBills returns the bills in open that are now paid off. open must be
// ordered oldest due date first. A bill whose own payments reach its amount
// is covered. Credit from payments that name no bill, which shows up as
// dueBalance sitting below what the open bills still owe, covers the oldest
// remaining bills in order; a bill it cannot cover in full stays open.
func CoveredBills(open []OpenBill, dueBalance float64) []int64 {
	var covered []int64
	var rest []OpenBill
	owed := 0.0
	for _, b := range open {
		if b.Outstanding <= settleEpsilon {
			covered = append(covered, b.ID)
			continue
		}
		rest = append(rest, b)
		owed += b.Outstanding
	}
	credit := owed - math.Max(dueBalance, 0)
	for _, b := range rest {
		if b.Outstanding > credit+settleEpsilon {
			break
		}
		covered = append(covered, b.ID)
		credit -= b.Outstanding
	}
	return covered
}

// CustomerUpdate carries the mutable fields of a customer. Nil fields are
// left unchanged.
type CustomerUpdate struct {
	Name            *string
	Phone           *string
	PackageID       *int64
	NetworkUsername *string
}
