package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
)

const paymentCols = `id, tenant_id, customer_id, bill_id, amount, method, transaction_ref, created_at`

// ApplyPayment records p and applies it to the customer and bills in one
// transaction. The partial unique index on (tenant_id, transaction_ref)
// makes a replayed reference a no-op that reports the payment and customer
// it was first recorded against.
func (s *Store) ApplyPayment(ctx context.Context, p *models.Payment) (*store.PaymentResult, error) {
	res := &store.PaymentResult{}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if p.TransactionRef != nil {
			existing, err := paymentByRef(ctx, tx, p.TenantID, *p.TransactionRef)
			if err == nil {
				return duplicate(ctx, tx, res, existing)
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		var c models.Customer
		err := tx.GetContext(ctx, &c, `SELECT `+customerCols+` FROM customers WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, p.CustomerID, p.TenantID)
		if err != nil {
			return mapErr(err)
		}

		if p.BillID != nil {
			var billID int64
			err := tx.GetContext(ctx, &billID, `
				SELECT id FROM bills WHERE id = $1 AND tenant_id = $2 AND customer_id = $3 FOR UPDATE`,
				*p.BillID, p.TenantID, p.CustomerID)
			if err != nil {
				return mapErr(err)
			}
		}

		err = tx.GetContext(ctx, p, `
			INSERT INTO payments (tenant_id, customer_id, bill_id, amount, method, transaction_ref)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, transaction_ref) WHERE transaction_ref IS NOT NULL DO NOTHING
			RETURNING `+paymentCols, p.TenantID, p.CustomerID, p.BillID, p.Amount, p.Method, p.TransactionRef)
		if errors.Is(err, sql.ErrNoRows) {
			// Lost a race with a concurrent delivery of the same reference.
			existing, err := paymentByRef(ctx, tx, p.TenantID, *p.TransactionRef)
			if err != nil {
				return err
			}
			return duplicate(ctx, tx, res, existing)
		}
		if err != nil {
			return mapErr(err)
		}
		res.Payment = p

		err = tx.GetContext(ctx, &c, `
			UPDATE customers SET due_balance = due_balance - $2, updated_at = NOW()
			WHERE id = $1
			RETURNING `+customerCols, p.CustomerID, p.Amount)
		if err != nil {
			return mapErr(err)
		}

		// New bills and payments for the customer wait on the row lock above.
		var open []store.OpenBill
		err = tx.SelectContext(ctx, &open, `
			SELECT b.id,
			       b.amount - COALESCE((SELECT SUM(p.amount) FROM payments p WHERE p.bill_id = b.id), 0) AS outstanding
			FROM bills b
			WHERE b.customer_id = $1 AND b.status <> 'paid'
			ORDER BY b.due_date, b.id`, p.CustomerID)
		if err != nil {
			return mapErr(err)
		}
		if settled := store.CoveredBills(open, c.DueBalance); len(settled) > 0 {
			_, err = tx.ExecContext(ctx, `
				UPDATE bills SET status = 'paid', paid_at = NOW()
				WHERE id = ANY($1) AND status <> 'paid'`, pq.Array(settled))
			if err != nil {
				return mapErr(err)
			}
			res.Settled = settled
		}

		err = tx.GetContext(ctx, &c, `
			UPDATE customers SET connection_status = 'active', updated_at = NOW()
			WHERE id = $1
			  AND connection_status = 'suspended'
			  AND due_balance <= 0
			  AND NOT EXISTS (SELECT 1 FROM bills WHERE customer_id = $1 AND status = 'overdue')
			RETURNING `+customerCols, p.CustomerID)
		switch {
		case err == nil:
			res.Reactivated = true
		case !errors.Is(err, sql.ErrNoRows):
			return mapErr(err)
		}
		res.Customer = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// duplicate fills res for a replayed reference from the original payment.
func duplicate(ctx context.Context, tx *sqlx.Tx, res *store.PaymentResult, existing *models.Payment) error {
	var c models.Customer
	err := tx.GetContext(ctx, &c, `SELECT `+customerCols+` FROM customers WHERE id = $1 AND tenant_id = $2`, existing.CustomerID, existing.TenantID)
	if err != nil {
		return mapErr(err)
	}
	res.Payment, res.Customer, res.Duplicate = existing, &c, true
	return nil
}

func paymentByRef(ctx context.Context, q sqlx.QueryerContext, tenantID int64, ref string) (*models.Payment, error) {
	var p models.Payment
	err := sqlx.GetContext(ctx, q, &p, `SELECT `+paymentCols+` FROM payments WHERE tenant_id = $1 AND transaction_ref = $2`, tenantID, ref)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (s *Store) GetPayment(ctx context.Context, tenantID, id int64) (*models.Payment, error) {
	var p models.Payment
	if err := s.db.GetContext(ctx, &p, `SELECT `+paymentCols+` FROM payments WHERE id = $1 AND tenant_id = $2`, id, tenantID); err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (s *Store) ListPayments(ctx context.Context, tenantID int64, page store.Page) ([]models.Payment, error) {
	page = page.Normalize()
	rows := []models.Payment{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+paymentCols+` FROM payments
		WHERE tenant_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3`, tenantID, page.Limit, page.Offset)
	return rows, mapErr(err)
}
