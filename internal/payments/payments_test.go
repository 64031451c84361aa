package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
	"isp-saas.com/netsync/internal/store/memstore"
	"isp-saas.com/netsync/pkg/logger"
)

type recordingNotifier struct {
	calls []string
}

func (n *recordingNotifier) OnStateChange(ctx context.Context, c *models.Customer, action, by string) (*models.SyncTask, error) {
	n.calls = append(n.calls, action)
	return &models.SyncTask{Action: action, Status: models.TaskPending}, nil
}

func setup(t *testing.T, status string) (*memstore.Store, *Service, *recordingNotifier, *models.Customer, *models.Bill) {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	tn := &models.Tenant{Name: "ISP"}
	st.CreateTenant(ctx, tn)
	u := "user123"
	c := &models.Customer{TenantID: tn.ID, Name: "c", ConnectionStatus: status, NetworkUsername: &u}
	if err := st.CreateCustomer(ctx, c); err != nil {
		t.Fatal(err)
	}
	b := &models.Bill{TenantID: tn.ID, CustomerID: c.ID, Amount: 40, Status: models.BillOverdue, DueDate: time.Now().AddDate(0, 0, -10)}
	if err := st.CreateBill(ctx, b); err != nil {
		t.Fatal(err)
	}
	n := &recordingNotifier{}
	return st, NewService(st, n, nil, logger.NewNop()), n, c, b
}

func TestReplayedReferenceAppliesOnce(t *testing.T) {
	st, svc, _, c, b := setup(t, models.ConnectionActive)
	ctx := context.Background()
	in := Input{TenantID: c.TenantID, CustomerID: c.ID, BillID: &b.ID, Amount: 15, TransactionRef: "txn-42", Source: "webhook"}

	for i := 0; i < 3; i++ {
		out, err := svc.Apply(ctx, in)
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		if out.Duplicate != (i > 0) {
			t.Fatalf("delivery %d: duplicate = %v", i, out.Duplicate)
		}
	}

	payments, _ := st.ListPayments(ctx, c.TenantID, store.Page{})
	if len(payments) != 1 {
		t.Fatalf("%d payment rows, want 1", len(payments))
	}
	got, _ := st.GetCustomer(ctx, c.TenantID, c.ID)
	if got.DueBalance != 25 {
		t.Fatalf("due_balance = %v, want 25", got.DueBalance)
	}
}

func TestPaymentWithoutReferenceIsNotDeduplicated(t *testing.T) {
	st, svc, _, c, _ := setup(t, models.ConnectionActive)
	ctx := context.Background()
	in := Input{TenantID: c.TenantID, CustomerID: c.ID, Amount: 5}
	svc.Apply(ctx, in)
	svc.Apply(ctx, in)
	payments, _ := st.ListPayments(ctx, c.TenantID, store.Page{})
	if len(payments) != 2 {
		t.Fatalf("%d payments, want 2", len(payments))
	}
}

func TestClearingDebtReactivatesOnce(t *testing.T) {
	st, svc, n, c, b := setup(t, models.ConnectionSuspended)
	ctx := context.Background()

	partial, err := svc.Apply(ctx, Input{TenantID: c.TenantID, CustomerID: c.ID, Amount: 10, TransactionRef: "p1"})
	if err != nil || partial.Reactivated {
		t.Fatalf("partial payment reactivated: %+v, %v", partial, err)
	}

	full, err := svc.Apply(ctx, Input{TenantID: c.TenantID, CustomerID: c.ID, BillID: &b.ID, Amount: 30, TransactionRef: "p2"})
	if err != nil {
		t.Fatal(err)
	}
	if !full.Reactivated || full.SyncTask == nil {
		t.Fatalf("outcome = %+v", full)
	}
	got, _ := st.GetCustomer(ctx, c.TenantID, c.ID)
	if got.ConnectionStatus != models.ConnectionActive {
		t.Fatalf("status = %s", got.ConnectionStatus)
	}
	bill, _ := st.GetBill(ctx, c.TenantID, b.ID)
	if bill.Status != models.BillPaid || bill.PaidAt == nil {
		t.Fatalf("bill = %+v", bill)
	}

	svc.Apply(ctx, Input{TenantID: c.TenantID, CustomerID: c.ID, BillID: &b.ID, Amount: 30, TransactionRef: "p2"})
	if len(n.calls) != 1 || n.calls[0] != models.ActionEnable {
		t.Fatalf("notifier calls = %v, want exactly one enable", n.calls)
	}
}

func TestPartialBillPaymentLeavesBillOpen(t *testing.T) {
	st, svc, n, c, b := setup(t, models.ConnectionSuspended)
	ctx := context.Background()

	out, err := svc.Apply(ctx, Input{TenantID: c.TenantID, CustomerID: c.ID, BillID: &b.ID, Amount: 1, TransactionRef: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Reactivated || len(out.Settled) != 0 {
		t.Fatalf("a 1.00 payment on a 40.00 bill: %+v", out)
	}
	bill, _ := st.GetBill(ctx, c.TenantID, b.ID)
	if bill.Status != models.BillOverdue || bill.PaidAt != nil {
		t.Fatalf("bill = %+v", bill)
	}

	out, _ = svc.Apply(ctx, Input{TenantID: c.TenantID, CustomerID: c.ID, BillID: &b.ID, Amount: 39, TransactionRef: "p2"})
	if !out.Reactivated || len(out.Settled) != 1 || out.Settled[0] != b.ID {
		t.Fatalf("remainder payment: %+v", out)
	}
	if len(n.calls) != 1 {
		t.Fatalf("notifier calls = %v", n.calls)
	}
}

func TestUnallocatedPaymentSettlesOldestBills(t *testing.T) {
	st, svc, n, c, old := setup(t, models.ConnectionSuspended)
	ctx := context.Background()
	next := &models.Bill{TenantID: c.TenantID, CustomerID: c.ID, Amount: 20, Status: models.BillPending, DueDate: time.Now().AddDate(0, 0, 20)}
	if err := st.CreateBill(ctx, next); err != nil {
		t.Fatal(err)
	}

	out, err := svc.Apply(ctx, Input{TenantID: c.TenantID, CustomerID: c.ID, Amount: 45, TransactionRef: "mpesa-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Settled) != 1 || out.Settled[0] != old.ID {
		t.Fatalf("settled = %v, want [%d]", out.Settled, old.ID)
	}
	if out.Reactivated {
		t.Fatal("reactivated with 15.00 still due")
	}
	if bill, _ := st.GetBill(ctx, c.TenantID, next.ID); bill.Status != models.BillPending {
		t.Fatalf("newer bill = %s, want pending", bill.Status)
	}

	out, _ = svc.Apply(ctx, Input{TenantID: c.TenantID, CustomerID: c.ID, Amount: 15, TransactionRef: "mpesa-2"})
	if len(out.Settled) != 1 || out.Settled[0] != next.ID || !out.Reactivated {
		t.Fatalf("second payment: %+v", out)
	}
	if len(n.calls) != 1 {
		t.Fatalf("notifier calls = %v", n.calls)
	}
}

func TestDuplicateReportsOriginalCustomer(t *testing.T) {
	st, svc, _, c, _ := setup(t, models.ConnectionActive)
	ctx := context.Background()
	other := &models.Customer{TenantID: c.TenantID, Name: "other", ConnectionStatus: models.ConnectionActive}
	if err := st.CreateCustomer(ctx, other); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Apply(ctx, Input{TenantID: c.TenantID, CustomerID: c.ID, Amount: 5, TransactionRef: "txn-9"}); err != nil {
		t.Fatal(err)
	}
	out, err := svc.Apply(ctx, Input{TenantID: c.TenantID, CustomerID: other.ID, Amount: 5, TransactionRef: "txn-9"})
	if err != nil || !out.Duplicate {
		t.Fatalf("replay = %+v, %v", out, err)
	}
	if out.Customer.ID != c.ID || out.Payment.CustomerID != c.ID {
		t.Fatalf("replay reported customer %d, payment customer %d; want %d", out.Customer.ID, out.Payment.CustomerID, c.ID)
	}
	if got, _ := st.GetCustomer(ctx, c.TenantID, other.ID); got.DueBalance != 0 {
		t.Fatalf("other customer's due_balance = %v", got.DueBalance)
	}
}

func TestApplyValidation(t *testing.T) {
	_, svc, _, c, _ := setup(t, models.ConnectionActive)
	ctx := context.Background()

	if _, err := svc.Apply(ctx, Input{TenantID: c.TenantID, CustomerID: c.ID, Amount: 0}); !errors.Is(err, ErrInvalidPayment) {
		t.Fatalf("zero amount err = %v", err)
	}
	if _, err := svc.Apply(ctx, Input{TenantID: c.TenantID + 100, CustomerID: c.ID, Amount: 5}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-tenant payment err = %v", err)
	}
}

func TestSignature(t *testing.T) {
	secret := []byte("whsec")
	body := []byte(`{"transaction_ref":"txn-1"}`)
	sig := Sign(secret, body)

	if !VerifySignature(secret, body, sig) || !VerifySignature(secret, body, "sha256="+sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature(secret, []byte(`{"transaction_ref":"txn-2"}`), sig) {
		t.Fatal("signature accepted for another body")
	}
	if VerifySignature(nil, body, sig) || VerifySignature(secret, body, "zz") {
		t.Fatal("accepted without secret or with garbage")
	}
}
