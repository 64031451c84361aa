package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
)

const (
	tenantCols   = `id, name, status, auto_suspend_days, created_at`
	userCols     = `id, tenant_id, email, password_hash, role, full_name, is_active, created_at`
	packageCols  = `id, tenant_id, name, download_mbps, upload_mbps, price, is_active, created_at`
	customerCols = `id, tenant_id, name, phone, package_id, connection_status, network_username, due_balance,
		last_network_sync_at, last_network_sync_status, created_at, updated_at`
	billCols = `id, tenant_id, customer_id, amount, status, due_date, paid_at, created_at`
)

func insertTenant(ctx context.Context, q sqlx.QueryerContext, t *models.Tenant) error {
	if t.Status == "" {
		t.Status = "active"
	}
	return sqlx.GetContext(ctx, q, t, `
		INSERT INTO tenants (name, status, auto_suspend_days)
		VALUES ($1, $2, $3)
		RETURNING `+tenantCols, t.Name, t.Status, t.AutoSuspendDays)
}

func insertUser(ctx context.Context, q sqlx.QueryerContext, u *models.User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	err := sqlx.GetContext(ctx, q, u, `
		INSERT INTO users (tenant_id, email, password_hash, role, full_name, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userCols, u.TenantID, u.Email, u.PasswordHash, u.Role, u.FullName, u.IsActive)
	return mapErr(err)
}

func (s *Store) CreateTenant(ctx context.Context, t *models.Tenant) error {
	return mapErr(insertTenant(ctx, s.db, t))
}

// RegisterTenant creates a tenant and its first user together.
func (s *Store) RegisterTenant(ctx context.Context, t *models.Tenant, owner *models.User) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertTenant(ctx, tx, t); err != nil {
			return mapErr(err)
		}
		owner.TenantID = t.ID
		return insertUser(ctx, tx, owner)
	})
}

func (s *Store) GetTenant(ctx context.Context, id int64) (*models.Tenant, error) {
	var t models.Tenant
	if err := s.db.GetContext(ctx, &t, `SELECT `+tenantCols+` FROM tenants WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (s *Store) UpdateTenantSettings(ctx context.Context, id int64, autoSuspendDays int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET auto_suspend_days = $2 WHERE id = $1`, id, autoSuspendDays)
	return affected(res, err)
}

func (s *Store) ListAutoSuspendTenants(ctx context.Context) ([]models.Tenant, error) {
	var rows []models.Tenant
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+tenantCols+` FROM tenants
		WHERE auto_suspend_days > 0 AND status = 'active'
		ORDER BY id`)
	return rows, mapErr(err)
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	return insertUser(ctx, s.db, u)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT `+userCols+` FROM users WHERE lower(email) = lower($1)`, strings.TrimSpace(email))
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// SetUserPassword replaces the password hash of the user with email and
// re-activates the account.
func (s *Store) SetUserPassword(ctx context.Context, email, hash string) error {
	return affected(s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, is_active = TRUE WHERE lower(email) = lower($1)`,
		strings.TrimSpace(email), hash))
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	if err := s.db.GetContext(ctx, &u, `SELECT `+userCols+` FROM users WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (s *Store) CreatePackage(ctx context.Context, p *models.Package) error {
	err := s.db.GetContext(ctx, p, `
		INSERT INTO packages (tenant_id, name, download_mbps, upload_mbps, price, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+packageCols, p.TenantID, p.Name, p.DownloadMbps, p.UploadMbps, p.Price, p.IsActive)
	return mapErr(err)
}

func (s *Store) GetPackage(ctx context.Context, tenantID, id int64) (*models.Package, error) {
	var p models.Package
	err := s.db.GetContext(ctx, &p, `SELECT `+packageCols+` FROM packages WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (s *Store) ListPackages(ctx context.Context, tenantID int64) ([]models.Package, error) {
	rows := []models.Package{}
	err := s.db.SelectContext(ctx, &rows, `SELECT `+packageCols+` FROM packages WHERE tenant_id = $1 ORDER BY id`, tenantID)
	return rows, mapErr(err)
}

// CreateCustomer inserts c. A package from another tenant is reported as
// store.ErrNotFound.
func (s *Store) CreateCustomer(ctx context.Context, c *models.Customer) error {
	if c.ConnectionStatus == "" {
		c.ConnectionStatus = models.ConnectionPending
	}
	err := s.db.GetContext(ctx, c, `
		INSERT INTO customers (tenant_id, name, phone, package_id, connection_status, network_username, due_balance)
		SELECT $1::bigint, $2::text, $3::text, $4::bigint, $5::text, $6::text, $7::numeric
		WHERE $4::bigint IS NULL OR EXISTS (SELECT 1 FROM packages WHERE id = $4 AND tenant_id = $1)
		RETURNING `+customerCols,
		c.TenantID, c.Name, c.Phone, c.PackageID, c.ConnectionStatus, c.NetworkUsername, c.DueBalance)
	return mapErr(err)
}

func (s *Store) GetCustomer(ctx context.Context, tenantID, id int64) (*models.Customer, error) {
	var c models.Customer
	err := s.db.GetContext(ctx, &c, `SELECT `+customerCols+` FROM customers WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context, tenantID int64, page store.Page) ([]models.Customer, error) {
	page = page.Normalize()
	rows := []models.Customer{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+customerCols+` FROM customers
		WHERE tenant_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3`, tenantID, page.Limit, page.Offset)
	return rows, mapErr(err)
}

// UpdateCustomer applies the non-nil fields of u. An empty network username
// clears it.
func (s *Store) UpdateCustomer(ctx context.Context, tenantID, id int64, u store.CustomerUpdate) (*models.Customer, error) {
	var c models.Customer
	err := s.db.GetContext(ctx, &c, `
		UPDATE customers SET
			name = COALESCE($3, name),
			phone = COALESCE($4, phone),
			package_id = COALESCE($5, package_id),
			network_username = CASE WHEN $6::text IS NULL THEN network_username ELSE NULLIF($6, '') END,
			updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		  AND ($5::bigint IS NULL OR EXISTS (SELECT 1 FROM packages WHERE id = $5 AND tenant_id = $2))
		RETURNING `+customerCols,
		id, tenantID, u.Name, u.Phone, u.PackageID, u.NetworkUsername)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

// TransitionCustomer moves connection_status to `to` when it currently
// equals `from` (any status when from is empty). It reports whether the row
// changed.
func (s *Store) TransitionCustomer(ctx context.Context, tenantID, id int64, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers SET connection_status = $3, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		  AND connection_status <> $3
		  AND ($4::text = '' OR connection_status = $4)`, id, tenantID, to, from)
	if err != nil {
		return false, mapErr(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1 AND tenant_id = $2)`, id, tenantID); err != nil {
		return false, mapErr(err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) UpdateCustomerSync(ctx context.Context, tenantID, id int64, at time.Time, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers SET last_network_sync_at = $3, last_network_sync_status = $4
		WHERE id = $1 AND tenant_id = $2`, id, tenantID, at, status)
	return affected(res, err)
}

// ListSuspendCandidates returns active customers with at least one overdue
// bill due on or before cutoff.
func (s *Store) ListSuspendCandidates(ctx context.Context, tenantID int64, cutoff time.Time) ([]models.Customer, error) {
	var rows []models.Customer
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+customerCols+` FROM customers c
		WHERE c.tenant_id = $1
		  AND c.connection_status = 'active'
		  AND EXISTS (
			SELECT 1 FROM bills b
			WHERE b.customer_id = c.id AND b.tenant_id = $1
			  AND b.status = 'overdue' AND b.due_date <= $2::date)
		ORDER BY c.id`, tenantID, dateText(cutoff))
	return rows, mapErr(err)
}

// CreateBill records a bill and adds its amount to the customer's balance.
func (s *Store) CreateBill(ctx context.Context, b *models.Bill) error {
	if b.Status == "" {
		b.Status = models.BillPending
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var owner int64
		err := tx.GetContext(ctx, &owner, `SELECT id FROM customers WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, b.CustomerID, b.TenantID)
		if err != nil {
			return mapErr(err)
		}
		err = tx.GetContext(ctx, b, `
			INSERT INTO bills (tenant_id, customer_id, amount, status, due_date, paid_at)
			VALUES ($1, $2, $3, $4, $5::date, $6)
			RETURNING `+billCols, b.TenantID, b.CustomerID, b.Amount, b.Status, dateText(b.DueDate), b.PaidAt)
		if err != nil {
			return mapErr(err)
		}
		if b.Status == models.BillPaid {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE customers SET due_balance = due_balance + $2, updated_at = NOW() WHERE id = $1`, b.CustomerID, b.Amount)
		return mapErr(err)
	})
}

func (s *Store) GetBill(ctx context.Context, tenantID, id int64) (*models.Bill, error) {
	var b models.Bill
	if err := s.db.GetContext(ctx, &b, `SELECT `+billCols+` FROM bills WHERE id = $1 AND tenant_id = $2`, id, tenantID); err != nil {
		return nil, mapErr(err)
	}
	return &b, nil
}

func (s *Store) ListBills(ctx context.Context, tenantID int64, f store.BillFilter) ([]models.Bill, error) {
	w := &where{}
	w.add("tenant_id = ?", tenantID)
	if f.CustomerID != nil {
		w.add("customer_id = ?", *f.CustomerID)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	query := `SELECT ` + billCols + ` FROM bills` + w.String() + ` ORDER BY id` + w.page(f.Page)
	rows := []models.Bill{}
	err := s.db.SelectContext(ctx, &rows, query, w.args...)
	return rows, mapErr(err)
}

// MarkOverdueBills flips pending bills due before today to overdue.
func (s *Store) MarkOverdueBills(ctx context.Context, tenantID int64, today time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bills SET status = 'overdue'
		WHERE tenant_id = $1 AND status = 'pending' AND due_date < $2::date`, tenantID, dateText(today))
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return mapErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
