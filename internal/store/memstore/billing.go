package memstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
)

func (s *Store) CreateTenant(ctx context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.nextID()
	t.CreatedAt = s.now()
	if t.Status == "" {
		t.Status = "active"
	}
	s.tenants[t.ID] = clone(t)
	return nil
}

// RegisterTenant creates a tenant and its first user together.
func (s *Store) RegisterTenant(ctx context.Context, t *models.Tenant, owner *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emailTaken(owner.Email) {
		return store.ErrDuplicate
	}
	t.ID = s.nextID()
	t.CreatedAt = s.now()
	if t.Status == "" {
		t.Status = "active"
	}
	s.tenants[t.ID] = clone(t)

	owner.ID = s.nextID()
	owner.TenantID = t.ID
	owner.CreatedAt = s.now()
	s.users[owner.ID] = clone(owner)
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id int64) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(t), nil
}

func (s *Store) UpdateTenantSettings(ctx context.Context, id int64, autoSuspendDays int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return store.ErrNotFound
	}
	t.AutoSuspendDays = autoSuspendDays
	return nil
}

func (s *Store) ListAutoSuspendTenants(ctx context.Context) ([]models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Tenant
	for _, id := range sortedIDs(s.tenants) {
		t := s.tenants[id]
		if t.AutoSuspendDays > 0 && t.Status == "active" {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *Store) emailTaken(email string) bool {
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return true
		}
	}
	return false
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[u.TenantID]; !ok {
		return store.ErrNotFound
	}
	if s.emailTaken(u.Email) {
		return store.ErrDuplicate
	}
	u.ID = s.nextID()
	u.CreatedAt = s.now()
	s.users[u.ID] = clone(u)
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return clone(u), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) SetUserPassword(ctx context.Context, email, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
			u.PasswordHash = hash
			u.IsActive = true
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(u), nil
}

func (s *Store) CreatePackage(ctx context.Context, p *models.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[p.TenantID]; !ok {
		return store.ErrNotFound
	}
	p.ID = s.nextID()
	p.CreatedAt = s.now()
	s.packages[p.ID] = clone(p)
	return nil
}

func (s *Store) GetPackage(ctx context.Context, tenantID, id int64) (*models.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[id]
	if !ok || p.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return clone(p), nil
}

func (s *Store) ListPackages(ctx context.Context, tenantID int64) ([]models.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Package{}
	for _, id := range sortedIDs(s.packages) {
		if p := s.packages[id]; p.TenantID == tenantID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *Store) CreateCustomer(ctx context.Context, c *models.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[c.TenantID]; !ok {
		return store.ErrNotFound
	}
	if c.PackageID != nil {
		if p, ok := s.packages[*c.PackageID]; !ok || p.TenantID != c.TenantID {
			return store.ErrNotFound
		}
	}
	if c.ConnectionStatus == "" {
		c.ConnectionStatus = models.ConnectionPending
	}
	c.ID = s.nextID()
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	s.customers[c.ID] = clone(c)
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, tenantID, id int64) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok || c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return clone(c), nil
}

func (s *Store) ListCustomers(ctx context.Context, tenantID int64, page store.Page) ([]models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := []models.Customer{}
	for _, id := range sortedIDs(s.customers) {
		if c := s.customers[id]; c.TenantID == tenantID {
			rows = append(rows, *c)
		}
	}
	return window(rows, page), nil
}

func (s *Store) UpdateCustomer(ctx context.Context, tenantID, id int64, u store.CustomerUpdate) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok || c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	if u.PackageID != nil {
		if p, ok := s.packages[*u.PackageID]; !ok || p.TenantID != tenantID {
			return nil, store.ErrNotFound
		}
		c.PackageID = ptr(*u.PackageID)
	}
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Phone != nil {
		c.Phone = *u.Phone
	}
	if u.NetworkUsername != nil {
		if *u.NetworkUsername == "" {
			c.NetworkUsername = nil
		} else {
			c.NetworkUsername = ptr(*u.NetworkUsername)
		}
	}
	c.UpdatedAt = s.now()
	return clone(c), nil
}

// TransitionCustomer moves connection_status to `to` when it currently
// equals `from` (any status when from is empty). It reports whether the row
// changed.
func (s *Store) TransitionCustomer(ctx context.Context, tenantID, id int64, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok || c.TenantID != tenantID {
		return false, store.ErrNotFound
	}
	if (from != "" && c.ConnectionStatus != from) || c.ConnectionStatus == to {
		return false, nil
	}
	c.ConnectionStatus = to
	c.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) UpdateCustomerSync(ctx context.Context, tenantID, id int64, at time.Time, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok || c.TenantID != tenantID {
		return store.ErrNotFound
	}
	c.LastNetworkSyncAt = ptr(at)
	c.LastNetworkSyncStatus = ptr(status)
	return nil
}

func (s *Store) ListSuspendCandidates(ctx context.Context, tenantID int64, cutoff time.Time) ([]models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff = dateOnly(cutoff)
	seen := make(map[int64]bool)
	var out []models.Customer
	for _, id := range sortedIDs(s.bills) {
		b := s.bills[id]
		if b.TenantID != tenantID || b.Status != models.BillOverdue || dateOnly(b.DueDate).After(cutoff) {
			continue
		}
		c, ok := s.customers[b.CustomerID]
		if !ok || c.ConnectionStatus != models.ConnectionActive || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateBill records a bill and adds its amount to the customer's balance.
func (s *Store) CreateBill(ctx context.Context, b *models.Bill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[b.CustomerID]
	if !ok || c.TenantID != b.TenantID {
		return store.ErrNotFound
	}
	if b.Status == "" {
		b.Status = models.BillPending
	}
	b.DueDate = dateOnly(b.DueDate)
	b.ID = s.nextID()
	b.CreatedAt = s.now()
	s.bills[b.ID] = clone(b)
	if b.Status != models.BillPaid {
		c.DueBalance += b.Amount
		c.UpdatedAt = b.CreatedAt
	}
	return nil
}

func (s *Store) GetBill(ctx context.Context, tenantID, id int64) (*models.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bills[id]
	if !ok || b.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return clone(b), nil
}

func (s *Store) ListBills(ctx context.Context, tenantID int64, f store.BillFilter) ([]models.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := []models.Bill{}
	for _, id := range sortedIDs(s.bills) {
		b := s.bills[id]
		if b.TenantID != tenantID {
			continue
		}
		if f.CustomerID != nil && b.CustomerID != *f.CustomerID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		rows = append(rows, *b)
	}
	return window(rows, f.Page), nil
}

// MarkOverdueBills flips pending bills due before today to overdue.
func (s *Store) MarkOverdueBills(ctx context.Context, tenantID int64, today time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	today = dateOnly(today)
	var n int64
	for _, b := range s.bills {
		if b.TenantID == tenantID && b.Status == models.BillPending && b.DueDate.Before(today) {
			b.Status = models.BillOverdue
			n++
		}
	}
	return n, nil
}
