// Package memstore is an in-process implementation of every store contract.
// It backs DB_DRIVER=memory for local runs and doubles as the test fixture
// for the service packages. Data does not survive a restart.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
)

type Store struct {
	mu  sync.Mutex
	seq int64

	tenants      map[int64]*models.Tenant
	users        map[int64]*models.User
	packages     map[int64]*models.Package
	customers    map[int64]*models.Customer
	bills        map[int64]*models.Bill
	payments     map[int64]*models.Payment
	integrations map[int64]*models.NetworkIntegration
	tasks        map[int64]*models.SyncTask
	logs         []*models.SyncLog
	apiKeys      map[int64]*models.ApiKey
	apiLogs      []*models.ApiLog

	now func() time.Time
}

func New() *Store {
	return &Store{
		tenants:      make(map[int64]*models.Tenant),
		users:        make(map[int64]*models.User),
		packages:     make(map[int64]*models.Package),
		customers:    make(map[int64]*models.Customer),
		bills:        make(map[int64]*models.Bill),
		payments:     make(map[int64]*models.Payment),
		integrations: make(map[int64]*models.NetworkIntegration),
		tasks:        make(map[int64]*models.SyncTask),
		apiKeys:      make(map[int64]*models.ApiKey),
		now:          time.Now,
	}
}

// SetClock replaces the time source used for row timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func ptr[T any](v T) *T { return &v }

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func sortedIDs[T any](m map[int64]*T) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func window[T any](rows []T, p store.Page) []T {
	p = p.Normalize()
	if p.Offset >= len(rows) {
		return []T{}
	}
	rows = rows[p.Offset:]
	if len(rows) > p.Limit {
		rows = rows[:p.Limit]
	}
	return rows
}

func rawOrEmpty(m json.RawMessage) json.RawMessage {
	if len(m) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), m...)
}

// dateOnly truncates t to midnight UTC, matching a DATE column.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
