// Package suspend implements the auto-suspend job: for every tenant with a
// grace period it suspends customers whose bills stayed overdue past that
// period and immediately tells the network.
package suspend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"isp-saas.com/netsync/internal/integration"
	"isp-saas.com/netsync/internal/metrics"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/syncer"
	"isp-saas.com/netsync/pkg/logger"
)

type Store interface {
	ListAutoSuspendTenants(ctx context.Context) ([]models.Tenant, error)
	MarkOverdueBills(ctx context.Context, tenantID int64, today time.Time) (int64, error)
	ListSuspendCandidates(ctx context.Context, tenantID int64, cutoff time.Time) ([]models.Customer, error)
	TransitionCustomer(ctx context.Context, tenantID, id int64, from, to string) (bool, error)
}

// Syncer runs an immediate network sync. *syncer.Service implements it.
type Syncer interface {
	SyncNow(ctx context.Context, spec syncer.TaskSpec) (*models.SyncLog, *models.SyncTask, error)
}

type TenantResult struct {
	TenantID       int64    `json:"tenant_id"`
	TenantName     string   `json:"tenant_name"`
	MarkedOverdue  int64    `json:"marked_overdue"`
	SuspendedCount int      `json:"suspended_count"`
	SyncedCount    int      `json:"synced_count"`
	Errors         []string `json:"errors"`
}

type Summary struct {
	TenantsProcessed int            `json:"tenants_processed"`
	TotalSuspended   int            `json:"total_suspended"`
	TotalSynced      int            `json:"total_synced"`
	DurationMs       int64          `json:"duration_ms"`
	Tenants          []TenantResult `json:"tenants"`
	Errors           []string       `json:"errors,omitempty"`
}

type Scheduler struct {
	store        Store
	integrations syncer.EnabledSource
	syncer       Syncer
	metrics      *metrics.Collector
	logger       *logger.Logger
	now          func() time.Time
}

func NewScheduler(s Store, src syncer.EnabledSource, sy Syncer, m *metrics.Collector, log *logger.Logger) *Scheduler {
	return &Scheduler{store: s, integrations: src, syncer: sy, metrics: m, logger: log, now: time.Now}
}

// Start runs the job every interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.logger.Info("Starting auto-suspend scheduler", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping auto-suspend scheduler")
			return
		case <-ticker.C:
			s.Run(ctx)
		}
	}
}

// Run processes every tenant once. Tenants are independent: a failure in
// one is recorded in its result and the run moves on.
func (s *Scheduler) Run(ctx context.Context) Summary {
	started := time.Now()
	summary := Summary{Tenants: []TenantResult{}}

	tenants, err := s.store.ListAutoSuspendTenants(ctx)
	if err != nil {
		s.logger.Error("Failed to list tenants for auto-suspend", "error", err)
		summary.Errors = append(summary.Errors, err.Error())
		summary.DurationMs = time.Since(started).Milliseconds()
		return summary
	}

	for _, tenant := range tenants {
		if ctx.Err() != nil {
			summary.Errors = append(summary.Errors, ctx.Err().Error())
			break
		}
		res := s.runTenant(ctx, tenant)
		summary.TenantsProcessed++
		summary.TotalSuspended += res.SuspendedCount
		summary.TotalSynced += res.SyncedCount
		summary.Tenants = append(summary.Tenants, res)
	}

	took := time.Since(started)
	summary.DurationMs = took.Milliseconds()
	s.metrics.RecordSuspendRun(summary.TotalSuspended, summary.TotalSynced, took)
	s.logger.Info("Auto-suspend run complete",
		"tenants", summary.TenantsProcessed,
		"suspended", summary.TotalSuspended,
		"synced", summary.TotalSynced,
		"duration_ms", summary.DurationMs,
	)
	return summary
}

func (s *Scheduler) runTenant(ctx context.Context, tenant models.Tenant) (res TenantResult) {
	res = TenantResult{TenantID: tenant.ID, TenantName: tenant.Name, Errors: []string{}}
	log := s.logger.With("tenant_id", tenant.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Auto-suspend panicked", "panic", r)
			res.Errors = append(res.Errors, fmt.Sprintf("panic: %v", r))
		}
	}()

	today := s.now()
	marked, err := s.store.MarkOverdueBills(ctx, tenant.ID, today)
	if err != nil {
		res.Errors = append(res.Errors, "mark overdue bills: "+err.Error())
		return res
	}
	res.MarkedOverdue = marked

	cutoff := today.AddDate(0, 0, -tenant.AutoSuspendDays)
	candidates, err := s.store.ListSuspendCandidates(ctx, tenant.ID, cutoff)
	if err != nil {
		res.Errors = append(res.Errors, "find candidates: "+err.Error())
		return res
	}
	if len(candidates) == 0 {
		return res
	}

	in, err := s.integrations.GetEnabled(ctx, tenant.ID)
	if err != nil && !errors.Is(err, integration.ErrNoIntegration) {
		res.Errors = append(res.Errors, "load integration: "+err.Error())
	}
	if err != nil {
		in = nil
	}

	for i := range candidates {
		c := &candidates[i]
		changed, err := s.store.TransitionCustomer(ctx, tenant.ID, c.ID, models.ConnectionActive, models.ConnectionSuspended)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("customer %d: suspend: %v", c.ID, err))
			continue
		}
		if !changed {
			// Someone else suspended or reactivated it since the query.
			continue
		}
		res.SuspendedCount++
		log.Info("Customer auto-suspended", "customer_id", c.ID)

		if in == nil || c.Username() == "" {
			continue
		}
		if s.disable(ctx, in, c, &res) {
			res.SyncedCount++
		}
	}
	return res
}

// disable attempts the immediate network disable. A failed attempt stays in
// the queue as retrying; the suspension itself stands.
func (s *Scheduler) disable(ctx context.Context, in *models.NetworkIntegration, c *models.Customer, res *TenantResult) bool {
	customerID := c.ID
	log, _, err := s.syncer.SyncNow(ctx, syncer.TaskSpec{
		TenantID:      c.TenantID,
		IntegrationID: in.ID,
		CustomerID:    &customerID,
		Action:        models.ActionDisable,
		TriggeredBy:   "auto_suspend",
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("customer %d: network disable: %v", c.ID, err))
		return false
	}
	if log.Status != models.TaskSuccess {
		msg := "unknown error"
		if log.ErrorMessage != nil {
			msg = *log.ErrorMessage
		}
		res.Errors = append(res.Errors, fmt.Sprintf("customer %d: network disable failed: %s", c.ID, msg))
		return false
	}
	return true
}
