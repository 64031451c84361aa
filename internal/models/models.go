package models

import (
	"encoding/json"
	"time"
)

// Connection statuses of a customer.
const (
	ConnectionActive    = "active"
	ConnectionSuspended = "suspended"
	ConnectionPending   = "pending"
)

// Provider types of a network integration.
const (
	ProviderMikrotik = "mikrotik"
	ProviderRadius   = "radius"
	ProviderCustom   = "custom"
)

// Sync modes of a network integration.
const (
	SyncModeManual      = "manual"
	SyncModeScheduled   = "scheduled"
	SyncModeEventDriven = "event_driven"
)

// Sync actions.
const (
	ActionEnable         = "enable"
	ActionDisable        = "disable"
	ActionUpdateSpeed    = "update_speed"
	ActionTestConnection = "test_connection"
)

// Sync task statuses. success and failed are terminal.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskSuccess    = "success"
	TaskFailed     = "failed"
	TaskRetrying   = "retrying"
)

// Bill statuses.
const (
	BillPending = "pending"
	BillPaid    = "paid"
	BillOverdue = "overdue"
)

// API key scopes.
const (
	ScopeReadOnly  = "read_only"
	ScopeReadWrite = "read_write"
)

func ValidProvider(p string) bool {
	return p == ProviderMikrotik || p == ProviderRadius || p == ProviderCustom
}

func ValidSyncMode(m string) bool {
	return m == SyncModeManual || m == SyncModeScheduled || m == SyncModeEventDriven
}

func ValidAction(a string) bool {
	switch a {
	case ActionEnable, ActionDisable, ActionUpdateSpeed, ActionTestConnection:
		return true
	}
	return false
}

type Tenant struct {
	ID              int64     `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Status          string    `json:"status" db:"status"`
	AutoSuspendDays int       `json:"auto_suspend_days" db:"auto_suspend_days"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

type User struct {
	ID           int64     `json:"id" db:"id"`
	TenantID     int64     `json:"tenant_id" db:"tenant_id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         string    `json:"role" db:"role"`
	FullName     string    `json:"full_name" db:"full_name"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

type Package struct {
	ID           int64     `json:"id" db:"id"`
	TenantID     int64     `json:"tenant_id" db:"tenant_id"`
	Name         string    `json:"name" db:"name"`
	DownloadMbps int       `json:"download_mbps" db:"download_mbps"`
	UploadMbps   int       `json:"upload_mbps" db:"upload_mbps"`
	Price        float64   `json:"price" db:"price"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

type Customer struct {
	ID                    int64      `json:"id" db:"id"`
	TenantID              int64      `json:"tenant_id" db:"tenant_id"`
	Name                  string     `json:"name" db:"name"`
	Phone                 string     `json:"phone" db:"phone"`
	PackageID             *int64     `json:"package_id" db:"package_id"`
	ConnectionStatus      string     `json:"connection_status" db:"connection_status"`
	NetworkUsername       *string    `json:"network_username" db:"network_username"`
	DueBalance            float64    `json:"due_balance" db:"due_balance"`
	LastNetworkSyncAt     *time.Time `json:"last_network_sync_at" db:"last_network_sync_at"`
	LastNetworkSyncStatus *string    `json:"last_network_sync_status" db:"last_network_sync_status"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`
}

// Username returns the network identity or "" when none is set.
func (c *Customer) Username() string {
	if c == nil || c.NetworkUsername == nil {
		return ""
	}
	return *c.NetworkUsername
}

type Bill struct {
	ID         int64      `json:"id" db:"id"`
	TenantID   int64      `json:"tenant_id" db:"tenant_id"`
	CustomerID int64      `json:"customer_id" db:"customer_id"`
	Amount     float64    `json:"amount" db:"amount"`
	Status     string     `json:"status" db:"status"`
	DueDate    time.Time  `json:"due_date" db:"due_date"`
	PaidAt     *time.Time `json:"paid_at" db:"paid_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

type Payment struct {
	ID             int64     `json:"id" db:"id"`
	TenantID       int64     `json:"tenant_id" db:"tenant_id"`
	CustomerID     int64     `json:"customer_id" db:"customer_id"`
	BillID         *int64    `json:"bill_id" db:"bill_id"`
	Amount         float64   `json:"amount" db:"amount"`
	Method         string    `json:"method" db:"method"`
	TransactionRef *string   `json:"transaction_ref" db:"transaction_ref"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type NetworkIntegration struct {
	ID                   int64           `json:"id" db:"id"`
	TenantID             int64           `json:"tenant_id" db:"tenant_id"`
	Name                 string          `json:"name" db:"name"`
	ProviderType         string          `json:"provider_type" db:"provider_type"`
	IsEnabled            bool            `json:"is_enabled" db:"is_enabled"`
	Host                 string          `json:"host" db:"host"`
	Port                 int             `json:"port" db:"port"`
	Username             string          `json:"username" db:"username"`
	CredentialsEncrypted string          `json:"-" db:"credentials_encrypted"`
	Config               json.RawMessage `json:"config" db:"config"`
	SyncMode             string          `json:"sync_mode" db:"sync_mode"`
	LastTestedAt         *time.Time      `json:"last_tested_at" db:"last_tested_at"`
	LastTestStatus       *string         `json:"last_test_status" db:"last_test_status"`
	RetiredAt            *time.Time      `json:"retired_at" db:"retired_at"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// Usable reports whether the integration may receive sync traffic.
func (i *NetworkIntegration) Usable() bool {
	return i != nil && i.IsEnabled && i.RetiredAt == nil
}

type SyncTask struct {
	ID            int64      `json:"id" db:"id"`
	TenantID      int64      `json:"tenant_id" db:"tenant_id"`
	IntegrationID int64      `json:"integration_id" db:"integration_id"`
	CustomerID    *int64     `json:"customer_id" db:"customer_id"`
	Action        string     `json:"action" db:"action"`
	Status        string     `json:"status" db:"status"`
	RetryCount    int        `json:"retry_count" db:"retry_count"`
	MaxRetries    int        `json:"max_retries" db:"max_retries"`
	NextAttemptAt time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
	StartedAt     *time.Time `json:"started_at" db:"started_at"`
	LastError     *string    `json:"last_error" db:"last_error"`
	TriggeredBy   string     `json:"triggered_by" db:"triggered_by"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the task reached success or failed.
func (t *SyncTask) Terminal() bool {
	return t.Status == TaskSuccess || t.Status == TaskFailed
}

// LockKey identifies the (tenant, customer, integration) triple whose
// attempts must never overlap.
func (t *SyncTask) LockKey() Triple {
	var customerID int64
	if t.CustomerID != nil {
		customerID = *t.CustomerID
	}
	return Triple{TenantID: t.TenantID, CustomerID: customerID, IntegrationID: t.IntegrationID}
}

type Triple struct {
	TenantID      int64
	CustomerID    int64
	IntegrationID int64
}

type SyncLog struct {
	ID              int64           `json:"id" db:"id"`
	TenantID        int64           `json:"tenant_id" db:"tenant_id"`
	IntegrationID   int64           `json:"integration_id" db:"integration_id"`
	CustomerID      *int64          `json:"customer_id" db:"customer_id"`
	TaskID          *int64          `json:"task_id" db:"task_id"`
	Action          string          `json:"action" db:"action"`
	Status          string          `json:"status" db:"status"`
	ErrorMessage    *string         `json:"error_message" db:"error_message"`
	RequestPayload  json.RawMessage `json:"request_payload" db:"request_payload"`
	ResponsePayload json.RawMessage `json:"response_payload" db:"response_payload"`
	TriggeredBy     string          `json:"triggered_by" db:"triggered_by"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	CompletedAt     time.Time       `json:"completed_at" db:"completed_at"`
	DurationMs      int64           `json:"duration_ms" db:"duration_ms"`
}

type ApiKey struct {
	ID         int64      `json:"id" db:"id"`
	TenantID   int64      `json:"tenant_id" db:"tenant_id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"`
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"`
	Scope      string     `json:"scope" db:"scope"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at" db:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at" db:"revoked_at"`
	LastUsedAt *time.Time `json:"last_used_at" db:"last_used_at"`
	CreatedBy  *int64     `json:"created_by" db:"created_by"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Usable reports whether the key may authenticate at the given instant.
func (k *ApiKey) Usable(now time.Time) bool {
	if !k.IsActive || k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

type ApiLog struct {
	ID           int64     `json:"id" db:"id"`
	RequestID    string    `json:"request_id" db:"request_id"`
	ApiKeyID     *int64    `json:"api_key_id" db:"api_key_id"`
	TenantID     *int64    `json:"tenant_id" db:"tenant_id"`
	Endpoint     string    `json:"endpoint" db:"endpoint"`
	Method       string    `json:"method" db:"method"`
	StatusCode   int       `json:"status_code" db:"status_code"`
	LatencyMs    int64     `json:"latency_ms" db:"latency_ms"`
	IPAddress    string    `json:"ip_address" db:"ip_address"`
	UserAgent    string    `json:"user_agent" db:"user_agent"`
	ErrorMessage *string   `json:"error_message" db:"error_message"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
