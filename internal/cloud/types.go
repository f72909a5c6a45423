// Package cloud holds the wire types of the license and sync HTTP API and
// the client nodes use to call it.
package cloud

import (
	"encoding/json"
	"time"
)

// MaxBatch is the server-side cap on push items and pull results.
const MaxBatch = 100

// License status strings.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusExpired   = "expired"
	StatusSuspended = "suspended"
	StatusRevoked   = "revoked"
)

// Per-item sync result statuses.
const (
	ItemOK       = "ok"
	ItemConflict = "conflict"
	ItemError    = "error"
)

type ActivateRequest struct {
	Key                 string `json:"key"`
	HardwareFingerprint string `json:"hardware_fingerprint"`
	MachineName         string `json:"machine_name,omitempty"`
	OSVersion           string `json:"os_version,omitempty"`
	CPUInfo             string `json:"cpu_info,omitempty"`
}

type ActivateResponse struct {
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	Message   string    `json:"message"`
}

type ValidateRequest struct {
	Key                 string    `json:"key"`
	HardwareFingerprint string    `json:"hardware_fingerprint"`
	ClientTime          time.Time `json:"client_time"`
}

type ValidateResponse struct {
	Valid         bool       `json:"valid"`
	Status        string     `json:"status"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	DaysRemaining *int64     `json:"days_remaining,omitempty"`
	Message       string     `json:"message"`
}

type TransferRequest struct {
	Key string `json:"key"`
}

type TransferResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SyncItem is one queued local mutation sent to the cloud.
type SyncItem struct {
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Operation    string          `json:"operation"`
	Data         json.RawMessage `json:"data,omitempty"`
	LocalVersion int64           `json:"local_version"`
}

type PushRequest struct {
	LicenseKey string     `json:"license_key"`
	HardwareID string     `json:"hardware_id"`
	Items      []SyncItem `json:"items"`
}

type ItemResult struct {
	EntityType    string `json:"entity_type"`
	EntityID      string `json:"entity_id"`
	Status        string `json:"status"`
	ServerVersion int64  `json:"server_version"`
	Message       string `json:"message,omitempty"`
}

type PushResponse struct {
	Success    bool         `json:"success"`
	Processed  int          `json:"processed"`
	Results    []ItemResult `json:"results"`
	ServerTime time.Time    `json:"server_time"`
}

type PullRequest struct {
	LicenseKey  string   `json:"license_key"`
	HardwareID  string   `json:"hardware_id"`
	EntityTypes []string `json:"entity_types"`
	Max         int      `json:"max"`
	// Since is the last version the caller holds; nil lets the server use
	// the cursor it stores for the hardware.
	Since *int64 `json:"since,omitempty"`
}

type PullItem struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  string          `json:"operation"`
	Data       json.RawMessage `json:"data,omitempty"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type PullResponse struct {
	Items      []PullItem `json:"items"`
	HasMore    bool       `json:"has_more"`
	ServerTime time.Time  `json:"server_time"`
}

type StatusRequest struct {
	LicenseKey string `json:"license_key"`
	HardwareID string `json:"hardware_id"`
}

type EntityCount struct {
	EntityType string `json:"entity_type"`
	Count      int64  `json:"count"`
	MaxVersion int64  `json:"max_version"`
}

type StatusResponse struct {
	EntityCounts   []EntityCount `json:"entity_counts"`
	LastSync       *time.Time    `json:"last_sync,omitempty"`
	PendingChanges int64         `json:"pending_changes"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeHardwareMismatch = "HARDWARE_MISMATCH"
	CodeHardwareConflict = "HARDWARE_CONFLICT"
	CodeLicenseExpired   = "LICENSE_EXPIRED"
	CodeLicenseError     = "LICENSE_ERROR"
	CodeNotActivated     = "NOT_ACTIVATED"
	CodeTimeDrift        = "TIME_DRIFT"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeValidation       = "VALIDATION_ERROR"
	CodeConflict         = "CONFLICT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
