// Package license is the cloud-side License & Hardware Authority: it
// activates and validates licenses against a bound hardware fingerprint,
// keeps the audit log, and stores the per-license sync log nodes push to and
// pull from.
package license

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"giro/internal/cloud"
)

// Plan determines how long an activation lasts.
type Plan string

const (
	PlanMonthly    Plan = "monthly"
	PlanSemiannual Plan = "semiannual"
	PlanAnnual     Plan = "annual"
)

func ParsePlan(s string) (Plan, error) {
	switch p := Plan(strings.ToLower(strings.TrimSpace(s))); p {
	case PlanMonthly, PlanSemiannual, PlanAnnual:
		return p, nil
	}
	return "", errorf(KindValidation, "unknown plan %q", s)
}

// Days is the validity of one activation.
func (p Plan) Days() int {
	switch p {
	case PlanSemiannual:
		return 180
	case PlanAnnual:
		return 365
	default:
		return 30
	}
}

func (p Plan) Duration() time.Duration {
	return time.Duration(p.Days()) * 24 * time.Hour
}

type Status string

const (
	StatusPending   Status = cloud.StatusPending
	StatusActive    Status = cloud.StatusActive
	StatusExpired   Status = cloud.StatusExpired
	StatusSuspended Status = cloud.StatusSuspended
	StatusRevoked   Status = cloud.StatusRevoked
)

type License struct {
	ID      string
	Key     string
	AdminID string
	Plan    Plan
	Status  Status
	// HardwareID is empty while unbound.
	HardwareID      string
	ActivatedAt     *time.Time
	ExpiresAt       *time.Time
	LastValidated   *time.Time
	ValidationCount int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Usable reports whether the license may run on the hardware record hwID at now.
func (l *License) Usable(hwID string, now time.Time) bool {
	return l.Status == StatusActive && l.HardwareID != "" && l.HardwareID == hwID &&
		l.ExpiresAt != nil && now.Before(*l.ExpiresAt)
}

func (l *License) expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// Hardware is one machine, keyed by fingerprint. Records outlive transfers.
type Hardware struct {
	ID          string
	Fingerprint string
	MachineName string
	OSVersion   string
	CPUInfo     string
	LastSeenIP  string
	LastSeenAt  time.Time
	CreatedAt   time.Time
}

type AuditAction string

const (
	AuditLicenseCreated          AuditAction = "license_created"
	AuditLicenseActivated        AuditAction = "license_activated"
	AuditHardwareRegistered      AuditAction = "hardware_registered"
	AuditHardwareConflict        AuditAction = "hardware_conflict"
	AuditLicenseValidated        AuditAction = "license_validated"
	AuditLicenseValidationFailed AuditAction = "license_validation_failed"
	AuditLicenseTransferred      AuditAction = "license_transferred"
	AuditLicenseRevoked          AuditAction = "license_revoked"
	AuditLicenseSuspended        AuditAction = "license_suspended"
)

// AuditEntry is one line of the append-only audit log.
type AuditEntry struct {
	ID        string         `json:"id"`
	Action    AuditAction    `json:"action"`
	AdminID   string         `json:"admin_id,omitempty"`
	LicenseID string         `json:"license_id,omitempty"`
	IP        string         `json:"ip,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Stats counts an admin's licenses by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Expired   int `json:"expired"`
	Suspended int `json:"suspended"`
	Revoked   int `json:"revoked"`
}

func (s *Stats) add(st Status) {
	s.Total++
	switch st {
	case StatusPending:
		s.Pending++
	case StatusActive:
		s.Active++
	case StatusExpired:
		s.Expired++
	case StatusSuspended:
		s.Suspended++
	case StatusRevoked:
		s.Revoked++
	}
}

// Details is a license with its bound hardware, if any.
type Details struct {
	License  License
	Hardware *Hardware
}

// SyncRecord is the latest state of one replicated entity under a license.
// Deletes are kept as tombstones so pulls can replay them.
type SyncRecord struct {
	LicenseID  string
	EntityType string
	EntityID   string
	Operation  string
	Data       json.RawMessage
	Version    int64
	UpdatedAt  time.Time
	// Origin is the hardware record that pushed this version.
	Origin string
}

func (r SyncRecord) deleted() bool { return r.Operation == "delete" }

// SyncCursor is the last version a hardware pulled.
type SyncCursor struct {
	LicenseID  string
	HardwareID string
	Version    int64
	SyncedAt   time.Time
}

func recordKey(licenseID, entityType, entityID string) string {
	return fmt.Sprintf("%s/%s/%s", licenseID, entityType, entityID)
}
