package giro

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityType enumerates the replicated tables.
type EntityType string

const (
	EntityProduct  EntityType = "product"
	EntityCategory EntityType = "category"
	EntitySupplier EntityType = "supplier"
	EntityCustomer EntityType = "customer"
	EntityEmployee EntityType = "employee"
	EntitySetting  EntityType = "setting"
)

// AllEntityTypes lists every replicated type in apply order: parents before
// the rows that reference them.
var AllEntityTypes = []EntityType{
	EntitySetting,
	EntityCategory,
	EntitySupplier,
	EntityProduct,
	EntityCustomer,
	EntityEmployee,
}

var tableNames = map[EntityType]string{
	EntityProduct:  "products",
	EntityCategory: "categories",
	EntitySupplier: "suppliers",
	EntityCustomer: "customers",
	EntityEmployee: "employees",
	EntitySetting:  "settings",
}

// ParseEntityType accepts either the singular entity name or its table name.
func ParseEntityType(s string) (EntityType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, table := range tableNames {
		if s == string(t) || s == table {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entity type: %q", s)
}

// Table returns the plural table name used in sync.full payloads.
func (t EntityType) Table() string { return tableNames[t] }

func (t EntityType) Valid() bool {
	_, ok := tableNames[t]
	return ok
}

// SyncOperation is the kind of change carried by a pending or pulled item.
type SyncOperation string

const (
	OpUpsert SyncOperation = "upsert"
	OpDelete SyncOperation = "delete"
)

// UnmarshalJSON accepts "create" and "update" as aliases of upsert.
func (o *SyncOperation) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	op, err := ParseSyncOperation(s)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

func ParseSyncOperation(s string) (SyncOperation, error) {
	switch strings.ToLower(s) {
	case "upsert", "create", "update":
		return OpUpsert, nil
	case "delete":
		return OpDelete, nil
	default:
		return "", fmt.Errorf("unknown sync operation: %q", s)
	}
}

// Entity is one replicated row. Data is the opaque JSON snapshot; it always
// carries "id" and usually "updated_at".
type Entity struct {
	Type      EntityType
	ID        string
	Data      json.RawMessage
	Version   int64
	UpdatedAt time.Time
	Deleted   bool
}

var ErrInvalidEntity = errors.New("invalid entity payload")

// EntityFromData builds an Entity from a JSON object snapshot, extracting
// "id" and "updated_at". For settings the "key" field is used when "id" is absent.
func EntityFromData(t EntityType, data json.RawMessage) (Entity, error) {
	var head struct {
		ID        json.RawMessage `json:"id"`
		Key       string          `json:"key"`
		UpdatedAt string          `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Entity{}, fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	id := rawID(head.ID)
	if id == "" && t == EntitySetting {
		id = head.Key
	}
	if id == "" {
		return Entity{}, fmt.Errorf("%w: missing id", ErrInvalidEntity)
	}
	e := Entity{Type: t, ID: id, Data: data}
	if head.UpdatedAt != "" {
		ts, err := ParseTimestamp(head.UpdatedAt)
		if err != nil {
			return Entity{}, fmt.Errorf("%w: updated_at: %v", ErrInvalidEntity, err)
		}
		e.UpdatedAt = ts
	}
	return e, nil
}

// rawID accepts both string and numeric ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// ParseTimestamp parses RFC 3339 timestamps, with or without fractional
// seconds, and the SQLite "YYYY-MM-DD HH:MM:SS" form.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// PendingItem is a queued local mutation awaiting acknowledgment. Seq grows on
// every enqueue, so an ack for an older snapshot never removes a newer one.
// BaseVersion is the replicated version the mutation was made against.
type PendingItem struct {
	Seq         int64
	Type        EntityType
	ID          string
	Operation   SyncOperation
	Data        json.RawMessage
	QueuedAt    time.Time
	Attempts    int
	BaseVersion int64
}

// Cursor tracks the last successfully pulled version per entity type.
type Cursor struct {
	Type              EntityType
	LastSyncedVersion int64
	LastSyncedAt      time.Time
}

// ReviewItem is a conflict parked for a human decision.
type ReviewItem struct {
	ID            string
	Type          EntityType
	EntityID      string
	Local         json.RawMessage
	Remote        json.RawMessage
	RemoteVersion int64
	Reason        string
	CreatedAt     time.Time
}

// DeadLetterItem is a pending item dropped after a permanent failure.
type DeadLetterItem struct {
	ID        string
	Type      EntityType
	EntityID  string
	Operation SyncOperation
	Data      json.RawMessage
	Reason    string
	CreatedAt time.Time
}

// Employee is the credential-bearing view of an employee row.
type Employee struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	PINHash      string    `json:"pin_hash,omitempty"`
	PasswordHash string    `json:"password_hash,omitempty"`
	Active       bool      `json:"active"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RemoteSale is a sale submitted by a Satellite terminal to the Master.
type RemoteSale struct {
	ID         string
	TerminalID string
	Data       json.RawMessage
	ReceivedAt time.Time
}
