package giro

import (
	"context"
	"strings"
	"time"
)

// Settings keys persisted in the local KV.
const (
	SettingMode              = "network.mode"
	SettingWebSocketPort     = "network.websocket_port"
	SettingMasterIP          = "network.master_ip"
	SettingMasterPort        = "network.master_port"
	SettingAutoDiscovery     = "network.auto_discovery"
	SettingLastSync          = "network.last_sync"
	SettingSecret            = "network.secret"
	SettingMasterHMACKey     = "security.master_hmac_key"
	SettingHMACHistoryPrefix = "pin_hmac_key_"
)

// Setting is one row of the settings KV.
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// SettingsStore is the settings KV.
type SettingsStore interface {
	// GetSetting returns the value and whether it exists.
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
	// ListSettings returns settings whose key starts with prefix,
	// ordered by key descending.
	ListSettings(ctx context.Context, prefix string) ([]Setting, error)
}

// EntityStore holds replicated rows.
type EntityStore interface {
	// GetEntity returns nil, nil when the row does not exist.
	GetEntity(ctx context.Context, t EntityType, id string) (*Entity, error)
	// ApplyEntity upserts or deletes a row. Re-applying a version that is not
	// newer than the stored one is a no-op and reports applied=false.
	ApplyEntity(ctx context.Context, e Entity) (applied bool, err error)
	// ListEntities returns live rows updated strictly after since
	// (zero time means all).
	ListEntities(ctx context.Context, t EntityType, since time.Time) ([]Entity, error)
	CountEntities(ctx context.Context, t EntityType) (int, error)
}

// PendingQueue is the per-node SyncPending queue, keyed by (type, id).
type PendingQueue interface {
	// Enqueue records a mutation; a second mutation of the same entity
	// replaces the snapshot and gets a new Seq.
	Enqueue(ctx context.Context, item PendingItem) (PendingItem, error)
	// ApplyLocal applies a write made on this node and enqueues it in one
	// transaction. Type, ID and BaseVersion of item come from e and the row
	// stored before the write. Node-local settings are applied but not
	// queued, and the zero PendingItem is returned.
	ApplyLocal(ctx context.Context, e Entity, item PendingItem) (PendingItem, error)
	// ListPending returns items for the given types (all types when empty),
	// oldest first. limit <= 0 means no limit.
	ListPending(ctx context.Context, types []EntityType, limit int) ([]PendingItem, error)
	// AckPending removes the item only if it has not been re-queued since seq.
	AckPending(ctx context.Context, t EntityType, id string, seq int64) error
	// MarkAttempt increments and returns the failure counter of an item.
	MarkAttempt(ctx context.Context, t EntityType, id string) (int, error)
	CountPending(ctx context.Context) (int, error)
	HasPending(ctx context.Context, t EntityType, id string) (bool, error)
}

// CursorStore persists pull watermarks.
type CursorStore interface {
	GetCursor(ctx context.Context, t EntityType) (Cursor, error)
	SetCursor(ctx context.Context, c Cursor) error
	ListCursors(ctx context.Context) ([]Cursor, error)
}

// ReviewStore holds conflicts awaiting a decision.
type ReviewStore interface {
	AddReview(ctx context.Context, item ReviewItem) error
	ListReview(ctx context.Context) ([]ReviewItem, error)
	// ResolveReview removes the item and returns it.
	ResolveReview(ctx context.Context, id string) (*ReviewItem, error)
}

// DeadLetterStore holds items dropped after permanent failures.
type DeadLetterStore interface {
	AddDeadLetter(ctx context.Context, item DeadLetterItem) error
	ListDeadLetters(ctx context.Context) ([]DeadLetterItem, error)
}

// EmployeeStore is the credential lookup used by PIN authentication.
type EmployeeStore interface {
	FindEmployeeByPINHash(ctx context.Context, hash string) (*Employee, error)
	ListActiveEmployees(ctx context.Context) ([]Employee, error)
	UpdateEmployeePIN(ctx context.Context, id, hash string) error
	UpsertEmployee(ctx context.Context, e Employee) error
}

// SaleStore records sales submitted by Satellites.
type SaleStore interface {
	RecordRemoteSale(ctx context.Context, sale RemoteSale) error
	CountRemoteSales(ctx context.Context) (int, error)
}

// Store is the local transactional KV behind a node.
type Store interface {
	SettingsStore
	EntityStore
	PendingQueue
	CursorStore
	ReviewStore
	DeadLetterStore
	EmployeeStore
	SaleStore

	// CheckMigrations reports whether the schema is at the latest version.
	CheckMigrations() error
	Close() error
}

// IsReplicatedSetting reports whether a settings key travels through sync.
// Network configuration and the HMAC key history are node-local.
func IsReplicatedSetting(key string) bool {
	return !strings.HasPrefix(key, "network.") && !strings.HasPrefix(key, SettingHMACHistoryPrefix)
}
