package protocol

import (
	"encoding/json"
	"time"
)

// Actions.
const (
	ActionAuthLogin   = "auth.login"
	ActionAuthSystem  = "auth.system"
	ActionAuthLogout  = "auth.logout"
	ActionSystemPing  = "system.ping"
	ActionSystemInfo  = "system.info"
	ActionProductGet  = "product.get"
	ActionProductFind = "product.search"
	ActionStockAdjust = "stock.adjust"
	ActionSyncFull    = "sync.full"
	ActionSyncDelta   = "sync.delta"
	ActionSyncPush    = "sync.push"
	ActionRemoteSale  = "sale.remote_create"
)

// Events.
const (
	EventProductUpdated  = "product.updated"
	EventCustomerUpdated = "customer.updated"
	EventCategoryUpdated = "category.updated"
	EventSupplierUpdated = "supplier.updated"
	EventSettingUpdated  = "setting.updated"
	EventEmployeeUpdated = "employee.updated"
	EventStockUpdated    = "stock.updated"
	EventScannerBarcode  = "scanner.barcode"
)

// Roles.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleCashier = "cashier"
	RoleStocker = "stocker"
	RoleSystem  = "system"
)

// Public reports whether an action may run before authentication.
func Public(action string) bool {
	switch action {
	case ActionAuthLogin, ActionAuthSystem, ActionSystemPing, ActionSystemInfo:
		return true
	}
	return false
}

type LoginPayload struct {
	PIN        string `json:"pin"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
}

type SystemAuthPayload struct {
	Secret       string `json:"secret"`
	TerminalID   string `json:"terminal_id"`
	TerminalName string `json:"terminal_name,omitempty"`
}

type SyncFullPayload struct {
	Tables []string `json:"tables,omitempty"`
}

// SyncDeltaPayload carries the last sync time in epoch seconds.
type SyncDeltaPayload struct {
	LastSync int64 `json:"last_sync"`
}

type SyncPushPayload struct {
	Entity    string          `json:"entity"`
	Operation string          `json:"operation,omitempty"`
	Data      json.RawMessage `json:"data"`
}

type RemoteSalePayload struct {
	TerminalID string          `json:"terminal_id,omitempty"`
	Sale       json.RawMessage `json:"sale"`
}

type ProductGetPayload struct {
	ID      string `json:"id,omitempty"`
	Barcode string `json:"barcode,omitempty"`
}

type ProductSearchPayload struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type StockAdjustPayload struct {
	ProductID string  `json:"product_id"`
	Delta     float64 `json:"delta"`
	Reason    string  `json:"reason,omitempty"`
}

// SessionEmployee is the public view of the authenticated operator.
type SessionEmployee struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type SessionResult struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
	Employee  SessionEmployee `json:"employee"`
}

// SyncData answers sync.full and sync.delta. Timestamp is epoch seconds and
// becomes the client's next last_sync.
type SyncData struct {
	Timestamp int64                        `json:"timestamp"`
	Tables    map[string][]json.RawMessage `json:"tables"`
}

type InfoResult struct {
	Version     string `json:"version"`
	Mode        string `json:"mode"`
	StoreName   string `json:"store_name,omitempty"`
	NodeName    string `json:"node_name,omitempty"`
	Connections int    `json:"connections"`
}

type PongResult struct {
	Pong       bool  `json:"pong"`
	ServerTime int64 `json:"server_time"`
}

type PushResult struct {
	Applied bool   `json:"applied"`
	Entity  string `json:"entity"`
	ID      string `json:"id"`
}

type RemoteSaleResult struct {
	ID string `json:"id"`
}
