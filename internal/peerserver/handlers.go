package peerserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"giro/internal/credkey"
	"giro/internal/giro"
	"giro/internal/protocol"
)

var (
	stockRoles = []string{protocol.RoleAdmin, protocol.RoleManager, protocol.RoleStocker, protocol.RoleSystem}
	writeRoles = []string{protocol.RoleSystem, protocol.RoleAdmin, protocol.RoleManager, protocol.RoleCashier}
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

func (s *Server) registerHandlers() {
	register(s, protocol.ActionAuthLogin, s.handleLogin)
	register(s, protocol.ActionAuthSystem, s.handleSystemAuth)
	register(s, protocol.ActionAuthLogout, s.handleLogout)
	register(s, protocol.ActionSystemPing, s.handlePing)
	register(s, protocol.ActionSystemInfo, s.handleInfo)
	register(s, protocol.ActionProductGet, s.handleProductGet)
	register(s, protocol.ActionProductFind, s.handleProductSearch)
	register(s, protocol.ActionStockAdjust, s.handleStockAdjust)
	register(s, protocol.ActionSyncFull, s.handleSyncFull)
	register(s, protocol.ActionSyncDelta, s.handleSyncDelta)
	register(s, protocol.ActionSyncPush, s.handleSyncPush)
	register(s, protocol.ActionRemoteSale, s.handleRemoteSale)
}

// internalError reports a failure of this node rather than of the request.
// It is flagged retryable so a Satellite keeps the item queued.
func (s *Server) internalError(err error) *protocol.Error {
	s.logger.Error("request failed", "error", err)
	return protocol.Retryable(protocol.CodeValidationError, "%v", err)
}

func (s *Server) issue(c *conn, employeeID, name, role, deviceID string) (any, *protocol.Error) {
	token, sess, err := s.sessions.Create(employeeID, name, role, deviceID)
	if err != nil {
		return nil, s.internalError(err)
	}
	c.bind(&sess, token)
	return protocol.SessionResult{
		Token:     token,
		ExpiresAt: sess.ExpiresAt,
		Employee:  protocol.SessionEmployee{ID: employeeID, Name: name, Role: role},
	}, nil
}

func (s *Server) handleLogin(ctx context.Context, c *conn, _ *Session, p protocol.LoginPayload) (any, *protocol.Error) {
	if err := credkey.ValidatePIN(p.PIN); err != nil {
		return nil, protocol.Errorf(protocol.CodeValidationError, "%v", err)
	}
	if s.auth == nil {
		return nil, protocol.Errorf(protocol.CodeAuthRequired, "pin login is not available on this node")
	}
	emp, err := s.auth.AuthenticatePIN(ctx, p.PIN)
	switch {
	case errors.Is(err, credkey.ErrAuthFailed):
		return nil, protocol.Errorf(protocol.CodeAuthRequired, "invalid pin or employee not found")
	case err != nil:
		s.logger.Error("pin authentication error", "conn", c.info.ID, "error", err)
		return nil, protocol.Errorf(protocol.CodeValidationError, "could not verify credentials")
	case !emp.Active:
		return nil, protocol.Errorf(protocol.CodeAuthRequired, "employee is inactive")
	}
	s.logger.Info("mobile login", "employee_id", emp.ID, "role", emp.Role, "device_id", p.DeviceID)
	return s.issue(c, emp.ID, emp.Name, emp.Role, p.DeviceID)
}

func (s *Server) handleSystemAuth(ctx context.Context, c *conn, _ *Session, p protocol.SystemAuthPayload) (any, *protocol.Error) {
	if p.TerminalID == "" {
		return nil, protocol.Errorf(protocol.CodeValidationError, "terminal_id is required")
	}
	secret, err := s.sharedSecret(ctx)
	if err != nil {
		return nil, s.internalError(err)
	}
	if secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(p.Secret)) != 1 {
		s.logger.Warn("satellite authentication failed", "terminal_id", p.TerminalID, "addr", c.info.Addr)
		return nil, protocol.Errorf(protocol.CodeAuthRequired, "invalid network secret")
	}
	name := p.TerminalName
	if name == "" {
		name = p.TerminalID
	}
	s.logger.Info("satellite authenticated", "terminal_id", p.TerminalID, "name", name)
	return s.issue(c, "terminal:"+p.TerminalID, name, protocol.RoleSystem, p.TerminalID)
}

func (s *Server) handleLogout(_ context.Context, c *conn, sess *Session, _ struct{}) (any, *protocol.Error) {
	s.sessions.Invalidate(sess.ID)
	c.unbind()
	return map[string]bool{"logged_out": true}, nil
}

func (s *Server) handlePing(context.Context, *conn, *Session, struct{}) (any, *protocol.Error) {
	return protocol.PongResult{Pong: true, ServerTime: s.clock.Now().Unix()}, nil
}

func (s *Server) handleInfo(context.Context, *conn, *Session, struct{}) (any, *protocol.Error) {
	return protocol.InfoResult{
		Version:     s.cfg.Version,
		Mode:        s.mode().String(),
		StoreName:   s.cfg.StoreName,
		NodeName:    s.cfg.NodeName,
		Connections: s.ConnectionCount(),
	}, nil
}

// productView is the subset of product fields the handlers read.
type productView struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Barcode string  `json:"barcode"`
	Code    string  `json:"internal_code"`
	Stock   float64 `json:"stock"`
}

func decodeProduct(e giro.Entity) (productView, bool) {
	var p productView
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return productView{}, false
	}
	if p.ID == "" {
		p.ID = e.ID
	}
	return p, true
}

func (s *Server) findProductByBarcode(ctx context.Context, barcode string) (*giro.Entity, error) {
	products, err := s.store.ListEntities(ctx, giro.EntityProduct, time.Time{})
	if err != nil {
		return nil, err
	}
	for i := range products {
		p, ok := decodeProduct(products[i])
		if ok && p.Barcode == barcode {
			return &products[i], nil
		}
	}
	return nil, nil
}

func (s *Server) handleProductGet(ctx context.Context, _ *conn, _ *Session, p protocol.ProductGetPayload) (any, *protocol.Error) {
	var (
		e   *giro.Entity
		err error
	)
	switch {
	case p.ID != "":
		e, err = s.store.GetEntity(ctx, giro.EntityProduct, p.ID)
	case p.Barcode != "":
		e, err = s.findProductByBarcode(ctx, p.Barcode)
	default:
		return nil, protocol.Errorf(protocol.CodeValidationError, "id or barcode is required")
	}
	if err != nil {
		return nil, s.internalError(err)
	}
	if e == nil || e.Deleted {
		return nil, protocol.Errorf(protocol.CodeValidationError, "product not found")
	}
	return e.Data, nil
}

func (s *Server) handleProductSearch(ctx context.Context, _ *conn, _ *Session, p protocol.ProductSearchPayload) (any, *protocol.Error) {
	query := strings.ToLower(strings.TrimSpace(p.Query))
	if query == "" {
		return nil, protocol.Errorf(protocol.CodeValidationError, "query is required")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)

	products, err := s.store.ListEntities(ctx, giro.EntityProduct, time.Time{})
	if err != nil {
		return nil, s.internalError(err)
	}
	out := make([]json.RawMessage, 0)
	for _, e := range products {
		v, ok := decodeProduct(e)
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(v.Name), query) || v.Barcode == p.Query || v.Code == p.Query {
			out = append(out, e.Data)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Server) handleStockAdjust(ctx context.Context, _ *conn, sess *Session, p protocol.StockAdjustPayload) (any, *protocol.Error) {
	if perr := requireRole(sess, protocol.ActionStockAdjust, stockRoles); perr != nil {
		return nil, perr
	}
	if p.ProductID == "" {
		return nil, protocol.Errorf(protocol.CodeValidationError, "product_id is required")
	}
	if p.Delta == 0 {
		return nil, protocol.Errorf(protocol.CodeValidationError, "delta must not be zero")
	}
	e, err := s.store.GetEntity(ctx, giro.EntityProduct, p.ProductID)
	if err != nil {
		return nil, s.internalError(err)
	}
	if e == nil || e.Deleted {
		return nil, protocol.Errorf(protocol.CodeValidationError, "product not found")
	}

	var fields map[string]any
	if err := json.Unmarshal(e.Data, &fields); err != nil {
		return nil, s.internalError(err)
	}
	current, _ := fields["stock"].(float64)
	now := s.clock.Now()
	fields["stock"] = current + p.Delta
	fields["updated_at"] = now.Format(time.RFC3339Nano)
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, s.internalError(err)
	}

	updated := giro.Entity{Type: giro.EntityProduct, ID: e.ID, Data: data, UpdatedAt: now}
	if perr := s.applyAndQueue(ctx, updated, giro.OpUpsert); perr != nil {
		return nil, perr
	}
	s.logger.Info("stock adjusted",
		"product_id", e.ID,
		"delta", p.Delta,
		"reason", p.Reason,
		"employee_id", sess.EmployeeID,
	)
	s.broadcast(protocol.EventStockUpdated, data)
	return json.RawMessage(data), nil
}

func (s *Server) tables(names []string) ([]giro.EntityType, *protocol.Error) {
	if len(names) == 0 {
		return giro.AllEntityTypes, nil
	}
	out := make([]giro.EntityType, 0, len(names))
	for _, n := range names {
		t, err := giro.ParseEntityType(n)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeValidationError, "%v", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Server) snapshot(ctx context.Context, types []giro.EntityType, since time.Time) (protocol.SyncData, *protocol.Error) {
	data := protocol.SyncData{
		Timestamp: s.clock.Now().Unix(),
		Tables:    make(map[string][]json.RawMessage, len(types)),
	}
	for _, t := range types {
		rows, err := s.store.ListEntities(ctx, t, since)
		if err != nil {
			return protocol.SyncData{}, s.internalError(err)
		}
		out := make([]json.RawMessage, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.Data)
		}
		data.Tables[t.Table()] = out
	}
	return data, nil
}

func (s *Server) handleSyncFull(ctx context.Context, c *conn, _ *Session, p protocol.SyncFullPayload) (any, *protocol.Error) {
	types, perr := s.tables(p.Tables)
	if perr != nil {
		return nil, perr
	}
	data, perr := s.snapshot(ctx, types, time.Time{})
	if perr != nil {
		return nil, perr
	}
	s.logger.Info("full sync served", "conn", c.info.ID, "tables", len(types))
	return data, nil
}

func (s *Server) handleSyncDelta(ctx context.Context, c *conn, _ *Session, p protocol.SyncDeltaPayload) (any, *protocol.Error) {
	if p.LastSync < 0 {
		return nil, protocol.Errorf(protocol.CodeValidationError, "last_sync must not be negative")
	}
	var since time.Time
	if p.LastSync > 0 {
		since = time.Unix(p.LastSync, 0).UTC()
	}
	data, perr := s.snapshot(ctx, giro.AllEntityTypes, since)
	if perr != nil {
		return nil, perr
	}
	s.logger.Debug("delta sync served", "conn", c.info.ID, "since", p.LastSync)
	return data, nil
}

func (s *Server) handleSyncPush(ctx context.Context, _ *conn, sess *Session, p protocol.SyncPushPayload) (any, *protocol.Error) {
	if perr := requireRole(sess, protocol.ActionSyncPush, writeRoles); perr != nil {
		return nil, perr
	}
	t, err := giro.ParseEntityType(p.Entity)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeValidationError, "%v", err)
	}
	op := giro.OpUpsert
	if p.Operation != "" {
		if op, err = giro.ParseSyncOperation(p.Operation); err != nil {
			return nil, protocol.Errorf(protocol.CodeValidationError, "%v", err)
		}
	}
	e, err := giro.EntityFromData(t, p.Data)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeValidationError, "%v", err)
	}
	if t == giro.EntitySetting && !giro.IsReplicatedSetting(e.ID) {
		return nil, protocol.Errorf(protocol.CodeValidationError, "setting %q is node-local", e.ID)
	}
	e.Deleted = op == giro.OpDelete

	if perr := s.applyAndQueue(ctx, e, op); perr != nil {
		return nil, perr
	}
	s.logger.Info("entity pushed", "entity", t, "id", e.ID, "op", op, "from", sess.EmployeeID)

	event := p.Data
	if e.Deleted {
		event, _ = json.Marshal(map[string]any{"id": e.ID, "deleted": true})
	}
	s.broadcast(string(t)+".updated", event)
	return protocol.PushResult{Applied: true, Entity: string(t), ID: e.ID}, nil
}

func (s *Server) handleRemoteSale(ctx context.Context, _ *conn, sess *Session, p protocol.RemoteSalePayload) (any, *protocol.Error) {
	if perr := requireRole(sess, protocol.ActionRemoteSale, writeRoles); perr != nil {
		return nil, perr
	}
	var head struct {
		ID string `json:"id"`
	}
	if len(p.Sale) == 0 || json.Unmarshal(p.Sale, &head) != nil {
		return nil, protocol.Errorf(protocol.CodeValidationError, "sale must be a JSON object")
	}
	if head.ID == "" {
		head.ID = s.ids.New()
	}
	terminal := p.TerminalID
	if terminal == "" {
		terminal = sess.DeviceID
	}
	err := s.store.RecordRemoteSale(ctx, giro.RemoteSale{
		ID:         head.ID,
		TerminalID: terminal,
		Data:       p.Sale,
		ReceivedAt: s.clock.Now(),
	})
	if err != nil {
		return nil, s.internalError(err)
	}
	s.logger.Info("remote sale recorded", "sale_id", head.ID, "terminal_id", terminal)
	return protocol.RemoteSaleResult{ID: head.ID}, nil
}

// applyAndQueue writes e locally and records it for the cloud push in one
// transaction.
func (s *Server) applyAndQueue(ctx context.Context, e giro.Entity, op giro.SyncOperation) *protocol.Error {
	_, err := s.store.ApplyLocal(ctx, e, giro.PendingItem{
		Operation: op,
		Data:      e.Data,
		QueuedAt:  s.clock.Now(),
	})
	switch {
	case errors.Is(err, giro.ErrInvalidEntity):
		return protocol.Errorf(protocol.CodeValidationError, "%v", err)
	case err != nil:
		return s.internalError(err)
	}
	return nil
}

func (s *Server) broadcast(event string, data json.RawMessage) {
	if err := s.Emit(event, data); err != nil {
		s.logger.Warn("broadcast failed", "event", event, "error", err)
	}
}
