package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"giro/internal/giro"
)

// GetEntity returns a live row or nil when it is absent or deleted.
func (s *SQLiteDatabase) GetEntity(ctx context.Context, t giro.EntityType, id string) (*giro.Entity, error) {
	switch t {
	case giro.EntitySetting:
		return s.getSettingEntity(ctx, id)
	case giro.EntityEmployee:
		emp, version, err := s.getEmployee(ctx, s.db, id)
		if err != nil || emp == nil {
			return nil, err
		}
		return employeeEntity(*emp, version)
	}

	var (
		data    string
		version int64
		updated string
		deleted bool
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT data, version, updated_at, deleted FROM entities WHERE entity_type = ? AND id = ?",
		string(t), id).Scan(&data, &version, &updated, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s %s: %w", t, id, err)
	}
	if deleted {
		return nil, nil
	}
	return &giro.Entity{
		Type:      t,
		ID:        id,
		Data:      json.RawMessage(data),
		Version:   version,
		UpdatedAt: parseTS(updated),
	}, nil
}

// ApplyEntity writes a replicated row. Settings land in the settings KV and
// employees in the credential table; everything else goes to entities.
// A positive Version that is not newer than the stored one is ignored. A
// zero Version is a local write and keeps the stored version.
func (s *SQLiteDatabase) ApplyEntity(ctx context.Context, e giro.Entity) (bool, error) {
	if !e.Type.Valid() {
		return false, fmt.Errorf("unknown entity type: %q", e.Type)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = s.clock.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	applied, err := s.applyTx(ctx, tx, e)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing %s %s: %w", e.Type, e.ID, err)
	}
	return applied, nil
}

func (s *SQLiteDatabase) applyTx(ctx context.Context, tx *sql.Tx, e giro.Entity) (bool, error) {
	switch e.Type {
	case giro.EntitySetting:
		return applySetting(ctx, tx, e)
	case giro.EntityEmployee:
		return s.applyEmployee(ctx, tx, e)
	default:
		return applyRow(ctx, tx, e)
	}
}

// ApplyLocal applies a write made on this node and queues it for upload in
// the same transaction, so a failure leaves neither behind. The queued item
// takes its type and id from e and its BaseVersion from the row as stored
// before the write. Node-local settings are applied but never queued.
func (s *SQLiteDatabase) ApplyLocal(ctx context.Context, e giro.Entity, item giro.PendingItem) (giro.PendingItem, error) {
	if !e.Type.Valid() {
		return giro.PendingItem{}, fmt.Errorf("unknown entity type: %q", e.Type)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = s.clock.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return giro.PendingItem{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	base, err := s.storedVersion(ctx, tx, e.Type, e.ID)
	if err != nil {
		return giro.PendingItem{}, err
	}
	if _, err := s.applyTx(ctx, tx, e); err != nil {
		return giro.PendingItem{}, err
	}

	var queued giro.PendingItem
	if e.Type != giro.EntitySetting || giro.IsReplicatedSetting(e.ID) {
		item.Type, item.ID, item.BaseVersion = e.Type, e.ID, base
		if len(item.Data) == 0 {
			item.Data = e.Data
		}
		if queued, err = s.enqueueTx(ctx, tx, item); err != nil {
			return giro.PendingItem{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return giro.PendingItem{}, fmt.Errorf("committing %s %s: %w", e.Type, e.ID, err)
	}
	return queued, nil
}

// storedVersion returns the version of a live row, or 0 when there is none.
func (s *SQLiteDatabase) storedVersion(ctx context.Context, tx *sql.Tx, t giro.EntityType, id string) (int64, error) {
	var query string
	args := []any{id}
	switch t {
	case giro.EntitySetting:
		query = "SELECT version FROM settings WHERE key = ?"
	case giro.EntityEmployee:
		query = "SELECT version FROM employees WHERE id = ?"
	default:
		query = "SELECT version FROM entities WHERE id = ? AND entity_type = ? AND deleted = 0"
		args = append(args, string(t))
	}
	var version int64
	err := tx.QueryRowContext(ctx, query, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s %s version: %w", t, id, err)
	}
	return version, nil
}

// stale reports whether an incoming version must be ignored.
func stale(incoming, stored int64) bool {
	return incoming > 0 && stored >= incoming
}

func nextVersion(incoming, stored int64) int64 {
	if incoming > 0 {
		return incoming
	}
	return stored
}

func applyRow(ctx context.Context, tx *sql.Tx, e giro.Entity) (bool, error) {
	var (
		stored  int64
		deleted bool
		exists  = true
	)
	err := tx.QueryRowContext(ctx,
		"SELECT version, deleted FROM entities WHERE entity_type = ? AND id = ?",
		string(e.Type), e.ID).Scan(&stored, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, fmt.Errorf("reading %s %s: %w", e.Type, e.ID, err)
	}
	if exists && stale(e.Version, stored) {
		return false, nil
	}

	if e.Deleted {
		if !exists || deleted {
			return false, nil
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE entities SET deleted = 1, version = ?, updated_at = ? WHERE entity_type = ? AND id = ?",
			nextVersion(e.Version, stored), formatTS(e.UpdatedAt), string(e.Type), e.ID)
		if err != nil {
			return false, fmt.Errorf("deleting %s %s: %w", e.Type, e.ID, err)
		}
		return true, nil
	}

	if !json.Valid(e.Data) {
		return false, fmt.Errorf("%w: %s %s", giro.ErrInvalidEntity, e.Type, e.ID)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (entity_type, id, data, version, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			data = excluded.data, version = excluded.version,
			updated_at = excluded.updated_at, deleted = 0`,
		string(e.Type), e.ID, string(e.Data), nextVersion(e.Version, stored), formatTS(e.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("upserting %s %s: %w", e.Type, e.ID, err)
	}
	return true, nil
}

// ListEntities returns live rows updated strictly after since.
func (s *SQLiteDatabase) ListEntities(ctx context.Context, t giro.EntityType, since time.Time) ([]giro.Entity, error) {
	switch t {
	case giro.EntitySetting:
		return s.listSettingEntities(ctx, since)
	case giro.EntityEmployee:
		return s.listEmployeeEntities(ctx, since)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data, version, updated_at FROM entities
		WHERE entity_type = ? AND deleted = 0 AND updated_at > ?
		ORDER BY updated_at, id`,
		string(t), sinceArg(since))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", t, err)
	}
	defer rows.Close()

	var out []giro.Entity
	for rows.Next() {
		e := giro.Entity{Type: t}
		var data, updated string
		if err := rows.Scan(&e.ID, &data, &e.Version, &updated); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", t, err)
		}
		e.Data = json.RawMessage(data)
		e.UpdatedAt = parseTS(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

func sinceArg(since time.Time) string {
	if since.IsZero() {
		return ""
	}
	return formatTS(since)
}

func (s *SQLiteDatabase) CountEntities(ctx context.Context, t giro.EntityType) (int, error) {
	var row *sql.Row
	switch t {
	case giro.EntitySetting:
		list, err := s.listSettingEntities(ctx, time.Time{})
		return len(list), err
	case giro.EntityEmployee:
		row = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM employees")
	default:
		row = s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM entities WHERE deleted = 0 AND entity_type = ?", string(t))
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", t, err)
	}
	return n, nil
}

// Settings as replicated entities

type settingPayload struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt string          `json:"updated_at,omitempty"`
}

// settingValue unwraps a JSON string; any other JSON value is kept verbatim.
func settingValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func settingEntity(key, value string, version int64, updated time.Time) (*giro.Entity, error) {
	data, err := json.Marshal(map[string]string{
		"key":        key,
		"value":      value,
		"updated_at": updated.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return &giro.Entity{
		Type:      giro.EntitySetting,
		ID:        key,
		Data:      data,
		Version:   version,
		UpdatedAt: updated,
	}, nil
}

func (s *SQLiteDatabase) getSettingEntity(ctx context.Context, key string) (*giro.Entity, error) {
	var value, updated string
	var version int64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, version, updated_at FROM settings WHERE key = ?", key).Scan(&value, &version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading setting %s: %w", key, err)
	}
	return settingEntity(key, value, version, parseTS(updated))
}

func applySetting(ctx context.Context, tx *sql.Tx, e giro.Entity) (bool, error) {
	if !giro.IsReplicatedSetting(e.ID) {
		return false, nil
	}

	var stored int64
	err := tx.QueryRowContext(ctx, "SELECT version FROM settings WHERE key = ?", e.ID).Scan(&stored)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("reading setting %s: %w", e.ID, err)
	}
	if exists && stale(e.Version, stored) {
		return false, nil
	}

	if e.Deleted {
		if !exists {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", e.ID); err != nil {
			return false, fmt.Errorf("deleting setting %s: %w", e.ID, err)
		}
		return true, nil
	}

	var p settingPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return false, fmt.Errorf("%w: setting %s: %v", giro.ErrInvalidEntity, e.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO settings (key, value, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value, version = excluded.version, updated_at = excluded.updated_at`,
		e.ID, settingValue(p.Value), nextVersion(e.Version, stored), formatTS(e.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("writing setting %s: %w", e.ID, err)
	}
	return true, nil
}

func (s *SQLiteDatabase) listSettingEntities(ctx context.Context, since time.Time) ([]giro.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, version, updated_at FROM settings WHERE updated_at > ? ORDER BY key",
		sinceArg(since))
	if err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	defer rows.Close()

	var out []giro.Entity
	for rows.Next() {
		var key, value, updated string
		var version int64
		if err := rows.Scan(&key, &value, &version, &updated); err != nil {
			return nil, fmt.Errorf("scanning setting: %w", err)
		}
		if !giro.IsReplicatedSetting(key) {
			continue
		}
		e, err := settingEntity(key, value, version, parseTS(updated))
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
