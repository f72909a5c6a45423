package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"giro/internal/giro"
)

// Enqueue records a mutation in sync_pending. An existing row for the same
// entity is replaced, so the queue holds exactly one row per entity carrying
// the latest snapshot, under a fresh seq.
func (s *SQLiteDatabase) Enqueue(ctx context.Context, item giro.PendingItem) (giro.PendingItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return giro.PendingItem{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	item, err = s.enqueueTx(ctx, tx, item)
	if err != nil {
		return giro.PendingItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return giro.PendingItem{}, fmt.Errorf("committing pending %s %s: %w", item.Type, item.ID, err)
	}
	return item, nil
}

func (s *SQLiteDatabase) enqueueTx(ctx context.Context, tx *sql.Tx, item giro.PendingItem) (giro.PendingItem, error) {
	if item.QueuedAt.IsZero() {
		item.QueuedAt = s.clock.Now()
	}
	if item.Operation == "" {
		item.Operation = giro.OpUpsert
	}
	if len(item.Data) == 0 {
		item.Data = json.RawMessage("{}")
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM sync_pending WHERE entity_type = ? AND entity_id = ?",
		string(item.Type), item.ID); err != nil {
		return giro.PendingItem{}, fmt.Errorf("replacing pending %s %s: %w", item.Type, item.ID, err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_pending (entity_type, entity_id, operation, data, queued_at, attempts, base_version)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		string(item.Type), item.ID, string(item.Operation), string(item.Data), formatTS(item.QueuedAt), item.BaseVersion)
	if err != nil {
		return giro.PendingItem{}, fmt.Errorf("queueing %s %s: %w", item.Type, item.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return giro.PendingItem{}, fmt.Errorf("reading pending seq: %w", err)
	}

	item.Seq = seq
	item.Attempts = 0
	return item, nil
}

func (s *SQLiteDatabase) ListPending(ctx context.Context, types []giro.EntityType, limit int) ([]giro.PendingItem, error) {
	query := "SELECT seq, entity_type, entity_id, operation, data, queued_at, attempts, base_version FROM sync_pending"
	var args []any
	if len(types) > 0 {
		query += " WHERE entity_type IN (?" + strings.Repeat(", ?", len(types)-1) + ")"
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += " ORDER BY seq"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending: %w", err)
	}
	defer rows.Close()

	var out []giro.PendingItem
	for rows.Next() {
		var (
			it                    giro.PendingItem
			typ, op, data, queued string
		)
		if err := rows.Scan(&it.Seq, &typ, &it.ID, &op, &data, &queued, &it.Attempts, &it.BaseVersion); err != nil {
			return nil, fmt.Errorf("scanning pending: %w", err)
		}
		it.Type = giro.EntityType(typ)
		it.Operation = giro.SyncOperation(op)
		it.Data = json.RawMessage(data)
		it.QueuedAt = parseTS(queued)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) AckPending(ctx context.Context, t giro.EntityType, id string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM sync_pending WHERE entity_type = ? AND entity_id = ? AND seq <= ?",
		string(t), id, seq)
	if err != nil {
		return fmt.Errorf("acking pending %s %s: %w", t, id, err)
	}
	return nil
}

func (s *SQLiteDatabase) MarkAttempt(ctx context.Context, t giro.EntityType, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE sync_pending SET attempts = attempts + 1
		WHERE entity_type = ? AND entity_id = ?
		RETURNING attempts`,
		string(t), id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("marking attempt for %s %s: %w", t, id, err)
	}
	return attempts, nil
}

func (s *SQLiteDatabase) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_pending").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) HasPending(ctx context.Context, t giro.EntityType, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_pending WHERE entity_type = ? AND entity_id = ?",
		string(t), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking pending %s %s: %w", t, id, err)
	}
	return n > 0, nil
}

// Cursors

func (s *SQLiteDatabase) GetCursor(ctx context.Context, t giro.EntityType) (giro.Cursor, error) {
	c := giro.Cursor{Type: t}
	var at string
	err := s.db.QueryRowContext(ctx,
		"SELECT last_synced_version, last_synced_at FROM sync_cursors WHERE entity_type = ?",
		string(t)).Scan(&c.LastSyncedVersion, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("reading cursor %s: %w", t, err)
	}
	c.LastSyncedAt = parseTS(at)
	return c, nil
}

func (s *SQLiteDatabase) SetCursor(ctx context.Context, c giro.Cursor) error {
	if c.LastSyncedAt.IsZero() {
		c.LastSyncedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (entity_type, last_synced_version, last_synced_at) VALUES (?, ?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET
			last_synced_version = excluded.last_synced_version,
			last_synced_at = excluded.last_synced_at`,
		string(c.Type), c.LastSyncedVersion, formatTS(c.LastSyncedAt))
	if err != nil {
		return fmt.Errorf("writing cursor %s: %w", c.Type, err)
	}
	return nil
}

func (s *SQLiteDatabase) ListCursors(ctx context.Context) ([]giro.Cursor, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT entity_type, last_synced_version, last_synced_at FROM sync_cursors ORDER BY entity_type")
	if err != nil {
		return nil, fmt.Errorf("listing cursors: %w", err)
	}
	defer rows.Close()

	var out []giro.Cursor
	for rows.Next() {
		var c giro.Cursor
		var typ, at string
		if err := rows.Scan(&typ, &c.LastSyncedVersion, &at); err != nil {
			return nil, fmt.Errorf("scanning cursor: %w", err)
		}
		c.Type = giro.EntityType(typ)
		c.LastSyncedAt = parseTS(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Review list

func (s *SQLiteDatabase) AddReview(ctx context.Context, item giro.ReviewItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_review (id, entity_type, entity_id, local_data, remote_data, remote_version, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Type), item.EntityID, rawOrNull(item.Local), rawOrNull(item.Remote),
		item.RemoteVersion, item.Reason, formatTS(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("adding review item for %s %s: %w", item.Type, item.EntityID, err)
	}
	return nil
}

func rawOrNull(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

const reviewCols = "id, entity_type, entity_id, local_data, remote_data, remote_version, reason, created_at"

func scanReview(row interface{ Scan(...any) error }) (giro.ReviewItem, error) {
	var (
		it                          giro.ReviewItem
		typ, local, remote, created string
	)
	if err := row.Scan(&it.ID, &typ, &it.EntityID, &local, &remote, &it.RemoteVersion, &it.Reason, &created); err != nil {
		return it, err
	}
	it.Type = giro.EntityType(typ)
	it.Local = json.RawMessage(local)
	it.Remote = json.RawMessage(remote)
	it.CreatedAt = parseTS(created)
	return it, nil
}

func (s *SQLiteDatabase) ListReview(ctx context.Context) ([]giro.ReviewItem, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+reviewCols+" FROM sync_review ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("listing review items: %w", err)
	}
	defer rows.Close()

	var out []giro.ReviewItem
	for rows.Next() {
		it, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning review item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) ResolveReview(ctx context.Context, id string) (*giro.ReviewItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	it, err := scanReview(tx.QueryRowContext(ctx, "SELECT "+reviewCols+" FROM sync_review WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading review item %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_review WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("removing review item %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing review item %s: %w", id, err)
	}
	return &it, nil
}

// Dead letters

func (s *SQLiteDatabase) AddDeadLetter(ctx context.Context, item giro.DeadLetterItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_dead_letter (id, entity_type, entity_id, operation, data, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Type), item.EntityID, string(item.Operation), rawOrNull(item.Data),
		item.Reason, formatTS(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("adding dead letter for %s %s: %w", item.Type, item.EntityID, err)
	}
	return nil
}

func (s *SQLiteDatabase) ListDeadLetters(ctx context.Context) ([]giro.DeadLetterItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, operation, data, reason, created_at
		FROM sync_dead_letter ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []giro.DeadLetterItem
	for rows.Next() {
		var (
			it                     giro.DeadLetterItem
			typ, op, data, created string
		)
		if err := rows.Scan(&it.ID, &typ, &it.EntityID, &op, &data, &it.Reason, &created); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		it.Type = giro.EntityType(typ)
		it.Operation = giro.SyncOperation(op)
		it.Data = json.RawMessage(data)
		it.CreatedAt = parseTS(created)
		out = append(out, it)
	}
	return out, rows.Err()
}
