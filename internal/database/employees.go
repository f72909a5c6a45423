package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"giro/internal/giro"
)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const employeeCols = "id, name, role, pin_hash, password_hash, active, version, updated_at"

func scanEmployee(row interface{ Scan(...any) error }) (*giro.Employee, int64, error) {
	var (
		emp     giro.Employee
		version int64
		updated string
	)
	if err := row.Scan(&emp.ID, &emp.Name, &emp.Role, &emp.PINHash, &emp.PasswordHash,
		&emp.Active, &version, &updated); err != nil {
		return nil, 0, err
	}
	emp.UpdatedAt = parseTS(updated)
	return &emp, version, nil
}

func (s *SQLiteDatabase) getEmployee(ctx context.Context, q queryer, id string) (*giro.Employee, int64, error) {
	emp, version, err := scanEmployee(q.QueryRowContext(ctx,
		"SELECT "+employeeCols+" FROM employees WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading employee %s: %w", id, err)
	}
	return emp, version, nil
}

func employeeEntity(emp giro.Employee, version int64) (*giro.Entity, error) {
	data, err := json.Marshal(emp)
	if err != nil {
		return nil, fmt.Errorf("encoding employee %s: %w", emp.ID, err)
	}
	return &giro.Entity{
		Type:      giro.EntityEmployee,
		ID:        emp.ID,
		Data:      data,
		Version:   version,
		UpdatedAt: emp.UpdatedAt,
	}, nil
}

// employeePayload accepts both the local column names and the server's
// "password"/"is_active" spellings.
type employeePayload struct {
	Name         *string `json:"name"`
	Role         *string `json:"role"`
	PINHash      string  `json:"pin_hash"`
	PasswordHash string  `json:"password_hash"`
	Password     string  `json:"password"`
	Active       *bool   `json:"active"`
	IsActive     *bool   `json:"is_active"`
}

// applyEmployee merges a replicated employee row. Credential fields that are
// absent from the payload keep their stored values.
func (s *SQLiteDatabase) applyEmployee(ctx context.Context, tx *sql.Tx, e giro.Entity) (bool, error) {
	existing, stored, err := s.getEmployee(ctx, tx, e.ID)
	if err != nil {
		return false, err
	}
	if existing != nil && stale(e.Version, stored) {
		return false, nil
	}

	if e.Deleted {
		if existing == nil {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM employees WHERE id = ?", e.ID); err != nil {
			return false, fmt.Errorf("deleting employee %s: %w", e.ID, err)
		}
		return true, nil
	}

	var p employeePayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return false, fmt.Errorf("%w: employee %s: %v", giro.ErrInvalidEntity, e.ID, err)
	}

	emp := giro.Employee{ID: e.ID, Active: true}
	if existing != nil {
		emp = *existing
	}
	if p.Name != nil {
		emp.Name = *p.Name
	}
	if p.Role != nil {
		emp.Role = *p.Role
	}
	if p.PINHash != "" {
		emp.PINHash = p.PINHash
	}
	switch {
	case p.PasswordHash != "":
		emp.PasswordHash = p.PasswordHash
	case p.Password != "":
		emp.PasswordHash = p.Password
	}
	switch {
	case p.Active != nil:
		emp.Active = *p.Active
	case p.IsActive != nil:
		emp.Active = *p.IsActive
	}
	emp.UpdatedAt = e.UpdatedAt

	if err := upsertEmployee(ctx, tx, emp, nextVersion(e.Version, stored)); err != nil {
		return false, err
	}
	return true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertEmployee(ctx context.Context, x execer, emp giro.Employee, version int64) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO employees (`+employeeCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, role = excluded.role, pin_hash = excluded.pin_hash,
			password_hash = excluded.password_hash, active = excluded.active,
			version = excluded.version, updated_at = excluded.updated_at`,
		emp.ID, emp.Name, emp.Role, emp.PINHash, emp.PasswordHash, emp.Active, version, formatTS(emp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting employee %s: %w", emp.ID, err)
	}
	return nil
}

func (s *SQLiteDatabase) listEmployeeEntities(ctx context.Context, since time.Time) ([]giro.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+employeeCols+" FROM employees WHERE updated_at > ? ORDER BY updated_at, id", sinceArg(since))
	if err != nil {
		return nil, fmt.Errorf("listing employees: %w", err)
	}
	defer rows.Close()

	var out []giro.Entity
	for rows.Next() {
		emp, version, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning employee: %w", err)
		}
		e, err := employeeEntity(*emp, version)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// FindEmployeeByPINHash returns the active employee with the given hash, or nil.
func (s *SQLiteDatabase) FindEmployeeByPINHash(ctx context.Context, hash string) (*giro.Employee, error) {
	if hash == "" {
		return nil, nil
	}
	emp, _, err := scanEmployee(s.db.QueryRowContext(ctx,
		"SELECT "+employeeCols+" FROM employees WHERE pin_hash = ? AND active = 1 LIMIT 1", hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding employee by pin: %w", err)
	}
	return emp, nil
}

func (s *SQLiteDatabase) ListActiveEmployees(ctx context.Context) ([]giro.Employee, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+employeeCols+" FROM employees WHERE active = 1 ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("listing employees: %w", err)
	}
	defer rows.Close()

	var out []giro.Employee
	for rows.Next() {
		emp, _, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning employee: %w", err)
		}
		out = append(out, *emp)
	}
	return out, rows.Err()
}

// UpdateEmployeePIN replaces the stored PIN hash. The row's updated_at moves
// forward so the change replicates.
func (s *SQLiteDatabase) UpdateEmployeePIN(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE employees SET pin_hash = ?, updated_at = ? WHERE id = ?",
		hash, formatTS(s.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("updating pin for employee %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("employee %s not found", id)
	}
	return nil
}

// UpsertEmployee writes a local employee record, keeping its stored version.
func (s *SQLiteDatabase) UpsertEmployee(ctx context.Context, emp giro.Employee) error {
	if emp.ID == "" {
		emp.ID = uuid.New().String()
	}
	if emp.UpdatedAt.IsZero() {
		emp.UpdatedAt = s.clock.Now()
	}
	_, version, err := s.getEmployee(ctx, s.db, emp.ID)
	if err != nil {
		return err
	}
	return upsertEmployee(ctx, s.db, emp, version)
}

// Remote sales

func (s *SQLiteDatabase) RecordRemoteSale(ctx context.Context, sale giro.RemoteSale) error {
	if sale.ID == "" {
		sale.ID = uuid.New().String()
	}
	if sale.ReceivedAt.IsZero() {
		sale.ReceivedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO remote_sales (id, terminal_id, data, received_at) VALUES (?, ?, ?, ?)",
		sale.ID, sale.TerminalID, string(sale.Data), formatTS(sale.ReceivedAt))
	if err != nil {
		return fmt.Errorf("recording remote sale %s: %w", sale.ID, err)
	}
	return nil
}

func (s *SQLiteDatabase) CountRemoteSales(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM remote_sales").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting remote sales: %w", err)
	}
	return n, nil
}
