package credkey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"giro/internal/giro"
)

var (
	ErrInvalidPIN = errors.New("pin must be 4 to 6 digits")
	ErrAuthFailed = errors.New("invalid pin")
)

// ValidatePIN checks the PIN format.
func ValidatePIN(pin string) error {
	if len(pin) < 4 || len(pin) > 6 {
		return ErrInvalidPIN
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return ErrInvalidPIN
		}
	}
	return nil
}

// Authenticator resolves a PIN to an active employee.
type Authenticator struct {
	keys      *KeyManager
	employees giro.EmployeeStore
	logger    giro.Logger
}

func NewAuthenticator(keys *KeyManager, employees giro.EmployeeStore, logger giro.Logger) *Authenticator {
	if logger == nil {
		logger = giro.NewNopLogger()
	}
	return &Authenticator{keys: keys, employees: employees, logger: logger}
}

// AuthenticatePIN tries the current key first, then older keys from history,
// then an unkeyed SHA-256 hash, then the employee's password hash. A match
// on anything but the current key rewrites the stored PIN hash.
func (a *Authenticator) AuthenticatePIN(ctx context.Context, pin string) (*giro.Employee, error) {
	if err := ValidatePIN(pin); err != nil {
		return nil, err
	}

	current, err := a.keys.Current(ctx)
	if err != nil {
		return nil, err
	}
	currentHash := HashWithKey(current, pin)

	emp, err := a.employees.FindEmployeeByPINHash(ctx, currentHash)
	if err != nil {
		return nil, err
	}
	if emp != nil {
		return emp, nil
	}

	history, err := a.keys.History(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range history {
		if key == current {
			continue
		}
		emp, err := a.employees.FindEmployeeByPINHash(ctx, HashWithKey(key, pin))
		if err != nil {
			return nil, err
		}
		if emp != nil {
			return a.migrate(ctx, emp, currentHash, "history")
		}
	}

	emp, err = a.employees.FindEmployeeByPINHash(ctx, legacyHash(pin))
	if err != nil {
		return nil, err
	}
	if emp != nil {
		return a.migrate(ctx, emp, currentHash, "sha256")
	}

	active, err := a.employees.ListActiveEmployees(ctx)
	if err != nil {
		return nil, err
	}
	for i := range active {
		if active[i].PasswordHash != "" && VerifyPassword(active[i].PasswordHash, pin) {
			return a.migrate(ctx, &active[i], currentHash, "password")
		}
	}

	a.logger.Warn("pin authentication failed")
	return nil, ErrAuthFailed
}

func (a *Authenticator) migrate(ctx context.Context, emp *giro.Employee, hash, from string) (*giro.Employee, error) {
	if err := a.employees.UpdateEmployeePIN(ctx, emp.ID, hash); err != nil {
		return nil, fmt.Errorf("migrating pin hash: %w", err)
	}
	emp.PINHash = hash
	a.logger.Info("migrated employee pin hash", "employee_id", emp.ID, "from", from)
	return emp, nil
}

// HashNewPIN validates and hashes a PIN for a new or changed employee.
func (a *Authenticator) HashNewPIN(ctx context.Context, pin string) (string, error) {
	if err := ValidatePIN(pin); err != nil {
		return "", err
	}
	return a.keys.Hash(ctx, pin)
}

func legacyHash(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}
