package license

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"giro/internal/cloud"
	"giro/internal/giro"
)

const (
	DefaultDriftThreshold = 300 * time.Second

	keyPrefix   = "GIRO"
	keyGroups   = 4
	keyGroupLen = 4
	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Service implements activation, validation and administration of licenses.
type Service struct {
	repo   Repository
	clock  giro.Clock
	ids    giro.IDGenerator
	logger giro.Logger
	drift  time.Duration
	newKey func() (string, error)
}

type ServiceOption func(*Service)

func WithClock(c giro.Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

func WithIDs(g giro.IDGenerator) ServiceOption {
	return func(s *Service) { s.ids = g }
}

func WithLogger(l giro.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithDriftThreshold bounds how far a client clock may be from the server's.
func WithDriftThreshold(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.drift = d
		}
	}
}

func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{
		repo:   repo,
		clock:  giro.RealClock{},
		ids:    giro.UUIDGenerator{},
		logger: giro.NewNopLogger(),
		drift:  DefaultDriftThreshold,
		newKey: GenerateKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateKey returns a random key of the form GIRO-XXXX-XXXX-XXXX-XXXX.
func GenerateKey() (string, error) {
	parts := []string{keyPrefix}
	limit := big.NewInt(int64(len(keyAlphabet)))
	for range keyGroups {
		var b strings.Builder
		for range keyGroupLen {
			n, err := rand.Int(rand.Reader, limit)
			if err != nil {
				return "", fmt.Errorf("generating license key: %w", err)
			}
			b.WriteByte(keyAlphabet[n.Int64()])
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "-"), nil
}

func normalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// Create issues a new pending license owned by adminID.
func (s *Service) Create(ctx context.Context, adminID string, plan Plan) (*License, error) {
	if strings.TrimSpace(adminID) == "" {
		return nil, errorf(KindValidation, "admin id is required")
	}
	plan, err := ParsePlan(string(plan))
	if err != nil {
		return nil, err
	}
	key, err := s.newKey()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	l := &License{
		ID:        s.ids.New(),
		Key:       key,
		AdminID:   adminID,
		Plan:      plan,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.repo.Transact(ctx, func(tx Repository) error {
		if err := tx.CreateLicense(ctx, l); err != nil {
			return err
		}
		return s.audit(ctx, tx, AuditLicenseCreated, l, "", map[string]any{"plan_type": plan})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("license created", "license_id", l.ID, "admin_id", adminID, "plan", plan)
	return l, nil
}

type ActivateInput struct {
	Key         string
	Fingerprint string
	MachineName string
	OSVersion   string
	CPUInfo     string
	IP          string
}

// Activate binds a license to the presented hardware.
func (s *Service) Activate(ctx context.Context, in ActivateInput) (*cloud.ActivateResponse, error) {
	key := normalizeKey(in.Key)
	fp := strings.TrimSpace(in.Fingerprint)
	if key == "" || fp == "" {
		return nil, errorf(KindValidation, "license key and hardware fingerprint are required")
	}

	var (
		out      *cloud.ActivateResponse
		rejected error
	)
	err := s.repo.Transact(ctx, func(tx Repository) error {
		now := s.clock.Now()
		l, err := tx.LicenseByKey(ctx, key)
		if err != nil {
			return err
		}
		if l == nil {
			rejected = errNotFound
			return nil
		}
		if err := tx.LockLicense(ctx, l.ID); err != nil {
			return err
		}
		if err := s.expireIfDue(ctx, tx, l, now); err != nil {
			return err
		}

		switch l.Status {
		case StatusActive:
			if l.HardwareID == "" {
				break
			}
			bound, err := tx.HardwareByID(ctx, l.HardwareID)
			if err != nil {
				return err
			}
			if bound != nil && bound.Fingerprint != fp {
				rejected = errorf(KindHardwareMismatch, "license is active on another machine")
				return s.audit(ctx, tx, AuditHardwareConflict, l, in.IP, map[string]any{
					"reason":   "bound_elsewhere",
					"received": fp,
				})
			}
			out = &cloud.ActivateResponse{
				Status:    string(l.Status),
				ExpiresAt: derefTime(l.ExpiresAt),
				Message:   "license is already active on this machine",
			}
			return nil
		case StatusPending:
		case StatusExpired:
			rejected = errorf(KindLicenseExpired, "license expired")
			return nil
		default:
			rejected = errorf(KindLicense, "license is %s", l.Status)
			return nil
		}

		if other, err := s.boundElsewhere(ctx, tx, fp, l.ID, now); err != nil {
			return err
		} else if other {
			rejected = errorf(KindHardwareConflict, "this machine is already bound to another license")
			return s.audit(ctx, tx, AuditHardwareConflict, l, in.IP, map[string]any{"hardware_id": fp})
		}

		hw := &Hardware{
			ID:          s.ids.New(),
			Fingerprint: fp,
			MachineName: in.MachineName,
			OSVersion:   in.OSVersion,
			CPUInfo:     in.CPUInfo,
			LastSeenIP:  in.IP,
			LastSeenAt:  now,
			CreatedAt:   now,
		}
		if err := tx.SaveHardware(ctx, hw); err != nil {
			return err
		}

		// A transferred license keeps its original window.
		if l.ActivatedAt == nil || l.ExpiresAt == nil {
			exp := now.Add(l.Plan.Duration())
			l.ActivatedAt = &now
			l.ExpiresAt = &exp
		}
		l.Status = StatusActive
		l.HardwareID = hw.ID
		l.UpdatedAt = now
		if err := tx.UpdateLicense(ctx, l); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, AuditLicenseActivated, l, in.IP, map[string]any{
			"hardware_id":  fp,
			"machine_name": in.MachineName,
			"expires_at":   l.ExpiresAt,
		}); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, AuditHardwareRegistered, l, in.IP, map[string]any{
			"hardware_id": hw.ID,
			"fingerprint": fp,
		}); err != nil {
			return err
		}
		out = &cloud.ActivateResponse{
			Status:    string(l.Status),
			ExpiresAt: *l.ExpiresAt,
			Message:   "license activated",
		}
		s.logger.Info("license activated", "license_id", l.ID, "hardware_id", hw.ID, "expires_at", l.ExpiresAt)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("activating license: %w", err)
	}
	if rejected != nil {
		return nil, rejected
	}
	return out, nil
}

// boundElsewhere reports whether fingerprint is held by a live license other
// than licenseID.
func (s *Service) boundElsewhere(ctx context.Context, tx Repository, fp, licenseID string, now time.Time) (bool, error) {
	hw, err := tx.HardwareByFingerprint(ctx, fp)
	if err != nil || hw == nil {
		return false, err
	}
	others, err := tx.LicensesByHardware(ctx, hw.ID)
	if err != nil {
		return false, err
	}
	for _, o := range others {
		if o.ID != licenseID && o.Status == StatusActive && !o.expired(now) {
			return true, nil
		}
	}
	return false, nil
}

type ValidateInput struct {
	Key         string
	Fingerprint string
	ClientTime  time.Time
	IP          string
}

// Validate is the periodic check a node makes with its bound fingerprint.
func (s *Service) Validate(ctx context.Context, in ValidateInput) (*cloud.ValidateResponse, error) {
	key := normalizeKey(in.Key)
	fp := strings.TrimSpace(in.Fingerprint)
	if key == "" || fp == "" {
		return nil, errorf(KindValidation, "license key and hardware fingerprint are required")
	}

	var (
		out      *cloud.ValidateResponse
		rejected error
	)
	err := s.repo.Transact(ctx, func(tx Repository) error {
		now := s.clock.Now()
		drift := in.ClientTime.Sub(now)
		if drift < 0 {
			drift = -drift
		}
		l, err := tx.LicenseByKey(ctx, key)
		if err != nil {
			return err
		}
		if drift > s.drift {
			rejected = errorf(KindTimeDrift, "system clock is off by %d seconds", int64(drift/time.Second))
			if l == nil {
				return nil
			}
			return s.audit(ctx, tx, AuditLicenseValidationFailed, l, in.IP, map[string]any{
				"reason":        "time_drift",
				"drift_seconds": int64(drift / time.Second),
			})
		}
		if l == nil {
			rejected = errNotFound
			return nil
		}
		if err := tx.LockLicense(ctx, l.ID); err != nil {
			return err
		}
		if l.HardwareID == "" {
			rejected = errorf(KindNotActivated, "license is not activated")
			return nil
		}
		hw, err := tx.HardwareByID(ctx, l.HardwareID)
		if err != nil {
			return err
		}
		if hw != nil && hw.Fingerprint != fp {
			rejected = errorf(KindHardwareMismatch, "hardware does not match the activated machine")
			return s.audit(ctx, tx, AuditLicenseValidationFailed, l, in.IP, map[string]any{
				"reason":   "hardware_mismatch",
				"expected": hw.Fingerprint,
				"received": fp,
			})
		}
		if hw != nil {
			hw.LastSeenAt = now
			if in.IP != "" {
				hw.LastSeenIP = in.IP
			}
			if err := tx.SaveHardware(ctx, hw); err != nil {
				return err
			}
		}
		if err := s.expireIfDue(ctx, tx, l, now); err != nil {
			return err
		}

		valid, message := false, ""
		switch l.Status {
		case StatusActive:
			valid, message = true, "license is valid"
		case StatusExpired:
			message = "license expired"
		case StatusSuspended:
			message = "license suspended"
		case StatusRevoked:
			message = "license revoked"
		default:
			message = "license is not activated"
		}

		l.LastValidated = &now
		l.ValidationCount++
		l.UpdatedAt = now
		if err := tx.UpdateLicense(ctx, l); err != nil {
			return err
		}
		action := AuditLicenseValidated
		if !valid {
			action = AuditLicenseValidationFailed
		}
		if err := s.audit(ctx, tx, action, l, in.IP, map[string]any{"valid": valid}); err != nil {
			return err
		}

		out = &cloud.ValidateResponse{
			Valid:     valid,
			Status:    string(l.Status),
			ExpiresAt: l.ExpiresAt,
			Message:   message,
		}
		if l.ExpiresAt != nil {
			days := max(int64(l.ExpiresAt.Sub(now)/(24*time.Hour)), 0)
			out.DaysRemaining = &days
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("validating license: %w", err)
	}
	if rejected != nil {
		return nil, rejected
	}
	return out, nil
}

// Transfer clears the hardware binding so the next activation may bind a
// new machine. The status is left alone.
func (s *Service) Transfer(ctx context.Context, adminID, key, ip string) (*cloud.TransferResponse, error) {
	var out *cloud.TransferResponse
	err := s.owned(ctx, adminID, key, func(tx Repository, l *License, now time.Time) error {
		previous := l.HardwareID
		l.HardwareID = ""
		l.UpdatedAt = now
		if err := tx.UpdateLicense(ctx, l); err != nil {
			return err
		}
		out = &cloud.TransferResponse{
			Status:  string(l.Status),
			Message: "license released; activate it on the new machine",
		}
		return s.audit(ctx, tx, AuditLicenseTransferred, l, ip, map[string]any{"previous_hardware_id": previous})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Revoke permanently disables a license.
func (s *Service) Revoke(ctx context.Context, adminID, key, ip string) (*License, error) {
	return s.setStatus(ctx, adminID, key, ip, StatusRevoked, AuditLicenseRevoked)
}

func (s *Service) Suspend(ctx context.Context, adminID, key, ip string) (*License, error) {
	return s.setStatus(ctx, adminID, key, ip, StatusSuspended, AuditLicenseSuspended)
}

func (s *Service) setStatus(ctx context.Context, adminID, key, ip string, st Status, action AuditAction) (*License, error) {
	var out License
	err := s.owned(ctx, adminID, key, func(tx Repository, l *License, now time.Time) error {
		if l.Status == StatusRevoked {
			return errorf(KindLicense, "license is revoked")
		}
		previous := l.Status
		l.Status = st
		l.UpdatedAt = now
		if err := tx.UpdateLicense(ctx, l); err != nil {
			return err
		}
		out = *l
		return s.audit(ctx, tx, action, l, ip, map[string]any{"previous_status": previous})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("license status changed", "license_id", out.ID, "status", st)
	return &out, nil
}

// owned runs fn in a transaction on the license key owned by adminID.
// Licenses of other admins are reported as not found.
func (s *Service) owned(ctx context.Context, adminID, key string, fn func(tx Repository, l *License, now time.Time) error) error {
	return s.repo.Transact(ctx, func(tx Repository) error {
		l, err := tx.LicenseByKey(ctx, normalizeKey(key))
		if err != nil {
			return err
		}
		if l == nil || l.AdminID != adminID {
			return errNotFound
		}
		if err := tx.LockLicense(ctx, l.ID); err != nil {
			return err
		}
		now := s.clock.Now()
		if err := s.expireIfDue(ctx, tx, l, now); err != nil {
			return err
		}
		return fn(tx, l, now)
	})
}

// Get returns a license and its bound hardware.
func (s *Service) Get(ctx context.Context, adminID, key string) (*Details, error) {
	l, err := s.repo.LicenseByKey(ctx, normalizeKey(key))
	if err != nil {
		return nil, err
	}
	if l == nil || l.AdminID != adminID {
		return nil, errNotFound
	}
	s.expireView(l)
	d := &Details{License: *l}
	if l.HardwareID != "" {
		if d.Hardware, err = s.repo.HardwareByID(ctx, l.HardwareID); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// List returns an admin's licenses, newest first.
func (s *Service) List(ctx context.Context, adminID string) ([]License, error) {
	ls, err := s.repo.ListLicenses(ctx, adminID)
	if err != nil {
		return nil, err
	}
	for i := range ls {
		s.expireView(&ls[i])
	}
	return ls, nil
}

func (s *Service) Stats(ctx context.Context, adminID string) (Stats, error) {
	ls, err := s.List(ctx, adminID)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, l := range ls {
		st.add(l.Status)
	}
	return st, nil
}

// Audit returns the audit trail of one license, oldest first.
func (s *Service) Audit(ctx context.Context, adminID, key string) ([]AuditEntry, error) {
	d, err := s.Get(ctx, adminID, key)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAudit(ctx, d.License.ID)
}

// expireIfDue persists the Active -> Expired transition once the window
// has passed.
func (s *Service) expireIfDue(ctx context.Context, tx Repository, l *License, now time.Time) error {
	if l.Status != StatusActive || !l.expired(now) {
		return nil
	}
	l.Status = StatusExpired
	l.UpdatedAt = now
	return tx.UpdateLicense(ctx, l)
}

func (s *Service) expireView(l *License) {
	if l.Status == StatusActive && l.expired(s.clock.Now()) {
		l.Status = StatusExpired
	}
}

func (s *Service) audit(ctx context.Context, tx Repository, action AuditAction, l *License, ip string, meta map[string]any) error {
	e := AuditEntry{
		ID:        s.ids.New(),
		Action:    action,
		AdminID:   l.AdminID,
		LicenseID: l.ID,
		IP:        ip,
		Metadata:  meta,
		CreatedAt: s.clock.Now(),
	}
	if err := tx.AppendAudit(ctx, e); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
