package license

import (
	"errors"
	"fmt"
)

// Kind classifies a rejected license operation.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindHardwareMismatch Kind = "hardware_mismatch"
	KindLicenseExpired   Kind = "license_expired"
	KindLicense          Kind = "license"
	KindTimeDrift        Kind = "time_drift"
	KindNotActivated     Kind = "not_activated"
	KindHardwareConflict Kind = "hardware_conflict"
	KindForbidden        Kind = "forbidden"
	KindValidation       Kind = "validation"
)

// Error is a domain rejection. Anything else coming out of the service is an
// infrastructure failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a domain error, or "" for any other error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	ErrMissingJWTSecret = errors.New("JWT_SECRET is required for the license server")
	errNotFound         = errorf(KindNotFound, "license not found")
)
