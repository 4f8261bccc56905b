package billing

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

// Error kinds. Callers classify with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation failed")
	ErrVerification     = errors.New("verification failed")
	ErrTransientStorage = errors.New("transient storage error")
	ErrFatalStorage     = errors.New("storage error")
)

// Unique constraints whose violation is a caller error rather than a bug.
var validationConstraints = map[string]string{
	"subscriptions_one_active_per_user": "user already has an active subscription",
	"users_email_key":                   "email already registered",
}

// ClassifyStorageError wraps err from a database call with the matching
// error kind. Already classified errors pass through unchanged.
func ClassifyStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrNotFound, ErrValidation, ErrVerification, ErrTransientStorage, ErrFatalStorage} {
		if errors.Is(err, kind) {
			return err
		}
	}

	return fmt.Errorf("%s: %w: %w", op, storageKind(err), err)
}

func storageKind(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return ErrTransientStorage
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23503":
			return ErrNotFound
		case pqErr.Code == "23505":
			if _, ok := validationConstraints[pqErr.Constraint]; ok {
				return ErrValidation
			}
			return ErrFatalStorage
		case pqErr.Code == "23514", pqErr.Code.Class() == "22":
			return ErrValidation
		case pqErr.Code.Class() == "08",
			pqErr.Code == "40001", // serialization_failure
			pqErr.Code == "40P01", // deadlock_detected
			pqErr.Code == "55P03", // lock_not_available
			pqErr.Code == "57P01", // admin_shutdown
			pqErr.Code == "53300": // too_many_connections
			return ErrTransientStorage
		}
		return ErrFatalStorage
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrTransientStorage
	}

	return ErrFatalStorage
}

// constraintMessage returns the user-facing message for a known
// unique-constraint violation.
func constraintMessage(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		msg, ok := validationConstraints[pqErr.Constraint]
		return msg, ok
	}
	return "", false
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}
