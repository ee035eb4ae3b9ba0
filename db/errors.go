package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a lookup matched no rows.
	ErrNotFound = errors.New("object does not exist")
	// ErrMultipleRows is returned when a single-row lookup matched more than one row.
	ErrMultipleRows = errors.New("multiple objects returned")
	// ErrIntegrity wraps unique, foreign-key and not-null violations.
	ErrIntegrity = errors.New("integrity constraint violated")
	// ErrUnknownColumn is returned for filters or values naming a column the
	// manager does not know about.
	ErrUnknownColumn = errors.New("unknown column")
)

// IsIntegrityViolation reports whether err came from a constraint violation
// in either backend.
func IsIntegrityViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 23: integrity constraint violation.
		return strings.HasPrefix(pgErr.Code, "23")
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "FOREIGN KEY constraint") ||
		strings.Contains(msg, "duplicate key")
}
