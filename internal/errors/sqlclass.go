package errors

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// StatementViolation classifies a statement-level SQL error during replay.
// The Restore Engine dispatches on this to decide whether a failed statement
// is skipped, deferred or repaired.
type StatementViolation int

const (
	// ViolationNone means the error is not a recognized constraint violation
	ViolationNone StatementViolation = iota
	// ViolationUnique means a uniqueness or primary-key conflict
	ViolationUnique
	// ViolationForeignKey means an unmet foreign-key dependency
	ViolationForeignKey
	// ViolationNotNull means a NOT NULL column received no value
	ViolationNotNull
	// ViolationLocked means the datastore is temporarily locked or read-only
	ViolationLocked
)

// String returns a readable name for logging
func (v StatementViolation) String() string {
	switch v {
	case ViolationUnique:
		return "unique"
	case ViolationForeignKey:
		return "foreign_key"
	case ViolationNotNull:
		return "not_null"
	case ViolationLocked:
		return "locked"
	default:
		return "none"
	}
}

// ClassifyStatementError maps a driver error onto a StatementViolation.
// MySQL is matched by error number, Postgres by SQLSTATE class 23, and
// SQLite by the driver's extended message text (modernc.org/sqlite surfaces
// constraint names in the error string).
func ClassifyStatementError(err error) StatementViolation {
	if err == nil {
		return ViolationNone
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1062, 1022, 1557: // duplicate entry / key
			return ViolationUnique
		case 1216, 1217, 1451, 1452: // foreign key constraint
			return ViolationForeignKey
		case 1048, 1364: // column cannot be null / no default
			return ViolationNotNull
		case 1205, 1213: // lock wait timeout / deadlock
			return ViolationLocked
		}
		return ViolationNone
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ViolationUnique
		case "23503":
			return ViolationForeignKey
		case "23502":
			return ViolationNotNull
		case "55P03", "40P01": // lock not available / deadlock detected
			return ViolationLocked
		}
		return ViolationNone
	}

	if errors.Is(err, sql.ErrTxDone) || errors.Is(err, sql.ErrConnDone) {
		return ViolationNone
	}

	// SQLite and generic fallbacks match on message text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate"):
		return ViolationUnique
	case strings.Contains(msg, "foreign key constraint") || strings.Contains(msg, "foreign key"):
		return ViolationForeignKey
	case strings.Contains(msg, "not null constraint") || strings.Contains(msg, "may not be null"):
		return ViolationNotNull
	case strings.Contains(msg, "database is locked") || strings.Contains(msg, "readonly database") ||
		strings.Contains(msg, "read-only"):
		return ViolationLocked
	}

	return ViolationNone
}

// IsTransientLock reports whether err should surface as a TransientLockError
func IsTransientLock(err error) bool {
	return ClassifyStatementError(err) == ViolationLocked
}
