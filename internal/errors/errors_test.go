package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStorageError("failed to write artifact", cause)

	assert.Contains(t, err.Error(), "storage")
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestTaxonomyConstructors(t *testing.T) {
	tests := []struct {
		name        string
		err         *AppError
		kind        Kind
		recoverable bool
	}{
		{"validation", NewValidationError("empty name", nil), KindValidation, true},
		{"security", NewSecurityViolation("zip bomb", nil), KindSecurity, false},
		{"database restore", NewDatabaseRestoreError("replay failed", nil), KindDatabaseRestore, false},
		{"file restore", NewFileRestoreError("copy failed", nil), KindFileRestore, false},
		{"encryption", NewEncryptionError("tag mismatch", nil), KindEncryption, false},
		{"transient lock", NewTransientLockError("database is locked", nil), KindTransientLock, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind)
			assert.Equal(t, tt.recoverable, tt.err.IsRecoverable())
			assert.True(t, IsKind(tt.err, tt.kind))
		})
	}
}

func TestUserMessages_DistinguishFailureClasses(t *testing.T) {
	assert.Contains(t, NewValidationError("bad id", nil).GetUserMessage(), "input is invalid")
	assert.Contains(t, NewSecurityViolation("executable upload", nil).GetUserMessage(), "rejected for safety")
	assert.Contains(t, NewDatabaseRestoreError("mid-replay", nil).GetUserMessage(), "failed partway")
}

func TestClassify_ContextErrors(t *testing.T) {
	timeoutErr := Classify(context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, timeoutErr.Kind)
	assert.True(t, timeoutErr.IsRecoverable())

	cancelErr := Classify(context.Canceled)
	assert.Equal(t, KindInterruption, cancelErr.Kind)
}

func TestClassify_PassesThroughAppError(t *testing.T) {
	orig := NewSecurityViolation("blocked", nil)
	wrapped := fmt.Errorf("outer: %w", orig)
	assert.Equal(t, KindSecurity, Classify(wrapped).Kind)
}

func TestValidationErrors_Accumulate(t *testing.T) {
	var errs ValidationErrors
	assert.False(t, errs.HasErrors())

	errs.Add("name", "is required", "")
	errs.Add("size", "cannot be negative", -1)

	assert.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "2 validation errors")
}

func TestRetryHandler_StopsOnPermanentError(t *testing.T) {
	rh := NewRetryHandler(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})

	calls := 0
	err := rh.Retry(context.Background(), func() error {
		calls++
		return NewSecurityViolation("never retry", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryHandler_RetriesRecoverable(t *testing.T) {
	rh := NewRetryHandler(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})

	calls := 0
	err := rh.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return NewTransientLockError("database is locked", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryHandler_ContextCancel(t *testing.T) {
	rh := NewDefaultRetryHandler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rh.Retry(ctx, func() error { return nil })
	assert.Equal(t, KindInterruption, KindOf(err))
}

func TestClassifyStatementError_MySQL(t *testing.T) {
	tests := []struct {
		number uint16
		want   StatementViolation
	}{
		{1062, ViolationUnique},
		{1452, ViolationForeignKey},
		{1048, ViolationNotNull},
		{1205, ViolationLocked},
		{1064, ViolationNone},
	}

	for _, tt := range tests {
		err := &mysql.MySQLError{Number: tt.number, Message: "x"}
		assert.Equal(t, tt.want, ClassifyStatementError(err), "mysql error %d", tt.number)
	}
}

func TestClassifyStatementError_Postgres(t *testing.T) {
	tests := []struct {
		code string
		want StatementViolation
	}{
		{"23505", ViolationUnique},
		{"23503", ViolationForeignKey},
		{"23502", ViolationNotNull},
		{"55P03", ViolationLocked},
		{"42601", ViolationNone},
	}

	for _, tt := range tests {
		err := &pgconn.PgError{Code: tt.code}
		assert.Equal(t, tt.want, ClassifyStatementError(err), "sqlstate %s", tt.code)
	}
}

func TestClassifyStatementError_SQLiteMessages(t *testing.T) {
	assert.Equal(t, ViolationUnique, ClassifyStatementError(errors.New("constraint failed: UNIQUE constraint failed: users.email")))
	assert.Equal(t, ViolationForeignKey, ClassifyStatementError(errors.New("constraint failed: FOREIGN KEY constraint failed")))
	assert.Equal(t, ViolationNotNull, ClassifyStatementError(errors.New("constraint failed: NOT NULL constraint failed: t.c")))
	assert.Equal(t, ViolationLocked, ClassifyStatementError(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.Equal(t, ViolationNone, ClassifyStatementError(nil))
}

func TestIsTransientLock(t *testing.T) {
	assert.True(t, IsTransientLock(errors.New("database is locked")))
	assert.False(t, IsTransientLock(errors.New("syntax error")))
}
