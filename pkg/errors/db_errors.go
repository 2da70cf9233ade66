// Package errors provides database error classification and handling utilities.
package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// DatabaseErrorType represents the type of database error.
type DatabaseErrorType int

const (
	// ErrorTypeUnknown represents an unknown database error.
	ErrorTypeUnknown DatabaseErrorType = iota
	// ErrorTypeDuplicateKey represents a duplicate key constraint violation (MySQL 1062).
	ErrorTypeDuplicateKey
	// ErrorTypeConstraintViolation represents a foreign key or check constraint violation.
	ErrorTypeConstraintViolation
	// ErrorTypeNotFound represents a record not found error.
	ErrorTypeNotFound
	// ErrorTypeDeadlock represents a deadlock error (MySQL 1213).
	ErrorTypeDeadlock
	// ErrorTypeConnectionError represents a database connection error.
	ErrorTypeConnectionError
	// ErrorTypeInvalidValue represents an invalid value error.
	ErrorTypeInvalidValue
)

// DatabaseError wraps a database error with classification information.
type DatabaseError struct {
	Type         DatabaseErrorType
	OriginalErr  error
	MySQLErrCode uint16 // MySQL error code (e.g., 1062, 1213)
	Message      string
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.MySQLErrCode > 0 {
		return fmt.Sprintf("%s (MySQL error %d): %v", e.Message, e.MySQLErrCode, e.OriginalErr)
	}
	return fmt.Sprintf("%s: %v", e.Message, e.OriginalErr)
}

// Unwrap returns the underlying error for errors.Is and errors.As compatibility.
func (e *DatabaseError) Unwrap() error {
	return e.OriginalErr
}

// ClassifyDBError classifies a database error into a specific error type.
//
// It handles GORM errors and MySQL-specific errors:
//   - ErrRecordNotFound → ErrorTypeNotFound
//   - MySQL 1062 (Duplicate entry) → ErrorTypeDuplicateKey
//   - MySQL 1452/1451 (Foreign key constraint) → ErrorTypeConstraintViolation
//   - MySQL 1213 (Deadlock) → ErrorTypeDeadlock
//   - Connection errors → ErrorTypeConnectionError
//
// Deadlocks and connection errors are transient and safe to retry; the
// consumer retry policy relies on IsTransientError for that decision.
func ClassifyDBError(err error) *DatabaseError {
	if err == nil {
		return nil
	}

	// Handle GORM ErrRecordNotFound
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &DatabaseError{
			Type:        ErrorTypeNotFound,
			OriginalErr: err,
			Message:     "record not found",
		}
	}

	// Try to extract MySQL error
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return classifyMySQLError(mysqlErr)
	}

	// Check for connection errors (common patterns)
	if isConnectionError(err.Error()) {
		return &DatabaseError{
			Type:        ErrorTypeConnectionError,
			OriginalErr: err,
			Message:     "database connection error",
		}
	}

	return &DatabaseError{
		Type:        ErrorTypeUnknown,
		OriginalErr: err,
		Message:     "unknown database error",
	}
}

// classifyMySQLError classifies a MySQL-specific error.
func classifyMySQLError(err *mysql.MySQLError) *DatabaseError {
	switch err.Number {
	case 1062: // ER_DUP_ENTRY
		return &DatabaseError{
			Type:         ErrorTypeDuplicateKey,
			OriginalErr:  err,
			MySQLErrCode: err.Number,
			Message:      "duplicate key constraint violation",
		}

	case 1452: // ER_NO_REFERENCED_ROW_2 (Foreign key constraint)
		return &DatabaseError{
			Type:         ErrorTypeConstraintViolation,
			OriginalErr:  err,
			MySQLErrCode: err.Number,
			Message:      "foreign key constraint violation",
		}

	case 1451: // ER_ROW_IS_REFERENCED_2 (Cannot delete/update parent row)
		return &DatabaseError{
			Type:         ErrorTypeConstraintViolation,
			OriginalErr:  err,
			MySQLErrCode: err.Number,
			Message:      "cannot delete/update record due to foreign key constraint",
		}

	case 1213: // ER_LOCK_DEADLOCK
		return &DatabaseError{
			Type:         ErrorTypeDeadlock,
			OriginalErr:  err,
			MySQLErrCode: err.Number,
			Message:      "deadlock detected",
		}

	case 1048: // ER_BAD_NULL_ERROR
		return &DatabaseError{
			Type:         ErrorTypeInvalidValue,
			OriginalErr:  err,
			MySQLErrCode: err.Number,
			Message:      "column cannot be null",
		}

	case 1265, 1366: // ER_WARN_DATA_TRUNCATED, ER_TRUNCATED_WRONG_VALUE
		return &DatabaseError{
			Type:         ErrorTypeInvalidValue,
			OriginalErr:  err,
			MySQLErrCode: err.Number,
			Message:      "invalid or truncated value",
		}

	default:
		return &DatabaseError{
			Type:         ErrorTypeUnknown,
			OriginalErr:  err,
			MySQLErrCode: err.Number,
			Message:      "MySQL error",
		}
	}
}

// isConnectionError checks if the error message indicates a connection problem.
func isConnectionError(errMsg string) bool {
	connectionKeywords := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"connection lost",
		"can't connect",
		"dial tcp",
	}

	lower := strings.ToLower(errMsg)
	for _, keyword := range connectionKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// IsDuplicateKeyError checks if the error is a duplicate key constraint violation.
func IsDuplicateKeyError(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Type == ErrorTypeDuplicateKey
}

// IsNotFoundError checks if the error is a record not found error.
func IsNotFoundError(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Type == ErrorTypeNotFound
}

// IsDeadlockError checks if the error is a deadlock error.
func IsDeadlockError(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Type == ErrorTypeDeadlock
}

// IsTransientError reports whether the error is transient (deadlock or
// connection failure) and therefore a candidate for the bounded retry
// policy. Everything else is treated as permanent.
func IsTransientError(err error) bool {
	dbErr := ClassifyDBError(err)
	if dbErr == nil {
		return false
	}
	return dbErr.Type == ErrorTypeDeadlock || dbErr.Type == ErrorTypeConnectionError
}
