package repository

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	domainerrors "github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
)

// Common repository errors
var (
	ErrNotFound         = errors.New("entity not found")
	ErrDuplicateKey     = errors.New("duplicate key violation")
	ErrConnectionClosed = errors.New("database connection closed")
)

// IsDuplicateKeyViolation checks if the error is a unique constraint violation
func IsDuplicateKeyViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// PostgreSQL unique violation error code
		return pgErr.Code == "23505"
	}

	return errors.Is(err, ErrDuplicateKey) ||
		strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "violates unique constraint")
}

// IsNotFound checks if the error indicates a record was not found
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}

// IsConnectionError checks if the error is related to database connectivity
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrConnectionClosed) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "no connection to the server")
}

// WrapRepositoryError maps database errors onto the domain error types
func WrapRepositoryError(err error, operation string) error {
	if err == nil {
		return nil
	}

	switch {
	case IsNotFound(err):
		return domainerrors.NewNotFoundError(operation).WithCause(err)
	case IsDuplicateKeyViolation(err):
		return domainerrors.NewConflictError(operation + ": duplicate key").WithCause(err)
	case IsConnectionError(err):
		return domainerrors.NewInternalError(operation + ": database unavailable").WithCause(err)
	}
	return domainerrors.Wrap(err, operation)
}
