package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeCannotConnectNow     = "57P03"
	codeTooManyConnections   = "53300"
)

// WrapError classifies pgx errors into repository semantics.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var classified repositories.RepositoryError
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repositories.NewNotFound(op, err)
	}
	if errors.Is(err, pgx.ErrTooManyRows) {
		return repositories.NewConflict(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected:
			return repositories.NewConflict(op, err)
		case codeCannotConnectNow, codeTooManyConnections:
			return repositories.NewUnavailable(op, err)
		}
		return &repositories.StoreError{Op: op, Err: err}
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return repositories.NewUnavailable(op, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return repositories.NewUnavailable(op, err)
	}
	return &repositories.StoreError{Op: op, Err: err}
}
