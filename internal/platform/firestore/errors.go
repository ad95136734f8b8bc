package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

// WrapError classifies a Firestore error by its gRPC code. Cancellation passes through untouched
// and errors that are already classified are returned as is.
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
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.NotFound:
		return repositories.NewNotFound(op, err)
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return repositories.NewConflict(op, err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return repositories.NewUnavailable(op, err)
	}
	return &repositories.StoreError{Op: op, Err: err}
}
