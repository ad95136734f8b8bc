package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/pvhao2002/Pharmacy/internal/payments"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

var (
	// ErrOrderValidation marks malformed or empty input the caller must fix.
	ErrOrderValidation = errors.New("order: validation failed")
	// ErrOrderNotFound marks an unknown order id or transaction reference.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden marks an authenticated caller acting on an order it does not own.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidTransition marks a state machine precondition that does not hold.
	ErrOrderInvalidTransition = errors.New("order: invalid transition")
	// ErrOrderInvalidStatus marks a status value outside the enumerated domain.
	ErrOrderInvalidStatus = errors.New("order: invalid status")
	// ErrPaymentGateway marks a gateway that was unreachable or answered unexpectedly.
	ErrPaymentGateway = errors.New("payment: gateway error")
	// ErrOrderUnavailable marks a transient storage outage.
	ErrOrderUnavailable = errors.New("order: store unavailable")
	// ErrPaymentAmountMismatch marks a gateway result whose amount differs from the frozen total.
	ErrPaymentAmountMismatch = fmt.Errorf("%w: payment amount does not match order total", ErrOrderValidation)
)

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderInvalidTransition, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return fmt.Errorf("order: repository error: %w", err)
}

// runInTx maps failures raised by the transaction machinery itself, such as a commit that kept
// aborting. Errors returned by fn are already mapped and pass through.
func runInTx(ctx context.Context, uow repositories.UnitOfWork, fn func(context.Context) error) error {
	err := uow.RunInTx(ctx, fn)
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return mapRepositoryError(err)
	}
	return err
}

func isRepositoryConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// mapGatewayError keeps the gateway cause in the chain so callers can still match payments errors.
func mapGatewayError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, payments.ErrUnsupportedProvider),
		errors.Is(err, payments.ErrInvalidSignature),
		errors.Is(err, payments.ErrLookupUnsupported):
		return fmt.Errorf("%w: %w", ErrOrderValidation, err)
	default:
		return fmt.Errorf("%w: %w", ErrPaymentGateway, err)
	}
}
