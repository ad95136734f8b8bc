package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pvhao2002/Pharmacy/internal/platform/httpx"
	"github.com/pvhao2002/Pharmacy/internal/platform/requestctx"
	"github.com/pvhao2002/Pharmacy/internal/services"
)

// writeServiceError maps service sentinels onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	httpx.WriteError(ctx, w, serviceError(ctx, err))
}

func serviceError(ctx context.Context, err error) httpx.Error {
	var httpErr httpx.Error
	switch {
	case errors.Is(err, services.ErrPaymentAmountMismatch):
		httpErr = httpx.NewError("amount_mismatch", err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrOrderValidation), errors.Is(err, services.ErrOrderInvalidStatus):
		httpErr = httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrOrderNotFound):
		httpErr = httpx.NewError("order_not_found", "order not found", http.StatusNotFound)
	case errors.Is(err, services.ErrOrderForbidden):
		httpErr = httpx.NewError("forbidden", "order belongs to another user", http.StatusForbidden)
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpErr = httpx.NewError("invalid_transition", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrPaymentGateway):
		httpErr = httpx.NewError("payment_gateway_error", "payment gateway unavailable, retry later", http.StatusBadGateway)
	case errors.Is(err, services.ErrOrderUnavailable):
		httpErr = httpx.NewError("unavailable", "order store unavailable, retry later", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		httpErr = httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout)
	default:
		requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
		httpErr = httpx.NewError("internal", "internal server error", http.StatusInternalServerError)
	}
	return httpErr
}

func writeBadRequest(ctx context.Context, w http.ResponseWriter, message string) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
}
