package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pvhao2002/Pharmacy/internal/payments"
	"github.com/pvhao2002/Pharmacy/internal/platform/httpx"
	"github.com/pvhao2002/Pharmacy/internal/platform/requestctx"
	"github.com/pvhao2002/Pharmacy/internal/services"
)

const maxWebhookBody = 64 * 1024

// VNPay IPN response codes.
const (
	vnpayRspConfirmed      = "00"
	vnpayRspOrderNotFound  = "01"
	vnpayRspAlreadyUpdated = "02"
	vnpayRspInvalidAmount  = "04"
	vnpayRspBadSignature   = "97"
	vnpayRspUnknown        = "99"
)

type vnpayAck struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

type stripeAck struct {
	Received bool `json:"received"`
}

// WebhookHandlers receive gateway payment notifications. They carry no user authentication;
// every request is verified by the gateway adapter before it can touch an order.
type WebhookHandlers struct {
	payments services.PaymentService
}

// NewWebhookHandlers wires gateway notifications to the payment service.
func NewWebhookHandlers(payments services.PaymentService) *WebhookHandlers {
	return &WebhookHandlers{payments: payments}
}

func (h *WebhookHandlers) Routes(r chi.Router) {
	r.Get("/payments/vnpay", h.vnpayIPN)
	r.Post("/payments/stripe", h.stripeEvent)
}

// vnpayIPN always answers 200; VNPay reads the outcome from RspCode and retries anything other
// than a definitive answer.
func (h *WebhookHandlers) vnpayIPN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	outcome, err := h.payments.HandleNotification(ctx, payments.ProviderVNPay, payments.Notification{
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
	})

	ack := vnpayAck{RspCode: vnpayRspConfirmed, Message: "Confirm Success"}
	switch {
	case err == nil && (outcome.Update.Duplicate || outcome.Ignored):
		ack = vnpayAck{RspCode: vnpayRspAlreadyUpdated, Message: "Order already confirmed"}
	case err == nil:
	case errors.Is(err, payments.ErrInvalidSignature):
		ack = vnpayAck{RspCode: vnpayRspBadSignature, Message: "Invalid signature"}
	case errors.Is(err, services.ErrPaymentAmountMismatch):
		ack = vnpayAck{RspCode: vnpayRspInvalidAmount, Message: "Invalid amount"}
	case errors.Is(err, services.ErrOrderNotFound):
		ack = vnpayAck{RspCode: vnpayRspOrderNotFound, Message: "Order not found"}
	case errors.Is(err, services.ErrOrderInvalidTransition):
		ack = vnpayAck{RspCode: vnpayRspAlreadyUpdated, Message: "Order already confirmed"}
	default:
		requestctx.Logger(ctx).Warn("vnpay notification failed", zap.Error(err))
		ack = vnpayAck{RspCode: vnpayRspUnknown, Message: "Unknown error"}
	}
	writeJSON(w, http.StatusOK, ack)
}

// stripeEvent acknowledges anything Stripe should not redeliver and answers 5xx only for
// failures a retry could fix.
func (h *WebhookHandlers) stripeEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeBadRequest(ctx, w, "webhook body too large or unreadable")
		return
	}

	_, err = h.payments.HandleNotification(ctx, payments.ProviderStripe, payments.Notification{
		Header:  r.Header.Clone(),
		Payload: payload,
	})
	switch {
	case err == nil:
	case errors.Is(err, payments.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrPaymentAmountMismatch),
		errors.Is(err, services.ErrOrderNotFound),
		errors.Is(err, services.ErrOrderInvalidTransition):
		requestctx.Logger(ctx).Warn("stripe notification not applied", zap.Error(err))
	case errors.Is(err, services.ErrOrderValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	default:
		requestctx.Logger(ctx).Error("stripe notification failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", "notification could not be processed", http.StatusServiceUnavailable))
		return
	}
	writeJSON(w, http.StatusOK, stripeAck{Received: true})
}
