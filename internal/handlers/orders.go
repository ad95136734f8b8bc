package handlers

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/platform/auth"
	"github.com/pvhao2002/Pharmacy/internal/platform/httpx"
	"github.com/pvhao2002/Pharmacy/internal/platform/idempotency"
	"github.com/pvhao2002/Pharmacy/internal/platform/pagination"
	"github.com/pvhao2002/Pharmacy/internal/services"
)

type createOrderItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type createOrderRequest struct {
	Items           []createOrderItemRequest `json:"items"`
	FullName        string                   `json:"fullName"`
	Phone           string                   `json:"phone"`
	ShippingAddress string                   `json:"shippingAddress"`
	Note            string                   `json:"note"`
	PaymentMethod   string                   `json:"paymentMethod"`
	paymentRequest
}

type paymentRequest struct {
	Provider  string `json:"provider"`
	ReturnURL string `json:"returnUrl"`
	CancelURL string `json:"cancelUrl"`
	Locale    string `json:"locale"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers serves the customer order endpoints.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments services.PaymentService
	idem     *idempotency.Middleware
}

// NewOrderHandlers builds the customer handlers. A nil idem disables idempotency keys.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService, idem *idempotency.Middleware) *OrderHandlers {
	return &OrderHandlers{authn: authn, orders: orders, payments: payments, idem: idem}
}

// Routes registers the /orders endpoints. The idempotency middleware runs after authentication
// so keys are scoped to the caller.
func (h *OrderHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.With(h.idem.Handler).Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.With(h.idem.Handler).Post("/{orderID}:pay", h.payOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	method, ok := domain.ParsePaymentMethod(req.PaymentMethod)
	if !ok {
		writeBadRequest(ctx, w, "paymentMethod must be GATEWAY or CASH_ON_DELIVERY")
		return
	}
	cmd := services.CreateOrderCommand{
		FullName:        req.FullName,
		Phone:           req.Phone,
		ShippingAddress: req.ShippingAddress,
		Note:            req.Note,
		PaymentMethod:   method,
		Payment:         paymentOptions(r, req.paymentRequest),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.CreateOrderItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	result, err := h.orders.CreateOrder(ctx, identity, cmd)
	if err != nil && result.Order.ID == "" {
		writeServiceError(ctx, w, err)
		return
	}
	resp := createOrderResponse{Order: buildOrderDetail(result.Order)}
	if err != nil {
		// The order is persisted; a 5xx here would let a retry create it twice.
		payErr := serviceError(ctx, err)
		resp.PaymentError = &paymentErrorPayload{Code: payErr.Code, Message: payErr.Message}
	} else if result.Payment != nil {
		resp.Payment = buildPaymentPayload(*result.Payment)
	}
	w.Header().Set("Location", "/api/v1/orders/"+result.Order.ID)
	writeJSON(w, http.StatusCreated, resp)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	page, err := pagination.Page(r.URL.Query())
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	result, err := h.orders.ListUserOrders(ctx, identity, page)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildPage(result, buildOrderSummary))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, identity, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildOrderDetail(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	var req cancelOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	order, err := h.orders.CancelOrder(ctx, identity, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildOrderDetail(order))
}

func (h *OrderHandlers) payOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	result, err := h.payments.ProcessPayment(ctx, identity, services.ProcessPaymentCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Options: paymentOptions(r, req),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildPaymentPayload(result))
}

func callerIdentity(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return domain.Identity{}, false
	}
	return identity.Domain(), true
}

func paymentOptions(r *http.Request, req paymentRequest) services.PaymentOptions {
	return services.PaymentOptions{
		Provider:       strings.TrimSpace(req.Provider),
		ReturnURL:      strings.TrimSpace(req.ReturnURL),
		CancelURL:      strings.TrimSpace(req.CancelURL),
		Locale:         strings.TrimSpace(req.Locale),
		ClientIP:       clientIP(r),
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
