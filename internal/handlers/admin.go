package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/platform/auth"
	"github.com/pvhao2002/Pharmacy/internal/platform/httpx"
	"github.com/pvhao2002/Pharmacy/internal/platform/pagination"
	"github.com/pvhao2002/Pharmacy/internal/services"
)

type updateStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type updatePaymentRequest struct {
	PaymentStatus string `json:"paymentStatus"`
	Note          string `json:"note"`
}

type dashboardPayload struct {
	TotalOrders       int            `json:"totalOrders"`
	OrdersByStatus    map[string]int `json:"ordersByStatus"`
	PaymentsByStatus  map[string]int `json:"paymentsByStatus"`
	Revenue           string         `json:"revenue"`
	Refunded          string         `json:"refunded"`
	Outstanding       string         `json:"outstanding"`
	AverageOrderValue string         `json:"averageOrderValue"`
	Currency          string         `json:"currency"`
	GeneratedAt       time.Time      `json:"generatedAt"`
}

// AdminHandlers serves the staff order endpoints.
type AdminHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments services.PaymentService
}

// NewAdminHandlers wires the staff endpoints to the order and payment services.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService) *AdminHandlers {
	return &AdminHandlers{authn: authn, orders: orders, payments: payments}
}

func (h *AdminHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Put("/orders/{orderID}/status", h.updateStatus)
	r.Put("/orders/{orderID}/payment", h.updatePayment)
	r.Get("/dashboard", h.dashboard)
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	page, err := pagination.Page(query)
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	statuses, err := pagination.Statuses(query)
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	from, to, err := pagination.DateRange(query)
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	result, err := h.orders.ListOrders(ctx, services.AdminOrderFilter{Status: statuses, From: from, To: to, Page: page})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildPage(result, buildOrderSummary))
}

func (h *AdminHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrderAsAdmin(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildOrderDetail(order))
}

func (h *AdminHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req updateStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	status, ok := domain.ParseOrderStatus(req.Status)
	if !ok {
		writeBadRequest(ctx, w, "unknown order status "+strings.TrimSpace(req.Status))
		return
	}
	order, err := h.orders.UpdateOrderStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID:      chi.URLParam(r, "orderID"),
		TargetStatus: status,
		ActorID:      actorID(r),
		Reason:       req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildOrderDetail(order))
}

func (h *AdminHandlers) updatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req updatePaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	result, ok := domain.ParsePaymentStatus(req.PaymentStatus)
	if !ok {
		writeBadRequest(ctx, w, "unknown payment status "+strings.TrimSpace(req.PaymentStatus))
		return
	}
	update, err := h.payments.UpdatePaymentByOrderID(ctx, services.ManualPaymentCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Result:  result,
		ActorID: actorID(r),
		Note:    req.Note,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentUpdateResponse{
		Order:     buildOrderDetail(update.Order),
		Applied:   update.Applied,
		Duplicate: update.Duplicate,
	})
}

func (h *AdminHandlers) dashboard(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.orders.DashboardMetrics(r.Context())
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	payload := dashboardPayload{
		TotalOrders:       metrics.TotalOrders,
		OrdersByStatus:    make(map[string]int, len(domain.OrderStatuses)),
		PaymentsByStatus:  make(map[string]int, len(domain.PaymentStatuses)),
		Revenue:           formatMoney(metrics.Revenue, metrics.Currency),
		Refunded:          formatMoney(metrics.Refunded, metrics.Currency),
		Outstanding:       formatMoney(metrics.Outstanding, metrics.Currency),
		AverageOrderValue: formatMoney(metrics.AverageOrderValue, metrics.Currency),
		Currency:          metrics.Currency,
		GeneratedAt:       metrics.GeneratedAt.UTC(),
	}
	for _, status := range domain.OrderStatuses {
		payload.OrdersByStatus[string(status)] = metrics.OrdersByStatus[status]
	}
	for _, status := range domain.PaymentStatuses {
		payload.PaymentsByStatus[string(status)] = metrics.PaymentsByStatus[status]
	}
	writeJSON(w, http.StatusOK, payload)
}

func actorID(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
		return identity.UID
	}
	return ""
}
