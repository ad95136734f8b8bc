package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/payments"
	"github.com/pvhao2002/Pharmacy/internal/platform/auth"
	"github.com/pvhao2002/Pharmacy/internal/platform/idempotency"
	"github.com/pvhao2002/Pharmacy/internal/services"
)

type stubOrderService struct {
	createFn       func(context.Context, domain.Identity, services.CreateOrderCommand) (services.CreateOrderResult, error)
	listUserFn     func(context.Context, domain.Identity, domain.Page) (domain.PageResult[domain.Order], error)
	getFn          func(context.Context, domain.Identity, string) (domain.Order, error)
	cancelFn       func(context.Context, domain.Identity, services.CancelOrderCommand) (domain.Order, error)
	getAdminFn     func(context.Context, string) (domain.Order, error)
	listFn         func(context.Context, services.AdminOrderFilter) (domain.PageResult[domain.Order], error)
	updateStatusFn func(context.Context, services.UpdateOrderStatusCommand) (domain.Order, error)
	dashboardFn    func(context.Context) (domain.DashboardMetrics, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, identity domain.Identity, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, identity, cmd)
	}
	return services.CreateOrderResult{}, errors.New("not implemented")
}

func (s *stubOrderService) ListUserOrders(ctx context.Context, identity domain.Identity, page domain.Page) (domain.PageResult[domain.Order], error) {
	if s.listUserFn != nil {
		return s.listUserFn(ctx, identity, page)
	}
	return domain.PageResult[domain.Order]{}, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, identity domain.Identity, orderID string) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, identity, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) CancelOrder(ctx context.Context, identity domain.Identity, cmd services.CancelOrderCommand) (domain.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, identity, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrderAsAdmin(ctx context.Context, orderID string) (domain.Order, error) {
	if s.getAdminFn != nil {
		return s.getAdminFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.AdminOrderFilter) (domain.PageResult[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.PageResult[domain.Order]{}, nil
}

func (s *stubOrderService) UpdateOrderStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
	if s.updateStatusFn != nil {
		return s.updateStatusFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) DashboardMetrics(ctx context.Context) (domain.DashboardMetrics, error) {
	if s.dashboardFn != nil {
		return s.dashboardFn(ctx)
	}
	return domain.DashboardMetrics{}, errors.New("not implemented")
}

type stubPaymentService struct {
	initiateFn  func(context.Context, domain.Order, services.PaymentOptions) (services.PaymentResult, error)
	processFn   func(context.Context, domain.Identity, services.ProcessPaymentCommand) (services.PaymentResult, error)
	byTxnRefFn  func(context.Context, string, domain.PaymentStatus) (services.PaymentUpdate, error)
	byOrderFn   func(context.Context, services.ManualPaymentCommand) (services.PaymentUpdate, error)
	notifyFn    func(context.Context, string, payments.Notification) (services.NotificationOutcome, error)
	reconcileFn func(context.Context, services.ReconcileCommand) (services.ReconcileReport, error)
}

func (s *stubPaymentService) InitiateForOrder(ctx context.Context, order domain.Order, opts services.PaymentOptions) (services.PaymentResult, error) {
	if s.initiateFn != nil {
		return s.initiateFn(ctx, order, opts)
	}
	return services.PaymentResult{}, errors.New("not implemented")
}

func (s *stubPaymentService) ProcessPayment(ctx context.Context, identity domain.Identity, cmd services.ProcessPaymentCommand) (services.PaymentResult, error) {
	if s.processFn != nil {
		return s.processFn(ctx, identity, cmd)
	}
	return services.PaymentResult{}, errors.New("not implemented")
}

func (s *stubPaymentService) UpdatePaymentByTxnRef(ctx context.Context, txnRef string, result domain.PaymentStatus) (services.PaymentUpdate, error) {
	if s.byTxnRefFn != nil {
		return s.byTxnRefFn(ctx, txnRef, result)
	}
	return services.PaymentUpdate{}, errors.New("not implemented")
}

func (s *stubPaymentService) UpdatePaymentByOrderID(ctx context.Context, cmd services.ManualPaymentCommand) (services.PaymentUpdate, error) {
	if s.byOrderFn != nil {
		return s.byOrderFn(ctx, cmd)
	}
	return services.PaymentUpdate{}, errors.New("not implemented")
}

func (s *stubPaymentService) HandleNotification(ctx context.Context, provider string, n payments.Notification) (services.NotificationOutcome, error) {
	if s.notifyFn != nil {
		return s.notifyFn(ctx, provider, n)
	}
	return services.NotificationOutcome{}, errors.New("not implemented")
}

func (s *stubPaymentService) ReconcilePending(ctx context.Context, cmd services.ReconcileCommand) (services.ReconcileReport, error) {
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, cmd)
	}
	return services.ReconcileReport{}, errors.New("not implemented")
}

var (
	_ services.OrderService   = (*stubOrderService)(nil)
	_ services.PaymentService = (*stubPaymentService)(nil)
)

func sampleOrder(now time.Time) domain.Order {
	return domain.Order{
		ID:              "ord_1",
		UserID:          "user-1",
		FullName:        "Jane Doe",
		Phone:           "0900000000",
		ShippingAddress: "1 Main St",
		PaymentMethod:   domain.PaymentMethodCashOnDelivery,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		Currency:        "USD",
		Totals: domain.OrderTotals{
			Subtotal: decimal.RequireFromString("20"),
			Tax:      decimal.RequireFromString("2"),
			Shipping: decimal.RequireFromString("8.5"),
			Total:    decimal.RequireFromString("30.5"),
		},
		ItemCount: 2,
		Items: []domain.OrderItem{{
			ProductID: "p1",
			Name:      "Vitamin C",
			UnitPrice: decimal.RequireFromString("10"),
			Quantity:  2,
			LineTotal: decimal.RequireFromString("20"),
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func orderRouter(h *OrderHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/orders", h.Routes)
	return router
}

func withUser(req *http.Request, uid string, roles ...string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Roles: roles}))
}

func TestOrderHandlersCreateOrder(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var captured services.CreateOrderCommand
	var capturedIdentity domain.Identity
	svc := &stubOrderService{
		createFn: func(_ context.Context, identity domain.Identity, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
			capturedIdentity = identity
			captured = cmd
			return services.CreateOrderResult{Order: sampleOrder(now)}, nil
		},
	}
	router := orderRouter(NewOrderHandlers(nil, svc, &stubPaymentService{}, nil))

	body := `{"items":[{"productId":"p1","quantity":2}],"fullName":"Jane Doe","phone":"0900000000","shippingAddress":"1 Main St","paymentMethod":"cash_on_delivery"}`
	req := withUser(httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(body)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/api/v1/orders/ord_1" {
		t.Fatalf("unexpected location %q", loc)
	}
	if capturedIdentity.UserID != "user-1" {
		t.Fatalf("expected identity passed explicitly, got %+v", capturedIdentity)
	}
	if captured.PaymentMethod != domain.PaymentMethodCashOnDelivery {
		t.Fatalf("unexpected payment method %q", captured.PaymentMethod)
	}
	if len(captured.Items) != 1 || captured.Items[0].ProductID != "p1" || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items %+v", captured.Items)
	}

	var resp createOrderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Order.Total != "30.50" {
		t.Fatalf("expected total 30.50, got %s", resp.Order.Total)
	}
	if resp.Payment != nil {
		t.Fatalf("expected no payment for cash on delivery")
	}
}

func TestOrderHandlersCreateOrderKeepsOrderWhenGatewayFails(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	calls := 0
	svc := &stubOrderService{
		createFn: func(context.Context, domain.Identity, services.CreateOrderCommand) (services.CreateOrderResult, error) {
			calls++
			order := sampleOrder(now)
			order.PaymentMethod = domain.PaymentMethodGateway
			return services.CreateOrderResult{Order: order}, fmt.Errorf("%w: vnpay timed out", services.ErrPaymentGateway)
		},
	}
	idem := idempotency.New(idempotency.NewMemoryStore())
	router := orderRouter(NewOrderHandlers(nil, svc, &stubPaymentService{}, idem))

	send := func() *httptest.ResponseRecorder {
		body := `{"items":[{"productId":"p1","quantity":2}],"fullName":"Jane Doe","phone":"0900000000","shippingAddress":"1 Main St","paymentMethod":"GATEWAY"}`
		req := withUser(httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(body)), "user-1")
		req.Header.Set("Idempotency-Key", "checkout-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 for a persisted order, got %d: %s", first.Code, first.Body.String())
	}
	if loc := first.Header().Get("Location"); loc != "/api/v1/orders/ord_1" {
		t.Fatalf("unexpected location %q", loc)
	}
	var resp createOrderResponse
	if err := json.Unmarshal(first.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Order.ID != "ord_1" || resp.Payment != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.PaymentError == nil || resp.PaymentError.Code != "payment_gateway_error" {
		t.Fatalf("expected payment error in body, got %+v", resp.PaymentError)
	}

	second := send()
	if second.Code != http.StatusCreated || second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if calls != 1 {
		t.Fatalf("expected a single order to be created, got %d", calls)
	}
}

func TestOrderHandlersCreateOrderGatewayErrorWithoutOrder(t *testing.T) {
	svc := &stubOrderService{
		createFn: func(context.Context, domain.Identity, services.CreateOrderCommand) (services.CreateOrderResult, error) {
			return services.CreateOrderResult{}, services.ErrOrderUnavailable
		},
	}
	router := orderRouter(NewOrderHandlers(nil, svc, &stubPaymentService{}, nil))
	body := `{"items":[{"productId":"p1","quantity":1}],"fullName":"Jane Doe","phone":"0900000000","shippingAddress":"1 Main St","paymentMethod":"GATEWAY"}`
	req := withUser(httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(body)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when nothing was persisted, got %d", rr.Code)
	}
}

func TestOrderHandlersCreateOrderRejectsBadInput(t *testing.T) {
	router := orderRouter(NewOrderHandlers(nil, &stubOrderService{}, &stubPaymentService{}, nil))

	cases := map[string]string{
		"unknown method": `{"items":[{"productId":"p1","quantity":1}],"paymentMethod":"BITCOIN"}`,
		"unknown field":  `{"items":[],"paymentMethod":"GATEWAY","coupon":"x"}`,
		"empty body":     ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			req := withUser(httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(body)), "user-1")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
		})
	}
}

func TestOrderHandlersRequireIdentity(t *testing.T) {
	router := orderRouter(NewOrderHandlers(nil, &stubOrderService{}, &stubPaymentService{}, nil))
	req := httptest.NewRequest(http.MethodGet, "/orders/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestOrderHandlersListOrders(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var captured domain.Page
	svc := &stubOrderService{
		listUserFn: func(_ context.Context, identity domain.Identity, page domain.Page) (domain.PageResult[domain.Order], error) {
			captured = page
			return domain.NewPageResult([]domain.Order{sampleOrder(now)}, page, 3), nil
		},
	}
	router := orderRouter(NewOrderHandlers(nil, svc, &stubPaymentService{}, nil))

	req := withUser(httptest.NewRequest(http.MethodGet, "/orders/?page=1&size=2", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Number != 1 || captured.Size != 2 {
		t.Fatalf("unexpected page %+v", captured)
	}
	var body pagePayload[orderSummaryPayload]
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TotalItems != 3 || body.TotalPages != 2 || !body.Last {
		t.Fatalf("unexpected page metadata %+v", body)
	}
	if len(body.Items) != 1 || body.Items[0].ID != "ord_1" {
		t.Fatalf("unexpected items %+v", body.Items)
	}
}

func TestOrderHandlersListOrdersInvalidPage(t *testing.T) {
	router := orderRouter(NewOrderHandlers(nil, &stubOrderService{}, &stubPaymentService{}, nil))
	req := withUser(httptest.NewRequest(http.MethodGet, "/orders/?size=abc", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderMapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", services.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
		{"forbidden", services.ErrOrderForbidden, http.StatusForbidden, "forbidden"},
		{"unavailable", services.ErrOrderUnavailable, http.StatusServiceUnavailable, "unavailable"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubOrderService{
				getFn: func(context.Context, domain.Identity, string) (domain.Order, error) {
					return domain.Order{}, tc.err
				},
			}
			router := orderRouter(NewOrderHandlers(nil, svc, &stubPaymentService{}, nil))
			req := withUser(httptest.NewRequest(http.MethodGet, "/orders/ord_9", nil), "user-1")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestOrderHandlersCancelOrder(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var captured services.CancelOrderCommand
	svc := &stubOrderService{
		cancelFn: func(_ context.Context, _ domain.Identity, cmd services.CancelOrderCommand) (domain.Order, error) {
			captured = cmd
			order := sampleOrder(now)
			order.Status = domain.OrderStatusCancelled
			order.CancelReason = cmd.Reason
			return order, nil
		},
	}
	router := orderRouter(NewOrderHandlers(nil, svc, &stubPaymentService{}, nil))

	req := withUser(httptest.NewRequest(http.MethodPost, "/orders/ord_1:cancel", strings.NewReader(`{"reason":"changed my mind"}`)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Reason != "changed my mind" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestOrderHandlersCancelInvalidTransition(t *testing.T) {
	svc := &stubOrderService{
		cancelFn: func(context.Context, domain.Identity, services.CancelOrderCommand) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderInvalidTransition
		},
	}
	router := orderRouter(NewOrderHandlers(nil, svc, &stubPaymentService{}, nil))
	req := withUser(httptest.NewRequest(http.MethodPost, "/orders/ord_1:cancel", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestOrderHandlersPayOrderIsIdempotent(t *testing.T) {
	calls := 0
	var captured services.ProcessPaymentCommand
	paymentsSvc := &stubPaymentService{
		processFn: func(_ context.Context, _ domain.Identity, cmd services.ProcessPaymentCommand) (services.PaymentResult, error) {
			calls++
			captured = cmd
			return services.PaymentResult{
				OrderID:        cmd.OrderID,
				Provider:       payments.ProviderVNPay,
				TransactionRef: "txn-1",
				RedirectURL:    "https://sandbox.vnpayment.vn/pay?x=1",
				Amount:         decimal.RequireFromString("150000"),
				Currency:       "VND",
			}, nil
		},
	}
	idem := idempotency.New(idempotency.NewMemoryStore())
	router := orderRouter(NewOrderHandlers(nil, &stubOrderService{}, paymentsSvc, idem))

	send := func() *httptest.ResponseRecorder {
		req := withUser(httptest.NewRequest(http.MethodPost, "/orders/ord_1:pay", strings.NewReader(`{"provider":"vnpay","returnUrl":"https://shop.example/return"}`)), "user-1")
		req.Header.Set("Idempotency-Key", "pay-1")
		req.RemoteAddr = "203.0.113.9:4000"
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	first := send()
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	second := send()
	if second.Code != http.StatusOK {
		t.Fatalf("expected replayed 200, got %d", second.Code)
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay header")
	}
	if calls != 1 {
		t.Fatalf("expected payment initiated once, got %d", calls)
	}
	if captured.Options.Provider != "vnpay" || captured.Options.ClientIP != "203.0.113.9" || captured.Options.IdempotencyKey != "pay-1" {
		t.Fatalf("unexpected payment options %+v", captured.Options)
	}

	var body paymentPayload
	if err := json.Unmarshal(first.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Amount != "150000" || body.TransactionRef != "txn-1" {
		t.Fatalf("unexpected payload %+v", body)
	}
}

func TestOrderHandlersPayOrderGatewayFailure(t *testing.T) {
	paymentsSvc := &stubPaymentService{
		processFn: func(context.Context, domain.Identity, services.ProcessPaymentCommand) (services.PaymentResult, error) {
			return services.PaymentResult{}, services.ErrPaymentGateway
		},
	}
	router := orderRouter(NewOrderHandlers(nil, &stubOrderService{}, paymentsSvc, nil))
	req := withUser(httptest.NewRequest(http.MethodPost, "/orders/ord_1:pay", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}
