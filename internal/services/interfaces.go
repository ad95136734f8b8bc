package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Identity         = domain.Identity
	Order            = domain.Order
	OrderItem        = domain.OrderItem
	OrderTotals      = domain.OrderTotals
	OrderStatus      = domain.OrderStatus
	PaymentStatus    = domain.PaymentStatus
	PaymentMethod    = domain.PaymentMethod
	OrderPayment     = domain.OrderPayment
	Page             = domain.Page
	DashboardMetrics = domain.DashboardMetrics
)

// OrderService covers the customer and staff facing order operations.
type OrderService interface {
	CreateOrder(ctx context.Context, identity Identity, cmd CreateOrderCommand) (CreateOrderResult, error)
	ListUserOrders(ctx context.Context, identity Identity, page Page) (domain.PageResult[Order], error)
	GetOrder(ctx context.Context, identity Identity, orderID string) (Order, error)
	CancelOrder(ctx context.Context, identity Identity, cmd CancelOrderCommand) (Order, error)

	GetOrderAsAdmin(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter AdminOrderFilter) (domain.PageResult[Order], error)
	UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	DashboardMetrics(ctx context.Context) (DashboardMetrics, error)
}

// PaymentService reconciles gateway payments with order state.
type PaymentService interface {
	PaymentInitiator
	ProcessPayment(ctx context.Context, identity Identity, cmd ProcessPaymentCommand) (PaymentResult, error)
	UpdatePaymentByTxnRef(ctx context.Context, txnRef string, result PaymentStatus) (PaymentUpdate, error)
	UpdatePaymentByOrderID(ctx context.Context, cmd ManualPaymentCommand) (PaymentUpdate, error)
	HandleNotification(ctx context.Context, provider string, notification payments.Notification) (NotificationOutcome, error)
	ReconcilePending(ctx context.Context, cmd ReconcileCommand) (ReconcileReport, error)
}

// PaymentInitiator starts a gateway payment for an already persisted order.
type PaymentInitiator interface {
	InitiateForOrder(ctx context.Context, order Order, opts PaymentOptions) (PaymentResult, error)
}

// PaymentGateway is the gateway client consumed by the payment service.
type PaymentGateway interface {
	Initiate(ctx context.Context, provider string, req payments.InitiateRequest) (payments.Handle, error)
	Verify(ctx context.Context, provider string, notification payments.Notification) (payments.Verification, error)
	Lookup(ctx context.Context, provider string, req payments.LookupRequest) (payments.Verification, error)
	DefaultProvider() string
}

// OrderEventPublisher emits order lifecycle events after a change commits.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// MetricsRecorder receives business counters for orders and payments.
type MetricsRecorder interface {
	OrderCreated(method PaymentMethod)
	OrderTransitioned(from, to OrderStatus)
	PaymentResultApplied(source string, result PaymentStatus, outcome string)
}

// TextSanitizer cleans free-text customer input before it is stored.
type TextSanitizer interface {
	Clean(value string, maxLen int) string
}

type CreateOrderCommand struct {
	Items           []CreateOrderItem
	FullName        string
	Phone           string
	ShippingAddress string
	Note            string
	PaymentMethod   PaymentMethod
	Payment         PaymentOptions
}

type CreateOrderItem struct {
	ProductID string
	Quantity  int
}

type CreateOrderResult struct {
	Order   Order
	Payment *PaymentResult
}

type CancelOrderCommand struct {
	OrderID string
	Reason  string
}

type AdminOrderFilter struct {
	Status []OrderStatus
	From   *time.Time
	To     *time.Time
	Page   Page
}

type UpdateOrderStatusCommand struct {
	OrderID      string
	TargetStatus OrderStatus
	ActorID      string
	Reason       string
}

// PaymentOptions carries caller hints for building the gateway request.
type PaymentOptions struct {
	Provider       string
	ReturnURL      string
	CancelURL      string
	ClientIP       string
	Locale         string
	IdempotencyKey string
}

type ProcessPaymentCommand struct {
	OrderID string
	Options PaymentOptions
}

type PaymentResult struct {
	OrderID        string
	Provider       string
	TransactionRef string
	RedirectURL    string
	SessionID      string
	Amount         decimal.Decimal
	Currency       string
	ExpiresAt      *time.Time
}

type ManualPaymentCommand struct {
	OrderID string
	Result  PaymentStatus
	ActorID string
	Note    string
}

// PaymentUpdate reports the order after a payment result and whether anything changed.
type PaymentUpdate struct {
	Order     Order
	Applied   bool
	Duplicate bool
}

// NotificationOutcome is the verified gateway notification and what it did to the order.
type NotificationOutcome struct {
	Verification payments.Verification
	Update       PaymentUpdate
	Ignored      bool
}

type ReconcileCommand struct {
	OlderThan time.Duration
	Limit     int
}

type ReconcileReport struct {
	Checked   int
	Paid      int
	Failed    int
	Pending   int
	Errors    int
	StartedAt time.Time
}

// OrderEvent is the payload published for downstream consumers.
type OrderEvent struct {
	Type                  string
	OrderID               string
	UserID                string
	ActorID               string
	PreviousStatus        OrderStatus
	CurrentStatus         OrderStatus
	PreviousPaymentStatus PaymentStatus
	CurrentPaymentStatus  PaymentStatus
	Total                 decimal.Decimal
	Currency              string
	OccurredAt            time.Time
	Metadata              map[string]any
}

const (
	OrderEventCreated        = "order.created"
	OrderEventStatusChanged  = "order.status_changed"
	OrderEventPaymentUpdated = "order.payment_updated"
)
