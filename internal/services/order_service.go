package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

const (
	orderIDPrefix       = "ord_"
	defaultPageSize     = 10
	maxPageSize         = 100
	maxOrderLines       = 100
	maxLineQuantity     = 999
	maxFullNameLength   = 120
	maxPhoneLength      = 32
	maxAddressLength    = 500
	maxNoteLength       = 1000
	maxCancelReasonSize = 500
)

// OrderServiceDeps bundles collaborators for the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	Pricing     *PricingEngine
	Payments    PaymentInitiator
	UnitOfWork  repositories.UnitOfWork
	Events      OrderEventPublisher
	Sanitizer   TextSanitizer
	Metrics     MetricsRecorder
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	products   repositories.ProductRepository
	pricing    *PricingEngine
	payments   PaymentInitiator
	unitOfWork repositories.UnitOfWork
	events     OrderEventPublisher
	sanitizer  TextSanitizer
	metrics    MetricsRecorder
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService constructs an OrderService.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = trimSanitizer{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}

	return &orderService{
		orders:     deps.Orders,
		products:   deps.Products,
		pricing:    deps.Pricing,
		payments:   deps.Payments,
		unitOfWork: unit,
		events:     deps.Events,
		sanitizer:  sanitizer,
		metrics:    metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, identity Identity, cmd CreateOrderCommand) (CreateOrderResult, error) {
	userID := strings.TrimSpace(identity.UserID)
	if userID == "" {
		return CreateOrderResult{}, fmt.Errorf("%w: caller identity is required", ErrOrderForbidden)
	}
	if !cmd.PaymentMethod.Valid() {
		return CreateOrderResult{}, fmt.Errorf("%w: payment method %q", ErrOrderInvalidStatus, cmd.PaymentMethod)
	}

	fullName := s.sanitizer.Clean(cmd.FullName, maxFullNameLength)
	phone := s.sanitizer.Clean(cmd.Phone, maxPhoneLength)
	address := s.sanitizer.Clean(cmd.ShippingAddress, maxAddressLength)
	note := s.sanitizer.Clean(cmd.Note, maxNoteLength)
	switch {
	case fullName == "":
		return CreateOrderResult{}, fmt.Errorf("%w: full name is required", ErrOrderValidation)
	case phone == "":
		return CreateOrderResult{}, fmt.Errorf("%w: phone is required", ErrOrderValidation)
	case address == "":
		return CreateOrderResult{}, fmt.Errorf("%w: shipping address is required", ErrOrderValidation)
	}

	lines, err := s.resolveLines(ctx, cmd.Items)
	if err != nil {
		return CreateOrderResult{}, err
	}
	priced, err := s.pricing.Calculate(lines)
	if err != nil {
		return CreateOrderResult{}, err
	}

	now := s.clock()
	order := Order{
		ID:              orderIDPrefix + s.newID(),
		UserID:          userID,
		UserEmail:       strings.TrimSpace(identity.Email),
		FullName:        fullName,
		Phone:           phone,
		ShippingAddress: address,
		Note:            note,
		PaymentMethod:   cmd.PaymentMethod,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		Currency:        priced.Currency,
		Totals:          priced.Totals,
		ItemCount:       priced.ItemCount,
		Items:           priced.Items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.runInTx(ctx, func(txCtx context.Context) error {
		return mapRepositoryError(s.orders.Insert(txCtx, order))
	}); err != nil {
		return CreateOrderResult{}, err
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId": order.ID,
		"userId":  order.UserID,
		"total":   order.Totals.Total.String(),
		"method":  string(order.PaymentMethod),
	})
	s.metrics.OrderCreated(order.PaymentMethod)
	s.publishEvent(ctx, OrderEvent{
		Type:                 OrderEventCreated,
		OrderID:              order.ID,
		UserID:               order.UserID,
		ActorID:              userID,
		CurrentStatus:        order.Status,
		CurrentPaymentStatus: order.PaymentStatus,
		Total:                order.Totals.Total,
		Currency:             order.Currency,
		OccurredAt:           now,
	})

	result := CreateOrderResult{Order: order}
	if order.PaymentMethod != domain.PaymentMethodGateway || s.payments == nil {
		return result, nil
	}

	payment, err := s.payments.InitiateForOrder(ctx, order, cmd.Payment)
	if err != nil {
		// The order stays PENDING and payment can be retried.
		return result, err
	}
	if refreshed, findErr := s.orders.FindByID(ctx, order.ID); findErr == nil {
		result.Order = refreshed
	}
	result.Payment = &payment
	return result, nil
}

func (s *orderService) resolveLines(ctx context.Context, items []CreateOrderItem) ([]domain.PricingLine, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one item", ErrOrderValidation)
	}
	if len(items) > maxOrderLines {
		return nil, fmt.Errorf("%w: order exceeds %d lines", ErrOrderValidation, maxOrderLines)
	}

	// Repeated products collapse into one line.
	quantities := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for i, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: item %d product id is required", ErrOrderValidation, i)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %d quantity must be positive", ErrOrderValidation, i)
		}
		if _, seen := quantities[productID]; !seen {
			order = append(order, productID)
		}
		quantities[productID] += item.Quantity
		if quantities[productID] > maxLineQuantity {
			return nil, fmt.Errorf("%w: quantity for %s exceeds %d", ErrOrderValidation, productID, maxLineQuantity)
		}
	}

	products, err := s.products.FindByIDs(ctx, order)
	if err != nil {
		return nil, mapRepositoryError(err)
	}

	lines := make([]domain.PricingLine, 0, len(order))
	for _, productID := range order {
		product, ok := products[productID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s does not exist", ErrOrderValidation, productID)
		}
		if !product.Available {
			return nil, fmt.Errorf("%w: product %s is unavailable", ErrOrderValidation, productID)
		}
		if product.Currency != "" && !strings.EqualFold(product.Currency, s.pricing.Currency()) {
			return nil, fmt.Errorf("%w: product %s is priced in %s", ErrOrderValidation, productID, product.Currency)
		}
		lines = append(lines, domain.PricingLine{
			ProductID: product.ID,
			Name:      product.Name,
			UnitPrice: product.Price,
			Quantity:  quantities[productID],
		})
	}
	return lines, nil
}

func (s *orderService) ListUserOrders(ctx context.Context, identity Identity, page Page) (domain.PageResult[Order], error) {
	userID := strings.TrimSpace(identity.UserID)
	if userID == "" {
		return domain.PageResult[Order]{}, fmt.Errorf("%w: caller identity is required", ErrOrderForbidden)
	}
	page, err := normalizePage(page)
	if err != nil {
		return domain.PageResult[Order]{}, err
	}
	result, err := s.orders.List(ctx, repositories.OrderListFilter{UserID: userID, Page: page})
	if err != nil {
		return domain.PageResult[Order]{}, mapRepositoryError(err)
	}
	return result, nil
}

func (s *orderService) GetOrder(ctx context.Context, identity Identity, orderID string) (Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := authorizeOwner(identity, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) GetOrderAsAdmin(ctx context.Context, orderID string) (Order, error) {
	return s.load(ctx, orderID)
}

func (s *orderService) CancelOrder(ctx context.Context, identity Identity, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderValidation)
	}
	reason := s.sanitizer.Clean(cmd.Reason, maxCancelReasonSize)

	var previous, updated Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if err := authorizeOwner(identity, current); err != nil {
			return err
		}
		next, err := TransitionStatus(current, domain.OrderStatusCancelled, s.clock())
		if err != nil {
			return err
		}
		next.CancelReason = reason
		saved, err := s.orders.CompareAndSwap(txCtx, current.State(), next)
		if err != nil {
			return mapRepositoryError(err)
		}
		previous, updated = current, saved
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.metrics.OrderTransitioned(previous.Status, updated.Status)
	s.publishTransition(ctx, previous, updated, identity.UserID, map[string]any{"reason": reason})
	return updated, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter AdminOrderFilter) (domain.PageResult[Order], error) {
	page, err := normalizePage(filter.Page)
	if err != nil {
		return domain.PageResult[Order]{}, err
	}
	for _, status := range filter.Status {
		if !status.Valid() {
			return domain.PageResult[Order]{}, fmt.Errorf("%w: order status %q", ErrOrderInvalidStatus, status)
		}
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return domain.PageResult[Order]{}, fmt.Errorf("%w: start date is after end date", ErrOrderValidation)
	}

	result, err := s.orders.List(ctx, repositories.OrderListFilter{
		Status:    filter.Status,
		DateRange: domain.RangeQuery[time.Time]{From: filter.From, To: filter.To},
		Page:      page,
	})
	if err != nil {
		return domain.PageResult[Order]{}, mapRepositoryError(err)
	}
	return result, nil
}

func (s *orderService) UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderValidation)
	}
	if !cmd.TargetStatus.Valid() {
		return Order{}, fmt.Errorf("%w: order status %q", ErrOrderInvalidStatus, cmd.TargetStatus)
	}

	var previous, updated Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		next, err := TransitionStatus(current, cmd.TargetStatus, s.clock())
		if err != nil {
			return err
		}
		if cmd.TargetStatus == domain.OrderStatusCancelled {
			next.CancelReason = s.sanitizer.Clean(cmd.Reason, maxCancelReasonSize)
		}
		saved, err := s.orders.CompareAndSwap(txCtx, current.State(), next)
		if err != nil {
			return mapRepositoryError(err)
		}
		previous, updated = current, saved
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, "order.status.updated", map[string]any{
		"orderId": updated.ID,
		"from":    string(previous.Status),
		"to":      string(updated.Status),
		"actorId": cmd.ActorID,
	})
	s.metrics.OrderTransitioned(previous.Status, updated.Status)
	s.publishTransition(ctx, previous, updated, cmd.ActorID, nil)
	return updated, nil
}

func (s *orderService) DashboardMetrics(ctx context.Context) (DashboardMetrics, error) {
	agg, err := s.orders.Aggregate(ctx)
	if err != nil {
		return DashboardMetrics{}, mapRepositoryError(err)
	}

	byStatus := make(map[OrderStatus]int, len(domain.OrderStatuses))
	for _, status := range domain.OrderStatuses {
		byStatus[status] = agg.ByStatus[status]
	}
	byPayment := make(map[PaymentStatus]int, len(domain.PaymentStatuses))
	for _, status := range domain.PaymentStatuses {
		byPayment[status] = agg.ByPaymentStatus[status]
	}

	average := decimal.Zero
	if paid := byPayment[domain.PaymentStatusPaid]; paid > 0 {
		average = agg.PaidRevenue.Div(decimal.NewFromInt(int64(paid))).Round(s.pricing.Scale())
	}

	return DashboardMetrics{
		TotalOrders:       agg.TotalOrders,
		OrdersByStatus:    byStatus,
		PaymentsByStatus:  byPayment,
		Revenue:           agg.PaidRevenue,
		Refunded:          agg.RefundedRevenue,
		Outstanding:       agg.OutstandingValue,
		AverageOrderValue: average,
		Currency:          s.pricing.Currency(),
		GeneratedAt:       s.clock(),
	}, nil
}

func (s *orderService) load(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderValidation)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	return runInTx(ctx, s.unitOfWork, fn)
}

func (s *orderService) publishTransition(ctx context.Context, previous, current Order, actorID string, metadata map[string]any) {
	eventType := OrderEventStatusChanged
	if previous.Status == current.Status && previous.PaymentStatus != current.PaymentStatus {
		eventType = OrderEventPaymentUpdated
	}
	s.publishEvent(ctx, OrderEvent{
		Type:                  eventType,
		OrderID:               current.ID,
		UserID:                current.UserID,
		ActorID:               strings.TrimSpace(actorID),
		PreviousStatus:        previous.Status,
		CurrentStatus:         current.Status,
		PreviousPaymentStatus: previous.PaymentStatus,
		CurrentPaymentStatus:  current.PaymentStatus,
		Total:                 current.Totals.Total,
		Currency:              current.Currency,
		OccurredAt:            current.UpdatedAt,
		Metadata:              metadata,
	})
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	publishOrderEvent(ctx, s.events, s.logger, event)
}

func publishOrderEvent(ctx context.Context, events OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if events == nil {
		return
	}
	if err := events.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":    event.Type,
			"orderId": event.OrderID,
			"status":  string(event.CurrentStatus),
			"error":   err.Error(),
		})
	}
}

func authorizeOwner(identity Identity, order Order) error {
	userID := strings.TrimSpace(identity.UserID)
	if userID == "" || order.UserID != userID {
		return fmt.Errorf("%w: order %s does not belong to caller", ErrOrderForbidden, order.ID)
	}
	return nil
}

func normalizePage(page Page) (Page, error) {
	if page.Number < 0 {
		return Page{}, fmt.Errorf("%w: page must not be negative", ErrOrderValidation)
	}
	if page.Size < 0 {
		return Page{}, fmt.Errorf("%w: size must not be negative", ErrOrderValidation)
	}
	if page.Size == 0 {
		page.Size = defaultPageSize
	}
	if page.Size > maxPageSize {
		page.Size = maxPageSize
	}
	return page, nil
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type nopMetrics struct{}

func (nopMetrics) OrderCreated(PaymentMethod)                         {}
func (nopMetrics) OrderTransitioned(OrderStatus, OrderStatus)         {}
func (nopMetrics) PaymentResultApplied(string, PaymentStatus, string) {}

type trimSanitizer struct{}

func (trimSanitizer) Clean(value string, maxLen int) string {
	value = strings.TrimSpace(value)
	if maxLen > 0 && len([]rune(value)) > maxLen {
		value = string([]rune(value)[:maxLen])
	}
	return value
}
