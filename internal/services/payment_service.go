package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/payments"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

const (
	txnRefPrefix           = "txn_"
	defaultReconcileAge    = 15 * time.Minute
	defaultReconcileLimit  = 50
	maxReconcileLimit      = 500
	manualResultCode       = "manual"
	paymentSourceGateway   = "gateway"
	paymentSourceManual    = "manual"
	paymentSourceReconcile = "reconcile"
)

// PaymentServiceDeps bundles collaborators for the payment service.
type PaymentServiceDeps struct {
	Orders      repositories.OrderRepository
	Gateway     PaymentGateway
	UnitOfWork  repositories.UnitOfWork
	Events      OrderEventPublisher
	Metrics     MetricsRecorder
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type paymentService struct {
	orders     repositories.OrderRepository
	gateway    PaymentGateway
	unitOfWork repositories.UnitOfWork
	events     OrderEventPublisher
	metrics    MetricsRecorder
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewPaymentService constructs the payment service.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: payment gateway is required")
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
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &paymentService{
		orders:     deps.Orders,
		gateway:    deps.Gateway,
		unitOfWork: unit,
		events:     deps.Events,
		metrics:    metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *paymentService) ProcessPayment(ctx context.Context, identity Identity, cmd ProcessPaymentCommand) (PaymentResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentResult{}, fmt.Errorf("%w: order id is required", ErrOrderValidation)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentResult{}, mapRepositoryError(err)
	}
	if err := authorizeOwner(identity, order); err != nil {
		return PaymentResult{}, err
	}
	return s.InitiateForOrder(ctx, order, cmd.Options)
}

// InitiateForOrder asks the gateway for a payment handle and records the attempt on the order.
// Each attempt gets a fresh transaction reference; the replaced one keeps resolving to the
// order. The write is keyed on the attempt the caller saw, so of two concurrent initiations
// only one is recorded and the other fails with ErrOrderInvalidTransition.
func (s *paymentService) InitiateForOrder(ctx context.Context, order Order, opts PaymentOptions) (PaymentResult, error) {
	if order.PaymentMethod != domain.PaymentMethodGateway {
		return PaymentResult{}, fmt.Errorf("%w: order %s is not paid through a gateway", ErrOrderValidation, order.ID)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		return PaymentResult{}, fmt.Errorf("%w: order %s is %s/%s", ErrOrderInvalidTransition, order.ID, order.Status, order.PaymentStatus)
	}

	expected := order.State()
	txnRef := txnRefPrefix + s.newID()
	handle, err := s.gateway.Initiate(ctx, opts.Provider, payments.InitiateRequest{
		OrderID:        order.ID,
		TxnRef:         txnRef,
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
		Description:    "Order " + order.ID,
		CustomerEmail:  order.UserEmail,
		ReturnURL:      opts.ReturnURL,
		CancelURL:      opts.CancelURL,
		ClientIP:       opts.ClientIP,
		Locale:         opts.Locale,
		IdempotencyKey: opts.IdempotencyKey,
	})
	if err != nil {
		s.logger(ctx, "payment.initiate.failed", map[string]any{
			"orderId":  order.ID,
			"provider": opts.Provider,
			"error":    err.Error(),
		})
		return PaymentResult{}, mapGatewayError(err)
	}

	now := s.clock()
	err = runInTx(ctx, s.unitOfWork, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, order.ID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if current.State() != expected {
			return fmt.Errorf("%w: order %s changed while the payment was being initiated", ErrOrderInvalidTransition, order.ID)
		}
		next := current
		next.Payment = &OrderPayment{
			Provider:       handle.Provider,
			TransactionRef: handle.TxnRef,
			PreviousRefs:   replacedRefs(current.Payment),
			ProviderRef:    handle.ProviderRef,
			Amount:         current.Totals.Total,
			Currency:       current.Currency,
			RedirectURL:    handle.RedirectURL,
			InitiatedAt:    now,
		}
		next.UpdatedAt = now
		_, err = s.orders.CompareAndSwap(txCtx, expected, next)
		if isRepositoryConflict(err) {
			return fmt.Errorf("%w: order %s changed while the payment was being initiated", ErrOrderInvalidTransition, order.ID)
		}
		return mapRepositoryError(err)
	})
	if err != nil {
		return PaymentResult{}, err
	}

	s.logger(ctx, "payment.initiated", map[string]any{
		"orderId":  order.ID,
		"provider": handle.Provider,
		"txnRef":   handle.TxnRef,
		"amount":   order.Totals.Total.String(),
	})

	result := PaymentResult{
		OrderID:        order.ID,
		Provider:       handle.Provider,
		TransactionRef: handle.TxnRef,
		RedirectURL:    handle.RedirectURL,
		SessionID:      handle.ProviderRef,
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
	}
	if !handle.ExpiresAt.IsZero() {
		expires := handle.ExpiresAt
		result.ExpiresAt = &expires
	}
	return result, nil
}

func (s *paymentService) UpdatePaymentByTxnRef(ctx context.Context, txnRef string, result PaymentStatus) (PaymentUpdate, error) {
	txnRef = strings.TrimSpace(txnRef)
	if txnRef == "" {
		return PaymentUpdate{}, fmt.Errorf("%w: transaction reference is required", ErrOrderValidation)
	}
	return s.apply(ctx, byTxnRef(s.orders, txnRef), result, settlement{source: paymentSourceGateway, txnRef: txnRef})
}

func (s *paymentService) UpdatePaymentByOrderID(ctx context.Context, cmd ManualPaymentCommand) (PaymentUpdate, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentUpdate{}, fmt.Errorf("%w: order id is required", ErrOrderValidation)
	}
	return s.apply(ctx, byOrderID(s.orders, orderID), cmd.Result, settlement{
		source:  paymentSourceManual,
		code:    manualResultCode,
		actorID: cmd.ActorID,
		note:    strings.TrimSpace(cmd.Note),
	})
}

func (s *paymentService) HandleNotification(ctx context.Context, provider string, notification payments.Notification) (NotificationOutcome, error) {
	verification, err := s.gateway.Verify(ctx, provider, notification)
	if err != nil {
		if errors.Is(err, payments.ErrEventIgnored) {
			return NotificationOutcome{Ignored: true}, nil
		}
		s.logger(ctx, "payment.notification.rejected", map[string]any{
			"provider": provider,
			"error":    err.Error(),
		})
		return NotificationOutcome{}, mapGatewayError(err)
	}

	outcome := NotificationOutcome{Verification: verification}
	result, ok := resultFromGateway(verification.Status)
	if !ok {
		outcome.Ignored = true
		return outcome, nil
	}
	if strings.TrimSpace(verification.TxnRef) == "" {
		return outcome, fmt.Errorf("%w: notification carries no transaction reference", ErrOrderValidation)
	}

	txnRef := strings.TrimSpace(verification.TxnRef)
	update, err := s.apply(ctx, byTxnRef(s.orders, txnRef), result, settlement{
		source:      paymentSourceGateway,
		txnRef:      txnRef,
		code:        verification.ResponseCode,
		providerRef: verification.ProviderRef,
		amount:      verification.Amount,
	})
	outcome.Update = update
	return outcome, err
}

func (s *paymentService) ReconcilePending(ctx context.Context, cmd ReconcileCommand) (ReconcileReport, error) {
	olderThan := cmd.OlderThan
	if olderThan <= 0 {
		olderThan = defaultReconcileAge
	}
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	if limit > maxReconcileLimit {
		limit = maxReconcileLimit
	}

	report := ReconcileReport{StartedAt: s.clock()}
	cutoff := report.StartedAt.Add(-olderThan)
	candidates, err := s.orders.List(ctx, repositories.OrderListFilter{
		Status:        []OrderStatus{domain.OrderStatusPending},
		PaymentStatus: []PaymentStatus{domain.PaymentStatusPending},
		PaymentMethod: domain.PaymentMethodGateway,
		UpdatedBefore: &cutoff,
		Page:          Page{Number: 0, Size: limit},
	})
	if err != nil {
		return report, mapRepositoryError(err)
	}

	for _, order := range candidates.Items {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if order.Payment == nil || order.Payment.TransactionRef == "" {
			continue
		}
		report.Checked++
		verification, err := s.gateway.Lookup(ctx, order.Payment.Provider, payments.LookupRequest{
			TxnRef:      order.Payment.TransactionRef,
			ProviderRef: order.Payment.ProviderRef,
		})
		if err != nil {
			if errors.Is(err, payments.ErrLookupUnsupported) {
				report.Pending++
				continue
			}
			report.Errors++
			s.logger(ctx, "payment.reconcile.lookup_failed", map[string]any{
				"orderId": order.ID,
				"txnRef":  order.Payment.TransactionRef,
				"error":   err.Error(),
			})
			continue
		}

		result, ok := resultFromGateway(verification.Status)
		if !ok {
			report.Pending++
			continue
		}
		if _, err := s.apply(ctx, byTxnRef(s.orders, order.Payment.TransactionRef), result, settlement{
			source:      paymentSourceReconcile,
			txnRef:      order.Payment.TransactionRef,
			code:        verification.ResponseCode,
			providerRef: verification.ProviderRef,
			amount:      verification.Amount,
		}); err != nil {
			report.Errors++
			s.logger(ctx, "payment.reconcile.apply_failed", map[string]any{
				"orderId": order.ID,
				"result":  string(result),
				"error":   err.Error(),
			})
			continue
		}
		switch result {
		case domain.PaymentStatusPaid:
			report.Paid++
		case domain.PaymentStatusFailed:
			report.Failed++
		}
	}

	s.logger(ctx, "payment.reconcile.completed", map[string]any{
		"checked": report.Checked,
		"paid":    report.Paid,
		"failed":  report.Failed,
		"pending": report.Pending,
		"errors":  report.Errors,
	})
	return report, nil
}

type settlement struct {
	source      string
	txnRef      string
	code        string
	providerRef string
	actorID     string
	note        string
	amount      decimal.Decimal
}

type orderFinder func(ctx context.Context) (Order, error)

func byTxnRef(orders repositories.OrderRepository, txnRef string) orderFinder {
	return func(ctx context.Context) (Order, error) {
		return orders.FindByTransactionRef(ctx, txnRef)
	}
}

func byOrderID(orders repositories.OrderRepository, orderID string) orderFinder {
	return func(ctx context.Context) (Order, error) {
		return orders.FindByID(ctx, orderID)
	}
}

// apply records a payment result. Repeats are no-ops, and a write that loses a race to the same
// result is reported as a duplicate rather than a conflict.
func (s *paymentService) apply(ctx context.Context, find orderFinder, result PaymentStatus, info settlement) (PaymentUpdate, error) {
	var (
		previous   Order
		update     PaymentUpdate
		raced      bool
		superseded bool
	)
	err := runInTx(ctx, s.unitOfWork, func(txCtx context.Context) error {
		current, err := find(txCtx)
		if err != nil {
			return mapRepositoryError(err)
		}
		if info.amount.IsPositive() && !info.amount.Equal(current.Totals.Total) {
			return fmt.Errorf("%w: got %s, order %s expects %s", ErrPaymentAmountMismatch, info.amount, current.ID, current.Totals.Total)
		}
		superseded = info.txnRef != "" && current.Payment != nil && current.Payment.TransactionRef != info.txnRef
		if superseded && result != domain.PaymentStatusPaid {
			// A replaced attempt failing says nothing about the attempt in flight.
			update = PaymentUpdate{Order: current, Duplicate: true}
			return nil
		}
		transition, err := ApplyPaymentResult(current, result, s.clock())
		if err != nil {
			return err
		}
		if transition.Duplicate {
			update = PaymentUpdate{Order: current, Duplicate: true}
			return nil
		}

		next := transition.Order
		if superseded && next.Payment != nil {
			next.Payment = promoteRef(next.Payment, info.txnRef)
		}
		if next.Payment != nil {
			if info.code != "" {
				next.Payment.ResultCode = info.code
			}
			if info.providerRef != "" {
				next.Payment.ProviderRef = info.providerRef
			}
		}
		saved, err := s.orders.CompareAndSwap(txCtx, current.State(), next)
		if err != nil {
			raced = isRepositoryConflict(err)
			return mapRepositoryError(err)
		}
		previous = current
		update = PaymentUpdate{Order: saved, Applied: true}
		return nil
	})
	if err != nil {
		if raced {
			if latest, findErr := find(ctx); findErr == nil && latest.PaymentStatus == result {
				s.metrics.PaymentResultApplied(info.source, result, "duplicate")
				return PaymentUpdate{Order: latest, Duplicate: true}, nil
			}
		}
		s.metrics.PaymentResultApplied(info.source, result, "rejected")
		return PaymentUpdate{}, err
	}

	if update.Duplicate {
		s.metrics.PaymentResultApplied(info.source, result, "duplicate")
		if superseded {
			// A capture reported here on an already paid order needs a manual refund.
			s.logger(ctx, "payment.result.superseded", map[string]any{
				"orderId":    update.Order.ID,
				"result":     string(result),
				"txnRef":     info.txnRef,
				"currentRef": update.Order.Payment.TransactionRef,
				"source":     info.source,
			})
			return update, nil
		}
		s.logger(ctx, "payment.result.duplicate", map[string]any{
			"orderId": update.Order.ID,
			"result":  string(result),
			"source":  info.source,
		})
		return update, nil
	}

	s.metrics.PaymentResultApplied(info.source, result, "applied")
	if previous.Status != update.Order.Status {
		s.metrics.OrderTransitioned(previous.Status, update.Order.Status)
	}
	s.logger(ctx, "payment.result.applied", map[string]any{
		"orderId":       update.Order.ID,
		"paymentStatus": string(update.Order.PaymentStatus),
		"status":        string(update.Order.Status),
		"source":        info.source,
		"actorId":       info.actorID,
	})

	metadata := map[string]any{"source": info.source}
	if info.note != "" {
		metadata["note"] = info.note
	}
	if update.Order.Payment != nil && update.Order.Payment.TransactionRef != "" {
		metadata["txnRef"] = update.Order.Payment.TransactionRef
	}
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:                  OrderEventPaymentUpdated,
		OrderID:               update.Order.ID,
		UserID:                update.Order.UserID,
		ActorID:               strings.TrimSpace(info.actorID),
		PreviousStatus:        previous.Status,
		CurrentStatus:         update.Order.Status,
		PreviousPaymentStatus: previous.PaymentStatus,
		CurrentPaymentStatus:  update.Order.PaymentStatus,
		Total:                 update.Order.Totals.Total,
		Currency:              update.Order.Currency,
		OccurredAt:            update.Order.UpdatedAt,
		Metadata:              metadata,
	})
	return update, nil
}

// replacedRefs lists the references a new attempt supersedes.
func replacedRefs(current *OrderPayment) []string {
	if current == nil {
		return nil
	}
	refs := slices.Clone(current.PreviousRefs)
	if current.TransactionRef != "" {
		refs = append(refs, current.TransactionRef)
	}
	return refs
}

// promoteRef makes ref the current attempt, moving the one it displaces into PreviousRefs.
func promoteRef(payment *OrderPayment, ref string) *OrderPayment {
	promoted := *payment
	refs := make([]string, 0, len(payment.PreviousRefs)+1)
	for _, previous := range payment.PreviousRefs {
		if previous != ref {
			refs = append(refs, previous)
		}
	}
	if payment.TransactionRef != "" {
		refs = append(refs, payment.TransactionRef)
	}
	promoted.TransactionRef = ref
	promoted.PreviousRefs = refs
	return &promoted
}

func resultFromGateway(status payments.Status) (PaymentStatus, bool) {
	switch status {
	case payments.StatusSucceeded:
		return domain.PaymentStatusPaid, true
	case payments.StatusFailed:
		return domain.PaymentStatusFailed, true
	default:
		return "", false
	}
}
