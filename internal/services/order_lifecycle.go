package services

import (
	"fmt"
	"slices"
	"time"

	"github.com/pvhao2002/Pharmacy/internal/domain"
)

// OrderSuccessors returns the statuses an order may move to from current.
func OrderSuccessors(current OrderStatus) ([]OrderStatus, error) {
	switch current {
	case domain.OrderStatusPending:
		return []OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusCancelled}, nil
	case domain.OrderStatusProcessing:
		return []OrderStatus{domain.OrderStatusShipped, domain.OrderStatusCancelled}, nil
	case domain.OrderStatusShipped:
		return []OrderStatus{domain.OrderStatusDelivered}, nil
	case domain.OrderStatusDelivered, domain.OrderStatusCancelled:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: order status %q", ErrOrderInvalidStatus, current)
	}
}

// PaymentSuccessors returns the payment statuses reachable from current.
func PaymentSuccessors(current PaymentStatus) ([]PaymentStatus, error) {
	switch current {
	case domain.PaymentStatusPending:
		return []PaymentStatus{domain.PaymentStatusPaid, domain.PaymentStatusFailed}, nil
	case domain.PaymentStatusPaid:
		return []PaymentStatus{domain.PaymentStatusRefunded}, nil
	case domain.PaymentStatusFailed, domain.PaymentStatusRefunded:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: payment status %q", ErrOrderInvalidStatus, current)
	}
}

// TransitionStatus moves the order to target and applies the coupled payment effects in the same
// value: cancelling a paid order refunds it, and delivering a cash on delivery order settles it.
func TransitionStatus(order Order, target OrderStatus, at time.Time) (Order, error) {
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: order status %q", ErrOrderInvalidStatus, target)
	}
	allowed, err := OrderSuccessors(order.Status)
	if err != nil {
		return Order{}, err
	}
	if !slices.Contains(allowed, target) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, order.Status, target)
	}
	if _, err := PaymentSuccessors(order.PaymentStatus); err != nil {
		return Order{}, err
	}

	next := order
	next.Status = target
	next.UpdatedAt = at

	switch target {
	case domain.OrderStatusProcessing:
	case domain.OrderStatusShipped:
		next.ShippedAt = &at
	case domain.OrderStatusDelivered:
		next.DeliveredAt = &at
		if order.PaymentMethod == domain.PaymentMethodCashOnDelivery && order.PaymentStatus == domain.PaymentStatusPending {
			next.PaymentStatus = domain.PaymentStatusPaid
			next.PaidAt = &at
			next.Payment = settledPayment(order.Payment, "cod_collected", at)
		}
	case domain.OrderStatusCancelled:
		next.CancelledAt = &at
		if order.PaymentStatus == domain.PaymentStatusPaid {
			next.PaymentStatus = domain.PaymentStatusRefunded
		}
	case domain.OrderStatusPending:
	}
	return next, nil
}

// PaymentTransition is the outcome of applying a payment result.
type PaymentTransition struct {
	Order     Order
	Applied   bool
	Duplicate bool
}

// ApplyPaymentResult applies a PAID or FAILED result. A repeat of the result already recorded is a
// duplicate and leaves the order untouched. A FAILED result never overwrites PAID.
func ApplyPaymentResult(order Order, result PaymentStatus, at time.Time) (PaymentTransition, error) {
	switch result {
	case domain.PaymentStatusPaid, domain.PaymentStatusFailed:
	case domain.PaymentStatusPending, domain.PaymentStatusRefunded:
		return PaymentTransition{}, fmt.Errorf("%w: %s is not a payment result", ErrOrderValidation, result)
	default:
		return PaymentTransition{}, fmt.Errorf("%w: payment status %q", ErrOrderInvalidStatus, result)
	}

	if order.PaymentStatus == result {
		return PaymentTransition{Order: order, Duplicate: true}, nil
	}
	allowed, err := PaymentSuccessors(order.PaymentStatus)
	if err != nil {
		return PaymentTransition{}, err
	}
	if !slices.Contains(allowed, result) {
		return PaymentTransition{}, fmt.Errorf("%w: payment %s -> %s", ErrOrderInvalidTransition, order.PaymentStatus, result)
	}

	next := order
	next.PaymentStatus = result
	next.UpdatedAt = at

	switch result {
	case domain.PaymentStatusPaid:
		switch order.Status {
		case domain.OrderStatusPending:
			next.Status = domain.OrderStatusProcessing
		case domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered:
		case domain.OrderStatusCancelled:
			return PaymentTransition{}, fmt.Errorf("%w: payment confirmed for cancelled order", ErrOrderInvalidTransition)
		default:
			return PaymentTransition{}, fmt.Errorf("%w: order status %q", ErrOrderInvalidStatus, order.Status)
		}
		next.PaidAt = &at
		next.Payment = settledPayment(order.Payment, "", at)
	case domain.PaymentStatusFailed:
		next.Payment = settledPayment(order.Payment, "", at)
	}
	return PaymentTransition{Order: next, Applied: true}, nil
}

func settledPayment(current *OrderPayment, code string, at time.Time) *OrderPayment {
	var payment OrderPayment
	if current != nil {
		payment = *current
	}
	if code != "" {
		payment.ResultCode = code
	}
	payment.SettledAt = &at
	return &payment
}
