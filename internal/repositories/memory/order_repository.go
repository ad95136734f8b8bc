package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

var (
	errOrderMissing   = errors.New("order not found")
	errOrderExists    = errors.New("order already exists")
	errStateMismatch  = errors.New("order state changed")
	errAmbiguousTxRef = errors.New("transaction reference matches more than one order")
)

// OrderRepository keeps orders in process memory. Every method takes the same lock so
// CompareAndSwap observes and writes state atomically.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs an empty store.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order)}
}

func (r *OrderRepository) Insert(_ context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return repositories.NewConflict("orders.insert", errors.New("order id is required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[id]; ok {
		return repositories.NewConflict("orders.insert", errOrderExists)
	}
	r.orders[id] = cloneOrder(order)
	return nil
}

func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, repositories.NewNotFound("orders.get", errOrderMissing)
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) FindByTransactionRef(_ context.Context, txnRef string) (domain.Order, error) {
	txnRef = strings.TrimSpace(txnRef)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		match domain.Order
		found int
	)
	for _, order := range r.orders {
		if order.Payment.HasReference(txnRef) {
			match = order
			found++
		}
	}
	switch found {
	case 0:
		return domain.Order{}, repositories.NewNotFound("orders.findByTxnRef", fmt.Errorf("no order for reference %q", txnRef))
	case 1:
		return cloneOrder(match), nil
	default:
		return domain.Order{}, repositories.NewConflict("orders.findByTxnRef", errAmbiguousTxRef)
	}
}

func (r *OrderRepository) List(_ context.Context, filter repositories.OrderListFilter) (domain.PageResult[domain.Order], error) {
	r.mu.RLock()
	matched := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if matchesFilter(order, filter) {
			matched = append(matched, order)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := filter.Page.Offset()
	if start > total {
		start = total
	}
	end := total
	if filter.Page.Size > 0 && start+filter.Page.Size < total {
		end = start + filter.Page.Size
	}
	items := make([]domain.Order, 0, end-start)
	for _, order := range matched[start:end] {
		items = append(items, cloneOrder(order))
	}
	return domain.NewPageResult(items, filter.Page, total), nil
}

func (r *OrderRepository) CompareAndSwap(_ context.Context, expected domain.OrderState, next domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.orders[next.ID]
	if !ok {
		return domain.Order{}, repositories.NewNotFound("orders.compareAndSwap", errOrderMissing)
	}
	if current.State() != expected {
		return domain.Order{}, repositories.NewConflict("orders.compareAndSwap", errStateMismatch)
	}

	// Financial snapshot and items stay as inserted.
	updated := cloneOrder(next)
	updated.Totals = current.Totals
	updated.Items = cloneItems(current.Items)
	updated.ItemCount = current.ItemCount
	updated.Currency = current.Currency
	updated.CreatedAt = current.CreatedAt
	updated.UserID = current.UserID
	r.orders[next.ID] = updated
	return cloneOrder(updated), nil
}

func (r *OrderRepository) Aggregate(_ context.Context) (domain.OrderAggregates, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agg := domain.OrderAggregates{
		ByStatus:         make(map[domain.OrderStatus]int, len(domain.OrderStatuses)),
		ByPaymentStatus:  make(map[domain.PaymentStatus]int, len(domain.PaymentStatuses)),
		PaidRevenue:      decimal.Zero,
		RefundedRevenue:  decimal.Zero,
		OutstandingValue: decimal.Zero,
	}
	for _, order := range r.orders {
		agg.TotalOrders++
		agg.ByStatus[order.Status]++
		agg.ByPaymentStatus[order.PaymentStatus]++
		switch order.PaymentStatus {
		case domain.PaymentStatusPaid:
			agg.PaidRevenue = agg.PaidRevenue.Add(order.Totals.Total)
		case domain.PaymentStatusRefunded:
			agg.RefundedRevenue = agg.RefundedRevenue.Add(order.Totals.Total)
		case domain.PaymentStatusPending:
			if order.Status != domain.OrderStatusCancelled {
				agg.OutstandingValue = agg.OutstandingValue.Add(order.Totals.Total)
			}
		}
	}
	return agg, nil
}

func matchesFilter(order domain.Order, filter repositories.OrderListFilter) bool {
	if filter.UserID != "" && order.UserID != filter.UserID {
		return false
	}
	if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
		return false
	}
	if len(filter.PaymentStatus) > 0 && !slices.Contains(filter.PaymentStatus, order.PaymentStatus) {
		return false
	}
	if filter.PaymentMethod != "" && order.PaymentMethod != filter.PaymentMethod {
		return false
	}
	if from := filter.DateRange.From; from != nil && order.CreatedAt.Before(*from) {
		return false
	}
	if to := filter.DateRange.To; to != nil && order.CreatedAt.After(*to) {
		return false
	}
	if before := filter.UpdatedBefore; before != nil && !order.UpdatedAt.Before(*before) {
		return false
	}
	return true
}

func cloneOrder(order domain.Order) domain.Order {
	clone := order
	clone.Items = cloneItems(order.Items)
	if order.Payment != nil {
		payment := *order.Payment
		payment.PreviousRefs = slices.Clone(order.Payment.PreviousRefs)
		payment.SettledAt = cloneTime(order.Payment.SettledAt)
		clone.Payment = &payment
	}
	clone.PaidAt = cloneTime(order.PaidAt)
	clone.ShippedAt = cloneTime(order.ShippedAt)
	clone.DeliveredAt = cloneTime(order.DeliveredAt)
	clone.CancelledAt = cloneTime(order.CancelledAt)
	return clone
}

func cloneItems(items []domain.OrderItem) []domain.OrderItem {
	if items == nil {
		return nil
	}
	return append([]domain.OrderItem(nil), items...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
