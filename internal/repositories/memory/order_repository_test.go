package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

func sampleOrder(id, userID string, created time.Time) domain.Order {
	return domain.Order{
		ID:            id,
		UserID:        userID,
		PaymentMethod: domain.PaymentMethodGateway,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		Currency:      "USD",
		Totals: domain.OrderTotals{
			Subtotal: decimal.RequireFromString("25"),
			Tax:      decimal.RequireFromString("2.5"),
			Shipping: decimal.RequireFromString("3"),
			Total:    decimal.RequireFromString("30.5"),
		},
		ItemCount: 3,
		Items: []domain.OrderItem{
			{ProductID: "prod_a", UnitPrice: decimal.NewFromInt(10), Quantity: 2, LineTotal: decimal.NewFromInt(20)},
			{ProductID: "prod_b", UnitPrice: decimal.NewFromInt(5), Quantity: 1, LineTotal: decimal.NewFromInt(5)},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestOrderRepositoryCompareAndSwapConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := repo.Insert(ctx, sampleOrder("ord_1", "user_1", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	next := sampleOrder("ord_1", "user_1", now)
	next.Status = domain.OrderStatusProcessing
	if _, err := repo.CompareAndSwap(ctx, domain.OrderState{Status: domain.OrderStatusProcessing, PaymentStatus: domain.PaymentStatusPending}, next); err == nil {
		t.Fatalf("expected conflict for stale expectation")
	} else if repoErr, ok := err.(repositories.RepositoryError); !ok || !repoErr.IsConflict() {
		t.Fatalf("expected conflict error, got %v", err)
	}

	stored, err := repo.FindByID(ctx, "ord_1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Status != domain.OrderStatusPending {
		t.Fatalf("expected order untouched, got %s", stored.Status)
	}
}

func TestOrderRepositoryCompareAndSwapKeepsFinancialSnapshot(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	_ = repo.Insert(ctx, sampleOrder("ord_1", "user_1", now))

	next := sampleOrder("ord_1", "user_1", now)
	next.Status = domain.OrderStatusProcessing
	next.Totals.Total = decimal.NewFromInt(1)
	next.Items = nil

	updated, err := repo.CompareAndSwap(ctx, domain.OrderState{Status: domain.OrderStatusPending, PaymentStatus: domain.PaymentStatusPending}, next)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if !updated.Totals.Total.Equal(decimal.RequireFromString("30.5")) {
		t.Fatalf("expected total to stay frozen, got %s", updated.Totals.Total)
	}
	if len(updated.Items) != 2 {
		t.Fatalf("expected items to be preserved, got %d", len(updated.Items))
	}
}

func TestOrderRepositoryCompareAndSwapSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	now := time.Now().UTC()
	_ = repo.Insert(ctx, sampleOrder("ord_race", "user_1", now))

	expected := domain.OrderState{Status: domain.OrderStatusPending, PaymentStatus: domain.PaymentStatusPending}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := sampleOrder("ord_race", "user_1", now)
			next.Status = domain.OrderStatusCancelled
			if _, err := repo.CompareAndSwap(ctx, expected, next); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestOrderRepositoryListOrderingAndPaging(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"ord_a", "ord_b", "ord_c", "ord_d"} {
		_ = repo.Insert(ctx, sampleOrder(id, "user_1", base.Add(time.Duration(i)*time.Hour)))
	}
	_ = repo.Insert(ctx, sampleOrder("ord_other", "user_2", base.Add(10*time.Hour)))

	page, err := repo.List(ctx, repositories.OrderListFilter{UserID: "user_1", Page: domain.Page{Number: 0, Size: 3}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.TotalItems != 4 || page.TotalPages != 2 {
		t.Fatalf("unexpected totals %+v", page)
	}
	if got := page.Items[0].ID; got != "ord_d" {
		t.Fatalf("expected newest first, got %s", got)
	}

	beyond, err := repo.List(ctx, repositories.OrderListFilter{UserID: "user_1", Page: domain.Page{Number: 5, Size: 3}})
	if err != nil {
		t.Fatalf("list beyond range: %v", err)
	}
	if len(beyond.Items) != 0 {
		t.Fatalf("expected empty page, got %d items", len(beyond.Items))
	}

	from := base.Add(time.Hour)
	to := base.Add(2 * time.Hour)
	ranged, _ := repo.List(ctx, repositories.OrderListFilter{DateRange: domain.RangeQuery[time.Time]{From: &from, To: &to}, Page: domain.Page{Size: 10}})
	if ranged.TotalItems != 2 {
		t.Fatalf("expected inclusive range to match 2 orders, got %d", ranged.TotalItems)
	}
}

func TestOrderRepositoryFindByTransactionRef(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	order := sampleOrder("ord_pay", "user_1", time.Now())
	order.Payment = &domain.OrderPayment{Provider: "vnpay", TransactionRef: "txn_1"}
	_ = repo.Insert(ctx, order)

	found, err := repo.FindByTransactionRef(ctx, "txn_1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.ID != "ord_pay" {
		t.Fatalf("unexpected order %s", found.ID)
	}

	_, err = repo.FindByTransactionRef(ctx, "txn_missing")
	repoErr, ok := err.(repositories.RepositoryError)
	if !ok || !repoErr.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderRepositoryAggregate(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	paid := sampleOrder("ord_paid", "user_1", time.Now())
	paid.Status = domain.OrderStatusProcessing
	paid.PaymentStatus = domain.PaymentStatusPaid
	_ = repo.Insert(ctx, paid)
	_ = repo.Insert(ctx, sampleOrder("ord_open", "user_1", time.Now()))

	agg, err := repo.Aggregate(ctx)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.TotalOrders != 2 || agg.ByStatus[domain.OrderStatusProcessing] != 1 {
		t.Fatalf("unexpected counts %+v", agg)
	}
	if !agg.PaidRevenue.Equal(decimal.RequireFromString("30.5")) {
		t.Fatalf("unexpected revenue %s", agg.PaidRevenue)
	}
	if !agg.OutstandingValue.Equal(decimal.RequireFromString("30.5")) {
		t.Fatalf("unexpected outstanding %s", agg.OutstandingValue)
	}
}

func TestOrderRepositoryResolvesReplacedReference(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	order := sampleOrder("ord_retry", "user_1", now)
	order.Payment = &domain.OrderPayment{Provider: "vnpay", TransactionRef: "txn_2", PreviousRefs: []string{"txn_1"}}
	if err := repo.Insert(ctx, order); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for _, ref := range []string{"txn_1", "txn_2"} {
		found, err := repo.FindByTransactionRef(ctx, ref)
		if err != nil || found.ID != "ord_retry" {
			t.Fatalf("expected %s to resolve, got %v %+v", ref, err, found)
		}
	}

	// Same status pair, different attempt: the write must not land.
	stale := domain.OrderState{Status: domain.OrderStatusPending, PaymentStatus: domain.PaymentStatusPending, TransactionRef: "txn_1"}
	next := sampleOrder("ord_retry", "user_1", now)
	next.Payment = &domain.OrderPayment{Provider: "vnpay", TransactionRef: "txn_3"}
	_, err := repo.CompareAndSwap(ctx, stale, next)
	if repoErr, ok := err.(repositories.RepositoryError); !ok || !repoErr.IsConflict() {
		t.Fatalf("expected conflict for stale reference, got %v", err)
	}

	found, err := repo.FindByID(ctx, "ord_retry")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	found.Payment.PreviousRefs[0] = "mutated"
	again, _ := repo.FindByID(ctx, "ord_retry")
	if again.Payment.PreviousRefs[0] != "txn_1" {
		t.Fatalf("expected stored references to be isolated from callers")
	}
}
