//go:build integration

package firestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

func sampleOrder(id, userID string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:              id,
		UserID:          userID,
		FullName:        "Jane Doe",
		Phone:           "0900000000",
		ShippingAddress: "1 Main St",
		PaymentMethod:   domain.PaymentMethodGateway,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		Currency:        "USD",
		Totals: domain.OrderTotals{
			Subtotal: decimal.RequireFromString("25.00"),
			Tax:      decimal.RequireFromString("2.50"),
			Shipping: decimal.RequireFromString("3.00"),
			Total:    decimal.RequireFromString("30.50"),
		},
		ItemCount: 3,
		Items: []domain.OrderItem{
			{ProductID: "p1", Name: "Vitamin C", UnitPrice: decimal.RequireFromString("10.00"), Quantity: 2, LineTotal: decimal.RequireFromString("20.00")},
			{ProductID: "p2", Name: "Bandage", UnitPrice: decimal.RequireFromString("5.00"), Quantity: 1, LineTotal: decimal.RequireFromString("5.00")},
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestOrderRepositoryIntegration(t *testing.T) {
	provider := startEmulator(t)
	registry, err := NewRegistry(provider)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	orders := registry.Orders()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"ord_a", "ord_b", "ord_c"} {
		if err := orders.Insert(ctx, sampleOrder(id, "user-1", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}
	if err := orders.Insert(ctx, sampleOrder("ord_a", "user-1", base)); err == nil {
		t.Fatalf("expected duplicate insert to fail")
	}

	got, err := orders.FindByID(ctx, "ord_a")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !got.Totals.Total.Equal(decimal.RequireFromString("30.50")) || len(got.Items) != 2 {
		t.Fatalf("unexpected round trip: %+v", got)
	}

	page, err := orders.List(ctx, repositories.OrderListFilter{UserID: "user-1", Page: domain.Page{Number: 0, Size: 2}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.TotalItems != 3 || len(page.Items) != 2 || page.Items[0].ID != "ord_c" {
		t.Fatalf("expected newest first page of 2 out of 3, got %+v", page)
	}

	next := got
	next.Payment = &domain.OrderPayment{Provider: "stripe", TransactionRef: "txn_1", Amount: got.Totals.Total, Currency: "USD", InitiatedAt: base}
	if _, err := orders.CompareAndSwap(ctx, got.State(), next); err != nil {
		t.Fatalf("record payment: %v", err)
	}
	byRef, err := orders.FindByTransactionRef(ctx, "txn_1")
	if err != nil || byRef.ID != "ord_a" {
		t.Fatalf("FindByTransactionRef: %v, %+v", err, byRef)
	}

	// Concurrent writers race from the same state; exactly one commits.
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paid := byRef
			paid.Status = domain.OrderStatusProcessing
			paid.PaymentStatus = domain.PaymentStatusPaid
			if _, err := orders.CompareAndSwap(ctx, byRef.State(), paid); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected one winner, got %d", winners)
	}

	agg, err := orders.Aggregate(ctx)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.TotalOrders != 3 || agg.ByPaymentStatus[domain.PaymentStatusPaid] != 1 || !agg.PaidRevenue.Equal(decimal.RequireFromString("30.5")) {
		t.Fatalf("unexpected aggregates: %+v", agg)
	}

	report, err := registry.Health().Collect(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected healthy firestore, got %+v", report)
	}
}

func TestProductRepositoryIntegration(t *testing.T) {
	provider := startEmulator(t)
	repo, err := NewProductRepository(provider)
	if err != nil {
		t.Fatalf("NewProductRepository: %v", err)
	}
	ctx := context.Background()
	if err := repo.Upsert(ctx, domain.Product{ID: "p1", Name: "Vitamin C", Price: decimal.RequireFromString("10.00"), Currency: "USD", Available: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	found, err := repo.FindByIDs(ctx, []string{"p1", "missing", "p1"})
	if err != nil {
		t.Fatalf("FindByIDs: %v", err)
	}
	if len(found) != 1 || !found["p1"].Price.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected products: %+v", found)
	}
}
