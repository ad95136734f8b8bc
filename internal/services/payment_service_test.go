package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/payments"
)

type stubGateway struct {
	mu           sync.Mutex
	initiateErr  error
	initiated    []payments.InitiateRequest
	verification payments.Verification
	verifyErr    error
	lookups      map[string]payments.Verification
	lookupErr    error
	lookupCalls  int
	provider     string
}

func (g *stubGateway) Initiate(_ context.Context, provider string, req payments.InitiateRequest) (payments.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initiateErr != nil {
		return payments.Handle{}, g.initiateErr
	}
	g.initiated = append(g.initiated, req)
	if provider == "" {
		provider = g.DefaultProvider()
	}
	return payments.Handle{
		Provider:    provider,
		TxnRef:      req.TxnRef,
		ProviderRef: "cs_" + req.TxnRef,
		RedirectURL: "https://pay.test/" + req.TxnRef,
		ExpiresAt:   testNow.Add(15 * time.Minute),
	}, nil
}

func (g *stubGateway) Verify(context.Context, string, payments.Notification) (payments.Verification, error) {
	return g.verification, g.verifyErr
}

func (g *stubGateway) Lookup(_ context.Context, _ string, req payments.LookupRequest) (payments.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookupCalls++
	if g.lookupErr != nil {
		return payments.Verification{}, g.lookupErr
	}
	v, ok := g.lookups[req.TxnRef]
	if !ok {
		return payments.Verification{TxnRef: req.TxnRef, Status: payments.StatusPending}, nil
	}
	return v, nil
}

func (g *stubGateway) DefaultProvider() string {
	if g.provider != "" {
		return g.provider
	}
	return "vnpay"
}

type paymentFixture struct {
	orderFixture
	gateway  *stubGateway
	payments PaymentService
	clock    *time.Time
}

func newPaymentFixture(t *testing.T) paymentFixture {
	t.Helper()
	gateway := &stubGateway{}
	f := newOrderFixture(t, nil)
	now := testNow
	svc, err := NewPaymentService(PaymentServiceDeps{
		Orders:      f.registry.Orders(),
		Gateway:     gateway,
		UnitOfWork:  f.registry,
		Events:      f.events,
		Clock:       func() time.Time { return now },
		IDGenerator: sequentialIDs(),
	})
	if err != nil {
		t.Fatalf("new payment service: %v", err)
	}
	return paymentFixture{orderFixture: f, gateway: gateway, payments: svc, clock: &now}
}

func (f paymentFixture) startPayment(t *testing.T) (Order, PaymentResult) {
	t.Helper()
	order := mustCreate(t, f.orderFixture, customer, domain.PaymentMethodGateway)
	result, err := f.payments.ProcessPayment(context.Background(), customer, ProcessPaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}
	return order, result
}

func TestProcessPaymentRecordsAttempt(t *testing.T) {
	f := newPaymentFixture(t)
	order, result := f.startPayment(t)

	if result.TransactionRef != "txn_0001" || result.Provider != "vnpay" || result.SessionID != "cs_txn_0001" {
		t.Fatalf("unexpected result %+v", result)
	}
	if !result.Amount.Equal(decimal.RequireFromString("30.50")) || result.ExpiresAt == nil {
		t.Fatalf("expected frozen total and expiry, got %+v", result)
	}
	req := f.gateway.initiated[0]
	if !req.Amount.Equal(order.Totals.Total) || req.Currency != "USD" || req.OrderID != order.ID {
		t.Fatalf("gateway must receive the frozen total, got %+v", req)
	}

	stored, _ := f.registry.Orders().FindByID(context.Background(), order.ID)
	if stored.Payment == nil || stored.Payment.TransactionRef != "txn_0001" || stored.Payment.ProviderRef != "cs_txn_0001" {
		t.Fatalf("attempt must be stored, got %+v", stored.Payment)
	}
	if stored.Status != domain.OrderStatusPending || stored.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("initiation must not change state, got %s/%s", stored.Status, stored.PaymentStatus)
	}

	again, err := f.payments.ProcessPayment(context.Background(), customer, ProcessPaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("retry payment: %v", err)
	}
	if again.TransactionRef == result.TransactionRef {
		t.Fatalf("each attempt needs a fresh reference")
	}
}

func TestProcessPaymentRejections(t *testing.T) {
	f := newPaymentFixture(t)
	cod := mustCreate(t, f.orderFixture, customer, domain.PaymentMethodCashOnDelivery)
	if _, err := f.payments.ProcessPayment(context.Background(), customer, ProcessPaymentCommand{OrderID: cod.ID}); !errors.Is(err, ErrOrderValidation) {
		t.Fatalf("expected validation error for cash on delivery, got %v", err)
	}

	order, _ := f.startPayment(t)
	if _, err := f.payments.ProcessPayment(context.Background(), Identity{UserID: "intruder"}, ProcessPaymentCommand{OrderID: order.ID}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.payments.ProcessPayment(context.Background(), customer, ProcessPaymentCommand{OrderID: "ord_none"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	stored, _ := f.registry.Orders().FindByID(context.Background(), order.ID)
	if _, err := f.payments.UpdatePaymentByTxnRef(context.Background(), stored.Payment.TransactionRef, domain.PaymentStatusPaid); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if _, err := f.payments.ProcessPayment(context.Background(), customer, ProcessPaymentCommand{OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition for paid order, got %v", err)
	}
}

func TestProcessPaymentGatewayFailure(t *testing.T) {
	f := newPaymentFixture(t)
	order := mustCreate(t, f.orderFixture, customer, domain.PaymentMethodGateway)
	f.gateway.initiateErr = payments.ErrGatewayUnavailable

	_, err := f.payments.ProcessPayment(context.Background(), customer, ProcessPaymentCommand{OrderID: order.ID})
	if !errors.Is(err, ErrPaymentGateway) || !errors.Is(err, payments.ErrGatewayUnavailable) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	stored, _ := f.registry.Orders().FindByID(context.Background(), order.ID)
	if stored.Payment != nil {
		t.Fatalf("failed initiation must not record an attempt")
	}
}

func TestUpdatePaymentByTxnRefPaidMovesToProcessing(t *testing.T) {
	f := newPaymentFixture(t)
	order, result := f.startPayment(t)

	update, err := f.payments.UpdatePaymentByTxnRef(context.Background(), result.TransactionRef, domain.PaymentStatusPaid)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !update.Applied || update.Order.Status != domain.OrderStatusProcessing || update.Order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("unexpected update %+v", update)
	}
	if update.Order.PaidAt == nil || update.Order.ID != order.ID {
		t.Fatalf("expected paid timestamp, got %+v", update.Order)
	}

	dup, err := f.payments.UpdatePaymentByTxnRef(context.Background(), result.TransactionRef, domain.PaymentStatusPaid)
	if err != nil {
		t.Fatalf("duplicate must not fail: %v", err)
	}
	if !dup.Duplicate || dup.Applied {
		t.Fatalf("expected duplicate no-op, got %+v", dup)
	}

	_, err = f.payments.UpdatePaymentByTxnRef(context.Background(), result.TransactionRef, domain.PaymentStatusFailed)
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("FAILED must not overwrite PAID, got %v", err)
	}
	stored, _ := f.registry.Orders().FindByID(context.Background(), order.ID)
	if stored.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment must stay PAID, got %s", stored.PaymentStatus)
	}

	var paymentEvents int
	for _, typ := range f.events.types() {
		if typ == OrderEventPaymentUpdated {
			paymentEvents++
		}
	}
	if paymentEvents != 1 {
		t.Fatalf("expected one payment event, got %d", paymentEvents)
	}
}

func TestUpdatePaymentByTxnRefFailedKeepsOrderPending(t *testing.T) {
	f := newPaymentFixture(t)
	_, result := f.startPayment(t)

	update, err := f.payments.UpdatePaymentByTxnRef(context.Background(), result.TransactionRef, domain.PaymentStatusFailed)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if update.Order.Status != domain.OrderStatusPending || update.Order.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("unexpected state %s/%s", update.Order.Status, update.Order.PaymentStatus)
	}
}

func TestUpdatePaymentUnknownReference(t *testing.T) {
	f := newPaymentFixture(t)
	order, _ := f.startPayment(t)

	_, err := f.payments.UpdatePaymentByTxnRef(context.Background(), "txn_unknown", domain.PaymentStatusPaid)
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	stored, _ := f.registry.Orders().FindByID(context.Background(), order.ID)
	if stored.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("no order may change, got %s", stored.PaymentStatus)
	}

	if _, err := f.payments.UpdatePaymentByTxnRef(context.Background(), " ", domain.PaymentStatusPaid); !errors.Is(err, ErrOrderValidation) {
		t.Fatalf("expected validation error for blank reference, got %v", err)
	}
}

func TestUpdatePaymentRejectsNonResultStatuses(t *testing.T) {
	f := newPaymentFixture(t)
	_, result := f.startPayment(t)
	if _, err := f.payments.UpdatePaymentByTxnRef(context.Background(), result.TransactionRef, domain.PaymentStatusRefunded); !errors.Is(err, ErrOrderValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.payments.UpdatePaymentByTxnRef(context.Background(), result.TransactionRef, "SETTLED"); !errors.Is(err, ErrOrderInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestLatePaymentForCancelledOrderIsRejected(t *testing.T) {
	f := newPaymentFixture(t)
	order, result := f.startPayment(t)
	if _, err := f.service.CancelOrder(context.Background(), customer, CancelOrderCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.payments.UpdatePaymentByTxnRef(context.Background(), result.TransactionRef, domain.PaymentStatusPaid); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestConcurrentDuplicateNotificationsApplyOnce(t *testing.T) {
	f := newPaymentFixture(t)
	_, result := f.startPayment(t)

	const deliveries = 24
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			update, err := f.payments.UpdatePaymentByTxnRef(context.Background(), result.TransactionRef, domain.PaymentStatusPaid)
			if err != nil {
				t.Errorf("duplicate delivery failed: %v", err)
				return
			}
			if update.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("expected exactly one applied update, got %d", applied)
	}
}

func TestUpdatePaymentByOrderIDForAdmin(t *testing.T) {
	f := newPaymentFixture(t)
	order := mustCreate(t, f.orderFixture, customer, domain.PaymentMethodCashOnDelivery)

	update, err := f.payments.UpdatePaymentByOrderID(context.Background(), ManualPaymentCommand{
		OrderID: order.ID,
		Result:  domain.PaymentStatusPaid,
		ActorID: "admin-1",
		Note:    "paid at counter",
	})
	if err != nil {
		t.Fatalf("manual update: %v", err)
	}
	if update.Order.PaymentStatus != domain.PaymentStatusPaid || update.Order.Payment == nil || update.Order.Payment.ResultCode != manualResultCode {
		t.Fatalf("unexpected manual update %+v", update.Order)
	}
	if _, err := f.payments.UpdatePaymentByOrderID(context.Background(), ManualPaymentCommand{OrderID: "ord_missing", Result: domain.PaymentStatusPaid}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHandleNotification(t *testing.T) {
	f := newPaymentFixture(t)
	order, result := f.startPayment(t)

	f.gateway.verification = payments.Verification{
		TxnRef:       result.TransactionRef,
		Status:       payments.StatusSucceeded,
		Amount:       decimal.RequireFromString("30.50"),
		ResponseCode: "00",
		ProviderRef:  "14000001",
	}
	outcome, err := f.payments.HandleNotification(context.Background(), "vnpay", payments.Notification{})
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	if !outcome.Update.Applied || outcome.Update.Order.ID != order.ID {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.Update.Order.Payment.ResultCode != "00" || outcome.Update.Order.Payment.ProviderRef != "14000001" {
		t.Fatalf("gateway result must be stored, got %+v", outcome.Update.Order.Payment)
	}
}

func TestHandleNotificationRejections(t *testing.T) {
	f := newPaymentFixture(t)
	_, result := f.startPayment(t)

	f.gateway.verifyErr = payments.ErrInvalidSignature
	_, err := f.payments.HandleNotification(context.Background(), "vnpay", payments.Notification{})
	if !errors.Is(err, ErrOrderValidation) || !errors.Is(err, payments.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	f.gateway.verifyErr = payments.ErrEventIgnored
	outcome, err := f.payments.HandleNotification(context.Background(), "stripe", payments.Notification{})
	if err != nil || !outcome.Ignored {
		t.Fatalf("expected ignored outcome, got %+v %v", outcome, err)
	}

	f.gateway.verifyErr = nil
	f.gateway.verification = payments.Verification{TxnRef: result.TransactionRef, Status: payments.StatusSucceeded, Amount: decimal.NewFromInt(1)}
	if _, err := f.payments.HandleNotification(context.Background(), "vnpay", payments.Notification{}); !errors.Is(err, ErrPaymentAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}

	f.gateway.verification = payments.Verification{TxnRef: "txn_other", Status: payments.StatusSucceeded}
	if _, err := f.payments.HandleNotification(context.Background(), "vnpay", payments.Notification{}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReconcilePending(t *testing.T) {
	f := newPaymentFixture(t)
	paidOrder, paid := f.startPayment(t)
	_, failed := f.startPayment(t)
	_, pending := f.startPayment(t)

	f.gateway.lookups = map[string]payments.Verification{
		paid.TransactionRef:   {TxnRef: paid.TransactionRef, Status: payments.StatusSucceeded},
		failed.TransactionRef: {TxnRef: failed.TransactionRef, Status: payments.StatusFailed},
	}

	*f.clock = testNow.Add(time.Hour)
	report, err := f.payments.ReconcilePending(context.Background(), ReconcileCommand{OlderThan: 30 * time.Minute})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Checked != 3 || report.Paid != 1 || report.Failed != 1 || report.Pending != 1 || report.Errors != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	stored, _ := f.registry.Orders().FindByID(context.Background(), paidOrder.ID)
	if stored.Status != domain.OrderStatusProcessing || stored.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid order, got %s/%s", stored.Status, stored.PaymentStatus)
	}
	pendingOrder, _ := f.registry.Orders().FindByTransactionRef(context.Background(), pending.TransactionRef)
	if pendingOrder.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("pending attempt must stay pending")
	}
}

func TestReconcileSkipsRecentAttempts(t *testing.T) {
	f := newPaymentFixture(t)
	f.startPayment(t)

	report, err := f.payments.ReconcilePending(context.Background(), ReconcileCommand{OlderThan: time.Hour})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Checked != 0 || f.gateway.lookupCalls != 0 {
		t.Fatalf("recent attempts must be left alone, got %+v", report)
	}
}

func TestPaymentOnReplacedAttemptSettlesOrder(t *testing.T) {
	f := newPaymentFixture(t)
	order, first := f.startPayment(t)
	second, err := f.payments.ProcessPayment(context.Background(), customer, ProcessPaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("retry payment: %v", err)
	}

	// The customer completes the first checkout after opening a second one.
	update, err := f.payments.UpdatePaymentByTxnRef(context.Background(), first.TransactionRef, domain.PaymentStatusPaid)
	if err != nil {
		t.Fatalf("payment on first attempt: %v", err)
	}
	if !update.Applied {
		t.Fatalf("expected first attempt to settle the order, got %+v", update)
	}
	stored, _ := f.registry.Orders().FindByID(context.Background(), order.ID)
	if stored.Status != domain.OrderStatusProcessing || stored.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected PROCESSING/PAID, got %s/%s", stored.Status, stored.PaymentStatus)
	}
	if stored.Payment.TransactionRef != first.TransactionRef || !stored.Payment.HasReference(second.TransactionRef) {
		t.Fatalf("expected settling attempt to become current, got %+v", stored.Payment)
	}

	dup, err := f.payments.UpdatePaymentByTxnRef(context.Background(), second.TransactionRef, domain.PaymentStatusPaid)
	if err != nil || !dup.Duplicate {
		t.Fatalf("expected second capture to be a no-op, got %+v, %v", dup, err)
	}
	late, err := f.payments.UpdatePaymentByTxnRef(context.Background(), second.TransactionRef, domain.PaymentStatusFailed)
	if err != nil || !late.Duplicate {
		t.Fatalf("expected failure on replaced attempt to be a no-op, got %+v, %v", late, err)
	}
	stored, _ = f.registry.Orders().FindByID(context.Background(), order.ID)
	if stored.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment must stay PAID, got %s", stored.PaymentStatus)
	}
}

func TestFailureOnReplacedAttemptKeepsOrderPending(t *testing.T) {
	f := newPaymentFixture(t)
	order, first := f.startPayment(t)
	second, err := f.payments.ProcessPayment(context.Background(), customer, ProcessPaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("retry payment: %v", err)
	}

	update, err := f.payments.UpdatePaymentByTxnRef(context.Background(), first.TransactionRef, domain.PaymentStatusFailed)
	if err != nil || !update.Duplicate {
		t.Fatalf("expected abandoned attempt failure to be ignored, got %+v, %v", update, err)
	}
	stored, _ := f.registry.Orders().FindByID(context.Background(), order.ID)
	if stored.PaymentStatus != domain.PaymentStatusPending || stored.Payment.TransactionRef != second.TransactionRef {
		t.Fatalf("expected live attempt untouched, got %s %+v", stored.PaymentStatus, stored.Payment)
	}

	paid, err := f.payments.UpdatePaymentByTxnRef(context.Background(), second.TransactionRef, domain.PaymentStatusPaid)
	if err != nil || !paid.Applied {
		t.Fatalf("expected live attempt to settle, got %+v, %v", paid, err)
	}
}

func TestInitiateForOrderRejectsStaleAttempt(t *testing.T) {
	f := newPaymentFixture(t)
	_, first := f.startPayment(t)
	snapshot, err := f.registry.Orders().FindByTransactionRef(context.Background(), first.TransactionRef)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	const callers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		others []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.payments.InitiateForOrder(context.Background(), snapshot, PaymentOptions{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			others = append(others, err)
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected one recorded attempt, got %d", wins)
	}
	for _, err := range others {
		if !errors.Is(err, ErrOrderInvalidTransition) {
			t.Fatalf("expected invalid transition for losing initiation, got %v", err)
		}
	}
	stored, _ := f.registry.Orders().FindByID(context.Background(), snapshot.ID)
	if len(stored.Payment.PreviousRefs) != 1 || stored.Payment.PreviousRefs[0] != first.TransactionRef {
		t.Fatalf("expected exactly the first attempt to be replaced, got %+v", stored.Payment)
	}
}
