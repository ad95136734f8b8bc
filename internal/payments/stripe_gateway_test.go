package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

const testWebhookSecret = "whsec_test"

type fakeStripeSessions struct {
	lastParams *stripe.CheckoutSessionParams
	session    *stripe.CheckoutSession
	err        error
}

func (f *fakeStripeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.lastParams = params
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeStripeSessions) Get(id string, _ *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	session := *f.session
	session.ID = id
	return &session, nil
}

func newTestStripe(t *testing.T, sessions *fakeStripeSessions) *StripeGateway {
	t.Helper()
	gw, err := NewStripeGateway(StripeConfig{
		WebhookSecret: testWebhookSecret,
		SuccessURL:    "https://shop.test/success",
		sessions:      sessions,
	})
	if err != nil {
		t.Fatalf("new stripe gateway: %v", err)
	}
	return gw
}

func TestStripeInitiateCreatesSessionInMinorUnits(t *testing.T) {
	sessions := &fakeStripeSessions{session: &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1", ExpiresAt: 1700000000}}
	gw := newTestStripe(t, sessions)

	handle, err := gw.Initiate(context.Background(), InitiateRequest{
		OrderID:        "ord_1",
		TxnRef:         "txn_1",
		Amount:         decimal.RequireFromString("30.50"),
		Currency:       "USD",
		IdempotencyKey: "idem",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if handle.ProviderRef != "cs_1" || handle.RedirectURL == "" {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if !handle.ExpiresAt.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("unexpected expiry %s", handle.ExpiresAt)
	}

	params := sessions.lastParams
	if got := *params.LineItems[0].PriceData.UnitAmount; got != 3050 {
		t.Fatalf("expected 3050 minor units, got %d", got)
	}
	if *params.ClientReferenceID != "txn_1" || params.Metadata[metadataOrderID] != "ord_1" {
		t.Fatalf("expected txn ref and order metadata, got %+v", params)
	}
	if params.IdempotencyKey == nil || *params.IdempotencyKey != "idem:txn_1" {
		t.Fatalf("expected idempotency key scoped to attempt")
	}
}

func TestStripeInitiateAlwaysSendsIdempotencyKey(t *testing.T) {
	sessions := &fakeStripeSessions{session: &stripe.CheckoutSession{ID: "cs_2", URL: "https://checkout.stripe.test/cs_2"}}
	gw := newTestStripe(t, sessions)

	if _, err := gw.Initiate(context.Background(), InitiateRequest{
		OrderID:  "ord_2",
		TxnRef:   "txn_2",
		Amount:   decimal.RequireFromString("12"),
		Currency: "USD",
	}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if key := sessions.lastParams.IdempotencyKey; key == nil || *key != "txn_2" {
		t.Fatalf("expected attempt reference as idempotency key, got %v", key)
	}
}

func TestStripeInitiateClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "server error", err: &stripe.Error{HTTPStatusCode: http.StatusBadGateway}, want: ErrGatewayUnavailable},
		{name: "rate limited", err: &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, want: ErrGatewayUnavailable},
		{name: "invalid request", err: &stripe.Error{HTTPStatusCode: http.StatusBadRequest}, want: ErrGatewayRejected},
		{name: "transport", err: fmt.Errorf("dial tcp: connection refused"), want: ErrGatewayUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := newTestStripe(t, &fakeStripeSessions{err: tc.err})
			_, err := gw.Initiate(context.Background(), InitiateRequest{TxnRef: "txn", Amount: decimal.NewFromInt(1), Currency: "USD"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func signedStripeNotification(t *testing.T, eventType, paymentStatus string) Notification {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{
  "id": "evt_1",
  "object": "event",
  "type": %q,
  "data": {"object": {
    "id": "cs_1",
    "object": "checkout.session",
    "client_reference_id": "txn_1",
    "amount_total": 3050,
    "currency": "usd",
    "payment_status": %q,
    "status": "complete"
  }}
}`, eventType, paymentStatus))
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	header := http.Header{}
	header.Set(stripeSignatureHeader, signed.Header)
	return Notification{Payload: payload, Header: header}
}

func TestStripeVerifyCompletedSession(t *testing.T) {
	gw := newTestStripe(t, &fakeStripeSessions{})
	verification, err := gw.Verify(context.Background(), signedStripeNotification(t, "checkout.session.completed", "paid"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verification.TxnRef != "txn_1" || verification.Status != StatusSucceeded {
		t.Fatalf("unexpected verification %+v", verification)
	}
	if !verification.Amount.Equal(decimal.RequireFromString("30.50")) || verification.Currency != "USD" {
		t.Fatalf("unexpected amount %s %s", verification.Amount, verification.Currency)
	}
}

func TestStripeVerifyUnpaidCompletionStaysPending(t *testing.T) {
	gw := newTestStripe(t, &fakeStripeSessions{})
	verification, err := gw.Verify(context.Background(), signedStripeNotification(t, "checkout.session.completed", "unpaid"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verification.Status != StatusPending {
		t.Fatalf("expected pending, got %s", verification.Status)
	}
}

func TestStripeVerifyRejectsBadSignatureAndIgnoresOtherEvents(t *testing.T) {
	gw := newTestStripe(t, &fakeStripeSessions{})

	notification := signedStripeNotification(t, "checkout.session.completed", "paid")
	notification.Header.Set(stripeSignatureHeader, "t=1,v1=deadbeef")
	if _, err := gw.Verify(context.Background(), notification); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	if _, err := gw.Verify(context.Background(), signedStripeNotification(t, "customer.created", "")); !errors.Is(err, ErrEventIgnored) {
		t.Fatalf("expected ignored event, got %v", err)
	}
}

func TestStripeLookupMapsSessionState(t *testing.T) {
	sessions := &fakeStripeSessions{session: &stripe.CheckoutSession{
		Status:        stripe.CheckoutSessionStatusExpired,
		PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid,
		Currency:      stripe.CurrencyUSD,
		AmountTotal:   3050,
	}}
	gw := newTestStripe(t, sessions)
	verification, err := gw.Lookup(context.Background(), LookupRequest{TxnRef: "txn_1", ProviderRef: "cs_1"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if verification.Status != StatusFailed || verification.TxnRef != "txn_1" {
		t.Fatalf("unexpected verification %+v", verification)
	}

	if _, err := gw.Lookup(context.Background(), LookupRequest{TxnRef: "txn_1"}); !errors.Is(err, ErrLookupUnsupported) {
		t.Fatalf("expected lookup unsupported without session id, got %v", err)
	}
}
