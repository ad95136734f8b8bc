package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
	"golang.org/x/text/currency"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	metadataOrderID       = "order_id"
	metadataTxnRef        = "txn_ref"
)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeConfig configures the Stripe Checkout gateway.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	SuccessURL    string
	CancelURL     string
	Backends      *stripe.Backends
	Logger        Logger
	Clock         func() time.Time

	sessions stripeSessionAPI
}

// StripeGateway creates Checkout sessions and verifies Stripe webhooks.
type StripeGateway struct {
	sessions      stripeSessionAPI
	webhookSecret string
	account       string
	successURL    string
	cancelURL     string
	clock         func() time.Time
	logger        Logger
}

// NewStripeGateway constructs a Stripe gateway from the given configuration.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.sessions == nil {
		return nil, errors.New("stripe: api key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	sessions := cfg.sessions
	if sessions == nil {
		sc := client.New(apiKey, cfg.Backends)
		sessions = sc.CheckoutSessions
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}

	return &StripeGateway{
		sessions:      sessions,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		account:       strings.TrimSpace(cfg.AccountID),
		successURL:    strings.TrimSpace(cfg.SuccessURL),
		cancelURL:     strings.TrimSpace(cfg.CancelURL),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Initiate creates a Checkout session for the order total.
func (g *StripeGateway) Initiate(ctx context.Context, req InitiateRequest) (Handle, error) {
	if strings.TrimSpace(req.TxnRef) == "" {
		return Handle{}, fmt.Errorf("%w: stripe: transaction reference is required", ErrGatewayRejected)
	}
	amount, err := minorUnits(req.Amount, req.Currency)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: stripe: %w", ErrGatewayRejected, err)
	}
	successURL := firstNonEmpty(req.ReturnURL, g.successURL)
	cancelURL := firstNonEmpty(req.CancelURL, g.cancelURL, successURL)
	if successURL == "" {
		return Handle{}, fmt.Errorf("%w: stripe: success url is required", ErrGatewayRejected)
	}

	metadata := map[string]string{
		metadataOrderID: req.OrderID,
		metadataTxnRef:  req.TxnRef,
	}
	name := firstNonEmpty(req.Description, "Order "+req.OrderID)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(req.TxnRef),
		Metadata:          metadata,
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(name),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	params.Context = ctx
	// The manager retries transport errors; the key makes a retried create return the same session.
	idempotencyKey := req.TxnRef
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		idempotencyKey = key + ":" + req.TxnRef
	}
	params.SetIdempotencyKey(idempotencyKey)
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	if req.Locale != "" {
		params.Locale = stripe.String(strings.ReplaceAll(strings.ToLower(req.Locale), "_", "-"))
	}

	session, err := g.sessions.New(params)
	if err != nil {
		return Handle{}, classifyStripeError("create checkout session", err)
	}

	g.logger(ctx, "payments.stripe.session.created", map[string]any{
		"orderId":   req.OrderID,
		"txnRef":    req.TxnRef,
		"sessionId": session.ID,
	})

	handle := Handle{
		TxnRef:      req.TxnRef,
		ProviderRef: session.ID,
		RedirectURL: session.URL,
	}
	if session.ExpiresAt > 0 {
		handle.ExpiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return handle, nil
}

// Verify checks the webhook signature and extracts the Checkout session result.
func (g *StripeGateway) Verify(ctx context.Context, notification Notification) (Verification, error) {
	signature := notification.Header.Get(stripeSignatureHeader)
	if signature == "" {
		return Verification{}, fmt.Errorf("%w: stripe: missing signature header", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(notification.Payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Verification{}, fmt.Errorf("%w: stripe: %w", ErrInvalidSignature, err)
	}

	var status Status
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		status = StatusSucceeded
	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed, stripe.EventTypeCheckoutSessionExpired:
		status = StatusFailed
	default:
		g.logger(ctx, "payments.stripe.webhook.ignored", map[string]any{"type": string(event.Type), "eventId": event.ID})
		return Verification{}, fmt.Errorf("%w: stripe event %s", ErrEventIgnored, event.Type)
	}

	var session stripe.CheckoutSession
	if event.Data == nil || json.Unmarshal(event.Data.Raw, &session) != nil {
		return Verification{}, fmt.Errorf("%w: stripe: malformed checkout session payload", ErrGatewayRejected)
	}
	verification := sessionVerification(&session)
	if event.Type == stripe.EventTypeCheckoutSessionCompleted && session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		// Delayed payment methods complete the session before funds settle.
		status = StatusPending
	}
	verification.Status = status
	verification.ResponseCode = string(event.Type)
	return verification, nil
}

// Lookup retrieves the Checkout session backing an attempt.
func (g *StripeGateway) Lookup(ctx context.Context, req LookupRequest) (Verification, error) {
	if strings.TrimSpace(req.ProviderRef) == "" {
		return Verification{}, fmt.Errorf("%w: stripe: session id is required", ErrLookupUnsupported)
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	session, err := g.sessions.Get(req.ProviderRef, params)
	if err != nil {
		return Verification{}, classifyStripeError("get checkout session", err)
	}
	verification := sessionVerification(session)
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		verification.Status = StatusSucceeded
	case session.Status == stripe.CheckoutSessionStatusExpired:
		verification.Status = StatusFailed
	default:
		verification.Status = StatusPending
	}
	verification.ResponseCode = string(session.Status)
	if verification.TxnRef == "" {
		verification.TxnRef = req.TxnRef
	}
	return verification, nil
}

func sessionVerification(session *stripe.CheckoutSession) Verification {
	txnRef := session.ClientReferenceID
	if txnRef == "" && session.Metadata != nil {
		txnRef = session.Metadata[metadataTxnRef]
	}
	code := strings.ToUpper(string(session.Currency))
	v := Verification{
		TxnRef:      txnRef,
		ProviderRef: session.ID,
		Currency:    code,
		Raw: map[string]string{
			"session_id":     session.ID,
			"payment_status": string(session.PaymentStatus),
			"status":         string(session.Status),
		},
	}
	if session.AmountTotal > 0 && code != "" {
		v.Amount = fromMinorUnits(session.AmountTotal, code)
	}
	return v
}

func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: stripe: %s: %w", ErrGatewayUnavailable, op, err)
		}
		return fmt.Errorf("%w: stripe: %s: %w", ErrGatewayRejected, op, err)
	}
	// Transport failures never reached Stripe.
	return fmt.Errorf("%w: stripe: %s: %w", ErrGatewayUnavailable, op, err)
}

func currencyScale(code string) (int32, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 0, fmt.Errorf("unknown currency %q", code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}

func minorUnits(amount decimal.Decimal, code string) (int64, error) {
	if !amount.IsPositive() {
		return 0, errors.New("amount must be positive")
	}
	scale, err := currencyScale(code)
	if err != nil {
		return 0, err
	}
	return amount.Shift(scale).Round(0).IntPart(), nil
}

func fromMinorUnits(value int64, code string) decimal.Decimal {
	scale, err := currencyScale(code)
	if err != nil {
		return decimal.NewFromInt(value)
	}
	return decimal.New(value, -scale)
}
