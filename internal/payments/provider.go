package payments

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates the normalised payment states shared across gateways.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the payment as captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a failure, cancellation, or expiry.
	StatusFailed Status = "failed"
)

// Registered gateway names. Manager lookups are case-insensitive.
const (
	ProviderVNPay  = "vnpay"
	ProviderStripe = "stripe"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a gateway.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrGatewayUnavailable marks transient failures (timeouts, 5xx, throttling). Only these are retried.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrGatewayRejected marks a request the gateway refused or answered unexpectedly.
	ErrGatewayRejected = errors.New("payments: gateway rejected request")
	// ErrInvalidSignature marks a notification whose signature does not verify.
	ErrInvalidSignature = errors.New("payments: invalid notification signature")
	// ErrEventIgnored marks a verified notification that carries no payment result.
	ErrEventIgnored = errors.New("payments: event ignored")
	// ErrLookupUnsupported is returned by gateways that cannot be polled for a result.
	ErrLookupUnsupported = errors.New("payments: lookup unsupported")
)

// InitiateRequest carries the frozen order total and the transaction reference for one attempt.
type InitiateRequest struct {
	OrderID        string
	TxnRef         string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	CustomerEmail  string
	ReturnURL      string
	CancelURL      string
	ClientIP       string
	Locale         string
	IdempotencyKey string
}

// Handle is what the customer needs to complete the payment.
type Handle struct {
	Provider    string
	TxnRef      string
	ProviderRef string
	RedirectURL string
	ExpiresAt   time.Time
}

// Notification is an inbound gateway callback as received over HTTP.
type Notification struct {
	Query   url.Values
	Header  http.Header
	Payload []byte
}

// Verification is a notification or lookup result after authenticity checks.
type Verification struct {
	Provider     string
	TxnRef       string
	ProviderRef  string
	Status       Status
	Amount       decimal.Decimal
	Currency     string
	ResponseCode string
	Raw          map[string]string
}

// LookupRequest identifies an attempt to poll for its final result.
type LookupRequest struct {
	TxnRef      string
	ProviderRef string
}

// Gateway is implemented by each payment provider adapter.
type Gateway interface {
	Initiate(ctx context.Context, req InitiateRequest) (Handle, error)
	Verify(ctx context.Context, notification Notification) (Verification, error)
}

// Lookuper is implemented by gateways that support polling an attempt's status.
type Lookuper interface {
	Lookup(ctx context.Context, req LookupRequest) (Verification, error)
}

// Logger is the structured logging hook used by gateway adapters.
type Logger func(ctx context.Context, event string, fields map[string]any)

func nopLogger(context.Context, string, map[string]any) {}
