package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultCallTimeout = 10 * time.Second
	defaultMaxAttempts = 3
	meterName          = "github.com/pvhao2002/Pharmacy/internal/payments"
)

// Manager routes calls to gateways and bounds every outbound call with a timeout and a small
// number of retries for transient failures.
type Manager struct {
	gateways        map[string]Gateway
	defaultProvider string
	currencyRoutes  map[string]string
	timeout         time.Duration
	maxAttempts     int
	backoff         gax.Backoff
	sleep           func(context.Context, time.Duration) error
	logger          Logger

	calls   metric.Int64Counter
	latency metric.Float64Histogram
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the gateway used when neither a preference nor a currency route matches.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = normalizeProvider(provider)
	}
}

// WithCurrencyRoutes configures static currency to gateway mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = normalizeProvider(v)
		}
	}
}

// WithCallTimeout bounds each individual gateway attempt.
func WithCallTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithMaxAttempts bounds the number of tries for retryable calls.
func WithMaxAttempts(attempts int) ManagerOption {
	return func(m *Manager) {
		if attempts > 0 {
			m.maxAttempts = attempts
		}
	}
}

// WithBackoff overrides the pause between retries.
func WithBackoff(initial, max time.Duration) ManagerOption {
	return func(m *Manager) {
		if initial > 0 {
			m.backoff.Initial = initial
		}
		if max > 0 {
			m.backoff.Max = max
		}
	}
}

// WithManagerLogger sets the logger used for retry diagnostics.
func WithManagerLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMeter injects the OpenTelemetry meter used for gateway call instruments.
func WithMeter(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		if meter != nil {
			m.initInstruments(meter)
		}
	}
}

func withSleeper(sleep func(context.Context, time.Duration) error) ManagerOption {
	return func(m *Manager) {
		m.sleep = sleep
	}
}

// NewManager constructs a Manager over the supplied gateways.
func NewManager(gateways map[string]Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	registered := make(map[string]Gateway, len(gateways))
	for key, gw := range gateways {
		name := normalizeProvider(key)
		if name == "" || gw == nil {
			return nil, fmt.Errorf("payments: invalid gateway registration for key %q", key)
		}
		registered[name] = gw
	}

	m := &Manager{
		gateways:       registered,
		currencyRoutes: make(map[string]string),
		timeout:        defaultCallTimeout,
		maxAttempts:    defaultMaxAttempts,
		backoff: gax.Backoff{
			Initial:    200 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2,
		},
		sleep:  gax.Sleep,
		logger: nopLogger,
	}
	m.initInstruments(otel.Meter(meterName))
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.defaultProvider != "" {
		if _, ok := m.gateways[m.defaultProvider]; !ok {
			return nil, fmt.Errorf("%w: default provider %q is not registered", ErrUnsupportedProvider, m.defaultProvider)
		}
	}
	return m, nil
}

func (m *Manager) initInstruments(meter metric.Meter) {
	if calls, err := meter.Int64Counter("payments.gateway.calls",
		metric.WithDescription("Gateway calls by provider, operation, and outcome.")); err == nil {
		m.calls = calls
	}
	if latency, err := meter.Float64Histogram("payments.gateway.latency",
		metric.WithDescription("Gateway call latency including retries."),
		metric.WithUnit("ms")); err == nil {
		m.latency = latency
	}
}

// DefaultProvider returns the provider used when callers do not choose one.
func (m *Manager) DefaultProvider() string {
	if m.defaultProvider != "" {
		return m.defaultProvider
	}
	if len(m.gateways) == 1 {
		for name := range m.gateways {
			return name
		}
	}
	return ""
}

// Resolve picks a gateway from an explicit preference, then the currency route, then the default.
func (m *Manager) Resolve(preferred, currency string) (string, Gateway, error) {
	if name := normalizeProvider(preferred); name != "" {
		if gw, ok := m.gateways[name]; ok {
			return name, gw, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
	}
	if route, ok := m.currencyRoutes[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		if gw, ok := m.gateways[route]; ok {
			return route, gw, nil
		}
	}
	if name := m.DefaultProvider(); name != "" {
		return name, m.gateways[name], nil
	}
	return "", nil, ErrUnsupportedProvider
}

// Initiate creates a payment attempt on the resolved gateway.
func (m *Manager) Initiate(ctx context.Context, provider string, req InitiateRequest) (Handle, error) {
	name, gw, err := m.Resolve(provider, req.Currency)
	if err != nil {
		return Handle{}, err
	}
	var handle Handle
	err = m.call(ctx, name, "initiate", func(attemptCtx context.Context) error {
		var callErr error
		handle, callErr = gw.Initiate(attemptCtx, req)
		return callErr
	})
	if err != nil {
		return Handle{}, err
	}
	handle.Provider = name
	if handle.TxnRef == "" {
		handle.TxnRef = req.TxnRef
	}
	return handle, nil
}

// Verify authenticates a notification. Verification is local and never retried.
func (m *Manager) Verify(ctx context.Context, provider string, notification Notification) (Verification, error) {
	name := normalizeProvider(provider)
	gw, ok := m.gateways[name]
	if !ok {
		return Verification{}, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
	}
	start := time.Now()
	verification, err := gw.Verify(ctx, notification)
	m.record(ctx, name, "verify", start, err)
	if err != nil {
		return Verification{}, err
	}
	verification.Provider = name
	return verification, nil
}

// Lookup polls the gateway for the result of an attempt.
func (m *Manager) Lookup(ctx context.Context, provider string, req LookupRequest) (Verification, error) {
	name := normalizeProvider(provider)
	gw, ok := m.gateways[name]
	if !ok {
		return Verification{}, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
	}
	lookuper, ok := gw.(Lookuper)
	if !ok {
		return Verification{}, fmt.Errorf("%w: %s", ErrLookupUnsupported, name)
	}
	var verification Verification
	err := m.call(ctx, name, "lookup", func(attemptCtx context.Context) error {
		var callErr error
		verification, callErr = lookuper.Lookup(attemptCtx, req)
		return callErr
	})
	if err != nil {
		return Verification{}, err
	}
	verification.Provider = name
	return verification, nil
}

func (m *Manager) call(ctx context.Context, provider, op string, fn func(context.Context) error) error {
	start := time.Now()
	backoff := m.backoff

	var err error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err = fn(attemptCtx)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			break
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %s %s: %w", ErrGatewayUnavailable, provider, op, ctx.Err())
			break
		}
		if timedOut && !errors.Is(err, ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %s %s timed out after %s", ErrGatewayUnavailable, provider, op, m.timeout)
		}
		if !errors.Is(err, ErrGatewayUnavailable) || attempt == m.maxAttempts {
			break
		}

		pause := backoff.Pause()
		m.logger(ctx, "payments.gateway.retry", map[string]any{
			"provider": provider,
			"op":       op,
			"attempt":  attempt,
			"pause":    pause.String(),
			"error":    err.Error(),
		})
		if sleepErr := m.sleep(ctx, pause); sleepErr != nil {
			err = fmt.Errorf("%w: %s %s: %w", ErrGatewayUnavailable, provider, op, sleepErr)
			break
		}
	}
	m.record(ctx, provider, op, start, err)
	return err
}

func (m *Manager) record(ctx context.Context, provider, op string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrGatewayUnavailable):
		outcome = "unavailable"
	case errors.Is(err, ErrInvalidSignature):
		outcome = "invalid_signature"
	default:
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	if m.calls != nil {
		m.calls.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
