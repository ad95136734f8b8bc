package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile          = ".env"
	defaultPort             = "8080"
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 120 * time.Second
	defaultShutdownTimeout  = 20 * time.Second
	defaultStoreBackend     = StoreFirestore
	defaultEventsBackend    = EventsNone
	defaultOrderEventsTopic = "order-events"
	defaultCurrency         = "USD"
	defaultTaxRate          = "0.10"
	defaultShippingFee      = "3.00"
	defaultGatewayTimeout   = 10 * time.Second
	defaultGatewayAttempts  = 3
	defaultReconcileAge     = 15 * time.Minute
	defaultReconcileBatch   = 50
	defaultVNPayPayURL      = "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"
	defaultVNPayExpiry      = 15 * time.Minute
	defaultOIDCJWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer       = "https://accounts.google.com"
	defaultIdempotencyKey   = "Idempotency-Key"
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultIdempotencyStore = "memory"
	defaultLogLevel         = "info"
)

// Store backends.
const (
	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
	StoreMemory    = "memory"
)

// Event publisher backends.
const (
	EventsNone   = "none"
	EventsPubSub = "pubsub"
	EventsKafka  = "kafka"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Store       StoreConfig
	Events      EventsConfig
	Pricing     PricingConfig
	Payments    PaymentsConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level       string
	Development bool
}

type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PostgresConfig is used when Store.Backend is postgres.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

// RedisConfig is used by the redis idempotency store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StoreConfig selects the order and catalog persistence backend.
type StoreConfig struct {
	Backend string
}

// EventsConfig selects where order events are published.
type EventsConfig struct {
	Backend      string
	Topic        string
	KafkaBrokers []string
}

// PricingConfig is frozen into every order at creation.
type PricingConfig struct {
	Currency              string
	TaxRate               decimal.Decimal
	ShippingFee           decimal.Decimal
	FreeShippingThreshold decimal.Decimal
}

type PaymentsConfig struct {
	DefaultProvider string
	CurrencyRoutes  map[string]string
	CallTimeout     time.Duration
	MaxAttempts     int
	ReconcileAge    time.Duration
	ReconcileBatch  int
	VNPay           VNPayConfig
	Stripe          StripeConfig
}

type VNPayConfig struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	ReturnURL  string
	Expiry     time.Duration
}

// Enabled reports whether enough settings are present to register the gateway.
func (c VNPayConfig) Enabled() bool {
	return c.TmnCode != "" && c.HashSecret != ""
}

type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

func (c StripeConfig) Enabled() bool {
	return c.APIKey != "" && c.WebhookSecret != ""
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification on /internal routes.
type OIDCConfig struct {
	JWKSURL       string
	Audience      string
	Issuers       []string
	AllowedEmails []string
}

type IdempotencyConfig struct {
	Header  string
	TTL     time.Duration
	Backend string
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	lookup := options.lookup(dotEnvValues)
	var invalid []string
	money := func(key, fallback string) decimal.Decimal {
		raw := stringWithDefault(lookup, key, fallback)
		value, err := decimal.NewFromString(raw)
		if err != nil {
			invalid = append(invalid, key)
			return decimal.Zero
		}
		return value
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Log: LogConfig{
			Level:       strings.ToLower(stringWithDefault(lookup, "API_LOG_LEVEL", defaultLogLevel)),
			Development: boolWithDefault(lookup, "API_LOG_DEVELOPMENT", false),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Postgres: PostgresConfig{
			DSN:      stringWithDefault(lookup, "API_POSTGRES_DSN", ""),
			MaxConns: int32(intWithDefault(lookup, "API_POSTGRES_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "API_REDIS_DB", 0),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(stringWithDefault(lookup, "API_STORE_BACKEND", defaultStoreBackend)),
		},
		Events: EventsConfig{
			Backend:      strings.ToLower(stringWithDefault(lookup, "API_EVENTS_BACKEND", defaultEventsBackend)),
			Topic:        stringWithDefault(lookup, "API_EVENTS_TOPIC", defaultOrderEventsTopic),
			KafkaBrokers: csvWithDefault(lookup, "API_EVENTS_KAFKA_BROKERS"),
		},
		Pricing: PricingConfig{
			Currency:              strings.ToUpper(stringWithDefault(lookup, "API_PRICING_CURRENCY", defaultCurrency)),
			TaxRate:               money("API_PRICING_TAX_RATE", defaultTaxRate),
			ShippingFee:           money("API_PRICING_SHIPPING_FEE", defaultShippingFee),
			FreeShippingThreshold: money("API_PRICING_FREE_SHIPPING_THRESHOLD", "0"),
		},
		Payments: PaymentsConfig{
			DefaultProvider: strings.ToLower(stringWithDefault(lookup, "API_PAYMENTS_DEFAULT_PROVIDER", "")),
			CurrencyRoutes:  mapWithDefault(lookup, "API_PAYMENTS_CURRENCY_ROUTES"),
			CallTimeout:     durationWithDefault(lookup, "API_PAYMENTS_CALL_TIMEOUT", defaultGatewayTimeout),
			MaxAttempts:     intWithDefault(lookup, "API_PAYMENTS_MAX_ATTEMPTS", defaultGatewayAttempts),
			ReconcileAge:    durationWithDefault(lookup, "API_PAYMENTS_RECONCILE_AGE", defaultReconcileAge),
			ReconcileBatch:  intWithDefault(lookup, "API_PAYMENTS_RECONCILE_BATCH", defaultReconcileBatch),
			VNPay: VNPayConfig{
				TmnCode:    stringWithDefault(lookup, "API_VNPAY_TMN_CODE", ""),
				HashSecret: stringWithDefault(lookup, "API_VNPAY_HASH_SECRET", ""),
				PayURL:     stringWithDefault(lookup, "API_VNPAY_PAY_URL", defaultVNPayPayURL),
				ReturnURL:  stringWithDefault(lookup, "API_VNPAY_RETURN_URL", ""),
				Expiry:     durationWithDefault(lookup, "API_VNPAY_EXPIRY", defaultVNPayExpiry),
			},
			Stripe: StripeConfig{
				APIKey:        stringWithDefault(lookup, "API_STRIPE_API_KEY", ""),
				WebhookSecret: stringWithDefault(lookup, "API_STRIPE_WEBHOOK_SECRET", ""),
				SuccessURL:    stringWithDefault(lookup, "API_STRIPE_SUCCESS_URL", ""),
				CancelURL:     stringWithDefault(lookup, "API_STRIPE_CANCEL_URL", ""),
			},
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", "local")),
			OIDC: OIDCConfig{
				JWKSURL:       stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:      stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:       csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
				AllowedEmails: csvWithDefault(lookup, "API_SECURITY_OIDC_ALLOWED_EMAILS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:  stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyKey),
			TTL:     durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			Backend: strings.ToLower(stringWithDefault(lookup, "API_IDEMPOTENCY_BACKEND", defaultIdempotencyStore)),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}
	for currency, provider := range cfg.Payments.CurrencyRoutes {
		cfg.Payments.CurrencyRoutes[currency] = strings.ToLower(provider)
	}

	resolvedSecrets := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Payments.VNPay.HashSecret", &cfg.Payments.VNPay.HashSecret},
		{"Payments.Stripe.APIKey", &cfg.Payments.Stripe.APIKey},
		{"Payments.Stripe.WebhookSecret", &cfg.Payments.Stripe.WebhookSecret},
		{"Postgres.DSN", &cfg.Postgres.DSN},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
		resolvedSecrets[target.name] = strings.TrimSpace(resolved)
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func validateConfig(cfg Config, invalid []string) error {
	fields := append([]string(nil), invalid...)
	require := func(ok bool, name string) {
		if !ok {
			fields = append(fields, name)
		}
	}

	require(cfg.Server.Port != "", "Server.Port")
	require(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	require(cfg.Pricing.Currency != "", "Pricing.Currency")
	require(!cfg.Pricing.TaxRate.IsNegative(), "Pricing.TaxRate")
	require(!cfg.Pricing.ShippingFee.IsNegative(), "Pricing.ShippingFee")
	require(cfg.Payments.CallTimeout > 0, "Payments.CallTimeout")
	require(cfg.Payments.MaxAttempts > 0, "Payments.MaxAttempts")
	require(cfg.Payments.ReconcileBatch > 0, "Payments.ReconcileBatch")
	require(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	require(cfg.Idempotency.TTL > 0, "Idempotency.TTL")

	switch cfg.Store.Backend {
	case StoreFirestore:
		require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case StorePostgres:
		require(cfg.Postgres.DSN != "", "Postgres.DSN")
		require(cfg.Postgres.MaxConns > 0, "Postgres.MaxConns")
	case StoreMemory:
	default:
		fields = append(fields, "Store.Backend")
	}

	switch cfg.Events.Backend {
	case EventsNone, EventsPubSub:
	case EventsKafka:
		require(len(cfg.Events.KafkaBrokers) > 0, "Events.KafkaBrokers")
	default:
		fields = append(fields, "Events.Backend")
	}
	if cfg.Events.Backend != EventsNone {
		require(cfg.Events.Topic != "", "Events.Topic")
	}

	switch cfg.Idempotency.Backend {
	case "memory", StoreFirestore:
	case "redis":
		require(cfg.Redis.Addr != "", "Redis.Addr")
	default:
		fields = append(fields, "Idempotency.Backend")
	}

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}
