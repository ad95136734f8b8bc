package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/handlers"
	"github.com/pvhao2002/Pharmacy/internal/payments"
	"github.com/pvhao2002/Pharmacy/internal/platform/auth"
	"github.com/pvhao2002/Pharmacy/internal/platform/config"
	"github.com/pvhao2002/Pharmacy/internal/platform/events"
	pfirestore "github.com/pvhao2002/Pharmacy/internal/platform/firestore"
	"github.com/pvhao2002/Pharmacy/internal/platform/idempotency"
	"github.com/pvhao2002/Pharmacy/internal/platform/observability"
	ppostgres "github.com/pvhao2002/Pharmacy/internal/platform/postgres"
	"github.com/pvhao2002/Pharmacy/internal/platform/textutil"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
	firestorerepo "github.com/pvhao2002/Pharmacy/internal/repositories/firestore"
	memoryrepo "github.com/pvhao2002/Pharmacy/internal/repositories/memory"
	postgresrepo "github.com/pvhao2002/Pharmacy/internal/repositories/postgres"
	"github.com/pvhao2002/Pharmacy/internal/services"
)

const instrumentationName = "github.com/pvhao2002/Pharmacy"

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders   services.OrderService
	Payments services.PaymentService
	System   services.SystemService
}

// Container wires repositories, services, and the HTTP router for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Metrics      *observability.Metrics
	Router       http.Handler

	closers []func(context.Context) error
}

type containerOptions struct {
	logger    *zap.Logger
	build     services.BuildInfo
	verifier  auth.TokenVerifier
	registry  repositories.Registry
	gateways  map[string]payments.Gateway
	checks    []repositories.DependencyCheck
	products  []domain.Product
	publisher closablePublisher
}

// Option customises container construction, mostly for tests and local runs.
type Option func(*containerOptions)

func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) { o.logger = logger }
}

func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) { o.build = build }
}

// WithTokenVerifier replaces the Firebase ID token verifier.
func WithTokenVerifier(verifier auth.TokenVerifier) Option {
	return func(o *containerOptions) { o.verifier = verifier }
}

// WithRegistry bypasses the configured store backend.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *containerOptions) { o.registry = reg }
}

// WithGateways replaces the gateways built from configuration.
func WithGateways(gateways map[string]payments.Gateway) Option {
	return func(o *containerOptions) { o.gateways = gateways }
}

// WithDependencyChecks adds readiness probes, e.g. Secret Manager.
func WithDependencyChecks(checks ...repositories.DependencyCheck) Option {
	return func(o *containerOptions) { o.checks = append(o.checks, checks...) }
}

// WithSeedProducts seeds the in-memory catalogue.
func WithSeedProducts(products ...domain.Product) Option {
	return func(o *containerOptions) { o.products = append(o.products, products...) }
}

// WithEventPublisher replaces the configured event backend.
func WithEventPublisher(publisher services.OrderEventPublisher) Option {
	return func(o *containerOptions) {
		if publisher != nil {
			o.publisher = nopClosePublisher{publisher}
		}
	}
}

type nopClosePublisher struct {
	services.OrderEventPublisher
}

func (nopClosePublisher) Close(context.Context) error { return nil }

type closablePublisher interface {
	services.OrderEventPublisher
	Close(ctx context.Context) error
}

// NewContainer builds every runtime dependency from cfg. On error, anything already opened is
// closed before returning.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (_ *Container, err error) {
	options := containerOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	logger := options.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Container{Config: cfg}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	var firestoreProvider *pfirestore.Provider
	firestoreSource := func() *pfirestore.Provider {
		if firestoreProvider == nil {
			firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
			c.closers = append(c.closers, firestoreProvider.Close)
		}
		return firestoreProvider
	}

	publisher, checks, err := c.buildPublisher(ctx, cfg, options.publisher)
	if err != nil {
		return nil, err
	}
	checks = append(checks, options.checks...)

	store, storeChecks, err := c.buildIdempotencyStore(cfg, firestoreSource)
	if err != nil {
		return nil, err
	}
	checks = append(checks, storeChecks...)

	reg := options.registry
	if reg == nil {
		if reg, err = buildRegistry(ctx, cfg, firestoreSource, options.products, checks); err != nil {
			return nil, err
		}
		c.closers = append(c.closers, reg.Close)
	}
	c.Repositories = reg

	gateways := options.gateways
	if gateways == nil {
		if gateways, err = buildGateways(cfg, logger); err != nil {
			return nil, err
		}
	}
	manager, err := payments.NewManager(gateways,
		payments.WithDefaultProvider(cfg.Payments.DefaultProvider),
		payments.WithCurrencyRoutes(cfg.Payments.CurrencyRoutes),
		payments.WithCallTimeout(cfg.Payments.CallTimeout),
		payments.WithMaxAttempts(cfg.Payments.MaxAttempts),
		payments.WithManagerLogger(payments.Logger(observability.EventLogger(logger, "payments"))),
		payments.WithMeter(otel.Meter(instrumentationName+"/payments")),
	)
	if err != nil {
		return nil, fmt.Errorf("build payment manager: %w", err)
	}

	pricing, err := services.NewPricingEngine(services.PricingPolicy{
		Currency:              cfg.Pricing.Currency,
		TaxRate:               cfg.Pricing.TaxRate,
		ShippingFee:           cfg.Pricing.ShippingFee,
		FreeShippingThreshold: cfg.Pricing.FreeShippingThreshold,
	})
	if err != nil {
		return nil, err
	}

	c.Metrics = observability.NewMetrics("orders")
	var eventSink services.OrderEventPublisher
	if publisher != nil {
		eventSink = publisher
	}

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:     reg.Orders(),
		Gateway:    manager,
		UnitOfWork: reg,
		Events:     eventSink,
		Metrics:    c.Metrics,
		Logger:     observability.EventLogger(logger, "payment_service"),
	})
	if err != nil {
		return nil, fmt.Errorf("build payment service: %w", err)
	}
	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Products:   reg.Products(),
		Pricing:    pricing,
		Payments:   paymentSvc,
		UnitOfWork: reg,
		Events:     eventSink,
		Sanitizer:  textutil.NewSanitizer(),
		Metrics:    c.Metrics,
		Logger:     observability.EventLogger(logger, "order_service"),
	})
	if err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}
	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Build:            options.build,
	})
	if err != nil {
		return nil, fmt.Errorf("build system service: %w", err)
	}
	c.Services = Services{Orders: orderSvc, Payments: paymentSvc, System: systemSvc}

	verifier := options.verifier
	if verifier == nil {
		firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, auth.FirebaseConfig{
			ProjectID:       cfg.Firebase.ProjectID,
			CredentialsFile: cfg.Firebase.CredentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("build firebase verifier: %w", err)
		}
		verifier = firebaseVerifier
	}
	authn := auth.NewAuthenticator(verifier, auth.WithFallbackRole(auth.RoleUser))

	idem := idempotency.New(store,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)
	c.Router = c.buildRouter(cfg, logger, authn, idem, options.build)
	return c, nil
}

// Close releases clients in reverse order of creation.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) buildRouter(cfg config.Config, logger *zap.Logger, authn *auth.Authenticator, idem *idempotency.Middleware, build services.BuildInfo) http.Handler {
	projectID := strings.TrimSpace(cfg.Firebase.ProjectID)
	orderHandlers := handlers.NewOrderHandlers(authn, c.Services.Orders, c.Services.Payments, idem)
	adminHandlers := handlers.NewAdminHandlers(authn, c.Services.Orders, c.Services.Payments)
	webhookHandlers := handlers.NewWebhookHandlers(c.Services.Payments)
	internalHandlers := handlers.NewInternalHandlers(c.Services.Payments, cfg.Payments.ReconcileAge, cfg.Payments.ReconcileBatch)

	oidc := auth.NewOIDCValidator(auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL), logger.Named("auth"))
	if strings.TrimSpace(cfg.Security.OIDC.Audience) == "" {
		logger.Warn("oidc audience not configured; internal routes will reject requests")
	}

	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(c.Metrics),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(build),
			handlers.WithHealthSystemService(c.Services.System),
		)),
		handlers.WithMetricsHandler(c.Metrics.Handler()),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithInternalMiddlewares(oidc.RequireOIDC(auth.OIDCConfig{
			Audience:      cfg.Security.OIDC.Audience,
			Issuers:       cfg.Security.OIDC.Issuers,
			AllowedEmails: cfg.Security.OIDC.AllowedEmails,
		})),
	)
}

func (c *Container) buildPublisher(ctx context.Context, cfg config.Config, override closablePublisher) (closablePublisher, []repositories.DependencyCheck, error) {
	if override != nil {
		return override, nil, nil
	}
	switch cfg.Events.Backend {
	case config.EventsPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("build pubsub client: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return client.Close() })
		topic := client.Topic(cfg.Events.Topic)
		publisher, err := events.NewPubSubPublisher(topic)
		if err != nil {
			return nil, nil, err
		}
		c.closers = append(c.closers, publisher.Close)
		return publisher, []repositories.DependencyCheck{events.PubSubHealthCheck(topic)}, nil
	case config.EventsKafka:
		publisher, err := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Events.KafkaBrokers), cfg.Events.Topic)
		if err != nil {
			return nil, nil, err
		}
		c.closers = append(c.closers, publisher.Close)
		return publisher, []repositories.DependencyCheck{events.KafkaHealthCheck(cfg.Events.KafkaBrokers)}, nil
	default:
		return nil, nil, nil
	}
}

func (c *Container) buildIdempotencyStore(cfg config.Config, firestoreSource func() *pfirestore.Provider) (idempotency.Store, []repositories.DependencyCheck, error) {
	switch cfg.Idempotency.Backend {
	case config.StoreFirestore:
		store, err := idempotency.NewFirestoreStore(firestoreSource(), "")
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.closers = append(c.closers, func(context.Context) error { return client.Close() })
		store, err := idempotency.NewRedisStore(client, "")
		if err != nil {
			return nil, nil, err
		}
		return store, []repositories.DependencyCheck{{
			Name:    "redis",
			Timeout: time.Second,
			Check:   func(ctx context.Context) error { return client.Ping(ctx).Err() },
		}}, nil
	default:
		return idempotency.NewMemoryStore(), nil, nil
	}
}

func buildRegistry(ctx context.Context, cfg config.Config, firestoreSource func() *pfirestore.Provider, products []domain.Product, checks []repositories.DependencyCheck) (repositories.Registry, error) {
	switch cfg.Store.Backend {
	case config.StorePostgres:
		pool, err := ppostgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		reg, err := postgresrepo.NewRegistry(ctx, pool, checks...)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("build postgres registry: %w", err)
		}
		return reg, nil
	case config.StoreMemory:
		return memoryRegistry{Registry: memoryrepo.NewRegistry(products...), checks: checks}, nil
	default:
		reg, err := firestorerepo.NewRegistry(firestoreSource(), checks...)
		if err != nil {
			return nil, fmt.Errorf("build firestore registry: %w", err)
		}
		return reg, nil
	}
}

// memoryRegistry adds the broker and cache probes to the in-memory store's readiness report.
type memoryRegistry struct {
	*memoryrepo.Registry
	checks []repositories.DependencyCheck
}

func (r memoryRegistry) Health() repositories.HealthRepository {
	if len(r.checks) == 0 {
		return r.Registry.Health()
	}
	checks := append([]repositories.DependencyCheck{{
		Name:  "memory",
		Check: func(context.Context) error { return nil },
	}}, r.checks...)
	repo, err := repositories.NewProbeHealthRepository(checks)
	if err != nil {
		return r.Registry.Health()
	}
	return repo
}

func buildGateways(cfg config.Config, logger *zap.Logger) (map[string]payments.Gateway, error) {
	gateways := make(map[string]payments.Gateway, 2)
	if vnp := cfg.Payments.VNPay; vnp.Enabled() {
		gw, err := payments.NewVNPayGateway(payments.VNPayConfig{
			TmnCode:    vnp.TmnCode,
			HashSecret: vnp.HashSecret,
			PayURL:     vnp.PayURL,
			ReturnURL:  vnp.ReturnURL,
			Expiry:     vnp.Expiry,
			Logger:     payments.Logger(observability.EventLogger(logger, "vnpay")),
		})
		if err != nil {
			return nil, fmt.Errorf("build vnpay gateway: %w", err)
		}
		gateways[payments.ProviderVNPay] = gw
	}
	if st := cfg.Payments.Stripe; st.Enabled() {
		gw, err := payments.NewStripeGateway(payments.StripeConfig{
			APIKey:        st.APIKey,
			WebhookSecret: st.WebhookSecret,
			SuccessURL:    st.SuccessURL,
			CancelURL:     st.CancelURL,
			Logger:        payments.Logger(observability.EventLogger(logger, "stripe")),
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe gateway: %w", err)
		}
		gateways[payments.ProviderStripe] = gw
	}
	if len(gateways) == 0 {
		return nil, errors.New("no payment gateway configured: set VNPay or Stripe credentials")
	}
	return gateways, nil
}
