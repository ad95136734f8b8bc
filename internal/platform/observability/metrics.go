package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pvhao2002/Pharmacy/internal/domain"
)

const metricsNamespace = "pharmacy"

// Metrics holds the Prometheus collectors for HTTP traffic and order activity.
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	latencyMS *prometheus.HistogramVec

	ordersCreated    *prometheus.CounterVec
	orderTransitions *prometheus.CounterVec
	paymentResults   *prometheus.CounterVec
}

// NewMetrics registers collectors on a private registry so tests can build several instances.
func NewMetrics(service string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "method", "status"}),
		latencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route", "method"}),
		ordersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: service,
			Name:      "orders_created_total",
			Help:      "Orders created by payment method.",
		}, []string{"method"}),
		orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: service,
			Name:      "order_transitions_total",
			Help:      "Order status transitions.",
		}, []string{"from", "to"}),
		paymentResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: service,
			Name:      "payment_results_total",
			Help:      "Payment results by source, result, and outcome.",
		}, []string{"source", "result", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.latencyMS,
		m.ordersCreated,
		m.orderTransitions,
		m.paymentResults,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveRequest(route, method string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latencyMS.WithLabelValues(route, method).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) OrderCreated(method domain.PaymentMethod) {
	m.ordersCreated.WithLabelValues(string(method)).Inc()
}

func (m *Metrics) OrderTransitioned(from, to domain.OrderStatus) {
	m.orderTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) PaymentResultApplied(source string, result domain.PaymentStatus, outcome string) {
	m.paymentResults.WithLabelValues(source, string(result), outcome).Inc()
}
