package metrics

import (
	"errors"
	"time"

	"github.com/glimte/mmate-esb/interceptors"
	"github.com/glimte/mmate-esb/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name unless overridden
const DefaultNamespace = "esb"

// Collector exports exchange and handler measurements to prometheus.
// It observes exchanges started and completed on a domain and receives
// request counts and handling times from the metrics interceptor.
type Collector struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	inFlight  *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
	requests  *prometheus.CounterVec
	handling  *prometheus.HistogramVec
}

var (
	_ messaging.ExchangeObserver    = (*Collector)(nil)
	_ interceptors.MetricsCollector = (*Collector)(nil)
)

type collectorConfig struct {
	namespace string
	buckets   []float64
}

// Option configures a Collector
type Option func(*collectorConfig)

// WithNamespace sets the metric namespace
func WithNamespace(namespace string) Option {
	return func(c *collectorConfig) {
		c.namespace = namespace
	}
}

// WithBuckets sets the histogram buckets in seconds
func WithBuckets(buckets []float64) Option {
	return func(c *collectorConfig) {
		if len(buckets) > 0 {
			c.buckets = buckets
		}
	}
}

// NewCollector creates the metric vectors without registering them
func NewCollector(opts ...Option) *Collector {
	cfg := &collectorConfig{
		namespace: DefaultNamespace,
		buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	exLabels := []string{"service", "pattern"}
	operationLabels := []string{"service", "operation"}

	return &Collector{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "exchange",
			Name:      "started_total",
			Help:      "Exchanges created and dispatched",
		}, exLabels),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "exchange",
			Name:      "completed_total",
			Help:      "Exchanges that reached the done state, by terminal outcome",
		}, append(exLabels, "outcome")),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Subsystem: "exchange",
			Name:      "in_flight",
			Help:      "Exchanges started but not yet completed",
		}, exLabels),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Subsystem: "exchange",
			Name:      "duration_seconds",
			Help:      "Time from exchange creation to completion",
			Buckets:   cfg.buckets,
		}, exLabels),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "handler",
			Name:      "requests_total",
			Help:      "Requests seen by the metrics interceptor",
		}, operationLabels),
		handling: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Subsystem: "handler",
			Name:      "handling_seconds",
			Help:      "Time from request to reply inside the handler chain",
			Buckets:   cfg.buckets,
		}, operationLabels),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{c.started, c.completed, c.inFlight, c.duration, c.requests, c.handling}
}

// Register adds every metric to the registerer. Metrics already registered
// with identical descriptors are tolerated so a collector can be shared.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, col := range c.collectors() {
		if err := reg.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Unregister removes every metric from the registerer
func (c *Collector) Unregister(reg prometheus.Registerer) {
	for _, col := range c.collectors() {
		reg.Unregister(col)
	}
}

// ExchangeStarted implements messaging.ExchangeObserver
func (c *Collector) ExchangeStarted(ex *messaging.Exchange) {
	service, pattern := exchangeLabels(ex)
	c.started.WithLabelValues(service, pattern).Inc()
	c.inFlight.WithLabelValues(service, pattern).Inc()
}

// ExchangeCompleted implements messaging.ExchangeObserver
func (c *Collector) ExchangeCompleted(ex *messaging.Exchange) {
	service, pattern := exchangeLabels(ex)
	c.completed.WithLabelValues(service, pattern, outcome(ex.Phase())).Inc()
	c.inFlight.WithLabelValues(service, pattern).Dec()
	c.duration.WithLabelValues(service, pattern).Observe(ex.Duration().Seconds())
}

// IncrementRequestCount implements interceptors.MetricsCollector
func (c *Collector) IncrementRequestCount(service, operation string) {
	c.requests.WithLabelValues(service, operation).Inc()
}

// RecordHandlingTime implements interceptors.MetricsCollector
func (c *Collector) RecordHandlingTime(service, operation string, duration time.Duration) {
	c.handling.WithLabelValues(service, operation).Observe(duration.Seconds())
}

func exchangeLabels(ex *messaging.Exchange) (string, string) {
	service := "unknown"
	if svc := ex.Service(); svc != nil {
		service = svc.Name
	}
	return service, ex.Pattern().String()
}

func outcome(phase messaging.Phase) string {
	switch phase {
	case messaging.PhaseIn:
		return "accepted"
	case messaging.PhaseOut:
		return "replied"
	default:
		return "faulted"
	}
}
