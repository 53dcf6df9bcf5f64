package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawler.
type Metrics struct {
	Registry            *prometheus.Registry
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	ProductsTotal       prometheus.Counter
	PagesTotal          prometheus.Counter
	RetriesTotal        prometheus.Counter
	DroppedTotal        prometheus.Counter
	ErrorsTotal         *prometheus.CounterVec
	InvalidRecordsTotal prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_requests_total",
			Help: "Total HTTP requests issued by the crawler.",
		},
		[]string{"kind"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_request_duration_seconds",
			Help:    "HTTP request latency for crawler requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	products := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_products_scraped_total",
			Help: "Total number of product records sent to the pipeline.",
		},
	)
	pages := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_listing_pages_total",
			Help: "Total number of listing pages processed.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	dropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_requests_dropped_total",
			Help: "Total number of requests dropped after exhausting retries.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_errors_total",
			Help: "Total number of crawler errors by type.",
		},
		[]string{"error_type"},
	)
	invalid := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_invalid_records_total",
			Help: "Total number of records dropped for missing ASIN.",
		},
	)

	registry.MustRegister(requests, requestDuration, products, pages, retries, dropped, errorsTotal, invalid)

	return &Metrics{
		Registry:            registry,
		RequestsTotal:       requests,
		RequestDuration:     requestDuration,
		ProductsTotal:       products,
		PagesTotal:          pages,
		RetriesTotal:        retries,
		DroppedTotal:        dropped,
		ErrorsTotal:         errorsTotal,
		InvalidRecordsTotal: invalid,
	}
}

// IncRequest increments the requests total counter for a page kind.
func (m *Metrics) IncRequest(kind string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncProducts increments the emitted products counter.
func (m *Metrics) IncProducts() {
	if m == nil {
		return
	}
	m.ProductsTotal.Inc()
}

// IncPages increments the processed listing pages counter.
func (m *Metrics) IncPages() {
	if m == nil {
		return
	}
	m.PagesTotal.Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncDropped increments the dropped requests counter.
func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.DroppedTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncInvalidRecords increments the invalid record counter.
func (m *Metrics) IncInvalidRecords() {
	if m == nil {
		return
	}
	m.InvalidRecordsTotal.Inc()
}
