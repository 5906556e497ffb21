// Package metrics defines the Prometheus collectors exported by qrseald.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Steganography operation metrics (embed, extract, analyze, ...)
	StegoOperationTotal    *prometheus.CounterVec
	StegoOperationDuration *prometheus.HistogramVec

	// Binding metrics
	BindingsIssuedTotal       prometheus.Counter
	BindingVerificationsTotal *prometheus.CounterVec
	RecordsSweptTotal         prometheus.Counter
	StorageOperationTotal     *prometheus.CounterVec
	StorageOperationDuration  *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, creating and registering it
// on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: registerOrGet(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"})).(*prometheus.CounterVec),

		HTTPRequestDuration: registerOrGet(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})).(*prometheus.HistogramVec),

		StegoOperationTotal: registerOrGet(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stego_operations_total",
			Help: "Total number of steganography operations",
		}, []string{"operation", "status"})).(*prometheus.CounterVec),

		StegoOperationDuration: registerOrGet(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stego_operation_duration_seconds",
			Help:    "Steganography operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"})).(*prometheus.HistogramVec),

		BindingsIssuedTotal: registerOrGet(prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bindings_issued_total",
			Help: "Total number of binding tokens issued",
		})).(prometheus.Counter),

		BindingVerificationsTotal: registerOrGet(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binding_verifications_total",
			Help: "Total number of binding verifications by result",
		}, []string{"result"})).(*prometheus.CounterVec),

		RecordsSweptTotal: registerOrGet(prometheus.NewCounter(prometheus.CounterOpts{
			Name: "records_swept_total",
			Help: "Total number of expired binding records removed",
		})).(prometheus.Counter),

		StorageOperationTotal: registerOrGet(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "status"})).(*prometheus.CounterVec),

		StorageOperationDuration: registerOrGet(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"})).(*prometheus.HistogramVec),

		EventPublishTotal: registerOrGet(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"})).(*prometheus.CounterVec),
	}

	globalMetrics = m
	return m
}

// ObserveStego records one steganography operation.
func (m *Metrics) ObserveStego(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.StegoOperationTotal.WithLabelValues(operation, status(err)).Inc()
	m.StegoOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveStorage records one storage operation.
func (m *Metrics) ObserveStorage(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.WithLabelValues(operation, status(err)).Inc()
	m.StorageOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveEvent counts one publish attempt.
func (m *Metrics) ObserveEvent(eventType string, err error) {
	if m == nil {
		return
	}
	m.EventPublishTotal.WithLabelValues(eventType, status(err)).Inc()
}

// ObserveVerification counts a verification by result ("valid" or the
// failure reason).
func (m *Metrics) ObserveVerification(result string) {
	if m == nil {
		return
	}
	m.BindingVerificationsTotal.WithLabelValues(result).Inc()
}

// ObserveIssued counts an issued binding.
func (m *Metrics) ObserveIssued() {
	if m == nil {
		return
	}
	m.BindingsIssuedTotal.Inc()
}

// ObserveSwept counts records removed by the expiry sweep.
func (m *Metrics) ObserveSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsSweptTotal.Add(float64(n))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
