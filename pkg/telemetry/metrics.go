package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the orchestrator.
// A Metrics built from a disabled config, or a nil *Metrics, records nothing.
type Metrics struct {
	config MetricsConfig

	// Event metrics
	eventsReceived   *prometheus.CounterVec
	eventsUnroutable *prometheus.CounterVec

	// Dispatch metrics
	actionsDispatched *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec

	// Task metrics
	tasksRouted *prometheus.CounterVec
	tasksClosed *prometheus.CounterVec

	// Storage metrics
	persistFailures prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Bus metrics
	busQueued prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		eventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_received_total",
				Help:      "Total number of orchestration events received",
			},
			[]string{"event_type"},
		),
		eventsUnroutable: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_unroutable_total",
				Help:      "Total number of events forwarded to the unroutable sink",
			},
			[]string{"reason"},
		),

		actionsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_dispatched_total",
				Help:      "Total number of task actions applied by the dispatcher",
			},
			[]string{"kind"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of handling one event or close request in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		tasksRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_routed_total",
				Help:      "Total number of tasks sent to a worker route",
			},
			[]string{"route"},
		),
		tasksClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_closed_total",
				Help:      "Total number of tasks closed by workers",
			},
			[]string{"status"},
		),

		persistFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_failures_total",
				Help:      "Total number of instance saves that failed after retries",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		busQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bus_queued_messages",
				Help:      "Current number of messages waiting for a bus worker",
			},
		),
	}

	registry.MustRegister(
		m.eventsReceived,
		m.eventsUnroutable,
		m.actionsDispatched,
		m.dispatchDuration,
		m.tasksRouted,
		m.tasksClosed,
		m.persistFailures,
		m.errorsByClass,
		m.errorsByCode,
		m.busQueued,
	)

	return m, nil
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordEventReceived counts an incoming event.
func (m *Metrics) RecordEventReceived(eventType string) {
	if m == nil || m.eventsReceived == nil {
		return
	}
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

// RecordUnroutable counts an event sent to the unroutable sink.
func (m *Metrics) RecordUnroutable(reason string) {
	if m == nil || m.eventsUnroutable == nil {
		return
	}
	m.eventsUnroutable.WithLabelValues(reason).Inc()
}

// RecordAction counts an applied task action.
func (m *Metrics) RecordAction(kind string) {
	if m == nil || m.actionsDispatched == nil {
		return
	}
	m.actionsDispatched.WithLabelValues(kind).Inc()
}

// RecordDispatch observes the duration of one unit of work.
func (m *Metrics) RecordDispatch(operation string, duration time.Duration) {
	if m == nil || m.dispatchDuration == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRouted counts a task sent to a worker route.
func (m *Metrics) RecordRouted(route string) {
	if m == nil || m.tasksRouted == nil {
		return
	}
	m.tasksRouted.WithLabelValues(route).Inc()
}

// RecordClosed counts a task closed by a worker.
func (m *Metrics) RecordClosed(status string) {
	if m == nil || m.tasksClosed == nil {
		return
	}
	m.tasksClosed.WithLabelValues(status).Inc()
}

// RecordPersistFailure counts a save abandoned after retries.
func (m *Metrics) RecordPersistFailure() {
	if m == nil || m.persistFailures == nil {
		return
	}
	m.persistFailures.Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// SetBusQueued sets the number of queued bus messages.
func (m *Metrics) SetBusQueued(count float64) {
	if m == nil || m.busQueued == nil {
		return
	}
	m.busQueued.Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint on its own listener until
// ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server error")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
