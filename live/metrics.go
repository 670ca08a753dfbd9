package live

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons reported by livedash_client_envelopes_dropped_total.
const (
	DropMalformed   = "malformed"
	DropUnknownType = "unknown_type"
)

// MetricsConfig configures the client's Prometheus collectors.
type MetricsConfig struct {
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

// MetricsOption configures NewMetrics.
type MetricsOption func(*MetricsConfig)

// WithMetricsNamespace sets the metrics namespace (default "livedash").
func WithMetricsNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithMetricsConstLabels sets constant labels for all collectors.
func WithMetricsConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// Metrics holds the client's collectors. A nil *Metrics records nothing.
type Metrics struct {
	connects          prometheus.Counter
	reconnectAttempts prometheus.Counter
	keepaliveTimeouts prometheus.Counter
	dispatched        *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	sinkErrors        *prometheus.CounterVec
	state             prometheus.Gauge
}

// NewMetrics registers the client collectors on registry.
func NewMetrics(registry prometheus.Registerer, opts ...MetricsOption) *Metrics {
	config := MetricsConfig{Namespace: "livedash", Subsystem: "client"}
	for _, opt := range opts {
		opt(&config)
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		connects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connects_total",
			Help:        "Connections that completed the handshake",
			ConstLabels: config.ConstLabels,
		}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnect_attempts_total",
			Help:        "Reconnect attempts scheduled after a failure",
			ConstLabels: config.ConstLabels,
		}),
		keepaliveTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "keepalive_timeouts_total",
			Help:        "Connections abandoned after sustained inbound silence",
			ConstLabels: config.ConstLabels,
		}),
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "envelopes_dispatched_total",
			Help:        "Envelopes delivered to a sink",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "envelopes_dropped_total",
			Help:        "Inbound envelopes discarded without delivery",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),
		sinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sink_errors_total",
			Help:        "Sink invocations that failed or panicked",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "state",
			Help:        "Current connection state (0 idle .. 5 closed)",
			ConstLabels: config.ConstLabels,
		}),
	}
}

func (metrics *Metrics) recordConnect() {
	if metrics == nil {
		return
	}
	metrics.connects.Inc()
}

func (metrics *Metrics) recordReconnectAttempt() {
	if metrics == nil {
		return
	}
	metrics.reconnectAttempts.Inc()
}

func (metrics *Metrics) recordKeepaliveTimeout() {
	if metrics == nil {
		return
	}
	metrics.keepaliveTimeouts.Inc()
}

func (metrics *Metrics) recordDispatched(messageType string) {
	if metrics == nil {
		return
	}
	metrics.dispatched.WithLabelValues(messageType).Inc()
}

func (metrics *Metrics) recordDropped(reason string) {
	if metrics == nil {
		return
	}
	metrics.dropped.WithLabelValues(reason).Inc()
}

func (metrics *Metrics) recordSinkError(messageType string) {
	if metrics == nil {
		return
	}
	metrics.sinkErrors.WithLabelValues(messageType).Inc()
}

func (metrics *Metrics) recordState(state ConnectionState) {
	if metrics == nil {
		return
	}
	metrics.state.Set(float64(state))
}
