package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "semscope"

// Metrics contains the metrics of the component model. All Record methods accept a nil
// receiver so that code paths built without a registry stay metric-free.
type Metrics struct {
	// Remote call metrics
	RemoteCalls  *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	// Primitive metrics
	AttributeNotifications *prometheus.CounterVec
	BlocksDelivered        *prometheus.CounterVec
	BlocksDropped          *prometheus.CounterVec
	EventsTriggered        *prometheus.CounterVec
	FuturesCompleted       *prometheus.CounterVec

	// Container metrics
	ComponentsHosted *prometheus.GaugeVec
	ContainerAlive   *prometheus.GaugeVec
	CallbackPanics   *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		RemoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "Total number of remote operations served",
			},
			[]string{"container", "op", "outcome"},
		),

		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "duration_seconds",
				Help:      "Remote operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"container", "op"},
		),

		AttributeNotifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "attribute",
				Name:      "notifications_total",
				Help:      "Total number of attribute change notifications published",
			},
			[]string{"container"},
		),

		BlocksDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dataflow",
				Name:      "blocks_delivered_total",
				Help:      "Total number of data blocks handed to subscribers",
			},
			[]string{"dataflow"},
		),

		BlocksDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dataflow",
				Name:      "blocks_dropped_total",
				Help:      "Total number of data blocks dropped by a subscriber overflow policy",
			},
			[]string{"dataflow"},
		),

		EventsTriggered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "event",
				Name:      "triggers_total",
				Help:      "Total number of event triggers",
			},
			[]string{"event"},
		),

		FuturesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "future",
				Name:      "completed_total",
				Help:      "Total number of futures reaching a terminal state",
			},
			[]string{"state"},
		),

		ComponentsHosted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "container",
				Name:      "components",
				Help:      "Number of components hosted by the container",
			},
			[]string{"container"},
		),

		ContainerAlive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "container",
				Name:      "alive",
				Help:      "Remote container liveness as seen by this process (0=unreachable, 1=alive)",
			},
			[]string{"container"},
		),

		CallbackPanics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "callback",
				Name:      "panics_total",
				Help:      "Total number of recovered panics in listeners and callbacks",
			},
			[]string{"kind"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.RemoteCalls,
		c.CallDuration,
		c.AttributeNotifications,
		c.BlocksDelivered,
		c.BlocksDropped,
		c.EventsTriggered,
		c.FuturesCompleted,
		c.ComponentsHosted,
		c.ContainerAlive,
		c.CallbackPanics,
		c.NATSConnected,
		c.NATSRTT,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	}
}

// RecordRemoteCall counts one served remote operation and its duration
func (c *Metrics) RecordRemoteCall(container, op string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.RemoteCalls.WithLabelValues(container, op, outcome).Inc()
	c.CallDuration.WithLabelValues(container, op).Observe(duration.Seconds())
}

// RecordAttributeNotification counts one published attribute change
func (c *Metrics) RecordAttributeNotification(container string) {
	if c == nil {
		return
	}
	c.AttributeNotifications.WithLabelValues(container).Inc()
}

// RecordBlockDelivered counts a block handed to one subscriber
func (c *Metrics) RecordBlockDelivered(dataflow string) {
	if c == nil {
		return
	}
	c.BlocksDelivered.WithLabelValues(dataflow).Inc()
}

// RecordBlockDropped counts a block dropped by an overflow policy
func (c *Metrics) RecordBlockDropped(dataflow string) {
	if c == nil {
		return
	}
	c.BlocksDropped.WithLabelValues(dataflow).Inc()
}

// RecordEventTriggered counts one event trigger
func (c *Metrics) RecordEventTriggered(event string) {
	if c == nil {
		return
	}
	c.EventsTriggered.WithLabelValues(event).Inc()
}

// RecordFutureCompleted counts a future reaching the given terminal state
func (c *Metrics) RecordFutureCompleted(state string) {
	if c == nil {
		return
	}
	c.FuturesCompleted.WithLabelValues(state).Inc()
}

// RecordComponentsHosted sets the number of components a container hosts
func (c *Metrics) RecordComponentsHosted(container string, n int) {
	if c == nil {
		return
	}
	c.ComponentsHosted.WithLabelValues(container).Set(float64(n))
}

// RecordContainerAlive updates the liveness gauge of a remote container
func (c *Metrics) RecordContainerAlive(container string, alive bool) {
	if c == nil {
		return
	}
	value := 0.0
	if alive {
		value = 1.0
	}
	c.ContainerAlive.WithLabelValues(container).Set(value)
}

// RecordCallbackPanic counts a recovered callback panic
func (c *Metrics) RecordCallbackPanic(kind string) {
	if c == nil {
		return
	}
	c.CallbackPanics.WithLabelValues(kind).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	if c == nil {
		return
	}
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	if c == nil {
		return
	}
	c.NATSCircuitBreaker.Set(float64(state))
}
