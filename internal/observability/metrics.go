package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Packet directions.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Metrics holds all Prometheus metrics for the gateway and REST clients.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	shardStatus      *prometheus.GaugeVec
	heartbeatLatency *prometheus.GaugeVec
	reconnectsTotal  *prometheus.CounterVec
	packetsTotal     *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	identifyWait     prometheus.Histogram
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rateLimitHits    *prometheus.CounterVec
	bucketQueueDepth *prometheus.GaugeVec
	restLatency      prometheus.Gauge
	circuitBreaker   *prometheus.GaugeVec
	buildInfo        *prometheus.GaugeVec
	startTime        prometheus.Gauge
	registry         *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "avacord"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.shardStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "status",
			Help: "Shard connection status " +
				"(0=disconnected, 1=connecting, 2=handshaking, 3=ready, 4=resuming)",
		},
		[]string{"shard"},
	)

	m.heartbeatLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "heartbeat_latency_seconds",
			Help:      "Time between the last heartbeat and its acknowledgement",
		},
		[]string{"shard"},
	)

	m.reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "reconnects_total",
			Help:      "Total number of shard reconnects by reason",
		},
		[]string{"shard", "reason"},
	)

	m.packetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "packets_total",
			Help:      "Total number of gateway packets by direction and opcode",
		},
		[]string{"direction", "op"},
	)

	m.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "dispatch_total",
			Help:      "Total number of dispatch events by name",
		},
		[]string{"event"},
	)

	m.identifyWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "identify_wait_seconds",
			Help:      "Time shards spend in the connect queue before connecting",
			Buckets:   []float64{.01, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "requests_total",
			Help:      "Total number of REST requests",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "request_duration_seconds",
			Help:      "REST request round trip in seconds",
			Buckets: []float64{
				.01, .025, .05, .1, .25,
				.5, 1, 2.5, 5, 10, 15,
			},
		},
		[]string{"method", "route"},
	)

	m.rateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "rate_limit_hits_total",
			Help:      "Total number of 429 responses",
		},
		[]string{"route", "global"},
	)

	m.bucketQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bucket_queue_depth",
			Help:      "Number of calls waiting in a rate limit bucket",
		},
		[]string{"bucket"},
	)

	m.restLatency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "latency_seconds",
			Help:      "Moving average of REST round trips used for bucket compensation",
		},
	)

	m.circuitBreaker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help: "Circuit breaker state " +
				"(0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the process in unix seconds",
		},
	)

	m.registerCollectors()

	m.startTime.SetToCurrentTime()

	return m
}

// registerCollectors registers all metric collectors with the
// Prometheus registry.
func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.shardStatus,
		m.heartbeatLatency,
		m.reconnectsTotal,
		m.packetsTotal,
		m.dispatchTotal,
		m.identifyWait,
		m.requestsTotal,
		m.requestDuration,
		m.rateLimitHits,
		m.bucketQueueDepth,
		m.restLatency,
		m.circuitBreaker,
		m.buildInfo,
		m.startTime,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
}

// SetShardStatus records the numeric status of a shard.
func (m *Metrics) SetShardStatus(shard, status int) {
	if m == nil {
		return
	}
	m.shardStatus.WithLabelValues(strconv.Itoa(shard)).Set(float64(status))
}

// SetHeartbeatLatency records the last heartbeat round trip of a shard.
func (m *Metrics) SetHeartbeatLatency(shard int, latency time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatLatency.WithLabelValues(strconv.Itoa(shard)).Set(latency.Seconds())
}

// RecordReconnect counts a reconnect of a shard.
func (m *Metrics) RecordReconnect(shard int, reason string) {
	if m == nil {
		return
	}
	m.reconnectsTotal.WithLabelValues(strconv.Itoa(shard), reason).Inc()
}

// RecordPacket counts a gateway packet.
func (m *Metrics) RecordPacket(direction string, op int) {
	if m == nil {
		return
	}
	m.packetsTotal.WithLabelValues(direction, strconv.Itoa(op)).Inc()
}

// RecordDispatch counts a dispatch event by name.
func (m *Metrics) RecordDispatch(event string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(event).Inc()
}

// ObserveIdentifyWait records how long a shard waited for its connect slot.
func (m *Metrics) ObserveIdentifyWait(d time.Duration) {
	if m == nil {
		return
	}
	m.identifyWait.Observe(d.Seconds())
}

// RecordRequest records a completed REST request.
// The route parameter must be the bucket route key, not the raw path.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRateLimitHit records a 429 response.
func (m *Metrics) RecordRateLimitHit(route string, global bool) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(route, strconv.FormatBool(global)).Inc()
}

// SetBucketQueueDepth records the number of calls waiting in a bucket.
func (m *Metrics) SetBucketQueueDepth(bucket string, depth int) {
	if m == nil {
		return
	}
	m.bucketQueueDepth.WithLabelValues(bucket).Set(float64(depth))
}

// SetRESTLatency records the current latency estimate.
func (m *Metrics) SetRESTLatency(latency time.Duration) {
	if m == nil {
		return
	}
	m.restLatency.Set(latency.Seconds())
}

// SetCircuitBreakerState sets the circuit breaker state.
func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.circuitBreaker.WithLabelValues(name).Set(float64(state))
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterCollector registers an additional collector with the custom
// registry so it is served from the same /metrics endpoint.
func (m *Metrics) RegisterCollector(c prometheus.Collector) error {
	return m.registry.Register(c)
}
