package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/slotd/internal/events"
	"github.com/mattjoyce/slotd/internal/supervisor"
)

// Metrics holds the Prometheus collectors for slotd. Each instance owns its
// registry so tests and multiple servers do not collide.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsStarted  *prometheus.CounterVec
	SessionsFinished *prometheus.CounterVec
	SessionsActive   *prometheus.GaugeVec
	MalformedLines   *prometheus.CounterVec

	// Queue metrics
	JobsSubmitted       *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
	AdvanceSpawnFailure *prometheus.CounterVec

	// Event metrics
	EventsPublished   *prometheus.CounterVec
	EventSubscribers  prometheus.Gauge
	SubscribersLagged prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	_ events.Observer     = (*Metrics)(nil)
	_ supervisor.Observer = (*Metrics)(nil)
)

// New creates and registers all collectors on a fresh registry, including
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotd_sessions_started_total",
				Help: "Total number of agent sessions started",
			},
			[]string{"agent_key"},
		),
		SessionsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotd_sessions_finished_total",
				Help: "Total number of agent sessions that reached a terminal state",
			},
			[]string{"agent_key", "state", "reason"},
		),
		SessionsActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "slotd_sessions_active",
				Help: "Live sessions per agent (0 or 1)",
			},
			[]string{"agent_key"},
		),
		MalformedLines: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotd_malformed_output_lines_total",
				Help: "Agent stdout lines that could not be parsed",
			},
			[]string{"agent_key"},
		),

		JobsSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotd_jobs_submitted_total",
				Help: "Jobs submitted, by whether they started immediately or were queued",
			},
			[]string{"agent_key", "decision"},
		),
		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "slotd_queue_depth",
				Help: "Queued jobs per agent",
			},
			[]string{"agent_key"},
		),
		AdvanceSpawnFailure: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotd_advance_spawn_failures_total",
				Help: "Queued jobs marked failed because their session could not start",
			},
			[]string{"agent_key"},
		),

		EventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotd_events_published_total",
				Help: "Run events published, by type",
			},
			[]string{"type"},
		),
		EventSubscribers: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "slotd_event_subscribers",
				Help: "Open event subscriptions",
			},
		),
		SubscribersLagged: f.NewCounter(
			prometheus.CounterOpts{
				Name: "slotd_event_subscribers_lagged_total",
				Help: "Subscriptions cut off because the reader fell behind",
			},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "slotd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted(agentKey string) {
	m.SessionsStarted.WithLabelValues(agentKey).Inc()
	m.SessionsActive.WithLabelValues(agentKey).Set(1)
}

func (m *Metrics) SessionEnded(agentKey string, state supervisor.State, reason string) {
	m.SessionsFinished.WithLabelValues(agentKey, string(state), reason).Inc()
	m.SessionsActive.WithLabelValues(agentKey).Set(0)
}

func (m *Metrics) MalformedLine(agentKey string) {
	m.MalformedLines.WithLabelValues(agentKey).Inc()
}

func (m *Metrics) EventPublished(t events.Type) {
	m.EventsPublished.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) SubscriberAdded() {
	m.EventSubscribers.Inc()
}

func (m *Metrics) SubscriberRemoved(lagged bool) {
	m.EventSubscribers.Dec()
	if lagged {
		m.SubscribersLagged.Inc()
	}
}

// JobSubmitted records a submission decision ("started" or "queued").
func (m *Metrics) JobSubmitted(agentKey, decision string) {
	m.JobsSubmitted.WithLabelValues(agentKey, decision).Inc()
}

func (m *Metrics) QueueDepthChanged(agentKey string, depth int) {
	m.QueueDepth.WithLabelValues(agentKey).Set(float64(depth))
}

func (m *Metrics) SpawnFailed(agentKey string) {
	m.AdvanceSpawnFailure.WithLabelValues(agentKey).Inc()
}

// RecordHTTPRequest records an HTTP request against its route pattern.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
