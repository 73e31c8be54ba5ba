package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "orchestro"
	subsystem = "console"
)

// Metrics groups the collectors of the synchronization engine. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	pushFrames      *prometheus.CounterVec
	reconnects      prometheus.Counter
	connected       prometheus.Gauge
	snapshotFetches *prometheus.CounterVec
	staleSnapshots  prometheus.Counter
	actions         *prometheus.CounterVec
	runtimeLogPolls *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// New creates the collectors and registers them with reg. Collectors already registered by
// an earlier instance are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pushFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_frames_total",
			Help:      "Push channel frames by event kind and dispatch outcome",
		}, []string{"kind", "outcome"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_reconnects_total",
			Help:      "Reconnect attempts scheduled after a push channel drop",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_connections",
			Help:      "Currently open push channel connections",
		}),
		snapshotFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "snapshot_fetches_total",
			Help:      "Snapshot fetches by resource and result",
		}, []string{"resource", "result"}),
		staleSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stale_snapshots_total",
			Help:      "Snapshot responses discarded because a newer one was already applied",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "actions_total",
			Help:      "Operator actions by name and result",
		}, []string{"action", "result"}),
		runtimeLogPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runtime_log_polls_total",
			Help:      "Runtime log polls by result",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
	}
	if reg == nil {
		return m
	}
	m.pushFrames = register(reg, m.pushFrames)
	m.reconnects = register(reg, m.reconnects)
	m.connected = register(reg, m.connected)
	m.snapshotFetches = register(reg, m.snapshotFetches)
	m.staleSnapshots = register(reg, m.staleSnapshots)
	m.actions = register(reg, m.actions)
	m.runtimeLogPolls = register(reg, m.runtimeLogPolls)
	m.httpRequests = register(reg, m.httpRequests)
	m.httpLatency = register(reg, m.httpLatency)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// PushFrame records one frame handled by the dispatcher.
func (m *Metrics) PushFrame(kind, outcome string) {
	if m == nil {
		return
	}
	m.pushFrames.WithLabelValues(kind, outcome).Inc()
}

// Reconnect records one scheduled reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// Connected tracks open push connections.
func (m *Metrics) Connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Inc()
		return
	}
	m.connected.Dec()
}

// SnapshotFetch records the outcome of one snapshot fetch.
func (m *Metrics) SnapshotFetch(resource string, err error) {
	if m == nil {
		return
	}
	m.snapshotFetches.WithLabelValues(resource, result(err)).Inc()
}

// StaleSnapshot records a discarded out-of-order response.
func (m *Metrics) StaleSnapshot() {
	if m == nil {
		return
	}
	m.staleSnapshots.Inc()
}

// Action records the outcome of an operator action.
func (m *Metrics) Action(name string, err error) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(name, result(err)).Inc()
}

// RuntimeLogPoll records the outcome of one runtime log poll.
func (m *Metrics) RuntimeLogPoll(err error) {
	if m == nil {
		return
	}
	m.runtimeLogPolls.WithLabelValues(result(err)).Inc()
}

// HTTPRequest records one request served by the dashboard surface. route is the matched
// pattern, not the raw path.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpLatency.With(labels).Observe(d.Seconds())
}
