package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokenmarket"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	orders         *prometheus.CounterVec
	fills          prometheus.Counter
	fillVolume     prometheus.Counter
	cancels        prometheus.Counter
	purchases      *prometheus.CounterVec
	reaperExpired  prometheus.Counter
	reaperSweeps   *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDurations  *prometheus.HistogramVec
	bufferDepth    *prometheus.GaugeVec
	bufferDropped  *prometheus.CounterVec
	eventsWritten  prometheus.Counter
	eventConflicts prometheus.Counter
	feedClients    prometheus.Gauge
}

// New creates and registers all collectors, including Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order placements by side and outcome.",
		}, []string{"side", "outcome"}),
		fills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Fills executed by the matching engine.",
		}),
		fillVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fill_volume_total",
			Help:      "Token units exchanged in fills.",
		}),
		cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancels_total",
			Help:      "Orders cancelled.",
		}),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Primary purchase transitions by outcome.",
		}, []string{"outcome"}),
		reaperExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_expired_total",
			Help:      "Pending purchases expired by the reaper.",
		}),
		reaperSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_sweeps_total",
			Help:      "Reaper sweeps by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		bufferDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_depth",
			Help:      "Items waiting in an event buffer.",
		}, []string{"buffer"}),
		bufferDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_dropped_total",
			Help:      "Items dropped because an event buffer was full.",
		}, []string{"buffer"}),
		eventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_written_total",
			Help:      "Audit events inserted by the writer.",
		}),
		eventConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_event_conflicts_total",
			Help:      "Audit events skipped because their id was already stored.",
		}),
		feedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_clients",
			Help:      "Connected websocket trade feed clients.",
		}),
	}

	m.registry.MustRegister(
		m.orders, m.fills, m.fillVolume, m.cancels,
		m.purchases, m.reaperExpired, m.reaperSweeps,
		m.httpRequests, m.httpDurations,
		m.bufferDepth, m.bufferDropped,
		m.eventsWritten, m.eventConflicts, m.feedClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OrderPlaced records a placement attempt. outcome is "accepted" or an error kind.
func (m *Metrics) OrderPlaced(side, outcome string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(side, outcome).Inc()
}

// Fill records one executed fill of qty units.
func (m *Metrics) Fill(qty int64) {
	if m == nil {
		return
	}
	m.fills.Inc()
	m.fillVolume.Add(float64(qty))
}

// OrderCancelled records a cancellation.
func (m *Metrics) OrderCancelled() {
	if m == nil {
		return
	}
	m.cancels.Inc()
}

// Purchase records a primary purchase transition.
func (m *Metrics) Purchase(outcome string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(outcome).Inc()
}

// ReaperSweep records one sweep and the purchases it expired.
func (m *Metrics) ReaperSweep(expired int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reaperSweeps.WithLabelValues(result).Inc()
	m.reaperExpired.Add(float64(expired))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDurations.WithLabelValues(route, method).Observe(d.Seconds())
}

// SetBufferDepth reports the current length of a named buffer.
func (m *Metrics) SetBufferDepth(buffer string, n int) {
	if m == nil {
		return
	}
	m.bufferDepth.WithLabelValues(buffer).Set(float64(n))
}

// BufferDropped records n items dropped from a named buffer.
func (m *Metrics) BufferDropped(buffer string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bufferDropped.WithLabelValues(buffer).Add(float64(n))
}

// EventsWritten records an audit batch flush.
func (m *Metrics) EventsWritten(inserted, conflicts int) {
	if m == nil {
		return
	}
	m.eventsWritten.Add(float64(inserted))
	m.eventConflicts.Add(float64(conflicts))
}

// FeedClients sets the connected feed client count.
func (m *Metrics) FeedClients(n int) {
	if m == nil {
		return
	}
	m.feedClients.Set(float64(n))
}
