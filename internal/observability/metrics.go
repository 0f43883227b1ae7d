package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several instances can coexist in tests.
// All methods are safe on a nil receiver.
type Metrics struct {
	reg *prometheus.Registry

	polls          *prometheus.CounterVec
	pollDuration   prometheus.Histogram
	historyFetches *prometheus.CounterVec
	inAlert        prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	ingested       *prometheus.CounterVec
	flushed        prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdwatch_snapshot_polls_total",
			Help: "Snapshot polls by outcome (ok, error, discarded).",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crowdwatch_snapshot_poll_duration_seconds",
			Help:    "Latency of snapshot fetches.",
			Buckets: prometheus.DefBuckets,
		}),
		historyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdwatch_history_fetches_total",
			Help: "History fetches by outcome (ok, error, stale).",
		}, []string{"result"}),
		inAlert: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crowdwatch_buildings_in_alert",
			Help: "Buildings whose current count exceeds their threshold.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdwatch_http_requests_total",
			Help: "HTTP requests served by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crowdwatch_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdwatch_ingested_counts_total",
			Help: "Count events accepted by ingestion source.",
		}, []string{"source"}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crowdwatch_persisted_counts_total",
			Help: "Count rows written to storage.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.polls,
		m.pollDuration,
		m.historyFetches,
		m.inAlert,
		m.httpRequests,
		m.httpDuration,
		m.ingested,
		m.flushed,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePoll(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
	if d > 0 {
		m.pollDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveHistory(result string) {
	if m == nil {
		return
	}
	m.historyFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) SetBuildingsInAlert(n int) {
	if m == nil {
		return
	}
	m.inAlert.Set(float64(n))
}

func (m *Metrics) ObserveHTTP(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) IncIngested(source string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(source).Inc()
}

func (m *Metrics) AddPersisted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.flushed.Add(float64(n))
}
