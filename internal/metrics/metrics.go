// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder records pipeline, alert and HTTP metrics. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	ticksIngested *prometheus.CounterVec
	ticksDropped  *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	barsClosed    *prometheus.CounterVec
	lateTicks     *prometheus.CounterVec
	lastPrice     *prometheus.GaugeVec
	alertCycles   prometheus.Counter
	cycleDuration prometheus.Histogram
	triggers      *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New creates a recorder registered on the default Prometheus registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry creates a recorder on a caller-supplied registry.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		gatherer: gatherer,
		ticksIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantflow_ticks_ingested_total",
				Help: "Ticks accepted by the ingest pipeline",
			},
			[]string{"symbol"},
		),
		ticksDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantflow_ticks_dropped_total",
				Help: "Ticks dropped before persistence",
			},
			[]string{"reason"},
		),
		storeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantflow_store_errors_total",
				Help: "Storage failures by operation",
			},
			[]string{"op"},
		),
		barsClosed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantflow_bars_closed_total",
				Help: "Bars closed and written to the bar store",
			},
			[]string{"timeframe"},
		),
		lateTicks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantflow_late_ticks_total",
				Help: "Ticks older than the open bar of a timeframe",
			},
			[]string{"timeframe"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantflow_last_price",
				Help: "Last ingested price for a symbol",
			},
			[]string{"symbol"},
		),
		alertCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "quantflow_alert_cycles_total",
			Help: "Completed alert evaluation cycles",
		}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "quantflow_alert_cycle_duration_seconds",
			Help:    "Duration of alert evaluation cycles",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		triggers: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantflow_alert_triggers_total",
				Help: "Alert triggers by rule",
			},
			[]string{"rule"},
		),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantflow_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantflow_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
}

func (r *Recorder) TickIngested(symbol string, price float64) {
	if r == nil {
		return
	}
	r.ticksIngested.WithLabelValues(symbol).Inc()
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

func (r *Recorder) TickDropped(reason string) {
	if r == nil {
		return
	}
	r.ticksDropped.WithLabelValues(reason).Inc()
}

func (r *Recorder) StoreError(op string) {
	if r == nil {
		return
	}
	r.storeErrors.WithLabelValues(op).Inc()
}

func (r *Recorder) BarClosed(timeframe string) {
	if r == nil {
		return
	}
	r.barsClosed.WithLabelValues(timeframe).Inc()
}

func (r *Recorder) LateTick(timeframe string) {
	if r == nil {
		return
	}
	r.lateTicks.WithLabelValues(timeframe).Inc()
}

// AlertCycle records one finished evaluation cycle.
func (r *Recorder) AlertCycle(d time.Duration) {
	if r == nil {
		return
	}
	r.alertCycles.Inc()
	r.cycleDuration.Observe(d.Seconds())
}

func (r *Recorder) AlertTriggered(rule string) {
	if r == nil {
		return
	}
	r.triggers.WithLabelValues(rule).Inc()
}

// HTTPRequest records a served request. route should be the registered
// path template to keep label cardinality low.
func (r *Recorder) HTTPRequest(route, method string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil || r.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
