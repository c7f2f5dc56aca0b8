// Package metrics exposes engine counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "krakenbot"

// Recorder records engine metrics. A nil *Recorder is valid and records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	evaluations     *prometheus.CounterVec
	evalDuration    *prometheus.HistogramVec
	regime          *prometheus.GaugeVec
	spreadPct       *prometheus.GaugeVec
	spreadRejected  *prometheus.CounterVec
	openLots        *prometheus.GaugeVec
	exits           *prometheus.CounterVec
	tradesIngested  *prometheus.CounterVec
	reconcileAction *prometheus.CounterVec
	syncRuns        *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
}

// New registers the metrics on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the metrics on reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		gatherer: g,
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Pair evaluations by resulting action",
		}, []string{"pair", "action"}),
		evalDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of one pair evaluation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pair"}),
		regime: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "regime",
			Help:      "Active regime per pair (1 for the current regime, 0 otherwise)",
		}, []string{"pair", "regime"}),
		spreadPct: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spread_pct",
			Help:      "Last observed bid/ask spread in percent",
		}, []string{"pair"}),
		spreadRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spread_rejections_total",
			Help:      "Entries rejected by the spread filter",
		}, []string{"pair", "regime"}),
		openLots: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_lots",
			Help:      "Open lots per exchange",
		}, []string{"exchange"}),
		exits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exits_total",
			Help:      "Position exits by reason",
		}, []string{"reason"}),
		tradesIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_ingested_total",
			Help:      "Fills offered to the ledger by outcome",
		}, []string{"exchange", "result"}),
		reconcileAction: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_actions_total",
			Help:      "Reconcile decisions by action",
		}, []string{"action"}),
		syncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Trade sync runs by exchange and status",
		}, []string{"exchange", "status"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by source",
		}, []string{"source"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Recorder) RecordEvaluation(pair, action string, d time.Duration) {
	if r == nil {
		return
	}
	r.evaluations.WithLabelValues(pair, action).Inc()
	r.evalDuration.WithLabelValues(pair).Observe(d.Seconds())
}

// SetRegime marks regime as the active one for pair among all known regimes.
func (r *Recorder) SetRegime(pair, regime string, known []string) {
	if r == nil {
		return
	}
	for _, k := range known {
		v := 0.0
		if k == regime {
			v = 1
		}
		r.regime.WithLabelValues(pair, k).Set(v)
	}
}

func (r *Recorder) SetSpread(pair string, pct float64) {
	if r == nil {
		return
	}
	r.spreadPct.WithLabelValues(pair).Set(pct)
}

func (r *Recorder) RecordSpreadRejection(pair, regime string) {
	if r == nil {
		return
	}
	r.spreadRejected.WithLabelValues(pair, regime).Inc()
}

func (r *Recorder) SetOpenLots(exchange string, n int) {
	if r == nil {
		return
	}
	r.openLots.WithLabelValues(exchange).Set(float64(n))
}

func (r *Recorder) RecordExit(reason string) {
	if r == nil {
		return
	}
	r.exits.WithLabelValues(reason).Inc()
}

// RecordIngest counts a fill; inserted=false means it was a duplicate.
func (r *Recorder) RecordIngest(exchange string, inserted bool) {
	if r == nil {
		return
	}
	result := "duplicate"
	if inserted {
		result = "inserted"
	}
	r.tradesIngested.WithLabelValues(exchange, result).Inc()
}

func (r *Recorder) RecordReconcile(action string) {
	if r == nil {
		return
	}
	r.reconcileAction.WithLabelValues(action).Inc()
}

func (r *Recorder) RecordSync(exchange string, err error) {
	if r == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.syncRuns.WithLabelValues(exchange, status).Inc()
}

func (r *Recorder) RecordError(source string) {
	if r == nil {
		return
	}
	r.errorsTotal.WithLabelValues(source).Inc()
}
