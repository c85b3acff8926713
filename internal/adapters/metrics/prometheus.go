// Package metrics exporta la telemetría del oráculo y de las liquidaciones a Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/alejandrodnm/overunder/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "overunder"

// Recorder implementa ports.OracleMetrics sobre un registry propio.
type Recorder struct {
	registry *prometheus.Registry

	SamplesTotal     *prometheus.CounterVec
	SampleLatency    *prometheus.HistogramVec
	SnapshotsTotal   *prometheus.CounterVec
	SnapshotFailures *prometheus.CounterVec
	SnapshotPrice    *prometheus.GaugeVec
	SnapshotSources  *prometheus.GaugeVec
	Retries          *prometheus.CounterVec

	PoolsResolved    *prometheus.CounterVec
	SettlementsTotal prometheus.Counter
	PlatformRetained prometheus.Counter
}

var _ ports.OracleMetrics = (*Recorder)(nil)

// New crea un Recorder con todas las métricas registradas.
func New(namespace string) *Recorder {
	if namespace == "" {
		namespace = defaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,

		// Oracle
		SamplesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "samples_total",
			Help:      "Price samples fetched, by source and outcome",
		}, []string{"source", "outcome"}),
		SampleLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "sample_latency_seconds",
			Help:      "Latency of a single source fetch",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 2.5, 5},
		}, []string{"source"}),
		SnapshotsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "snapshots_total",
			Help:      "Successful price snapshots, by asset",
		}, []string{"asset"}),
		SnapshotFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "snapshot_failures_total",
			Help:      "Failed snapshot attempts, by asset and reason",
		}, []string{"asset", "reason"}),
		SnapshotPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "snapshot_price",
			Help:      "Last aggregated price, by asset",
		}, []string{"asset"}),
		SnapshotSources: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "snapshot_sources_used",
			Help:      "Sources that contributed to the last snapshot, by asset",
		}, []string{"asset"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "retries_total",
			Help:      "Snapshot retries after a failed attempt, by asset",
		}, []string{"asset"}),

		// Settlement
		PoolsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "pools_resolved_total",
			Help:      "Pools resolved, by winner",
		}, []string{"winner"}),
		SettlementsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "records_total",
			Help:      "Settlement records written",
		}),
		PlatformRetained: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "platform_retained_total",
			Help:      "Fees plus truncation dust kept by the platform",
		}),
	}
}

// Registry devuelve el registry del Recorder.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler sirve /metrics para este Recorder.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) ObserveSample(source string, ok bool, latency time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	r.SamplesTotal.WithLabelValues(source, outcome).Inc()
	r.SampleLatency.WithLabelValues(source).Observe(latency.Seconds())
}

func (r *Recorder) ObserveSnapshot(asset string, price float64, used int) {
	r.SnapshotsTotal.WithLabelValues(asset).Inc()
	r.SnapshotPrice.WithLabelValues(asset).Set(price)
	r.SnapshotSources.WithLabelValues(asset).Set(float64(used))
}

func (r *Recorder) ObserveSnapshotFailure(asset, reason string) {
	r.SnapshotFailures.WithLabelValues(asset, reason).Inc()
}

func (r *Recorder) ObserveRetry(asset string, _ int) {
	r.Retries.WithLabelValues(asset).Inc()
}

func (r *Recorder) ObserveSettlement(winner string, records int, retained float64) {
	r.PoolsResolved.WithLabelValues(winner).Inc()
	r.SettlementsTotal.Add(float64(records))
	if retained > 0 {
		r.PlatformRetained.Add(retained)
	}
}
