package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "libpack"

// Result label values.
const (
	resultSuccess = "success"
	resultFailed  = "failed"
)

// Records pipeline metrics into a Prometheus registry.
type Recorder struct {
	registry      *prom.Registry
	stageDuration *prom.HistogramVec
	stageResults  *prom.CounterVec
	buildDuration prom.Histogram
	buildOutcome  *prom.CounterVec
	cacheLookups  *prom.CounterVec
	lastSuccess   prom.Gauge
}

// Creates a recorder and registers its metrics with reg. A nil reg uses a
// fresh registry.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}

	r := &Recorder{
		registry: reg,
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   prom.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage"}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage results by outcome",
		}, []string{"stage", "result"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Total pipeline duration",
			Buckets:   prom.ExponentialBuckets(0.5, 2, 12),
		}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Pipeline runs by outcome",
		}, []string{"outcome"}),
		cacheLookups: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_cache_lookups_total",
			Help:      "Dependency cache lookups by result",
		}, []string{"result"}),
		lastSuccess: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful build",
		}),
	}

	reg.MustRegister(r.stageDuration, r.stageResults, r.buildDuration, r.buildOutcome, r.cacheLookups, r.lastSuccess)
	return r
}

func (r *Recorder) ObserveStage(stage string, d time.Duration, err error) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	r.stageResults.WithLabelValues(stage, result(err)).Inc()
}

func (r *Recorder) ObserveCache(hit bool) {
	if r == nil {
		return
	}
	label := "miss"
	if hit {
		label = "hit"
	}
	r.cacheLookups.WithLabelValues(label).Inc()
}

func (r *Recorder) ObserveBuild(d time.Duration, err error) {
	if r == nil {
		return
	}
	r.buildDuration.Observe(d.Seconds())
	r.buildOutcome.WithLabelValues(result(err)).Inc()
	if err == nil {
		r.lastSuccess.SetToCurrentTime()
	}
}

// Writes all metrics to path in the node exporter textfile format. The file
// is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return prom.WriteToTextfile(path, r.registry)
}

func result(err error) string {
	if err != nil {
		return resultFailed
	}
	return resultSuccess
}
