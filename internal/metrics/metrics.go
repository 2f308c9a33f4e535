package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/storage"
	"github.com/MarcoPoloResearchLab/kiosk/internal/syncengine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kiosk"

// Sync collects push and pull measurements of the sync engine.
type Sync struct {
	registry  *prometheus.Registry
	pushes    *prometheus.CounterVec
	pulls     *prometheus.CounterVec
	durations *prometheus.HistogramVec
	statuses  *prometheus.GaugeVec
}

// NewSync registers the sync collectors on a private registry together with
// the Go runtime and process collectors.
func NewSync() *Sync {
	registry := prometheus.NewRegistry()
	metrics := &Sync{
		registry: registry,
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pushes_total",
			Help:      "Snapshot pushes by provider, mode and result.",
		}, []string{"provider", "mode", "result"}),
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pulls_total",
			Help:      "Snapshot pulls by provider, mode and outcome.",
		}, []string{"provider", "mode", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of provider round trips.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "direction"}),
		statuses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "status",
			Help:      "1 for the current sync status, 0 otherwise.",
		}, []string{"status"}),
	}
	registry.MustRegister(
		metrics.pushes,
		metrics.pulls,
		metrics.durations,
		metrics.statuses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics
}

func (m *Sync) ObservePush(kind storage.Kind, mode string, err error, elapsed time.Duration) {
	m.pushes.WithLabelValues(kind.String(), mode, pushResult(err)).Inc()
	m.durations.WithLabelValues(kind.String(), "push").Observe(elapsed.Seconds())
}

func (m *Sync) ObservePull(kind storage.Kind, mode string, outcome syncengine.PullOutcome, elapsed time.Duration) {
	m.pulls.WithLabelValues(kind.String(), mode, string(outcome)).Inc()
	m.durations.WithLabelValues(kind.String(), "pull").Observe(elapsed.Seconds())
}

// ObserveStatus flips the status gauge; register it with Engine.OnStatus.
func (m *Sync) ObserveStatus(report syncengine.StatusReport) {
	for _, status := range []syncengine.Status{
		syncengine.StatusIdle,
		syncengine.StatusPending,
		syncengine.StatusSyncing,
		syncengine.StatusSynced,
		syncengine.StatusError,
	} {
		value := 0.0
		if status == report.Status {
			value = 1
		}
		m.statuses.WithLabelValues(string(status)).Set(value)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Sync) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func pushResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrLockContention), errors.Is(err, storage.ErrOperationInProgress):
		return "busy"
	case errors.Is(err, storage.ErrPushRejected):
		return "rejected"
	case storage.IsConnectionError(err):
		return "unreachable"
	default:
		return "failed"
	}
}
