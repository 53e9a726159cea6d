// Package metrics はジョブの受付と実行に関する Prometheus 指標を収集します。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourusername/docforge/internal/pdf"
)

const namespace = "docforge"

// Collector は Prometheus 指標の集合です。nil のまま呼び出しても何もしません。
type Collector struct {
	jobsAdmitted   *prometheus.CounterVec
	jobsRejected   *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	creditsCharged prometheus.Counter
	leasesRequeued prometheus.Counter
	leasesExpired  prometheus.Counter
	transformTime  *prometheus.HistogramVec
	poolBusy       prometheus.Gauge
	poolQueued     prometheus.Gauge
}

// NewCollector は指標を作成し reg に登録します。reg が nil の場合は登録しません。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_admitted_total",
			Help:      "Jobs accepted at admission, by operation.",
		}, []string{"operation"}),
		jobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Submissions rejected at admission, by reason.",
		}, []string{"reason"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs that reached completed, by operation.",
		}, []string{"operation"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs that reached failed, by error code.",
		}, []string{"code"}),
		creditsCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_charged_total",
			Help:      "Credits charged for completed jobs.",
		}),
		leasesRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_leases_requeued_total",
			Help:      "Expired leases returned to the queue.",
		}),
		leasesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_leases_exhausted_total",
			Help:      "Jobs failed after exhausting their lease attempts.",
		}),
		transformTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_duration_seconds",
			Help:      "Transform execution time in the worker pool.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"operation", "outcome"}),
		poolBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_busy",
			Help:      "Worker pool slots currently running a transform.",
		}),
		poolQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_queued",
			Help:      "Tasks waiting in the worker pool queue.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.jobsAdmitted,
			c.jobsRejected,
			c.jobsCompleted,
			c.jobsFailed,
			c.creditsCharged,
			c.leasesRequeued,
			c.leasesExpired,
			c.transformTime,
			c.poolBusy,
			c.poolQueued,
		)
	}
	return c
}

// JobAdmitted は受け付けたジョブを記録します。
func (c *Collector) JobAdmitted(op pdf.Operation) {
	if c == nil {
		return
	}
	c.jobsAdmitted.WithLabelValues(string(op)).Inc()
}

// JobRejected は受付で拒否した理由を記録します。
func (c *Collector) JobRejected(reason string) {
	if c == nil {
		return
	}
	c.jobsRejected.WithLabelValues(reason).Inc()
}

// JobCompleted は完了したジョブと課金額を記録します。
func (c *Collector) JobCompleted(op pdf.Operation, credits int64) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(string(op)).Inc()
	if credits > 0 {
		c.creditsCharged.Add(float64(credits))
	}
}

// JobFailed は失敗したジョブのエラーコードを記録します。
func (c *Collector) JobFailed(code string) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(code).Inc()
}

// LeasesSwept はリース回収の結果を記録します。
func (c *Collector) LeasesSwept(requeued, exhausted int) {
	if c == nil {
		return
	}
	c.leasesRequeued.Add(float64(requeued))
	c.leasesExpired.Add(float64(exhausted))
}

// TransformFinished はワーカープールでの変換時間を記録します。
func (c *Collector) TransformFinished(op pdf.Operation, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.transformTime.WithLabelValues(string(op), outcome).Observe(elapsed.Seconds())
}

// SetPoolUsage はワーカープールの使用状況を記録します。
func (c *Collector) SetPoolUsage(busy int64, queued int) {
	if c == nil {
		return
	}
	c.poolBusy.Set(float64(busy))
	c.poolQueued.Set(float64(queued))
}

// Handler は /metrics 用のハンドラーを返します。
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
