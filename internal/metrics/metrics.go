// Package metrics はジョブパイプラインの計測を提供します。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pdfpress"

// Metrics は主要イベントの計測ポイントです。
type Metrics interface {
	JobSubmitted(profile string)
	JobCompleted(status string)
	RateLimited(scope string)
	ObserveCompressDuration(profile string, durationSeconds float64)
}

// Noop は計測を行わない実装です。ワーカープロセスやテストで使います。
type Noop struct{}

func (Noop) JobSubmitted(string)                     {}
func (Noop) JobCompleted(string)                     {}
func (Noop) RateLimited(string)                      {}
func (Noop) ObserveCompressDuration(string, float64) {}

// Prom は Prometheus バックエンドの実装です。
// レジストリを自前で持つため、テストごとに作り直しても衝突しません。
type Prom struct {
	registry  *prometheus.Registry
	submitted *prometheus.CounterVec
	completed *prometheus.CounterVec
	throttled *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewProm は Prom を作成し、全コレクターを登録します。
func NewProm() *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Accepted compression jobs by profile",
		}, []string{"profile"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Terminal job transitions by status",
		}, []string{"status"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter per scope",
		}, []string{"scope"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compress_duration_seconds",
			Help:      "Ghostscript execution time by profile",
			Buckets:   prometheus.DefBuckets,
		}, []string{"profile"}),
	}
	p.registry.MustRegister(p.submitted, p.completed, p.throttled, p.duration)
	return p
}

func (p *Prom) JobSubmitted(profile string) {
	p.submitted.WithLabelValues(profile).Inc()
}

func (p *Prom) JobCompleted(status string) {
	p.completed.WithLabelValues(status).Inc()
}

func (p *Prom) RateLimited(scope string) {
	p.throttled.WithLabelValues(scope).Inc()
}

func (p *Prom) ObserveCompressDuration(profile string, durationSeconds float64) {
	p.duration.WithLabelValues(profile).Observe(durationSeconds)
}

// Handler は /metrics 用のHTTPハンドラーを返します。
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
