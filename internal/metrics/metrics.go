// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector は集約リフレッシュと衝突検出のメトリクスを収集する。
// aggregate.MetricsRecorderを実装する。
type Collector struct {
	refreshSuccess    prometheus.Counter
	refreshFail       prometheus.Counter
	sourceFailures    *prometheus.CounterVec
	refreshLatency    prometheus.Histogram
	eventsMerged      prometheus.Gauge
	conflictsDetected prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		refreshSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calhub_refresh_success_total",
			Help: "集約リフレッシュ成功の合計数",
		}),
		refreshFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calhub_refresh_fail_total",
			Help: "集約リフレッシュ失敗の合計数",
		}),
		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calhub_source_failure_total",
			Help: "ソース別の取得失敗数",
		}, []string{"source_id"}),
		refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "calhub_refresh_latency_seconds",
			Help:    "集約リフレッシュのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		eventsMerged: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calhub_events_merged",
			Help: "直近のリフレッシュで統合された予定数",
		}),
		conflictsDetected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calhub_conflicts_detected",
			Help: "直近の検出で見つかった衝突ペア数",
		}),
	}

	reg.MustRegister(
		c.refreshSuccess,
		c.refreshFail,
		c.sourceFailures,
		c.refreshLatency,
		c.eventsMerged,
		c.conflictsDetected,
	)

	return c
}

// ObserveRefresh はリフレッシュ実行の結果とレイテンシを記録する。
func (c *Collector) ObserveRefresh(duration time.Duration, success bool) {
	if success {
		c.refreshSuccess.Inc()
	} else {
		c.refreshFail.Inc()
	}
	c.refreshLatency.Observe(duration.Seconds())
}

// ObserveSourceFailure はソース別の取得失敗を記録する。
func (c *Collector) ObserveSourceFailure(sourceID string) {
	c.sourceFailures.WithLabelValues(sourceID).Inc()
}

// ObserveEventsMerged は統合された予定数を記録する。
func (c *Collector) ObserveEventsMerged(count int) {
	c.eventsMerged.Set(float64(count))
}

// ObserveConflicts は検出された衝突ペア数を記録する。
func (c *Collector) ObserveConflicts(count int) {
	c.conflictsDetected.Set(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
