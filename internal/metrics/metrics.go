// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// オーケストレータや修復処理から利用する。
type MetricsCollector interface {
	RecordDownloadSuccess(taskType string)
	RecordDownloadFailure(taskType string, reason string)
	RecordDownloadLatency(duration time.Duration)
	RecordDownloadBytes(n int64)
	RecordItemsEnqueued(count int)
	RecordJobPoll()
	RecordRepairRelocated(count int)
	RecordRepairBroken(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	downloadSuccess *prometheus.CounterVec
	downloadFail    *prometheus.CounterVec
	downloadLatency prometheus.Histogram
	downloadBytes   prometheus.Counter
	itemsEnqueued   prometheus.Counter
	jobPolls        prometheus.Counter
	repairRelocated prometheus.Counter
	repairBroken    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		downloadSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kaiji_download_success_total",
			Help: "タスク種別ごとのダウンロード成功の合計数",
		}, []string{"task_type"}),
		downloadFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kaiji_download_fail_total",
			Help: "タスク種別・失敗理由ごとのダウンロード失敗の合計数",
		}, []string{"task_type", "reason"}),
		downloadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kaiji_download_latency_seconds",
			Help:    "ワークアイテム1件の処理時間（秒）",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kaiji_download_bytes_total",
			Help: "ダウンロードした合計バイト数",
		}),
		itemsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kaiji_work_items_enqueued_total",
			Help: "投入されたワークアイテムの合計数",
		}),
		jobPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kaiji_bulk_job_polls_total",
			Help: "一括ジョブ状態照会の合計数",
		}),
		repairRelocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kaiji_repair_relocated_total",
			Help: "修復処理でパスを付け替えた証跡の合計数",
		}),
		repairBroken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kaiji_repair_broken_total",
			Help: "修復処理でファイルもチェックサム一致も見つからなかった証跡の合計数",
		}),
	}

	reg.MustRegister(
		c.downloadSuccess,
		c.downloadFail,
		c.downloadLatency,
		c.downloadBytes,
		c.itemsEnqueued,
		c.jobPolls,
		c.repairRelocated,
		c.repairBroken,
	)

	return c
}

// RecordDownloadSuccess はダウンロード成功を記録する。
func (c *Collector) RecordDownloadSuccess(taskType string) {
	c.downloadSuccess.WithLabelValues(taskType).Inc()
}

// RecordDownloadFailure はダウンロード失敗を記録する。
func (c *Collector) RecordDownloadFailure(taskType string, reason string) {
	c.downloadFail.WithLabelValues(taskType, reason).Inc()
}

// RecordDownloadLatency はワークアイテム1件の処理時間を記録する。
func (c *Collector) RecordDownloadLatency(duration time.Duration) {
	c.downloadLatency.Observe(duration.Seconds())
}

// RecordDownloadBytes はダウンロードしたバイト数を記録する。
func (c *Collector) RecordDownloadBytes(n int64) {
	c.downloadBytes.Add(float64(n))
}

// RecordItemsEnqueued は投入されたワークアイテム数を記録する。
func (c *Collector) RecordItemsEnqueued(count int) {
	c.itemsEnqueued.Add(float64(count))
}

// RecordJobPoll は一括ジョブの状態照会1回を記録する。
func (c *Collector) RecordJobPoll() {
	c.jobPolls.Inc()
}

// RecordRepairRelocated は修復処理でのパス付け替え件数を記録する。
func (c *Collector) RecordRepairRelocated(count int) {
	c.repairRelocated.Add(float64(count))
}

// RecordRepairBroken は修復処理での喪失証跡件数を記録する。
func (c *Collector) RecordRepairBroken(count int) {
	c.repairBroken.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
