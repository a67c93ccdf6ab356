// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// パイプライン、スケジューラ、メッセンジャーの各層から利用する。
type MetricsCollector interface {
	RecordPipelineSuccess()
	RecordPipelineFailure(stage string)
	RecordPipelineLatency(duration time.Duration)
	RecordReminderSent()
	RecordReminderFailed()
	RecordMessageSent()
	RecordMessageRateLimited()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	pipelineSuccess prometheus.Counter
	pipelineFail    *prometheus.CounterVec
	pipelineLatency prometheus.Histogram
	remindersSent   prometheus.Counter
	remindersFailed prometheus.Counter
	messagesSent    prometheus.Counter
	messagesLimited prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pipelineSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelvault_pipeline_success_total",
			Help: "取り込みパイプライン完了の合計数",
		}),
		pipelineFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelvault_pipeline_fail_total",
			Help: "ステージ別の取り込みパイプライン失敗数",
		}, []string{"stage"}),
		pipelineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reelvault_pipeline_latency_seconds",
			Help:    "取り込みパイプライン1件あたりの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		remindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelvault_reminders_sent_total",
			Help: "配信成功したリマインダーの合計数",
		}),
		remindersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelvault_reminders_failed_total",
			Help: "配信失敗したリマインダーの合計数",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelvault_messages_sent_total",
			Help: "送信したWhatsAppメッセージの合計数",
		}),
		messagesLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelvault_messages_rate_limited_total",
			Help: "レート制限で送信できなかったメッセージの合計数",
		}),
	}

	reg.MustRegister(
		c.pipelineSuccess,
		c.pipelineFail,
		c.pipelineLatency,
		c.remindersSent,
		c.remindersFailed,
		c.messagesSent,
		c.messagesLimited,
	)

	return c
}

// RecordPipelineSuccess はパイプライン完了を記録する。
func (c *Collector) RecordPipelineSuccess() {
	c.pipelineSuccess.Inc()
}

// RecordPipelineFailure は失敗したステージ名とともにパイプライン失敗を記録する。
func (c *Collector) RecordPipelineFailure(stage string) {
	c.pipelineFail.WithLabelValues(stage).Inc()
}

// RecordPipelineLatency はパイプライン1件の処理時間を記録する。
func (c *Collector) RecordPipelineLatency(duration time.Duration) {
	c.pipelineLatency.Observe(duration.Seconds())
}

// RecordReminderSent はリマインダー配信成功を記録する。
func (c *Collector) RecordReminderSent() {
	c.remindersSent.Inc()
}

// RecordReminderFailed はリマインダー配信失敗を記録する。
func (c *Collector) RecordReminderFailed() {
	c.remindersFailed.Inc()
}

// RecordMessageSent はWhatsAppメッセージの送信成功を記録する。
func (c *Collector) RecordMessageSent() {
	c.messagesSent.Inc()
}

// RecordMessageRateLimited はレート制限による送信失敗を記録する。
func (c *Collector) RecordMessageRateLimited() {
	c.messagesLimited.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
