// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordPollSuccess(feedID string)
	RecordPollFailure(feedID string, reason string)
	RecordParseFailure(feedID string)
	RecordHTTPStatus(statusCode int)
	RecordPollLatency(duration time.Duration)
	RecordItemsInserted(count int)
	RecordItemsDuplicate(count int)
	RecordTaskRedelivered()
	RecordDeadLetter(kind string)
	RecordEventHandled(group string)
	SetQueueDepth(depth int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	pollSuccess     prometheus.Counter
	pollFail        prometheus.Counter
	parseFail       prometheus.Counter
	httpStatus      *prometheus.CounterVec
	pollLatency     prometheus.Histogram
	itemsInserted   prometheus.Counter
	itemsDuplicate  prometheus.Counter
	taskRedelivered prometheus.Counter
	deadLetters     *prometheus.CounterVec
	eventsHandled   *prometheus.CounterVec
	queueDepth      prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pollSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpipe_poll_success_total",
			Help: "フィードポーリング成功の合計数",
		}),
		pollFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpipe_poll_fail_total",
			Help: "フィードポーリング失敗の合計数",
		}),
		parseFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpipe_parse_fail_total",
			Help: "フィードパース失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpipe_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		pollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedpipe_poll_latency_seconds",
			Help:    "フィードポーリングのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		itemsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpipe_items_inserted_total",
			Help: "新規保存された記事の合計数",
		}),
		itemsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpipe_items_duplicate_total",
			Help: "重複として破棄された記事の合計数",
		}),
		taskRedelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpipe_task_redelivered_total",
			Help: "可視性タイムアウトにより再配信されたタスクの合計数",
		}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpipe_dead_letters_total",
			Help: "デッドレターに退避された項目の種別ごとの合計数",
		}, []string{"kind"}),
		eventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpipe_events_handled_total",
			Help: "ハンドラグループごとの処理済み変更イベント数",
		}, []string{"group"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedpipe_queue_depth",
			Help: "ディスパッチキュー内のタスク数",
		}),
	}

	reg.MustRegister(
		c.pollSuccess,
		c.pollFail,
		c.parseFail,
		c.httpStatus,
		c.pollLatency,
		c.itemsInserted,
		c.itemsDuplicate,
		c.taskRedelivered,
		c.deadLetters,
		c.eventsHandled,
		c.queueDepth,
	)

	return c
}

// RecordPollSuccess はポーリング成功を記録する。
func (c *Collector) RecordPollSuccess(feedID string) {
	c.pollSuccess.Inc()
}

// RecordPollFailure はポーリング失敗を記録する。
func (c *Collector) RecordPollFailure(feedID string, reason string) {
	c.pollFail.Inc()
}

// RecordParseFailure はパース失敗を記録する。
func (c *Collector) RecordParseFailure(feedID string) {
	c.parseFail.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordPollLatency はポーリングのレイテンシを記録する。
func (c *Collector) RecordPollLatency(duration time.Duration) {
	c.pollLatency.Observe(duration.Seconds())
}

// RecordItemsInserted は新規保存された記事数を記録する。
func (c *Collector) RecordItemsInserted(count int) {
	c.itemsInserted.Add(float64(count))
}

// RecordItemsDuplicate は重複として破棄された記事数を記録する。
func (c *Collector) RecordItemsDuplicate(count int) {
	c.itemsDuplicate.Add(float64(count))
}

// RecordTaskRedelivered はタスクの再配信を記録する。
func (c *Collector) RecordTaskRedelivered() {
	c.taskRedelivered.Inc()
}

// RecordDeadLetter はデッドレターへの退避を記録する。
func (c *Collector) RecordDeadLetter(kind string) {
	c.deadLetters.WithLabelValues(kind).Inc()
}

// RecordEventHandled は変更イベントの処理完了を記録する。
func (c *Collector) RecordEventHandled(group string) {
	c.eventsHandled.WithLabelValues(group).Inc()
}

// SetQueueDepth はディスパッチキューの現在深度を記録する。
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
