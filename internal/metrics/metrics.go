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
// ハンドラー、ストリーム配信、ワーカーから利用する。
type MetricsCollector interface {
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordTaskWrite(op string)
	RecordAuthAttempt(method, outcome string)
	RecordSessionsCleaned(count int64)
	StreamOpened()
	StreamClosed()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	httpStatus      *prometheus.CounterVec
	requestLatency  prometheus.Histogram
	taskWrites      *prometheus.CounterVec
	authAttempts    *prometheus.CounterVec
	sessionsCleaned prometheus.Counter
	activeStreams   prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todosync_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "todosync_request_latency_seconds",
			Help:    "HTTPリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		taskWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todosync_task_writes_total",
			Help: "操作別のタスク書き込み数",
		}, []string{"op"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todosync_auth_attempts_total",
			Help: "方式と結果別の認証試行数",
		}, []string{"method", "outcome"}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "todosync_sessions_cleaned_total",
			Help: "クリーンアップで削除された期限切れセッションの合計数",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "todosync_active_streams",
			Help: "配信中のタスクスナップショットストリーム数",
		}),
	}

	reg.MustRegister(
		c.httpStatus,
		c.requestLatency,
		c.taskWrites,
		c.authAttempts,
		c.sessionsCleaned,
		c.activeStreams,
	)

	return c
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordTaskWrite はタスク書き込みを記録する。opはcreate, toggle, update, deleteのいずれか。
func (c *Collector) RecordTaskWrite(op string) {
	c.taskWrites.WithLabelValues(op).Inc()
}

// RecordAuthAttempt は認証試行を記録する。
func (c *Collector) RecordAuthAttempt(method, outcome string) {
	c.authAttempts.WithLabelValues(method, outcome).Inc()
}

// RecordSessionsCleaned は削除された期限切れセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int64) {
	c.sessionsCleaned.Add(float64(count))
}

// StreamOpened は配信中ストリーム数を増やす。
func (c *Collector) StreamOpened() {
	c.activeStreams.Inc()
}

// StreamClosed は配信中ストリーム数を減らす。
func (c *Collector) StreamClosed() {
	c.activeStreams.Dec()
}

// statusWriter はミドルウェアでステータスコードを取得するためのラッパー。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware はレスポンスのステータスコードとレイテンシを記録するミドルウェアを返す。
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		c.RecordHTTPStatus(sw.status)
		c.RecordRequestLatency(time.Since(start))
	})
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
