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
// ミドルウェアやサービス層から利用する。
type MetricsCollector interface {
	RecordLogin(outcome string)
	RecordTokenRejected(reason string)
	RecordThrottleRejection()
	SetThrottleEntries(n int)
	RecordAuthzDecision(operation, effect string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins           *prometheus.CounterVec
	tokenRejected    *prometheus.CounterVec
	throttleRejected prometheus.Counter
	throttleEntries  prometheus.Gauge
	authzDecisions   *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	requestLatency   prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usermgmt_login_total",
			Help: "結果別のログイン試行数",
		}, []string{"outcome"}),
		tokenRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usermgmt_token_rejected_total",
			Help: "理由別のトークン拒否数",
		}, []string{"reason"}),
		throttleRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usermgmt_throttle_rejected_total",
			Help: "スロットルで拒否されたリクエストの合計数",
		}),
		throttleEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usermgmt_throttle_entries",
			Help: "スロットルが保持しているアイデンティティ数",
		}),
		authzDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usermgmt_authz_decisions_total",
			Help: "操作と判定結果別の認可判定数",
		}, []string{"operation", "effect"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usermgmt_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "usermgmt_request_latency_seconds",
			Help:    "HTTPリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.logins,
		c.tokenRejected,
		c.throttleRejected,
		c.throttleEntries,
		c.authzDecisions,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

// RecordTokenRejected はトークン拒否を記録する。
func (c *Collector) RecordTokenRejected(reason string) {
	c.tokenRejected.WithLabelValues(reason).Inc()
}

// RecordThrottleRejection はスロットルによる拒否を記録する。
func (c *Collector) RecordThrottleRejection() {
	c.throttleRejected.Inc()
}

// SetThrottleEntries はスロットルの保持エントリ数を記録する。
func (c *Collector) SetThrottleEntries(n int) {
	c.throttleEntries.Set(float64(n))
}

// RecordAuthzDecision は認可判定を記録する。
func (c *Collector) RecordAuthzDecision(operation, effect string) {
	c.authzDecisions.WithLabelValues(operation, effect).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordLogin(string)                 {}
func (Nop) RecordTokenRejected(string)         {}
func (Nop) RecordThrottleRejection()           {}
func (Nop) SetThrottleEntries(int)             {}
func (Nop) RecordAuthzDecision(string, string) {}
func (Nop) RecordHTTPStatus(int)               {}
func (Nop) RecordRequestLatency(time.Duration) {}

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

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
