package middleware

import (
	"time"

	"github.com/hitoshi/usermgmt/internal/metrics"
)

// noopMetrics はテスト用のMetricsCollector。必要なメソッドだけ埋め込み先で上書きする。
type noopMetrics struct {
	metrics.Nop
}

var _ metrics.MetricsCollector = (*noopMetrics)(nil)

// recordedTokenRejections はトークン拒否理由を記録するMetricsCollector。
type recordedTokenRejections struct {
	noopMetrics
	reasons []string
}

func (m *recordedTokenRejections) RecordTokenRejected(reason string) {
	m.reasons = append(m.reasons, reason)
}

// statusMetrics はHTTPステータスとレイテンシを記録するMetricsCollector。
type statusMetrics struct {
	noopMetrics
	statuses  []int
	latencies []time.Duration
}

func (m *statusMetrics) RecordHTTPStatus(code int) { m.statuses = append(m.statuses, code) }
func (m *statusMetrics) RecordRequestLatency(d time.Duration) {
	m.latencies = append(m.latencies, d)
}
