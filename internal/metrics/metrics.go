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
// APIクライアント、認証ストア、通知フィードから利用する。
type MetricsCollector interface {
	RecordAPIRequest(endpoint string, statusCode int, duration time.Duration)
	RecordTokenRefresh(result string)
	RecordLogout(reason string)
	RecordTierDenied(code string)
	RecordNotificationFetch(success bool)
	SetUnreadNotifications(count int)
}

// Refresh結果のラベル値
const (
	RefreshSuccess   = "success"
	RefreshFailure   = "failure"
	RefreshDiscarded = "discarded"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	apiRequests  *prometheus.CounterVec
	apiLatency   prometheus.Histogram
	tokenRefresh *prometheus.CounterVec
	logouts      *prometheus.CounterVec
	tierDenied   *prometheus.CounterVec
	notifFetch   *prometheus.CounterVec
	unreadNotifs prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyquest_api_requests_total",
			Help: "エンドポイント・ステータスコード別のAPI呼び出し数",
		}, []string{"endpoint", "status_code"}),
		apiLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "studyquest_api_request_latency_seconds",
			Help:    "API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyquest_token_refresh_total",
			Help: "結果別のトークンリフレッシュ数",
		}, []string{"result"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyquest_logout_total",
			Help: "理由別のログアウト数",
		}, []string{"reason"}),
		tierDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyquest_tier_denied_total",
			Help: "コード別のプラン拒否レスポンス数",
		}, []string{"code"}),
		notifFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyquest_notification_fetch_total",
			Help: "結果別の通知取得数",
		}, []string{"result"}),
		unreadNotifs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "studyquest_unread_notifications",
			Help: "現在の未読通知数",
		}),
	}

	reg.MustRegister(
		c.apiRequests,
		c.apiLatency,
		c.tokenRefresh,
		c.logouts,
		c.tierDenied,
		c.notifFetch,
		c.unreadNotifs,
	)

	return c
}

// RecordAPIRequest はAPI呼び出しの結果を記録する。
// 通信エラーでステータスがない場合は0を渡す。
func (c *Collector) RecordAPIRequest(endpoint string, statusCode int, duration time.Duration) {
	c.apiRequests.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	c.apiLatency.Observe(duration.Seconds())
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordTokenRefresh(result string) {
	c.tokenRefresh.WithLabelValues(result).Inc()
}

// RecordLogout はログアウトを記録する。
func (c *Collector) RecordLogout(reason string) {
	c.logouts.WithLabelValues(reason).Inc()
}

// RecordTierDenied はプラン拒否レスポンスを記録する。
func (c *Collector) RecordTierDenied(code string) {
	c.tierDenied.WithLabelValues(code).Inc()
}

// RecordNotificationFetch は通知取得の結果を記録する。
func (c *Collector) RecordNotificationFetch(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.notifFetch.WithLabelValues(result).Inc()
}

// SetUnreadNotifications は未読通知数を更新する。
func (c *Collector) SetUnreadNotifications(count int) {
	c.unreadNotifs.Set(float64(count))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordAPIRequest(string, int, time.Duration) {}
func (Nop) RecordTokenRefresh(string) {}
func (Nop) RecordLogout(string) {}
func (Nop) RecordTierDenied(string) {}
func (Nop) RecordNotificationFetch(bool) {}
func (Nop) SetUnreadNotifications(int) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
