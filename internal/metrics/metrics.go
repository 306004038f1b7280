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
// サービス層・ミドルウェア・ワーカーから利用する。
type MetricsCollector interface {
	RecordLogin(outcome string)
	RecordSessionValidation(status string)
	RecordRefresh(outcome string)
	RecordLogout(outcome string)
	RecordRateLimited(scope string)
	RecordHTTPStatus(statusCode int)
	RecordHashLatency(duration time.Duration)
	RecordSessionsPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins         *prometheus.CounterVec
	validations    *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	logouts        *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	hashLatency    prometheus.Histogram
	sessionsPurged prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizbank_login_total",
			Help: "ログイン試行の結果別件数",
		}, []string{"outcome"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizbank_session_validation_total",
			Help: "セッション検証の判定状態別件数",
		}, []string{"status"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizbank_session_refresh_total",
			Help: "トークン更新の結果別件数",
		}, []string{"outcome"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizbank_logout_total",
			Help: "ログアウトの結果別件数",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizbank_rate_limited_total",
			Help: "レート制限で拒否したリクエスト数",
		}, []string{"scope"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizbank_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		hashLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quizbank_password_hash_seconds",
			Help:    "パスワードのハッシュ計算・照合にかかった時間（秒）",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quizbank_sessions_purged_total",
			Help: "定期削除されたセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.validations,
		c.refreshes,
		c.logouts,
		c.rateLimited,
		c.httpStatus,
		c.hashLatency,
		c.sessionsPurged,
	)

	return c
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

// RecordSessionValidation はセッション検証の判定状態を記録する。
func (c *Collector) RecordSessionValidation(status string) {
	c.validations.WithLabelValues(status).Inc()
}

// RecordRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordRefresh(outcome string) {
	c.refreshes.WithLabelValues(outcome).Inc()
}

// RecordLogout はログアウトの結果を記録する。
func (c *Collector) RecordLogout(outcome string) {
	c.logouts.WithLabelValues(outcome).Inc()
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(scope string) {
	c.rateLimited.WithLabelValues(scope).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordHashLatency はパスワード処理の所要時間を記録する。
func (c *Collector) RecordHashLatency(duration time.Duration) {
	c.hashLatency.Observe(duration.Seconds())
}

// RecordSessionsPurged は削除されたセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordLogin(string) {}
func (Nop) RecordSessionValidation(string) {}
func (Nop) RecordRefresh(string) {}
func (Nop) RecordLogout(string) {}
func (Nop) RecordRateLimited(string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordHashLatency(time.Duration) {}
func (Nop) RecordSessionsPurged(int64) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
