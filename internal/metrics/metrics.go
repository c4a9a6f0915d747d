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
// 認証サービスやHTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordLogin(status string)
	RecordTwoFactorVerify(status string)
	RecordTwoFactorIssued()
	RecordTwoFactorResend(status string)
	RecordCodeDispatchFailure()
	RecordAttemptLogFailure()
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	login            *prometheus.CounterVec
	twoFactorVerify  *prometheus.CounterVec
	twoFactorIssued  prometheus.Counter
	twoFactorResend  *prometheus.CounterVec
	dispatchFailures prometheus.Counter
	attemptLogFail   prometheus.Counter
	httpStatus       *prometheus.CounterVec
	requestLatency   prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		login: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentdesk_login_total",
			Help: "ログイン要求の結果別の合計数",
		}, []string{"status"}),
		twoFactorVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentdesk_two_factor_verify_total",
			Help: "2段階認証コード検証の結果別の合計数",
		}, []string{"status"}),
		twoFactorIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "incidentdesk_two_factor_issued_total",
			Help: "発行された2段階認証コードの合計数",
		}),
		twoFactorResend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentdesk_two_factor_resend_total",
			Help: "2段階認証コード再送要求の結果別の合計数",
		}, []string{"status"}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "incidentdesk_code_dispatch_failures_total",
			Help: "認証コード通知の送出失敗の合計数",
		}),
		attemptLogFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "incidentdesk_attempt_log_failures_total",
			Help: "ログイン試行ログの書き込み失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentdesk_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "incidentdesk_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.login,
		c.twoFactorVerify,
		c.twoFactorIssued,
		c.twoFactorResend,
		c.dispatchFailures,
		c.attemptLogFail,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordLogin はログイン要求の結果を記録する。
func (c *Collector) RecordLogin(status string) {
	c.login.WithLabelValues(status).Inc()
}

// RecordTwoFactorVerify はコード検証の結果を記録する。
func (c *Collector) RecordTwoFactorVerify(status string) {
	c.twoFactorVerify.WithLabelValues(status).Inc()
}

// RecordTwoFactorIssued はコード発行を記録する。
func (c *Collector) RecordTwoFactorIssued() {
	c.twoFactorIssued.Inc()
}

// RecordTwoFactorResend は再送要求の結果を記録する。
func (c *Collector) RecordTwoFactorResend(status string) {
	c.twoFactorResend.WithLabelValues(status).Inc()
}

// RecordCodeDispatchFailure は通知送出の失敗を記録する。
func (c *Collector) RecordCodeDispatchFailure() {
	c.dispatchFailures.Inc()
}

// RecordAttemptLogFailure は試行ログ書き込みの失敗を記録する。
func (c *Collector) RecordAttemptLogFailure() {
	c.attemptLogFail.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordLogin(string)                 {}
func (NopCollector) RecordTwoFactorVerify(string)       {}
func (NopCollector) RecordTwoFactorIssued()             {}
func (NopCollector) RecordTwoFactorResend(string)       {}
func (NopCollector) RecordCodeDispatchFailure()         {}
func (NopCollector) RecordAttemptLogFailure()           {}
func (NopCollector) RecordHTTPStatus(int)               {}
func (NopCollector) RecordRequestLatency(time.Duration) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// InstrumentHandler はレスポンスのステータスコードと処理時間を記録するミドルウェアを返す。
func InstrumentHandler(c MetricsCollector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			c.RecordHTTPStatus(sw.status)
			c.RecordRequestLatency(time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}
