// ============================================================================
// Segment Recovery Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 segment 復原過程的指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - segrecovery_jobs_started_total{kind}: 開始執行的復原 job
//      - segrecovery_jobs_succeeded_total{kind}: 成功完成的 job
//      - segrecovery_jobs_failed_total{kind,phase}: 失敗的 job，依失敗階段分類
//      - segrecovery_clone_escalations_total: pg_basebackup 以建立 slot 模式重試的次數
//
//   2. 性能指標 (Histogram):
//      - segrecovery_transfer_seconds{kind}: pg_basebackup / pg_rewind 執行時間
//
//   3. 狀態指標 (Gauge):
//      - segrecovery_jobs_in_flight: 正在執行的 job 數
//
// Prometheus 查詢示例:
//
//   # 依階段分類的失敗數
//   sum by (phase) (segrecovery_jobs_failed_total)
//
//   # 95 分位傳輸時間
//   histogram_quantile(0.95, rate(segrecovery_transfer_seconds_bucket[1h]))
//
// HTTP 端點:
//   通過 /metrics 端點暴露（設定檔 metrics.enabled 開啟）
//
// ============================================================================

package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/segment-recovery/pkg/types"
)

// transferBuckets 傳輸時間分佈：從數秒的 pg_rewind 到數小時的完整複製
var transferBuckets = []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200, 14400}

// Collector Prometheus 指標收集器
type Collector struct {
	jobsStarted      *prometheus.CounterVec
	jobsSucceeded    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	cloneEscalations prometheus.Counter
	transferSeconds  *prometheus.HistogramVec
	jobsInFlight     prometheus.Gauge
}

// NewCollector 創建並註冊指標收集器；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segrecovery_jobs_started_total",
			Help: "Total number of recovery jobs started",
		}, []string{"kind"}),
		jobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segrecovery_jobs_succeeded_total",
			Help: "Total number of recovery jobs that completed every phase",
		}, []string{"kind"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segrecovery_jobs_failed_total",
			Help: "Total number of recovery jobs failed, by failing phase",
		}, []string{"kind", "phase"}),
		cloneEscalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segrecovery_clone_escalations_total",
			Help: "Number of pg_basebackup retries that created the replication slot",
		}),
		transferSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "segrecovery_transfer_seconds",
			Help:    "Runtime of the data transfer step in seconds",
			Buckets: transferBuckets,
		}, []string{"kind"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segrecovery_jobs_in_flight",
			Help: "Current number of running recovery jobs",
		}),
	}

	reg.MustRegister(
		c.jobsStarted,
		c.jobsSucceeded,
		c.jobsFailed,
		c.cloneEscalations,
		c.transferSeconds,
		c.jobsInFlight,
	)
	return c
}

// JobStarted 記錄 job 開始
func (c *Collector) JobStarted(kind types.RecoveryKind) {
	c.jobsStarted.WithLabelValues(string(kind)).Inc()
	c.jobsInFlight.Inc()
}

// JobFinished 記錄 job 結束；phase 為 PhaseNone 且 err 為 nil 表示成功
func (c *Collector) JobFinished(kind types.RecoveryKind, phase types.ErrorPhase, err error) {
	c.jobsInFlight.Dec()
	if err == nil {
		c.jobsSucceeded.WithLabelValues(string(kind)).Inc()
		return
	}
	c.jobsFailed.WithLabelValues(string(kind), phase.String()).Inc()
}

// CloneEscalated 記錄一次建立 slot 的 pg_basebackup 重試
func (c *Collector) CloneEscalated(int) {
	c.cloneEscalations.Inc()
}

// TransferCompleted 記錄資料傳輸階段的執行時間
func (c *Collector) TransferCompleted(kind types.RecoveryKind, runtime time.Duration) {
	c.transferSeconds.WithLabelValues(string(kind)).Observe(runtime.Seconds())
}

// NewServer 建立暴露 /metrics 的 HTTP 伺服器
func NewServer(port int, gatherer prometheus.Gatherer) *http.Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// StartServer 在背景啟動 metrics 伺服器，錯誤送到 errCh（正常關閉不回報）
func StartServer(srv *http.Server, errCh chan<- error) {
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
}
