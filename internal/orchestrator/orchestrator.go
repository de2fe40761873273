// ============================================================================
// Segment Recovery Orchestrator - 批次復原入口
// ============================================================================
//
// Package: internal/orchestrator
// 文件: orchestrator.go
// 功能: 接收一批 RecoveryRequest，每個 segment 執行一個 recovery.Job
//
// 流程:
//   1. prepare() - 驗證 request、補上預設 progress file、拒絕重複
//   2. 啟動 worker.Pool，Worker 數量即並行度
//   3. 提交所有 job，收集結果並更新 JobManager 狀態
//   4. 回傳 Report，單一 job 失敗不影響其他 job
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/segment-recovery/internal/jobmanager"
	"github.com/ChuLiYu/segment-recovery/internal/logger"
	"github.com/ChuLiYu/segment-recovery/internal/recovery"
	"github.com/ChuLiYu/segment-recovery/internal/worker"
	"github.com/ChuLiYu/segment-recovery/pkg/types"
)

var (
	// ErrNoRequests 批次中沒有任何 request
	ErrNoRequests = errors.New("no recovery requests")
	// ErrDuplicateProgressFile 兩個 job 指向同一個 progress file
	ErrDuplicateProgressFile = errors.New("duplicate progress file")
)

// DefaultParallelism 未設定並行度時使用
const DefaultParallelism = 4

// Orchestrator 執行一批 segment 復原
type Orchestrator struct {
	Env         recovery.Env    // 每個 job 共用的執行環境樣板
	Parallelism int             // 同時執行的 job 上限
	JobTimeout  time.Duration   // 單一 job 的超時，0 表示不限制
	ProgressDir string          // 預設 progress file 所在目錄
	Logger      logger.Logger   // 可為 nil
	Metrics     worker.Observer // 可為 nil

	newRunID func() string
}

// Report 一次批次執行的結果
type Report struct {
	RunID   string
	Results []JobResult // 與輸入 request 順序相同
}

// JobResult 單一 job 的結果
type JobResult struct {
	Dbid     int
	Kind     types.RecoveryKind
	Status   types.JobStatus
	Phase    types.ErrorPhase
	Record   types.HistoryRecord
	Err      error
	Duration time.Duration
}

// Failed 回傳失敗的 job
func (r *Report) Failed() []JobResult {
	var failed []JobResult
	for _, res := range r.Results {
		if res.Status == types.StatusFailed {
			failed = append(failed, res)
		}
	}
	return failed
}

// Succeeded 回傳成功的 job 數
func (r *Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == types.StatusSucceeded {
			n++
		}
	}
	return n
}

// Err 合併所有失敗 job 的錯誤，全部成功時為 nil
func (r *Report) Err() error {
	var err error
	for _, res := range r.Failed() {
		err = multierr.Append(err, res.Err)
	}
	return err
}

// Prepare 驗證 requests 並補上預設 progress file，不執行任何 job
func (o *Orchestrator) Prepare(reqs []types.RecoveryRequest) ([]types.RecoveryRequest, error) {
	prepared, _, err := o.prepare(o.runID(), reqs)
	return prepared, err
}

// Run 執行所有 request。job 失敗記錄在 Report 中，回傳的 error 只表示批次無法開始
func (o *Orchestrator) Run(ctx context.Context, reqs []types.RecoveryRequest) (*Report, error) {
	runID := o.runID()
	log := o.logger().With(logger.String("run_id", runID))

	prepared, jm, err := o.prepare(runID, reqs)
	if err != nil {
		return nil, err
	}

	env := o.Env
	env.Logger = log

	pool := worker.NewPool(len(prepared), o.Metrics, log)
	if err := pool.Start(ctx, o.parallelism(len(prepared))); err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}
	log.Info("recovery started",
		logger.Int("segments", len(prepared)),
		logger.Int("parallelism", pool.GetWorkerCount()))

	for _, req := range prepared {
		task := worker.Task{
			ID:      fmt.Sprintf("%s/dbid%d", runID, req.TargetDbid),
			Dbid:    req.TargetDbid,
			Kind:    req.Kind,
			Job:     trackedJob{job: recovery.NewJob(req), jm: jm},
			Env:     env,
			Timeout: o.JobTimeout,
		}
		if err := pool.Submit(task); err != nil {
			pool.Stop()
			return nil, fmt.Errorf("failed to submit dbid %d: %w", req.TargetDbid, err)
		}
	}

	for i := 0; i < len(prepared); i++ {
		res, err := pool.ReceiveResult()
		if err != nil {
			break
		}
		o.settle(jm, res, log)
	}
	pool.Stop()

	report := buildReport(runID, jm)
	log.Info("recovery finished",
		logger.Int("succeeded", report.Succeeded()),
		logger.Int("failed", len(report.Failed())))
	return report, nil
}

func (o *Orchestrator) settle(jm *jobmanager.JobManager, res worker.Result, log logger.Logger) {
	var err error
	if res.Success() {
		err = jm.MarkSucceeded(res.Dbid, res.Record)
		log.Info("segment recovered", logger.Int("dbid", res.Dbid), logger.Duration("duration", res.Duration))
	} else {
		err = jm.MarkFailed(res.Dbid, res.Phase, res.Error)
		log.Error("segment recovery failed",
			logger.Int("dbid", res.Dbid),
			logger.String("phase", res.Phase.String()),
			logger.Err(res.Error))
	}
	if err != nil {
		log.Warn("job status not updated", logger.Int("dbid", res.Dbid), logger.Err(err))
	}
}

// prepare 驗證並登記所有 request，任何錯誤都在 job 開始前回報
func (o *Orchestrator) prepare(runID string, reqs []types.RecoveryRequest) ([]types.RecoveryRequest, *jobmanager.JobManager, error) {
	if len(reqs) == 0 {
		return nil, nil, ErrNoRequests
	}

	jm := jobmanager.NewJobManager()
	prepared := make([]types.RecoveryRequest, 0, len(reqs))
	progressFiles := make(map[string]int, len(reqs))
	var errs error

	for _, req := range reqs {
		if req.ProgressFile == "" {
			req.ProgressFile = o.defaultProgressFile(runID, req)
		}
		if err := req.Validate(); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		file := filepath.Clean(req.ProgressFile)
		if other, dup := progressFiles[file]; dup {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s used by dbid %d and dbid %d",
				ErrDuplicateProgressFile, file, other, req.TargetDbid))
			continue
		}
		if err := jm.Enqueue(req); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		progressFiles[file] = req.TargetDbid
		prepared = append(prepared, req)
	}
	if errs != nil {
		return nil, nil, errs
	}
	return prepared, jm, nil
}

// defaultProgressFile <dir>/pg_basebackup.<run-id>.dbid<N>.out，incremental 用 pg_rewind
func (o *Orchestrator) defaultProgressFile(runID string, req types.RecoveryRequest) string {
	tool := "pg_basebackup"
	if req.Kind == types.KindIncremental {
		tool = "pg_rewind"
	}
	dir := o.ProgressDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("%s.%s.dbid%d.out", tool, runID, req.TargetDbid))
}

func (o *Orchestrator) parallelism(jobs int) int {
	n := o.Parallelism
	if n <= 0 {
		n = DefaultParallelism
	}
	if n > jobs {
		n = jobs
	}
	return n
}

func (o *Orchestrator) runID() string {
	if o.newRunID != nil {
		return o.newRunID()
	}
	return uuid.NewString()
}

func (o *Orchestrator) logger() logger.Logger {
	if o.Logger == nil {
		return logger.NewNop()
	}
	return o.Logger
}

func buildReport(runID string, jm *jobmanager.JobManager) *Report {
	entries := jm.Snapshot()
	report := &Report{RunID: runID, Results: make([]JobResult, 0, len(entries))}
	for _, e := range entries {
		report.Results = append(report.Results, JobResult{
			Dbid:     e.Request.TargetDbid,
			Kind:     e.Request.Kind,
			Status:   e.Status,
			Phase:    e.Phase,
			Record:   e.Record,
			Err:      e.Err,
			Duration: e.Duration(),
		})
	}
	return report
}

// trackedJob 在 job 開始時把狀態標為 running
type trackedJob struct {
	job *recovery.Job
	jm  *jobmanager.JobManager
}

func (t trackedJob) Execute(ctx context.Context, env recovery.Env) (types.HistoryRecord, error) {
	if err := t.jm.MarkRunning(t.job.Request.TargetDbid); err != nil {
		return types.HistoryRecord{}, err
	}
	return t.job.Execute(ctx, env)
}
