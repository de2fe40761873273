// ============================================================================
// Segment Recovery 任務管理器 - 批次狀態追蹤
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 追蹤一個復原批次中每個 segment job 的狀態
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ MarkRunning()
//   Running (執行中)
//      ↓ MarkSucceeded() / MarkFailed()
//   Succeeded (成功) / Failed (失敗，記錄失敗階段)
//
// 數據結構設計:
//   jobs map[dbid]*Entry - 主存儲，dbid 在一個批次中唯一
//   order []int          - 加入順序，Snapshot() 依此輸出
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - Worker goroutine 並發呼叫 Mark* 方法
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/segment-recovery/pkg/types"
)

var (
	// ErrDuplicateJob 同一批次中 dbid 重複
	ErrDuplicateJob = errors.New("job for dbid already exists")
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition 狀態轉換不合法
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Entry 一個 job 的完整狀態
type Entry struct {
	Request   types.RecoveryRequest
	Status    types.JobStatus
	Phase     types.ErrorPhase    // 失敗階段，成功或未完成時為 PhaseNone
	Record    types.HistoryRecord // 成功時寫入的 history 紀錄
	Err       error
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration 回傳執行時間，尚未結束時為 0
func (e Entry) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.EndedAt.IsZero() {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// JobManager 代表任務管理器
type JobManager struct {
	mu    sync.RWMutex
	jobs  map[int]*Entry
	order []int
	now   func() time.Time
}

// NewJobManager 建立新的任務管理器實例
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:  make(map[int]*Entry),
		order: make([]int, 0),
		now:   time.Now,
	}
}

// Enqueue 將 request 加入批次，狀態為 pending
//
// 錯誤處理：
//   - ErrDuplicateJob: 同一 dbid 已存在
func (jm *JobManager) Enqueue(req types.RecoveryRequest) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[req.TargetDbid]; exists {
		return fmt.Errorf("%w: dbid %d", ErrDuplicateJob, req.TargetDbid)
	}
	jm.jobs[req.TargetDbid] = &Entry{
		Request:   req,
		Status:    types.StatusPending,
		CreatedAt: jm.now(),
	}
	jm.order = append(jm.order, req.TargetDbid)
	return nil
}

// MarkRunning pending → running
func (jm *JobManager) MarkRunning(dbid int) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, err := jm.transition(dbid, types.StatusPending, types.StatusRunning)
	if err != nil {
		return err
	}
	e.StartedAt = jm.now()
	return nil
}

// MarkSucceeded running → succeeded
func (jm *JobManager) MarkSucceeded(dbid int, rec types.HistoryRecord) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, err := jm.transition(dbid, types.StatusRunning, types.StatusSucceeded)
	if err != nil {
		return err
	}
	e.Record = rec
	e.EndedAt = jm.now()
	return nil
}

// MarkFailed running → failed，記錄失敗階段與錯誤
func (jm *JobManager) MarkFailed(dbid int, phase types.ErrorPhase, cause error) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, err := jm.transition(dbid, types.StatusRunning, types.StatusFailed)
	if err != nil {
		return err
	}
	e.Phase = phase
	e.Err = cause
	e.EndedAt = jm.now()
	return nil
}

// transition 檢查並更新狀態，呼叫者必須持有寫鎖
func (jm *JobManager) transition(dbid int, from, to types.JobStatus) (*Entry, error) {
	e, exists := jm.jobs[dbid]
	if !exists {
		return nil, fmt.Errorf("%w: dbid %d", ErrJobNotFound, dbid)
	}
	if e.Status != from {
		return nil, fmt.Errorf("%w: dbid %d is %s, cannot become %s", ErrInvalidTransition, dbid, e.Status, to)
	}
	e.Status = to
	return e, nil
}

// Get 回傳 dbid 的狀態副本
func (jm *JobManager) Get(dbid int) (Entry, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	e, exists := jm.jobs[dbid]
	if !exists {
		return Entry{}, false
	}
	return *e, true
}

// Stats 回傳各狀態的任務數
func (jm *JobManager) Stats() map[types.JobStatus]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[types.JobStatus]int{
		types.StatusPending:   0,
		types.StatusRunning:   0,
		types.StatusSucceeded: 0,
		types.StatusFailed:    0,
	}
	for _, e := range jm.jobs {
		stats[e.Status]++
	}
	return stats
}

// Snapshot 依加入順序回傳所有任務狀態的副本
func (jm *JobManager) Snapshot() []Entry {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]Entry, 0, len(jm.order))
	for _, dbid := range jm.order {
		out = append(out, *jm.jobs[dbid])
	}
	return out
}

// Len 回傳任務數
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.order)
}
