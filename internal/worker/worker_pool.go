// ============================================================================
// Segment Recovery Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和 recovery job 分發
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行，數量即為復原並行度
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 收集執行結果
//
// 架構組件:
//   ┌──────────────┐
//   │ Orchestrator │ --Submit()--> taskCh
//   └──────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成
//
// 並發控制:
//   - Submit 在持有讀鎖時發送，Stop 取得寫鎖後才關閉 taskCh，
//     因此不會向已關閉的 channel 發送
//   - resultCh 的緩衝需容納所有尚未讀取的結果，Worker 以阻塞方式回報
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/segment-recovery/internal/logger"
	"github.com/ChuLiYu/segment-recovery/pkg/types"
)

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已經啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker      // 所有啟動的 Worker 實例
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	wg       sync.WaitGroup // 等待所有 Worker 完成
	observer Observer
	log      logger.Logger

	mu      sync.RWMutex // 保護 started / stopped 與 taskCh 的關閉
	started bool
	stopped bool
}

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小，應不小於將提交的任務數
//   - observer: job 開始/結束通知，可為 nil
//   - log: 可為 nil
func NewPool(bufferSize int, observer Observer, log logger.Logger) *Pool {
	if observer == nil {
		observer = nopObserver{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		observer: observer,
		log:      log,
	}
}

// Start 啟動指定數量的 Worker，ctx 會傳給每個 job
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.resultCh, p.observer, p.log)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	p.log.Debug("worker pool started", logger.Int("workers", workerCount))
	return nil
}

// Submit 提交任務到 Worker Pool，taskCh 已滿時會阻塞
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	p.taskCh <- task
	return nil
}

// ReceiveResult 從結果通道接收執行結果，Pool 停止且結果讀完後回傳 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 taskCh
//  2. Worker 處理完 taskCh 中剩餘的任務後退出
//  3. 等待所有 Worker 完成後關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

type nopObserver struct{}

func (nopObserver) JobStarted(types.RecoveryKind)                           {}
func (nopObserver) JobFinished(types.RecoveryKind, types.ErrorPhase, error) {}
