package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/segment-recovery/internal/recovery"
	"github.com/ChuLiYu/segment-recovery/pkg/types"
)

// Runner 執行單一 segment 的復原，*recovery.Job 實作此介面
type Runner interface {
	Execute(ctx context.Context, env recovery.Env) (types.HistoryRecord, error)
}

// Observer 接收 job 開始與結束的通知，metrics.Collector 實作此介面
type Observer interface {
	JobStarted(kind types.RecoveryKind)
	JobFinished(kind types.RecoveryKind, phase types.ErrorPhase, err error)
}

// Task 代表要執行的任務
type Task struct {
	ID      string             // 任務唯一識別碼
	Dbid    int                // 目標 segment 的 dbid
	Kind    types.RecoveryKind // 復原方式
	Job     Runner             // 實際執行的 job
	Env     recovery.Env       // job 執行環境
	Timeout time.Duration      // 執行超時時間，0 表示不限制
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string              // 任務 ID
	Dbid     int                 // 目標 segment 的 dbid
	Kind     types.RecoveryKind  // 復原方式
	Record   types.HistoryRecord // 成功時寫入的 history 紀錄
	Phase    types.ErrorPhase    // 失敗階段，成功時為 PhaseNone
	Error    error               // 錯誤訊息（如果有）
	Duration time.Duration       // 實際執行時間
}

// Success 回傳任務是否成功
func (r Result) Success() bool {
	return r.Error == nil
}
