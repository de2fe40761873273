package snapshot

// ============================================================================
// 職責說明：
// 1. 將一次復原批次的結果序列化為 JSON 狀態檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 每個 job 的失敗階段以 error_type 字串輸出，供呼叫者判斷
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/ChuLiYu/segment-recovery/internal/orchestrator"
	"github.com/ChuLiYu/segment-recovery/pkg/types"
)

// SchemaVersion 目前的狀態檔版本
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// RunSnapshot 一次批次執行的結果
type RunSnapshot struct {
	SchemaVer int           `json:"schema_version"`
	RunID     string        `json:"run_id"`
	WrittenAt time.Time     `json:"written_at"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Jobs      []JobSnapshot `json:"jobs"`
}

// JobSnapshot 單一 segment 的結果
type JobSnapshot struct {
	Dbid         int                `json:"dbid"`
	Kind         types.RecoveryKind `json:"kind"`
	Status       types.JobStatus    `json:"status"`
	ErrorType    string             `json:"error_type"`          // ErrorPhase.String()
	ErrorMsg     string             `json:"error_msg,omitempty"` // 失敗時的錯誤訊息
	RecoveryTime int                `json:"recovery_time"`       // 秒，與 history 紀錄相同
	DurationMs   int64              `json:"duration_ms"`
}

// FromReport 將 orchestrator.Report 轉成可序列化的快照
func FromReport(r *orchestrator.Report) RunSnapshot {
	snap := RunSnapshot{
		RunID:     r.RunID,
		Succeeded: r.Succeeded(),
		Failed:    len(r.Failed()),
		Jobs:      make([]JobSnapshot, 0, len(r.Results)),
	}
	for _, res := range r.Results {
		job := JobSnapshot{
			Dbid:         res.Dbid,
			Kind:         res.Kind,
			Status:       res.Status,
			ErrorType:    res.Phase.String(),
			RecoveryTime: res.Record.RecoveryTime,
			DurationMs:   res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			job.ErrorMsg = res.Err.Error()
		}
		snap.Jobs = append(snap.Jobs, job)
	}
	return snap
}

// Manager 狀態檔管理器
type Manager struct {
	fs   afero.Fs
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewManager 建立狀態檔管理器，fs 為 nil 時使用 OsFs
func NewManager(fsys afero.Fs, path string) *Manager {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Manager{fs: fsys, path: path, now: time.Now}
}

// PathFor 回傳 run 的預設狀態檔路徑
func PathFor(dir, runID string) string {
	return filepath.Join(dir, fmt.Sprintf("segrecovery.%s.json", runID))
}

// Write 原子性寫入快照
//
// 1. 寫入臨時檔案（.tmp）
// 2. Rename 原子性替換原始檔案
func (m *Manager) Write(snap RunSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap.SchemaVer = SchemaVersion
	if snap.WrittenAt.IsZero() {
		snap.WrittenAt = m.now().UTC()
	}

	jsonBytes, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := m.fs.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := afero.WriteFile(m.fs, tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := m.fs.Rename(tmpPath, m.path); err != nil {
		_ = m.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照並驗證版本
func (m *Manager) Load() (RunSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var snap RunSnapshot
	jsonBytes, err := afero.ReadFile(m.fs, m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return snap, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
	}
	if err != nil {
		return snap, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &snap); err != nil {
		return snap, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if snap.SchemaVer != SchemaVersion {
		return snap, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, snap.SchemaVer, SchemaVersion)
	}
	return snap, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	ok, err := afero.Exists(m.fs, m.path)
	return err == nil && ok
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}
