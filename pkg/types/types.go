// Package types 定義了 segment recovery 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidRequest 表示 RecoveryRequest 缺少必要欄位或欄位不合法
var ErrInvalidRequest = errors.New("invalid recovery request")

// RecoveryKind 復原方式
type RecoveryKind string

// 定義復原方式常數
const (
	KindFull        RecoveryKind = "full"        // 完整複製：從 source 重新拷貝整個 segment
	KindIncremental RecoveryKind = "incremental" // 增量同步：只同步分歧的資料
)

// IsFull 回傳是否為完整複製
func (k RecoveryKind) IsFull() bool {
	return k == KindFull
}

// UnmarshalText 支援 YAML/JSON 解碼，大小寫不敏感
func (k *RecoveryKind) UnmarshalText(text []byte) error {
	switch RecoveryKind(strings.ToLower(strings.TrimSpace(string(text)))) {
	case KindFull:
		*k = KindFull
	case KindIncremental:
		*k = KindIncremental
	default:
		return fmt.Errorf("unknown recovery kind %q", string(text))
	}
	return nil
}

// ErrorPhase 記錄 job 失敗時所在的階段
type ErrorPhase int

// 定義錯誤階段常數
const (
	PhaseNone         ErrorPhase = iota // 尚未記錄錯誤 / 成功完成
	PhaseTransfer                       // 完整複製（含建立 slot 的重試）失敗
	PhaseResync                         // 增量同步失敗
	PhaseConfigUpdate                   // postgresql.conf 更新失敗
	PhaseStart                          // segment 啟動失敗
)

func (p ErrorPhase) String() string {
	switch p {
	case PhaseNone:
		return "default"
	case PhaseTransfer:
		return "transfer-error"
	case PhaseResync:
		return "resync-error"
	case PhaseConfigUpdate:
		return "update-error"
	case PhaseStart:
		return "start-error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending   JobStatus = "pending"   // 已建立但尚未執行
	StatusRunning   JobStatus = "running"   // 正在執行
	StatusSucceeded JobStatus = "succeeded" // 所有階段完成
	StatusFailed    JobStatus = "failed"    // 在某個階段失敗
)

// RecoveryRequest 描述一個 segment 的復原工作，建立後不可修改
type RecoveryRequest struct {
	TargetDbid     int          `yaml:"target_dbid" json:"target_dbid"`         // 故障 replica 的 dbid
	TargetDataDir  string       `yaml:"target_datadir" json:"target_datadir"`   // 目標資料目錄
	TargetPort     int          `yaml:"target_port" json:"target_port"`         // 目標 port
	SourceHostname string       `yaml:"source_hostname" json:"source_hostname"` // 健康 peer 的主機名
	SourcePort     int          `yaml:"source_port" json:"source_port"`         // 健康 peer 的 port
	ProgressFile   string       `yaml:"progress_file" json:"progress_file"`     // 傳輸進度輸出檔
	Kind           RecoveryKind `yaml:"kind" json:"kind"`                       // 復原方式
	ForceOverwrite bool         `yaml:"force_overwrite" json:"force_overwrite"` // 僅 full 有效
}

// Validate 檢查必要欄位
func (r RecoveryRequest) Validate() error {
	switch {
	case r.TargetDbid <= 0:
		return fmt.Errorf("%w: target dbid must be positive, got %d", ErrInvalidRequest, r.TargetDbid)
	case r.TargetDataDir == "":
		return fmt.Errorf("%w: dbid %d: target datadir is empty", ErrInvalidRequest, r.TargetDbid)
	case !filepath.IsAbs(r.TargetDataDir):
		return fmt.Errorf("%w: dbid %d: target datadir %q is not absolute", ErrInvalidRequest, r.TargetDbid, r.TargetDataDir)
	case !validPort(r.TargetPort):
		return fmt.Errorf("%w: dbid %d: invalid target port %d", ErrInvalidRequest, r.TargetDbid, r.TargetPort)
	case r.SourceHostname == "":
		return fmt.Errorf("%w: dbid %d: source hostname is empty", ErrInvalidRequest, r.TargetDbid)
	case !validPort(r.SourcePort):
		return fmt.Errorf("%w: dbid %d: invalid source port %d", ErrInvalidRequest, r.TargetDbid, r.SourcePort)
	case r.ProgressFile == "":
		return fmt.Errorf("%w: dbid %d: progress file is empty", ErrInvalidRequest, r.TargetDbid)
	case r.Kind != KindFull && r.Kind != KindIncremental:
		return fmt.Errorf("%w: dbid %d: unknown recovery kind %q", ErrInvalidRequest, r.TargetDbid, r.Kind)
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// HistoryRecord 每個完成的 job 在 source 上寫入的一列紀錄
// NetworkSpeed, DiskReadSpeed, RecoverySize 為保留欄位，目前固定為 0
type HistoryRecord struct {
	SourceDbid    int `db:"source_dbid"`
	DestDbid      int `db:"dest_dbid"`
	IsFull        int `db:"recovery_is_full"`
	RecoveryTime  int `db:"recovery_time"` // 秒
	NetworkSpeed  int `db:"network_speed_at_start"`
	DiskReadSpeed int `db:"disk_read_speed"`
	RecoverySize  int `db:"recovery_size"`
}
