package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/segment-recovery/internal/history"
	"github.com/ChuLiYu/segment-recovery/internal/logger"
	"github.com/ChuLiYu/segment-recovery/internal/pgconf"
	"github.com/ChuLiYu/segment-recovery/internal/segment"
	"github.com/ChuLiYu/segment-recovery/internal/tools"
	"github.com/ChuLiYu/segment-recovery/pkg/types"
)

// Cloner runs the full-copy engine.
type Cloner interface {
	Clone(ctx context.Context, opts tools.BaseBackup) (time.Duration, error)
}

// Resyncer runs the incremental resync engine.
type Resyncer interface {
	Resync(ctx context.Context, opts tools.Rewind) (time.Duration, error)
}

// HistoryRecorder stores the bookkeeping row on the source segment.
type HistoryRecorder interface {
	Record(ctx context.Context, host string, port int, target history.Target, rec types.HistoryRecord) error
}

// ConfigPatcher rewrites one postgresql.conf setting.
type ConfigPatcher interface {
	Set(dir, key string, value any, t pgconf.ValueType) error
}

// ProcessStarter brings the recovered segment up.
type ProcessStarter interface {
	Start(ctx context.Context, req segment.StartRequest) error
}

// Observer is notified of transfer-level events; metrics implement it.
type Observer interface {
	CloneEscalated(dbid int)
	TransferCompleted(kind types.RecoveryKind, runtime time.Duration)
}

// Env is the per-job execution context. The same Env may be shared by
// concurrent jobs as long as its collaborators are safe for concurrent use.
type Env struct {
	Logger   logger.Logger
	Era      string
	SlotName string

	Cloner   Cloner
	Resyncer Resyncer
	Recorder HistoryRecorder
	Patcher  ConfigPatcher
	Starter  ProcessStarter
	Observer Observer
}

func (e Env) withDefaults() (Env, error) {
	switch {
	case e.Cloner == nil:
		return e, fmt.Errorf("%w: no cloner", ErrIncompleteEnv)
	case e.Resyncer == nil:
		return e, fmt.Errorf("%w: no resyncer", ErrIncompleteEnv)
	case e.Recorder == nil:
		return e, fmt.Errorf("%w: no history recorder", ErrIncompleteEnv)
	case e.Patcher == nil:
		return e, fmt.Errorf("%w: no config patcher", ErrIncompleteEnv)
	case e.Starter == nil:
		return e, fmt.Errorf("%w: no process starter", ErrIncompleteEnv)
	}
	if e.Logger == nil {
		e.Logger = logger.NewNop()
	}
	if e.Observer == nil {
		e.Observer = nopObserver{}
	}
	if e.SlotName == "" {
		e.SlotName = tools.DefaultSlotName
	}
	return e, nil
}

type nopObserver struct{}

func (nopObserver) CloneEscalated(int)                                  {}
func (nopObserver) TransferCompleted(types.RecoveryKind, time.Duration) {}
