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

// portKey is the postgresql.conf setting rewritten after every transfer.
const portKey = "port"

// Job recovers one segment.
type Job struct {
	Request types.RecoveryRequest
}

// NewJob wraps req in a Job.
func NewJob(req types.RecoveryRequest) *Job {
	return &Job{Request: req}
}

// Execute runs the job end to end and returns the history record it wrote.
// Any failure is a *PhasedError.
func (j *Job) Execute(ctx context.Context, env Env) (types.HistoryRecord, error) {
	env, err := env.withDefaults()
	if err != nil {
		return types.HistoryRecord{}, err
	}
	log := env.Logger.With(
		logger.Int("dbid", j.Request.TargetDbid),
		logger.String("kind", string(j.Request.Kind)),
	)

	var runtime time.Duration
	switch j.Request.Kind {
	case types.KindFull:
		runtime, err = j.transferFull(ctx, env, log)
	case types.KindIncremental:
		runtime, err = j.transferIncremental(ctx, env, log)
	default:
		return types.HistoryRecord{}, j.fail(types.PhaseNone,
			fmt.Errorf("%w: unknown recovery kind %q", types.ErrInvalidRequest, j.Request.Kind))
	}
	if err != nil {
		return types.HistoryRecord{}, err
	}
	env.Observer.TransferCompleted(j.Request.Kind, runtime)

	rec := j.historyRecord(runtime)
	if err := env.Recorder.Record(ctx, j.Request.SourceHostname, j.Request.SourcePort,
		history.TargetFor(j.Request.Kind), rec); err != nil {
		return types.HistoryRecord{}, j.fail(j.historyPhase(), err)
	}
	log.Debug("recorded recovery history", logger.Int("recovery_time", rec.RecoveryTime))

	if err := j.updatePort(env, log); err != nil {
		return types.HistoryRecord{}, err
	}
	if err := j.start(ctx, env, log); err != nil {
		return types.HistoryRecord{}, err
	}
	return rec, nil
}

func (j *Job) transferFull(ctx context.Context, env Env, log logger.Logger) (time.Duration, error) {
	log.Info("running pg_basebackup", logger.String("progress_file", j.Request.ProgressFile))

	outcome := j.cloneWithEscalation(ctx, env, log)
	if outcome.Status != CloneSucceeded {
		return 0, j.fail(types.PhaseTransfer, outcome.Err)
	}
	log.Info("pg_basebackup succeeded",
		logger.Duration("runtime", outcome.Runtime),
		logger.Int("attempts", outcome.Attempts))
	return outcome.Runtime, nil
}

func (j *Job) transferIncremental(ctx context.Context, env Env, log logger.Logger) (time.Duration, error) {
	log.Info("running pg_rewind", logger.String("progress_file", j.Request.ProgressFile))

	runtime, err := env.Resyncer.Resync(ctx, tools.Rewind{
		TargetDir:    j.Request.TargetDataDir,
		SourceHost:   j.Request.SourceHostname,
		SourcePort:   j.Request.SourcePort,
		ProgressFile: j.Request.ProgressFile,
		SlotName:     env.SlotName,
	})
	if err != nil {
		return 0, j.fail(types.PhaseResync, err)
	}
	log.Info("pg_rewind succeeded", logger.Duration("runtime", runtime))
	return runtime, nil
}

func (j *Job) updatePort(env Env, log logger.Logger) error {
	log.Info("updating port in postgresql.conf",
		logger.String("path", pgconf.Path(j.Request.TargetDataDir)),
		logger.Int("port", j.Request.TargetPort))

	if err := env.Patcher.Set(j.Request.TargetDataDir, portKey, j.Request.TargetPort, pgconf.TypeNumber); err != nil {
		return j.fail(types.PhaseConfigUpdate, err)
	}
	return nil
}

func (j *Job) start(ctx context.Context, env Env, log logger.Logger) error {
	req := segment.StartRequest{
		Dbid:                 j.Request.TargetDbid,
		DataDir:              j.Request.TargetDataDir,
		Port:                 j.Request.TargetPort,
		Role:                 segment.RoleMirror,
		Mode:                 segment.ModeUtility,
		Era:                  env.Era,
		NumContentsInCluster: 0,
	}
	log.Info("starting segment", logger.String("role", req.Role), logger.String("mode", req.Mode))

	if err := env.Starter.Start(ctx, req); err != nil {
		return j.fail(types.PhaseStart, err)
	}
	return nil
}

// historyRecord builds the bookkeeping row. The true source dbid is not part
// of the request, so the target dbid fills both columns.
func (j *Job) historyRecord(runtime time.Duration) types.HistoryRecord {
	rec := types.HistoryRecord{
		SourceDbid:   j.Request.TargetDbid,
		DestDbid:     j.Request.TargetDbid,
		RecoveryTime: int(runtime / time.Second),
	}
	if j.Request.Kind.IsFull() {
		rec.IsFull = 1
	}
	return rec
}

// historyPhase is the phase a bookkeeping failure is reported under. A
// completed clone clears the phase; a completed resync does not.
func (j *Job) historyPhase() types.ErrorPhase {
	if j.Request.Kind.IsFull() {
		return types.PhaseNone
	}
	return types.PhaseResync
}

func (j *Job) fail(phase types.ErrorPhase, err error) error {
	return &PhasedError{Phase: phase, Dbid: j.Request.TargetDbid, Err: err}
}
