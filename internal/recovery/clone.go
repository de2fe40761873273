package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/segment-recovery/internal/logger"
	"github.com/ChuLiYu/segment-recovery/internal/tools"
)

// CloneStatus tags the result of one clone attempt.
type CloneStatus int

const (
	// CloneSucceeded: data was copied.
	CloneSucceeded CloneStatus = iota
	// CloneNeedsSlot: the first attempt failed; the replication slot is
	// presumed missing and the attempt must be reissued creating it.
	CloneNeedsSlot
	// CloneFailed: the slot-creating attempt failed too. Terminal.
	CloneFailed
)

func (s CloneStatus) String() string {
	switch s {
	case CloneSucceeded:
		return "succeeded"
	case CloneNeedsSlot:
		return "needs-slot-creation"
	case CloneFailed:
		return "failed"
	default:
		return fmt.Sprintf("clone-status(%d)", int(s))
	}
}

// CloneOutcome is the tagged result of the clone sequence.
type CloneOutcome struct {
	Status   CloneStatus
	Runtime  time.Duration // runtime of the successful attempt
	Err      error
	Attempts int
}

// cloneWithEscalation runs at most two pg_basebackup attempts. The first
// honours the requested overwrite flag without creating the slot; if it
// fails for any reason the second creates the slot and forces overwrite.
func (j *Job) cloneWithEscalation(ctx context.Context, env Env, log logger.Logger) CloneOutcome {
	first := j.cloneAttempt(ctx, env, 1)
	if first.Status != CloneNeedsSlot {
		return first
	}

	log.Info("pg_basebackup failed, re-running and creating the replication slot",
		logger.Err(first.Err))
	env.Observer.CloneEscalated(j.Request.TargetDbid)

	second := j.cloneAttempt(ctx, env, 2)
	if second.Status == CloneFailed {
		second.Err = fmt.Errorf("after slot creation retry (first attempt: %v): %w", first.Err, second.Err)
	}
	return second
}

func (j *Job) cloneAttempt(ctx context.Context, env Env, attempt int) CloneOutcome {
	escalated := attempt > 1
	opts := tools.BaseBackup{
		TargetDir:      j.Request.TargetDataDir,
		SourceHost:     j.Request.SourceHostname,
		SourcePort:     j.Request.SourcePort,
		CreateSlot:     escalated,
		SlotName:       env.SlotName,
		ForceOverwrite: escalated || j.Request.ForceOverwrite,
		TargetDbid:     j.Request.TargetDbid,
		ProgressFile:   j.Request.ProgressFile,
	}

	runtime, err := env.Cloner.Clone(ctx, opts)
	switch {
	case err == nil:
		return CloneOutcome{Status: CloneSucceeded, Runtime: runtime, Attempts: attempt}
	case escalated:
		return CloneOutcome{Status: CloneFailed, Err: err, Attempts: attempt}
	default:
		return CloneOutcome{Status: CloneNeedsSlot, Err: err, Attempts: attempt}
	}
}
