// ============================================================================
// Segment Recovery Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs recovery jobs, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the recovery job (with optional timeout)
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Timeout Control:
//   A task with Timeout > 0 gets its own context.WithTimeout derived from the
//   pool context. The context is handed to every external tool the job runs.
//
// Error Handling:
//   - Job failure: the *recovery.PhasedError is kept in Result.Error and its
//     phase in Result.Phase
//   - Panic inside a job: recovered and reported as a failed Result so the
//     Worker keeps serving the channel
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/segment-recovery/internal/logger"
	"github.com/ChuLiYu/segment-recovery/internal/recovery"
	"github.com/ChuLiYu/segment-recovery/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	observer Observer
	log      logger.Logger
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, observer Observer, log logger.Logger) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		observer: observer,
		log:      log.With(logger.Int("worker", id)),
	}
}

// Run is the main loop of Worker. Results are sent blocking, the pool sizes
// resultCh so that every submitted task has room.
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		w.resultCh <- w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task Task) Result {
	start := time.Now()
	w.observer.JobStarted(task.Kind)
	w.log.Debug("task picked up", logger.String("task", task.ID), logger.Int("dbid", task.Dbid))

	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	rec, err := w.execute(ctx, task)
	phase := recovery.PhaseOf(err)
	w.observer.JobFinished(task.Kind, phase, err)

	return Result{
		TaskID:   task.ID,
		Dbid:     task.Dbid,
		Kind:     task.Kind,
		Record:   rec,
		Phase:    phase,
		Error:    err,
		Duration: time.Since(start),
	}
}

// execute runs the job and turns a panic into an error.
func (w *Worker) execute(ctx context.Context, task Task) (rec types.HistoryRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("recovery job panicked", logger.String("task", task.ID), logger.Any("panic", r))
			rec = types.HistoryRecord{}
			err = fmt.Errorf("recovery of dbid %d panicked: %v", task.Dbid, r)
		}
	}()
	if task.Job == nil {
		return types.HistoryRecord{}, fmt.Errorf("task %s has no job", task.ID)
	}
	return task.Job.Execute(ctx, task.Env)
}
