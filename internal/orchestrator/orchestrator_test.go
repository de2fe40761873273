package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/segment-recovery/internal/history"
	"github.com/ChuLiYu/segment-recovery/internal/jobmanager"
	"github.com/ChuLiYu/segment-recovery/internal/pgconf"
	"github.com/ChuLiYu/segment-recovery/internal/recovery"
	"github.com/ChuLiYu/segment-recovery/internal/segment"
	"github.com/ChuLiYu/segment-recovery/internal/tools"
	"github.com/ChuLiYu/segment-recovery/pkg/types"
)

// ============================================================================
// Fakes
// ============================================================================

// fakeTransfer serves as both Cloner and Resyncer.
type fakeTransfer struct {
	mu           sync.Mutex
	cloneFails   map[int]int // remaining clone failures per dbid
	resyncFails  map[int]bool
	block        bool // wait for ctx instead of returning
	delay        time.Duration
	clones       []tools.BaseBackup
	rewinds      []tools.Rewind
	running      int
	peak         int
	transferTime time.Duration
}

func newFakeTransfer() *fakeTransfer {
	return &fakeTransfer{
		cloneFails:   make(map[int]int),
		resyncFails:  make(map[int]bool),
		transferTime: 3 * time.Second,
	}
}

func (f *fakeTransfer) enter() {
	f.mu.Lock()
	f.running++
	if f.running > f.peak {
		f.peak = f.running
	}
	f.mu.Unlock()
}

func (f *fakeTransfer) leave() {
	f.mu.Lock()
	f.running--
	f.mu.Unlock()
}

func (f *fakeTransfer) wait(ctx context.Context) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return nil
}

func (f *fakeTransfer) Clone(ctx context.Context, b tools.BaseBackup) (time.Duration, error) {
	f.enter()
	defer f.leave()

	f.mu.Lock()
	f.clones = append(f.clones, b)
	fail := f.cloneFails[b.TargetDbid] > 0
	if fail {
		f.cloneFails[b.TargetDbid]--
	}
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	if fail {
		return 0, fmt.Errorf("pg_basebackup for dbid %d: exit status 1", b.TargetDbid)
	}
	return f.transferTime, nil
}

func (f *fakeTransfer) Resync(ctx context.Context, r tools.Rewind) (time.Duration, error) {
	f.enter()
	defer f.leave()

	f.mu.Lock()
	f.rewinds = append(f.rewinds, r)
	fail := f.resyncFails[r.SourcePort]
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	if fail {
		return 0, errors.New("pg_rewind: exit status 1")
	}
	return f.transferTime, nil
}

func (f *fakeTransfer) clonesFor(dbid int) []tools.BaseBackup {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tools.BaseBackup
	for _, c := range f.clones {
		if c.TargetDbid == dbid {
			out = append(out, c)
		}
	}
	return out
}

type fakeRecorder struct {
	mu      sync.Mutex
	records map[int]types.HistoryRecord
	targets map[int]history.Target
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{records: make(map[int]types.HistoryRecord), targets: make(map[int]history.Target)}
}

func (r *fakeRecorder) Record(_ context.Context, _ string, _ int, target history.Target, rec types.HistoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.DestDbid] = rec
	r.targets[rec.DestDbid] = target
	return nil
}

type fakePatcher struct {
	mu    sync.Mutex
	ports map[string]any
}

func (p *fakePatcher) Set(dir, key string, value any, _ pgconf.ValueType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ports == nil {
		p.ports = make(map[string]any)
	}
	if key == "port" {
		p.ports[dir] = value
	}
	return nil
}

type fakeStarter struct {
	mu      sync.Mutex
	fail    map[int]bool
	started map[int]segment.StartRequest
}

func (s *fakeStarter) Start(_ context.Context, req segment.StartRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[req.Dbid] {
		return &segment.StartError{DataDir: req.DataDir, Port: req.Port, Err: errors.New("pg_ctl: could not start server")}
	}
	if s.started == nil {
		s.started = make(map[int]segment.StartRequest)
	}
	s.started[req.Dbid] = req
	return nil
}

type countingObserver struct {
	mu       sync.Mutex
	started  int
	finished int
}

func (o *countingObserver) JobStarted(types.RecoveryKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) JobFinished(types.RecoveryKind, types.ErrorPhase, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
}

type fixture struct {
	transfer *fakeTransfer
	recorder *fakeRecorder
	patcher  *fakePatcher
	starter  *fakeStarter
	orch     *Orchestrator
}

func newFixture() *fixture {
	f := &fixture{
		transfer: newFakeTransfer(),
		recorder: newFakeRecorder(),
		patcher:  &fakePatcher{},
		starter:  &fakeStarter{fail: make(map[int]bool)},
	}
	f.orch = &Orchestrator{
		Env: recovery.Env{
			Era:      "era-1",
			Cloner:   f.transfer,
			Resyncer: f.transfer,
			Recorder: f.recorder,
			Patcher:  f.patcher,
			Starter:  f.starter,
		},
		Parallelism: 2,
		ProgressDir: "/home/gpadmin/gpAdminLogs",
		newRunID:    func() string { return "run-1" },
	}
	return f
}

func full(dbid int) types.RecoveryRequest {
	return types.RecoveryRequest{
		TargetDbid:     dbid,
		TargetDataDir:  fmt.Sprintf("/data/mirror/gpseg%d", dbid),
		TargetPort:     7000 + dbid,
		SourceHostname: "sdw1",
		SourcePort:     6000 + dbid,
		Kind:           types.KindFull,
	}
}

func incremental(dbid int) types.RecoveryRequest {
	req := full(dbid)
	req.Kind = types.KindIncremental
	return req
}

func resultFor(t *testing.T, r *Report, dbid int) JobResult {
	t.Helper()
	for _, res := range r.Results {
		if res.Dbid == dbid {
			return res
		}
	}
	t.Fatalf("no result for dbid %d", dbid)
	return JobResult{}
}

// ============================================================================
// Run
// ============================================================================

func TestRunAllSucceed(t *testing.T) {
	f := newFixture()
	reqs := []types.RecoveryRequest{full(2), incremental(3), full(4)}

	report, err := f.orch.Run(context.Background(), reqs)
	require.NoError(t, err)

	assert.Equal(t, "run-1", report.RunID)
	require.Len(t, report.Results, 3)
	assert.Equal(t, []int{2, 3, 4}, []int{report.Results[0].Dbid, report.Results[1].Dbid, report.Results[2].Dbid})
	assert.Equal(t, 3, report.Succeeded())
	assert.Empty(t, report.Failed())
	assert.NoError(t, report.Err())

	for _, res := range report.Results {
		assert.Equal(t, types.StatusSucceeded, res.Status)
		assert.Equal(t, types.PhaseNone, res.Phase)
		assert.Equal(t, 3, res.Record.RecoveryTime)
	}
	assert.Equal(t, 1, resultFor(t, report, 2).Record.IsFull)
	assert.Equal(t, 0, resultFor(t, report, 3).Record.IsFull)

	assert.Equal(t, history.FullTarget, f.recorder.targets[2])
	assert.Equal(t, history.IncrementalTarget, f.recorder.targets[3])
	assert.Equal(t, 7003, f.patcher.ports["/data/mirror/gpseg3"])

	started := f.starter.started[4]
	assert.Equal(t, "era-1", started.Era)
	assert.Equal(t, segment.RoleMirror, started.Role)
	assert.Equal(t, segment.ModeUtility, started.Mode)
}

func TestRunIsolatesFailures(t *testing.T) {
	f := newFixture()
	f.transfer.cloneFails[2] = 2 // both attempts fail
	f.transfer.resyncFails[6005] = true
	f.starter.fail[3] = true

	reqs := []types.RecoveryRequest{full(2), full(3), full(4), incremental(5)}
	report, err := f.orch.Run(context.Background(), reqs)
	require.NoError(t, err)

	transfer := resultFor(t, report, 2)
	assert.Equal(t, types.StatusFailed, transfer.Status)
	assert.Equal(t, types.PhaseTransfer, transfer.Phase)
	assert.Len(t, f.transfer.clonesFor(2), 2)
	assert.NotContains(t, f.recorder.records, 2)
	assert.NotContains(t, f.patcher.ports, "/data/mirror/gpseg2")

	start := resultFor(t, report, 3)
	assert.Equal(t, types.StatusFailed, start.Status)
	assert.Equal(t, types.PhaseStart, start.Phase)
	var startErr *segment.StartError
	assert.ErrorAs(t, start.Err, &startErr)

	assert.Equal(t, types.StatusSucceeded, resultFor(t, report, 4).Status)

	resync := resultFor(t, report, 5)
	assert.Equal(t, types.PhaseResync, resync.Phase)
	assert.NotContains(t, f.starter.started, 5)

	assert.Equal(t, 1, report.Succeeded())
	assert.Len(t, report.Failed(), 3)
	assert.Len(t, multierr.Errors(report.Err()), 3)
	assert.ErrorAs(t, report.Err(), &startErr)
}

func TestRunCloneEscalation(t *testing.T) {
	f := newFixture()
	f.transfer.cloneFails[2] = 1

	req := full(2)
	report, err := f.orch.Run(context.Background(), []types.RecoveryRequest{req})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, report.Results[0].Status)

	clones := f.transfer.clonesFor(2)
	require.Len(t, clones, 2)
	assert.False(t, clones[0].CreateSlot)
	assert.False(t, clones[0].ForceOverwrite)
	assert.True(t, clones[1].CreateSlot)
	assert.True(t, clones[1].ForceOverwrite)
}

func TestRunFillsDefaultProgressFiles(t *testing.T) {
	f := newFixture()
	custom := incremental(4)
	custom.ProgressFile = "/tmp/custom.out"

	_, err := f.orch.Run(context.Background(), []types.RecoveryRequest{full(2), incremental(3), custom})
	require.NoError(t, err)

	assert.Equal(t, "/home/gpadmin/gpAdminLogs/pg_basebackup.run-1.dbid2.out", f.transfer.clonesFor(2)[0].ProgressFile)

	files := map[string]bool{}
	for _, r := range f.transfer.rewinds {
		files[r.ProgressFile] = true
	}
	assert.True(t, files["/home/gpadmin/gpAdminLogs/pg_rewind.run-1.dbid3.out"])
	assert.True(t, files["/tmp/custom.out"])
}

func TestRunRespectsParallelism(t *testing.T) {
	f := newFixture()
	f.transfer.delay = 20 * time.Millisecond
	f.orch.Parallelism = 2

	var reqs []types.RecoveryRequest
	for dbid := 2; dbid <= 7; dbid++ {
		reqs = append(reqs, full(dbid))
	}
	report, err := f.orch.Run(context.Background(), reqs)
	require.NoError(t, err)

	assert.Equal(t, 6, report.Succeeded())
	assert.LessOrEqual(t, f.transfer.peak, 2)
}

func TestRunJobTimeout(t *testing.T) {
	f := newFixture()
	f.transfer.block = true
	f.orch.JobTimeout = 20 * time.Millisecond

	report, err := f.orch.Run(context.Background(), []types.RecoveryRequest{full(2)})
	require.NoError(t, err)

	res := report.Results[0]
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.Equal(t, types.PhaseTransfer, res.Phase)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Empty(t, f.recorder.records)
}

func TestRunNotifiesMetrics(t *testing.T) {
	f := newFixture()
	obs := &countingObserver{}
	f.orch.Metrics = obs

	_, err := f.orch.Run(context.Background(), []types.RecoveryRequest{full(2), incremental(3)})
	require.NoError(t, err)

	assert.Equal(t, 2, obs.started)
	assert.Equal(t, 2, obs.finished)
}

func TestRunIncompleteEnv(t *testing.T) {
	f := newFixture()
	f.orch.Env.Starter = nil

	report, err := f.orch.Run(context.Background(), []types.RecoveryRequest{full(2)})
	require.NoError(t, err)
	assert.ErrorIs(t, report.Results[0].Err, recovery.ErrIncompleteEnv)
	assert.Empty(t, f.transfer.clones)
}

// ============================================================================
// Validation
// ============================================================================

func TestRunNoRequests(t *testing.T) {
	f := newFixture()
	_, err := f.orch.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoRequests)
}

func TestRunRejectsDuplicateProgressFile(t *testing.T) {
	f := newFixture()
	a, b := full(2), incremental(3)
	a.ProgressFile = "/tmp/shared.out"
	b.ProgressFile = "/tmp/../tmp/shared.out"

	report, err := f.orch.Run(context.Background(), []types.RecoveryRequest{a, b})
	assert.Nil(t, report)
	assert.ErrorIs(t, err, ErrDuplicateProgressFile)
	assert.Empty(t, f.transfer.clones)
	assert.Empty(t, f.transfer.rewinds)
}

func TestRunRejectsDuplicateDbid(t *testing.T) {
	f := newFixture()
	a, b := full(2), incremental(2)
	b.ProgressFile = "/tmp/other.out"

	_, err := f.orch.Run(context.Background(), []types.RecoveryRequest{a, b})
	assert.ErrorIs(t, err, jobmanager.ErrDuplicateJob)
}

func TestRunReportsEveryInvalidRequest(t *testing.T) {
	f := newFixture()
	noHost := full(2)
	noHost.SourceHostname = ""
	relative := full(3)
	relative.TargetDataDir = "data/gpseg3"

	_, err := f.orch.Run(context.Background(), []types.RecoveryRequest{noHost, relative, full(4)})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Empty(t, f.transfer.clones)
}

func TestPrepare(t *testing.T) {
	f := newFixture()
	prepared, err := f.orch.Prepare([]types.RecoveryRequest{full(2), incremental(3)})
	require.NoError(t, err)

	require.Len(t, prepared, 2)
	assert.Equal(t, "/home/gpadmin/gpAdminLogs/pg_basebackup.run-1.dbid2.out", prepared[0].ProgressFile)
	assert.Equal(t, "/home/gpadmin/gpAdminLogs/pg_rewind.run-1.dbid3.out", prepared[1].ProgressFile)
	assert.Empty(t, f.transfer.clones)
}

func TestDefaultRunIDIsUnique(t *testing.T) {
	o := &Orchestrator{}
	assert.NotEqual(t, o.runID(), o.runID())
}

func TestParallelismBounds(t *testing.T) {
	o := &Orchestrator{}
	assert.Equal(t, 2, o.parallelism(2))
	assert.Equal(t, DefaultParallelism, o.parallelism(10))

	o.Parallelism = 1
	assert.Equal(t, 1, o.parallelism(10))
}
