// Package tools invokes the external data-transfer engines used by segment
// recovery: pg_basebackup for a full clone and pg_rewind for incremental
// resynchronization. Both run synchronously, stream progress to a file and
// report the elapsed runtime.
package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/shlex"

	"github.com/ChuLiYu/segment-recovery/internal/execx"
)

const (
	baseBackupUtility = "pg_basebackup"
	rewindUtility     = "pg_rewind"

	// DefaultSlotName is the replication slot mirrors stream from.
	DefaultSlotName = "internal_wal_replication_slot"

	// rewindApplicationName tags the pg_rewind source connection.
	rewindApplicationName = "__gprecoverseg_pg_rewind__"
	sourceDatabase        = "template1"
)

// BaseBackup holds the full-clone flag contract.
type BaseBackup struct {
	TargetDir      string
	SourceHost     string
	SourcePort     int
	CreateSlot     bool
	SlotName       string
	ForceOverwrite bool
	TargetDbid     int
	ProgressFile   string
}

// Args renders the pg_basebackup argument list.
func (b BaseBackup) Args() []string {
	args := []string{"-c", "fast",
		"-D", b.TargetDir,
		"-h", b.SourceHost,
		"-p", strconv.Itoa(b.SourcePort),
	}
	if b.CreateSlot {
		args = append(args, "--create-slot")
	}
	if b.SlotName != "" {
		args = append(args, "--slot", b.SlotName)
	}
	args = append(args, "--wal-method", "stream")
	if b.ForceOverwrite {
		args = append(args, "--force-overwrite")
	}
	args = append(args, "--write-recovery-conf",
		"--target-gp-dbid", strconv.Itoa(b.TargetDbid))
	if b.ProgressFile != "" {
		args = append(args, "--progress", "--verbose")
	}
	return args
}

// Rewind holds the incremental-resync flag contract.
type Rewind struct {
	TargetDir    string
	SourceHost   string
	SourcePort   int
	ProgressFile string
	SlotName     string
}

// SourceServer is the libpq conninfo pg_rewind reads the source from.
func (r Rewind) SourceServer() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s application_name=%s",
		r.SourceHost, r.SourcePort, sourceDatabase, rewindApplicationName)
}

// Args renders the pg_rewind argument list.
func (r Rewind) Args() []string {
	args := []string{"--write-recovery-conf"}
	if r.SlotName != "" {
		args = append(args, "--slot="+r.SlotName)
	}
	args = append(args,
		"--source-server="+r.SourceServer(),
		"--target-pgdata="+r.TargetDir,
	)
	if r.ProgressFile != "" {
		args = append(args, "--progress")
	}
	return args
}

// Invoker runs the transfer engines through an execx.Executor.
type Invoker struct {
	exec        execx.Executor
	binDir      string
	backupExtra []string
	rewindExtra []string
}

// NewInvoker builds an Invoker. binDir is $GPHOME/bin (empty means $PATH).
// backupOpts and rewindOpts are free-form option strings appended to every
// invocation; they are split with shell quoting rules.
func NewInvoker(exec execx.Executor, binDir, backupOpts, rewindOpts string) (*Invoker, error) {
	backupExtra, err := shlex.Split(backupOpts)
	if err != nil {
		return nil, fmt.Errorf("parse pg_basebackup options %q: %w", backupOpts, err)
	}
	rewindExtra, err := shlex.Split(rewindOpts)
	if err != nil {
		return nil, fmt.Errorf("parse pg_rewind options %q: %w", rewindOpts, err)
	}
	return &Invoker{
		exec:        exec,
		binDir:      binDir,
		backupExtra: backupExtra,
		rewindExtra: rewindExtra,
	}, nil
}

// Clone runs pg_basebackup and returns its runtime. Any non-zero exit or
// failure to reach the source is returned as an error.
func (i *Invoker) Clone(ctx context.Context, b BaseBackup) (time.Duration, error) {
	cmd := execx.Command{
		Name:       i.utility(baseBackupUtility),
		Args:       append(b.Args(), i.backupExtra...),
		OutputFile: b.ProgressFile,
	}
	res, err := i.exec.Run(ctx, cmd)
	if err != nil {
		return 0, fmt.Errorf("pg_basebackup for dbid %d: %w", b.TargetDbid, err)
	}
	return res.Runtime, nil
}

// Resync runs pg_rewind and returns its runtime.
func (i *Invoker) Resync(ctx context.Context, r Rewind) (time.Duration, error) {
	cmd := execx.Command{
		Name:       i.utility(rewindUtility),
		Args:       append(r.Args(), i.rewindExtra...),
		OutputFile: r.ProgressFile,
	}
	res, err := i.exec.Run(ctx, cmd)
	if err != nil {
		return 0, fmt.Errorf("pg_rewind of %s: %w", r.TargetDir, err)
	}
	return res.Runtime, nil
}

func (i *Invoker) utility(name string) string {
	if i.binDir == "" {
		return name
	}
	return filepath.Join(i.binDir, name)
}
