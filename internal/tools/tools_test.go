package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/segment-recovery/internal/execx"
)

func TestBaseBackupArgs(t *testing.T) {
	tests := []struct {
		name string
		in   BaseBackup
		want []string
	}{
		{
			name: "first attempt without slot creation",
			in: BaseBackup{
				TargetDir: "/data/mirror/gpseg0", SourceHost: "sdw1", SourcePort: 6000,
				SlotName: DefaultSlotName, TargetDbid: 5, ProgressFile: "/tmp/p.out",
			},
			want: []string{"-c", "fast", "-D", "/data/mirror/gpseg0", "-h", "sdw1", "-p", "6000",
				"--slot", DefaultSlotName, "--wal-method", "stream",
				"--write-recovery-conf", "--target-gp-dbid", "5", "--progress", "--verbose"},
		},
		{
			name: "escalated attempt creates slot and overwrites",
			in: BaseBackup{
				TargetDir: "/data/mirror/gpseg0", SourceHost: "sdw1", SourcePort: 6000,
				CreateSlot: true, SlotName: DefaultSlotName, ForceOverwrite: true, TargetDbid: 5,
			},
			want: []string{"-c", "fast", "-D", "/data/mirror/gpseg0", "-h", "sdw1", "-p", "6000",
				"--create-slot", "--slot", DefaultSlotName, "--wal-method", "stream", "--force-overwrite",
				"--write-recovery-conf", "--target-gp-dbid", "5"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Args())
		})
	}
}

func TestRewindArgs(t *testing.T) {
	r := Rewind{TargetDir: "/data/mirror/gpseg1", SourceHost: "sdw2", SourcePort: 6001, ProgressFile: "/tmp/r.out", SlotName: DefaultSlotName}
	assert.Equal(t, []string{
		"--write-recovery-conf",
		"--slot=" + DefaultSlotName,
		"--source-server=host=sdw2 port=6001 dbname=template1 application_name=__gprecoverseg_pg_rewind__",
		"--target-pgdata=/data/mirror/gpseg1",
		"--progress",
	}, r.Args())
}

func TestInvokerClone(t *testing.T) {
	fake := &execx.Fake{Responses: []execx.FakeResponse{{Result: execx.Result{Runtime: 42 * time.Second}}}}
	inv, err := NewInvoker(fake, "/usr/local/gpdb/bin", `--max-rate="32 MB"`, "")
	require.NoError(t, err)

	runtime, err := inv.Clone(context.Background(), BaseBackup{
		TargetDir: "/data/m0", SourceHost: "sdw1", SourcePort: 6000, TargetDbid: 5, ProgressFile: "/tmp/p.out",
	})
	require.NoError(t, err)
	assert.Equal(t, 42*time.Second, runtime)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/usr/local/gpdb/bin/pg_basebackup", calls[0].Name)
	assert.Equal(t, "/tmp/p.out", calls[0].OutputFile)
	assert.Equal(t, "--max-rate=32 MB", calls[0].Args[len(calls[0].Args)-1])
}

func TestInvokerCloneFailure(t *testing.T) {
	exitErr := &execx.ExitError{Cmd: "pg_basebackup", ExitCode: 1, Stderr: `replication slot "internal_wal_replication_slot" does not exist`}
	fake := &execx.Fake{Responses: []execx.FakeResponse{{Err: exitErr}}}
	inv, err := NewInvoker(fake, "", "", "")
	require.NoError(t, err)

	_, err = inv.Clone(context.Background(), BaseBackup{TargetDbid: 9})
	require.Error(t, err)
	assert.ErrorIs(t, err, exitErr)
	assert.Contains(t, err.Error(), "dbid 9")
	assert.Equal(t, "pg_basebackup", fake.Calls()[0].Name)
}

func TestInvokerResync(t *testing.T) {
	fake := &execx.Fake{Responses: []execx.FakeResponse{{Result: execx.Result{Runtime: 3 * time.Second}}}}
	inv, err := NewInvoker(fake, "", "", "--debug")
	require.NoError(t, err)

	runtime, err := inv.Resync(context.Background(), Rewind{TargetDir: "/data/m1", SourceHost: "sdw2", SourcePort: 6001, ProgressFile: "/tmp/r.out"})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, runtime)
	assert.Equal(t, "pg_rewind", fake.Calls()[0].Name)
	assert.Contains(t, fake.Calls()[0].Args, "--debug")
}

func TestInvokerResyncFailure(t *testing.T) {
	boom := errors.New("connection refused")
	fake := &execx.Fake{Responses: []execx.FakeResponse{{Err: boom}}}
	inv, err := NewInvoker(fake, "", "", "")
	require.NoError(t, err)

	_, err = inv.Resync(context.Background(), Rewind{TargetDir: "/data/m1"})
	assert.ErrorIs(t, err, boom)
}

func TestNewInvokerRejectsBadOptions(t *testing.T) {
	_, err := NewInvoker(&execx.Fake{}, "", `--label="unterminated`, "")
	assert.Error(t, err)
}
