package segment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/segment-recovery/internal/execx"
)

func mirrorRequest() StartRequest {
	return StartRequest{
		Dbid:    5,
		DataDir: "/data/mirror/gpseg0",
		Port:    7000,
		Role:    RoleMirror,
		Mode:    ModeUtility,
		Era:     "a1b2c3_240101",
	}
}

func TestStartBuildsPgCtlCommand(t *testing.T) {
	fake := &execx.Fake{}
	s := NewStarter(fake, "/usr/local/gpdb/bin", 30*time.Second)

	require.NoError(t, s.Start(context.Background(), mirrorRequest()))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/usr/local/gpdb/bin/pg_ctl", calls[0].Name)
	assert.Equal(t, []string{"start",
		"-D", "/data/mirror/gpseg0",
		"-l", "/data/mirror/gpseg0/log/startup.log",
		"-w", "-t", "30",
		"-o", "-p 7000 -c gp_role=utility -c gp_era=a1b2c3_240101 -c gp_num_contents_in_cluster=0 -M mirror",
	}, calls[0].Args)
	assert.Contains(t, calls[0].Env, "PGPORT=7000")
}

func TestStartDefaultTimeout(t *testing.T) {
	fake := &execx.Fake{}
	s := NewStarter(fake, "", 0)

	require.NoError(t, s.Start(context.Background(), mirrorRequest()))
	assert.Equal(t, "pg_ctl", fake.Calls()[0].Name)
	assert.Equal(t, "600", fake.Calls()[0].Args[7])
}

func TestStartWithoutEra(t *testing.T) {
	req := mirrorRequest()
	req.Era = ""
	assert.NotContains(t, postgresOptions(req), "gp_era")
}

func TestStartQuotesEra(t *testing.T) {
	req := mirrorRequest()
	req.Era = "era with spaces"
	assert.Contains(t, postgresOptions(req), "-c gp_era='era with spaces' -c gp_num_contents_in_cluster")
}

func TestStartFailure(t *testing.T) {
	exitErr := &execx.ExitError{Cmd: "pg_ctl start", ExitCode: 1, Stderr: "could not start server"}
	fake := &execx.Fake{Responses: []execx.FakeResponse{{Err: exitErr}}}
	s := NewStarter(fake, "", time.Second)

	err := s.Start(context.Background(), mirrorRequest())
	var startErr *StartError
	require.True(t, errors.As(err, &startErr))
	assert.Equal(t, 7000, startErr.Port)
	assert.ErrorIs(t, err, exitErr)
	assert.Len(t, fake.Calls(), 1, "no retry")
}
