// Package segment starts a recovered segment's postgres process.
package segment

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/segment-recovery/internal/execx"
)

const pgCtlUtility = "pg_ctl"

// Role and mode a recovered segment is started in.
const (
	RoleMirror  = "mirror"
	ModeUtility = "utility"
)

// DefaultStart bounds how long pg_ctl waits for the server to come up.
const DefaultStart = 600 * time.Second

// StartRequest describes the process to bring up.
type StartRequest struct {
	Dbid                 int
	DataDir              string
	Port                 int
	Role                 string
	Mode                 string
	Era                  string
	NumContentsInCluster int
}

// StartError means the process did not reach the ready state.
type StartError struct {
	DataDir string
	Port    int
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start segment %s on port %d: %v", e.DataDir, e.Port, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Starter runs pg_ctl start and waits for readiness.
type Starter struct {
	exec    execx.Executor
	binDir  string
	timeout time.Duration
}

// NewStarter builds a Starter. A zero timeout uses DefaultStart.
func NewStarter(exec execx.Executor, binDir string, timeout time.Duration) *Starter {
	if timeout <= 0 {
		timeout = DefaultStart
	}
	return &Starter{exec: exec, binDir: binDir, timeout: timeout}
}

// Start launches the segment. pg_ctl -w blocks until the server accepts
// connections or the timeout passes; either failure is a *StartError.
func (s *Starter) Start(ctx context.Context, req StartRequest) error {
	cmd := execx.Command{
		Name: s.utility(),
		Args: s.args(req),
		Env:  []string{"PGPORT=" + strconv.Itoa(req.Port)},
	}
	if _, err := s.exec.Run(ctx, cmd); err != nil {
		return &StartError{DataDir: req.DataDir, Port: req.Port, Err: err}
	}
	return nil
}

func (s *Starter) args(req StartRequest) []string {
	return []string{"start",
		"-D", req.DataDir,
		"-l", filepath.Join(req.DataDir, "log", "startup.log"),
		"-w",
		"-t", strconv.Itoa(int(s.timeout / time.Second)),
		"-o", postgresOptions(req),
	}
}

func postgresOptions(req StartRequest) string {
	opts := []string{
		"-p " + strconv.Itoa(req.Port),
		"-c gp_role=" + req.Mode,
	}
	if req.Era != "" {
		opts = append(opts, "-c gp_era="+execx.Quote(req.Era))
	}
	opts = append(opts,
		"-c gp_num_contents_in_cluster="+strconv.Itoa(req.NumContentsInCluster),
		"-M "+req.Role,
	)
	return strings.Join(opts, " ")
}

func (s *Starter) utility() string {
	if s.binDir == "" {
		return pgCtlUtility
	}
	return filepath.Join(s.binDir, pgCtlUtility)
}
