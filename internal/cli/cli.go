// ============================================================================
// Segment Recovery CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the segrecovery binary
//
// Command Structure:
//   segrecovery                    # Root command
//   ├── run                        # Recover the segments listed in a request file
//   │   ├── --file, -f            # Request file (YAML or JSON)
//   │   ├── --era                 # Cluster era passed to every started segment
//   │   ├── --force-overwrite     # Overwrite target directories on full recovery
//   │   └── --parallelism         # Override recovery.parallelism
//   ├── validate                   # Load and validate a request file only
//   ├── probe <host>               # Measure network throughput to a host
//   ├── history <host> <port>      # List recovery history rows on a source segment
//   ├── show <datadir> <key>       # Print a postgresql.conf setting
//   ├── status <file>              # Print the status file written by run
//   ├── --config, -c              # Config file (defaults apply when empty)
//   └── --version
//
// run Command:
//   1. Load config and requests
//   2. Build the execution environment (tools, recorder, patcher, starter)
//   3. Start the metrics HTTP server (if enabled)
//   4. Run the orchestrator until every job settles or SIGINT/SIGTERM arrives
//   5. Print the report and write <progress_dir>/segrecovery.<run-id>.json
//   6. Exit non-zero when any job failed
//
//   Examples:
//     ./segrecovery run -f requests.yaml --era 4f1a9c
//     ./segrecovery run -c /etc/segrecovery.yaml -f requests.yaml --era 4f1a9c --parallelism 8
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/segment-recovery/internal/config"
	"github.com/ChuLiYu/segment-recovery/internal/execx"
	"github.com/ChuLiYu/segment-recovery/internal/history"
	"github.com/ChuLiYu/segment-recovery/internal/logger"
	"github.com/ChuLiYu/segment-recovery/internal/metrics"
	"github.com/ChuLiYu/segment-recovery/internal/netprobe"
	"github.com/ChuLiYu/segment-recovery/internal/orchestrator"
	"github.com/ChuLiYu/segment-recovery/internal/pgconf"
	"github.com/ChuLiYu/segment-recovery/internal/recovery"
	"github.com/ChuLiYu/segment-recovery/internal/segment"
	"github.com/ChuLiYu/segment-recovery/internal/snapshot"
	"github.com/ChuLiYu/segment-recovery/internal/tools"
	"github.com/ChuLiYu/segment-recovery/pkg/types"
)

// ErrJobsFailed is returned by run when at least one segment was not recovered.
var ErrJobsFailed = errors.New("one or more segments failed to recover")

// deps are the process-level collaborators. Tests swap them for fakes.
type deps struct {
	exec      execx.Executor
	connector history.Connector
	fs        afero.Fs
	registry  *prometheus.Registry
	newLogger func(logger.Config) (logger.Logger, error)
}

func defaultDeps() deps {
	return deps{
		exec:      execx.NewLocal(),
		connector: history.PQConnector{},
		fs:        afero.NewOsFs(),
		registry:  prometheus.NewRegistry(),
		newLogger: logger.New,
	}
}

type app struct {
	deps
	configFile string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	return buildCLI(defaultDeps())
}

func buildCLI(d deps) *cobra.Command {
	a := &app{deps: d}

	rootCmd := &cobra.Command{
		Use:   "segrecovery",
		Short: "Recover failed mirror segments from their healthy peers",
		Long: `segrecovery rebuilds failed replica segments:
- full recovery copies the peer with pg_basebackup
- incremental recovery resyncs with pg_rewind
- every recovered segment is recorded, reconfigured and restarted`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildValidateCommand())
	rootCmd.AddCommand(a.buildProbeCommand())
	rootCmd.AddCommand(a.buildHistoryCommand())
	rootCmd.AddCommand(a.buildShowCommand())
	rootCmd.AddCommand(a.buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	requestFile    string
	era            string
	forceOverwrite bool
	parallelism    int
}

func (a *app) buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start recovery of the segments listed in a request file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runRecovery(ctx, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.requestFile, "file", "f", "", "request file (YAML or JSON)")
	cmd.Flags().StringVar(&opts.era, "era", "", "cluster era passed to started segments")
	cmd.Flags().BoolVar(&opts.forceOverwrite, "force-overwrite", false, "overwrite target data directories on full recovery")
	cmd.Flags().IntVar(&opts.parallelism, "parallelism", 0, "number of segments recovered at once (overrides config)")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("era")

	return cmd
}

func (a *app) runRecovery(ctx context.Context, out io.Writer, opts runOptions) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.parallelism > 0 {
		cfg.Recovery.Parallelism = opts.parallelism
	}

	reqs, err := config.LoadRequests(opts.requestFile)
	if err != nil {
		return err
	}
	if opts.forceOverwrite {
		for i := range reqs {
			if reqs[i].Kind.IsFull() {
				reqs[i].ForceOverwrite = true
			}
		}
	}

	log, err := a.newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	collector := metrics.NewCollector(a.registry)
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port, a.registry)
		errCh := make(chan error, 1)
		metrics.StartServer(srv, errCh)
		log.Info("metrics server started", logger.String("addr", srv.Addr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			select {
			case err := <-errCh:
				log.Warn("metrics server error", logger.Err(err))
			default:
			}
		}()
	}

	env, err := a.buildEnv(cfg, opts.era, log, collector)
	if err != nil {
		return err
	}
	orch := &orchestrator.Orchestrator{
		Env:         env,
		Parallelism: cfg.Recovery.Parallelism,
		JobTimeout:  cfg.Recovery.JobTimeout,
		ProgressDir: cfg.Recovery.ProgressDir,
		Logger:      log,
		Metrics:     collector,
	}

	report, err := orch.Run(ctx, reqs)
	if err != nil {
		return err
	}
	printReport(out, report)

	statusPath := snapshot.PathFor(cfg.Recovery.ProgressDir, report.RunID)
	if err := snapshot.NewManager(a.fs, statusPath).Write(snapshot.FromReport(report)); err != nil {
		log.Warn("failed to write status file", logger.String("path", statusPath), logger.Err(err))
	} else {
		fmt.Fprintf(out, "status written to %s\n", statusPath)
	}

	if err := report.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrJobsFailed, err)
	}
	return nil
}

func (a *app) buildEnv(cfg *config.Config, era string, log logger.Logger, collector *metrics.Collector) (recovery.Env, error) {
	invoker, err := tools.NewInvoker(a.exec, cfg.BinDir(), cfg.Recovery.BaseBackupOptions, cfg.Recovery.RewindOptions)
	if err != nil {
		return recovery.Env{}, fmt.Errorf("invalid tool options: %w", err)
	}
	return recovery.Env{
		Logger:   log,
		Era:      era,
		SlotName: cfg.Recovery.SlotName,
		Cloner:   invoker,
		Resyncer: invoker,
		Recorder: history.NewRecorder(a.connector, cfg.Database.Name, cfg.Database.User),
		Patcher:  pgconf.NewPatcher(a.fs),
		Starter:  segment.NewStarter(a.exec, cfg.BinDir(), cfg.Recovery.StartTimeout),
		Observer: collector,
	}, nil
}

func printReport(out io.Writer, report *orchestrator.Report) {
	fmt.Fprintf(out, "Recovery run %s\n", report.RunID)
	for _, res := range report.Results {
		switch res.Status {
		case types.StatusSucceeded:
			fmt.Fprintf(out, "  ✅ dbid %-4d %-11s %s\n", res.Dbid, res.Kind, res.Duration.Round(time.Millisecond))
		default:
			fmt.Fprintf(out, "  ❌ dbid %-4d %-11s %s: %v\n", res.Dbid, res.Kind, res.Phase, res.Err)
		}
	}
	fmt.Fprintf(out, "%d succeeded, %d failed\n", report.Succeeded(), len(report.Failed()))
}

// ============================================================================
// validate
// ============================================================================

func (a *app) buildValidateCommand() *cobra.Command {
	var requestFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a request file without recovering anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.validateRequests(cmd.OutOrStdout(), requestFile)
		},
	}

	cmd.Flags().StringVarP(&requestFile, "file", "f", "", "request file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func (a *app) validateRequests(out io.Writer, requestFile string) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	reqs, err := config.LoadRequests(requestFile)
	if err != nil {
		return err
	}

	orch := &orchestrator.Orchestrator{ProgressDir: cfg.Recovery.ProgressDir}
	prepared, err := orch.Prepare(reqs)
	if err != nil {
		return err
	}

	for _, r := range prepared {
		fmt.Fprintf(out, "dbid %d: %s %s:%d -> %s (port %d), progress %s\n",
			r.TargetDbid, r.Kind, r.SourceHostname, r.SourcePort, r.TargetDataDir, r.TargetPort, r.ProgressFile)
	}
	fmt.Fprintf(out, "%d requests OK\n", len(prepared))
	return nil
}

// ============================================================================
// probe
// ============================================================================

func (a *app) buildProbeCommand() *cobra.Command {
	var blockMiB int
	var scratch string

	cmd := &cobra.Command{
		Use:   "probe <host>",
		Short: "Measure network throughput to a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rate, err := netprobe.New(a.exec, blockMiB, scratch).Measure(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], rate)
			return nil
		},
	}

	cmd.Flags().IntVar(&blockMiB, "block-mib", netprobe.DefaultBlockMiB, "size of the probe block in MiB")
	cmd.Flags().StringVar(&scratch, "scratch", "", "scratch file name used on both hosts")

	return cmd
}

// ============================================================================
// history
// ============================================================================

func (a *app) buildHistoryCommand() *cobra.Command {
	var kindFlag string

	cmd := &cobra.Command{
		Use:   "history <host> <port>",
		Short: "List recovery history recorded on a source segment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[1], err)
			}
			var kind types.RecoveryKind
			if err := kind.UnmarshalText([]byte(kindFlag)); err != nil {
				return err
			}
			return a.listHistory(cmd.Context(), cmd.OutOrStdout(), args[0], port, kind)
		},
	}

	cmd.Flags().StringVar(&kindFlag, "kind", string(types.KindFull), "history table to read: full or incremental")

	return cmd
}

func (a *app) listHistory(ctx context.Context, out io.Writer, host string, port int, kind types.RecoveryKind) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	target := history.TargetFor(kind)
	rows, err := history.NewRecorder(a.connector, cfg.Database.Name, cfg.Database.User).List(ctx, host, port, target)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s on %s:%d\n", target.Table(), host, port)
	for _, r := range rows {
		fmt.Fprintf(out, "  #%d source=%d dest=%d full=%d time=%s\n",
			r.ID, r.SourceDbid, r.DestDbid, r.IsFull, time.Duration(r.RecoveryTime)*time.Second)
	}
	fmt.Fprintf(out, "%d rows\n", len(rows))
	return nil
}

// ============================================================================
// show
// ============================================================================

func (a *app) buildShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <datadir> <key>",
		Short: "Print the effective value of a postgresql.conf setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := pgconf.NewPatcher(a.fs).Get(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[1], value)
			return nil
		},
	}
}

// ============================================================================
// status
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <file>",
		Short: "Show the status file written by a previous run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := snapshot.NewManager(a.fs, args[0]).Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Recovery run %s (%s)\n", snap.RunID, snap.WrittenAt.Format(time.RFC3339))
			for _, job := range snap.Jobs {
				fmt.Fprintf(out, "  dbid %-4d %-11s %-9s %s", job.Dbid, job.Kind, job.Status, job.ErrorType)
				if job.ErrorMsg != "" {
					fmt.Fprintf(out, ": %s", job.ErrorMsg)
				}
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "%d succeeded, %d failed\n", snap.Succeeded, snap.Failed)
			return nil
		},
	}
}
