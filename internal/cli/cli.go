package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vk/gridrun/internal/app"
	"github.com/vk/gridrun/internal/chunk"
	"github.com/vk/gridrun/internal/config"
	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/journal"
	"github.com/vk/gridrun/internal/task"
)

// JournalFileName is the journal used below the working directory when no
// journal path is configured.
const JournalFileName = "journal.db"

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// toExitError maps an application error to its exit code: 2 for
// configuration problems, 1 for everything else.
func toExitError(err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	if app.IsConfigError(err) {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	return &ExitError{Code: 1, Message: err.Error()}
}

// options holds the flag values shared by every subcommand.
type options struct {
	configPath string

	workDir  string
	manifest string
	journal  string

	procs        int
	memGB        float64
	keep         string
	keepPatterns []string

	debug             bool
	raiseInsufficient bool
	updateHash        bool
	pollInterval      time.Duration

	nChunks       int
	subjectChunks bool
	useCluster    bool
	maxChunkSize  int
	include       []string
	exclude       []string
	onlyChunk     int
	onlyTrailing  bool

	healthPort int
	tui        bool
	statusURL  string

	logLevel  string
	logFormat string
}

// Execute parses args, runs the selected subcommand and returns an
// *ExitError for any non-zero outcome.
func Execute(ctx context.Context, outW io.Writer, args []string, loader config.Loader) error {
	root := NewRootCmd(outW, loader)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr
		}
		// Anything cobra rejects before a RunE is a usage error.
		return &ExitError{Code: 2, Message: err.Error()}
	}
	return nil
}

// NewRootCmd builds the gridrun command tree writing to outW.
func NewRootCmd(outW io.Writer, loader config.Loader) *cobra.Command {
	root, o := newRootCmd(outW)
	root.AddCommand(
		newRunCmd(outW, o, loader),
		newPlanCmd(outW, o, loader),
		newReportCmd(outW, o, loader),
	)
	return root
}

func newRootCmd(outW io.Writer) (*cobra.Command, *options) {
	o := &options{}
	root := &cobra.Command{
		Use:   "gridrun",
		Short: "gridrun - a resource-aware task grid runner",
		Long: `gridrun runs per-subject task graphs under a memory and processor budget,
reclaiming intermediate directories as soon as nothing downstream needs them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(outW)
	root.SetErr(outW)

	f := root.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "Path to an HCL run file.")
	f.StringVarP(&o.workDir, "workdir", "w", "", "Root of every task working directory.")
	f.StringVarP(&o.manifest, "manifest", "m", "", "Task manifest file or directory.")
	f.StringVar(&o.journal, "journal", "", "Path to the result journal. Defaults to <workdir>/"+JournalFileName+".")
	f.IntVar(&o.procs, "procs", 0, "Processor budget. 0 detects the host.")
	f.Float64Var(&o.memGB, "mem-gb", 0, "Memory budget in GB. 0 detects the host.")
	f.StringVar(&o.keep, "keep", "", "Which directories survive reclamation: 'all', 'some' or 'none'.")
	f.StringSliceVar(&o.keepPatterns, "keep-pattern", nil, "Glob of paths that are never reclaimed. Repeatable.")
	f.BoolVar(&o.debug, "debug", false, "Abort the run on the first task failure.")
	f.BoolVar(&o.raiseInsufficient, "raise-insufficient", false, "Fail when a task can never fit the budget.")
	f.BoolVar(&o.updateHash, "update-hash", false, "Ignore cached results and rerun every task.")
	f.DurationVar(&o.pollInterval, "poll-interval", 0, "Scheduler polling interval.")
	f.IntVar(&o.nChunks, "n-chunks", 0, "Number of chunks to split the keys into.")
	f.BoolVar(&o.subjectChunks, "subject-chunks", false, "Run one chunk per key.")
	f.BoolVar(&o.useCluster, "use-cluster", false, "Size chunks for cluster submission.")
	f.IntVar(&o.maxChunkSize, "max-chunk-size", 0, "Maximum keys per chunk.")
	f.StringSliceVar(&o.include, "include", nil, "Glob of keys to run. Repeatable.")
	f.StringSliceVar(&o.exclude, "exclude", nil, "Glob of keys to skip. Repeatable.")
	f.IntVar(&o.onlyChunk, "chunk", 0, "Run only the chunk with this 1-based index.")
	f.BoolVar(&o.onlyTrailing, "only-trailing", false, "Run only the trailing group.")
	f.IntVar(&o.healthPort, "healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	f.BoolVar(&o.tui, "tui", false, "Draw live progress in the terminal.")
	f.StringVar(&o.statusURL, "status-url", "", "Socket.IO server receiving status events.")
	f.StringVar(&o.logLevel, "log-level", "", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	f.StringVar(&o.logFormat, "log-format", "", "Log output format. Options: 'text' or 'json'.")

	return root, o
}

func newRunCmd(outW io.Writer, o *options, loader config.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "run [MANIFEST]",
		Short: "Run every selected chunk",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, outW, o, loader, args)
			if err != nil {
				return toExitError(err)
			}
			defer a.Close()

			summary, err := a.Run(cmd.Context())
			if err != nil {
				return toExitError(err)
			}
			fmt.Fprintf(outW, "Run %s: %d tasks, %d done, %d cached, %d failed, %d skipped.\n",
				summary.RunID, summary.Tasks, summary.Done, summary.Cached, summary.Failed, summary.Skipped)
			if !summary.OK() {
				return &ExitError{Code: 1, Message: failureMessage(summary)}
			}
			return nil
		},
	}
}

func failureMessage(s *app.Summary) string {
	if len(s.FailedChunks) > 0 {
		return fmt.Sprintf("%d task(s) failed, %d skipped, chunks %v failed", s.Failed, s.Skipped, s.FailedChunks)
	}
	return fmt.Sprintf("%d task(s) failed, %d skipped", s.Failed, s.Skipped)
}

func newPlanCmd(outW io.Writer, o *options, loader config.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "plan [MANIFEST]",
		Short: "Print the chunks a run would execute",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, outW, o, loader, args)
			if err != nil {
				return toExitError(err)
			}
			defer a.Close()

			chunks, err := a.Plan(cmd.Context())
			if err != nil {
				return toExitError(err)
			}
			printPlan(outW, chunks)
			return nil
		},
	}
}

func printPlan(w io.Writer, chunks []*chunk.Chunk) {
	if len(chunks) == 0 {
		fmt.Fprintln(w, "No chunks selected.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHUNK\tKEYS\tTASKS\tFINGERPRINT")
	for _, c := range chunks {
		keys := summarizeKeys(c.Keys)
		if c.Trailing {
			keys += " (trailing)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", c.Index, keys, c.Graph.Len(), c.Graph.Fingerprint()[:12])
	}
	tw.Flush()
}

func summarizeKeys(keys []string) string {
	const shown = 3
	if len(keys) <= shown {
		return strings.Join(keys, ",")
	}
	return fmt.Sprintf("%s,+%d", strings.Join(keys[:shown], ","), len(keys)-shown)
}

func newReportCmd(outW io.Writer, o *options, loader config.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Show the last journaled run and its failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, outW, o, loader, nil)
			if err != nil {
				return toExitError(err)
			}
			defer a.Close()

			run, failures, err := a.Report(cmd.Context())
			if errors.Is(err, journal.ErrNoRuns) {
				fmt.Fprintln(outW, "No runs recorded.")
				return nil
			}
			if err != nil {
				return toExitError(err)
			}
			printReport(outW, run, failures)
			return nil
		},
	}
}

func printReport(w io.Writer, run *journal.Run, failures []*task.Result) {
	fmt.Fprintf(w, "Run %s: %s\n", run.ID, run.Status)
	fmt.Fprintf(w, "  workdir:  %s\n", run.WorkDir)
	fmt.Fprintf(w, "  started:  %s (%s)\n", run.StartedAt.Format(time.RFC3339), humanize.Time(run.StartedAt))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  duration: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "  tasks:    %d, %d failed\n", run.Tasks, run.Failed)
	if run.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", run.Error)
	}
	if len(failures) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tKIND\tERROR")
	for _, r := range failures {
		msg, _, _ := strings.Cut(r.Error, "\n")
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.TaskID, r.Kind, msg)
	}
	tw.Flush()
}

// newApp loads the configuration, applies the flags on top and builds the
// application.
func newApp(cmd *cobra.Command, outW io.Writer, o *options, loader config.Loader, args []string) (*app.App, error) {
	cfg, err := loadConfig(cmd, o, loader, args)
	if err != nil {
		return nil, err
	}
	return app.NewApp(outW, cfg)
}

func loadConfig(cmd *cobra.Command, o *options, loader config.Loader, args []string) (*config.Model, error) {
	// The run logger depends on the configuration, so loading logs only
	// warnings through a bootstrap logger.
	ctx := ctxlog.WithLogger(cmd.Context(), slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	cfg := config.Default()
	if o.configPath != "" {
		var err error
		cfg, err = loader.Load(ctx, o.configPath)
		if err != nil {
			return nil, &app.ConfigError{Err: err}
		}
	}
	applyFlags(cmd, o, cfg)
	if len(args) > 0 {
		cfg.Manifest = args[0]
	}
	if cfg.JournalPath == "" && cfg.WorkDir != "" {
		cfg.JournalPath = filepath.Join(cfg.WorkDir, JournalFileName)
	}
	return cfg, nil
}

// applyFlags copies every flag the user set onto cfg.
func applyFlags(cmd *cobra.Command, o *options, cfg *config.Model) {
	changed := cmd.Flags().Changed
	if changed("workdir") {
		cfg.WorkDir = o.workDir
	}
	if changed("manifest") {
		cfg.Manifest = o.manifest
	}
	if changed("journal") {
		cfg.JournalPath = o.journal
	}
	if changed("procs") {
		cfg.Procs = o.procs
	}
	if changed("mem-gb") {
		cfg.MemGB = o.memGB
	}
	if changed("keep") {
		cfg.Keep = o.keep
	}
	if changed("keep-pattern") {
		cfg.KeepPatterns = o.keepPatterns
	}
	if changed("debug") {
		cfg.Debug = o.debug
	}
	if changed("raise-insufficient") {
		cfg.RaiseInsufficient = o.raiseInsufficient
	}
	if changed("update-hash") {
		cfg.UpdateHash = o.updateHash
	}
	if changed("poll-interval") {
		cfg.PollInterval = o.pollInterval
	}
	if changed("n-chunks") {
		cfg.Chunking.NChunks = o.nChunks
	}
	if changed("subject-chunks") {
		cfg.Chunking.SubjectChunks = o.subjectChunks
	}
	if changed("use-cluster") {
		cfg.Chunking.UseCluster = o.useCluster
	}
	if changed("max-chunk-size") {
		cfg.Chunking.MaxChunkSize = o.maxChunkSize
	}
	if changed("include") {
		cfg.Chunking.Include = o.include
	}
	if changed("exclude") {
		cfg.Chunking.Exclude = o.exclude
	}
	if changed("chunk") {
		cfg.Chunking.OnlyChunkIndex = o.onlyChunk
	}
	if changed("only-trailing") {
		cfg.Chunking.OnlyTrailing = o.onlyTrailing
	}
	if changed("healthcheck-port") {
		cfg.HealthcheckPort = o.healthPort
	}
	if changed("tui") {
		cfg.TUI = o.tui
	}
	if changed("status-url") {
		cfg.Status.SocketIOURL = o.statusURL
	}
	if changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
}
