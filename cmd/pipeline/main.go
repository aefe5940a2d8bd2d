package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/rs/zerolog"

	"github.com/vguadalu/udacity-data-pipelines/internal/config"
	"github.com/vguadalu/udacity-data-pipelines/internal/events"
	"github.com/vguadalu/udacity-data-pipelines/internal/logging"
	"github.com/vguadalu/udacity-data-pipelines/internal/orchestrator"
	"github.com/vguadalu/udacity-data-pipelines/internal/persistence"
	"github.com/vguadalu/udacity-data-pipelines/internal/pipeline"
	"github.com/vguadalu/udacity-data-pipelines/internal/source"
	"github.com/vguadalu/udacity-data-pipelines/internal/telemetry"
	"github.com/vguadalu/udacity-data-pipelines/internal/tui"
	"github.com/vguadalu/udacity-data-pipelines/internal/warehouse"
)

// Exit codes.
const (
	exitOK        = 0
	exitRunFailed = 1
	exitConfig    = 2
)

const usage = `usage: pipeline <command> [flags]

commands:
  run          execute one run (or keep scheduling with -schedule)
  graph        print the task graph in execution order
  history      list recent runs, or one run's tasks with -run
  init-config  write the default pipeline configuration
`

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitConfig
	}
	switch args[0] {
	case "run":
		return cmdRun(ctx, args[1:], stdout, stderr)
	case "graph":
		return cmdGraph(args[1:], stdout, stderr)
	case "history":
		return cmdHistory(ctx, args[1:], stdout, stderr)
	case "init-config":
		return cmdInitConfig(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitConfig
	}
}

// loadConfig reads the layered configuration. A non-empty path replaces the
// project file.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.LoadDefault()
	} else {
		if err := config.LoadEnvFile(".env"); err != nil {
			return nil, err
		}
		globalPath, gerr := config.GlobalPath()
		if gerr != nil {
			return nil, gerr
		}
		cfg, err = config.Load(globalPath, path)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func cmdRun(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "project config file (default .pipeline/config.yaml)")
	at := fs.String("at", "", "scheduled time, RFC 3339 or YYYY-MM-DD (default: latest interval)")
	watch := fs.Bool("watch", false, "follow the run in a terminal monitor")
	schedule := fs.Bool("schedule", false, "keep triggering a run at every interval boundary")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return exitConfig
	}
	if err := cfg.ValidateWarehouse(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	graph, err := pipeline.Build(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error building pipeline: %v\n", err)
		return exitConfig
	}

	var scheduled time.Time
	if *at != "" {
		if scheduled, err = config.ParseTime(*at); err != nil {
			fmt.Fprintf(stderr, "Error: -at: %v\n", err)
			return exitConfig
		}
	}

	logCfg := cfg.Log
	if *watch && !logsToFile(logCfg.Output) {
		// The monitor owns the terminal.
		logCfg.Level = zerolog.Disabled.String()
	}
	logger, logCloser, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	defer logCloser.Close()

	providers, err := telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		fmt.Fprintf(stderr, "Error setting up tracing: %v\n", err)
		return exitConfig
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	bus := events.NewEventBus()
	defer bus.Close()
	sinkCtx, stopSink := context.WithCancel(context.Background())
	defer stopSink()
	go events.NewLogSink(logger).Run(sinkCtx, bus.SubscribeAll(256))

	pool, err := openWarehouse(ctx, cfg, bus)
	if err != nil {
		logger.Error().Err(err).Msg("warehouse unavailable")
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRunFailed
	}
	defer pool.Close()

	history, err := persistence.NewSQLiteStore(ctx, cfg.History.Path)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening run history: %v\n", err)
		return exitRunFailed
	}
	defer history.Close()

	rc := orchestrator.RunnerConfig{
		Pipeline:       cfg.Pipeline.Name,
		Parallelism:    cfg.Pipeline.Parallelism,
		Interval:       cfg.Pipeline.Interval.Std(),
		StartDate:      cfg.Pipeline.StartDate,
		Pool:           pool,
		Credentials:    cfg.Provider(),
		History:        history,
		Bus:            bus,
		TracerProvider: providers.Tracer,
		MeterProvider:  providers.Meter,
	}
	if cfg.Source.Enabled() {
		store, err := openSourceStore(ctx, cfg)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitConfig
		}
		rc.Sources = store
	}

	runner, err := orchestrator.NewRunner(graph, rc)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	sched := orchestrator.NewScheduler(runner, cfg.Pipeline.MaxActiveRuns)

	if *schedule {
		scheduleLoop(ctx, sched, logger)
		return exitOK
	}
	if scheduled.IsZero() {
		scheduled = sched.Latest(time.Now().UTC())
	}

	var monitor *tea.Program
	var current atomic.Pointer[orchestrator.Run]
	if *watch {
		monitor = tea.NewProgram(tui.New(bus, tui.Options{
			Pipeline: cfg.Pipeline.Name,
			Order:    graph.Order(),
			Cancel: func() {
				if r := current.Load(); r != nil {
					r.Cancel()
				}
			},
		}), tea.WithAltScreen())
	}

	r, err := sched.StartRun(ctx, scheduled)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, orchestrator.ErrBeforeStartDate) {
			return exitConfig
		}
		return exitRunFailed
	}
	current.Store(r)

	if monitor != nil {
		if _, err := monitor.Run(); err != nil {
			logger.Error().Err(err).Msg("monitor exited")
		}
		// Leaving the monitor early stops the run.
		r.Cancel()
	}
	<-r.Done()

	return report(stdout, r)
}

func logsToFile(output string) bool {
	switch strings.ToLower(output) {
	case "", "stderr", "stdout":
		return false
	}
	return true
}

func openWarehouse(ctx context.Context, cfg *config.Config, bus *events.EventBus) (warehouse.Pool, error) {
	dbCfg := cfg.Warehouse.DB()
	db, err := warehouse.Open(ctx, dbCfg)
	if err != nil {
		return nil, err
	}
	if !dbCfg.Breaker.Enabled {
		return db, nil
	}
	return warehouse.NewBreakerPool(db, "warehouse", dbCfg.Breaker, func(name, from, to string) {
		e := events.BreakerStateEvent{Name: name, From: from, To: to, Timestamp: time.Now()}
		bus.Emit(e)
	}), nil
}

func openSourceStore(ctx context.Context, cfg *config.Config) (source.Store, error) {
	creds, err := cfg.Provider().Resolve(ctx, cfg.Source.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("source store credentials: %w", err)
	}
	return source.NewMinIOStore(cfg.Source, creds)
}

// scheduleLoop triggers a run at every interval boundary until ctx is done,
// then waits for active runs to finish. A trigger that finds max_active_runs
// in use is skipped.
func scheduleLoop(ctx context.Context, sched *orchestrator.Scheduler, logger zerolog.Logger) {
	next := sched.Next(time.Now().UTC())
	for {
		logger.Info().Time("scheduled_time", next).Msg("waiting for next interval")
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			for _, r := range sched.Active() {
				<-r.Done()
			}
			return
		case <-timer.C:
		}

		if _, err := sched.StartRun(ctx, next); err != nil {
			logger.Warn().Err(err).Time("scheduled_time", next).Msg("trigger skipped")
		}
		next = next.Add(sched.Interval())
	}
}

// report prints the run outcome and maps it to an exit code.
func report(w io.Writer, r *orchestrator.Run) int {
	fmt.Fprintf(w, "run %s (%s) finished: %s\n", r.ID, r.ScheduledTime.Format(time.RFC3339), r.Status())
	var rows [][]string
	for _, inst := range r.Instances() {
		errText := ""
		if inst.Err != nil {
			errText = inst.Err.Error()
		}
		rows = append(rows, []string{inst.TaskID, inst.Status.String(), fmt.Sprint(inst.Attempts), errText})
	}
	fmt.Fprintln(w, newTable("TASK", "STATUS", "ATTEMPTS", "ERROR").Rows(rows...).Render())

	if r.Status() != orchestrator.RunSuccess {
		return exitRunFailed
	}
	return exitOK
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...)
}

func cmdGraph(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("graph", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "project config file (default .pipeline/config.yaml)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return exitConfig
	}
	graph, err := pipeline.Build(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error building pipeline: %v\n", err)
		return exitConfig
	}

	var rows [][]string
	step := 0
	for batch := range graph.Batches() {
		step++
		for _, id := range batch {
			task, _ := graph.Task(id)
			rows = append(rows, []string{
				fmt.Sprint(step),
				id,
				task.Kind.String(),
				strings.Join(graph.Upstream(id), ", "),
			})
		}
	}
	fmt.Fprintf(stdout, "%s: %d tasks, every %s from %s\n",
		cfg.Pipeline.Name, graph.Len(), cfg.Pipeline.Interval, cfg.Pipeline.StartDate.Format(time.RFC3339))
	fmt.Fprintln(stdout, newTable("STEP", "TASK", "KIND", "DEPENDS ON").Rows(rows...).Render())
	return exitOK
}

func cmdHistory(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "project config file (default .pipeline/config.yaml)")
	limit := fs.Int("n", 20, "number of runs to list")
	runID := fs.String("run", "", "show the task instances of one run")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return exitConfig
	}
	store, err := persistence.NewSQLiteStore(ctx, cfg.History.Path)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening run history: %v\n", err)
		return exitRunFailed
	}
	defer store.Close()

	if *runID != "" {
		return printInstances(ctx, store, *runID, stdout, stderr)
	}

	runs, err := store.ListRuns(ctx, cfg.Pipeline.Name, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRunFailed
	}
	if len(runs) == 0 {
		fmt.Fprintf(stdout, "no runs recorded for %s\n", cfg.Pipeline.Name)
		return exitOK
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.ScheduledTime.Format(time.RFC3339),
			r.Status,
			formatDuration(r.StartedAt, r.FinishedAt),
			r.FailedTask,
		})
	}
	fmt.Fprintln(stdout, newTable("RUN", "SCHEDULED", "STATUS", "DURATION", "FAILED TASK").Rows(rows...).Render())
	return exitOK
}

func printInstances(ctx context.Context, store persistence.Store, runID string, stdout, stderr io.Writer) int {
	if _, err := store.GetRun(ctx, runID); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRunFailed
	}
	insts, err := store.ListInstances(ctx, runID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRunFailed
	}
	rows := make([][]string, 0, len(insts))
	for _, inst := range insts {
		rows = append(rows, []string{
			inst.TaskID,
			inst.Status.String(),
			fmt.Sprint(inst.Attempts),
			formatDuration(inst.StartTime, inst.EndTime),
			inst.Error,
		})
	}
	fmt.Fprintln(stdout, newTable("TASK", "STATUS", "ATTEMPTS", "DURATION", "ERROR").Rows(rows...).Render())
	return exitOK
}

func formatDuration(start, end time.Time) string {
	if start.IsZero() || end.IsZero() {
		return "-"
	}
	return end.Sub(start).Round(time.Millisecond).String()
}

func cmdInitConfig(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("path", config.ProjectPath(), "where to write the config")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		fmt.Fprintf(stderr, "Error: %s already exists (use -force to overwrite)\n", *path)
		return exitConfig
	}
	if err := config.Save(config.DefaultConfig(), *path); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	fmt.Fprintf(stdout, "wrote %s\n", *path)
	return exitOK
}
