package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/mattjoyce/sweep/internal/api"
	"github.com/mattjoyce/sweep/internal/artifact"
	"github.com/mattjoyce/sweep/internal/catalog"
	"github.com/mattjoyce/sweep/internal/config"
	"github.com/mattjoyce/sweep/internal/dispatch"
	"github.com/mattjoyce/sweep/internal/doctor"
	"github.com/mattjoyce/sweep/internal/events"
	"github.com/mattjoyce/sweep/internal/job"
	"github.com/mattjoyce/sweep/internal/ledger"
	"github.com/mattjoyce/sweep/internal/lock"
	"github.com/mattjoyce/sweep/internal/log"
	"github.com/mattjoyce/sweep/internal/progress"
	"github.com/mattjoyce/sweep/internal/protocol"
	"github.com/mattjoyce/sweep/internal/sandbox"
	"github.com/mattjoyce/sweep/internal/tui"
)

type runFlags struct {
	configPath string
	crates     int
	crateList  string
	jobs       int
	memoryGB   int
	rerunWhen  string
	tool       string
	backend    string
	progress   string
	listen     string
	noBuild    bool
}

func parseRunFlags(args []string) (*runFlags, *flag.FlagSet, error) {
	f := &runFlags{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file")
	fs.IntVar(&f.crates, "crates", 0, "Only the N most downloaded crates")
	fs.StringVar(&f.crateList, "crate-list", "", "File of crates to run")
	fs.IntVar(&f.jobs, "jobs", 0, "Sandboxes to run in parallel")
	fs.IntVar(&f.memoryGB, "memory-limit-gb", 0, "Memory limit per sandbox")
	fs.StringVar(&f.rerunWhen, "rerun-when", "", "never or always")
	fs.StringVar(&f.tool, "tool", "", "miri or asan")
	fs.StringVar(&f.backend, "backend", "", "cli or api")
	fs.StringVar(&f.progress, "progress", "", "tui, log or none")
	fs.StringVar(&f.listen, "listen", "", "Address for the status API")
	fs.BoolVar(&f.noBuild, "no-build", false, "Skip the image build")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return f, fs, nil
}

// apply copies explicitly set flags over the loaded configuration.
func (f *runFlags) apply(fs *flag.FlagSet, cfg *config.Config) error {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "crates":
			cfg.Catalog.Crates = f.crates
		case "crate-list":
			cfg.Catalog.CrateList = f.crateList
		case "jobs":
			cfg.Pool.Jobs = f.jobs
		case "memory-limit-gb":
			cfg.Sandbox.MemoryLimitGB = f.memoryGB
		case "rerun-when":
			cfg.Artifacts.RerunWhen = f.rerunWhen
		case "tool":
			cfg.Tool = f.tool
		case "backend":
			cfg.Sandbox.Backend = f.backend
		case "progress":
			cfg.Progress.Mode = f.progress
		case "listen":
			cfg.Status.Listen = f.listen
		case "no-build":
			cfg.Image.Build = !f.noBuild
		}
	})
	if isFlagSet(fs, "crates") && f.crates < 1 {
		return fmt.Errorf("--crates must be at least 1, got %d", f.crates)
	}
	if cfg.Catalog.CrateList != "" && cfg.Catalog.Crates > 0 {
		// A flag wins over the other selector coming from the file.
		if isFlagSet(fs, "crate-list") && !isFlagSet(fs, "crates") {
			cfg.Catalog.Crates = 0
		} else if isFlagSet(fs, "crates") && !isFlagSet(fs, "crate-list") {
			cfg.Catalog.CrateList = ""
		}
	}
	return cfg.Validate()
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			set = true
		}
	})
	return set
}

func runRun(args []string) int {
	flags, fs, err := parseRunFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := flags.apply(fs, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	logOut, closeLog, err := openLogOutput(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		return 1
	}
	defer closeLog()
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, logOut)
	logger := log.WithComponent("main")

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		logger.Warn("could not set GOMAXPROCS", "error", err)
	}
	defer undo()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return execute(ctx, cfg, logger)
}

// openLogOutput returns where logs go. The terminal view owns the screen,
// so in tui mode logs are appended to a file instead.
func openLogOutput(cfg *config.Config) (io.Writer, func(), error) {
	if cfg.Progress.Mode != "tui" {
		return os.Stdout, func() {}, nil
	}
	path := cfg.LogFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func execute(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	logger.Info("sweep starting", "version", version, "tool", cfg.Tool, "config", cfg.SourceFile)

	store, err := artifact.NewStore(cfg.Artifacts.Dir)
	if err == nil {
		err = store.Init()
	}
	if err != nil {
		logger.Error("artifact store unavailable", "error", err)
		return 1
	}

	pidLock, err := lock.AcquirePIDLock(lock.PathFor(store.Dir()))
	if err != nil {
		logger.Error("another sweep is already using this artifact tree", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		if err := pidLock.Release(); err != nil {
			logger.Warn("failed to release lock", "error", err)
		}
	}()

	poolSize := cfg.Pool.Jobs
	if host, err := doctor.ProbeHost(ctx); err != nil {
		logger.Warn("could not measure host, running one sandbox", "error", err)
		poolSize = max(1, poolSize)
	} else {
		poolSize = host.PoolSize(cfg.Pool.Jobs)
		want := uint64(poolSize) * uint64(cfg.Limits().MemoryBytes())
		if host.MemoryBytes > 0 && want > host.MemoryBytes {
			logger.Warn("sandboxes may use more memory than the host has",
				"pool", poolSize,
				"per_sandbox", humanize.IBytes(uint64(cfg.Limits().MemoryBytes())),
				"host", humanize.IBytes(host.MemoryBytes),
			)
		}
	}

	sentinel := protocol.NewSentinel()
	launcher, builder, err := newBackend(cfg, sentinel)
	if err != nil {
		logger.Error("docker backend unavailable", "error", err)
		return 1
	}

	if cfg.Image.Build {
		if err := builder.Build(ctx); err != nil {
			logger.Error("image build failed", "error", err)
			return 1
		}
	}

	fetcher := &catalog.Fetcher{
		URL:      cfg.Catalog.DumpURL,
		CacheDir: cfg.CatalogCacheDir(),
		MaxAge:   cfg.Catalog.MaxAge,
		Client:   catalog.NewHTTPClient(catalog.DefaultRetryConfig()),
	}
	cat, err := fetcher.Load(ctx)
	if err != nil {
		logger.Error("failed to load crate catalog", "error", err)
		return 1
	}
	jobs, err := selectJobs(cfg, cat)
	if err != nil {
		logger.Error("failed to select crates", "error", err)
		return 1
	}
	logger.Info("catalog loaded", "crates", cat.Len(), "selected", len(jobs))

	led, err := ledger.Open(ctx, cfg.LedgerPath())
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		return 1
	}
	defer led.Close()

	runID := uuid.NewString()
	fingerprint, _ := cfg.Fingerprint()
	started := time.Now().UTC()
	if err := led.StartRun(ctx, ledger.Run{
		ID:         runID,
		Tool:       cfg.Tool,
		StartedAt:  started,
		Total:      len(jobs),
		PoolSize:   poolSize,
		ConfigHash: fingerprint,
	}); err != nil {
		logger.Error("failed to record run", "error", err)
		return 1
	}

	hub := events.NewHub(1024)
	tracker := progress.NewTracker()
	d := dispatch.New(dispatch.Config{
		RunID:    runID,
		PoolSize: poolSize,
		Launcher: launcher,
		Store:    store,
		Sentinel: sentinel,
		Rerun:    cfg.Rerun(),
		Less:     cat.Less,
		Tracker:  tracker,
		Recorder: led.Recorder(runID),
		Hub:      hub,
		Relaunch: cfg.Relaunch(),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Status.Listen != "" {
		srv := api.New(api.Config{Listen: cfg.Status.Listen, RunID: runID, Tool: cfg.Tool, Token: cfg.Status.Token},
			tracker, d, led, hub, log.WithComponent("api"))
		go func() {
			if err := srv.Start(runCtx); err != nil {
				logger.Error("status API stopped", "error", err)
			}
		}()
	}

	res, runErr := drive(runCtx, cfg, d, jobs, hub, cancel)

	// The run row is closed even when the context was cancelled.
	finishCtx := context.WithoutCancel(ctx)
	if err := led.UpdateRunSize(finishCtx, runID, res.Queue.Queued, res.Workers); err != nil {
		logger.Warn("failed to update run", "error", err)
	}
	if err := led.FinishRun(finishCtx, runID, time.Now().UTC(), res.Stats, runErr); err != nil {
		logger.Warn("failed to finish run", "error", err)
	}

	printSummary(os.Stdout, runID, res)

	if ctx.Err() != nil || runCtx.Err() != nil {
		logger.Info("interrupted, rerun to resume", "run_id", runID)
		return 0
	}
	if runErr != nil {
		logger.Error("run failed", "run_id", runID, "error", runErr)
		return 1
	}
	logger.Info("run finished", "run_id", runID)
	return 0
}

// drive runs the dispatcher under the configured progress display.
func drive(ctx context.Context, cfg *config.Config, d *dispatch.Dispatcher, jobs []job.Job, hub *events.Hub, cancel context.CancelFunc) (dispatch.Result, error) {
	switch cfg.Progress.Mode {
	case "tui":
		prog := tui.New(tui.Options{
			Title:    fmt.Sprintf("sweep %s", cfg.Tool),
			Source:   d.Tracker(),
			Hub:      hub,
			Interval: cfg.Progress.Interval,
			Stop:     cancel,
		}, os.Stdout)

		type outcome struct {
			res dispatch.Result
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := d.Run(ctx, jobs)
			done <- outcome{res, err}
			prog.Done()
		}()
		if err := prog.Run(); err != nil {
			log.WithComponent("tui").Error("view failed, continuing without it", "error", err)
		}
		o := <-done
		return o.res, o.err

	case "log":
		repCtx, stopReporter := context.WithCancel(ctx)
		reporter := &progress.LogReporter{Tracker: d.Tracker(), Interval: cfg.Progress.LogInterval}
		stopped := make(chan struct{})
		go func() {
			reporter.Run(repCtx)
			close(stopped)
		}()
		res, err := d.Run(ctx, jobs)
		stopReporter()
		<-stopped
		return res, err

	default:
		return d.Run(ctx, jobs)
	}
}

func newBackend(cfg *config.Config, sentinel protocol.Sentinel) (sandbox.Launcher, sandbox.ImageBuilder, error) {
	spec := sandbox.BuildSpec{
		Profile:    cfg.Profile(),
		ContextDir: cfg.Image.Context,
	}
	if cfg.Progress.Mode != "tui" {
		spec.Output = os.Stderr
	}

	if cfg.Sandbox.Backend == "api" {
		engine, err := sandbox.NewEngine()
		if err != nil {
			return nil, nil, err
		}
		return &sandbox.DockerLauncher{
				Engine:   engine,
				Profile:  cfg.Profile(),
				Limits:   cfg.Limits(),
				Sentinel: sentinel,
			}, &sandbox.EngineBuilder{
				Engine: engine,
				Spec:   spec,
			}, nil
	}

	return sandbox.DockerCommand(cfg.Sandbox.DockerBinary, cfg.Profile(), cfg.Limits(), sentinel),
		&sandbox.CLIBuilder{Binary: cfg.Sandbox.DockerBinary, Spec: spec},
		nil
}

// selectJobs applies the crate selection: an explicit list, the top N, or
// the whole catalog.
func selectJobs(cfg *config.Config, cat *catalog.Catalog) ([]job.Job, error) {
	if cfg.Catalog.CrateList != "" {
		data, err := os.ReadFile(cfg.Catalog.CrateList)
		if err != nil {
			return nil, fmt.Errorf("read crate list: %w", err)
		}
		return catalog.Jobs(cat.Resolve(job.ParseList(string(data)))), nil
	}
	if cfg.Catalog.Crates > 0 {
		return catalog.Jobs(cat.Top(cfg.Catalog.Crates)), nil
	}
	return catalog.Jobs(cat.Crates()), nil
}

func printSummary(w io.Writer, runID string, res dispatch.Result) {
	fmt.Fprintf(w, "Run %s\n", runID)
	fmt.Fprintf(w, "  queued       %d (%d already done, %d duplicates)\n",
		res.Queue.Queued, res.Queue.Completed, res.Queue.Duplicates)
	fmt.Fprintf(w, "  succeeded    %d\n", res.Stats.Succeeded)
	fmt.Fprintf(w, "  lost         %d\n", res.Stats.Lost)
	fmt.Fprintf(w, "  write failed %d\n", res.Stats.WriteFailed)
	fmt.Fprintf(w, "  crashes      %d (%d relaunches)\n", res.Stats.Crashes, res.Stats.Relaunches)
	fmt.Fprintf(w, "  workers      %d\n", res.Workers)
	fmt.Fprintf(w, "  duration     %s\n", res.Duration.Round(time.Second))
}
