package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/sweep/internal/artifact"
	"github.com/mattjoyce/sweep/internal/config"
	"github.com/mattjoyce/sweep/internal/doctor"
	"github.com/mattjoyce/sweep/internal/inspect"
	"github.com/mattjoyce/sweep/internal/job"
	"github.com/mattjoyce/sweep/internal/ledger"
	"github.com/mattjoyce/sweep/internal/sandbox"
	"github.com/mattjoyce/sweep/internal/worker"
)

type statusOutput struct {
	Run       *ledger.Run           `json:"run,omitempty"`
	Outcomes  map[worker.Status]int `json:"outcomes,omitempty"`
	Artifacts int                   `json:"artifacts"`
	Dir       string                `json:"artifact_dir"`
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	runID := fs.String("run", "", "Run ID (default: latest)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	ctx := context.Background()

	out := statusOutput{Dir: cfg.Artifacts.Dir}
	if store, err := artifact.NewStore(cfg.Artifacts.Dir); err == nil {
		n, err := store.Count(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to count artifacts: %v\n", err)
			return 1
		}
		out.Artifacts = n
	}

	if _, err := os.Stat(cfg.LedgerPath()); err == nil {
		led, err := ledger.Open(ctx, cfg.LedgerPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open ledger: %v\n", err)
			return 1
		}
		defer led.Close()

		var run ledger.Run
		if *runID != "" {
			run, err = led.GetRun(ctx, *runID)
		} else {
			run, err = led.LatestRun(ctx)
		}
		switch {
		case errors.Is(err, ledger.ErrRunNotFound) && *runID == "":
		case err != nil:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		default:
			out.Run = &run
			counts, err := led.StatusCounts(ctx, run.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
			out.Outcomes = counts
		}
	} else if *runID != "" {
		fmt.Fprintf(os.Stderr, "Error: %v: %s\n", ledger.ErrRunNotFound, *runID)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("Artifacts: %d in %s\n", out.Artifacts, out.Dir)
	if out.Run == nil {
		fmt.Println("No runs recorded.")
		return 0
	}
	r := out.Run
	state := "running or interrupted"
	if r.FinishedAt != nil {
		state = "finished " + humanize.Time(*r.FinishedAt)
	}
	fmt.Printf("Run:       %s (%s)\n", r.ID, r.Tool)
	fmt.Printf("Started:   %s (%s)\n", r.StartedAt.Format(time.RFC3339), humanize.Time(r.StartedAt))
	fmt.Printf("State:     %s\n", state)
	fmt.Printf("Queued:    %d on %d workers\n", r.Total, r.PoolSize)
	fmt.Printf("Succeeded: %d\n", out.Outcomes[worker.StatusSucceeded])
	fmt.Printf("Lost:      %d\n", out.Outcomes[worker.StatusLost])
	fmt.Printf("Unsaved:   %d\n", out.Outcomes[worker.StatusWriteFailed])
	fmt.Printf("Crashes:   %d\n", r.Crashes)
	if r.Error != "" {
		fmt.Printf("Error:     %s\n", r.Error)
	}
	return 0
}

func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: sweep inspect [--json] <name==version>")
		return 1
	}

	tok, err := job.ParseToken(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if tok.Version == nil {
		fmt.Fprintf(os.Stderr, "Error: %q has no version, use name==version\n", fs.Arg(0))
		return 1
	}
	j, err := job.New(tok.Name, tok.Version.String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	store, err := artifact.NewStore(cfg.Artifacts.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	var history inspect.History
	if _, err := os.Stat(cfg.LedgerPath()); err == nil {
		led, err := ledger.Open(ctx, cfg.LedgerPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open ledger: %v\n", err)
			return 1
		}
		defer led.Close()
		history = led
	}

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSON(ctx, store, history, j)
	} else {
		out, err = inspect.BuildReport(ctx, store, history, j)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(out)
	if !strings.HasSuffix(out, "\n") {
		fmt.Println()
	}
	return 0
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	var pinger doctor.Pinger
	if cfg.Sandbox.Backend == "api" {
		engine, err := sandbox.NewEngine()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer engine.Close()
		pinger = engine
	}

	result := doctor.New(cfg, pinger).Check(context.Background())

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Println("Usage: sweep config show [--config FILE]")
		if len(args) == 0 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "show":
		return runConfigShow(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	printConfig(cfg)
	return 0
}

func printConfig(cfg *config.Config) {
	data, err := cfg.YAML()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return
	}
	fp, _ := cfg.Fingerprint()
	source := cfg.SourceFile
	if source == "" {
		source = "(defaults)"
	}
	fmt.Printf("# source: %s\n# fingerprint: %s\n", source, fp)
	fmt.Print(string(data))
}
