package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/sweep/internal/config"
	"github.com/mattjoyce/sweep/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return 0
		}
		return runRun(args)
	case "status":
		return runStatus(args)
	case "inspect":
		return runInspect(args)
	case "doctor":
		return runDoctor(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: sweep version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("sweep %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`sweep - run miri or asan across the crates.io corpus in sandboxed containers

Usage:
  sweep <command> [flags]

Commands:
  run               Build the image, load the catalog and drain the queue
  status            Show the latest (or a given) run from the ledger
  inspect <crate>   Show the artifact and history of name==version
  doctor            Check docker, host capacity and directories
  config show       Print the resolved configuration and its fingerprint
  version           Show version information
  help              Show this help message

Every command accepts --config FILE. Without it sweep looks at $SWEEP_CONFIG,
./sweep.yaml and ~/.config/sweep/sweep.yaml, then falls back to defaults.
Any setting can be overridden with SWEEP_<SECTION>_<KEY>, e.g. SWEEP_POOL_JOBS=4.

Use 'sweep run --help' for run flags.
`)
}

func printRunHelp() {
	fmt.Print(`Usage: sweep run [flags]

Flags:
  --config FILE             Configuration file
  --tool miri|asan          Analysis to run
  --crates N                Only the N most downloaded crates
  --crate-list FILE         Crates to run, as name or name==version tokens
  --jobs N                  Sandboxes to run in parallel (default: physical cores - 1)
  --memory-limit-gb N       Memory (and swap) limit per sandbox
  --rerun-when never|always Whether crates with an existing artifact run again
  --backend cli|api         Drive docker through its CLI or the Engine API
  --progress tui|log|none   How progress is shown
  --listen ADDR             Serve /healthz, /progress and /events on ADDR
  --no-build                Use the existing image
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if isHelpToken(a) {
			return true
		}
	}
	return false
}

// loadConfig loads the configuration and sets up logging for commands that
// print to the terminal.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, os.Stderr)
	return cfg, nil
}
