// Package doctor checks that the host, the Docker daemon and the configured
// directories can carry a run before any sandbox is launched.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/sweep/internal/config"
	"github.com/mattjoyce/sweep/internal/storage"
)

// minFreeDisk is the free space below which the artifact tree gets a warning.
const minFreeDisk = 10 * units.GiB

// Result holds the outcome of a check run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
	PoolSize int     `json:"pool_size"`
	Host     *Host   `json:"host,omitempty"`
}

// Issue describes a single error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Pinger reaches the Docker daemon. sandbox.Engine satisfies it.
type Pinger interface {
	Ping(ctx context.Context) (types.Ping, error)
}

// Doctor runs preflight checks for a configuration.
type Doctor struct {
	cfg *config.Config

	// Engine is pinged when set.
	Engine   Pinger
	Probe    HostProbe
	Disk     DiskProbe
	LookPath func(string) (string, error)
}

// New creates a Doctor using the real host probes.
func New(cfg *config.Config, engine Pinger) *Doctor {
	return &Doctor{
		cfg:      cfg,
		Engine:   engine,
		Probe:    ProbeHost,
		Disk:     ProbeDisk,
		LookPath: exec.LookPath,
	}
}

// Check runs every check and returns the result.
func (d *Doctor) Check(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.checkDocker(ctx, r)
	d.checkImage(r)
	d.checkHost(ctx, r)
	d.checkDirs(ctx, r)
	d.checkCatalog(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkDocker(ctx context.Context, r *Result) {
	if d.cfg.Sandbox.Backend == "cli" && d.LookPath != nil {
		if _, err := d.LookPath(d.cfg.Sandbox.DockerBinary); err != nil {
			d.addError(r, "docker", "sandbox.docker_binary",
				fmt.Sprintf("%q not found on PATH", d.cfg.Sandbox.DockerBinary))
		}
	}
	if d.Engine == nil {
		return
	}
	ping, err := d.Engine.Ping(ctx)
	if err != nil {
		d.addError(r, "docker", "", fmt.Sprintf("docker daemon unreachable: %v", err))
		return
	}
	if ping.OSType != "" && ping.OSType != "linux" {
		d.addWarning(r, "docker", "", fmt.Sprintf("daemon runs %s containers, images expect linux", ping.OSType))
	}
}

func (d *Doctor) checkImage(r *Result) {
	if !d.cfg.Image.Build {
		return
	}
	dockerfile := filepath.Join(d.cfg.Image.Context, d.cfg.Profile().Dockerfile())
	if _, err := os.Stat(dockerfile); err != nil {
		d.addError(r, "image", "image.context", fmt.Sprintf("%s not found", dockerfile))
	}
}

func (d *Doctor) checkHost(ctx context.Context, r *Result) {
	r.PoolSize = max(1, d.cfg.Pool.Jobs)
	if d.Probe == nil {
		return
	}
	host, err := d.Probe(ctx)
	if err != nil {
		d.addWarning(r, "host", "", fmt.Sprintf("could not measure host: %v", err))
		return
	}
	r.Host = &host
	r.PoolSize = host.PoolSize(d.cfg.Pool.Jobs)

	need := uint64(r.PoolSize) * uint64(d.cfg.Limits().MemoryBytes())
	if host.MemoryBytes > 0 && need > host.MemoryBytes {
		d.addWarning(r, "host", "sandbox.memory_limit_gb",
			fmt.Sprintf("%d sandboxes × %d GiB = %s exceeds host memory %s",
				r.PoolSize, d.cfg.Sandbox.MemoryLimitGB, humanize.IBytes(need), humanize.IBytes(host.MemoryBytes)))
	}
	if host.LogicalCores > 0 && float64(r.PoolSize)*d.cfg.Sandbox.CPUs > float64(host.LogicalCores) {
		d.addWarning(r, "host", "pool.jobs",
			fmt.Sprintf("%d sandboxes × %g CPUs oversubscribes %d logical cores",
				r.PoolSize, d.cfg.Sandbox.CPUs, host.LogicalCores))
	}
}

func (d *Doctor) checkDirs(ctx context.Context, r *Result) {
	dirs := []struct{ field, path string }{
		{"artifacts.dir", d.cfg.Artifacts.Dir},
		{"service.data_dir", d.cfg.Service.DataDir},
		{"catalog.cache_dir", d.cfg.CatalogCacheDir()},
	}
	for _, dir := range dirs {
		if err := writable(dir.path); err != nil {
			d.addError(r, "dirs", dir.field, err.Error())
		}
	}

	if err := storage.ValidateLocalFilesystem(ctx, d.cfg.LedgerPath(), "ledger.path"); err != nil {
		d.addError(r, "dirs", "ledger.path", err.Error())
	}
	if err := storage.ValidateLocalFilesystem(ctx, d.cfg.Artifacts.Dir, "artifacts.dir"); err != nil {
		d.addWarning(r, "dirs", "artifacts.dir", err.Error())
	}

	if d.Disk == nil {
		return
	}
	free, err := d.Disk(ctx, d.cfg.Artifacts.Dir)
	if err != nil {
		d.addWarning(r, "dirs", "artifacts.dir", err.Error())
		return
	}
	if free < minFreeDisk {
		d.addWarning(r, "dirs", "artifacts.dir",
			fmt.Sprintf("only %s free", humanize.IBytes(free)))
	}
}

func (d *Doctor) checkCatalog(r *Result) {
	if d.cfg.Catalog.CrateList == "" {
		return
	}
	if _, err := os.Stat(d.cfg.Catalog.CrateList); err != nil {
		d.addError(r, "catalog", "catalog.crate_list", fmt.Sprintf("crate list not readable: %v", err))
	}
}

// writable creates dir if needed and proves a file can be written in it.
func writable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".sweep-doctor-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Host != nil {
		fmt.Fprintf(&b, "Host: %d physical / %d logical cores, %s memory\n",
			r.Host.PhysicalCores, r.Host.LogicalCores, humanize.IBytes(r.Host.MemoryBytes))
	}
	fmt.Fprintf(&b, "Pool size: %d\n", r.PoolSize)

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Ready.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Ready (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Not ready (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
