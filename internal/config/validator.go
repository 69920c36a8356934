package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/sweep/internal/queue"
	"github.com/mattjoyce/sweep/internal/sandbox"
	"github.com/mattjoyce/sweep/internal/worker"
)

var (
	validLogLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats   = map[string]bool{"json": true, "text": true}
	validBackends     = map[string]bool{"cli": true, "api": true}
	validProgressMode = map[string]bool{"tui": true, "log": true, "none": true}
)

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if !validLogLevels[strings.ToLower(c.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", c.Service.LogLevel)
	}
	if !validLogFormats[c.Service.LogFormat] {
		return fmt.Errorf("service.log_format must be json or text (got %q)", c.Service.LogFormat)
	}
	if c.Service.DataDir == "" {
		return fmt.Errorf("service.data_dir is required")
	}

	if _, err := sandbox.ParseTool(c.Tool); err != nil {
		return fmt.Errorf("tool: %w", err)
	}
	if c.Image.Context == "" {
		return fmt.Errorf("image.context is required")
	}

	if !validBackends[c.Sandbox.Backend] {
		return fmt.Errorf("sandbox.backend must be cli or api (got %q)", c.Sandbox.Backend)
	}
	if c.Sandbox.Backend == "cli" && c.Sandbox.DockerBinary == "" {
		return fmt.Errorf("sandbox.docker_binary is required for the cli backend")
	}
	if c.Sandbox.MemoryLimitGB <= 0 {
		return fmt.Errorf("sandbox.memory_limit_gb must be positive")
	}
	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be positive")
	}
	if c.Sandbox.CPUShares < 0 {
		return fmt.Errorf("sandbox.cpu_shares must not be negative")
	}
	for i, t := range c.Sandbox.Tmpfs {
		if !strings.HasPrefix(t, "/") {
			return fmt.Errorf("sandbox.tmpfs[%d]: %q is not an absolute path", i, t)
		}
	}

	if c.Pool.Jobs < 0 {
		return fmt.Errorf("pool.jobs must not be negative")
	}
	if c.Pool.RelaunchAttempts < 1 {
		return fmt.Errorf("pool.relaunch_attempts must be at least 1")
	}
	if c.Pool.RelaunchMin <= 0 || c.Pool.RelaunchMax < c.Pool.RelaunchMin {
		return fmt.Errorf("pool.relaunch_min must be positive and not above pool.relaunch_max")
	}

	if c.Catalog.DumpURL == "" {
		return fmt.Errorf("catalog.dump_url is required")
	}
	if c.Catalog.Crates < 0 {
		return fmt.Errorf("catalog.crates must not be negative")
	}
	if c.Catalog.Crates > 0 && c.Catalog.CrateList != "" {
		return fmt.Errorf("catalog.crates and catalog.crate_list are mutually exclusive")
	}

	if c.Artifacts.Dir == "" {
		return fmt.Errorf("artifacts.dir is required")
	}
	if _, err := queue.ParseRerunPolicy(c.Artifacts.RerunWhen); err != nil {
		return fmt.Errorf("artifacts.rerun_when: %w", err)
	}

	if !validProgressMode[c.Progress.Mode] {
		return fmt.Errorf("progress.mode must be one of: tui, log, none (got %q)", c.Progress.Mode)
	}
	if c.Progress.Interval <= 0 || c.Progress.LogInterval <= 0 {
		return fmt.Errorf("progress intervals must be positive")
	}

	return c.checkUnresolvedEnvVars()
}

func (c *Config) checkUnresolvedEnvVars() error {
	fields := map[string]string{
		"service.data_dir":      c.Service.DataDir,
		"image.context":         c.Image.Context,
		"sandbox.docker_binary": c.Sandbox.DockerBinary,
		"catalog.dump_url":      c.Catalog.DumpURL,
		"catalog.cache_dir":     c.Catalog.CacheDir,
		"catalog.crate_list":    c.Catalog.CrateList,
		"artifacts.dir":         c.Artifacts.Dir,
		"ledger.path":           c.Ledger.Path,
		"status.listen":         c.Status.Listen,
		"status.token":          c.Status.Token,
	}
	for k, v := range c.Sandbox.Env {
		fields["sandbox.env."+k] = v
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if name, ok := unresolved(fields[k]); ok {
			return fmt.Errorf("%s: environment variable ${%s} is not set", k, name)
		}
	}
	return nil
}

// Profile returns the sandbox profile for the configured tool.
func (c *Config) Profile() sandbox.Profile {
	tool, _ := sandbox.ParseTool(c.Tool)
	return sandbox.Profile{Tool: tool, Extra: c.Sandbox.Env}
}

// Limits returns the per-sandbox resource limits.
func (c *Config) Limits() sandbox.Limits {
	return sandbox.Limits{
		MemoryGB:  c.Sandbox.MemoryLimitGB,
		CPUs:      c.Sandbox.CPUs,
		CPUShares: c.Sandbox.CPUShares,
		Tmpfs:     c.Sandbox.Tmpfs,
	}
}

// Rerun returns the parsed rerun policy.
func (c *Config) Rerun() queue.RerunPolicy {
	p, _ := queue.ParseRerunPolicy(c.Artifacts.RerunWhen)
	return p
}

// Relaunch returns the sandbox relaunch policy.
func (c *Config) Relaunch() worker.RelaunchPolicy {
	return worker.RelaunchPolicy{
		Attempts: c.Pool.RelaunchAttempts,
		Min:      c.Pool.RelaunchMin,
		Max:      c.Pool.RelaunchMax,
	}
}
