package config

import (
	"path/filepath"
	"time"

	"github.com/mattjoyce/sweep/internal/catalog"
	"github.com/mattjoyce/sweep/internal/sandbox"
	"github.com/mattjoyce/sweep/internal/worker"
)

// Config is the complete sweep configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service" envPrefix:"SERVICE_"`
	Tool      string          `yaml:"tool" env:"TOOL"`
	Image     ImageConfig     `yaml:"image" envPrefix:"IMAGE_"`
	Sandbox   SandboxConfig   `yaml:"sandbox" envPrefix:"SANDBOX_"`
	Pool      PoolConfig      `yaml:"pool" envPrefix:"POOL_"`
	Catalog   CatalogConfig   `yaml:"catalog" envPrefix:"CATALOG_"`
	Artifacts ArtifactsConfig `yaml:"artifacts" envPrefix:"ARTIFACTS_"`
	Ledger    LedgerConfig    `yaml:"ledger" envPrefix:"LEDGER_"`
	Progress  ProgressConfig  `yaml:"progress" envPrefix:"PROGRESS_"`
	Status    StatusConfig    `yaml:"status" envPrefix:"STATUS_"`

	// SourceFile is the file the config was read from, empty for defaults only.
	SourceFile string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
	DataDir   string `yaml:"data_dir" env:"DATA_DIR"`
}

// ImageConfig defines where the sandbox image is built from.
type ImageConfig struct {
	Context string `yaml:"context" env:"CONTEXT"`
	Build   bool   `yaml:"build" env:"BUILD"`
}

// SandboxConfig defines how sandboxes are started and bounded.
type SandboxConfig struct {
	Backend       string            `yaml:"backend" env:"BACKEND"`
	DockerBinary  string            `yaml:"docker_binary" env:"DOCKER_BINARY"`
	MemoryLimitGB int               `yaml:"memory_limit_gb" env:"MEMORY_LIMIT_GB"`
	CPUs          float64           `yaml:"cpus" env:"CPUS"`
	CPUShares     int64             `yaml:"cpu_shares" env:"CPU_SHARES"`
	Tmpfs         []string          `yaml:"tmpfs" env:"TMPFS"`
	Env           map[string]string `yaml:"env,omitempty" env:"ENV"`
}

// PoolConfig sizes the worker pool. Jobs of zero means physical cores minus one.
type PoolConfig struct {
	Jobs             int           `yaml:"jobs" env:"JOBS"`
	RelaunchAttempts int           `yaml:"relaunch_attempts" env:"RELAUNCH_ATTEMPTS"`
	RelaunchMin      time.Duration `yaml:"relaunch_min" env:"RELAUNCH_MIN"`
	RelaunchMax      time.Duration `yaml:"relaunch_max" env:"RELAUNCH_MAX"`
}

// CatalogConfig defines where crates come from and which are selected.
type CatalogConfig struct {
	DumpURL   string        `yaml:"dump_url" env:"DUMP_URL"`
	CacheDir  string        `yaml:"cache_dir" env:"CACHE_DIR"`
	MaxAge    time.Duration `yaml:"max_age" env:"MAX_AGE"`
	Crates    int           `yaml:"crates" env:"CRATES"`
	CrateList string        `yaml:"crate_list" env:"CRATE_LIST"`
}

// ArtifactsConfig defines the output tree.
type ArtifactsConfig struct {
	Dir       string `yaml:"dir" env:"DIR"`
	RerunWhen string `yaml:"rerun_when" env:"RERUN_WHEN"`
}

// LedgerConfig defines the run ledger database.
type LedgerConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// ProgressConfig defines how progress is shown.
type ProgressConfig struct {
	Mode        string        `yaml:"mode" env:"MODE"`
	Interval    time.Duration `yaml:"interval" env:"INTERVAL"`
	LogInterval time.Duration `yaml:"log_interval" env:"LOG_INTERVAL"`
}

// StatusConfig defines the optional HTTP status server. Empty Listen disables it.
type StatusConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"`
	// Token protects every route except /healthz when set.
	Token  string `yaml:"token,omitempty" env:"TOKEN"`
}

// Defaults returns a Config with the values used when nothing is configured.
func Defaults() *Config {
	limits := sandbox.DefaultLimits()
	relaunch := worker.DefaultRelaunchPolicy()
	return &Config{
		Service: ServiceConfig{
			LogLevel:  "info",
			LogFormat: "json",
			DataDir:   "./data",
		},
		Tool: "miri",
		Image: ImageConfig{
			Context: "docker",
			Build:   true,
		},
		Sandbox: SandboxConfig{
			Backend:       "cli",
			DockerBinary:  "docker",
			MemoryLimitGB: limits.MemoryGB,
			CPUs:          limits.CPUs,
			CPUShares:     limits.CPUShares,
			Tmpfs:         limits.Tmpfs,
		},
		Pool: PoolConfig{
			RelaunchAttempts: relaunch.Attempts,
			RelaunchMin:      relaunch.Min,
			RelaunchMax:      relaunch.Max,
		},
		Catalog: CatalogConfig{
			DumpURL: catalog.DefaultDumpURL,
			MaxAge:  24 * time.Hour,
		},
		Artifacts: ArtifactsConfig{
			Dir:       "logs",
			RerunWhen: "never",
		},
		Progress: ProgressConfig{
			Mode:        "tui",
			Interval:    250 * time.Millisecond,
			LogInterval: 10 * time.Second,
		},
	}
}

// LedgerPath is the ledger database, defaulting into the data directory.
func (c *Config) LedgerPath() string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	return filepath.Join(c.Service.DataDir, "sweep.db")
}

// CatalogCacheDir is where the db-dump is cached, defaulting into the data directory.
func (c *Config) CatalogCacheDir() string {
	if c.Catalog.CacheDir != "" {
		return c.Catalog.CacheDir
	}
	return filepath.Join(c.Service.DataDir, "catalog")
}

// LogFile is where logs go while the terminal view owns stdout.
func (c *Config) LogFile() string {
	return filepath.Join(c.Service.DataDir, "sweep.log")
}
