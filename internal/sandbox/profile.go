package sandbox

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/mattjoyce/sweep/internal/protocol"
)

// Tool selects the analysis a sandbox image runs.
type Tool string

const (
	ToolMiri Tool = "miri"
	ToolAsan Tool = "asan"
)

// ParseTool validates a tool name.
func ParseTool(s string) (Tool, error) {
	switch Tool(s) {
	case ToolMiri, ToolAsan:
		return Tool(s), nil
	default:
		return "", fmt.Errorf("invalid tool %q (must be 'miri' or 'asan')", s)
	}
}

const compileFlags = "-Zrandomize-layout --cap-lints allow -Copt-level=0 -Cdebuginfo=0 -Zvalidate-mir"

const miriFlags = "-Zmiri-disable-isolation -Zmiri-ignore-leaks -Zmiri-panic-on-unsupported"

// Profile is the per-tool part of a sandbox definition.
type Profile struct {
	Tool Tool
	// Extra is merged over the tool's environment.
	Extra map[string]string
}

// Tag returns the image tag built for the tool.
func (p Profile) Tag() string {
	return string(p.Tool) + "-the-world"
}

// Image returns the image reference sandboxes run.
func (p Profile) Image() string {
	return p.Tag() + ":latest"
}

// Dockerfile returns the tool's Dockerfile name inside the build context.
func (p Profile) Dockerfile() string {
	return "Dockerfile-" + string(p.Tool)
}

// Env returns the sandbox environment as sorted KEY=VALUE pairs, including
// the sentinel that terminates every response.
func (p Profile) Env(s protocol.Sentinel) []string {
	env := map[string]string{
		"RUSTFLAGS":         compileFlags,
		"RUSTDOCFLAGS":      compileFlags,
		"CARGO_INCREMENTAL": "0",
		"RUST_BACKTRACE":    "1",
	}
	if p.Tool == ToolMiri {
		env["RUST_BACKTRACE"] = "0"
		env["MIRIFLAGS"] = miriFlags
	}
	maps.Copy(env, p.Extra)
	env[protocol.EnvVar] = string(s)

	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Limits are the resources granted to each sandbox.
type Limits struct {
	MemoryGB  int
	CPUs      float64
	CPUShares int64
	Tmpfs     []string
}

// DefaultLimits matches one build per CPU at reduced priority, with build
// and cache directories in memory.
func DefaultLimits() Limits {
	return Limits{
		MemoryGB:  8,
		CPUs:      1,
		CPUShares: 2,
		Tmpfs:     []string{"/root/build:exec", "/root/.cache", "/tmp:exec"},
	}
}

// MemoryBytes returns the memory ceiling in bytes.
func (l Limits) MemoryBytes() int64 {
	return int64(l.MemoryGB) * units.GiB
}

// TmpfsMap splits "path:opts" entries into the form the Engine API takes.
func (l Limits) TmpfsMap() map[string]string {
	out := make(map[string]string, len(l.Tmpfs))
	for _, t := range l.Tmpfs {
		path, opts, _ := strings.Cut(t, ":")
		out[path] = opts
	}
	return out
}

// RunArgs returns the "docker run" arguments for one sandbox.
func RunArgs(p Profile, l Limits, s protocol.Sentinel) []string {
	args := []string{
		"run",
		"--rm",
		"--interactive",
		"--cpus=" + strconv.FormatFloat(l.CPUs, 'f', -1, 64),
		"--cpu-shares=" + strconv.FormatInt(l.CPUShares, 10),
	}
	for _, t := range l.Tmpfs {
		args = append(args, "--tmpfs="+t)
	}
	for _, e := range p.Env(s) {
		args = append(args, "--env", e)
	}
	// Equal memory and memory-swap disables swap.
	args = append(args,
		fmt.Sprintf("--memory=%dg", l.MemoryGB),
		fmt.Sprintf("--memory-swap=%dg", l.MemoryGB),
		p.Image(),
	)
	return args
}
