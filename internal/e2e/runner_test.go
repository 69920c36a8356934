package e2e

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/sweep/internal/artifact"
	"github.com/mattjoyce/sweep/internal/dispatch"
	"github.com/mattjoyce/sweep/internal/job"
	"github.com/mattjoyce/sweep/internal/ledger"
	"github.com/mattjoyce/sweep/internal/log"
	"github.com/mattjoyce/sweep/internal/protocol"
	"github.com/mattjoyce/sweep/internal/queue"
	"github.com/mattjoyce/sweep/internal/sandbox"
	"github.com/mattjoyce/sweep/internal/worker"
)

// Stand-ins for the tools the sandbox image provides. curl and tar succeed
// without fetching anything; cargo reports how it was called and where.
var fakeTools = map[string]string{
	"curl":  "#!/bin/sh\nexit 0\n",
	"tar":   "#!/bin/sh\ncat >/dev/null\nexit 0\n",
	"cargo": "#!/bin/sh\necho \"cargo $* in $(basename \"$PWD\")\"\necho \"RUSTFLAGS=$RUSTFLAGS\"\n",
}

func TestRunnerScriptThroughDispatcher(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("runner script needs a POSIX shell")
	}
	log.Setup("error", "text", io.Discard)

	for _, tool := range []sandbox.Tool{sandbox.ToolMiri, sandbox.ToolAsan} {
		t.Run(string(tool), func(t *testing.T) {
			root := repoRoot(t)
			tmp := t.TempDir()
			bin := filepath.Join(tmp, "bin")
			buildRoot := filepath.Join(tmp, "build")
			for name, body := range fakeTools {
				writeExecutable(t, filepath.Join(bin, name), body)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			sentinel := protocol.NewSentinel()
			profile := sandbox.Profile{Tool: tool}
			env := append(profile.Env(sentinel),
				"SWEEP_TOOL="+string(tool),
				"SWEEP_BUILD_ROOT="+buildRoot,
				"PATH="+bin+string(os.PathListSeparator)+os.Getenv("PATH"),
			)
			launcher := &sandbox.CommandLauncher{Path: filepath.Join(root, "docker", "run.sh"), Env: env}

			store, err := artifact.NewStore(filepath.Join(tmp, "logs"))
			if err != nil {
				t.Fatal(err)
			}
			led, err := ledger.Open(ctx, filepath.Join(tmp, "sweep.db"))
			if err != nil {
				t.Fatalf("open ledger: %v", err)
			}
			defer led.Close()
			if err := led.StartRun(ctx, ledger.Run{ID: "e2e", Tool: string(tool), StartedAt: time.Now().UTC()}); err != nil {
				t.Fatal(err)
			}

			jobs := []job.Job{
				job.MustNew("serde", "1.0.200"),
				job.MustNew("rand", "0.8.5"),
				job.MustNew("libc", "0.2.155"),
			}
			d := dispatch.New(dispatch.Config{
				RunID:    "e2e",
				PoolSize: 2,
				Launcher: launcher,
				Store:    store,
				Sentinel: sentinel,
				Rerun:    queue.RerunNever,
				Recorder: led.Recorder("e2e"),
				Relaunch: worker.DefaultRelaunchPolicy(),
			})

			res, err := d.Run(ctx, jobs)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Stats.Succeeded != len(jobs) || res.Stats.Crashes != 0 {
				t.Fatalf("stats = %+v", res.Stats)
			}

			want := "cargo miri test"
			if tool == sandbox.ToolAsan {
				want = "cargo test --target"
			}
			for _, j := range jobs {
				out, err := store.Read(j)
				if err != nil {
					t.Fatalf("read %s: %v", j.Key(), err)
				}
				if !strings.Contains(out, want) {
					t.Fatalf("%s output %q does not contain %q", j.Key(), out, want)
				}
				if !strings.Contains(out, "in "+j.Name+"-"+j.Version.String()) {
					t.Fatalf("%s ran in the wrong directory: %q", j.Key(), out)
				}
				if strings.Contains(out, sentinel.Marker()) {
					t.Fatalf("%s output kept the sentinel: %q", j.Key(), out)
				}
				if tool == sandbox.ToolAsan && !strings.Contains(out, "-Zsanitizer=address") {
					t.Fatalf("%s missing sanitizer flag: %q", j.Key(), out)
				}
			}

			counts, err := led.StatusCounts(ctx, "e2e")
			if err != nil {
				t.Fatal(err)
			}
			if counts[worker.StatusSucceeded] != len(jobs) {
				t.Fatalf("ledger counts = %v", counts)
			}

			entries, err := os.ReadDir(buildRoot)
			if err != nil {
				t.Fatalf("read build root: %v", err)
			}
			if len(entries) != 0 {
				t.Fatalf("build directories left behind: %v", entries)
			}

			// A second pass finds every artifact and launches nothing.
			again, err := d.Run(ctx, jobs)
			if err != nil {
				t.Fatalf("second Run: %v", err)
			}
			if again.Queue.Queued != 0 || again.Workers != 0 {
				t.Fatalf("second run = %+v", again)
			}
		})
	}
}

func TestRunnerScriptRequiresSentinel(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("runner script needs a POSIX shell")
	}
	log.Setup("error", "text", io.Discard)

	launcher := &sandbox.CommandLauncher{
		Path: filepath.Join(repoRoot(t), "docker", "run.sh"),
		Env:  []string{protocol.EnvVar + "="},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sb, err := launcher.Launch(ctx)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer sb.Close()

	dec := protocol.NewDecoder(sb.Stdout(), protocol.Sentinel("unused"))
	if _, err := dec.ReadOutput(); err == nil {
		t.Fatal("expected the runner to exit without a sentinel")
	}
}

func writeExecutable(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func repoRoot(t *testing.T) string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// internal/e2e -> internal -> repo root
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
