package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/go-units"
	"github.com/golang/mock/gomock"

	"github.com/mattjoyce/sweep/internal/config"
	"github.com/mattjoyce/sweep/internal/sandbox/mocks"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.Service.DataDir = filepath.Join(root, "data")
	cfg.Artifacts.Dir = filepath.Join(root, "logs")
	cfg.Image.Context = filepath.Join(root, "docker")
	if err := os.MkdirAll(cfg.Image.Context, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Image.Context, "Dockerfile-miri"), []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Pool.Jobs = 2
	return cfg
}

func bigHost(context.Context) (Host, error) {
	return Host{PhysicalCores: 8, LogicalCores: 16, MemoryBytes: 64 * units.GiB}, nil
}

func plentyOfDisk(context.Context, string) (uint64, error) { return 500 * units.GiB, nil }

func newTestDoctor(cfg *config.Config, engine Pinger) *Doctor {
	d := New(cfg, engine)
	d.Probe = bigHost
	d.Disk = plentyOfDisk
	d.LookPath = func(string) (string, error) { return "/usr/bin/docker", nil }
	return d
}

func hasIssue(issues []Issue, field string) bool {
	for _, i := range issues {
		if i.Field == field {
			return true
		}
	}
	return false
}

func TestCheck_Ready(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	engine.EXPECT().Ping(gomock.Any()).Return(types.Ping{APIVersion: "1.43", OSType: "linux"}, nil)

	r := newTestDoctor(validConfig(t), engine).Check(context.Background())
	if !r.Valid {
		t.Fatalf("expected ready, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", r.Warnings)
	}
	if r.PoolSize != 2 {
		t.Errorf("PoolSize = %d, want 2", r.PoolSize)
	}
	if !strings.Contains(FormatHuman(r), "Ready.") {
		t.Errorf("FormatHuman() = %q", FormatHuman(r))
	}
}

func TestCheck_DaemonUnreachable(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	engine.EXPECT().Ping(gomock.Any()).Return(types.Ping{}, errors.New("connection refused"))

	r := newTestDoctor(validConfig(t), engine).Check(context.Background())
	if r.Valid {
		t.Fatal("expected not ready")
	}
	if !strings.Contains(r.Errors[0].Message, "connection refused") {
		t.Errorf("error = %q", r.Errors[0].Message)
	}
}

func TestCheck_MissingDockerBinary(t *testing.T) {
	d := newTestDoctor(validConfig(t), nil)
	d.LookPath = func(string) (string, error) { return "", errors.New("not found") }

	r := d.Check(context.Background())
	if r.Valid || !hasIssue(r.Errors, "sandbox.docker_binary") {
		t.Fatalf("expected docker_binary error, got %+v", r)
	}
}

func TestCheck_MissingDockerfile(t *testing.T) {
	cfg := validConfig(t)
	cfg.Tool = "asan"
	r := newTestDoctor(cfg, nil).Check(context.Background())
	if !hasIssue(r.Errors, "image.context") {
		t.Fatalf("expected image.context error, got %v", r.Errors)
	}

	cfg.Image.Build = false
	r = newTestDoctor(cfg, nil).Check(context.Background())
	if hasIssue(r.Errors, "image.context") {
		t.Fatal("no Dockerfile needed when the build is skipped")
	}
}

func TestCheck_MemoryOversubscribed(t *testing.T) {
	cfg := validConfig(t)
	cfg.Pool.Jobs = 0
	cfg.Sandbox.MemoryLimitGB = 16

	r := newTestDoctor(cfg, nil).Check(context.Background())
	if !r.Valid {
		t.Fatalf("oversubscription is a warning, got errors: %v", r.Errors)
	}
	if r.PoolSize != 7 {
		t.Errorf("PoolSize = %d, want physical cores minus one", r.PoolSize)
	}
	if !hasIssue(r.Warnings, "sandbox.memory_limit_gb") {
		t.Fatalf("expected memory warning, got %v", r.Warnings)
	}
}

func TestCheck_UnwritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can write anywhere")
	}
	cfg := validConfig(t)
	ro := filepath.Join(t.TempDir(), "ro")
	if err := os.MkdirAll(ro, 0o555); err != nil {
		t.Fatal(err)
	}
	cfg.Artifacts.Dir = ro

	r := newTestDoctor(cfg, nil).Check(context.Background())
	if !hasIssue(r.Errors, "artifacts.dir") {
		t.Fatalf("expected artifacts.dir error, got %v", r.Errors)
	}
}

func TestCheck_LowDiskAndMissingCrateList(t *testing.T) {
	cfg := validConfig(t)
	cfg.Catalog.CrateList = filepath.Join(t.TempDir(), "missing.txt")
	d := newTestDoctor(cfg, nil)
	d.Disk = func(context.Context, string) (uint64, error) { return units.GiB, nil }

	r := d.Check(context.Background())
	if !hasIssue(r.Warnings, "artifacts.dir") {
		t.Errorf("expected low disk warning, got %v", r.Warnings)
	}
	if !hasIssue(r.Errors, "catalog.crate_list") {
		t.Errorf("expected crate list error, got %v", r.Errors)
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "Not ready") || !strings.Contains(out, "WARN  [dirs]") {
		t.Errorf("FormatHuman() = %q", out)
	}
	if _, err := FormatJSON(r); err != nil {
		t.Fatalf("FormatJSON() error = %v", err)
	}
}

func TestHostPoolSize(t *testing.T) {
	tests := []struct {
		cores, configured, want int
	}{
		{8, 0, 7},
		{1, 0, 1},
		{0, 0, 1},
		{8, 3, 3},
	}
	for _, tt := range tests {
		if got := (Host{PhysicalCores: tt.cores}).PoolSize(tt.configured); got != tt.want {
			t.Errorf("PoolSize(cores=%d, configured=%d) = %d, want %d", tt.cores, tt.configured, got, tt.want)
		}
	}
}
