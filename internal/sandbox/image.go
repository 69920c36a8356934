package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/mattjoyce/sweep/internal/log"
)

// ImageBuilder produces the image sandboxes run.
type ImageBuilder interface {
	Build(ctx context.Context) error
}

// BuildSpec describes the image build for a profile.
type BuildSpec struct {
	Profile Profile
	// ContextDir is the build context, which also holds the Dockerfiles.
	ContextDir string
	// Dockerfile overrides the profile's Dockerfile path when set.
	Dockerfile string
	// Output receives build progress. Nil discards it.
	Output io.Writer
}

func (b BuildSpec) dockerfilePath() string {
	if b.Dockerfile != "" {
		return b.Dockerfile
	}
	return filepath.Join(b.ContextDir, b.Profile.Dockerfile())
}

func (b BuildSpec) output() io.Writer {
	if b.Output == nil {
		return io.Discard
	}
	return b.Output
}

// CLIBuilder builds with "docker build".
type CLIBuilder struct {
	Binary string
	Spec   BuildSpec
}

// Args returns the docker CLI arguments.
func (b *CLIBuilder) Args() []string {
	return []string{"build", "-t", b.Spec.Profile.Tag(), "-f", b.Spec.dockerfilePath(), b.Spec.ContextDir}
}

func (b *CLIBuilder) Build(ctx context.Context) error {
	binary := b.Binary
	if binary == "" {
		binary = "docker"
	}
	log.WithComponent("image").Info("building image", "tag", b.Spec.Profile.Tag(), "backend", "cli")

	cmd := exec.CommandContext(ctx, binary, b.Args()...)
	cmd.Stdout = b.Spec.output()
	cmd.Stderr = b.Spec.output()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker image build failed: %w", err)
	}
	return nil
}

// EngineBuilder builds through the Engine API.
type EngineBuilder struct {
	Engine Engine
	Spec   BuildSpec
}

func (b *EngineBuilder) Build(ctx context.Context) error {
	dockerfile, err := filepath.Rel(b.Spec.ContextDir, b.Spec.dockerfilePath())
	if err != nil {
		return fmt.Errorf("dockerfile outside build context: %w", err)
	}
	if _, err := os.Stat(b.Spec.dockerfilePath()); err != nil {
		return fmt.Errorf("dockerfile: %w", err)
	}

	buildCtx, err := archive.TarWithOptions(b.Spec.ContextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archive build context: %w", err)
	}
	defer buildCtx.Close()

	log.WithComponent("image").Info("building image", "tag", b.Spec.Profile.Tag(), "backend", "api")
	resp, err := b.Engine.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{b.Spec.Profile.Image()},
		Dockerfile:  filepath.ToSlash(dockerfile),
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("docker image build failed: %w", err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, b.Spec.output(), 0, false, nil); err != nil {
		return fmt.Errorf("docker image build failed: %w", err)
	}
	return nil
}
