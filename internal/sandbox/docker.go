package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mattjoyce/sweep/internal/log"
	"github.com/mattjoyce/sweep/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks github.com/mattjoyce/sweep/internal/sandbox Engine

// Engine is the subset of the Docker Engine API sweep uses. *client.Client
// satisfies it.
type Engine interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options types.ContainerAttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
}

// NewEngine connects to the daemon configured by the DOCKER_* environment.
func NewEngine() (*client.Client, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return c, nil
}

// DockerLauncher creates sandboxes as containers through the Engine API.
type DockerLauncher struct {
	Engine   Engine
	Profile  Profile
	Limits   Limits
	Sentinel protocol.Sentinel
}

// ContainerConfig returns the container definition for one sandbox.
func (l *DockerLauncher) ContainerConfig() (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:        l.Profile.Image(),
		Env:          l.Profile.Env(l.Sentinel),
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	host := &container.HostConfig{
		AutoRemove: true,
		Tmpfs:      l.Limits.TmpfsMap(),
		Resources: container.Resources{
			NanoCPUs:   int64(l.Limits.CPUs * 1e9),
			CPUShares:  l.Limits.CPUShares,
			Memory:     l.Limits.MemoryBytes(),
			MemorySwap: l.Limits.MemoryBytes(),
		},
	}
	return cfg, host
}

// Launch creates, attaches and starts a container. Any failure after create
// removes the container again.
func (l *DockerLauncher) Launch(ctx context.Context) (Sandbox, error) {
	cfg, host := l.ContainerConfig()
	created, err := l.Engine.ContainerCreate(ctx, cfg, host, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: create container from %s: %v", ErrLaunch, cfg.Image, err)
	}
	id := created.ID
	for _, w := range created.Warnings {
		log.WithComponent("sandbox").Warn("docker warning", "container", shortID(id), "warning", w)
	}

	cleanup := func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = l.Engine.ContainerRemove(rmCtx, id, types.ContainerRemoveOptions{Force: true})
	}

	hijack, err := l.Engine.ContainerAttach(ctx, id, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: attach %s: %v", ErrLaunch, shortID(id), err)
	}

	// Wait is registered before start so a container that exits immediately
	// is still observed.
	waitCtx, stopWait := context.WithCancel(context.Background())
	waitCh, errCh := l.Engine.ContainerWait(waitCtx, id, container.WaitConditionNextExit)

	if err := l.Engine.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		stopWait()
		hijack.Close()
		cleanup()
		return nil, fmt.Errorf("%w: start %s: %v", ErrLaunch, shortID(id), err)
	}

	stdoutR, stdoutW := io.Pipe()
	s := &dockerSandbox{
		engine:   l.Engine,
		id:       id,
		hijack:   hijack,
		stdout:   stdoutR,
		stderr:   newTailBuffer(StderrTailSize),
		done:     make(chan struct{}),
		stopWait: stopWait,
	}

	go func() {
		_, err := stdcopy.StdCopy(stdoutW, s.stderr, hijack.Reader)
		_ = stdoutW.CloseWithError(err)
	}()
	go s.wait(waitCh, errCh)

	log.WithComponent("sandbox").Debug("container started", "container", shortID(id), "image", cfg.Image)
	return s, nil
}

type dockerSandbox struct {
	engine Engine
	id     string
	hijack types.HijackedResponse
	stdout *io.PipeReader
	stderr *tailBuffer

	done     chan struct{}
	exitCode int64
	exitErr  error
	stopWait context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func (s *dockerSandbox) wait(waitCh <-chan container.WaitResponse, errCh <-chan error) {
	defer close(s.done)
	select {
	case resp := <-waitCh:
		s.exitCode = resp.StatusCode
		if resp.Error != nil {
			s.exitErr = fmt.Errorf("container wait: %s", resp.Error.Message)
		}
	case err := <-errCh:
		s.exitErr = err
	}
}

func (s *dockerSandbox) ID() string        { return shortID(s.id) }
func (s *dockerSandbox) Stdin() io.Writer  { return s.hijack.Conn }
func (s *dockerSandbox) Stdout() io.Reader { return s.stdout }
func (s *dockerSandbox) Stderr() string    { return s.stderr.String() }

func (s *dockerSandbox) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// ExitErr reports how the container ended once it has exited.
func (s *dockerSandbox) ExitErr() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	if s.exitErr != nil {
		return s.exitErr
	}
	if s.exitCode != 0 {
		return fmt.Errorf("container exited with status %d", s.exitCode)
	}
	return nil
}

func (s *dockerSandbox) Close() error {
	s.closeOnce.Do(func() {
		s.hijack.Close()
		_ = s.stdout.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := s.engine.ContainerRemove(ctx, s.id, types.ContainerRemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
			s.closeErr = fmt.Errorf("remove container %s: %w", shortID(s.id), err)
		}
		s.stopWait()
	})
	return s.closeErr
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
