package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/sweep/internal/log"
	"github.com/mattjoyce/sweep/internal/protocol"
)

// closeGrace is how long Close waits after SIGTERM before killing.
const closeGrace = 5 * time.Second

// CommandLauncher starts each sandbox as a child process. Production runs
// use DockerCommand; tests point it at a script.
type CommandLauncher struct {
	Path string
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	Dir string
}

// DockerCommand returns a launcher that runs sandboxes through the docker CLI.
func DockerCommand(binary string, p Profile, l Limits, s protocol.Sentinel) *CommandLauncher {
	if binary == "" {
		binary = "docker"
	}
	return &CommandLauncher{Path: binary, Args: RunArgs(p, l, s)}
}

// Launch starts the child with its standard streams connected to the
// returned sandbox. The stdout pipe is owned by the sandbox, so output the
// child wrote before exiting stays readable after it is reaped.
func (l *CommandLauncher) Launch(ctx context.Context) (Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrLaunch, err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrLaunch, err)
	}

	tail := newTailBuffer(StderrTailSize)
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Dir = l.Dir
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = tail
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	startErr := cmd.Start()
	// The child holds its own copies now.
	_ = stdinR.Close()
	_ = stdoutW.Close()
	if startErr != nil {
		_ = stdinW.Close()
		_ = stdoutR.Close()
		return nil, fmt.Errorf("%w: start %s: %v", ErrLaunch, l.Path, startErr)
	}

	s := &commandSandbox{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: tail,
		done:   make(chan struct{}),
	}
	go s.wait()

	log.WithComponent("sandbox").Debug("sandbox started", "sandbox", s.ID(), "path", l.Path)
	return s, nil
}

type commandSandbox struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *tailBuffer

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

func (s *commandSandbox) wait() {
	s.waitErr = s.cmd.Wait()
	close(s.done)
}

func (s *commandSandbox) ID() string {
	return "pid:" + strconv.Itoa(s.cmd.Process.Pid)
}

func (s *commandSandbox) Stdin() io.Writer  { return s.stdin }
func (s *commandSandbox) Stdout() io.Reader { return s.stdout }
func (s *commandSandbox) Stderr() string    { return s.stderr.String() }

func (s *commandSandbox) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close shuts stdin, asks the process group to terminate, and kills it if it
// has not exited within the grace period.
func (s *commandSandbox) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		pgid := -s.cmd.Process.Pid

		select {
		case <-s.done:
		default:
			_ = syscall.Kill(pgid, syscall.SIGTERM)
			select {
			case <-s.done:
			case <-time.After(closeGrace):
				_ = syscall.Kill(pgid, syscall.SIGKILL)
				<-s.done
			}
		}
		_ = s.stdout.Close()
	})
	return nil
}

// ExitErr returns the process's exit status once it has been reaped.
func (s *commandSandbox) ExitErr() error {
	select {
	case <-s.done:
		return s.waitErr
	default:
		return nil
	}
}
