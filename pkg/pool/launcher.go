package pool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"extpool/pkg/protocol"
)

// TransportAddrEnv and DebugEnv name the env vars the child receives.
const (
	TransportAddrEnv = protocol.TransportAddrEnv
	DebugEnv         = protocol.DebugEnv
)

// LaunchSpec is the contract passed to the editor launcher collaborator.
type LaunchSpec struct {
	ExecutablePath      string
	Version             string
	Platform            string
	CachePath           string
	Args                []string // appended after the defaults
	Env                 []string // KEY=VALUE pairs added to the child env
	ReuseMachineInstall bool
	Timeout             time.Duration
}

// LaunchedEditor is the lifecycle handle for a running child editor. Done
// closes when the child exits; Err then reports the exit error, if any.
type LaunchedEditor struct {
	done <-chan struct{}
	err  func() error
	kill func() error
}

// NewLaunchedEditor builds a handle from primitives. External launcher
// implementations use this to satisfy the contract.
func NewLaunchedEditor(done <-chan struct{}, err func() error, kill func() error) *LaunchedEditor {
	return &LaunchedEditor{done: done, err: err, kill: kill}
}

// Done closes when the child process has exited.
func (l *LaunchedEditor) Done() <-chan struct{} { return l.done }

// Err reports the child's exit error. Only meaningful after Done closes.
func (l *LaunchedEditor) Err() error { return l.err() }

// Kill force-terminates the child.
func (l *LaunchedEditor) Kill() error { return l.kill() }

// EditorLauncher starts a child editor. The production collaborator
// downloads the requested build on demand; ExecLauncher runs a binary
// already on disk.
type EditorLauncher interface {
	Launch(ctx context.Context, spec LaunchSpec) (*LaunchedEditor, error)
}

// ExecLauncher launches the editor from spec.ExecutablePath. The child
// gets its own process group so Kill takes down the whole tree.
type ExecLauncher struct{}

// defaultLaunchArgs are always present on the child command line. User
// launchArgs append after these.
func defaultLaunchArgs(spec LaunchSpec) []string {
	args := []string{"--disable-extensions"}
	if !spec.ReuseMachineInstall && spec.CachePath != "" {
		args = append(args, "--user-data-dir", filepath.Join(spec.CachePath, "user-data"))
	}
	return args
}

// Launch starts the configured executable. It fails when no executable
// path is set: resolving a version to a download is the external
// launcher's job, not this one's.
func (ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (*LaunchedEditor, error) {
	if spec.ExecutablePath == "" {
		return nil, fmt.Errorf("exec launcher requires editorExecutablePath (version %q needs the download launcher)", spec.Version)
	}

	args := append(defaultLaunchArgs(spec), spec.Args...)
	cmd := exec.CommandContext(ctx, spec.ExecutablePath, args...) //nolint:gosec // path comes from pool options
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start editor %s: %w", spec.ExecutablePath, err)
	}

	done := make(chan struct{})
	var mu sync.Mutex
	var exitErr error
	go func() {
		err := cmd.Wait()
		mu.Lock()
		exitErr = err
		mu.Unlock()
		close(done)
	}()

	pgid := cmd.Process.Pid
	return NewLaunchedEditor(
		done,
		func() error {
			mu.Lock()
			defer mu.Unlock()
			return exitErr
		},
		func() error {
			// Terminate the process group so editor descendants go too.
			if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
				return cmd.Process.Kill()
			}
			select {
			case <-done:
			case <-time.After(3 * time.Second):
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
				<-done
			}
			return nil
		},
	), nil
}
