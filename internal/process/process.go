package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait keeps draining stdio pipes after the child
// exited. Grandchildren that inherited the pipes must not pin the supervisor.
const waitDelay = 2 * time.Second

// ErrSpawnFailed is matched by every launch failure.
var ErrSpawnFailed = errors.New("spawn failed")

// SpawnError reports an OS-level launch failure (missing executable,
// permission denied, bad working directory).
type SpawnError struct {
	Name string
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%v): %v", e.Name, e.Argv, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }

// ExitInfo describes how a child terminated.
type ExitInfo struct {
	Code   int    // exit code, -1 when killed by a signal
	Signal string // terminating signal name, if any
	Err    error  // error returned by Wait, nil on clean exit
}

func (e ExitInfo) String() string {
	if e.Signal != "" {
		return "signal: " + e.Signal
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Handle is a live child process owned by exactly one instance.
type Handle interface {
	Pid() int
	// Wait blocks until the child exits. It must be called exactly once.
	Wait() ExitInfo
	// Terminate asks the process group to exit gracefully.
	Terminate() error
	// Kill forcibly terminates the process group.
	Kill() error
}

// LaunchRequest carries everything needed to spawn one replica.
type LaunchRequest struct {
	Name   string
	Spec   Spec
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Launcher spawns child processes. The exec-based implementation is used in
// production; tests substitute fakes.
type Launcher interface {
	Launch(req LaunchRequest) (Handle, error)
}

// ExecLauncher launches children with os/exec in their own process group.
type ExecLauncher struct{}

// Launch starts the app described by req and returns its handle.
func (ExecLauncher) Launch(req LaunchRequest) (Handle, error) {
	argv := req.Spec.Argv()
	if len(argv) == 0 || argv[0] == "" {
		return nil, &SpawnError{Name: req.Name, Argv: argv, Err: errors.New("empty command")}
	}
	// #nosec G204 -- argv comes from the operator's ecosystem file
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.Spec.Cwd
	cmd.Env = req.Env
	cmd.Stdout = orDiscard(req.Stdout)
	cmd.Stderr = orDiscard(req.Stderr)
	cmd.WaitDelay = waitDelay
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Name: req.Name, Argv: argv, Err: err}
	}
	return &execHandle{cmd: cmd}, nil
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Pid() int { return h.cmd.Process.Pid }

func (h *execHandle) Wait() ExitInfo {
	err := h.cmd.Wait()
	return exitInfoFrom(h.cmd.ProcessState, err)
}

func (h *execHandle) Terminate() error { return signalGroup(h.cmd.Process, syscall.SIGTERM) }

func (h *execHandle) Kill() error { return signalGroup(h.cmd.Process, syscall.SIGKILL) }

func exitInfoFrom(ps *os.ProcessState, err error) ExitInfo {
	info := ExitInfo{Code: 0, Err: err}
	if ps == nil {
		info.Code = -1
		return info
	}
	info.Code = ps.ExitCode()
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		info.Signal = ws.Signal().String()
	}
	// exec.ErrWaitDelay only means stdio copying was cut short.
	if errors.Is(err, exec.ErrWaitDelay) {
		info.Err = nil
	}
	return info
}
