package process

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrWaitTimeout is returned by Handle.Wait when the process is still
// running after the timeout.
var ErrWaitTimeout = errors.New("timed out waiting for process exit")

// Handle is the capability surface the supervisor and health monitor need
// from a running reader process. Implementations must treat a zombie (exited
// but unreaped) process as dead: a naive signal-zero liveness probe reports
// zombies as alive, which is exactly the failure mode that leaks streams.
type Handle interface {
	// Pid returns the OS process id.
	Pid() int

	// IsAlive reports whether the process is running and not a zombie.
	IsAlive() bool

	// Signal delivers a signal to the process group.
	Signal(sig syscall.Signal) error

	// Wait blocks until the process exits or the timeout elapses and
	// returns the exit code. ErrWaitTimeout means still running.
	Wait(timeout time.Duration) (int, error)
}

// osHandle implements Handle over an exec.Cmd started with its own process
// group, so signals reach the reader and any children it forks.
type osHandle struct {
	cmd *exec.Cmd

	done     chan struct{}
	waitOnce sync.Once
	exitCode int
	waitErr  error
}

// newOSHandle wraps a started command and begins reaping it in the
// background. exec.Cmd.Wait may only be called once, so the single Wait call
// happens here and everyone else observes the done channel.
func newOSHandle(cmd *exec.Cmd) *osHandle {
	h := &osHandle{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go h.reap()
	return h
}

func (h *osHandle) reap() {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				h.exitCode = exitErr.ExitCode()
			} else {
				h.exitCode = -1
				h.waitErr = err
			}
		}
		close(h.done)
	})
}

func (h *osHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// IsAlive checks both our own reaper state and the OS process table. The
// process table check catches the window where the process died but the
// reaper goroutine has not observed it yet, and classifies zombies as dead.
func (h *osHandle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	return ProcessAlive(h.Pid())
}

func (h *osHandle) Signal(sig syscall.Signal) error {
	pid := h.Pid()
	if pid == 0 {
		return fmt.Errorf("process not started")
	}
	// Negative pid targets the whole process group.
	return syscall.Kill(-pid, sig)
}

func (h *osHandle) Wait(timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return h.exitCode, h.waitErr
	case <-timer.C:
		return 0, ErrWaitTimeout
	}
}

// ProcessAlive reports whether the pid refers to a running, non-zombie
// process. Usable on any pid, not just ones this instance spawned, which is
// what the health monitor needs when it inspects records owned by a crashed
// worker on the same host.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := proc.Status()
	if err != nil {
		// Status unavailable on this platform; fall back to existence.
		running, rerr := proc.IsRunning()
		return rerr == nil && running
	}
	for _, status := range statuses {
		if status == gopsproc.Zombie {
			return false
		}
	}
	return true
}
