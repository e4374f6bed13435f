package xproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// ExecStarter launches a real executable. Stdout and stderr are
// appended to a log file inside the data directory, so the combined
// output can be inspected after the process stops.
type ExecStarter struct {
	// Path is the executable to run.
	Path string

	// Args are passed verbatim. The data directory is not added
	// automatically; include the relevant flag here.
	Args []string

	// Env entries are appended to the parent environment.
	Env []string

	// LogName is the name of the log file inside the data directory.
	// Defaults to "daemon.log".
	LogName string
}

type execHandle struct {
	cmd *exec.Cmd
	out *os.File

	waitOnce sync.Once
	waitErr  error
}

func (h *execHandle) Wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
		h.out.Close()
	})
	return h.waitErr
}

func (s *ExecStarter) Start(ctx context.Context, dir string) (Handle, error) {
	logName := s.LogName
	if logName == "" {
		logName = "daemon.log"
	}

	out, err := os.OpenFile(filepath.Join(dir, logName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open process log: %w", err)
	}

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to exec %s: %w", s.Path, err)
	}

	return &execHandle{cmd: cmd, out: out}, nil
}

// GoHandle runs a server loop in a goroutine of the current process
// and exposes it through the Handle interface, so tests can drive the
// exact same lifecycle code without spawning executables.
type GoHandle struct {
	done chan error
}

// Go starts fn in a goroutine. fn should block until the server is
// shut down; its return value becomes the Wait result.
func Go(fn func() error) *GoHandle {
	h := &GoHandle{done: make(chan error, 1)}
	go func() {
		h.done <- fn()
	}()
	return h
}

func (h *GoHandle) Wait() error {
	return <-h.done
}
