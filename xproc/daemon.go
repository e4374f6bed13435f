// Package xproc manages the lifecycle of the daemons a test run owns:
// starting them against a fresh data directory, waiting until they
// answer their readiness probe, and shutting them down cleanly.
package xproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Start when the daemon has a live
	// process. Callers normally log it and continue.
	ErrAlreadyRunning = errors.New("daemon already running")

	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("daemon not running")
)

// Handle is a live process as seen by the daemon: something that can
// be waited on until it exits.
type Handle interface {
	Wait() error
}

// Starter launches the underlying process. Implementations include
// [ExecStarter] for real executables and [StartFunc] for servers run
// in-process during tests.
type Starter interface {
	Start(ctx context.Context, dir string) (Handle, error)
}

// StartFunc adapts a function to the Starter interface.
type StartFunc func(ctx context.Context, dir string) (Handle, error)

func (f StartFunc) Start(ctx context.Context, dir string) (Handle, error) {
	return f(ctx, dir)
}

// SessionCloser tears down RPC sessions held against the process.
// Satisfied by *xrpc.Broker.
type SessionCloser interface {
	CloseAll()
}

// SessionCloserFunc adapts a function to the SessionCloser interface,
// for owners whose broker is rebuilt on every start.
type SessionCloserFunc func()

func (f SessionCloserFunc) CloseAll() { f() }

// Config collects the pieces a Daemon needs.
type Config struct {
	Log *slog.Logger

	// Dir is the daemon's data directory.
	// Start recreates it from scratch.
	Dir string

	Starter Starter

	// Ready reports whether the process is accepting requests.
	// Start retries it every 100ms until it succeeds.
	Ready func(ctx context.Context) error

	// Shutdown asks the process to stop gracefully,
	// typically an RPC "stop" call. May be nil.
	Shutdown func(ctx context.Context) error

	// Sessions, if set, is closed between Shutdown and Wait, so no
	// client session outlives the process it was opened against.
	Sessions SessionCloser
}

// Daemon owns one process and serializes its lifecycle transitions.
type Daemon struct {
	log *slog.Logger
	cfg Config

	mu     sync.Mutex
	handle Handle
}

func New(cfg Config) *Daemon {
	return &Daemon{log: cfg.Log, cfg: cfg}
}

const readyInterval = 100 * time.Millisecond

// Start provisions a fresh data directory, launches the process, and
// blocks until the readiness probe succeeds or ctx is canceled. There
// is no cap on probe attempts; cancellation is the caller's job.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != nil {
		d.log.Warn("Start called on running daemon")
		return ErrAlreadyRunning
	}

	if err := os.RemoveAll(d.cfg.Dir); err != nil {
		return fmt.Errorf("failed to clear data directory: %w", err)
	}
	if err := os.MkdirAll(d.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	d.log.Info("Starting daemon", "dir", d.cfg.Dir)
	h, err := d.cfg.Starter.Start(ctx, d.cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	if err := d.waitReady(ctx); err != nil {
		// Best effort teardown of the half-started process.
		if d.cfg.Shutdown != nil {
			_ = d.cfg.Shutdown(context.WithoutCancel(ctx))
		}
		if d.cfg.Sessions != nil {
			d.cfg.Sessions.CloseAll()
		}
		_ = h.Wait()
		return err
	}

	d.handle = h
	d.log.Info("Daemon ready")
	return nil
}

func (d *Daemon) waitReady(ctx context.Context) error {
	t := time.NewTicker(readyInterval)
	defer t.Stop()

	for {
		if err := d.cfg.Ready(ctx); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon never became ready: %w", context.Cause(ctx))
		case <-t.C:
			// Probe again.
		}
	}
}

// Stop shuts the process down: graceful shutdown request, session
// teardown, then blocking on process exit.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == nil {
		d.log.Warn("Stop called on stopped daemon")
		return ErrNotRunning
	}

	d.log.Info("Stopping daemon")
	if d.cfg.Shutdown != nil {
		if err := d.cfg.Shutdown(ctx); err != nil {
			d.log.Warn("Graceful shutdown request failed", "err", err)
		}
	}
	if d.cfg.Sessions != nil {
		d.cfg.Sessions.CloseAll()
	}

	err := d.handle.Wait()
	d.handle = nil
	if err != nil {
		return fmt.Errorf("process exited with error: %w", err)
	}
	d.log.Info("Daemon stopped")
	return nil
}

// Running reports whether the daemon currently has a live process.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle != nil
}

// Run executes fn with the daemon started, stopping it again on every
// exit path including panics.
func (d *Daemon) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer func() {
		// Stop must happen even when fn panics or ctx is already
		// canceled, otherwise the process outlives the test.
		if err := d.Stop(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrNotRunning) {
			d.log.Warn("Failed to stop daemon", "err", err)
		}
	}()

	return fn(ctx)
}
