// Package xgsp controls a game daemon under test: starting it against
// a consensus node, querying its state RPC, and inspecting its log
// after it stops.
package xgsp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/spaceexpanse/libspex/xproc"
	"github.com/spaceexpanse/libspex/xrpc"
)

// State is the structured state a game daemon reports.
type State struct {
	GameID    string          `json:"gameid"`
	State     string          `json:"state"`
	BlockHash string          `json:"blockhash"`
	Height    int64           `json:"height"`
	GameState json.RawMessage `json:"gamestate"`
}

// Synced reports whether the daemon has fully processed the chain.
func (s State) Synced() bool { return s.State == "up-to-date" }

// MakeStarter builds the process starter for a given argument list.
// The fixture runs the daemon's command in-process; an executable
// deployment uses an xproc.ExecStarter instead.
type MakeStarter func(argv []string) xproc.Starter

// Config collects the static pieces of one controlled daemon.
type Config struct {
	Log *slog.Logger

	// Dir is the daemon's data directory, recreated on every start.
	Dir string

	// Port is the daemon's own RPC port.
	Port int

	// LogFileName is the log file the daemon writes inside Dir.
	LogFileName string

	Starter MakeStarter
}

// Node is one game daemon under the harness's control.
type Node struct {
	log *slog.Logger
	cfg Config

	daemon *xproc.Daemon

	// Per-start state.
	argv      []string
	skipProbe bool
	broker    *xrpc.Broker
	client    *xrpc.Client
}

func New(cfg Config) *Node {
	n := &Node{log: cfg.Log, cfg: cfg}

	n.daemon = xproc.New(xproc.Config{
		Log: cfg.Log,
		Dir: cfg.Dir,
		Starter: xproc.StartFunc(func(ctx context.Context, dir string) (xproc.Handle, error) {
			return cfg.Starter(n.argv).Start(ctx, dir)
		}),
		Ready: func(ctx context.Context) error {
			if n.skipProbe {
				return nil
			}
			c := xrpc.NewClient(cfg.Log, n.URL())
			defer c.Close()
			_, err := c.Call(ctx, "getcurrentstate")
			return err
		},
		Shutdown: func(ctx context.Context) error {
			if n.client == nil {
				// No session exists before the first successful start.
				return nil
			}
			_, err := n.client.Call(ctx, "stop")
			return err
		},
		Sessions: xproc.SessionCloserFunc(func() {
			if n.broker != nil {
				n.broker.CloseAll()
			}
		}),
	})

	return n
}

// URL returns the daemon's RPC endpoint.
func (n *Node) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", n.cfg.Port)
}

// Start launches the daemon against the given node RPC URL. extraArgs
// are appended to the base flags. With wait false the readiness probe
// is skipped, which allows starting the daemon before its node is
// reachable.
func (n *Node) Start(ctx context.Context, nodeURL string, extraArgs []string, wait bool) error {
	n.argv = append([]string{
		"--spex_rpc_url", nodeURL,
		"--game_rpc_port", strconv.Itoa(n.cfg.Port),
		"--datadir", n.cfg.Dir,
	}, extraArgs...)
	n.skipProbe = !wait

	if err := n.daemon.Start(ctx); err != nil {
		return err
	}

	n.broker = xrpc.NewBroker(n.log, n.URL())
	n.client = n.broker.Open("")
	return nil
}

// Stop shuts the daemon down.
func (n *Node) Stop(ctx context.Context) error {
	err := n.daemon.Stop(ctx)
	n.broker = nil
	n.client = nil
	return err
}

// Restart is a Stop followed by a Start with new arguments.
func (n *Node) Restart(ctx context.Context, nodeURL string, extraArgs []string, wait bool) error {
	if err := n.Stop(ctx); err != nil {
		return err
	}
	return n.Start(ctx, nodeURL, extraArgs, wait)
}

// Running reports whether the daemon has a live process.
func (n *Node) Running() bool { return n.daemon.Running() }

// Client returns the daemon's RPC session for the current incarnation.
func (n *Node) Client() *xrpc.Client { return n.client }

// CurrentState queries the daemon's processed state.
func (n *Node) CurrentState(ctx context.Context) (State, error) {
	var st State
	if err := n.client.CallInto(ctx, &st, "getcurrentstate"); err != nil {
		return State{}, fmt.Errorf("failed to query daemon state: %w", err)
	}
	return st, nil
}

// PendingState queries the daemon's view of unconfirmed moves.
func (n *Node) PendingState(ctx context.Context) (map[string]json.RawMessage, error) {
	var res struct {
		Pending map[string]json.RawMessage `json:"pending"`
	}
	if err := n.client.CallInto(ctx, &res, "getpendingstate"); err != nil {
		return nil, err
	}
	return res.Pending, nil
}

// WaitForChange long-polls the daemon until its processed block
// differs from known.
func (n *Node) WaitForChange(ctx context.Context, known string) (string, error) {
	var hash string
	if err := n.client.CallInto(ctx, &hash, "waitforchange", known); err != nil {
		return "", fmt.Errorf("failed to wait for change: %w", err)
	}
	return hash, nil
}

// LogMatches counts occurrences of the pattern in the daemon's log.
// A running daemon may still buffer lines, so this is only valid while
// it is stopped.
func (n *Node) LogMatches(pattern string) (int, error) {
	if n.daemon.Running() {
		return 0, fmt.Errorf("log is only readable while the daemon is stopped")
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid pattern: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(n.cfg.Dir, n.cfg.LogFileName))
	if err != nil {
		return 0, fmt.Errorf("failed to read daemon log: %w", err)
	}

	return len(re.FindAll(data, -1)), nil
}
