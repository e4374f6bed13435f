// Package xchannel controls channel participant daemons under test and
// provides the agreement barriers channel scenarios are written in
// terms of.
package xchannel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/spaceexpanse/libspex/xchain"
	"github.com/spaceexpanse/libspex/xpoll"
	"github.com/spaceexpanse/libspex/xproc"
	"github.com/spaceexpanse/libspex/xrpc"
)

// TurnState is the turncount view a daemon reports.
type TurnState struct {
	TurnCount int64  `json:"turncount"`
	WhoseTurn string `json:"whoseturn"`
}

// State is the structured channel view a daemon reports. The harness
// only interprets the fields it needs for generic predicates.
type State struct {
	PlayerName    string `json:"playername"`
	ExistsOnChain bool   `json:"existsonchain"`
	Phase         string `json:"phase"`
	Dispute       *struct {
		TurnCount int64 `json:"turncount"`
	} `json:"dispute"`
	Current *struct {
		State TurnState `json:"state"`
	} `json:"current"`
	BlockHash string `json:"blockhash"`
	Height    int64  `json:"height"`
}

// TurnCount returns the reported turn count, or -1 when the channel is
// not on chain.
func (s State) TurnCount() int64 {
	if s.Current == nil {
		return -1
	}
	return s.Current.State.TurnCount
}

// Participant pairs a player name with its signer address, as the
// daemon's createchannel call expects it.
type Participant struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// MakeStarter builds the process starter for a given argument list.
type MakeStarter func(argv []string) xproc.Starter

// Config collects the static pieces of one controlled channel daemon.
type Config struct {
	Log *slog.Logger

	// Dir is the daemon's data directory, recreated on every start.
	Dir string

	// Port is the daemon's own RPC port.
	Port int

	PlayerName string
	Channel    string

	// LogFileName is the log file the daemon writes inside Dir.
	LogFileName string

	Starter MakeStarter
}

// Daemon is one channel participant under the harness's control.
type Daemon struct {
	log *slog.Logger
	cfg Config

	proc *xproc.Daemon

	// Per-start state.
	argv   []string
	broker *xrpc.Broker
	client *xrpc.Client
}

func New(cfg Config) *Daemon {
	d := &Daemon{log: cfg.Log, cfg: cfg}

	d.proc = xproc.New(xproc.Config{
		Log: cfg.Log,
		Dir: cfg.Dir,
		Starter: xproc.StartFunc(func(ctx context.Context, dir string) (xproc.Handle, error) {
			return cfg.Starter(d.argv).Start(ctx, dir)
		}),
		Ready: func(ctx context.Context) error {
			c := xrpc.NewClient(cfg.Log, d.URL())
			defer c.Close()
			_, err := c.Call(ctx, "getcurrentstate")
			return err
		},
		Shutdown: func(ctx context.Context) error {
			if d.client == nil {
				// No session exists before the first successful start.
				return nil
			}
			_, err := d.client.Call(ctx, "stop")
			return err
		},
		Sessions: xproc.SessionCloserFunc(func() {
			if d.broker != nil {
				d.broker.CloseAll()
			}
		}),
	})

	return d
}

// URL returns the daemon's RPC endpoint.
func (d *Daemon) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", d.cfg.Port)
}

// Start launches the daemon against the given node and broadcast
// server.
func (d *Daemon) Start(ctx context.Context, nodeURL, broadcastURL string) error {
	d.argv = []string{
		"--spex_rpc_url", nodeURL,
		"--broadcast_rpc_url", broadcastURL,
		"--rpc_port", strconv.Itoa(d.cfg.Port),
		"--datadir", d.cfg.Dir,
		"--playername", d.cfg.PlayerName,
		"--channel", d.cfg.Channel,
		"--spex_rpc_wait",
	}

	if err := d.proc.Start(ctx); err != nil {
		return err
	}

	d.broker = xrpc.NewBroker(d.log, d.URL())
	d.client = d.broker.Open("")
	return nil
}

// Stop shuts the daemon down.
func (d *Daemon) Stop(ctx context.Context) error {
	err := d.proc.Stop(ctx)
	d.broker = nil
	d.client = nil
	return err
}

// Running reports whether the daemon has a live process.
func (d *Daemon) Running() bool { return d.proc.Running() }

// Client returns the daemon's RPC session for the current incarnation.
func (d *Daemon) Client() *xrpc.Client { return d.client }

// PlayerName returns the player this daemon acts for.
func (d *Daemon) PlayerName() string { return d.cfg.PlayerName }

// query fetches the daemon's state without any synchronization.
func (d *Daemon) query(ctx context.Context) (State, error) {
	var st State
	if err := d.client.CallInto(ctx, &st, "getcurrentstate"); err != nil {
		return State{}, fmt.Errorf("failed to query channel daemon: %w", err)
	}
	return st, nil
}

// CurrentState returns the daemon's channel view once its processed
// block has caught up with the chain tip.
func (d *Daemon) CurrentState(ctx context.Context, env *xchain.Env) (State, error) {
	for {
		// Re-read the tip each round; the chain may advance while the
		// daemon catches up.
		tip, err := env.ChainTip(ctx)
		if err != nil {
			return State{}, err
		}

		st, err := d.query(ctx)
		if err != nil {
			return State{}, err
		}
		if st.BlockHash == tip.Hash {
			return st, nil
		}
		if ctx.Err() != nil {
			return State{}, context.Cause(ctx)
		}

		// Long-poll until the daemon moves off the stale block.
		var hash string
		if err := d.client.CallInto(ctx, &hash, "waitforchange", st.BlockHash); err != nil {
			return State{}, fmt.Errorf("failed to wait for daemon sync: %w", err)
		}
	}
}

// AdvanceTurn asks the daemon to make one off-chain move.
func (d *Daemon) AdvanceTurn(ctx context.Context) (TurnState, error) {
	var st struct {
		TurnCount int64  `json:"turncount"`
		WhoseTurn string `json:"whoseturn"`
	}
	if err := d.client.CallInto(ctx, &st, "advanceturn"); err != nil {
		return TurnState{}, fmt.Errorf("failed to advance turn: %w", err)
	}
	return TurnState{TurnCount: st.TurnCount, WhoseTurn: st.WhoseTurn}, nil
}

// CreateChannel asks the daemon to put the channel on chain.
func (d *Daemon) CreateChannel(ctx context.Context, participants []Participant) (string, error) {
	var txid string
	if err := d.client.CallInto(ctx, &txid, "createchannel", participants); err != nil {
		return "", fmt.Errorf("failed to create channel: %w", err)
	}
	return txid, nil
}

// FileDispute asks the daemon to dispute with its best known state.
func (d *Daemon) FileDispute(ctx context.Context) (string, error) {
	var txid string
	if err := d.client.CallInto(ctx, &txid, "filedispute"); err != nil {
		return "", fmt.Errorf("failed to file dispute: %w", err)
	}
	return txid, nil
}

// CloseChannel asks the daemon to take the channel off chain.
func (d *Daemon) CloseChannel(ctx context.Context) (string, error) {
	var txid string
	if err := d.client.CallInto(ctx, &txid, "closechannel"); err != nil {
		return "", fmt.Errorf("failed to close channel: %w", err)
	}
	return txid, nil
}

// LogMatches counts occurrences of the pattern in the daemon's log.
// Only valid while the daemon is stopped.
func (d *Daemon) LogMatches(pattern string) (int, error) {
	if d.proc.Running() {
		return 0, fmt.Errorf("log is only readable while the daemon is stopped")
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid pattern: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(d.cfg.Dir, d.cfg.LogFileName))
	if err != nil {
		return 0, fmt.Errorf("failed to read daemon log: %w", err)
	}

	return len(re.FindAll(data, -1)), nil
}

// queries builds the poll queries for a set of daemons, each state
// taken at the chain tip.
func queries(env *xchain.Env, daemons []*Daemon) []xpoll.Query[State] {
	qs := make([]xpoll.Query[State], len(daemons))
	for i, d := range daemons {
		qs[i] = func(ctx context.Context) (State, error) {
			return d.CurrentState(ctx, env)
		}
	}
	return qs
}

// SyncedState blocks until every daemon agrees on the channel's turn
// count and returns the first daemon's state. When the channel is not
// on chain, agreement on that fact is enough.
func SyncedState(ctx context.Context, env *xchain.Env, daemons []*Daemon, opts xpoll.Options) (State, error) {
	return xpoll.WaitForCondition(ctx, queries(env, daemons),
		func(states []State) (State, bool) {
			first := states[0]
			for _, st := range states[1:] {
				if st.ExistsOnChain != first.ExistsOnChain {
					return State{}, false
				}
				if first.ExistsOnChain && st.TurnCount() != first.TurnCount() {
					return State{}, false
				}
			}
			return first, true
		}, opts)
}

// WaitForTurnIncrease blocks until every daemon reports a turn count
// at least delta above where it started.
func WaitForTurnIncrease(ctx context.Context, env *xchain.Env, daemons []*Daemon, delta int64, opts xpoll.Options) error {
	return xpoll.WaitForCountIncrease(ctx, queries(env, daemons),
		func(st State) (int64, error) {
			if st.Current == nil {
				return 0, fmt.Errorf("channel is not on chain")
			}
			return st.Current.State.TurnCount, nil
		}, delta, opts)
}
