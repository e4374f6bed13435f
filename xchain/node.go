// Package xchain manages the consensus node a test run talks to:
// starting it against a generated config, brokering its RPC sessions,
// and exposing the ledger operations scenarios are built from.
package xchain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spaceexpanse/libspex/xproc"
	"github.com/spaceexpanse/libspex/xrpc"
)

// ConfFileName is the config file the node reads from its data directory.
const ConfFileName = "spex.conf"

const (
	rpcUser     = "spextest"
	rpcPassword = "spextest"

	defaultWallet = "default"
)

// NodeConfig collects what a Node needs before it can start.
type NodeConfig struct {
	Log *slog.Logger

	// Dir is the node's data directory, recreated on every start.
	Dir string

	// RPCPort is where the node serves RPC and its push stream.
	RPCPort int

	// Starter launches the node process against the data directory.
	// The config file is in place by the time it runs.
	Starter xproc.Starter
}

// Node is the consensus node under the harness's control.
type Node struct {
	log *slog.Logger
	cfg NodeConfig

	daemon *xproc.Daemon

	// Rebuilt on every start; nil while stopped.
	broker *xrpc.Broker
	root   *xrpc.Client
	wallet *xrpc.Client
}

func NewNode(cfg NodeConfig) *Node {
	n := &Node{log: cfg.Log, cfg: cfg}

	n.daemon = xproc.New(xproc.Config{
		Log: cfg.Log,
		Dir: cfg.Dir,
		Starter: xproc.StartFunc(func(ctx context.Context, dir string) (xproc.Handle, error) {
			if err := writeConf(dir, cfg.RPCPort); err != nil {
				return nil, err
			}
			return cfg.Starter.Start(ctx, dir)
		}),
		Ready: n.probe,
		Shutdown: func(ctx context.Context) error {
			if n.root == nil {
				// No session exists before the first successful start.
				return nil
			}
			_, err := n.root.Call(ctx, "stop")
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

// writeConf renders the node's config file. The node itself only needs
// the [regtest] section; listen is off because the simulated network
// has no peers to accept.
func writeConf(dir string, rpcPort int) error {
	conf := fmt.Sprintf(`[regtest]
listen=0
rpcuser=%s
rpcpassword=%s
rpcport=%d
`, rpcUser, rpcPassword, rpcPort)

	if err := os.WriteFile(filepath.Join(dir, ConfFileName), []byte(conf), 0o644); err != nil {
		return fmt.Errorf("failed to write node config: %w", err)
	}
	return nil
}

// URL returns the node's RPC base URL including credentials.
func (n *Node) URL() string {
	return fmt.Sprintf("http://%s:%s@127.0.0.1:%d", rpcUser, rpcPassword, n.cfg.RPCPort)
}

// WSURL returns the node's push stream endpoint.
func (n *Node) WSURL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d/ws", n.cfg.RPCPort)
}

// probe checks that the node answers RPC. It opens and closes its own
// client so that a failed start does not leave sessions behind.
func (n *Node) probe(ctx context.Context) error {
	c := xrpc.NewClient(n.log, n.URL())
	defer c.Close()

	_, err := c.Call(ctx, "getnetworkinfo")
	return err
}

// Start launches the node and opens its RPC sessions, creating the
// default wallet if this is a fresh chain.
func (n *Node) Start(ctx context.Context) error {
	if err := n.daemon.Start(ctx); err != nil {
		return err
	}

	n.broker = xrpc.NewBroker(n.log, n.URL())
	n.root = n.broker.Open("")

	if err := n.ensureDefaultWallet(ctx); err != nil {
		n.broker.CloseAll()
		n.broker = nil
		return err
	}
	n.wallet = n.broker.Open("/wallet/" + defaultWallet)

	return nil
}

func (n *Node) ensureDefaultWallet(ctx context.Context) error {
	var wallets []string
	if err := n.root.CallInto(ctx, &wallets, "listwallets"); err != nil {
		return fmt.Errorf("failed to list wallets: %w", err)
	}
	for _, w := range wallets {
		if w == defaultWallet {
			return nil
		}
	}

	if _, err := n.root.Call(ctx, "createwallet", defaultWallet); err != nil {
		return fmt.Errorf("failed to create default wallet: %w", err)
	}
	return nil
}

// Stop shuts the node down and invalidates every session opened
// against it.
func (n *Node) Stop(ctx context.Context) error {
	err := n.daemon.Stop(ctx)
	n.broker = nil
	n.root = nil
	n.wallet = nil
	return err
}

// Running reports whether the node process is live.
func (n *Node) Running() bool { return n.daemon.Running() }

// Wallet returns the default wallet session of the current process
// incarnation.
func (n *Node) Wallet() *xrpc.Client { return n.wallet }

// Root returns the node-level RPC session.
func (n *Node) Root() *xrpc.Client { return n.root }
