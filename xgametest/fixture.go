// Package xgametest boots complete test universes: a simulated
// consensus node with its ledger environment, game daemons, channel
// daemons, and the off-chain broadcast server, all running in-process
// and torn down with the test.
package xgametest

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/spaceexpanse/libspex/chanapp"
	"github.com/spaceexpanse/libspex/internal/xtest"
	"github.com/spaceexpanse/libspex/mover"
	"github.com/spaceexpanse/libspex/simnode"
	"github.com/spaceexpanse/libspex/xbroadcast"
	"github.com/spaceexpanse/libspex/xchain"
	"github.com/spaceexpanse/libspex/xchannel"
	"github.com/spaceexpanse/libspex/xgsp"
	"github.com/spaceexpanse/libspex/xproc"
)

// Fixture is one test universe. The node is started by New; daemons
// are created on demand and stopped with the test.
type Fixture struct {
	t   *testing.T
	ctx context.Context

	Log *slog.Logger
	Env *xchain.Env

	baseDir string
}

// New starts a consensus node and returns the fixture around it. The
// given ctx bounds everything started through the fixture; cancel it
// only after the test's cleanups ran.
func New(ctx context.Context, t *testing.T) *Fixture {
	t.Helper()

	log := xtest.NewLogger(t)
	f := &Fixture{
		t:       t,
		ctx:     ctx,
		Log:     log,
		baseDir: t.TempDir(),
	}

	node := xchain.NewNode(xchain.NodeConfig{
		Log:     log.With("sys", "node"),
		Dir:     filepath.Join(f.baseDir, "node"),
		RPCPort: f.FreePort(),
		Starter: f.nodeStarter(),
	})
	require.NoError(t, node.Start(ctx))
	t.Cleanup(func() {
		if node.Running() {
			require.NoError(t, node.Stop(context.WithoutCancel(ctx)))
		}
	})

	f.Env = xchain.NewEnv(log, node)
	return f
}

// FreePort grabs an unused localhost port.
func (f *Fixture) FreePort() int {
	f.t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(f.t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// nodeStarter boots the simulated node in-process from the config the
// lifecycle manager wrote into the data directory.
func (f *Fixture) nodeStarter() xproc.Starter {
	log := f.Log.With("sys", "simnode")
	return xproc.StartFunc(func(ctx context.Context, dir string) (xproc.Handle, error) {
		s, err := simnode.Load(log, dir)
		if err != nil {
			return nil, err
		}
		return xproc.Go(func() error { return s.Serve(ctx) }), nil
	})
}

// commandStarter runs a cobra command in-process, which exercises the
// daemons' exact flag surface without spawning executables.
func commandStarter(newCmd func() *cobra.Command) func(argv []string) xproc.Starter {
	return func(argv []string) xproc.Starter {
		return xproc.StartFunc(func(ctx context.Context, dir string) (xproc.Handle, error) {
			cmd := newCmd()
			cmd.SetArgs(argv)
			cmd.SilenceUsage = true
			return xproc.Go(func() error { return cmd.ExecuteContext(ctx) }), nil
		})
	}
}

// NewMover creates a controlled mover daemon, not yet started. name
// keys its data directory, so several daemons can coexist.
func (f *Fixture) NewMover(name string) *xgsp.Node {
	f.t.Helper()

	n := xgsp.New(xgsp.Config{
		Log:         f.Log.With("gsp", name),
		Dir:         filepath.Join(f.baseDir, "gsp-"+name),
		Port:        f.FreePort(),
		LogFileName: mover.LogFileName,
		Starter:     commandStarter(mover.NewCommand),
	})

	f.t.Cleanup(func() {
		if n.Running() {
			require.NoError(f.t, n.Stop(context.WithoutCancel(f.ctx)))
		}
	})
	return n
}

// StartBroadcast runs an off-chain broadcast server and returns its
// URL.
func (f *Fixture) StartBroadcast() string {
	f.t.Helper()

	port := f.FreePort()
	host := xbroadcast.NewHost(f.Log.With("sys", "broadcast"))

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := host.Serve(ctx, port); err != nil && ctx.Err() == nil {
			f.t.Errorf("broadcast host failed: %v", err)
		}
	}()
	f.t.Cleanup(func() {
		cancel()
		<-done
	})

	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// NewChannelDaemon creates a controlled channel daemon for one player,
// not yet started.
func (f *Fixture) NewChannelDaemon(player, channel string) *xchannel.Daemon {
	f.t.Helper()

	d := xchannel.New(xchannel.Config{
		Log:         f.Log.With("channeld", player),
		Dir:         filepath.Join(f.baseDir, "channel-"+player),
		Port:        f.FreePort(),
		PlayerName:  player,
		Channel:     channel,
		LogFileName: chanapp.LogFileName,
		Starter:     commandStarter(chanapp.NewCommand),
	})

	f.t.Cleanup(func() {
		if d.Running() {
			require.NoError(f.t, d.Stop(context.WithoutCancel(f.ctx)))
		}
	})
	return d
}

// NodeURL is the consensus node's RPC endpoint including credentials.
func (f *Fixture) NodeURL() string {
	return f.Env.Node().URL()
}
