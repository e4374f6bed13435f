package xchain_test

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spaceexpanse/libspex/internal/xtest"
	"github.com/spaceexpanse/libspex/simchain"
	"github.com/spaceexpanse/libspex/simnode"
	"github.com/spaceexpanse/libspex/xchain"
	"github.com/spaceexpanse/libspex/xproc"
	"github.com/spaceexpanse/libspex/xrpc"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// simStarter boots the simulated node in-process,
// reading the config the Node wrote into the data directory.
func simStarter(log *slog.Logger) xproc.Starter {
	return xproc.StartFunc(func(ctx context.Context, dir string) (xproc.Handle, error) {
		s, err := simnode.Load(log, dir)
		if err != nil {
			return nil, err
		}
		return xproc.Go(func() error { return s.Serve(ctx) }), nil
	})
}

func startEnv(ctx context.Context, t *testing.T) *xchain.Env {
	t.Helper()

	log := xtest.NewLogger(t)
	node := xchain.NewNode(xchain.NodeConfig{
		Log:     log,
		Dir:     filepath.Join(t.TempDir(), "node"),
		RPCPort: freePort(t),
		Starter: simStarter(log.With("sys", "node")),
	})

	require.NoError(t, node.Start(ctx))
	t.Cleanup(func() {
		if node.Running() {
			require.NoError(t, node.Stop(context.WithoutCancel(ctx)))
		}
	})

	return xchain.NewEnv(log, node)
}

func TestEnv_generateAndTip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startEnv(ctx, t)

	before, err := env.ChainTip(ctx)
	require.NoError(t, err)

	hashes, err := env.Generate(ctx, 7)
	require.NoError(t, err)
	require.Len(t, hashes, 7)

	after, err := env.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, before.Height+7, after.Height)
	require.Equal(t, hashes[6], after.Hash)
}

func TestEnv_premineAndNames(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startEnv(ctx, t)

	_, err := env.Generate(ctx, simchain.CoinbaseMaturity+1)
	require.NoError(t, err)

	balance, err := env.CollectPremine(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(simchain.PremineValue), balance)

	exists, err := env.NameExists(ctx, "p", "alice")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = env.RegisterName(ctx, "p", "alice")
	require.NoError(t, err)

	// Pending counts as existing.
	exists, err = env.NameExists(ctx, "p", "alice")
	require.NoError(t, err)
	require.True(t, exists)

	_, err = env.Generate(ctx, 1)
	require.NoError(t, err)

	exists, err = env.NameExists(ctx, "p", "alice")
	require.NoError(t, err)
	require.True(t, exists)

	txid, err := env.Move(ctx, "p", "alice", "mv", map[string]any{"d": "l", "n": 2})
	require.NoError(t, err)

	pending, err := env.PendingNameOps(ctx, "p", "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, txid, pending[0].TxID)
	require.Equal(t, "update", pending[0].Op)
}

func TestEnv_reorgOps(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startEnv(ctx, t)

	_, err := env.Generate(ctx, 3)
	require.NoError(t, err)

	tip, err := env.ChainTip(ctx)
	require.NoError(t, err)

	require.NoError(t, env.InvalidateBlock(ctx, tip.Hash))
	rolled, err := env.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, tip.Height-1, rolled.Height)

	require.NoError(t, env.ReconsiderBlock(ctx, tip.Hash))
	restored, err := env.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, tip, restored)
}

func TestEnv_signMessage(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startEnv(ctx, t)

	addr, err := env.CreateSignerAddress(ctx)
	require.NoError(t, err)

	sig, err := env.SignMessage(ctx, addr, "channel state 7")
	require.NoError(t, err)
	require.NotEmpty(t, sig)
}

func TestNode_lifecycleMisuse(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startEnv(ctx, t)
	node := env.Node()

	require.ErrorIs(t, node.Start(ctx), xproc.ErrAlreadyRunning)

	wallet := node.Wallet()
	require.NoError(t, node.Stop(ctx))
	require.ErrorIs(t, node.Stop(ctx), xproc.ErrNotRunning)

	// Sessions from the old incarnation are dead.
	_, err := wallet.Call(ctx, "getbalance")
	require.ErrorIs(t, err, xrpc.ErrClientClosed)

	// A restart provisions a fresh chain with working sessions.
	require.NoError(t, node.Start(ctx))
	tip, err := xchain.NewEnv(xtest.NewLogger(t), node).ChainTip(ctx)
	require.NoError(t, err)
	require.Zero(t, tip.Height)
}

func TestNode_startCanceledBeforeReady(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(xtest.ScaleMs(300)))
	defer cancel()

	log := xtest.NewLogger(t)
	node := xchain.NewNode(xchain.NodeConfig{
		Log:     log,
		Dir:     filepath.Join(t.TempDir(), "node"),
		RPCPort: freePort(t),
		// The process comes up but never answers RPC, so the readiness
		// probe runs until ctx expires.
		Starter: xproc.StartFunc(func(ctx context.Context, dir string) (xproc.Handle, error) {
			return xproc.Go(func() error {
				<-ctx.Done()
				return nil
			}), nil
		}),
	})

	require.NotPanics(t, func() {
		require.Error(t, node.Start(ctx))
	})
	require.False(t, node.Running())
}
