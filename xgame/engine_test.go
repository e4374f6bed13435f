package xgame_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spaceexpanse/libspex/internal/xtest"
	"github.com/spaceexpanse/libspex/mover"
	"github.com/spaceexpanse/libspex/simchain"
	"github.com/spaceexpanse/libspex/simnode"
	"github.com/spaceexpanse/libspex/xgame"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// startGame boots a node plus an engine following it and returns the
// chain for direct manipulation.
func startGame(ctx context.Context, t *testing.T, cfg xgame.Config) (*simchain.Chain, *xgame.Engine) {
	t.Helper()

	log := xtest.NewLogger(t)
	node := simnode.New(log, simchain.New(log), simnode.Config{
		RPCUser:     "u",
		RPCPassword: "p",
		RPCPort:     freePort(t),
	})

	nodeDone := make(chan error, 1)
	go func() {
		nodeDone <- node.Serve(ctx)
	}()

	cfg.Log = log.With("sys", "engine")
	cfg.NodeURL = node.URL()
	cfg.RPCWait = true
	if cfg.GameID == "" {
		cfg.GameID = mover.GameID
	}
	if cfg.Logic == nil {
		cfg.Logic = mover.NewLogic()
	}
	if cfg.Storage == nil {
		cfg.Storage = xgame.NewMemoryStorage()
	}

	engine := xgame.NewEngine(cfg)
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- engine.Run(ctx)
	}()

	t.Cleanup(func() {
		require.NoError(t, <-engineDone)
		node.Stop()
		require.NoError(t, <-nodeDone)
	})

	return node.Chain(), engine
}

func waitState(t *testing.T, engine *xgame.Engine, pred func(xgame.StateInfo) bool) xgame.StateInfo {
	t.Helper()
	for i := 0; i < 500; i++ {
		st := engine.CurrentState()
		if pred(st) {
			return st
		}
		xtest.Sleep(xtest.ScaleMs(10))
	}
	t.Fatalf("engine never reached the expected state; last: %+v", engine.CurrentState())
	return xgame.StateInfo{}
}

func atTip(c *simchain.Chain) func(xgame.StateInfo) bool {
	return func(st xgame.StateInfo) bool {
		return st.State == "up-to-date" && st.BlockHash == c.Tip().Hash
	}
}

func players(t *testing.T, st xgame.StateInfo) map[string]mover.Position {
	t.Helper()
	var gs struct {
		Players map[string]mover.Position `json:"players"`
	}
	require.NoError(t, json.Unmarshal(st.GameState, &gs))
	return gs.Players
}

func fundAndRegister(t *testing.T, c *simchain.Chain, name string) {
	t.Helper()
	addr := c.Wallet().NewAddress()
	c.Generate(addr, simchain.CoinbaseMaturity+1)
	_, err := c.RegisterName("p/" + name)
	require.NoError(t, err)
	c.Generate(addr, 1)
}

func TestEngine_forwardSync(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, engine := startGame(ctx, t, xgame.Config{PruningDepth: -1, TrackPending: true})

	fundAndRegister(t, c, "alice")
	waitState(t, engine, atTip(c))

	// The pending move is visible before it confirms.
	_, err := c.UpdateName("p/alice", `{"g":{"mv":{"d":"l","n":2}}}`)
	require.NoError(t, err)
	waitState(t, engine, func(st xgame.StateInfo) bool {
		pending, enabled := engine.PendingState()
		require.True(t, enabled)
		return len(pending) == 1
	})

	c.Generate(c.Wallet().NewAddress(), 1)
	st := waitState(t, engine, atTip(c))
	require.Equal(t, int64(1), players(t, st)["alice"].X)

	pending, _ := engine.PendingState()
	require.Empty(t, pending, "confirmed move must leave the pending set")

	// The second step happens on the next block without a new move.
	c.Generate(c.Wallet().NewAddress(), 1)
	st = waitState(t, engine, atTip(c))
	require.Equal(t, int64(2), players(t, st)["alice"].X)
}

func TestEngine_reorgRollsBack(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, engine := startGame(ctx, t, xgame.Config{PruningDepth: -1, TrackPending: true})

	fundAndRegister(t, c, "alice")

	_, err := c.UpdateName("p/alice", `{"g":{"mv":{"d":"k","n":1}}}`)
	require.NoError(t, err)
	blk := c.Generate(c.Wallet().NewAddress(), 1)[0]

	st := waitState(t, engine, atTip(c))
	require.Equal(t, int64(1), players(t, st)["alice"].Y)

	// Undoing the block restores the prior position, and the move is
	// back in the pending set because the node remined it into the
	// pool.
	require.NoError(t, c.InvalidateBlock(blk))
	st = waitState(t, engine, atTip(c))
	require.Zero(t, players(t, st)["alice"].Y)

	waitState(t, engine, func(xgame.StateInfo) bool {
		pending, _ := engine.PendingState()
		return len(pending) == 1
	})

	// Reconsidering replays the same block.
	require.NoError(t, c.ReconsiderBlock(blk))
	st = waitState(t, engine, atTip(c))
	require.Equal(t, int64(1), players(t, st)["alice"].Y)
}

func TestEngine_prunedReorgResyncs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Depth 0 keeps no undo data at all, so any detach forces a full
	// resync.
	c, engine := startGame(ctx, t, xgame.Config{PruningDepth: 0})

	fundAndRegister(t, c, "alice")

	_, err := c.UpdateName("p/alice", `{"g":{"mv":{"d":"n","n":2}}}`)
	require.NoError(t, err)
	blk := c.Generate(c.Wallet().NewAddress(), 1)[0]

	st := waitState(t, engine, atTip(c))
	require.Equal(t, int64(1), players(t, st)["alice"].X)

	require.NoError(t, c.InvalidateBlock(blk))
	st = waitState(t, engine, atTip(c))
	require.Zero(t, players(t, st)["alice"].X)

	// After the resync the engine keeps following new blocks.
	c.Generate(c.Wallet().NewAddress(), 2)
	st = waitState(t, engine, atTip(c))
	require.Equal(t, int64(2), players(t, st)["alice"].X,
		"the restored move must confirm and finish its walk")
}

func TestEngine_pendingTrackingDisabled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, engine := startGame(ctx, t, xgame.Config{PruningDepth: -1, TrackPending: false})

	fundAndRegister(t, c, "alice")
	waitState(t, engine, atTip(c))

	_, enabled := engine.PendingState()
	require.False(t, enabled)
}

func TestEngine_waitForChange(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, engine := startGame(ctx, t, xgame.Config{PruningDepth: -1})

	fundAndRegister(t, c, "alice")
	st := waitState(t, engine, atTip(c))

	got := make(chan string, 1)
	go func() {
		got <- engine.WaitForChange(ctx, st.BlockHash)
	}()

	blk := c.Generate(c.Wallet().NewAddress(), 1)[0]
	require.Equal(t, blk, <-got)
}
