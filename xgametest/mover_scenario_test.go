package xgametest_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spaceexpanse/libspex/internal/xtest"
	"github.com/spaceexpanse/libspex/mover"
	"github.com/spaceexpanse/libspex/simchain"
	"github.com/spaceexpanse/libspex/xchain"
	"github.com/spaceexpanse/libspex/xgametest"
	"github.com/spaceexpanse/libspex/xgsp"
	"github.com/spaceexpanse/libspex/xpoll"
)

// pollOpts is the convergence budget shared by the scenarios.
func pollOpts() xpoll.Options {
	return xpoll.Options{
		Interval:    time.Duration(xtest.ScaleMs(50)),
		MaxAttempts: 200,
	}
}

// setupLedger matures the chain and registers the given player names.
func setupLedger(ctx context.Context, t *testing.T, env *xchain.Env, names ...string) {
	t.Helper()

	_, err := env.Generate(ctx, simchain.CoinbaseMaturity+1)
	require.NoError(t, err)
	for _, name := range names {
		_, err := env.RegisterName(ctx, "p", name)
		require.NoError(t, err)
	}
	_, err = env.Generate(ctx, 1)
	require.NoError(t, err)
}

func moverQueries(daemons ...*xgsp.Node) []xpoll.Query[xgsp.State] {
	qs := make([]xpoll.Query[xgsp.State], len(daemons))
	for i, d := range daemons {
		qs[i] = d.CurrentState
	}
	return qs
}

// syncedAtTip waits until every daemon has processed up to the current
// chain tip and returns their states.
func syncedAtTip(ctx context.Context, t *testing.T, env *xchain.Env, daemons ...*xgsp.Node) []xgsp.State {
	t.Helper()

	tip, err := env.ChainTip(ctx)
	require.NoError(t, err)

	states, err := xpoll.WaitForCondition(ctx, moverQueries(daemons...),
		func(states []xgsp.State) ([]xgsp.State, bool) {
			for _, st := range states {
				if !st.Synced() || st.BlockHash != tip.Hash {
					return nil, false
				}
			}
			return states, true
		}, pollOpts())
	require.NoError(t, err)
	return states
}

func positions(t *testing.T, st xgsp.State) map[string]mover.Position {
	t.Helper()
	var gs struct {
		Players map[string]mover.Position `json:"players"`
	}
	require.NoError(t, json.Unmarshal(st.GameState, &gs))
	return gs.Players
}

// waitPending polls the unconfirmed pool of ns/name until it holds
// exactly the expected operation kinds.
func waitPending(ctx context.Context, t *testing.T, env *xchain.Env, ns, name string, expected []string) []string {
	t.Helper()

	var txids []string
	var err error
	for i := 0; i < 200; i++ {
		txids, err = xpoll.ExpectPendingMoves(ctx, env, ns, name, expected)
		if err == nil {
			return txids
		}
		xtest.Sleep(xtest.ScaleMs(25))
	}
	t.Fatalf("pool never reached the expected content: %v", err)
	return nil
}

func TestScenario_twoDaemonsAgreeAfterOneBlock(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := xgametest.New(ctx, t)
	setupLedger(ctx, t, f.Env, "alice", "bob")

	premine, err := f.Env.CollectPremine(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(simchain.PremineValue), premine)

	first := f.NewMover("first")
	second := f.NewMover("second")
	require.NoError(t, first.Start(ctx, f.NodeURL(), nil, true))
	require.NoError(t, second.Start(ctx, f.NodeURL(), nil, true))

	// Two players move in the same block.
	_, err = f.Env.Move(ctx, "p", "alice", mover.GameID, map[string]any{"d": "l", "n": 1})
	require.NoError(t, err)
	_, err = f.Env.Move(ctx, "p", "bob", mover.GameID, map[string]any{"d": "k", "n": 2})
	require.NoError(t, err)
	_, err = f.Env.Generate(ctx, 1)
	require.NoError(t, err)

	states := syncedAtTip(ctx, t, f.Env, first, second)
	require.JSONEq(t, string(states[0].GameState), string(states[1].GameState),
		"independent daemons must derive identical states")

	ps := positions(t, states[0])
	require.Equal(t, int64(1), ps["alice"].X)
	require.Equal(t, int64(1), ps["bob"].Y)

	// bob still has one step left; it happens on the next block.
	_, err = f.Env.Generate(ctx, 1)
	require.NoError(t, err)
	states = syncedAtTip(ctx, t, f.Env, first, second)
	require.Equal(t, int64(2), positions(t, states[0])["bob"].Y)
}

func TestScenario_reorgRestoresOrEvicts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := xgametest.New(ctx, t)
	setupLedger(ctx, t, f.Env, "alice")

	// Restore case: the move spends coins older than the detached
	// block, so the node remines it with its identity intact.
	txid, err := f.Env.Move(ctx, "p", "alice", mover.GameID, map[string]any{"d": "l", "n": 1})
	require.NoError(t, err)

	txids, err := xpoll.ExpectPendingMoves(ctx, f.Env, "p", "alice", []string{"update"})
	require.NoError(t, err)
	require.Equal(t, []string{txid}, txids)

	// The check is read-only; repeating it changes nothing.
	again, err := xpoll.ExpectPendingMoves(ctx, f.Env, "p", "alice", []string{"update"})
	require.NoError(t, err)
	require.Equal(t, txids, again)

	blocks, err := f.Env.Generate(ctx, 1)
	require.NoError(t, err)
	_, err = xpoll.ExpectPendingMoves(ctx, f.Env, "p", "alice", nil)
	require.NoError(t, err)

	require.NoError(t, f.Env.InvalidateBlock(ctx, blocks[0]))
	restored := waitPending(ctx, t, f.Env, "p", "alice", []string{"update"})
	require.Equal(t, []string{txid}, restored, "a restored transaction keeps its ID")

	require.NoError(t, f.Env.ReconsiderBlock(ctx, blocks[0]))
	waitPending(ctx, t, f.Env, "p", "alice", nil)

	// Evict case: consolidate the wallet on top of a branch block's
	// matured reward, so everything sent afterwards depends on the
	// branch and cannot be remined once the branch is gone.
	branch, err := f.Env.Generate(ctx, 1)
	require.NoError(t, err)
	_, err = f.Env.Generate(ctx, simchain.CoinbaseMaturity)
	require.NoError(t, err)
	_, err = f.Env.ConsolidateCoins(ctx)
	require.NoError(t, err)
	_, err = f.Env.Generate(ctx, 1)
	require.NoError(t, err)

	evictable, err := f.Env.Move(ctx, "p", "alice", mover.GameID, map[string]any{"d": "h", "n": 1})
	require.NoError(t, err)

	require.NoError(t, f.Env.InvalidateBlock(ctx, branch[0]))
	waitPending(ctx, t, f.Env, "p", "alice", nil)

	// The move is gone for good; sending it again makes a new
	// transaction.
	resent, err := f.Env.Move(ctx, "p", "alice", mover.GameID, map[string]any{"d": "h", "n": 1})
	require.NoError(t, err)
	require.NotEqual(t, evictable, resent, "a resubmitted move gets a fresh ID")
}

func TestScenario_prunedDaemonResyncsAfterDeepDetach(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := xgametest.New(ctx, t)
	setupLedger(ctx, t, f.Env, "alice")

	m := f.NewMover("pruned")
	require.NoError(t, m.Start(ctx, f.NodeURL(), []string{"--enable_pruning", "0"}, true))

	_, err := f.Env.Move(ctx, "p", "alice", mover.GameID, map[string]any{"d": "l", "n": 2})
	require.NoError(t, err)
	blocks, err := f.Env.Generate(ctx, 1)
	require.NoError(t, err)

	st := syncedAtTip(ctx, t, f.Env, m)[0]
	require.Equal(t, int64(1), positions(t, st)["alice"].X)

	// With no undo data retained, the detach can only be answered by a
	// full resync.
	require.NoError(t, f.Env.InvalidateBlock(ctx, blocks[0]))
	st = syncedAtTip(ctx, t, f.Env, m)[0]
	require.Zero(t, positions(t, st)["alice"].X)

	// The daemon keeps following; the restored move confirms and
	// finishes its walk.
	_, err = f.Env.Generate(ctx, 2)
	require.NoError(t, err)
	st = syncedAtTip(ctx, t, f.Env, m)[0]
	require.Equal(t, int64(2), positions(t, st)["alice"].X)

	require.NoError(t, m.Stop(ctx))
	lost, err := m.LogMatches("Failed to retrieve undo data")
	require.NoError(t, err)
	require.Equal(t, 1, lost)
	inits, err := m.LogMatches("stored initial game state")
	require.NoError(t, err)
	require.Equal(t, 2, inits, "one initial store plus one resync")
}

func TestScenario_storageAcrossRestarts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := xgametest.New(ctx, t)
	setupLedger(ctx, t, f.Env, "alice")

	// The database lives outside the data directory, which is wiped on
	// every start.
	dbPath := t.TempDir() + "/state.db"
	sqliteArgs := []string{"--storage_type", "sqlite", "--db", dbPath}

	m := f.NewMover("persistent")
	require.NoError(t, m.Start(ctx, f.NodeURL(), sqliteArgs, true))
	syncedAtTip(ctx, t, f.Env, m)

	// A sqlite daemon restarted on the same database picks up where it
	// left off instead of resyncing.
	require.NoError(t, m.Restart(ctx, f.NodeURL(), sqliteArgs, true))
	syncedAtTip(ctx, t, f.Env, m)
	require.NoError(t, m.Stop(ctx))
	inits, err := m.LogMatches("stored initial game state")
	require.NoError(t, err)
	require.Zero(t, inits, "persistent state must survive the restart")

	// A memory daemon restarted as sqlite has nothing to load and
	// resyncs exactly once.
	fresh := f.NewMover("volatile")
	require.NoError(t, fresh.Start(ctx, f.NodeURL(), nil, true))
	syncedAtTip(ctx, t, f.Env, fresh)
	require.NoError(t, fresh.Restart(ctx, f.NodeURL(),
		[]string{"--storage_type", "sqlite", "--db", t.TempDir() + "/fresh.db"}, true))
	syncedAtTip(ctx, t, f.Env, fresh)
	require.NoError(t, fresh.Stop(ctx))
	inits, err = fresh.LogMatches("stored initial game state")
	require.NoError(t, err)
	require.Equal(t, 1, inits)
}

func TestScenario_daemonStartsBeforeNode(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := xgametest.New(ctx, t)
	node := f.Env.Node()
	require.NoError(t, node.Stop(ctx))

	// With the node down, the daemon can only start unprobed and with
	// the RPC retry turned on.
	m := f.NewMover("early")
	require.NoError(t, m.Start(ctx, f.NodeURL(), []string{"--spex_rpc_wait"}, false))

	require.NoError(t, node.Start(ctx))
	setupLedger(ctx, t, f.Env, "alice")
	_, err := f.Env.Move(ctx, "p", "alice", mover.GameID, map[string]any{"d": "u", "n": 1})
	require.NoError(t, err)
	_, err = f.Env.Generate(ctx, 1)
	require.NoError(t, err)

	st := syncedAtTip(ctx, t, f.Env, m)[0]
	require.Equal(t, int64(1), positions(t, st)["alice"].X)
	require.Equal(t, int64(1), positions(t, st)["alice"].Y)
}

func TestScenario_nodeRestartUnderRunningDaemon(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := xgametest.New(ctx, t)
	setupLedger(ctx, t, f.Env, "alice")

	m := f.NewMover("survivor")
	require.NoError(t, m.Start(ctx, f.NodeURL(), nil, true))
	syncedAtTip(ctx, t, f.Env, m)

	// The node comes back with a brand-new chain; the daemon's block
	// is unknown to it, forcing a resync from scratch.
	node := f.Env.Node()
	require.NoError(t, node.Stop(ctx))
	require.NoError(t, node.Start(ctx))

	setupLedger(ctx, t, f.Env, "alice")
	_, err := f.Env.Move(ctx, "p", "alice", mover.GameID, map[string]any{"d": "l", "n": 1})
	require.NoError(t, err)
	_, err = f.Env.Generate(ctx, 1)
	require.NoError(t, err)

	st := syncedAtTip(ctx, t, f.Env, m)[0]
	require.Equal(t, int64(1), positions(t, st)["alice"].X)

	require.NoError(t, m.Stop(ctx))
	inits, err := m.LogMatches("stored initial game state")
	require.NoError(t, err)
	require.Equal(t, 2, inits, "the new chain forces one resync")
}

func TestScenario_pendingStateSurvivesReorg(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := xgametest.New(ctx, t)
	setupLedger(ctx, t, f.Env, "alice")

	m := f.NewMover("watcher")
	require.NoError(t, m.Start(ctx, f.NodeURL(), nil, true))
	syncedAtTip(ctx, t, f.Env, m)

	_, err := f.Env.Move(ctx, "p", "alice", mover.GameID, map[string]any{"d": "k", "n": 1})
	require.NoError(t, err)

	waitDaemonPending(ctx, t, m, 1)

	blocks, err := f.Env.Generate(ctx, 1)
	require.NoError(t, err)
	syncedAtTip(ctx, t, f.Env, m)
	waitDaemonPending(ctx, t, m, 0)

	// Undoing the block puts the move back into the pool, and the
	// daemon's pending view follows.
	require.NoError(t, f.Env.InvalidateBlock(ctx, blocks[0]))
	syncedAtTip(ctx, t, f.Env, m)
	waitDaemonPending(ctx, t, m, 1)
}

func waitDaemonPending(ctx context.Context, t *testing.T, m *xgsp.Node, n int) {
	t.Helper()
	for i := 0; i < 200; i++ {
		pending, err := m.PendingState(ctx)
		if err == nil && len(pending) == n {
			return
		}
		xtest.Sleep(xtest.ScaleMs(25))
	}
	pending, err := m.PendingState(ctx)
	t.Fatalf("daemon pending view never reached %d entries; last: %v (err %v)", n, pending, err)
}
