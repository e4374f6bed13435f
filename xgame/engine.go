// Package xgame is the ledger-following core shared by the game
// daemons: it keeps a processed game state in sync with the node's
// chain through the push stream, handles reorgs via per-block undo
// snapshots, and falls back to a full resync when undo data is gone.
// The game rules themselves are injected as a Logic implementation.
package xgame

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spaceexpanse/libspex/simnode"
	"github.com/spaceexpanse/libspex/xrpc"
)

// Logic holds the rules of one game. States are opaque byte blobs
// owned by the logic; the engine only stores and compares them.
type Logic interface {
	// InitialState is the game state before any block.
	InitialState() []byte

	// ForwardBlock applies one block's moves per player.
	ForwardBlock(state []byte, moves map[string]json.RawMessage) ([]byte, error)
}

// Config collects what the engine needs to follow the ledger.
type Config struct {
	Log *slog.Logger

	GameID  string
	Logic   Logic
	NodeURL string

	// RPCWait retries the initial node connection instead of failing
	// when the node is not up yet.
	RPCWait bool

	Storage Storage

	// PruningDepth, when non-negative, bounds undo retention to that
	// many blocks below the tip. Negative keeps everything.
	PruningDepth int

	// TrackPending enables the unconfirmed-move tracker.
	TrackPending bool
}

// Engine follows the ledger through the node's push stream and
// maintains the processed game state.
type Engine struct {
	log *slog.Logger
	cfg Config

	rpc     *xrpc.Client
	pending *pendingTracker

	mu      sync.Mutex
	state   []byte
	hash    string
	height  int64
	synced  bool
	changed chan struct{}

	// Catch-up bookkeeping, only touched from the notification loop.
	token       string
	catchupTo   string
	lastCatchup string
	catchupHits int
}

// StateInfo is what getcurrentstate reports.
type StateInfo struct {
	GameID    string          `json:"gameid"`
	Chain     string          `json:"chain"`
	State     string          `json:"state"`
	BlockHash string          `json:"blockhash"`
	Height    int64           `json:"height"`
	GameState json.RawMessage `json:"gamestate"`
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		log:     cfg.Log,
		cfg:     cfg,
		changed: make(chan struct{}),
	}
	if cfg.TrackPending {
		e.pending = newPendingTracker(cfg.Log.With("sys", "pending"), cfg.GameID)
	}
	return e
}

// wsURL derives the push stream endpoint from the RPC URL.
func wsURL(nodeURL string) (string, error) {
	u, err := url.Parse(nodeURL)
	if err != nil {
		return "", fmt.Errorf("malformed node URL: %w", err)
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

const retryInterval = 100 * time.Millisecond

// Run drives the engine until ctx is canceled. It returns an error
// only when the node is unreachable and RPCWait is off, or when the
// storage fails.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("Connecting to node", "url", trimCredentials(e.cfg.NodeURL), "game", e.cfg.GameID)

	e.rpc = xrpc.NewClient(e.log, e.cfg.NodeURL)
	defer e.rpc.Close()

	if err := e.connect(ctx); err != nil {
		return err
	}

	if _, err := e.rpc.Call(ctx, "trackedgames", "add", e.cfg.GameID); err != nil {
		return fmt.Errorf("failed to track game: %w", err)
	}

	if err := e.loadOrInit(ctx); err != nil {
		return err
	}

	wsEndpoint, err := wsURL(e.cfg.NodeURL)
	if err != nil {
		return err
	}

	for {
		if err := e.followStream(ctx, wsEndpoint); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryInterval):
			// The node went away; keep trying to reattach.
		}
	}
}

// connect probes the node, retrying indefinitely when RPCWait is set.
func (e *Engine) connect(ctx context.Context) error {
	for {
		_, err := e.rpc.Call(ctx, "getnetworkinfo")
		if err == nil {
			return nil
		}
		if !e.cfg.RPCWait {
			return fmt.Errorf("node is not reachable: %w", err)
		}

		e.log.Info("Waiting for node RPC", "err", err)
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(retryInterval):
		}
	}
}

// loadOrInit brings the in-memory state up from storage, storing the
// initial state first on a fresh database.
func (e *Engine) loadOrInit(ctx context.Context) error {
	has, err := e.cfg.Storage.HasState()
	if err != nil {
		return err
	}
	if !has {
		if err := e.storeInitial(ctx); err != nil {
			return err
		}
	}

	raw, hash, height, err := e.cfg.Storage.Current()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.state = raw
	e.hash = hash
	e.height = height
	e.mu.Unlock()
	return nil
}

// storeInitial writes the empty state at the genesis block.
func (e *Engine) storeInitial(ctx context.Context) error {
	var genesis string
	if err := e.rpc.CallInto(ctx, &genesis, "getblockhash", 0); err != nil {
		return fmt.Errorf("failed to fetch genesis hash: %w", err)
	}

	state := e.cfg.Logic.InitialState()
	if err := e.cfg.Storage.SetCurrent(state, genesis, 0); err != nil {
		return err
	}

	e.mu.Lock()
	e.state = state
	e.hash = genesis
	e.height = 0
	e.mu.Unlock()

	e.log.Info("stored initial game state", "block", genesis)
	return nil
}

// followStream holds one websocket connection: it requests catch-up
// from the current block and then processes notifications until the
// connection dies or ctx is canceled.
func (e *Engine) followStream(ctx context.Context, endpoint string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		e.log.Info("Failed to connect push stream, retrying", "err", err)
		return nil
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := e.requestCatchUp(ctx); err != nil {
		// The node answered RPC a moment ago; transient failure here
		// means it is restarting, so cycle the connection.
		e.log.Warn("Failed to request catch-up", "err", err)
		return nil
	}

	for {
		var n simnode.Notification
		if err := conn.ReadJSON(&n); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.log.Info("Push stream closed", "err", err)
			return nil
		}
		if err := e.handle(ctx, n); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// requestCatchUp asks the node to replay the path from our current
// block to its tip. Repeated requests from the same block mean the
// node does not know it anymore, in which case the only way forward is
// a resync from scratch.
func (e *Engine) requestCatchUp(ctx context.Context) error {
	e.mu.Lock()
	from := e.hash
	e.mu.Unlock()

	if from == e.lastCatchup {
		e.catchupHits++
	} else {
		e.lastCatchup = from
		e.catchupHits = 1
	}
	if e.catchupHits > 3 {
		e.log.Error("Catch-up from current block keeps failing, resyncing from scratch", "block", from)
		return e.resyncFromScratch(ctx)
	}

	var res struct {
		ToBlock  string `json:"toblock"`
		ReqToken string `json:"reqtoken"`
	}
	if err := e.rpc.CallInto(ctx, &res, "game_sendupdates", from, e.cfg.GameID); err != nil {
		return fmt.Errorf("failed to request updates: %w", err)
	}

	e.token = res.ReqToken
	e.catchupTo = res.ToBlock

	e.mu.Lock()
	e.synced = e.hash == res.ToBlock
	if e.synced {
		e.token = ""
	}
	e.mu.Unlock()

	if e.pending != nil {
		if err := e.pending.rebuild(ctx, e.rpc); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resyncFromScratch(ctx context.Context) error {
	if err := e.cfg.Storage.Clear(); err != nil {
		return err
	}
	e.lastCatchup = ""
	e.catchupHits = 0
	if err := e.storeInitial(ctx); err != nil {
		return err
	}
	e.notifyChanged()
	return e.requestCatchUp(ctx)
}

// handle processes one push notification.
func (e *Engine) handle(ctx context.Context, n simnode.Notification) error {
	// Replayed notifications for other consumers' catch-up requests
	// must not be applied twice.
	if n.ReqToken != "" && n.ReqToken != e.token {
		return nil
	}

	switch n.Type {
	case "pending-move":
		if e.pending != nil {
			e.pending.add(n.Moves[e.cfg.GameID])
		}
		return nil

	case "block-attach":
		e.mu.Lock()
		cur := e.hash
		e.mu.Unlock()

		switch {
		case n.Block.Prev == cur:
			if err := e.attach(n); err != nil {
				return err
			}
		case n.Block.Hash == cur:
			// Already there.
		default:
			return e.requestCatchUp(ctx)
		}

	case "block-detach":
		e.mu.Lock()
		cur := e.hash
		e.mu.Unlock()

		if n.Block.Hash != cur {
			return e.requestCatchUp(ctx)
		}
		if err := e.detach(ctx, n); err != nil {
			return err
		}

	default:
		e.log.Debug("Ignoring unknown notification", "type", n.Type)
		return nil
	}

	// The chain moved; the pool content may have changed with it.
	if e.pending != nil {
		if err := e.pending.rebuild(ctx, e.rpc); err != nil {
			return err
		}
	}

	e.mu.Lock()
	if e.token != "" && e.hash == e.catchupTo {
		e.token = ""
		e.synced = true
	}
	e.mu.Unlock()

	e.notifyChanged()
	return nil
}

func (e *Engine) attach(n simnode.Notification) error {
	e.mu.Lock()
	undo := e.state
	e.mu.Unlock()

	newState, err := e.cfg.Logic.ForwardBlock(undo, n.Moves[e.cfg.GameID])
	if err != nil {
		return fmt.Errorf("failed to process block %s: %w", n.Block.Hash, err)
	}

	e.mu.Lock()
	e.state = newState
	e.hash = n.Block.Hash
	e.height = n.Block.Height
	e.mu.Unlock()

	if err := e.cfg.Storage.SetCurrent(newState, n.Block.Hash, n.Block.Height); err != nil {
		return err
	}
	if err := e.cfg.Storage.PutUndo(n.Block.Hash, n.Block.Height, undo); err != nil {
		return err
	}
	if e.cfg.PruningDepth >= 0 {
		if err := e.cfg.Storage.PruneUndo(n.Block.Height - int64(e.cfg.PruningDepth)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) detach(ctx context.Context, n simnode.Notification) error {
	undo, ok, err := e.cfg.Storage.Undo(n.Block.Hash)
	if err != nil {
		return err
	}
	if !ok {
		e.log.Error("Failed to retrieve undo data", "block", n.Block.Hash)
		return e.resyncFromScratch(ctx)
	}

	e.mu.Lock()
	e.state = undo
	e.hash = n.Block.Prev
	e.height = n.Block.Height - 1
	e.mu.Unlock()

	if err := e.cfg.Storage.SetCurrent(undo, n.Block.Prev, n.Block.Height-1); err != nil {
		return err
	}
	return e.cfg.Storage.DeleteUndo(n.Block.Hash)
}

func (e *Engine) notifyChanged() {
	e.mu.Lock()
	close(e.changed)
	e.changed = make(chan struct{})
	e.mu.Unlock()
}

// CurrentState reports the processed state and where it is on the
// chain.
func (e *Engine) CurrentState() StateInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	phase := "catching-up"
	if e.synced {
		phase = "up-to-date"
	}
	if e.state == nil {
		return StateInfo{
			GameID: e.cfg.GameID,
			Chain:  "regtest",
			State:  phase,
		}
	}
	return StateInfo{
		GameID:    e.cfg.GameID,
		Chain:     "regtest",
		State:     phase,
		BlockHash: e.hash,
		Height:    e.height,
		GameState: append(json.RawMessage(nil), e.state...),
	}
}

// PendingState reports the tracked unconfirmed moves per player.
// The second return is false when tracking is disabled.
func (e *Engine) PendingState() (map[string]json.RawMessage, bool) {
	if e.pending == nil {
		return nil, false
	}
	return e.pending.snapshot(), true
}

// WaitForChange blocks until the processed block differs from known,
// or ctx expires; either way it returns the then-current block hash.
func (e *Engine) WaitForChange(ctx context.Context, known string) string {
	for {
		e.mu.Lock()
		hash := e.hash
		ch := e.changed
		e.mu.Unlock()

		if hash != known {
			return hash
		}
		select {
		case <-ctx.Done():
			return hash
		case <-ch:
		}
	}
}

// trimCredentials strips userinfo for logging.
func trimCredentials(nodeURL string) string {
	u, err := url.Parse(nodeURL)
	if err != nil {
		return nodeURL
	}
	u.User = nil
	return strings.TrimSuffix(u.String(), "/")
}
