package xgame

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spaceexpanse/libspex/simchain"
	"github.com/spaceexpanse/libspex/xrpc"
)

// pendingTracker mirrors the unconfirmed moves of one game. It is
// rebuilt from the node's pool whenever the chain changes, because a
// reorg can both restore and evict transactions, and updated
// incrementally from pending-move notifications in between.
type pendingTracker struct {
	log    *slog.Logger
	gameID string

	mu    sync.Mutex
	moves map[string]json.RawMessage
}

func newPendingTracker(log *slog.Logger, gameID string) *pendingTracker {
	return &pendingTracker{
		log:    log,
		gameID: gameID,
		moves:  make(map[string]json.RawMessage),
	}
}

// rebuild replaces the tracked set with the node's current pool.
func (p *pendingTracker) rebuild(ctx context.Context, rpc *xrpc.Client) error {
	var txids []string
	if err := rpc.CallInto(ctx, &txids, "getrawmempool"); err != nil {
		return fmt.Errorf("failed to list mempool: %w", err)
	}

	moves := make(map[string]json.RawMessage)
	for _, txid := range txids {
		var res struct {
			Hex string `json:"hex"`
		}
		if err := rpc.CallInto(ctx, &res, "gettransaction", txid); err != nil {
			// The tx may have confirmed between the two calls.
			p.log.Debug("Skipping mempool entry", "txid", txid, "err", err)
			continue
		}
		tx, err := simchain.DecodeRawTx(res.Hex)
		if err != nil {
			p.log.Warn("Undecodable mempool transaction", "txid", txid, "err", err)
			continue
		}
		if player, mv, ok := tx.GameMove(p.gameID); ok {
			moves[player] = mv
		}
	}

	p.mu.Lock()
	p.moves = moves
	p.mu.Unlock()
	return nil
}

// add records one newly announced pending move.
func (p *pendingTracker) add(moves map[string]json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for player, mv := range moves {
		p.moves[player] = mv
	}
}

// snapshot returns the tracked moves per player.
func (p *pendingTracker) snapshot() map[string]json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]json.RawMessage, len(p.moves))
	for k, v := range p.moves {
		out[k] = v
	}
	return out
}
