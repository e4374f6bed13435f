package chanapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spaceexpanse/libspex/xbroadcast"
	"github.com/spaceexpanse/libspex/xgame"
	"github.com/spaceexpanse/libspex/xrpc"
)

// DaemonConfig wires one channel participant.
type DaemonConfig struct {
	Log *slog.Logger

	PlayerName string
	Channel    string
	GameID     string

	// NodeURL is the node's root RPC endpoint including credentials.
	NodeURL string
	// BroadcastURL is the off-chain broadcast server.
	BroadcastURL string

	RPCWait bool
}

// Daemon is one participant of one channel. It follows the on-chain
// channel state through the shared engine, exchanges signed off-chain
// states over the broadcast server, and automatically defends against
// disputes filed below its best known state.
type Daemon struct {
	log *slog.Logger
	cfg DaemonConfig

	engine *xgame.Engine
	wallet *xrpc.Client
	bc     *xbroadcast.Client

	mu   sync.Mutex
	best SignedState
}

func NewDaemon(cfg DaemonConfig) *Daemon {
	if cfg.GameID == "" {
		cfg.GameID = GameID
	}
	return &Daemon{
		log: cfg.Log,
		cfg: cfg,
		engine: xgame.NewEngine(xgame.Config{
			Log:          cfg.Log.With("sys", "engine"),
			GameID:       cfg.GameID,
			Logic:        NewLogic(),
			NodeURL:      cfg.NodeURL,
			RPCWait:      cfg.RPCWait,
			Storage:      xgame.NewMemoryStorage(),
			PruningDepth: -1,
			TrackPending: true,
		}),
		wallet: xrpc.NewClient(cfg.Log.With("sys", "wallet"), cfg.NodeURL+"/wallet/default"),
		bc:     xbroadcast.NewClient(cfg.Log.With("sys", "broadcast"), cfg.BroadcastURL, cfg.Channel),
	}
}

const pollInterval = 100 * time.Millisecond

// Run drives the daemon until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.wallet.Close()

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- d.engine.Run(ctx)
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return <-engineErr
		case err := <-engineErr:
			return err
		case <-ticker.C:
			if err := d.receiveStates(ctx); err != nil && ctx.Err() == nil {
				d.log.Warn("Failed to poll broadcast server", "err", err)
			}
			d.autoResolve(ctx)
		}
	}
}

// onChain returns the channel as confirmed on chain, or nil.
func (d *Daemon) onChain() (*Channel, xgame.StateInfo) {
	info := d.engine.CurrentState()
	if info.GameState == nil {
		return nil, info
	}
	state, err := DecodeState(info.GameState)
	if err != nil {
		d.log.Error("Engine produced undecodable state", "err", err)
		return nil, info
	}
	return state.Channels[d.cfg.Channel], info
}

// receiveStates folds newly broadcast states into the best known one.
func (d *Daemon) receiveStates(ctx context.Context) error {
	msgs, err := d.bc.Poll(ctx)
	if err != nil {
		return err
	}
	for _, raw := range msgs {
		d.acceptState(ctx, raw)
	}
	return nil
}

func (d *Daemon) acceptState(ctx context.Context, raw json.RawMessage) {
	var st SignedState
	if err := json.Unmarshal(raw, &st); err != nil || st.Channel != d.cfg.Channel {
		return
	}

	ch, _ := d.onChain()
	if ch == nil {
		return
	}
	signer, needSig := ch.StateSigner(st.TurnCount)
	if !needSig || st.WhoseTurn != ch.TurnHolder(st.TurnCount).Name {
		return
	}

	var ok bool
	err := d.wallet.CallInto(ctx, &ok, "verifymessage", signer.Addr, st.Sig, st.SigPayload())
	if err != nil || !ok {
		d.log.Warn("Discarding badly signed state update",
			"turncount", st.TurnCount, "err", err)
		return
	}

	d.mu.Lock()
	if st.TurnCount > d.best.TurnCount {
		d.best = st
		d.log.Info("Advanced best known state", "turncount", st.TurnCount)
	}
	d.mu.Unlock()
}

// bestKnown returns the freshest state the daemon can prove: the
// off-chain best when it is ahead of the chain, the on-chain state
// otherwise.
func (d *Daemon) bestKnown(ch *Channel) SignedState {
	d.mu.Lock()
	best := d.best
	d.mu.Unlock()

	if best.TurnCount > ch.TurnCount {
		return best
	}
	return SignedState{
		Channel:   d.cfg.Channel,
		TurnCount: ch.TurnCount,
		WhoseTurn: ch.WhoseTurn,
	}
}

// autoResolve files a resolution when the on-chain dispute sits below
// a state this player produced and no own resolution is pending.
func (d *Daemon) autoResolve(ctx context.Context) {
	ch, _ := d.onChain()
	if ch == nil || ch.Phase != "disputed" {
		return
	}

	best := d.bestKnown(ch)
	if best.TurnCount <= ch.DisputeTurn {
		return
	}
	signer, ok := ch.StateSigner(best.TurnCount)
	if !ok || signer.Name != d.cfg.PlayerName {
		// The latest move is someone else's; they defend.
		return
	}

	if d.ownResolutionPending(best.TurnCount) {
		return
	}

	txid, err := d.sendMove(ctx, Move{
		Op:      "resolve",
		Channel: d.cfg.Channel,
		State:   &best,
	})
	if err != nil {
		if ctx.Err() == nil {
			d.log.Warn("Failed to submit dispute resolution", "err", err)
		}
		return
	}
	d.log.Info("Submitted dispute resolution",
		"turncount", best.TurnCount, "txid", txid)
}

// ownResolutionPending reports whether the pool already holds a
// resolution by this player at or above the given turn count.
func (d *Daemon) ownResolutionPending(turnCount int64) bool {
	pending, enabled := d.engine.PendingState()
	if !enabled {
		return false
	}
	raw, ok := pending[d.cfg.PlayerName]
	if !ok {
		return false
	}
	var mv Move
	if err := json.Unmarshal(raw, &mv); err != nil {
		return false
	}
	return mv.Op == "resolve" && mv.Channel == d.cfg.Channel &&
		mv.State != nil && mv.State.TurnCount >= turnCount
}

// sendMove submits one on-chain move via the player's name.
func (d *Daemon) sendMove(ctx context.Context, mv Move) (string, error) {
	value, err := json.Marshal(map[string]any{"g": map[string]any{d.cfg.GameID: mv}})
	if err != nil {
		return "", fmt.Errorf("failed to encode move: %w", err)
	}

	var txid string
	err = d.wallet.CallInto(ctx, &txid, "name_update", "p/"+d.cfg.PlayerName, string(value))
	if err != nil {
		return "", fmt.Errorf("failed to send %s move: %w", mv.Op, err)
	}
	return txid, nil
}

// CreateChannel submits the on-chain create move.
func (d *Daemon) CreateChannel(ctx context.Context, participants []Participant) (string, error) {
	return d.sendMove(ctx, Move{
		Op:           "create",
		Channel:      d.cfg.Channel,
		Participants: participants,
	})
}

// AdvanceTurn makes one off-chain move: it signs the next state and
// broadcasts it. Fails when it is not this player's turn.
func (d *Daemon) AdvanceTurn(ctx context.Context) (SignedState, error) {
	ch, _ := d.onChain()
	if ch == nil {
		return SignedState{}, fmt.Errorf("channel %s does not exist on chain", d.cfg.Channel)
	}

	base := d.bestKnown(ch)
	if ch.TurnHolder(base.TurnCount).Name != d.cfg.PlayerName {
		return SignedState{}, fmt.Errorf("not %s's turn at count %d", d.cfg.PlayerName, base.TurnCount)
	}

	var me Participant
	for _, p := range ch.Participants {
		if p.Name == d.cfg.PlayerName {
			me = p
		}
	}

	st := SignedState{
		Channel:   d.cfg.Channel,
		TurnCount: base.TurnCount + 1,
	}
	st.WhoseTurn = ch.TurnHolder(st.TurnCount).Name

	if err := d.wallet.CallInto(ctx, &st.Sig, "signmessage", me.Addr, st.SigPayload()); err != nil {
		return SignedState{}, fmt.Errorf("failed to sign state: %w", err)
	}

	msg, err := json.Marshal(st)
	if err != nil {
		return SignedState{}, fmt.Errorf("failed to encode state: %w", err)
	}
	if err := d.bc.Send(ctx, msg); err != nil {
		return SignedState{}, err
	}

	d.mu.Lock()
	if st.TurnCount > d.best.TurnCount {
		d.best = st
	}
	d.mu.Unlock()

	d.log.Info("Advanced turn", "turncount", st.TurnCount)
	return st, nil
}

// FileDispute puts the best known state on chain as a dispute.
func (d *Daemon) FileDispute(ctx context.Context) (string, error) {
	ch, _ := d.onChain()
	if ch == nil {
		return "", fmt.Errorf("channel %s does not exist on chain", d.cfg.Channel)
	}

	best := d.bestKnown(ch)
	return d.sendMove(ctx, Move{
		Op:      "dispute",
		Channel: d.cfg.Channel,
		State:   &best,
	})
}

// CloseChannel submits the on-chain close move.
func (d *Daemon) CloseChannel(ctx context.Context) (string, error) {
	return d.sendMove(ctx, Move{Op: "close", Channel: d.cfg.Channel})
}

// TurnState is the turncount view of the channel.
type TurnState struct {
	TurnCount int64  `json:"turncount"`
	WhoseTurn string `json:"whoseturn"`
}

// DisputeDoc describes a pending dispute.
type DisputeDoc struct {
	TurnCount int64 `json:"turncount"`
}

// CurrentDoc wraps the current state in the document.
type CurrentDoc struct {
	State TurnState `json:"state"`
}

// StateDoc is what getcurrentstate reports.
type StateDoc struct {
	PlayerName    string      `json:"playername"`
	ExistsOnChain bool        `json:"existsonchain"`
	Phase         string      `json:"phase,omitempty"`
	Dispute       *DisputeDoc `json:"dispute,omitempty"`
	Current       *CurrentDoc `json:"current,omitempty"`
	BlockHash     string      `json:"blockhash"`
	Height        int64       `json:"height"`
}

// CurrentState composes the channel view out of the on-chain state and
// the best known off-chain state.
func (d *Daemon) CurrentState() StateDoc {
	ch, info := d.onChain()

	doc := StateDoc{
		PlayerName: d.cfg.PlayerName,
		BlockHash:  info.BlockHash,
		Height:     info.Height,
	}
	if ch == nil {
		return doc
	}

	doc.ExistsOnChain = true
	doc.Phase = ch.Phase
	if ch.Phase == "disputed" {
		doc.Dispute = &DisputeDoc{TurnCount: ch.DisputeTurn}
	}

	best := d.bestKnown(ch)
	doc.Current = &CurrentDoc{State: TurnState{
		TurnCount: best.TurnCount,
		WhoseTurn: best.WhoseTurn,
	}}
	return doc
}

// WaitForChange blocks until the processed block differs from known,
// or ctx expires.
func (d *Daemon) WaitForChange(ctx context.Context, known string) string {
	return d.engine.WaitForChange(ctx, known)
}
