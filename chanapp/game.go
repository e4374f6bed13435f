// Package chanapp is a sample channel application: channels are
// created, disputed, resolved, and closed through on-chain moves,
// while the actual turns happen off chain as countersigned state
// updates exchanged over a broadcast server.
package chanapp

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spaceexpanse/libspex/xgame"
)

// GameID is the default game this application plays under.
const GameID = "chn"

// Participant pairs a player name with the address whose signatures
// bind that player's off-chain state updates.
type Participant struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// SignedState is one off-chain channel state. The signature covers
// SigPayload and must come from the participant who produced the
// state, which is the one whose turn it was at TurnCount-1.
type SignedState struct {
	Channel   string `json:"channel"`
	TurnCount int64  `json:"turncount"`
	WhoseTurn string `json:"whoseturn"`
	Sig       string `json:"sig,omitempty"`
}

// SigPayload is the exact message covered by Sig.
func (s SignedState) SigPayload() string {
	return fmt.Sprintf("%s|%d|%s", s.Channel, s.TurnCount, s.WhoseTurn)
}

// Channel is the on-chain view of one channel.
type Channel struct {
	Participants []Participant `json:"participants"`
	Phase        string        `json:"phase"` // open or disputed
	TurnCount    int64         `json:"turncount"`
	WhoseTurn    string        `json:"whoseturn"`

	// DisputeTurn is the turn count the pending dispute was filed at.
	// Only meaningful while Phase is disputed.
	DisputeTurn int64 `json:"disputeturn,omitempty"`
}

// TurnHolder returns the participant whose turn it is at turnCount.
func (c *Channel) TurnHolder(turnCount int64) Participant {
	return c.Participants[int(turnCount)%len(c.Participants)]
}

// StateSigner returns the participant whose signature binds the state
// at turnCount, and false for the unsigned initial state.
func (c *Channel) StateSigner(turnCount int64) (Participant, bool) {
	if turnCount == 0 {
		return Participant{}, false
	}
	return c.TurnHolder(turnCount - 1), true
}

// HasParticipant reports whether name takes part in the channel.
func (c *Channel) HasParticipant(name string) bool {
	for _, p := range c.Participants {
		if p.Name == name {
			return true
		}
	}
	return false
}

// State is the full processed game state.
type State struct {
	Channels map[string]*Channel `json:"channels"`
}

func NewState() *State {
	return &State{Channels: make(map[string]*Channel)}
}

func DecodeState(b []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("malformed game state: %w", err)
	}
	if s.Channels == nil {
		s.Channels = make(map[string]*Channel)
	}
	return &s, nil
}

func (s *State) Encode() []byte {
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Errorf("failed to encode game state: %w", err))
	}
	return b
}

// Move is one on-chain channel operation.
type Move struct {
	Op      string `json:"op"` // create, dispute, resolve, close
	Channel string `json:"channel"`

	// Participants is set for create.
	Participants []Participant `json:"participants,omitempty"`

	// State is set for dispute and resolve.
	State *SignedState `json:"state,omitempty"`
}

// apply processes one player's move, ignoring anything invalid the
// same way a real chain ignores malformed moves.
func (s *State) apply(player string, raw json.RawMessage) {
	var mv Move
	if err := json.Unmarshal(raw, &mv); err != nil || mv.Channel == "" {
		return
	}

	ch := s.Channels[mv.Channel]

	switch mv.Op {
	case "create":
		if ch != nil || len(mv.Participants) < 2 {
			return
		}
		nc := &Channel{
			Participants: mv.Participants,
			Phase:        "open",
		}
		if !nc.HasParticipant(player) {
			return
		}
		nc.WhoseTurn = nc.TurnHolder(0).Name
		s.Channels[mv.Channel] = nc

	case "dispute":
		if ch == nil || ch.Phase != "open" || !ch.HasParticipant(player) {
			return
		}
		st := mv.State
		if st == nil || st.Channel != mv.Channel || st.TurnCount < ch.TurnCount {
			return
		}
		ch.Phase = "disputed"
		ch.TurnCount = st.TurnCount
		ch.WhoseTurn = ch.TurnHolder(st.TurnCount).Name
		ch.DisputeTurn = st.TurnCount

	case "resolve":
		if ch == nil || ch.Phase != "disputed" || !ch.HasParticipant(player) {
			return
		}
		st := mv.State
		if st == nil || st.Channel != mv.Channel || st.TurnCount <= ch.DisputeTurn {
			return
		}
		ch.Phase = "open"
		ch.TurnCount = st.TurnCount
		ch.WhoseTurn = ch.TurnHolder(st.TurnCount).Name
		ch.DisputeTurn = 0

	case "close":
		if ch == nil || !ch.HasParticipant(player) {
			return
		}
		delete(s.Channels, mv.Channel)
	}
}

// ForwardBlock applies the block's moves in a deterministic order.
func (s *State) ForwardBlock(moves map[string]json.RawMessage) {
	players := make([]string, 0, len(moves))
	for p := range moves {
		players = append(players, p)
	}
	sort.Strings(players)

	for _, p := range players {
		s.apply(p, moves[p])
	}
}

type logic struct{}

// NewLogic returns the channel game rules.
func NewLogic() xgame.Logic {
	return logic{}
}

func (logic) InitialState() []byte {
	return NewState().Encode()
}

func (logic) ForwardBlock(state []byte, moves map[string]json.RawMessage) ([]byte, error) {
	s, err := DecodeState(state)
	if err != nil {
		return nil, err
	}
	s.ForwardBlock(moves)
	return s.Encode(), nil
}
