// Package mover implements the sample game daemon the harness is
// exercised against: players walk on an infinite plane, one step per
// block, steered by moves published on the ledger.
package mover

import (
	"encoding/json"
	"fmt"
)

// GameID is the default game this daemon processes.
const GameID = "mv"

// MaxSteps bounds how many blocks a single move keeps a player walking.
const MaxSteps = 1_000_000

// Position is one player's state. Dir and StepsLeft are only present
// while the player is walking.
type Position struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`

	Dir       string `json:"dir,omitempty"`
	StepsLeft int64  `json:"steps,omitempty"`
}

// State is the full game state.
type State struct {
	Players map[string]*Position `json:"players"`
}

func NewState() *State {
	return &State{Players: make(map[string]*Position)}
}

func DecodeState(b []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("malformed game state: %w", err)
	}
	if s.Players == nil {
		s.Players = make(map[string]*Position)
	}
	return &s, nil
}

func (s *State) Encode() []byte {
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Errorf("failed to marshal game state: %w", err))
	}
	return b
}

// dirDelta maps the vi movement keys onto the plane.
func dirDelta(d string) (dx, dy int64, ok bool) {
	switch d {
	case "h":
		return -1, 0, true
	case "l":
		return 1, 0, true
	case "j":
		return 0, -1, true
	case "k":
		return 0, 1, true
	case "y":
		return -1, 1, true
	case "u":
		return 1, 1, true
	case "b":
		return -1, -1, true
	case "n":
		return 1, -1, true
	}
	return 0, 0, false
}

// move is the JSON a player publishes on the ledger.
type move struct {
	D string `json:"d"`
	N int64  `json:"n"`
}

// ParseMove validates a raw move value. Invalid moves are ignored
// rather than failing the block.
func ParseMove(raw json.RawMessage) (dir string, steps int64, ok bool) {
	var m move
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", 0, false
	}
	if _, _, ok := dirDelta(m.D); !ok {
		return "", 0, false
	}
	if m.N <= 0 || m.N > MaxSteps {
		return "", 0, false
	}
	return m.D, m.N, true
}

// ForwardBlock advances the state by one block: the block's moves set
// each mover's direction and step budget, then every walking player
// takes one step.
func (s *State) ForwardBlock(moves map[string]json.RawMessage) {
	for player, raw := range moves {
		dir, steps, ok := ParseMove(raw)
		if !ok {
			continue
		}
		p := s.Players[player]
		if p == nil {
			p = &Position{}
			s.Players[player] = p
		}
		p.Dir = dir
		p.StepsLeft = steps
	}

	for _, p := range s.Players {
		if p.Dir == "" {
			continue
		}
		dx, dy, _ := dirDelta(p.Dir)
		p.X += dx
		p.Y += dy
		p.StepsLeft--
		if p.StepsLeft <= 0 {
			p.Dir = ""
			p.StepsLeft = 0
		}
	}
}
