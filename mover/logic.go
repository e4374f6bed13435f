package mover

import (
	"encoding/json"

	"github.com/spaceexpanse/libspex/xgame"
)

// logic plugs the mover rules into the shared engine.
type logic struct{}

// NewLogic returns the mover game rules.
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
