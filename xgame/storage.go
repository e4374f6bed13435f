package xgame

import (
	"fmt"
	"sync"
)

// Storage persists the processed game state and the per-block undo
// snapshots needed to detach blocks again.
type Storage interface {
	// HasState reports whether a state has ever been stored.
	HasState() (bool, error)

	// Current returns the processed state and the block it is at.
	Current() (state []byte, hash string, height int64, err error)

	// SetCurrent replaces the processed state.
	SetCurrent(state []byte, hash string, height int64) error

	// PutUndo stores the snapshot needed to detach the given block.
	PutUndo(hash string, height int64, undo []byte) error

	// Undo returns the snapshot for the block, if it is still retained.
	Undo(hash string) ([]byte, bool, error)

	// DeleteUndo drops one snapshot, after it has been applied.
	DeleteUndo(hash string) error

	// PruneUndo drops every snapshot at or below the given height.
	PruneUndo(height int64) error

	// Clear wipes everything, forcing a resync from scratch.
	Clear() error

	Close() error
}

// memoryStorage keeps everything in process memory; state is lost on
// restart.
type memoryStorage struct {
	mu sync.Mutex

	hasState bool
	state    []byte
	hash     string
	height   int64

	undo       map[string][]byte
	undoHeight map[string]int64
}

func NewMemoryStorage() Storage {
	return &memoryStorage{
		undo:       make(map[string][]byte),
		undoHeight: make(map[string]int64),
	}
}

func (m *memoryStorage) HasState() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasState, nil
}

func (m *memoryStorage) Current() ([]byte, string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasState {
		return nil, "", 0, fmt.Errorf("no state stored")
	}
	return append([]byte(nil), m.state...), m.hash, m.height, nil
}

func (m *memoryStorage) SetCurrent(state []byte, hash string, height int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasState = true
	m.state = append([]byte(nil), state...)
	m.hash = hash
	m.height = height
	return nil
}

func (m *memoryStorage) PutUndo(hash string, height int64, undo []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo[hash] = append([]byte(nil), undo...)
	m.undoHeight[hash] = height
	return nil
}

func (m *memoryStorage) Undo(hash string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.undo[hash]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), u...), true, nil
}

func (m *memoryStorage) DeleteUndo(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.undo, hash)
	delete(m.undoHeight, hash)
	return nil
}

func (m *memoryStorage) PruneUndo(height int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, hh := range m.undoHeight {
		if hh <= height {
			delete(m.undo, h)
			delete(m.undoHeight, h)
		}
	}
	return nil
}

func (m *memoryStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasState = false
	m.state = nil
	m.hash = ""
	m.height = 0
	m.undo = make(map[string][]byte)
	m.undoHeight = make(map[string]int64)
	return nil
}

func (m *memoryStorage) Close() error { return nil }
