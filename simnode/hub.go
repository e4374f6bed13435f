package simnode

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/spaceexpanse/libspex/simchain"
)

// Notification is one message on the push stream. Block notifications
// carry the moves of every tracked game found in the block; pending
// notifications carry the moves of a single unconfirmed transaction.
type Notification struct {
	Type string `json:"type"`

	Block *simchain.BlockHeader `json:"block,omitempty"`

	// Moves maps game ID to player name to the raw move value.
	Moves map[string]map[string]json.RawMessage `json:"moves,omitempty"`

	// TxID is set for pending-move notifications.
	TxID string `json:"txid,omitempty"`

	// ReqToken tags replayed notifications triggered by
	// game_sendupdates so unrelated consumers can skip them.
	ReqToken string `json:"reqtoken,omitempty"`
}

var upgrader = websocket.Upgrader{
	// The node is loopback-only; cross-origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// hub fans chain notifications out to the connected websocket clients.
type hub struct {
	log *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:   log,
		conns: make(map[*websocket.Conn]*sync.Mutex),
	}
}

func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade websocket", "err", err)
		return
	}

	h.mu.Lock()
	h.conns[conn] = new(sync.Mutex)
	h.mu.Unlock()

	// Drain the read side so close frames are processed;
	// clients never send application data.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()
}

func (h *hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()

	if ok {
		conn.Close()
	}
}

// broadcast sends n to every connected client.
func (h *hub) broadcast(n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		h.log.Error("Failed to marshal notification", "err", err)
		return
	}

	h.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(h.conns))
	for c, mu := range h.conns {
		conns[c] = mu
	}
	h.mu.Unlock()

	for conn, mu := range conns {
		mu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, payload)
		mu.Unlock()
		if err != nil {
			h.drop(conn)
		}
	}
}

// closeAll disconnects every client, sending a close frame first.
func (h *hub) closeAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "node stopping")
	for _, conn := range conns {
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		conn.Close()
	}
}
