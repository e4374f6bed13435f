// Package xbroadcast is the off-chain message exchange channel daemons
// use for signed state updates: a tiny HTTP host with append-only
// per-channel message logs, and a polling client.
package xbroadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
)

// Host stores the messages of every channel in memory. Messages are
// never dropped; consumers keep their own cursor.
type Host struct {
	log *slog.Logger

	mu       sync.Mutex
	channels map[string][]json.RawMessage
}

func NewHost(log *slog.Logger) *Host {
	return &Host{
		log:      log,
		channels: make(map[string][]json.RawMessage),
	}
}

// Serve runs the host on the given port until ctx is canceled.
func (h *Host) Serve(ctx context.Context, port int) error {
	r := mux.NewRouter()
	r.HandleFunc("/channels/{id}/messages", h.handlePost).Methods("POST")
	r.HandleFunc("/channels/{id}/messages", h.handleGet).Methods("GET")

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	hs := &http.Server{Handler: r}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- hs.Serve(ln)
	}()

	h.log.Info("Broadcast host listening", "port", port)

	select {
	case <-ctx.Done():
		hs.Close()
		<-serveErr
		return nil
	case err := <-serveErr:
		return fmt.Errorf("broadcast host failed: %w", err)
	}
}

func (h *Host) handlePost(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		http.Error(w, "body must be a JSON message", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.channels[id] = append(h.channels[id], json.RawMessage(body))
	n := len(h.channels[id])
	h.mu.Unlock()

	h.log.Debug("Stored broadcast message", "channel", id, "n", n)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Host) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	after := 0
	if q := r.URL.Query().Get("after"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			http.Error(w, "after must be a non-negative integer", http.StatusBadRequest)
			return
		}
		after = n
	}

	h.mu.Lock()
	msgs := h.channels[id]
	if after > len(msgs) {
		after = len(msgs)
	}
	out := append([]json.RawMessage(nil), msgs[after:]...)
	next := len(msgs)
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Messages []json.RawMessage `json:"messages"`
		Next     int               `json:"next"`
	}{Messages: out, Next: next})
}
