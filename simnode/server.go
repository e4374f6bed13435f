// Package simnode serves a simchain ledger over the consensus node's
// wire interface: bitcoind-style JSON-RPC over HTTP with wallet-scoped
// paths, plus a websocket push stream for block and pending-move
// notifications.
package simnode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/gorilla/mux"

	"github.com/spaceexpanse/libspex/internal/xchan"
	"github.com/spaceexpanse/libspex/simchain"
)

// ConfFileName is the node's config file name inside its data directory.
const ConfFileName = "spex.conf"

// Server is one simulated node process.
type Server struct {
	log   *slog.Logger
	cfg   Config
	chain *simchain.Chain
	hub   *hub

	mu      sync.Mutex
	wallets []string
	tracked map[string]bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a server around an existing chain.
func New(log *slog.Logger, chain *simchain.Chain, cfg Config) *Server {
	return &Server{
		log:     log,
		cfg:     cfg,
		chain:   chain,
		hub:     newHub(log.With("sys", "ws")),
		tracked: make(map[string]bool),
		stopCh:  make(chan struct{}),
	}
}

// Load builds a fresh server from the config file inside dir,
// the way the real node process boots from its data directory.
func Load(log *slog.Logger, dir string) (*Server, error) {
	cfg, err := LoadConfig(filepath.Join(dir, ConfFileName))
	if err != nil {
		return nil, err
	}
	return New(log, simchain.New(log.With("sys", "chain")), cfg), nil
}

// URL returns the node's RPC base URL including credentials.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s:%s@127.0.0.1:%d", s.cfg.RPCUser, s.cfg.RPCPassword, s.cfg.RPCPort)
}

// WSURL returns the push stream endpoint.
func (s *Server) WSURL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d/ws", s.cfg.RPCPort)
}

// Chain exposes the underlying ledger, mainly for tests that need to
// assert on state the RPC surface does not report.
func (s *Server) Chain() *simchain.Chain { return s.chain }

// Serve runs the node until a stop request or ctx cancellation.
//
// A stop request drains in-flight RPC requests before the listener
// goes down; idle client connections are closed by the server, so a
// forgotten session cannot hold the shutdown open. Cancelling ctx
// skips the drain and tears the listener down immediately.
func (s *Server) Serve(ctx context.Context) error {
	r := mux.NewRouter()
	r.HandleFunc("/", s.requireAuth(s.handleRPC)).Methods("POST")
	r.HandleFunc("/wallet/{wallet}", s.requireAuth(s.handleRPC)).Methods("POST")
	r.HandleFunc("/ws", s.hub.handleWS).Methods("GET")

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.RPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	hs := &http.Server{Handler: r}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- hs.Serve(ln)
	}()

	events, cancelSub := s.chain.Subscribe()
	pumpCtx, pumpCancel := context.WithCancel(ctx)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for {
			ev, ok := xchan.RecvC(pumpCtx, s.log, events, "waiting for ledger events")
			if !ok {
				return
			}
			if n, ok := s.notification(ev); ok {
				s.hub.broadcast(n)
			}
		}
	}()
	stopPump := func() {
		cancelSub()
		pumpCancel()
		<-pumpDone
	}

	s.log.Info("Node listening", "port", s.cfg.RPCPort)

	graceful := true
	select {
	case <-s.stopCh:
	case <-ctx.Done():
		graceful = false
	case err := <-serveErr:
		stopPump()
		return fmt.Errorf("rpc server failed: %w", err)
	}

	stopPump()
	s.hub.closeAll()

	if graceful {
		s.log.Info("Stop requested, draining client connections")
		// Shutdown closes idle connections and waits for in-flight
		// requests; hijacked websockets are already the hub's problem.
		// If ctx is canceled mid-drain, the hard close below applies.
		_ = hs.Shutdown(ctx)
	}

	hs.Close()
	<-serveErr
	s.log.Info("Node stopped")
	return nil
}

// Stop requests a graceful shutdown, equivalent to the stop RPC.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.cfg.RPCUser || pass != s.cfg.RPCPassword {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// notification converts a chain event to a push message, filtering the
// carried moves down to the tracked games. Block notifications are
// always forwarded; pending notifications only when they move a
// tracked game.
func (s *Server) notification(ev simchain.Event) (Notification, bool) {
	s.mu.Lock()
	tracked := make([]string, 0, len(s.tracked))
	for g := range s.tracked {
		tracked = append(tracked, g)
	}
	s.mu.Unlock()

	moves := func(txs []*simchain.Tx) map[string]map[string]json.RawMessage {
		out := make(map[string]map[string]json.RawMessage)
		for _, tx := range txs {
			for _, g := range tracked {
				player, mv, ok := tx.GameMove(g)
				if !ok {
					continue
				}
				if out[g] == nil {
					out[g] = make(map[string]json.RawMessage)
				}
				out[g][player] = mv
			}
		}
		return out
	}

	switch ev.Type {
	case "block-attach", "block-detach":
		blk := ev.Block
		return Notification{
			Type:     ev.Type,
			Block:    &blk,
			Moves:    moves(ev.Txs),
			ReqToken: ev.Token,
		}, true

	case "pending-move":
		mv := moves([]*simchain.Tx{ev.Tx})
		if len(mv) == 0 {
			return Notification{}, false
		}
		return Notification{
			Type:  ev.Type,
			Moves: mv,
			TxID:  ev.Tx.ID,
		}, true
	}

	return Notification{}, false
}
