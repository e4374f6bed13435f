package xrpc

import (
	"log/slog"
	"strings"
	"sync"
)

// Broker hands out clients scoped to paths under one node's base URL
// and remembers them, so that a node restart can invalidate every
// session that was opened against the old process.
//
// A broker belongs to a single process incarnation. After CloseAll it
// is spent; the next process start builds a fresh one.
type Broker struct {
	log *slog.Logger

	baseURL string

	mu      sync.Mutex
	clients []*Client
}

func NewBroker(log *slog.Logger, baseURL string) *Broker {
	return &Broker{
		log:     log,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Open returns a client bound to baseURL+scope, e.g. "/wallet/default".
// An empty scope targets the node's root endpoint.
func (b *Broker) Open(scope string) *Client {
	if scope != "" && !strings.HasPrefix(scope, "/") {
		scope = "/" + scope
	}

	c := NewClient(b.log.With("rpc_scope", scope), b.baseURL+scope)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients = append(b.clients, c)
	return c
}

// CloseAll invalidates every client the broker has handed out and
// closes their idle connections. The node refuses to finish shutting
// down while client sockets are held open, so this must run before
// waiting on the process.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	clients := b.clients
	b.clients = nil
	b.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	b.log.Debug("Closed RPC sessions", "n", len(clients))
}
