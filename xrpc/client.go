// Package xrpc provides a JSON-RPC 1.0 over HTTP client and a broker
// that tracks the sessions opened against a single node, so that all
// of them can be torn down together when the node restarts.
package xrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// RPCError is a fault returned by the remote method itself,
// as opposed to a transport failure.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client issues JSON-RPC calls against one HTTP endpoint.
// Credentials, if any, are part of the URL.
//
// Clients obtained from a [Broker] are invalidated by [Broker.CloseAll];
// zero-value construction via [NewClient] has no such lifecycle.
type Client struct {
	log *slog.Logger

	url string
	hc  *http.Client

	id     atomic.Uint64
	closed atomic.Bool
}

func NewClient(log *slog.Logger, url string) *Client {
	return &Client{
		log: log,
		url: url,
		hc:  &http.Client{},
	}
}

// ErrClientClosed is returned by calls on a client whose broker
// has been shut down.
var ErrClientClosed = fmt.Errorf("rpc client closed")

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call invokes method with the given positional params and returns the
// raw result. A non-nil error is either a *RPCError from the node or a
// wrapped transport error. There are no retries.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(request{
		ID:     c.id.Add(1),
		Method: method,
		Params: params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	defer resp.Body.Close()

	// Error responses still carry a JSON-RPC body, so the status code
	// is only checked when the body turns out to be unusable.
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s returned status %d", method, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to parse %s response: %w", method, err)
	}
	if r.Error != nil {
		return nil, r.Error
	}

	return r.Result, nil
}

// CallInto is Call followed by unmarshaling the result into out.
func (c *Client) CallInto(ctx context.Context, out any, method string, params ...any) error {
	res, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(res, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

// Close invalidates the client and drops its idle connections.
// Broker-managed clients are closed through [Broker.CloseAll] instead.
func (c *Client) Close() {
	c.closed.Store(true)
	c.hc.CloseIdleConnections()
}
