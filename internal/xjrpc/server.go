// Package xjrpc holds the JSON-RPC server plumbing shared by the
// simulated node and the game daemons: the wire types, positional
// parameter access, and the HTTP handler glue.
package xjrpc

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Common error codes of the wire protocol.
const (
	CodeParse          = -32700
	CodeMethodNotFound = -32601
	CodeInternal       = -32603
	CodeInvalidParams  = -8
	CodeNotFound       = -5
)

// Error is a method-level fault carried inside an otherwise valid
// response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Request is one JSON-RPC call.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params Params          `json:"params"`
}

// Response mirrors Request. Exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
	Error  *Error          `json:"error"`
}

// Params provides positional access to call arguments.
type Params []json.RawMessage

func (p Params) Has(i int) bool { return i < len(p) }

func (p Params) Str(i int) (string, *Error) {
	if !p.Has(i) {
		return "", Errorf(CodeInvalidParams, "missing argument %d", i)
	}
	var s string
	if err := json.Unmarshal(p[i], &s); err != nil {
		return "", Errorf(CodeInvalidParams, "argument %d must be a string", i)
	}
	return s, nil
}

func (p Params) Num(i int) (int64, *Error) {
	if !p.Has(i) {
		return 0, Errorf(CodeInvalidParams, "missing argument %d", i)
	}
	var n int64
	if err := json.Unmarshal(p[i], &n); err != nil {
		return 0, Errorf(CodeInvalidParams, "argument %d must be an integer", i)
	}
	return n, nil
}

// Obj decodes argument i into out.
func (p Params) Obj(i int, out any) *Error {
	if !p.Has(i) {
		return Errorf(CodeInvalidParams, "missing argument %d", i)
	}
	if err := json.Unmarshal(p[i], out); err != nil {
		return Errorf(CodeInvalidParams, "argument %d is malformed: %v", i, err)
	}
	return nil
}

// WriteResponse serializes resp, using status 500 for faults the way
// the reference node does.
func WriteResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// Dispatch routes one method call.
type Dispatch func(method string, p Params) (any, *Error)

// Handler adapts a Dispatch to an http.HandlerFunc. after, if not nil,
// runs once the response is written, with the method name of any call
// that succeeded; servers use it to act on their own stop method.
func Handler(dispatch Dispatch, after func(method string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteResponse(w, Response{Error: Errorf(CodeParse, "failed to parse request: %v", err)})
			return
		}

		resp := Response{ID: req.ID}
		resp.Result, resp.Error = dispatch(req.Method, req.Params)
		WriteResponse(w, resp)

		if after != nil && resp.Error == nil {
			after(req.Method)
		}
	}
}
