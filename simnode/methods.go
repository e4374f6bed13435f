package simnode

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/spaceexpanse/libspex/internal/xjrpc"
	"github.com/spaceexpanse/libspex/simchain"
)

// Error codes beyond the protocol-level ones, mirroring what the real
// node returns so clients can distinguish "not found" from genuine
// faults.
const (
	errCodeInsufficient   = -6
	errCodeWalletNotFound = -18
	errCodeVerifyError    = -25
	errCodeTxRejected     = -26
)

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if wallet, ok := mux.Vars(r)["wallet"]; ok && !s.walletExists(wallet) {
		xjrpc.WriteResponse(w, xjrpc.Response{
			Error: xjrpc.Errorf(errCodeWalletNotFound, "wallet %q is not loaded", wallet),
		})
		return
	}

	xjrpc.Handler(s.dispatch, func(method string) {
		if method == "stop" {
			// The response is already written; the listener stays up
			// until the remaining client connections close.
			s.Stop()
		}
	})(w, r)
}

func (s *Server) walletExists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasWalletLocked(name)
}

func (s *Server) dispatch(method string, p xjrpc.Params) (any, *xjrpc.Error) {
	s.log.Debug("RPC call", "method", method)

	switch method {
	case "getnetworkinfo":
		return map[string]any{
			"version":     10000,
			"subversion":  "/simnode:1.0/",
			"connections": 0,
		}, nil

	case "getblockchaininfo":
		tip := s.chain.Tip()
		return map[string]any{
			"chain":         "regtest",
			"blocks":        tip.Height,
			"bestblockhash": tip.Hash,
		}, nil

	case "getbestblockhash":
		return s.chain.Tip().Hash, nil

	case "getblockhash":
		height, rerr := p.Num(0)
		if rerr != nil {
			return nil, rerr
		}
		hash, ok := s.chain.BlockHashAt(height)
		if !ok {
			return nil, xjrpc.Errorf(xjrpc.CodeInvalidParams, "block height out of range")
		}
		return hash, nil

	case "getnewaddress":
		return s.chain.Wallet().NewAddress(), nil

	case "listwallets":
		s.mu.Lock()
		defer s.mu.Unlock()
		return append([]string{}, s.wallets...), nil

	case "createwallet":
		name, rerr := p.Str(0)
		if rerr != nil {
			return nil, rerr
		}
		s.mu.Lock()
		if !s.hasWalletLocked(name) {
			s.wallets = append(s.wallets, name)
		}
		s.mu.Unlock()
		return map[string]any{"name": name, "warning": ""}, nil

	case "importprivkey":
		seed, rerr := p.Str(0)
		if rerr != nil {
			return nil, rerr
		}
		s.chain.Wallet().ImportSeed(seed)
		return nil, nil

	case "signmessage":
		addr, rerr := p.Str(0)
		if rerr != nil {
			return nil, rerr
		}
		msg, rerr := p.Str(1)
		if rerr != nil {
			return nil, rerr
		}
		sig, err := s.chain.Wallet().SignMessage(addr, msg)
		if err != nil {
			return nil, xjrpc.Errorf(xjrpc.CodeNotFound, "%v", err)
		}
		return sig, nil

	case "verifymessage":
		addr, rerr := p.Str(0)
		if rerr != nil {
			return nil, rerr
		}
		sig, rerr := p.Str(1)
		if rerr != nil {
			return nil, rerr
		}
		msg, rerr := p.Str(2)
		if rerr != nil {
			return nil, rerr
		}
		ok, err := s.chain.Wallet().VerifyMessage(addr, sig, msg)
		if err != nil {
			return nil, xjrpc.Errorf(xjrpc.CodeNotFound, "%v", err)
		}
		return ok, nil

	case "generatetoaddress":
		n, rerr := p.Num(0)
		if rerr != nil {
			return nil, rerr
		}
		addr, rerr := p.Str(1)
		if rerr != nil {
			return nil, rerr
		}
		return s.chain.Generate(addr, int(n)), nil

	case "getbalance":
		return s.chain.Balance(), nil

	case "sendtoaddress":
		addr, rerr := p.Str(0)
		if rerr != nil {
			return nil, rerr
		}
		amount, rerr := p.Num(1)
		if rerr != nil {
			return nil, rerr
		}
		txid, err := s.chain.SendToAddress(addr, amount)
		if err != nil {
			return nil, xjrpc.Errorf(errCodeInsufficient, "%v", err)
		}
		return txid, nil

	case "gettransaction":
		txid, rerr := p.Str(0)
		if rerr != nil {
			return nil, rerr
		}
		tx, err := s.chain.GetTransaction(txid)
		if err != nil {
			return nil, xjrpc.Errorf(xjrpc.CodeNotFound, "%v", err)
		}
		return map[string]any{"txid": tx.ID, "hex": tx.Raw()}, nil

	case "sendrawtransaction":
		raw, rerr := p.Str(0)
		if rerr != nil {
			return nil, rerr
		}
		txid, err := s.chain.SendRawTx(raw)
		if err != nil {
			return nil, xjrpc.Errorf(errCodeTxRejected, "%v", err)
		}
		return txid, nil

	case "getrawmempool":
		txs := s.chain.RawMempool()
		ids := make([]string, len(txs))
		for i, tx := range txs {
			ids[i] = tx.ID
		}
		return ids, nil

	case "name_register":
		name, rerr := p.Str(0)
		if rerr != nil {
			return nil, rerr
		}
		txid, err := s.chain.RegisterName(name)
		if err != nil {
			return nil, xjrpc.Errorf(errCodeVerifyError, "%v", err)
		}
		return txid, nil

	case "name_update":
		name, rerr := p.Str(0)
		if rerr != nil {
			return nil, rerr
		}
		value, rerr := p.Str(1)
		if rerr != nil {
			return nil, rerr
		}
		txid, err := s.chain.UpdateName(name, value)
		if err != nil {
			return nil, xjrpc.Errorf(errCodeVerifyError, "%v", err)
		}
		return txid, nil

	case "name_pending":
		entries := []*pendingName{}
		if p.Has(0) {
			name, rerr := p.Str(0)
			if rerr != nil {
				return nil, rerr
			}
			for _, tx := range s.chain.NamePending(name) {
				entries = append(entries, pendingEntry(tx))
			}
		} else {
			for _, tx := range s.chain.RawMempool() {
				if tx.Op != nil {
					entries = append(entries, pendingEntry(tx))
				}
			}
		}
		return entries, nil

	case "name_show":
		name, rerr := p.Str(0)
		if rerr != nil {
			return nil, rerr
		}
		rec, ok := s.chain.NameShow(name)
		if !ok {
			return nil, xjrpc.Errorf(xjrpc.CodeNotFound, "name never existed")
		}
		return map[string]any{
			"name":   rec.Name,
			"value":  rec.Value,
			"txid":   rec.TxID,
			"height": rec.Height,
		}, nil

	case "invalidateblock":
		hash, rerr := p.Str(0)
		if rerr != nil {
			return nil, rerr
		}
		if err := s.chain.InvalidateBlock(hash); err != nil {
			return nil, xjrpc.Errorf(xjrpc.CodeNotFound, "%v", err)
		}
		return nil, nil

	case "reconsiderblock":
		hash, rerr := p.Str(0)
		if rerr != nil {
			return nil, rerr
		}
		if err := s.chain.ReconsiderBlock(hash); err != nil {
			return nil, xjrpc.Errorf(xjrpc.CodeNotFound, "%v", err)
		}
		return nil, nil

	case "trackedgames":
		if p.Has(0) {
			command, rerr := p.Str(0)
			if rerr != nil {
				return nil, rerr
			}
			game, rerr := p.Str(1)
			if rerr != nil {
				return nil, rerr
			}
			s.mu.Lock()
			switch command {
			case "add":
				s.tracked[game] = true
			case "remove":
				delete(s.tracked, game)
			default:
				s.mu.Unlock()
				return nil, xjrpc.Errorf(xjrpc.CodeInvalidParams, "unknown command %q", command)
			}
			s.mu.Unlock()
		}
		s.mu.Lock()
		games := make([]string, 0, len(s.tracked))
		for g := range s.tracked {
			games = append(games, g)
		}
		s.mu.Unlock()
		return games, nil

	case "game_sendupdates":
		fromBlock, rerr := p.Str(0)
		if rerr != nil {
			return nil, rerr
		}
		// The game ID argument is required for interface parity; the
		// replayed notifications are filtered by the tracked set like
		// every other push message.
		if _, rerr := p.Str(1); rerr != nil {
			return nil, rerr
		}
		token := newReqToken()
		toBlock := s.chain.SendUpdates(fromBlock, token)
		return map[string]any{
			"toblock":  toBlock,
			"reqtoken": token,
		}, nil

	case "stop":
		return "SpaceXpanse simulator stopping", nil
	}

	return nil, xjrpc.Errorf(xjrpc.CodeMethodNotFound, "unknown method %q", method)
}

// hasWalletLocked reports whether the wallet name is known.
// Caller holds s.mu.
func (s *Server) hasWalletLocked(name string) bool {
	for _, w := range s.wallets {
		if w == name {
			return true
		}
	}
	return false
}

// pendingName is the wire shape of one pending name operation.
type pendingName struct {
	Name  string `json:"name"`
	Op    string `json:"op"`
	Value string `json:"value"`
	TxID  string `json:"txid"`
}

func pendingEntry(tx *simchain.Tx) *pendingName {
	return &pendingName{
		Name:  tx.Op.Name,
		Op:    tx.Op.Op,
		Value: tx.Op.Value,
		TxID:  tx.ID,
	}
}

func newReqToken() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Errorf("failed to read entropy for reqtoken: %w", err))
	}
	return hex.EncodeToString(b[:])
}
