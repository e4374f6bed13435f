package xchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spaceexpanse/libspex/simchain"
	"github.com/spaceexpanse/libspex/xrpc"
)

// Tip is a snapshot of the best block.
type Tip struct {
	Hash   string
	Height int64
}

// PendingOp is one unconfirmed name operation.
type PendingOp struct {
	Name  string `json:"name"`
	Op    string `json:"op"`
	Value string `json:"value"`
	TxID  string `json:"txid"`
}

// Env exposes the ledger operations scenarios are written in terms of,
// all backed by a running Node's wallet session.
type Env struct {
	log  *slog.Logger
	node *Node
}

func NewEnv(log *slog.Logger, node *Node) *Env {
	return &Env{log: log, node: node}
}

// Node returns the underlying node, for lifecycle operations.
func (e *Env) Node() *Node { return e.node }

// Generate mines n blocks to a throwaway wallet address and returns
// their hashes.
func (e *Env) Generate(ctx context.Context, n int) ([]string, error) {
	var addr string
	if err := e.node.Wallet().CallInto(ctx, &addr, "getnewaddress"); err != nil {
		return nil, fmt.Errorf("failed to get mining address: %w", err)
	}

	var hashes []string
	if err := e.node.Wallet().CallInto(ctx, &hashes, "generatetoaddress", n, addr); err != nil {
		return nil, fmt.Errorf("failed to generate blocks: %w", err)
	}
	return hashes, nil
}

// ChainTip returns the best block's hash and height.
func (e *Env) ChainTip(ctx context.Context) (Tip, error) {
	var info struct {
		Blocks int64  `json:"blocks"`
		Best   string `json:"bestblockhash"`
	}
	if err := e.node.Root().CallInto(ctx, &info, "getblockchaininfo"); err != nil {
		return Tip{}, fmt.Errorf("failed to query chain tip: %w", err)
	}
	return Tip{Hash: info.Best, Height: info.Blocks}, nil
}

// RegisterName registers ns/name and returns the transaction ID.
// The registration is unconfirmed until the next generated block.
func (e *Env) RegisterName(ctx context.Context, ns, name string) (string, error) {
	var txid string
	if err := e.node.Wallet().CallInto(ctx, &txid, "name_register", ns+"/"+name); err != nil {
		return "", fmt.Errorf("failed to register %s/%s: %w", ns, name, err)
	}
	return txid, nil
}

// Move updates ns/name with the move envelope {"g": {gameID: mv}}
// and returns the transaction ID.
func (e *Env) Move(ctx context.Context, ns, name, gameID string, mv any) (string, error) {
	value, err := json.Marshal(map[string]any{"g": map[string]any{gameID: mv}})
	if err != nil {
		return "", fmt.Errorf("failed to encode move: %w", err)
	}
	return e.UpdateName(ctx, ns, name, string(value))
}

// UpdateName updates ns/name with a raw value and returns the
// transaction ID.
func (e *Env) UpdateName(ctx context.Context, ns, name, value string) (string, error) {
	var txid string
	if err := e.node.Wallet().CallInto(ctx, &txid, "name_update", ns+"/"+name, value); err != nil {
		return "", fmt.Errorf("failed to update %s/%s: %w", ns, name, err)
	}
	return txid, nil
}

// NameExists reports whether ns/name is registered or has a pending
// registration. A clean "not found" is (false, nil); any other fault
// propagates.
func (e *Env) NameExists(ctx context.Context, ns, name string) (bool, error) {
	full := ns + "/" + name

	var pending []PendingOp
	if err := e.node.Wallet().CallInto(ctx, &pending, "name_pending", full); err != nil {
		return false, fmt.Errorf("failed to check pending names: %w", err)
	}
	if len(pending) > 0 {
		return true, nil
	}

	_, err := e.node.Wallet().Call(ctx, "name_show", full)
	if err == nil {
		return true, nil
	}
	var rpcErr *xrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == -5 {
		return false, nil
	}
	return false, fmt.Errorf("failed to look up %s: %w", full, err)
}

// PendingNameOps returns the unconfirmed operations on ns/name.
func (e *Env) PendingNameOps(ctx context.Context, ns, name string) ([]PendingOp, error) {
	var pending []PendingOp
	if err := e.node.Wallet().CallInto(ctx, &pending, "name_pending", ns+"/"+name); err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	return pending, nil
}

// CreateSignerAddress returns a fresh address whose key the node
// wallet holds, usable for channel state signatures.
func (e *Env) CreateSignerAddress(ctx context.Context) (string, error) {
	var addr string
	if err := e.node.Wallet().CallInto(ctx, &addr, "getnewaddress"); err != nil {
		return "", fmt.Errorf("failed to create signer address: %w", err)
	}
	return addr, nil
}

// SignMessage signs msg with the key behind addr.
func (e *Env) SignMessage(ctx context.Context, addr, msg string) (string, error) {
	var sig string
	if err := e.node.Wallet().CallInto(ctx, &sig, "signmessage", addr, msg); err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return sig, nil
}

// InvalidateBlock detaches the given block and everything above it.
func (e *Env) InvalidateBlock(ctx context.Context, hash string) error {
	if _, err := e.node.Root().Call(ctx, "invalidateblock", hash); err != nil {
		return fmt.Errorf("failed to invalidate block: %w", err)
	}
	return nil
}

// ReconsiderBlock clears the invalid mark from the given block.
func (e *Env) ReconsiderBlock(ctx context.Context, hash string) error {
	if _, err := e.node.Root().Call(ctx, "reconsiderblock", hash); err != nil {
		return fmt.Errorf("failed to reconsider block: %w", err)
	}
	return nil
}

// Balance returns the wallet's spendable balance.
func (e *Env) Balance(ctx context.Context) (int64, error) {
	var balance int64
	if err := e.node.Wallet().CallInto(ctx, &balance, "getbalance"); err != nil {
		return 0, fmt.Errorf("failed to query balance: %w", err)
	}
	return balance, nil
}

// CollectPremine imports the well-known regtest key so the genesis
// coin becomes spendable by the wallet. The coin counts as a coinbase,
// so the chain must already be past the maturity height.
func (e *Env) CollectPremine(ctx context.Context) (int64, error) {
	if _, err := e.node.Wallet().Call(ctx, "importprivkey", simchain.PremineSeed); err != nil {
		return 0, fmt.Errorf("failed to import premine key: %w", err)
	}

	balance, err := e.Balance(ctx)
	if err != nil {
		return 0, err
	}
	if balance == 0 {
		return 0, fmt.Errorf("premine not spendable yet; generate past the maturity height first")
	}
	return balance, nil
}

// ConsolidateCoins spends the wallet's entire balance back to itself
// in a single transaction. Everything submitted afterwards chains off
// that transaction's output, so a reorg deep enough to orphan any of
// the consolidated block rewards evicts the whole chain from the pool
// instead of restoring it.
func (e *Env) ConsolidateCoins(ctx context.Context) (string, error) {
	balance, err := e.Balance(ctx)
	if err != nil {
		return "", err
	}

	var addr string
	if err := e.node.Wallet().CallInto(ctx, &addr, "getnewaddress"); err != nil {
		return "", fmt.Errorf("failed to get consolidation address: %w", err)
	}

	// Sending balance minus the fee forces input selection to take
	// every spendable coin.
	var txid string
	if err := e.node.Wallet().CallInto(ctx, &txid, "sendtoaddress", addr, balance-1); err != nil {
		return "", fmt.Errorf("failed to consolidate coins: %w", err)
	}
	return txid, nil
}

// RawTx fetches the serialized form of a transaction, pending or
// confirmed.
func (e *Env) RawTx(ctx context.Context, txid string) (string, error) {
	var tx struct {
		Hex string `json:"hex"`
	}
	if err := e.node.Wallet().CallInto(ctx, &tx, "gettransaction", txid); err != nil {
		return "", fmt.Errorf("failed to fetch transaction %s: %w", txid, err)
	}
	return tx.Hex, nil
}

// SendRawTx resubmits a serialized transaction, preserving its ID.
func (e *Env) SendRawTx(ctx context.Context, raw string) (string, error) {
	var txid string
	if err := e.node.Wallet().CallInto(ctx, &txid, "sendrawtransaction", raw); err != nil {
		return "", fmt.Errorf("failed to send raw transaction: %w", err)
	}
	return txid, nil
}

// RawMempool lists the unconfirmed transaction IDs.
func (e *Env) RawMempool(ctx context.Context) ([]string, error) {
	var ids []string
	if err := e.node.Root().CallInto(ctx, &ids, "getrawmempool"); err != nil {
		return nil, fmt.Errorf("failed to list mempool: %w", err)
	}
	return ids, nil
}

// TrackGame registers gameID for push notifications.
func (e *Env) TrackGame(ctx context.Context, gameID string) error {
	if _, err := e.node.Root().Call(ctx, "trackedgames", "add", gameID); err != nil {
		return fmt.Errorf("failed to track game %s: %w", gameID, err)
	}
	return nil
}
