// Package simchain implements a deterministic, in-memory regtest ledger:
// blocks are generated on demand, transactions carry name operations that
// games interpret as moves, and block invalidation/reconsideration triggers
// the same reorganisation behavior a real consensus node exhibits, including
// restoring detached transactions to the unconfirmed pool and evicting the
// ones whose inputs no longer exist.
package simchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
)

const (
	// CoinbaseValue is the block subsidy.
	CoinbaseValue = 50

	// CoinbaseMaturity is how many confirmations a coinbase coin needs
	// before it may be spent. The usual regtest flow therefore starts
	// by generating CoinbaseMaturity+1 blocks.
	CoinbaseMaturity = 100

	// PremineValue is the value of the genesis coin,
	// spendable with the publicly known [PremineSeed] key.
	PremineValue = 100_000_000

	// nameLockValue is the amount bound into a registered name.
	nameLockValue = 1
)

// BlockHeader identifies one block.
type BlockHeader struct {
	Hash   string `json:"hash"`
	Prev   string `json:"prev"`
	Height int64  `json:"height"`
}

// Block is a full block. Blocks are immutable once mined.
type Block struct {
	BlockHeader

	Txs      []*Tx
	Coinbase *Coin

	// seq is the global creation order, used to break ties
	// between equal-height chain candidates (first seen wins).
	seq int

	// nameUndo records, per name touched by this block,
	// the record that was in effect before the block attached.
	// Populated on first attach; the content is a pure function
	// of the block and its ancestors, so it never changes.
	nameUndo map[string]*NameRecord
}

// NameRecord is the confirmed state of one name.
type NameRecord struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	TxID   string `json:"txid"`
	Height int64  `json:"height"`
}

// Event is a push notification about a ledger change.
// Consumers receive events through [Chain.Subscribe].
type Event struct {
	Type string // "block-attach", "block-detach" or "pending-move"

	// Block and Txs are set for block events.
	Block BlockHeader
	Txs   []*Tx

	// Tx is set for pending-move events.
	Tx *Tx

	// Token is empty for organic events. Replayed events produced by
	// [Chain.SendUpdates] carry the caller-supplied token so that other
	// subscribers can ignore them.
	Token string
}

// Chain is the ledger state machine.
// All methods are safe for concurrent use.
type Chain struct {
	log *slog.Logger

	mu sync.Mutex

	blocks  map[string]*Block
	active  []*Block // active[h] is the block at height h
	invalid map[string]bool
	seq     int

	mempool []*Tx

	coins map[string]*Coin // every coin ever created
	utxo  map[string]bool  // spendable under the active chain

	names map[string]*NameRecord

	wallet *Wallet

	subs   map[int]chan Event
	nextID int
}

// New creates a chain containing only the genesis block,
// whose single coin is locked to the [PremineSeed] key.
func New(log *slog.Logger) *Chain {
	c := &Chain{
		log: log,

		blocks:  make(map[string]*Block),
		invalid: make(map[string]bool),

		coins: make(map[string]*Coin),
		utxo:  make(map[string]bool),

		names: make(map[string]*NameRecord),

		wallet: newWallet(),

		subs: make(map[int]chan Event),
	}

	genesis := c.newBlock("", 0, AddressForSeed(PremineSeed), PremineValue, nil)
	c.blocks[genesis.Hash] = genesis
	c.active = []*Block{genesis}
	c.applyBlock(genesis)

	return c
}

// Wallet returns the node wallet.
func (c *Chain) Wallet() *Wallet { return c.wallet }

func (c *Chain) newBlock(prev string, height int64, coinbaseAddr string, coinbaseValue int64, txs []*Tx) *Block {
	c.seq++

	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%s|", prev, height, c.seq, coinbaseAddr)
	for _, tx := range txs {
		fmt.Fprintf(h, "%s|", tx.ID)
	}
	hash := hex.EncodeToString(h.Sum(nil))

	return &Block{
		BlockHeader: BlockHeader{Hash: hash, Prev: prev, Height: height},
		Txs:         txs,
		Coinbase: &Coin{
			ID:            hash + ":cb",
			Value:         coinbaseValue,
			Addr:          coinbaseAddr,
			Coinbase:      true,
			CreatedHeight: height,
		},
		seq: c.seq,
	}
}

// Tip returns the active chain tip.
func (c *Chain) Tip() BlockHeader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[len(c.active)-1].BlockHeader
}

// GenesisHash returns the hash of the genesis block.
func (c *Chain) GenesisHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[0].Hash
}

// BlockHashAt returns the active chain's block hash at the given height.
func (c *Chain) BlockHashAt(height int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if height < 0 || height >= int64(len(c.active)) {
		return "", false
	}
	return c.active[height].Hash, true
}

// Header returns the header of any known block, active or not.
func (c *Chain) Header(hash string) (BlockHeader, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.blocks[hash]
	if !ok {
		return BlockHeader{}, false
	}
	return b.BlockHeader, true
}

// Generate mines n blocks paying the subsidy to addr,
// emptying the mempool into the first of them.
// It returns the new block hashes in order.
func (c *Chain) Generate(addr string, n int) []string {
	var events []Event
	hashes := make([]string, 0, n)

	c.mu.Lock()
	for i := 0; i < n; i++ {
		tip := c.active[len(c.active)-1]

		txs := c.mempool
		c.mempool = nil

		b := c.newBlock(tip.Hash, tip.Height+1, addr, CoinbaseValue, txs)
		c.blocks[b.Hash] = b
		c.active = append(c.active, b)
		c.applyBlock(b)

		hashes = append(hashes, b.Hash)
		events = append(events, Event{Type: "block-attach", Block: b.BlockHeader, Txs: b.Txs})
	}
	c.mu.Unlock()

	c.emit(events)
	return hashes
}

// applyBlock updates the UTXO and name views for an attaching block.
// Caller holds c.mu.
func (c *Chain) applyBlock(b *Block) {
	if b.nameUndo == nil {
		b.nameUndo = make(map[string]*NameRecord)
	}

	c.coins[b.Coinbase.ID] = b.Coinbase
	c.utxo[b.Coinbase.ID] = true

	for _, tx := range b.Txs {
		for _, in := range tx.Inputs {
			delete(c.utxo, in)
		}
		for _, out := range tx.Outputs {
			c.coins[out.ID] = out
			c.utxo[out.ID] = true
		}

		if tx.Op != nil {
			if _, seen := b.nameUndo[tx.Op.Name]; !seen {
				b.nameUndo[tx.Op.Name] = c.names[tx.Op.Name]
			}
			c.names[tx.Op.Name] = &NameRecord{
				Name:   tx.Op.Name,
				Value:  tx.Op.Value,
				TxID:   tx.ID,
				Height: b.Height,
			}
		}
	}
}

// unapplyBlock reverses applyBlock. Caller holds c.mu.
func (c *Chain) unapplyBlock(b *Block) {
	delete(c.utxo, b.Coinbase.ID)

	for i := len(b.Txs) - 1; i >= 0; i-- {
		tx := b.Txs[i]
		for _, out := range tx.Outputs {
			delete(c.utxo, out.ID)
		}
		for _, in := range tx.Inputs {
			c.utxo[in] = true
		}
	}

	for name, prev := range b.nameUndo {
		if prev == nil {
			delete(c.names, name)
		} else {
			c.names[name] = prev
		}
	}
}

// InvalidateBlock marks the block invalid and lets best-chain selection
// pick the new tip, reorganising state and the mempool as needed.
func (c *Chain) InvalidateBlock(hash string) error {
	c.mu.Lock()
	if _, ok := c.blocks[hash]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("block not found: %s", hash)
	}
	c.invalid[hash] = true
	events := c.reorgToBest()
	c.mu.Unlock()

	c.emit(events)
	return nil
}

// ReconsiderBlock clears the invalid mark from the block and all its
// descendants, then re-selects the best chain.
func (c *Chain) ReconsiderBlock(hash string) error {
	c.mu.Lock()
	if _, ok := c.blocks[hash]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("block not found: %s", hash)
	}

	delete(c.invalid, hash)
	for _, d := range c.descendants(hash) {
		delete(c.invalid, d)
	}

	events := c.reorgToBest()
	c.mu.Unlock()

	c.emit(events)
	return nil
}

// descendants returns the hashes of all blocks below hash. Caller holds c.mu.
func (c *Chain) descendants(hash string) []string {
	var out []string
	frontier := []string{hash}
	for len(frontier) > 0 {
		next := frontier[:0:0]
		for _, b := range c.blocks {
			for _, f := range frontier {
				if b.Prev == f {
					out = append(out, b.Hash)
					next = append(next, b.Hash)
				}
			}
		}
		frontier = next
	}
	return out
}

// bestTip selects the highest valid chain tip, breaking height ties by
// creation order. Caller holds c.mu.
func (c *Chain) bestTip() *Block {
	hasChild := make(map[string]bool, len(c.blocks))
	for _, b := range c.blocks {
		if b.Prev != "" {
			hasChild[b.Prev] = true
		}
	}

	var best *Block
	for _, b := range c.blocks {
		if hasChild[b.Hash] || !c.chainValid(b) {
			continue
		}
		if best == nil ||
			b.Height > best.Height ||
			(b.Height == best.Height && b.seq < best.seq) {
			best = b
		}
	}

	if best == nil {
		// The genesis block cannot be invalidated in practice;
		// treat an all-invalid tree as staying on genesis.
		best = c.active[0]
	}
	return best
}

func (c *Chain) chainValid(tip *Block) bool {
	for b := tip; ; {
		if c.invalid[b.Hash] {
			return false
		}
		if b.Prev == "" {
			return true
		}
		b = c.blocks[b.Prev]
	}
}

// reorgToBest switches the active chain to the current best tip,
// returning the detach/attach events in order. Caller holds c.mu.
func (c *Chain) reorgToBest() []Event {
	target := c.bestTip()
	cur := c.active[len(c.active)-1]
	if target.Hash == cur.Hash {
		return nil
	}

	// Path from target back to the first block already on the active chain.
	var attach []*Block
	join := target
	for {
		onActive := join.Height < int64(len(c.active)) && c.active[join.Height].Hash == join.Hash
		if onActive {
			break
		}
		attach = append(attach, join)
		join = c.blocks[join.Prev]
	}

	var events []Event
	var restore []*Tx

	// Detach the active chain down to the join point, tip first.
	for len(c.active)-1 > int(join.Height) {
		b := c.active[len(c.active)-1]
		c.unapplyBlock(b)
		c.active = c.active[:len(c.active)-1]

		restore = append(b.Txs[:len(b.Txs):len(b.Txs)], restore...)
		events = append(events, Event{Type: "block-detach", Block: b.BlockHeader, Txs: b.Txs})
	}

	// Attach the new branch in height order.
	for i := len(attach) - 1; i >= 0; i-- {
		b := attach[i]
		c.applyBlock(b)
		c.active = append(c.active, b)
		events = append(events, Event{Type: "block-attach", Block: b.BlockHeader, Txs: b.Txs})
	}

	c.rebuildMempool(restore)

	c.log.Info("Chain reorganised",
		"old_tip", cur.Hash, "new_tip", target.Hash,
		"height", target.Height, "mempool", len(c.mempool))

	return events
}

// rebuildMempool revalidates the previous mempool plus the detached
// transactions against the new active state. Transactions whose inputs
// no longer exist, or whose name operations no longer apply, are evicted.
// Caller holds c.mu.
func (c *Chain) rebuildMempool(restored []*Tx) {
	candidates := append(restored, c.mempool...)
	c.mempool = nil

	seen := make(map[string]bool)
	for _, tx := range candidates {
		if seen[tx.ID] {
			continue
		}
		seen[tx.ID] = true

		// A tx already confirmed on the new active chain must not
		// re-enter the pool.
		if c.confirmedIn(tx.ID) != nil {
			continue
		}

		if err := c.checkTx(tx); err != nil {
			c.log.Info("Evicting transaction from pool", "txid", tx.ID, "reason", err)
			continue
		}
		c.mempool = append(c.mempool, tx)
	}
}

// confirmedIn returns the active block containing txid, or nil.
// Caller holds c.mu.
func (c *Chain) confirmedIn(txid string) *Block {
	for _, b := range c.active {
		for _, tx := range b.Txs {
			if tx.ID == txid {
				return b
			}
		}
	}
	return nil
}

// emit delivers events to all subscribers, outside the chain lock.
func (c *Chain) emit(events []Event) {
	if len(events) == 0 {
		return
	}

	c.mu.Lock()
	chans := make([]chan Event, 0, len(c.subs))
	for _, ch := range c.subs {
		chans = append(chans, ch)
	}
	c.mu.Unlock()

	for _, e := range events {
		for _, ch := range chans {
			ch <- e
		}
	}
}

// Subscribe registers for ledger events. The returned cancel function
// must be called to release the subscription; after cancel returns,
// no further sends happen on the channel.
func (c *Chain) Subscribe() (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++

	ch := make(chan Event, 1024)
	c.subs[id] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
	return ch, cancel
}

// SendUpdates replays, to all subscribers, the detach/attach steps leading
// from fromBlock to the current tip, each tagged with the caller's token so
// unrelated subscribers can discard them. It returns the tip hash the replay
// ends at. An unknown fromBlock replays the whole chain from genesis.
func (c *Chain) SendUpdates(fromBlock, token string) string {
	c.mu.Lock()

	tip := c.active[len(c.active)-1]

	var events []Event

	from, known := c.blocks[fromBlock]
	if !known {
		// Full resync: attach every active block above genesis.
		for _, b := range c.active[1:] {
			events = append(events, Event{Type: "block-attach", Block: b.BlockHeader, Txs: b.Txs, Token: token})
		}
	} else {
		// Walk from the old position up to the fork point, detaching.
		cur := from
		for {
			onActive := cur.Height < int64(len(c.active)) && c.active[cur.Height].Hash == cur.Hash
			if onActive {
				break
			}
			events = append(events, Event{Type: "block-detach", Block: cur.BlockHeader, Txs: cur.Txs, Token: token})
			cur = c.blocks[cur.Prev]
		}

		// Then attach the active blocks above the fork point.
		for h := cur.Height + 1; h < int64(len(c.active)); h++ {
			b := c.active[h]
			events = append(events, Event{Type: "block-attach", Block: b.BlockHeader, Txs: b.Txs, Token: token})
		}
	}

	c.mu.Unlock()

	c.emit(events)
	return tip.Hash
}
