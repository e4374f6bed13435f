package simchain

import (
	"fmt"
	"sort"
)

// mempoolView captures which coins the current pool creates and consumes.
// Computed on demand; the pool is small in tests.
type mempoolView struct {
	outs  map[string]*Coin
	spent map[string]bool
}

// poolView builds the view for the current mempool. Caller holds c.mu.
func (c *Chain) poolView() mempoolView {
	v := mempoolView{
		outs:  make(map[string]*Coin),
		spent: make(map[string]bool),
	}
	for _, tx := range c.mempool {
		for _, out := range tx.Outputs {
			v.outs[out.ID] = out
		}
		for _, in := range tx.Inputs {
			v.spent[in] = true
		}
	}
	return v
}

// coinMature reports whether the coin is spendable at the given tip height.
func coinMature(coin *Coin, tipHeight int64) bool {
	if !coin.Coinbase {
		return true
	}
	return tipHeight-coin.CreatedHeight >= CoinbaseMaturity
}

// checkTx validates a transaction against the active chain plus mempool:
// every input must exist, be mature, and be unspent;
// a register must not collide with an existing or pending name;
// an update requires the name to exist or be pending.
// Caller holds c.mu.
func (c *Chain) checkTx(tx *Tx) error {
	v := c.poolView()
	tipHeight := c.active[len(c.active)-1].Height

	for _, in := range tx.Inputs {
		coin, ok := c.coins[in]
		if !ok {
			return fmt.Errorf("unknown input %s", in)
		}
		if !c.utxo[in] && v.outs[in] == nil {
			return fmt.Errorf("input %s does not exist", in)
		}
		if v.spent[in] {
			return fmt.Errorf("input %s already spent in pool", in)
		}
		if !coinMature(coin, tipHeight) {
			return fmt.Errorf("input %s is an immature coinbase", in)
		}
	}

	if tx.Op != nil {
		pending := false
		for _, ptx := range c.mempool {
			if ptx.Op != nil && ptx.Op.Name == tx.Op.Name {
				pending = true
				break
			}
		}

		switch tx.Op.Op {
		case "register":
			if _, exists := c.names[tx.Op.Name]; exists {
				return fmt.Errorf("name %s already registered", tx.Op.Name)
			}
			if pending {
				return fmt.Errorf("name %s already pending", tx.Op.Name)
			}
		case "update":
			if _, exists := c.names[tx.Op.Name]; !exists && !pending {
				return fmt.Errorf("name %s does not exist", tx.Op.Name)
			}
		default:
			return fmt.Errorf("unknown name operation %q", tx.Op.Op)
		}
	}

	return nil
}

// selectInputs picks wallet coins older-first until they cover amount.
// Change coins pending in the pool are eligible, which lets several
// transactions chain within one block. Caller holds c.mu.
func (c *Chain) selectInputs(amount int64) ([]string, int64, error) {
	v := c.poolView()
	tipHeight := c.active[len(c.active)-1].Height

	var candidates []*Coin
	consider := func(coin *Coin) {
		if v.spent[coin.ID] || !c.wallet.Owns(coin.Addr) || !coinMature(coin, tipHeight) {
			return
		}
		candidates = append(candidates, coin)
	}
	for id := range c.utxo {
		consider(c.coins[id])
	}
	for _, coin := range v.outs {
		consider(coin)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Coinbase != b.Coinbase {
			return a.Coinbase // confirmed coinbases first, oldest value
		}
		if a.CreatedHeight != b.CreatedHeight {
			return a.CreatedHeight < b.CreatedHeight
		}
		return a.ID < b.ID
	})

	var inputs []string
	var total int64
	for _, coin := range candidates {
		inputs = append(inputs, coin.ID)
		total += coin.Value
		if total >= amount {
			return inputs, total, nil
		}
	}

	return nil, 0, fmt.Errorf("insufficient funds: need %d, have %d spendable", amount, total)
}

const txFee = 1

// submitNameOp builds, validates and admits a name transaction,
// returning its txid and the pending-move event for emission.
// Caller holds c.mu.
func (c *Chain) submitNameOp(op *NameOp) (*Tx, error) {
	inputs, total, err := c.selectInputs(txFee)
	if err != nil {
		return nil, err
	}

	var outputs []*Coin
	if change := total - txFee; change > 0 {
		outputs = append(outputs, &Coin{
			Value:         change,
			Addr:          c.wallet.NewAddress(),
			CreatedHeight: c.active[len(c.active)-1].Height + 1,
		})
	}

	tx := newTx(op, inputs, outputs)
	if err := c.checkTx(tx); err != nil {
		return nil, err
	}

	c.mempool = append(c.mempool, tx)
	return tx, nil
}

// RegisterName submits a registration for the full name "ns/name"
// and returns the transaction ID.
func (c *Chain) RegisterName(full string) (string, error) {
	c.mu.Lock()
	tx, err := c.submitNameOp(&NameOp{Op: "register", Name: full, Value: "{}"})
	c.mu.Unlock()

	if err != nil {
		return "", err
	}

	c.emit([]Event{{Type: "pending-move", Tx: tx}})
	return tx.ID, nil
}

// UpdateName submits an update of the full name to the given value
// and returns the transaction ID.
func (c *Chain) UpdateName(full, value string) (string, error) {
	c.mu.Lock()
	tx, err := c.submitNameOp(&NameOp{Op: "update", Name: full, Value: value})
	c.mu.Unlock()

	if err != nil {
		return "", err
	}

	c.emit([]Event{{Type: "pending-move", Tx: tx}})
	return tx.ID, nil
}

// NameShow returns the confirmed record for the full name.
func (c *Chain) NameShow(full string) (*NameRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.names[full]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// NamePending returns the mempool transactions operating on the full name.
func (c *Chain) NamePending(full string) []*Tx {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Tx
	for _, tx := range c.mempool {
		if tx.Op != nil && tx.Op.Name == full {
			out = append(out, tx)
		}
	}
	return out
}

// RawMempool returns the current pool transactions in admission order.
func (c *Chain) RawMempool() []*Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Tx(nil), c.mempool...)
}

// GetTransaction finds a transaction in the pool or in any known block.
func (c *Chain) GetTransaction(txid string) (*Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tx := range c.mempool {
		if tx.ID == txid {
			return tx, nil
		}
	}
	for _, b := range c.blocks {
		for _, tx := range b.Txs {
			if tx.ID == txid {
				return tx, nil
			}
		}
	}
	return nil, fmt.Errorf("transaction not found: %s", txid)
}

// SendRawTx resubmits a previously serialized transaction, preserving its ID.
// Resubmitting a transaction already in the pool is a no-op.
func (c *Chain) SendRawTx(raw string) (string, error) {
	tx, err := DecodeRawTx(raw)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	for _, ptx := range c.mempool {
		if ptx.ID == tx.ID {
			c.mu.Unlock()
			return tx.ID, nil
		}
	}
	if c.confirmedIn(tx.ID) != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("transaction %s already confirmed", tx.ID)
	}
	if err := c.checkTx(tx); err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.mempool = append(c.mempool, tx)
	c.mu.Unlock()

	c.emit([]Event{{Type: "pending-move", Tx: tx}})
	return tx.ID, nil
}

// Balance sums the wallet's spendable coins,
// excluding anything already committed to the pool.
func (c *Chain) Balance() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.poolView()
	tipHeight := c.active[len(c.active)-1].Height

	var total int64
	for id := range c.utxo {
		coin := c.coins[id]
		if v.spent[id] || !c.wallet.Owns(coin.Addr) || !coinMature(coin, tipHeight) {
			continue
		}
		total += coin.Value
	}
	return total
}

// SendToAddress pays amount to addr from the wallet's spendable coins.
func (c *Chain) SendToAddress(addr string, amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("invalid amount %d", amount)
	}

	c.mu.Lock()

	inputs, total, err := c.selectInputs(amount + txFee)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}

	tipHeight := c.active[len(c.active)-1].Height
	outputs := []*Coin{{
		Value:         amount,
		Addr:          addr,
		CreatedHeight: tipHeight + 1,
	}}
	if change := total - amount - txFee; change > 0 {
		outputs = append(outputs, &Coin{
			Value:         change,
			Addr:          c.wallet.NewAddress(),
			CreatedHeight: tipHeight + 1,
		})
	}

	tx := newTx(nil, inputs, outputs)
	if err := c.checkTx(tx); err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.mempool = append(c.mempool, tx)
	c.mu.Unlock()

	c.emit([]Event{{Type: "pending-move", Tx: tx}})
	return tx.ID, nil
}

// Consolidate spends every spendable wallet coin into a single fresh output.
// Later transactions then chain off that output, making them depend on every
// block reward consolidated here; detaching any of those blocks evicts the
// whole chain of transactions from the pool.
func (c *Chain) Consolidate() (string, error) {
	c.mu.Lock()

	v := c.poolView()
	tipHeight := c.active[len(c.active)-1].Height

	var inputs []string
	var total int64
	var ids []string
	for id := range c.utxo {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		coin := c.coins[id]
		if v.spent[id] || !c.wallet.Owns(coin.Addr) || !coinMature(coin, tipHeight) {
			continue
		}
		inputs = append(inputs, id)
		total += coin.Value
	}

	if total <= txFee {
		c.mu.Unlock()
		return "", fmt.Errorf("insufficient funds to consolidate: have %d", total)
	}

	tx := newTx(nil, inputs, []*Coin{{
		Value:         total - txFee,
		Addr:          c.wallet.NewAddress(),
		CreatedHeight: tipHeight + 1,
	}})

	if err := c.checkTx(tx); err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.mempool = append(c.mempool, tx)
	c.mu.Unlock()

	c.emit([]Event{{Type: "pending-move", Tx: tx}})
	return tx.ID, nil
}
