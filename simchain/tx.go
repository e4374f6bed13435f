package simchain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// NameOp is the name operation carried by a transaction, if any.
type NameOp struct {
	Op    string `json:"op"` // "register" or "update"
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Coin is a spendable output.
// A coin's existence at any point in time is decided by the chain's
// current UTXO view, not by the Coin value itself.
type Coin struct {
	ID    string `json:"id"`
	Value int64  `json:"value"`
	Addr  string `json:"addr"`

	// CreatedHeight is set for coinbase coins,
	// which only become spendable after CoinbaseMaturity confirmations.
	// Non-coinbase coins have Coinbase set to false and are spendable immediately.
	Coinbase      bool  `json:"coinbase"`
	CreatedHeight int64 `json:"createdHeight"`
}

// Tx is one transaction: zero or one name operation
// plus the coins it consumes and creates.
type Tx struct {
	ID      string   `json:"id"`
	Op      *NameOp  `json:"op,omitempty"`
	Inputs  []string `json:"inputs"`
	Outputs []*Coin  `json:"outputs"`

	// Salt makes the txid unique per submission,
	// so that a logically identical move resubmitted later
	// is observable as a different transaction.
	Salt string `json:"salt"`
}

// newTx assembles a transaction and assigns its content-derived ID.
func newTx(op *NameOp, inputs []string, outputs []*Coin) *Tx {
	var salt [8]byte
	if _, err := rand.Read(salt[:]); err != nil {
		panic(fmt.Errorf("failed to read entropy for tx salt: %w", err))
	}

	tx := &Tx{
		Op:      op,
		Inputs:  inputs,
		Outputs: outputs,
		Salt:    hex.EncodeToString(salt[:]),
	}
	tx.ID = tx.computeID()

	for i, c := range tx.Outputs {
		c.ID = fmt.Sprintf("%s:%d", tx.ID, i)
	}

	return tx
}

func (tx *Tx) computeID() string {
	h := sha256.New()
	if tx.Op != nil {
		fmt.Fprintf(h, "%s|%s|%s|", tx.Op.Op, tx.Op.Name, tx.Op.Value)
	}
	for _, in := range tx.Inputs {
		fmt.Fprintf(h, "%s|", in)
	}
	for _, out := range tx.Outputs {
		fmt.Fprintf(h, "%d>%s|", out.Value, out.Addr)
	}
	fmt.Fprintf(h, "%s", tx.Salt)
	return hex.EncodeToString(h.Sum(nil))
}

// Raw returns the hex serialization of the transaction,
// suitable for resubmission through [Chain.SendRawTx].
func (tx *Tx) Raw() string {
	b, err := json.Marshal(tx)
	if err != nil {
		panic(fmt.Errorf("failed to marshal tx %s: %w", tx.ID, err))
	}
	return hex.EncodeToString(b)
}

// DecodeRawTx parses a transaction serialized with [Tx.Raw]
// and verifies that its ID matches its content.
func DecodeRawTx(raw string) (*Tx, error) {
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed raw transaction hex: %w", err)
	}

	var tx Tx
	if err := json.Unmarshal(b, &tx); err != nil {
		return nil, fmt.Errorf("malformed raw transaction: %w", err)
	}

	if got := tx.computeID(); got != tx.ID {
		return nil, fmt.Errorf("raw transaction ID mismatch: claimed %s, computed %s", tx.ID, got)
	}

	return &tx, nil
}

// moveEnvelope is the JSON layout of a name value carrying game moves:
// {"g": {"<gameid>": <move>}}.
type moveEnvelope struct {
	G map[string]json.RawMessage `json:"g"`
}

// GameMove extracts the move for the given game ID from the transaction's
// name value, reporting false when the transaction carries no such move.
func (tx *Tx) GameMove(gameID string) (player string, move json.RawMessage, ok bool) {
	if tx.Op == nil || tx.Op.Op != "update" {
		return "", nil, false
	}

	ns, name, ok := SplitName(tx.Op.Name)
	if !ok || ns != PlayerNamespace {
		return "", nil, false
	}

	var env moveEnvelope
	if err := json.Unmarshal([]byte(tx.Op.Value), &env); err != nil {
		return "", nil, false
	}

	mv, ok := env.G[gameID]
	if !ok {
		return "", nil, false
	}

	return name, mv, true
}

// PlayerNamespace is the namespace whose name updates are interpreted
// as game moves.
const PlayerNamespace = "p"

// SplitName splits a full name of the form "ns/name".
func SplitName(full string) (ns, name string, ok bool) {
	for i := 0; i < len(full); i++ {
		if full[i] == '/' {
			return full[:i], full[i+1:], true
		}
	}
	return "", "", false
}
