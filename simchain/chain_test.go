package simchain_test

import (
	"testing"

	"github.com/spaceexpanse/libspex/internal/xtest"
	"github.com/spaceexpanse/libspex/simchain"
	"github.com/stretchr/testify/require"
)

// matureChain returns a chain whose wallet holds one spendable coinbase.
func matureChain(t *testing.T) *simchain.Chain {
	t.Helper()

	c := simchain.New(xtest.NewLogger(t))
	addr := c.Wallet().NewAddress()
	c.Generate(addr, simchain.CoinbaseMaturity+1)
	return c
}

func TestChain_generateAdvancesTip(t *testing.T) {
	t.Parallel()

	c := simchain.New(xtest.NewLogger(t))
	addr := c.Wallet().NewAddress()

	start := c.Tip()
	require.Zero(t, start.Height)

	hashes := c.Generate(addr, 5)
	require.Len(t, hashes, 5)

	tip := c.Tip()
	require.Equal(t, start.Height+5, tip.Height)
	require.Equal(t, hashes[4], tip.Hash)
}

func TestChain_invalidateReconsiderRoundTrip(t *testing.T) {
	t.Parallel()

	c := matureChain(t)

	before := c.Tip()

	require.NoError(t, c.InvalidateBlock(before.Hash))
	require.Equal(t, before.Height-1, c.Tip().Height)

	require.NoError(t, c.ReconsiderBlock(before.Hash))
	require.Equal(t, before, c.Tip())
}

func TestChain_nameLifecycle(t *testing.T) {
	t.Parallel()

	c := matureChain(t)
	addr := c.Wallet().NewAddress()

	txid, err := c.RegisterName("p/alice")
	require.NoError(t, err)
	require.NotEmpty(t, txid)

	// Pending, not yet confirmed.
	require.Len(t, c.NamePending("p/alice"), 1)
	_, confirmed := c.NameShow("p/alice")
	require.False(t, confirmed)

	// Registering the same name twice must fail while pending.
	_, err = c.RegisterName("p/alice")
	require.Error(t, err)

	// A chained update in the same block is allowed.
	_, err = c.UpdateName("p/alice", `{"g":{"mv":{"d":"k","n":2}}}`)
	require.NoError(t, err)

	c.Generate(addr, 1)

	rec, confirmed := c.NameShow("p/alice")
	require.True(t, confirmed)
	require.JSONEq(t, `{"g":{"mv":{"d":"k","n":2}}}`, rec.Value)
	require.Empty(t, c.NamePending("p/alice"))

	// Updating a nonexistent name must fail.
	_, err = c.UpdateName("p/bob", "{}")
	require.Error(t, err)
}

func TestChain_reorgRestoresRemineableTxs(t *testing.T) {
	t.Parallel()

	c := matureChain(t)
	addr := c.Wallet().NewAddress()

	txid, err := c.RegisterName("p/alice")
	require.NoError(t, err)

	blk := c.Generate(addr, 1)[0]
	require.Empty(t, c.RawMempool())

	// The registration spent a coin that predates the invalidated block,
	// so the node restores it to the pool.
	require.NoError(t, c.InvalidateBlock(blk))

	pool := c.RawMempool()
	require.Len(t, pool, 1)
	require.Equal(t, txid, pool[0].ID)

	_, confirmed := c.NameShow("p/alice")
	require.False(t, confirmed)
}

func TestChain_reorgEvictsDependentTxs(t *testing.T) {
	t.Parallel()

	c := matureChain(t)
	addr := c.Wallet().NewAddress()

	_, err := c.RegisterName("p/alice")
	require.NoError(t, err)
	c.Generate(addr, 1)

	branchStart := c.Generate(addr, 1)[0]

	// Make enough branch rewards mature, consolidate them,
	// and let a move depend on the consolidated output.
	c.Generate(addr, simchain.CoinbaseMaturity)
	_, err = c.Consolidate()
	require.NoError(t, err)
	c.Generate(addr, 1)

	txid, err := c.UpdateName("p/alice", `{"g":{"mv":{"d":"h","n":1}}}`)
	require.NoError(t, err)
	c.Generate(addr, 1)

	// Detaching the whole branch orphans the consolidated rewards,
	// so both the consolidation and the dependent move are evicted.
	require.NoError(t, c.InvalidateBlock(branchStart))
	require.Empty(t, c.RawMempool())

	_, err = c.GetTransaction(txid)
	require.NoError(t, err, "evicted tx should still be visible in its detached block")
}

func TestChain_sendRawTxPreservesID(t *testing.T) {
	t.Parallel()

	c := matureChain(t)
	addr := c.Wallet().NewAddress()

	_, err := c.RegisterName("p/alice")
	require.NoError(t, err)
	c.Generate(addr, 1)

	txid, err := c.UpdateName("p/alice", `{"g":{"mv":{"d":"l","n":3}}}`)
	require.NoError(t, err)

	tx, err := c.GetTransaction(txid)
	require.NoError(t, err)

	blk := c.Generate(addr, 1)[0]
	require.NoError(t, c.InvalidateBlock(blk))

	// The tx was restored automatically; resubmitting is a no-op
	// yielding the same ID.
	id, err := c.SendRawTx(tx.Raw())
	require.NoError(t, err)
	require.Equal(t, txid, id)
}

func TestChain_signMessageRoundTrip(t *testing.T) {
	t.Parallel()

	c := simchain.New(xtest.NewLogger(t))
	w := c.Wallet()

	addr := w.NewAddress()
	sig, err := w.SignMessage(addr, "hello")
	require.NoError(t, err)

	ok, err := w.VerifyMessage(addr, sig, "hello")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = w.VerifyMessage(addr, sig, "tampered")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestChain_premineCollectable(t *testing.T) {
	t.Parallel()

	c := simchain.New(xtest.NewLogger(t))

	// No wallet coins yet: the subsidy went to a throwaway address.
	c.Generate(simchain.AddressForSeed("elsewhere"), simchain.CoinbaseMaturity+1)
	require.Zero(t, c.Balance())

	c.Wallet().ImportSeed(simchain.PremineSeed)
	require.Equal(t, int64(simchain.PremineValue), c.Balance())

	_, err := c.Consolidate()
	require.NoError(t, err)

	c.Generate(simchain.AddressForSeed("elsewhere"), 1)
	require.Equal(t, int64(simchain.PremineValue-1), c.Balance())
}
