package chanapp_test

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spaceexpanse/libspex/chanapp"
	"github.com/spaceexpanse/libspex/internal/xtest"
	"github.com/spaceexpanse/libspex/simchain"
	"github.com/spaceexpanse/libspex/simnode"
	"github.com/spaceexpanse/libspex/xbroadcast"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

type channelPair struct {
	chain *simchain.Chain
	alice *chanapp.Daemon
	bob   *chanapp.Daemon

	aliceAddr, bobAddr string
}

// startChannelPair boots a node, a broadcast host, and one daemon per
// player, with the player names registered and the chain matured.
func startChannelPair(ctx context.Context, t *testing.T) *channelPair {
	t.Helper()

	log := xtest.NewLogger(t)
	node := simnode.New(log, simchain.New(log), simnode.Config{
		RPCUser:     "u",
		RPCPassword: "p",
		RPCPort:     freePort(t),
	})
	nodeDone := make(chan error, 1)
	go func() {
		nodeDone <- node.Serve(ctx)
	}()

	host := xbroadcast.NewHost(log.With("sys", "broadcast"))
	bcPort := freePort(t)
	hostDone := make(chan struct{})
	go func() {
		defer close(hostDone)
		if err := host.Serve(ctx, bcPort); err != nil && ctx.Err() == nil {
			t.Errorf("broadcast host failed: %v", err)
		}
	}()

	c := node.Chain()
	c.Generate(c.Wallet().NewAddress(), simchain.CoinbaseMaturity+1)
	for _, name := range []string{"alice", "bob"} {
		_, err := c.RegisterName("p/" + name)
		require.NoError(t, err)
	}
	c.Generate(c.Wallet().NewAddress(), 1)

	pair := &channelPair{
		chain:     c,
		aliceAddr: c.Wallet().NewAddress(),
		bobAddr:   c.Wallet().NewAddress(),
	}

	bcURL := fmt.Sprintf("http://127.0.0.1:%d", bcPort)
	daemons := make(map[string]*chanapp.Daemon, 2)
	dones := make([]chan error, 0, 2)
	for _, name := range []string{"alice", "bob"} {
		d := chanapp.NewDaemon(chanapp.DaemonConfig{
			Log:          log.With("player", name),
			PlayerName:   name,
			Channel:      "ch",
			NodeURL:      node.URL(),
			BroadcastURL: bcURL,
			RPCWait:      true,
		})
		done := make(chan error, 1)
		go func() {
			done <- d.Run(ctx)
		}()
		daemons[name] = d
		dones = append(dones, done)
	}
	pair.alice = daemons["alice"]
	pair.bob = daemons["bob"]

	t.Cleanup(func() {
		for _, done := range dones {
			require.NoError(t, <-done)
		}
		<-hostDone
		node.Stop()
		require.NoError(t, <-nodeDone)
	})

	return pair
}

func (p *channelPair) participants() []chanapp.Participant {
	return []chanapp.Participant{
		{Name: "alice", Addr: p.aliceAddr},
		{Name: "bob", Addr: p.bobAddr},
	}
}

func (p *channelPair) mine(t *testing.T) {
	t.Helper()
	p.chain.Generate(p.chain.Wallet().NewAddress(), 1)
}

func waitDoc(t *testing.T, d *chanapp.Daemon, pred func(chanapp.StateDoc) bool) chanapp.StateDoc {
	t.Helper()
	for i := 0; i < 500; i++ {
		doc := d.CurrentState()
		if pred(doc) {
			return doc
		}
		xtest.Sleep(xtest.ScaleMs(10))
	}
	t.Fatalf("daemon never reached the expected state; last: %+v", d.CurrentState())
	return chanapp.StateDoc{}
}

func onChain(doc chanapp.StateDoc) bool { return doc.ExistsOnChain }

func atTurn(n int64) func(chanapp.StateDoc) bool {
	return func(doc chanapp.StateDoc) bool {
		return doc.ExistsOnChain && doc.Current != nil && doc.Current.State.TurnCount == n
	}
}

func TestDaemon_lifecycleAndTurns(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := startChannelPair(ctx, t)

	doc := p.alice.CurrentState()
	require.False(t, doc.ExistsOnChain)
	require.Nil(t, doc.Current)

	_, err := p.alice.CreateChannel(ctx, p.participants())
	require.NoError(t, err)
	p.mine(t)

	doc = waitDoc(t, p.bob, onChain)
	require.Equal(t, "open", doc.Phase)
	require.Equal(t, "bob", doc.PlayerName)
	require.Zero(t, doc.Current.State.TurnCount)
	require.Equal(t, "alice", doc.Current.State.WhoseTurn)

	// Off-chain moves travel over the broadcast server and show up on
	// the other side without touching the chain.
	waitDoc(t, p.alice, onChain)
	_, err = p.alice.AdvanceTurn(ctx)
	require.NoError(t, err)
	doc = waitDoc(t, p.bob, atTurn(1))
	require.Equal(t, "bob", doc.Current.State.WhoseTurn)

	// Moving out of turn fails.
	_, err = p.alice.AdvanceTurn(ctx)
	require.Error(t, err)

	_, err = p.bob.AdvanceTurn(ctx)
	require.NoError(t, err)
	waitDoc(t, p.alice, atTurn(2))

	_, err = p.bob.CloseChannel(ctx)
	require.NoError(t, err)
	p.mine(t)
	waitDoc(t, p.alice, func(doc chanapp.StateDoc) bool {
		return !doc.ExistsOnChain
	})
}

func TestDaemon_disputeIsAutoResolved(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := startChannelPair(ctx, t)

	_, err := p.alice.CreateChannel(ctx, p.participants())
	require.NoError(t, err)
	p.mine(t)
	waitDoc(t, p.alice, onChain)
	waitDoc(t, p.bob, onChain)

	_, err = p.alice.AdvanceTurn(ctx)
	require.NoError(t, err)
	waitDoc(t, p.bob, atTurn(1))

	// A stale dispute at turn 0 lands on chain behind alice's back.
	_, err = p.chain.UpdateName("p/bob",
		`{"g":{"chn":{"op":"dispute","channel":"ch","state":{"channel":"ch","turncount":0,"whoseturn":"alice"}}}}`)
	require.NoError(t, err)
	p.mine(t)

	doc := waitDoc(t, p.alice, func(doc chanapp.StateDoc) bool {
		return doc.Phase == "disputed"
	})
	require.NotNil(t, doc.Dispute)
	require.Zero(t, doc.Dispute.TurnCount)

	// Alice produced the state at turn 1, so she answers the dispute.
	for i := 0; i < 500; i++ {
		if len(p.chain.NamePending("p/alice")) > 0 {
			break
		}
		xtest.Sleep(xtest.ScaleMs(10))
	}
	require.NotEmpty(t, p.chain.NamePending("p/alice"), "alice must submit a resolution")

	p.mine(t)
	doc = waitDoc(t, p.alice, func(doc chanapp.StateDoc) bool {
		return doc.Phase == "open"
	})
	require.Equal(t, int64(1), doc.Current.State.TurnCount)
	waitDoc(t, p.bob, func(doc chanapp.StateDoc) bool {
		return doc.Phase == "open" && doc.Current.State.TurnCount == 1
	})
}

func TestDaemon_filedDisputeCarriesBestState(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := startChannelPair(ctx, t)

	_, err := p.alice.CreateChannel(ctx, p.participants())
	require.NoError(t, err)
	p.mine(t)
	waitDoc(t, p.alice, onChain)
	waitDoc(t, p.bob, onChain)

	_, err = p.alice.AdvanceTurn(ctx)
	require.NoError(t, err)
	waitDoc(t, p.bob, atTurn(1))

	// Bob disputes with the freshest state he can prove.
	_, err = p.bob.FileDispute(ctx)
	require.NoError(t, err)
	p.mine(t)

	doc := waitDoc(t, p.bob, func(doc chanapp.StateDoc) bool {
		return doc.Phase == "disputed"
	})
	require.Equal(t, int64(1), doc.Dispute.TurnCount)

	// Nobody holds a state above turn 1, so the dispute stays.
	xtest.Sleep(xtest.ScaleMs(300))
	require.Empty(t, p.chain.NamePending("p/alice"))

	// Bob moves; now he outranks his own dispute and resolves it.
	_, err = p.bob.AdvanceTurn(ctx)
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		if len(p.chain.NamePending("p/bob")) > 0 {
			break
		}
		xtest.Sleep(xtest.ScaleMs(10))
	}
	require.NotEmpty(t, p.chain.NamePending("p/bob"))

	p.mine(t)
	doc = waitDoc(t, p.alice, func(doc chanapp.StateDoc) bool {
		return doc.Phase == "open" && doc.Current.State.TurnCount == 2
	})
	require.Equal(t, "alice", doc.Current.State.WhoseTurn)
}
