package path

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-lokinet/go-lokinet/lib/crypto"
	"github.com/go-lokinet/go-lokinet/lib/dht"
	"github.com/go-lokinet/go-lokinet/lib/link"
	"github.com/go-lokinet/go-lokinet/lib/nodedb"
	"github.com/go-lokinet/go-lokinet/lib/profiling"
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/routing"
	"github.com/go-lokinet/go-lokinet/lib/types"
	"github.com/go-lokinet/go-lokinet/lib/worker"
)

func makeRC(t *testing.T) *rc.RouterContact {
	t.Helper()
	sk := crypto.IdentityKeygen()
	enc := crypto.EncryptionKeygen()
	contact := &rc.RouterContact{
		NetID:  types.DefaultNetID,
		EncKey: crypto.SecKeyToPublic(enc),
		Addrs: []rc.AddressInfo{{
			Dialect: "utp",
			EncKey:  crypto.SecKeyToPublic(enc),
			IP:      "10.0.0.1",
			Port:    1090,
		}},
	}
	require.NoError(t, contact.Sign(sk))
	return contact
}

type capturedSend struct {
	remote types.RouterID
	msg    link.Message
}

// mockRouter satisfies Router for single-threaded tests. Sends are
// captured, routing parses recorded.
type mockRouter struct {
	now      uint64
	key      types.RouterID
	profiles *profiling.Profiles
	sent     []capturedSend
	parsed   [][]byte
	parser   *routing.InboundMessageParser
	ctx      *Context
}

func newMockRouter(id types.RouterID) *mockRouter {
	m := &mockRouter{
		now:    1000,
		key:    id,
		parser: routing.NewInboundMessageParser(),
	}
	m.profiles = profiling.New(func() uint64 { return m.now })
	m.ctx = NewContext(m)
	return m
}

func (m *mockRouter) Now() uint64                                { return m.now }
func (m *mockRouter) OurKey() types.RouterID                     { return m.key }
func (m *mockRouter) OurRC() *rc.RouterContact                   { return nil }
func (m *mockRouter) EncryptionSecretKey() types.SecretKey       { return types.SecretKey{} }
func (m *mockRouter) IdentitySecretKey() types.SecretKey         { return crypto.IdentityKeygen() }
func (m *mockRouter) Logic() *worker.Logic                       { return nil }
func (m *mockRouter) CryptoWorker() *worker.Pool                 { return nil }
func (m *mockRouter) NodeDB() *nodedb.NodeDB                     { return nil }
func (m *mockRouter) Profiles() *profiling.Profiles              { return m.profiles }
func (m *mockRouter) DHT() *dht.Context                          { return nil }
func (m *mockRouter) Paths() *Context                            { return m.ctx }
func (m *mockRouter) PersistSessionUntil(types.RouterID, uint64) {}
func (m *mockRouter) NumberOfConnectedRouters() int              { return 0 }
func (m *mockRouter) GetRandomConnectedRouter() (*rc.RouterContact, bool) {
	return nil, false
}

func (m *mockRouter) SendToOrQueue(remote types.RouterID, msg link.Message) bool {
	m.sent = append(m.sent, capturedSend{remote, msg})
	return true
}

func (m *mockRouter) ParseRoutingMessageBuffer(buf []byte, h routing.Handler, from types.PathID) bool {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	m.parsed = append(m.parsed, cp)
	return true
}

func newTestPath(t *testing.T, m *mockRouter, hops int) *Path {
	t.Helper()
	routers := make([]*rc.RouterContact, hops)
	for i := range routers {
		routers[i] = makeRC(t)
	}
	set := NewPathSet(1)
	p := NewPath(m, routers, set, RoleAny)
	for i := range p.Hops {
		types.Randomize(p.Hops[i].Shared[:])
		types.Randomize(p.Hops[i].NonceXOR[:])
	}
	return p
}

func TestPathIDChain(t *testing.T) {
	m := newMockRouter(makeRC(t).RouterID())
	p := newTestPath(t, m, 4)
	for i := 0; i+1 < len(p.Hops); i++ {
		assert.Equal(t, p.Hops[i].TxID, p.Hops[i+1].RxID, "hop %d", i)
	}
	assert.Equal(t, p.Hops[len(p.Hops)-1].TxID, p.IntroID())
	assert.Equal(t, StatusBuilding, p.Status())
}

// transitHopsFor mirrors a client path's hop list into the transit hop
// records the relays would install after a commit.
func transitHopsFor(p *Path, owner types.RouterID, m *mockRouter) []*TransitHop {
	hops := make([]*TransitHop, len(p.Hops))
	for i := range p.Hops {
		down := owner
		if i > 0 {
			down = p.Hops[i-1].RC.RouterID()
		}
		up := p.Hops[i].RC.RouterID()
		if i+1 < len(p.Hops) {
			up = p.Hops[i+1].RC.RouterID()
		}
		hops[i] = &TransitHop{
			Info: TransitHopInfo{
				TxID:       p.Hops[i].TxID,
				RxID:       p.Hops[i].RxID,
				Upstream:   up,
				Downstream: down,
			},
			PathKey:  p.Hops[i].Shared,
			NonceXOR: p.Hops[i].NonceXOR,
			Lifetime: p.Hops[i].Lifetime,
			r:        m,
		}
	}
	return hops
}

func TestOnionUpstreamRoundTrip(t *testing.T) {
	owner := makeRC(t).RouterID()
	clientRouter := newMockRouter(owner)
	p := newTestPath(t, clientRouter, 3)

	plain := make([]byte, types.MessagePadSize)
	types.Randomize(plain)
	buf := make([]byte, len(plain))
	copy(buf, plain)
	y := types.RandomTunnelNonce()

	require.True(t, p.HandleUpstream(buf, y, clientRouter))
	require.Len(t, clientRouter.sent, 1)
	first := clientRouter.sent[0]
	assert.Equal(t, p.Upstream(), first.remote)
	up := first.msg.(*link.RelayUpstreamMessage)
	assert.Equal(t, p.TXID(), up.PathID)
	assert.Equal(t, y, up.Y)
	assert.NotEqual(t, plain, up.X)

	// walk the frame hop by hop; the endpoint must recover the exact
	// plaintext
	transits := transitHopsFor(p, owner, nil)
	x, nonce := up.X, up.Y
	for i, hop := range transits {
		// each hop runs on its own router; the last hop's upstream is
		// itself, which is what makes it the endpoint
		hopRouter := newMockRouter(p.Hops[i].RC.RouterID())
		hop.r = hopRouter
		require.True(t, hop.HandleUpstream(x, nonce, hopRouter), "hop %d", i)
		if i+1 == len(transits) {
			require.Len(t, hopRouter.parsed, 1)
			assert.Equal(t, plain, hopRouter.parsed[0])
		} else {
			require.Len(t, hopRouter.sent, 1)
			fwd := hopRouter.sent[0].msg.(*link.RelayUpstreamMessage)
			assert.Equal(t, hop.Info.Upstream, hopRouter.sent[0].remote)
			x, nonce = fwd.X, fwd.Y
		}
	}
}

func TestOnionDownstreamRoundTrip(t *testing.T) {
	owner := makeRC(t).RouterID()
	clientRouter := newMockRouter(owner)
	p := newTestPath(t, clientRouter, 3)

	plain := make([]byte, types.MessagePadSize)
	types.Randomize(plain)
	buf := make([]byte, len(plain))
	copy(buf, plain)
	y := types.RandomTunnelNonce()

	transits := transitHopsFor(p, owner, nil)
	// the endpoint pushes the frame back down the chain
	x, nonce := buf, y
	for i := len(transits) - 1; i >= 0; i-- {
		hopRouter := newMockRouter(p.Hops[i].RC.RouterID())
		transits[i].r = hopRouter
		require.True(t, transits[i].HandleDownstream(x, nonce, hopRouter), "hop %d", i)
		require.Len(t, hopRouter.sent, 1)
		fwd := hopRouter.sent[0].msg.(*link.RelayDownstreamMessage)
		assert.Equal(t, transits[i].Info.Downstream, hopRouter.sent[0].remote)
		assert.Equal(t, transits[i].Info.RxID, fwd.PathID)
		x, nonce = fwd.X, fwd.Y
	}
	// the client peels everything at once
	require.True(t, p.HandleDownstream(x, nonce, clientRouter))
	require.Len(t, clientRouter.parsed, 1)
	assert.Equal(t, plain, clientRouter.parsed[0])
}

func TestSendRoutingMessagePads(t *testing.T) {
	m := newMockRouter(makeRC(t).RouterID())
	p := newTestPath(t, m, 2)
	probe := &routing.PathLatencyMessage{Sent: 1}
	require.True(t, p.SendRoutingMessage(probe, m))
	require.Len(t, m.sent, 1)
	up := m.sent[0].msg.(*link.RelayUpstreamMessage)
	assert.Equal(t, types.MessagePadSize, len(up.X))
}

func TestBuildTimeoutBoundary(t *testing.T) {
	m := newMockRouter(makeRC(t).RouterID())
	p := newTestPath(t, m, 2)
	start := p.BuildStarted

	// one millisecond before the deadline nothing happens
	m.now = start + uint64(BuildTimeout.Milliseconds()) - 1
	p.Tick(m.now, m)
	assert.Equal(t, StatusBuilding, p.Status())

	// exactly at the deadline the path times out
	m.now = start + uint64(BuildTimeout.Milliseconds())
	p.Tick(m.now, m)
	assert.Equal(t, StatusTimeout, p.Status())
	assert.True(t, p.Expired(m.now))
}

func TestAliveTimeout(t *testing.T) {
	m := newMockRouter(makeRC(t).RouterID())
	p := newTestPath(t, m, 2)
	p.EnterState(StatusEstablished, m.now)
	p.MarkActive(m.now)
	endpoint := p.Endpoint()

	m.now += uint64(AliveTimeout.Milliseconds()) + 1
	p.Tick(m.now, m)
	assert.Equal(t, StatusTimeout, p.Status())
	// profile took the failure
	assert.False(t, m.profiles.IsBad(endpoint))
	for i := 0; i < 10; i++ {
		m.profiles.MarkPathFail(endpoint)
	}
	assert.True(t, m.profiles.IsBad(endpoint))
}

func TestDeadCheckerCanVeto(t *testing.T) {
	m := newMockRouter(makeRC(t).RouterID())
	p := newTestPath(t, m, 2)
	p.EnterState(StatusEstablished, m.now)
	p.MarkActive(m.now)
	p.SetDeadChecker(func(*Path, uint64) bool { return false })

	m.now += uint64(AliveTimeout.Milliseconds()) + 1
	p.Tick(m.now, m)
	assert.Equal(t, StatusEstablished, p.Status())
}

func TestLatencyEstablishesPath(t *testing.T) {
	m := newMockRouter(makeRC(t).RouterID())
	p := newTestPath(t, m, 2)

	// path confirm fires the first latency probe
	require.NoError(t, p.HandlePathConfirm(routing.NewPathConfirm(600000, m.now)))
	require.NotEmpty(t, m.sent)
	assert.NotZero(t, p.lastLatencyTestID)

	// the wrong echo is rejected
	wrong := &routing.PathLatencyMessage{Echo: p.lastLatencyTestID + 1}
	assert.Error(t, p.HandlePathLatency(wrong))
	assert.Equal(t, StatusBuilding, p.Status())

	// the matching echo establishes
	m.now += 25
	echo := &routing.PathLatencyMessage{Echo: p.lastLatencyTestID}
	require.NoError(t, p.HandlePathLatency(echo))
	assert.Equal(t, StatusEstablished, p.Status())
	assert.True(t, p.IsReady())
	assert.Equal(t, uint64(25), p.Latency())
}

func TestUnsolicitedExitMessagesRejected(t *testing.T) {
	m := newMockRouter(makeRC(t).RouterID())
	p := newTestPath(t, m, 2)
	assert.Error(t, p.HandleObtainExit(&routing.ObtainExitMessage{}))
	assert.Error(t, p.HandleUpdateExit(&routing.UpdateExitMessage{}))
	assert.Error(t, p.HandleGrantExit(&routing.GrantExitMessage{}))
	assert.Error(t, p.HandleRejectExit(&routing.RejectExitMessage{}))
}

func TestGrantExitSignatureChecked(t *testing.T) {
	m := newMockRouter(makeRC(t).RouterID())

	endpointSigner := crypto.IdentityKeygen()
	endpointRC := &rc.RouterContact{NetID: types.DefaultNetID}
	require.NoError(t, endpointRC.Sign(endpointSigner))

	routers := []*rc.RouterContact{makeRC(t), endpointRC}
	p := NewPath(m, routers, NewPathSet(1), RoleAny)
	for i := range p.Hops {
		types.Randomize(p.Hops[i].Shared[:])
		types.Randomize(p.Hops[i].NonceXOR[:])
	}
	obtain := &routing.ObtainExitMessage{TX: 5}
	require.NoError(t, obtain.Sign(crypto.IdentityKeygen()))
	require.True(t, p.SendExitRequest(obtain, m))

	// grant signed by someone who is not the endpoint fails
	forged := routing.NewGrantExit(5)
	require.NoError(t, forged.Sign(crypto.IdentityKeygen()))
	assert.Error(t, p.HandleGrantExit(forged))
	assert.False(t, p.SupportsAnyRoles(RoleExit))

	// grant signed by the endpoint is accepted
	grant := routing.NewGrantExit(5)
	require.NoError(t, grant.Sign(endpointSigner))
	require.NoError(t, p.HandleGrantExit(grant))
	assert.True(t, p.SupportsAnyRoles(RoleExit))
}

func TestContextOwnPathIndices(t *testing.T) {
	m := newMockRouter(makeRC(t).RouterID())
	ctx := m.Paths()
	set := NewPathSet(2)
	p := newTestPath(t, m, 2)
	ctx.AddOwnPath(set, p)

	assert.Equal(t, set, ctx.GetLocalPathSet(p.TXID()))
	assert.Equal(t, set, ctx.GetLocalPathSet(p.RXID()))
	assert.Equal(t, routing.Handler(p), ctx.GetHandler(p.RXID()))

	got := ctx.GetByUpstream(p.Upstream(), p.RXID())
	assert.Equal(t, HopHandler(p), got)

	ctx.RemovePathSet(set)
	assert.Nil(t, ctx.GetLocalPathSet(p.TXID()))
	assert.Nil(t, ctx.GetLocalPathSet(p.RXID()))
}

func TestContextTransitIndices(t *testing.T) {
	us := makeRC(t).RouterID()
	m := newMockRouter(us)
	ctx := m.Paths()

	hop := &TransitHop{
		Info: TransitHopInfo{
			TxID:       types.RandomPathID(),
			RxID:       types.RandomPathID(),
			Upstream:   makeRC(t).RouterID(),
			Downstream: makeRC(t).RouterID(),
		},
		Lifetime: 1000,
		Started:  m.now,
		r:        m,
	}
	ctx.PutTransitHop(hop)
	assert.True(t, ctx.HasTransitHop(hop.Info))

	// both ids resolve to the same hop
	assert.Equal(t, HopHandler(hop), ctx.GetByDownstream(hop.Info.Downstream, hop.Info.TxID))
	assert.Equal(t, HopHandler(hop), ctx.GetByDownstream(hop.Info.Downstream, hop.Info.RxID))
	assert.Equal(t, HopHandler(hop), ctx.GetByUpstream(hop.Info.Upstream, hop.Info.TxID))
	assert.True(t, ctx.TransitHopPreviousIsRouter(hop.Info.TxID, hop.Info.Downstream))

	// expiry removes both entries
	ctx.ExpirePaths(hop.ExpireTime())
	assert.Nil(t, ctx.GetByDownstream(hop.Info.Downstream, hop.Info.TxID))
	assert.Nil(t, ctx.GetByDownstream(hop.Info.Downstream, hop.Info.RxID))
	assert.False(t, ctx.HasTransitHop(hop.Info))
}

func TestGetPathForTransfer(t *testing.T) {
	us := makeRC(t).RouterID()
	m := newMockRouter(us)
	ctx := m.Paths()

	// a hop we terminate
	endpointHop := &TransitHop{
		Info: TransitHopInfo{
			TxID:       types.RandomPathID(),
			RxID:       types.RandomPathID(),
			Upstream:   us,
			Downstream: makeRC(t).RouterID(),
		},
		Lifetime: 60000,
		r:        m,
	}
	// a hop we merely relay
	relayHop := &TransitHop{
		Info: TransitHopInfo{
			TxID:       types.RandomPathID(),
			RxID:       types.RandomPathID(),
			Upstream:   makeRC(t).RouterID(),
			Downstream: makeRC(t).RouterID(),
		},
		Lifetime: 60000,
		r:        m,
	}
	ctx.PutTransitHop(endpointHop)
	ctx.PutTransitHop(relayHop)

	assert.Equal(t, HopHandler(endpointHop), ctx.GetPathForTransfer(endpointHop.Info.TxID))
	assert.Nil(t, ctx.GetPathForTransfer(relayHop.Info.TxID))
	assert.Equal(t, routing.Handler(endpointHop), ctx.GetHandler(endpointHop.Info.RxID))
}

func TestTransitLatencyEcho(t *testing.T) {
	us := makeRC(t).RouterID()
	m := newMockRouter(us)
	hop := &TransitHop{
		Info: TransitHopInfo{
			TxID:       types.RandomPathID(),
			RxID:       types.RandomPathID(),
			Upstream:   us,
			Downstream: makeRC(t).RouterID(),
		},
		Lifetime: 60000,
		r:        m,
	}
	types.Randomize(hop.PathKey[:])
	types.Randomize(hop.NonceXOR[:])

	require.NoError(t, hop.HandlePathLatency(&routing.PathLatencyMessage{Sent: 4242}))
	require.Len(t, m.sent, 1)
	down := m.sent[0].msg.(*link.RelayDownstreamMessage)
	assert.Equal(t, hop.Info.Downstream, m.sent[0].remote)
	assert.Equal(t, hop.Info.RxID, down.PathID)

	// undo the one layer the hop added and check the echo
	x := append([]byte(nil), down.X...)
	require.NoError(t, crypto.XChaCha20(x, hop.PathKey, types.MutateNonce(down.Y, hop.NonceXOR)))
	parser := routing.NewInboundMessageParser()
	h := &echoCollector{}
	require.NoError(t, parser.ParseMessageBuffer(x, h, hop.Info.RxID))
	assert.Equal(t, uint64(4242), h.echo)
}

type echoCollector struct {
	routingNop
	echo uint64
}

func (e *echoCollector) HandlePathLatency(m *routing.PathLatencyMessage) error {
	e.echo = m.Echo
	return nil
}

// routingNop accepts everything; tests override what they care about.
type routingNop struct{}

func (routingNop) HandlePathConfirm(*routing.PathConfirmMessage) error           { return nil }
func (routingNop) HandlePathLatency(*routing.PathLatencyMessage) error           { return nil }
func (routingNop) HandleDataDiscard(*routing.DataDiscardMessage) error           { return nil }
func (routingNop) HandlePathTransfer(*routing.PathTransferMessage) error         { return nil }
func (routingNop) HandleObtainExit(*routing.ObtainExitMessage) error             { return nil }
func (routingNop) HandleGrantExit(*routing.GrantExitMessage) error               { return nil }
func (routingNop) HandleRejectExit(*routing.RejectExitMessage) error             { return nil }
func (routingNop) HandleUpdateExit(*routing.UpdateExitMessage) error             { return nil }
func (routingNop) HandleUpdateExitVerify(*routing.UpdateExitVerifyMessage) error { return nil }
func (routingNop) HandleCloseExit(*routing.CloseExitMessage) error               { return nil }
func (routingNop) HandleTransferTraffic(*routing.TransferTrafficMessage) error   { return nil }
func (routingNop) HandleDHT(*routing.DHTMessage) error                           { return nil }
