package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-lokinet/go-lokinet/lib/config"
	"github.com/go-lokinet/go-lokinet/lib/crypto"
	"github.com/go-lokinet/go-lokinet/lib/link"
	"github.com/go-lokinet/go-lokinet/lib/path"
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

func newTestRouter(t *testing.T, net *link.MemNet, serviceNode bool) *Router {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.ServiceNode = serviceNode
	if serviceNode {
		cfg.PublicIP = "10.0.0.1"
	}
	// keep test ticks from dialing the world
	cfg.MinConnectedRouters = 0
	cfg.MinRequiredRouters = 0
	cfg.DHT.ExploreInterval = time.Hour
	r, err := CreateRouter(cfg)
	require.NoError(t, err)
	r.SetLink(link.NewMemLink(net, r.OurRC, r))
	require.NoError(t, r.Run())
	t.Cleanup(func() {
		r.Stop()
		r.Wait()
		r.Close()
	})
	return r
}

// onLogic runs f on the router's logic queue and waits for it.
func onLogic(r *Router, f func()) {
	done := make(chan struct{})
	r.logic.Queue(func() {
		f()
		close(done)
	})
	<-done
}

func seed(t *testing.T, dst *Router, contacts ...*rc.RouterContact) {
	t.Helper()
	for _, contact := range contacts {
		require.NoError(t, dst.nodedb.Insert(contact))
	}
}

func hasSession(r *Router, id types.RouterID) bool {
	var ok bool
	onLogic(r, func() { ok = r.HasSessionTo(id) })
	return ok
}

func TestSessionEstablishAndVerify(t *testing.T) {
	net := link.NewMemNet()
	a := newTestRouter(t, net, false)
	b := newTestRouter(t, net, true)

	seed(t, a, b.OurRC())
	onLogic(a, func() { a.TryEstablishTo(b.OurKey()) })

	require.Eventually(t, func() bool {
		return hasSession(a, b.OurKey())
	}, 5*time.Second, 20*time.Millisecond)

	// the verified relay is tracked in the dht bucket too
	var inBucket bool
	onLogic(a, func() { inBucket = a.dhtCtx.Nodes().HasNode(b.OurKey()) })
	assert.True(t, inBucket)
}

func TestOutboundQueueBounded(t *testing.T) {
	net := link.NewMemNet()
	a := newTestRouter(t, net, false)

	// a reachable-looking RC for a router that is not on the fabric
	sk := crypto.IdentityKeygen()
	enc := crypto.EncryptionKeygen()
	ghost := &rc.RouterContact{
		NetID:  types.DefaultNetID,
		EncKey: crypto.SecKeyToPublic(enc),
		Addrs: []rc.AddressInfo{{
			Dialect: "utp",
			EncKey:  crypto.SecKeyToPublic(enc),
			IP:      "10.9.9.9",
			Port:    1090,
		}},
	}
	require.NoError(t, ghost.Sign(sk))
	seed(t, a, ghost)

	onLogic(a, func() {
		for i := 0; i < MaxPendingSendQueueSize+4; i++ {
			a.SendToOrQueue(ghost.RouterID(), &link.DiscardMessage{Pad: []byte{byte(i)}})
		}
	})

	var depth int
	onLogic(a, func() { depth = len(a.outboundMessageQueue[ghost.RouterID()]) })
	assert.Equal(t, MaxPendingSendQueueSize, depth)
}

func TestPersistSessionMaxCoalesced(t *testing.T) {
	net := link.NewMemNet()
	a := newTestRouter(t, net, false)
	id := types.RouterID{1, 2, 3}

	var got uint64
	onLogic(a, func() {
		a.PersistSessionUntil(id, 5000)
		a.PersistSessionUntil(id, 100)
		got = a.persistingSessions[id]
	})
	assert.Equal(t, uint64(5000), got)

	onLogic(a, func() {
		a.PersistSessionUntil(id, 9000)
		got = a.persistingSessions[id]
	})
	assert.Equal(t, uint64(9000), got)
}

func TestPathBuildEndToEnd(t *testing.T) {
	net := link.NewMemNet()
	a := newTestRouter(t, net, false)
	b := newTestRouter(t, net, true)
	c := newTestRouter(t, net, true)
	d := newTestRouter(t, net, true)

	svc := []*Router{b, c, d}
	// the client knows every relay; relays know each other
	seed(t, a, b.OurRC(), c.OurRC(), d.OurRC())
	for _, x := range svc {
		for _, y := range svc {
			if x != y {
				seed(t, x, y.OurRC())
			}
		}
	}
	// bring a session up so the builder has a first hop
	onLogic(a, func() {
		a.TryEstablishTo(b.OurKey())
		a.TryEstablishTo(c.OurKey())
	})
	require.Eventually(t, func() bool {
		return hasSession(a, b.OurKey()) && hasSession(a, c.OurKey())
	}, 5*time.Second, 20*time.Millisecond)

	var builder *path.Builder
	onLogic(a, func() { builder = path.NewBuilder(a, 1, 2) })

	require.Eventually(t, func() bool {
		return builder.NumInStatus(path.StatusEstablished) >= 1
	}, 30*time.Second, 50*time.Millisecond)

	p := builder.PickRandomEstablishedPath(path.RoleAny)
	require.NotNil(t, p)
	assert.True(t, p.IsReady())
	assert.Greater(t, p.Latency(), uint64(0))
	assert.Len(t, p.Hops, 2)
	// both path ids resolve to the builder's set
	onLogic(a, func() {
		assert.NotNil(t, a.paths.GetLocalPathSet(p.TXID()))
		assert.NotNil(t, a.paths.GetLocalPathSet(p.RXID()))
	})
}

func TestSendToOrQueueLooksUpViaDHT(t *testing.T) {
	net := link.NewMemNet()
	a := newTestRouter(t, net, false)
	b := newTestRouter(t, net, true)
	c := newTestRouter(t, net, true)

	// a knows b; only b knows c
	seed(t, a, b.OurRC())
	seed(t, b, c.OurRC())

	onLogic(a, func() { a.TryEstablishTo(b.OurKey()) })
	require.Eventually(t, func() bool {
		return hasSession(a, b.OurKey())
	}, 5*time.Second, 20*time.Millisecond)

	onLogic(a, func() {
		a.SendToOrQueue(c.OurKey(), &link.DiscardMessage{Pad: []byte("probe")})
	})

	// the lookup resolves c, the session comes up and the queue drains
	require.Eventually(t, func() bool {
		return hasSession(a, c.OurKey())
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		var depth int
		onLogic(a, func() { depth = len(a.outboundMessageQueue[c.OurKey()]) })
		return depth == 0
	}, 5*time.Second, 20*time.Millisecond)

	var inDB bool
	onLogic(a, func() { inDB = a.nodedb.Has(c.OurKey()) })
	assert.True(t, inDB)
}

func TestStopIsTwoPhase(t *testing.T) {
	net := link.NewMemNet()
	cfg := config.Default(t.TempDir())
	cfg.MinConnectedRouters = 0
	cfg.MinRequiredRouters = 0
	r, err := CreateRouter(cfg)
	require.NoError(t, err)
	r.SetLink(link.NewMemLink(net, r.OurRC, r))
	require.NoError(t, r.Run())

	start := time.Now()
	r.Stop()
	r.Wait()
	elapsed := time.Since(start)
	// two 200ms phases must pass before the loop frees
	assert.GreaterOrEqual(t, elapsed, 2*stopPhaseDelay)
	r.Close()

	// stopping again is harmless
	r.Stop()
}
