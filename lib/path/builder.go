package path

import (
	"sync/atomic"

	"github.com/go-lokinet/go-lokinet/lib/crypto"
	"github.com/go-lokinet/go-lokinet/lib/link"
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

// Builder is a PathSet that knows how to make more paths: hop
// selection, asynchronous per-hop key exchange and the LR Commit send.
type Builder struct {
	*PathSet

	r       Router
	numHops int

	keygens            atomic.Int32
	running            atomic.Bool
	lastBuild          uint64
	buildIntervalLimit uint64 // ms
}

func NewBuilder(r Router, numPaths, numHops int) *Builder {
	if numHops > MaxHops {
		numHops = MaxHops
	}
	b := &Builder{
		PathSet: NewPathSet(numPaths),
		r:       r,
		numHops: numHops,
	}
	b.running.Store(true)
	b.PathSet.onBuildTimeout = func(*Path) {
		// linear backoff
		b.buildIntervalLimit += 1000
	}
	r.Paths().AddPathBuilder(b)
	return b
}

// Stop prevents further builds; in-flight keygens drain.
func (b *Builder) Stop() {
	b.running.Store(false)
}

func (b *Builder) CanBuildPaths() bool {
	return b.running.Load()
}

// ShouldRemove reports a stopped builder with no keygens in flight.
func (b *Builder) ShouldRemove() bool {
	return !b.CanBuildPaths() && b.keygens.Load() == 0
}

// BuildCooldownHit enforces the linear-backoff build pacing.
func (b *Builder) BuildCooldownHit(now uint64) bool {
	return now < b.lastBuild || now-b.lastBuild < b.buildIntervalLimit
}

func (b *Builder) ShouldBuildMore(now uint64) bool {
	return b.PathSet.ShouldBuildMore(now) && !b.BuildCooldownHit(now)
}

// selectHop picks one hop: the first from our connected peers, the rest
// at random from the nodedb, skipping badly profiled routers.
func (b *Builder) selectHop(prev *rc.RouterContact, hop int) (*rc.RouterContact, bool) {
	r := b.r
	if hop == 0 {
		if r.NumberOfConnectedRouters() == 0 {
			return nil, false
		}
		contact, ok := r.GetRandomConnectedRouter()
		return contact, ok
	}
	for tries := 5; tries > 0; tries-- {
		contact, err := r.NodeDB().SelectRandomHop(prev, hop)
		if err != nil {
			return nil, false
		}
		if r.Profiles().IsBad(contact.RouterID()) {
			continue
		}
		return contact, true
	}
	return nil, false
}

// SelectHops assembles a full hop list.
func (b *Builder) SelectHops(roles Role) ([]*rc.RouterContact, bool) {
	hops := make([]*rc.RouterContact, b.numHops)
	for idx := 0; idx < b.numHops; idx++ {
		var prev *rc.RouterContact
		if idx > 0 {
			prev = hops[idx-1]
		}
		contact, ok := b.selectHop(prev, idx)
		if !ok {
			log.WithField("hop", idx).Warn("failed to select hop")
			return nil, false
		}
		hops[idx] = contact
	}
	return hops, true
}

// BuildOne selects hops and starts a build.
func (b *Builder) BuildOne(roles Role) {
	if hops, ok := b.SelectHops(roles); ok {
		b.Build(hops, roles)
	}
}

// ManualRebuild forces num builds right away.
func (b *Builder) ManualRebuild(num int, roles Role) {
	log.WithField("count", num).Debug("manual rebuild")
	for ; num > 0; num-- {
		b.BuildOne(roles)
	}
}

// Build starts the asynchronous key exchange for a fresh path over
// hops.
func (b *Builder) Build(hops []*rc.RouterContact, roles Role) {
	if !b.running.Load() {
		return
	}
	r := b.r
	b.lastBuild = r.Now()
	p := NewPath(r, hops, b.PathSet, roles)
	p.SetBuildResultHook(b.HandlePathBuilt)
	b.keygens.Add(1)
	kx := &pathKeyExchange{
		builder: b,
		path:    p,
	}
	for i := range kx.lrcm.Frames {
		kx.lrcm.Frames[i].Randomize()
	}
	r.CryptoWorker().Queue(kx.generateNextKey)
}

// pathKeyExchange walks the hop list on the crypto pool, one job per
// hop, building the commit frames; the finished message is posted back
// to logic.
type pathKeyExchange struct {
	builder *Builder
	path    *Path
	idx     int
	lrcm    link.LRCommitMessage
}

func (kx *pathKeyExchange) generateNextKey() {
	b := kx.builder
	r := b.r
	hop := &kx.path.Hops[kx.idx]

	hop.CommKey = crypto.EncryptionKeygen()
	hop.Nonce = types.RandomTunnelNonce()
	if err := crypto.DHClient(&hop.Shared, hop.RC.EncKey, hop.CommKey, hop.Nonce); err != nil {
		log.WithError(err).Error("failed to generate shared key for path build")
		b.keygens.Add(-1)
		return
	}
	hop.NonceXOR = crypto.Shorthash(hop.Shared[:])

	kx.idx++
	isFarthest := kx.idx == len(kx.path.Hops)
	if isFarthest {
		hop.Upstream = hop.RC.RouterID()
	} else {
		hop.Upstream = kx.path.Hops[kx.idx].RC.RouterID()
	}

	rec := &LRCommitRecord{
		TxID:        hop.TxID,
		RxID:        hop.RxID,
		TunnelNonce: hop.Nonce,
		NextHop:     hop.Upstream,
		Lifetime:    hop.Lifetime,
	}
	copy(rec.CommKey[:], hop.CommKey[32:])
	if err := sealRecord(&kx.lrcm.Frames[kx.idx-1], rec, hop.RC.EncKey); err != nil {
		log.WithError(err).Error("failed to seal lr commit record")
		b.keygens.Add(-1)
		return
	}

	if isFarthest {
		r.Logic().Queue(kx.done)
	} else {
		r.CryptoWorker().Queue(kx.generateNextKey)
	}
}

// done runs on logic: send the commit toward the first hop and start
// tracking the path.
func (kx *pathKeyExchange) done() {
	b := kx.builder
	r := b.r
	defer b.keygens.Add(-1)
	if !b.CanBuildPaths() {
		return
	}
	remote := kx.path.Upstream()
	if !r.SendToOrQueue(remote, &kx.lrcm) {
		log.WithField("remote", remote).Error("failed to send LRCM")
		return
	}
	r.PersistSessionUntil(remote, kx.path.ExpireTime())
	r.Paths().AddOwnPath(b.PathSet, kx.path)
}

// HandlePathBuilt resets the build cooldown after a success.
func (b *Builder) HandlePathBuilt(p *Path) {
	b.buildIntervalLimit = uint64(MinBuildInterval.Milliseconds())
	b.PathSet.HandlePathBuilt(p)
}
