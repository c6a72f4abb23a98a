package dht

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/go-lokinet/go-lokinet/lib/nodedb"
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/types"
	"github.com/go-lokinet/go-lokinet/lib/worker"
)

// LookupTimeout bounds an outstanding transaction before the caller is
// informed of an empty result.
const LookupTimeout = 10 * time.Second

// DefaultExploreInterval paces the recurring neighbour exploration.
const DefaultExploreInterval = time.Minute

// transitLookupRate caps how many lookups per second we serve for other
// routers before dropping them.
const transitLookupRate = 32

// LookupHandler receives lookup results; the slice may be empty.
type LookupHandler func(results []*rc.RouterContact)

// ExploreHandler receives the router ids learned by an exploratory
// lookup.
type ExploreHandler func(found []types.RouterID)

// TXOwner names one side of a transaction: a peer and the transaction
// id used with it.
type TXOwner struct {
	Node types.RouterID
	TX   uint64
}

type pendingTX struct {
	whoasked  TXOwner
	target    types.RouterID
	started   uint64
	handler   LookupHandler
	explore   ExploreHandler
	replyPath types.PathID
}

// Env is everything the DHT needs from its router. All callbacks run on
// the logic queue.
type Env struct {
	OurKey types.RouterID
	NetID  string
	NodeDB *nodedb.NodeDB
	Logic  *worker.Logic
	OurRC  func() *rc.RouterContact
	Now    func() uint64
	// SendTo delivers a DHT message to a peer over a link (or queues it).
	SendTo func(peer types.RouterID, msg Message)
	// SendToPath sends DHT replies down one of our local paths.
	SendToPath func(id types.PathID, msgs []Message) bool
	// HasLocalPath reports whether a path id belongs to one of our paths.
	HasLocalPath func(id types.PathID) bool
	// ExploreResult is told about routers learned through exploration.
	ExploreResult ExploreHandler
}

// Context holds DHT state. Everything here is logic-thread-only.
type Context struct {
	env          Env
	nodes        *Bucket
	allowTransit bool
	limiter      *rate.Limiter
	ids          uint64
	pending      map[TXOwner]*pendingTX
	exploreTimer *worker.Timer
	cleanupTimer *worker.Timer
	stopped      bool
}

func NewContext(env Env) *Context {
	ctx := &Context{
		env:     env,
		nodes:   NewBucket(env.OurKey),
		limiter: rate.NewLimiter(rate.Limit(transitLookupRate), transitLookupRate),
		pending: make(map[TXOwner]*pendingTX),
	}
	var seed [8]byte
	types.Randomize(seed[:])
	for i, b := range seed {
		ctx.ids |= uint64(b) << (8 * i)
	}
	return ctx
}

func (ctx *Context) Nodes() *Bucket { return ctx.nodes }

func (ctx *Context) OurKey() types.RouterID { return ctx.env.OurKey }

func (ctx *Context) AllowTransit() { ctx.allowTransit = true }

func (ctx *Context) AllowingTransit() bool { return ctx.allowTransit }

func (ctx *Context) nextTX() uint64 {
	ctx.ids++
	return ctx.ids
}

// Start schedules the recurring explore and transaction cleanup timers.
func (ctx *Context) Start(exploreInterval time.Duration) {
	if exploreInterval <= 0 {
		exploreInterval = DefaultExploreInterval
	}
	var explore func()
	explore = func() {
		if ctx.stopped {
			return
		}
		ctx.Explore(1)
		ctx.exploreTimer = ctx.env.Logic.CallLater(exploreInterval, explore)
	}
	ctx.exploreTimer = ctx.env.Logic.CallLater(exploreInterval, explore)

	var cleanup func()
	cleanup = func() {
		if ctx.stopped {
			return
		}
		ctx.Expire(ctx.env.Now())
		ctx.cleanupTimer = ctx.env.Logic.CallLater(time.Second, cleanup)
	}
	ctx.cleanupTimer = ctx.env.Logic.CallLater(time.Second, cleanup)
}

// Stop cancels the timers; in-flight transactions are abandoned.
func (ctx *Context) Stop() {
	ctx.stopped = true
	ctx.exploreTimer.Stop()
	ctx.cleanupTimer.Stop()
}

// HasRouterLookup reports an outstanding lookup for target.
func (ctx *Context) HasRouterLookup(target types.RouterID) bool {
	for _, tx := range ctx.pending {
		if tx.target == target {
			return true
		}
	}
	return false
}

// hasPendingFrom reports a transaction already being served for this
// (originator, txid) pair; duplicates are dropped.
func (ctx *Context) hasPendingFrom(owner TXOwner) bool {
	for _, tx := range ctx.pending {
		if tx.whoasked == owner {
			return true
		}
	}
	return false
}

// LookupRouter resolves target by asking the closest known peer.
// handler always fires, possibly with no results.
func (ctx *Context) LookupRouter(target types.RouterID, handler LookupHandler) bool {
	peer, ok := ctx.nodes.FindClosest(target)
	if !ok {
		log.WithField("target", target).Warn("cannot lookup router, no dht peers")
		if handler != nil {
			handler(nil)
		}
		return false
	}
	ctx.lookupRouterVia(target, peer, TXOwner{Node: ctx.env.OurKey}, handler, types.PathID{})
	return true
}

func (ctx *Context) lookupRouterVia(target, askpeer types.RouterID, whoasked TXOwner, handler LookupHandler, replyPath types.PathID) {
	if target == askpeer {
		// asking a router for itself over a lookup makes no progress
		if handler != nil {
			handler(nil)
		}
		return
	}
	key := TXOwner{Node: askpeer, TX: ctx.nextTX()}
	ctx.pending[key] = &pendingTX{
		whoasked:  whoasked,
		target:    target,
		started:   ctx.env.Now(),
		handler:   handler,
		replyPath: replyPath,
	}
	ctx.env.SendTo(askpeer, NewFindRouter(target, key.TX))
}

// LookupRouterForPath relays a path-carried lookup to askpeer; the reply
// is sent back down the originating path under the original txid.
func (ctx *Context) LookupRouterForPath(target types.RouterID, txid uint64, path types.PathID, askpeer types.RouterID) {
	ctx.lookupRouterVia(target, askpeer, TXOwner{Node: ctx.env.OurKey, TX: txid}, nil, path)
}

// ExploreNetworkVia asks a peer for its neighbours.
func (ctx *Context) ExploreNetworkVia(askpeer types.RouterID) {
	key := TXOwner{Node: askpeer, TX: ctx.nextTX()}
	ctx.pending[key] = &pendingTX{
		whoasked: TXOwner{Node: ctx.env.OurKey},
		started:  ctx.env.Now(),
		explore:  ctx.env.ExploreResult,
	}
	ctx.env.SendTo(askpeer, NewExploreRouter(key.TX))
}

// Explore asks n random peers for new routers.
func (ctx *Context) Explore(n int) {
	peers := ctx.nodes.GetManyRandom(n)
	if peers == nil {
		log.Debug("failed to select random nodes for exploration")
		return
	}
	log.WithField("peers", len(peers)).Debug("exploring network")
	for _, peer := range peers {
		ctx.ExploreNetworkVia(peer)
	}
}

// Expire completes transactions older than LookupTimeout with an empty
// result.
func (ctx *Context) Expire(now uint64) {
	for key, tx := range ctx.pending {
		if now >= tx.started+uint64(LookupTimeout.Milliseconds()) {
			log.WithField("peer", key.Node).WithField("txid", key.TX).Debug("dht lookup timed out")
			ctx.complete(key, tx, nil)
		}
	}
}

func (ctx *Context) complete(key TXOwner, tx *pendingTX, results []*rc.RouterContact) {
	delete(ctx.pending, key)
	if tx.handler != nil {
		tx.handler(results)
		return
	}
	if !tx.replyPath.IsZero() {
		reply := &GotRouterMessage{TX: tx.whoasked.TX, RCs: results, Relayed: true}
		if !ctx.env.SendToPath(tx.replyPath, []Message{reply}) {
			log.WithField("pathid", tx.replyPath).Warn("no local path to send dht reply on")
		}
		return
	}
	if tx.whoasked.Node != ctx.env.OurKey && !tx.whoasked.Node.IsZero() {
		ctx.env.SendTo(tx.whoasked.Node, &GotRouterMessage{TX: tx.whoasked.TX, RCs: results})
	}
}
