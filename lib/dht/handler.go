package dht

import (
	"github.com/go-lokinet/go-lokinet/lib/types"

	"github.com/go-lokinet/go-lokinet/lib/rc"
)

// HandleMessage processes one DHT message that arrived directly over a
// link from peer. Replies, if any, are appended for the caller to send
// back the same way.
func (ctx *Context) HandleMessage(from types.RouterID, msg Message, replies *[]Message) bool {
	switch m := msg.(type) {
	case *FindRouterMessage:
		return ctx.handleFindRouter(from, m, replies)
	case *GotRouterMessage:
		return ctx.HandleGotRouter(from, m)
	default:
		return false
	}
}

func (ctx *Context) handleFindRouter(from types.RouterID, msg *FindRouterMessage, replies *[]Message) bool {
	if !ctx.allowTransit {
		log.WithField("from", from).Warn("got dht lookup when we are not allowing dht transit")
		return false
	}
	if ctx.hasPendingFrom(TXOwner{Node: from, TX: msg.TX}) {
		log.WithField("from", from).WithField("txid", msg.TX).Warn("duplicate find router")
		return false
	}
	if !ctx.limiter.Allow() {
		log.WithField("from", from).Warn("dht lookup rate limited")
		return false
	}
	if msg.Exploratory {
		return ctx.handleExploratoryLookup(from, msg.K, msg.TX, replies)
	}
	if found, ok := ctx.env.NodeDB.Get(msg.K); ok {
		*replies = append(*replies, &GotRouterMessage{TX: msg.TX, RCs: []*rc.RouterContact{found}})
		return true
	}
	ctx.lookupRouterRelayed(from, msg.TX, msg.K, !msg.Iterative, replies)
	return true
}

// HandleRelayedMessage processes a DHT message that arrived inside a
// path. Replies travel back down the same path id.
func (ctx *Context) HandleRelayedMessage(pathID types.PathID, msg Message, replies *[]Message) bool {
	switch m := msg.(type) {
	case *FindRouterMessage:
		return ctx.handleRelayedFindRouter(pathID, m, replies)
	case *GotRouterMessage:
		// a reply coming back down one of our own paths
		return ctx.HandleGotRouter(ctx.env.OurKey, m)
	default:
		return false
	}
}

func (ctx *Context) handleRelayedFindRouter(pathID types.PathID, msg *FindRouterMessage, replies *[]Message) bool {
	// lookup for us, reply immediately along the path that asked
	if msg.K == ctx.env.OurKey {
		if ctx.env.HasLocalPath(pathID) {
			*replies = append(*replies, &GotRouterMessage{
				TX:      msg.TX,
				RCs:     []*rc.RouterContact{ctx.env.OurRC()},
				Relayed: true,
			})
			return true
		}
		return false
	}
	if found, ok := ctx.env.NodeDB.Get(msg.K); ok {
		*replies = append(*replies, &GotRouterMessage{
			TX:      msg.TX,
			RCs:     []*rc.RouterContact{found},
			Relayed: true,
		})
		return true
	}
	if peer, ok := ctx.nodes.FindClosest(msg.K); ok {
		ctx.LookupRouterForPath(msg.K, msg.TX, pathID, peer)
	}
	return true
}

// lookupRouterRelayed serves a transit lookup on behalf of requester.
func (ctx *Context) lookupRouterRelayed(requester types.RouterID, txid uint64, target types.RouterID, recursive bool, replies *[]Message) {
	if target == ctx.env.OurKey {
		// we are the target, give them our RC
		*replies = append(*replies, &GotRouterMessage{TX: txid, RCs: []*rc.RouterContact{ctx.env.OurRC()}})
		return
	}
	exclude := map[types.RouterID]struct{}{
		requester:      {},
		ctx.env.OurKey: {},
	}
	next, ok := ctx.nodes.FindCloseExcluding(target, exclude)
	if !ok {
		// no closer peers to ask
		*replies = append(*replies, &GotRouterMessage{TX: txid})
		return
	}
	if next == target {
		if found, have := ctx.nodes.Get(next); have {
			*replies = append(*replies, &GotRouterMessage{TX: txid, RCs: []*rc.RouterContact{found}})
			return
		}
	}
	if recursive {
		// only recurse when the next peer is closer to the target than us
		if types.Less(types.Distance(next, target), types.Distance(ctx.env.OurKey, target)) {
			ctx.lookupRouterVia(target, next, TXOwner{Node: requester, TX: txid}, nil, types.PathID{})
			return
		}
		// we are closest; tell the requester it's not there so they go
		// iterative
		*replies = append(*replies, &GotRouterMessage{TX: txid})
		return
	}
	// iterative: hand back who is closer and let the originator hop
	*replies = append(*replies, &GotRouterMessage{TX: txid, Closer: []types.RouterID{next}})
}

// handleExploratoryLookup replies with the closest nodes we know, for
// peers learning the network.
func (ctx *Context) handleExploratoryLookup(from, target types.RouterID, txid uint64, replies *[]Message) bool {
	if ctx.nodes.Size() == 0 {
		log.Debug("cannot handle exploratory lookup, no dht peers")
		return false
	}
	want := 4
	if n := ctx.nodes.Size() - 1; n < want {
		want = n
	}
	if want <= 0 {
		return false
	}
	closer := ctx.nodes.GetManyNearExcluding(target, want, map[types.RouterID]struct{}{
		ctx.env.OurKey: {},
		from:           {},
	})
	*replies = append(*replies, &GotRouterMessage{TX: txid, Closer: closer, Relayed: false})
	return true
}

// HandleGotRouter delivers a reply to its pending transaction. Replies
// with no matching transaction are dropped.
func (ctx *Context) HandleGotRouter(from types.RouterID, msg *GotRouterMessage) bool {
	key := TXOwner{Node: from, TX: msg.TX}
	if msg.Relayed {
		key = TXOwner{Node: ctx.env.OurKey, TX: msg.TX}
	}
	tx, ok := ctx.pending[key]
	if !ok {
		log.WithField("from", from).WithField("txid", msg.TX).Warn("got router message with no pending lookup")
		return false
	}
	if tx.explore != nil {
		delete(ctx.pending, key)
		log.WithField("routers", len(msg.Closer)).Debug("got routers from exploration")
		tx.explore(msg.Closer)
		return true
	}
	// validate before handing anything to the caller; a bad RC is
	// dropped, never retried
	valid := msg.RCs[:0:0]
	for _, contact := range msg.RCs {
		if err := contact.Verify(ctx.env.NetID, ctx.env.Now()); err != nil {
			log.WithError(err).Warn("rc from lookup result is invalid")
			continue
		}
		valid = append(valid, contact)
	}
	ctx.complete(key, tx, valid)
	return true
}
