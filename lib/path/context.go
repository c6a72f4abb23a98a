package path

import (
	"sync"

	"github.com/go-lokinet/go-lokinet/lib/link"
	"github.com/go-lokinet/go-lokinet/lib/routing"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

// Context owns the two path id indices of this router: the sets owning
// locally built paths and the transit hops relayed for others. It is the
// dispatch point for every inbound relay frame.
type Context struct {
	r Router

	ourMu    sync.Mutex
	ourPaths map[types.PathID]*PathSet

	transitMu    sync.Mutex
	transitPaths map[types.PathID][]*TransitHop

	builders     []*Builder
	allowTransit bool
}

func NewContext(r Router) *Context {
	return &Context{
		r:            r,
		ourPaths:     make(map[types.PathID]*PathSet),
		transitPaths: make(map[types.PathID][]*TransitHop),
	}
}

// SetRouter wires the owning router in after construction.
func (c *Context) SetRouter(r Router) { c.r = r }

func (c *Context) AllowTransit() { c.allowTransit = true }

func (c *Context) RejectTransit() { c.allowTransit = false }

func (c *Context) AllowingTransit() bool { return c.allowTransit }

// HopIsUs reports whether k is our own identity key.
func (c *Context) HopIsUs(k types.RouterID) bool {
	return k == c.r.OurKey()
}

// AddOwnPath indexes a local path under both of its ids.
func (c *Context) AddOwnPath(set *PathSet, p *Path) {
	set.AddPath(p)
	c.ourMu.Lock()
	c.ourPaths[p.TXID()] = set
	c.ourPaths[p.RXID()] = set
	c.ourMu.Unlock()
}

// GetLocalPathSet returns the set owning a path id, if any.
func (c *Context) GetLocalPathSet(id types.PathID) *PathSet {
	c.ourMu.Lock()
	defer c.ourMu.Unlock()
	return c.ourPaths[id]
}

// HasTransitHop reports an exact duplicate of info.
func (c *Context) HasTransitHop(info TransitHopInfo) bool {
	c.transitMu.Lock()
	defer c.transitMu.Unlock()
	for _, hop := range c.transitPaths[info.TxID] {
		if hop.Info == info {
			return true
		}
	}
	return false
}

// PutTransitHop indexes a hop under both of its ids; both entries share
// the one hop.
func (c *Context) PutTransitHop(hop *TransitHop) {
	c.transitMu.Lock()
	c.transitPaths[hop.Info.TxID] = append(c.transitPaths[hop.Info.TxID], hop)
	c.transitPaths[hop.Info.RxID] = append(c.transitPaths[hop.Info.RxID], hop)
	c.transitMu.Unlock()
}

// GetByUpstream finds the handler for a frame arriving from remote, our
// own paths first, then transit hops whose upstream is remote.
func (c *Context) GetByUpstream(remote types.RouterID, id types.PathID) HopHandler {
	if set := c.GetLocalPathSet(id); set != nil {
		if p := set.GetByUpstream(remote, id); p != nil {
			return p
		}
	}
	c.transitMu.Lock()
	defer c.transitMu.Unlock()
	for _, hop := range c.transitPaths[id] {
		if hop.Info.Upstream == remote {
			return hop
		}
	}
	return nil
}

// GetByDownstream finds the transit hop for a frame arriving from its
// downstream neighbor.
func (c *Context) GetByDownstream(remote types.RouterID, id types.PathID) HopHandler {
	c.transitMu.Lock()
	defer c.transitMu.Unlock()
	for _, hop := range c.transitPaths[id] {
		if hop.Info.Downstream == remote {
			return hop
		}
	}
	return nil
}

// GetPathForTransfer returns the transit hop we terminate for id.
func (c *Context) GetPathForTransfer(id types.PathID) HopHandler {
	us := c.r.OurKey()
	c.transitMu.Lock()
	defer c.transitMu.Unlock()
	for _, hop := range c.transitPaths[id] {
		if hop.Info.Upstream == us {
			return hop
		}
	}
	return nil
}

// GetHandler is the central inbound dispatch: the routing message
// handler owning a path id, local or transit-endpoint.
func (c *Context) GetHandler(id types.PathID) routing.Handler {
	if set := c.GetLocalPathSet(id); set != nil {
		if p := set.GetPathByID(id); p != nil {
			return p
		}
	}
	us := c.r.OurKey()
	c.transitMu.Lock()
	defer c.transitMu.Unlock()
	for _, hop := range c.transitPaths[id] {
		if hop.Info.Upstream == us {
			return hop
		}
	}
	return nil
}

// HandleRelayUpstream dispatches a frame moving toward a path endpoint.
func (c *Context) HandleRelayUpstream(from types.RouterID, msg *link.RelayUpstreamMessage) bool {
	h := c.GetByDownstream(from, msg.PathID)
	if h == nil {
		log.WithField("from", from).WithField("pathid", msg.PathID).Warn("no hop for upstream relay")
		return false
	}
	return h.HandleUpstream(msg.X, msg.Y, c.r)
}

// HandleRelayDownstream dispatches a frame moving back toward a path
// owner.
func (c *Context) HandleRelayDownstream(from types.RouterID, msg *link.RelayDownstreamMessage) bool {
	h := c.GetByUpstream(from, msg.PathID)
	if h == nil {
		log.WithField("from", from).WithField("pathid", msg.PathID).Warn("no hop for downstream relay")
		return false
	}
	return h.HandleDownstream(msg.X, msg.Y, c.r)
}

// ForwardLRCM hands a commit message to the router's outbound queue;
// retransmission belongs to the link layer.
func (c *Context) ForwardLRCM(nextHop types.RouterID, msg *link.LRCommitMessage) bool {
	log.WithField("next", nextHop).Debug("forwarding LRCM")
	return c.r.SendToOrQueue(nextHop, msg)
}

// AddPathBuilder tracks a builder for tick-driven building.
func (c *Context) AddPathBuilder(b *Builder) {
	c.builders = append(c.builders, b)
}

// RemovePathBuilder detaches a builder and drops its path ids.
func (c *Context) RemovePathBuilder(b *Builder) {
	for i, other := range c.builders {
		if other == b {
			c.builders = append(c.builders[:i], c.builders[i+1:]...)
			break
		}
	}
	c.RemovePathSet(b.PathSet)
}

// RemovePathSet deregisters every path id owned by set.
func (c *Context) RemovePathSet(set *PathSet) {
	c.ourMu.Lock()
	defer c.ourMu.Unlock()
	for id, owner := range c.ourPaths {
		if owner == set {
			delete(c.ourPaths, id)
		}
	}
}

// ExpirePaths evicts expired transit hops from both indices and lets
// every builder reap its own sets.
func (c *Context) ExpirePaths(now uint64) {
	c.transitMu.Lock()
	for id, hops := range c.transitPaths {
		live := hops[:0]
		for _, hop := range hops {
			if !hop.Expired(now) {
				live = append(live, hop)
			}
		}
		if len(live) == 0 {
			delete(c.transitPaths, id)
		} else {
			c.transitPaths[id] = live
		}
	}
	c.transitMu.Unlock()

	for _, b := range c.builders {
		b.ExpirePaths(now)
	}
}

// TickPaths drives every builder's paths.
func (c *Context) TickPaths(now uint64) {
	for _, b := range c.builders {
		b.Tick(now, c.r)
	}
}

// StopBuilders halts all building; in-flight keygens drain and their
// results are discarded.
func (c *Context) StopBuilders() {
	for _, b := range c.builders {
		b.Stop()
	}
}

// BuildPaths lets every builder that wants more paths start one build.
func (c *Context) BuildPaths(now uint64) {
	for _, b := range c.builders {
		if b.ShouldBuildMore(now) {
			b.BuildOne(RoleAny)
		}
	}
}

// TransitHopPreviousIsRouter checks the downstream neighbor of a
// transit path.
func (c *Context) TransitHopPreviousIsRouter(id types.PathID, router types.RouterID) bool {
	c.transitMu.Lock()
	defer c.transitMu.Unlock()
	for _, hop := range c.transitPaths[id] {
		if hop.Info.Downstream == router {
			return true
		}
	}
	return false
}
