// Package router is the coordinator: it owns the nodedb, the DHT, the
// path context and the worker domains, keeps the session table and
// bounded outbound queues, and drives everything from a one second tick
// on the logic queue.
package router

import (
	"math/rand"
	"path/filepath"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/config"
	"github.com/go-lokinet/go-lokinet/lib/dht"
	"github.com/go-lokinet/go-lokinet/lib/link"
	"github.com/go-lokinet/go-lokinet/lib/nodedb"
	"github.com/go-lokinet/go-lokinet/lib/path"
	"github.com/go-lokinet/go-lokinet/lib/profiling"
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/routing"
	"github.com/go-lokinet/go-lokinet/lib/types"
	"github.com/go-lokinet/go-lokinet/lib/util/logger"
	ltime "github.com/go-lokinet/go-lokinet/lib/util/time"
	"github.com/go-lokinet/go-lokinet/lib/worker"
)

var log = logger.GetLogger()

// MaxPendingSendQueueSize bounds the per-peer outbound queue; the next
// message is dropped with a warning.
const MaxPendingSendQueueSize = 8

// numCryptoWorkers sizes the signature/frame worker pool.
const numCryptoWorkers = 4

// Router is the single coordinator. Unless noted otherwise its state is
// owned by the logic queue and touched from nowhere else.
type Router struct {
	cfg *config.RouterConfig

	logic *worker.Logic
	tp    *worker.Pool
	disk  *worker.Pool

	nodedb   *nodedb.NodeDB
	dhtCtx   *dht.Context
	paths    *path.Context
	profiles *profiling.Profiles

	identity   types.SecretKey
	encryption types.SecretKey
	ourRC      rc.RouterContact

	link          link.LinkLayer
	inboundLinks  []link.LinkLayer
	linkParser    *link.InboundMessageParser
	routingParser *routing.InboundMessageParser

	// session table; only touched after on_verify_server_rc confirms a
	// signature
	validRouters map[types.RouterID]*rc.RouterContact
	// bounded FIFO of bencoded link messages awaiting a session
	outboundMessageQueue map[types.RouterID][][]byte
	pendingEstablishJobs map[types.RouterID]*TryConnectJob
	pendingVerifyRC      map[types.RouterID]struct{}
	// deadline per peer, max-coalesced on write
	persistingSessions map[types.RouterID]uint64

	bootstrapRCList []*rc.RouterContact
	// strict connect: when non-empty only these peers are dialed
	strictConnectPubkeys map[types.RouterID]struct{}
	// service-node whitelist of allowed relays
	whitelistRouters bool
	lokinetRouters   map[types.RouterID]struct{}

	identKeyfile     string
	encKeyfile       string
	transportKeyfile string
	ourRCFile        string
	profilesFile     string

	ticker   *worker.Timer
	running  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
}

// CreateRouter assembles a router from config. No goroutine other than
// the worker domains is started until Run.
func CreateRouter(cfg *config.RouterConfig) (*Router, error) {
	if !cfg.Validate() {
		return nil, oops.Errorf("invalid router configuration")
	}
	r := &Router{
		cfg:                  cfg,
		logic:                worker.NewLogic(),
		tp:                   worker.NewPool(numCryptoWorkers, "crypto"),
		disk:                 worker.NewDisk(),
		validRouters:         make(map[types.RouterID]*rc.RouterContact),
		outboundMessageQueue: make(map[types.RouterID][][]byte),
		pendingEstablishJobs: make(map[types.RouterID]*TryConnectJob),
		pendingVerifyRC:      make(map[types.RouterID]struct{}),
		persistingSessions:   make(map[types.RouterID]uint64),
		strictConnectPubkeys: make(map[types.RouterID]struct{}),
		lokinetRouters:       make(map[types.RouterID]struct{}),
		identKeyfile:         filepath.Join(cfg.DataDir, "identity.key"),
		encKeyfile:           filepath.Join(cfg.DataDir, "encryption.key"),
		transportKeyfile:     filepath.Join(cfg.DataDir, "transport.key"),
		ourRCFile:            filepath.Join(cfg.DataDir, "self.signed"),
		profilesFile:         filepath.Join(cfg.DataDir, "profiles.dat"),
		done:                 make(chan struct{}),
	}
	r.profiles = profiling.New(r.Now)
	r.nodedb = nodedb.New(cfg.NodeDB.Dir, cfg.NetID, r.Now)
	r.paths = path.NewContext(r)
	r.routingParser = routing.NewInboundMessageParser()
	r.linkParser = link.NewInboundMessageParser(r)
	return r, nil
}

// SetLink installs the outbound link layer. Must happen before Run.
func (r *Router) SetLink(l link.LinkLayer) {
	r.link = l
}

// AddInboundLink registers an accepting link; having one makes us a
// service node.
func (r *Router) AddInboundLink(l link.LinkLayer) {
	r.inboundLinks = append(r.inboundLinks, l)
}

func (r *Router) Now() uint64 {
	return ltime.NowMilli()
}

func (r *Router) OurKey() types.RouterID {
	return r.ourRC.RouterID()
}

func (r *Router) OurRC() *rc.RouterContact {
	cp := r.ourRC
	return &cp
}

func (r *Router) EncryptionSecretKey() types.SecretKey { return r.encryption }
func (r *Router) IdentitySecretKey() types.SecretKey   { return r.identity }
func (r *Router) Logic() *worker.Logic                 { return r.logic }
func (r *Router) CryptoWorker() *worker.Pool           { return r.tp }
func (r *Router) DiskWorker() *worker.Pool             { return r.disk }
func (r *Router) NodeDB() *nodedb.NodeDB               { return r.nodedb }
func (r *Router) Profiles() *profiling.Profiles        { return r.profiles }
func (r *Router) DHT() *dht.Context                    { return r.dhtCtx }
func (r *Router) Paths() *path.Context                 { return r.paths }

func (r *Router) IsServiceNode() bool {
	return len(r.inboundLinks) > 0 || r.cfg.ServiceNode
}

func (r *Router) NumberOfConnectedRouters() int {
	return len(r.validRouters)
}

func (r *Router) HasSessionTo(remote types.RouterID) bool {
	_, ok := r.validRouters[remote]
	return ok
}

func (r *Router) GetRandomConnectedRouter() (*rc.RouterContact, bool) {
	if len(r.validRouters) == 0 {
		return nil, false
	}
	idx := rand.Intn(len(r.validRouters))
	for _, contact := range r.validRouters {
		if idx == 0 {
			return contact, true
		}
		idx--
	}
	return nil, false
}

// PersistSessionUntil keeps a session alive until at least the given
// deadline, max-coalescing with any existing one.
func (r *Router) PersistSessionUntil(remote types.RouterID, until uint64) {
	log.WithField("router", remote).WithField("until", until).Debug("persist session")
	if cur, ok := r.persistingSessions[remote]; !ok || until > cur {
		r.persistingSessions[remote] = until
	}
}

// ParseRoutingMessageBuffer parses and dispatches one recovered routing
// frame.
func (r *Router) ParseRoutingMessageBuffer(buf []byte, h routing.Handler, from types.PathID) bool {
	if err := r.routingParser.ParseMessageBuffer(buf, h, from); err != nil {
		log.WithError(err).Warn("failed to handle routing message")
		return false
	}
	return true
}

// ConnectionToRouterAllowed applies strict-connect and whitelist
// policy.
func (r *Router) ConnectionToRouterAllowed(router types.RouterID) bool {
	if len(r.strictConnectPubkeys) > 0 {
		_, ok := r.strictConnectPubkeys[router]
		return ok
	}
	if r.IsServiceNode() && r.whitelistRouters {
		_, ok := r.lokinetRouters[router]
		return ok
	}
	return true
}

// SendToOrQueue sends msg to remote over an open session, or queues it
// (bounded) and starts connecting: directly when the RC is known,
// through a DHT lookup otherwise.
func (r *Router) SendToOrQueue(remote types.RouterID, msg link.Message) bool {
	buf, err := link.Encode(msg)
	if err != nil {
		log.WithError(err).Warn("failed to encode outbound message")
		return false
	}
	if r.link != nil && r.link.HasSessionTo(remote) {
		if !r.link.SendTo(remote, buf) {
			log.WithField("router", remote).Warn("message dropped")
		}
		return true
	}
	for _, l := range r.inboundLinks {
		if l.HasSessionTo(remote) {
			if !l.SendTo(remote, buf) {
				log.WithField("router", remote).Warn("message dropped")
			}
			return true
		}
	}

	q := r.outboundMessageQueue[remote]
	if len(q) < MaxPendingSendQueueSize {
		r.outboundMessageQueue[remote] = append(q, buf)
	} else {
		log.WithField("router", remote).Warn("outbound queue full, dropping message")
	}

	if contact, ok := r.nodedb.Get(remote); ok {
		r.tryConnect(contact, r.connectTries())
		return true
	}
	r.dhtCtx.LookupRouter(remote, func(results []*rc.RouterContact) {
		r.handleDHTLookupForSendTo(remote, results)
	})
	return true
}

func (r *Router) connectTries() int {
	if r.cfg.ConnectTries > 0 {
		return r.cfg.ConnectTries
	}
	return 5
}

func (r *Router) handleDHTLookupForSendTo(remote types.RouterID, results []*rc.RouterContact) {
	if len(results) > 0 {
		if r.whitelistRouters {
			if _, ok := r.lokinetRouters[remote]; !ok {
				return
			}
		}
		if results[0].Verify(r.cfg.NetID, r.Now()) == nil {
			r.nodedb.Insert(results[0])
			r.tryConnect(results[0], r.connectTries())
			return
		}
	}
	r.DiscardOutboundFor(remote)
}

// FlushOutboundFor drains the queue for remote in FIFO order over its
// session.
func (r *Router) FlushOutboundFor(remote types.RouterID) {
	log.WithField("router", remote).Debug("flush outbound")
	defer delete(r.pendingEstablishJobs, remote)
	q, ok := r.outboundMessageQueue[remote]
	if !ok {
		return
	}
	l := r.linkWithSessionTo(remote)
	if l == nil {
		r.DiscardOutboundFor(remote)
		return
	}
	for _, buf := range q {
		if !l.SendTo(remote, buf) {
			log.WithField("router", remote).Warn("failed to send queued message")
		}
	}
	delete(r.outboundMessageQueue, remote)
}

func (r *Router) DiscardOutboundFor(remote types.RouterID) {
	delete(r.outboundMessageQueue, remote)
}

func (r *Router) linkWithSessionTo(remote types.RouterID) link.LinkLayer {
	if r.link != nil && r.link.HasSessionTo(remote) {
		return r.link
	}
	for _, l := range r.inboundLinks {
		if l.HasSessionTo(remote) {
			return l
		}
	}
	return nil
}

// TryEstablishTo connects to remote if policy and profiling allow,
// looking the RC up through the DHT when we don't have it.
func (r *Router) TryEstablishTo(remote types.RouterID) {
	if !r.ConnectionToRouterAllowed(remote) {
		log.WithField("router", remote).Warn("not connecting, not permitted by config")
		return
	}
	if contact, ok := r.nodedb.Get(remote); ok {
		r.tryConnect(contact, r.connectTries())
		return
	}
	if r.IsServiceNode() || !r.profiles.IsBad(remote) {
		if r.dhtCtx.HasRouterLookup(remote) {
			return
		}
		log.WithField("router", remote).Info("looking up router")
		r.dhtCtx.LookupRouter(remote, func(results []*rc.RouterContact) {
			r.handleDHTLookupForTryEstablishTo(remote, results)
		})
		return
	}
	log.WithField("router", remote).Warn("not connecting, unreliable peer")
}

func (r *Router) handleDHTLookupForTryEstablishTo(remote types.RouterID, results []*rc.RouterContact) {
	if len(results) == 0 {
		if !r.IsServiceNode() {
			r.profiles.MarkConnectTimeout(remote)
		}
		return
	}
	for _, contact := range results {
		if r.whitelistRouters {
			if _, ok := r.lokinetRouters[contact.RouterID()]; !ok {
				continue
			}
		}
		r.nodedb.Insert(contact)
		r.tryConnect(contact, r.connectTries())
	}
}

// handleExploreResult looks up every router id learned from an
// exploration and dials the ones we may talk to.
func (r *Router) handleExploreResult(found []types.RouterID) {
	for _, id := range found {
		if r.nodedb.Has(id) {
			continue
		}
		target := id
		r.dhtCtx.LookupRouter(target, func(results []*rc.RouterContact) {
			for _, contact := range results {
				if contact.Verify(r.cfg.NetID, r.Now()) != nil {
					return
				}
				r.nodedb.Insert(contact)
			}
			if len(results) > 0 && r.ConnectionToRouterAllowed(target) {
				r.TryEstablishTo(target)
			}
		})
	}
}

// ConnectToRandomRouters dials up to want random peers from the nodedb.
func (r *Router) ConnectToRandomRouters(want int) {
	now := r.Now()
	r.nodedb.Visit(func(other *rc.RouterContact) bool {
		if other.ExpiresSoon(now, 30000) {
			return want > 0
		}
		id := other.RouterID()
		if id == r.OurKey() || !r.ConnectionToRouterAllowed(id) {
			return want > 0
		}
		if rand.Intn(2) == 0 && !(r.HasSessionTo(id) || r.HasPendingConnectJob(id)) {
			// Visit holds the nodedb lock; dial after it is released
			contact := other
			r.logic.Queue(func() { r.tryConnect(contact, r.connectTries()) })
			want--
		}
		return want > 0
	})
}
