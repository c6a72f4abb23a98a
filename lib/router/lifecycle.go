package router

import (
	"math/rand"
	"os"
	"time"

	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/crypto"
	"github.com/go-lokinet/go-lokinet/lib/dht"
	"github.com/go-lokinet/go-lokinet/lib/link"
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/routing"
	"github.com/go-lokinet/go-lokinet/lib/types"
	ltime "github.com/go-lokinet/go-lokinet/lib/util/time"
)

const tickInterval = time.Second

// stopPhaseDelay spaces the two shutdown phases so in-flight
// completions unwind on the logic queue first.
const stopPhaseDelay = 200 * time.Millisecond

// Run brings the router up: keys, own RC, nodedb, DHT, links, ticker.
func (r *Router) Run() error {
	if r.running.Load() || r.stopping.Load() {
		return oops.Errorf("router already running")
	}
	if err := os.MkdirAll(r.cfg.DataDir, 0o700); err != nil {
		return oops.Wrapf(err, "create data dir")
	}
	if err := r.nodedb.EnsureDir(); err != nil {
		return err
	}
	if r.cfg.NTPHost != "" {
		ltime.SyncClock(r.cfg.NTPHost)
	}
	if err := r.EnsureIdentity(); err != nil {
		return err
	}
	if !r.IsServiceNode() {
		// clients regenerate keys every run and never persist them
		r.identity = crypto.IdentityKeygen()
		r.encryption = crypto.EncryptionKeygen()
	}
	if err := r.buildOurRC(); err != nil {
		return err
	}
	if loaded, err := r.nodedb.LoadDir(); err == nil {
		log.WithField("routers", loaded).Info("nodedb loaded")
	}
	if err := r.profiles.Load(r.profilesFile); err != nil {
		log.WithError(err).Warn("failed to load router profiles")
	}
	r.loadBootstrapRCs()

	r.dhtCtx = dht.NewContext(dht.Env{
		OurKey: r.OurKey(),
		NetID:  r.cfg.NetID,
		NodeDB: r.nodedb,
		Logic:  r.logic,
		OurRC:  r.OurRC,
		Now:    r.Now,
		SendTo: func(peer types.RouterID, msg dht.Message) {
			imm := &link.DHTImmediateMessage{Msgs: []dht.Message{msg}}
			r.SendToOrQueue(peer, imm)
			// a lookup peer is kept warm long enough to answer
			r.PersistSessionUntil(peer, r.Now()+10000)
		},
		SendToPath:    r.sendDHTReplyToPath,
		HasLocalPath:  r.hasLocalOrTransitPath,
		ExploreResult: r.handleExploreResult,
	})

	if r.IsServiceNode() {
		log.Info("accepting transit traffic")
		r.paths.AllowTransit()
		r.dhtCtx.AllowTransit()
	}
	if r.link == nil {
		return oops.Errorf("no link layer configured")
	}
	if err := r.link.Start(); err != nil {
		return oops.Wrapf(err, "start outbound link")
	}
	for _, l := range r.inboundLinks {
		if err := l.Start(); err != nil {
			log.WithError(err).WithField("link", l.Name()).Warn("inbound link failed to start")
		}
	}
	r.logic.Queue(func() {
		r.dhtCtx.Start(r.cfg.DHT.ExploreInterval)
		r.scheduleTicker(tickInterval)
	})
	r.running.Store(true)
	return nil
}

func (r *Router) sendDHTReplyToPath(id types.PathID, msgs []dht.Message) bool {
	h := r.paths.GetByUpstream(r.OurKey(), id)
	if h == nil {
		return false
	}
	return h.SendRoutingMessage(&routing.DHTMessage{Msgs: msgs}, r)
}

func (r *Router) hasLocalOrTransitPath(id types.PathID) bool {
	return r.paths.GetByUpstream(r.OurKey(), id) != nil
}

// buildOurRC fills and signs our descriptor and persists it.
func (r *Router) buildOurRC() error {
	r.ourRC = rc.RouterContact{
		NetID:    r.cfg.NetID,
		Nickname: r.cfg.Nickname,
		EncKey:   crypto.SecKeyToPublic(r.encryption),
	}
	if r.IsServiceNode() && r.cfg.PublicIP != "" {
		r.ourRC.Addrs = []rc.AddressInfo{{
			Dialect: "utp",
			EncKey:  crypto.SecKeyToPublic(r.encryption),
			IP:      r.cfg.PublicIP,
			Port:    r.cfg.PublicPort,
		}}
	}
	if err := r.ourRC.Sign(r.identity); err != nil {
		return oops.Wrapf(err, "sign rc")
	}
	return r.SaveRC()
}

// SaveRC writes our RC after a sanity verify.
func (r *Router) SaveRC() error {
	if err := r.ourRC.Verify(r.cfg.NetID, r.Now()); err != nil {
		return oops.Wrapf(err, "own rc is invalid, not saving")
	}
	return r.ourRC.Write(r.ourRCFile)
}

// UpdateOurRC re-signs our descriptor, rotating the onion key when
// asked, and persists it off the logic queue.
func (r *Router) UpdateOurRC(rotateKeys bool) bool {
	log.Info("regenerating rc")
	next := r.ourRC
	var nextOnionKey types.SecretKey
	if rotateKeys {
		nextOnionKey = crypto.EncryptionKeygen()
		next.EncKey = crypto.SecKeyToPublic(nextOnionKey)
	}
	if err := next.Sign(r.identity); err != nil {
		log.WithError(err).Error("failed to sign rc")
		return false
	}
	r.ourRC = next
	if rotateKeys {
		r.encryption = nextOnionKey
	}
	cp := next
	r.disk.Queue(func() {
		if err := cp.Write(r.ourRCFile); err != nil {
			log.WithError(err).Error("failed to save rc")
		}
	})
	return true
}

func (r *Router) loadBootstrapRCs() {
	for _, path := range r.cfg.Bootstrap.RCFiles {
		contact, err := rc.Read(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("failed to read bootstrap rc")
			continue
		}
		if err := contact.Verify(r.cfg.NetID, r.Now()); err != nil {
			log.WithError(err).WithField("path", path).Warn("invalid bootstrap rc")
			continue
		}
		r.bootstrapRCList = append(r.bootstrapRCList, contact)
	}
	log.WithField("count", len(r.bootstrapRCList)).Debug("bootstrap rc list loaded")
}

func (r *Router) scheduleTicker(d time.Duration) {
	r.ticker = r.logic.CallLater(d, func() {
		if r.stopping.Load() {
			return
		}
		r.Tick()
		r.scheduleTicker(d)
	})
}

// Tick runs once a second on the logic queue and drives every recurring
// policy.
func (r *Router) Tick() {
	now := r.Now()

	if r.ourRC.ExpiresSoon(now, uint64(rand.Intn(10000))) {
		if !r.UpdateOurRC(r.IsServiceNode()) {
			log.Error("failed to update our rc")
		}
	}

	if r.IsServiceNode() {
		// refresh other relays' RCs before they lapse; clients let their
		// endpoints handle this
		var refresh []types.RouterID
		r.nodedb.Visit(func(contact *rc.RouterContact) bool {
			if contact.ExpiresSoon(now, uint64(rand.Intn(10000))) {
				refresh = append(refresh, contact.RouterID())
			}
			return true
		})
		for _, id := range refresh {
			if !r.dhtCtx.HasRouterLookup(id) {
				target := id
				r.dhtCtx.LookupRouter(target, func(results []*rc.RouterContact) {
					for _, found := range results {
						if found.Verify(r.cfg.NetID, r.Now()) == nil {
							r.nodedb.Insert(found)
						}
					}
				})
			}
		}
	}

	r.paths.TickPaths(now)
	r.paths.ExpirePaths(now)

	for remote, deadline := range r.persistingSessions {
		if now < deadline {
			if l := r.linkWithSessionTo(remote); l != nil {
				log.WithField("router", remote).Debug("keepalive")
				l.KeepAliveSessionTo(remote)
			} else {
				log.WithField("router", remote).Debug("establish to persisted peer")
				r.TryEstablishTo(remote)
			}
		} else {
			log.WithField("router", remote).Info("session commit expired")
			delete(r.persistingSessions, remote)
		}
	}

	if n := r.nodedb.NumLoaded(); n < r.cfg.MinRequiredRouters {
		log.WithField("have", n).WithField("need", r.cfg.MinRequiredRouters).Info("need more service nodes to build paths")
		if len(r.bootstrapRCList) == 0 {
			log.Error("no bootstrap nodes specified")
		}
		for _, contact := range r.bootstrapRCList {
			r.tryConnect(contact, 4)
			r.dhtCtx.ExploreNetworkVia(contact.RouterID())
		}
	}

	if !r.IsServiceNode() {
		r.paths.BuildPaths(now)
	}
	if r.NumberOfConnectedRouters() < r.cfg.MinConnectedRouters {
		r.ConnectToRandomRouters(r.cfg.MinConnectedRouters)
	}
}

// Stop begins the two-phase shutdown: stop policies now, close links
// 200ms later, release the loop 200ms after that.
func (r *Router) Stop() {
	if !r.running.Load() || r.stopping.Load() {
		return
	}
	r.stopping.Store(true)
	log.Info("stopping router")
	r.logic.Queue(func() {
		r.ticker.Stop()
		r.dhtCtx.Stop()
		r.paths.StopBuilders()
		snapshot := r.profilesFile
		r.disk.Queue(func() {
			if err := r.profiles.Save(snapshot); err != nil {
				log.WithError(err).Warn("failed to save router profiles")
			}
		})
		r.logic.CallLater(stopPhaseDelay, func() {
			r.StopLinks()
			r.logic.CallLater(stopPhaseDelay, r.closeLoop)
		})
	})
}

// StopLinks closes every link session.
func (r *Router) StopLinks() {
	log.Info("stopping links")
	if r.link != nil {
		r.link.Stop()
	}
	for _, l := range r.inboundLinks {
		l.Stop()
	}
}

func (r *Router) closeLoop() {
	log.Info("closing router")
	r.running.Store(false)
	close(r.done)
}

// Wait blocks until shutdown has finished its phases.
func (r *Router) Wait() {
	<-r.done
}

// Close joins the worker domains. Call after Wait, from outside the
// logic queue.
func (r *Router) Close() {
	r.logic.Stop()
	r.tp.Stop()
	r.disk.Stop()
}
