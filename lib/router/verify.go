package router

import (
	"github.com/go-lokinet/go-lokinet/lib/dht"
	"github.com/go-lokinet/go-lokinet/lib/link"
	"github.com/go-lokinet/go-lokinet/lib/nodedb"
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

// asyncVerifyRC pushes a freshly received RC through the nodedb verify
// pipeline. At most one verify per peer is in flight.
func (r *Router) asyncVerifyRC(contact *rc.RouterContact) {
	pk := contact.RouterID()
	if _, ok := r.pendingVerifyRC[pk]; ok {
		return
	}
	if contact.IsPublicRouter() && r.whitelistRouters {
		if _, ok := r.lokinetRouters[pk]; !ok {
			log.WithField("router", pk).Info("not a valid service node, rejecting")
			if r.link != nil {
				r.link.CloseSessionTo(pk)
			}
			return
		}
	}
	r.pendingVerifyRC[pk] = struct{}{}
	job := &nodedb.VerifyJob{RC: contact}
	if contact.IsPublicRouter() {
		job.Hook = r.onVerifyServerRC
	} else {
		job.Hook = r.onVerifyClientRC
	}
	r.nodedb.AsyncVerify(job, r.tp, r.disk, r.logic)
}

// onVerifyClientRC runs on logic after verifying a client's RC: clients
// never enter the session table, but their queued traffic flushes.
func (r *Router) onVerifyClientRC(job *nodedb.VerifyJob) {
	pk := job.RC.RouterID()
	delete(r.pendingEstablishJobs, pk)
	r.FlushOutboundFor(pk)
	delete(r.pendingVerifyRC, pk)
}

// onVerifyServerRC runs on logic after verifying a relay's RC and is
// the only writer of the session table.
func (r *Router) onVerifyServerRC(job *nodedb.VerifyJob) {
	pk := job.RC.RouterID()
	establishJob := r.pendingEstablishJobs[pk]
	if !job.Valid {
		if establishJob != nil {
			// was an outbound attempt
			establishJob.Failed()
			delete(r.pendingEstablishJobs, pk)
		}
		r.DiscardOutboundFor(pk)
		delete(r.pendingVerifyRC, pk)
		return
	}
	log.WithField("router", pk).Debug("rc verified and saved to nodedb")
	r.validRouters[pk] = job.RC
	r.dhtCtx.Nodes().PutNode(job.RC)
	r.profiles.MarkConnectSuccess(pk)
	if establishJob != nil {
		establishJob.Success()
		delete(r.pendingEstablishJobs, pk)
	} else {
		r.FlushOutboundFor(pk)
	}
	delete(r.pendingVerifyRC, pk)
}

// link.Events implementation; the transport calls these from its own
// goroutines, so everything is posted to logic.

func (r *Router) OnSessionEstablished(s link.Session) {
	contact := s.RemoteRC()
	r.logic.Queue(func() {
		log.WithField("router", contact.RouterID()).Info("session established")
		r.asyncVerifyRC(contact)
	})
}

func (r *Router) OnConnectTimeout(id types.RouterID) {
	r.logic.Queue(func() {
		if job, ok := r.pendingEstablishJobs[id]; ok {
			job.AttemptTimedout()
		}
	})
}

func (r *Router) OnSessionClosed(id types.RouterID) {
	r.logic.Queue(func() {
		r.dhtCtx.Nodes().DelNode(id)
		delete(r.validRouters, id)
		log.WithField("router", id).Info("session fully closed")
	})
}

func (r *Router) OnLinkMessage(s link.Session, buf []byte) {
	r.logic.Queue(func() {
		if r.stopping.Load() {
			return
		}
		r.linkParser.ProcessFrom(s, buf)
	})
}

// link.Handler implementation; the parser calls these on logic.

func (r *Router) HandleLinkIntro(from link.Session, msg *link.LinkIntroMessage) bool {
	contact := msg.RC
	r.asyncVerifyRC(&contact)
	return true
}

func (r *Router) HandleRelayUpstream(from types.RouterID, msg *link.RelayUpstreamMessage) bool {
	return r.paths.HandleRelayUpstream(from, msg)
}

func (r *Router) HandleRelayDownstream(from types.RouterID, msg *link.RelayDownstreamMessage) bool {
	return r.paths.HandleRelayDownstream(from, msg)
}

func (r *Router) HandleLRCommit(from types.RouterID, msg *link.LRCommitMessage) bool {
	return r.paths.HandleRelayCommit(from, msg)
}

func (r *Router) HandleDHTImmediate(from types.RouterID, msg *link.DHTImmediateMessage) bool {
	var replies []dht.Message
	ok := true
	for _, sub := range msg.Msgs {
		ok = r.dhtCtx.HandleMessage(from, sub, &replies) && ok
	}
	if len(replies) > 0 {
		r.SendToOrQueue(from, &link.DHTImmediateMessage{Msgs: replies})
	}
	return ok
}

func (r *Router) HandleDiscard(from types.RouterID, msg *link.DiscardMessage) bool {
	return true
}
