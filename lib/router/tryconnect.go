package router

import (
	"github.com/go-lokinet/go-lokinet/lib/link"
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

// TryConnectJob is the at-most-one pending establish attempt to a peer,
// with a retry budget. It lives in pendingEstablishJobs and is erased on
// success, exhaustion or verify failure.
type TryConnectJob struct {
	rc        *rc.RouterContact
	link      link.LinkLayer
	router    *Router
	triesLeft int
}

func (j *TryConnectJob) Attempt() {
	j.triesLeft--
	if !j.link.TryEstablishTo(j.rc) {
		log.WithField("router", j.rc.RouterID()).WithField("addrs", len(j.rc.Addrs)).Error("did not attempt connection")
	}
}

func (j *TryConnectJob) ShouldRetry() bool {
	return j.triesLeft > 0
}

// Failed closes the half-made session after a verify failure.
func (j *TryConnectJob) Failed() {
	log.WithField("router", j.rc.RouterID()).Info("session closed")
	j.link.CloseSessionTo(j.rc.RouterID())
}

// Success flushes whatever queued up while we were connecting.
func (j *TryConnectJob) Success() {
	j.router.FlushOutboundFor(j.rc.RouterID())
}

// AttemptTimedout profiles the peer as slow and retries while budget
// remains; a client drops a peer profiling marks bad.
func (j *TryConnectJob) AttemptTimedout() {
	r := j.router
	id := j.rc.RouterID()
	r.profiles.MarkConnectTimeout(id)
	if j.ShouldRetry() {
		j.Attempt()
		return
	}
	if !r.IsServiceNode() && r.profiles.IsBad(id) {
		r.nodedb.Remove(id)
	}
	delete(r.pendingEstablishJobs, id)
}

// tryConnect starts an async establish attempt. A pending job for the
// same peer means no new one is made.
func (r *Router) tryConnect(remote *rc.RouterContact, tries int) bool {
	id := remote.RouterID()
	if _, ok := r.pendingEstablishJobs[id]; ok {
		log.WithField("router", id).Debug("already have pending connect job")
		return false
	}
	job := &TryConnectJob{
		rc:        remote,
		link:      r.link,
		router:    r,
		triesLeft: tries,
	}
	r.pendingEstablishJobs[id] = job
	r.logic.Queue(job.Attempt)
	return true
}

func (r *Router) HasPendingConnectJob(id types.RouterID) bool {
	_, ok := r.pendingEstablishJobs[id]
	return ok
}
