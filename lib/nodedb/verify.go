package nodedb

import (
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/worker"
)

// VerifyJob carries an RC through the three-stage verify pipeline. The
// hook always runs on the logic queue with Valid set.
type VerifyJob struct {
	RC    *rc.RouterContact
	Valid bool
	Hook  func(*VerifyJob)
}

// AsyncVerify runs signature verification on the crypto pool, then, for
// a valid public RC, persistence on the disk queue, then the caller hook
// on logic. Heavy verifies never stall the event loop and disk writes
// never stall the crypto workers.
func (db *NodeDB) AsyncVerify(job *VerifyJob, cryptoPool, disk *worker.Pool, logic *worker.Logic) {
	finish := func() {
		if job.Hook != nil {
			logic.Queue(func() { job.Hook(job) })
		}
	}
	cryptoPool.Queue(func() {
		job.Valid = job.RC.Verify(db.netID, db.now()) == nil
		if !job.Valid {
			log.WithField("router", job.RC.RouterID()).Warn("rc is not valid, can't save to disk")
			finish()
			return
		}
		if !job.RC.IsPublicRouter() {
			finish()
			return
		}
		disk.Queue(func() {
			if err := db.Insert(job.RC); err != nil {
				// in-memory entry is already live; disk state catches up later
				log.WithError(err).Warn("rc verified but not persisted")
			}
			finish()
		})
	})
}
