// Package worker provides the three execution domains of the router: the
// logic queue (a single goroutine that owns all protocol state), a
// crypto pool for signature and frame work, and a serial disk queue.
// Jobs never touch router state directly from a pool; they post a
// completion job back to the logic queue instead.
package worker

import (
	"sync"
	"time"

	"github.com/go-lokinet/go-lokinet/lib/util/logger"
)

var log = logger.GetLogger()

type Job func()

// Logic is the single-threaded event domain. Everything that mutates
// path, session or DHT state runs here.
type Logic struct {
	jobs    chan Job
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewLogic() *Logic {
	l := &Logic{
		jobs: make(chan Job, 1024),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Logic) run() {
	defer l.wg.Done()
	for j := range l.jobs {
		j()
	}
}

// Queue posts a job to the logic domain. Jobs posted after Stop are
// dropped and false is returned.
func (l *Logic) Queue(j Job) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return false
	}
	l.jobs <- j
	return true
}

// CallLater schedules a job on the logic domain after d. The returned
// Timer can be stopped; a stopped timer never runs its job.
func (l *Logic) CallLater(d time.Duration, j Job) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		cancelled := t.cancelled
		t.mu.Unlock()
		if cancelled {
			return
		}
		l.Queue(j)
	})
	return t
}

// Stop drains pending jobs and shuts the goroutine down. Timers that
// fire afterwards find the queue closed and are dropped.
func (l *Logic) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.jobs)
	l.mu.Unlock()
	l.wg.Wait()
}

// Timer is a cancellable deferred job.
type Timer struct {
	timer     *time.Timer
	mu        sync.Mutex
	cancelled bool
}

// Stop cancels the timer. Safe to call more than once.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.timer.Stop()
}

// Pool runs CPU or IO jobs on a fixed set of goroutines.
type Pool struct {
	name    string
	jobs    chan Job
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewPool(workers int, name string) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		name: name,
		jobs: make(chan Job, 1024),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	log.WithField("name", name).WithField("workers", workers).Debug("worker pool started")
	return p
}

// NewDisk returns the serial IO queue. One worker keeps file writes
// ordered per call site.
func NewDisk() *Pool {
	return NewPool(1, "disk")
}

func (p *Pool) run() {
	defer p.wg.Done()
	for j := range p.jobs {
		j()
	}
}

// Queue posts a job to the pool, dropping it if the pool has stopped.
func (p *Pool) Queue(j Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	p.jobs <- j
	return true
}

// Stop drains the queue and joins all workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
