package link

import (
	"sync"

	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

// MemNet wires MemLinks together in process, standing in for the real
// transport in tests and multi-node harnesses.
type MemNet struct {
	mu    sync.Mutex
	links map[types.RouterID]*MemLink
}

func NewMemNet() *MemNet {
	return &MemNet{links: make(map[types.RouterID]*MemLink)}
}

type memSession struct {
	remote *rc.RouterContact
}

func (s *memSession) RemoteRouter() types.RouterID { return s.remote.RouterID() }
func (s *memSession) RemoteRC() *rc.RouterContact  { return s.remote }

// MemLink is an in-memory LinkLayer. Establish attempts succeed when the
// remote is attached to the same MemNet, synchronously from the caller's
// goroutine.
type MemLink struct {
	net    *MemNet
	ourRC  func() *rc.RouterContact
	events Events

	mu       sync.Mutex
	sessions map[types.RouterID]*memSession
	stopped  bool
}

func NewMemLink(net *MemNet, ourRC func() *rc.RouterContact, events Events) *MemLink {
	return &MemLink{
		net:      net,
		ourRC:    ourRC,
		events:   events,
		sessions: make(map[types.RouterID]*memSession),
	}
}

func (l *MemLink) Name() string { return "mem" }

// Start attaches us to the fabric; the local RC must be signed by now.
func (l *MemLink) Start() error {
	l.net.mu.Lock()
	l.net.links[l.ourRC().RouterID()] = l
	l.net.mu.Unlock()
	return nil
}

func (l *MemLink) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.sessions = make(map[types.RouterID]*memSession)
	l.mu.Unlock()
}

func (l *MemLink) HasSessionTo(id types.RouterID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sessions[id]
	return ok
}

func (l *MemLink) peer(id types.RouterID) *MemLink {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	return l.net.links[id]
}

func (l *MemLink) TryEstablishTo(contact *rc.RouterContact) bool {
	id := contact.RouterID()
	remote := l.peer(id)
	if remote == nil {
		l.events.OnConnectTimeout(id)
		return false
	}
	us := l.ourRC()
	l.mu.Lock()
	session := &memSession{remote: contact}
	l.sessions[id] = session
	l.mu.Unlock()
	remote.mu.Lock()
	back := &memSession{remote: us}
	remote.sessions[us.RouterID()] = back
	remote.mu.Unlock()
	l.events.OnSessionEstablished(session)
	remote.events.OnSessionEstablished(back)
	return true
}

func (l *MemLink) SendTo(id types.RouterID, buf []byte) bool {
	l.mu.Lock()
	_, ok := l.sessions[id]
	stopped := l.stopped
	l.mu.Unlock()
	if !ok || stopped {
		return false
	}
	remote := l.peer(id)
	if remote == nil {
		return false
	}
	remote.mu.Lock()
	back, ok := remote.sessions[l.ourRC().RouterID()]
	remote.mu.Unlock()
	if !ok {
		return false
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	remote.events.OnLinkMessage(back, cp)
	return true
}

func (l *MemLink) KeepAliveSessionTo(id types.RouterID) bool {
	return l.HasSessionTo(id)
}

func (l *MemLink) CloseSessionTo(id types.RouterID) {
	l.mu.Lock()
	delete(l.sessions, id)
	l.mu.Unlock()
	if remote := l.peer(id); remote != nil {
		us := l.ourRC().RouterID()
		remote.mu.Lock()
		delete(remote.sessions, us)
		remote.mu.Unlock()
		remote.events.OnSessionClosed(us)
	}
	l.events.OnSessionClosed(id)
}
