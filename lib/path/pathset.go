package path

import (
	"math/rand"
	"sync"

	"github.com/go-lokinet/go-lokinet/lib/types"
)

type pathKey struct {
	upstream types.RouterID
	rxID     types.PathID
}

// PathSet owns a group of paths serving one local purpose and decides
// when more should be built.
type PathSet struct {
	numPaths int

	mu    sync.Mutex
	paths map[pathKey]*Path

	// onBuildTimeout lets an owning builder observe timeouts for its
	// backoff policy
	onBuildTimeout func(*Path)
}

func NewPathSet(numPaths int) *PathSet {
	return &PathSet{
		numPaths: numPaths,
		paths:    make(map[pathKey]*Path),
	}
}

// ShouldBuildMore reports whether the set is below its target.
func (s *PathSet) ShouldBuildMore(now uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths) < s.numPaths
}

// NumInStatus counts paths in status st.
func (s *PathSet) NumInStatus(st Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, p := range s.paths {
		if p.Status() == st {
			count++
		}
	}
	return count
}

// AvailablePaths counts established paths supporting roles.
func (s *PathSet) AvailablePaths(roles Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, p := range s.paths {
		if p.Status() == StatusEstablished && p.SupportsAnyRoles(roles) {
			count++
		}
	}
	return count
}

// Tick drives every path's state machine.
func (s *PathSet) Tick(now uint64, r Router) {
	s.mu.Lock()
	paths := make([]*Path, 0, len(s.paths))
	for _, p := range s.paths {
		paths = append(paths, p)
	}
	s.mu.Unlock()
	for _, p := range paths {
		p.Tick(now, r)
	}
}

// ExpirePaths reaps expired paths.
func (s *PathSet) ExpirePaths(now uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, p := range s.paths {
		if p.Expired(now) {
			delete(s.paths, k)
		}
	}
}

func (s *PathSet) AddPath(p *Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[pathKey{p.Upstream(), p.RXID()}] = p
}

func (s *PathSet) RemovePath(p *Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, pathKey{p.Upstream(), p.RXID()})
}

// GetByUpstream finds a path by its first hop and receive id.
func (s *PathSet) GetByUpstream(remote types.RouterID, rxID types.PathID) *Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths[pathKey{remote, rxID}]
}

// GetPathByID finds a path by receive id alone.
func (s *PathSet) GetPathByID(id types.PathID) *Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.paths {
		if p.RXID() == id {
			return p
		}
	}
	return nil
}

// GetPathByRouter returns the lowest-latency ready path ending at id.
func (s *PathSet) GetPathByRouter(id types.RouterID, roles Role) *Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chosen *Path
	for _, p := range s.paths {
		if !p.IsReady() || !p.SupportsAnyRoles(roles) || p.Endpoint() != id {
			continue
		}
		if chosen == nil || chosen.Latency() > p.Latency() {
			chosen = p
		}
	}
	return chosen
}

// GetEstablishedPathClosestTo picks the ready path whose endpoint is
// xor-closest to id.
func (s *PathSet) GetEstablishedPathClosestTo(id types.RouterID, roles Role) *Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chosen *Path
	var dist types.RouterID
	for i := range dist {
		dist[i] = 0xff
	}
	for _, p := range s.paths {
		if !p.IsReady() || !p.SupportsAnyRoles(roles) {
			continue
		}
		d := types.Distance(p.Endpoint(), id)
		if types.Less(d, dist) {
			dist = d
			chosen = p
		}
	}
	return chosen
}

// PickRandomEstablishedPath picks uniformly among ready paths.
func (s *PathSet) PickRandomEstablishedPath(roles Role) *Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	var established []*Path
	for _, p := range s.paths {
		if p.IsReady() && p.SupportsAnyRoles(roles) {
			established = append(established, p)
		}
	}
	if len(established) == 0 {
		return nil
	}
	return established[rand.Intn(len(established))]
}

// HandlePathBuilt is overridden by builders.
func (s *PathSet) HandlePathBuilt(p *Path) {
}

// HandlePathBuildTimeout is told about a path giving up.
func (s *PathSet) HandlePathBuildTimeout(p *Path) {
	log.WithField("path", p.Name()).Info("path build timed out")
	if s.onBuildTimeout != nil {
		s.onBuildTimeout(p)
	}
}
