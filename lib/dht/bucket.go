// Package dht implements the router lookup overlay: an XOR-metric
// bucket of RouterContacts and the FindRouter/GotRouter protocol,
// iterative, recursive and exploratory.
package dht

import (
	"math/rand"

	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/types"
	"github.com/go-lokinet/go-lokinet/lib/util/logger"
)

var log = logger.GetLogger()

// Bucket stores the RCs of DHT peers keyed by identity. Insertion
// replaces an equal-key entry.
type Bucket struct {
	us    types.RouterID
	nodes map[types.RouterID]*rc.RouterContact
}

func NewBucket(us types.RouterID) *Bucket {
	return &Bucket{
		us:    us,
		nodes: make(map[types.RouterID]*rc.RouterContact),
	}
}

func (b *Bucket) Size() int {
	return len(b.nodes)
}

func (b *Bucket) HasNode(id types.RouterID) bool {
	_, ok := b.nodes[id]
	return ok
}

func (b *Bucket) PutNode(contact *rc.RouterContact) {
	b.nodes[contact.RouterID()] = contact
}

func (b *Bucket) DelNode(id types.RouterID) {
	delete(b.nodes, id)
}

func (b *Bucket) Get(id types.RouterID) (*rc.RouterContact, bool) {
	contact, ok := b.nodes[id]
	return contact, ok
}

// FindClosest returns the single node closest to target.
func (b *Bucket) FindClosest(target types.RouterID) (result types.RouterID, ok bool) {
	var mindist types.RouterID
	for i := range mindist {
		mindist[i] = 0xff
	}
	for id := range b.nodes {
		d := types.Distance(id, target)
		if types.Less(d, mindist) {
			mindist = d
			result = id
			ok = true
		}
	}
	return
}

// FindCloseExcluding returns the node closest to target that is not in
// exclude.
func (b *Bucket) FindCloseExcluding(target types.RouterID, exclude map[types.RouterID]struct{}) (result types.RouterID, ok bool) {
	var mindist types.RouterID
	for i := range mindist {
		mindist[i] = 0xff
	}
	for id := range b.nodes {
		if _, skip := exclude[id]; skip {
			continue
		}
		d := types.Distance(id, target)
		if types.Less(d, mindist) {
			mindist = d
			result = id
			ok = true
		}
	}
	return
}

// GetManyNearExcluding collects up to n nodes nearest target, skipping
// exclude.
func (b *Bucket) GetManyNearExcluding(target types.RouterID, n int, exclude map[types.RouterID]struct{}) []types.RouterID {
	seen := make(map[types.RouterID]struct{}, len(exclude)+n)
	for id := range exclude {
		seen[id] = struct{}{}
	}
	var out []types.RouterID
	for len(out) < n {
		next, ok := b.FindCloseExcluding(target, seen)
		if !ok {
			break
		}
		seen[next] = struct{}{}
		out = append(out, next)
	}
	return out
}

// GetManyRandom picks n distinct random nodes.
func (b *Bucket) GetManyRandom(n int) []types.RouterID {
	if len(b.nodes) < n {
		log.WithField("have", len(b.nodes)).WithField("want", n).Warn("not enough dht nodes")
		return nil
	}
	ids := make([]types.RouterID, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return ids[:n]
}
