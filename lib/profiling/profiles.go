// Package profiling tracks per-router reliability: connect and path
// outcomes feed an IsBad policy that hop selection and connect logic
// consult before trusting a peer again.
package profiling

import (
	"bytes"
	"os"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/bencode"
	"github.com/go-lokinet/go-lokinet/lib/types"
	"github.com/go-lokinet/go-lokinet/lib/util/logger"
)

var log = logger.GetLogger()

// Profile is the per-router counter set. Dict keys: f (path fail),
// p (path success), s (connect success), t (connect timeout),
// u (last update), v.
type Profile struct {
	ConnectTimeouts uint64
	ConnectSuccess  uint64
	PathSuccess     uint64
	PathFail        uint64
	LastUpdated     uint64
}

// IsBad reports whether the router's connect timeouts exceed its connect
// successes, or its path failures exceed its path successes, by more
// than ten.
func (p *Profile) IsBad() bool {
	return p.ConnectTimeouts > 10+p.ConnectSuccess || p.PathFail > 10+p.PathSuccess
}

func (p *Profile) bencode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	bencode.WriteDictUint64(w, "f", p.PathFail)
	bencode.WriteDictUint64(w, "p", p.PathSuccess)
	bencode.WriteDictUint64(w, "s", p.ConnectSuccess)
	bencode.WriteDictUint64(w, "t", p.ConnectTimeouts)
	bencode.WriteDictUint64(w, "u", p.LastUpdated)
	bencode.WriteDictUint64(w, "v", types.ProtoVersion)
	bencode.End(w)
}

func (p *Profile) bdecode(r *bencode.Reader) error {
	return r.ReadDict(func(key []byte, r *bencode.Reader) (bool, error) {
		if key == nil {
			return false, nil
		}
		var dst *uint64
		switch string(key) {
		case "f":
			dst = &p.PathFail
		case "p":
			dst = &p.PathSuccess
		case "s":
			dst = &p.ConnectSuccess
		case "t":
			dst = &p.ConnectTimeouts
		case "u":
			dst = &p.LastUpdated
		default:
			return true, r.Skip()
		}
		v, err := r.ReadUint64()
		if err != nil {
			return false, err
		}
		*dst = v
		return true, nil
	})
}

// Profiles is the mutex-guarded collection, mirrored to one file that is
// atomically replaced on save.
type Profiles struct {
	mu      sync.Mutex
	entries map[types.RouterID]*Profile
	now     func() uint64
}

func New(now func() uint64) *Profiles {
	return &Profiles{
		entries: make(map[types.RouterID]*Profile),
		now:     now,
	}
}

func (ps *Profiles) get(id types.RouterID) *Profile {
	p, ok := ps.entries[id]
	if !ok {
		p = new(Profile)
		ps.entries[id] = p
	}
	p.LastUpdated = ps.now()
	return p
}

func (ps *Profiles) MarkConnectSuccess(id types.RouterID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.get(id).ConnectSuccess++
}

func (ps *Profiles) MarkConnectTimeout(id types.RouterID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.get(id).ConnectTimeouts++
}

func (ps *Profiles) MarkPathSuccess(id types.RouterID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.get(id).PathSuccess++
}

func (ps *Profiles) MarkPathFail(id types.RouterID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.get(id).PathFail++
}

func (ps *Profiles) IsBad(id types.RouterID) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.entries[id]
	if !ok {
		return false
	}
	return p.IsBad()
}

// Save writes all profiles to path, replacing it atomically.
func (ps *Profiles) Save(path string) error {
	ps.mu.Lock()
	var w bytes.Buffer
	bencode.BeginDict(&w)
	ids := make([]types.RouterID, 0, len(ps.entries))
	for id := range ps.entries {
		ids = append(ids, id)
	}
	// ascending key order
	sort.Slice(ids, func(i, j int) bool {
		return types.Less(ids[i], ids[j])
	})
	for _, id := range ids {
		bencode.WriteByteString(&w, id[:])
		ps.entries[id].bencode(&w)
	}
	bencode.End(&w)
	ps.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, w.Bytes(), 0o600); err != nil {
		return oops.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return oops.Wrapf(err, "rename %s", path)
	}
	return nil
}

// Load replaces the collection from path. A missing file is not an
// error; the collection starts empty.
func (ps *Profiles) Load(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return oops.Wrapf(err, "read %s", path)
	}
	entries := make(map[types.RouterID]*Profile)
	r := bencode.NewReader(buf)
	err = r.ReadDict(func(key []byte, r *bencode.Reader) (bool, error) {
		if key == nil {
			return false, nil
		}
		if len(key) != types.RouterIDSize {
			return false, oops.Errorf("bad profile key size %d", len(key))
		}
		var id types.RouterID
		copy(id[:], key)
		p := new(Profile)
		if err := p.bdecode(r); err != nil {
			return false, err
		}
		entries[id] = p
		return true, nil
	})
	if err != nil {
		return err
	}
	ps.mu.Lock()
	ps.entries = entries
	ps.mu.Unlock()
	log.WithField("profiles", len(entries)).Debug("router profiles loaded")
	return nil
}
