// Package nodedb keeps every RouterContact we know about: an in-memory
// map guarded by one mutex, mirrored onto disk as one file per RC under
// sixteen single-nibble shard directories.
package nodedb

import (
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/types"
	"github.com/go-lokinet/go-lokinet/lib/util/logger"
)

var log = logger.GetLogger()

const skiplistSubdirs = "0123456789abcdef"

// FileExt marks RC files on disk.
const FileExt = ".signed"

var ErrNotEnoughEntries = oops.Errorf("not enough routers in nodedb")

type NodeDB struct {
	mu      sync.Mutex
	entries map[types.RouterID]*rc.RouterContact
	dir     string
	netID   string
	now     func() uint64
}

func New(dir, netID string, now func() uint64) *NodeDB {
	return &NodeDB{
		entries: make(map[types.RouterID]*rc.RouterContact),
		dir:     dir,
		netID:   netID,
		now:     now,
	}
}

// EnsureDir creates the nodedb root and its sixteen shard directories.
func (db *NodeDB) EnsureDir() error {
	if err := os.MkdirAll(db.dir, 0o700); err != nil {
		return oops.Wrapf(err, "create %s", db.dir)
	}
	for _, c := range skiplistSubdirs {
		sub := filepath.Join(db.dir, string(c))
		if err := os.MkdirAll(sub, 0o700); err != nil {
			return oops.Wrapf(err, "create %s", sub)
		}
	}
	return nil
}

// FilePath returns <dir>/<last-nibble>/<hex(pubkey)>.signed.
func (db *NodeDB) FilePath(pk types.RouterID) string {
	h := hex.EncodeToString(pk[:])
	shard := h[len(h)-1:]
	return filepath.Join(db.dir, shard, h+FileExt)
}

// Insert stores the RC in memory first, so concurrent readers see it
// mid-write, then persists it. A failed disk write keeps the in-memory
// entry; the next restart recovers whatever landed on disk.
func (db *NodeDB) Insert(contact *rc.RouterContact) error {
	pk := contact.RouterID()
	db.mu.Lock()
	db.entries[pk] = contact
	db.mu.Unlock()

	path := db.FilePath(pk)
	if err := contact.Write(path); err != nil {
		log.WithError(err).WithField("router", pk).Error("failed to persist rc, keeping in memory")
		return err
	}
	log.WithField("path", path).Debug("saved rc")
	return nil
}

// InsertMem stores only in memory. The disk worker calls Insert.
func (db *NodeDB) InsertMem(contact *rc.RouterContact) {
	db.mu.Lock()
	db.entries[contact.RouterID()] = contact
	db.mu.Unlock()
}

// Remove drops the RC from memory and disk.
func (db *NodeDB) Remove(pk types.RouterID) bool {
	db.mu.Lock()
	_, ok := db.entries[pk]
	delete(db.entries, pk)
	db.mu.Unlock()
	if !ok {
		return false
	}
	os.Remove(db.FilePath(pk))
	return true
}

func (db *NodeDB) Get(pk types.RouterID) (*rc.RouterContact, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	contact, ok := db.entries[pk]
	return contact, ok
}

func (db *NodeDB) Has(pk types.RouterID) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.entries[pk]
	return ok
}

func (db *NodeDB) NumLoaded() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.entries)
}

// Visit calls fn for each entry until it returns false. fn runs with the
// lock held; it must not call back into the db.
func (db *NodeDB) Visit(fn func(*rc.RouterContact) bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, contact := range db.entries {
		if !fn(contact) {
			return
		}
	}
}

// LoadDir reads every shard under dir, verifying each file before it is
// admitted. Returns the number loaded.
func (db *NodeDB) LoadDir() (int, error) {
	if _, err := os.Stat(db.dir); err != nil {
		return 0, oops.Wrapf(err, "nodedb dir %s", db.dir)
	}
	loaded := 0
	for _, c := range skiplistSubdirs {
		sub := filepath.Join(db.dir, string(c))
		files, err := os.ReadDir(sub)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), FileExt) {
				continue
			}
			if db.loadFile(filepath.Join(sub, f.Name())) {
				loaded++
			}
		}
	}
	log.WithField("count", loaded).Debug("nodedb loaded")
	return loaded, nil
}

func (db *NodeDB) loadFile(path string) bool {
	contact, err := rc.Read(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("failed to read rc file")
		return false
	}
	if err := contact.Verify(db.netID, db.now()); err != nil {
		log.WithError(err).WithField("path", path).Error("rc file contains invalid rc")
		return false
	}
	db.InsertMem(contact)
	return true
}

// pickRandom returns a uniformly random entry. Caller holds the lock.
func (db *NodeDB) pickRandom() *rc.RouterContact {
	idx := rand.Intn(len(db.entries))
	for _, contact := range db.entries {
		if idx == 0 {
			return contact
		}
		idx--
	}
	return nil
}

// SelectRandomHop picks a random public RC that is not prev. Requires at
// least 3 entries and gives up after 5 tries. For hop index 0 the caller
// applies its own guard policy instead.
func (db *NodeDB) SelectRandomHop(prev *rc.RouterContact, hop int) (*rc.RouterContact, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.entries) < 3 {
		return nil, ErrNotEnoughEntries
	}
	if hop == 0 {
		return db.pickRandom(), nil
	}
	for tries := 5; tries > 0; tries-- {
		candidate := db.pickRandom()
		if prev != nil && candidate.PubKey == prev.PubKey {
			continue
		}
		if len(candidate.Addrs) == 0 {
			continue
		}
		return candidate, nil
	}
	return nil, ErrNotEnoughEntries
}

// SelectRandomExit picks a random RC advertising exit ranges.
func (db *NodeDB) SelectRandomExit() (*rc.RouterContact, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.entries) < 3 {
		return nil, ErrNotEnoughEntries
	}
	var exits []*rc.RouterContact
	for _, contact := range db.entries {
		if contact.IsExit() {
			exits = append(exits, contact)
		}
	}
	if len(exits) == 0 {
		return nil, ErrNotEnoughEntries
	}
	return exits[rand.Intn(len(exits))], nil
}
