// Package rc implements the RouterContact, the signed descriptor every
// router gossips: identity key, onion encryption key, link endpoints and
// a signature over the bencoded body.
package rc

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/bencode"
	"github.com/go-lokinet/go-lokinet/lib/crypto"
	"github.com/go-lokinet/go-lokinet/lib/types"
	"github.com/go-lokinet/go-lokinet/lib/util/logger"
	ltime "github.com/go-lokinet/go-lokinet/lib/util/time"
)

var log = logger.GetLogger()

// Lifetime is how long an RC stays valid after last_updated.
const Lifetime = 24 * time.Hour

// MaxSize bounds a bencoded RC.
const MaxSize = 4096

var (
	ErrBadNetID     = oops.Errorf("rc netid mismatch")
	ErrExpired      = oops.Errorf("rc expired")
	ErrBadSignature = oops.Errorf("rc signature invalid")
	ErrNoAddresses  = oops.Errorf("public rc has no addresses")
	ErrTooLarge     = oops.Errorf("rc exceeds max size")
)

// RouterContact is the on-wire descriptor. Field order follows the
// ascending dict keys: a, i, k, n, p, t, v, x, z.
type RouterContact struct {
	Addrs       []AddressInfo
	NetID       string
	PubKey      types.PubKey
	Nickname    string
	EncKey      types.PubKey
	LastUpdated uint64
	Version     uint64
	Exits       []ExitInfo
	Signature   types.Signature
}

// RouterID returns the identity key as a router identifier.
func (rc *RouterContact) RouterID() (id types.RouterID) {
	copy(id[:], rc.PubKey[:])
	return
}

func (rc *RouterContact) IsPublicRouter() bool {
	return len(rc.Addrs) > 0
}

func (rc *RouterContact) IsExit() bool {
	return len(rc.Exits) > 0
}

func (rc *RouterContact) HasNick() bool {
	return rc.Nickname != ""
}

// IsExpired reports whether the descriptor has outlived Lifetime.
func (rc *RouterContact) IsExpired(now uint64) bool {
	return now >= rc.LastUpdated+uint64(Lifetime.Milliseconds())
}

// ExpiresSoon reports expiry within dlt milliseconds; callers add random
// jitter to dlt so refreshes don't synchronize.
func (rc *RouterContact) ExpiresSoon(now, dlt uint64) bool {
	if rc.IsExpired(now) {
		return true
	}
	return rc.LastUpdated+uint64(Lifetime.Milliseconds())-now <= dlt
}

func (rc *RouterContact) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	bencode.WriteString(w, "a")
	bencode.BeginList(w)
	for i := range rc.Addrs {
		rc.Addrs[i].BEncode(w)
	}
	bencode.End(w)
	bencode.WriteString(w, "i")
	bencode.WriteString(w, rc.NetID)
	bencode.WriteDictBytes(w, "k", rc.PubKey[:])
	if rc.Nickname != "" {
		bencode.WriteString(w, "n")
		bencode.WriteString(w, rc.Nickname)
	}
	bencode.WriteDictBytes(w, "p", rc.EncKey[:])
	bencode.WriteDictUint64(w, "t", rc.LastUpdated)
	bencode.WriteDictUint64(w, "v", rc.Version)
	bencode.WriteString(w, "x")
	bencode.BeginList(w)
	for i := range rc.Exits {
		rc.Exits[i].BEncode(w)
	}
	bencode.End(w)
	bencode.WriteDictBytes(w, "z", rc.Signature[:])
	bencode.End(w)
}

// Bytes returns the bencoded descriptor.
func (rc *RouterContact) Bytes() []byte {
	var w bytes.Buffer
	rc.BEncode(&w)
	return w.Bytes()
}

func (rc *RouterContact) BDecode(r *bencode.Reader) error {
	return r.ReadDict(func(key []byte, r *bencode.Reader) (bool, error) {
		if key == nil {
			return false, nil
		}
		switch string(key) {
		case "a":
			rc.Addrs = nil
			return true, r.ReadList(func(r *bencode.Reader) (bool, error) {
				var ai AddressInfo
				if err := ai.BDecode(r); err != nil {
					return false, err
				}
				rc.Addrs = append(rc.Addrs, ai)
				return true, nil
			})
		case "i":
			b, err := r.ReadByteString()
			if err != nil {
				return false, err
			}
			if len(b) > types.MaxNetIDSize {
				return false, ErrBadNetID
			}
			rc.NetID = string(b)
			return true, nil
		case "k":
			return true, r.ReadExact(rc.PubKey[:])
		case "n":
			b, err := r.ReadByteString()
			rc.Nickname = string(b)
			return true, err
		case "p":
			return true, r.ReadExact(rc.EncKey[:])
		case "t":
			v, err := r.ReadUint64()
			rc.LastUpdated = v
			return true, err
		case "v":
			v, err := r.ReadUint64()
			rc.Version = v
			return true, err
		case "x":
			rc.Exits = nil
			return true, r.ReadList(func(r *bencode.Reader) (bool, error) {
				var xi ExitInfo
				if err := xi.BDecode(r); err != nil {
					return false, err
				}
				rc.Exits = append(rc.Exits, xi)
				return true, nil
			})
		case "z":
			return true, r.ReadExact(rc.Signature[:])
		default:
			return true, r.Skip()
		}
	})
}

// Decode parses a bencoded RC from buf.
func Decode(buf []byte) (*RouterContact, error) {
	rc := new(RouterContact)
	if err := rc.BDecode(bencode.NewReader(buf)); err != nil {
		return nil, err
	}
	return rc, nil
}

// signedBody is the bencoding with a zeroed signature, the bytes the
// signature covers.
func (rc *RouterContact) signedBody() []byte {
	cp := *rc
	cp.Signature = types.Signature{}
	return cp.Bytes()
}

// Sign stamps last_updated, fills the identity key from sk and signs the
// body.
func (rc *RouterContact) Sign(sk types.SecretKey) error {
	rc.PubKey = crypto.SecKeyToPublic(sk)
	rc.Version = types.ProtoVersion
	rc.LastUpdated = ltime.NowMilli()
	rc.Signature = types.Signature{}
	sig, err := crypto.Sign(sk, rc.signedBody())
	if err != nil {
		return err
	}
	rc.Signature = sig
	return nil
}

// VerifySignature checks only the signature.
func (rc *RouterContact) VerifySignature() bool {
	return crypto.Verify(rc.PubKey, rc.signedBody(), rc.Signature)
}

// Verify checks netid, lifetime, public-router addresses and the
// signature, in that order.
func (rc *RouterContact) Verify(netID string, now uint64) error {
	if rc.NetID != netID {
		return ErrBadNetID
	}
	if rc.IsExpired(now) {
		return ErrExpired
	}
	for _, a := range rc.Addrs {
		if a.IP == "" || a.Port == 0 {
			return ErrNoAddresses
		}
	}
	if !rc.VerifySignature() {
		return ErrBadSignature
	}
	return nil
}

// Write persists the descriptor with write-then-rename so a torn write
// never pollutes a nodedb load.
func (rc *RouterContact) Write(path string) error {
	buf := rc.Bytes()
	if len(buf) > MaxSize {
		return ErrTooLarge
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return oops.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return oops.Wrapf(err, "rename %s", path)
	}
	return nil
}

// Read loads a descriptor from disk.
func Read(path string) (*RouterContact, error) {
	buf, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.Wrapf(err, "read %s", path)
	}
	if len(buf) > MaxSize {
		return nil, ErrTooLarge
	}
	return Decode(buf)
}
