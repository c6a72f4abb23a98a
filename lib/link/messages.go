package link

import (
	"bytes"

	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/bencode"
	"github.com/go-lokinet/go-lokinet/lib/crypto"
	"github.com/go-lokinet/go-lokinet/lib/dht"
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

var (
	ErrNoTag      = oops.Errorf("link message has no tag")
	ErrUnknownTag = oops.Errorf("unknown link message tag")
	ErrBadVersion = oops.Errorf("bad link protocol version")
)

// NumLRFrames is the fixed frame count of every LR Commit: one slot per
// possible hop, unused slots random, so all builds look identical.
const NumLRFrames = 8

// Message is one link-level message. Lower-case single-letter keys,
// tag under a.
type Message interface {
	Tag() byte
	BEncode(w *bytes.Buffer)
	DecodeKey(key []byte, r *bencode.Reader) error
	Clear()
}

// Handler dispatches parsed link messages. Implemented by the Router.
type Handler interface {
	HandleLinkIntro(from Session, msg *LinkIntroMessage) bool
	HandleRelayUpstream(from types.RouterID, msg *RelayUpstreamMessage) bool
	HandleRelayDownstream(from types.RouterID, msg *RelayDownstreamMessage) bool
	HandleLRCommit(from types.RouterID, msg *LRCommitMessage) bool
	HandleDHTImmediate(from types.RouterID, msg *DHTImmediateMessage) bool
	HandleDiscard(from types.RouterID, msg *DiscardMessage) bool
}

// LinkIntroMessage announces the sender's RC on a fresh session. Tag i.
type LinkIntroMessage struct {
	RC rc.RouterContact // r
}

func (m *LinkIntroMessage) Tag() byte { return 'i' }

func (m *LinkIntroMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	bencode.WriteString(w, "a")
	bencode.WriteByteString(w, []byte{m.Tag()})
	bencode.WriteString(w, "r")
	m.RC.BEncode(w)
	bencode.WriteDictUint64(w, "v", types.ProtoVersion)
	bencode.End(w)
}

func (m *LinkIntroMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	switch string(key) {
	case "r":
		return m.RC.BDecode(r)
	case "v":
		return checkVersion(r)
	default:
		return r.Skip()
	}
}

func (m *LinkIntroMessage) Clear() { m.RC = rc.RouterContact{} }

func checkVersion(r *bencode.Reader) error {
	v, err := r.ReadUint64()
	if err != nil {
		return err
	}
	if v != types.ProtoVersion {
		return ErrBadVersion
	}
	return nil
}

// RelayUpstreamMessage moves a sealed frame one hop toward the path
// endpoint. Tag u.
type RelayUpstreamMessage struct {
	PathID types.PathID      // p
	X      []byte            // x
	Y      types.TunnelNonce // y
}

func (m *RelayUpstreamMessage) Tag() byte { return 'u' }

func (m *RelayUpstreamMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	bencode.WriteString(w, "a")
	bencode.WriteByteString(w, []byte{m.Tag()})
	bencode.WriteDictBytes(w, "p", m.PathID[:])
	bencode.WriteDictUint64(w, "v", types.ProtoVersion)
	bencode.WriteDictBytes(w, "x", m.X)
	bencode.WriteDictBytes(w, "y", m.Y[:])
	bencode.End(w)
}

func (m *RelayUpstreamMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	switch string(key) {
	case "p":
		return r.ReadExact(m.PathID[:])
	case "v":
		return checkVersion(r)
	case "x":
		b, err := r.ReadByteString()
		if err != nil {
			return err
		}
		m.X = append(m.X[:0], b...)
		return nil
	case "y":
		return r.ReadExact(m.Y[:])
	default:
		return r.Skip()
	}
}

func (m *RelayUpstreamMessage) Clear() {
	m.PathID = types.PathID{}
	m.X = nil
	m.Y = types.TunnelNonce{}
}

// RelayDownstreamMessage moves a sealed frame one hop back toward the
// path owner. Tag d.
type RelayDownstreamMessage struct {
	PathID types.PathID      // p
	X      []byte            // x
	Y      types.TunnelNonce // y
}

func (m *RelayDownstreamMessage) Tag() byte { return 'd' }

func (m *RelayDownstreamMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	bencode.WriteString(w, "a")
	bencode.WriteByteString(w, []byte{m.Tag()})
	bencode.WriteDictBytes(w, "p", m.PathID[:])
	bencode.WriteDictUint64(w, "v", types.ProtoVersion)
	bencode.WriteDictBytes(w, "x", m.X)
	bencode.WriteDictBytes(w, "y", m.Y[:])
	bencode.End(w)
}

func (m *RelayDownstreamMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	switch string(key) {
	case "p":
		return r.ReadExact(m.PathID[:])
	case "v":
		return checkVersion(r)
	case "x":
		b, err := r.ReadByteString()
		if err != nil {
			return err
		}
		m.X = append(m.X[:0], b...)
		return nil
	case "y":
		return r.ReadExact(m.Y[:])
	default:
		return r.Skip()
	}
}

func (m *RelayDownstreamMessage) Clear() {
	m.PathID = types.PathID{}
	m.X = nil
	m.Y = types.TunnelNonce{}
}

// LRCommitMessage carries the eight path-build frames. Tag c.
type LRCommitMessage struct {
	Frames [NumLRFrames]crypto.EncryptedFrame // c
}

func (m *LRCommitMessage) Tag() byte { return 'c' }

func (m *LRCommitMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	bencode.WriteString(w, "a")
	bencode.WriteByteString(w, []byte{m.Tag()})
	bencode.WriteString(w, "c")
	bencode.BeginList(w)
	for i := range m.Frames {
		bencode.WriteByteString(w, m.Frames[i][:])
	}
	bencode.End(w)
	bencode.WriteDictUint64(w, "v", types.ProtoVersion)
	bencode.End(w)
}

func (m *LRCommitMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	switch string(key) {
	case "c":
		idx := 0
		err := r.ReadList(func(r *bencode.Reader) (bool, error) {
			if idx >= NumLRFrames {
				return false, oops.Errorf("too many lr frames")
			}
			if err := r.ReadExact(m.Frames[idx][:]); err != nil {
				return false, err
			}
			idx++
			return true, nil
		})
		if err != nil {
			return err
		}
		if idx != NumLRFrames {
			return oops.Errorf("expected %d lr frames, got %d", NumLRFrames, idx)
		}
		return nil
	case "v":
		return checkVersion(r)
	default:
		return r.Skip()
	}
}

func (m *LRCommitMessage) Clear() {
	m.Frames = [NumLRFrames]crypto.EncryptedFrame{}
}

// DHTImmediateMessage carries DHT messages directly between linked
// routers. Tag m.
type DHTImmediateMessage struct {
	Msgs []dht.Message // m
}

func (m *DHTImmediateMessage) Tag() byte { return 'm' }

func (m *DHTImmediateMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	bencode.WriteString(w, "a")
	bencode.WriteByteString(w, []byte{m.Tag()})
	bencode.WriteString(w, "m")
	bencode.BeginList(w)
	for _, sub := range m.Msgs {
		sub.BEncode(w)
	}
	bencode.End(w)
	bencode.WriteDictUint64(w, "v", types.ProtoVersion)
	bencode.End(w)
}

func (m *DHTImmediateMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	switch string(key) {
	case "m":
		m.Msgs = nil
		return r.ReadList(func(r *bencode.Reader) (bool, error) {
			sub, err := dht.DecodeMessage(r)
			if err != nil {
				return false, err
			}
			m.Msgs = append(m.Msgs, sub)
			return true, nil
		})
	case "v":
		return checkVersion(r)
	default:
		return r.Skip()
	}
}

func (m *DHTImmediateMessage) Clear() { m.Msgs = nil }

// DiscardMessage is padding traffic. Tag x.
type DiscardMessage struct {
	Pad []byte // z
}

func (m *DiscardMessage) Tag() byte { return 'x' }

func (m *DiscardMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	bencode.WriteString(w, "a")
	bencode.WriteByteString(w, []byte{m.Tag()})
	bencode.WriteDictUint64(w, "v", types.ProtoVersion)
	bencode.WriteDictBytes(w, "z", m.Pad)
	bencode.End(w)
}

func (m *DiscardMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	switch string(key) {
	case "v":
		return checkVersion(r)
	case "z":
		b, err := r.ReadByteString()
		if err != nil {
			return err
		}
		m.Pad = append(m.Pad[:0], b...)
		return nil
	default:
		return r.Skip()
	}
}

func (m *DiscardMessage) Clear() { m.Pad = nil }

// Encode serializes one link message, enforcing the size bound.
func Encode(m Message) ([]byte, error) {
	var w bytes.Buffer
	m.BEncode(&w)
	if w.Len() > types.MaxLinkMsgSize {
		return nil, oops.Errorf("link message too large: %d", w.Len())
	}
	return w.Bytes(), nil
}
