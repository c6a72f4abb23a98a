package dht

import (
	"bytes"

	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/bencode"
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

var (
	ErrNoTag      = oops.Errorf("dht message has no tag")
	ErrUnknownTag = oops.Errorf("unknown dht message tag")
	ErrBadVersion = oops.Errorf("bad dht protocol version")
)

// Message is one DHT protocol message, carried either immediately over
// a link or inside a routing DHT frame along a path.
type Message interface {
	Tag() byte
	BEncode(w *bytes.Buffer)
	DecodeKey(key []byte, r *bencode.Reader) error
}

// FindRouterMessage resolves a router by identity key. Tag R.
type FindRouterMessage struct {
	Exploratory bool           // E
	Iterative   bool           // I
	K           types.RouterID // K, target pubkey
	TX          uint64         // T
}

func NewFindRouter(target types.RouterID, tx uint64) *FindRouterMessage {
	return &FindRouterMessage{K: target, TX: tx}
}

// NewExploreRouter asks a peer for the neighbours it knows rather than
// a specific key.
func NewExploreRouter(tx uint64) *FindRouterMessage {
	return &FindRouterMessage{Exploratory: true, TX: tx}
}

func (m *FindRouterMessage) Tag() byte { return 'R' }

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (m *FindRouterMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	bencode.WriteString(w, "A")
	bencode.WriteByteString(w, []byte{m.Tag()})
	bencode.WriteDictUint64(w, "E", boolToUint(m.Exploratory))
	bencode.WriteDictUint64(w, "I", boolToUint(m.Iterative))
	bencode.WriteDictBytes(w, "K", m.K[:])
	bencode.WriteDictUint64(w, "T", m.TX)
	bencode.WriteDictUint64(w, "V", types.ProtoVersion)
	bencode.End(w)
}

func (m *FindRouterMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	switch string(key) {
	case "E":
		v, err := r.ReadUint64()
		m.Exploratory = v != 0
		return err
	case "I":
		v, err := r.ReadUint64()
		m.Iterative = v != 0
		return err
	case "K":
		return r.ReadExact(m.K[:])
	case "T":
		v, err := r.ReadUint64()
		m.TX = v
		return err
	case "V":
		v, err := r.ReadUint64()
		if err != nil {
			return err
		}
		if v != types.ProtoVersion {
			return ErrBadVersion
		}
		return nil
	default:
		return r.Skip()
	}
}

// GotRouterMessage answers a FindRouter under the same transaction id:
// matched RCs under R, or closer peers under N. Tag S.
type GotRouterMessage struct {
	Closer  []types.RouterID    // N
	RCs     []*rc.RouterContact // R
	TX      uint64              // T
	Relayed bool                // U, reply travels back along a path
}

func (m *GotRouterMessage) Tag() byte { return 'S' }

func (m *GotRouterMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	bencode.WriteString(w, "A")
	bencode.WriteByteString(w, []byte{m.Tag()})
	if len(m.Closer) > 0 {
		bencode.WriteString(w, "N")
		bencode.BeginList(w)
		for _, id := range m.Closer {
			bencode.WriteByteString(w, id[:])
		}
		bencode.End(w)
	}
	bencode.WriteString(w, "R")
	bencode.BeginList(w)
	for _, contact := range m.RCs {
		contact.BEncode(w)
	}
	bencode.End(w)
	bencode.WriteDictUint64(w, "T", m.TX)
	bencode.WriteDictUint64(w, "U", boolToUint(m.Relayed))
	bencode.WriteDictUint64(w, "V", types.ProtoVersion)
	bencode.End(w)
}

func (m *GotRouterMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	switch string(key) {
	case "N":
		m.Closer = nil
		return r.ReadList(func(r *bencode.Reader) (bool, error) {
			var id types.RouterID
			if err := r.ReadExact(id[:]); err != nil {
				return false, err
			}
			m.Closer = append(m.Closer, id)
			return true, nil
		})
	case "R":
		m.RCs = nil
		return r.ReadList(func(r *bencode.Reader) (bool, error) {
			contact := new(rc.RouterContact)
			if err := contact.BDecode(r); err != nil {
				return false, err
			}
			m.RCs = append(m.RCs, contact)
			return true, nil
		})
	case "T":
		v, err := r.ReadUint64()
		m.TX = v
		return err
	case "U":
		v, err := r.ReadUint64()
		m.Relayed = v != 0
		return err
	case "V":
		v, err := r.ReadUint64()
		if err != nil {
			return err
		}
		if v != types.ProtoVersion {
			return ErrBadVersion
		}
		return nil
	default:
		return r.Skip()
	}
}

// DecodeMessage parses one DHT message dict. The first key must be the
// tag under A.
func DecodeMessage(r *bencode.Reader) (Message, error) {
	var msg Message
	first := true
	err := r.ReadDict(func(key []byte, r *bencode.Reader) (bool, error) {
		if key == nil {
			return false, nil
		}
		if first {
			first = false
			if string(key) != "A" {
				return false, ErrNoTag
			}
			tag, err := r.ReadByteString()
			if err != nil {
				return false, err
			}
			if len(tag) != 1 {
				return false, ErrNoTag
			}
			switch tag[0] {
			case 'R':
				msg = new(FindRouterMessage)
			case 'S':
				msg = new(GotRouterMessage)
			default:
				return false, ErrUnknownTag
			}
			return true, nil
		}
		return true, msg.DecodeKey(key, r)
	})
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrNoTag
	}
	return msg, nil
}
