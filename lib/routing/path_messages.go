package routing

import (
	"bytes"

	"github.com/go-lokinet/go-lokinet/lib/bencode"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

// PathConfirmMessage is sent by the far end of a freshly committed path
// back down to the builder. Tag P.
type PathConfirmMessage struct {
	common
	PathLifetime uint64
	PathCreated  uint64
}

func NewPathConfirm(lifetime, now uint64) *PathConfirmMessage {
	return &PathConfirmMessage{
		PathLifetime: lifetime,
		PathCreated:  now,
	}
}

func (m *PathConfirmMessage) Tag() byte { return 'P' }

func (m *PathConfirmMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	writeTag(w, m.Tag())
	bencode.WriteDictUint64(w, "L", m.PathLifetime)
	bencode.WriteDictUint64(w, "S", m.S)
	bencode.WriteDictUint64(w, "T", m.PathCreated)
	bencode.WriteDictUint64(w, "V", types.ProtoVersion)
	bencode.End(w)
}

func (m *PathConfirmMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	if done, err := m.decodeCommon(key, r); done {
		return err
	}
	switch string(key) {
	case "L":
		v, err := r.ReadUint64()
		m.PathLifetime = v
		return err
	case "T":
		v, err := r.ReadUint64()
		m.PathCreated = v
		return err
	default:
		return r.Skip()
	}
}

func (m *PathConfirmMessage) Handle(h Handler) error { return h.HandlePathConfirm(m) }

func (m *PathConfirmMessage) Clear() {
	m.clear()
	m.PathLifetime = 0
	m.PathCreated = 0
}

// PathLatencyMessage doubles as probe and echo: the prober fills T, the
// endpoint echoes the value back in L. Tag L.
type PathLatencyMessage struct {
	common
	Sent uint64 // T
	Echo uint64 // L
}

func (m *PathLatencyMessage) Tag() byte { return 'L' }

func (m *PathLatencyMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	writeTag(w, m.Tag())
	if m.Echo != 0 {
		bencode.WriteDictUint64(w, "L", m.Echo)
	}
	bencode.WriteDictUint64(w, "S", m.S)
	if m.Sent != 0 {
		bencode.WriteDictUint64(w, "T", m.Sent)
	}
	bencode.WriteDictUint64(w, "V", types.ProtoVersion)
	bencode.End(w)
}

func (m *PathLatencyMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	if done, err := m.decodeCommon(key, r); done {
		return err
	}
	switch string(key) {
	case "L":
		v, err := r.ReadUint64()
		m.Echo = v
		return err
	case "T":
		v, err := r.ReadUint64()
		m.Sent = v
		return err
	default:
		return r.Skip()
	}
}

func (m *PathLatencyMessage) Handle(h Handler) error { return h.HandlePathLatency(m) }

func (m *PathLatencyMessage) Clear() {
	m.clear()
	m.Sent = 0
	m.Echo = 0
}

// DataDiscardMessage tells the other end a frame was dropped. Tag D.
type DataDiscardMessage struct {
	common
	PathID types.PathID // P
}

func (m *DataDiscardMessage) Tag() byte { return 'D' }

func (m *DataDiscardMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	writeTag(w, m.Tag())
	bencode.WriteDictBytes(w, "P", m.PathID[:])
	bencode.WriteDictUint64(w, "S", m.S)
	bencode.WriteDictUint64(w, "V", types.ProtoVersion)
	bencode.End(w)
}

func (m *DataDiscardMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	if done, err := m.decodeCommon(key, r); done {
		return err
	}
	switch string(key) {
	case "P":
		return r.ReadExact(m.PathID[:])
	default:
		return r.Skip()
	}
}

func (m *DataDiscardMessage) Handle(h Handler) error { return h.HandleDataDiscard(m) }

func (m *DataDiscardMessage) Clear() {
	m.clear()
	m.PathID = types.PathID{}
}

// PathTransferMessage moves an opaque protocol frame from one path to
// another at their shared endpoint. Tag T.
type PathTransferMessage struct {
	common
	PathID types.PathID      // P, destination path
	Frame  []byte            // T, opaque sealed frame
	Nonce  types.TunnelNonce // Y
}

func (m *PathTransferMessage) Tag() byte { return 'T' }

func (m *PathTransferMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	writeTag(w, m.Tag())
	bencode.WriteDictBytes(w, "P", m.PathID[:])
	bencode.WriteDictUint64(w, "S", m.S)
	bencode.WriteDictBytes(w, "T", m.Frame)
	bencode.WriteDictUint64(w, "V", types.ProtoVersion)
	bencode.WriteDictBytes(w, "Y", m.Nonce[:])
	bencode.End(w)
}

func (m *PathTransferMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	if done, err := m.decodeCommon(key, r); done {
		return err
	}
	switch string(key) {
	case "P":
		return r.ReadExact(m.PathID[:])
	case "T":
		b, err := r.ReadByteString()
		if err != nil {
			return err
		}
		m.Frame = append(m.Frame[:0], b...)
		return nil
	case "Y":
		return r.ReadExact(m.Nonce[:])
	default:
		return r.Skip()
	}
}

func (m *PathTransferMessage) Handle(h Handler) error { return h.HandlePathTransfer(m) }

func (m *PathTransferMessage) Clear() {
	m.clear()
	m.PathID = types.PathID{}
	m.Frame = nil
	m.Nonce = types.TunnelNonce{}
}
