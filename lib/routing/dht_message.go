package routing

import (
	"bytes"

	"github.com/go-lokinet/go-lokinet/lib/bencode"
	"github.com/go-lokinet/go-lokinet/lib/dht"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

// DHTMessage carries DHT messages along a path. Tag M.
type DHTMessage struct {
	common
	Msgs []dht.Message // M
}

func (m *DHTMessage) Tag() byte { return 'M' }

func (m *DHTMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	writeTag(w, m.Tag())
	bencode.WriteString(w, "M")
	bencode.BeginList(w)
	for _, sub := range m.Msgs {
		sub.BEncode(w)
	}
	bencode.End(w)
	bencode.WriteDictUint64(w, "S", m.S)
	bencode.WriteDictUint64(w, "V", types.ProtoVersion)
	bencode.End(w)
}

func (m *DHTMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	if done, err := m.decodeCommon(key, r); done {
		return err
	}
	if string(key) == "M" {
		m.Msgs = nil
		return r.ReadList(func(r *bencode.Reader) (bool, error) {
			sub, err := dht.DecodeMessage(r)
			if err != nil {
				return false, err
			}
			m.Msgs = append(m.Msgs, sub)
			return true, nil
		})
	}
	return r.Skip()
}

func (m *DHTMessage) Handle(h Handler) error { return h.HandleDHT(m) }

func (m *DHTMessage) Clear() {
	m.clear()
	m.Msgs = nil
}
