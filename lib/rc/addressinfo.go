package rc

import (
	"bytes"
	"fmt"

	"github.com/go-lokinet/go-lokinet/lib/bencode"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

// AddressInfo is one link-layer endpoint advertised in an RC.
type AddressInfo struct {
	Rank    uint64
	Dialect string
	EncKey  types.PubKey
	IP      string
	Port    uint64
}

func (a AddressInfo) String() string {
	return fmt.Sprintf("[%s]:%d", a.IP, a.Port)
}

func (a *AddressInfo) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	bencode.WriteDictUint64(w, "c", a.Rank)
	bencode.WriteString(w, "d")
	bencode.WriteString(w, a.Dialect)
	bencode.WriteDictBytes(w, "e", a.EncKey[:])
	bencode.WriteString(w, "i")
	bencode.WriteString(w, a.IP)
	bencode.WriteDictUint64(w, "p", a.Port)
	bencode.WriteDictUint64(w, "v", types.ProtoVersion)
	bencode.End(w)
}

func (a *AddressInfo) BDecode(r *bencode.Reader) error {
	return r.ReadDict(func(key []byte, r *bencode.Reader) (bool, error) {
		if key == nil {
			return false, nil
		}
		switch string(key) {
		case "c":
			v, err := r.ReadUint64()
			a.Rank = v
			return true, err
		case "d":
			b, err := r.ReadByteString()
			a.Dialect = string(b)
			return true, err
		case "e":
			return true, r.ReadExact(a.EncKey[:])
		case "i":
			b, err := r.ReadByteString()
			a.IP = string(b)
			return true, err
		case "p":
			v, err := r.ReadUint64()
			a.Port = v
			return true, err
		case "v":
			_, err := r.ReadUint64()
			return true, err
		default:
			return true, r.Skip()
		}
	})
}

// ExitInfo advertises an exit range served by the router.
type ExitInfo struct {
	Address string
	Netmask string
	PubKey  types.PubKey
}

func (x *ExitInfo) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	bencode.WriteString(w, "a")
	bencode.WriteString(w, x.Address)
	bencode.WriteString(w, "b")
	bencode.WriteString(w, x.Netmask)
	bencode.WriteDictBytes(w, "k", x.PubKey[:])
	bencode.WriteDictUint64(w, "v", types.ProtoVersion)
	bencode.End(w)
}

func (x *ExitInfo) BDecode(r *bencode.Reader) error {
	return r.ReadDict(func(key []byte, r *bencode.Reader) (bool, error) {
		if key == nil {
			return false, nil
		}
		switch string(key) {
		case "a":
			b, err := r.ReadByteString()
			x.Address = string(b)
			return true, err
		case "b":
			b, err := r.ReadByteString()
			x.Netmask = string(b)
			return true, err
		case "k":
			return true, r.ReadExact(x.PubKey[:])
		case "v":
			_, err := r.ReadUint64()
			return true, err
		default:
			return true, r.Skip()
		}
	})
}
