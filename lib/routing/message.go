// Package routing implements the messages that travel inside a path:
// the plaintext recovered after the downstream onion transform, or the
// plaintext wrapped before the upstream one. Every message is a bencoded
// dict with an upper-case single-letter tag under "A" and a version
// under "V".
package routing

import (
	"bytes"

	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/bencode"
	"github.com/go-lokinet/go-lokinet/lib/types"
	"github.com/go-lokinet/go-lokinet/lib/util/logger"
)

var log = logger.GetLogger()

var (
	ErrNoTag      = oops.Errorf("routing message has no tag")
	ErrUnknownTag = oops.Errorf("unknown routing message tag")
	ErrBadVersion = oops.Errorf("bad protocol version")
)

// Message is one routing-level protocol message.
type Message interface {
	// Tag is the single byte stored under the A key.
	Tag() byte
	BEncode(w *bytes.Buffer)
	DecodeKey(key []byte, r *bencode.Reader) error
	// Handle dispatches to the matching method of h.
	Handle(h Handler) error
	// SetFrom records the path id the message arrived on.
	SetFrom(id types.PathID)
	Clear()
}

// Handler receives parsed routing messages. Implemented by local Paths
// and by the endpoint side of a TransitHop.
type Handler interface {
	HandlePathConfirm(msg *PathConfirmMessage) error
	HandlePathLatency(msg *PathLatencyMessage) error
	HandleDataDiscard(msg *DataDiscardMessage) error
	HandlePathTransfer(msg *PathTransferMessage) error
	HandleObtainExit(msg *ObtainExitMessage) error
	HandleGrantExit(msg *GrantExitMessage) error
	HandleRejectExit(msg *RejectExitMessage) error
	HandleUpdateExit(msg *UpdateExitMessage) error
	HandleUpdateExitVerify(msg *UpdateExitVerifyMessage) error
	HandleCloseExit(msg *CloseExitMessage) error
	HandleTransferTraffic(msg *TransferTrafficMessage) error
	HandleDHT(msg *DHTMessage) error
}

// common carries the fields every routing message shares: the origin
// path id (set by the parser, not on the wire) and the sequence number.
type common struct {
	From types.PathID
	S    uint64
}

func (c *common) SetFrom(id types.PathID) {
	c.From = id
}

func (c *common) clear() {
	c.From = types.PathID{}
	c.S = 0
}

// decodeCommon handles the S and V keys shared by all messages.
func (c *common) decodeCommon(key []byte, r *bencode.Reader) (bool, error) {
	switch string(key) {
	case "S":
		v, err := r.ReadUint64()
		c.S = v
		return true, err
	case "V":
		v, err := r.ReadUint64()
		if err != nil {
			return true, err
		}
		if v != types.ProtoVersion {
			return true, ErrBadVersion
		}
		return true, nil
	}
	return false, nil
}

func writeTag(w *bytes.Buffer, tag byte) {
	bencode.WriteString(w, "A")
	bencode.WriteByteString(w, []byte{tag})
}
