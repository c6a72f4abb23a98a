package routing

import (
	"github.com/go-lokinet/go-lokinet/lib/bencode"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

// messageHolder reuses one value of each message kind between parses,
// the way the inbound link parser does.
type messageHolder struct {
	confirm  PathConfirmMessage
	latency  PathLatencyMessage
	discard  DataDiscardMessage
	transfer PathTransferMessage
	obtain   ObtainExitMessage
	grant    GrantExitMessage
	reject   RejectExitMessage
	update   UpdateExitMessage
	verify   UpdateExitVerifyMessage
	closeEx  CloseExitMessage
	traffic  TransferTrafficMessage
	dht      DHTMessage
}

func (h *messageHolder) byTag(tag byte) Message {
	switch tag {
	case 'P':
		return &h.confirm
	case 'L':
		return &h.latency
	case 'D':
		return &h.discard
	case 'T':
		return &h.transfer
	case 'O':
		return &h.obtain
	case 'G':
		return &h.grant
	case 'J':
		return &h.reject
	case 'U':
		return &h.update
	case 'F':
		return &h.verify
	case 'C':
		return &h.closeEx
	case 'I':
		return &h.traffic
	case 'M':
		return &h.dht
	default:
		return nil
	}
}

// InboundMessageParser decodes a routing message from a decrypted path
// frame and dispatches it to a handler.
type InboundMessageParser struct {
	holder messageHolder
}

func NewInboundMessageParser() *InboundMessageParser {
	return new(InboundMessageParser)
}

// ParseMessageBuffer decodes one routing message. The first dict key
// must be the A tag; trailing pad bytes after the dict are ignored. On a
// clean parse the message is handed to h.
func (p *InboundMessageParser) ParseMessageBuffer(buf []byte, h Handler, from types.PathID) error {
	var msg Message
	first := true
	r := bencode.NewReader(buf)
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
			msg = p.holder.byTag(tag[0])
			if msg == nil {
				return false, ErrUnknownTag
			}
			msg.Clear()
			msg.SetFrom(from)
			return true, nil
		}
		return true, msg.DecodeKey(key, r)
	})
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrNoTag
	}
	return msg.Handle(h)
}
