package link

import (
	"github.com/go-lokinet/go-lokinet/lib/bencode"
)

// InboundMessageParser decodes link messages off the wire and hands
// them to the router.
type InboundMessageParser struct {
	handler Handler
	holder  struct {
		intro      LinkIntroMessage
		upstream   RelayUpstreamMessage
		downstream RelayDownstreamMessage
		commit     LRCommitMessage
		immediate  DHTImmediateMessage
		discard    DiscardMessage
	}
}

func NewInboundMessageParser(h Handler) *InboundMessageParser {
	return &InboundMessageParser{handler: h}
}

func (p *InboundMessageParser) byTag(tag byte) Message {
	switch tag {
	case 'i':
		return &p.holder.intro
	case 'u':
		return &p.holder.upstream
	case 'd':
		return &p.holder.downstream
	case 'c':
		return &p.holder.commit
	case 'm':
		return &p.holder.immediate
	case 'x':
		return &p.holder.discard
	default:
		return nil
	}
}

// ProcessFrom parses one datagram from a session and dispatches it. A
// codec failure drops the message without touching any state.
func (p *InboundMessageParser) ProcessFrom(src Session, buf []byte) bool {
	if src == nil {
		log.Warn("no link session")
		return false
	}
	var msg Message
	first := true
	r := bencode.NewReader(buf)
	err := r.ReadDict(func(key []byte, r *bencode.Reader) (bool, error) {
		if key == nil {
			return false, nil
		}
		if first {
			first = false
			// the first key must be the message tag
			if string(key) != "a" {
				return false, ErrNoTag
			}
			tag, err := r.ReadByteString()
			if err != nil {
				return false, err
			}
			if len(tag) != 1 {
				return false, ErrNoTag
			}
			msg = p.byTag(tag[0])
			if msg == nil {
				return false, ErrUnknownTag
			}
			msg.Clear()
			return true, nil
		}
		return true, msg.DecodeKey(key, r)
	})
	if err != nil || msg == nil {
		log.WithError(err).Warn("failed to parse inbound link message")
		return false
	}
	from := src.RemoteRouter()
	switch m := msg.(type) {
	case *LinkIntroMessage:
		return p.handler.HandleLinkIntro(src, m)
	case *RelayUpstreamMessage:
		return p.handler.HandleRelayUpstream(from, m)
	case *RelayDownstreamMessage:
		return p.handler.HandleRelayDownstream(from, m)
	case *LRCommitMessage:
		return p.handler.HandleLRCommit(from, m)
	case *DHTImmediateMessage:
		return p.handler.HandleDHTImmediate(from, m)
	case *DiscardMessage:
		return p.handler.HandleDiscard(from, m)
	}
	return false
}
