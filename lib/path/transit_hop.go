package path

import (
	"bytes"
	"fmt"

	"github.com/go-lokinet/go-lokinet/lib/crypto"
	"github.com/go-lokinet/go-lokinet/lib/link"
	"github.com/go-lokinet/go-lokinet/lib/routing"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

// TransitHopInfo identifies one segment of someone else's path through
// us.
type TransitHopInfo struct {
	TxID       types.PathID
	RxID       types.PathID
	Upstream   types.RouterID
	Downstream types.RouterID
}

func (i TransitHopInfo) String() string {
	return fmt.Sprintf("<tx=%s rx=%s upstream=%s downstream=%s>", i.TxID, i.RxID, i.Upstream, i.Downstream)
}

// TransitHop is our half-state for a relayed path segment: one symmetric
// key, one nonce mask, and the two neighbors. It is stored under both of
// its path ids.
type TransitHop struct {
	Info         TransitHopInfo
	PathKey      types.SharedSecret
	NonceXOR     types.ShortHash
	Started      uint64
	Lifetime     uint64 // ms
	seqno        uint64
	lastActivity uint64

	// r is the owning router, set when the hop is installed
	r Router
}

// IsEndpoint reports whether we terminate this path.
func (t *TransitHop) IsEndpoint(us types.RouterID) bool {
	return t.Info.Upstream == us
}

func (t *TransitHop) ExpireTime() uint64 {
	return t.Started + t.Lifetime
}

func (t *TransitHop) Expired(now uint64) bool {
	return now >= t.ExpireTime()
}

func (t *TransitHop) ExpiresSoon(now, dlt uint64) bool {
	return now+dlt >= t.ExpireTime()
}

func (t *TransitHop) LastRemoteActivityAt() uint64 {
	return t.lastActivity
}

// HandleUpstream peels our layer and either forwards toward the
// endpoint or, if we are the endpoint, parses the recovered routing
// message.
func (t *TransitHop) HandleUpstream(x []byte, y types.TunnelNonce, r Router) bool {
	if err := crypto.XChaCha20(x, t.PathKey, y); err != nil {
		log.WithError(err).Error("transit hop upstream crypto failed")
		return false
	}
	if t.IsEndpoint(r.OurKey()) {
		t.lastActivity = r.Now()
		return r.ParseRoutingMessageBuffer(x, t, t.Info.RxID)
	}
	msg := &link.RelayUpstreamMessage{
		PathID: t.Info.TxID,
		X:      x,
		Y:      types.MutateNonce(y, t.NonceXOR),
	}
	return r.SendToOrQueue(t.Info.Upstream, msg)
}

// HandleDownstream adds our layer and forwards toward the path owner.
func (t *TransitHop) HandleDownstream(x []byte, y types.TunnelNonce, r Router) bool {
	if err := crypto.XChaCha20(x, t.PathKey, y); err != nil {
		log.WithError(err).Error("transit hop downstream crypto failed")
		return false
	}
	msg := &link.RelayDownstreamMessage{
		PathID: t.Info.RxID,
		X:      x,
		Y:      types.MutateNonce(y, t.NonceXOR),
	}
	return r.SendToOrQueue(t.Info.Downstream, msg)
}

// SendRoutingMessage sends a routing message from the endpoint back
// toward the path owner: encode, pad, fresh nonce, one layer, forward.
func (t *TransitHop) SendRoutingMessage(msg routing.Message, r Router) bool {
	var w bytes.Buffer
	msg.BEncode(&w)
	buf := w.Bytes()
	if len(buf) > types.MaxLinkMsgSize/2 {
		log.Error("transit routing message too big")
		return false
	}
	if len(buf) < types.MessagePadSize {
		pad := make([]byte, types.MessagePadSize-len(buf))
		types.Randomize(pad)
		buf = append(buf, pad...)
	}
	t.seqno++
	y := types.RandomTunnelNonce()
	return t.HandleDownstream(buf, y, r)
}
