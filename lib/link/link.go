// Package link defines the boundary to the wire transport. The
// transport itself lives outside the core; this package holds the
// interfaces it must satisfy, the link-level message codecs and the
// parser that turns inbound datagrams into dispatched messages.
package link

import (
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/types"
	"github.com/go-lokinet/go-lokinet/lib/util/logger"
)

var log = logger.GetLogger()

// Session is one authenticated connection to a remote router.
type Session interface {
	RemoteRouter() types.RouterID
	RemoteRC() *rc.RouterContact
}

// LinkLayer moves bencoded link messages to and from peers.
type LinkLayer interface {
	Name() string
	HasSessionTo(id types.RouterID) bool
	// SendTo delivers one bencoded link message over an open session.
	SendTo(id types.RouterID, buf []byte) bool
	// TryEstablishTo starts an async session attempt; the outcome is
	// reported through the layer's event callbacks.
	TryEstablishTo(contact *rc.RouterContact) bool
	KeepAliveSessionTo(id types.RouterID) bool
	CloseSessionTo(id types.RouterID)
	Start() error
	Stop()
}

// Events is how a transport reports session lifecycle back to the
// router. All calls are posted to the logic queue by the transport.
type Events interface {
	OnSessionEstablished(s Session)
	OnConnectTimeout(id types.RouterID)
	OnSessionClosed(id types.RouterID)
	// OnLinkMessage hands an inbound datagram up for parsing.
	OnLinkMessage(s Session, buf []byte)
}
