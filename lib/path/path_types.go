// Package path implements the onion path subsystem: locally built
// multi-hop circuits, the transit half-state kept for other people's
// circuits, the layered frame crypto between them and the PathContext
// that routes inbound frames to whichever of the two owns a path id.
package path

import (
	"time"

	"github.com/go-lokinet/go-lokinet/lib/dht"
	"github.com/go-lokinet/go-lokinet/lib/link"
	"github.com/go-lokinet/go-lokinet/lib/nodedb"
	"github.com/go-lokinet/go-lokinet/lib/profiling"
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/routing"
	"github.com/go-lokinet/go-lokinet/lib/types"
	"github.com/go-lokinet/go-lokinet/lib/util/logger"
	"github.com/go-lokinet/go-lokinet/lib/worker"
)

var log = logger.GetLogger()

const (
	// MaxHops is the largest hop count a build supports, equal to the LR
	// Commit frame count.
	MaxHops = link.NumLRFrames
	// DefaultLifetime is how long a path lives after its build started.
	DefaultLifetime = 10 * time.Minute
	// BuildTimeout moves a Building path to Timeout.
	BuildTimeout = 30 * time.Second
	// AliveTimeout moves an Established path with no traffic to Timeout.
	AliveTimeout = 10 * time.Second
	// LatencyInterval paces keepalive latency probes.
	LatencyInterval = 5 * time.Second
	// MinBuildInterval is the builder cooldown floor.
	MinBuildInterval = 500 * time.Millisecond
)

// Status is a path's lifecycle state.
type Status int

const (
	StatusBuilding Status = iota
	StatusEstablished
	StatusTimeout
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusBuilding:
		return "building"
	case StatusEstablished:
		return "established"
	case StatusTimeout:
		return "timeout"
	case StatusExpired:
		return "expired"
	}
	return "unknown"
}

// Role is a bitmask of what a path is used for.
type Role uint64

const (
	RoleAny  Role = 0
	RoleExit Role = 1 << 0
	RoleSVC  Role = 1 << 1
	RoleIP   Role = 1 << 2
)

// Router is what the path subsystem needs from its owning router. The
// concrete router satisfies this; tests satisfy it with less.
type Router interface {
	Now() uint64
	OurKey() types.RouterID
	OurRC() *rc.RouterContact
	EncryptionSecretKey() types.SecretKey
	IdentitySecretKey() types.SecretKey
	Logic() *worker.Logic
	CryptoWorker() *worker.Pool
	NodeDB() *nodedb.NodeDB
	Profiles() *profiling.Profiles
	DHT() *dht.Context
	Paths() *Context
	SendToOrQueue(remote types.RouterID, msg link.Message) bool
	PersistSessionUntil(remote types.RouterID, until uint64)
	NumberOfConnectedRouters() int
	GetRandomConnectedRouter() (*rc.RouterContact, bool)
	ParseRoutingMessageBuffer(buf []byte, h routing.Handler, from types.PathID) bool
}

// HopHandler is either end of a path id: a local Path or a TransitHop.
type HopHandler interface {
	Expired(now uint64) bool
	ExpiresSoon(now, dlt uint64) bool
	SendRoutingMessage(msg routing.Message, r Router) bool
	HandleUpstream(x []byte, y types.TunnelNonce, r Router) bool
	HandleDownstream(x []byte, y types.TunnelNonce, r Router) bool
	LastRemoteActivityAt() uint64
}

// Hop is one segment of a locally built path.
type Hop struct {
	RC       *rc.RouterContact
	TxID     types.PathID
	RxID     types.PathID
	CommKey  types.SecretKey // ephemeral key-exchange keypair
	Shared   types.SharedSecret
	NonceXOR types.ShortHash
	Upstream types.RouterID
	Nonce    types.TunnelNonce // key-exchange nonce
	Lifetime uint64            // ms
}
