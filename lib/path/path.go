package path

import (
	"bytes"
	"fmt"

	"github.com/go-lokinet/go-lokinet/lib/crypto"
	"github.com/go-lokinet/go-lokinet/lib/link"
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/routing"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

// BuildResultHook is told about a path reaching Established.
type BuildResultHook func(*Path)

// CheckForDead lets an owner veto the alive-timeout verdict.
type CheckForDead func(*Path, uint64) bool

// ExitTrafficHandler receives exit traffic recovered on this path.
type ExitTrafficHandler func(*Path, []byte, uint64) bool

// ObtainedExitHook is told the outcome of an exit request; backoff is
// zero on success.
type ObtainedExitHook func(*Path, uint64) bool

// Path is a circuit we built: an ordered hop list, nearest first, and
// the state machine driving it.
type Path struct {
	Hops         []Hop
	BuildStarted uint64

	set  *PathSet
	r    Router
	role Role

	status              Status
	latency             uint64
	lastRecv            uint64
	lastLatencyTestTime uint64
	lastLatencyTestID   uint64
	seqno               uint64

	builtHook          BuildResultHook
	checkForDead       CheckForDead
	exitTrafficHandler ExitTrafficHandler
	obtainedExitHooks  []ObtainedExitHook
	exitObtainTX       uint64
	updateExitTX       uint64
	closeExitTX        uint64
}

// NewPath assembles a path over the given routers, drawing fresh path
// ids for every hop and chaining h[i].txID == h[i+1].rxID. The last
// hop's txID is the path's introduction id.
func NewPath(r Router, routers []*rc.RouterContact, set *PathSet, role Role) *Path {
	p := &Path{
		Hops: make([]Hop, len(routers)),
		set:  set,
		r:    r,
		role: role,
	}
	for i := range routers {
		p.Hops[i].RC = routers[i]
		p.Hops[i].TxID = types.RandomPathID()
		p.Hops[i].RxID = types.RandomPathID()
		p.Hops[i].Lifetime = uint64(DefaultLifetime.Milliseconds())
	}
	for i := 0; i+1 < len(p.Hops); i++ {
		p.Hops[i].TxID = p.Hops[i+1].RxID
	}
	p.EnterState(StatusBuilding, r.Now())
	return p
}

func (p *Path) Name() string {
	return fmt.Sprintf("TX=%s RX=%s", p.TXID(), p.RXID())
}

func (p *Path) Role() Role      { return p.role }
func (p *Path) Status() Status  { return p.status }
func (p *Path) Latency() uint64 { return p.latency }

// SupportsAnyRoles reports whether the path serves any of roles.
func (p *Path) SupportsAnyRoles(roles Role) bool {
	return roles == RoleAny || p.role&roles != 0
}

func (p *Path) TXID() types.PathID { return p.Hops[0].TxID }
func (p *Path) RXID() types.PathID { return p.Hops[0].RxID }

// Upstream is the first hop, the router we hand upstream frames to.
func (p *Path) Upstream() types.RouterID {
	return p.Hops[0].RC.RouterID()
}

// Endpoint is the far end of the path.
func (p *Path) Endpoint() types.RouterID {
	return p.Hops[len(p.Hops)-1].RC.RouterID()
}

func (p *Path) EndpointPubKey() types.PubKey {
	return p.Hops[len(p.Hops)-1].RC.PubKey
}

// IntroID is the last hop's txID, handed out as this path's
// introduction.
func (p *Path) IntroID() types.PathID {
	return p.Hops[len(p.Hops)-1].TxID
}

// IsReady reports an established path with a measured latency.
func (p *Path) IsReady() bool {
	return p.latency > 0 && p.status == StatusEstablished
}

func (p *Path) SetBuildResultHook(f BuildResultHook)       { p.builtHook = f }
func (p *Path) SetDeadChecker(f CheckForDead)              { p.checkForDead = f }
func (p *Path) SetExitTrafficHandler(f ExitTrafficHandler) { p.exitTrafficHandler = f }

func (p *Path) AddObtainExitHandler(f ObtainedExitHook) {
	p.obtainedExitHooks = append(p.obtainedExitHooks, f)
}

// MarkActive records remote liveness.
func (p *Path) MarkActive(now uint64) {
	if now > p.lastRecv {
		p.lastRecv = now
	}
}

func (p *Path) LastRemoteActivityAt() uint64 {
	return p.lastRecv
}

// ExpireTime is bounded by the shortest hop lifetime.
func (p *Path) ExpireTime() uint64 {
	min := p.Hops[0].Lifetime
	for _, h := range p.Hops[1:] {
		if h.Lifetime < min {
			min = h.Lifetime
		}
	}
	return p.BuildStarted + min
}

func (p *Path) ExpiresSoon(now, dlt uint64) bool {
	return now+dlt >= p.ExpireTime()
}

func (p *Path) Expired(now uint64) bool {
	switch p.status {
	case StatusEstablished:
		return now >= p.ExpireTime()
	case StatusBuilding:
		return false
	default:
		return true
	}
}

// EnterState moves the state machine; Timeout notifies the parent set.
func (p *Path) EnterState(st Status, now uint64) {
	switch st {
	case StatusBuilding:
		log.WithField("path", p.Name()).Info("path is building")
		p.BuildStarted = now
	case StatusEstablished:
		if p.status == StatusBuilding {
			log.WithField("path", p.Name()).Info("path is built")
		}
	case StatusTimeout:
		p.set.HandlePathBuildTimeout(p)
	}
	p.status = st
}

// Tick drives timeouts and keepalive probes.
func (p *Path) Tick(now uint64, r Router) {
	if p.Expired(now) {
		return
	}
	if p.status == StatusBuilding {
		if now >= p.BuildStarted && now-p.BuildStarted >= uint64(BuildTimeout.Milliseconds()) {
			r.Profiles().MarkPathFail(p.Endpoint())
			p.EnterState(StatusTimeout, now)
			return
		}
	}
	dlt := now - p.lastLatencyTestTime
	if p.status == StatusEstablished && dlt > uint64(LatencyInterval.Milliseconds()) && p.lastLatencyTestID == 0 {
		p.sendLatencyProbe(now, r)
	}
	if p.status != StatusEstablished {
		return
	}
	if p.lastRecv != 0 && now > p.lastRecv && now-p.lastRecv >= uint64(AliveTimeout.Milliseconds()) {
		if p.checkForDead != nil && !p.checkForDead(p, now-p.lastRecv) {
			return
		}
		r.Profiles().MarkPathFail(p.Endpoint())
		p.EnterState(StatusTimeout, now)
	}
}

func (p *Path) sendLatencyProbe(now uint64, r Router) {
	probe := new(routing.PathLatencyMessage)
	var tmp [8]byte
	types.Randomize(tmp[:])
	for i, b := range tmp {
		probe.Sent |= uint64(b) << (8 * i)
	}
	if probe.Sent == 0 {
		probe.Sent = 1
	}
	p.lastLatencyTestID = probe.Sent
	p.lastLatencyTestTime = now
	p.SendRoutingMessage(probe, r)
}

// HandleUpstream onion-wraps a padded routing frame, one layer per hop
// near to far, mutating the nonce after each layer, and hands the sealed
// frame to the first hop.
func (p *Path) HandleUpstream(x []byte, y types.TunnelNonce, r Router) bool {
	n := y
	for i := range p.Hops {
		if err := crypto.XChaCha20(x, p.Hops[i].Shared, n); err != nil {
			log.WithError(err).Error("upstream crypto failed")
			return false
		}
		n = types.MutateNonce(n, p.Hops[i].NonceXOR)
	}
	msg := &link.RelayUpstreamMessage{
		PathID: p.TXID(),
		X:      x,
		Y:      y,
	}
	if r.SendToOrQueue(p.Upstream(), msg) {
		return true
	}
	log.WithField("upstream", p.Upstream()).Error("send to upstream failed")
	return false
}

// HandleDownstream peels every layer, mutating the nonce before each
// one, and parses the recovered routing message.
func (p *Path) HandleDownstream(x []byte, y types.TunnelNonce, r Router) bool {
	n := y
	for i := range p.Hops {
		n = types.MutateNonce(n, p.Hops[i].NonceXOR)
		if err := crypto.XChaCha20(x, p.Hops[i].Shared, n); err != nil {
			log.WithError(err).Error("downstream crypto failed")
			return false
		}
	}
	return p.HandleRoutingMessage(x, r)
}

// HandleRoutingMessage parses a recovered plaintext frame and updates
// liveness regardless of content.
func (p *Path) HandleRoutingMessage(buf []byte, r Router) bool {
	if !r.ParseRoutingMessageBuffer(buf, p, p.RXID()) {
		log.Warn("failed to parse inbound routing message")
		return false
	}
	p.lastRecv = r.Now()
	return true
}

// SendRoutingMessage bencodes, pads to the normalized size with random
// bytes, draws a fresh nonce and sends the frame upstream.
func (p *Path) SendRoutingMessage(msg routing.Message, r Router) bool {
	var w bytes.Buffer
	msg.BEncode(&w)
	buf := w.Bytes()
	if len(buf) > types.MaxLinkMsgSize/2 {
		log.Error("routing message too big")
		return false
	}
	if len(buf) < types.MessagePadSize {
		pad := make([]byte, types.MessagePadSize-len(buf))
		types.Randomize(pad)
		buf = append(buf, pad...)
	}
	p.seqno++
	y := types.RandomTunnelNonce()
	return p.HandleUpstream(buf, y, r)
}
