package path

import (
	"encoding/binary"

	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/dht"
	"github.com/go-lokinet/go-lokinet/lib/routing"
)

// HandlePathConfirm finishes a build: mark success, persist the session
// to our first hop for the path's lifetime and fire the first latency
// probe.
func (p *Path) HandlePathConfirm(msg *routing.PathConfirmMessage) error {
	r := p.r
	now := r.Now()
	if p.status != StatusBuilding {
		log.WithField("path", p.Name()).Warn("unwarranted path confirm")
		return oops.Errorf("unwarranted path confirm")
	}
	log.WithField("path", p.Name()).WithField("took_ms", now-p.BuildStarted).Info("path is confirmed")
	r.Profiles().MarkPathSuccess(p.Endpoint())
	r.PersistSessionUntil(p.Upstream(), p.ExpireTime())
	p.MarkActive(now)
	p.sendLatencyProbe(now, r)
	return nil
}

// HandlePathLatency matches the echo against our outstanding probe;
// a match on a Building path is what establishes it.
func (p *Path) HandlePathLatency(msg *routing.PathLatencyMessage) error {
	r := p.r
	now := r.Now()
	p.MarkActive(now)
	if p.lastLatencyTestID == 0 || msg.Echo != p.lastLatencyTestID {
		log.WithField("upstream", p.Upstream()).Warn("unwarranted path latency message")
		return oops.Errorf("unwarranted path latency")
	}
	p.latency = now - p.lastLatencyTestTime
	if p.latency == 0 {
		p.latency = 1
	}
	p.lastLatencyTestID = 0
	if p.status == StatusBuilding {
		p.EnterState(StatusEstablished, now)
		if p.builtHook != nil {
			p.builtHook(p)
			p.builtHook = nil
		}
	}
	return nil
}

func (p *Path) HandleDataDiscard(msg *routing.DataDiscardMessage) error {
	p.MarkActive(p.r.Now())
	return nil
}

func (p *Path) HandlePathTransfer(msg *routing.PathTransferMessage) error {
	log.WithField("path", p.Name()).Warn("unwarranted path transfer message")
	return oops.Errorf("unwarranted path transfer")
}

// HandleDHT serves or consumes DHT traffic on this path: requests from
// the endpoint are answered, replies are delivered to the lookup table.
func (p *Path) HandleDHT(msg *routing.DHTMessage) error {
	r := p.r
	p.MarkActive(r.Now())
	var replies []dht.Message
	for _, sub := range msg.Msgs {
		if !r.DHT().HandleRelayedMessage(p.RXID(), sub, &replies) {
			return oops.Errorf("dht message not handled")
		}
	}
	if len(replies) > 0 {
		reply := &routing.DHTMessage{Msgs: replies}
		if !p.SendRoutingMessage(reply, r) {
			return oops.Errorf("failed to send dht reply")
		}
	}
	return nil
}

// HandleObtainExit is never warranted on a locally owned path.
func (p *Path) HandleObtainExit(msg *routing.ObtainExitMessage) error {
	log.WithField("path", p.Name()).Error("got unwarranted obtain exit message")
	return oops.Errorf("unwarranted obtain exit")
}

func (p *Path) HandleUpdateExit(msg *routing.UpdateExitMessage) error {
	log.WithField("path", p.Name()).Error("got unwarranted update exit message")
	return oops.Errorf("unwarranted update exit")
}

// HandleGrantExit accepts a grant for our outstanding request after
// checking the endpoint's signature.
func (p *Path) HandleGrantExit(msg *routing.GrantExitMessage) error {
	if p.exitObtainTX == 0 || msg.TX != p.exitObtainTX {
		log.WithField("path", p.Name()).Error("got unwarranted grant exit message")
		return oops.Errorf("unwarranted grant exit")
	}
	if err := msg.Verify(p.EndpointPubKey()); err != nil {
		log.WithField("path", p.Name()).Error("grant exit signature failed")
		return err
	}
	p.role |= RoleExit
	log.WithField("path", p.Name()).WithField("endpoint", p.Endpoint()).Info("granted exit")
	p.MarkActive(p.r.Now())
	return p.informExitResult(0)
}

// HandleRejectExit accepts a signed rejection and informs the hooks of
// the backoff.
func (p *Path) HandleRejectExit(msg *routing.RejectExitMessage) error {
	if p.exitObtainTX == 0 || msg.TX != p.exitObtainTX {
		log.WithField("path", p.Name()).Error("got unwarranted reject exit message")
		return oops.Errorf("unwarranted reject exit")
	}
	if err := msg.Verify(p.EndpointPubKey()); err != nil {
		log.WithField("path", p.Name()).Error("reject exit signature invalid")
		return err
	}
	log.WithField("path", p.Name()).WithField("endpoint", p.Endpoint()).Info("exit rejected")
	p.MarkActive(p.r.Now())
	return p.informExitResult(msg.Backoff)
}

// HandleUpdateExitVerify acknowledges an exit update or close we
// initiated.
func (p *Path) HandleUpdateExitVerify(msg *routing.UpdateExitVerifyMessage) error {
	if p.updateExitTX != 0 && msg.TX == p.updateExitTX {
		p.updateExitTX = 0
		p.MarkActive(p.r.Now())
		return nil
	}
	if p.closeExitTX != 0 && msg.TX == p.closeExitTX {
		p.closeExitTX = 0
		p.role &^= RoleExit
		p.MarkActive(p.r.Now())
		return nil
	}
	return oops.Errorf("unwarranted update exit verify")
}

// HandleCloseExit lets the exit close from its end, signature checked.
func (p *Path) HandleCloseExit(msg *routing.CloseExitMessage) error {
	if !p.SupportsAnyRoles(RoleExit | RoleSVC) {
		log.WithField("path", p.Name()).Error("unwarranted close exit message")
		return oops.Errorf("unwarranted close exit")
	}
	if err := msg.Verify(p.EndpointPubKey()); err != nil {
		log.WithField("path", p.Name()).Error("close exit message with bad signature")
		return err
	}
	log.WithField("path", p.Name()).Info("exit closed")
	p.role &^= RoleExit
	return nil
}

// HandleTransferTraffic delivers exit traffic packets, each prefixed
// with an 8 byte big-endian counter.
func (p *Path) HandleTransferTraffic(msg *routing.TransferTrafficMessage) error {
	if !p.SupportsAnyRoles(RoleExit | RoleSVC) {
		return oops.Errorf("transfer traffic on path without exit role")
	}
	p.MarkActive(p.r.Now())
	if p.exitTrafficHandler == nil {
		return oops.Errorf("no exit traffic handler")
	}
	if len(msg.Packets) == 0 {
		return oops.Errorf("empty transfer traffic")
	}
	for _, pkt := range msg.Packets {
		if len(pkt) <= 8 {
			return oops.Errorf("transfer traffic packet too small")
		}
		counter := binary.BigEndian.Uint64(pkt[:8])
		p.exitTrafficHandler(p, pkt[8:], counter)
	}
	return nil
}

// SendExitRequest issues a signed ObtainExit toward the endpoint.
func (p *Path) SendExitRequest(msg *routing.ObtainExitMessage, r Router) bool {
	log.WithField("path", p.Name()).WithField("endpoint", p.Endpoint()).Info("sending exit request")
	p.exitObtainTX = msg.TX
	return p.SendRoutingMessage(msg, r)
}

// SendExitClose drops our exit role and tells the endpoint.
func (p *Path) SendExitClose(msg *routing.CloseExitMessage, r Router) bool {
	log.WithField("path", p.Name()).WithField("endpoint", p.Endpoint()).Info("closing exit")
	p.role &^= RoleExit
	p.closeExitTX = msg.TX
	return p.SendRoutingMessage(msg, r)
}

func (p *Path) informExitResult(backoff uint64) error {
	ok := true
	for _, hook := range p.obtainedExitHooks {
		ok = hook(p, backoff) && ok
	}
	p.obtainedExitHooks = nil
	if !ok {
		return oops.Errorf("exit result hook failed")
	}
	return nil
}
