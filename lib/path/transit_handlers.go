package path

import (
	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/dht"
	"github.com/go-lokinet/go-lokinet/lib/routing"
)

// The endpoint side of a transit hop is a routing message handler: it
// serves DHT requests, answers latency probes and moves path transfers.
// Messages that only make sense on a locally owned path are rejected.

var errUnwarranted = oops.Errorf("unwarranted routing message on transit hop")

func (t *TransitHop) router() Router { return t.r }

func (t *TransitHop) HandlePathConfirm(msg *routing.PathConfirmMessage) error {
	log.WithField("info", t.Info).Warn("unwarranted path confirm on transit hop")
	return errUnwarranted
}

// HandlePathLatency echoes the probe value back down the path.
func (t *TransitHop) HandlePathLatency(msg *routing.PathLatencyMessage) error {
	r := t.router()
	t.lastActivity = r.Now()
	reply := &routing.PathLatencyMessage{Echo: msg.Sent}
	if !t.SendRoutingMessage(reply, r) {
		return oops.Errorf("failed to send latency echo")
	}
	return nil
}

func (t *TransitHop) HandleDataDiscard(msg *routing.DataDiscardMessage) error {
	t.lastActivity = t.router().Now()
	return nil
}

// HandlePathTransfer moves a sealed frame onto the other path we
// terminate, identified by the destination path id.
func (t *TransitHop) HandlePathTransfer(msg *routing.PathTransferMessage) error {
	r := t.router()
	other := r.Paths().GetPathForTransfer(msg.PathID)
	if other == nil {
		log.WithField("pathid", msg.PathID).Warn("path transfer to unknown path")
		return oops.Errorf("no transit path for transfer")
	}
	t.lastActivity = r.Now()
	fwd := &routing.PathTransferMessage{
		PathID: msg.PathID,
		Frame:  msg.Frame,
		Nonce:  msg.Nonce,
	}
	if !other.SendRoutingMessage(fwd, r) {
		return oops.Errorf("failed to forward path transfer")
	}
	return nil
}

// HandleDHT serves DHT requests carried on the path; replies travel
// back down the same path id.
func (t *TransitHop) HandleDHT(msg *routing.DHTMessage) error {
	r := t.router()
	t.lastActivity = r.Now()
	var replies []dht.Message
	for _, sub := range msg.Msgs {
		if !r.DHT().HandleRelayedMessage(t.Info.RxID, sub, &replies) {
			return oops.Errorf("dht message not handled")
		}
	}
	if len(replies) > 0 {
		reply := &routing.DHTMessage{Msgs: replies}
		if !t.SendRoutingMessage(reply, r) {
			return oops.Errorf("failed to send dht reply")
		}
	}
	return nil
}

// Exit handling at a transit endpoint is not served by this router;
// requests are answered with a signed reject so the client can move on.
func (t *TransitHop) HandleObtainExit(msg *routing.ObtainExitMessage) error {
	r := t.router()
	t.lastActivity = r.Now()
	if err := msg.Verify(); err != nil {
		log.WithError(err).Warn("obtain exit with bad signature")
		return err
	}
	reject := &routing.RejectExitMessage{}
	reject.TX = msg.TX
	if err := reject.Sign(r.IdentitySecretKey()); err != nil {
		return err
	}
	if !t.SendRoutingMessage(reject, r) {
		return oops.Errorf("failed to send exit reject")
	}
	return nil
}

func (t *TransitHop) HandleGrantExit(msg *routing.GrantExitMessage) error {
	return errUnwarranted
}

func (t *TransitHop) HandleRejectExit(msg *routing.RejectExitMessage) error {
	return errUnwarranted
}

func (t *TransitHop) HandleUpdateExit(msg *routing.UpdateExitMessage) error {
	return errUnwarranted
}

func (t *TransitHop) HandleUpdateExitVerify(msg *routing.UpdateExitVerifyMessage) error {
	return errUnwarranted
}

func (t *TransitHop) HandleCloseExit(msg *routing.CloseExitMessage) error {
	return errUnwarranted
}

func (t *TransitHop) HandleTransferTraffic(msg *routing.TransferTrafficMessage) error {
	log.WithField("info", t.Info).Warn("transfer traffic on transit hop without exit session")
	return errUnwarranted
}
