package path

import (
	"bytes"

	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/bencode"
	"github.com/go-lokinet/go-lokinet/lib/crypto"
	"github.com/go-lokinet/go-lokinet/lib/link"
	"github.com/go-lokinet/go-lokinet/lib/routing"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

// LRCommitRecord is one hop's share of a path build, sealed inside its
// encrypted frame: the key-exchange material and the ids the hop must
// install.
type LRCommitRecord struct {
	CommKey     types.PubKey      // c, builder's ephemeral pubkey
	NextHop     types.RouterID    // i
	TunnelNonce types.TunnelNonce // n
	RxID        types.PathID      // r
	TxID        types.PathID      // t
	Lifetime    uint64            // u, ms
}

func (rec *LRCommitRecord) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	bencode.WriteDictBytes(w, "c", rec.CommKey[:])
	bencode.WriteDictBytes(w, "i", rec.NextHop[:])
	bencode.WriteDictBytes(w, "n", rec.TunnelNonce[:])
	bencode.WriteDictBytes(w, "r", rec.RxID[:])
	bencode.WriteDictBytes(w, "t", rec.TxID[:])
	bencode.WriteDictUint64(w, "u", rec.Lifetime)
	bencode.WriteDictUint64(w, "v", types.ProtoVersion)
	bencode.End(w)
}

func (rec *LRCommitRecord) BDecode(r *bencode.Reader) error {
	return r.ReadDict(func(key []byte, r *bencode.Reader) (bool, error) {
		if key == nil {
			return false, nil
		}
		switch string(key) {
		case "c":
			return true, r.ReadExact(rec.CommKey[:])
		case "i":
			return true, r.ReadExact(rec.NextHop[:])
		case "n":
			return true, r.ReadExact(rec.TunnelNonce[:])
		case "r":
			return true, r.ReadExact(rec.RxID[:])
		case "t":
			return true, r.ReadExact(rec.TxID[:])
		case "u":
			v, err := r.ReadUint64()
			rec.Lifetime = v
			return true, err
		case "v":
			v, err := r.ReadUint64()
			if err != nil {
				return false, err
			}
			if v != types.ProtoVersion {
				return false, oops.Errorf("bad lr record version %d", v)
			}
			return true, nil
		default:
			return true, r.Skip()
		}
	})
}

// sealRecord encodes the record into a frame body, pads the remainder
// with noise and seals the frame to the hop's encryption key.
func sealRecord(frame *crypto.EncryptedFrame, rec *LRCommitRecord, hopEncKey types.PubKey) error {
	var w bytes.Buffer
	rec.BEncode(&w)
	body := frame.Body()
	if w.Len() > len(body) {
		return oops.Errorf("lr commit record too large: %d", w.Len())
	}
	copy(body, w.Bytes())
	types.Randomize(body[w.Len():])
	frameKey := crypto.EncryptionKeygen()
	return frame.EncryptInPlace(frameKey, hopEncKey)
}

// HandleRelayCommit accepts an LR Commit arriving from a neighbor: our
// frame is opened on the crypto pool, then the transit hop is installed
// on the logic queue and the ratcheted message forwarded, or confirmed
// if we are the last hop.
func (c *Context) HandleRelayCommit(from types.RouterID, msg *link.LRCommitMessage) bool {
	if !c.AllowingTransit() {
		log.WithField("from", from).Warn("lr commit when transit is not allowed")
		return false
	}
	r := c.r
	frames := msg.Frames
	r.CryptoWorker().Queue(func() {
		frame := frames[0]
		if err := frame.DecryptInPlace(r.EncryptionSecretKey()); err != nil {
			log.WithError(err).WithField("from", from).Warn("failed to open lr commit frame")
			return
		}
		rec := new(LRCommitRecord)
		if err := rec.BDecode(bencode.NewReader(frame.Body())); err != nil {
			log.WithError(err).WithField("from", from).Warn("failed to decode lr commit record")
			return
		}
		var shared types.SharedSecret
		if err := crypto.DHServer(&shared, rec.CommKey, r.EncryptionSecretKey(), rec.TunnelNonce); err != nil {
			log.WithError(err).Warn("lr commit key exchange failed")
			return
		}
		hop := &TransitHop{
			Info: TransitHopInfo{
				TxID:       rec.TxID,
				RxID:       rec.RxID,
				Upstream:   rec.NextHop,
				Downstream: from,
			},
			PathKey:  shared,
			NonceXOR: crypto.Shorthash(shared[:]),
			Lifetime: rec.Lifetime,
			r:        r,
		}
		if hop.Lifetime == 0 || hop.Lifetime > uint64(DefaultLifetime.Milliseconds()) {
			hop.Lifetime = uint64(DefaultLifetime.Milliseconds())
		}
		r.Logic().Queue(func() {
			c.installTransitHop(hop, frames)
		})
	})
	return true
}

func (c *Context) installTransitHop(hop *TransitHop, frames [link.NumLRFrames]crypto.EncryptedFrame) {
	r := c.r
	now := r.Now()
	hop.Started = now
	if c.HasTransitHop(hop.Info) {
		log.WithField("info", hop.Info).Warn("duplicate transit hop")
		return
	}
	c.PutTransitHop(hop)
	if hop.IsEndpoint(r.OurKey()) {
		// we terminate this path; confirm the build back to the owner
		log.WithField("info", hop.Info).Info("accepted transit path as endpoint")
		confirm := routing.NewPathConfirm(hop.Lifetime, now)
		if !hop.SendRoutingMessage(confirm, r) {
			log.WithField("info", hop.Info).Error("failed to send path confirm")
		}
		return
	}
	// ratchet the frames: pop ours, top up with noise, pass it on
	fwd := new(link.LRCommitMessage)
	copy(fwd.Frames[:], frames[1:])
	fwd.Frames[link.NumLRFrames-1].Randomize()
	log.WithField("info", hop.Info).Debug("forwarding lr commit")
	r.PersistSessionUntil(hop.Info.Upstream, hop.ExpireTime())
	if !c.ForwardLRCM(hop.Info.Upstream, fwd) {
		log.WithField("upstream", hop.Info.Upstream).Error("failed to forward lr commit")
	}
}
