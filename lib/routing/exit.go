package routing

import (
	"bytes"

	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/bencode"
	"github.com/go-lokinet/go-lokinet/lib/crypto"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

var ErrExitSignature = oops.Errorf("exit message signature invalid")

// Nonce16 salts signed exit messages.
type Nonce16 [16]byte

func randomNonce16() (n Nonce16) {
	types.Randomize(n[:])
	return
}

// ExitPolicy is one traffic rule: protocol, port, drop flag. Dict keys
// a, b, d, v.
type ExitPolicy struct {
	Proto uint64
	Port  uint64
	Drop  uint64
}

func (p *ExitPolicy) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	bencode.WriteDictUint64(w, "a", p.Proto)
	bencode.WriteDictUint64(w, "b", p.Port)
	bencode.WriteDictUint64(w, "d", p.Drop)
	bencode.WriteDictUint64(w, "v", types.ProtoVersion)
	bencode.End(w)
}

func (p *ExitPolicy) BDecode(r *bencode.Reader) error {
	return r.ReadDict(func(key []byte, r *bencode.Reader) (bool, error) {
		if key == nil {
			return false, nil
		}
		var dst *uint64
		switch string(key) {
		case "a":
			dst = &p.Proto
		case "b":
			dst = &p.Port
		case "d":
			dst = &p.Drop
		default:
			return true, r.Skip()
		}
		v, err := r.ReadUint64()
		*dst = v
		return true, err
	})
}

func writePolicyList(w *bytes.Buffer, key string, ps []ExitPolicy) {
	bencode.WriteString(w, key)
	bencode.BeginList(w)
	for i := range ps {
		ps[i].BEncode(w)
	}
	bencode.End(w)
}

func readPolicyList(r *bencode.Reader, ps *[]ExitPolicy) error {
	*ps = nil
	return r.ReadList(func(r *bencode.Reader) (bool, error) {
		var p ExitPolicy
		if err := p.BDecode(r); err != nil {
			return false, err
		}
		*ps = append(*ps, p)
		return true, nil
	})
}

// ObtainExitMessage asks the endpoint to act as an exit for us. Tag O.
// Signed with the key in I.
type ObtainExitMessage struct {
	common
	Blacklist []ExitPolicy    // B
	Exit      uint64          // E
	Ident     types.PubKey    // I
	TX        uint64          // T
	Whitelist []ExitPolicy    // W
	Lifetime  uint64          // X
	Sig       types.Signature // Z
}

func (m *ObtainExitMessage) Tag() byte { return 'O' }

func (m *ObtainExitMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	writeTag(w, m.Tag())
	writePolicyList(w, "B", m.Blacklist)
	bencode.WriteDictUint64(w, "E", m.Exit)
	bencode.WriteDictBytes(w, "I", m.Ident[:])
	bencode.WriteDictUint64(w, "S", m.S)
	bencode.WriteDictUint64(w, "T", m.TX)
	bencode.WriteDictUint64(w, "V", types.ProtoVersion)
	writePolicyList(w, "W", m.Whitelist)
	bencode.WriteDictUint64(w, "X", m.Lifetime)
	bencode.WriteDictBytes(w, "Z", m.Sig[:])
	bencode.End(w)
}

func (m *ObtainExitMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	if done, err := m.decodeCommon(key, r); done {
		return err
	}
	switch string(key) {
	case "B":
		return readPolicyList(r, &m.Blacklist)
	case "E":
		v, err := r.ReadUint64()
		m.Exit = v
		return err
	case "I":
		return r.ReadExact(m.Ident[:])
	case "T":
		v, err := r.ReadUint64()
		m.TX = v
		return err
	case "W":
		return readPolicyList(r, &m.Whitelist)
	case "X":
		v, err := r.ReadUint64()
		m.Lifetime = v
		return err
	case "Z":
		return r.ReadExact(m.Sig[:])
	default:
		return r.Skip()
	}
}

// Sign fills I from sk and signs the body with Z zeroed.
func (m *ObtainExitMessage) Sign(sk types.SecretKey) error {
	m.Ident = types.PubKey(crypto.SecKeyToPublic(sk))
	m.Sig = types.Signature{}
	var w bytes.Buffer
	m.BEncode(&w)
	sig, err := crypto.Sign(sk, w.Bytes())
	if err != nil {
		return err
	}
	m.Sig = sig
	return nil
}

func (m *ObtainExitMessage) Verify() error {
	cp := *m
	cp.Sig = types.Signature{}
	var w bytes.Buffer
	cp.BEncode(&w)
	if !crypto.Verify(m.Ident, w.Bytes(), m.Sig) {
		return ErrExitSignature
	}
	return nil
}

func (m *ObtainExitMessage) Handle(h Handler) error { return h.HandleObtainExit(m) }

func (m *ObtainExitMessage) Clear() {
	*m = ObtainExitMessage{}
}

// signedTYZ is the shared shape of the small signed exit replies:
// a transaction id, a salt nonce and a signature.
type signedTYZ struct {
	common
	TX    uint64          // T
	Nonce Nonce16         // Y
	Sig   types.Signature // Z
}

func (m *signedTYZ) encodeBody(w *bytes.Buffer, tag byte, extra func(*bytes.Buffer)) {
	bencode.BeginDict(w)
	writeTag(w, tag)
	if extra != nil {
		extra(w)
	}
	bencode.WriteDictUint64(w, "S", m.S)
	bencode.WriteDictUint64(w, "T", m.TX)
	bencode.WriteDictUint64(w, "V", types.ProtoVersion)
	bencode.WriteDictBytes(w, "Y", m.Nonce[:])
	bencode.WriteDictBytes(w, "Z", m.Sig[:])
	bencode.End(w)
}

func (m *signedTYZ) decodeKey(key []byte, r *bencode.Reader) error {
	if done, err := m.decodeCommon(key, r); done {
		return err
	}
	switch string(key) {
	case "T":
		v, err := r.ReadUint64()
		m.TX = v
		return err
	case "Y":
		return r.ReadExact(m.Nonce[:])
	case "Z":
		return r.ReadExact(m.Sig[:])
	default:
		return r.Skip()
	}
}

func signMessage(m Message, sk types.SecretKey, sig *types.Signature) error {
	*sig = types.Signature{}
	var w bytes.Buffer
	m.BEncode(&w)
	s, err := crypto.Sign(sk, w.Bytes())
	if err != nil {
		return err
	}
	*sig = s
	return nil
}

func verifyMessage(m Message, pk types.PubKey, sig *types.Signature) error {
	saved := *sig
	*sig = types.Signature{}
	var w bytes.Buffer
	m.BEncode(&w)
	*sig = saved
	if !crypto.Verify(pk, w.Bytes(), saved) {
		return ErrExitSignature
	}
	return nil
}

// GrantExitMessage accepts an ObtainExit request. Tag G. Verified
// against the endpoint's identity key.
type GrantExitMessage struct {
	signedTYZ
}

func NewGrantExit(tx uint64) *GrantExitMessage {
	m := new(GrantExitMessage)
	m.TX = tx
	m.Nonce = randomNonce16()
	return m
}

func (m *GrantExitMessage) Tag() byte { return 'G' }

func (m *GrantExitMessage) BEncode(w *bytes.Buffer) {
	m.encodeBody(w, m.Tag(), nil)
}

func (m *GrantExitMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	return m.decodeKey(key, r)
}

func (m *GrantExitMessage) Sign(sk types.SecretKey) error {
	return signMessage(m, sk, &m.Sig)
}

func (m *GrantExitMessage) Verify(pk types.PubKey) error {
	return verifyMessage(m, pk, &m.Sig)
}

func (m *GrantExitMessage) Handle(h Handler) error { return h.HandleGrantExit(m) }

func (m *GrantExitMessage) Clear() { *m = GrantExitMessage{} }

// RejectExitMessage declines an ObtainExit request, optionally naming a
// backoff and the policies that caused the rejection. Tag J.
type RejectExitMessage struct {
	signedTYZ
	Backoff  uint64       // B
	Policies []ExitPolicy // R
}

func (m *RejectExitMessage) Tag() byte { return 'J' }

func (m *RejectExitMessage) BEncode(w *bytes.Buffer) {
	m.encodeBody(w, m.Tag(), func(w *bytes.Buffer) {
		bencode.WriteDictUint64(w, "B", m.Backoff)
		writePolicyList(w, "R", m.Policies)
	})
}

func (m *RejectExitMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	switch string(key) {
	case "B":
		v, err := r.ReadUint64()
		m.Backoff = v
		return err
	case "R":
		return readPolicyList(r, &m.Policies)
	default:
		return m.decodeKey(key, r)
	}
}

func (m *RejectExitMessage) Sign(sk types.SecretKey) error {
	return signMessage(m, sk, &m.Sig)
}

func (m *RejectExitMessage) Verify(pk types.PubKey) error {
	return verifyMessage(m, pk, &m.Sig)
}

func (m *RejectExitMessage) Handle(h Handler) error { return h.HandleRejectExit(m) }

func (m *RejectExitMessage) Clear() { *m = RejectExitMessage{} }

// UpdateExitMessage moves an exit session onto a new path. Tag U.
type UpdateExitMessage struct {
	signedTYZ
	PathID types.PathID // P
}

func (m *UpdateExitMessage) Tag() byte { return 'U' }

func (m *UpdateExitMessage) BEncode(w *bytes.Buffer) {
	m.encodeBody(w, m.Tag(), func(w *bytes.Buffer) {
		bencode.WriteDictBytes(w, "P", m.PathID[:])
	})
}

func (m *UpdateExitMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	if string(key) == "P" {
		return r.ReadExact(m.PathID[:])
	}
	return m.decodeKey(key, r)
}

func (m *UpdateExitMessage) Sign(sk types.SecretKey) error {
	return signMessage(m, sk, &m.Sig)
}

func (m *UpdateExitMessage) Verify(pk types.PubKey) error {
	return verifyMessage(m, pk, &m.Sig)
}

func (m *UpdateExitMessage) Handle(h Handler) error { return h.HandleUpdateExit(m) }

func (m *UpdateExitMessage) Clear() { *m = UpdateExitMessage{} }

// UpdateExitVerifyMessage acknowledges an UpdateExit or CloseExit by
// transaction id. Tag F.
type UpdateExitVerifyMessage struct {
	signedTYZ
}

func (m *UpdateExitVerifyMessage) Tag() byte { return 'F' }

func (m *UpdateExitVerifyMessage) BEncode(w *bytes.Buffer) {
	m.encodeBody(w, m.Tag(), nil)
}

func (m *UpdateExitVerifyMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	return m.decodeKey(key, r)
}

func (m *UpdateExitVerifyMessage) Sign(sk types.SecretKey) error {
	return signMessage(m, sk, &m.Sig)
}

func (m *UpdateExitVerifyMessage) Verify(pk types.PubKey) error {
	return verifyMessage(m, pk, &m.Sig)
}

func (m *UpdateExitVerifyMessage) Handle(h Handler) error { return h.HandleUpdateExitVerify(m) }

func (m *UpdateExitVerifyMessage) Clear() { *m = UpdateExitVerifyMessage{} }

// CloseExitMessage ends an exit session from either side. Tag C.
type CloseExitMessage struct {
	signedTYZ
}

func (m *CloseExitMessage) Tag() byte { return 'C' }

func (m *CloseExitMessage) BEncode(w *bytes.Buffer) {
	m.encodeBody(w, m.Tag(), nil)
}

func (m *CloseExitMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	return m.decodeKey(key, r)
}

func (m *CloseExitMessage) Sign(sk types.SecretKey) error {
	return signMessage(m, sk, &m.Sig)
}

func (m *CloseExitMessage) Verify(pk types.PubKey) error {
	return verifyMessage(m, pk, &m.Sig)
}

func (m *CloseExitMessage) Handle(h Handler) error { return h.HandleCloseExit(m) }

func (m *CloseExitMessage) Clear() { *m = CloseExitMessage{} }

// TransferTrafficMessage carries exit traffic, each packet prefixed with
// a big-endian counter. Tag I.
type TransferTrafficMessage struct {
	common
	Packets [][]byte // X
}

func (m *TransferTrafficMessage) Tag() byte { return 'I' }

func (m *TransferTrafficMessage) BEncode(w *bytes.Buffer) {
	bencode.BeginDict(w)
	writeTag(w, m.Tag())
	bencode.WriteDictUint64(w, "S", m.S)
	bencode.WriteDictUint64(w, "V", types.ProtoVersion)
	bencode.WriteString(w, "X")
	bencode.BeginList(w)
	for _, pkt := range m.Packets {
		bencode.WriteByteString(w, pkt)
	}
	bencode.End(w)
	bencode.End(w)
}

func (m *TransferTrafficMessage) DecodeKey(key []byte, r *bencode.Reader) error {
	if done, err := m.decodeCommon(key, r); done {
		return err
	}
	if string(key) == "X" {
		m.Packets = nil
		return r.ReadList(func(r *bencode.Reader) (bool, error) {
			b, err := r.ReadByteString()
			if err != nil {
				return false, err
			}
			pkt := make([]byte, len(b))
			copy(pkt, b)
			m.Packets = append(m.Packets, pkt)
			return true, nil
		})
	}
	return r.Skip()
}

func (m *TransferTrafficMessage) Handle(h Handler) error { return h.HandleTransferTraffic(m) }

func (m *TransferTrafficMessage) Clear() {
	m.clear()
	m.Packets = nil
}
