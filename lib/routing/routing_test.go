package routing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-lokinet/go-lokinet/lib/crypto"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

// recordingHandler remembers the last message of each kind it saw.
type recordingHandler struct {
	confirm  *PathConfirmMessage
	latency  *PathLatencyMessage
	discard  *DataDiscardMessage
	transfer *PathTransferMessage
	obtain   *ObtainExitMessage
	grant    *GrantExitMessage
	reject   *RejectExitMessage
	update   *UpdateExitMessage
	verify   *UpdateExitVerifyMessage
	closeEx  *CloseExitMessage
	traffic  *TransferTrafficMessage
	dht      *DHTMessage
}

func (h *recordingHandler) HandlePathConfirm(m *PathConfirmMessage) error {
	cp := *m
	h.confirm = &cp
	return nil
}

func (h *recordingHandler) HandlePathLatency(m *PathLatencyMessage) error {
	cp := *m
	h.latency = &cp
	return nil
}

func (h *recordingHandler) HandleDataDiscard(m *DataDiscardMessage) error {
	cp := *m
	h.discard = &cp
	return nil
}

func (h *recordingHandler) HandlePathTransfer(m *PathTransferMessage) error {
	cp := *m
	h.transfer = &cp
	return nil
}

func (h *recordingHandler) HandleObtainExit(m *ObtainExitMessage) error {
	cp := *m
	h.obtain = &cp
	return nil
}

func (h *recordingHandler) HandleGrantExit(m *GrantExitMessage) error {
	cp := *m
	h.grant = &cp
	return nil
}

func (h *recordingHandler) HandleRejectExit(m *RejectExitMessage) error {
	cp := *m
	h.reject = &cp
	return nil
}

func (h *recordingHandler) HandleUpdateExit(m *UpdateExitMessage) error {
	cp := *m
	h.update = &cp
	return nil
}

func (h *recordingHandler) HandleUpdateExitVerify(m *UpdateExitVerifyMessage) error {
	cp := *m
	h.verify = &cp
	return nil
}

func (h *recordingHandler) HandleCloseExit(m *CloseExitMessage) error {
	cp := *m
	h.closeEx = &cp
	return nil
}

func (h *recordingHandler) HandleTransferTraffic(m *TransferTrafficMessage) error {
	cp := *m
	h.traffic = &cp
	return nil
}

func (h *recordingHandler) HandleDHT(m *DHTMessage) error {
	cp := *m
	h.dht = &cp
	return nil
}

func parse(t *testing.T, msg Message, from types.PathID) *recordingHandler {
	t.Helper()
	var w bytes.Buffer
	msg.BEncode(&w)
	h := new(recordingHandler)
	require.NoError(t, NewInboundMessageParser().ParseMessageBuffer(w.Bytes(), h, from))
	return h
}

func TestPathConfirmRoundTrip(t *testing.T) {
	from := types.RandomPathID()
	msg := NewPathConfirm(600000, 12345)
	h := parse(t, msg, from)
	require.NotNil(t, h.confirm)
	assert.Equal(t, uint64(600000), h.confirm.PathLifetime)
	assert.Equal(t, uint64(12345), h.confirm.PathCreated)
	assert.Equal(t, from, h.confirm.From)
}

func TestPathLatencyRoundTrip(t *testing.T) {
	msg := &PathLatencyMessage{Sent: 999, Echo: 777}
	h := parse(t, msg, types.RandomPathID())
	require.NotNil(t, h.latency)
	assert.Equal(t, uint64(999), h.latency.Sent)
	assert.Equal(t, uint64(777), h.latency.Echo)
}

func TestDataDiscardRoundTrip(t *testing.T) {
	msg := &DataDiscardMessage{PathID: types.RandomPathID()}
	msg.S = 4
	h := parse(t, msg, types.RandomPathID())
	require.NotNil(t, h.discard)
	assert.Equal(t, msg.PathID, h.discard.PathID)
	assert.Equal(t, uint64(4), h.discard.S)
}

func TestPathTransferRoundTrip(t *testing.T) {
	msg := &PathTransferMessage{
		PathID: types.RandomPathID(),
		Frame:  []byte("sealed frame bytes"),
		Nonce:  types.RandomTunnelNonce(),
	}
	h := parse(t, msg, types.RandomPathID())
	require.NotNil(t, h.transfer)
	assert.Equal(t, msg.PathID, h.transfer.PathID)
	assert.Equal(t, msg.Frame, h.transfer.Frame)
	assert.Equal(t, msg.Nonce, h.transfer.Nonce)
}

func TestTransferTrafficRoundTrip(t *testing.T) {
	msg := &TransferTrafficMessage{
		Packets: [][]byte{[]byte("12345678payload-one"), []byte("87654321payload-two")},
	}
	h := parse(t, msg, types.RandomPathID())
	require.NotNil(t, h.traffic)
	assert.Equal(t, msg.Packets, h.traffic.Packets)
}

func TestPaddedMessageParses(t *testing.T) {
	msg := &PathLatencyMessage{Sent: 5}
	var w bytes.Buffer
	msg.BEncode(&w)
	buf := w.Bytes()
	pad := make([]byte, types.MessagePadSize-len(buf))
	types.Randomize(pad)
	buf = append(buf, pad...)

	h := new(recordingHandler)
	require.NoError(t, NewInboundMessageParser().ParseMessageBuffer(buf, h, types.RandomPathID()))
	require.NotNil(t, h.latency)
	assert.Equal(t, uint64(5), h.latency.Sent)
}

func TestUnknownTagRejected(t *testing.T) {
	buf := []byte("d1:A1:Q1:Vi0ee")
	err := NewInboundMessageParser().ParseMessageBuffer(buf, new(recordingHandler), types.PathID{})
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestBadVersionRejected(t *testing.T) {
	buf := []byte("d1:A1:L1:Vi9999ee")
	err := NewInboundMessageParser().ParseMessageBuffer(buf, new(recordingHandler), types.PathID{})
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestObtainExitSignVerify(t *testing.T) {
	sk := crypto.IdentityKeygen()
	msg := &ObtainExitMessage{
		Exit:     1,
		TX:       42,
		Lifetime: 60000,
	}
	require.NoError(t, msg.Sign(sk))
	require.NoError(t, msg.Verify())

	msg.Lifetime = 70000
	assert.Error(t, msg.Verify())
}

func TestGrantExitSignVerify(t *testing.T) {
	sk := crypto.IdentityKeygen()
	pk := crypto.SecKeyToPublic(sk)
	msg := NewGrantExit(9)
	require.NoError(t, msg.Sign(sk))
	require.NoError(t, msg.Verify(pk))

	other := crypto.SecKeyToPublic(crypto.IdentityKeygen())
	assert.Error(t, msg.Verify(other))
}

func TestRejectExitRoundTripSigned(t *testing.T) {
	sk := crypto.IdentityKeygen()
	pk := crypto.SecKeyToPublic(sk)
	msg := &RejectExitMessage{Backoff: 5000, Policies: []ExitPolicy{{Proto: 6, Port: 25, Drop: 1}}}
	msg.TX = 42
	require.NoError(t, msg.Sign(sk))

	h := parse(t, msg, types.RandomPathID())
	require.NotNil(t, h.reject)
	assert.Equal(t, uint64(5000), h.reject.Backoff)
	assert.Equal(t, msg.Policies, h.reject.Policies)
	require.NoError(t, h.reject.Verify(pk))
}
