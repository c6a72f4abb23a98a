package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-lokinet/go-lokinet/lib/crypto"
	"github.com/go-lokinet/go-lokinet/lib/dht"
	"github.com/go-lokinet/go-lokinet/lib/rc"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

func makeRC(t *testing.T) *rc.RouterContact {
	t.Helper()
	sk := crypto.IdentityKeygen()
	enc := crypto.EncryptionKeygen()
	contact := &rc.RouterContact{
		NetID:  types.DefaultNetID,
		EncKey: crypto.SecKeyToPublic(enc),
	}
	require.NoError(t, contact.Sign(sk))
	return contact
}

type fakeSession struct {
	remote *rc.RouterContact
}

func (s *fakeSession) RemoteRouter() types.RouterID { return s.remote.RouterID() }
func (s *fakeSession) RemoteRC() *rc.RouterContact  { return s.remote }

// collector implements Handler and keeps what it saw.
type collector struct {
	intro      *LinkIntroMessage
	upstream   *RelayUpstreamMessage
	downstream *RelayDownstreamMessage
	commit     *LRCommitMessage
	immediate  *DHTImmediateMessage
	discards   int
	from       types.RouterID
}

func (c *collector) HandleLinkIntro(s Session, m *LinkIntroMessage) bool {
	cp := *m
	c.intro = &cp
	return true
}

func (c *collector) HandleRelayUpstream(from types.RouterID, m *RelayUpstreamMessage) bool {
	cp := *m
	cp.X = append([]byte(nil), m.X...)
	c.upstream = &cp
	c.from = from
	return true
}

func (c *collector) HandleRelayDownstream(from types.RouterID, m *RelayDownstreamMessage) bool {
	cp := *m
	cp.X = append([]byte(nil), m.X...)
	c.downstream = &cp
	c.from = from
	return true
}

func (c *collector) HandleLRCommit(from types.RouterID, m *LRCommitMessage) bool {
	cp := *m
	c.commit = &cp
	return true
}

func (c *collector) HandleDHTImmediate(from types.RouterID, m *DHTImmediateMessage) bool {
	cp := *m
	c.immediate = &cp
	return true
}

func (c *collector) HandleDiscard(from types.RouterID, m *DiscardMessage) bool {
	c.discards++
	return true
}

func process(t *testing.T, msg Message, h *collector) {
	t.Helper()
	buf, err := Encode(msg)
	require.NoError(t, err)
	session := &fakeSession{remote: makeRC(t)}
	require.True(t, NewInboundMessageParser(h).ProcessFrom(session, buf))
}

func TestLinkIntroRoundTrip(t *testing.T) {
	contact := makeRC(t)
	h := new(collector)
	process(t, &LinkIntroMessage{RC: *contact}, h)
	require.NotNil(t, h.intro)
	assert.Equal(t, contact.Bytes(), h.intro.RC.Bytes())
}

func TestRelayUpstreamRoundTrip(t *testing.T) {
	msg := &RelayUpstreamMessage{
		PathID: types.RandomPathID(),
		X:      []byte("onion wrapped payload"),
		Y:      types.RandomTunnelNonce(),
	}
	h := new(collector)
	process(t, msg, h)
	require.NotNil(t, h.upstream)
	assert.Equal(t, msg.PathID, h.upstream.PathID)
	assert.Equal(t, msg.X, h.upstream.X)
	assert.Equal(t, msg.Y, h.upstream.Y)
}

func TestRelayDownstreamRoundTrip(t *testing.T) {
	msg := &RelayDownstreamMessage{
		PathID: types.RandomPathID(),
		X:      []byte("payload"),
		Y:      types.RandomTunnelNonce(),
	}
	h := new(collector)
	process(t, msg, h)
	require.NotNil(t, h.downstream)
	assert.Equal(t, msg.PathID, h.downstream.PathID)
}

func TestLRCommitRoundTrip(t *testing.T) {
	msg := new(LRCommitMessage)
	for i := range msg.Frames {
		msg.Frames[i].Randomize()
	}
	h := new(collector)
	process(t, msg, h)
	require.NotNil(t, h.commit)
	assert.Equal(t, msg.Frames, h.commit.Frames)
}

func TestLRCommitWrongFrameCountRejected(t *testing.T) {
	// seven frames is not a valid commit
	buf := []byte("d1:a1:c1:cl")
	var frame crypto.EncryptedFrame
	for i := 0; i < NumLRFrames-1; i++ {
		frame.Randomize()
		buf = append(buf, []byte("512:")...)
		buf = append(buf, frame[:]...)
	}
	buf = append(buf, []byte("e1:vi0ee")...)
	h := new(collector)
	ok := NewInboundMessageParser(h).ProcessFrom(&fakeSession{remote: makeRC(t)}, buf)
	assert.False(t, ok)
	assert.Nil(t, h.commit)
}

func TestDHTImmediateRoundTrip(t *testing.T) {
	target := makeRC(t).RouterID()
	msg := &DHTImmediateMessage{Msgs: []dht.Message{dht.NewFindRouter(target, 77)}}
	h := new(collector)
	process(t, msg, h)
	require.NotNil(t, h.immediate)
	require.Len(t, h.immediate.Msgs, 1)
	fr := h.immediate.Msgs[0].(*dht.FindRouterMessage)
	assert.Equal(t, target, fr.K)
	assert.Equal(t, uint64(77), fr.TX)
}

func TestGarbageDropped(t *testing.T) {
	h := new(collector)
	ok := NewInboundMessageParser(h).ProcessFrom(&fakeSession{remote: makeRC(t)}, []byte("not bencode at all"))
	assert.False(t, ok)
}

func TestMemLinkDelivery(t *testing.T) {
	net := NewMemNet()
	a := makeRC(t)
	b := makeRC(t)

	type event struct {
		from types.RouterID
		buf  []byte
	}
	var gotB []event
	eventsA := &funcEvents{}
	eventsB := &funcEvents{onMsg: func(s Session, buf []byte) {
		gotB = append(gotB, event{s.RemoteRouter(), buf})
	}}
	linkA := NewMemLink(net, func() *rc.RouterContact { return a }, eventsA)
	linkB := NewMemLink(net, func() *rc.RouterContact { return b }, eventsB)
	require.NoError(t, linkA.Start())
	require.NoError(t, linkB.Start())

	require.True(t, linkA.TryEstablishTo(b))
	require.True(t, linkA.HasSessionTo(b.RouterID()))
	require.True(t, linkB.HasSessionTo(a.RouterID()))

	require.True(t, linkA.SendTo(b.RouterID(), []byte("hello")))
	require.Len(t, gotB, 1)
	assert.Equal(t, a.RouterID(), gotB[0].from)
	assert.Equal(t, []byte("hello"), gotB[0].buf)

	linkA.CloseSessionTo(b.RouterID())
	assert.False(t, linkA.HasSessionTo(b.RouterID()))
	assert.False(t, linkB.HasSessionTo(a.RouterID()))
}

type funcEvents struct {
	onMsg func(Session, []byte)
}

func (e *funcEvents) OnSessionEstablished(Session)    {}
func (e *funcEvents) OnConnectTimeout(types.RouterID) {}
func (e *funcEvents) OnSessionClosed(types.RouterID)  {}
func (e *funcEvents) OnLinkMessage(s Session, buf []byte) {
	if e.onMsg != nil {
		e.onMsg(s, buf)
	}
}
