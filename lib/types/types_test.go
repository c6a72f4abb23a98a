package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomPathIDsDiffer(t *testing.T) {
	a := RandomPathID()
	b := RandomPathID()
	assert.NotEqual(t, a, b)
	assert.False(t, a.IsZero())
	assert.True(t, PathID{}.IsZero())
}

func TestMutateNonceIsInvolution(t *testing.T) {
	n := RandomTunnelNonce()
	var mask ShortHash
	Randomize(mask[:])
	once := MutateNonce(n, mask)
	assert.NotEqual(t, n, once)
	assert.Equal(t, n, MutateNonce(once, mask))
}

func TestDistanceSymmetric(t *testing.T) {
	var a, b RouterID
	Randomize(a[:])
	Randomize(b[:])
	assert.Equal(t, Distance(a, b), Distance(b, a))
	assert.Equal(t, RouterID{}, Distance(a, a))
}

func TestLess(t *testing.T) {
	a := RouterID{0, 1}
	b := RouterID{0, 2}
	assert.True(t, Less(a, b))
	assert.False(t, Less(b, a))
	assert.False(t, Less(a, a))
}

func TestXORShorterSecond(t *testing.T) {
	out := XOR([]byte{1, 2, 3}, []byte{1})
	assert.Equal(t, []byte{0, 2, 3}, out)
}
