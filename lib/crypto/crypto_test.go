package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-lokinet/go-lokinet/lib/types"
)

func TestSignVerify(t *testing.T) {
	sk := IdentityKeygen()
	pk := SecKeyToPublic(sk)
	data := []byte("some bytes to sign")

	sig, err := Sign(sk, data)
	require.NoError(t, err)
	assert.True(t, Verify(pk, data, sig))
}

func TestVerifyTamperedData(t *testing.T) {
	sk := IdentityKeygen()
	pk := SecKeyToPublic(sk)
	data := []byte("some bytes to sign")
	sig, err := Sign(sk, data)
	require.NoError(t, err)

	for i := range data {
		tampered := make([]byte, len(data))
		copy(tampered, data)
		tampered[i] ^= 0x01
		assert.False(t, Verify(pk, tampered, sig), "byte %d", i)
	}
}

func TestVerifyTamperedSig(t *testing.T) {
	sk := IdentityKeygen()
	pk := SecKeyToPublic(sk)
	data := []byte("payload")
	sig, err := Sign(sk, data)
	require.NoError(t, err)
	sig[0] ^= 0x01
	assert.False(t, Verify(pk, data, sig))
}

func TestDHAgreement(t *testing.T) {
	server := EncryptionKeygen()
	client := EncryptionKeygen()
	var serverPub, clientPub types.PubKey
	copy(serverPub[:], server[32:])
	copy(clientPub[:], client[32:])
	nonce := types.RandomTunnelNonce()

	var a, b types.SharedSecret
	require.NoError(t, DHClient(&a, serverPub, client, nonce))
	require.NoError(t, DHServer(&b, clientPub, server, nonce))
	assert.Equal(t, a, b)
}

func TestDHNonceChangesSecret(t *testing.T) {
	server := EncryptionKeygen()
	client := EncryptionKeygen()
	var serverPub types.PubKey
	copy(serverPub[:], server[32:])

	var a, b types.SharedSecret
	require.NoError(t, DHClient(&a, serverPub, client, types.RandomTunnelNonce()))
	require.NoError(t, DHClient(&b, serverPub, client, types.RandomTunnelNonce()))
	assert.NotEqual(t, a, b)
}

func TestXChaCha20RoundTrip(t *testing.T) {
	var key types.SharedSecret
	types.Randomize(key[:])
	nonce := types.RandomTunnelNonce()

	msg := []byte("onion layer payload, padded out to something realistic")
	buf := make([]byte, len(msg))
	copy(buf, msg)

	require.NoError(t, XChaCha20(buf, key, nonce))
	assert.NotEqual(t, msg, buf)
	require.NoError(t, XChaCha20(buf, key, nonce))
	assert.Equal(t, msg, buf)
}

func TestEncryptedFrameRoundTrip(t *testing.T) {
	server := EncryptionKeygen()
	var serverPub types.PubKey
	copy(serverPub[:], server[32:])

	var frame EncryptedFrame
	frame.Randomize()
	record := []byte("lr commit record body")
	copy(frame.Body(), record)

	frameKey := EncryptionKeygen()
	require.NoError(t, frame.EncryptInPlace(frameKey, serverPub))
	require.NoError(t, frame.DecryptInPlace(server))
	assert.Equal(t, record, frame.Body()[:len(record)])
}

func TestEncryptedFrameBadMAC(t *testing.T) {
	server := EncryptionKeygen()
	var serverPub types.PubKey
	copy(serverPub[:], server[32:])

	var frame EncryptedFrame
	frame.Randomize()
	frameKey := EncryptionKeygen()
	require.NoError(t, frame.EncryptInPlace(frameKey, serverPub))

	frame[EncryptedFrameSize-1] ^= 0x01
	assert.ErrorIs(t, frame.DecryptInPlace(server), ErrFrameMAC)
}

func TestEncryptedFrameWrongKey(t *testing.T) {
	server := EncryptionKeygen()
	other := EncryptionKeygen()
	var serverPub types.PubKey
	copy(serverPub[:], server[32:])

	var frame EncryptedFrame
	frame.Randomize()
	frameKey := EncryptionKeygen()
	require.NoError(t, frame.EncryptInPlace(frameKey, serverPub))
	assert.Error(t, frame.DecryptInPlace(other))
}

func TestShorthashDeterministic(t *testing.T) {
	h1 := Shorthash([]byte("abc"))
	h2 := Shorthash([]byte("abc"))
	h3 := Shorthash([]byte("abd"))
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}
