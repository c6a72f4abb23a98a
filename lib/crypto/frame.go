package crypto

import (
	"crypto/subtle"

	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/types"
)

// EncryptedFrameSize is the fixed length of every LR Commit frame slot.
// All eight slots are the same size whether or not they carry a real
// record, so a build looks identical at every hop.
const EncryptedFrameSize = 512

// EncryptedFrameOverhead is the header carried before the sealed body:
// keyed MAC, ephemeral public key, key-exchange nonce.
const EncryptedFrameOverhead = types.ShortHashSize + types.PubKeySize + types.TunnelNonceSize

var (
	ErrFrameTooSmall = oops.Errorf("encrypted frame too small")
	ErrFrameMAC      = oops.Errorf("encrypted frame failed MAC check")
)

// EncryptedFrame is one sealed slot of an LR Commit message:
// [mac 32][ephemeral pubkey 32][nonce 24][body].
type EncryptedFrame [EncryptedFrameSize]byte

// Randomize fills the whole frame slot with noise, making an unused slot
// indistinguishable from a sealed record.
func (f *EncryptedFrame) Randomize() {
	types.Randomize(f[:])
}

// Body returns the mutable plaintext region of an unsealed frame.
func (f *EncryptedFrame) Body() []byte {
	return f[EncryptedFrameOverhead:]
}

// EncryptInPlace seals the body to otherPub using the ephemeral secret
// frameKey, writing the header fields in front of it.
func (f *EncryptedFrame) EncryptInPlace(frameKey types.SecretKey, otherPub types.PubKey) error {
	var nonce types.TunnelNonce
	types.Randomize(nonce[:])

	var shared types.SharedSecret
	if err := DHClient(&shared, otherPub, frameKey, nonce); err != nil {
		return err
	}
	copy(f[types.ShortHashSize:], frameKey[32:])
	copy(f[types.ShortHashSize+types.PubKeySize:], nonce[:])
	if err := XChaCha20(f.Body(), shared, nonce); err != nil {
		return err
	}
	mac, err := MAC(shared, f[types.ShortHashSize:])
	if err != nil {
		return err
	}
	copy(f[:types.ShortHashSize], mac[:])
	return nil
}

// DecryptInPlace opens a frame sealed to our encryption key. On success
// the body region holds the plaintext record.
func (f *EncryptedFrame) DecryptInPlace(ourKey types.SecretKey) error {
	var otherPub types.PubKey
	var nonce types.TunnelNonce
	copy(otherPub[:], f[types.ShortHashSize:])
	copy(nonce[:], f[types.ShortHashSize+types.PubKeySize:])

	var shared types.SharedSecret
	if err := DHServer(&shared, otherPub, ourKey, nonce); err != nil {
		return err
	}
	mac, err := MAC(shared, f[types.ShortHashSize:])
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(mac[:], f[:types.ShortHashSize]) != 1 {
		return ErrFrameMAC
	}
	return XChaCha20(f.Body(), shared, nonce)
}
