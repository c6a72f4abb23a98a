// Package types holds the fixed-size value types shared by the wire
// protocol: router identities, path identifiers, tunnel nonces, keys and
// signatures.
package types

import (
	"crypto/rand"
	"encoding/hex"
)

const (
	// ProtoVersion is the protocol major version carried in the V key of
	// every wire message.
	ProtoVersion = 0

	RouterIDSize     = 32
	PubKeySize       = 32
	SecKeySize       = 64
	SignatureSize    = 64
	PathIDSize       = 16
	TunnelNonceSize  = 24
	SharedSecretSize = 32
	ShortHashSize    = 32

	// MaxLinkMsgSize bounds a single bencoded link message.
	MaxLinkMsgSize = 8192
	// MessagePadSize is the normalized length of a routing message before
	// the onion transform.
	MessagePadSize = 128
	// MaxNetIDSize bounds the overlay network tag.
	MaxNetIDSize = 8
)

// DefaultNetID tags the production overlay; RCs with a different tag do
// not verify.
const DefaultNetID = "lokinet"

type (
	// RouterID is a router's identity public key.
	RouterID [RouterIDSize]byte
	// PubKey is a 32 byte curve or identity public key.
	PubKey [PubKeySize]byte
	// SecretKey is a 64 byte signing secret key.
	SecretKey [SecKeySize]byte
	// Signature is a detached Ed25519 signature.
	Signature [SignatureSize]byte
	// PathID identifies one direction of one path segment.
	PathID [PathIDSize]byte
	// TunnelNonce is the XChaCha20 nonce carried beside relayed frames.
	TunnelNonce [TunnelNonceSize]byte
	// SharedSecret is a per-hop symmetric key.
	SharedSecret [SharedSecretSize]byte
	// ShortHash is a 32 byte hash output, used for nonce mutation.
	ShortHash [ShortHashSize]byte
)

func (r RouterID) Hex() string { return hex.EncodeToString(r[:]) }

// String renders a short prefix for logs.
func (r RouterID) String() string { return r.Hex()[:16] }

func (p PubKey) Hex() string { return hex.EncodeToString(p[:]) }

func (p PathID) Hex() string { return hex.EncodeToString(p[:]) }

func (p PathID) String() string { return p.Hex() }

func (r RouterID) IsZero() bool {
	return r == RouterID{}
}

func (p PathID) IsZero() bool {
	return p == PathID{}
}

// RandomPathID draws a fresh identifier. Uniqueness is probabilistic;
// collisions only matter within a single hop's context.
func RandomPathID() (p PathID) {
	Randomize(p[:])
	return
}

// RandomTunnelNonce draws a fresh frame nonce.
func RandomTunnelNonce() (n TunnelNonce) {
	Randomize(n[:])
	return
}

// Randomize fills b from the system CSPRNG.
func Randomize(b []byte) {
	if _, err := rand.Read(b); err != nil {
		// the platform CSPRNG failing is not recoverable
		panic(err)
	}
}

// XOR returns a ^ b over the shorter length.
func XOR(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, len(a))
	copy(out, a)
	for i := 0; i < n; i++ {
		out[i] ^= b[i]
	}
	return out
}

// MutateNonce applies the per-hop nonce mask: the tunnel nonce XORed
// with the leading bytes of the hop's nonceXOR hash.
func MutateNonce(n TunnelNonce, mask ShortHash) (out TunnelNonce) {
	for i := 0; i < TunnelNonceSize; i++ {
		out[i] = n[i] ^ mask[i]
	}
	return
}

// Distance returns the xor metric between two 32 byte keys.
func Distance(a, b RouterID) (d RouterID) {
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return
}

// Less compares big-endian.
func Less(a, b RouterID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
