package crypto

import (
	"github.com/samber/oops"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"

	"github.com/go-lokinet/go-lokinet/lib/types"
)

var ErrBadScalarMult = oops.Errorf("curve25519 scalar multiplication failed")

// EncryptionKeygen creates an onion encryption keypair. Like the signing
// keys, the scalar lives in the first 32 bytes and the public key in the
// trailing 32, so both key kinds share one on-disk size.
func EncryptionKeygen() (sk types.SecretKey) {
	types.Randomize(sk[:32])
	pub, err := curve25519.X25519(sk[:32], curve25519.Basepoint)
	if err != nil {
		// only possible for a low-order point, which a random scalar is not
		panic(err)
	}
	copy(sk[32:], pub)
	return
}

// dh derives the per-hop shared secret: the raw X25519 point hashed with
// the tunnel nonce. Client and server run the same combine over the same
// point, so the two sides agree.
func dh(shared *types.SharedSecret, pub types.PubKey, scalar []byte, nonce types.TunnelNonce) error {
	pm, err := curve25519.X25519(scalar, pub[:])
	if err != nil {
		return ErrBadScalarMult
	}
	h, err := blake2b.New256(nonce[:])
	if err != nil {
		return err
	}
	h.Write(pm)
	copy(shared[:], h.Sum(nil))
	return nil
}

// DHClient computes the path-build shared secret on the initiator side
// from the hop's advertised encryption key and our ephemeral secret.
func DHClient(shared *types.SharedSecret, serverPub types.PubKey, clientSecret types.SecretKey, nonce types.TunnelNonce) error {
	return dh(shared, serverPub, clientSecret[:32], nonce)
}

// DHServer computes the same secret on the accepting side from the
// initiator's ephemeral public key and our long-lived encryption secret.
func DHServer(shared *types.SharedSecret, clientPub types.PubKey, serverSecret types.SecretKey, nonce types.TunnelNonce) error {
	return dh(shared, clientPub, serverSecret[:32], nonce)
}
