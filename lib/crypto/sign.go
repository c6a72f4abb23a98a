package crypto

import (
	"crypto/ed25519"

	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/types"
)

var ErrBadSecretKey = oops.Errorf("bad secret key")

// IdentityKeygen creates a fresh Ed25519 signing keypair. The secret key
// carries the public half in its trailing 32 bytes.
func IdentityKeygen() (sk types.SecretKey) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	copy(sk[:], priv)
	return
}

// SecKeyToPublic extracts the identity public key from a signing secret
// key.
func SecKeyToPublic(sk types.SecretKey) (pk types.PubKey) {
	copy(pk[:], sk[32:])
	return
}

// Sign produces a detached signature over data.
func Sign(sk types.SecretKey, data []byte) (sig types.Signature, err error) {
	priv := ed25519.PrivateKey(sk[:])
	raw := ed25519.Sign(priv, data)
	if len(raw) != types.SignatureSize {
		err = ErrBadSecretKey
		return
	}
	copy(sig[:], raw)
	return
}

// Verify reports whether sig is a valid signature over data under pk.
func Verify(pk types.PubKey, data []byte, sig types.Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), data, sig[:])
}
