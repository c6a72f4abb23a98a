package crypto

import (
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"

	"github.com/go-lokinet/go-lokinet/lib/types"
)

// XChaCha20 applies one symmetric layer in place. The cipher is its own
// inverse, so the same call peels a layer on the other side.
func XChaCha20(buf []byte, key types.SharedSecret, nonce types.TunnelNonce) error {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return err
	}
	c.XORKeyStream(buf, buf)
	return nil
}

// Shorthash is the 32 byte hash used to derive a hop's nonce mask from
// its shared secret.
func Shorthash(data []byte) (h types.ShortHash) {
	h = blake2b.Sum256(data)
	return
}

// MAC computes the keyed hash guarding an encrypted frame.
func MAC(key types.SharedSecret, data []byte) (h types.ShortHash, err error) {
	m, err := blake2b.New256(key[:])
	if err != nil {
		return
	}
	m.Write(data)
	copy(h[:], m.Sum(nil))
	return
}
