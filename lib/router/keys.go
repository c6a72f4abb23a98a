package router

import (
	"os"

	"github.com/samber/oops"

	"github.com/go-lokinet/go-lokinet/lib/crypto"
	"github.com/go-lokinet/go-lokinet/lib/types"
)

// findOrCreateKey loads a secret key file, generating and persisting one
// with gen if the file is missing. A file of the wrong size is a fatal
// configuration error, never overwritten.
func findOrCreateKey(path string, gen func() types.SecretKey) (sk types.SecretKey, err error) {
	buf, rerr := os.ReadFile(path)
	if rerr != nil {
		if !os.IsNotExist(rerr) {
			err = oops.Wrapf(rerr, "read keyfile %s", path)
			return
		}
		log.WithField("path", path).Info("generating new key")
		sk = gen()
		if werr := os.WriteFile(path, sk[:], 0o600); werr != nil {
			err = oops.Wrapf(werr, "write keyfile %s", path)
		}
		return
	}
	if len(buf) != types.SecKeySize {
		err = oops.Errorf("keyfile %s has bad size %d", path, len(buf))
		return
	}
	copy(sk[:], buf)
	return
}

// EnsureIdentity loads or creates the signing and encryption keys.
func (r *Router) EnsureIdentity() error {
	var err error
	r.identity, err = findOrCreateKey(r.identKeyfile, crypto.IdentityKeygen)
	if err != nil {
		return err
	}
	r.encryption, err = findOrCreateKey(r.encKeyfile, crypto.EncryptionKeygen)
	if err != nil {
		return err
	}
	// the transport key belongs to the link layer; we only guarantee the
	// file exists
	_, err = findOrCreateKey(r.transportKeyfile, func() types.SecretKey {
		var k types.SecretKey
		types.Randomize(k[:])
		return k
	})
	return err
}
