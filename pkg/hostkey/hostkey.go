// Package hostkey derives per-space host keys from the node's static
// secret. The derived key identifies the space's peer during bootstrap; the
// wallet audiences it when delegating the hosting capability.
package hostkey

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/tinycloudlabs/tinycloud-node/pkg/capability"
	"github.com/tinycloudlabs/tinycloud-node/pkg/did"
)

// hkdfInfo binds derived keys to this use; changing it rotates every peer.
const hkdfInfo = "tinycloud/host/v1"

// MinSecretLen is the minimum entropy the static secret must carry.
const MinSecretLen = 32

// Deriver derives space host keys from a static secret.
type Deriver struct {
	secret []byte
}

// New creates a Deriver from a base64url-encoded static secret.
func New(encodedSecret string) (*Deriver, error) {
	secret, err := base64.RawURLEncoding.DecodeString(encodedSecret)
	if err != nil {
		// Tolerate padded input.
		secret, err = base64.URLEncoding.DecodeString(encodedSecret)
		if err != nil {
			return nil, errors.New("static secret is not base64url")
		}
	}
	if len(secret) < MinSecretLen {
		return nil, errors.New("static secret must carry at least 32 bytes")
	}
	return &Deriver{secret: secret}, nil
}

// Derive produces the Ed25519 keypair for a space. Derivation is
// deterministic: HKDF-SHA256 with the space ID as salt.
func (d *Deriver) Derive(space capability.SpaceID) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	r := hkdf.New(sha256.New, d.secret, []byte(space.String()), []byte(hkdfInfo))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

// PeerDID returns the did:key of the derived host key for a space.
func (d *Deriver) PeerDID(space capability.SpaceID) (string, error) {
	pub, _, err := d.Derive(space)
	if err != nil {
		return "", err
	}
	return did.KeyDID(pub), nil
}
